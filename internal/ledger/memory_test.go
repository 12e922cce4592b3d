package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

var t0 = time.Date(2022, 5, 26, 10, 30, 0, 0, time.UTC)

func attempt(id string, n int) types.AttemptRecord {
	return types.AttemptRecord{
		AttemptKey:   types.AttemptKey{CallID: types.CallID(id), Attempt: n},
		ExchangeCode: "212555",
		ArrivedAt:    t0.Add(time.Duration(n) * 3 * time.Minute),
		Center:       types.CenterPair{Center: "A", Termination: "1"},
	}
}

func answered() types.Disposition {
	return types.Disposition{
		Kind:   types.DispositionAnswered,
		Timing: &types.Timing{RingTime: 15, TalkTime: 185, TimeToAnswer: 15, TimeToLeave: 200},
	}
}

func TestMemory_InsertAndUpdateOne(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	require.NoError(t, m.Insert(ctx, attempt("c1", 0)))
	err := m.Insert(ctx, attempt("c1", 0))
	assert.ErrorIs(t, err, ErrDuplicateAttempt)

	rec, ok := m.Get(types.AttemptKey{CallID: "c1"})
	require.True(t, ok)
	assert.True(t, rec.Disposition.Pending())

	key := types.AttemptKey{CallID: "c1"}
	require.NoError(t, m.UpdateOne(ctx, key, answered()))
	assert.ErrorIs(t, m.UpdateOne(ctx, key, answered()), ErrAlreadyResolved, "resolved exactly once")
	assert.ErrorIs(t, m.UpdateOne(ctx, types.AttemptKey{CallID: "c2"}, answered()), ErrAttemptNotFound)
	assert.ErrorIs(t, m.UpdateOne(ctx, key, types.Disposition{}), ErrInvalidDisposition)

	rec, _ = m.Get(key)
	assert.True(t, rec.Disposition.Answered())
	assert.Equal(t, int64(185), rec.Disposition.Timing.TalkTime)
}

func TestMemory_UpdateAllForCall(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	require.NoError(t, m.Insert(ctx, attempt("c1", 0)))
	require.NoError(t, m.Insert(ctx, attempt("c2", 0)))

	first := types.CallerSummary{MaxAttempt: 0, InitiatedAt: t0, InitiatedPartOfDay: types.Morning}
	require.NoError(t, m.UpdateAllForCall(ctx, "c1", first))

	// rows inserted later inherit the summary until the next update
	require.NoError(t, m.Insert(ctx, attempt("c1", 1)))
	rec, _ := m.Get(types.AttemptKey{CallID: "c1", Attempt: 1})
	assert.Equal(t, first, rec.Summary)

	second := types.CallerSummary{MaxAttempt: 1, InitiatedAt: t0, InitiatedPartOfDay: types.Morning}
	require.NoError(t, m.UpdateAllForCall(ctx, "c1", second))

	records, err := m.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		if r.CallID == "c1" {
			assert.Equal(t, 1, r.Summary.MaxAttempt)
		} else {
			assert.True(t, r.Summary.InitiatedAt.IsZero())
		}
	}
}

func TestMemory_RecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Insert(ctx, attempt("c1", 0)))
	require.NoError(t, m.UpdateOne(ctx, types.AttemptKey{CallID: "c1"}, answered()))

	records, err := m.Records(ctx)
	require.NoError(t, err)
	records[0].Disposition.Timing.RingTime = 999

	rec, _ := m.Get(types.AttemptKey{CallID: "c1"})
	assert.Equal(t, int64(15), rec.Disposition.Timing.RingTime)
}

func TestMemory_Flag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Insert(ctx, attempt("c1", 0)))

	f := types.FlaggedCall{CallID: "c1", Attempt: 1, Reason: "ledger write failed"}
	require.NoError(t, m.Flag(ctx, f))
	require.NoError(t, m.Flag(ctx, f))
	require.NoError(t, m.Insert(ctx, attempt("c1", 1)))

	assert.Equal(t, []types.FlaggedCall{f}, m.Flagged())
	records, _ := m.Records(ctx)
	for _, r := range records {
		assert.True(t, r.Flagged)
	}
	assert.Equal(t, 1, m.Stats()["flagged"])
}

func TestMemory_LookupActiveCalls(t *testing.T) {
	calls := []types.InitialCall{
		{CallID: "late", ArrivedAt: t0.Add(2 * time.Hour)},
		{CallID: "b", ArrivedAt: t0},
		{CallID: "a", ArrivedAt: t0},
		{CallID: "early", ArrivedAt: t0.Add(-time.Hour)},
	}
	m := NewMemory(calls)

	tests := []struct {
		name   string
		window Window
		want   []types.CallID
	}{
		{"open", Window{}, []types.CallID{"early", "a", "b", "late"}},
		{"start inclusive", Window{Start: t0}, []types.CallID{"a", "b", "late"}},
		{"end exclusive", Window{End: t0}, []types.CallID{"early"}},
		{"bounded", Window{Start: t0, End: t0.Add(time.Hour)}, []types.CallID{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.LookupActiveCalls(context.Background(), tt.window)
			require.NoError(t, err)
			ids := make([]types.CallID, len(got))
			for i, c := range got {
				ids[i] = c.CallID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemory_Stats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Insert(ctx, attempt("c1", 0)))
	require.NoError(t, m.Insert(ctx, attempt("c2", 0)))
	require.NoError(t, m.UpdateOne(ctx, types.AttemptKey{CallID: "c1"}, answered()))

	stats := m.Stats()
	assert.Equal(t, 2, stats["records"])
	assert.Equal(t, 2, stats["calls"])
	assert.Equal(t, 1, stats["answered"])
	assert.Equal(t, 1, stats["pending"])
	assert.Equal(t, 0, stats["backup_routed"])
}

func TestMemory_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Insert(ctx, attempt("c1", 0)))
	require.NoError(t, m.UpdateOne(ctx, types.AttemptKey{CallID: "c1"}, answered()))
	require.NoError(t, m.UpdateAllForCall(ctx, "c1", types.CallerSummary{InitiatedAt: t0}))
	require.NoError(t, m.Flag(ctx, types.FlaggedCall{CallID: "c9", Reason: "x"}))

	snap := m.Snapshot()

	restored := NewMemory(nil)
	require.NoError(t, restored.Restore(snap))
	want, _ := m.Records(ctx)
	got, _ := restored.Records(ctx)
	assert.Equal(t, want, got)
	assert.Equal(t, m.Flagged(), restored.Flagged())

	// summaries survive so later inserts still inherit them
	require.NoError(t, restored.Insert(ctx, attempt("c1", 1)))
	rec, _ := restored.Get(types.AttemptKey{CallID: "c1", Attempt: 1})
	assert.True(t, rec.Summary.InitiatedAt.Equal(t0))

	snap.Records = append(snap.Records, snap.Records[0])
	assert.ErrorIs(t, NewMemory(nil).Restore(snap), ErrDuplicateAttempt)
}

func TestWindowContains(t *testing.T) {
	w := Window{Start: t0, End: t0.Add(time.Minute)}
	assert.True(t, w.Contains(t0))
	assert.False(t, w.Contains(t0.Add(time.Minute)))
	assert.False(t, w.Contains(t0.Add(-time.Second)))
	assert.True(t, Window{}.Contains(time.Time{}))
}
