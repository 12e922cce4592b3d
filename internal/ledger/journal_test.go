package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dssg/vibrant-routing-public/internal/storage/wal"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

func TestJournal_RecoverFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := OpenJournal(dir, nil, JournalOptions{})
	require.NoError(t, err)
	require.NoError(t, j.Insert(ctx, attempt("c1", 0)))
	require.NoError(t, j.UpdateOne(ctx, types.AttemptKey{CallID: "c1"}, answered()))
	require.NoError(t, j.UpdateAllForCall(ctx, "c1", types.CallerSummary{InitiatedAt: t0, InitiatedPartOfDay: types.Morning}))
	require.NoError(t, j.Flag(ctx, types.FlaggedCall{CallID: "c2", Reason: "scorer out of range"}))
	require.NoError(t, j.Close())

	reopened, err := OpenJournal(dir, nil, JournalOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Disposition.Answered())
	assert.Equal(t, int64(200), records[0].Disposition.Timing.TimeToLeave)
	assert.True(t, records[0].Summary.InitiatedAt.Equal(t0))
	assert.Len(t, reopened.Memory().Flagged(), 1)
}

func TestJournal_RejectedWritesAreNotJournaled(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := OpenJournal(dir, nil, JournalOptions{SyncOnAppend: true})
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Insert(ctx, attempt("c1", 0)))
	assert.ErrorIs(t, j.Insert(ctx, attempt("c1", 0)), ErrDuplicateAttempt)
	assert.ErrorIs(t, j.UpdateOne(ctx, types.AttemptKey{CallID: "nope"}, answered()), ErrAttemptNotFound)

	n, err := wal.CountEvents(filepath.Join(dir, "ledger.wal"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournal_Checkpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := OpenJournal(dir, nil, JournalOptions{KeepBackups: 1})
	require.NoError(t, err)
	require.NoError(t, j.Insert(ctx, attempt("c1", 0)))
	require.NoError(t, j.UpdateOne(ctx, types.AttemptKey{CallID: "c1"}, answered()))

	archive, err := j.Checkpoint()
	require.NoError(t, err)
	_, err = os.Stat(archive)
	require.NoError(t, err)

	// post-checkpoint writes land in the fresh WAL
	require.NoError(t, j.Insert(ctx, attempt("c2", 0)))
	require.NoError(t, j.Close())

	n, err := wal.CountEvents(filepath.Join(dir, "ledger.wal"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reopened, err := OpenJournal(dir, nil, JournalOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, types.CallID("c1"), records[0].CallID)
	assert.True(t, records[0].Disposition.Answered())
	assert.True(t, records[1].Disposition.Pending())
}

func TestJournal_ReplayOverlappingSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := OpenJournal(dir, nil, JournalOptions{})
	require.NoError(t, err)
	require.NoError(t, j.Insert(ctx, attempt("c1", 0)))
	require.NoError(t, j.UpdateOne(ctx, types.AttemptKey{CallID: "c1"}, answered()))

	// snapshot written but the WAL never rotated
	snap := j.Memory().Snapshot()
	require.NoError(t, j.snap.Write(snap))
	require.NoError(t, j.Close())

	reopened, err := OpenJournal(dir, nil, JournalOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
