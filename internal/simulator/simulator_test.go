package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dssg/vibrant-routing-public/internal/features"
	"github.com/dssg/vibrant-routing-public/internal/ledger"
	"github.com/dssg/vibrant-routing-public/internal/lookup"
	"github.com/dssg/vibrant-routing-public/internal/scorer"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// ============================================================================
// fakes
// ============================================================================

type mapRouter map[types.ExchangeCode][]types.RoutingCandidate

func (m mapRouter) Candidate(code types.ExchangeCode, attempt int) (types.RoutingCandidate, bool) {
	slots := m[code]
	if attempt < 0 || attempt >= len(slots) || slots[attempt].IsZero() {
		return types.RoutingCandidate{}, false
	}
	return slots[attempt], true
}

type fakeBuilder struct {
	centerState string
	fail        map[types.CallID]bool
}

func (b fakeBuilder) Build(_ context.Context, req features.Request) (features.Attempt, error) {
	if b.fail[req.Call.CallID] {
		return features.Attempt{}, errors.New("unknown center")
	}
	attrs := features.CallerAttributes(req.Call, req.AccumulatedWait)
	attrs.CenterState = b.centerState
	attrs.Network = types.NetworkFlags{LocalLink: true}
	row := features.Row{"bad": 0}
	if req.Call.CallID == "bad" {
		row["bad"] = 1
	}
	return features.Attempt{Attributes: attrs, Row: row}, nil
}

// failingLedger rejects disposition updates for one call.
type failingLedger struct {
	*ledger.Memory
	failCall types.CallID
}

func (f failingLedger) UpdateOne(ctx context.Context, key types.AttemptKey, d types.Disposition) error {
	if key.CallID == f.failCall {
		return errors.New("connection reset")
	}
	return f.Memory.UpdateOne(ctx, key, d)
}

type countingRecorder struct {
	attempts map[types.DispositionKind]int
	scores   int
	flags    map[string]int
	maxDepth int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{attempts: map[types.DispositionKind]int{}, flags: map[string]int{}}
}

func (c *countingRecorder) ObserveAttempt(k types.DispositionKind) { c.attempts[k]++ }
func (c *countingRecorder) ObserveScore(float64)                   { c.scores++ }
func (c *countingRecorder) ObserveFlag(kind string)                { c.flags[kind]++ }
func (c *countingRecorder) ObserveQueueDepth(n int) {
	if n > c.maxDepth {
		c.maxDepth = n
	}
}

// ============================================================================
// fixtures
// ============================================================================

var (
	pairA = types.CenterPair{Center: "A", Termination: "100"}
	pairB = types.CenterPair{Center: "B", Termination: "200"}
)

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func hazard(t *testing.T, h float64) *lookup.HazardTable {
	t.Helper()
	table, err := lookup.NewHazardTable(map[int]float64{1: h, 2: h, 3: h}, lookup.TailRepeat)
	require.NoError(t, err)
	return table
}

func stats(t *testing.T) *lookup.DispositionStats {
	t.Helper()
	s, err := lookup.NewDispositionStats(map[types.CenterPair]lookup.CenterStats{
		pairA: {AvgTimeToLeave: 200.4, AvgTimeToAnswer: 14.6},
		pairB: {AvgTimeToLeave: 100, AvgTimeToAnswer: 20},
	})
	require.NoError(t, err)
	return s
}

func newSim(t *testing.T, deps Deps) *Simulator {
	t.Helper()
	if deps.Router == nil {
		deps.Router = mapRouter{
			"212555": {{CenterPair: pairA, Role: "primary"}},
			"310555": {{CenterPair: pairA, Role: "primary"}, {CenterPair: pairB, Role: "secondary"}},
		}
	}
	if deps.Builder == nil {
		deps.Builder = fakeBuilder{centerState: "NY"}
	}
	if deps.Abandon == nil {
		deps.Abandon = hazard(t, 0)
	}
	if deps.Stats == nil {
		deps.Stats = stats(t)
	}
	if deps.Wait == nil {
		deps.Wait = lookup.NewWaitTimeOracle(nil, 0)
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory(nil)
	}
	s, err := New(deps, DefaultConfig())
	require.NoError(t, err)
	return s
}

func seed(v int64) *int64 { return &v }

// ============================================================================
// queue
// ============================================================================

func TestQueue_TieBreak(t *testing.T) {
	at := time.Date(2022, 5, 26, 10, 30, 0, 0, time.UTC)
	want := []Event{
		{ScheduledAt: at.Add(-time.Second), CallID: "z"},
		{ScheduledAt: at, CallID: "a", ExchangeCode: "1"},
		{ScheduledAt: at, CallID: "a", ExchangeCode: "2", Attempt: 0},
		{ScheduledAt: at, CallID: "a", ExchangeCode: "2", Attempt: 1, AccumulatedWait: 60},
		{ScheduledAt: at, CallID: "a", ExchangeCode: "2", Attempt: 1, AccumulatedWait: 180},
		{ScheduledAt: at, CallID: "b"},
		{ScheduledAt: at.Add(time.Second), CallID: "a"},
	}

	q := NewQueue()
	for _, i := range []int{4, 6, 1, 3, 0, 5, 2} {
		q.Push(want[i])
	}
	assert.Equal(t, len(want), q.Len())

	for i := range want {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want[i], got, "position %d", i)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestLess_SameInstantDifferentZones(t *testing.T) {
	utc := time.Date(2022, 5, 26, 14, 30, 0, 0, time.UTC)
	est := utc.In(eastern(t))
	a := Event{ScheduledAt: utc, CallID: "b"}
	b := Event{ScheduledAt: est, CallID: "a"}
	assert.True(t, Less(b, a), "equal instants fall through to call id")
}

// ============================================================================
// reconstruction
// ============================================================================

func TestReconstructInitiatedTime(t *testing.T) {
	completed := time.Date(2022, 5, 26, 10, 36, 0, 500_000_000, time.UTC)

	for _, wait := range []int64{0, 60, 360, 99999} {
		assert.Equal(t, completed, ReconstructInitiatedTime(completed, wait, 0))
	}

	got := ReconstructInitiatedTime(completed, 360, 2)
	assert.Equal(t, time.Date(2022, 5, 26, 10, 30, 0, 0, time.UTC), got)
}

// ============================================================================
// run
// ============================================================================

func TestRun_FlowOutThenBackup(t *testing.T) {
	ctx := context.Background()
	loc := eastern(t)
	t0 := time.Date(2022, 5, 26, 10, 30, 0, 0, loc)
	mem := ledger.NewMemory(nil)
	sim := newSim(t, Deps{Scorer: scorer.Constant(0), Abandon: hazard(t, 0), Ledger: mem})

	res, err := sim.Run(ctx, []types.InitialCall{
		{CallID: "c1", ExchangeCode: "212555", ArrivedAt: t0, CallerState: "NY"},
	}, seed(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Seed)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, res.Flagged)

	records, err := mem.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first, backup := records[0], records[1]
	assert.Equal(t, 0, first.Attempt)
	assert.True(t, first.Disposition.FlowedOut())
	assert.False(t, first.Disposition.Completed())
	assert.Equal(t, int64(180), first.Disposition.Timing.RingTime)
	assert.Equal(t, int64(180), first.Disposition.Timing.TimeToLeave)
	assert.True(t, first.Disposition.Timing.DispositionAt.Equal(t0.Add(181*time.Second)))

	assert.Equal(t, 1, backup.Attempt)
	assert.Equal(t, types.DispositionBackupRouted, backup.Disposition.Kind)
	assert.Nil(t, backup.Disposition.Timing)
	assert.Equal(t, types.CenterPair{Center: "National Backup", Termination: "-1"}, backup.Center)
	assert.True(t, backup.ArrivedAt.Equal(t0.Add(3*time.Minute)))
	assert.Equal(t, int64(180), backup.Attributes.AccumulatedWaitSeconds)
	assert.True(t, backup.Attributes.Network.LocalLinkBackup)
	assert.False(t, backup.Attributes.Network.LocalLink)

	// the summary is rewritten onto every row of the call
	for _, r := range records {
		assert.Equal(t, 1, r.Summary.MaxAttempt)
		assert.True(t, r.Summary.InitiatedAt.Equal(t0))
		assert.Equal(t, types.Morning, r.Summary.InitiatedPartOfDay)
	}

	assert.Equal(t, 1, res.Outcomes[types.DispositionFlowedOut])
	assert.Equal(t, 1, res.Outcomes[types.DispositionBackupRouted])
}

func TestRun_PickupCertain(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2022, 5, 26, 10, 30, 0, 0, eastern(t))
	mem := ledger.NewMemory(nil)
	sim := newSim(t, Deps{Scorer: scorer.Constant(1), Ledger: mem})

	res, err := sim.Run(ctx, []types.InitialCall{
		{CallID: "c1", ExchangeCode: "310555", ArrivedAt: t0, CallerState: "NY"},
	}, seed(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)

	records, _ := mem.Records(ctx)
	require.Len(t, records, 1)
	d := records[0].Disposition
	require.True(t, d.Answered())
	assert.True(t, d.Completed())
	assert.True(t, d.AnsweredInState)

	tm := d.Timing
	assert.Equal(t, int64(15), tm.TimeToAnswer, "rounded")
	assert.Equal(t, int64(200), tm.TimeToLeave)
	assert.Equal(t, tm.TimeToAnswer, tm.RingTime)
	assert.Equal(t, tm.TimeToLeave-tm.TimeToAnswer, tm.TalkTime)
	assert.GreaterOrEqual(t, tm.TalkTime, int64(0))
	assert.True(t, tm.DispositionAt.Equal(t0.Add(16*time.Second)))
	assert.True(t, tm.LeftCenterAt.Equal(t0.Add(201*time.Second)))
	assert.Equal(t, 0, records[0].Summary.MaxAttempt)
}

func TestRun_AbandonCertain(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2022, 5, 26, 20, 0, 0, 0, eastern(t))
	mem := ledger.NewMemory(nil)
	sim := newSim(t, Deps{
		Scorer:  scorer.Constant(0),
		Abandon: hazard(t, 1),
		Wait:    lookup.NewWaitTimeOracle(map[types.CenterPair]int{pairA: 2}, 3),
		Ledger:  mem,
	})

	_, err := sim.Run(ctx, []types.InitialCall{{CallID: "c1", ExchangeCode: "212555", ArrivedAt: t0}}, seed(1))
	require.NoError(t, err)

	records, _ := mem.Records(ctx)
	require.Len(t, records, 1)
	d := records[0].Disposition
	require.True(t, d.Abandoned())
	assert.True(t, d.Completed())
	assert.False(t, d.AnsweredInState)
	assert.Equal(t, int64(120), d.Timing.TimeToAbandon)
	assert.Equal(t, int64(124), d.Timing.TimeToLeave)
	assert.Equal(t, int64(124), d.Timing.RingTime)
	assert.Zero(t, d.Timing.TimeToAnswer)
	assert.Zero(t, d.Timing.TalkTime)
	assert.True(t, d.Timing.LeftCenterAt.Equal(t0.Add(125*time.Second)))
	assert.Equal(t, types.Evening, records[0].Summary.InitiatedPartOfDay)
}

func TestRun_SecondAttemptReconstructsInitiation(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2022, 5, 26, 11, 58, 30, 0, eastern(t))
	mem := ledger.NewMemory(nil)

	// first attempt never answers, second always does
	pick := scorer.Func(func(_ context.Context, row features.Row) (float64, error) {
		if row[features.CallerTotalRingTimeSecs] > 0 {
			return 1, nil
		}
		return 0, nil
	})
	builder := featureWaitBuilder{}
	sim := newSim(t, Deps{Scorer: pick, Builder: builder, Ledger: mem})

	_, err := sim.Run(ctx, []types.InitialCall{{CallID: "c1", ExchangeCode: "310555", ArrivedAt: t0}}, seed(3))
	require.NoError(t, err)

	records, _ := mem.Records(ctx)
	require.Len(t, records, 2)
	assert.Equal(t, pairB, records[1].Center)
	assert.True(t, records[1].Disposition.Answered())
	assert.True(t, records[1].ArrivedAt.Equal(t0.Add(3*time.Minute)))
	for _, r := range records {
		assert.Equal(t, 1, r.Summary.MaxAttempt)
		assert.True(t, r.Summary.InitiatedAt.Equal(t0), "initiation is the first arrival")
		assert.Equal(t, types.Morning, r.Summary.InitiatedPartOfDay)
	}
}

type featureWaitBuilder struct{}

func (featureWaitBuilder) Build(_ context.Context, req features.Request) (features.Attempt, error) {
	attrs := features.CallerAttributes(req.Call, req.AccumulatedWait)
	return features.Attempt{
		Attributes: attrs,
		Row:        features.Row{features.CallerTotalRingTimeSecs: float64(req.AccumulatedWait)},
	}, nil
}

func TestRun_Deterministic(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2022, 5, 26, 10, 30, 0, 0, eastern(t))

	var calls []types.InitialCall
	for i := 0; i < 40; i++ {
		code := types.ExchangeCode("212555")
		if i%2 == 0 {
			code = "310555"
		}
		calls = append(calls, types.InitialCall{
			CallID:       types.CallID(fmt.Sprintf("call-%02d", i)),
			ExchangeCode: code,
			ArrivedAt:    t0.Add(time.Duration(i%5) * time.Minute),
		})
	}

	runOnce := func(s *int64) ([]byte, Result) {
		mem := ledger.NewMemory(nil)
		sim := newSim(t, Deps{Scorer: scorer.Constant(0.4), Abandon: hazard(t, 0.2), Ledger: mem})
		res, err := sim.Run(ctx, calls, s)
		require.NoError(t, err)
		records, err := mem.Records(ctx)
		require.NoError(t, err)
		data, err := json.Marshal(records)
		require.NoError(t, err)
		return data, res
	}

	a, resA := runOnce(seed(42))
	b, _ := runOnce(seed(42))
	assert.Equal(t, string(a), string(b))

	// a drawn seed is returned and reproduces the run
	c, resC := runOnce(nil)
	d, _ := runOnce(seed(resC.Seed))
	assert.Equal(t, string(c), string(d))

	total := 0
	for _, n := range resA.Outcomes {
		total += n
	}
	assert.Equal(t, resA.Attempts, total)
}

func TestRun_OutOfRangeScoreFlagsCall(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2022, 5, 26, 10, 30, 0, 0, eastern(t))
	mem := ledger.NewMemory(nil)
	rec := newCountingRecorder()

	pick := scorer.Func(func(_ context.Context, row features.Row) (float64, error) {
		if row["bad"] == 1 {
			return 1.5, nil
		}
		return 1, nil
	})
	sim := newSim(t, Deps{Scorer: pick, Ledger: mem, Recorder: rec})

	res, err := sim.Run(ctx, []types.InitialCall{
		{CallID: "bad", ExchangeCode: "310555", ArrivedAt: t0},
		{CallID: "good", ExchangeCode: "310555", ArrivedAt: t0},
	}, seed(1))
	require.NoError(t, err)

	require.Len(t, res.Flagged, 1)
	assert.Equal(t, types.CallID("bad"), res.Flagged[0].CallID)
	assert.Contains(t, res.Flagged[0].Reason, ErrProbabilityOutOfRange.Error())
	assert.Equal(t, 1, rec.flags[FlagOutOfRange])

	bad, ok := mem.Get(types.AttemptKey{CallID: "bad"})
	require.True(t, ok)
	assert.True(t, bad.Disposition.Pending(), "no clamping, no disposition")
	assert.True(t, bad.Flagged)
	_, requeued := mem.Get(types.AttemptKey{CallID: "bad", Attempt: 1})
	assert.False(t, requeued)

	good, _ := mem.Get(types.AttemptKey{CallID: "good"})
	assert.True(t, good.Disposition.Answered())
	assert.Equal(t, 1, rec.attempts[types.DispositionAnswered])
}

func TestRun_LedgerFailureFlagsAndContinues(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2022, 5, 26, 10, 30, 0, 0, eastern(t))
	mem := ledger.NewMemory(nil)
	sim := newSim(t, Deps{Scorer: scorer.Constant(1), Ledger: failingLedger{Memory: mem, failCall: "c1"}})

	res, err := sim.Run(ctx, []types.InitialCall{
		{CallID: "c1", ExchangeCode: "212555", ArrivedAt: t0},
		{CallID: "c2", ExchangeCode: "212555", ArrivedAt: t0.Add(time.Second)},
	}, seed(1))
	require.NoError(t, err)

	require.Len(t, res.Flagged, 1)
	assert.Equal(t, types.CallID("c1"), res.Flagged[0].CallID)
	assert.Equal(t, []types.FlaggedCall{res.Flagged[0]}, mem.Flagged())

	c2, _ := mem.Get(types.AttemptKey{CallID: "c2"})
	assert.True(t, c2.Disposition.Answered())
	assert.False(t, c2.Flagged)
}

func TestRun_FeatureFailureFlagsCall(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2022, 5, 26, 10, 30, 0, 0, eastern(t))
	mem := ledger.NewMemory(nil)
	sim := newSim(t, Deps{
		Scorer:  scorer.Constant(1),
		Builder: fakeBuilder{fail: map[types.CallID]bool{"c1": true}},
		Ledger:  mem,
	})

	res, err := sim.Run(ctx, []types.InitialCall{{CallID: "c1", ExchangeCode: "212555", ArrivedAt: t0}}, seed(1))
	require.NoError(t, err)
	require.Len(t, res.Flagged, 1)
	assert.Contains(t, res.Flagged[0].Reason, "feature build failed")

	records, _ := mem.Records(ctx)
	assert.Empty(t, records)
}

func TestRun_UnknownExchangeGoesToBackup(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(nil)
	sim := newSim(t, Deps{Scorer: scorer.Constant(1), Ledger: mem})

	res, err := sim.Run(ctx, []types.InitialCall{
		{CallID: "c1", ExchangeCode: "999999", ArrivedAt: time.Date(2022, 5, 26, 3, 0, 0, 0, eastern(t))},
	}, seed(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outcomes[types.DispositionBackupRouted])

	records, _ := mem.Records(ctx)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Attempt)
	assert.Equal(t, types.Night, records[0].Summary.InitiatedPartOfDay)
}

func TestRun_DuplicateCall(t *testing.T) {
	sim := newSim(t, Deps{Scorer: scorer.Constant(1)})
	c := types.InitialCall{CallID: "c1", ExchangeCode: "212555"}
	_, err := sim.Run(context.Background(), []types.InitialCall{c, c}, nil)
	assert.ErrorIs(t, err, ErrDuplicateCall)
}

func TestNew_MissingDependency(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestRun_RecorderSeesQueue(t *testing.T) {
	rec := newCountingRecorder()
	t0 := time.Date(2022, 5, 26, 10, 30, 0, 0, eastern(t))
	sim := newSim(t, Deps{Scorer: scorer.Constant(0), Recorder: rec})

	_, err := sim.Run(context.Background(), []types.InitialCall{
		{CallID: "a", ExchangeCode: "310555", ArrivedAt: t0},
		{CallID: "b", ExchangeCode: "310555", ArrivedAt: t0},
	}, seed(1))
	require.NoError(t, err)

	assert.Equal(t, 4, rec.attempts[types.DispositionFlowedOut])
	assert.Equal(t, 2, rec.attempts[types.DispositionBackupRouted])
	assert.Equal(t, 4, rec.scores)
	assert.Equal(t, 2, rec.maxDepth)
}
