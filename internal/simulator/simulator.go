// Package simulator runs the discrete-event routing simulation.
//
// One event is one routing attempt. Events are processed strictly one at a
// time in Less order; each runs to completion (ledger writes included)
// before the next is popped. A run ends when the queue is empty.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/dssg/vibrant-routing-public/internal/features"
	"github.com/dssg/vibrant-routing-public/internal/ledger"
	"github.com/dssg/vibrant-routing-public/internal/scorer"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// Flag kinds passed to Recorder.ObserveFlag.
const (
	FlagFeatures   = "features"
	FlagLedger     = "ledger"
	FlagScorer     = "scorer"
	FlagOutOfRange = "out_of_range"
)

var (
	ErrProbabilityOutOfRange = errors.New("pickup probability outside [0,1]")
	ErrMissingDependency     = errors.New("missing simulator dependency")
	ErrDuplicateCall         = errors.New("duplicate call in initial set")
)

// ============================================================================
// 依賴與配置
// ============================================================================

// Router returns the candidate for a 0-indexed attempt.
type Router interface {
	Candidate(code types.ExchangeCode, attempt int) (types.RoutingCandidate, bool)
}

// AbandonModel gives the probability of abandoning over the next horizon
// minutes after current minutes of waiting.
type AbandonModel interface {
	ProbabilityOfAbandon(current, horizon int) float64
}

// DispositionSource returns historical answered-call timings.
type DispositionSource interface {
	Answered(pair types.CenterPair) (timeToLeave, timeToAnswer int64, known bool)
}

// WaitSource returns the expected wait in minutes at a center.
type WaitSource interface {
	WaitMinutes(pair types.CenterPair) (int, bool)
}

// Recorder receives run observations. Every method must be cheap.
type Recorder interface {
	ObserveAttempt(kind types.DispositionKind)
	ObserveScore(p float64)
	ObserveFlag(kind string)
	ObserveQueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(types.DispositionKind) {}
func (nopRecorder) ObserveScore(float64)                 {}
func (nopRecorder) ObserveFlag(string)                   {}
func (nopRecorder) ObserveQueueDepth(int)                {}

// Deps are the read-only lookups and collaborators of a run. Recorder is
// optional.
type Deps struct {
	Router   Router
	Builder  features.Builder
	Scorer   scorer.Scorer
	Abandon  AbandonModel
	Stats    DispositionSource
	Wait     WaitSource
	Ledger   ledger.Ledger
	Recorder Recorder
}

// Config holds the calibrated constants of a run.
type Config struct {
	BackupCenter      string
	BackupTermination string
	// DispositionOffset is added to both disposition timestamps.
	DispositionOffset time.Duration
	// AbandonRingSeconds is the extra ring before an abandoning caller hangs up.
	AbandonRingSeconds int64
	// Location is the zone of the source timestamps; the initiated part of
	// day is bucketed in it.
	Location *time.Location
}

// DefaultConfig returns the historical calibration.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		BackupCenter:       "National Backup",
		BackupTermination:  "-1",
		DispositionOffset:  time.Second,
		AbandonRingSeconds: 4,
		Location:           loc,
	}
}

// Result summarizes one run.
type Result struct {
	Seed     int64
	Calls    int
	Attempts int
	Outcomes map[types.DispositionKind]int
	Flagged  []types.FlaggedCall
	Elapsed  time.Duration
}

// Simulator runs routing simulations against one set of dependencies.
type Simulator struct {
	deps Deps
	cfg  Config
}

// New validates deps and returns a Simulator.
func New(deps Deps, cfg Config) (*Simulator, error) {
	required := []struct {
		name  string
		isNil bool
	}{
		{"router", deps.Router == nil},
		{"builder", deps.Builder == nil},
		{"scorer", deps.Scorer == nil},
		{"abandon", deps.Abandon == nil},
		{"stats", deps.Stats == nil},
		{"wait", deps.Wait == nil},
		{"ledger", deps.Ledger == nil},
	}
	for _, dep := range required {
		if dep.isNil {
			return nil, fmt.Errorf("%w: %s", ErrMissingDependency, dep.name)
		}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Simulator{deps: deps, cfg: cfg}, nil
}

// ============================================================================
// 事件循環
// ============================================================================

// run holds the state of one Run call.
type run struct {
	*Simulator
	rng    *rand.Rand
	queue  *Queue
	calls  map[types.CallID]types.InitialCall
	result *Result
}

// Run simulates every call to a terminal state. When seed is nil one is
// drawn from the clock; the seed used is returned in the result either way.
// Per-call failures are flagged and do not stop the run.
func (s *Simulator) Run(ctx context.Context, calls []types.InitialCall, seed *int64) (Result, error) {
	var used int64
	if seed != nil {
		used = *seed
	} else {
		used = time.Now().UnixNano()
	}

	r := &run{
		Simulator: s,
		rng:       rand.New(rand.NewSource(used)),
		queue:     NewQueue(),
		calls:     make(map[types.CallID]types.InitialCall, len(calls)),
		result: &Result{
			Seed:     used,
			Calls:    len(calls),
			Outcomes: make(map[types.DispositionKind]int),
		},
	}
	for _, c := range calls {
		if _, dup := r.calls[c.CallID]; dup {
			return Result{}, fmt.Errorf("%w: %s", ErrDuplicateCall, c.CallID)
		}
		r.calls[c.CallID] = c
		r.queue.Push(Event{
			ScheduledAt:  c.ArrivedAt,
			CallID:       c.CallID,
			ExchangeCode: c.ExchangeCode,
		})
	}

	start := time.Now()
	slog.Info("Simulation started", "calls", len(calls), "seed", used)

	for {
		ev, ok := r.queue.Pop()
		if !ok {
			break
		}
		slog.Debug("Next event",
			"callID", ev.CallID,
			"attempt", ev.Attempt,
			"scheduledAt", ev.ScheduledAt,
			"accumulatedWait", ev.AccumulatedWait)

		r.result.Attempts++
		if next, requeue := r.step(ctx, ev); requeue {
			r.queue.Push(next)
		}
		s.deps.Recorder.ObserveQueueDepth(r.queue.Len())
	}

	r.result.Elapsed = time.Since(start)
	slog.Info("Simulation finished",
		"calls", len(calls),
		"attempts", r.result.Attempts,
		"flagged", len(r.result.Flagged),
		"elapsed", r.result.Elapsed)
	return *r.result, nil
}

// step resolves one event. It returns the follow-up event when the call
// flowed out.
func (r *run) step(ctx context.Context, ev Event) (Event, bool) {
	call := r.calls[ev.CallID]

	cand, ok := r.deps.Router.Candidate(ev.ExchangeCode, ev.Attempt)
	if !ok {
		r.routeToBackup(ctx, call, ev)
		return Event{}, false
	}

	built, err := r.deps.Builder.Build(ctx, features.Request{
		Call:            call,
		Candidate:       cand,
		Attempt:         ev.Attempt,
		ArrivedAt:       ev.ScheduledAt,
		AccumulatedWait: ev.AccumulatedWait,
	})
	if err != nil {
		r.flag(ctx, ev, FlagFeatures, fmt.Sprintf("feature build failed: %v", err))
		return Event{}, false
	}

	rec := types.AttemptRecord{
		AttemptKey:   ev.Key(),
		ExchangeCode: ev.ExchangeCode,
		ArrivedAt:    ev.ScheduledAt,
		Center:       cand.CenterPair,
		Attributes:   built.Attributes,
		Disposition:  types.Disposition{Kind: types.DispositionPending},
	}
	if err := r.deps.Ledger.Insert(ctx, rec); err != nil {
		r.flag(ctx, ev, FlagLedger, fmt.Sprintf("ledger insert failed: %v", err))
		return Event{}, false
	}

	p, err := r.deps.Scorer.Score(ctx, built.Row)
	if err != nil {
		r.flag(ctx, ev, FlagScorer, fmt.Sprintf("scorer failed: %v", err))
		return Event{}, false
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		r.flag(ctx, ev, FlagOutOfRange, fmt.Sprintf("%v: %v at %s", ErrProbabilityOutOfRange, p, cand.CenterPair))
		return Event{}, false
	}
	r.deps.Recorder.ObserveScore(p)

	if r.bernoulli(p) {
		r.answer(ctx, ev, cand.CenterPair, built.Attributes)
		return Event{}, false
	}

	minutes, _ := r.deps.Wait.WaitMinutes(cand.CenterPair)
	waitSeconds := int64(minutes) * 60
	current := int(ev.AccumulatedWait / 60)
	pAbandon := r.deps.Abandon.ProbabilityOfAbandon(current, minutes)

	if r.bernoulli(pAbandon) {
		r.abandon(ctx, ev, waitSeconds)
		return Event{}, false
	}
	return r.flowOut(ctx, ev, waitSeconds), true
}

// ============================================================================
// 結果分支
// ============================================================================

func (r *run) routeToBackup(ctx context.Context, call types.InitialCall, ev Event) {
	attrs := features.CallerAttributes(call, ev.AccumulatedWait)
	rec := types.AttemptRecord{
		AttemptKey:   ev.Key(),
		ExchangeCode: ev.ExchangeCode,
		ArrivedAt:    ev.ScheduledAt,
		Center:       types.CenterPair{Center: r.cfg.BackupCenter, Termination: r.cfg.BackupTermination},
		Attributes:   attrs,
		Disposition:  types.Disposition{Kind: types.DispositionBackupRouted},
	}
	if err := r.deps.Ledger.Insert(ctx, rec); err != nil {
		r.flag(ctx, ev, FlagLedger, fmt.Sprintf("ledger insert failed: %v", err))
		return
	}
	r.resolved(ctx, ev, types.DispositionBackupRouted)
}

func (r *run) answer(ctx context.Context, ev Event, pair types.CenterPair, attrs types.AttemptAttributes) {
	leave, toAnswer, known := r.deps.Stats.Answered(pair)
	if !known {
		slog.Debug("No disposition history, using all-center average", "center", pair.String())
	}

	ring := toAnswer
	d := types.Disposition{
		Kind: types.DispositionAnswered,
		Timing: &types.Timing{
			RingTime:      ring,
			TalkTime:      leave - toAnswer,
			TimeToAnswer:  toAnswer,
			TimeToLeave:   leave,
			DispositionAt: r.offset(ev.ScheduledAt, ring),
			LeftCenterAt:  r.offset(ev.ScheduledAt, leave),
		},
		AnsweredInState: attrs.CenterState != "" && attrs.CallerState == attrs.CenterState,
	}
	r.update(ctx, ev, d)
	r.resolved(ctx, ev, types.DispositionAnswered)
}

func (r *run) abandon(ctx context.Context, ev Event, waitSeconds int64) {
	leave := waitSeconds + r.cfg.AbandonRingSeconds
	d := types.Disposition{
		Kind: types.DispositionAbandoned,
		Timing: &types.Timing{
			RingTime:      leave,
			TimeToLeave:   leave,
			TimeToAbandon: waitSeconds,
			DispositionAt: r.offset(ev.ScheduledAt, leave),
			LeftCenterAt:  r.offset(ev.ScheduledAt, leave),
		},
	}
	r.update(ctx, ev, d)
	r.resolved(ctx, ev, types.DispositionAbandoned)
}

func (r *run) flowOut(ctx context.Context, ev Event, waitSeconds int64) Event {
	d := types.Disposition{
		Kind: types.DispositionFlowedOut,
		Timing: &types.Timing{
			RingTime:      waitSeconds,
			TimeToLeave:   waitSeconds,
			DispositionAt: r.offset(ev.ScheduledAt, waitSeconds),
			LeftCenterAt:  r.offset(ev.ScheduledAt, waitSeconds),
		},
	}
	r.update(ctx, ev, d)
	r.resolved(ctx, ev, types.DispositionFlowedOut)

	return Event{
		ScheduledAt:     ev.ScheduledAt.Add(time.Duration(waitSeconds) * time.Second).Truncate(time.Second),
		CallID:          ev.CallID,
		ExchangeCode:    ev.ExchangeCode,
		Attempt:         ev.Attempt + 1,
		AccumulatedWait: ev.AccumulatedWait + waitSeconds,
	}
}

// update writes the disposition of the current attempt. A failure flags
// the call; the simulated outcome still stands.
func (r *run) update(ctx context.Context, ev Event, d types.Disposition) {
	if err := r.deps.Ledger.UpdateOne(ctx, ev.Key(), d); err != nil {
		r.flag(ctx, ev, FlagLedger, fmt.Sprintf("ledger update failed: %v", err))
	}
}

// resolved counts the outcome and rewrites the caller summary on every row
// of the call.
func (r *run) resolved(ctx context.Context, ev Event, kind types.DispositionKind) {
	r.result.Outcomes[kind]++
	r.deps.Recorder.ObserveAttempt(kind)

	initiated := ReconstructInitiatedTime(ev.ScheduledAt, ev.AccumulatedWait, ev.Attempt)
	summary := types.CallerSummary{
		MaxAttempt:         ev.Attempt,
		InitiatedAt:        initiated,
		InitiatedPartOfDay: features.PartOfDay(initiated.In(r.cfg.Location).Hour()),
	}
	if err := r.deps.Ledger.UpdateAllForCall(ctx, ev.CallID, summary); err != nil {
		r.flag(ctx, ev, FlagLedger, fmt.Sprintf("ledger summary update failed: %v", err))
	}
	slog.Debug("Attempt resolved", "callID", ev.CallID, "attempt", ev.Attempt, "disposition", kind)
}

func (r *run) flag(ctx context.Context, ev Event, kind, reason string) {
	f := types.FlaggedCall{CallID: ev.CallID, Attempt: ev.Attempt, Reason: reason}
	r.result.Flagged = append(r.result.Flagged, f)
	r.deps.Recorder.ObserveFlag(kind)
	slog.Error("Call flagged", "callID", ev.CallID, "attempt", ev.Attempt, "reason", reason)

	if err := r.deps.Ledger.Flag(ctx, f); err != nil {
		slog.Error("Failed to persist flag", "callID", ev.CallID, "error", err)
	}
}

func (r *run) bernoulli(p float64) bool {
	return r.rng.Float64() < p
}

func (r *run) offset(at time.Time, seconds int64) time.Time {
	return at.Add(time.Duration(seconds)*time.Second + r.cfg.DispositionOffset)
}
