// Package ledger stores the attempt records a simulation run produces.
//
// A ledger holds one row per (call, attempt). Rows are inserted with their
// static attributes, resolved exactly once by UpdateOne, and carry the
// caller summary written by UpdateAllForCall. The summary is denormalized
// onto every row of a call, including rows inserted after the update.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

var (
	ErrDuplicateAttempt   = errors.New("attempt already recorded")
	ErrAttemptNotFound    = errors.New("attempt not found")
	ErrAlreadyResolved    = errors.New("attempt already has a disposition")
	ErrInvalidDisposition = errors.New("disposition must be resolved")
	ErrNotUnique          = errors.New("attempt identifier matched more than one row")
)

// Window bounds active-call arrivals as [Start, End). A zero bound is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// Ledger is the record store the simulator writes to. Implementations are
// not required to support concurrent runs against the same instance.
type Ledger interface {
	// Insert adds a new pending attempt row.
	Insert(ctx context.Context, rec types.AttemptRecord) error
	// UpdateOne writes the disposition of one attempt. It fails when the
	// attempt is missing or was already resolved.
	UpdateOne(ctx context.Context, key types.AttemptKey, d types.Disposition) error
	// UpdateAllForCall writes the summary onto every row of the call and
	// onto rows of that call inserted later.
	UpdateAllForCall(ctx context.Context, id types.CallID, s types.CallerSummary) error
	// LookupActiveCalls returns the calls awaiting their first attempt whose
	// arrival falls inside w, ordered by arrival then call id.
	LookupActiveCalls(ctx context.Context, w Window) ([]types.InitialCall, error)
	// Flag marks a call for exclusion from downstream evaluation.
	Flag(ctx context.Context, f types.FlaggedCall) error
	// Records returns every row in insertion order.
	Records(ctx context.Context) ([]types.AttemptRecord, error)
}
