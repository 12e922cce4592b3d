package routing

import (
	"errors"
	"fmt"
)

// ParseError wraps a validation or parse failure with the offending line.
type ParseError struct {
	Line   int
	Record []string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("routing table: line %d: %v (record: %v)", e.Line, e.Err, e.Record)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	ErrMissingColumn     = errors.New("missing required column")
	ErrSlotCount         = errors.New("table must define exactly four candidate slots")
	ErrFieldCount        = errors.New("row field count does not match header")
	ErrInvalidExchange   = errors.New("exchange code is not numeric")
	ErrEmptyFirstSlot    = errors.New("first candidate slot must not be absent")
	ErrGapInCandidates   = errors.New("absent slot followed by a present slot")
	ErrInconsistentSlot  = errors.New("slot is self-inconsistent")
	ErrDuplicateCenter   = errors.New("center repeated within a row")
	ErrDuplicateExchange = errors.New("exchange code listed more than once")
	ErrEmptyExchange     = errors.New("empty exchange code")
	ErrEmptyTable        = errors.New("routing table has no rows")
)
