// Package types defines the core domain model shared by the routing simulator,
// its ledgers and its persistence layers.
package types

import (
	"fmt"
	"time"
)

// CallID identifies a caller across all of its routing attempts.
type CallID string

// ExchangeCode is the caller's NPA-NXX prefix used to index the routing table.
type ExchangeCode string

// MaxCandidates is the number of candidate slots a routing table row carries.
const MaxCandidates = 4

// CenterPair identifies a routable destination: a call center and one of its
// termination numbers.
type CenterPair struct {
	Center      string `json:"center_key"`
	Termination string `json:"termination_number"`
}

// String renders the pair as center/termination.
func (p CenterPair) String() string {
	return p.Center + "/" + p.Termination
}

// IsZero reports whether no center is assigned.
func (p CenterPair) IsZero() bool {
	return p.Center == ""
}

// RoutingCandidate is one slot of a routing table row.
type RoutingCandidate struct {
	CenterPair
	Role string `json:"role,omitempty"`
}

// PartOfDay 時段分類
type PartOfDay string

const (
	Morning   PartOfDay = "morning"
	Afternoon PartOfDay = "afternoon"
	Evening   PartOfDay = "evening"
	Night     PartOfDay = "night"
)

// InitialCall describes a call awaiting its first routing attempt.
type InitialCall struct {
	CallID            CallID       `json:"call_key"`
	ExchangeCode      ExchangeCode `json:"caller_npanxx"`
	ArrivedAt         time.Time    `json:"arrived_datetime_est"`
	CallerState       string       `json:"caller_state_abbrev"`
	CallerTimeZone    string       `json:"caller_time_zone"`
	CallerIsCellPhone bool         `json:"caller_is_cell_phone"`
}

// AttemptKey identifies one routing attempt. Attempt is 0-indexed.
type AttemptKey struct {
	CallID  CallID `json:"call_key"`
	Attempt int    `json:"attempt_number"`
}

func (k AttemptKey) String() string {
	return fmt.Sprintf("%s#%d", k.CallID, k.Attempt)
}

// ============================================================================
// Disposition
// ============================================================================

// DispositionKind 嘗試結果種類
type DispositionKind string

const (
	DispositionPending      DispositionKind = "pending"
	DispositionAnswered     DispositionKind = "answered"
	DispositionAbandoned    DispositionKind = "abandoned"
	DispositionFlowedOut    DispositionKind = "flowed_out"
	DispositionBackupRouted DispositionKind = "backup_routed"
)

// Timing holds the timing payload of a resolved attempt. Durations are whole
// seconds.
type Timing struct {
	RingTime      int64     `json:"ring_time_center"`
	TalkTime      int64     `json:"talk_time_center"`
	TimeToAnswer  int64     `json:"time_to_answer_center"`
	TimeToLeave   int64     `json:"time_to_leave_center"`
	TimeToAbandon int64     `json:"time_to_abandon_center"`
	DispositionAt time.Time `json:"datetime_to_disposition_est"`
	LeftCenterAt  time.Time `json:"datetime_to_leave_center_est"`
}

// Disposition is the outcome payload of an attempt. A pending disposition has
// no timing; a backup-routed one never has timing either.
type Disposition struct {
	Kind            DispositionKind `json:"kind"`
	Timing          *Timing         `json:"timing,omitempty"`
	AnsweredInState bool            `json:"answered_in_state"`
}

// Pending reports whether the attempt has not been resolved yet.
func (d Disposition) Pending() bool {
	return d.Kind == "" || d.Kind == DispositionPending
}

// Completed is true for answered and abandoned attempts.
func (d Disposition) Completed() bool {
	return d.Kind == DispositionAnswered || d.Kind == DispositionAbandoned
}

func (d Disposition) Answered() bool  { return d.Kind == DispositionAnswered }
func (d Disposition) Abandoned() bool { return d.Kind == DispositionAbandoned }
func (d Disposition) FlowedOut() bool { return d.Kind == DispositionFlowedOut }

// Terminal reports whether the call ends with this attempt.
func (d Disposition) Terminal() bool {
	switch d.Kind {
	case DispositionAnswered, DispositionAbandoned, DispositionBackupRouted:
		return true
	}
	return false
}

// AnsweredOutState is the complement of AnsweredInState for answered attempts
// and false otherwise.
func (d Disposition) AnsweredOutState() bool {
	return d.Answered() && !d.AnsweredInState
}

// ============================================================================
// Attempt records
// ============================================================================

// CallerSummary is shared by every attempt row of a call.
type CallerSummary struct {
	MaxAttempt         int       `json:"max_attempt_num"`
	InitiatedAt        time.Time `json:"initiated_datetime_est"`
	InitiatedPartOfDay PartOfDay `json:"initiated_part_of_day"`
}

// NetworkFlags are the static network membership flags of an attempt.
type NetworkFlags struct {
	LocalLink        bool `json:"network_is_ll"`
	LocalLinkBackup  bool `json:"network_is_ll_backup"`
	LocalLinkSpanish bool `json:"network_is_ll_spanish"`
	VeteransAffairs  bool `json:"network_is_va"`
	DeafHardHearing  bool `json:"network_is_ddh"`
	DeafHardSpanish  bool `json:"network_is_ddh_spanish"`
}

// AttemptAttributes are the static attributes known when an attempt is
// inserted.
type AttemptAttributes struct {
	CallerState            string       `json:"caller_state_abbrev"`
	CallerTimeZone         string       `json:"caller_time_zone"`
	CallerIsCellPhone      bool         `json:"caller_is_cell_phone"`
	CenterState            string       `json:"center_state_abbrev"`
	CenterTimeZone         string       `json:"center_time_zone"`
	CenterUsesDST          bool         `json:"center_uses_dst"`
	ArrivedLocal           time.Time    `json:"arrived_datetime_local"`
	ArrivedPartOfDay       PartOfDay    `json:"arrived_part_of_day"`
	NSPLCentersInState     int          `json:"num_nspl_centers_in_center_state"`
	Network                NetworkFlags `json:"network"`
	AccumulatedWaitSeconds int64        `json:"total_ring_time_sec"`
}

// AttemptRecord is one ledger row, keyed by (call, attempt).
type AttemptRecord struct {
	AttemptKey
	ExchangeCode ExchangeCode      `json:"caller_npanxx"`
	ArrivedAt    time.Time         `json:"arrived_datetime_est"`
	Center       CenterPair        `json:"center"`
	Attributes   AttemptAttributes `json:"attributes"`
	Disposition  Disposition       `json:"disposition"`
	Summary      CallerSummary     `json:"summary"`
	Flagged      bool              `json:"flagged"`
}

// FlaggedCall marks a call whose ledger state is inconsistent and must be
// excluded from downstream evaluation.
type FlaggedCall struct {
	CallID  CallID `json:"call_key"`
	Attempt int    `json:"attempt_number"`
	Reason  string `json:"reason"`
}

// LedgerSnapshot 快照資料，用於 ledger 狀態的持久化和恢復
type LedgerSnapshot struct {
	Records   []AttemptRecord          `json:"records"`
	Summaries map[CallID]CallerSummary `json:"summaries"`
	Flagged   []FlaggedCall            `json:"flagged"`
	SchemaVer int                      `json:"schema_ver"`
	LastSeq   uint64                   `json:"last_seq"`
}
