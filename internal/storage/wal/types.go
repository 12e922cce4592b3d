package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the journal record of ledger operations
// ============================================================================

// EventType identifies the ledger operation an event records.
type EventType string

const (
	EventInsert    EventType = "INSERT"     // Attempt row created
	EventUpdateOne EventType = "UPDATE_ONE" // Disposition written to one attempt
	EventUpdateAll EventType = "UPDATE_ALL" // Caller summary written to every row of a call
	EventFlag      EventType = "FLAG"       // Call flagged for exclusion
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	Key       string          `json:"key"`       // Attempt key or call id the event applies to
	Payload   json.RawMessage `json:"payload"`   // Operation argument, JSON encoded
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to ledger state
type EventHandler func(event Event) error
