package wal

import (
	"encoding/json"

	"github.com/frommybrain/fatebox/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventRegister EventType = "REGISTER" // Box purchased
	EventCommit   EventType = "COMMIT"   // Randomness bound, luck frozen
	EventReveal   EventType = "REVEAL"   // Tier and reward resolved
	EventSettle   EventType = "SETTLE"   // Reward transferred (or zero-payout no-op)
	EventFail     EventType = "FAIL"     // Reveal irrecoverable, refund eligible
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`               // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`              // Event type
	BoxID     types.BoxID     `json:"box_id"`            // Box the transition applies to
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp of the transition
	Payload   json.RawMessage `json:"payload,omitempty"` // Transition arguments, see payload types below
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ============================================================================
// Payloads
// Replaying a payload through the state machine reproduces the transition
// exactly: luck and tier are recomputed from the same inputs.
// ============================================================================

// RegisterPayload carries the purchase.
type RegisterPayload struct {
	ProjectID uint64          `json:"project_id"`
	Owner     types.PublicKey `json:"owner"`
	Stake     uint64          `json:"stake"`
	CreatedAt int64           `json:"created_at"` // unix ms
}

// CommitPayload carries the bound randomness handle.
type CommitPayload struct {
	Handle types.PublicKey `json:"handle"`
}

// RevealPayload carries the revealing caller and the random fraction (bp).
type RevealPayload struct {
	Caller   types.PublicKey `json:"caller"`
	Fraction uint32          `json:"fraction_bp"`
}

// FailPayload carries the failure reason.
type FailPayload struct {
	Reason string `json:"reason"`
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
