package audit

import "time"

// Event is an immutable, append-only audit log record of one routing
// action: an assignment, a call transition, or a conference membership
// change.
//
// Invariants:
// - Events are never updated or deleted.
// - Capture is best-effort; do not block call flows on audit failures.
//
// Storage recommendation (Postgres):
// - Table audit_events with an INSERT-only policy.
// - Optional: trigger to prevent UPDATE/DELETE.
// - Optional: partition by time for retention.

type Event struct {
	ID string `json:"id" db:"id"`

	// Type is the routing action, e.g. "call_accepted" or
	// "conference_joined".
	Type string `json:"type" db:"type"`

	// Target identifiers (optional, depending on the event type).
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	RoomID     string `json:"room_id,omitempty" db:"room_id"`
	OperatorID string `json:"operator_id,omitempty" db:"operator_id"`

	// Detail is a short human-readable description for internal ops.
	Detail string `json:"detail,omitempty" db:"detail"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
