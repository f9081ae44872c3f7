package call

import "time"

// Record is the routing metadata for one caller-to-operator session. It does
// not carry the media stream; PeerAddress is an opaque handle the caller
// published for the media transport to dial.
//
// A record lives under the owning operator's queue at
// operatorQueue/{ownerOperatorId}/calls/{callId}. At most one non-ended
// record exists per call id per operator; forwarding briefly creates a
// second record under the target operator.
type Record struct {
	CallID          string `json:"call_id"`
	OwnerOperatorID string `json:"owner_operator_id"`
	CallerRef       string `json:"caller_ref"`
	SessionID       string `json:"session_id,omitempty"`
	PeerAddress     string `json:"peer_address,omitempty"`

	Status Status `json:"status"`

	// Forwarding back-references. These are lookup hints only, never
	// ownership: the record's owner is always the operator whose queue it
	// sits in.
	ForwardedTo        string `json:"forwarded_to,omitempty"`
	ForwardedFrom      string `json:"forwarded_from,omitempty"`
	OriginalOperatorID string `json:"original_operator_id,omitempty"`

	// AcceptedBy is bound by the winning accept.
	AcceptedBy string `json:"accepted_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusForwarding Status = "forwarding"
	StatusEnded      Status = "ended"
)

// Terminal reports whether the status absorbs all later writes.
func (s Status) Terminal() bool { return s == StatusEnded }

// RecordPath returns the store path of a call record in an operator's queue.
func RecordPath(operatorID, callID string) string {
	return QueuePrefix(operatorID) + callID
}

// QueuePrefix returns the store path prefix of one operator's call queue.
func QueuePrefix(operatorID string) string {
	return "operatorQueue/" + operatorID + "/calls/"
}

// QueueRootPrefix spans every operator's queue, for cleanup sweeps.
const QueueRootPrefix = "operatorQueue/"
