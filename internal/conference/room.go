package conference

import "time"

// Room is the shared state of a multi-party extension of one accepted
// call. The room id is the call id; the room is created lazily on the
// first invite and is terminal once Status is ended.
type Room struct {
	RoomID         string    `json:"room_id"`
	HostOperatorID string    `json:"host_operator_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Participant tracks one operator's membership in a room. Eviction is
// soft: JoinStatus flips to removed and the record stays so late
// watchers still observe a terminal state.
type Participant struct {
	OperatorID  string     `json:"operator_id"`
	Role        Role       `json:"role"`
	JoinStatus  JoinStatus `json:"join_status"`
	PeerAddress string     `json:"peer_address,omitempty"`
	IsMuted     bool       `json:"is_muted"`
	HasVideo    bool       `json:"has_video"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Role string

const (
	RoleHost    Role = "host"
	RoleInvitee Role = "invitee"
)

type JoinStatus string

const (
	JoinInvited  JoinStatus = "invited"
	JoinJoined   JoinStatus = "joined"
	JoinDeclined JoinStatus = "declined"
	JoinRemoved  JoinStatus = "removed"
)

// Terminal reports whether the participant can no longer rejoin the room.
func (j JoinStatus) Terminal() bool {
	return j == JoinDeclined || j == JoinRemoved
}

// Invitation is consumed exactly once by the invited operator's client.
// Accepting is a conditional update from pending, so a stale client that
// races a decline loses cleanly.
type Invitation struct {
	RoomID            string           `json:"room_id"`
	InvitedBy         string           `json:"invited_by"`
	InvitedOperatorID string           `json:"invited_operator_id"`
	Status            InvitationStatus `json:"status"`
	HostPeerAddress   string           `json:"host_peer_address,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

type InvitationStatus string

const (
	InvitePending  InvitationStatus = "pending"
	InviteAccepted InvitationStatus = "accepted"
	InviteDeclined InvitationStatus = "declined"
)

// RoomPath returns the store path for a room's shared record.
func RoomPath(roomID string) string {
	return "conferenceRoom/" + roomID
}

// ParticipantPath returns the store path for one operator's membership.
func ParticipantPath(roomID, operatorID string) string {
	return "conferenceRoom/" + roomID + "/participants/" + operatorID
}

// ParticipantsPrefix lists every membership record of a room.
func ParticipantsPrefix(roomID string) string {
	return "conferenceRoom/" + roomID + "/participants/"
}

// InvitationPath returns the store path of one operator's invitation to
// one room.
func InvitationPath(operatorID, roomID string) string {
	return "invitation/" + operatorID + "/" + roomID
}

// InvitationsPrefix lists everything pending for one operator.
func InvitationsPrefix(operatorID string) string {
	return "invitation/" + operatorID + "/"
}
