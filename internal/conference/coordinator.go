package conference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"switchboard/internal/presence"
	"switchboard/internal/store"
)

var (
	ErrRoomEnded = errors.New("conference: room already ended")
	ErrRoomFull  = errors.New("conference: participant limit reached")
	// ErrInviteResolved wraps store.ErrAborted so retry helpers treat a
	// lost invitation race as final.
	ErrInviteResolved = fmt.Errorf("conference: invitation already resolved: %w", store.ErrAborted)
	ErrInvalidTarget  = errors.New("conference: invalid invite target")
	ErrNotMember      = errors.New("conference: operator is not a participant")
)

// DefaultMaxParticipants caps the roster, host included. Joined peers
// connect pairwise, so link count grows quadratically; the cap keeps the
// mesh within what a single client can sustain.
const DefaultMaxParticipants = 6

const (
	retryAttempts = 3
	retryBackoff  = 200 * time.Millisecond
)

// PresenceDirectory is the slice of the presence registry the
// coordinator needs for invitee state flips.
type PresenceDirectory interface {
	SetAvailability(ctx context.Context, operatorID, displayID string, state presence.Availability) error
}

// Auditor records room membership changes. A multi-target invite is
// reported through RoomEvents so the trail lands as one batch.
type Auditor interface {
	RoomEvent(ctx context.Context, eventType, roomID, operatorID, detail string)
	RoomEvents(ctx context.Context, eventType, roomID string, operatorIDs []string, detail string)
}

// Coordinator layers a multi-party roster on an already accepted call.
// Every mutation is a single-key write or conditional update; partial
// failure leaves records that the cleanup sweep or a repeated call can
// reconcile, so each method is safe to retry.
type Coordinator struct {
	Store           store.Store
	Presence        PresenceDirectory
	Audit           Auditor
	MaxParticipants int
	Now             func() time.Time
	Log             *slog.Logger
}

func NewCoordinator(st store.Store, dir PresenceDirectory, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		Store:           st,
		Presence:        dir,
		MaxParticipants: DefaultMaxParticipants,
		Now:             time.Now,
		Log:             log,
	}
}

// Invite lazily creates the room with the calling operator as host, then
// writes one pending invitation and one invited participant per target.
// Targets already on the roster are skipped, so a repeated invite after a
// partial failure completes the missing records instead of duplicating.
func (c *Coordinator) Invite(ctx context.Context, roomID, hostOperatorID, hostPeerAddress string, targets []string) error {
	if roomID == "" || hostOperatorID == "" {
		return ErrInvalidTarget
	}
	for _, t := range targets {
		if t == "" || t == hostOperatorID {
			return ErrInvalidTarget
		}
	}

	if err := c.ensureRoom(ctx, roomID, hostOperatorID); err != nil {
		return err
	}
	if err := c.ensureHostParticipant(ctx, roomID, hostOperatorID, hostPeerAddress); err != nil {
		return err
	}

	roster, err := c.Roster(ctx, roomID)
	if err != nil {
		return err
	}
	seats := len(roster)
	onRoster := make(map[string]bool, len(roster))
	for _, p := range roster {
		if !p.JoinStatus.Terminal() {
			onRoster[p.OperatorID] = true
		} else {
			seats-- // declined/removed seats free up
		}
	}

	now := c.Now()
	invited := make([]string, 0, len(targets))
	for _, target := range targets {
		if onRoster[target] {
			continue
		}
		if c.MaxParticipants > 0 && seats >= c.MaxParticipants {
			return ErrRoomFull
		}
		inv := Invitation{
			RoomID:            roomID,
			InvitedBy:         hostOperatorID,
			InvitedOperatorID: target,
			Status:            InvitePending,
			HostPeerAddress:   hostPeerAddress,
			CreatedAt:         now,
		}
		if err := c.setJSONRetry(ctx, InvitationPath(target, roomID), inv); err != nil {
			return fmt.Errorf("conference: writing invitation for %s: %w", target, err)
		}
		p := Participant{
			OperatorID: target,
			Role:       RoleInvitee,
			JoinStatus: JoinInvited,
			UpdatedAt:  now,
		}
		if err := c.setJSONRetry(ctx, ParticipantPath(roomID, target), p); err != nil {
			return fmt.Errorf("conference: writing participant for %s: %w", target, err)
		}
		seats++
		onRoster[target] = true
		invited = append(invited, target)
	}
	if len(invited) > 0 && c.Audit != nil {
		c.Audit.RoomEvents(ctx, "conference_invited", roomID, invited, "invited by "+hostOperatorID)
	}
	return nil
}

// AcceptInvite consumes the invitation (conditional update from pending),
// marks the operator joined with its published peer address, and returns
// the already-joined roster the new member should dial. The accepting
// operator's presence flips to unavailable for the duration of the room.
func (c *Coordinator) AcceptInvite(ctx context.Context, operatorID, roomID, peerAddress string) ([]Participant, error) {
	room, err := c.lookupRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status == StatusEnded {
		return nil, ErrRoomEnded
	}

	if err := c.resolveInvitation(ctx, operatorID, roomID, InviteAccepted); err != nil {
		return nil, err
	}

	joined := Participant{
		OperatorID:  operatorID,
		Role:        RoleInvitee,
		JoinStatus:  JoinJoined,
		PeerAddress: peerAddress,
		UpdatedAt:   c.Now(),
	}
	if err := c.setJSONRetry(ctx, ParticipantPath(roomID, operatorID), joined); err != nil {
		return nil, fmt.Errorf("conference: joining roster: %w", err)
	}
	c.setPresence(ctx, operatorID, presence.Unavailable)
	c.auditEvent(ctx, "conference_joined", roomID, operatorID, "")

	roster, err := c.JoinedRoster(ctx, roomID)
	if err != nil {
		return nil, err
	}
	peers := roster[:0]
	for _, p := range roster {
		if p.OperatorID != operatorID {
			peers = append(peers, p)
		}
	}
	return peers, nil
}

// DeclineInvite resolves the invitation and leaves a declined membership
// record behind. A missing invitation means the room already moved on.
func (c *Coordinator) DeclineInvite(ctx context.Context, operatorID, roomID string) error {
	err := c.resolveInvitation(ctx, operatorID, roomID, InviteDeclined)
	if err != nil && !errors.Is(err, ErrInviteResolved) {
		return err
	}
	setStatus := func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, ErrInviteResolved
		}
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		// Only an unanswered seat declines; a join that won the
		// invitation race must not be demoted here.
		if p.JoinStatus != JoinInvited {
			return nil, ErrInviteResolved
		}
		p.JoinStatus = JoinDeclined
		p.UpdatedAt = c.Now()
		return json.Marshal(p)
	}
	if err := c.Store.ConditionalUpdate(ctx, ParticipantPath(roomID, operatorID), setStatus); err != nil {
		if errors.Is(err, store.ErrAborted) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	c.auditEvent(ctx, "conference_declined", roomID, operatorID, "")
	return nil
}

// RemoveParticipant evicts softly: the membership record stays with
// JoinStatus removed so the evicted client observes its own terminal
// state and releases media on its side.
func (c *Coordinator) RemoveParticipant(ctx context.Context, roomID, operatorID string) error {
	evict := func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, store.ErrNotFound
		}
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.JoinStatus = JoinRemoved
		p.UpdatedAt = c.Now()
		return json.Marshal(p)
	}
	err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return c.Store.ConditionalUpdate(ctx, ParticipantPath(roomID, operatorID), evict)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	c.setPresence(ctx, operatorID, presence.Available)
	c.auditEvent(ctx, "conference_removed", roomID, operatorID, "")
	return nil
}

// Leave takes an operator out of the room. A host leaving ends the whole
// room; every remaining participant detects the ended room independently
// and cleans up on its own.
func (c *Coordinator) Leave(ctx context.Context, roomID, operatorID string) error {
	room, err := c.lookupRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if room.HostOperatorID == operatorID {
		return c.EndRoom(ctx, roomID)
	}
	if err := c.RemoveParticipant(ctx, roomID, operatorID); err != nil && !errors.Is(err, ErrNotMember) {
		return err
	}
	return nil
}

// EndRoom flips the room to ended. Ended is absorbing; a concurrent end
// from another party is harmless.
func (c *Coordinator) EndRoom(ctx context.Context, roomID string) error {
	end := func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, store.ErrNotFound
		}
		var room Room
		if err := json.Unmarshal(raw, &room); err != nil {
			return nil, err
		}
		if room.Status == StatusEnded {
			return raw, nil
		}
		room.Status = StatusEnded
		room.UpdatedAt = c.Now()
		return json.Marshal(room)
	}
	err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return c.Store.ConditionalUpdate(ctx, RoomPath(roomID), end)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	c.auditEvent(ctx, "conference_ended", roomID, "", "")
	return nil
}

// Roster returns every membership record of the room, sorted by operator
// id for stable output.
func (c *Coordinator) Roster(ctx context.Context, roomID string) ([]Participant, error) {
	records, err := c.Store.List(ctx, ParticipantsPrefix(roomID))
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(records))
	for path, raw := range records {
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			c.Log.Warn("skipping malformed participant record", "path", path, "err", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperatorID < out[j].OperatorID })
	return out, nil
}

// JoinedRoster filters the roster down to members with live media.
func (c *Coordinator) JoinedRoster(ctx context.Context, roomID string) ([]Participant, error) {
	roster, err := c.Roster(ctx, roomID)
	if err != nil {
		return nil, err
	}
	joined := roster[:0]
	for _, p := range roster {
		if p.JoinStatus == JoinJoined {
			joined = append(joined, p)
		}
	}
	return joined, nil
}

// SetMedia publishes an operator's mute/video flags on its own record.
func (c *Coordinator) SetMedia(ctx context.Context, roomID, operatorID string, muted, video bool) error {
	apply := func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, store.ErrNotFound
		}
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.IsMuted = muted
		p.HasVideo = video
		p.UpdatedAt = c.Now()
		return json.Marshal(p)
	}
	err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return c.Store.ConditionalUpdate(ctx, ParticipantPath(roomID, operatorID), apply)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	return nil
}

// Lookup returns the room record.
func (c *Coordinator) Lookup(ctx context.Context, roomID string) (Room, error) {
	return c.lookupRoom(ctx, roomID)
}

func (c *Coordinator) ensureRoom(ctx context.Context, roomID, hostOperatorID string) error {
	create := func(raw []byte) ([]byte, error) {
		if raw != nil {
			var room Room
			if err := json.Unmarshal(raw, &room); err != nil {
				return nil, err
			}
			if room.Status == StatusEnded {
				return nil, ErrRoomEnded
			}
			return raw, nil
		}
		now := c.Now()
		return json.Marshal(Room{
			RoomID:         roomID,
			HostOperatorID: hostOperatorID,
			Status:         StatusActive,
			StartedAt:      now,
			UpdatedAt:      now,
		})
	}
	err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return c.Store.ConditionalUpdate(ctx, RoomPath(roomID), create)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRoomEnded) {
		return ErrRoomEnded
	}
	return fmt.Errorf("conference: creating room: %w", err)
}

func (c *Coordinator) ensureHostParticipant(ctx context.Context, roomID, hostOperatorID, hostPeerAddress string) error {
	path := ParticipantPath(roomID, hostOperatorID)
	if _, err := c.Store.Get(ctx, path); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	host := Participant{
		OperatorID:  hostOperatorID,
		Role:        RoleHost,
		JoinStatus:  JoinJoined,
		PeerAddress: hostPeerAddress,
		UpdatedAt:   c.Now(),
	}
	return c.setJSONRetry(ctx, path, host)
}

// resolveInvitation flips a pending invitation to a terminal status. Any
// other prior state, including a missing record, is a resolved race.
func (c *Coordinator) resolveInvitation(ctx context.Context, operatorID, roomID string, to InvitationStatus) error {
	resolve := func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, ErrInviteResolved
		}
		var inv Invitation
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, err
		}
		if inv.Status != InvitePending {
			return nil, ErrInviteResolved
		}
		inv.Status = to
		return json.Marshal(inv)
	}
	err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return c.Store.ConditionalUpdate(ctx, InvitationPath(operatorID, roomID), resolve)
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrInviteResolved
	}
	return err
}

func (c *Coordinator) setJSONRetry(ctx context.Context, path string, v any) error {
	return store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return store.SetJSON(ctx, c.Store, path, v)
	})
}

func (c *Coordinator) lookupRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	if err := store.GetJSON(ctx, c.Store, RoomPath(roomID), &room); err != nil {
		return Room{}, err
	}
	return room, nil
}

// setPresence is best effort; a failed flip never blocks room progress.
func (c *Coordinator) setPresence(ctx context.Context, operatorID string, state presence.Availability) {
	if c.Presence == nil {
		return
	}
	if err := c.Presence.SetAvailability(ctx, operatorID, "", state); err != nil {
		c.Log.Warn("presence flip failed", "operator_id", operatorID, "state", state, "err", err)
	}
}

func (c *Coordinator) auditEvent(ctx context.Context, eventType, roomID, operatorID, detail string) {
	if c.Audit == nil {
		return
	}
	c.Audit.RoomEvent(ctx, eventType, roomID, operatorID, strings.TrimSpace(detail))
}
