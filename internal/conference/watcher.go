package conference

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"switchboard/internal/store"
)

// InviteUpdate is one observed change to an operator's invitation set. A
// deleted invitation is reported as Resolved so clients retire the
// matching prompt either way.
type InviteUpdate struct {
	Invitation Invitation
	RoomID     string
	Resolved   bool
}

// MembershipUpdate is one observed change relevant to a room member:
// either the room flipped state or the member's own record did. Ended or
// Evicted means the member must release media and stop watching.
type MembershipUpdate struct {
	Room        Room
	Participant Participant
	Ended       bool
	Evicted     bool
}

// Watcher provides the client-side observation loops. Every client runs
// its own watcher; there is no shared coordinator process.
type Watcher struct {
	Store store.Store
	Log   *slog.Logger
}

func NewWatcher(st store.Store, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{Store: st, Log: log}
}

// WatchInvitations streams invitation changes for one operator, starting
// with a snapshot of whatever is already pending. The channel closes
// when ctx is done.
func (w *Watcher) WatchInvitations(ctx context.Context, operatorID string) (<-chan InviteUpdate, error) {
	prefix := InvitationsPrefix(operatorID)
	events, stop, err := w.Store.Subscribe(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}

	out := make(chan InviteUpdate, 8)
	go func() {
		defer close(out)
		defer stop()

		existing, err := w.Store.List(ctx, prefix)
		if err != nil {
			w.Log.Warn("listing invitations failed", "operator_id", operatorID, "err", err)
		}
		for path, raw := range existing {
			w.emitInvite(ctx, out, path, raw, prefix)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				w.emitInvite(ctx, out, ev.Path, ev.Value, prefix)
			}
		}
	}()
	return out, nil
}

func (w *Watcher) emitInvite(ctx context.Context, out chan<- InviteUpdate, path string, raw []byte, prefix string) {
	roomID := strings.TrimPrefix(path, prefix)
	upd := InviteUpdate{RoomID: roomID}
	if raw == nil {
		upd.Resolved = true
	} else {
		var inv Invitation
		if err := json.Unmarshal(raw, &inv); err != nil {
			w.Log.Warn("malformed invitation record", "path", path, "err", err)
			return
		}
		upd.Invitation = inv
		upd.Resolved = inv.Status != InvitePending
	}
	select {
	case out <- upd:
	case <-ctx.Done():
	}
}

// WatchMembership streams room and own-membership changes for one member
// until the room ends, the member is evicted or declined, or ctx is
// done. A deleted room or membership record reads the same as a terminal
// status.
func (w *Watcher) WatchMembership(ctx context.Context, roomID, operatorID string) (<-chan MembershipUpdate, error) {
	roomEvents, stopRoom, err := w.Store.Subscribe(ctx, RoomPath(roomID))
	if err != nil {
		return nil, err
	}
	selfEvents, stopSelf, err := w.Store.Subscribe(ctx, ParticipantPath(roomID, operatorID))
	if err != nil {
		stopRoom()
		return nil, err
	}

	out := make(chan MembershipUpdate, 8)
	go func() {
		defer close(out)
		defer stopRoom()
		defer stopSelf()

		var state MembershipUpdate
		if err := store.GetJSON(ctx, w.Store, RoomPath(roomID), &state.Room); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				state.Ended = true
			} else {
				w.Log.Warn("reading room failed", "room_id", roomID, "err", err)
			}
		}
		if !state.Ended {
			if err := store.GetJSON(ctx, w.Store, ParticipantPath(roomID, operatorID), &state.Participant); err != nil && errors.Is(err, store.ErrNotFound) {
				state.Evicted = true
			}
		}
		if !w.emitMembership(ctx, out, state) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-roomEvents:
				if !ok {
					return
				}
				if ev.Value == nil {
					state.Ended = true
				} else if err := json.Unmarshal(ev.Value, &state.Room); err != nil {
					w.Log.Warn("malformed room record", "room_id", roomID, "err", err)
					continue
				} else if state.Room.Status == StatusEnded {
					state.Ended = true
				}
				if !w.emitMembership(ctx, out, state) {
					return
				}
			case ev, ok := <-selfEvents:
				if !ok {
					return
				}
				if ev.Value == nil {
					state.Evicted = true
				} else if err := json.Unmarshal(ev.Value, &state.Participant); err != nil {
					w.Log.Warn("malformed participant record", "room_id", roomID, "err", err)
					continue
				} else if state.Participant.JoinStatus.Terminal() {
					state.Evicted = true
				}
				if !w.emitMembership(ctx, out, state) {
					return
				}
			}
		}
	}()
	return out, nil
}

// emitMembership sends one update and reports whether the loop should
// keep going. Terminal updates are delivered, then the loop stops.
func (w *Watcher) emitMembership(ctx context.Context, out chan<- MembershipUpdate, u MembershipUpdate) bool {
	select {
	case out <- u:
	case <-ctx.Done():
		return false
	}
	return !u.Ended && !u.Evicted
}
