package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"switchboard/internal/call"
	"switchboard/internal/conference"
	"switchboard/internal/presence"
	"switchboard/internal/store"
)

// Default sweep tuning. A pending call nobody answered within PendingTTL
// is abandoned; a forwarded copy idles out faster because the caller is
// already connected elsewhere and waiting on the hand-off.
const (
	DefaultInterval            = 5 * time.Second
	DefaultPendingTTL          = 20 * time.Second
	DefaultForwardedPendingTTL = 5 * time.Second
	DefaultForwardingTTL       = 30 * time.Second
	DefaultEndedTTL            = 10 * time.Second
	DefaultRoomRetention       = time.Minute
)

// PresenceDirectory is the slice of the presence registry the sweeper
// needs to revert operators whose calls went stale.
type PresenceDirectory interface {
	SetAvailability(ctx context.Context, operatorID, displayID string, state presence.Availability) error
}

// Locker elects one sweeping instance when several API processes share a
// store. A nil Locker means every instance sweeps; all sweep actions are
// idempotent deletes, so overlap is wasteful but harmless.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Auditor records forced cleanups.
type Auditor interface {
	CallEvent(ctx context.Context, eventType, callID, operatorID, detail string)
}

// Manager is the background janitor: it reverts presence and deletes
// routing metadata that watchers abandoned mid-flight. It only ever
// removes records already in or past a terminal condition, so it cannot
// race a live call into a bad state.
type Manager struct {
	Store    store.Store
	Presence PresenceDirectory
	Lock     Locker
	Audit    Auditor

	Interval            time.Duration
	PendingTTL          time.Duration
	ForwardedPendingTTL time.Duration
	ForwardingTTL       time.Duration
	EndedTTL            time.Duration
	RoomRetention       time.Duration

	Now func() time.Time
	Log *slog.Logger
}

func NewManager(st store.Store, dir PresenceDirectory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		Store:               st,
		Presence:            dir,
		Interval:            DefaultInterval,
		PendingTTL:          DefaultPendingTTL,
		ForwardedPendingTTL: DefaultForwardedPendingTTL,
		ForwardingTTL:       DefaultForwardingTTL,
		EndedTTL:            DefaultEndedTTL,
		RoomRetention:       DefaultRoomRetention,
		Now:                 time.Now,
		Log:                 log,
	}
}

// Run sweeps at Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	defer func() {
		if m.Lock != nil {
			// Release with a fresh context; ctx is already done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.Lock.Release(releaseCtx); err != nil {
				m.Log.Warn("releasing sweep lease failed", "err", err)
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Lock != nil {
				held, err := m.Lock.TryAcquire(ctx)
				if err != nil {
					m.Log.Warn("sweep lease check failed", "err", err)
					continue
				}
				if !held {
					continue
				}
			}
			if err := m.Sweep(ctx); err != nil {
				m.Log.Warn("sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one full pass: stale call records first, then presence
// entries left pointing at calls that no longer exist, then retired
// conference rooms.
func (m *Manager) Sweep(ctx context.Context) error {
	records, err := m.listCalls(ctx)
	if err != nil {
		return err
	}
	for path, rec := range records {
		m.sweepCall(ctx, path, rec, records)
	}

	// Re-list after deletions so presence repair sees the result.
	records, err = m.listCalls(ctx)
	if err != nil {
		return err
	}
	if err := m.repairPresence(ctx, records); err != nil {
		return err
	}
	return m.sweepRooms(ctx)
}

func (m *Manager) listCalls(ctx context.Context) (map[string]call.Record, error) {
	raw, err := m.Store.List(ctx, call.QueueRootPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]call.Record, len(raw))
	for path, data := range raw {
		var rec call.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			m.Log.Warn("removing malformed call record", "path", path, "err", err)
			_ = m.Store.Remove(ctx, path)
			continue
		}
		out[path] = rec
	}
	return out, nil
}

func (m *Manager) sweepCall(ctx context.Context, path string, rec call.Record, all map[string]call.Record) {
	age := m.age(rec)
	switch rec.Status {
	case call.StatusPending:
		ttl := m.PendingTTL
		if rec.ForwardedFrom != "" {
			ttl = m.ForwardedPendingTTL
		}
		if age <= ttl {
			return
		}
		m.reclaim(ctx, path, rec, "cleanup_pending_expired")
		// A forwarded copy that idled out also strands the forwarding
		// source record under the original operator.
		if rec.ForwardedFrom != "" {
			srcPath := call.RecordPath(rec.ForwardedFrom, rec.CallID)
			if src, ok := all[srcPath]; ok && src.Status == call.StatusForwarding {
				m.reclaim(ctx, srcPath, src, "cleanup_forward_source_reclaimed")
			}
		}
	case call.StatusForwarding:
		if age <= m.ForwardingTTL {
			return
		}
		// Forwarding resolves by the target copy being accepted or
		// declined; a source this old means the excursion died.
		targetAlive := false
		if rec.ForwardedTo != "" {
			if _, ok := all[call.RecordPath(rec.ForwardedTo, rec.CallID)]; ok {
				targetAlive = true
			}
		}
		if !targetAlive {
			m.reclaim(ctx, path, rec, "cleanup_forwarding_expired")
		}
	case call.StatusEnded:
		// Backup for the in-process grace timer, which dies with its
		// process.
		if age > m.EndedTTL {
			m.reclaim(ctx, path, rec, "cleanup_ended_swept")
		}
	}
}

// reclaim deletes a record and restores its owner. Remove is idempotent,
// so two sweepers racing here both succeed.
func (m *Manager) reclaim(ctx context.Context, path string, rec call.Record, event string) {
	if err := m.Store.Remove(ctx, path); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.Log.Warn("removing stale record failed", "path", path, "err", err)
		return
	}
	if m.Presence != nil && rec.OwnerOperatorID != "" {
		if err := m.Presence.SetAvailability(ctx, rec.OwnerOperatorID, "", presence.Available); err != nil {
			m.Log.Warn("presence restore failed", "operator_id", rec.OwnerOperatorID, "err", err)
		}
	}
	m.Log.Info("reclaimed stale call record", "path", path, "status", rec.Status, "call_id", rec.CallID)
	if m.Audit != nil {
		m.Audit.CallEvent(ctx, event, rec.CallID, rec.OwnerOperatorID, "")
	}
}

// repairPresence reverts operators stuck in pending with no record left
// to resolve them. Unavailable is deliberately left alone: it also means
// "in a call or conference", which queue records cannot prove or refute.
func (m *Manager) repairPresence(ctx context.Context, records map[string]call.Record) error {
	if m.Presence == nil {
		return nil
	}
	raw, err := m.Store.List(ctx, "presence/")
	if err != nil {
		return err
	}
	busy := make(map[string]bool)
	for _, rec := range records {
		if !rec.Status.Terminal() {
			busy[rec.OwnerOperatorID] = true
		}
	}
	for path, data := range raw {
		var p presence.OperatorPresence
		if err := json.Unmarshal(data, &p); err != nil {
			m.Log.Warn("skipping malformed presence record", "path", path, "err", err)
			continue
		}
		if p.Availability != presence.Pending || busy[p.OperatorID] {
			continue
		}
		if err := m.Presence.SetAvailability(ctx, p.OperatorID, "", presence.Available); err != nil {
			m.Log.Warn("presence repair failed", "operator_id", p.OperatorID, "err", err)
		} else {
			m.Log.Info("repaired orphaned pending presence", "operator_id", p.OperatorID)
		}
	}
	return nil
}

// sweepRooms deletes ended conference rooms past retention along with
// their membership and invitation records.
func (m *Manager) sweepRooms(ctx context.Context) error {
	raw, err := m.Store.List(ctx, "conferenceRoom/")
	if err != nil {
		return err
	}
	for path, data := range raw {
		if strings.Contains(path, "/participants/") {
			continue
		}
		var room conference.Room
		if err := json.Unmarshal(data, &room); err != nil {
			m.Log.Warn("skipping malformed room record", "path", path, "err", err)
			continue
		}
		if room.Status != conference.StatusEnded || m.Now().Sub(room.UpdatedAt) <= m.RoomRetention {
			continue
		}
		m.removeRoom(ctx, room.RoomID)
	}
	return nil
}

func (m *Manager) removeRoom(ctx context.Context, roomID string) {
	members, err := m.Store.List(ctx, conference.ParticipantsPrefix(roomID))
	if err != nil {
		m.Log.Warn("listing room members failed", "room_id", roomID, "err", err)
		return
	}
	for path := range members {
		if err := m.Store.Remove(ctx, path); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.Log.Warn("removing member record failed", "path", path, "err", err)
		}
	}
	invites, err := m.Store.List(ctx, "invitation/")
	if err == nil {
		for path, data := range invites {
			var inv conference.Invitation
			if json.Unmarshal(data, &inv) == nil && inv.RoomID == roomID {
				_ = m.Store.Remove(ctx, path)
			}
		}
	}
	if err := m.Store.Remove(ctx, conference.RoomPath(roomID)); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.Log.Warn("removing room record failed", "room_id", roomID, "err", err)
		return
	}
	m.Log.Info("swept ended conference room", "room_id", roomID)
}

func (m *Manager) age(rec call.Record) time.Duration {
	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = rec.CreatedAt
	}
	if ts.IsZero() {
		return 0
	}
	return m.Now().Sub(ts)
}
