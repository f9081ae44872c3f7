package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchboard/internal/presence"
	"switchboard/internal/store"
)

// Machine owns the lifecycle of call records:
//
//	pending -> in-progress -> ended
//
// with a forwarding excursion: in-progress (or still-pending) -> forwarding,
// which plants a new pending record under the target operator and resolves
// when the target accepts or declines.
//
// Accept is the only compare-and-swap point in the whole system; every other
// transition relies on monotonic statuses and last-write-wins. All mutations
// here are keyed by call id and idempotent, so they are safe to retry with
// the same payload after a transient store failure.

type Machine struct {
	Store    store.Store
	Presence *presence.Registry

	// Transcripts, when set, clears the session transcript on call end.
	Transcripts TranscriptStore

	// Audit, when set, records routing actions. Best-effort.
	Audit Auditor

	// EndGrace is how long an ended record stays visible before removal,
	// giving every subscriber a chance to observe the terminal status.
	EndGrace time.Duration

	Now func() time.Time
	Log *slog.Logger
}

// TranscriptStore clears a caller session's transcript records.
type TranscriptStore interface {
	Clear(ctx context.Context, sessionID string) error
}

// Auditor records routing actions. Implementations must be best-effort;
// the machine ignores audit failures.
type Auditor interface {
	CallEvent(ctx context.Context, eventType, callID, operatorID, detail string)
}

const (
	defaultEndGrace = 3 * time.Second
	retryAttempts   = 3
	retryBackoff    = 200 * time.Millisecond
)

var (
	// ErrCallTaken means another party already resolved the call. Not a
	// user-facing error: the losing client aborts silently.
	ErrCallTaken = fmt.Errorf("call: already taken: %w", store.ErrAborted)

	ErrInvalidTransition = errors.New("call: invalid transition")
	ErrInvalidTarget     = errors.New("call: invalid forward target")
)

func NewMachine(st store.Store, reg *presence.Registry, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		Store:    st,
		Presence: reg,
		EndGrace: defaultEndGrace,
		Now:      time.Now,
		Log:      log,
	}
}

// Lookup returns the call record in the given operator's queue.
func (m *Machine) Lookup(ctx context.Context, operatorID, callID string) (Record, error) {
	var rec Record
	if err := store.GetJSON(ctx, m.Store, RecordPath(operatorID, callID), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Accept transitions the record to in-progress iff it is still pending.
// At most one accept of a given call can ever succeed; every concurrent
// loser gets ErrCallTaken. On success the accepting operator goes
// unavailable, and if the call was forwarded the forwarding operator's
// duplicate record is reclaimed and their presence restored.
func (m *Machine) Accept(ctx context.Context, operatorID, callID string) (Record, error) {
	path := RecordPath(operatorID, callID)

	var accepted Record
	err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return m.Store.ConditionalUpdate(ctx, path, func(old []byte) ([]byte, error) {
			if old == nil {
				// Record gone: declined, timed out, or taken elsewhere.
				return nil, ErrCallTaken
			}
			rec, err := decodeRecord(old)
			if err != nil {
				return nil, err
			}
			if rec.Status != StatusPending {
				return nil, ErrCallTaken
			}
			rec.Status = StatusInProgress
			rec.AcceptedBy = operatorID
			rec.UpdatedAt = m.Now().UTC()
			accepted = rec
			return json.Marshal(rec)
		})
	})
	if err != nil {
		return Record{}, err
	}

	// Post-accept saga. Each step is idempotent; a crash mid-way leaves a
	// state the cleanup sweeper recognizes and finishes.
	m.setPresence(ctx, operatorID, presence.Unavailable)
	if accepted.ForwardedFrom != "" {
		m.setPresence(ctx, accepted.ForwardedFrom, presence.Available)
		if err := m.Store.Remove(ctx, RecordPath(accepted.ForwardedFrom, callID)); err != nil {
			m.Log.Warn("reclaiming forwarded source record failed", "call_id", callID, "err", err)
		}
	}
	m.auditEvent(ctx, "call_accepted", callID, operatorID, "")
	return accepted, nil
}

// Decline removes the record and restores the declining operator to
// available. For a forwarded call the forwarding operator's duplicate record
// is removed and their presence restored as well. Declining a call that no
// longer exists is not an error; the call was already resolved.
func (m *Machine) Decline(ctx context.Context, operatorID, callID string) error {
	path := RecordPath(operatorID, callID)

	rec, err := m.Lookup(ctx, operatorID, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.setPresence(ctx, operatorID, presence.Available)
			return nil
		}
		return err
	}

	if rec.ForwardedFrom != "" {
		m.setPresence(ctx, rec.ForwardedFrom, presence.Available)
		if err := m.Store.Remove(ctx, RecordPath(rec.ForwardedFrom, callID)); err != nil {
			m.Log.Warn("removing forwarded source record failed", "call_id", callID, "err", err)
		}
	}

	if err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return m.Store.Remove(ctx, path)
	}); err != nil {
		return err
	}
	m.setPresence(ctx, operatorID, presence.Available)
	m.auditEvent(ctx, "call_declined", callID, operatorID, "")
	return nil
}

// Forward moves the call to another operator: the current record becomes
// forwarding (and stays until the target accepts or declines), a new pending
// record is planted in the target's queue, and the target goes pending.
// Calling Forward twice with the same arguments is a no-op for the second
// call: exactly one pending record exists under the target.
func (m *Machine) Forward(ctx context.Context, operatorID, callID, targetOperatorID string) error {
	if targetOperatorID == "" || targetOperatorID == operatorID {
		return ErrInvalidTarget
	}

	rec, err := m.Lookup(ctx, operatorID, callID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return ErrInvalidTransition
	}
	if rec.Status == StatusForwarding && rec.ForwardedTo != targetOperatorID {
		return ErrInvalidTransition
	}

	origin := rec.OriginalOperatorID
	if origin == "" {
		origin = operatorID
	}
	now := m.Now().UTC()

	// Step 1: mark the source record forwarding. Re-running this write with
	// the same fields is harmless.
	if err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return m.Store.Update(ctx, RecordPath(operatorID, callID), map[string]any{
			"status":               StatusForwarding,
			"forwarded_to":         targetOperatorID,
			"original_operator_id": origin,
			"updated_at":           now.Format(time.RFC3339Nano),
		})
	}); err != nil {
		return err
	}

	// Step 2: plant the pending copy under the target, create-if-absent so a
	// repeated forward cannot reset the copy's timestamps or status.
	target := rec
	target.OwnerOperatorID = targetOperatorID
	target.Status = StatusPending
	target.ForwardedTo = ""
	target.ForwardedFrom = operatorID
	target.OriginalOperatorID = origin
	target.AcceptedBy = ""
	target.CreatedAt = now
	target.UpdatedAt = now

	if err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return m.Store.ConditionalUpdate(ctx, RecordPath(targetOperatorID, callID), func(old []byte) ([]byte, error) {
			if old != nil {
				return old, nil
			}
			return json.Marshal(target)
		})
	}); err != nil {
		return err
	}

	// Step 3: target presence goes pending.
	m.setPresence(ctx, targetOperatorID, presence.Pending)
	m.auditEvent(ctx, "call_forwarded", callID, operatorID, "to="+targetOperatorID)
	return nil
}

// End marks the record ended so every subscriber observes the terminal
// status, then after the grace delay removes it and restores the owner's
// presence. Any party that knows the call id may end it; "ended" is an
// absorbing state, so last-write-wins races on termination are tolerated.
func (m *Machine) End(ctx context.Context, operatorID, callID string) error {
	rec, err := m.Lookup(ctx, operatorID, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.setPresence(ctx, operatorID, presence.Available)
			return nil
		}
		return err
	}

	if err := store.Retry(ctx, retryAttempts, retryBackoff, func() error {
		return m.Store.Update(ctx, RecordPath(operatorID, callID), map[string]any{
			"status":     StatusEnded,
			"updated_at": m.Now().UTC().Format(time.RFC3339Nano),
		})
	}); err != nil {
		return err
	}

	if m.Transcripts != nil && rec.SessionID != "" {
		if err := m.Transcripts.Clear(ctx, rec.SessionID); err != nil {
			m.Log.Warn("clearing session transcript failed", "session_id", rec.SessionID, "err", err)
		}
	}
	m.auditEvent(ctx, "call_ended", callID, operatorID, "")

	grace := m.EndGrace
	if grace < 0 {
		grace = 0
	}
	time.AfterFunc(grace, func() {
		// Detached from the request context: removal must happen even if
		// the ending client has gone away. The cleanup sweeper is the
		// backstop if this process dies first.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Store.Remove(ctx, RecordPath(operatorID, callID)); err != nil {
			m.Log.Warn("removing ended record failed", "call_id", callID, "err", err)
		}
		m.setPresence(ctx, operatorID, presence.Available)
	})
	return nil
}

// setPresence is best-effort: presence writes never block call progress.
func (m *Machine) setPresence(ctx context.Context, operatorID string, state presence.Availability) {
	if m.Presence == nil {
		return
	}
	if err := m.Presence.SetAvailability(ctx, operatorID, "", state); err != nil {
		m.Log.Warn("presence update failed", "operator_id", operatorID, "state", state, "err", err)
	}
}

func (m *Machine) auditEvent(ctx context.Context, eventType, callID, operatorID, detail string) {
	if m.Audit == nil {
		return
	}
	m.Audit.CallEvent(ctx, eventType, callID, operatorID, detail)
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("call: malformed record: %w", err)
	}
	return rec, nil
}
