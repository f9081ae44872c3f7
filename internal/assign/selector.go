package assign

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"switchboard/internal/call"
	"switchboard/internal/presence"
	"switchboard/internal/store"
)

// Selector assigns an incoming call to an available operator.
//
// The selection is best-effort and non-transactional: it reads the available
// set, picks uniformly at random (no load-based tie-break), marks the chosen
// operator pending and writes the pending call record. Two selectors racing
// under skew can pick the same operator; the accept path's conditional
// update bounds the damage, so a double-assignment only means the second
// call keeps waiting or is retried, never double-accepted.

type Selector struct {
	Store    store.Store
	Presence PresenceDirectory

	// RNG drives the uniform pick; injected for deterministic tests.
	RNG *rand.Rand
	Now func() time.Time

	// PollInterval is how often the available set is re-read while every
	// operator is busy.
	PollInterval time.Duration

	// OnAllBusy, when set, is invoked once per empty poll so the caller UI
	// can show a waiting state. Never a hard failure.
	OnAllBusy func(callID string)

	// Audit, when set, records assignments. Best-effort.
	Audit Auditor

	Log *slog.Logger

	rngMu sync.Mutex
}

// PresenceDirectory is the slice of the presence registry the selector
// needs: snapshotting the available set and funneling presence mutation
// through the registry's API.
type PresenceDirectory interface {
	ListAvailable(ctx context.Context, excluding string) ([]presence.OperatorPresence, error)
	SetAvailability(ctx context.Context, operatorID, displayID string, state presence.Availability) error
}

// Auditor records assignment decisions.
type Auditor interface {
	CallEvent(ctx context.Context, eventType, callID, operatorID, detail string)
}

// Request carries everything the caller's client published for a new call.
type Request struct {
	CallID      string
	CallerRef   string
	SessionID   string
	PeerAddress string
}

const DefaultPollInterval = 5 * time.Second

var ErrInvalidRequest = errors.New("assign: call_id and caller_ref required")

func NewSelector(st store.Store, dir PresenceDirectory, rng *rand.Rand, log *slog.Logger) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		Store:        st,
		Presence:     dir,
		RNG:          rng,
		Now:          time.Now,
		PollInterval: DefaultPollInterval,
		Log:          log,
	}
}

// Assign blocks until an operator is available (polling at PollInterval) or
// ctx is done, then publishes the pending call record under the chosen
// operator's queue and returns it.
func (s *Selector) Assign(ctx context.Context, req Request) (call.Record, error) {
	if req.CallID == "" || req.CallerRef == "" {
		return call.Record{}, ErrInvalidRequest
	}

	// Reclaim stale pending records left behind by a previous attempt from
	// the same caller endpoint before creating a new one.
	if err := s.CleanupStale(ctx, req.CallerRef); err != nil {
		s.Log.Warn("stale record cleanup failed", "caller_ref", req.CallerRef, "err", err)
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		available, err := s.Presence.ListAvailable(ctx, "")
		if err != nil {
			s.Log.Warn("available-operator poll failed", "err", err)
		} else if len(available) > 0 {
			return s.place(ctx, req, available)
		} else if s.OnAllBusy != nil {
			s.OnAllBusy(req.CallID)
		}

		select {
		case <-ctx.Done():
			return call.Record{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Selector) place(ctx context.Context, req Request, available []presence.OperatorPresence) (call.Record, error) {
	target := available[s.pick(len(available))]

	// Read-then-write, deliberately unguarded: the chosen operator may go
	// unavailable between selection and this write. Preserved best-effort
	// behavior; accept's CAS is the real gate.
	if err := s.Presence.SetAvailability(ctx, target.OperatorID, "", presence.Pending); err != nil {
		return call.Record{}, err
	}

	now := s.Now().UTC()
	rec := call.Record{
		CallID:          req.CallID,
		OwnerOperatorID: target.OperatorID,
		CallerRef:       req.CallerRef,
		SessionID:       req.SessionID,
		PeerAddress:     req.PeerAddress,
		Status:          call.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.Retry(ctx, 3, 200*time.Millisecond, func() error {
		return store.SetJSON(ctx, s.Store, call.RecordPath(target.OperatorID, req.CallID), rec)
	}); err != nil {
		return call.Record{}, err
	}

	if s.Audit != nil {
		s.Audit.CallEvent(ctx, "call_assigned", req.CallID, target.OperatorID, "caller_ref="+req.CallerRef)
	}
	s.Log.Info("call assigned", "call_id", req.CallID, "operator_id", target.OperatorID)
	return rec, nil
}

// CleanupStale removes pending records this caller endpoint previously
// created and restores the affected operators. Safe to repeat.
func (s *Selector) CleanupStale(ctx context.Context, callerRef string) error {
	records, err := s.Store.List(ctx, call.QueueRootPrefix)
	if err != nil {
		return err
	}
	for path, raw := range records {
		var rec call.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.CallerRef != callerRef || rec.Status != call.StatusPending {
			continue
		}
		if err := s.Store.Remove(ctx, path); err != nil {
			s.Log.Warn("removing stale record failed", "path", path, "err", err)
			continue
		}
		if err := s.Presence.SetAvailability(ctx, rec.OwnerOperatorID, "", presence.Available); err != nil {
			s.Log.Warn("restoring presence failed", "operator_id", rec.OwnerOperatorID, "err", err)
		}
	}
	return nil
}

func (s *Selector) pick(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.RNG.Intn(n)
}
