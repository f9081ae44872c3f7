package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"switchboard/internal/call"
	"switchboard/internal/conference"
	"switchboard/internal/presence"
	"switchboard/internal/store"
)

type stubPresence struct {
	mu    sync.Mutex
	state map[string]presence.Availability
}

func newStubPresence() *stubPresence {
	return &stubPresence{state: make(map[string]presence.Availability)}
}

func (s *stubPresence) SetAvailability(_ context.Context, operatorID, _ string, state presence.Availability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[operatorID] = state
	return nil
}

func (s *stubPresence) get(operatorID string) presence.Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[operatorID]
}

func newTestManager(now time.Time) (*Manager, *store.Memory, *stubPresence) {
	st := store.NewMemory()
	pres := newStubPresence()
	m := NewManager(st, pres, nil)
	m.Now = func() time.Time { return now }
	return m, st, pres
}

func seedCall(t *testing.T, st *store.Memory, rec call.Record) {
	t.Helper()
	if err := store.SetJSON(context.Background(), st, call.RecordPath(rec.OwnerOperatorID, rec.CallID), rec); err != nil {
		t.Fatalf("seed call: %v", err)
	}
}

func seedPresenceRecord(t *testing.T, st *store.Memory, operatorID string, state presence.Availability) {
	t.Helper()
	p := presence.OperatorPresence{OperatorID: operatorID, Availability: state}
	if err := store.SetJSON(context.Background(), st, presence.PathFor(operatorID), p); err != nil {
		t.Fatalf("seed presence: %v", err)
	}
}

func TestSweep_ExpiresAbandonedPending(t *testing.T) {
	now := time.Now()
	m, st, pres := newTestManager(now)
	ctx := context.Background()

	seedCall(t, st, call.Record{
		CallID: "old", OwnerOperatorID: "op-a", Status: call.StatusPending,
		UpdatedAt: now.Add(-25 * time.Second),
	})
	seedCall(t, st, call.Record{
		CallID: "fresh", OwnerOperatorID: "op-b", Status: call.StatusPending,
		UpdatedAt: now.Add(-5 * time.Second),
	})

	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := st.Get(ctx, call.RecordPath("op-a", "old")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired pending should be removed, got %v", err)
	}
	if _, err := st.Get(ctx, call.RecordPath("op-b", "fresh")); err != nil {
		t.Fatalf("fresh pending should survive: %v", err)
	}
	if pres.get("op-a") != presence.Available {
		t.Fatalf("owner of expired pending should be restored, got %q", pres.get("op-a"))
	}
}

func TestSweep_ForwardedPendingUsesShorterTTL(t *testing.T) {
	now := time.Now()
	m, st, pres := newTestManager(now)
	ctx := context.Background()

	// Forwarded copy is 8s old: past the 5s forwarded TTL, under the
	// plain 20s one. The forwarding source record must go with it.
	seedCall(t, st, call.Record{
		CallID: "c1", OwnerOperatorID: "op-target", Status: call.StatusPending,
		ForwardedFrom: "op-src", UpdatedAt: now.Add(-8 * time.Second),
	})
	seedCall(t, st, call.Record{
		CallID: "c1", OwnerOperatorID: "op-src", Status: call.StatusForwarding,
		ForwardedTo: "op-target", UpdatedAt: now.Add(-8 * time.Second),
	})

	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := st.Get(ctx, call.RecordPath("op-target", "c1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("forwarded copy should be removed, got %v", err)
	}
	if _, err := st.Get(ctx, call.RecordPath("op-src", "c1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("forwarding source should be reclaimed, got %v", err)
	}
	if pres.get("op-target") != presence.Available || pres.get("op-src") != presence.Available {
		t.Fatalf("both operators should be restored: target=%q src=%q",
			pres.get("op-target"), pres.get("op-src"))
	}
}

func TestSweep_ForwardingWithLiveTargetSurvives(t *testing.T) {
	now := time.Now()
	m, st, _ := newTestManager(now)
	ctx := context.Background()

	seedCall(t, st, call.Record{
		CallID: "c1", OwnerOperatorID: "op-src", Status: call.StatusForwarding,
		ForwardedTo: "op-target", UpdatedAt: now.Add(-40 * time.Second),
	})
	seedCall(t, st, call.Record{
		CallID: "c1", OwnerOperatorID: "op-target", Status: call.StatusPending,
		ForwardedFrom: "op-src", UpdatedAt: now.Add(-2 * time.Second),
	})

	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := st.Get(ctx, call.RecordPath("op-src", "c1")); err != nil {
		t.Fatalf("source with a live target must survive: %v", err)
	}
}

func TestSweep_RemovesLingeringEnded(t *testing.T) {
	now := time.Now()
	m, st, _ := newTestManager(now)
	ctx := context.Background()

	seedCall(t, st, call.Record{
		CallID: "c1", OwnerOperatorID: "op-a", Status: call.StatusEnded,
		UpdatedAt: now.Add(-15 * time.Second),
	})
	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := st.Get(ctx, call.RecordPath("op-a", "c1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("lingering ended record should be removed, got %v", err)
	}
}

func TestSweep_RepairsOrphanedPendingPresence(t *testing.T) {
	now := time.Now()
	m, st, pres := newTestManager(now)
	ctx := context.Background()

	// op-a is pending with no record anywhere; op-b is pending with a
	// live pending call; op-c is unavailable and must be left alone.
	seedPresenceRecord(t, st, "op-a", presence.Pending)
	seedPresenceRecord(t, st, "op-b", presence.Pending)
	seedPresenceRecord(t, st, "op-c", presence.Unavailable)
	seedCall(t, st, call.Record{
		CallID: "c1", OwnerOperatorID: "op-b", Status: call.StatusPending,
		UpdatedAt: now,
	})

	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if pres.get("op-a") != presence.Available {
		t.Fatalf("orphaned pending should be repaired, got %q", pres.get("op-a"))
	}
	if got := pres.get("op-b"); got != "" {
		t.Fatalf("busy operator must not be touched, got %q", got)
	}
	if got := pres.get("op-c"); got != "" {
		t.Fatalf("unavailable operator must not be touched, got %q", got)
	}
}

func TestSweep_RemovesRetiredRooms(t *testing.T) {
	now := time.Now()
	m, st, _ := newTestManager(now)
	ctx := context.Background()

	ended := conference.Room{
		RoomID: "r1", HostOperatorID: "host", Status: conference.StatusEnded,
		UpdatedAt: now.Add(-2 * time.Minute),
	}
	if err := store.SetJSON(ctx, st, conference.RoomPath("r1"), ended); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	member := conference.Participant{OperatorID: "op-a", JoinStatus: conference.JoinJoined}
	if err := store.SetJSON(ctx, st, conference.ParticipantPath("r1", "op-a"), member); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	inv := conference.Invitation{RoomID: "r1", InvitedOperatorID: "op-b", Status: conference.InvitePending}
	if err := store.SetJSON(ctx, st, conference.InvitationPath("op-b", "r1"), inv); err != nil {
		t.Fatalf("seed invitation: %v", err)
	}
	active := conference.Room{
		RoomID: "r2", HostOperatorID: "host", Status: conference.StatusActive,
		UpdatedAt: now.Add(-2 * time.Minute),
	}
	if err := store.SetJSON(ctx, st, conference.RoomPath("r2"), active); err != nil {
		t.Fatalf("seed active room: %v", err)
	}

	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, path := range []string{
		conference.RoomPath("r1"),
		conference.ParticipantPath("r1", "op-a"),
		conference.InvitationPath("op-b", "r1"),
	} {
		if _, err := st.Get(ctx, path); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%s should be removed, got %v", path, err)
		}
	}
	if _, err := st.Get(ctx, conference.RoomPath("r2")); err != nil {
		t.Fatalf("active room must survive: %v", err)
	}
}

type stubLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	released bool
}

func (l *stubLock) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return l.held, nil
}

func (l *stubLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func TestRun_SkipsSweepWithoutLease(t *testing.T) {
	now := time.Now()
	m, st, _ := newTestManager(now)
	m.Interval = 10 * time.Millisecond
	lock := &stubLock{held: false}
	m.Lock = lock

	seedCall(t, st, call.Record{
		CallID: "old", OwnerOperatorID: "op-a", Status: call.StatusPending,
		UpdatedAt: now.Add(-time.Minute),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	// Never held the lease, so the stale record is untouched.
	if _, err := st.Get(context.Background(), call.RecordPath("op-a", "old")); err != nil {
		t.Fatalf("record should survive without the lease: %v", err)
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.acquires == 0 {
		t.Fatalf("lease was never attempted")
	}
	if !lock.released {
		t.Fatalf("lease should be released on shutdown")
	}
}

func TestRun_SweepsWhenLeaseHeld(t *testing.T) {
	now := time.Now()
	m, st, _ := newTestManager(now)
	m.Interval = 10 * time.Millisecond
	m.Lock = &stubLock{held: true}

	seedCall(t, st, call.Record{
		CallID: "old", OwnerOperatorID: "op-a", Status: call.StatusPending,
		UpdatedAt: now.Add(-time.Minute),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if _, err := st.Get(context.Background(), call.RecordPath("op-a", "old")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale record should be swept, got %v", err)
	}
}
