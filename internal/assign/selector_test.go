package assign

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"switchboard/internal/call"
	"switchboard/internal/presence"
	"switchboard/internal/store"
)

func newSelectorUnderTest(st *store.Memory) (*Selector, *presence.Registry) {
	reg := presence.NewRegistry(st, time.Second, nil)
	s := NewSelector(st, reg, rand.New(rand.NewSource(1)), nil)
	s.PollInterval = 20 * time.Millisecond
	return s, reg
}

func TestAssign_PicksAvailableOperatorAndWritesRecord(t *testing.T) {
	st := store.NewMemory()
	s, reg := newSelectorUnderTest(st)
	ctx := context.Background()

	for _, op := range []string{"op-a", "op-b"} {
		if err := reg.SetAvailability(ctx, op, "", presence.Available); err != nil {
			t.Fatalf("seed %s: %v", op, err)
		}
	}

	rec, err := s.Assign(ctx, Request{CallID: "call-1", CallerRef: "kiosk-1", SessionID: "sess-1", PeerAddress: "peer-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if rec.OwnerOperatorID != "op-a" && rec.OwnerOperatorID != "op-b" {
		t.Fatalf("assigned to unknown operator %q", rec.OwnerOperatorID)
	}
	if rec.Status != call.StatusPending {
		t.Fatalf("expected pending record, got %q", rec.Status)
	}

	var stored call.Record
	if err := store.GetJSON(ctx, st, call.RecordPath(rec.OwnerOperatorID, "call-1"), &stored); err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if stored.CallerRef != "kiosk-1" || stored.SessionID != "sess-1" || stored.PeerAddress != "peer-1" {
		t.Fatalf("record lost request fields: %+v", stored)
	}

	p, err := reg.Get(ctx, rec.OwnerOperatorID)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.Availability != presence.Pending {
		t.Fatalf("chosen operator should be pending, got %q", p.Availability)
	}
}

func TestAssign_WaitsWhileAllBusy(t *testing.T) {
	st := store.NewMemory()
	s, reg := newSelectorUnderTest(st)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var busyPolls atomic.Int32
	s.OnAllBusy = func(string) { busyPolls.Add(1) }

	// Everyone is busy; free one operator after a few polls.
	if err := reg.SetAvailability(ctx, "op-a", "", presence.Unavailable); err != nil {
		t.Fatalf("seed: %v", err)
	}
	go func() {
		time.Sleep(70 * time.Millisecond)
		_ = reg.SetAvailability(context.Background(), "op-a", "", presence.Available)
	}()

	rec, err := s.Assign(ctx, Request{CallID: "call-1", CallerRef: "kiosk-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if rec.OwnerOperatorID != "op-a" {
		t.Fatalf("expected op-a, got %q", rec.OwnerOperatorID)
	}
	if busyPolls.Load() == 0 {
		t.Fatalf("expected at least one all-busy report")
	}
}

func TestAssign_CancelledWhileWaiting(t *testing.T) {
	st := store.NewMemory()
	s, _ := newSelectorUnderTest(st)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := s.Assign(ctx, Request{CallID: "call-1", CallerRef: "kiosk-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestAssign_RejectsInvalidRequest(t *testing.T) {
	s, _ := newSelectorUnderTest(store.NewMemory())
	if _, err := s.Assign(context.Background(), Request{CallerRef: "kiosk-1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := s.Assign(context.Background(), Request{CallID: "c"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCleanupStale_ReclaimsAbandonedPending(t *testing.T) {
	st := store.NewMemory()
	s, reg := newSelectorUnderTest(st)
	ctx := context.Background()

	if err := reg.SetAvailability(ctx, "op-a", "", presence.Pending); err != nil {
		t.Fatalf("seed presence: %v", err)
	}
	stale := call.Record{
		CallID: "old-call", OwnerOperatorID: "op-a", CallerRef: "kiosk-1",
		Status: call.StatusPending,
	}
	if err := store.SetJSON(ctx, st, call.RecordPath("op-a", "old-call"), stale); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	// An in-progress call from another caller must not be touched.
	live := call.Record{
		CallID: "live-call", OwnerOperatorID: "op-a", CallerRef: "kiosk-2",
		Status: call.StatusInProgress,
	}
	if err := store.SetJSON(ctx, st, call.RecordPath("op-a", "live-call"), live); err != nil {
		t.Fatalf("seed live record: %v", err)
	}

	if err := s.CleanupStale(ctx, "kiosk-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := st.Get(ctx, call.RecordPath("op-a", "old-call")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale record should be removed, got %v", err)
	}
	if _, err := st.Get(ctx, call.RecordPath("op-a", "live-call")); err != nil {
		t.Fatalf("live record should survive, got %v", err)
	}
	p, _ := reg.Get(ctx, "op-a")
	if p.Availability != presence.Available {
		t.Fatalf("operator should be restored, got %q", p.Availability)
	}
}
