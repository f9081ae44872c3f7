package presence

import (
	"context"
	"testing"
	"time"

	"switchboard/internal/store"
)

func TestSetAvailability_LastWriteWins(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry(st, time.Second, nil)
	ctx := context.Background()

	if err := r.SetAvailability(ctx, "op-1", "Desk A", Available); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := r.SetAvailability(ctx, "op-1", "", Pending); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	p, err := r.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Availability != Pending {
		t.Fatalf("expected pending, got %q", p.Availability)
	}
	if p.DisplayID != "Desk A" {
		t.Fatalf("display id should survive state flips, got %q", p.DisplayID)
	}

	// Idempotent: repeating the same write changes nothing observable.
	if err := r.SetAvailability(ctx, "op-1", "", Pending); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	p, _ = r.Get(ctx, "op-1")
	if p.Availability != Pending {
		t.Fatalf("expected pending after repeat, got %q", p.Availability)
	}
}

func TestSetAvailability_RequiresOperator(t *testing.T) {
	r := NewRegistry(store.NewMemory(), time.Second, nil)
	if err := r.SetAvailability(context.Background(), "", "", Available); err == nil {
		t.Fatalf("expected error for empty operator id")
	}
}

func TestListAvailable_FiltersAndExcludes(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry(st, time.Second, nil)
	ctx := context.Background()

	seed := map[string]Availability{
		"op-1": Available,
		"op-2": Pending,
		"op-3": Available,
		"op-4": Unavailable,
	}
	for id, state := range seed {
		if err := r.SetAvailability(ctx, id, "", state); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	got, err := r.ListAvailable(ctx, "op-3")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].OperatorID != "op-1" {
		t.Fatalf("expected only op-1, got %+v", got)
	}

	all, err := r.ListAvailable(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].OperatorID != "op-1" || all[1].OperatorID != "op-3" {
		t.Fatalf("expected sorted [op-1 op-3], got %+v", all)
	}
}

func TestWatchAvailable_SendsInitialSnapshot(t *testing.T) {
	st := store.NewMemory()
	r := NewRegistry(st, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.SetAvailability(ctx, "op-1", "", Available); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ch := r.WatchAvailable(ctx, "")
	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0].OperatorID != "op-1" {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("no initial snapshot")
	}

	if err := r.SetAvailability(ctx, "op-2", "", Available); err != nil {
		t.Fatalf("add op-2: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap) == 2 {
				return
			}
		case <-deadline:
			t.Fatalf("never observed op-2 in snapshot")
		}
	}
}
