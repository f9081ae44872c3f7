package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestMemory_SetGetRemove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Get(ctx, "presence/op-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Set(ctx, "presence/op-1", []byte(`{"availability":"available"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := m.Get(ctx, "presence/op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(raw) != `{"availability":"available"}` {
		t.Fatalf("unexpected value %s", raw)
	}

	if err := m.Remove(ctx, "presence/op-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Get(ctx, "presence/op-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	// Removing again must stay a no-op.
	if err := m.Remove(ctx, "presence/op-1"); err != nil {
		t.Fatalf("idempotent remove: %v", err)
	}
}

func TestMemory_UpdateMergesFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "p", []byte(`{"a":"1","b":"2"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Update(ctx, "p", map[string]any{"b": "3", "c": "4"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	var got map[string]string
	if err := GetJSON(ctx, m, "p", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["a"] != "1" || got["b"] != "3" || got["c"] != "4" {
		t.Fatalf("unexpected merge result %v", got)
	}

	// Update on a missing path creates the record.
	if err := m.Update(ctx, "q", map[string]any{"x": "y"}); err != nil {
		t.Fatalf("update missing: %v", err)
	}
	if _, err := m.Get(ctx, "q"); err != nil {
		t.Fatalf("expected created record, got %v", err)
	}
}

func TestMemory_List(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	paths := []string{
		"operatorQueue/op-1/calls/c1",
		"operatorQueue/op-1/calls/c2",
		"operatorQueue/op-2/calls/c3",
	}
	for _, p := range paths {
		if err := m.Set(ctx, p, []byte(`{}`)); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
	}

	got, err := m.List(ctx, "operatorQueue/op-1/calls/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestMemory_ConditionalUpdate_OnlyOneWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "call", []byte(`{"status":"pending"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := m.ConditionalUpdate(ctx, "call", func(old []byte) ([]byte, error) {
				var rec map[string]any
				if err := json.Unmarshal(old, &rec); err != nil {
					return nil, err
				}
				if rec["status"] != "pending" {
					return nil, ErrAborted
				}
				rec["status"] = "in-progress"
				rec["winner"] = n
				return json.Marshal(rec)
			})
			if err == nil {
				wins <- n
			} else if !errors.Is(err, ErrAborted) {
				t.Errorf("racer %d: unexpected error %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
}

func TestMemory_SubscribeDeliversChangesAndTombstones(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	events, stop, err := m.Subscribe(ctx, "operatorQueue/op-1/calls/*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := m.Set(ctx, "operatorQueue/op-1/calls/c1", []byte(`{"status":"pending"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Set(ctx, "operatorQueue/op-2/calls/c9", []byte(`{}`)); err != nil {
		t.Fatalf("set other queue: %v", err)
	}
	if err := m.Remove(ctx, "operatorQueue/op-1/calls/c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ev := <-events
	if ev.Path != "operatorQueue/op-1/calls/c1" || ev.Value == nil {
		t.Fatalf("unexpected first event %+v", ev)
	}
	ev = <-events
	if ev.Path != "operatorQueue/op-1/calls/c1" || ev.Value != nil {
		t.Fatalf("expected tombstone for c1, got %+v", ev)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"presence/op-1", "presence/op-1", true},
		{"presence/op-1", "presence/op-2", false},
		{"operatorQueue/op-1/calls/*", "operatorQueue/op-1/calls/c1", true},
		{"operatorQueue/op-1/calls/*", "operatorQueue/op-2/calls/c1", false},
		{"invitation/op-3/*", "invitation/op-3/call-9", true},
		{"conferenceRoom/*/participants/*", "conferenceRoom/c1/participants/op-2", true},
		{"conferenceRoom/*/participants/*", "conferenceRoom/c1", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.pattern, c.path); got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}
