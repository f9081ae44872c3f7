package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"switchboard/internal/store"
)

func TestAppendAndGet(t *testing.T) {
	s := NewService(store.NewMemory(), nil)
	ctx := context.Background()

	msgs := []Message{
		{Sender: "caller", Text: "hello"},
		{Sender: "bot", Text: "an operator will be with you shortly"},
	}
	for _, m := range msgs {
		if err := s.Append(ctx, "sess-1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tr, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(tr.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(tr.Messages))
	}
	if tr.Messages[0].Text != "hello" || tr.Messages[1].Sender != "bot" {
		t.Fatalf("messages out of order: %+v", tr.Messages)
	}
	if tr.Messages[0].SentAt.IsZero() {
		t.Fatalf("append should stamp SentAt")
	}
}

func TestAppend_ConcurrentWritersLoseNothing(t *testing.T) {
	s := NewService(store.NewMemory(), nil)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(ctx, "sess-1", Message{Sender: "caller", Text: "x", SentAt: time.Now()})
		}()
	}
	wg.Wait()

	tr, err := s.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(tr.Messages) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(tr.Messages))
	}
}

func TestGet_UnknownSessionIsEmpty(t *testing.T) {
	s := NewService(store.NewMemory(), nil)
	tr, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tr.SessionID != "nope" || len(tr.Messages) != 0 {
		t.Fatalf("expected empty transcript, got %+v", tr)
	}
}

func TestClear_IsIdempotent(t *testing.T) {
	s := NewService(store.NewMemory(), nil)
	ctx := context.Background()
	if err := s.Append(ctx, "sess-1", Message{Sender: "caller", Text: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Clear(ctx, "sess-1"); err != nil {
			t.Fatalf("clear %d: %v", i, err)
		}
	}
	tr, _ := s.Get(ctx, "sess-1")
	if len(tr.Messages) != 0 {
		t.Fatalf("transcript should be gone, got %+v", tr)
	}
}

func TestEmptySessionRejected(t *testing.T) {
	s := NewService(store.NewMemory(), nil)
	if err := s.Append(context.Background(), "", Message{}); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if err := s.Clear(context.Background(), ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}
