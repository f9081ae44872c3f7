package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and single-node deployments.
// It honors the same per-path atomicity and notification-ordering contract
// as the Redis-backed store.

type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
	subs    map[int]*memorySub
	nextSub int
}

type memorySub struct {
	pattern string
	ch      chan Event
}

// Event buffer per subscriber. Consumers that fall further behind than this
// miss intermediate events and must re-read, matching the documented
// Subscribe contract.
const memorySubBuffer = 64

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string][]byte),
		subs:    make(map[int]*memorySub),
	}
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.records[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, path string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(path, value)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := mergeFields(m.records[path], fields)
	if err != nil {
		return err
	}
	m.setLocked(path, merged)
	return nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[path]; !ok {
		return nil
	}
	delete(m.records, path)
	m.notifyLocked(Event{Path: path, Value: nil})
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for p, raw := range m.records {
		if strings.HasPrefix(p, prefix) {
			cp := make([]byte, len(raw))
			copy(cp, raw)
			out[p] = cp
		}
	}
	return out, nil
}

func (m *Memory) ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.records[path])
	if err != nil {
		return err
	}
	if next == nil {
		if _, ok := m.records[path]; ok {
			delete(m.records, path)
			m.notifyLocked(Event{Path: path, Value: nil})
		}
		return nil
	}
	m.setLocked(path, next)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	sub := &memorySub{pattern: pattern, ch: make(chan Event, memorySubBuffer)}
	m.subs[id] = sub

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, stop, nil
}

func (m *Memory) setLocked(path string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.records[path] = cp
	m.notifyLocked(Event{Path: path, Value: cp})
}

func (m *Memory) notifyLocked(ev Event) {
	for _, sub := range m.subs {
		if !MatchPattern(sub.pattern, ev.Path) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is behind; it will re-read on its next event.
		}
	}
}
