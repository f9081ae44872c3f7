package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Store is the shared record tree used to coordinate call routing.
//
// Records are JSON documents addressed by slash-separated paths, e.g.
// "operatorQueue/op-1/calls/call-7". The store guarantees per-path
// linearizable reads after a write by the same writer, and delivers change
// notifications to subscribers in commit order for a single path. There is
// no cross-path atomicity: multi-record operations must be written as
// independently-retriable steps whose intermediate states are valid for any
// concurrent watcher.
//
// ConditionalUpdate is the only compare-and-swap primitive; everything else
// is last-write-wins.

type Store interface {
	// Get returns the record at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Set overwrites (or creates) the record at path.
	Set(ctx context.Context, path string, value []byte) error

	// Update merges fields into the JSON object at path, creating the
	// record if it does not exist.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the record at path. Removing a missing record is not
	// an error.
	Remove(ctx context.Context, path string) error

	// List returns all records whose path starts with prefix, keyed by
	// full path.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// ConditionalUpdate atomically applies fn to the current record value
	// (nil if absent). fn returns the replacement value; a nil replacement
	// deletes the record. If fn returns an error the update is not applied
	// and the error is returned unchanged, so callers can abort with
	// ErrAborted (or a wrapped variant) when a precondition fails.
	ConditionalUpdate(ctx context.Context, path string, fn UpdateFunc) error

	// Subscribe delivers change events for every path matching pattern
	// ('*' matches any run of characters, including '/'). The stop
	// function releases the subscription and closes the channel. Slow
	// consumers may miss intermediate events and should re-read the
	// record; a deleted path is delivered as an Event with nil Value.
	Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error)
}

// UpdateFunc transforms a record value inside ConditionalUpdate.
type UpdateFunc func(old []byte) ([]byte, error)

// Event is a single record change.
type Event struct {
	Path  string
	Value []byte // nil when the record was removed
}

var (
	ErrNotFound = errors.New("store: record not found")

	// ErrAborted signals that a ConditionalUpdate precondition failed.
	ErrAborted = errors.New("store: conditional update aborted")
)

// GetJSON reads the record at path into out.
func GetJSON(ctx context.Context, s Store, path string, out any) error {
	raw, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// SetJSON marshals v and writes it at path.
func SetJSON(ctx context.Context, s Store, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, path, raw)
}

// MatchPattern reports whether path matches a subscription pattern.
// '*' matches any run of characters, including path separators, which
// mirrors the glob semantics of the Redis-backed store.
func MatchPattern(pattern, path string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == path
	}
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	rest := path[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(rest, parts[i])
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(parts[i]):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

// mergeFields merges fields into the JSON object in old (nil old starts from
// an empty object). Shared helper for the Update implementations.
func mergeFields(old []byte, fields map[string]any) ([]byte, error) {
	obj := map[string]any{}
	if len(old) > 0 {
		if err := json.Unmarshal(old, &obj); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		obj[k] = v
	}
	return json.Marshal(obj)
}
