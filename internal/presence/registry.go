package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"switchboard/internal/store"
)

// Availability is an operator's routing state.
//
// Invariant: an operator is pending/unavailable iff they own at least one
// non-terminal call record. The cleanup manager repairs drift.
type Availability string

const (
	Available   Availability = "available"
	Pending     Availability = "pending"
	Unavailable Availability = "unavailable"
)

// OperatorPresence is one operator's presence record, stored at
// presence/{operatorId}.
type OperatorPresence struct {
	OperatorID   string       `json:"operator_id"`
	DisplayID    string       `json:"display_id,omitempty"`
	Availability Availability `json:"availability"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// PathFor returns the store path of an operator's presence record.
func PathFor(operatorID string) string { return "presence/" + operatorID }

const pathPrefix = "presence/"

// DefaultPollInterval bounds how stale a watched presence snapshot can be.
// The store's push channel is per-path, not per-query, so the available set
// is refreshed by polling.
const DefaultPollInterval = 10 * time.Second

var ErrInvalidOperator = errors.New("presence: operator_id required")

// Registry owns all presence mutation. Presence writes are best-effort:
// they never block call progress, and callers log-and-retry rather than
// fail a call on a presence error.
type Registry struct {
	store store.Store
	now   func() time.Time
	poll  time.Duration
	log   *slog.Logger
}

func NewRegistry(st store.Store, poll time.Duration, log *slog.Logger) *Registry {
	if poll <= 0 || poll > DefaultPollInterval {
		poll = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: st, now: time.Now, poll: poll, log: log}
}

// SetAvailability writes an operator's availability, last-write-wins.
// DisplayID is preserved when empty so state flips don't erase sign-in info.
func (r *Registry) SetAvailability(ctx context.Context, operatorID, displayID string, state Availability) error {
	if operatorID == "" {
		return ErrInvalidOperator
	}
	fields := map[string]any{
		"operator_id":  operatorID,
		"availability": state,
		"updated_at":   r.now().UTC().Format(time.RFC3339Nano),
	}
	if displayID != "" {
		fields["display_id"] = displayID
	}
	return r.store.Update(ctx, PathFor(operatorID), fields)
}

// Get returns one operator's presence record.
func (r *Registry) Get(ctx context.Context, operatorID string) (OperatorPresence, error) {
	var p OperatorPresence
	if operatorID == "" {
		return p, ErrInvalidOperator
	}
	if err := store.GetJSON(ctx, r.store, PathFor(operatorID), &p); err != nil {
		return OperatorPresence{}, err
	}
	return p, nil
}

// ListAvailable snapshots operators currently marked available, excluding
// the given operator id (pass "" to exclude no one). Results are sorted for
// deterministic selection tests.
func (r *Registry) ListAvailable(ctx context.Context, excluding string) ([]OperatorPresence, error) {
	records, err := r.store.List(ctx, pathPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]OperatorPresence, 0, len(records))
	for path, raw := range records {
		var p OperatorPresence
		if err := json.Unmarshal(raw, &p); err != nil {
			r.log.Warn("skipping malformed presence record", "path", path, "err", err)
			continue
		}
		if p.Availability != Available || p.OperatorID == excluding {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperatorID < out[j].OperatorID })
	return out, nil
}

// WatchAvailable streams snapshots of the available set at the registry's
// poll interval until ctx is done. An initial snapshot is sent immediately.
// Poll failures are logged and retried on the next tick, never fatal.
func (r *Registry) WatchAvailable(ctx context.Context, excluding string) <-chan []OperatorPresence {
	out := make(chan []OperatorPresence, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		for {
			snapshot, err := r.ListAvailable(ctx, excluding)
			if err != nil {
				r.log.Warn("presence poll failed", "err", err)
			} else {
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
