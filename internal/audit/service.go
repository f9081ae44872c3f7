package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
	// AppendBatch persists a group of related events together; backends
	// with transactions write all of them or none.
	AppendBatch(ctx context.Context, events []Event) error
	// Recent returns the newest events, capped at limit.
	Recent(ctx context.Context, limit int) ([]Event, error)
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service logs routing actions for internal ops. Audit is internal-only
// and best-effort: the CallEvent/RoomEvent recorders swallow failures
// after logging them, so a broken audit sink never stalls a call.
type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, clock: time.Now, log: log}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// AppendBatch stamps and persists a group of related events in one
// repository write.
func (s *Service) AppendBatch(ctx context.Context, events []Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	now := s.clock().UTC()
	for i := range events {
		if events[i].Type == "" {
			return ErrInvalidEvent
		}
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
	}
	return s.repo.AppendBatch(ctx, events)
}

// Recent returns the newest events for the admin audit endpoint.
func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.Recent(ctx, limit)
}

// CallEvent records one call transition. Errors are logged and dropped.
func (s *Service) CallEvent(ctx context.Context, eventType, callID, operatorID, detail string) {
	err := s.Append(ctx, Event{
		Type:       eventType,
		CallID:     callID,
		OperatorID: operatorID,
		Detail:     detail,
	})
	if err != nil {
		s.log.Warn("audit append failed", "type", eventType, "call_id", callID, "err", err)
	}
}

// RoomEvent records one conference membership change. Errors are logged
// and dropped.
func (s *Service) RoomEvent(ctx context.Context, eventType, roomID, operatorID, detail string) {
	err := s.Append(ctx, Event{
		Type:       eventType,
		RoomID:     roomID,
		OperatorID: operatorID,
		Detail:     detail,
	})
	if err != nil {
		s.log.Warn("audit append failed", "type", eventType, "room_id", roomID, "err", err)
	}
}

// RoomEvents records one membership change per operator as a single
// batch, so a multi-target invite lands atomically on transactional
// backends. Errors are logged and dropped.
func (s *Service) RoomEvents(ctx context.Context, eventType, roomID string, operatorIDs []string, detail string) {
	if len(operatorIDs) == 0 {
		return
	}
	events := make([]Event, len(operatorIDs))
	for i, op := range operatorIDs {
		events[i] = Event{
			Type:       eventType,
			RoomID:     roomID,
			OperatorID: op,
			Detail:     detail,
		}
	}
	if err := s.AppendBatch(ctx, events); err != nil {
		s.log.Warn("audit batch append failed", "type", eventType, "room_id", roomID, "err", err)
	}
}
