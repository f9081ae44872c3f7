package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"switchboard/internal/store"
)

var ErrInvalidSession = errors.New("history: session id required")

// Message is one line of a caller session's pre-call transcript, written
// by the kiosk while the caller waits and read by the operator on pickup.
type Message struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Transcript is the full session record, one store key per session.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Path returns the store path of a session's transcript.
func Path(sessionID string) string {
	return "chatHistory/" + sessionID
}

// Service keeps per-session transcripts in the record store. Appends use
// a conditional update so two concurrent writers never drop each other's
// lines.
type Service struct {
	Store store.Store
	Now   func() time.Time
	Log   *slog.Logger
}

func NewService(st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{Store: st, Now: time.Now, Log: log}
}

// Append adds one message to the session transcript, creating the
// transcript on first write.
func (s *Service) Append(ctx context.Context, sessionID string, msg Message) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.Now()
	}
	appendMsg := func(raw []byte) ([]byte, error) {
		tr := Transcript{SessionID: sessionID}
		if raw != nil {
			if err := json.Unmarshal(raw, &tr); err != nil {
				return nil, err
			}
		}
		tr.Messages = append(tr.Messages, msg)
		tr.UpdatedAt = s.Now()
		return json.Marshal(tr)
	}
	return s.Store.ConditionalUpdate(ctx, Path(sessionID), appendMsg)
}

// Get returns the session transcript. A session that never chatted
// yields an empty transcript, not an error.
func (s *Service) Get(ctx context.Context, sessionID string) (Transcript, error) {
	if sessionID == "" {
		return Transcript{}, ErrInvalidSession
	}
	var tr Transcript
	if err := store.GetJSON(ctx, s.Store, Path(sessionID), &tr); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Transcript{SessionID: sessionID}, nil
		}
		return Transcript{}, err
	}
	return tr, nil
}

// Clear removes the session transcript. Called when the call ends so the
// next caller on the same kiosk starts clean. Idempotent.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	if err := s.Store.Remove(ctx, Path(sessionID)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
