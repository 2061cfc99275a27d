package audit

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryStorage keeps events in memory. Intended for tests and for embedding
// the core without an external audit collaborator.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Store(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of everything stored so far.
func (s *MemoryStorage) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByAction returns stored events matching the given action.
func (s *MemoryStorage) ByAction(action string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// SlogStorage ships audit events to a structured logger. Useful when the
// deployment's audit collaborator is a log pipeline rather than a database.
type SlogStorage struct {
	log *slog.Logger
}

func NewSlogStorage(log *slog.Logger) *SlogStorage {
	if log == nil {
		log = slog.Default()
	}
	return &SlogStorage{log: log}
}

func (s *SlogStorage) Store(ctx context.Context, event Event) error {
	s.log.InfoContext(ctx, "audit event",
		slog.String("event_id", event.ID),
		slog.String("action", event.Action),
		slog.String("user_id", event.UserID),
		slog.Time("created_at", event.CreatedAt),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}
