package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger records audit events.
type Logger interface {
	Log(ctx context.Context, action string, opts ...EventOption) error
}

// Storage persists audit events. Implementations decide durability; the
// logger itself never buffers or drops events.
type Storage interface {
	Store(ctx context.Context, event Event) error
}

type logger struct {
	storage         Storage
	userIDExtractor func(context.Context) (string, bool)
}

// Option configures the logger.
type Option func(*logger)

// WithUserIDExtractor registers a function that pulls the acting user from
// the request context, so call sites do not have to thread the ID manually.
func WithUserIDExtractor(fn func(context.Context) (string, bool)) Option {
	return func(l *logger) {
		l.userIDExtractor = fn
	}
}

// NewLogger creates an audit logger backed by the given storage.
func NewLogger(storage Storage, opts ...Option) Logger {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}

	l := &logger{storage: storage}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *logger) Log(ctx context.Context, action string, opts ...EventOption) error {
	event := Event{
		ID:        uuid.New().String(),
		Action:    action,
		CreatedAt: time.Now(),
	}

	if l.userIDExtractor != nil {
		if userID, ok := l.userIDExtractor(ctx); ok {
			event.UserID = userID
		}
	}

	for _, opt := range opts {
		opt(&event)
	}

	if err := event.Validate(); err != nil {
		return err
	}

	return l.storage.Store(ctx, event)
}
