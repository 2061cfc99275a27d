package audit

import (
	"fmt"
	"time"
)

// Event is a single audit log entry emitted by the MFA core. Events carry the
// user identifier and timestamp of the action; they must never carry secret
// material or submitted code values.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks that the event has all required fields.
func (e *Event) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: action is required", ErrEventValidation)
	}
	return nil
}

// EventOption applies configuration to an Event during creation.
type EventOption func(*Event)

// WithUser sets the user the event is about, overriding any value extracted
// from the context.
func WithUser(userID string) EventOption {
	return func(e *Event) {
		e.UserID = userID
	}
}

// WithMetadata attaches a metadata key/value pair to the event.
func WithMetadata(key string, value any) EventOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}
