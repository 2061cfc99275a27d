package audit

import "errors"

var (
	// ErrEventValidation indicates the event is missing required fields.
	ErrEventValidation = errors.New("event validation failed")

	// ErrStorageNotAvailable indicates the storage backend is unavailable.
	ErrStorageNotAvailable = errors.New("audit storage backend is unavailable")
)
