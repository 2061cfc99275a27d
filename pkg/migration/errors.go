package migration

import "errors"

var (
	// ErrNoSecret is returned when a record holds no secret material to
	// repair.
	ErrNoSecret = errors.New("credential has no secret to repair")

	// ErrScanFailed is returned when the durable backend cannot be listed.
	ErrScanFailed = errors.New("failed to scan credential records")
)
