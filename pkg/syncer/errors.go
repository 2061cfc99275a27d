package syncer

import "errors"

var (
	// ErrSyncFailed is returned when a queued write exhausted its replay
	// attempts. The record is flagged sync_failed, never dropped.
	ErrSyncFailed = errors.New("sync failed after exhausting replay attempts")

	// ErrInvalidTransition is returned when a state change outside the
	// allowed graph is attempted.
	ErrInvalidTransition = errors.New("invalid sync state transition")
)
