package credstore

import "errors"

var (
	// ErrCredentialNotFound indicates no credential record exists for the user.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrStorageUnavailable indicates a backend could not be reached. The
	// store recovers from durable unavailability by degrading to the cache;
	// callers only see this error when every backend fails.
	ErrStorageUnavailable = errors.New("storage backend unavailable")

	// ErrBackupCodeNotFound indicates the submitted code hash is not among
	// the stored backup codes.
	ErrBackupCodeNotFound = errors.New("backup code not found")

	// ErrBackupCodeAlreadyUsed indicates the code was consumed before. The
	// consumed flag transitions false -> true exactly once; a lost race
	// surfaces as this error, never as a second success.
	ErrBackupCodeAlreadyUsed = errors.New("backup code already used")

	// ErrConflictUnresolved indicates both backends held records that could
	// not be ordered by timestamp. Resolution is deterministic (the durable
	// copy wins) and this is logged as a warning rather than returned, so the
	// sentinel exists mostly for tests and diagnostics.
	ErrConflictUnresolved = errors.New("conflicting records with equal timestamps")
)
