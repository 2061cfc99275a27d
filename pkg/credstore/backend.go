package credstore

import (
	"context"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/credential"
)

// Backend is the storage SPI implemented by both the durable and the cache
// side of the store. Implementations must wrap connectivity failures in
// ErrStorageUnavailable so the store can tell "backend down" from "bad data".
type Backend interface {
	// Get returns the active (non-archived) credential for the user,
	// preferring an enabled record, or ErrCredentialNotFound.
	Get(ctx context.Context, userID string) (*credential.Credential, error)

	// Put upserts the active credential for the user.
	Put(ctx context.Context, cred *credential.Credential) error

	// Delete removes every record for the user.
	Delete(ctx context.Context, userID string) error

	// List returns all stored records, including archived duplicates, for
	// migration scans.
	List(ctx context.Context) ([]*credential.Credential, error)

	// ConsumeBackupCode atomically flips the matching code's consumed flag
	// from false to true (compare-and-set, not read-then-write). Returns
	// ErrBackupCodeNotFound or ErrBackupCodeAlreadyUsed accordingly.
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) error

	// Archive marks every record for the user as archived except the one
	// created at keepCreatedAt, returning how many records were archived.
	// Used by duplicate-record migration; archived rows stay readable via
	// List but are invisible to Get.
	Archive(ctx context.Context, userID string, keepCreatedAt time.Time) (int, error)
}
