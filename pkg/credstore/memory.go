package credstore

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/credential"
)

// MemoryBackend is an in-process Backend. It serves as the default cache
// backend for single-node deployments and as the workhorse for tests: the
// availability toggle simulates a disconnected durable backend, and Append
// reproduces the duplicate records legacy stores accumulated before a
// uniqueness constraint existed.
type MemoryBackend struct {
	mu        sync.Mutex
	records   []*credential.Credential
	available bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{available: true}
}

// SetAvailable toggles simulated connectivity. While unavailable every
// operation returns ErrStorageUnavailable.
func (b *MemoryBackend) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = available
}

func (b *MemoryBackend) Get(_ context.Context, userID string) (*credential.Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil, ErrStorageUnavailable
	}

	if rec := b.activeLocked(userID); rec != nil {
		return rec.Clone(), nil
	}
	return nil, ErrCredentialNotFound
}

func (b *MemoryBackend) Put(_ context.Context, cred *credential.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrStorageUnavailable
	}

	if rec := b.activeLocked(cred.UserID); rec != nil {
		*rec = *cred.Clone()
		return nil
	}
	b.records = append(b.records, cred.Clone())
	return nil
}

// Append inserts a record without replacing an existing one for the same
// user, mirroring legacy stores that lacked a uniqueness constraint. Only
// migration tooling and tests should need it.
func (b *MemoryBackend) Append(_ context.Context, cred *credential.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrStorageUnavailable
	}
	b.records = append(b.records, cred.Clone())
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrStorageUnavailable
	}

	kept := b.records[:0]
	for _, rec := range b.records {
		if rec.UserID != userID {
			kept = append(kept, rec)
		}
	}
	b.records = kept
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]*credential.Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil, ErrStorageUnavailable
	}

	out := make([]*credential.Credential, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (b *MemoryBackend) ConsumeBackupCode(_ context.Context, userID, codeHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrStorageUnavailable
	}

	rec := b.activeLocked(userID)
	if rec == nil {
		return ErrCredentialNotFound
	}

	for i := range rec.BackupCodes {
		if rec.BackupCodes[i].Hash != codeHash {
			continue
		}
		// Compare-and-set under the backend lock: the flag flips exactly
		// once, the loser of a race gets ErrBackupCodeAlreadyUsed.
		if rec.BackupCodes[i].Consumed {
			return ErrBackupCodeAlreadyUsed
		}
		now := time.Now()
		rec.BackupCodes[i].Consumed = true
		rec.BackupCodes[i].ConsumedAt = &now
		rec.UpdatedAt = now
		return nil
	}
	return ErrBackupCodeNotFound
}

func (b *MemoryBackend) Archive(_ context.Context, userID string, keepCreatedAt time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return 0, ErrStorageUnavailable
	}

	archived := 0
	for _, rec := range b.records {
		if rec.UserID != userID || rec.Archived || rec.CreatedAt.Equal(keepCreatedAt) {
			continue
		}
		rec.Archived = true
		archived++
	}
	return archived, nil
}

// activeLocked returns the record Get would serve: enabled first, then the
// most recently updated non-archived one.
func (b *MemoryBackend) activeLocked(userID string) *credential.Credential {
	var best *credential.Credential
	for _, rec := range b.records {
		if rec.UserID != userID || rec.Archived {
			continue
		}
		switch {
		case best == nil:
			best = rec
		case rec.Enabled && !best.Enabled:
			best = rec
		case rec.Enabled == best.Enabled && rec.UpdatedAt.After(best.UpdatedAt):
			best = rec
		}
	}
	return best
}
