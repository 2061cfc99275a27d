package credstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/credential"
)

// Store composes a durable backend (authoritative, may be unreachable) and a
// cache backend (always reachable, may be stale) behind one policy:
//
//   - writes go durable-first and degrade to cache-only with pending_sync set;
//   - reads go durable-first and degrade to the cache with a stale flag;
//   - conflicts resolve wholesale to the record with the newer mutation
//     timestamp, the durable copy winning ties.
type Store struct {
	durable Backend
	cache   Backend
	log     *slog.Logger
	now     func() time.Time
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithLogger sets the logger used for degradation and conflict warnings.
func WithLogger(log *slog.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store over the given durable and cache backends.
func New(durable, cache Backend, opts ...StoreOption) *Store {
	if durable == nil || cache == nil {
		panic("credstore: both backends are required")
	}
	s := &Store{
		durable: durable,
		cache:   cache,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Durable exposes the authoritative backend for the sync coordinator and the
// migration service.
func (s *Store) Durable() Backend { return s.durable }

// Cache exposes the availability backend for the sync coordinator.
func (s *Store) Cache() Backend { return s.cache }

// ReadResult is a credential annotated with its provenance.
type ReadResult struct {
	Credential *credential.Credential
	// Stale is set when the durable backend was unreachable and the value
	// came from the cache.
	Stale bool
}

// Write persists the credential durable-first. On durable success the cache
// is refreshed to match and synced_at is stamped. When the durable backend is
// unreachable the record lands in the cache with pending_sync set and
// pending=true is returned so the caller can queue it for replay; the write
// itself does not fail.
func (s *Store) Write(ctx context.Context, cred *credential.Credential) (pending bool, err error) {
	now := s.now()
	cred.UpdatedAt = now

	if err := s.durable.Put(ctx, cred); err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			return false, err
		}
		cred.PendingSync = true
		if cacheErr := s.cache.Put(ctx, cred); cacheErr != nil {
			return false, errors.Join(ErrStorageUnavailable, err, cacheErr)
		}
		s.log.WarnContext(ctx, "durable backend unreachable, write cached for replay",
			slog.String("user_id", cred.UserID))
		return true, nil
	}

	cred.PendingSync = false
	cred.SyncedAt = &now
	if err := s.cache.Put(ctx, cred); err != nil {
		// Durable is the source of truth; a cache refresh failure degrades
		// read freshness but must not fail the write.
		s.log.WarnContext(ctx, "cache refresh failed after durable write",
			slog.String("user_id", cred.UserID), slog.Any("error", err))
	}
	return false, nil
}

// Read fetches the credential durable-first, refreshing the cache on success.
// A cache copy with a strictly newer mutation timestamp (an offline write not
// yet replayed) wins over the durable copy. When the durable backend is
// unreachable the cache value is returned with Stale set.
func (s *Store) Read(ctx context.Context, userID string) (ReadResult, error) {
	durCred, durErr := s.durable.Get(ctx, userID)
	switch {
	case durErr == nil:
		winner := s.resolve(ctx, durCred)
		if winner == durCred {
			if err := s.cache.Put(ctx, durCred); err != nil {
				s.log.WarnContext(ctx, "cache refresh failed on read",
					slog.String("user_id", userID), slog.Any("error", err))
			}
		}
		return ReadResult{Credential: winner}, nil

	case errors.Is(durErr, ErrCredentialNotFound):
		// A cache record still pending replay exists only locally; it is the
		// newest state by definition. A non-pending cache record with no
		// durable counterpart is a leftover the durable delete already won
		// against.
		if cached, err := s.cache.Get(ctx, userID); err == nil && cached.PendingSync {
			return ReadResult{Credential: cached}, nil
		}
		return ReadResult{}, ErrCredentialNotFound

	case errors.Is(durErr, ErrStorageUnavailable):
		cached, cacheErr := s.cache.Get(ctx, userID)
		if cacheErr != nil {
			if errors.Is(cacheErr, ErrCredentialNotFound) {
				return ReadResult{}, ErrCredentialNotFound
			}
			return ReadResult{}, errors.Join(ErrStorageUnavailable, durErr, cacheErr)
		}
		return ReadResult{Credential: cached, Stale: true}, nil

	default:
		return ReadResult{}, durErr
	}
}

// Delete removes the credential from both backends, best-effort. A durable
// failure still clears the cache and returns pending=true so the caller can
// queue a retry.
func (s *Store) Delete(ctx context.Context, userID string) (pending bool, err error) {
	durErr := s.durable.Delete(ctx, userID)
	if cacheErr := s.cache.Delete(ctx, userID); cacheErr != nil && durErr == nil {
		return false, cacheErr
	}
	if durErr != nil {
		if !errors.Is(durErr, ErrStorageUnavailable) {
			return false, durErr
		}
		s.log.WarnContext(ctx, "durable delete failed, queued for retry",
			slog.String("user_id", userID))
		return true, nil
	}
	return false, nil
}

// ConsumeBackupCode flips a backup code's consumed flag via the backend's
// atomic compare-and-set, durable-first. Two concurrent attempts on the same
// code (from any pair of devices) cannot both succeed. When the durable
// backend is unreachable the consume lands in the cache with pending_sync
// set, to be replayed on reconnect.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (pending bool, err error) {
	durErr := s.durable.ConsumeBackupCode(ctx, userID, codeHash)
	if durErr == nil {
		// Mirror the consumption into the cache so offline reads see it.
		if cred, err := s.durable.Get(ctx, userID); err == nil {
			if cacheErr := s.cache.Put(ctx, cred); cacheErr != nil {
				s.log.WarnContext(ctx, "cache refresh failed after backup code consume",
					slog.String("user_id", userID), slog.Any("error", cacheErr))
			}
		}
		return false, nil
	}
	if !errors.Is(durErr, ErrStorageUnavailable) {
		return false, durErr
	}

	if err := s.cache.ConsumeBackupCode(ctx, userID, codeHash); err != nil {
		return false, err
	}
	if cred, err := s.cache.Get(ctx, userID); err == nil {
		cred.PendingSync = true
		if putErr := s.cache.Put(ctx, cred); putErr != nil {
			s.log.WarnContext(ctx, "failed to flag cached consume for replay",
				slog.String("user_id", userID), slog.Any("error", putErr))
		}
	}
	s.log.WarnContext(ctx, "durable backend unreachable, backup code consumed in cache",
		slog.String("user_id", userID))
	return true, nil
}

// resolve applies the conflict rule between a durable record and whatever the
// cache holds: the newer mutation wins wholesale. Equal timestamps resolve to
// the durable copy with a warning; credentials are atomic units and are never
// merged field by field.
func (s *Store) resolve(ctx context.Context, durCred *credential.Credential) *credential.Credential {
	cached, err := s.cache.Get(ctx, durCred.UserID)
	if err != nil {
		return durCred
	}
	if cached.NewerThan(durCred) {
		s.log.InfoContext(ctx, "cache holds newer mutation, pending replay wins",
			slog.String("user_id", durCred.UserID))
		return cached
	}
	if cached.UpdatedAt.Equal(durCred.UpdatedAt) && !equalRecords(cached, durCred) {
		s.log.WarnContext(ctx, "conflicting records with equal timestamps, durable copy wins",
			slog.String("user_id", durCred.UserID), slog.Any("error", ErrConflictUnresolved))
	}
	return durCred
}

func equalRecords(a, b *credential.Credential) bool {
	if a.SecretCiphertext != b.SecretCiphertext || a.Enabled != b.Enabled || len(a.BackupCodes) != len(b.BackupCodes) {
		return false
	}
	for i := range a.BackupCodes {
		if a.BackupCodes[i].Hash != b.BackupCodes[i].Hash || a.BackupCodes[i].Consumed != b.BackupCodes[i].Consumed {
			return false
		}
	}
	return true
}
