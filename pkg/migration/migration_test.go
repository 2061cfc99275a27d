package migration_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/audit"
	"github.com/dmitrymomot/mfakit/pkg/cipher"
	"github.com/dmitrymomot/mfakit/pkg/credential"
	"github.com/dmitrymomot/mfakit/pkg/credstore"
	"github.com/dmitrymomot/mfakit/pkg/migration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canonicalSecret = "JBSWY3DPEHPK3PXP"

func newCipher(t *testing.T) *cipher.Cipher {
	t.Helper()
	key := make([]byte, cipher.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := cipher.New(cipher.StaticKey(key))
	require.NoError(t, err)
	return c
}

type migrationFixture struct {
	backend *credstore.MemoryBackend
	cipher  *cipher.Cipher
	events  *audit.MemoryStorage
	service *migration.Service
	now     time.Time
}

func newMigrationFixture(t *testing.T) *migrationFixture {
	t.Helper()
	f := &migrationFixture{
		backend: credstore.NewMemoryBackend(),
		cipher:  newCipher(t),
		events:  audit.NewMemoryStorage(),
		now:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.service = migration.NewService(f.backend, f.cipher,
		migration.WithAudit(audit.NewLogger(f.events)),
		migration.WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *migrationFixture) seal(t *testing.T, plaintext string) string {
	t.Helper()
	sealed, err := f.cipher.EncryptString(plaintext)
	require.NoError(t, err)
	return sealed
}

func (f *migrationFixture) put(t *testing.T, userID, secretCiphertext string, formatVersion int) {
	t.Helper()
	require.NoError(t, f.backend.Put(context.Background(), &credential.Credential{
		UserID:           userID,
		SecretCiphertext: secretCiphertext,
		Enabled:          true,
		CreatedAt:        f.now,
		UpdatedAt:        f.now,
		FormatVersion:    formatVersion,
	}))
}

func TestServiceScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("healthy record yields no issues", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		f.put(t, "ok", f.seal(t, canonicalSecret), credential.FormatVersionCurrent)

		issues, err := f.service.Scan(ctx)
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("classifies by record shape", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)

		// Oldest format: prefixed plaintext stored directly.
		f.put(t, "prefixed", "cbc:"+canonicalSecret, credential.FormatVersionPrefixed)
		// Current format but the sealed secret still carries a legacy tag.
		f.put(t, "tagged", f.seal(t, "gcm:"+canonicalSecret), credential.FormatVersionCurrent)
		// Sealed under a different key, undecryptable.
		other := newCipher(t)
		sealed, err := other.EncryptString(canonicalSecret)
		require.NoError(t, err)
		f.put(t, "wrongkey", sealed, credential.FormatVersionCurrent)
		// Not an envelope and not recoverable Base32.
		f.put(t, "garbage", "@@@ not base32 @@@", credential.FormatVersionCurrent)

		issues, err := f.service.Scan(ctx)
		require.NoError(t, err)

		kinds := make(map[string]migration.IssueKind, len(issues))
		for _, issue := range issues {
			kinds[issue.UserID] = issue.Kind
		}
		assert.Equal(t, migration.LegacyFormat, kinds["prefixed"])
		assert.Equal(t, migration.LegacyFormat, kinds["tagged"])
		assert.Equal(t, migration.InvalidFormat, kinds["wrongkey"])
		assert.Equal(t, migration.InvalidFormat, kinds["garbage"])
	})

	t.Run("flags duplicate active records once per user", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		sealed := f.seal(t, canonicalSecret)
		for range 3 {
			require.NoError(t, f.backend.Append(ctx, &credential.Credential{
				UserID:           "dup",
				SecretCiphertext: sealed,
				Enabled:          true,
				CreatedAt:        f.now,
				UpdatedAt:        f.now,
				FormatVersion:    credential.FormatVersionCurrent,
			}))
		}

		issues, err := f.service.Scan(ctx)
		require.NoError(t, err)

		duplicates := 0
		for _, issue := range issues {
			if issue.Kind == migration.DuplicateRecord {
				duplicates++
			}
		}
		assert.Equal(t, 1, duplicates)
	})
}

func TestServiceRepair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		_, err := f.service.Repair(ctx, "nobody")
		assert.ErrorIs(t, err, credstore.ErrCredentialNotFound)
	})

	t.Run("reseals prefixed plaintext record", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		f.put(t, "u1", "cbc:"+canonicalSecret, credential.FormatVersionPrefixed)

		result, err := f.service.Repair(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, result.Repaired)
		assert.False(t, result.NeedsReset)

		rec, err := f.backend.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, credential.FormatVersionCurrent, rec.FormatVersion)
		assert.True(t, rec.Enabled)

		plaintext, err := f.cipher.DecryptString(rec.SecretCiphertext)
		require.NoError(t, err)
		assert.Equal(t, canonicalSecret, plaintext, "legacy tag stripped on reseal")

		require.Len(t, f.events.ByAction(migration.EventRepaired), 1)
	})

	t.Run("strips legacy tag inside sealed secret", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		f.put(t, "u1", f.seal(t, "gcm:"+canonicalSecret), credential.FormatVersionCurrent)

		result, err := f.service.Repair(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, result.Repaired)

		rec, err := f.backend.Get(ctx, "u1")
		require.NoError(t, err)
		plaintext, err := f.cipher.DecryptString(rec.SecretCiphertext)
		require.NoError(t, err)
		assert.Equal(t, canonicalSecret, plaintext)
	})

	t.Run("unrecoverable secret disables and signals reset", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		f.put(t, "u1", "@@@ not base32 @@@", credential.FormatVersionPrefixed)

		result, err := f.service.Repair(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, result.Repaired)
		assert.True(t, result.NeedsReset)

		records, err := f.backend.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1, "record is kept, never deleted")
		assert.False(t, records[0].Enabled)
		require.NotNil(t, records[0].DisabledAt)

		require.Len(t, f.events.ByAction(migration.EventNeedsReset), 1)
	})

	t.Run("archives duplicates keeping earliest enabled", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		sealed := f.seal(t, canonicalSecret)

		older := f.now.Add(-48 * time.Hour)
		newer := f.now.Add(-24 * time.Hour)
		for _, tc := range []struct {
			createdAt time.Time
			enabled   bool
		}{
			{createdAt: f.now, enabled: false},
			{createdAt: older, enabled: true},
			{createdAt: newer, enabled: true},
		} {
			require.NoError(t, f.backend.Append(ctx, &credential.Credential{
				UserID:           "dup",
				SecretCiphertext: sealed,
				Enabled:          tc.enabled,
				CreatedAt:        tc.createdAt,
				UpdatedAt:        tc.createdAt,
				FormatVersion:    credential.FormatVersionCurrent,
			}))
		}

		result, err := f.service.Repair(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, 2, result.Archived)

		rec, err := f.backend.Get(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, older, rec.CreatedAt)
		assert.True(t, rec.Enabled)
	})

	t.Run("tombstone needs nothing", func(t *testing.T) {
		t.Parallel()
		f := newMigrationFixture(t)
		require.NoError(t, f.backend.Put(ctx, &credential.Credential{
			UserID:    "gone",
			CreatedAt: f.now,
			UpdatedAt: f.now,
		}))

		result, err := f.service.Repair(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, result.Repaired)
		assert.False(t, result.NeedsReset)
	})
}
