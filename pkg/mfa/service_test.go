package mfa_test

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/audit"
	"github.com/dmitrymomot/mfakit/pkg/cipher"
	"github.com/dmitrymomot/mfakit/pkg/credential"
	"github.com/dmitrymomot/mfakit/pkg/credstore"
	"github.com/dmitrymomot/mfakit/pkg/mfa"
	"github.com/dmitrymomot/mfakit/pkg/otp"
	"github.com/dmitrymomot/mfakit/pkg/syncer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	durable *credstore.MemoryBackend
	cache   *credstore.MemoryBackend
	store   *credstore.Store
	coord   *syncer.Coordinator
	events  *audit.MemoryStorage
	cipher  *cipher.Cipher
	svc     *mfa.Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key := make([]byte, cipher.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	ciph, err := cipher.New(cipher.StaticKey(key))
	require.NoError(t, err)

	f := &fixture{
		durable: credstore.NewMemoryBackend(),
		cache:   credstore.NewMemoryBackend(),
		events:  audit.NewMemoryStorage(),
		cipher:  ciph,
		now:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store = credstore.New(f.durable, f.cache, credstore.WithClock(clock))
	f.coord = syncer.NewCoordinator(f.store,
		syncer.WithClock(clock),
		syncer.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	f.svc = mfa.NewService(f.store, ciph, f.coord,
		mfa.Config{Issuer: "example.com", BackupCodeCount: 4, DriftSteps: 1},
		mfa.WithAudit(audit.NewLogger(f.events)),
		mfa.WithClock(clock),
	)
	return f
}

func (f *fixture) enroll(t *testing.T, userID string) mfa.SetupResult {
	t.Helper()
	ctx := context.Background()

	setup, err := f.svc.Setup(ctx, userID)
	require.NoError(t, err)

	code, err := otp.GenerateAt(setup.Secret, f.now)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmSetup(ctx, userID, code))
	return setup
}

func TestServiceSetup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns enrollment material once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		setup, err := f.svc.Setup(ctx, "u1")
		require.NoError(t, err)
		assert.NotEmpty(t, setup.Secret)
		assert.Len(t, setup.BackupCodes, 4)
		assert.Contains(t, setup.URI, "otpauth://totp/")
		assert.Contains(t, setup.URI, "example.com")
		assert.True(t, strings.HasPrefix(setup.QRCode, "data:image/png;base64,"))

		status, err := f.svc.Status(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, status.Enabled)
		assert.Equal(t, credential.StatePendingVerification, status.State)

		// The stored ciphertext never equals the plaintext secret.
		rec, err := f.durable.Get(ctx, "u1")
		require.NoError(t, err)
		assert.NotEqual(t, setup.Secret, rec.SecretCiphertext)
		assert.NotContains(t, rec.SecretCiphertext, setup.Secret)
	})

	t.Run("re-setup replaces unconfirmed enrollment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		first, err := f.svc.Setup(ctx, "u1")
		require.NoError(t, err)
		second, err := f.svc.Setup(ctx, "u1")
		require.NoError(t, err)
		assert.NotEqual(t, first.Secret, second.Secret)

		// Only the latest secret confirms.
		code, err := otp.GenerateAt(second.Secret, f.now)
		require.NoError(t, err)
		require.NoError(t, f.svc.ConfirmSetup(ctx, "u1", code))
	})

	t.Run("rejects when already enabled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		_, err := f.svc.Setup(ctx, "u1")
		assert.ErrorIs(t, err, mfa.ErrAlreadyEnabled)
	})
}

func TestServiceConfirmSetup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("wrong code does not enable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.svc.Setup(ctx, "u1")
		require.NoError(t, err)

		err = f.svc.ConfirmSetup(ctx, "u1", "000000")
		assert.ErrorIs(t, err, mfa.ErrVerificationFailed)

		status, err := f.svc.Status(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, status.Enabled)
	})

	t.Run("malformed code reads as wrong code", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.svc.Setup(ctx, "u1")
		require.NoError(t, err)

		err = f.svc.ConfirmSetup(ctx, "u1", "abc")
		assert.ErrorIs(t, err, mfa.ErrVerificationFailed)
	})

	t.Run("no enrollment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		err := f.svc.ConfirmSetup(ctx, "u1", "123456")
		assert.ErrorIs(t, err, mfa.ErrNotSetup)
	})

	t.Run("valid code enables and stamps verification", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		status, err := f.svc.Status(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, status.Enabled)
		assert.Equal(t, credential.StateEnabled, status.State)
		require.NotNil(t, status.LastVerifiedAt)

		assert.Len(t, f.events.ByAction(mfa.EventSetupConfirmed), 1)
	})
}

func TestServiceVerify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("totp code verifies", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		setup := f.enroll(t, "u1")

		f.now = f.now.Add(time.Minute)
		code, err := otp.GenerateAt(setup.Secret, f.now)
		require.NoError(t, err)

		res, err := f.svc.Verify(ctx, "u1", code)
		require.NoError(t, err)
		assert.Equal(t, mfa.MethodTOTP, res.Method)
		assert.Equal(t, 0, res.DriftOffset)
	})

	t.Run("adjacent step matches with drift offset", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		setup := f.enroll(t, "u1")

		f.now = f.now.Add(time.Minute)
		code, err := otp.GenerateAt(setup.Secret, f.now.Add(-time.Duration(otp.Period)*time.Second))
		require.NoError(t, err)

		res, err := f.svc.Verify(ctx, "u1", code)
		require.NoError(t, err)
		assert.Equal(t, -1, res.DriftOffset)
	})

	t.Run("wrong totp code", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		_, err := f.svc.Verify(ctx, "u1", "000000")
		assert.ErrorIs(t, err, mfa.ErrVerificationFailed)
		assert.NotEmpty(t, f.events.ByAction(mfa.EventVerifyFailed))
	})

	t.Run("backup code consumed exactly once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		setup := f.enroll(t, "u1")

		res, err := f.svc.Verify(ctx, "u1", setup.BackupCodes[0])
		require.NoError(t, err)
		assert.Equal(t, mfa.MethodBackupCode, res.Method)

		_, err = f.svc.Verify(ctx, "u1", setup.BackupCodes[0])
		assert.ErrorIs(t, err, mfa.ErrAlreadyUsed)
	})

	t.Run("backup code accepted with separators", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		setup := f.enroll(t, "u1")

		code := setup.BackupCodes[1]
		dashed := strings.ToLower(code[:4] + "-" + code[4:8] + "-" + code[8:12] + "-" + code[12:])

		res, err := f.svc.Verify(ctx, "u1", dashed)
		require.NoError(t, err)
		assert.Equal(t, mfa.MethodBackupCode, res.Method)
	})

	t.Run("unrecognized code shape", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		_, err := f.svc.Verify(ctx, "u1", "certainly not a code")
		assert.ErrorIs(t, err, mfa.ErrVerificationFailed)
	})

	t.Run("not set up", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.svc.Verify(ctx, "u1", "123456")
		assert.ErrorIs(t, err, mfa.ErrNotSetup)
	})

	t.Run("disabled credential rejects verification", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		setup := f.enroll(t, "u1")
		require.NoError(t, f.svc.Disable(ctx, "u1"))

		code, err := otp.GenerateAt(setup.Secret, f.now)
		require.NoError(t, err)
		_, err = f.svc.Verify(ctx, "u1", code)
		assert.ErrorIs(t, err, mfa.ErrNotSetup)
	})
}

func TestServiceDisable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	f.enroll(t, "u1")

	require.NoError(t, f.svc.Disable(ctx, "u1"))

	// Tombstone: record kept for audit, ciphertext gone.
	rec, err := f.durable.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, rec.SecretCiphertext)
	assert.False(t, rec.Enabled)
	require.NotNil(t, rec.DisabledAt)

	status, err := f.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, credential.StateDisabled, status.State)

	assert.Len(t, f.events.ByAction(mfa.EventDisabled), 1)
}

func TestServiceOfflineVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// End to end: enroll, lose the durable backend, keep verifying from the
	// cache, reconnect, converge back to synced.
	f := newFixture(t)
	setup := f.enroll(t, "u1")

	f.durable.SetAvailable(false)

	f.now = f.now.Add(time.Minute)
	code, err := otp.GenerateAt(setup.Secret, f.now)
	require.NoError(t, err)

	res, err := f.svc.Verify(ctx, "u1", code)
	require.NoError(t, err, "verification survives durable outage")
	assert.Equal(t, mfa.MethodTOTP, res.Method)

	status, err := f.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.Stale)
	assert.Equal(t, syncer.StateDisconnected, status.SyncState)

	f.durable.SetAvailable(true)
	require.NoError(t, f.coord.Reconnect(ctx))

	status, err = f.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, status.Stale)
	assert.Equal(t, syncer.StateSynced, status.SyncState)

	// The offline verification stamp reached the durable backend.
	rec, err := f.durable.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastVerifiedAt)
	assert.Equal(t, f.now, *rec.LastVerifiedAt)
}

func TestServiceForceSyncAllDevices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	f.enroll(t, "u1")

	// Make the cache stale: durable record changes behind its back.
	rec, err := f.durable.Get(ctx, "u1")
	require.NoError(t, err)
	rec.Enabled = false
	rec.UpdatedAt = f.now.Add(time.Hour)
	require.NoError(t, f.durable.Put(ctx, rec))

	require.NoError(t, f.svc.ForceSyncAllDevices(ctx, "u1"))

	cached, err := f.cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, cached.Enabled, "cache reflects current durable state")
	assert.Len(t, f.events.ByAction(mfa.EventForceSync), 1)
}

func TestServiceEmergencyRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("issue and redeem resets enrollment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		token, err := f.svc.IssueRecoveryToken(ctx, "admin-1", "u1", time.Hour)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		require.NoError(t, f.svc.RedeemRecoveryToken(ctx, "u1", token))

		status, err := f.svc.Status(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, status.Enabled)

		// Re-enrollment works after recovery.
		_, err = f.svc.Setup(ctx, "u1")
		require.NoError(t, err)

		assert.Len(t, f.events.ByAction(mfa.EventRecoveryIssued), 1)
		assert.Len(t, f.events.ByAction(mfa.EventRecoveryRedeemed), 1)
	})

	t.Run("token is single use", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		token, err := f.svc.IssueRecoveryToken(ctx, "admin-1", "u1", time.Hour)
		require.NoError(t, err)
		require.NoError(t, f.svc.RedeemRecoveryToken(ctx, "u1", token))

		err = f.svc.RedeemRecoveryToken(ctx, "u1", token)
		assert.ErrorIs(t, err, mfa.ErrInvalidRecoveryToken)
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		token, err := f.svc.IssueRecoveryToken(ctx, "admin-1", "u1", time.Minute)
		require.NoError(t, err)

		f.now = f.now.Add(2 * time.Minute)
		err = f.svc.RedeemRecoveryToken(ctx, "u1", token)
		assert.ErrorIs(t, err, mfa.ErrInvalidRecoveryToken)
	})

	t.Run("wrong token", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		_, err := f.svc.IssueRecoveryToken(ctx, "admin-1", "u1", time.Hour)
		require.NoError(t, err)

		err = f.svc.RedeemRecoveryToken(ctx, "u1", strings.Repeat("0", 64))
		assert.ErrorIs(t, err, mfa.ErrInvalidRecoveryToken)
	})

	t.Run("hard delete removes every copy", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.enroll(t, "u1")

		require.NoError(t, f.svc.HardDelete(ctx, "admin-1", "u1"))

		_, err := f.durable.Get(ctx, "u1")
		assert.ErrorIs(t, err, credstore.ErrCredentialNotFound)
		_, err = f.cache.Get(ctx, "u1")
		assert.ErrorIs(t, err, credstore.ErrCredentialNotFound)

		assert.Len(t, f.events.ByAction(mfa.EventHardDeleted), 1)
	})
}

func TestServiceAuditEventNames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// The emitted action strings are the contract with the audit collaborator;
	// assert them literally, not via the constants.
	f := newFixture(t)
	setup := f.enroll(t, "u1")

	f.now = f.now.Add(time.Minute)
	code, err := otp.GenerateAt(setup.Secret, f.now)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "u1", code)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "u1", "000000")
	require.ErrorIs(t, err, mfa.ErrVerificationFailed)

	_, err = f.svc.Verify(ctx, "u1", setup.BackupCodes[0])
	require.NoError(t, err)

	require.NoError(t, f.svc.ForceSyncAllDevices(ctx, "u1"))
	require.NoError(t, f.svc.Disable(ctx, "u1"))

	token, err := f.svc.IssueRecoveryToken(ctx, "admin-1", "u1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.svc.RedeemRecoveryToken(ctx, "u1", token))
	require.NoError(t, f.svc.HardDelete(ctx, "admin-1", "u1"))

	assert.NotEmpty(t, f.events.ByAction("mfa.setup.started"))
	assert.NotEmpty(t, f.events.ByAction("mfa.setup.confirmed"))
	assert.NotEmpty(t, f.events.ByAction("mfa.verify.failure"))
	assert.NotEmpty(t, f.events.ByAction("mfa.backup_code.consumed"))
	assert.NotEmpty(t, f.events.ByAction("mfa.sync.forced"))
	assert.NotEmpty(t, f.events.ByAction("mfa.disabled"))
	assert.NotEmpty(t, f.events.ByAction("mfa.emergency.token_issued"))
	assert.NotEmpty(t, f.events.ByAction("mfa.emergency.token_redeemed"))
	assert.NotEmpty(t, f.events.ByAction("mfa.credential.hard_deleted"))

	successes := f.events.ByAction("mfa.verify.success")
	require.NotEmpty(t, successes)
	assert.Contains(t, successes[0].Metadata, "drift_offset")
}

func TestServiceLegacySecretVerifies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A record written by an older format version still verifies because the
	// secret is canonicalized on every read.
	f := newFixture(t)
	setup := f.enroll(t, "u1")

	rec, err := f.durable.Get(ctx, "u1")
	require.NoError(t, err)

	// Reseal the secret with a legacy tag the way old records carried it.
	tagged, err := f.cipher.EncryptString("gcm:" + setup.Secret)
	require.NoError(t, err)
	rec.SecretCiphertext = tagged
	rec.FormatVersion = credential.FormatVersionCBC
	require.NoError(t, f.durable.Put(ctx, rec))
	require.NoError(t, f.cache.Put(ctx, rec))

	f.now = f.now.Add(time.Minute)
	code, err := otp.GenerateAt(setup.Secret, f.now)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "u1", code)
	require.NoError(t, err)
}
