package mfa

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/audit"
	"github.com/dmitrymomot/mfakit/pkg/backupcode"
	"github.com/dmitrymomot/mfakit/pkg/cipher"
	"github.com/dmitrymomot/mfakit/pkg/credential"
	"github.com/dmitrymomot/mfakit/pkg/credstore"
	"github.com/dmitrymomot/mfakit/pkg/otp"
	"github.com/dmitrymomot/mfakit/pkg/secretcodec"
	"github.com/dmitrymomot/mfakit/pkg/syncer"
)

// Audit actions emitted by the facade. The strings are the contract with the
// external audit collaborator and must not drift.
const (
	EventSetupStarted       = "mfa.setup.started"
	EventSetupConfirmed     = "mfa.setup.confirmed"
	EventVerifySucceeded    = "mfa.verify.success"
	EventVerifyFailed       = "mfa.verify.failure"
	EventBackupCodeConsumed = "mfa.backup_code.consumed"
	EventDisabled           = "mfa.disabled"
	EventForceSync          = "mfa.sync.forced"
)

// Method identifies what proved the user's identity.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

var totpCodeRegex = regexp.MustCompile(`^\d{6}$`)

// SetupResult carries everything the user needs to finish enrollment. The
// plaintext secret and backup codes appear here once and are never
// retrievable again.
type SetupResult struct {
	Secret      string
	BackupCodes []string
	URI         string
	QRCode      string
}

// VerifyResult reports a successful verification.
type VerifyResult struct {
	Method Method
	// DriftOffset is the time-step offset the TOTP code matched at. A
	// persistently nonzero value means the client clock is skewed.
	DriftOffset int
}

// Status is the user-facing view of a credential.
type Status struct {
	Enabled        bool
	State          credential.State
	SyncState      syncer.State
	LastVerifiedAt *time.Time
	// Stale is set when the durable backend was unreachable and the status
	// reflects the local cache.
	Stale bool
}

// Service is the single entry point for MFA operations. Everything below it
// (encryption, canonicalization, storage policy, reconciliation) is
// composed here so callers see one coherent surface.
type Service struct {
	store  *credstore.Store
	cipher *cipher.Cipher
	coord  *syncer.Coordinator
	audit  audit.Logger
	log    *slog.Logger
	cfg    Config
	now    func() time.Time

	recovery *recoveryVault
}

// Option configures the service.
type Option func(*Service)

// WithAudit attaches an audit logger. Without one, events go to the
// structured log only.
func WithAudit(logger audit.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.audit = logger
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService composes the MFA facade.
func NewService(store *credstore.Store, ciph *cipher.Cipher, coord *syncer.Coordinator, cfg Config, opts ...Option) *Service {
	if store == nil || ciph == nil || coord == nil {
		panic("mfa: store, cipher and coordinator are required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "mfakit"
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = backupcode.DefaultCount
	}
	if cfg.DriftSteps <= 0 {
		cfg.DriftSteps = otp.DefaultDriftSteps
	}

	s := &Service{
		store:    store,
		cipher:   ciph,
		coord:    coord,
		log:      slog.Default(),
		cfg:      cfg,
		now:      time.Now,
		recovery: newRecoveryVault(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup starts enrollment: generates a fresh secret and backup codes,
// persists a pending credential, and returns the material the user needs to
// configure an authenticator. Re-running setup before confirmation replaces
// the unconfirmed credential; an enabled one must be disabled first.
func (s *Service) Setup(ctx context.Context, userID string) (SetupResult, error) {
	existing, err := s.store.Read(ctx, userID)
	if err == nil && credential.StateOf(existing.Credential) == credential.StateEnabled {
		return SetupResult{}, ErrAlreadyEnabled
	}
	if err != nil && !errors.Is(err, credstore.ErrCredentialNotFound) {
		return SetupResult{}, err
	}

	secret, err := otp.GenerateSecret()
	if err != nil {
		return SetupResult{}, err
	}
	codes, err := backupcode.Generate(s.cfg.BackupCodeCount)
	if err != nil {
		return SetupResult{}, err
	}

	sealed, err := s.cipher.EncryptString(secret)
	if err != nil {
		// Never persist a credential whose secret failed to encrypt.
		return SetupResult{}, err
	}

	now := s.now()
	cred := &credential.Credential{
		UserID:           userID,
		SecretCiphertext: sealed,
		Enabled:          false,
		CreatedAt:        now,
		FormatVersion:    credential.FormatVersionCurrent,
	}
	for _, code := range codes {
		cred.BackupCodes = append(cred.BackupCodes, credential.BackupCode{Hash: backupcode.Hash(code)})
	}

	if err := s.write(ctx, cred); err != nil {
		return SetupResult{}, err
	}

	params := otp.Params{Secret: secret, AccountName: userID, Issuer: s.cfg.Issuer}
	uri, err := otp.URI(params)
	if err != nil {
		return SetupResult{}, err
	}
	qr, err := otp.QRCodeBase64Image(params, 0)
	if err != nil {
		return SetupResult{}, err
	}

	s.logAudit(ctx, EventSetupStarted, userID, nil)
	return SetupResult{Secret: secret, BackupCodes: codes, URI: uri, QRCode: qr}, nil
}

// ConfirmSetup enables the pending credential after the user proves they
// hold the secret by supplying one valid code.
func (s *Service) ConfirmSetup(ctx context.Context, userID, code string) error {
	res, err := s.store.Read(ctx, userID)
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialNotFound) {
			return ErrNotSetup
		}
		return err
	}
	cred := res.Credential

	switch credential.StateOf(cred) {
	case credential.StateEnabled:
		return ErrAlreadyEnabled
	case credential.StatePendingVerification:
	default:
		return ErrNotSetup
	}

	secret, err := s.openSecret(cred)
	if err != nil {
		return err
	}

	now := s.now()
	_, ok, err := otp.Verify(secret, code, now, s.cfg.DriftSteps)
	if err != nil {
		// A malformed submission is a wrong code to the user, not a distinct
		// failure mode they can act on.
		if errors.Is(err, otp.ErrInvalidCode) {
			s.logAudit(ctx, EventVerifyFailed, userID, map[string]any{"phase": "confirm_setup"})
			return ErrVerificationFailed
		}
		return err
	}
	if !ok {
		s.logAudit(ctx, EventVerifyFailed, userID, map[string]any{"phase": "confirm_setup"})
		return ErrVerificationFailed
	}

	cred.Enabled = true
	cred.LastVerifiedAt = &now
	if err := s.write(ctx, cred); err != nil {
		return err
	}

	s.logAudit(ctx, EventSetupConfirmed, userID, nil)
	return nil
}

// Verify checks a code against the user's enabled credential. Six digits are
// treated as a TOTP code; anything shaped like a backup code falls through
// to single-use consumption. The secret is canonicalized on every read, so
// records written by older formats still verify.
func (s *Service) Verify(ctx context.Context, userID, code string) (VerifyResult, error) {
	res, err := s.store.Read(ctx, userID)
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialNotFound) {
			return VerifyResult{}, ErrNotSetup
		}
		return VerifyResult{}, err
	}
	cred := res.Credential
	if credential.StateOf(cred) != credential.StateEnabled {
		return VerifyResult{}, ErrNotSetup
	}

	if totpCodeRegex.MatchString(code) {
		return s.verifyTOTP(ctx, cred, code)
	}
	if normalized := backupcode.Normalize(code); backupcode.LooksLikeCode(normalized) {
		return s.verifyBackupCode(ctx, userID, normalized)
	}

	s.logAudit(ctx, EventVerifyFailed, userID, map[string]any{"reason": "unrecognized code shape"})
	return VerifyResult{}, ErrVerificationFailed
}

func (s *Service) verifyTOTP(ctx context.Context, cred *credential.Credential, code string) (VerifyResult, error) {
	secret, err := s.openSecret(cred)
	if err != nil {
		return VerifyResult{}, err
	}

	now := s.now()
	offset, ok, err := otp.Verify(secret, code, now, s.cfg.DriftSteps)
	if err != nil {
		return VerifyResult{}, err
	}
	if !ok {
		s.logAudit(ctx, EventVerifyFailed, cred.UserID, map[string]any{"method": string(MethodTOTP)})
		return VerifyResult{}, ErrVerificationFailed
	}
	if offset != 0 {
		s.log.InfoContext(ctx, "totp matched at drift offset, client clock may be skewed",
			slog.String("user_id", cred.UserID), slog.Int("offset", offset))
	}

	cred.LastVerifiedAt = &now
	if err := s.write(ctx, cred); err != nil {
		return VerifyResult{}, err
	}

	s.logAudit(ctx, EventVerifySucceeded, cred.UserID, map[string]any{
		"method":       string(MethodTOTP),
		"drift_offset": offset,
	})
	return VerifyResult{Method: MethodTOTP, DriftOffset: offset}, nil
}

func (s *Service) verifyBackupCode(ctx context.Context, userID, normalized string) (VerifyResult, error) {
	pending, err := s.store.ConsumeBackupCode(ctx, userID, backupcode.Hash(normalized))
	if err != nil {
		switch {
		case errors.Is(err, credstore.ErrBackupCodeNotFound):
			s.logAudit(ctx, EventVerifyFailed, userID, map[string]any{"method": string(MethodBackupCode)})
			return VerifyResult{}, ErrVerificationFailed
		case errors.Is(err, credstore.ErrBackupCodeAlreadyUsed):
			s.logAudit(ctx, EventVerifyFailed, userID, map[string]any{
				"method": string(MethodBackupCode),
				"reason": "code already used",
			})
			return VerifyResult{}, ErrAlreadyUsed
		}
		return VerifyResult{}, err
	}
	if pending {
		if err := s.coord.Enqueue(userID); err != nil {
			return VerifyResult{}, err
		}
	}

	// Stamp last_verified_at on whichever copy is reachable.
	if res, err := s.store.Read(ctx, userID); err == nil {
		now := s.now()
		res.Credential.LastVerifiedAt = &now
		if err := s.write(ctx, res.Credential); err != nil {
			s.log.WarnContext(ctx, "failed to stamp last_verified_at after backup code use",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}

	s.logAudit(ctx, EventBackupCodeConsumed, userID, nil)
	s.logAudit(ctx, EventVerifySucceeded, userID, map[string]any{"method": string(MethodBackupCode)})
	return VerifyResult{Method: MethodBackupCode}, nil
}

// Disable tombstones the credential: the ciphertext is cleared and the
// record retained for audit. Re-enrollment goes through Setup again.
func (s *Service) Disable(ctx context.Context, userID string) error {
	res, err := s.store.Read(ctx, userID)
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialNotFound) {
			return ErrNotSetup
		}
		return err
	}

	cred := res.Credential
	cred.Tombstone(s.now())
	if err := s.write(ctx, cred); err != nil {
		return err
	}

	s.logAudit(ctx, EventDisabled, userID, nil)
	return nil
}

// Status reports the credential and sync state for a user. A user with no
// credential gets a zero status, not an error.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	res, err := s.store.Read(ctx, userID)
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialNotFound) {
			return Status{State: credential.StateNoCredential, SyncState: s.coord.StateOf(userID)}, nil
		}
		return Status{}, err
	}

	cred := res.Credential
	return Status{
		Enabled:        cred.Enabled,
		State:          credential.StateOf(cred),
		SyncState:      s.coord.StateOf(userID),
		LastVerifiedAt: cred.LastVerifiedAt,
		Stale:          res.Stale,
	}, nil
}

// ForceSyncAllDevices pushes the durable record to the cache unconditionally
// so every device observes the current enabled state and secret.
func (s *Service) ForceSyncAllDevices(ctx context.Context, userID string) error {
	if err := s.coord.ForceSync(ctx, userID); err != nil {
		return err
	}
	s.logAudit(ctx, EventForceSync, userID, nil)
	return nil
}

// openSecret decrypts and canonicalizes the stored secret. Canonicalization
// runs on every read, not only at migration time, so prefixed or slightly
// corrupted legacy secrets keep verifying.
func (s *Service) openSecret(cred *credential.Credential) (string, error) {
	plaintext, err := s.cipher.DecryptString(cred.SecretCiphertext)
	if err != nil {
		return "", err
	}
	secret, err := secretcodec.Clean(plaintext)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

// write persists via the store and hands degraded writes to the coordinator.
func (s *Service) write(ctx context.Context, cred *credential.Credential) error {
	pending, err := s.store.Write(ctx, cred)
	if err != nil {
		return err
	}
	if pending {
		return s.coord.Enqueue(cred.UserID)
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, action, userID string, metadata map[string]any) {
	if s.audit == nil {
		s.log.InfoContext(ctx, action, slog.String("user_id", userID))
		return
	}
	opts := []audit.EventOption{audit.WithUser(userID)}
	for k, v := range metadata {
		opts = append(opts, audit.WithMetadata(k, v))
	}
	if err := s.audit.Log(ctx, action, opts...); err != nil {
		s.log.WarnContext(ctx, "failed to record audit event",
			slog.String("action", action), slog.Any("error", err))
	}
}
