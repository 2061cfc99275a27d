package migration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/audit"
	"github.com/dmitrymomot/mfakit/pkg/cipher"
	"github.com/dmitrymomot/mfakit/pkg/credential"
	"github.com/dmitrymomot/mfakit/pkg/credstore"
	"github.com/dmitrymomot/mfakit/pkg/secretcodec"
)

// Audit actions emitted by the repair path.
const (
	EventRepaired   = "mfa.migration.repaired"
	EventNeedsReset = "mfa.migration.needs_reset"
)

// IssueKind classifies what Scan found wrong with a record.
type IssueKind string

const (
	// LegacyFormat marks records still on an old format version, a CBC
	// envelope, or a prefix-tagged secret. Repairable in place.
	LegacyFormat IssueKind = "legacy_format"
	// InvalidFormat marks records whose secret cannot be decrypted or
	// recovered. Repair disables them and signals a reset.
	InvalidFormat IssueKind = "invalid_format"
	// DuplicateRecord marks users with more than one active record.
	DuplicateRecord IssueKind = "duplicate_record"
)

// Issue is one finding from a scan.
type Issue struct {
	UserID string
	Kind   IssueKind
	Detail string
}

// RepairResult reports what Repair did for one user.
type RepairResult struct {
	UserID string
	// Repaired is set when the secret was re-encrypted under the current
	// format.
	Repaired bool
	// NeedsReset is set when the secret was unrecoverable; the credential
	// is disabled and the user must re-enroll. Nothing is deleted.
	NeedsReset bool
	// Archived counts duplicate records put aside in favor of the keeper.
	Archived int
}

// Service scans the durable backend for records left behind by older storage
// formats and repairs them without destroying data.
type Service struct {
	durable credstore.Backend
	cipher  *cipher.Cipher
	audit   audit.Logger
	log     *slog.Logger
	now     func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithAudit attaches an audit logger for repair outcomes.
func WithAudit(logger audit.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.audit = logger
		}
	}
}

// WithLogger sets the logger for scan and repair progress.
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

// NewService creates a migration service over the durable backend.
func NewService(durable credstore.Backend, ciph *cipher.Cipher, opts ...Option) *Service {
	if durable == nil || ciph == nil {
		panic("migration: durable backend and cipher are required")
	}
	s := &Service{
		durable: durable,
		cipher:  ciph,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan lists every durable record and classifies what needs attention.
// Tombstoned records (no secret, disabled) are healthy and skipped.
func (s *Service) Scan(ctx context.Context) ([]Issue, error) {
	records, err := s.durable.List(ctx)
	if err != nil {
		return nil, errors.Join(ErrScanFailed, err)
	}

	var issues []Issue
	activePerUser := make(map[string]int)
	for _, rec := range records {
		if rec.Archived {
			continue
		}
		activePerUser[rec.UserID]++

		if rec.SecretCiphertext == "" {
			continue
		}
		if kind, detail, ok := s.classify(rec); ok {
			issues = append(issues, Issue{UserID: rec.UserID, Kind: kind, Detail: detail})
		}
	}

	for _, rec := range records {
		if rec.Archived {
			continue
		}
		if activePerUser[rec.UserID] > 1 {
			issues = append(issues, Issue{
				UserID: rec.UserID,
				Kind:   DuplicateRecord,
				Detail: "multiple active records for user",
			})
			// One issue per user, not per duplicate row.
			activePerUser[rec.UserID] = 0
		}
	}
	return issues, nil
}

// Repair brings a user's record to the current format. Duplicate records are
// archived in favor of the earliest-created enabled one. A recoverable
// secret is cleaned and re-encrypted under the current scheme; an
// unrecoverable one disables the credential and signals a reset. Data is
// never deleted.
func (s *Service) Repair(ctx context.Context, userID string) (RepairResult, error) {
	result := RepairResult{UserID: userID}

	keeper, archived, err := s.dedupe(ctx, userID)
	if err != nil {
		return result, err
	}
	result.Archived = archived

	if keeper.SecretCiphertext == "" {
		// Tombstone, nothing to re-encrypt.
		return result, nil
	}

	now := s.now()
	plaintext, err := s.recoverSecret(keeper)
	if err == nil {
		var secret secretcodec.Secret
		secret, err = secretcodec.Clean(plaintext)
		if err == nil {
			var sealed string
			sealed, err = s.cipher.EncryptString(secret.Value)
			if err != nil {
				return result, err
			}
			keeper.SecretCiphertext = sealed
			keeper.FormatVersion = credential.FormatVersionCurrent
			keeper.UpdatedAt = now
			if err := s.durable.Put(ctx, keeper); err != nil {
				return result, err
			}
			result.Repaired = true
			s.logAudit(ctx, EventRepaired, userID, map[string]any{
				"recovered": secret.Recovered,
				"archived":  archived,
			})
			return result, nil
		}
	}

	// Unrecoverable: disable, keep the record, tell the caller to reset.
	s.log.WarnContext(ctx, "secret unrecoverable, disabling credential",
		slog.String("user_id", userID), slog.Any("error", err))
	keeper.Enabled = false
	keeper.DisabledAt = &now
	keeper.UpdatedAt = now
	if err := s.durable.Put(ctx, keeper); err != nil {
		return result, err
	}
	result.NeedsReset = true
	s.logAudit(ctx, EventNeedsReset, userID, map[string]any{"archived": archived})
	return result, nil
}

// dedupe archives all but the keeper record and returns the keeper. The
// keeper is the earliest-created enabled record, falling back to the
// earliest-created one when none is enabled.
func (s *Service) dedupe(ctx context.Context, userID string) (*credential.Credential, int, error) {
	records, err := s.durable.List(ctx)
	if err != nil {
		return nil, 0, errors.Join(ErrScanFailed, err)
	}

	var keeper *credential.Credential
	active := 0
	for _, rec := range records {
		if rec.UserID != userID || rec.Archived {
			continue
		}
		active++
		switch {
		case keeper == nil:
			keeper = rec
		case rec.Enabled && !keeper.Enabled:
			keeper = rec
		case rec.Enabled == keeper.Enabled && rec.CreatedAt.Before(keeper.CreatedAt):
			keeper = rec
		}
	}
	if keeper == nil {
		return nil, 0, credstore.ErrCredentialNotFound
	}
	if active == 1 {
		return keeper, 0, nil
	}

	archived, err := s.durable.Archive(ctx, userID, keeper.CreatedAt)
	if err != nil {
		return nil, 0, err
	}
	return keeper, archived, nil
}

// classify inspects a single record. Returns ok=false for healthy records.
func (s *Service) classify(rec *credential.Credential) (IssueKind, string, bool) {
	if rec.FormatVersion < credential.FormatVersionCurrent {
		return LegacyFormat, "format version behind current", true
	}

	env, err := cipher.DecodeEnvelope(rec.SecretCiphertext)
	if err != nil {
		return InvalidFormat, "ciphertext is not a valid envelope", true
	}
	if env.Algorithm == cipher.AlgorithmAESCBC {
		return LegacyFormat, "secret sealed with retired cipher", true
	}

	plaintext, err := s.cipher.DecryptString(rec.SecretCiphertext)
	if err != nil {
		return InvalidFormat, "secret does not decrypt", true
	}
	secret, err := secretcodec.Clean(plaintext)
	if err != nil {
		return InvalidFormat, "secret has too few recoverable symbols", true
	}
	if secret.Recovered || secret.LegacyTag || !secretcodec.IsCanonical(plaintext) {
		return LegacyFormat, "secret needs canonicalization", true
	}
	return "", "", false
}

// recoverSecret extracts the plaintext secret from whatever the record
// holds: a current or retired envelope, or the pre-encryption plaintext
// format that stored the tagged secret directly.
func (s *Service) recoverSecret(rec *credential.Credential) (string, error) {
	if rec.SecretCiphertext == "" {
		return "", ErrNoSecret
	}
	if _, err := cipher.DecodeEnvelope(rec.SecretCiphertext); err != nil {
		// Not an envelope at all; the oldest records stored the secret as
		// plain text with an algorithm prefix.
		return rec.SecretCiphertext, nil
	}
	return s.cipher.DecryptString(rec.SecretCiphertext)
}

func (s *Service) logAudit(ctx context.Context, action, userID string, metadata map[string]any) {
	if s.audit == nil {
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
