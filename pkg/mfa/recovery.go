package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// Audit actions emitted by the recovery path. Like the facade's, these
// strings are the contract with the external audit collaborator.
const (
	EventRecoveryIssued   = "mfa.emergency.token_issued"
	EventRecoveryRedeemed = "mfa.emergency.token_redeemed"
	EventHardDeleted      = "mfa.credential.hard_deleted"
)

const recoveryTokenBytes = 32

// recoveryVault holds issued recovery tokens hashed at rest. Tokens are
// time-boxed and single-use; issuing a new token for a user invalidates the
// previous one.
type recoveryVault struct {
	mu     sync.Mutex
	tokens map[string]recoveryGrant
}

type recoveryGrant struct {
	tokenHash [sha256.Size]byte
	adminID   string
	expiresAt time.Time
}

func newRecoveryVault() *recoveryVault {
	return &recoveryVault{tokens: make(map[string]recoveryGrant)}
}

// IssueRecoveryToken mints a time-boxed token that lets a locked-out user
// reset their MFA enrollment. The plaintext token is returned exactly once;
// only its hash is retained. Admin-invoked and always audit-logged.
func (s *Service) IssueRecoveryToken(ctx context.Context, adminID, userID string, ttl time.Duration) (string, error) {
	raw := make([]byte, recoveryTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	s.recovery.mu.Lock()
	s.recovery.tokens[userID] = recoveryGrant{
		tokenHash: sha256.Sum256([]byte(token)),
		adminID:   adminID,
		expiresAt: s.now().Add(ttl),
	}
	s.recovery.mu.Unlock()

	s.logAudit(ctx, EventRecoveryIssued, userID, map[string]any{
		"admin_id":   adminID,
		"expires_in": ttl.String(),
	})
	return token, nil
}

// RedeemRecoveryToken disables the user's MFA so they can re-enroll. The
// token is checked in constant time and consumed whether or not it matched
// its expiry window; a wrong, expired, or reused token all yield the same
// error.
func (s *Service) RedeemRecoveryToken(ctx context.Context, userID, token string) error {
	hash := sha256.Sum256([]byte(token))

	s.recovery.mu.Lock()
	grant, ok := s.recovery.tokens[userID]
	if ok {
		delete(s.recovery.tokens, userID)
	}
	s.recovery.mu.Unlock()

	if !ok {
		return ErrInvalidRecoveryToken
	}
	matched := subtle.ConstantTimeCompare(hash[:], grant.tokenHash[:]) == 1
	if !matched || s.now().After(grant.expiresAt) {
		return ErrInvalidRecoveryToken
	}

	if err := s.Disable(ctx, userID); err != nil && !errors.Is(err, ErrNotSetup) {
		return err
	}

	s.logAudit(ctx, EventRecoveryRedeemed, userID, map[string]any{"issued_by": grant.adminID})
	return nil
}

// HardDelete removes the credential from every backend. This is the only
// path that destroys data and it exists solely for explicit admin or
// data-erasure action; everything else tombstones.
func (s *Service) HardDelete(ctx context.Context, adminID, userID string) error {
	pending, err := s.store.Delete(ctx, userID)
	if err != nil {
		return err
	}
	if pending {
		if err := s.coord.EnqueueDelete(userID); err != nil {
			return err
		}
	}

	s.logAudit(ctx, EventHardDeleted, userID, map[string]any{"admin_id": adminID})
	return nil
}
