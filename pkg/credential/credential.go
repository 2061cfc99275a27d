package credential

import "time"

const (
	// FormatVersionPrefixed marks records whose secret still carries a
	// colon-delimited scheme tag inside the secret string itself.
	FormatVersionPrefixed = 1
	// FormatVersionCBC marks records encrypted with the legacy AES-CBC scheme.
	FormatVersionCBC = 2
	// FormatVersionCurrent marks records with a canonical Base32 secret
	// sealed in an AES-GCM envelope.
	FormatVersionCurrent = 3
)

// BackupCode is a stored single-use recovery code. Only the SHA-256 hash is
// ever persisted; the plaintext is shown to the user once at generation time.
type BackupCode struct {
	Hash       string     `json:"hash" bson:"hash"`
	Consumed   bool       `json:"consumed" bson:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" bson:"consumed_at,omitempty"`
}

// Credential is the per-user MFA record. The durable backend is authoritative
// for Enabled and SecretCiphertext; the cache may lag behind but is overwritten
// wholesale on reconciliation (credentials are atomic units, never merged
// field by field).
type Credential struct {
	UserID           string       `json:"user_id" bson:"user_id"`
	SecretCiphertext string       `json:"secret_ciphertext" bson:"secret_ciphertext"`
	BackupCodes      []BackupCode `json:"backup_code_hashes" bson:"backup_code_hashes"`
	Enabled          bool         `json:"enabled" bson:"enabled"`
	CreatedAt        time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" bson:"updated_at"`
	LastVerifiedAt   *time.Time   `json:"last_verified_at,omitempty" bson:"last_verified_at,omitempty"`
	SyncedAt         *time.Time   `json:"synced_at,omitempty" bson:"synced_at,omitempty"`
	DisabledAt       *time.Time   `json:"disabled_at,omitempty" bson:"disabled_at,omitempty"`
	FormatVersion    int          `json:"format_version" bson:"format_version"`
	OriginDevice     string       `json:"origin_device,omitempty" bson:"origin_device,omitempty"`

	// PendingSync marks a record written to the cache while the durable
	// backend was unreachable; it is cleared on successful reconciliation.
	PendingSync bool `json:"pending_sync,omitempty" bson:"pending_sync,omitempty"`
	// SyncFailed marks a record whose replay exhausted all retry attempts.
	SyncFailed bool `json:"sync_failed,omitempty" bson:"sync_failed,omitempty"`
	// Archived marks a duplicate record retired by migration. Archived
	// records are invisible to reads but retained for setup history.
	Archived bool `json:"archived,omitempty" bson:"archived,omitempty"`
}

// State is the derived lifecycle state of a credential.
type State string

const (
	StateNoCredential        State = "no_credential"
	StatePendingVerification State = "pending_verification"
	StateEnabled             State = "enabled"
	StateDisabled            State = "disabled"
)

// StateOf derives the lifecycle state from the stored fields. A tombstoned
// record keeps its row (for audit) but has no ciphertext and is not enabled.
func StateOf(c *Credential) State {
	switch {
	case c == nil:
		return StateNoCredential
	case c.Enabled:
		return StateEnabled
	case c.SecretCiphertext != "":
		return StatePendingVerification
	default:
		return StateDisabled
	}
}

// Tombstone clears the secret material while retaining the record for audit.
// Backup codes are dropped together with the secret: a disabled credential
// must not be recoverable through a leftover recovery code.
func (c *Credential) Tombstone(now time.Time) {
	c.SecretCiphertext = ""
	c.BackupCodes = nil
	c.Enabled = false
	c.DisabledAt = &now
	c.UpdatedAt = now
}

// Clone returns a deep copy so callers can mutate records without aliasing
// backend-owned memory.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	if c.BackupCodes != nil {
		cp.BackupCodes = make([]BackupCode, len(c.BackupCodes))
		copy(cp.BackupCodes, c.BackupCodes)
	}
	return &cp
}

// NewerThan reports whether c holds a strictly newer mutation than other.
// Used by the conflict rule: the greater timestamp wins wholesale.
func (c *Credential) NewerThan(other *Credential) bool {
	if other == nil {
		return true
	}
	return c.UpdatedAt.After(other.UpdatedAt)
}
