// Package cipher provides authenticated symmetric encryption for MFA secret
// material using AES-256-GCM.
//
// Ciphertexts are wrapped in a structured, self-describing envelope carrying
// a typed algorithm tag, the nonce, and the sealed payload. This replaces the
// historical practice of prefixing scheme names onto the secret string itself,
// which forced every consumer to parse tags out of Base32 data.
//
// Encryption always uses AES-256-GCM with a fresh random nonce. Decryption
// fails closed: a bad authentication tag, a truncated envelope, or an unknown
// algorithm tag returns ErrDecryptionFailed and never a best-effort plaintext.
// A legacy AES-256-CBC algorithm tag is supported on the decrypt path only so
// the migration service can re-seal old records.
//
// The master key comes from a pluggable KeySource; the working key is derived
// via HKDF-SHA256 with a fixed domain-separation label so the master key can
// be shared with other subsystems without nonce-reuse hazards.
//
// # Usage
//
//	cfg, err := cipher.LoadConfig()
//	if err != nil {
//		// handle error
//	}
//	c, err := cipher.New(cipher.NewEnvKey(cfg))
//	if err != nil {
//		// handle error
//	}
//
//	sealed, err := c.EncryptString("JBSWY3DPEHPK3PXP")
//	plain, err := c.DecryptString(sealed)
//
// # Error Handling
//
// All operations return sentinel errors joined with errors.Join; match them
// with errors.Is against ErrEncryptionFailed, ErrDecryptionFailed,
// ErrUnknownAlgorithm and friends.
package cipher
