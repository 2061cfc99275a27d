// Package backupcode generates and verifies single-use recovery codes.
//
// Codes are 16 hexadecimal characters of cryptographically random data,
// returned in plaintext exactly once at generation time. Storage keeps only
// SHA-256 hashes, and verification is constant-time.
//
// Consumption of a code is deliberately not implemented here: marking a code
// used must be an atomic compare-and-set against the storage backend (two
// devices may race on the same code during a sync window), so it lives with
// the backends in pkg/credstore.
package backupcode
