package backupcode

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// CodeLength is the plaintext length of a backup code in hex characters
	// (64 bits of entropy).
	CodeLength = 16
	// DefaultCount is the number of codes issued per enrollment.
	DefaultCount = 4
	// MaxCount bounds a single generation batch.
	MaxCount = 20
)

var codeShapeRegex = regexp.MustCompile(`^[0-9A-F]{16}$`)

// Generate creates cryptographically random single-use backup codes. The
// plaintext codes are returned exactly once for display to the user; only
// hashes may ever be persisted.
func Generate(count int) ([]string, error) {
	if count < 1 || count > MaxCount {
		return nil, ErrInvalidCount
	}

	codes := make([]string, count)
	for i := range count {
		raw := make([]byte, CodeLength/2)
		if _, err := rand.Read(raw); err != nil {
			return nil, errors.Join(ErrFailedToGenerate, err)
		}
		codes[i] = fmt.Sprintf("%X", raw)
	}
	return codes, nil
}

// Hash returns the SHA-256 hex digest used for storage.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Verify compares a submitted code against a stored hash in constant time.
func Verify(code, hashedCode string) bool {
	computed := Hash(code)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hashedCode)) == 1
}

// Normalize strips the separators and casing users introduce when typing a
// code back in ("ab12-cd34 ef56 AB78" -> "AB12CD34EF56AB78").
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.NewReplacer("-", "", " ", "").Replace(code)
	return code
}

// LooksLikeCode reports whether a normalized submission has the shape of a
// backup code. The verify flow uses this to decide between the TOTP path
// (6 digits) and the backup-code path without a separate endpoint.
func LooksLikeCode(normalized string) bool {
	return codeShapeRegex.MatchString(normalized)
}
