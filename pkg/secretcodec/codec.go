package secretcodec

import (
	"regexp"
	"strings"
)

const (
	// MinSecretLength is the minimum number of Base32 symbols a usable TOTP
	// secret must contain (80 bits of entropy).
	MinSecretLength = 16
)

// validSecretRegex matches a canonical Base32 secret: uppercase A-Z,
// digits 2-7, optional trailing padding.
var validSecretRegex = regexp.MustCompile(`^[A-Z2-7]+=*$`)

var whitespaceReplacer = strings.NewReplacer(" ", "", "\t", "", "\n", "", "\r", "")

// Secret is a canonicalized TOTP secret.
type Secret struct {
	Value string
	// Recovered reports that invalid characters had to be filtered out to
	// reach a usable value; such records should be re-encoded by migration.
	Recovered bool
	// LegacyTag reports that a colon-delimited scheme prefix was stripped,
	// marking the record as a legacy format version.
	LegacyTag bool
}

// Clean canonicalizes a raw stored secret into its Base32 transport form.
//
// Earlier format versions embedded scheme tags ahead of the real secret
// ("cbc:...", "gcm:..."), and several legacy writers stored lowercase or
// whitespace-laden values. Clean strips all of that: the last colon-delimited
// segment is treated as the candidate secret, whitespace is removed, the
// result is uppercased and validated against the Base32 alphabet. When
// invalid characters remain but at least MinSecretLength valid symbols can be
// recovered by filtering, the filtered value is returned with Recovered set.
// Anything shorter is not a usable credential and returns ErrInvalidFormat.
//
// Clean runs on every read path, not only during migration: a corrupted
// secret must never reach the TOTP engine.
func Clean(raw string) (Secret, error) {
	candidate := raw

	// Legacy tags were colon-delimited prefixes; the real secret is always
	// the final segment. A colon can never appear in valid Base32, so this
	// cannot clip a healthy value.
	legacyTag := false
	if idx := strings.LastIndexByte(candidate, ':'); idx >= 0 {
		candidate = candidate[idx+1:]
		legacyTag = true
	}

	candidate = strings.ToUpper(whitespaceReplacer.Replace(candidate))

	if validSecretRegex.MatchString(candidate) {
		if symbolCount(candidate) < MinSecretLength {
			return Secret{}, ErrInvalidFormat
		}
		return Secret{Value: candidate, LegacyTag: legacyTag}, nil
	}

	// Salvage path: keep only valid Base32 symbols and accept the result if
	// enough entropy survives.
	recovered := filterBase32(candidate)
	if len(recovered) < MinSecretLength {
		return Secret{}, ErrInvalidFormat
	}
	return Secret{Value: recovered, Recovered: true, LegacyTag: legacyTag}, nil
}

// IsCanonical reports whether a value is already a valid Base32 secret of
// sufficient length, with no cleaning required.
func IsCanonical(value string) bool {
	return validSecretRegex.MatchString(value) && symbolCount(value) >= MinSecretLength
}

// symbolCount counts Base32 symbols excluding padding.
func symbolCount(s string) int {
	return len(strings.TrimRight(s, "="))
}

func filterBase32(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
