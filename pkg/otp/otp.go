package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

const (
	// Digits is the length of generated codes (RFC 6238 standard).
	Digits = 6
	// Period is the validity window of one code in seconds.
	Period = 30

	// DefaultDriftSteps tolerates one adjacent window in either direction.
	DefaultDriftSteps = 1
	// MaxDriftSteps bounds the verification window at +-5 minutes. An
	// unbounded drift window quietly turns a one-time code into a
	// many-times code, so larger values are rejected outright.
	MaxDriftSteps = 10
)

var codeRegex = regexp.MustCompile(`^\d{6}$`)

var base32Codec = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret creates a new Base32-encoded TOTP secret.
func GenerateSecret() (string, error) {
	secret := make([]byte, 20) // 160-bit secret (RFC 4226 recommendation)
	if _, err := rand.Read(secret); err != nil {
		return "", errors.Join(ErrFailedToGenerateSecret, err)
	}
	return base32Codec.EncodeToString(secret), nil
}

// GenerateAt produces the 6-digit code for the 30-second window containing t.
func GenerateAt(secret string, t time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return formatCode(hotp(key, stepIndex(t))), nil
}

// Generate produces the code for the current window.
func Generate(secret string) (string, error) {
	return GenerateAt(secret, time.Now())
}

// Verify checks a submitted code against the secret at the given time,
// trying every step offset in [-driftSteps, +driftSteps] and accepting the
// first constant-time match. The returned offset lets callers detect
// persistent clock skew (a user whose device always matches at +1 deserves a
// warning, not a failed login). A driftSteps below zero falls back to
// DefaultDriftSteps; anything above MaxDriftSteps is rejected.
func Verify(secret, code string, at time.Time, driftSteps int) (int, bool, error) {
	if driftSteps < 0 {
		driftSteps = DefaultDriftSteps
	}
	if driftSteps > MaxDriftSteps {
		return 0, false, ErrDriftTooLarge
	}

	key, err := decodeSecret(secret)
	if err != nil {
		return 0, false, err
	}

	code = strings.TrimSpace(code)
	if !codeRegex.MatchString(code) {
		return 0, false, ErrInvalidCode
	}

	step := stepIndex(at)
	for k := -driftSteps; k <= driftSteps; k++ {
		candidate := formatCode(hotp(key, step+int64(k)))
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return k, true, nil
		}
	}
	return 0, false, nil
}

// stepIndex returns floor(unix / 30) for the given time.
func stepIndex(t time.Time) int64 {
	return t.Unix() / Period
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimRight(strings.TrimSpace(secret), "=")
	if secret == "" {
		return nil, ErrInvalidSecret
	}
	key, err := base32Codec.DecodeString(secret)
	if err != nil {
		return nil, errors.Join(ErrInvalidSecret, err)
	}
	return key, nil
}

func formatCode(code int) string {
	return fmt.Sprintf("%06d", code)
}

// hotp implements the RFC 4226 HMAC-based one-time password algorithm.
func hotp(key []byte, counter int64) int {
	// Convert counter to big-endian 8-byte array (RFC 4226 requirement)
	counterBytes := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		counterBytes[i] = byte(counter & 0xff)
		counter >>= 8
	}

	mac := hmac.New(sha1.New, key)
	mac.Write(counterBytes)
	hash := mac.Sum(nil)

	// Dynamic truncation (RFC 4226): last 4 bits select the offset
	offset := hash[len(hash)-1] & 0x0f
	code := (int(hash[offset]&0x7f) << 24) |
		(int(hash[offset+1]&0xff) << 16) |
		(int(hash[offset+2]&0xff) << 8) |
		int(hash[offset+3]&0xff)

	return code % int(math.Pow10(Digits))
}
