package mfa

import "errors"

var (
	// ErrAlreadyEnabled is returned by Setup when the user already has an
	// enabled credential. Disable first, then re-enroll.
	ErrAlreadyEnabled = errors.New("mfa is already enabled for this user")

	// ErrNotSetup is returned when verification is attempted with no
	// enabled credential.
	ErrNotSetup = errors.New("mfa is not set up for this user")

	// ErrVerificationFailed is returned for a wrong code. Retryable by the
	// user; rate limiting belongs to the login layer above.
	ErrVerificationFailed = errors.New("verification code is incorrect")

	// ErrAlreadyUsed is returned when a backup code is presented twice.
	ErrAlreadyUsed = errors.New("backup code has already been used")

	// ErrInvalidRecoveryToken is returned when a recovery token does not
	// match, has expired, or was already redeemed. Deliberately one error
	// for all three so the caller cannot probe token state.
	ErrInvalidRecoveryToken = errors.New("recovery token is invalid")

	// ErrFailedToLoadConfig is returned when environment configuration
	// cannot be parsed.
	ErrFailedToLoadConfig = errors.New("failed to load mfa configuration")
)
