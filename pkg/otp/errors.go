package otp

import "errors"

var (
	ErrInvalidSecret          = errors.New("invalid TOTP secret")
	ErrInvalidCode            = errors.New("invalid code format")
	ErrDriftTooLarge          = errors.New("drift window exceeds the allowed maximum")
	ErrMissingSecret          = errors.New("missing secret")
	ErrMissingAccountName     = errors.New("missing account name")
	ErrMissingIssuer          = errors.New("missing issuer")
	ErrFailedToGenerateSecret = errors.New("failed to generate TOTP secret")
	ErrFailedToGenerateQRCode = errors.New("failed to generate QR code")
)
