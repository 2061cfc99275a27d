// Package otp implements RFC 6238 time-based one-time passwords with a
// bounded, clock-drift-tolerant verification window.
//
// Codes are 6 digits over 30-second steps using HMAC-SHA1, matching what
// every mainstream authenticator app produces. Verify tries each step offset
// within the configured drift window and reports which offset matched, so a
// caller can warn a user about persistent clock skew instead of failing the
// login. Candidate codes are compared in constant time.
//
// The drift window is hard-capped at MaxDriftSteps; this is deliberate, as an
// unbounded window is a standing invitation to replay stale codes.
//
// The package also builds otpauth:// provisioning URIs and QR codes for
// enrollment. It expects canonical Base32 secrets; run raw stored values
// through pkg/secretcodec first.
package otp
