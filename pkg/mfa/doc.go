// Package mfa is the facade over the whole subsystem: enrollment,
// verification, disablement, status, device sync, and emergency recovery.
//
// # Architecture
//
// The Service composes the credential store (durable plus cache with a
// degradation policy), the cipher (secrets never touch storage in
// plaintext), the sync coordinator (offline write replay), and an audit
// logger. Callers interact only with this package; the layers below are
// exported for wiring and tests, not for day-to-day use.
//
// # Usage
//
//	svc := mfa.NewService(store, ciph, coord, cfg, mfa.WithAudit(auditLog))
//
//	setup, err := svc.Setup(ctx, userID)     // show secret, QR, backup codes once
//	err = svc.ConfirmSetup(ctx, userID, code) // first valid code enables
//	res, err := svc.Verify(ctx, userID, code) // TOTP or backup code by shape
//
// # Error Handling
//
// User-visible failures collapse to three outcomes: the code was wrong
// (ErrVerificationFailed, ErrAlreadyUsed), MFA is not set up (ErrNotSetup),
// or the enrollment needs a reset (secretcodec.ErrInvalidFormat bubbling
// up). Storage unavailability is absorbed by the cache fallback and never
// fails a verification on its own; encryption and format errors always
// surface because masking them corrupts credentials silently.
package mfa
