package secretcodec

import "errors"

// ErrInvalidFormat is returned when fewer than MinSecretLength valid Base32
// symbols can be recovered from a raw secret. Such a credential is unusable
// and requires a reset; it is never repairable by cleaning alone.
var ErrInvalidFormat = errors.New("secret is not a valid Base32 value")
