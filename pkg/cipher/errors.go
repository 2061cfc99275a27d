package cipher

import "errors"

var (
	ErrEncryptionFailed  = errors.New("failed to encrypt secret")
	ErrDecryptionFailed  = errors.New("failed to decrypt secret")
	ErrInvalidKeyLength  = errors.New("invalid encryption key length, must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext envelope")
	ErrUnknownAlgorithm  = errors.New("unknown ciphertext algorithm tag")
	ErrLegacyAlgorithm   = errors.New("legacy algorithm is decrypt-only")
	ErrKeyNotSet         = errors.New("encryption key not set")
	ErrKeyDerivationFail = errors.New("key derivation failed")
	ErrFailedToLoadKey   = errors.New("failed to load encryption key")
	ErrFailedToCreateKey = errors.New("failed to generate encryption key")
)
