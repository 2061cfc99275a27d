package cipher

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Algorithm identifies the scheme a ciphertext was produced with. It is a
// typed envelope field rather than a string prefix baked into the secret, so
// consumers never have to parse tags out of the payload.
type Algorithm byte

const (
	// AlgorithmAESGCM is the only algorithm Encrypt emits.
	AlgorithmAESGCM Algorithm = 0x01
	// AlgorithmAESCBC is kept decrypt-only so the migration service can read
	// records sealed before the switch to authenticated encryption.
	AlgorithmAESCBC Algorithm = 0x02
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmAESGCM:
		return "aes-256-gcm"
	case AlgorithmAESCBC:
		return "aes-256-cbc"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(a))
	}
}

// envelopeVersion is the wire version of the serialized envelope.
const envelopeVersion = 0x01

// Envelope is a self-describing ciphertext: algorithm tag, nonce (or IV for
// the legacy scheme), and the sealed payload including the authentication tag.
type Envelope struct {
	Algorithm  Algorithm
	Nonce      []byte
	Ciphertext []byte
}

// nonceSize returns the expected nonce length for the algorithm.
func nonceSize(a Algorithm) (int, error) {
	switch a {
	case AlgorithmAESGCM:
		return 12, nil // standard GCM nonce
	case AlgorithmAESCBC:
		return 16, nil // AES block size IV
	default:
		return 0, ErrUnknownAlgorithm
	}
}

// Encode serializes the envelope to a compact base64 string:
// version | algorithm | nonce | ciphertext.
func (e Envelope) Encode() string {
	buf := make([]byte, 0, 2+len(e.Nonce)+len(e.Ciphertext))
	buf = append(buf, envelopeVersion, byte(e.Algorithm))
	buf = append(buf, e.Nonce...)
	buf = append(buf, e.Ciphertext...)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeEnvelope parses a serialized envelope. It fails closed: a truncated
// payload, an unsupported version, or an unknown algorithm tag is rejected
// before any cryptographic work happens.
func DecodeEnvelope(encoded string) (Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Envelope{}, errors.Join(ErrInvalidCiphertext, err)
	}
	if len(raw) < 2 {
		return Envelope{}, ErrInvalidCiphertext
	}
	if raw[0] != envelopeVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported envelope version 0x%02x", ErrInvalidCiphertext, raw[0])
	}

	alg := Algorithm(raw[1])
	ns, err := nonceSize(alg)
	if err != nil {
		return Envelope{}, err
	}
	if len(raw) < 2+ns {
		return Envelope{}, ErrInvalidCiphertext
	}

	return Envelope{
		Algorithm:  alg,
		Nonce:      raw[2 : 2+ns],
		Ciphertext: raw[2+ns:],
	}, nil
}
