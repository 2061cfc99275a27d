package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required key length for AES-256.
	KeySize = 32

	// derivationInfo provides domain separation so the same master key cannot
	// be reused verbatim by another subsystem.
	derivationInfo = "mfakit-secret-v1"
)

// KeySource supplies the master key material. Keeping it behind an interface
// makes key rotation pluggable without touching the cipher itself.
type KeySource interface {
	Key() ([]byte, error)
}

// StaticKey is the simplest KeySource: a fixed in-memory key.
type StaticKey []byte

func (k StaticKey) Key() ([]byte, error) {
	if len(k) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	return k, nil
}

// Cipher seals and opens secret material with AES-256-GCM. A legacy AES-CBC
// decrypt path is retained for migration; nothing is ever encrypted with it.
type Cipher struct {
	key []byte
}

// New derives the working key from the source via HKDF-SHA256 and returns a
// ready-to-use cipher.
func New(source KeySource) (*Cipher, error) {
	if source == nil {
		return nil, errors.Join(ErrFailedToLoadKey, ErrKeyNotSet)
	}

	master, err := source.Key()
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadKey, err)
	}
	if len(master) != KeySize {
		return nil, errors.Join(ErrFailedToLoadKey, ErrInvalidKeyLength)
	}

	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(derivationInfo)), derived); err != nil {
		return nil, errors.Join(ErrKeyDerivationFail, err)
	}

	return &Cipher{key: derived}, nil
}

// Encrypt seals the plaintext with AES-256-GCM under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (Envelope, error) {
	aead, err := c.gcm()
	if err != nil {
		return Envelope{}, errors.Join(ErrEncryptionFailed, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, errors.Join(ErrEncryptionFailed, err)
	}

	return Envelope{
		Algorithm:  AlgorithmAESGCM,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens an envelope. Authentication failures and unknown algorithm
// tags return ErrDecryptionFailed; there is no best-effort plaintext path.
func (c *Cipher) Decrypt(env Envelope) ([]byte, error) {
	switch env.Algorithm {
	case AlgorithmAESGCM:
		aead, err := c.gcm()
		if err != nil {
			return nil, errors.Join(ErrDecryptionFailed, err)
		}
		if len(env.Nonce) != aead.NonceSize() {
			return nil, errors.Join(ErrDecryptionFailed, ErrInvalidCiphertext)
		}
		plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
		if err != nil {
			return nil, errors.Join(ErrDecryptionFailed, err)
		}
		return plaintext, nil
	case AlgorithmAESCBC:
		return c.decryptCBC(env)
	default:
		return nil, errors.Join(ErrDecryptionFailed, ErrUnknownAlgorithm)
	}
}

// EncryptString seals a string and returns the encoded envelope.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	env, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return env.Encode(), nil
}

// DecryptString decodes and opens a serialized envelope.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	env, err := DecodeEnvelope(encoded)
	if err != nil {
		return "", errors.Join(ErrDecryptionFailed, err)
	}
	plaintext, err := c.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (c *Cipher) gcm() (gocipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewGCM(block)
}

// decryptCBC opens a legacy AES-256-CBC envelope. CBC carries no
// authentication tag, so the result is only trusted after the secret codec
// validates it downstream; migration re-seals everything it touches with GCM.
func (c *Cipher) decryptCBC(env Envelope) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}
	if len(env.Nonce) != aes.BlockSize {
		return nil, errors.Join(ErrDecryptionFailed, ErrInvalidCiphertext)
	}
	if len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Join(ErrDecryptionFailed, ErrInvalidCiphertext)
	}

	plaintext := make([]byte, len(env.Ciphertext))
	gocipher.NewCBCDecrypter(block, env.Nonce).CryptBlocks(plaintext, env.Ciphertext)

	// PKCS#7 unpadding
	pad := int(plaintext[len(plaintext)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plaintext) {
		return nil, errors.Join(ErrDecryptionFailed, ErrInvalidCiphertext)
	}
	for _, b := range plaintext[len(plaintext)-pad:] {
		if int(b) != pad {
			return nil, errors.Join(ErrDecryptionFailed, ErrInvalidCiphertext)
		}
	}
	return plaintext[:len(plaintext)-pad], nil
}

// GenerateKey creates a new random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Join(ErrFailedToCreateKey, err)
	}
	return key, nil
}

// GenerateEncodedKey creates a new master key as a base64 string suitable for
// the MFA_ENCRYPTION_KEY environment variable.
func GenerateEncodedKey() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
