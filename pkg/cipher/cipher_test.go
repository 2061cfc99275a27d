package cipher_test

import (
	"encoding/base64"
	"testing"

	"github.com/dmitrymomot/mfakit/pkg/cipher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *cipher.Cipher {
	t.Helper()
	key, err := cipher.GenerateKey()
	require.NoError(t, err)
	c, err := cipher.New(cipher.StaticKey(key))
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "base32 secret", plaintext: "JBSWY3DPEHPK3PXP"},
		{name: "empty plaintext", plaintext: ""},
		{name: "long secret", plaintext: "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sealed, err := c.EncryptString(tt.plaintext)
			require.NoError(t, err)
			assert.NotEmpty(t, sealed)

			plain, err := c.DecryptString(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, plain)
		})
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)

	first, err := c.Encrypt([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.Equal(t, cipher.AlgorithmAESGCM, first.Algorithm)
}

func TestDecryptFailsClosed(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)

	sealed, err := c.EncryptString("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	t.Run("tampered ciphertext", func(t *testing.T) {
		t.Parallel()
		raw, err := base64.StdEncoding.DecodeString(sealed)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xff
		_, err = c.DecryptString(base64.StdEncoding.EncodeToString(raw))
		assert.ErrorIs(t, err, cipher.ErrDecryptionFailed)
	})

	t.Run("unknown algorithm tag", func(t *testing.T) {
		t.Parallel()
		raw, err := base64.StdEncoding.DecodeString(sealed)
		require.NoError(t, err)
		raw[1] = 0x7f
		_, err = c.DecryptString(base64.StdEncoding.EncodeToString(raw))
		assert.ErrorIs(t, err, cipher.ErrUnknownAlgorithm)
	})

	t.Run("truncated envelope", func(t *testing.T) {
		t.Parallel()
		_, err := c.DecryptString(base64.StdEncoding.EncodeToString([]byte{0x01}))
		assert.ErrorIs(t, err, cipher.ErrDecryptionFailed)
	})

	t.Run("not base64", func(t *testing.T) {
		t.Parallel()
		_, err := c.DecryptString("not-an-envelope!!!")
		assert.ErrorIs(t, err, cipher.ErrDecryptionFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		t.Parallel()
		other := newTestCipher(t)
		_, err := other.DecryptString(sealed)
		assert.ErrorIs(t, err, cipher.ErrDecryptionFailed)
	})
}

func TestNewRejectsBadKeys(t *testing.T) {
	t.Parallel()

	_, err := cipher.New(nil)
	assert.ErrorIs(t, err, cipher.ErrKeyNotSet)

	_, err = cipher.New(cipher.StaticKey(make([]byte, 16)))
	assert.ErrorIs(t, err, cipher.ErrInvalidKeyLength)
}

func TestEnvKey(t *testing.T) {
	t.Parallel()

	t.Run("valid key", func(t *testing.T) {
		t.Parallel()
		encoded, err := cipher.GenerateEncodedKey()
		require.NoError(t, err)

		source := cipher.NewEnvKey(cipher.Config{EncryptionKey: encoded})
		key, err := source.Key()
		require.NoError(t, err)
		assert.Len(t, key, cipher.KeySize)
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		source := cipher.NewEnvKey(cipher.Config{})
		_, err := source.Key()
		assert.ErrorIs(t, err, cipher.ErrKeyNotSet)
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Parallel()
		source := cipher.NewEnvKey(cipher.Config{
			EncryptionKey: base64.StdEncoding.EncodeToString(make([]byte, 16)),
		})
		_, err := source.Key()
		assert.ErrorIs(t, err, cipher.ErrInvalidKeyLength)
	})
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	t.Parallel()
	c := newTestCipher(t)

	env, err := c.Encrypt([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	decoded, err := cipher.DecodeEnvelope(env.Encode())
	require.NoError(t, err)
	assert.Equal(t, env.Algorithm, decoded.Algorithm)
	assert.Equal(t, env.Nonce, decoded.Nonce)
	assert.Equal(t, env.Ciphertext, decoded.Ciphertext)
}
