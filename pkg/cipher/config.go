package cipher

import (
	"encoding/base64"
	"errors"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload" // Load .env file automatically
)

type Config struct {
	EncryptionKey string `env:"MFA_ENCRYPTION_KEY,required"` // Base64-encoded 32-byte master key
}

// LoadConfig reads the cipher configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrFailedToLoadKey, err)
	}
	if cfg.EncryptionKey == "" {
		return Config{}, errors.Join(ErrFailedToLoadKey, ErrKeyNotSet)
	}
	return cfg, nil
}

// EnvKey is a KeySource backed by the environment configuration.
type EnvKey struct {
	cfg Config
}

// NewEnvKey wraps an already-loaded Config as a KeySource.
func NewEnvKey(cfg Config) EnvKey {
	return EnvKey{cfg: cfg}
}

func (k EnvKey) Key() ([]byte, error) {
	if k.cfg.EncryptionKey == "" {
		return nil, errors.Join(ErrFailedToLoadKey, ErrKeyNotSet)
	}
	key, err := base64.StdEncoding.DecodeString(k.cfg.EncryptionKey)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadKey, err)
	}
	if len(key) != KeySize {
		return nil, errors.Join(ErrFailedToLoadKey, ErrInvalidKeyLength)
	}
	return key, nil
}
