package mfa

import (
	"errors"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload" // Load .env file automatically
)

type Config struct {
	Issuer          string `env:"MFA_ISSUER" envDefault:"mfakit"`
	BackupCodeCount int    `env:"MFA_BACKUP_CODE_COUNT" envDefault:"4"`
	DriftSteps      int    `env:"MFA_DRIFT_STEPS" envDefault:"1"`
}

// LoadConfig reads the facade configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrFailedToLoadConfig, err)
	}
	return cfg, nil
}
