package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines the runtime configuration of the session subsystem.
// The Service copies it on construction; later changes have no effect.
type Config struct {
	// SessionTTL is the lifetime of a session from its last save or rotation.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// SessionsMaxNumber caps the not-expired sessions a user may hold.
	SessionsMaxNumber int `yaml:"sessions_max_number"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:        30 * 24 * time.Hour,
		SessionsMaxNumber: 5,
	}
}

// Validate reports ErrConfig when a value is out of range.
func (c Config) Validate() error {
	if c.SessionTTL <= 0 || c.SessionsMaxNumber <= 0 {
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv applies environment overrides on top of base.
//
// Optional:
//   - SESSIOND_SESSION_TTL (Go duration, > 0)
//   - SESSIOND_SESSIONS_MAX (integer, > 0)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv(base Config) (Config, error) {
	cfg := base

	if v := os.Getenv("SESSIOND_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SessionTTL = d
	}

	if v := os.Getenv("SESSIOND_SESSIONS_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SessionsMaxNumber = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
