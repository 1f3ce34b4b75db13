package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sessiond/cmd/internal/auth/session"
)

// Store backends selectable with SESSIOND_STORE.
const (
	StoreAuto     = "auto"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("app: invalid config")

// Config contains all runtime configuration.
//
// Precedence: environment > YAML file (SESSIOND_CONFIG) > defaults.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | pretty
	LogColor  bool   `yaml:"log_color"`

	// Store selects the backend. "auto" picks Postgres when DatabaseURL is set,
	// then Redis when RedisURL is set, then memory.
	Store string `yaml:"store"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	RedisURL       string        `yaml:"redis_url"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix"`
	RedisLockWait  time.Duration `yaml:"redis_lock_wait"`

	// OpTimeout bounds each CLI operation.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// MetricsTextfile, when set, receives the session metrics in Prometheus
	// text format on shutdown (node_exporter textfile collector).
	MetricsTextfile string `yaml:"metrics_textfile"`

	// Embedded Postgres used by -dev.
	DevPGPort uint32 `yaml:"dev_pg_port"`
	DevPGData string `yaml:"dev_pg_data"`

	Session session.Config `yaml:"session"`
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:       "info",
		LogFormat:      "json",
		Store:          StoreAuto,
		DBMaxConns:     10,
		DBMinConns:     0,
		RedisKeyPrefix: "sessiond",
		RedisLockWait:  5 * time.Second,
		OpTimeout:      10 * time.Second,
		DevPGPort:      54329,
		DevPGData:      ".pgdata",
		Session:        session.DefaultConfig(),
	}
}

// LoadConfig builds Config from defaults, the optional YAML file named by
// SESSIOND_CONFIG and environment overrides.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("SESSIOND_CONFIG", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.LogLevel = EnvString("SESSIOND_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvChoice("SESSIOND_LOG_FORMAT", cfg.LogFormat, "json", "pretty")
	cfg.LogColor = EnvBool("SESSIOND_LOG_COLOR", cfg.LogColor)

	cfg.Store = EnvChoice("SESSIOND_STORE", cfg.Store, StoreAuto, StoreMemory, StorePostgres, StoreRedis)

	cfg.DatabaseURL = EnvString("SESSIOND_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("SESSIOND_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("SESSIOND_DB_MIN_CONNS", cfg.DBMinConns)

	cfg.RedisURL = EnvString("SESSIOND_REDIS_URL", cfg.RedisURL)
	cfg.RedisKeyPrefix = EnvString("SESSIOND_REDIS_PREFIX", cfg.RedisKeyPrefix)
	cfg.RedisLockWait = EnvDuration("SESSIOND_REDIS_LOCK_WAIT", cfg.RedisLockWait)

	cfg.OpTimeout = EnvDuration("SESSIOND_OP_TIMEOUT", cfg.OpTimeout)

	cfg.MetricsTextfile = EnvString("SESSIOND_METRICS_TEXTFILE", cfg.MetricsTextfile)

	cfg.DevPGPort = uint32(EnvInt("SESSIOND_DEV_PG_PORT", int(cfg.DevPGPort)))
	cfg.DevPGData = EnvString("SESSIOND_DEV_PG_DATA", cfg.DevPGData)

	sc, err := session.LoadConfigFromEnv(cfg.Session)
	if err != nil {
		return Config{}, fmt.Errorf("%w: session: %w", ErrConfig, err)
	}
	cfg.Session = sc

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store {
	case StoreAuto, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: store=postgres requires SESSIOND_DATABASE_URL", ErrConfig)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: store=redis requires SESSIOND_REDIS_URL", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrConfig, c.Store)
	}
	if c.LogFormat != "json" && c.LogFormat != "pretty" {
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.LogFormat)
	}
	if c.OpTimeout <= 0 || c.RedisLockWait <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrConfig)
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: db min conns exceed max conns", ErrConfig)
	}
	return nil
}

// ResolvedStore returns the backend that "auto" resolves to.
func (c Config) ResolvedStore() string {
	if c.Store != StoreAuto {
		return c.Store
	}
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.RedisURL != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrConfig, path, err)
	}
	return nil
}
