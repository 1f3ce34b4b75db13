package app

import (
	"fmt"
	"os"
	"path/filepath"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"sessiond/cmd/internal/db/migrate"
)

const (
	devPGUser     = "sessiond"
	devPGPassword = "sessiond"
	devPGDatabase = "sessiond"
)

// startDevPostgres starts a throwaway local Postgres, migrates it and points
// cfg at it. The caller must Stop the returned database.
func startDevPostgres(cfg *Config, log Logger) (*embeddedpostgres.EmbeddedPostgres, error) {
	dataDir := cfg.DevPGData
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(cfg.DevPGPort).
			Username(devPGUser).
			Password(devPGPassword).
			Database(devPGDatabase).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "sessiond-embedded-pg")),
	)

	log.Info("devdb.start", "port", cfg.DevPGPort, "data", dataDir)
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("embedded postgres start: %w", err)
	}

	cfg.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		devPGUser, devPGPassword, cfg.DevPGPort, devPGDatabase,
	)
	cfg.Store = StorePostgres

	if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
		_ = db.Stop()
		return nil, fmt.Errorf("embedded postgres migrate: %w", err)
	}
	log.Info("devdb.ready", "port", cfg.DevPGPort)
	return db, nil
}
