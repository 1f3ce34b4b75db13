// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"sessiond/cmd/internal/db"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange is returned by golang-migrate when there is nothing to apply.
// Run treats it as success.
var ErrNoChange = migrate.ErrNoChange

// ErrNoDatabaseURL is returned when Run is called without a DSN.
var ErrNoDatabaseURL = errors.New("SESSIOND_DATABASE_URL is not set")

// Direction selects which way Run migrates.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Run applies migrations in the given direction using the provided DSN.
// Returns nil when already at the target version.
func Run(dsn string, dir Direction) error {
	if strings.TrimSpace(dsn) == "" {
		return ErrNoDatabaseURL
	}
	if dir != Up && dir != Down {
		return fmt.Errorf("direction must be up or down, got %q", dir)
	}

	src, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch dir {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Version reports the applied schema version. dirty is true when the last
// migration failed halfway.
func Version(dsn string) (version uint, dirty bool, err error) {
	if strings.TrimSpace(dsn) == "" {
		return 0, false, ErrNoDatabaseURL
	}

	src, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return 0, false, fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
