// Package db holds the embedded SQL schema for the session store.
package db

import "embed"

// MigrationFS embeds SQL migration files from cmd/internal/db/migrations.
// Used by the migrate runner (sessiond migrate, sessiond -dev).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
