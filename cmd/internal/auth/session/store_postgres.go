package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Each unit of work is one read-committed transaction that first takes a
//     transactional advisory lock keyed by the user. Every later statement of
//     the unit sees the data committed by the previous holder of the lock.
//   - UNIQUE (user_id, metadata) backs the natural key.
//
// The table is created by the embedded migrations (cmd/internal/db).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// pgSessionsTable must match the table created by the migrations.
const pgSessionsTable = "sessiond.sessions"

// NewPostgresStore constructs a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// WithinUserTx implements Transactor.
func (s *PostgresStore) WithinUserTx(ctx context.Context, userID UserID, fn func(ctx context.Context, repo Repository) error) error {
	if s == nil || s.pool == nil {
		return errors.New("session: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all units per user so that existence and limit checks hold
	// until commit.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, advisoryKey(userID)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if err := fn(ctx, &pgRepo{tx: tx, table: pgSessionsTable}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func advisoryKey(userID UserID) string {
	return "session:" + strconv.FormatInt(int64(userID), 10)
}
