package app

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName   = "sessiond"
	dbHealthCheckPeriod = 30 * time.Second
	dbMaxConnIdleTime   = 5 * time.Minute
	dbPingTimeout       = 3 * time.Second
)

// NewDBPool connects the Postgres session store and validates connectivity.
// It does NOT run migrations; use `sessiond migrate` or -dev.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, min(cfg.OpTimeout, dbPingTimeout)); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// dbPoolConfig derives pool settings from cfg.
//
// Every session unit holds a per-user advisory lock for the life of its
// transaction, so statements and idle transactions are cut off after
// OpTimeout. Values given in the DSN win.
func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.HealthCheckPeriod = dbHealthCheckPeriod
	pcfg.MaxConnIdleTime = dbMaxConnIdleTime

	params := pcfg.ConnConfig.RuntimeParams
	setDefault := func(k, v string) {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	setDefault("application_name", dbApplicationName)
	if cfg.OpTimeout > 0 {
		ms := strconv.FormatInt(cfg.OpTimeout.Milliseconds(), 10)
		setDefault("statement_timeout", ms)
		setDefault("idle_in_transaction_session_timeout", ms)
	}

	return pcfg, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
