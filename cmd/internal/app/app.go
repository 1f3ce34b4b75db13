// Package app wires the sessiond runtime: config, logging, storage backends,
// metrics and the operator CLI.
package app

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"sessiond/cmd/internal/auth/session"
)

// App owns the session service and the backend resources behind it.
type App struct {
	cfg Config
	log Logger

	backend string
	store   session.Store
	closers []func() error

	svc *session.Service
	reg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor, nil)
	}

	reg, metrics, err := newMetrics()
	if err != nil {
		return nil, err
	}

	backend := cfg.ResolvedStore()
	st, closers, err := newStore(ctx, cfg, backend, log)
	if err != nil {
		return nil, err
	}

	svc, err := session.NewService(cfg.Session, st,
		session.WithLogger(log),
		session.WithMetrics(metrics),
	)
	if err != nil {
		_ = closeAll(st, closers)
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		backend: backend,
		store:   st,
		closers: closers,
		svc:     svc,
		reg:     reg,
	}, nil
}

// Service returns the wired session service.
func (a *App) Service() *session.Service { return a.svc }

// Store returns the backend store.
func (a *App) Store() session.Store { return a.store }

// Backend reports the resolved store backend.
func (a *App) Backend() string { return a.backend }

// Close flushes metrics and releases backend resources.
func (a *App) Close() error {
	var errs []error
	if err := writeMetricsTextfile(a.cfg.MetricsTextfile, a.reg); err != nil {
		a.log.Error("metrics.write.fail", "path", a.cfg.MetricsTextfile, "err", err)
		errs = append(errs, err)
	}
	if err := closeAll(a.store, a.closers); err != nil {
		a.log.Error("store.close.fail", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// newStore decides between Postgres, Redis and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, backend string, log Logger) (session.Store, []func() error, error) {
	switch backend {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}

		// Ownership model:
		// - app owns pool lifecycle
		// - PostgresStore.Close() is a no-op
		st, err := session.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("db.enabled.postgres_store")
		return st, []func() error{func() error { pool.Close(); return nil }}, nil

	case StoreRedis:
		cli, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		st, err := session.NewRedisStore(cli,
			session.WithKeyPrefix(cfg.RedisKeyPrefix),
			session.WithLockWait(cfg.RedisLockWait),
		)
		if err != nil {
			_ = cli.Close()
			return nil, nil, err
		}
		log.Info("redis.enabled.redis_store", "prefix", cfg.RedisKeyPrefix)
		return st, []func() error{cli.Close}, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return session.NewMemoryStore(), nil, nil
	}
}

func closeAll(st session.Store, closers []func() error) error {
	var errs []error
	if st != nil {
		errs = append(errs, st.Close())
	}
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}
