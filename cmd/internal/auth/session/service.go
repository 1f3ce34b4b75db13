package session

import (
	"context"
	"log/slog"
	"time"

	"sessiond/cmd/internal/outcome"
	"sessiond/cmd/security/token"
)

const (
	msgCheckedBeforeUpdate = "the session existence was checked before updating it, but an error occurs"
	msgCheckedBeforeInsert = "the session not existence was checked before inserting it, but an error occurs"
	msgCheckedBeforeDelete = "the session existence was checked before deleting it, but an error occurs"
)

// Service implements the session lifecycle operations.
//
// Every operation runs as one unit of work per user, so lookups, limit checks
// and writes cannot interleave with another operation for the same user.
// The clock is read only after the unit holds the user.
// Any failed validation revokes all sessions of the user; the revocation is
// committed even though the operation reports an exception.
type Service struct {
	cfg     Config
	tx      Transactor
	log     *slog.Logger
	now     func() time.Time
	metrics *Metrics
}

// Option configures the Service.
type Option func(*Service) error

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrConfig
		}
		s.now = now
		return nil
	}
}

// WithMetrics enables operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// NewService constructs a Service. It returns ErrConfig for an invalid config
// or a nil transactor.
func NewService(cfg Config, tx Transactor, opts ...Option) (*Service, error) {
	if tx == nil {
		return nil, ErrConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg: cfg,
		tx:  tx,
		log: slog.Default(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Config returns a copy of the service configuration.
func (s *Service) Config() Config { return s.cfg }

// revocation records a revoke-all performed inside a unit of work.
// It is reported only after the unit commits.
type revocation struct {
	reason  ValidateException
	removed int
}

// Validate checks that a session exists for (userID, metadata), that presented
// hashes to its stored refresh token hash and that it has not expired. On any
// failure every session of the user is deleted.
func (s *Service) Validate(ctx context.Context, userID UserID, metadata, presented string) outcome.Outcome[Session, ValidateException] {
	start := time.Now()

	var (
		res outcome.Outcome[Session, ValidateException]
		rev *revocation
	)
	err := s.tx.WithinUserTx(ctx, userID, func(ctx context.Context, repo Repository) error {
		res, rev = s.validate(ctx, repo, userID, metadata, presented, s.now())
		return res.Err()
	})
	if err != nil {
		res = outcome.Unexpected[Session, ValidateException](err)
	}

	s.finish(ctx, "validate", userID, metadata, res.Kind(), err, rev, start)
	return res
}

// Save creates a session for (userID, metadata) or, if one exists, replaces its
// refresh token and extends its expiry. Creating a session fails with
// SessionsLimitReached when the user already holds SessionsMaxNumber
// not-expired sessions; replacing one is never limited.
func (s *Service) Save(ctx context.Context, userID UserID, metadata, refreshToken string) outcome.Outcome[Session, SessionsLimitReached] {
	start := time.Now()

	var res outcome.Outcome[Session, SessionsLimitReached]
	err := s.tx.WithinUserTx(ctx, userID, func(ctx context.Context, repo Repository) error {
		now := s.now()
		res = s.save(ctx, repo, NewSession(userID, metadata, refreshToken, now, s.cfg.SessionTTL), now)
		return res.Err()
	})
	if err != nil {
		res = outcome.Unexpected[Session, SessionsLimitReached](err)
	}

	if exc, ok := res.Exception(); ok {
		s.log.InfoContext(ctx, "session.save.limit",
			"user_id", int64(userID),
			"limit", exc.Limit,
		)
	}
	s.finish(ctx, "save", userID, metadata, res.Kind(), err, nil, start)
	return res
}

func (s *Service) save(ctx context.Context, repo Repository, candidate Session, now time.Time) outcome.Outcome[Session, SessionsLimitReached] {
	found := repo.Find(ctx, candidate.UserID, candidate.Metadata)
	switch found.Kind() {
	case outcome.KindSuccess:
		updated, err := repo.Update(ctx, candidate).CollapseWithContext(msgCheckedBeforeUpdate)
		if err != nil {
			return outcome.Unexpected[Session, SessionsLimitReached](err)
		}
		updated.RefreshToken = candidate.RefreshToken
		return outcome.Success[Session, SessionsLimitReached](updated)
	case outcome.KindException:
		// Absent: a new pair, subject to the limit.
	default:
		return outcome.Unexpected[Session, SessionsLimitReached](found.Err())
	}

	count, err := repo.CountNotExpiredByUserID(ctx, candidate.UserID, now)
	if err != nil {
		return outcome.Unexpected[Session, SessionsLimitReached](err)
	}
	if count >= s.cfg.SessionsMaxNumber {
		return outcome.Exception[Session](SessionsLimitReached{Limit: s.cfg.SessionsMaxNumber})
	}

	inserted, err := repo.Insert(ctx, candidate).CollapseWithContext(msgCheckedBeforeInsert)
	if err != nil {
		return outcome.Unexpected[Session, SessionsLimitReached](err)
	}
	inserted.RefreshToken = candidate.RefreshToken
	return outcome.Success[Session, SessionsLimitReached](inserted)
}

// Update validates the presented token and rotates it to newToken.
// The expiry is left unchanged.
func (s *Service) Update(ctx context.Context, userID UserID, metadata, presented, newToken string) outcome.Outcome[Session, UpdateException] {
	start := time.Now()

	var (
		res outcome.Outcome[Session, UpdateException]
		rev *revocation
	)
	err := s.tx.WithinUserTx(ctx, userID, func(ctx context.Context, repo Repository) error {
		var valid outcome.Outcome[Session, ValidateException]
		valid, rev = s.validate(ctx, repo, userID, metadata, presented, s.now())
		cur, ok := valid.Value()
		if !ok {
			res = outcome.MapException(valid, func(e ValidateException) UpdateException {
				return UpdateException{Cause: e}
			})
			return res.Err()
		}

		updated, err := repo.Update(ctx, cur.withRefreshToken(newToken)).CollapseWithContext(msgCheckedBeforeUpdate)
		if err != nil {
			return err
		}
		updated.RefreshToken = newToken
		res = outcome.Success[Session, UpdateException](updated)
		return nil
	})
	if err != nil {
		res = outcome.Unexpected[Session, UpdateException](err)
	}

	s.finish(ctx, "update", userID, metadata, res.Kind(), err, rev, start)
	return res
}

// Delete validates the presented token and removes that one session.
// It returns the deleted session.
func (s *Service) Delete(ctx context.Context, userID UserID, metadata, presented string) outcome.Outcome[Session, DeleteException] {
	start := time.Now()

	var (
		res outcome.Outcome[Session, DeleteException]
		rev *revocation
	)
	err := s.tx.WithinUserTx(ctx, userID, func(ctx context.Context, repo Repository) error {
		var valid outcome.Outcome[Session, ValidateException]
		valid, rev = s.validate(ctx, repo, userID, metadata, presented, s.now())
		if !valid.IsSuccess() {
			res = outcome.MapException(valid, func(e ValidateException) DeleteException {
				return DeleteException{Cause: e}
			})
			return res.Err()
		}

		deleted, err := repo.Delete(ctx, userID, metadata).CollapseWithContext(msgCheckedBeforeDelete)
		if err != nil {
			return err
		}
		deleted.RefreshToken = presented
		res = outcome.Success[Session, DeleteException](deleted)
		return nil
	})
	if err != nil {
		res = outcome.Unexpected[Session, DeleteException](err)
	}

	s.finish(ctx, "delete", userID, metadata, res.Kind(), err, rev, start)
	return res
}

func (s *Service) validate(ctx context.Context, repo Repository, userID UserID, metadata, presented string, now time.Time) (outcome.Outcome[Session, ValidateException], *revocation) {
	found := repo.Find(ctx, userID, metadata)
	switch found.Kind() {
	case outcome.KindSuccess:
	case outcome.KindException:
		return s.revokeAll(ctx, repo, userID, NoSessionFound)
	default:
		return outcome.Unexpected[Session, ValidateException](found.Err()), nil
	}

	cur, _ := found.Value()
	if !cur.matches(presented) {
		s.log.DebugContext(ctx, "session.validate.token_mismatch",
			"user_id", int64(userID),
			"presented_fp", token.Fingerprint(presented),
		)
		return s.revokeAll(ctx, repo, userID, InvalidRefreshToken)
	}
	if cur.IsExpired(now) {
		return s.revokeAll(ctx, repo, userID, SessionExpired)
	}
	cur.RefreshToken = presented
	return outcome.Success[Session, ValidateException](cur), nil
}

func (s *Service) revokeAll(ctx context.Context, repo Repository, userID UserID, reason ValidateException) (outcome.Outcome[Session, ValidateException], *revocation) {
	removed, err := repo.DeleteAll(ctx, userID)
	if err != nil {
		return outcome.Unexpected[Session, ValidateException](err), nil
	}
	return outcome.Exception[Session](reason), &revocation{reason: reason, removed: len(removed)}
}

func (s *Service) finish(ctx context.Context, op string, userID UserID, metadata string, kind outcome.Kind, err error, rev *revocation, start time.Time) {
	s.metrics.observe(op, kind, time.Since(start))

	if err != nil {
		s.log.ErrorContext(ctx, "session."+op+".fail",
			"user_id", int64(userID),
			"metadata", metadata,
			"err", err,
		)
		return
	}
	if rev != nil {
		s.metrics.revoked(rev.reason.Code(), rev.removed)
		s.log.WarnContext(ctx, "session.revoke_all",
			"op", op,
			"user_id", int64(userID),
			"metadata", metadata,
			"reason", rev.reason.Code(),
			"revoked", rev.removed,
		)
	}
}
