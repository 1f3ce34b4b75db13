package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sessiond/cmd/internal/outcome"
)

const pgUniqueViolation = "23505"

const sessionColumns = `id, user_id, metadata, refresh_token_hash, expires_at, created_at`

// pgRepo is the Repository handed to a Postgres unit of work.
type pgRepo struct {
	tx    pgx.Tx
	table string
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s   Session
		uid int64
	)
	if err := row.Scan(&s.ID, &uid, &s.Metadata, &s.RefreshTokenHash, &s.ExpiresAt, &s.CreatedAt); err != nil {
		return Session{}, err
	}
	s.UserID = UserID(uid)
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r *pgRepo) Find(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	s, err := scanSession(r.tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+r.table+` WHERE user_id = $1 AND metadata = $2`,
		int64(userID), metadata,
	))
	return notFoundOutcome(s, err, userID, metadata)
}

func (r *pgRepo) Insert(ctx context.Context, s Session) outcome.Outcome[Session, AlreadyExistsError] {
	s, err := stampNew(s)
	if err != nil {
		return outcome.Unexpected[Session, AlreadyExistsError](err)
	}

	stored, err := scanSession(r.tx.QueryRow(ctx,
		`INSERT INTO `+r.table+` (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+sessionColumns,
		s.ID, int64(s.UserID), s.Metadata, s.RefreshTokenHash, s.ExpiresAt, s.CreatedAt,
	))
	if isUniqueViolation(err) {
		return outcome.Exception[Session](AlreadyExistsError{UserID: s.UserID, Metadata: s.Metadata})
	}
	if err != nil {
		return outcome.Unexpected[Session, AlreadyExistsError](err)
	}
	return outcome.Success[Session, AlreadyExistsError](stored)
}

func (r *pgRepo) Update(ctx context.Context, s Session) outcome.Outcome[Session, NotFoundError] {
	stored, err := scanSession(r.tx.QueryRow(ctx,
		`UPDATE `+r.table+`
		 SET refresh_token_hash = $3, expires_at = $4
		 WHERE user_id = $1 AND metadata = $2
		 RETURNING `+sessionColumns,
		int64(s.UserID), s.Metadata, s.RefreshTokenHash, s.ExpiresAt,
	))
	return notFoundOutcome(stored, err, s.UserID, s.Metadata)
}

func (r *pgRepo) Delete(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	s, err := scanSession(r.tx.QueryRow(ctx,
		`DELETE FROM `+r.table+` WHERE user_id = $1 AND metadata = $2 RETURNING `+sessionColumns,
		int64(userID), metadata,
	))
	return notFoundOutcome(s, err, userID, metadata)
}

func (r *pgRepo) DeleteAll(ctx context.Context, userID UserID) ([]Session, error) {
	rows, err := r.tx.Query(ctx,
		`DELETE FROM `+r.table+` WHERE user_id = $1 RETURNING `+sessionColumns,
		int64(userID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgRepo) CountNotExpiredByUserID(ctx context.Context, userID UserID, now time.Time) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx,
		`SELECT count(*) FROM `+r.table+` WHERE user_id = $1 AND expires_at > $2`,
		int64(userID), now,
	).Scan(&n)
	return n, err
}

func notFoundOutcome(s Session, err error, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	if errors.Is(err, pgx.ErrNoRows) {
		return outcome.Exception[Session](NotFoundError{UserID: userID, Metadata: metadata})
	}
	if err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	return outcome.Success[Session, NotFoundError](s)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
