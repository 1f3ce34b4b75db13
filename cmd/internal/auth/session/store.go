package session

import (
	"context"
	"time"

	"sessiond/cmd/internal/outcome"
)

// Repository abstracts persistence for sessions.
//
// Implementations persist RefreshTokenHash and never RefreshToken; sessions
// they return carry no plaintext token.
//
// Declared conditions (missing row, duplicate natural key) come back as
// exceptions; anything else is an unexpected error. A Repository obtained from a
// Transactor is only valid inside the callback it was passed to.
type Repository interface {
	// Find loads the session for (userID, metadata).
	Find(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError]

	// Insert stores a new session and returns it with ID and CreatedAt assigned.
	Insert(ctx context.Context, s Session) outcome.Outcome[Session, AlreadyExistsError]

	// Update replaces RefreshTokenHash and ExpiresAt of the session keyed by
	// (s.UserID, s.Metadata) and returns the stored row.
	Update(ctx context.Context, s Session) outcome.Outcome[Session, NotFoundError]

	// Delete removes one session and returns it.
	Delete(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError]

	// DeleteAll removes every session of userID in one call and returns them.
	DeleteAll(ctx context.Context, userID UserID) ([]Session, error)

	// CountNotExpiredByUserID counts sessions of userID with ExpiresAt after now.
	CountNotExpiredByUserID(ctx context.Context, userID UserID, now time.Time) (int, error)
}

// Transactor runs units of work against a Repository.
//
// WithinUserTx executes fn atomically and serialized with every other unit for
// the same user. A nil error from fn commits; a non-nil error discards the
// unit's writes where the backend supports it and is returned unchanged.
type Transactor interface {
	WithinUserTx(ctx context.Context, userID UserID, fn func(ctx context.Context, repo Repository) error) error
}

// Store is a Transactor that owns backend resources.
type Store interface {
	Transactor
	Close() error
}
