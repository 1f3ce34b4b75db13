package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"sessiond/cmd/internal/outcome"
)

// MemoryStore is a dev-only fallback when no database is configured.
//
// Units of work are serialized by one mutex. Writes are staged on a copy of the
// touched users' rows and published only when the unit commits.
type MemoryStore struct {
	mu    sync.Mutex
	users map[UserID]map[string]Session // user -> metadata -> session
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[UserID]map[string]Session)}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// WithinUserTx implements Transactor.
func (s *MemoryStore) WithinUserTx(ctx context.Context, userID UserID, fn func(ctx context.Context, repo Repository) error) error {
	if s == nil {
		return errors.New("session: nil memory store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, staged: make(map[UserID]map[string]Session)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for uid, rows := range tx.staged {
		if len(rows) == 0 {
			delete(s.users, uid)
			continue
		}
		s.users[uid] = rows
	}
	return nil
}

// memTx is the Repository handed to a memory unit of work. s.mu is held.
type memTx struct {
	store  *MemoryStore
	staged map[UserID]map[string]Session
}

func (tx *memTx) rows(userID UserID) map[string]Session {
	if rows, ok := tx.staged[userID]; ok {
		return rows
	}
	cp := make(map[string]Session, len(tx.store.users[userID]))
	for k, v := range tx.store.users[userID] {
		cp[k] = v
	}
	tx.staged[userID] = cp
	return cp
}

func (tx *memTx) Find(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	if err := ctx.Err(); err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	row, ok := tx.rows(userID)[metadata]
	if !ok {
		return outcome.Exception[Session](NotFoundError{UserID: userID, Metadata: metadata})
	}
	return outcome.Success[Session, NotFoundError](row)
}

func (tx *memTx) Insert(ctx context.Context, s Session) outcome.Outcome[Session, AlreadyExistsError] {
	if err := ctx.Err(); err != nil {
		return outcome.Unexpected[Session, AlreadyExistsError](err)
	}
	rows := tx.rows(s.UserID)
	if _, ok := rows[s.Metadata]; ok {
		return outcome.Exception[Session](AlreadyExistsError{UserID: s.UserID, Metadata: s.Metadata})
	}
	s, err := stampNew(s)
	if err != nil {
		return outcome.Unexpected[Session, AlreadyExistsError](err)
	}
	rows[s.Metadata] = s
	return outcome.Success[Session, AlreadyExistsError](s)
}

func (tx *memTx) Update(ctx context.Context, s Session) outcome.Outcome[Session, NotFoundError] {
	if err := ctx.Err(); err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	rows := tx.rows(s.UserID)
	cur, ok := rows[s.Metadata]
	if !ok {
		return outcome.Exception[Session](NotFoundError{UserID: s.UserID, Metadata: s.Metadata})
	}
	cur.RefreshTokenHash = s.RefreshTokenHash
	cur.ExpiresAt = s.ExpiresAt
	rows[s.Metadata] = cur
	return outcome.Success[Session, NotFoundError](cur)
}

func (tx *memTx) Delete(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	if err := ctx.Err(); err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	rows := tx.rows(userID)
	cur, ok := rows[metadata]
	if !ok {
		return outcome.Exception[Session](NotFoundError{UserID: userID, Metadata: metadata})
	}
	delete(rows, metadata)
	return outcome.Success[Session, NotFoundError](cur)
}

func (tx *memTx) DeleteAll(ctx context.Context, userID UserID) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := tx.rows(userID)
	out := make([]Session, 0, len(rows))
	for k, v := range rows {
		out = append(out, v)
		delete(rows, k)
	}
	return out, nil
}

func (tx *memTx) CountNotExpiredByUserID(ctx context.Context, userID UserID, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, v := range tx.rows(userID) {
		if !v.IsExpired(now) {
			n++
		}
	}
	return n, nil
}
