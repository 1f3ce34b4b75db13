package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newSessionID returns a ULID stamped with createdAt, so IDs of one user sort
// by creation time.
func newSessionID(createdAt time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(createdAt), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// stampNew assigns the storage-owned fields of a session about to be inserted
// and drops its plaintext token.
func stampNew(s Session) (Session, error) {
	s = s.atRest()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	id, err := newSessionID(s.CreatedAt)
	if err != nil {
		return Session{}, err
	}
	s.ID = id
	return s, nil
}
