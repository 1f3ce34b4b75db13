package session

import (
	"strconv"
	"time"

	"sessiond/cmd/security/token"
)

// UserID identifies the owner of a session.
type UserID int64

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

// Session is one login session.
//
// (UserID, Metadata) is the natural key: at most one session exists per pair.
// ID is assigned by the store on insert. ID and CreatedAt are preserved on update.
//
// Stores persist RefreshTokenHash only. RefreshToken is the plaintext the
// caller presented; it is empty on sessions read back from a store.
type Session struct {
	ID               string    `json:"id"`
	UserID           UserID    `json:"user_id"`
	Metadata         string    `json:"metadata"`
	RefreshToken     string    `json:"-"`
	RefreshTokenHash string    `json:"refresh_token_hash"`
	ExpiresAt        time.Time `json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewSession builds a candidate session that expires ttl after now.
func NewSession(userID UserID, metadata, refreshToken string, now time.Time, ttl time.Duration) Session {
	s := Session{
		UserID:    userID,
		Metadata:  metadata,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	return s.withRefreshToken(refreshToken)
}

// withRefreshToken sets the plaintext token and its stored hash.
func (s Session) withRefreshToken(tok string) Session {
	s.RefreshToken = tok
	s.RefreshTokenHash = token.HashRefreshTokenHex(tok)
	return s
}

// atRest drops the plaintext token.
func (s Session) atRest() Session {
	s.RefreshToken = ""
	return s
}

// matches reports whether presented hashes to the stored token hash.
func (s Session) matches(presented string) bool {
	return token.Equal(s.RefreshTokenHash, token.HashRefreshTokenHex(presented))
}

// IsExpired reports whether the session is expired at now.
// The boundary is inclusive: a session is expired at exactly ExpiresAt.
func (s Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
