package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"sessiond/cmd/internal/outcome"
)

const (
	defaultRedisPrefix   = "sessiond"
	defaultRedisLockTTL  = 10 * time.Second
	defaultRedisLockWait = 5 * time.Second
)

// RedisStore is a Store backed by Redis.
//
// Layout:
//   - {prefix}:sessions:{<user_id>} is a hash of metadata -> JSON session.
//   - {prefix}:lock:{<user_id>} is the per-user unit-of-work lock.
//
// Both keys share the {<user_id>} hash tag so a user's data lives in one slot.
//
// Every repository call is a single command or Lua script and is atomic on its
// own. Units of work are serialized by the per-user lock; writes are applied
// immediately and are not undone when fn fails.
//
// The lock expires after lockTTL. A unit's context ends when its lock does,
// and every write script checks the lock owner first, so a unit that outlives
// its lock fails with ErrLockLost instead of writing.
//
// The client is owned by the caller; Close is a no-op.
type RedisStore struct {
	rdb      redis.UniversalClient
	prefix   string
	lockTTL  time.Duration
	lockWait time.Duration
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore) error

// WithKeyPrefix sets the key prefix (default: "sessiond").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" || strings.ContainsAny(prefix, "{} ") {
			return errors.New("session: invalid redis key prefix")
		}
		s.prefix = prefix
		return nil
	}
}

// WithLockTTL sets how long a unit-of-work lock is held at most. It also
// bounds the context passed to the unit.
func WithLockTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) error {
		if d <= 0 {
			return ErrConfig
		}
		s.lockTTL = d
		return nil
	}
}

// WithLockWait sets how long WithinUserTx waits for the lock before
// returning ErrLockNotAcquired.
func WithLockWait(d time.Duration) RedisOption {
	return func(s *RedisStore) error {
		if d <= 0 {
			return ErrConfig
		}
		s.lockWait = d
		return nil
	}
}

// NewRedisStore constructs a Redis-backed session store.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	st := &RedisStore{
		rdb:      rdb,
		prefix:   defaultRedisPrefix,
		lockTTL:  defaultRedisLockTTL,
		lockWait: defaultRedisLockWait,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.rdb == nil {
		return nil, errors.New("session: nil redis client")
	}
	return st, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) sessionsKey(userID UserID) string {
	return s.prefix + ":sessions:{" + strconv.FormatInt(int64(userID), 10) + "}"
}

func (s *RedisStore) lockKey(userID UserID) string {
	return s.prefix + ":lock:{" + strconv.FormatInt(int64(userID), 10) + "}"
}

// Release only if the lock is still ours.
var redisUnlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// WithinUserTx implements Transactor.
func (s *RedisStore) WithinUserTx(ctx context.Context, userID UserID, fn func(ctx context.Context, repo Repository) error) error {
	if s == nil || s.rdb == nil {
		return errors.New("session: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := s.lockKey(userID)
	owner := ulid.Make().String()
	expires, err := s.acquire(ctx, key, owner)
	if err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was canceled mid-unit.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = redisUnlockScript.Run(rctx, s.rdb, []string{key}, owner).Err()
	}()

	uctx, cancel := context.WithDeadline(ctx, expires)
	defer cancel()

	return fn(uctx, &redisRepo{store: s, lockKey: key, owner: owner})
}

// acquire takes the lock and returns the earliest time it may expire.
func (s *RedisStore) acquire(ctx context.Context, key, owner string) (time.Time, error) {
	deadline := time.Now().Add(s.lockWait)
	backoff := 5 * time.Millisecond

	for {
		attempt := time.Now()
		ok, err := s.rdb.SetNX(ctx, key, owner, s.lockTTL).Result()
		if err != nil {
			return time.Time{}, fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			return attempt.Add(s.lockTTL), nil
		}
		if time.Now().After(deadline) {
			return time.Time{}, ErrLockNotAcquired
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return time.Time{}, ctx.Err()
		case <-t.C:
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

// redisRepo is the Repository handed to a Redis unit of work.
// Its writes are fenced by the lock it was created under.
type redisRepo struct {
	store   *RedisStore
	lockKey string
	owner   string
}

// Write scripts: KEYS[1] is the lock, KEYS[2] the sessions hash, ARGV[1] the
// lock owner. They refuse to write once the lock belongs to someone else.
const redisLockLost = "LOCK_LOST"

var redisInsertScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return redis.error_reply('LOCK_LOST')
end
return redis.call('HSETNX', KEYS[2], ARGV[2], ARGV[3])
`)

var redisUpdateScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return redis.error_reply('LOCK_LOST')
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var redisDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return redis.error_reply('LOCK_LOST')
end
local v = redis.call('HGET', KEYS[2], ARGV[2])
if not v then
	return false
end
redis.call('HDEL', KEYS[2], ARGV[2])
return v
`)

var redisDeleteAllScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return redis.error_reply('LOCK_LOST')
end
local vals = redis.call('HVALS', KEYS[2])
redis.call('DEL', KEYS[2])
return vals
`)

func (r *redisRepo) keys(userID UserID) []string {
	return []string{r.lockKey, r.store.sessionsKey(userID)}
}

// fenced maps a lock-owner rejection from a write script to ErrLockLost.
func fenced(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), redisLockLost) {
		return ErrLockLost
	}
	return err
}

func (r *redisRepo) Find(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	raw, err := r.store.rdb.HGet(ctx, r.store.sessionsKey(userID), metadata).Result()
	if errors.Is(err, redis.Nil) {
		return outcome.Exception[Session](NotFoundError{UserID: userID, Metadata: metadata})
	}
	if err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	s, err := decodeRedisSession(raw)
	if err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	return outcome.Success[Session, NotFoundError](s)
}

func (r *redisRepo) Insert(ctx context.Context, s Session) outcome.Outcome[Session, AlreadyExistsError] {
	s, err := stampNew(s)
	if err != nil {
		return outcome.Unexpected[Session, AlreadyExistsError](err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return outcome.Unexpected[Session, AlreadyExistsError](err)
	}

	n, err := redisInsertScript.Run(ctx, r.store.rdb, r.keys(s.UserID), r.owner, s.Metadata, raw).Int()
	if err != nil {
		return outcome.Unexpected[Session, AlreadyExistsError](fenced(err))
	}
	if n == 0 {
		return outcome.Exception[Session](AlreadyExistsError{UserID: s.UserID, Metadata: s.Metadata})
	}
	return outcome.Success[Session, AlreadyExistsError](s)
}

func (r *redisRepo) Update(ctx context.Context, s Session) outcome.Outcome[Session, NotFoundError] {
	found := r.Find(ctx, s.UserID, s.Metadata)
	cur, ok := found.Value()
	if !ok {
		return found
	}
	cur.RefreshTokenHash = s.RefreshTokenHash
	cur.ExpiresAt = s.ExpiresAt

	raw, err := json.Marshal(cur)
	if err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	n, err := redisUpdateScript.Run(ctx, r.store.rdb, r.keys(s.UserID), r.owner, s.Metadata, raw).Int()
	if err != nil {
		return outcome.Unexpected[Session, NotFoundError](fenced(err))
	}
	if n == 0 {
		return outcome.Exception[Session](NotFoundError{UserID: s.UserID, Metadata: s.Metadata})
	}
	return outcome.Success[Session, NotFoundError](cur)
}

func (r *redisRepo) Delete(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	raw, err := redisDeleteScript.Run(ctx, r.store.rdb, r.keys(userID), r.owner, metadata).Text()
	if errors.Is(err, redis.Nil) {
		return outcome.Exception[Session](NotFoundError{UserID: userID, Metadata: metadata})
	}
	if err != nil {
		return outcome.Unexpected[Session, NotFoundError](fenced(err))
	}
	s, err := decodeRedisSession(raw)
	if err != nil {
		return outcome.Unexpected[Session, NotFoundError](err)
	}
	return outcome.Success[Session, NotFoundError](s)
}

func (r *redisRepo) DeleteAll(ctx context.Context, userID UserID) ([]Session, error) {
	vals, err := redisDeleteAllScript.Run(ctx, r.store.rdb, r.keys(userID), r.owner).StringSlice()
	if err != nil {
		return nil, fenced(err)
	}
	return decodeRedisSessions(vals)
}

func (r *redisRepo) CountNotExpiredByUserID(ctx context.Context, userID UserID, now time.Time) (int, error) {
	vals, err := r.store.rdb.HVals(ctx, r.store.sessionsKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	all, err := decodeRedisSessions(vals)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if !s.IsExpired(now) {
			n++
		}
	}
	return n, nil
}

func decodeRedisSession(raw string) (Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func decodeRedisSessions(vals []string) ([]Session, error) {
	out := make([]Session, 0, len(vals))
	for _, raw := range vals {
		s, err := decodeRedisSession(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
