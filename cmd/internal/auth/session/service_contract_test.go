package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiond/cmd/internal/outcome"
	"sessiond/cmd/security/token"
)

// The contract below runs against every store: memory in unit tests,
// Postgres and Redis in the env-gated integration tests.

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, tx Transactor, limit int) (*Service, *testClock) {
	t.Helper()

	clock := newTestClock()
	cfg := Config{SessionTTL: time.Hour, SessionsMaxNumber: limit}
	svc, err := NewService(cfg, tx, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, clock
}

// newTestUserID returns a positive id unlikely to collide across parallel runs
// against a shared database.
func newTestUserID() UserID {
	return UserID(rand.Int64N(1<<52) + 1)
}

func mustSave(ctx context.Context, t *testing.T, svc *Service, userID UserID, metadata, tok string) Session {
	t.Helper()

	s, err := svc.Save(ctx, userID, metadata, tok).Get()
	if err != nil {
		t.Fatalf("Save(%d,%q): %v", userID, metadata, err)
	}
	return s
}

func countSessions(ctx context.Context, t *testing.T, tx Transactor, userID UserID, now time.Time) int {
	t.Helper()

	var n int
	err := tx.WithinUserTx(ctx, userID, func(ctx context.Context, repo Repository) error {
		var err error
		n, err = repo.CountNotExpiredByUserID(ctx, userID, now.Add(-365*24*time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	return n
}

// holdUser occupies the user's unit of work until the returned func is called.
func holdUser(ctx context.Context, t *testing.T, tx Transactor, userID UserID) func() {
	t.Helper()

	held := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- tx.WithinUserTx(ctx, userID, func(context.Context, Repository) error {
			close(held)
			<-release
			return nil
		})
	}()

	select {
	case <-held:
	case err := <-errc:
		t.Fatalf("hold user %d: %v", userID, err)
	}
	return func() {
		close(release)
		if err := <-errc; err != nil {
			t.Errorf("release user %d: %v", userID, err)
		}
	}
}

func wantValidateException(t *testing.T, o outcome.Outcome[Session, ValidateException], want ValidateException) {
	t.Helper()

	got, ok := o.Exception()
	if !ok {
		t.Fatalf("expected exception %v, got kind=%v err=%v", want, o.Kind(), o.Err())
	}
	if got != want {
		t.Fatalf("exception mismatch: got %v want %v", got, want)
	}
}

func runServiceContract(t *testing.T, newTx func(t *testing.T) Transactor) {
	t.Run("LimitReachedForNewPair", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, _ := newTestService(t, tx, 1)
		uid := newTestUserID()

		mustSave(ctx, t, svc, uid, "deviceA", "t1")

		o := svc.Save(ctx, uid, "deviceB", "t2")
		exc, ok := o.Exception()
		if !ok {
			t.Fatalf("expected SessionsLimitReached, got kind=%v err=%v", o.Kind(), o.Err())
		}
		if exc.Limit != 1 {
			t.Fatalf("limit mismatch: %d", exc.Limit)
		}
	})

	t.Run("SaveExistingPairIsExemptFromLimit", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 1)
		uid := newTestUserID()

		first := mustSave(ctx, t, svc, uid, "deviceA", "t1")
		clock.Add(10 * time.Minute)
		second := mustSave(ctx, t, svc, uid, "deviceA", "t2")

		if second.ID != first.ID {
			t.Fatalf("id changed on update: %q -> %q", first.ID, second.ID)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("created_at changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
		}
		if !second.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
			t.Fatalf("expiry not extended: %v", second.ExpiresAt)
		}
		if second.RefreshToken != "t2" {
			t.Fatalf("token not replaced: %q", second.RefreshToken)
		}
		if n := countSessions(ctx, t, tx, uid, clock.Now()); n != 1 {
			t.Fatalf("expected 1 session, got %d", n)
		}
	})

	t.Run("ExpiredSessionsDoNotCountTowardLimit", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 1)
		uid := newTestUserID()

		mustSave(ctx, t, svc, uid, "deviceA", "t1")
		clock.Add(time.Hour)
		mustSave(ctx, t, svc, uid, "deviceB", "t2")
	})

	t.Run("WrongTokenRevokesAll", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 5)
		uid := newTestUserID()

		mustSave(ctx, t, svc, uid, "deviceA", "t1")
		mustSave(ctx, t, svc, uid, "deviceB", "t2")

		wantValidateException(t, svc.Validate(ctx, uid, "deviceA", "wrong"), InvalidRefreshToken)
		wantValidateException(t, svc.Validate(ctx, uid, "deviceA", "t1"), NoSessionFound)
		if n := countSessions(ctx, t, tx, uid, clock.Now()); n != 0 {
			t.Fatalf("expected all sessions revoked, %d left", n)
		}
	})

	t.Run("UnknownMetadataRevokesAll", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 5)
		uid := newTestUserID()

		mustSave(ctx, t, svc, uid, "deviceA", "t1")

		wantValidateException(t, svc.Validate(ctx, uid, "deviceZ", "t1"), NoSessionFound)
		if n := countSessions(ctx, t, tx, uid, clock.Now()); n != 0 {
			t.Fatalf("expected all sessions revoked, %d left", n)
		}
	})

	t.Run("ExpiredSessionRevokesAll", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 5)
		uid := newTestUserID()

		mustSave(ctx, t, svc, uid, "deviceA", "t1")
		clock.Add(30 * time.Minute)
		mustSave(ctx, t, svc, uid, "deviceB", "t2")
		clock.Add(45 * time.Minute)

		wantValidateException(t, svc.Validate(ctx, uid, "deviceA", "t1"), SessionExpired)
		if n := countSessions(ctx, t, tx, uid, clock.Now()); n != 0 {
			t.Fatalf("expected all sessions revoked, %d left", n)
		}
	})

	t.Run("ExpiryBoundaryIsInclusive", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 5)
		uid := newTestUserID()

		s := mustSave(ctx, t, svc, uid, "deviceA", "t1")

		clock.Set(s.ExpiresAt.Add(-time.Microsecond))
		if _, err := svc.Validate(ctx, uid, "deviceA", "t1").Get(); err != nil {
			t.Fatalf("one microsecond before expiry must be valid: %v", err)
		}

		clock.Set(s.ExpiresAt)
		wantValidateException(t, svc.Validate(ctx, uid, "deviceA", "t1"), SessionExpired)
	})

	t.Run("ExpiryIsCheckedAfterWaitingForTheUser", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 5)
		uid := newTestUserID()

		s := mustSave(ctx, t, svc, uid, "deviceA", "t1")

		release := holdUser(ctx, t, tx, uid)
		done := make(chan outcome.Outcome[Session, ValidateException], 1)
		go func() { done <- svc.Validate(ctx, uid, "deviceA", "t1") }()

		time.Sleep(50 * time.Millisecond)
		clock.Set(s.ExpiresAt.Add(time.Second))
		release()

		wantValidateException(t, <-done, SessionExpired)
	})

	t.Run("LimitIsCountedAfterWaitingForTheUser", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 1)
		uid := newTestUserID()

		s := mustSave(ctx, t, svc, uid, "deviceA", "t1")

		release := holdUser(ctx, t, tx, uid)
		done := make(chan outcome.Outcome[Session, SessionsLimitReached], 1)
		go func() { done <- svc.Save(ctx, uid, "deviceB", "t2") }()

		time.Sleep(50 * time.Millisecond)
		clock.Set(s.ExpiresAt)
		release()

		saved, err := (<-done).Get()
		if err != nil {
			t.Fatalf("expired session must not count toward the limit: %v", err)
		}
		if want := s.ExpiresAt.Add(time.Hour); !saved.ExpiresAt.Equal(want) {
			t.Fatalf("ExpiresAt=%v want %v", saved.ExpiresAt, want)
		}
	})

	t.Run("StoresOnlyTheTokenHash", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, _ := newTestService(t, tx, 5)
		uid := newTestUserID()

		saved := mustSave(ctx, t, svc, uid, "deviceA", "t1")
		if saved.RefreshToken != "t1" {
			t.Fatalf("Save must hand back the caller's token, got %q", saved.RefreshToken)
		}

		err := tx.WithinUserTx(ctx, uid, func(ctx context.Context, repo Repository) error {
			stored, err := repo.Find(ctx, uid, "deviceA").Get()
			if err != nil {
				return err
			}
			if stored.RefreshToken != "" {
				t.Fatalf("store returned a plaintext token %q", stored.RefreshToken)
			}
			if stored.RefreshTokenHash != token.HashRefreshTokenHex("t1") {
				t.Fatalf("stored hash=%q", stored.RefreshTokenHash)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("find: %v", err)
		}

		if _, err := svc.Validate(ctx, uid, "deviceA", token.HashRefreshTokenHex("t1")).Get(); !errors.Is(err, InvalidRefreshToken) {
			t.Fatalf("presenting the stored hash must not validate, got %v", err)
		}
	})

	t.Run("UpdateRotatesToken", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 5)
		uid := newTestUserID()

		saved := mustSave(ctx, t, svc, uid, "deviceA", "t1")
		clock.Add(time.Minute)

		rotated, err := svc.Update(ctx, uid, "deviceA", "t1", "t2").Get()
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if rotated.RefreshToken != "t2" {
			t.Fatalf("token not rotated: %q", rotated.RefreshToken)
		}
		if rotated.ID != saved.ID || !rotated.ExpiresAt.Equal(saved.ExpiresAt) {
			t.Fatalf("rotation must keep id and expiry: saved=%+v rotated=%+v", saved, rotated)
		}

		o := svc.Update(ctx, uid, "deviceA", "t1", "t3")
		exc, ok := o.Exception()
		if !ok || exc.Cause != InvalidRefreshToken {
			t.Fatalf("expected InvalidRefreshToken, got kind=%v exc=%v err=%v", o.Kind(), exc, o.Err())
		}
		if _, err := o.Get(); !errors.Is(err, InvalidRefreshToken) {
			t.Fatalf("update exception must unwrap to its cause, got %v", err)
		}
	})

	t.Run("DeleteRemovesOneSession", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, clock := newTestService(t, tx, 5)
		uid := newTestUserID()

		mustSave(ctx, t, svc, uid, "deviceA", "t1")
		mustSave(ctx, t, svc, uid, "deviceB", "t2")

		deleted, err := svc.Delete(ctx, uid, "deviceA", "t1").Get()
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if deleted.Metadata != "deviceA" || deleted.RefreshToken != "t1" {
			t.Fatalf("unexpected deleted session: %+v", deleted)
		}
		if n := countSessions(ctx, t, tx, uid, clock.Now()); n != 1 {
			t.Fatalf("expected 1 session left, got %d", n)
		}
		if _, err := svc.Validate(ctx, uid, "deviceB", "t2").Get(); err != nil {
			t.Fatalf("other session must survive: %v", err)
		}
	})

	t.Run("DeleteMissingIsDeclared", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		svc, _ := newTestService(t, tx, 5)
		uid := newTestUserID()

		mustSave(ctx, t, svc, uid, "deviceA", "t1")
		if _, err := svc.Delete(ctx, uid, "deviceA", "t1").Get(); err != nil {
			t.Fatalf("Delete: %v", err)
		}

		o := svc.Delete(ctx, uid, "deviceA", "t1")
		exc, ok := o.Exception()
		if !ok || exc.Cause != NoSessionFound {
			t.Fatalf("expected NoSessionFound, got kind=%v exc=%v err=%v", o.Kind(), exc, o.Err())
		}
	})

	t.Run("ConcurrentSavesRespectLimit", func(t *testing.T) {
		ctx := context.Background()
		tx := newTx(t)
		const limit = 3
		svc, _ := newTestService(t, tx, limit)
		uid := newTestUserID()

		var (
			mu       sync.Mutex
			ok, full int
		)
		var g errgroup.Group
		for i := 0; i < 16; i++ {
			metadata := "device-" + string(rune('a'+i))
			g.Go(func() error {
				o := svc.Save(ctx, uid, metadata, "tok-"+metadata)
				if err := o.Err(); err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if o.IsSuccess() {
					ok++
				} else {
					full++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
		if ok != limit || full != 16-limit {
			t.Fatalf("expected %d successes and %d limit errors, got %d and %d", limit, 16-limit, ok, full)
		}
	})
}
