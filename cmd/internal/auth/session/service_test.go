package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sessiond/cmd/internal/outcome"
)

func TestService_MemoryStore(t *testing.T) {
	runServiceContract(t, func(t *testing.T) Transactor { return NewMemoryStore() })
}

func TestNewService_InvalidInput(t *testing.T) {
	t.Parallel()

	if _, err := NewService(DefaultConfig(), nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for nil transactor, got %v", err)
	}
	if _, err := NewService(Config{SessionTTL: time.Hour}, NewMemoryStore()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for zero max, got %v", err)
	}
	if _, err := NewService(DefaultConfig(), NewMemoryStore(), WithClock(nil)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for nil clock, got %v", err)
	}
}

func TestSessionsLimitReached_Message(t *testing.T) {
	t.Parallel()

	err := SessionsLimitReached{Limit: 3}
	want := "the limit on the sessions number has been reached, the maximum number of sessions is 3"
	if err.Error() != want {
		t.Fatalf("message mismatch: %q", err.Error())
	}
}

func TestExceptionCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: NoSessionFound, want: CodeNoSessionFound},
		{err: InvalidRefreshToken, want: CodeInvalidRefreshToken},
		{err: SessionExpired, want: CodeSessionExpired},
		{err: SessionsLimitReached{Limit: 1}, want: CodeSessionsLimitReached},
		{err: UpdateException{Cause: SessionExpired}, want: CodeSessionExpired},
		{err: DeleteException{Cause: NoSessionFound}, want: CodeNoSessionFound},
	}
	for _, tc := range cases {
		got, ok := ExceptionCode(tc.err)
		if !ok || got != tc.want {
			t.Fatalf("ExceptionCode(%v)=(%q,%v) want %q", tc.err, got, ok, tc.want)
		}
	}

	if _, ok := ExceptionCode(errors.New("boom")); ok {
		t.Fatalf("plain errors carry no code")
	}
}

var errStorage = errors.New("storage down")

// faultyRepo wraps a Repository and injects failures.
type faultyRepo struct {
	Repository
	findErr       error
	countErr      error
	deleteAllErr  error
	updateMissing bool
}

func (r *faultyRepo) Find(ctx context.Context, userID UserID, metadata string) outcome.Outcome[Session, NotFoundError] {
	if r.findErr != nil {
		return outcome.Unexpected[Session, NotFoundError](r.findErr)
	}
	return r.Repository.Find(ctx, userID, metadata)
}

func (r *faultyRepo) CountNotExpiredByUserID(ctx context.Context, userID UserID, now time.Time) (int, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	return r.Repository.CountNotExpiredByUserID(ctx, userID, now)
}

func (r *faultyRepo) DeleteAll(ctx context.Context, userID UserID) ([]Session, error) {
	if r.deleteAllErr != nil {
		return nil, r.deleteAllErr
	}
	return r.Repository.DeleteAll(ctx, userID)
}

func (r *faultyRepo) Update(ctx context.Context, s Session) outcome.Outcome[Session, NotFoundError] {
	if r.updateMissing {
		return outcome.Exception[Session](NotFoundError{UserID: s.UserID, Metadata: s.Metadata})
	}
	return r.Repository.Update(ctx, s)
}

type faultyTx struct {
	inner *MemoryStore
	fault faultyRepo
}

func (f *faultyTx) WithinUserTx(ctx context.Context, userID UserID, fn func(ctx context.Context, repo Repository) error) error {
	return f.inner.WithinUserTx(ctx, userID, func(ctx context.Context, repo Repository) error {
		r := f.fault
		r.Repository = repo
		return fn(ctx, &r)
	})
}

func TestValidate_UnexpectedFindPropagates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemoryStore()
	good, _ := newTestService(t, mem, 5)
	mustSave(ctx, t, good, 1, "deviceA", "t1")

	svc, clock := newTestService(t, &faultyTx{inner: mem, fault: faultyRepo{findErr: errStorage}}, 5)
	o := svc.Validate(ctx, 1, "deviceA", "t1")
	if !errors.Is(o.Err(), errStorage) {
		t.Fatalf("expected unexpected storage error, got kind=%v err=%v", o.Kind(), o.Err())
	}
	if n := countSessions(ctx, t, mem, 1, clock.Now()); n != 1 {
		t.Fatalf("unexpected failure must not revoke, %d sessions left", n)
	}
}

func TestValidate_UnexpectedDeleteAllPropagates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(t, &faultyTx{inner: NewMemoryStore(), fault: faultyRepo{deleteAllErr: errStorage}}, 5)

	o := svc.Validate(ctx, 1, "deviceA", "t1")
	if !errors.Is(o.Err(), errStorage) {
		t.Fatalf("expected unexpected storage error, got kind=%v err=%v", o.Kind(), o.Err())
	}
}

func TestSave_UnexpectedFindIsNotAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemoryStore()
	svc, clock := newTestService(t, &faultyTx{inner: mem, fault: faultyRepo{findErr: errStorage}}, 5)

	o := svc.Save(ctx, 1, "deviceA", "t1")
	if !errors.Is(o.Err(), errStorage) {
		t.Fatalf("expected unexpected storage error, got kind=%v err=%v", o.Kind(), o.Err())
	}
	if n := countSessions(ctx, t, mem, 1, clock.Now()); n != 0 {
		t.Fatalf("nothing may be inserted after a failed lookup, got %d", n)
	}
}

func TestSave_UnexpectedCountPropagates(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &faultyTx{inner: NewMemoryStore(), fault: faultyRepo{countErr: errStorage}}, 5)

	o := svc.Save(context.Background(), 1, "deviceA", "t1")
	if !errors.Is(o.Err(), errStorage) {
		t.Fatalf("expected unexpected storage error, got kind=%v err=%v", o.Kind(), o.Err())
	}
}

func TestUpdate_MissingAfterValidationCollapses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := NewMemoryStore()
	good, _ := newTestService(t, mem, 5)
	mustSave(ctx, t, good, 1, "deviceA", "t1")

	svc, _ := newTestService(t, &faultyTx{inner: mem, fault: faultyRepo{updateMissing: true}}, 5)
	o := svc.Update(ctx, 1, "deviceA", "t1", "t2")
	err := o.Err()
	if !errors.Is(err, outcome.ErrUnexpectedException) {
		t.Fatalf("expected collapsed exception, got kind=%v err=%v", o.Kind(), err)
	}
	if !strings.HasPrefix(err.Error(), msgCheckedBeforeUpdate) {
		t.Fatalf("missing invariant context: %v", err)
	}

	// The failed unit rolled back, so the original token still validates.
	if _, err := good.Validate(ctx, 1, "deviceA", "t1").Get(); err != nil {
		t.Fatalf("rollback expected, got %v", err)
	}
}

func TestService_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	svc, err := NewService(Config{SessionTTL: time.Hour, SessionsMaxNumber: 1}, NewMemoryStore(), WithMetrics(m))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	mustSave(ctx, t, svc, 1, "deviceA", "t1")
	_ = svc.Save(ctx, 1, "deviceB", "t2")
	_ = svc.Validate(ctx, 1, "deviceA", "wrong")

	if got := testutil.ToFloat64(m.ops.WithLabelValues("save", "success")); got != 1 {
		t.Fatalf("save success=%v", got)
	}
	if got := testutil.ToFloat64(m.ops.WithLabelValues("save", "exception")); got != 1 {
		t.Fatalf("save exception=%v", got)
	}
	if got := testutil.ToFloat64(m.ops.WithLabelValues("validate", "exception")); got != 1 {
		t.Fatalf("validate exception=%v", got)
	}
	if got := testutil.ToFloat64(m.revocations.WithLabelValues(CodeInvalidRefreshToken)); got != 1 {
		t.Fatalf("revocations=%v", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Fatalf("expected 2 duration series, got %d", n)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Fatalf("registering twice must fail")
	}
}
