package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiond/cmd/internal/auth/session"
	"sessiond/cmd/security/token"
)

// smokeCheck is the printed result of one end-to-end check.
type smokeCheck struct {
	Check    string `json:"check"`
	Result   string `json:"result"`
	Store    string `json:"store"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

type smokeFunc func(ctx context.Context, env *smokeEnv) error

type smokeEnv struct {
	store session.Store
	base  session.Config
	log   Logger

	concurrency int

	mu    sync.Mutex
	users []session.UserID
}

// user returns a fresh user id and remembers it for cleanup.
func (e *smokeEnv) user() session.UserID {
	uid := session.UserID(rand.Int64N(1<<52) + 1)
	e.mu.Lock()
	e.users = append(e.users, uid)
	e.mu.Unlock()
	return uid
}

// tokens returns n fresh opaque refresh tokens.
func (e *smokeEnv) tokens(n int) ([]string, error) {
	out := make([]string, n)
	for i := range out {
		t, err := token.NewOpaque(16)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (e *smokeEnv) service(limit int, now func() time.Time) (*session.Service, error) {
	cfg := e.base
	if limit > 0 {
		cfg.SessionsMaxNumber = limit
	}
	opts := []session.Option{session.WithLogger(e.log)}
	if now != nil {
		opts = append(opts, session.WithClock(now))
	}
	return session.NewService(cfg, e.store, opts...)
}

func (e *smokeEnv) cleanup(ctx context.Context) error {
	var errs []error
	for _, uid := range e.users {
		err := e.store.WithinUserTx(ctx, uid, func(ctx context.Context, repo session.Repository) error {
			_, err := repo.DeleteAll(ctx, uid)
			return err
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var smokeChecks = []struct {
	name string
	run  smokeFunc
}{
	{name: "limit_reached", run: smokeLimitReached},
	{name: "wrong_token_revokes_all", run: smokeWrongTokenRevokesAll},
	{name: "expired_revokes_all", run: smokeExpiredRevokesAll},
	{name: "rotation", run: smokeRotation},
	{name: "concurrent_saves", run: smokeConcurrentSaves},
}

func runSmoke(ctx context.Context, cfg Config, log Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessiond smoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	concurrency := fs.Int("concurrency", 8, "parallel saves in the concurrency check")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if *concurrency < 2 {
		fmt.Fprintln(stderr, "sessiond smoke: -concurrency must be >= 2")
		return ExitUsage
	}

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return ExitUnexpected
	}
	defer func() { _ = a.Close() }()

	checks := smoke(ctx, a.Store(), a.Backend(), cfg.Session, log, *concurrency)

	code := ExitOK
	for _, c := range checks {
		writeJSON(stdout, c)
		if c.Result != "pass" {
			code = ExitUnexpected
		}
	}
	return code
}

// smoke runs every check against st and cleans up the users it created.
func smoke(ctx context.Context, st session.Store, backend string, base session.Config, log Logger, concurrency int) []smokeCheck {
	env := &smokeEnv{store: st, base: base, log: log, concurrency: concurrency}

	out := make([]smokeCheck, 0, len(smokeChecks))
	for _, c := range smokeChecks {
		start := time.Now()
		err := c.run(ctx, env)

		res := smokeCheck{Check: c.name, Result: "pass", Store: backend, Duration: time.Since(start).String()}
		if err != nil {
			res.Result, res.Error = "fail", err.Error()
			log.Error("smoke.check.fail", "check", c.name, "err", err)
		} else {
			log.Info("smoke.check.pass", "check", c.name)
		}
		out = append(out, res)
	}

	if err := env.cleanup(context.WithoutCancel(ctx)); err != nil {
		log.Error("smoke.cleanup.fail", "err", err)
	}
	return out
}

func smokeLimitReached(ctx context.Context, env *smokeEnv) error {
	svc, err := env.service(1, nil)
	if err != nil {
		return err
	}
	uid := env.user()
	tok, err := env.tokens(2)
	if err != nil {
		return err
	}

	if _, err := svc.Save(ctx, uid, "deviceA", tok[0]).Get(); err != nil {
		return fmt.Errorf("first save: %w", err)
	}
	o := svc.Save(ctx, uid, "deviceB", tok[1])
	exc, ok := o.Exception()
	if !ok {
		return fmt.Errorf("second save: expected sessions_limit_reached, got %s (%v)", o.Kind(), o.Err())
	}
	if exc.Limit != 1 {
		return fmt.Errorf("limit=%d want 1", exc.Limit)
	}
	return nil
}

func smokeWrongTokenRevokesAll(ctx context.Context, env *smokeEnv) error {
	svc, err := env.service(0, nil)
	if err != nil {
		return err
	}
	uid := env.user()
	tok, err := env.tokens(2)
	if err != nil {
		return err
	}

	if _, err := svc.Save(ctx, uid, "deviceA", tok[0]).Get(); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if err := wantValidate(svc.Validate(ctx, uid, "deviceA", tok[1]).Get()); !errors.Is(err, session.InvalidRefreshToken) {
		return fmt.Errorf("wrong token: %w", err)
	}
	if err := wantValidate(svc.Validate(ctx, uid, "deviceA", tok[0]).Get()); !errors.Is(err, session.NoSessionFound) {
		return fmt.Errorf("after revoke: %w", err)
	}
	return nil
}

func smokeExpiredRevokesAll(ctx context.Context, env *smokeEnv) error {
	var shift atomic.Int64
	now := func() time.Time { return time.Now().UTC().Add(time.Duration(shift.Load())) }

	svc, err := env.service(0, now)
	if err != nil {
		return err
	}
	uid := env.user()
	tok, err := env.tokens(2)
	if err != nil {
		return err
	}

	if _, err := svc.Save(ctx, uid, "deviceA", tok[0]).Get(); err != nil {
		return fmt.Errorf("save deviceA: %w", err)
	}
	if _, err := svc.Save(ctx, uid, "deviceB", tok[1]).Get(); err != nil {
		return fmt.Errorf("save deviceB: %w", err)
	}

	shift.Store(int64(env.base.SessionTTL + time.Second))
	if err := wantValidate(svc.Validate(ctx, uid, "deviceA", tok[0]).Get()); !errors.Is(err, session.SessionExpired) {
		return fmt.Errorf("expired: %w", err)
	}
	if err := wantValidate(svc.Validate(ctx, uid, "deviceB", tok[1]).Get()); !errors.Is(err, session.NoSessionFound) {
		return fmt.Errorf("after revoke: %w", err)
	}
	return nil
}

func smokeRotation(ctx context.Context, env *smokeEnv) error {
	svc, err := env.service(0, nil)
	if err != nil {
		return err
	}
	uid := env.user()
	tok, err := env.tokens(3)
	if err != nil {
		return err
	}

	if _, err := svc.Save(ctx, uid, "deviceA", tok[0]).Get(); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	rotated, err := svc.Update(ctx, uid, "deviceA", tok[0], tok[1]).Get()
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	if rotated.RefreshToken != tok[1] {
		return errors.New("rotate: token not replaced")
	}
	if _, err := svc.Update(ctx, uid, "deviceA", tok[0], tok[2]).Get(); !errors.Is(err, session.InvalidRefreshToken) {
		return fmt.Errorf("stale rotate: expected invalid_refresh_token, got %v", err)
	}
	return nil
}

func smokeConcurrentSaves(ctx context.Context, env *smokeEnv) error {
	limit := env.concurrency / 2
	svc, err := env.service(limit, nil)
	if err != nil {
		return err
	}
	uid := env.user()

	var ok, full atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < env.concurrency; i++ {
		metadata := fmt.Sprintf("device-%d", i)
		g.Go(func() error {
			tok, err := token.NewOpaque(16)
			if err != nil {
				return err
			}
			o := svc.Save(gctx, uid, metadata, tok)
			if err := o.Err(); err != nil {
				return err
			}
			if o.IsSuccess() {
				ok.Add(1)
			} else {
				full.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ok.Load() != int64(limit) || full.Load() != int64(env.concurrency-limit) {
		return fmt.Errorf("saved=%d limited=%d, want %d and %d", ok.Load(), full.Load(), limit, env.concurrency-limit)
	}
	return nil
}

// wantValidate turns a successful validation into an error so callers can
// match the expected exception with errors.Is.
func wantValidate(_ session.Session, err error) error {
	if err == nil {
		return errors.New("validation unexpectedly succeeded")
	}
	return err
}
