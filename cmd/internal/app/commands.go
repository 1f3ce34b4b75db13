package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"sessiond/cmd/internal/auth/session"
	"sessiond/cmd/internal/db/migrate"
	"sessiond/cmd/internal/outcome"
	"sessiond/cmd/security/token"
)

var errUsage = errors.New("usage")

// sessionView is the printable form of a session. The refresh token itself is
// never printed, only its fingerprint.
type sessionView struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Metadata    string    `json:"metadata"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"token_fp"`
}

func newSessionView(s session.Session) *sessionView {
	return &sessionView{
		ID:          s.ID,
		UserID:      int64(s.UserID),
		Metadata:    s.Metadata,
		ExpiresAt:   s.ExpiresAt,
		CreatedAt:   s.CreatedAt,
		Fingerprint: token.Fingerprint(s.RefreshToken),
	}
}

type commandResult struct {
	Op      string       `json:"op"`
	Result  string       `json:"result"`
	Store   string       `json:"store,omitempty"`
	Session *sessionView `json:"session,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func writeJSON(w io.Writer, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

// report prints o as one JSON line and maps it to an exit code.
func report[E error](w io.Writer, op, store string, o outcome.Outcome[session.Session, E]) int {
	res := commandResult{Op: op, Result: o.Kind().String(), Store: store}

	switch o.Kind() {
	case outcome.KindSuccess:
		s, _ := o.Value()
		res.Session = newSessionView(s)
		writeJSON(w, res)
		return ExitOK
	case outcome.KindException:
		exc, _ := o.Exception()
		res.Code, _ = session.ExceptionCode(exc)
		res.Message = exc.Error()
		writeJSON(w, res)
		return ExitException
	default:
		res.Error = o.Err().Error()
		writeJSON(w, res)
		return ExitUnexpected
	}
}

type sessionFlags struct {
	user     int64
	metadata string
	token    string
	newToken string
}

func parseSessionFlags(cmd string, args []string, stderr io.Writer) (sessionFlags, error) {
	var f sessionFlags

	fs := flag.NewFlagSet("sessiond "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Int64Var(&f.user, "user", 0, "user id (required, > 0)")
	fs.StringVar(&f.metadata, "metadata", "", "client context, e.g. device id (required)")
	fs.StringVar(&f.token, "token", "", "refresh token (required)")
	if cmd == "rotate" {
		fs.StringVar(&f.newToken, "new-token", "", "replacement refresh token (required)")
	}

	if err := fs.Parse(args); err != nil {
		return sessionFlags{}, err
	}
	if fs.NArg() > 0 {
		return sessionFlags{}, fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	if f.user <= 0 {
		return sessionFlags{}, fmt.Errorf("%w: -user must be > 0", errUsage)
	}
	if f.metadata == "" {
		return sessionFlags{}, fmt.Errorf("%w: -metadata is required", errUsage)
	}
	if f.token == "" {
		return sessionFlags{}, fmt.Errorf("%w: -token is required", errUsage)
	}
	if cmd == "rotate" && f.newToken == "" {
		return sessionFlags{}, fmt.Errorf("%w: -new-token is required", errUsage)
	}
	return f, nil
}

func runSessionCommand(ctx context.Context, cfg Config, log Logger, cmd string, args []string, stdout, stderr io.Writer) int {
	f, err := parseSessionFlags(cmd, args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "sessiond %s: %v\n", cmd, err)
		}
		return ExitUsage
	}

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		writeJSON(stdout, commandResult{Op: cmd, Result: outcome.KindUnexpected.String(), Error: err.Error()})
		return ExitUnexpected
	}
	defer func() { _ = a.Close() }()

	opCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()

	svc := a.Service()
	uid := session.UserID(f.user)

	switch cmd {
	case "save":
		return report(stdout, cmd, a.Backend(), svc.Save(opCtx, uid, f.metadata, f.token))
	case "validate":
		return report(stdout, cmd, a.Backend(), svc.Validate(opCtx, uid, f.metadata, f.token))
	case "rotate":
		return report(stdout, cmd, a.Backend(), svc.Update(opCtx, uid, f.metadata, f.token, f.newToken))
	default:
		return report(stdout, cmd, a.Backend(), svc.Delete(opCtx, uid, f.metadata, f.token))
	}
}

type migrateResult struct {
	Op        string `json:"op"`
	Result    string `json:"result"`
	Direction string `json:"direction,omitempty"`
	Version   uint   `json:"version"`
	Dirty     bool   `json:"dirty"`
	Error     string `json:"error,omitempty"`
}

func runMigrate(cfg Config, log Logger, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessiond migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	down := fs.Bool("down", false, "roll back all migrations")
	versionOnly := fs.Bool("version", false, "print the applied version and exit")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(stderr, "sessiond migrate: SESSIOND_DATABASE_URL is not set (or use -dev)")
		return ExitUsage
	}

	res := migrateResult{Op: "migrate"}
	if !*versionOnly {
		dir := migrate.Up
		if *down {
			dir = migrate.Down
		}
		res.Direction = string(dir)
		if err := migrate.Run(cfg.DatabaseURL, dir); err != nil {
			log.Error("migrate.fail", "direction", dir, "err", err)
			res.Result, res.Error = outcome.KindUnexpected.String(), err.Error()
			writeJSON(stdout, res)
			return ExitUnexpected
		}
		log.Info("migrate.done", "direction", dir)
	}

	v, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		res.Result, res.Error = outcome.KindUnexpected.String(), err.Error()
		writeJSON(stdout, res)
		return ExitUnexpected
	}
	res.Result, res.Version, res.Dirty = outcome.KindSuccess.String(), v, dirty
	writeJSON(stdout, res)
	return ExitOK
}
