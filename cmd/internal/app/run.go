package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitUnexpected = 1
	ExitUsage      = 2
	ExitException  = 3
)

const usageText = `usage: sessiond [-dev] <command> [flags]

commands:
  migrate   [-down] [-version]                      apply or roll back the schema
  save      -user N -metadata M -token T            create or refresh a session
  validate  -user N -metadata M -token T            check a refresh token
  rotate    -user N -metadata M -token T -new-token T2
  delete    -user N -metadata M -token T            log out one session
  smoke     [-concurrency N]                        run end-to-end checks against the store

global flags:
  -dev      start an embedded PostgreSQL, migrate it and use it as the store

environment: SESSIOND_CONFIG, SESSIOND_STORE, SESSIOND_DATABASE_URL,
SESSIOND_REDIS_URL, SESSIOND_SESSION_TTL, SESSIOND_SESSIONS_MAX,
SESSIOND_LOG_LEVEL, SESSIOND_LOG_FORMAT, SESSIOND_METRICS_TEXTFILE,
SESSIOND_TOKEN_HMAC_KEY
`

// Run is the CLI entrypoint used by cmd/sessiond.
// It returns the process exit code instead of calling os.Exit to keep defers effective.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sessiond", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = io.WriteString(stderr, usageText) }
	dev := fs.Bool("dev", false, "start an embedded PostgreSQL (no external DB required)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return ExitUsage
	}
	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "help" {
		fs.Usage()
		return ExitOK
	}

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "sessiond: %v\n", err)
		return ExitUsage
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor, stderr)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *dev {
		db, err := startDevPostgres(&cfg, log)
		if err != nil {
			log.Error("devdb.fail", "err", err)
			return ExitUnexpected
		}
		defer func() {
			log.Info("devdb.stop")
			if err := db.Stop(); err != nil {
				log.Error("devdb.stop.fail", "err", err)
			}
		}()
	}

	switch cmd {
	case "migrate":
		return runMigrate(cfg, log, cmdArgs, stdout, stderr)
	case "save", "validate", "rotate", "delete":
		return runSessionCommand(ctx, cfg, log, cmd, cmdArgs, stdout, stderr)
	case "smoke":
		return runSmoke(ctx, cfg, log, cmdArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "sessiond: unknown command %q\n", cmd)
		fs.Usage()
		return ExitUsage
	}
}
