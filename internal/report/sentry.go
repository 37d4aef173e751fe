package report

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	logx "harvester/pkg/logx"
)

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	// FlushTimeout bounds Close. Default 2s.
	FlushTimeout time.Duration
}

// Sentry captures incidents as Sentry exceptions tagged with the source.
type Sentry struct {
	hub   *sentry.Hub
	flush time.Duration
	log   logx.Logger
}

func NewSentry(cfg SentryConfig, log logx.Logger) (*Sentry, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sentry dsn is required")
	}
	return newSentry(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	}, cfg.FlushTimeout, log)
}

func newSentry(opts sentry.ClientOptions, flush time.Duration, log logx.Logger) (*Sentry, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	if flush <= 0 {
		flush = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope()), flush: flush, log: log}, nil
}

func (s *Sentry) Report(_ context.Context, inc Incident) {
	if s == nil || s.hub == nil || inc.Err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("source_id", inc.SourceID)
		scope.SetTag("source", inc.SourceName)
		scope.SetTag("stage", inc.Stage())
		if inc.SourceKind != "" {
			scope.SetTag("source_kind", inc.SourceKind)
		}
		if inc.PassID != "" {
			scope.SetTag("pass_id", inc.PassID)
		}
		if stderr := inc.Stderr(); stderr != "" {
			scope.SetExtra("stderr", logx.Truncate(stderr, 8000))
		}
		s.hub.CaptureException(inc.Err)
	})
}

// Close flushes buffered events.
func (s *Sentry) Close() error {
	if s == nil || s.hub == nil {
		return nil
	}
	if !s.hub.Flush(s.flush) {
		s.log.Warn("sentry flush timed out", logx.Duration("timeout", s.flush))
	}
	return nil
}
