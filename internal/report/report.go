// Package report delivers failed-run incidents to error tracking.
//
// Reporting is fire-and-forget: Report never returns an error and must not
// block the ingestion pass for long.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"harvester/internal/agent"
	logx "harvester/pkg/logx"
)

// Incident is one failed source run.
type Incident struct {
	PassID     string
	SourceID   string
	SourceName string
	SourceKind string
	At         time.Time
	Err        error
}

// Stderr returns the agent's captured stderr when Err carries it.
func (i Incident) Stderr() string {
	if ee, ok := agent.AsExecutionError(i.Err); ok {
		return ee.Stderr
	}
	return ""
}

// Stage classifies the failure for tags and labels.
func (i Incident) Stage() string {
	var ee *agent.ExecutionError
	switch {
	case errors.As(i.Err, &ee) && ee.TimedOut:
		return "timeout"
	case errors.As(i.Err, &ee):
		return "execution"
	default:
		return "persistence"
	}
}

type Reporter interface {
	Report(ctx context.Context, inc Incident)
}

// Nop discards incidents.
type Nop struct{}

func (Nop) Report(context.Context, Incident) {}

// Log writes incidents to the structured log.
type Log struct {
	Logger logx.Logger
}

func (r Log) Report(_ context.Context, inc Incident) {
	log := r.Logger
	if log.IsZero() {
		return
	}
	log.Error("source run failed",
		logx.String("pass_id", inc.PassID),
		logx.String("source_id", inc.SourceID),
		logx.String("source", inc.SourceName),
		logx.String("stage", inc.Stage()),
		logx.Err(inc.Err),
		logx.Text("stderr", inc.Stderr(), 2000),
	)
}

// Multi fans an incident out to every reporter. A panicking reporter is
// isolated from the others.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, inc Incident) {
	for _, r := range m {
		if r == nil {
			continue
		}
		safeReport(ctx, r, inc)
	}
}

func safeReport(ctx context.Context, r Reporter, inc Incident) {
	defer func() { _ = recover() }()
	r.Report(ctx, inc)
}

func summary(inc Incident) string {
	name := inc.SourceName
	if name == "" {
		name = inc.SourceID
	}
	return fmt.Sprintf("source %s failed (%s): %v", name, inc.Stage(), inc.Err)
}
