package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"harvester/internal/domain"
	logx "harvester/pkg/logx"
)

var ErrEmptyCommand = errors.New("agent: empty command")

// Agent retrieves one batch of raw items.
type Agent interface {
	Fetch(ctx context.Context) ([]domain.RawItem, error)
}

// Func adapts a plain function to Agent. It is used for in-process agents and tests.
type Func func(ctx context.Context) ([]domain.RawItem, error)

func (f Func) Fetch(ctx context.Context) ([]domain.RawItem, error) { return f(ctx) }

// Resolver maps a source onto the agent that serves it.
type Resolver interface {
	Resolve(src domain.Source) (Agent, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(src domain.Source) (Agent, error)

func (f ResolverFunc) Resolve(src domain.Source) (Agent, error) { return f(src) }

// ExecutionError is a source-level failure: the agent could not be started,
// exited non-zero, timed out, or produced undecodable output.
type ExecutionError struct {
	Source   string
	ExitCode int // -1 when the process did not exit normally
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("agent")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	switch {
	case e.TimedOut:
		b.WriteString(": timed out")
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if line := firstLine(e.Stderr); line != "" {
		b.WriteString(": ")
		b.WriteString(line)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// AsExecutionError unwraps err into an ExecutionError when possible.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return logx.Truncate(s, 200)
}

func execErrorf(source string, format string, args ...any) *ExecutionError {
	return &ExecutionError{Source: source, ExitCode: -1, Err: fmt.Errorf(format, args...)}
}
