package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"harvester/internal/domain"
	logx "harvester/pkg/logx"
)

const (
	DefaultTimeout = 10 * time.Minute

	// waitDelay bounds how long Wait blocks on pipes after the process is killed.
	waitDelay = 5 * time.Second
)

// interpreterAliases are first tokens replaced by the resolved interpreter.
var interpreterAliases = map[string]bool{"python": true, "python3": true}

// scriptExtensions are first-token suffixes that get the interpreter prepended.
var scriptExtensions = []string{".py"}

// Command is the subprocess Agent.
type Command struct {
	Name        string
	Line        string
	Workdir     string
	Interpreter string
	Timeout     time.Duration
	// Env is appended to the parent environment.
	Env []string
	Log logx.Logger
}

// Fetch runs the command to completion and decodes its stdout.
func (c *Command) Fetch(ctx context.Context) ([]domain.RawItem, error) {
	argv, err := BuildArgv(c.Line, c.Interpreter)
	if err != nil {
		return nil, execErrorf(c.Name, "%w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = resolveWorkdir(c.Workdir)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	log := c.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	started := time.Now()
	runErr := cmd.Run()
	took := time.Since(started)

	if runErr != nil {
		ee := &ExecutionError{Source: c.Name, ExitCode: -1, Stderr: stderr.String(), Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			ee.ExitCode = exitErr.ExitCode()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			ee.TimedOut = true
			ee.Err = fmt.Errorf("killed after %s: %w", timeout, context.DeadlineExceeded)
		} else if ctx.Err() != nil {
			ee.Err = fmt.Errorf("%w: %v", ctx.Err(), runErr)
		}
		log.Warn("agent failed",
			logx.Int("exit_code", ee.ExitCode),
			logx.Bool("timed_out", ee.TimedOut),
			logx.Duration("took", took),
			logx.Text("stderr", ee.Stderr, 2000),
		)
		return nil, ee
	}

	log.Debug("agent exited",
		logx.Duration("took", took),
		logx.Int("stdout_bytes", stdout.Len()),
		logx.Text("stderr", stderr.String(), 500),
	)

	items, err := Decode(stdout.Bytes())
	if err != nil {
		return nil, &ExecutionError{Source: c.Name, ExitCode: 0, Stderr: stderr.String(), Err: err}
	}
	return items, nil
}

// maxStderrBytes bounds how much agent stderr is kept; only a truncated copy
// is ever logged or reported.
const maxStderrBytes = 64 << 10

// cappedBuffer keeps the first max bytes written and counts the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	max     int
	dropped int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	switch {
	case room <= 0:
		c.dropped += int64(len(p))
	case len(p) > room:
		c.buf.Write(p[:room])
		c.dropped += int64(len(p) - room)
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

// String returns the kept bytes as valid UTF-8; a rune split by the cap is
// dropped.
func (c *cappedBuffer) String() string {
	s := strings.ToValidUTF8(c.buf.String(), "")
	if c.dropped > 0 {
		s += fmt.Sprintf("\n[%d bytes of stderr dropped]", c.dropped)
	}
	return s
}

// BuildArgv tokenizes line with shell-style quoting and applies interpreter
// rules: a bare interpreter alias is replaced by interpreter, and a script
// path with a known extension gets interpreter prepended. An empty
// interpreter leaves the tokens unchanged.
func BuildArgv(line, interpreter string) ([]string, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("tokenize command: %w", err)
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyCommand
	}
	if interpreter == "" {
		return tokens, nil
	}

	first := tokens[0]
	if interpreterAliases[first] {
		tokens[0] = interpreter
		return tokens, nil
	}
	ext := strings.ToLower(filepath.Ext(first))
	for _, e := range scriptExtensions {
		if ext == e {
			return append([]string{interpreter}, tokens...), nil
		}
	}
	return tokens, nil
}

// ResolveInterpreter returns configured when set, otherwise the first of
// python3/python found on PATH, or "" if none is available.
func ResolveInterpreter(configured string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func resolveWorkdir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return ""
	}
	return dir
}

// CommandResolver builds Command agents for sources.
type CommandResolver struct {
	Interpreter    string
	DefaultTimeout time.Duration
	// DefaultWorkdir is used for sources without their own workdir.
	DefaultWorkdir string
	Log            logx.Logger
}

func (r CommandResolver) Resolve(src domain.Source) (Agent, error) {
	if strings.TrimSpace(src.Command) == "" {
		return nil, ErrEmptyCommand
	}
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	workdir := src.Workdir
	if strings.TrimSpace(workdir) == "" {
		workdir = r.DefaultWorkdir
	}
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Command{
		Name:        src.Name,
		Line:        src.Command,
		Workdir:     workdir,
		Interpreter: r.Interpreter,
		Timeout:     timeout,
		Env: []string{
			"HARVESTER_SOURCE_ID=" + src.ID,
			"HARVESTER_SOURCE_NAME=" + src.Name,
		},
		Log: log.With(logx.String("source", src.Name)),
	}, nil
}
