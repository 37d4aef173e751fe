// Package trigger fires named jobs on cron, interval or daily schedules.
//
// Firings of one job never overlap: a firing that arrives while the previous
// run is still going is skipped. Jobs may additionally be guarded by a
// lock.Locker so that several processes sharing a store do not run the same
// pass concurrently.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"harvester/internal/lock"
	logx "harvester/pkg/logx"
)

// Job is one firing. ctx is canceled when the trigger stops.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    Spec
	job     Job
	entryID cron.EntryID
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	loc  *time.Location
	defs map[string]*entry

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a stopped trigger. An empty or unknown timezone means local time.
func New(timezone string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, loc: loadLocation(timezone, log), defs: map[string]*entry{}}
}

// Add registers or replaces the job called name. It may be called before
// or after Start.
func (s *Service) Add(name, schedule string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger: job name required")
	}
	if job == nil {
		return fmt.Errorf("trigger %s: nil job", name)
	}
	spec, err := Parse(schedule)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	e := &entry{name: name, spec: spec, job: job}
	s.defs[name] = e
	if s.c != nil {
		if err := s.addLocked(e); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("job scheduled", logx.String("job", name), logx.String("schedule", spec.String()))
	return nil
}

// Reschedule changes the schedule of an existing job, keeping its function.
func (s *Service) Reschedule(name, schedule string) error {
	s.mu.Lock()
	e, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s: not registered", name)
	}
	if spec, err := Parse(schedule); err == nil && spec == e.spec {
		return nil
	}
	return s.Add(name, schedule, e.job)
}

// Remove unregisters name. It reports whether the job existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.entryID)
	}
	delete(s.defs, name)
	return true
}

// Start begins firing registered jobs. Jobs receive a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, e := range s.defs {
		if err := s.addLocked(e); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", e.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops firing and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		// Still running; cancel and give up waiting.
	}
	cancel()
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

// Next returns the next firing time of name, or false when it is not
// scheduled or the trigger is stopped.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.defs[name]
	if !ok || s.c == nil {
		return time.Time{}, false
	}
	next := s.c.Entry(e.entryID).Next
	return next, !next.IsZero()
}

// Jobs returns registered job names, sorted.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Service) addLocked(e *entry) error {
	sched, err := e.spec.Schedule()
	if err != nil {
		return err
	}
	log := s.log.With(logx.String("job", e.name))
	ctx := s.ctx
	job := e.job
	wrapped := cron.NewChain(
		cron.Recover(cronLogger{log}),
		cron.SkipIfStillRunning(cronLogger{log}),
	).Then(cron.FuncJob(func() {
		start := time.Now()
		if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("job failed", logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		log.Debug("job done", logx.Duration("took", time.Since(start)))
	}))
	e.entryID = s.c.Schedule(sched, wrapped)
	return nil
}

// Guarded wraps job so it only runs while holding l. A firing that finds the
// lock held elsewhere is skipped.
func Guarded(l lock.Locker, log logx.Logger, job Job) Job {
	if l == nil {
		return job
	}
	return func(ctx context.Context) error {
		release, err := l.TryAcquire(ctx)
		if errors.Is(err, lock.ErrHeld) {
			log.Debug("pass lock held elsewhere; skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("acquire pass lock: %w", err)
		}
		defer func() {
			// The job context may already be canceled on shutdown.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				log.Warn("release pass lock", logx.Err(err))
			}
		}()
		return job(ctx)
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
