package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"harvester/internal/agent"
	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/ingest"
	"harvester/internal/lock"
	"harvester/internal/metrics"
	"harvester/internal/observability/debughttp"
	"harvester/internal/report"
	"harvester/internal/runtime/supervisor"
	"harvester/internal/storage"
	"harvester/internal/trigger"
	logx "harvester/pkg/logx"
	"harvester/pkg/systemd"
)

const (
	jobPass      = "pass"
	jobRetention = "retention"
)

// ErrSourcesFailed is returned by RunOnce when at least one due source failed.
var ErrSourcesFailed = errors.New("one or more sources failed")

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   *storage.Store
	metrics *metrics.Metrics

	redis  *redis.Client
	locker lock.Locker

	trig   *trigger.Service
	debug  *debughttp.Service
	notify *systemd.Notifier

	// agents overrides the subprocess resolver (tests).
	agents agent.Resolver

	coord atomic.Pointer[ingest.Coordinator]
	// retention is nil when disabled.
	retention atomic.Pointer[ingest.Retention]

	repMu     sync.Mutex
	reporter  report.Reporter
	repClose  []func() error
	repCancel context.CancelFunc
}

// NewApp loads the config, opens logging and the store. Nothing runs until
// Start or RunOnce.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", st.Driver()))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   st,
		metrics: metrics.New(),
		notify:  systemd.New(),
	}

	// validateConfig already accepted every section below.
	ls, _ := mapLockConfig(cfg)
	a.locker, a.redis = a.newLocker(ls)

	ts, _ := mapTriggerConfig(cfg)
	a.trig = trigger.New(ts.Timezone, log.With(logx.String("comp", "trigger")))

	dc, _ := mapDebugConfig(cfg)
	a.debug = debughttp.New(dc, debughttp.Deps{
		Metrics: a.metrics.Handler(),
		Health:  a.health,
		Details: a.status,
	}, log.With(logx.String("comp", "debughttp")))

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Metrics exposes the collectors (tests, embedding).
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) newLocker(ls lockSettings) (lock.Locker, *redis.Client) {
	switch ls.Driver {
	case "none":
		return nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     ls.Addr,
			Password: ls.Password,
			DB:       ls.DB,
		})
		a.log.Info("pass lock: redis", logx.String("addr", ls.Addr))
		return lock.NewRedis(client, ls.Key, ls.TTL, a.log.With(logx.String("comp", "lock"))), client
	default:
		return lock.NewLocal(), nil
	}
}

// prepare syncs the registry and builds the reporters and the coordinator
// for cfg. It backs both Start and RunOnce.
func (a *App) prepare(ctx context.Context, cfg *config.Config) error {
	if err := syncRegistry(ctx, a.store, cfg, a.log.With(logx.String("comp", "registry"))); err != nil {
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := a.applyReporters(ctx, cfg); err != nil {
		return err
	}
	if err := a.applyEngine(cfg); err != nil {
		return err
	}
	return nil
}

// applyReporters builds the reporter chain for cfg and swaps it in. The
// previous chain is closed after the swap.
func (a *App) applyReporters(ctx context.Context, cfg *config.Config) error {
	rs, err := mapReportConfig(cfg)
	if err != nil {
		return err
	}

	multi := report.Multi{report.Log{Logger: a.log.With(logx.String("comp", "report"))}}
	var closers []func() error
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if rs.Sentry != nil {
		s, err := report.NewSentry(*rs.Sentry, a.log.With(logx.String("comp", "report.sentry")))
		if err != nil {
			cancel()
			return fmt.Errorf("report.sentry: %w", err)
		}
		multi = append(multi, s)
		closers = append(closers, s.Close)
	}
	if rs.Telegram != nil {
		tg, err := report.NewTelegram(*rs.Telegram, a.log.With(logx.String("comp", "report.telegram")))
		if err != nil {
			cancel()
			for _, c := range closers {
				_ = c()
			}
			return fmt.Errorf("report.telegram: %w", err)
		}
		tg.Start(rctx)
		multi = append(multi, tg)
		closers = append(closers, tg.Close)
	}

	a.repMu.Lock()
	oldClose, oldCancel := a.repClose, a.repCancel
	a.reporter, a.repClose, a.repCancel = multi, closers, cancel
	a.repMu.Unlock()

	closeReporters(oldClose, oldCancel)
	a.log.Debug("reporters applied",
		logx.Bool("sentry", rs.Sentry != nil),
		logx.Bool("telegram", rs.Telegram != nil),
	)
	return nil
}

func closeReporters(closers []func() error, cancel context.CancelFunc) {
	for _, c := range closers {
		_ = c()
	}
	if cancel != nil {
		cancel()
	}
}

func (a *App) currentReporter() report.Reporter {
	a.repMu.Lock()
	defer a.repMu.Unlock()
	if a.reporter == nil {
		return report.Nop{}
	}
	return a.reporter
}

// applyEngine rebuilds the coordinator and the retention job for cfg. A
// pass already running keeps the coordinator it started with.
func (a *App) applyEngine(cfg *config.Config) error {
	es, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}

	agents := a.agents
	if agents == nil {
		agents = agent.CommandResolver{
			Interpreter:    agent.ResolveInterpreter(es.Interpreter),
			DefaultTimeout: es.DefaultTimeout,
			DefaultWorkdir: es.Workdir,
			Log:            a.log.With(logx.String("comp", "agent")),
		}
	}
	a.coord.Store(ingest.New(
		ingest.FromStorage(a.store),
		agents,
		a.currentReporter(),
		a.bus,
		a.log.With(logx.String("comp", "ingest")),
		ingest.Options{Backoff: es.Backoff, Workers: es.Workers},
	))

	if es.Retention > 0 {
		a.retention.Store(&ingest.Retention{
			Store:  a.store,
			MaxAge: es.Retention,
			Bus:    a.bus,
			Log:    a.log.With(logx.String("comp", "retention")),
		})
	} else {
		a.retention.Store(nil)
	}
	return nil
}

// runPass is the body of the pass job.
func (a *App) runPass(ctx context.Context) error {
	c := a.coord.Load()
	if c == nil {
		return errors.New("coordinator not ready")
	}
	stats, err := c.RunPass(ctx, time.Now())
	failed := countFailed(stats)
	if len(stats) > 0 {
		line := fmt.Sprintf("last pass: %d due, %d failed", len(stats), failed)
		if next, ok := a.trig.Next(jobPass); ok {
			line += "; next " + next.Format(time.RFC3339)
		}
		_, _ = a.notify.Status(line)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) runRetention(ctx context.Context) error {
	r := a.retention.Load()
	if r == nil {
		return nil
	}
	_, err := r.Run(ctx, time.Now())
	return err
}

// applyTrigger (re)registers the pass and retention jobs.
func (a *App) applyTrigger(cfg *config.Config) error {
	ts, err := mapTriggerConfig(cfg)
	if err != nil {
		return err
	}
	es, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}

	if !ts.Enabled {
		if a.trig.Remove(jobPass) {
			a.log.Info("pass trigger disabled via config")
		}
	} else {
		job := trigger.Guarded(a.locker, a.log.With(logx.String("comp", "lock")), a.runPass)
		if err := a.schedule(jobPass, ts.Schedule, job); err != nil {
			return err
		}
	}

	if es.Retention <= 0 {
		a.trig.Remove(jobRetention)
	} else if err := a.schedule(jobRetention, es.RetentionSchedule, a.runRetention); err != nil {
		return err
	}
	return nil
}

// schedule registers name, or reschedules it when already registered so an
// unchanged schedule keeps its cron entry across reloads.
func (a *App) schedule(name, spec string, job trigger.Job) error {
	if slices.Contains(a.trig.Jobs(), name) {
		return a.trig.Reschedule(name, spec)
	}
	return a.trig.Add(name, spec, job)
}

// jobStatus is one scheduled job in /healthz details.
type jobStatus struct {
	Name string     `json:"name"`
	Next *time.Time `json:"next,omitempty"`
}

// status feeds /healthz details.
func (a *App) status() any {
	var jobs []jobStatus
	for _, name := range a.trig.Jobs() {
		js := jobStatus{Name: name}
		if next, ok := a.trig.Next(name); ok {
			js.Next = &next
		}
		jobs = append(jobs, js)
	}
	return struct {
		Jobs       []jobStatus         `json:"jobs"`
		Goroutines supervisor.Counters `json:"goroutines"`
	}{jobs, a.sup.Counters()}
}

func (a *App) health(ctx context.Context) error {
	st := a.store
	if st == nil {
		return storage.ErrDisabled
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := a.Err(); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.prepare(a.sup.Context(), cfg); err != nil {
		return err
	}
	if err := a.applyTrigger(cfg); err != nil {
		return err
	}

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	// Debug-level event trail; metrics subscribe on their own.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.trig.Start(a.sup.Context())
	if ts, _ := mapTriggerConfig(cfg); ts.Enabled && ts.RunOnStart {
		job := trigger.Guarded(a.locker, a.log.With(logx.String("comp", "lock")), a.runPass)
		a.sup.Go("pass.initial", func(c context.Context) error {
			if err := job(c); err != nil {
				a.log.Warn("initial pass failed", logx.Err(err))
			}
			return nil
		})
	}

	if a.debug.Enabled() {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := a.notify.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.notify.Watchdog(c, a.health)
	})

	a.log.Info("app started",
		logx.String("schedule", cfg.Trigger.Schedule),
		logx.Int("configured_sources", len(cfg.Sources)),
	)
	return nil
}

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, sources := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(sources) > 0 {
		a.log.Debug("source changes detected", logx.Any("sources", sources))
	}

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["lock"] {
		a.log.Warn("lock config changed; restart required for changes to take effect")
	}

	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed["report"] {
		if err := a.applyReporters(ctx, newCfg); err != nil {
			a.log.Warn("invalid report config; keeping previous", logx.Err(err))
		}
	}
	if changed["engine"] || changed["report"] {
		if err := a.applyEngine(newCfg); err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		}
	}
	if changed["trigger"] || changed["engine"] {
		if changed["trigger"] && oldCfg.Trigger.Timezone != newCfg.Trigger.Timezone {
			a.log.Warn("trigger.timezone changed; restart required for changes to take effect")
		}
		if err := a.applyTrigger(newCfg); err != nil {
			a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
		}
	}
	if changed["sources"] || changed["tags"] {
		if err := syncRegistry(ctx, a.store, newCfg, a.log.With(logx.String("comp", "registry"))); err != nil {
			a.log.Warn("registry sync failed", logx.Err(err))
		}
	}
	if changed["debug"] {
		dc, err := mapDebugConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else if err := a.debug.Reconfigure(ctx, dc); err != nil {
			a.log.Warn("debug server reconfigure failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

// RunOnce syncs the registry, runs exactly one pass and writes the per-source
// stats to out as JSON. It returns ErrSourcesFailed when any due source failed.
func (a *App) RunOnce(ctx context.Context, out io.Writer) error {
	cfg := a.cfgm.Get()
	if err := a.prepare(ctx, cfg); err != nil {
		return err
	}
	job := trigger.Guarded(a.locker, a.log.With(logx.String("comp", "lock")), func(c context.Context) error {
		stats, err := a.coord.Load().RunPass(c, time.Now())
		if out != nil {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if stats == nil {
				stats = []domain.RunStats{}
			}
			if werr := enc.Encode(stats); werr != nil && err == nil {
				err = werr
			}
		}
		if err != nil {
			return err
		}
		if n := countFailed(stats); n > 0 {
			return fmt.Errorf("%w: %d of %d", ErrSourcesFailed, n, len(stats))
		}
		return nil
	})
	return job(ctx)
}

func countFailed(stats []domain.RunStats) int {
	n := 0
	for _, s := range stats {
		if !s.Success {
			n++
		}
	}
	return n
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify.Stopping(); err != nil {
		a.log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	if a.sup != nil {
		a.sup.Cancel()
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The pass job persists with a detached context, so waiting here lets a
	// canceled pass finish writing its failed runs.
	step("trigger", 10*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("debughttp", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("reporters", 3*time.Second, func(context.Context) error {
		a.repMu.Lock()
		closers, cancel := a.repClose, a.repCancel
		a.repClose, a.repCancel = nil, nil
		a.repMu.Unlock()
		closeReporters(closers, cancel)
		return nil
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error {
			err := a.sup.Wait(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
