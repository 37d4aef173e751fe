package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/observability/debughttp"
	"harvester/internal/report"
	"harvester/internal/schedule"
	"harvester/internal/storage"
	"harvester/internal/trigger"
	logx "harvester/pkg/logx"
)

const (
	defaultPassSchedule      = "@every 1m"
	defaultRetentionSchedule = "@daily"
	defaultRetentionDays     = 90
	defaultAgentTimeout      = 10 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./harvester.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, errors.New("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// engineSettings is the resolved engine section.
type engineSettings struct {
	Workers        int
	DefaultTimeout time.Duration
	Interpreter    string
	Workdir        string
	Backoff        schedule.BackoffPolicy

	Retention         time.Duration // 0 disables
	RetentionSchedule string
}

func mapEngineConfig(cfg *config.Config) (engineSettings, error) {
	ec := cfg.Engine
	if ec.Workers < 0 {
		return engineSettings{}, errors.New("engine.workers must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("engine.default_timeout", ec.DefaultTimeout, defaultAgentTimeout)
	if err != nil {
		return engineSettings{}, err
	}
	first, err := config.ParseDurationField("engine.backoff.first_failure", ec.Backoff.FirstFailure)
	if err != nil {
		return engineSettings{}, err
	}
	repeated, err := config.ParseDurationField("engine.backoff.repeated_failure", ec.Backoff.RepeatedFailure)
	if err != nil {
		return engineSettings{}, err
	}
	if ec.Backoff.Window < 0 {
		return engineSettings{}, errors.New("engine.backoff.window must be >= 0")
	}

	out := engineSettings{
		Workers:        max(ec.Workers, 1),
		DefaultTimeout: timeout,
		Interpreter:    strings.TrimSpace(ec.Interpreter),
		Workdir:        strings.TrimSpace(ec.Workdir),
		Backoff: schedule.BackoffPolicy{
			First:    first,
			Repeated: repeated,
			Window:   ec.Backoff.Window,
		}.Normalize(),
	}

	days := ec.RetentionDays
	if days == 0 {
		days = defaultRetentionDays
	}
	if days > 0 {
		out.Retention = time.Duration(days) * 24 * time.Hour
		out.RetentionSchedule = strings.TrimSpace(ec.RetentionSchedule)
		if out.RetentionSchedule == "" {
			out.RetentionSchedule = defaultRetentionSchedule
		}
		if _, err := trigger.Parse(out.RetentionSchedule); err != nil {
			return engineSettings{}, fmt.Errorf("engine.retention_schedule: %w", err)
		}
	}
	return out, nil
}

type triggerSettings struct {
	Enabled    bool
	Schedule   string
	Timezone   string
	RunOnStart bool
}

func mapTriggerConfig(cfg *config.Config) (triggerSettings, error) {
	tc := cfg.Trigger
	out := triggerSettings{
		Enabled:    tc.Enabled == nil || *tc.Enabled,
		Schedule:   strings.TrimSpace(tc.Schedule),
		Timezone:   strings.TrimSpace(tc.Timezone),
		RunOnStart: tc.RunOnStart,
	}
	if out.Schedule == "" {
		out.Schedule = defaultPassSchedule
	}
	if _, err := trigger.Parse(out.Schedule); err != nil {
		return triggerSettings{}, fmt.Errorf("trigger.schedule: %w", err)
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return triggerSettings{}, fmt.Errorf("trigger.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	return out, nil
}

type lockSettings struct {
	Driver   string // local | redis | none
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

func mapLockConfig(cfg *config.Config) (lockSettings, error) {
	lc := cfg.Lock
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	switch driver {
	case "", "local":
		return lockSettings{Driver: "local"}, nil
	case "none":
		return lockSettings{Driver: "none"}, nil
	case "redis":
		if strings.TrimSpace(lc.Redis.Addr) == "" {
			return lockSettings{}, errors.New("lock.redis.addr is required when lock.driver=redis")
		}
		ttl, err := config.ParseDurationField("lock.redis.ttl", lc.Redis.TTL)
		if err != nil {
			return lockSettings{}, err
		}
		return lockSettings{
			Driver:   "redis",
			Addr:     strings.TrimSpace(lc.Redis.Addr),
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
			Key:      strings.TrimSpace(lc.Redis.Key),
			TTL:      ttl,
		}, nil
	default:
		return lockSettings{}, fmt.Errorf("unknown lock.driver: %s", lc.Driver)
	}
}

type reportSettings struct {
	Sentry   *report.SentryConfig   // nil when disabled
	Telegram *report.TelegramConfig // nil when disabled
}

func mapReportConfig(cfg *config.Config) (reportSettings, error) {
	var out reportSettings
	if sc := cfg.Report.Sentry; strings.TrimSpace(sc.DSN) != "" {
		flush, err := config.ParseDurationField("report.sentry.flush_timeout", sc.FlushTimeout)
		if err != nil {
			return reportSettings{}, err
		}
		out.Sentry = &report.SentryConfig{
			DSN:          strings.TrimSpace(sc.DSN),
			Environment:  sc.Environment,
			Release:      sc.Release,
			FlushTimeout: flush,
		}
	}
	if tc := cfg.Report.Telegram; strings.TrimSpace(tc.Token) != "" {
		if tc.ChatID == 0 {
			return reportSettings{}, errors.New("report.telegram.chat_id is required when a token is set")
		}
		if tc.RatePerSec < 0 || tc.QueueSize < 0 {
			return reportSettings{}, errors.New("report.telegram rate_per_sec and queue_size must be >= 0")
		}
		out.Telegram = &report.TelegramConfig{
			Token:      strings.TrimSpace(tc.Token),
			ChatID:     tc.ChatID,
			ThreadID:   tc.ThreadID,
			RatePerSec: tc.RatePerSec,
			QueueSize:  tc.QueueSize,
		}
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) (debughttp.Config, error) {
	dc := cfg.Debug
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return debughttp.Config{}, err
	}
	wt, err := config.ParseDurationField("debug.write_timeout", dc.WriteTimeout)
	if err != nil {
		return debughttp.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second)
	if err != nil {
		return debughttp.Config{}, err
	}
	return debughttp.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Prefix:               strings.TrimSpace(dc.Prefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
		MemProfileRate:       dc.MemProfileRate,
	}, nil
}

var startTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

func mapSources(cfg *config.Config) ([]domain.Source, error) {
	out := make([]domain.Source, 0, len(cfg.Sources))
	seen := make(map[string]bool, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		path := fmt.Sprintf("sources[%d]", i)
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return nil, fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: duplicate source name %q", path, name)
		}
		seen[name] = true
		if strings.TrimSpace(sc.Command) == "" {
			return nil, fmt.Errorf("%s.command is required", path)
		}

		kind := domain.SourceKind(strings.TrimSpace(sc.Kind))
		if kind == "" {
			kind = domain.KindWebsiteParser
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("%s.kind: unknown %q", path, sc.Kind)
		}

		interval, err := config.ParseDurationField(path+".interval", sc.Interval)
		if err != nil {
			return nil, err
		}
		if sc.IntervalMinutes < 0 {
			return nil, fmt.Errorf("%s.interval_minutes must be >= 0", path)
		}
		if interval == 0 {
			interval = time.Duration(sc.IntervalMinutes) * time.Minute
		}
		if interval <= 0 {
			return nil, fmt.Errorf("%s: interval or interval_minutes is required", path)
		}

		timeout, err := config.ParseDurationField(path+".timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}

		var start time.Time
		if s := strings.TrimSpace(sc.StartTime); s != "" {
			start, err = parseStartTime(s)
			if err != nil {
				return nil, fmt.Errorf("%s.start_time: %w", path, err)
			}
		}

		out = append(out, domain.Source{
			Name:      name,
			Kind:      kind,
			Command:   strings.TrimSpace(sc.Command),
			Workdir:   strings.TrimSpace(sc.Workdir),
			Interval:  interval,
			StartTime: start,
			Active:    sc.Active == nil || *sc.Active,
			Timeout:   timeout,
		})
	}
	return out, nil
}

func parseStartTime(s string) (time.Time, error) {
	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339 or \"2006-01-02 15:04\")", s)
}

func mapTags(cfg *config.Config) ([]domain.Tag, error) {
	out := make([]domain.Tag, 0, len(cfg.Tags))
	for i, tc := range cfg.Tags {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, fmt.Errorf("tags[%d].name is required", i)
		}
		cat := domain.TagCategory(strings.TrimSpace(tc.Category))
		if !cat.Valid() {
			return nil, fmt.Errorf("tags[%d].category: unknown %q", i, tc.Category)
		}
		out = append(out, domain.Tag{Name: name, Category: cat})
	}
	return out, nil
}

// validateConfig checks every section. It backs both startup and the
// hot-reload validator.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLockConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReportConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSources(cfg); err != nil {
		return err
	}
	if _, err := mapTags(cfg); err != nil {
		return err
	}
	return nil
}
