package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String fields marked "expanded" have ${VAR} references substituted from the
// environment (after the optional .env overlay) when resolved.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`
	Trigger TriggerConfig `json:"trigger"`
	Lock    LockConfig    `json:"lock,omitempty"`
	Report  ReportConfig  `json:"report,omitempty"`
	Debug   DebugConfig   `json:"debug,omitempty"`

	// Sources are upserted into the registry by name on startup and reload.
	Sources []SourceConfig `json:"sources,omitempty"`
	// Tags are added to the vocabulary by (name, category).
	Tags []TagConfig `json:"tags,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./harvester.db" }
//	"storage": { "driver": "postgres", "dsn": "${HARVESTER_PG_DSN}" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // expanded; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// EngineConfig controls ingestion passes.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1 (sources processed sequentially)
//   - default_timeout: "10m"
//   - interpreter: first of python3, python on PATH
//   - backoff: first_failure "15m", repeated_failure "45m", window 5
//   - retention_days: 90 (negative disables retention)
//   - retention_schedule: "@daily"
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	Interpreter    string `json:"interpreter,omitempty"`
	// Workdir is the working directory for sources without their own.
	Workdir string `json:"workdir,omitempty"`

	Backoff BackoffConfig `json:"backoff,omitempty"`

	RetentionDays     int    `json:"retention_days,omitempty"`
	RetentionSchedule string `json:"retention_schedule,omitempty"`
}

type BackoffConfig struct {
	FirstFailure    string `json:"first_failure,omitempty"`
	RepeatedFailure string `json:"repeated_failure,omitempty"`
	Window          int    `json:"window,omitempty"`
}

// TriggerConfig controls when passes run.
//
// Schedule accepts a cron expression, "@every 1m", a bare duration, or a
// daily "HH:MM". Default "@every 1m".
type TriggerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"` // default true
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// RunOnStart runs one pass immediately after startup.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// LockConfig selects the pass lock.
//
// Driver values: "local" (default), "redis", "none".
type LockConfig struct {
	Driver string      `json:"driver,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // expanded; never logged
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

type ReportConfig struct {
	Sentry   SentryConfig   `json:"sentry,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type SentryConfig struct {
	DSN          string `json:"dsn,omitempty"` // expanded
	Environment  string `json:"environment,omitempty"`
	Release      string `json:"release,omitempty"`
	FlushTimeout string `json:"flush_timeout,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token,omitempty"` // expanded; never logged
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof, /metrics, /healthz).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // expanded; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile (which can take 30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SourceConfig declares one source of the registry.
type SourceConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind,omitempty"` // api_client | website_parser | tg_channel_parser
	Command string `json:"command"`
	Workdir string `json:"workdir,omitempty"`
	// Interval is a Go duration; IntervalMinutes is accepted instead.
	Interval        string `json:"interval,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	// StartTime is RFC3339 or "2006-01-02 15:04" (UTC). Empty means no delay.
	StartTime string `json:"start_time,omitempty"`
	Active    *bool  `json:"active,omitempty"` // default true
	Timeout   string `json:"timeout,omitempty"`
}

type TagConfig struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}
