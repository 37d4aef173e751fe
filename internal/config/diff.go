package config

import (
	"reflect"
	"sort"
	"strings"

	logx "harvester/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like DSNs or
// tokens), and (3) the names of sources that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log DSN)
	if oldCfg.Storage != newCfg.Storage {
		ns := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.String("storage.path", ns.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.default_timeout", newCfg.Engine.DefaultTimeout),
			logx.String("engine.backoff.first_failure", newCfg.Engine.Backoff.FirstFailure),
			logx.String("engine.backoff.repeated_failure", newCfg.Engine.Backoff.RepeatedFailure),
			logx.Int("engine.backoff.window", newCfg.Engine.Backoff.Window),
			logx.Int("engine.retention_days", newCfg.Engine.RetentionDays),
		)
	}

	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.String("trigger.schedule", newCfg.Trigger.Schedule),
			logx.String("trigger.timezone", newCfg.Trigger.Timezone),
		)
	}

	// Lock (never log password)
	if oldCfg.Lock != newCfg.Lock {
		nl := newCfg.Lock
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.String("lock.driver", nl.Driver),
			logx.String("lock.redis.addr", nl.Redis.Addr),
			logx.Bool("lock.redis.password_set", nl.Redis.Password != ""),
		)
	}

	// Report (never log DSN or token)
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.sentry_enabled", strings.TrimSpace(newCfg.Report.Sentry.DSN) != ""),
			logx.String("report.sentry.environment", newCfg.Report.Sentry.Environment),
			logx.Bool("report.telegram_enabled", strings.TrimSpace(newCfg.Report.Telegram.Token) != "" && newCfg.Report.Telegram.ChatID != 0),
		)
	}

	// Debug (never log token)
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	sources := diffSources(oldCfg.Sources, newCfg.Sources)
	if len(sources) > 0 {
		changed = append(changed, "sources")
		attrs = append(attrs, logx.Int("sources.changed", len(sources)))
	}

	if !reflect.DeepEqual(oldCfg.Tags, newCfg.Tags) {
		changed = append(changed, "tags")
		attrs = append(attrs, logx.Int("tags.count", len(newCfg.Tags)))
	}

	return changed, attrs, sources
}

func diffSources(a, b []SourceConfig) []string {
	byName := func(in []SourceConfig) map[string]SourceConfig {
		m := make(map[string]SourceConfig, len(in))
		for _, s := range in {
			m[strings.TrimSpace(s.Name)] = s
		}
		return m
	}
	am, bm := byName(a), byName(b)

	var out []string
	for name, bs := range bm {
		if as, ok := am[name]; !ok || !reflect.DeepEqual(as, bs) {
			out = append(out, name)
		}
	}
	for name := range am {
		if _, ok := bm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
