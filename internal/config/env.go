package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error unless
// required is true.
func LoadEnv(path string, required bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// expandEnv substitutes ${VAR} references in the fields that commonly carry
// secrets or deployment-specific locations.
func (c *Config) expandEnv() {
	exp := func(s *string) {
		if strings.Contains(*s, "$") {
			*s = os.ExpandEnv(*s)
		}
	}
	exp(&c.Storage.Path)
	exp(&c.Storage.DSN)
	exp(&c.Logging.File.Path)
	exp(&c.Lock.Redis.Addr)
	exp(&c.Lock.Redis.Password)
	exp(&c.Report.Sentry.DSN)
	exp(&c.Report.Sentry.Environment)
	exp(&c.Report.Sentry.Release)
	exp(&c.Report.Telegram.Token)
	exp(&c.Debug.Token)
	exp(&c.Engine.Interpreter)
	exp(&c.Engine.Workdir)
	for i := range c.Sources {
		exp(&c.Sources[i].Workdir)
	}
}
