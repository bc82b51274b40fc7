package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/qvopt/internal/logging"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Database struct {
		// Empty DSN disables result persistence.
		DSN string `env:"DB_DSN"`
	}
	Runtime struct {
		Backend       string `env:"QV_BACKEND" envDefault:"sim"`
		Shots         int    `env:"QV_SHOTS" envDefault:"0"`
		Seed          uint64 `env:"QV_SEED" envDefault:"0"`
		Verbose       bool   `env:"QV_VERBOSE" envDefault:"false"`
		Optimizer     string `env:"QV_OPTIMIZER" envDefault:"nelder-mead"`
		Objective     string `env:"QV_OBJECTIVE" envDefault:"vqe"`
		MaxIterations int    `env:"QV_MAX_ITERATIONS" envDefault:"200"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Runtime.Shots < 0 {
		return nil, fmt.Errorf("QV_SHOTS must be >= 0, got %d", cfg.Runtime.Shots)
	}
	if cfg.Runtime.MaxIterations < 1 {
		return nil, fmt.Errorf("QV_MAX_ITERATIONS must be >= 1, got %d", cfg.Runtime.MaxIterations)
	}

	// Make sure the directory of a file-backed sqlite DSN exists.
	if path := sqlitePath(cfg.Database.DSN); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoggerConfig returns the logging section in the form logging.NewLogger
// takes.
func (c *Config) LoggerConfig() *logging.Config {
	return &logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// sqlitePath extracts the file path of a "file:" DSN, or "" for in-memory
// and empty DSNs.
func sqlitePath(dsn string) string {
	if dsn == "" || strings.Contains(dsn, ":memory:") {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
