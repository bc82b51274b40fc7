package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/qvopt/internal/logging"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sim", cfg.Runtime.Backend)
	assert.Equal(t, "nelder-mead", cfg.Runtime.Optimizer)
	assert.Equal(t, "vqe", cfg.Runtime.Objective)
	assert.Equal(t, 200, cfg.Runtime.MaxIterations)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoggerConfig(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_OUTPUT", "discard")

	cfg, err := Load()
	require.NoError(t, err)
	lc := cfg.LoggerConfig()
	assert.Equal(t, &logging.Config{Level: "info", Format: "text", Output: "discard"}, lc)

	logger, err := logging.NewLogger(lc)
	require.NoError(t, err)
	assert.Equal(t, logging.InfoLevel, logger.Level())
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV", "production")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("QV_SHOTS", "1024")
	t.Setenv("QV_VERBOSE", "true")
	t.Setenv("DB_DSN", "file:"+filepath.Join(dir, "nested", "results.db")+"?_pragma=busy_timeout(5000)")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1024, cfg.Runtime.Shots)
	assert.True(t, cfg.Runtime.Verbose)
	assert.DirExists(t, filepath.Join(dir, "nested"))
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("QV_SHOTS", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestSqlitePath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"", ""},
		{"file::memory:?cache=shared", ""},
		{"file:data/qv.db?cache=shared", "data/qv.db"},
		{"results.db", "results.db"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlitePath(tt.dsn))
		})
	}
}
