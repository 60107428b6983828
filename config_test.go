package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, driverSQLite, cfg.Driver)
	assert.Equal(t, "library.db", cfg.DBPath)
	assert.Equal(t, "5", cfg.DailyFine.String())
	assert.Equal(t, 14, cfg.TermDays)
	assert.Equal(t, 4, cfg.RetryAttempts)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(envOf(map[string]string{
		"LIBRARY_DB_DRIVER":         "Postgres",
		"LIBRARY_DB_DSN":            "postgres://localhost/library",
		"LIBRARY_DAILY_FINE":        "0.50",
		"LIBRARY_DEFAULT_TERM_DAYS": "21",
		"LIBRARY_RETRY_ATTEMPTS":    "2",
		"LIBRARY_LOG_LEVEL":         "debug",
		"LIBRARY_LOG_FORMAT":        "JSON",
	}))
	require.NoError(t, err)
	assert.Equal(t, driverPostgres, cfg.Driver)
	assert.Equal(t, "0.5", cfg.DailyFine.String())
	assert.Equal(t, 21, cfg.TermDays)
	assert.Equal(t, 2, cfg.RetryAttempts)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigReportsEveryBadValue(t *testing.T) {
	_, err := loadConfig(envOf(map[string]string{
		"LIBRARY_DAILY_FINE":        "-1",
		"LIBRARY_DEFAULT_TERM_DAYS": "0",
		"LIBRARY_RETRY_ATTEMPTS":    "many",
		"LIBRARY_LOG_LEVEL":         "loud",
	}))
	require.Error(t, err)
	for _, want := range []string{"LIBRARY_DAILY_FINE", "LIBRARY_DEFAULT_TERM_DAYS", "LIBRARY_RETRY_ATTEMPTS", "LIBRARY_LOG_LEVEL"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg, err := loadConfig(envOf(nil))
	require.NoError(t, err)

	bad := cfg
	bad.Driver = driverPostgres
	assert.ErrorContains(t, bad.validate(), "LIBRARY_DB_DSN")

	bad = cfg
	bad.DBPath = ""
	assert.Error(t, bad.validate())

	bad = cfg
	bad.LogFormat = "xml"
	assert.ErrorContains(t, bad.validate(), "log format")
}
