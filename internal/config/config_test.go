package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Storage.BarBackend)
	assert.Equal(t, 10, cfg.Cache.FreshTTLMinutes)
	assert.Equal(t, "1m", cfg.Fetch.ObservationTimeframe)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	m := NewManager("", nil)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "pricefeed", cfg.AppName)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"cache": {"fresh_ttl_minutes": 3, "stale_ttl_hours": 24},
		"breaker": {"failure_threshold": 7, "reset_timeout_seconds": 60, "half_open_max": 2},
		"logging": {"level": "debug", "format": "text", "output": "stderr"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Cache.FreshTTLMinutes)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Fetch.TimeoutSeconds)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := NewManager("/nonexistent/config.json", nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "pricefeed", cfg.AppName)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cache": {"fresh_ttl_minutes": 3, "stale_ttl_hours": 24}}`), 0o644))

	t.Setenv("CACHE_FRESH_TTL_MINUTES", "15")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("BAR_BACKEND", "duckdb")
	t.Setenv("DUCKDB_PATH", filepath.Join(dir, "bars.db"))

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Cache.FreshTTLMinutes)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "duckdb", cfg.Storage.BarBackend)
}

func TestEnvCategoryParsing(t *testing.T) {
	t.Setenv("PROVIDER_CATEGORIES", "metals=XAU;XAG,fx=EUR")
	cfg, err := NewManager("", nil).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"XAU", "XAG"}, cfg.Provider.Categories["metals"])
	assert.Equal(t, []string{"EUR"}, cfg.Provider.Categories["fx"])
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"unknown bar backend", func(c *AppConfig) { c.Storage.BarBackend = "csv" }},
		{"duckdb without path", func(c *AppConfig) {
			c.Storage.BarBackend = "duckdb"
			c.Storage.DuckDBPath = ""
		}},
		{"postgres cache without dsn", func(c *AppConfig) { c.Storage.CacheBackend = "postgres" }},
		{"redis cache without addr", func(c *AppConfig) { c.Storage.CacheBackend = "redis" }},
		{"zero fresh ttl", func(c *AppConfig) { c.Cache.FreshTTLMinutes = 0 }},
		{"zero failure threshold", func(c *AppConfig) { c.Breaker.FailureThreshold = 0 }},
		{"bad observation timeframe", func(c *AppConfig) { c.Fetch.ObservationTimeframe = "2h" }},
		{"unknown provider", func(c *AppConfig) { c.Provider.Type = "bloomberg" }},
		{"no categories", func(c *AppConfig) { c.Provider.Categories = nil }},
		{"bad retention timeframe", func(c *AppConfig) { c.Scheduler.BarRetentionDays = map[string]int{"3h": 7} }},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }},
		{"file output without path", func(c *AppConfig) { c.Logging.Output = "file" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
