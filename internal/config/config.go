// Package config provides configuration management for the price feed
// service: typed sections per component, loading from a JSON file with
// environment variable overrides, defaults, and validation.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"pricefeed/internal/models"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`

	Storage   StorageConfig   `json:"storage"`
	Cache     CacheConfig     `json:"cache"`
	Breaker   BreakerConfig   `json:"breaker"`
	Fetch     FetchConfig     `json:"fetch"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
	Provider  ProviderConfig  `json:"provider"`
	Validator ValidatorConfig `json:"validator"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
}

// StorageConfig selects and configures the persistence backends.
type StorageConfig struct {
	// BarBackend is "memory" or "duckdb".
	BarBackend string `json:"bar_backend" env:"BAR_BACKEND"`
	// CacheBackend is "memory", "postgres", or "redis".
	CacheBackend string `json:"cache_backend" env:"CACHE_BACKEND"`
	// SnapshotBackend is "memory", "duckdb", or "postgres".
	SnapshotBackend string `json:"snapshot_backend" env:"SNAPSHOT_BACKEND"`

	DuckDBPath    string `json:"duckdb_path" env:"DUCKDB_PATH"`
	PostgresDSN   string `json:"postgres_dsn" env:"POSTGRES_DSN"`
	RedisAddr     string `json:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `json:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" env:"REDIS_DB"`
}

// CacheConfig tunes the two cache tiers.
type CacheConfig struct {
	FreshTTLMinutes int `json:"fresh_ttl_minutes" env:"CACHE_FRESH_TTL_MINUTES"`
	StaleTTLHours   int `json:"stale_ttl_hours" env:"CACHE_STALE_TTL_HOURS"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int `json:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	ResetTimeoutSeconds int `json:"reset_timeout_seconds" env:"BREAKER_RESET_TIMEOUT_SECONDS"`
	HalfOpenMax         int `json:"half_open_max" env:"BREAKER_HALF_OPEN_MAX"`
}

// FetchConfig tunes the upstream fetch pipeline.
type FetchConfig struct {
	TimeoutSeconds       int     `json:"timeout_seconds" env:"FETCH_TIMEOUT_SECONDS"`
	RatePerSecond        float64 `json:"rate_per_second" env:"FETCH_RATE_PER_SECOND"`
	Burst                int     `json:"burst" env:"FETCH_BURST"`
	ObservationTimeframe string  `json:"observation_timeframe" env:"OBSERVATION_TIMEFRAME"`
}

// SnapshotConfig tunes the snapshot archive.
type SnapshotConfig struct {
	WindowHours   int `json:"window_hours" env:"SNAPSHOT_WINDOW_HOURS"`
	RetentionDays int `json:"retention_days" env:"SNAPSHOT_RETENTION_DAYS"`
}

// ProviderConfig selects the upstream adapter and the categories it serves.
type ProviderConfig struct {
	// Type is currently "synthetic".
	Type string `json:"type" env:"PROVIDER_TYPE"`
	// Categories maps category name to the item codes it contains.
	Categories map[string][]string `json:"categories"`
}

// ValidatorConfig tunes upstream payload validation.
type ValidatorConfig struct {
	Enabled            bool    `json:"enabled" env:"VALIDATOR_ENABLED"`
	MaxChangeRatio     float64 `json:"max_change_ratio" env:"VALIDATOR_MAX_CHANGE_RATIO"`
	MaxQuoteAgeMinutes int     `json:"max_quote_age_minutes" env:"VALIDATOR_MAX_QUOTE_AGE_MINUTES"`
}

// SchedulerConfig tunes the periodic jobs.
type SchedulerConfig struct {
	Enabled                bool `json:"enabled" env:"SCHEDULER_ENABLED"`
	RefreshIntervalSeconds int  `json:"refresh_interval_seconds" env:"REFRESH_INTERVAL_SECONDS"`
	RollupIntervalMinutes  int  `json:"rollup_interval_minutes" env:"ROLLUP_INTERVAL_MINUTES"`
	GapFillIntervalMinutes int  `json:"gap_fill_interval_minutes" env:"GAP_FILL_INTERVAL_MINUTES"`
	RetentionIntervalHours int  `json:"retention_interval_hours" env:"RETENTION_INTERVAL_HOURS"`
	Workers                int  `json:"workers" env:"SCHEDULER_WORKERS"`
	// BarRetentionDays maps timeframe to days kept; zero keeps forever.
	BarRetentionDays map[string]int `json:"bar_retention_days"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"`
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"`
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// DefaultConfig returns the configuration used when nothing is provided.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "pricefeed",
		Storage: StorageConfig{
			BarBackend:      "memory",
			CacheBackend:    "memory",
			SnapshotBackend: "memory",
			DuckDBPath:      "data/pricefeed.db",
		},
		Cache: CacheConfig{
			FreshTTLMinutes: 10,
			StaleTTLHours:   168,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeoutSeconds: 30,
			HalfOpenMax:         1,
		},
		Fetch: FetchConfig{
			TimeoutSeconds:       10,
			RatePerSecond:        5,
			Burst:                10,
			ObservationTimeframe: "1m",
		},
		Snapshot: SnapshotConfig{
			WindowHours:   24,
			RetentionDays: 90,
		},
		Provider: ProviderConfig{
			Type: "synthetic",
			Categories: map[string][]string{
				"metals": {"XAU", "XAG", "XPT"},
				"fx":     {"EUR", "GBP", "JPY"},
			},
		},
		Validator: ValidatorConfig{
			Enabled:            true,
			MaxChangeRatio:     0.5,
			MaxQuoteAgeMinutes: 0,
		},
		Scheduler: SchedulerConfig{
			Enabled:                true,
			RefreshIntervalSeconds: 300,
			RollupIntervalMinutes:  15,
			GapFillIntervalMinutes: 60,
			RetentionIntervalHours: 24,
			Workers:                4,
			BarRetentionDays: map[string]int{
				"1m":  7,
				"5m":  30,
				"15m": 90,
				"1h":  365,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Manager loads and validates configuration.
type Manager struct {
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager. An empty path skips the file
// stage.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{configPath: configPath, logger: logger}
}

// Load builds the configuration in priority order: defaults, then the JSON
// file, then environment variables, and validates the result.
func (m *Manager) Load() (*AppConfig, error) {
	cfg := DefaultConfig()

	if m.configPath != "" {
		if err := m.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	m.loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"bar_backend", cfg.Storage.BarBackend,
		"cache_backend", cfg.Storage.CacheBackend,
		"provider", cfg.Provider.Type,
		"log_level", cfg.Logging.Level)
	return cfg, nil
}

func (m *Manager) loadFromFile(cfg *AppConfig) error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.logger.Debug("config file missing, using defaults", "path", m.configPath)
		return nil
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.configPath, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", m.configPath, err)
	}
	return nil
}

func (m *Manager) loadFromEnv(cfg *AppConfig) {
	setString := func(dst *string, key string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(dst *int, key string) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if val := os.Getenv(key); val != "" {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if val := os.Getenv(key); val != "" {
			*dst = val == "true" || val == "1"
		}
	}

	setString(&cfg.AppName, "APP_NAME")

	setString(&cfg.Storage.BarBackend, "BAR_BACKEND")
	setString(&cfg.Storage.CacheBackend, "CACHE_BACKEND")
	setString(&cfg.Storage.SnapshotBackend, "SNAPSHOT_BACKEND")
	setString(&cfg.Storage.DuckDBPath, "DUCKDB_PATH")
	setString(&cfg.Storage.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.Storage.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Storage.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Storage.RedisDB, "REDIS_DB")

	setInt(&cfg.Cache.FreshTTLMinutes, "CACHE_FRESH_TTL_MINUTES")
	setInt(&cfg.Cache.StaleTTLHours, "CACHE_STALE_TTL_HOURS")

	setInt(&cfg.Breaker.FailureThreshold, "BREAKER_FAILURE_THRESHOLD")
	setInt(&cfg.Breaker.ResetTimeoutSeconds, "BREAKER_RESET_TIMEOUT_SECONDS")
	setInt(&cfg.Breaker.HalfOpenMax, "BREAKER_HALF_OPEN_MAX")

	setInt(&cfg.Fetch.TimeoutSeconds, "FETCH_TIMEOUT_SECONDS")
	setFloat(&cfg.Fetch.RatePerSecond, "FETCH_RATE_PER_SECOND")
	setInt(&cfg.Fetch.Burst, "FETCH_BURST")
	setString(&cfg.Fetch.ObservationTimeframe, "OBSERVATION_TIMEFRAME")

	setInt(&cfg.Snapshot.WindowHours, "SNAPSHOT_WINDOW_HOURS")
	setInt(&cfg.Snapshot.RetentionDays, "SNAPSHOT_RETENTION_DAYS")

	setString(&cfg.Provider.Type, "PROVIDER_TYPE")
	if val := os.Getenv("PROVIDER_CATEGORIES"); val != "" {
		// Format: category=CODE1;CODE2,category2=CODE3
		categories := make(map[string][]string)
		for _, part := range strings.Split(val, ",") {
			name, codes, ok := strings.Cut(part, "=")
			if !ok || name == "" {
				continue
			}
			categories[name] = strings.Split(codes, ";")
		}
		if len(categories) > 0 {
			cfg.Provider.Categories = categories
		}
	}

	setBool(&cfg.Validator.Enabled, "VALIDATOR_ENABLED")
	setFloat(&cfg.Validator.MaxChangeRatio, "VALIDATOR_MAX_CHANGE_RATIO")
	setInt(&cfg.Validator.MaxQuoteAgeMinutes, "VALIDATOR_MAX_QUOTE_AGE_MINUTES")

	setBool(&cfg.Scheduler.Enabled, "SCHEDULER_ENABLED")
	setInt(&cfg.Scheduler.RefreshIntervalSeconds, "REFRESH_INTERVAL_SECONDS")
	setInt(&cfg.Scheduler.RollupIntervalMinutes, "ROLLUP_INTERVAL_MINUTES")
	setInt(&cfg.Scheduler.GapFillIntervalMinutes, "GAP_FILL_INTERVAL_MINUTES")
	setInt(&cfg.Scheduler.RetentionIntervalHours, "RETENTION_INTERVAL_HOURS")
	setInt(&cfg.Scheduler.Workers, "SCHEDULER_WORKERS")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Output, "LOG_OUTPUT")
	setString(&cfg.Logging.FilePath, "LOG_FILE_PATH")
	setInt(&cfg.Logging.MaxSize, "LOG_MAX_SIZE")
	setBool(&cfg.Logging.Compress, "LOG_COMPRESS")
}

// Validate checks the configuration for consistency.
func (c *AppConfig) Validate() error {
	var problems []string

	switch c.Storage.BarBackend {
	case "memory":
	case "duckdb":
		if c.Storage.DuckDBPath == "" {
			problems = append(problems, "storage.duckdb_path is required for the duckdb bar backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.bar_backend %q is not supported", c.Storage.BarBackend))
	}

	switch c.Storage.CacheBackend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn is required for the postgres cache backend")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			problems = append(problems, "storage.redis_addr is required for the redis cache backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.cache_backend %q is not supported", c.Storage.CacheBackend))
	}

	switch c.Storage.SnapshotBackend {
	case "memory", "duckdb":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn is required for the postgres snapshot backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.snapshot_backend %q is not supported", c.Storage.SnapshotBackend))
	}

	if c.Cache.FreshTTLMinutes <= 0 {
		problems = append(problems, "cache.fresh_ttl_minutes must be positive")
	}
	if c.Cache.StaleTTLHours <= 0 {
		problems = append(problems, "cache.stale_ttl_hours must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		problems = append(problems, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.ResetTimeoutSeconds <= 0 {
		problems = append(problems, "breaker.reset_timeout_seconds must be positive")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		problems = append(problems, "fetch.timeout_seconds must be positive")
	}
	if _, err := models.TimeframeDuration(c.Fetch.ObservationTimeframe); err != nil {
		problems = append(problems, fmt.Sprintf("fetch.observation_timeframe: %v", err))
	}
	if c.Provider.Type != "synthetic" {
		problems = append(problems, fmt.Sprintf("provider.type %q is not supported", c.Provider.Type))
	}
	if len(c.Provider.Categories) == 0 {
		problems = append(problems, "provider.categories must not be empty")
	}
	for tf := range c.Scheduler.BarRetentionDays {
		if _, err := models.TimeframeDuration(tf); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.bar_retention_days: %v", err))
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not supported", c.Logging.Level))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		problems = append(problems, "logging.file_path is required when output is file")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
