// Package config loads application configuration from a JSON file with
// environment variable overrides, then validates the result. Priority:
// environment variables over the file over built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/models"
	"github.com/tradelab/go-listing-backfill/internal/ratelimit"
	"github.com/tradelab/go-listing-backfill/internal/request"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`
	Version string `json:"version" env:"VERSION"`

	Storage   StorageConfig   `json:"storage"`
	Exchange  ExchangeConfig  `json:"exchange"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Collector CollectorConfig `json:"collector"`
	Logging   LoggingConfig   `json:"logging"`

	// Targets is the inline list of pairs to analyze. SYMBOLS overrides it
	// with a comma-separated list (quote asset defaults to USDT).
	Targets []TargetConfig `json:"targets"`
}

// TargetConfig is one pair to analyze, with an optional listing hint.
type TargetConfig struct {
	Symbol      string `json:"symbol"`
	QuoteAsset  string `json:"quote_asset"`
	ListingHint string `json:"listing_hint,omitempty"` // RFC 3339
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Type        string `json:"type" env:"STORAGE_TYPE"`         // "duckdb", "postgres", "memory"
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"` // file path or Postgres DSN
}

// ExchangeConfig configures the REST adapter.
type ExchangeConfig struct {
	BaseURL     string            `json:"base_url" env:"EXCHANGE_BASE_URL"`
	Timeout     string            `json:"timeout" env:"HTTP_TIMEOUT"`
	RetryPolicy RetryPolicyConfig `json:"retry_policy"`
}

// RetryPolicyConfig configures request retry behavior.
type RetryPolicyConfig struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
}

// RateLimitConfig configures the adaptive rate limiter.
type RateLimitConfig struct {
	MaxRequestsPerSecond int    `json:"max_requests_per_second" env:"MAX_REQUESTS_PER_SECOND"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute" env:"MAX_REQUESTS_PER_MINUTE"`
	MaxWeightPerMinute   int    `json:"max_weight_per_minute" env:"MAX_WEIGHT_PER_MINUTE"`
	BaseInterval         string `json:"base_interval" env:"BASE_INTERVAL"`
	MinCooldown          string `json:"min_cooldown" env:"MIN_COOLDOWN"`
}

// CollectorConfig configures the pipeline and worker pool.
type CollectorConfig struct {
	WorkerCount     int    `json:"worker_count" env:"WORKER_COUNT"`
	BackfillDays    int    `json:"backfill_days" env:"BACKFILL_DAYS"`
	Interval        string `json:"interval" env:"BACKFILL_INTERVAL"`
	PageSize        int    `json:"page_size" env:"PAGE_SIZE"`
	QueueDepth      int    `json:"queue_depth" env:"QUEUE_DEPTH"`
	GracefulTimeout string `json:"graceful_timeout" env:"GRACEFUL_TIMEOUT"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Manager loads and validates configuration.
type Manager struct {
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager for the given file path. An
// empty path skips the file stage.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{configPath: configPath, logger: logger}
}

// Load builds the configuration: defaults, then file, then environment,
// then validation.
func (m *Manager) Load() (*AppConfig, error) {
	config := DefaultConfig()

	if m.configPath != "" {
		if err := m.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	m.loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"storage_type", config.Storage.Type,
		"targets", len(config.Targets),
		"log_level", config.Logging.Level)
	return config, nil
}

func (m *Manager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.logger.Debug("config file does not exist, using defaults", "path", m.configPath)
		return nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.configPath, err)
	}
	return nil
}

func (m *Manager) loadFromEnv(config *AppConfig) {
	setString := func(key string, dest *string) {
		if val := os.Getenv(key); val != "" {
			*dest = val
		}
	}
	setInt := func(key string, dest *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dest = n
			} else {
				m.logger.Warn("ignoring non-integer environment override", "key", key, "value", val)
			}
		}
	}

	setString("APP_NAME", &config.AppName)
	setString("VERSION", &config.Version)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_URL", &config.Storage.DatabaseURL)

	setString("EXCHANGE_BASE_URL", &config.Exchange.BaseURL)
	setString("HTTP_TIMEOUT", &config.Exchange.Timeout)

	setInt("MAX_REQUESTS_PER_SECOND", &config.RateLimit.MaxRequestsPerSecond)
	setInt("MAX_REQUESTS_PER_MINUTE", &config.RateLimit.MaxRequestsPerMinute)
	setInt("MAX_WEIGHT_PER_MINUTE", &config.RateLimit.MaxWeightPerMinute)
	setString("BASE_INTERVAL", &config.RateLimit.BaseInterval)
	setString("MIN_COOLDOWN", &config.RateLimit.MinCooldown)

	setInt("WORKER_COUNT", &config.Collector.WorkerCount)
	setInt("BACKFILL_DAYS", &config.Collector.BackfillDays)
	setString("BACKFILL_INTERVAL", &config.Collector.Interval)
	setInt("PAGE_SIZE", &config.Collector.PageSize)
	setInt("QUEUE_DEPTH", &config.Collector.QueueDepth)
	setString("GRACEFUL_TIMEOUT", &config.Collector.GracefulTimeout)

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	if val := os.Getenv("SYMBOLS"); val != "" {
		config.Targets = config.Targets[:0]
		for _, symbol := range strings.Split(val, ",") {
			symbol = strings.TrimSpace(symbol)
			if symbol == "" {
				continue
			}
			config.Targets = append(config.Targets, TargetConfig{Symbol: symbol, QuoteAsset: "USDT"})
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *AppConfig) Validate() error {
	switch c.Storage.Type {
	case "duckdb", "postgres", "memory":
	default:
		return fmt.Errorf("invalid storage type %q (must be duckdb, postgres, or memory)", c.Storage.Type)
	}
	if c.Storage.Type != "memory" && c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage type %q requires a database_url", c.Storage.Type)
	}

	durations := []struct {
		name  string
		value string
	}{
		{"exchange.timeout", c.Exchange.Timeout},
		{"exchange.retry_policy.base_delay", c.Exchange.RetryPolicy.BaseDelay},
		{"exchange.retry_policy.max_delay", c.Exchange.RetryPolicy.MaxDelay},
		{"rate_limit.base_interval", c.RateLimit.BaseInterval},
		{"rate_limit.min_cooldown", c.RateLimit.MinCooldown},
		{"collector.graceful_timeout", c.Collector.GracefulTimeout},
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.value)
		}
	}

	if c.Exchange.RetryPolicy.MaxAttempts < 1 {
		return fmt.Errorf("exchange.retry_policy.max_attempts must be at least 1")
	}
	if c.RateLimit.MaxRequestsPerSecond < 1 || c.RateLimit.MaxRequestsPerMinute < 1 || c.RateLimit.MaxWeightPerMinute < 1 {
		return fmt.Errorf("rate_limit ceilings must be positive")
	}
	if c.Collector.WorkerCount < 1 {
		return fmt.Errorf("collector.worker_count must be at least 1")
	}
	if c.Collector.BackfillDays < 1 {
		return fmt.Errorf("collector.backfill_days must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}

	for _, target := range c.Targets {
		if target.Symbol == "" {
			return fmt.Errorf("target with empty symbol")
		}
		if target.ListingHint != "" {
			if _, err := time.Parse(time.RFC3339, target.ListingHint); err != nil {
				return fmt.Errorf("invalid listing_hint for %s: %q", target.Symbol, target.ListingHint)
			}
		}
	}
	return nil
}

// RateLimiterConfig converts the loaded values into the limiter's config.
// Call after Validate; durations are known to parse.
func (c *AppConfig) RateLimiterConfig() ratelimit.Config {
	baseInterval, _ := time.ParseDuration(c.RateLimit.BaseInterval)
	minCooldown, _ := time.ParseDuration(c.RateLimit.MinCooldown)
	return ratelimit.Config{
		MaxRequestsPerSecond: c.RateLimit.MaxRequestsPerSecond,
		MaxRequestsPerMinute: c.RateLimit.MaxRequestsPerMinute,
		MaxWeightPerMinute:   c.RateLimit.MaxWeightPerMinute,
		BaseInterval:         baseInterval,
		MinCooldown:          minCooldown,
	}
}

// RetryPolicy converts the loaded values into the executor's policy,
// keeping the default classification floors.
func (c *AppConfig) RetryPolicy() request.RetryPolicy {
	policy := request.DefaultRetryPolicy()
	policy.MaxAttempts = c.Exchange.RetryPolicy.MaxAttempts
	if d, err := time.ParseDuration(c.Exchange.RetryPolicy.BaseDelay); err == nil {
		policy.BaseDelay = d
	}
	if d, err := time.ParseDuration(c.Exchange.RetryPolicy.MaxDelay); err == nil {
		policy.MaxDelay = d
	}
	return policy
}

// HTTPTimeout returns the exchange client timeout. Call after Validate.
func (c *AppConfig) HTTPTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Exchange.Timeout)
	return d
}

// GracefulTimeout returns the shutdown grace period. Call after Validate.
func (c *AppConfig) GracefulTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Collector.GracefulTimeout)
	return d
}

// TargetList converts configured targets into pipeline targets. Call after
// Validate; hints are known to parse.
func (c *AppConfig) TargetList() []models.Target {
	targets := make([]models.Target, 0, len(c.Targets))
	for _, tc := range c.Targets {
		target := models.Target{Symbol: tc.Symbol, QuoteAsset: tc.QuoteAsset}
		if target.QuoteAsset == "" {
			target.QuoteAsset = "USDT"
		}
		if tc.ListingHint != "" {
			if hint, err := time.Parse(time.RFC3339, tc.ListingHint); err == nil {
				hint = hint.UTC()
				target.ListingHint = &hint
			}
		}
		targets = append(targets, target)
	}
	return targets
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "listing-backfill",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:        "duckdb",
			DatabaseURL: "./data/listings.db",
		},
		Exchange: ExchangeConfig{
			BaseURL: "https://api.binance.com",
			Timeout: "30s",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts: 3,
				BaseDelay:   "1s",
				MaxDelay:    "30s",
			},
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerSecond: 10,
			MaxRequestsPerMinute: 1100,
			MaxWeightPerMinute:   5800,
			BaseInterval:         "100ms",
			MinCooldown:          "60s",
		},
		Collector: CollectorConfig{
			WorkerCount:     4,
			BackfillDays:    30,
			Interval:        "1m",
			PageSize:        1000,
			QueueDepth:      64,
			GracefulTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}
