// Package config loads the runtime configuration of the replica cache.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/replica/internal/ir"
)

// Config represents the replica runtime configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Tenant   string         `yaml:"tenant"`
	Catalog  string         `yaml:"catalog"`
	TTL      TTLConfig      `yaml:"ttl"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Eviction EvictionConfig `yaml:"eviction"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig represents the local SQLite store
type DatabaseConfig struct {
	Path            string `yaml:"path"`
	MaxOpenAttempts int    `yaml:"max_open_attempts"`
}

// TTLConfig represents the freshness window per table category
type TTLConfig struct {
	Short time.Duration `yaml:"short"`
	Long  time.Duration `yaml:"long"`
}

// OutboxConfig represents mutation queue retry and drain settings
type OutboxConfig struct {
	BackoffUnit   time.Duration `yaml:"backoff_unit"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	Concurrency   int           `yaml:"concurrency"`
}

// EvictionConfig represents the soft quota and recency windows
type EvictionConfig struct {
	SoftQuotaBytes int64         `yaml:"soft_quota_bytes"`
	ModifiedWindow time.Duration `yaml:"modified_window"`
	AccessedWindow time.Duration `yaml:"accessed_window"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration. The TTL, retry and quota
// values are contractual.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "replica.db",
			MaxOpenAttempts: 3,
		},
		Tenant: "default",
		TTL: TTLConfig{
			Short: 7 * 24 * time.Hour,
			Long:  30 * 24 * time.Hour,
		},
		Outbox: OutboxConfig{
			BackoffUnit:   time.Second,
			MaxRetries:    3,
			MaxBackoff:    time.Minute,
			DrainInterval: 30 * time.Second,
			Concurrency:   4,
		},
		Eviction: EvictionConfig{
			SoftQuotaBytes: 4718592,
			ModifiedWindow: time.Hour,
			AccessedWindow: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Database.MaxOpenAttempts <= 0 {
		return errors.New("database.max_open_attempts must be positive")
	}
	if err := ir.ValidateTenant(c.Tenant); err != nil {
		return fmt.Errorf("tenant: %w", err)
	}
	if c.TTL.Short <= 0 || c.TTL.Long <= 0 {
		return errors.New("ttl.short and ttl.long must be positive")
	}
	if c.Outbox.BackoffUnit <= 0 {
		return errors.New("outbox.backoff_unit must be positive")
	}
	if c.Outbox.MaxRetries < 0 {
		return errors.New("outbox.max_retries must not be negative")
	}
	if c.Outbox.MaxBackoff < c.Outbox.BackoffUnit {
		return errors.New("outbox.max_backoff must be at least outbox.backoff_unit")
	}
	if c.Outbox.DrainInterval <= 0 {
		return errors.New("outbox.drain_interval must be positive")
	}
	if c.Outbox.Concurrency <= 0 {
		return errors.New("outbox.concurrency must be positive")
	}
	if c.Eviction.SoftQuotaBytes <= 0 {
		return errors.New("eviction.soft_quota_bytes must be positive")
	}
	if c.Eviction.ModifiedWindow < 0 || c.Eviction.AccessedWindow < 0 {
		return errors.New("eviction windows must not be negative")
	}
	if !isValidLevel(c.Logging.Level) {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return errors.New("logging.format must be one of: console, json")
	}
	return nil
}

// isValidLevel checks if the log level is valid
func isValidLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}
