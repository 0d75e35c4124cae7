// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host string `envconfig:"MICROSAAS_HOST" yaml:"host"`
	Port int    `envconfig:"MICROSAAS_PORT" yaml:"port"`

	// DevMode serves mock responses when no worker answers.
	DevMode bool `envconfig:"MICROSAAS_DEV_MODE" yaml:"dev_mode"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Request/reply configuration
	Request RequestConfig `yaml:"request"`

	// Worker configuration
	Worker WorkerConfig `yaml:"worker"`

	// Invoicing configuration
	Invoicing InvoicingConfig `yaml:"invoicing"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	Type            string `envconfig:"MICROSAAS_BUS_TYPE" yaml:"type"`
	NATSURL         string `envconfig:"MICROSAAS_NATS_URL" yaml:"nats_url"`
	KafkaBrokers    string `envconfig:"MICROSAAS_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup      string `envconfig:"MICROSAAS_KAFKA_GROUP" yaml:"kafka_group"`
	ClientName      string `envconfig:"MICROSAAS_BUS_CLIENT_NAME" yaml:"client_name"`
	ReconnectWaitMS int    `envconfig:"MICROSAAS_BUS_RECONNECT_WAIT_MS" yaml:"reconnect_wait_ms"`
	JournalEnabled  bool   `envconfig:"MICROSAAS_BUS_JOURNAL_ENABLED" yaml:"journal_enabled"`
	JournalPath     string `envconfig:"MICROSAAS_BUS_JOURNAL_PATH" yaml:"journal_path"`
	JournalMaxBytes int64  `envconfig:"MICROSAAS_BUS_JOURNAL_MAX_BYTES" yaml:"journal_max_bytes"`
}

// ReconnectWait returns the reconnect backoff as a duration.
func (c BusConfig) ReconnectWait() time.Duration {
	return time.Duration(c.ReconnectWaitMS) * time.Millisecond
}

// RequestConfig holds request/reply settings.
type RequestConfig struct {
	TimeoutMS       int `envconfig:"MICROSAAS_REQUEST_TIMEOUT_MS" yaml:"timeout_ms"`
	ShutdownGraceMS int `envconfig:"MICROSAAS_REQUEST_SHUTDOWN_GRACE_MS" yaml:"shutdown_grace_ms"`
}

// Timeout returns the default per-request timeout.
func (c RequestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ShutdownGrace returns how long shutdown waits for in-flight requests.
func (c RequestConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

// WorkerConfig holds worker subscription settings.
type WorkerConfig struct {
	Concurrency    int `envconfig:"MICROSAAS_WORKER_CONCURRENCY" yaml:"concurrency"` // 0 = one message at a time per subject
	StopTimeoutSec int `envconfig:"MICROSAAS_WORKER_STOP_TIMEOUT" yaml:"stop_timeout"`
}

// StopTimeout returns how long Stop waits for in-flight handlers.
func (c WorkerConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSec) * time.Second
}

// InvoicingConfig holds invoicing domain settings.
type InvoicingConfig struct {
	TaxRate             float64 `envconfig:"MICROSAAS_TAX_RATE" yaml:"tax_rate"`
	Currency            string  `envconfig:"MICROSAAS_CURRENCY" yaml:"currency"`
	ReminderIntervalSec int     `envconfig:"MICROSAAS_REMINDER_INTERVAL" yaml:"reminder_interval"` // 0 = disabled
	OverdueAfterDays    int     `envconfig:"MICROSAAS_OVERDUE_AFTER_DAYS" yaml:"overdue_after_days"`
	StoragePath         string  `envconfig:"MICROSAAS_INVOICE_DIR" yaml:"storage_path"` // empty = in-memory
}

// ReminderInterval returns how often the overdue scan runs.
func (c InvoicingConfig) ReminderInterval() time.Duration {
	return time.Duration(c.ReminderIntervalSec) * time.Second
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"MICROSAAS_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"MICROSAAS_LOG_FORMAT" yaml:"format"`
	File   string `envconfig:"MICROSAAS_LOG_FILE" yaml:"file"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit   int    `envconfig:"MICROSAAS_RATE_LIMIT" yaml:"rate_limit"` // requests/second, 0 = disabled
	CORSOrigins string `envconfig:"MICROSAAS_CORS_ORIGINS" yaml:"cors_origins"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled            bool   `envconfig:"MICROSAAS_METRICS_ENABLED" yaml:"enabled"`
	Path               string `envconfig:"MICROSAAS_METRICS_PATH" yaml:"path"`
	Persistence        string `envconfig:"MICROSAAS_METRICS_PERSISTENCE" yaml:"persistence"` // none or redis
	RedisURL           string `envconfig:"MICROSAAS_METRICS_REDIS_URL" yaml:"redis_url"`
	PersistIntervalSec int    `envconfig:"MICROSAAS_METRICS_PERSIST_INTERVAL" yaml:"persist_interval"`
}

// PersistInterval returns how often metrics snapshots are written.
func (c MetricsConfig) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalSec) * time.Second
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080
	cfg.DevMode = false

	cfg.Bus = BusConfig{
		Type:            "memory",
		NATSURL:         "nats://localhost:4222",
		KafkaGroup:      "microsaas",
		ClientName:      "microsaas",
		ReconnectWaitMS: 500,
		JournalPath:     "data/bus/journal.jsonl",
		JournalMaxBytes: 10 << 20,
	}

	cfg.Request = RequestConfig{
		TimeoutMS:       5000,
		ShutdownGraceMS: 10000,
	}

	cfg.Worker = WorkerConfig{
		Concurrency:    0,
		StopTimeoutSec: 10,
	}

	cfg.Invoicing = InvoicingConfig{
		TaxRate:             0.20,
		Currency:            "EUR",
		ReminderIntervalSec: 3600,
		OverdueAfterDays:    30,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit:   0,
		CORSOrigins: "*",
	}

	cfg.Metrics = MetricsConfig{
		Enabled:            true,
		Path:               "/metrics",
		Persistence:        "none",
		RedisURL:           "redis://localhost:6379",
		PersistIntervalSec: 60,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "nats": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, nats, or kafka)", c.Bus.Type))
	}

	if c.Bus.Type == "kafka" && c.Bus.KafkaBrokers == "" {
		errs = append(errs, "kafka_brokers required when bus type is kafka")
	}

	if c.Bus.ReconnectWaitMS < 0 {
		errs = append(errs, "reconnect_wait_ms must not be negative")
	}

	if c.Bus.JournalEnabled && c.Bus.JournalPath == "" {
		errs = append(errs, "journal_path required when journal is enabled")
	}
	if c.Bus.JournalMaxBytes < 0 {
		errs = append(errs, "journal_max_bytes must not be negative")
	}

	// Request validation
	if c.Request.TimeoutMS < 1 {
		errs = append(errs, "request timeout_ms must be positive")
	}

	if c.Request.ShutdownGraceMS < 0 {
		errs = append(errs, "shutdown_grace_ms must not be negative")
	}

	// Worker validation
	if c.Worker.Concurrency < 0 {
		errs = append(errs, "worker concurrency must not be negative")
	}

	if c.Worker.StopTimeoutSec < 1 {
		errs = append(errs, "worker stop_timeout must be positive")
	}

	// Invoicing validation
	if c.Invoicing.TaxRate < 0 || c.Invoicing.TaxRate >= 1 {
		errs = append(errs, "tax_rate must be between 0 and 1")
	}

	if c.Invoicing.ReminderIntervalSec < 0 {
		errs = append(errs, "reminder_interval must not be negative")
	}

	if c.Invoicing.OverdueAfterDays < 1 {
		errs = append(errs, "overdue_after_days must be positive")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	// Metrics validation
	validPersistence := map[string]bool{"none": true, "redis": true}
	if !validPersistence[c.Metrics.Persistence] {
		errs = append(errs, fmt.Sprintf("invalid metrics persistence: %s (must be none or redis)", c.Metrics.Persistence))
	}

	if c.Metrics.Persistence == "redis" && c.Metrics.RedisURL == "" {
		errs = append(errs, "metrics redis_url required when persistence is redis")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.DevMode || c.Log.Level == "debug"
}
