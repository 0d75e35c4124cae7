package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	// Set environment variables
	os.Setenv("MICROSAAS_PORT", "9090")
	os.Setenv("MICROSAAS_LOG_LEVEL", "debug")
	os.Setenv("MICROSAAS_REQUEST_TIMEOUT_MS", "2500")
	defer func() {
		os.Unsetenv("MICROSAAS_PORT")
		os.Unsetenv("MICROSAAS_LOG_LEVEL")
		os.Unsetenv("MICROSAAS_REQUEST_TIMEOUT_MS")
	}()

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}

	if cfg.Request.Timeout() != 2500*time.Millisecond {
		t.Errorf("Request.Timeout() = %v, want 2.5s", cfg.Request.Timeout())
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
host: "127.0.0.1"
port: 8888
log:
  level: warn
  format: json
bus:
  type: nats
  nats_url: "nats://broker:4222"
invoicing:
  tax_rate: 0.10
  currency: USD
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Host)
	}

	if cfg.Port != 8888 {
		t.Errorf("Port = %d, want 8888", cfg.Port)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}

	if cfg.Bus.Type != "nats" {
		t.Errorf("Bus.Type = %s, want nats", cfg.Bus.Type)
	}

	if cfg.Bus.NATSURL != "nats://broker:4222" {
		t.Errorf("Bus.NATSURL = %s, want nats://broker:4222", cfg.Bus.NATSURL)
	}

	if cfg.Invoicing.TaxRate != 0.10 {
		t.Errorf("Invoicing.TaxRate = %v, want 0.10", cfg.Invoicing.TaxRate)
	}

	if cfg.Invoicing.Currency != "USD" {
		t.Errorf("Invoicing.Currency = %s, want USD", cfg.Invoicing.Currency)
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	if cfg.Bus.Type != "memory" {
		t.Errorf("default Bus.Type = %s, want memory", cfg.Bus.Type)
	}

	if cfg.Request.Timeout() != 5*time.Second {
		t.Errorf("default Request.Timeout() = %v, want 5s", cfg.Request.Timeout())
	}

	if cfg.Request.ShutdownGrace() != 10*time.Second {
		t.Errorf("default Request.ShutdownGrace() = %v, want 10s", cfg.Request.ShutdownGrace())
	}

	if cfg.Bus.ReconnectWait() != 500*time.Millisecond {
		t.Errorf("default Bus.ReconnectWait() = %v, want 500ms", cfg.Bus.ReconnectWait())
	}

	if cfg.Invoicing.TaxRate != 0.20 {
		t.Errorf("default Invoicing.TaxRate = %v, want 0.20", cfg.Invoicing.TaxRate)
	}

	if cfg.Bus.JournalMaxBytes != 10<<20 {
		t.Errorf("default Bus.JournalMaxBytes = %d, want 10MiB", cfg.Bus.JournalMaxBytes)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port",
			modify: func(c *Config) {
				c.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid bus type",
			modify: func(c *Config) {
				c.Bus.Type = "rabbitmq"
			},
			wantErr: true,
		},
		{
			name: "kafka without brokers",
			modify: func(c *Config) {
				c.Bus.Type = "kafka"
				c.Bus.KafkaBrokers = ""
			},
			wantErr: true,
		},
		{
			name: "kafka with brokers",
			modify: func(c *Config) {
				c.Bus.Type = "kafka"
				c.Bus.KafkaBrokers = "localhost:9092"
			},
			wantErr: false,
		},
		{
			name: "journal enabled without path",
			modify: func(c *Config) {
				c.Bus.JournalEnabled = true
				c.Bus.JournalPath = ""
			},
			wantErr: true,
		},
		{
			name: "negative journal max bytes",
			modify: func(c *Config) {
				c.Bus.JournalMaxBytes = -1
			},
			wantErr: true,
		},
		{
			name: "zero request timeout",
			modify: func(c *Config) {
				c.Request.TimeoutMS = 0
			},
			wantErr: true,
		},
		{
			name: "negative worker concurrency",
			modify: func(c *Config) {
				c.Worker.Concurrency = -1
			},
			wantErr: true,
		},
		{
			name: "tax rate out of range",
			modify: func(c *Config) {
				c.Invoicing.TaxRate = 1.2
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid metrics persistence",
			modify: func(c *Config) {
				c.Metrics.Persistence = "s3"
			},
			wantErr: true,
		},
		{
			name: "redis persistence without url",
			modify: func(c *Config) {
				c.Metrics.Persistence = "redis"
				c.Metrics.RedisURL = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	cfg := &Config{
		Host: "localhost",
		Port: 8080,
	}

	if addr := cfg.Address(); addr != "localhost:8080" {
		t.Errorf("Address() = %s, want localhost:8080", addr)
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{}

	cfg.Log.Level = "debug"
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true for debug level")
	}

	cfg.Log.Level = "info"
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false for info level")
	}

	cfg.DevMode = true
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true when dev_mode set")
	}
}
