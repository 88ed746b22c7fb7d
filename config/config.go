// Package config loads the storage engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/dataplayground/storage-engine/eviction"
	"github.com/dataplayground/storage-engine/quota"
)

// Quota source names.
const (
	QuotaSourceNone  = "none"
	QuotaSourceFixed = "fixed"
	QuotaSourceDisk  = "disk"
)

// Config holds the full storage engine configuration.
type Config struct {
	// DataDir holds the record database and, unless disabled, the payload
	// blobs.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// Payloads enables the payload store. Without it cache payload commands
	// fail with not_supported while notebooks and preferences keep working.
	Payloads bool `yaml:"payloads" env:"PAYLOADS"`

	// QueueSize is the number of commands that may wait for the dispatcher.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`

	Eviction eviction.Config `yaml:"eviction" envPrefix:"EVICTION_"`
	Quota    QuotaConfig     `yaml:"quota" envPrefix:"QUOTA_"`
	Server   ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Metrics  MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Log      LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// QuotaConfig configures the quota monitor.
type QuotaConfig struct {
	Source           string        `yaml:"source" env:"SOURCE"` // none | fixed | disk
	TotalBytes       uint64        `yaml:"total_bytes" env:"TOTAL_BYTES"`
	ThresholdPercent float64       `yaml:"threshold_percent" env:"THRESHOLD_PERCENT"`
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Address        string        `yaml:"address" env:"ADDRESS"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	MaxConnections int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`

	// AuthToken, when set, is required as a Bearer token on every endpoint
	// except /health and /metrics.
	AuthToken string `yaml:"auth_token" env:"AUTH_TOKEN"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	Prometheus    bool          `yaml:"prometheus" env:"PROMETHEUS"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		Payloads:  true,
		QueueSize: 64,
		Eviction:  eviction.DefaultConfig(),
		Quota: QuotaConfig{
			Source:           QuotaSourceDisk,
			ThresholdPercent: quota.DefaultThreshold,
			Interval:         quota.DefaultInterval,
		},
		Server: ServerConfig{
			Address:        ":8080",
			MaxBodyBytes:   768 << 20,
			MaxConnections: 256,
			ReadTimeout:    60 * time.Second,
			IdleTimeout:    120 * time.Second,
		},
		Metrics: MetricsConfig{
			Prometheus:    true,
			FlushInterval: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// EnvPrefix prefixes every environment variable Load reads, e.g.
// STORAGE_ENGINE_DATA_DIR or STORAGE_ENGINE_QUOTA_SOURCE.
const EnvPrefix = "STORAGE_ENGINE_"

// Load builds the configuration from the defaults, then the YAML file at
// path (skipped when empty), then STORAGE_ENGINE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue_size must be > 0")
	}
	if err := c.Eviction.Validate(); err != nil {
		return fmt.Errorf("eviction: %w", err)
	}

	switch c.Quota.Source {
	case QuotaSourceNone, QuotaSourceDisk:
	case QuotaSourceFixed:
		if c.Quota.TotalBytes == 0 {
			return errors.New("quota: total_bytes is required for the fixed source")
		}
	default:
		return fmt.Errorf("quota: unsupported source %q (use none, fixed or disk)", c.Quota.Source)
	}
	if c.Quota.ThresholdPercent <= 0 || c.Quota.ThresholdPercent > 100 {
		return fmt.Errorf("quota: threshold_percent must be in (0, 100], got %v", c.Quota.ThresholdPercent)
	}
	if c.Quota.Interval <= 0 {
		return errors.New("quota: interval must be > 0")
	}

	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server: max_body_bytes must be > 0")
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server: max_connections must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: invalid level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: invalid format %q", c.Log.Format)
	}
	return nil
}

// DBPath returns the path of the record database.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "meta.db") }

// PayloadDir returns the root directory of the payload store.
func (c *Config) PayloadDir() string { return filepath.Join(c.DataDir, "payloads") }

// QuotaSource builds the configured host quota source.
func (c *Config) QuotaSource() quota.Source {
	switch c.Quota.Source {
	case QuotaSourceFixed:
		return quota.FixedQuota(c.Quota.TotalBytes)
	case QuotaSourceDisk:
		return quota.DiskQuota{Dir: c.DataDir}
	default:
		return quota.NoQuota{}
	}
}
