// Package config loads engine configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	Data    DataConfig
	Remote  RemoteConfig
	Sync    SyncConfig
	Probe   ProbeConfig
	Logging LoggingConfig
}

// DataConfig holds local store settings.
type DataConfig struct {
	Dir string `envconfig:"BREWLOG_DATA_DIR" default:"./data"`
}

// RemoteConfig holds remote collaborator settings.
type RemoteConfig struct {
	BaseURL   string        `envconfig:"BREWLOG_REMOTE_URL" default:"https://api.brewlog.app/v1"`
	FeedURL   string        `envconfig:"BREWLOG_FEED_URL" default:""` // websocket change feed, empty disables
	AuthToken string        `envconfig:"BREWLOG_AUTH_TOKEN" default:""`
	Timeout   time.Duration `envconfig:"BREWLOG_REMOTE_TIMEOUT" default:"30s"`
}

// SyncConfig holds sync manager and mutation queue tunables.
type SyncConfig struct {
	Interval        time.Duration `envconfig:"BREWLOG_SYNC_INTERVAL" default:"5m"`
	PushTimeout     time.Duration `envconfig:"BREWLOG_PUSH_TIMEOUT" default:"30s"`
	PullTimeout     time.Duration `envconfig:"BREWLOG_PULL_TIMEOUT" default:"30s"`
	PushParallelism int           `envconfig:"BREWLOG_PUSH_PARALLELISM" default:"4"`
	BatchSize       int           `envconfig:"BREWLOG_PUSH_BATCH_SIZE" default:"50"`
	BackoffBase     time.Duration `envconfig:"BREWLOG_BACKOFF_BASE" default:"2s"`
	BackoffMax      time.Duration `envconfig:"BREWLOG_BACKOFF_MAX" default:"10m"`
	MaxRetries      int           `envconfig:"BREWLOG_MAX_RETRIES" default:"8"`
}

// ProbeConfig holds connectivity monitor settings.
type ProbeConfig struct {
	URL      string        `envconfig:"BREWLOG_PROBE_URL" default:"https://api.brewlog.app/v1/ping"`
	Interval time.Duration `envconfig:"BREWLOG_PROBE_INTERVAL" default:"15s"`
	Timeout  time.Duration `envconfig:"BREWLOG_PROBE_TIMEOUT" default:"5s"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `envconfig:"BREWLOG_LOG_LEVEL" default:"info"`
	File       string `envconfig:"BREWLOG_LOG_FILE" default:""`
	MaxSizeMB  int    `envconfig:"BREWLOG_LOG_MAX_SIZE_MB" default:"10"`
	MaxBackups int    `envconfig:"BREWLOG_LOG_MAX_BACKUPS" default:"3"`
	MaxAgeDays int    `envconfig:"BREWLOG_LOG_MAX_AGE_DAYS" default:"14"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that envconfig defaults cannot express.
func (c *Config) Validate() error {
	if c.Sync.PushParallelism < 1 {
		return fmt.Errorf("push parallelism must be at least 1, got %d", c.Sync.PushParallelism)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("push batch size must be at least 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.PushTimeout <= 0 || c.Sync.PullTimeout <= 0 {
		return fmt.Errorf("invalid timeouts: push=%s pull=%s", c.Sync.PushTimeout, c.Sync.PullTimeout)
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("invalid backoff range: base=%s max=%s", c.Sync.BackoffBase, c.Sync.BackoffMax)
	}
	return nil
}
