package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Make sure ambient environment does not leak into the assertions.
	// t.Setenv registers the restore; Unsetenv actually clears the variable.
	for _, key := range []string{
		"BREWLOG_DATA_DIR", "BREWLOG_REMOTE_URL", "BREWLOG_SYNC_INTERVAL",
		"BREWLOG_PUSH_PARALLELISM", "BREWLOG_MAX_RETRIES", "BREWLOG_BACKOFF_BASE",
		"BREWLOG_BACKOFF_MAX", "BREWLOG_PUSH_BATCH_SIZE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Data.Dir != "./data" {
		t.Errorf("data dir = %q", cfg.Data.Dir)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("sync interval = %s", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 8 {
		t.Errorf("max retries = %d", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BackoffBase != 2*time.Second || cfg.Sync.BackoffMax != 10*time.Minute {
		t.Errorf("backoff = %s..%s", cfg.Sync.BackoffBase, cfg.Sync.BackoffMax)
	}
	if cfg.Sync.PushTimeout != 30*time.Second || cfg.Sync.PullTimeout != 30*time.Second {
		t.Errorf("timeouts = push %s, pull %s", cfg.Sync.PushTimeout, cfg.Sync.PullTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BREWLOG_SYNC_INTERVAL", "30s")
	t.Setenv("BREWLOG_PUSH_PARALLELISM", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("sync interval = %s, want 30s", cfg.Sync.Interval)
	}
	if cfg.Sync.PushParallelism != 2 {
		t.Errorf("parallelism = %d, want 2", cfg.Sync.PushParallelism)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{Sync: SyncConfig{
			PushTimeout:     30 * time.Second,
			PullTimeout:     30 * time.Second,
			PushParallelism: 4,
			BatchSize:       50,
			MaxRetries:      8,
			BackoffBase:     2 * time.Second,
			BackoffMax:      10 * time.Minute,
		}}
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero parallelism", func(c *Config) { c.Sync.PushParallelism = 0 }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }},
		{"zero backoff base", func(c *Config) { c.Sync.BackoffBase = 0 }},
		{"max below base", func(c *Config) { c.Sync.BackoffMax = time.Second }},
		{"zero push timeout", func(c *Config) { c.Sync.PushTimeout = 0 }},
		{"zero pull timeout", func(c *Config) { c.Sync.PullTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
