package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagegen.yaml")
	content := `
worker_count: 8
attempt_timeout: 45s
rate_limit:
  window: 30s
  per_session: 2
cleanup:
  storage_quota_bytes: 1048576
database:
  type: sqlite
  path: /var/lib/imagegen/jobs.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("IMAGEGEN_QUEUE_CAPACITY", "7")
	t.Setenv("IMAGEGEN_BREAKER_COOLDOWN", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 45*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 2, cfg.RateLimit.PerSession)
	assert.Equal(t, int64(1048576), cfg.Cleanup.StorageQuotaBytes)
	assert.Equal(t, "/var/lib/imagegen/jobs.db", cfg.Database.Path)

	// Untouched keys keep their defaults
	assert.Equal(t, Default().RateLimit.PerCredential, cfg.RateLimit.PerCredential)

	// Environment wins over file and defaults
	assert.Equal(t, 7, cfg.QueueCapacity)
	assert.Equal(t, 90*time.Second, cfg.Breaker.Cooldown)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"zero queue", func(c *Config) { c.QueueCapacity = 0 }},
		{"no attempt timeout", func(c *Config) { c.AttemptTimeout = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"unknown database", func(c *Config) { c.Database.Type = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Database.Type = "postgres" }},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }},
		{"bad provider url", func(c *Config) { c.Providers.Together.BaseURL = "not a url" }},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }},
		{"model cache too small", func(c *Config) { c.ModelCacheBytes = 1 << 20 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.HTTP.APIKey = "secret"
	cfg.Database.DSN = "postgres://u:p@h/db"

	r := cfg.Redacted()
	assert.Equal(t, "***", r.HTTP.APIKey)
	assert.Equal(t, "***", r.Database.DSN)
	assert.Equal(t, "secret", cfg.HTTP.APIKey)
}
