package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Pool.Concurrency = 0 }},
		{"zero splits", func(c *Config) { c.Pool.NSplits = 0 }},
		{"zero lease ttl", func(c *Config) { c.Lease.TTL = 0 }},
		{"heartbeat at ttl", func(c *Config) { c.Lease.Heartbeat = c.Lease.TTL }},
		{"zero rpm", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{"negative min delay", func(c *Config) { c.RateLimit.MinDelay = -time.Second }},
		{"retry max below base", func(c *Config) { c.Scheduler.RetryMax = time.Millisecond }},
		{"zero max empty pages", func(c *Config) { c.Pagination.MaxEmptyPages = 0 }},
		{"bad output format", func(c *Config) { c.Output.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pool:
  concurrency: 9
scheduler:
  strict: true
output:
  format: jsonl
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, 9, cfg.Pool.Concurrency)
	assert.True(t, cfg.Scheduler.Strict)
	assert.Equal(t, "jsonl", cfg.Output.Format)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.Pool.NSplits)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("XSCRAPER_CONCURRENCY", "3")
	t.Setenv("XSCRAPER_STRICT", "true")
	t.Setenv("XSCRAPER_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 3, cfg.Pool.Concurrency)
	assert.True(t, cfg.Scheduler.Strict)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestMergeCommandLineFlagsWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"db":          "state.db",
		"concurrency": 2,
		"format":      "jsonl",
	})

	assert.Equal(t, "state.db", cfg.Storage.DBPath)
	assert.Equal(t, 2, cfg.Pool.Concurrency)
	assert.Equal(t, "jsonl", cfg.Output.Format)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "config.yaml")

	cfg := DefaultConfig()
	cfg.Pool.Concurrency = 7
	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 7, loaded.Pool.Concurrency)
	assert.Equal(t, cfg.Lease.TTL, loaded.Lease.TTL)
}
