package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddress)
	assert.Equal(t, "100", cfg.RateLimitDefault)
	assert.Equal(t, "60s", cfg.RateLimitWindow)
	assert.False(t, cfg.AdaptiveEnabled)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.DefaultLimit())
	assert.Equal(t, time.Minute, cfg.DefaultWindow())
	assert.Equal(t, 5*time.Minute, cfg.CleanupInterval())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/test.db")
	t.Setenv("SQLITE_CLEANUP_INTERVAL", "0")
	t.Setenv("RATE_LIMIT_DEFAULT", "25")
	t.Setenv("RATE_LIMIT_WINDOW", "5s")
	t.Setenv("ADAPTIVE_ENABLED", "true")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "/tmp/test.db", cfg.SQLitePath)
	assert.Equal(t, time.Duration(0), cfg.CleanupInterval())
	assert.Equal(t, 25, cfg.DefaultLimit())
	assert.Equal(t, 5*time.Second, cfg.DefaultWindow())
	assert.True(t, cfg.AdaptiveEnabled)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.StoreBackend = "etcd" }, "STORE_BACKEND"},
		{"bad redis db", func(c *Config) { c.StoreBackend = "redis"; c.RedisDB = "99" }, "REDIS_DB"},
		{"bad pool size", func(c *Config) { c.StoreBackend = "redis"; c.RedisPoolSize = "zero" }, "REDIS_POOL_SIZE"},
		{"missing dynamo table", func(c *Config) { c.StoreBackend = "dynamo" }, "DYNAMO_TABLE"},
		{"missing sqlite path", func(c *Config) { c.StoreBackend = "sqlite"; c.SQLitePath = "" }, "SQLITE_PATH"},
		{"bad default limit", func(c *Config) { c.RateLimitDefault = "-1" }, "RATE_LIMIT_DEFAULT"},
		{"bad window", func(c *Config) { c.RateLimitWindow = "soon" }, "RATE_LIMIT_WINDOW"},
		{"bad adaptive window", func(c *Config) { c.AdaptiveEnabled = true; c.AdaptiveMonitoringWindow = "x" }, "ADAPTIVE_MONITORING_WINDOW"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
