package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("WORKER_COUNT", "")
	t.Setenv("TASK_TIMEOUTS", "")
	t.Setenv("WEBHOOK_SOURCES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 0, cfg.QueueCapacity)
	assert.Equal(t, 5*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "memory", cfg.IdempotencyBackend)
	assert.Empty(t, cfg.TaskTimeouts)
	assert.Empty(t, cfg.WebhookSources)
	assert.False(t, cfg.UsesRedis())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("QUEUE_CAPACITY", "100")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BACKOFF_JITTER", "0.5")
	t.Setenv("TASK_TIMEOUTS", "form_ingestion=30s, unit_generation=10m")
	t.Setenv("WEBHOOK_SOURCES", "forms=form_ingestion")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("IDEMPOTENCY_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.InDelta(t, 0.5, cfg.BackoffJitter, 1e-9)
	assert.Equal(t, map[string]time.Duration{
		"form_ingestion":  30 * time.Second,
		"unit_generation": 10 * time.Minute,
	}, cfg.TaskTimeouts)
	assert.Equal(t, map[string]string{"forms": "form_ingestion"}, cfg.WebhookSources)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadRejectsMalformedMaps(t *testing.T) {
	t.Setenv("TASK_TIMEOUTS", "form_ingestion=soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASK_TIMEOUTS")

	t.Setenv("TASK_TIMEOUTS", "")
	t.Setenv("WEBHOOK_SOURCES", "forms")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SOURCES")
}

func TestLoadUnparseableNumberFallsBackToDefault(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }, "WorkerCount"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"backoff max below initial", func(c *Config) { c.BackoffMax = time.Millisecond }, "BackoffMax"},
		{"jitter above one", func(c *Config) { c.BackoffJitter = 1.5 }, "BackoffJitter"},
		{"granularity above 100", func(c *Config) { c.ProgressGranularity = 101 }, "ProgressGranularity"},
		{"unknown guard backend", func(c *Config) { c.IdempotencyBackend = "etcd" }, "IdempotencyBackend"},
		{"bucket without region", func(c *Config) { c.ArchiveS3Bucket = "jobs" }, "ArchiveS3Region"},
		{"feed without task type", func(c *Config) {
			c.PollFeedURL = "https://feed.example/items"
			c.PollSource = "feed"
		}, "PollTaskType"},
		{"redis guard without addr", func(c *Config) { c.IdempotencyBackend = "redis" }, "REDIS_ADDR"},
		{"postgres guard without dsn", func(c *Config) { c.IdempotencyBackend = "postgres" }, "POSTGRES_DSN"},
		{"redis limiter without addr", func(c *Config) { c.RateLimitBackend = "redis" }, "REDIS_ADDR"},
		{"redis intake without addr", func(c *Config) { c.IntakeBackend = "redis" }, "REDIS_ADDR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
