package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
)

var envVars = []string{
	"REDIS_URL", "DATABASE_URL", "OTLP_ENDPOINT", "AWS_REGION", "SNS_TOPIC_ARN", "SQS_QUEUE_URL", "POD_NAME",
	"CACHE_ENCRYPTION_KEY",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "OPENROUTER_API_KEY", "OLLAMA_BASE_URL",
	"ASSISTANT_SERVER_ADDR", "ASSISTANT_LOG_LEVEL", "ASSISTANT_LLM_DEFAULT_PROVIDER",
	"ASSISTANT_RATE_LIMIT_MAX_REQUESTS", "ASSISTANT_CIRCUIT_BREAKER_FAILURE_THRESHOLD",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.Database.URL)

	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)
	assert.Equal(t, 30*time.Second, cfg.LLM.DefaultTimeout)
	require.Contains(t, cfg.LLM.Providers, "ollama")
	assert.Equal(t, "http://localhost:11434", cfg.LLM.Providers["ollama"]["base_url"])
	assert.NotContains(t, cfg.LLM.Providers, "openai")

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)

	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Contains(t, cfg.Retry.RetryableErrors, "503")

	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 10*time.Minute, cfg.CircuitBreaker.RecoveryWindow)
	assert.Equal(t, time.Hour, cfg.CircuitBreaker.StateTTL)

	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.False(t, cfg.RateLimit.Sliding)

	assert.Equal(t, 1, cfg.Metrics.StatusHours)
	assert.Equal(t, 1.0, cfg.OTLP.SampleRatio)

	b := cfg.BudgetConfig()
	assert.Zero(t, b.MonthlyUSD)
	assert.Equal(t, 0.8, b.Thresholds.Warning)
	assert.Equal(t, 0.95, b.Thresholds.Critical)
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	t.Setenv("ASSISTANT_SERVER_ADDR", ":9090")
	t.Setenv("ASSISTANT_LOG_LEVEL", "debug")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ASSISTANT_LLM_DEFAULT_PROVIDER", "openai")
	t.Setenv("ASSISTANT_RATE_LIMIT_MAX_REQUESTS", "10")
	t.Setenv("ASSISTANT_CIRCUIT_BREAKER_FAILURE_THRESHOLD", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, "openai", cfg.LLM.DefaultProvider)
	assert.Equal(t, "sk-test", cfg.LLM.Providers["openai"]["api_key"])
	assert.Equal(t, 10, cfg.RateLimitConfig().MaxRequests)
	assert.Equal(t, 2, cfg.BreakerConfig().FailureThreshold)
}

func TestLoad_NotificationsAndCacheKeyFromEnv(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/123/assistant-events")
	t.Setenv("CACHE_ENCRYPTION_KEY", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/assistant-events", cfg.Notifications.QueueURL)
	assert.Empty(t, cfg.Notifications.TopicARN)
	assert.Equal(t, "hunter2", cfg.Cache.EncryptionKey)
}

func TestLoad_FromFile(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, `
log:
  format: console
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key_secret: prod/anthropic#api_key
      model: claude-3-5-haiku-20241022
      timeout: 45
    mock:
      reply: hello
cache:
  enabled: false
retry:
  max_retries: 1
  base_delay: 250ms
budget:
  monthly_usd: 20
  overrides:
    family-admin: 50
circuit_breaker:
  failure_threshold: 3
  recovery_window: 2m
  state_ttl: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.Cache.Enabled)

	providers := cfg.ProviderConfigs()
	require.Contains(t, providers, "anthropic")
	assert.Equal(t, "prod/anthropic#api_key", providers["anthropic"]["api_key_secret"])
	assert.Equal(t, "45", providers["anthropic"]["timeout"])
	assert.Equal(t, "hello", providers["mock"]["reply"])

	policy := cfg.RetryPolicy()
	assert.Equal(t, 1, policy.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, policy.BaseDelay)

	cb := cfg.BreakerConfig()
	assert.Equal(t, 3, cb.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cb.RecoveryWindow)
	assert.Equal(t, 30*time.Minute, cb.StateTTL)

	b := cfg.BudgetConfig()
	assert.Equal(t, 20.0, b.MonthlyUSD)
	assert.Equal(t, 50.0, b.Overrides["family-admin"])

	client := cfg.ClientConfig()
	assert.False(t, client.CacheEnabled)
	assert.Equal(t, 30*time.Second, client.DefaultTimeout)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no default provider", func(c *Config) { c.LLM.DefaultProvider = "" }},
		{"default provider not configured", func(c *Config) { c.LLM.DefaultProvider = "openai" }},
		{"zero threshold", func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }},
		{"state ttl not above recovery window", func(c *Config) { c.CircuitBreaker.StateTTL = c.CircuitBreaker.RecoveryWindow }},
		{"zero rate limit", func(c *Config) { c.RateLimit.MaxRequests = 0 }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"shrinking backoff", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"cache without ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"aws secrets without region", func(c *Config) { c.Secrets.Backend = "aws" }},
		{"unknown secrets backend", func(c *Config) { c.Secrets.Backend = "vault" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"sample ratio above one", func(c *Config) { c.OTLP.SampleRatio = 1.5 }},
		{"sqs without region", func(c *Config) { c.Notifications.QueueURL = "https://sqs.example/q" }},
		{"negative budget", func(c *Config) { c.Budget.MonthlyUSD = -1 }},
		{"warning above critical", func(c *Config) { c.Budget.Warning = 0.99 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfiguration))
		})
	}

	require.NoError(t, base.Validate())
}
