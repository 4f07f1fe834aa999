// Package config loads service settings from defaults, an optional YAML
// file and ASSISTANT_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/felipepmaragno/finance-assistant/internal/budget"
	"github.com/felipepmaragno/finance-assistant/internal/circuitbreaker"
	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/llm"
	"github.com/felipepmaragno/finance-assistant/internal/provider"
	"github.com/felipepmaragno/finance-assistant/internal/ratelimit"
	"github.com/felipepmaragno/finance-assistant/internal/retry"
	"github.com/felipepmaragno/finance-assistant/internal/stats"
)

const EnvPrefix = "ASSISTANT"

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Database       DatabaseConfig       `mapstructure:"database"`
	OTLP           OTLPConfig           `mapstructure:"otlp"`
	AWS            AWSConfig            `mapstructure:"aws"`
	Secrets        SecretsConfig        `mapstructure:"secrets"`
	Notifications  NotificationsConfig  `mapstructure:"notifications"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Stats          StatsConfig          `mapstructure:"stats"`
	Budget         BudgetConfig         `mapstructure:"budget"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type OTLPConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
}

type SecretsConfig struct {
	// Backend is "aws" or empty for none.
	Backend  string        `mapstructure:"backend"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NotificationsConfig selects where provider and budget events go. With
// neither set they are only logged; with both they go to both.
type NotificationsConfig struct {
	TopicARN string `mapstructure:"topic_arn"`
	QueueURL string `mapstructure:"queue_url"`
}

type LLMConfig struct {
	DefaultProvider string                       `mapstructure:"default_provider"`
	DefaultTimeout  time.Duration                `mapstructure:"default_timeout"`
	Providers       map[string]map[string]string `mapstructure:"providers"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	// EncryptionKey, when set, seals cached answers with AES-GCM.
	EncryptionKey string `mapstructure:"encryption_key"`
}

type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	Multiplier      float64       `mapstructure:"multiplier"`
	RetryableErrors []string      `mapstructure:"retryable_errors"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryWindow   time.Duration `mapstructure:"recovery_window"`
	StateTTL         time.Duration `mapstructure:"state_ttl"`
	// Atomic selects the Lua-scripted Redis breaker when Redis is configured.
	Atomic bool `mapstructure:"atomic"`
}

type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	Sliding     bool          `mapstructure:"sliding"`
}

type StatsConfig struct {
	BucketTTL         time.Duration `mapstructure:"bucket_ttl"`
	MaxLatencySamples int           `mapstructure:"max_latency_samples"`
	LatencyTTL        time.Duration `mapstructure:"latency_ttl"`
}

type BudgetConfig struct {
	// MonthlyUSD caps each user's LLM spend per calendar month. Zero
	// disables the cap.
	MonthlyUSD float64            `mapstructure:"monthly_usd"`
	Overrides  map[string]float64 `mapstructure:"overrides"`
	Warning    float64            `mapstructure:"warning"`
	Critical   float64            `mapstructure:"critical"`
	AlertTTL   time.Duration      `mapstructure:"alert_ttl"`
}

type MetricsConfig struct {
	Pod         string `mapstructure:"pod"`
	StatusHours int    `mapstructure:"status_hours"`
}

// providerEnv lists per-provider settings that can be set from the
// environment without a config file. The second name is the conventional
// variable the vendor SDKs read.
var providerEnv = map[string][][2]string{
	"openai": {
		{"api_key", "OPENAI_API_KEY"},
		{"base_url", "OPENAI_BASE_URL"},
		{"model", ""},
		{"api_key_secret", ""},
	},
	"anthropic": {
		{"api_key", "ANTHROPIC_API_KEY"},
		{"model", ""},
		{"api_key_secret", ""},
	},
	"openrouter": {
		{"api_key", "OPENROUTER_API_KEY"},
		{"model", ""},
		{"api_key_secret", ""},
	},
	"ollama": {
		{"base_url", "OLLAMA_BASE_URL"},
		{"model", ""},
	},
	"bedrock": {
		{"region", "AWS_REGION"},
		{"model", ""},
	},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("otlp.sample_ratio", 1.0)

	v.SetDefault("secrets.cache_ttl", 5*time.Minute)

	llmDefaults := llm.DefaultConfig()
	v.SetDefault("llm.default_provider", "ollama")
	v.SetDefault("llm.default_timeout", llmDefaults.DefaultTimeout)
	v.SetDefault("llm.providers.ollama.base_url", "http://localhost:11434")

	v.SetDefault("cache.enabled", llmDefaults.CacheEnabled)
	v.SetDefault("cache.ttl", llmDefaults.CacheTTL)

	policy := retry.DefaultPolicy()
	v.SetDefault("retry.max_retries", policy.MaxRetries)
	v.SetDefault("retry.base_delay", policy.BaseDelay)
	v.SetDefault("retry.multiplier", policy.Multiplier)
	v.SetDefault("retry.retryable_errors", policy.RetryableErrors)
	v.SetDefault("retry.max_elapsed", time.Duration(0))

	cb := circuitbreaker.DefaultConfig()
	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.recovery_window", cb.RecoveryWindow)
	v.SetDefault("circuit_breaker.state_ttl", cb.StateTTL)
	v.SetDefault("circuit_breaker.atomic", true)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("rate_limit.max_requests", rl.MaxRequests)
	v.SetDefault("rate_limit.window", rl.Window)
	v.SetDefault("rate_limit.sliding", false)

	st := stats.DefaultConfig()
	v.SetDefault("stats.bucket_ttl", st.BucketTTL)
	v.SetDefault("stats.max_latency_samples", st.MaxLatencySamples)
	v.SetDefault("stats.latency_ttl", st.LatencyTTL)

	th := budget.DefaultThresholds()
	v.SetDefault("budget.monthly_usd", 0.0)
	v.SetDefault("budget.warning", th.Warning)
	v.SetDefault("budget.critical", th.Critical)
	v.SetDefault("budget.alert_ttl", 31*24*time.Hour)

	v.SetDefault("metrics.status_hours", 1)
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	plain := map[string]string{
		"redis.url":               "REDIS_URL",
		"database.url":            "DATABASE_URL",
		"otlp.endpoint":           "OTLP_ENDPOINT",
		"aws.region":              "AWS_REGION",
		"notifications.topic_arn": "SNS_TOPIC_ARN",
		"notifications.queue_url": "SQS_QUEUE_URL",
		"cache.encryption_key":    "CACHE_ENCRYPTION_KEY",
		"metrics.pod":             "POD_NAME",
	}
	for key, alias := range plain {
		if err := v.BindEnv(key, envName(key), alias); err != nil {
			return err
		}
	}

	for name, settings := range providerEnv {
		for _, s := range settings {
			key := "llm.providers." + name + "." + s[0]
			names := []string{envName(key)}
			if s[1] != "" {
				names = append(names, s[1])
			}
			if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
				return err
			}
		}
	}
	return nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads configuration. An empty path searches for assistant.yaml in
// the working directory and $HOME/.config/assistant; a missing file there
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("%w: bind env: %w", domain.ErrConfiguration, err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("assistant")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/assistant")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", domain.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.LLM.DefaultProvider == "" {
		errs = append(errs, errors.New("llm.default_provider is required"))
	} else if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		errs = append(errs, fmt.Errorf("default provider %q has no llm.providers entry", c.LLM.DefaultProvider))
	}
	if c.LLM.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("llm.default_timeout must be positive"))
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive when caching is enabled"))
	}

	if err := c.BreakerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RateLimitConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, errors.New("retry.base_delay must not be negative"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}

	if c.Budget.MonthlyUSD < 0 {
		errs = append(errs, errors.New("budget.monthly_usd must not be negative"))
	}
	if c.Budget.Warning <= 0 || c.Budget.Warning > c.Budget.Critical || c.Budget.Critical > 1 {
		errs = append(errs, errors.New("budget thresholds must satisfy 0 < warning <= critical <= 1"))
	}

	switch c.Secrets.Backend {
	case "", "none":
	case "aws":
		if c.AWS.Region == "" {
			errs = append(errs, errors.New("aws.region is required for the aws secrets backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown secrets backend %q", c.Secrets.Backend))
	}

	if c.OTLP.SampleRatio < 0 || c.OTLP.SampleRatio > 1 {
		errs = append(errs, errors.New("otlp.sample_ratio must be within [0, 1]"))
	}

	if (c.Notifications.TopicARN != "" || c.Notifications.QueueURL != "") && c.AWS.Region == "" {
		errs = append(errs, errors.New("aws.region is required for sns or sqs notifications"))
	}

	switch c.Log.Format {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// ProviderConfigs returns the per-provider settings keyed by provider name.
func (c *Config) ProviderConfigs() map[string]provider.Config {
	out := make(map[string]provider.Config, len(c.LLM.Providers))
	for name, settings := range c.LLM.Providers {
		pc := make(provider.Config, len(settings))
		for k, val := range settings {
			pc[k] = val
		}
		out[name] = pc
	}
	return out
}

func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		RecoveryWindow:   c.CircuitBreaker.RecoveryWindow,
		StateTTL:         c.CircuitBreaker.StateTTL,
	}
}

func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		MaxRequests: c.RateLimit.MaxRequests,
		Window:      c.RateLimit.Window,
	}
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:      c.Retry.MaxRetries,
		BaseDelay:       c.Retry.BaseDelay,
		Multiplier:      c.Retry.Multiplier,
		RetryableErrors: c.Retry.RetryableErrors,
		MaxElapsed:      c.Retry.MaxElapsed,
	}
}

func (c *Config) StatsConfig() stats.Config {
	return stats.Config{
		BucketTTL:         c.Stats.BucketTTL,
		MaxLatencySamples: c.Stats.MaxLatencySamples,
		LatencyTTL:        c.Stats.LatencyTTL,
	}
}

func (c *Config) ClientConfig() llm.Config {
	return llm.Config{
		CacheEnabled:   c.Cache.Enabled,
		CacheTTL:       c.Cache.TTL,
		DefaultTimeout: c.LLM.DefaultTimeout,
	}
}

func (c *Config) BudgetConfig() budget.Config {
	return budget.Config{
		MonthlyUSD: c.Budget.MonthlyUSD,
		Overrides:  c.Budget.Overrides,
		Thresholds: budget.Thresholds{
			Warning:  c.Budget.Warning,
			Critical: c.Budget.Critical,
		},
	}
}
