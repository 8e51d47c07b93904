// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// AWS credentials are the only hard requirement. Redis is optional — set
// CACHE_MODE=memory to use the built-in in-process cache with no external
// dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Bedrock holds the AWS credentials and endpoint settings.
	Bedrock BedrockConfig

	// DefaultModel is the alias used when a request names an unknown model.
	DefaultModel string

	// Retry controls throttle-driven retries against the backend.
	Retry RetryConfig

	// BackendTimeout is the per-call HTTP timeout for buffered invocations.
	// Default: 120s. Streaming calls are not bounded by this timeout.
	BackendTimeout time.Duration

	// Redis holds the connection URL for the Redis-backed cache.
	// Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID. Required.
	AccessKey string
	// SecretKey is the AWS secret access key. Required.
	SecretKey string
	// SessionToken is the optional STS session token for temporary
	// credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1". Default: "us-east-1".
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local
	// mocks.
	EndpointURL string
}

// RetryConfig controls the throttle retry policy.
type RetryConfig struct {
	// MaxAttempts is the total number of invocation attempts. Default: 5.
	MaxAttempts int
	// BaseDelay is the first backoff delay. Default: 1s.
	BaseDelay time.Duration
	// MaxDelay caps every backoff delay. Default: 30s.
	MaxDelay time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "memory" — In-process TTL cache. Not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("MAX_RETRIES", 5)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")
	v.SetDefault("BACKEND_TIMEOUT", "120s")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		DefaultModel: v.GetString("DEFAULT_MODEL"),

		Retry: RetryConfig{
			MaxAttempts: v.GetInt("MAX_RETRIES"),
			BaseDelay:   v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:    v.GetDuration("RETRY_MAX_DELAY"),
		},

		BackendTimeout: v.GetDuration("BACKEND_TIMEOUT"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.Bedrock.AccessKey == "" || c.Bedrock.SecretKey == "" {
		return fmt.Errorf(
			"config: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required",
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config: retry delays must satisfy 0 < RETRY_BASE_DELAY ≤ RETRY_MAX_DELAY")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
