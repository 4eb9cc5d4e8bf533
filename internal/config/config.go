// Package config loads and validates all runtime configuration for the
// proxy process.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE under the PROXY_ prefix
// with dots mapped to underscores, e.g. oauth.refresh.threshold_seconds
// becomes PROXY_OAUTH_REFRESH_THRESHOLD_SECONDS.
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
	Management ManagementConfig
	Proxy      ProxyConfig
	Database   DatabaseConfig
	Cache      CacheConfig
	OAuth      OAuthConfig
	Health     HealthConfig
	Scheduler  SchedulerConfig
	Forwarder  ForwarderConfig
	Trace      TraceConfig
	Registry   RegistryConfig
	Pool       PoolConfig
	LogLevel   string
}

// ManagementConfig controls the out-of-core management HTTP API listener
// and the trusted-header contract it shares with the core.
type ManagementConfig struct {
	Bind     string
	TrustKey string // HMAC signing key validating X-Proxy-Tenant-Id JWTs
}

// ProxyConfig controls the vendor-facing ingress listener.
type ProxyConfig struct {
	Bind string
}

// DatabaseConfig controls the Credential Store connection.
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	UseInMemory bool // dev/test mode: skip Postgres, use an in-memory Repository
}

// CacheConfig selects the Rate Limit Arbiter's per-minute window backend:
// Redis when Backend is "redis", otherwise an in-process window. The Vendor
// Registry and Credential Pool snapshot caches are in-process regardless
// (see RegistryConfig and PoolConfig).
type CacheConfig struct {
	Backend  string // "memory" | "redis"
	RedisURL string
}

// OAuthConfig mirrors §6's oauth.* tunables.
type OAuthConfig struct {
	RefreshThresholdSeconds int64
	RetryAttempts           int
	RetryIntervalSeconds    int64
	ScannerPeriodSeconds    int64
}

// HealthConfig mirrors §6's health.* tunables.
type HealthConfig struct {
	HealthyIntervalSeconds   int64
	UnhealthyIntervalSeconds int64
	FailureThreshold         int
	SuccessThreshold         int
}

// SchedulerConfig mirrors §6's scheduler.* tunables.
type SchedulerConfig struct {
	DefaultStrategy string
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffCap      time.Duration
}

// ForwarderConfig mirrors §6's forwarder.* tunables.
type ForwarderConfig struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
}

// TraceConfig controls the Trace Recorder.
type TraceConfig struct {
	Enabled         bool
	ClickHouseDSN   string
	ClickHouseTable string
}

// RegistryConfig controls the Vendor Registry snapshot cache TTL.
type RegistryConfig struct {
	CacheTTL time.Duration
}

// PoolConfig controls the Credential Pool snapshot cache TTL.
type PoolConfig struct {
	CacheTTL time.Duration
}

// Load reads configuration from environment variables (PROXY_ prefixed) and
// (optionally) from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.SetEnvPrefix("PROXY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("management.bind", "0.0.0.0:9090")
	v.SetDefault("proxy.bind", "0.0.0.0:8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.use_in_memory", false)

	v.SetDefault("cache.backend", "memory")

	v.SetDefault("oauth.refresh.threshold_seconds", 300)
	v.SetDefault("oauth.refresh.retry_attempts", 3)
	v.SetDefault("oauth.refresh.retry_interval_seconds", 5)
	v.SetDefault("oauth.refresh.scanner_period_seconds", 60)

	v.SetDefault("health.healthy_interval_seconds", 600)
	v.SetDefault("health.unhealthy_interval_seconds", 120)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.success_threshold", 2)

	v.SetDefault("scheduler.default_strategy", "round_robin")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_initial_ms", 100)
	v.SetDefault("scheduler.backoff_cap_ms", 5000)

	v.SetDefault("forwarder.connect_timeout_seconds", 10)
	v.SetDefault("forwarder.total_timeout_seconds", 300)

	v.SetDefault("trace.enabled", true)
	v.SetDefault("trace.clickhouse_table", "traces")

	v.SetDefault("registry.cache_ttl_seconds", 60)
	v.SetDefault("pool.cache_ttl_seconds", 5)

	cfg := &Config{
		LogLevel: strings.ToLower(v.GetString("log_level")),
		Management: ManagementConfig{
			Bind:     v.GetString("management.bind"),
			TrustKey: v.GetString("management.trust_key"),
		},
		Proxy: ProxyConfig{Bind: v.GetString("proxy.bind")},
		Database: DatabaseConfig{
			URL:         v.GetString("database.url"),
			MaxConns:    v.GetInt("database.max_connections"),
			UseInMemory: v.GetBool("database.use_in_memory"),
		},
		Cache: CacheConfig{
			Backend:  strings.ToLower(v.GetString("cache.backend")),
			RedisURL: v.GetString("cache.redis.url"),
		},
		OAuth: OAuthConfig{
			RefreshThresholdSeconds: v.GetInt64("oauth.refresh.threshold_seconds"),
			RetryAttempts:           v.GetInt("oauth.refresh.retry_attempts"),
			RetryIntervalSeconds:    v.GetInt64("oauth.refresh.retry_interval_seconds"),
			ScannerPeriodSeconds:    v.GetInt64("oauth.refresh.scanner_period_seconds"),
		},
		Health: HealthConfig{
			HealthyIntervalSeconds:   v.GetInt64("health.healthy_interval_seconds"),
			UnhealthyIntervalSeconds: v.GetInt64("health.unhealthy_interval_seconds"),
			FailureThreshold:         v.GetInt("health.failure_threshold"),
			SuccessThreshold:         v.GetInt("health.success_threshold"),
		},
		Scheduler: SchedulerConfig{
			DefaultStrategy: v.GetString("scheduler.default_strategy"),
			MaxRetries:      v.GetInt("scheduler.max_retries"),
			BackoffInitial:  time.Duration(v.GetInt64("scheduler.backoff_initial_ms")) * time.Millisecond,
			BackoffCap:      time.Duration(v.GetInt64("scheduler.backoff_cap_ms")) * time.Millisecond,
		},
		Forwarder: ForwarderConfig{
			ConnectTimeout: time.Duration(v.GetInt64("forwarder.connect_timeout_seconds")) * time.Second,
			TotalTimeout:   time.Duration(v.GetInt64("forwarder.total_timeout_seconds")) * time.Second,
		},
		Trace: TraceConfig{
			Enabled:         v.GetBool("trace.enabled"),
			ClickHouseDSN:   v.GetString("trace.clickhouse_dsn"),
			ClickHouseTable: v.GetString("trace.clickhouse_table"),
		},
		Registry: RegistryConfig{CacheTTL: time.Duration(v.GetInt64("registry.cache_ttl_seconds")) * time.Second},
		Pool:     PoolConfig{CacheTTL: time.Duration(v.GetInt64("pool.cache_ttl_seconds")) * time.Second},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if !c.Database.UseInMemory && c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required unless database.use_in_memory=true")
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid cache.backend %q; must be memory or redis", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("config: cache.redis.url is required when cache.backend=redis")
	}

	switch c.Scheduler.DefaultStrategy {
	case "round_robin", "weighted", "health_priority":
	default:
		return fmt.Errorf("config: invalid scheduler.default_strategy %q", c.Scheduler.DefaultStrategy)
	}
	if c.Scheduler.MaxRetries < 1 {
		return fmt.Errorf("config: scheduler.max_retries must be >= 1")
	}
	if c.Health.FailureThreshold < 1 || c.Health.SuccessThreshold < 1 {
		return fmt.Errorf("config: health.failure_threshold and health.success_threshold must be >= 1")
	}
	if c.OAuth.RetryAttempts < 1 {
		return fmt.Errorf("config: oauth.refresh.retry_attempts must be >= 1")
	}
	if c.Trace.Enabled && c.Trace.ClickHouseDSN == "" {
		// Trace writes still proceed via the structured logger fallback; this
		// is not fatal, only noted by the caller at startup.
		return nil
	}
	return nil
}

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
