package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsWithInMemoryDatabase(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.Proxy.Bind != "0.0.0.0:8080" {
		t.Fatalf("expected default proxy bind, got %q", cfg.Proxy.Bind)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("expected default cache backend memory, got %q", cfg.Cache.Backend)
	}
	if cfg.Scheduler.DefaultStrategy != "round_robin" {
		t.Fatalf("expected default scheduler strategy round_robin, got %q", cfg.Scheduler.DefaultStrategy)
	}
	if cfg.Scheduler.BackoffInitial != 100*time.Millisecond {
		t.Fatalf("expected 100ms default backoff, got %v", cfg.Scheduler.BackoffInitial)
	}
	if cfg.Forwarder.ConnectTimeout != 10*time.Second {
		t.Fatalf("expected 10s default connect timeout, got %v", cfg.Forwarder.ConnectTimeout)
	}
	if !cfg.Database.UseInMemory {
		t.Fatalf("expected UseInMemory to be honored from env")
	}
}

func TestLoad_MissingDatabaseURLFailsValidation(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "false")
	t.Setenv("PROXY_DATABASE_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error when database.url is empty and use_in_memory is false")
	}
}

func TestLoad_DatabaseURLSatisfiesValidation(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "false")
	t.Setenv("PROXY_DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/test" {
		t.Fatalf("expected database URL to be read from env, got %q", cfg.Database.URL)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "true")
	t.Setenv("PROXY_LOG_LEVEL", "verbose")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error for an invalid log_level")
	}
}

func TestLoad_RedisBackendRequiresURL(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "true")
	t.Setenv("PROXY_CACHE_BACKEND", "redis")
	t.Setenv("PROXY_CACHE_REDIS_URL", "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error when cache.backend=redis with no redis URL")
	}
}

func TestLoad_RedisBackendWithURL(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "true")
	t.Setenv("PROXY_CACHE_BACKEND", "redis")
	t.Setenv("PROXY_CACHE_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("expected redis URL to be read from env, got %q", cfg.Cache.RedisURL)
	}
}

func TestLoad_InvalidSchedulerStrategy(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "true")
	t.Setenv("PROXY_SCHEDULER_DEFAULT_STRATEGY", "random")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error for an invalid scheduler.default_strategy")
	}
}

func TestLoad_MaxRetriesMustBePositive(t *testing.T) {
	t.Setenv("PROXY_DATABASE_USE_IN_MEMORY", "true")
	t.Setenv("PROXY_SCHEDULER_MAX_RETRIES", "0")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected an error when scheduler.max_retries is 0")
	}
}
