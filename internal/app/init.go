package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/authenticator"
	"github.com/nulpointcorp/llm-proxy/internal/credpool"
	"github.com/nulpointcorp/llm-proxy/internal/forwarder"
	"github.com/nulpointcorp/llm-proxy/internal/healthmonitor"
	"github.com/nulpointcorp/llm-proxy/internal/metrics"
	"github.com/nulpointcorp/llm-proxy/internal/oauthrefresh"
	"github.com/nulpointcorp/llm-proxy/internal/proxy"
	"github.com/nulpointcorp/llm-proxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-proxy/internal/scheduler"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/internal/trace"
	"github.com/nulpointcorp/llm-proxy/internal/vendorregistry"
)

// initInfra establishes the external connections every other step depends
// on: the Credential Store backing (Postgres or in-memory) and, when
// configured, Redis for the Rate Limit Arbiter's shared counters.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Database.UseInMemory {
		a.repo = store.NewMemoryStore()
	} else {
		pool, err := store.Connect(ctx, a.cfg.Database.URL, int32(a.cfg.Database.MaxConns))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.pgPool = pool
		a.repo = store.NewPostgresStore(pool)
	}

	if a.cfg.Cache.Backend == "redis" {
		rdb, err := connectRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.rdb = rdb
	}

	return nil
}

// initStore is a no-op placeholder in the startup order — the repository
// itself is built in initInfra since it is inseparable from which backend
// it connects to. Kept as its own named step so the bootstrap log and the
// documented startup order line up one-to-one with what actually runs.
func (a *App) initStore(ctx context.Context) error {
	if a.repo == nil {
		return fmt.Errorf("store: repository not initialised")
	}
	return nil
}

// initRegistry populates the Vendor Registry synchronously so the first
// request the proxy serves already has a populated slug/ID index, then
// leaves its background refresh ticker running for the life of the process.
func (a *App) initRegistry(ctx context.Context) error {
	ttl := a.cfg.Registry.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	a.registry = vendorregistry.New(a.repo, ttl)
	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("start vendor registry: %w", err)
	}
	return nil
}

// initCore builds the request-dispatch core: Credential Pool, OAuth Refresh
// Engine, Rate Limit Arbiter, Authenticator, Forwarder, Health Monitor,
// Trace Recorder, and the metrics registry they all report to.
func (a *App) initCore(ctx context.Context) error {
	poolCfg := credpool.Config{
		FailureThreshold: a.cfg.Health.FailureThreshold,
		SuccessThreshold: a.cfg.Health.SuccessThreshold,
	}
	a.pools = credpool.NewManager(a.repo, poolCfg, a.cfg.Pool.CacheTTL)

	exchanger := oauthrefresh.NewHTTPExchanger(&http.Client{Timeout: 30 * time.Second})
	a.oauth = oauthrefresh.New(a.repo, exchanger, oauthrefresh.Policy{
		RefreshThreshold: time.Duration(a.cfg.OAuth.RefreshThresholdSeconds) * time.Second,
		RetryAttempts:    a.cfg.OAuth.RetryAttempts,
		RetryInterval:    time.Duration(a.cfg.OAuth.RetryIntervalSeconds) * time.Second,
		CallTimeout:      30 * time.Second,
	}, a.log)

	a.arbiter = ratelimit.New(a.repo, a.rdb)
	a.auth = authenticator.New(a.registry, a.repo)

	retry := scheduler.RetryPolicy{
		MaxRetries:     a.cfg.Scheduler.MaxRetries,
		BackoffInitial: a.cfg.Scheduler.BackoffInitial,
		BackoffCap:     a.cfg.Scheduler.BackoffCap,
	}
	a.fwd = forwarder.New(forwarder.Config{
		ConnectTimeout: a.cfg.Forwarder.ConnectTimeout,
		TotalTimeout:   a.cfg.Forwarder.TotalTimeout,
	}, a.pools, a.arbiter, a.oauth, a.repo, retry, a.log)

	a.monitor = healthmonitor.New(a.registry, a.repo, poolCfg, a.oauth, healthmonitor.Config{
		HealthyInterval:   time.Duration(a.cfg.Health.HealthyIntervalSeconds) * time.Second,
		UnhealthyInterval: time.Duration(a.cfg.Health.UnhealthyIntervalSeconds) * time.Second,
	}, a.log)

	if a.cfg.Trace.Enabled {
		a.rec = trace.New(ctx, a.cfg.Trace.ClickHouseDSN, a.cfg.Trace.ClickHouseTable, a.log)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initManagement builds the management-plane-facing routes and the
// Gateway itself, the last step since it depends on every component above.
func (a *App) initManagement(ctx context.Context) error {
	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	if a.cfg.Management.TrustKey != "" {
		a.mgmt.TenantReadiness = proxy.NewTenantReadinessHandler(a.repo, a.cfg.Management.TrustKey)
	} else {
		a.log.Warn("app: management.trust_key not configured, tenant readiness endpoint disabled")
	}
	a.gw = proxy.New(a.auth, a.arbiter, a.fwd, a.rec, a.prom, a.log)
	return nil
}
