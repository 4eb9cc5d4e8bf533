// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra      — external connections (Postgres or in-memory store, Redis when configured)
//  2. initStore      — Credential Store repository
//  3. initRegistry   — Vendor Registry refresh + background Start
//  4. initCore       — Credential Pool, OAuth Refresh Engine, Rate Limit Arbiter,
//     Authenticator, Forwarder, Health Monitor, Trace Recorder, metrics
//  5. initManagement — management-plane-facing routes (metrics)
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-proxy/internal/authenticator"
	"github.com/nulpointcorp/llm-proxy/internal/config"
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

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	pgPool *pgxpool.Pool
	rdb    *redis.Client

	repo     store.Repository
	registry *vendorregistry.Registry
	pools    *credpool.Manager
	oauth    *oauthrefresh.Engine
	arbiter  *ratelimit.Arbiter
	auth     *authenticator.Authenticator
	fwd      *forwarder.Forwarder
	monitor  *healthmonitor.Monitor
	rec      *trace.Recorder
	prom     *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"store", a.initStore},
		{"registry", a.initRegistry},
		{"core", a.initCore},
		{"management", a.initManagement},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the proxy listener and every background subsystem
// concurrently via errgroup, tearing all of them down together on first
// error or context cancellation.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("proxy_bind", a.cfg.Proxy.Bind),
		slog.String("management_bind", a.cfg.Management.Bind),
		slog.Int("vendors", a.registry.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(a.cfg.Proxy.Bind, a.mgmt)
	})

	g.Go(func() error {
		a.monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.runOAuthScanner(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// runOAuthScanner periodically refreshes expiring OAuth sessions and sweeps
// orphaned ones, per §4.5's background scanner + orphan sweeper contract.
func (a *App) runOAuthScanner(ctx context.Context) {
	scanInterval := time.Duration(a.cfg.OAuth.ScannerPeriodSeconds) * time.Second
	if scanInterval <= 0 {
		scanInterval = 60 * time.Second
	}
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	const orphanGraceSeconds = 600 // 10 min, per §4.5

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshed, failed := a.oauth.ScanOnce(ctx)
			if refreshed > 0 || failed > 0 {
				a.log.Info("oauth scanner pass", slog.Int("refreshed", refreshed), slog.Int("failed", failed))
			}
			deleted := a.oauth.SweepOrphans(ctx, orphanGraceSeconds)
			if deleted > 0 {
				a.log.Info("oauth orphan sweep", slog.Int("deleted", deleted))
				if a.prom != nil {
					for i := 0; i < deleted; i++ {
						a.prom.IncOAuthOrphanSwept()
					}
				}
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronised.
func (a *App) Close() {
	if a.rec != nil {
		if err := a.rec.Close(); err != nil {
			a.log.Error("trace recorder close error", slog.String("error", err.Error()))
		}
		a.rec = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.pgPool != nil {
		a.pgPool.Close()
		a.pgPool = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
