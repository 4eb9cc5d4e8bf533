package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler

	// TenantReadiness reports per-tenant credential health, gated by a
	// JWT carried in the X-Proxy-Tenant-Id header (see
	// NewTenantReadinessHandler). Nil disables the route entirely — a
	// deployment without management.trust_key configured gets no tenant
	// readiness endpoint rather than one that can never authenticate.
	TenantReadiness RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// The proxy route follows the wire shape "/{vendor_slug}/v1/chat/completions"
// — the vendor slug is always the path's first segment.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/{vendor}/v1/chat/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}
	if mgmt != nil && mgmt.TenantReadiness != nil {
		r.GET("/management/tenants/readiness", mgmt.TenantReadiness)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleHealth is a liveness probe: it reports the process is up, not that
// any vendor is reachable (that's the Health Monitor's concern, observed
// through /metrics instead).
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReadiness reports whether the gateway has the components it needs
// to serve a dispatch request at all.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.auth == nil || g.fwd == nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
