// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_dispatch_attempts_total{vendor,strategy,outcome}
	dispatchAttempts *prometheus.CounterVec

	// proxy_dispatch_attempt_duration_seconds{vendor,strategy,outcome}
	dispatchDuration *prometheus.HistogramVec

	// proxy_dispatch_retries_total{vendor}
	dispatchRetries *prometheus.CounterVec

	// proxy_credential_health_state{vendor,credential} — 0=healthy,1=degraded,2=unhealthy,3=rate_limited
	credentialHealthState *prometheus.GaugeVec

	// proxy_credential_health_transitions_total{vendor,to_state}
	healthTransitions *prometheus.CounterVec

	// proxy_health_probes_total{vendor,outcome}
	healthProbes *prometheus.CounterVec

	// proxy_oauth_refresh_total{result}
	oauthRefreshTotal *prometheus.CounterVec

	// proxy_oauth_refresh_duration_seconds{result}
	oauthRefreshDuration *prometheus.HistogramVec

	// proxy_oauth_sessions_orphaned_total
	oauthOrphansSwept prometheus.Counter

	// proxy_ratelimit_decisions_total{subject_kind,result}
	rateLimitDecisions *prometheus.CounterVec

	// proxy_tokens_total{vendor,direction}
	tokensTotal *prometheus.CounterVec

	// proxy_trace_writes_total{result}
	traceWrites *prometheus.CounterVec

	// proxy_trace_dropped_total
	traceDropped prometheus.Counter

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	mu             sync.Mutex
	lastHealthGauge map[string]float64

	metricsHandler fasthttp.RequestHandler
}

// New builds a Registry with every metric the request dispatch core and its
// surrounding services (Health Monitor, OAuth Refresh Engine, Rate Limit
// Arbiter, Trace Recorder) emit.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:             reg,
		lastHealthGauge: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream forwarding)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_dispatch_attempts_total",
				Help: "Total Forwarder attempts against an upstream vendor, including retries",
			},
			[]string{"vendor", "strategy", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_dispatch_attempt_duration_seconds",
				Help:    "Duration of one Forwarder attempt against an upstream vendor",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"vendor", "strategy", "outcome"},
		),

		dispatchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_dispatch_retries_total",
				Help: "Total retries triggered by a retryable upstream status",
			},
			[]string{"vendor"},
		),

		credentialHealthState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_credential_health_state",
				Help: "Credential health state (0=healthy,1=degraded,2=unhealthy,3=rate_limited)",
			},
			[]string{"vendor", "credential"},
		),

		healthTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_credential_health_transitions_total",
				Help: "Credential health state transitions",
			},
			[]string{"vendor", "to_state"},
		),

		healthProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_health_probes_total",
				Help: "Health Monitor probe outcomes",
			},
			[]string{"vendor", "outcome"},
		),

		oauthRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_oauth_refresh_total",
				Help: "OAuth Refresh Engine refresh attempts by result",
			},
			[]string{"result"},
		),

		oauthRefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_oauth_refresh_duration_seconds",
				Help:    "OAuth refresh call duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		oauthOrphansSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_oauth_sessions_orphaned_total",
			Help: "OAuth sessions deleted by the orphan sweeper",
		}),

		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_ratelimit_decisions_total",
				Help: "Rate Limit Arbiter decisions by subject kind and result",
			},
			[]string{"subject_kind", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"vendor", "direction"},
		),

		traceWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_trace_writes_total",
				Help: "Trace Recorder batch flush outcomes",
			},
			[]string{"result"},
		),

		traceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_trace_dropped_total",
			Help: "Trace records dropped because the recorder's channel was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.dispatchAttempts,
		r.dispatchDuration,
		r.dispatchRetries,
		r.credentialHealthState,
		r.healthTransitions,
		r.healthProbes,
		r.oauthRefreshTotal,
		r.oauthRefreshDuration,
		r.oauthOrphansSwept,
		r.rateLimitDecisions,
		r.tokensTotal,
		r.traceWrites,
		r.traceDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one proxy request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveDispatchAttempt records one Forwarder attempt against a vendor.
func (r *Registry) ObserveDispatchAttempt(vendor, strategy, outcome string, dur time.Duration) {
	r.dispatchAttempts.WithLabelValues(vendor, strategy, outcome).Inc()
	r.dispatchDuration.WithLabelValues(vendor, strategy, outcome).Observe(dur.Seconds())
}

func (r *Registry) IncDispatchRetry(vendor string) {
	r.dispatchRetries.WithLabelValues(vendor).Inc()
}

// healthStateValue maps a HealthState string to the gauge's numeric scale.
func healthStateValue(state string) float64 {
	switch state {
	case "degraded":
		return 1
	case "unhealthy":
		return 2
	case "rate_limited":
		return 3
	default: // healthy
		return 0
	}
}

// SetCredentialHealth sets the per-credential health gauge and increments a
// transition counter when the observed state changed since the last call.
func (r *Registry) SetCredentialHealth(vendor, credential, state string) {
	v := healthStateValue(state)
	r.credentialHealthState.WithLabelValues(vendor, credential).Set(v)

	key := vendor + "/" + credential
	r.mu.Lock()
	prev, ok := r.lastHealthGauge[key]
	if !ok || prev != v {
		r.lastHealthGauge[key] = v
		r.healthTransitions.WithLabelValues(vendor, state).Inc()
	}
	r.mu.Unlock()
}

func (r *Registry) RecordHealthProbe(vendor, outcome string) {
	r.healthProbes.WithLabelValues(vendor, outcome).Inc()
}

func (r *Registry) RecordOAuthRefresh(result string, dur time.Duration) {
	r.oauthRefreshTotal.WithLabelValues(result).Inc()
	r.oauthRefreshDuration.WithLabelValues(result).Observe(dur.Seconds())
}

func (r *Registry) IncOAuthOrphanSwept() { r.oauthOrphansSwept.Inc() }

func (r *Registry) RecordRateLimitDecision(subjectKind, result string) {
	r.rateLimitDecisions.WithLabelValues(subjectKind, result).Inc()
}

func (r *Registry) AddTokens(vendor string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(vendor, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(vendor, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) RecordTraceWrite(result string) {
	r.traceWrites.WithLabelValues(result).Inc()
}

func (r *Registry) AddTraceDropped(n int64) {
	if n > 0 {
		r.traceDropped.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler     { return r.metricsHandler }
func (r *Registry) PromRegistry() *prometheus.Registry   { return r.reg }
