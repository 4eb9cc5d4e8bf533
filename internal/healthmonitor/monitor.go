// Package healthmonitor implements the Health Monitor: a background loop
// that periodically probes every active UpstreamCredential, advances its
// health with the Credential Pool's transition rules (credpool.Tracker) and
// persists it to the store, from which each Pool picks it up on its next
// refresh, independent of request traffic. The interval-per-state, bounded-concurrency, probe-then-classify
// shape follows the teacher's internal/proxy/healthchecker.go, generalized
// from a fixed {providers, cache, db} component set to per-vendor,
// per-credential probing and from a flat 30s interval to the two-speed
// healthy/unhealthy schedule the data model calls for.
package healthmonitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/credpool"
	"github.com/nulpointcorp/llm-proxy/internal/forwarder"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/oauthrefresh"
	"github.com/nulpointcorp/llm-proxy/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-proxy/internal/providers/gemini"
	"github.com/nulpointcorp/llm-proxy/internal/providers/openaicompat"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/internal/vendorregistry"
)

// Config carries health.* configuration.
type Config struct {
	HealthyInterval   time.Duration
	UnhealthyInterval time.Duration
	ProbeTimeout      time.Duration
	Concurrency       int
	SweepInterval     time.Duration // how often the scheduler loop re-scans for due probes
}

func (c Config) healthyInterval() time.Duration {
	if c.HealthyInterval > 0 {
		return c.HealthyInterval
	}
	return 10 * time.Minute
}

func (c Config) unhealthyInterval() time.Duration {
	if c.UnhealthyInterval > 0 {
		return c.UnhealthyInterval
	}
	return 2 * time.Minute
}

func (c Config) probeTimeout() time.Duration {
	if c.ProbeTimeout > 0 {
		return c.ProbeTimeout
	}
	return 30 * time.Second
}

func (c Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 8
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return 30 * time.Second
}

// Monitor is the Health Monitor component.
type Monitor struct {
	registry *vendorregistry.Registry
	repo     store.Repository
	tracker  *credpool.Tracker
	oauth    *oauthrefresh.Engine
	cfg      Config
	log      *slog.Logger

	httpClient *http.Client

	mu        sync.Mutex
	lastProbe map[string]time.Time // credential id -> last attempted probe
}

// New builds a Monitor. poolCfg carries the same failure/success thresholds
// and history size the Credential Pool uses, so a probe-driven transition
// and a request-driven transition apply identical rules.
func New(registry *vendorregistry.Registry, repo store.Repository, poolCfg credpool.Config, oauth *oauthrefresh.Engine, cfg Config, log *slog.Logger) *Monitor {
	return &Monitor{
		registry:   registry,
		repo:       repo,
		tracker:    credpool.NewTracker(poolCfg),
		oauth:      oauth,
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.probeTimeout()},
		lastProbe:  make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, re-scanning for due probes every
// sweepInterval and dispatching them with bounded concurrency. It never
// returns an error: probe failures are logged and folded into
// Credential Pool state, matching the propagation policy that the Health
// Monitor logs and retries rather than terminating the process.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.sweepInterval())
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	vendors := m.registry.All()
	sem := make(chan struct{}, m.cfg.concurrency())
	done := make(chan struct{})
	pending := 0

	for _, vendor := range vendors {
		creds, err := m.repo.ListCredentialsByVendor(ctx, vendor.ID)
		if err != nil {
			if m.log != nil {
				m.log.Warn("healthmonitor: list credentials failed", "vendor", vendor.Slug, "error", err)
			}
			continue
		}
		for _, cred := range creds {
			if !m.due(cred) {
				continue
			}
			vendor, cred := vendor, cred
			pending++
			go func() {
				sem <- struct{}{}
				defer func() { <-sem; done <- struct{}{} }()
				m.probeOne(ctx, vendor, cred)
			}()
		}
	}

	for i := 0; i < pending; i++ {
		<-done
	}
}

// due reports whether a credential's last probe is old enough for its
// current health state's interval to have elapsed.
func (m *Monitor) due(cred *models.UpstreamCredential) bool {
	interval := m.cfg.healthyInterval()
	if cred.Health.State == models.HealthUnhealthy {
		interval = m.cfg.unhealthyInterval()
	}
	m.mu.Lock()
	last, ok := m.lastProbe[cred.ID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return time.Since(last) >= interval
}

// probeOne probes one credential, advances its health via the shared
// Tracker, and persists the result. A probe never mutates the Credential
// Pool's in-memory copy directly — the next pool refresh picks up the
// persisted state from the store, same as any other out-of-band health
// write, per credpool.Manager.Get's carry-forward-by-ID behavior.
func (m *Monitor) probeOne(ctx context.Context, vendor *models.Vendor, cred *models.UpstreamCredential) {
	m.mu.Lock()
	m.lastProbe[cred.ID] = time.Now()
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.probeTimeout())
	defer cancel()

	outcome, errClass := m.probe(probeCtx, vendor, cred)
	if m.log != nil && outcome != models.OutcomeSuccess {
		m.log.Info("healthmonitor: probe failed", "vendor", vendor.Slug, "credential_id", cred.ID, "error_class", errClass)
	}

	var retryAfter time.Time
	if outcome == models.OutcomeRateLimited {
		retryAfter = time.Now().UTC().Add(60 * time.Second)
	}

	health := cred.Health
	m.tracker.Apply(cred.ID, &health, outcome, retryAfter)

	if err := m.repo.UpdateCredentialHealth(ctx, cred.ID, health); err != nil && m.log != nil {
		m.log.Warn("healthmonitor: persist credential health failed", "credential_id", cred.ID, "error", err)
	}
}

// probe dispatches to the vendor's api_format-specific probe client, or the
// generic HTTP prober for anything else. Only the three first-class
// api_formats get an SDK-backed probe; every other declared api_format,
// custom included, has no data-model field to carry a vendor-specific probe
// client so it always takes the generic path.
func (m *Monitor) probe(ctx context.Context, vendor *models.Vendor, cred *models.UpstreamCredential) (models.Outcome, models.ErrorClass) {
	secret, err := m.resolveSecret(ctx, cred)
	if err != nil {
		return models.OutcomeAuthFail, models.ErrorClassInvalidKey
	}

	switch vendor.APIFormat {
	case models.APIFormatAnthropic:
		return m.probeAnthropic(ctx, vendor, secret)
	case models.APIFormatOpenAI:
		return m.probeOpenAI(ctx, vendor, secret)
	case models.APIFormatGemini:
		return m.probeGemini(ctx, vendor, secret)
	default:
		return m.probeGeneric(ctx, vendor, secret)
	}
}

func (m *Monitor) resolveSecret(ctx context.Context, cred *models.UpstreamCredential) (string, error) {
	if cred.AuthMode == models.AuthModeOAuth {
		if m.oauth == nil {
			return "", oauthrefresh.ErrUnavailable
		}
		return m.oauth.AccessToken(ctx, cred)
	}
	return cred.SecretMaterial, nil
}

func (m *Monitor) probeAnthropic(ctx context.Context, vendor *models.Vendor, secret string) (models.Outcome, models.ErrorClass) {
	opts := []anthropic.Option{}
	if vendor.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(vendor.BaseURL))
	}
	p := anthropic.New(secret, opts...)
	if err := p.HealthCheck(ctx); err != nil {
		return classifyProbeError(err)
	}
	return models.OutcomeSuccess, ""
}

func (m *Monitor) probeOpenAI(ctx context.Context, vendor *models.Vendor, secret string) (models.Outcome, models.ErrorClass) {
	p := openaicompat.New(vendor.Slug, secret, vendor.BaseURL)
	if err := p.HealthCheck(ctx); err != nil {
		return classifyProbeError(err)
	}
	return models.OutcomeSuccess, ""
}

func (m *Monitor) probeGemini(ctx context.Context, vendor *models.Vendor, secret string) (models.Outcome, models.ErrorClass) {
	opts := []gemini.Option{}
	if vendor.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(vendor.BaseURL))
	}
	p := gemini.New(ctx, secret, opts...)
	if err := p.HealthCheck(ctx); err != nil {
		return classifyProbeError(err)
	}
	return models.OutcomeSuccess, ""
}

// probeGeneric issues a bare GET against vendor.HealthProbePath with the
// vendor's own auth template applied — the shape every vendor without an
// official SDK client shares, custom api_format included.
func (m *Monitor) probeGeneric(ctx context.Context, vendor *models.Vendor, secret string) (models.Outcome, models.ErrorClass) {
	path := vendor.HealthProbePath
	if path == "" {
		path = "/models"
	}
	url := trimRightSlash(vendor.BaseURL) + path

	headerName, headerValue, queryParam := forwarder.ApplyAuthTemplate(vendor.AuthHeaderTemplate, secret)
	if queryParam != "" {
		sep := "?"
		if containsQuery(url) {
			sep = "&"
		}
		url = url + sep + queryParam + "=" + secret
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.OutcomeTransientFail, models.ErrorClassUnknown
	}
	if headerName != "" {
		req.Header.Set(headerName, headerValue)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return models.OutcomeTransientFail, models.ErrorClassNetwork
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.OutcomeSuccess, ""
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.OutcomeRateLimited, models.ErrorClassQuotaExceeded
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.OutcomeAuthFail, models.ErrorClassInvalidKey
	case resp.StatusCode >= 500:
		return models.OutcomeTransientFail, models.ErrorClassServer
	default:
		return models.OutcomeTransientFail, models.ErrorClassUnknown
	}
}

// statusCoder matches the teacher's providers.StatusCoder convention that
// each SDK provider's ProviderError type implements.
type statusCoder interface{ HTTPStatus() int }

// classifyProbeError maps an SDK provider error (wrapped via %w the same
// way each provider's HealthCheck returns it) to an Outcome/ErrorClass
// pair, unwrapping with errors.As to reach the underlying ProviderError.
func classifyProbeError(err error) (models.Outcome, models.ErrorClass) {
	var sc statusCoder
	if !errors.As(err, &sc) {
		return models.OutcomeTransientFail, models.ErrorClassNetwork
	}
	switch status := sc.HTTPStatus(); {
	case status == http.StatusTooManyRequests:
		return models.OutcomeRateLimited, models.ErrorClassQuotaExceeded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.OutcomeAuthFail, models.ErrorClassInvalidKey
	case status >= 500:
		return models.OutcomeTransientFail, models.ErrorClassServer
	default:
		return models.OutcomeTransientFail, models.ErrorClassUnknown
	}
}

func trimRightSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func containsQuery(url string) bool {
	for i := 0; i < len(url); i++ {
		if url[i] == '?' {
			return true
		}
	}
	return false
}
