package healthmonitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/credpool"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/internal/vendorregistry"
)

func newFixture(t *testing.T, srv *httptest.Server) (*Monitor, *store.MemoryStore, *models.Vendor, *models.UpstreamCredential) {
	t.Helper()
	mem := store.NewMemoryStore()

	vendor := &models.Vendor{
		ID:                 store.NewID(),
		Slug:               "mock",
		BaseURL:            srv.URL,
		APIFormat:          models.APIFormatCustom,
		AuthHeaderTemplate: "Authorization: Bearer {key}",
		HealthProbePath:    "/health",
		Active:             true,
	}
	mem.SeedVendor(vendor)

	cred := &models.UpstreamCredential{
		ID:             store.NewID(),
		VendorID:       vendor.ID,
		AuthMode:       models.AuthModeStaticKey,
		SecretMaterial: "sk-test",
		Weight:         1,
		IsActive:       true,
		Health:         models.CredentialHealth{State: models.HealthHealthy},
	}
	mem.SeedCredential(cred)

	registry := vendorregistry.New(mem, time.Minute)
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh registry: %v", err)
	}

	mon := New(registry, mem, credpool.Config{}, nil, Config{ProbeTimeout: time.Second}, nil)
	return mon, mem, vendor, cred
}

func TestProbeGenericSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing auth header, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mon, _, vendor, _ := newFixture(t, srv)
	outcome, _ := mon.probeGeneric(context.Background(), vendor, "sk-test")
	if outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %v", outcome)
	}
}

func TestProbeGenericRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	mon, _, vendor, _ := newFixture(t, srv)
	outcome, class := mon.probeGeneric(context.Background(), vendor, "sk-test")
	if outcome != models.OutcomeRateLimited || class != models.ErrorClassQuotaExceeded {
		t.Fatalf("expected rate_limited/quota_exceeded, got %v/%v", outcome, class)
	}
}

func TestProbeGenericAuthFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	mon, _, vendor, _ := newFixture(t, srv)
	outcome, class := mon.probeGeneric(context.Background(), vendor, "sk-test")
	if outcome != models.OutcomeAuthFail || class != models.ErrorClassInvalidKey {
		t.Fatalf("expected auth_fail/invalid_key, got %v/%v", outcome, class)
	}
}

func TestProbeGenericServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mon, _, vendor, _ := newFixture(t, srv)
	outcome, class := mon.probeGeneric(context.Background(), vendor, "sk-test")
	if outcome != models.OutcomeTransientFail || class != models.ErrorClassServer {
		t.Fatalf("expected transient_fail/server_error, got %v/%v", outcome, class)
	}
}

func TestSweepPersistsHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mon, mem, _, cred := newFixture(t, srv)
	mon.sweep(context.Background())

	creds, err := mem.ListCredentialsByVendor(context.Background(), cred.VendorID)
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(creds))
	}
	if creds[0].Health.State != models.HealthDegraded {
		t.Fatalf("expected degraded after one transient failure, got %v", creds[0].Health.State)
	}
	if creds[0].Health.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", creds[0].Health.ConsecutiveFailures)
	}
}

func TestDueIntervalByState(t *testing.T) {
	mon := &Monitor{cfg: Config{HealthyInterval: time.Hour, UnhealthyInterval: time.Millisecond}, lastProbe: make(map[string]time.Time)}

	healthyCred := &models.UpstreamCredential{ID: "c1", Health: models.CredentialHealth{State: models.HealthHealthy}}
	if !mon.due(healthyCred) {
		t.Fatal("expected first probe to always be due")
	}
	mon.lastProbe["c1"] = time.Now()
	if mon.due(healthyCred) {
		t.Fatal("expected healthy credential to not be due within the healthy interval")
	}

	unhealthyCred := &models.UpstreamCredential{ID: "c2", Health: models.CredentialHealth{State: models.HealthUnhealthy}}
	mon.lastProbe["c2"] = time.Now().Add(-2 * time.Millisecond)
	if !mon.due(unhealthyCred) {
		t.Fatal("expected unhealthy credential past its short interval to be due")
	}
}

func TestClassifyProbeErrorUnwrapsStatusCoder(t *testing.T) {
	err := &wrappedStatusError{status: 429}
	outcome, class := classifyProbeError(err)
	if outcome != models.OutcomeRateLimited || class != models.ErrorClassQuotaExceeded {
		t.Fatalf("expected rate_limited/quota_exceeded, got %v/%v", outcome, class)
	}

	if _, class := classifyProbeError(errors.New("plain network error")); class != models.ErrorClassNetwork {
		t.Fatalf("expected network_error for a plain error, got %v", class)
	}
}

type wrappedStatusError struct{ status int }

func (e *wrappedStatusError) Error() string   { return "boom" }
func (e *wrappedStatusError) HTTPStatus() int { return e.status }
