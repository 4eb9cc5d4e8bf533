package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/fasthttp/router"
	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

const testTrustKey = "test-trust-key"

func signTenantToken(t *testing.T, tenantID, key string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: tenantID})
	s, err := tok.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func serveTenantReadiness(t *testing.T, handler fasthttp.RequestHandler) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	r := router.New()
	r.GET("/management/tenants/readiness", handler)

	go func() {
		_ = fasthttp.Serve(ln, r.Handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func TestTenantReadiness_MissingHeader(t *testing.T) {
	repo := store.NewMemoryStore()
	client, closeFn := serveTenantReadiness(t, NewTenantReadinessHandler(repo, testTrustKey))
	defer closeFn()

	resp, err := client.Get("http://proxy/management/tenants/readiness")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestTenantReadiness_InvalidSignature(t *testing.T) {
	repo := store.NewMemoryStore()
	client, closeFn := serveTenantReadiness(t, NewTenantReadinessHandler(repo, testTrustKey))
	defer closeFn()

	req, _ := http.NewRequest(http.MethodGet, "http://proxy/management/tenants/readiness", nil)
	req.Header.Set(tenantHeader, signTenantToken(t, "tenant-1", "wrong-key"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestTenantReadiness_ReportsOnlyRequestedTenant(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.SeedCredential(&models.UpstreamCredential{
		ID: "cred-1", TenantID: "tenant-1", VendorID: "vendor-a", IsActive: true,
		Health: models.CredentialHealth{State: models.HealthHealthy, Score: 100},
	})
	repo.SeedCredential(&models.UpstreamCredential{
		ID: "cred-2", TenantID: "tenant-1", VendorID: "vendor-b", IsActive: false,
		Health: models.CredentialHealth{State: models.HealthUnhealthy, Score: 0},
	})
	repo.SeedCredential(&models.UpstreamCredential{
		ID: "cred-3", TenantID: "tenant-2", VendorID: "vendor-a", IsActive: true,
		Health: models.CredentialHealth{State: models.HealthHealthy, Score: 100},
	})

	client, closeFn := serveTenantReadiness(t, NewTenantReadinessHandler(repo, testTrustKey))
	defer closeFn()

	req, _ := http.NewRequest(http.MethodGet, "http://proxy/management/tenants/readiness", nil)
	req.Header.Set(tenantHeader, signTenantToken(t, "tenant-1", testTrustKey))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		TenantID    string             `json:"tenant_id"`
		Credentials []credentialStatus `json:"credentials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.TenantID != "tenant-1" {
		t.Fatalf("expected tenant-1, got %q", body.TenantID)
	}
	if len(body.Credentials) != 2 {
		t.Fatalf("expected 2 credentials for tenant-1, got %d", len(body.Credentials))
	}
	for _, c := range body.Credentials {
		if c.CredentialID == "cred-3" {
			t.Fatalf("leaked tenant-2's credential into tenant-1's report")
		}
	}
}
