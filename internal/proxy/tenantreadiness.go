package proxy

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// tenantHeader carries a management-plane-minted JWT identifying the
// tenant a per-tenant readiness request is asking about. It is never read
// on the vendor-proxy hot path, which authenticates via the service-key
// flow instead (see authenticator.Authenticator).
const tenantHeader = "X-Proxy-Tenant-Id"

type tenantClaims struct {
	jwt.RegisteredClaims
}

// credentialStatus is one UpstreamCredential's health as reported by the
// per-tenant readiness endpoint.
type credentialStatus struct {
	CredentialID string `json:"credential_id"`
	VendorID     string `json:"vendor_id"`
	State        string `json:"health_state"`
	Active       bool   `json:"active"`
	Score        int    `json:"score"`
}

// NewTenantReadinessHandler builds the management-facing handler for
// GET /management/tenants/readiness. It trusts the X-Proxy-Tenant-Id
// header's JWT (signed with trustKey, HS256/HS384/HS512 only) rather than
// any service-key material, since the caller here is the management plane
// itself, not a tenant's own client.
func NewTenantReadinessHandler(repo store.Repository, trustKey string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw := string(ctx.Request.Header.Peek(tenantHeader))
		if raw == "" {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			writeJSON(ctx, map[string]string{"error": "missing " + tenantHeader})
			return
		}

		tenantID, err := parseTenantID(raw, trustKey)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			writeJSON(ctx, map[string]string{"error": "invalid tenant token: " + err.Error()})
			return
		}

		creds, err := repo.ListCredentialsByTenant(ctx, tenantID)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			writeJSON(ctx, map[string]string{"error": "lookup failed"})
			return
		}

		out := make([]credentialStatus, 0, len(creds))
		for _, c := range creds {
			out = append(out, credentialStatus{
				CredentialID: c.ID,
				VendorID:     c.VendorID,
				State:        string(c.Health.State),
				Active:       c.IsActive,
				Score:        c.Health.Score,
			})
		}

		writeJSON(ctx, map[string]any{
			"tenant_id":   tenantID,
			"credentials": out,
		})
	}
}

// parseTenantID validates raw as a JWT signed with trustKey and returns
// its sub claim, the tenant ID the management plane vouched for.
func parseTenantID(raw, trustKey string) (string, error) {
	claims := &tenantClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(trustKey), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}
