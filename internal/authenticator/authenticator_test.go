package authenticator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/internal/vendorregistry"
)

func headerMap(m map[string]string) HeaderGetter {
	return func(name string) string { return m[name] }
}

func queryMap(m map[string]string) func(string) string {
	return func(name string) string { return m[name] }
}

func buildAuthenticator(t *testing.T, vendor *models.Vendor, key *models.ServiceKey) *Authenticator {
	t.Helper()
	repo := store.NewMemoryStore()
	repo.SeedVendor(vendor)
	if key != nil {
		repo.SeedServiceKey(key)
	}
	registry := vendorregistry.New(repo, time.Minute)
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh registry: %v", err)
	}
	return New(registry, repo)
}

func TestAuthenticate_Success_BearerHeader(t *testing.T) {
	vendor := &models.Vendor{ID: "v1", Slug: "openai", AuthHeaderTemplate: "Authorization: Bearer {key}", Active: true}
	key := &models.ServiceKey{ID: "sk1", VendorID: "v1", Secret: "secret-123", Active: true}
	auth := buildAuthenticator(t, vendor, key)

	result, err := auth.Authenticate(context.Background(), "openai",
		headerMap(map[string]string{"Authorization": "Bearer secret-123"}), nil)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if result.ServiceKey.ID != "sk1" || result.Vendor.ID != "v1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAuthenticate_Success_QueryParam(t *testing.T) {
	vendor := &models.Vendor{ID: "v2", Slug: "gemini", AuthHeaderTemplate: "query:key={key}", Active: true}
	key := &models.ServiceKey{ID: "sk2", VendorID: "v2", Secret: "gkey-456", Active: true}
	auth := buildAuthenticator(t, vendor, key)

	result, err := auth.Authenticate(context.Background(), "gemini",
		nil, queryMap(map[string]string{"key": "gkey-456"}))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if result.ServiceKey.ID != "sk2" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAuthenticate_UnknownVendor(t *testing.T) {
	vendor := &models.Vendor{ID: "v1", Slug: "openai", AuthHeaderTemplate: "Authorization: Bearer {key}", Active: true}
	auth := buildAuthenticator(t, vendor, nil)

	_, err := auth.Authenticate(context.Background(), "not-a-vendor", headerMap(nil), nil)
	if !errors.Is(err, ErrUnknownVendor) {
		t.Fatalf("expected ErrUnknownVendor, got %v", err)
	}
}

func TestAuthenticate_InactiveVendor(t *testing.T) {
	vendor := &models.Vendor{ID: "v1", Slug: "openai", AuthHeaderTemplate: "Authorization: Bearer {key}", Active: false}
	auth := buildAuthenticator(t, vendor, nil)

	_, err := auth.Authenticate(context.Background(), "openai", headerMap(nil), nil)
	if !errors.Is(err, ErrUnknownVendor) {
		t.Fatalf("expected ErrUnknownVendor for inactive vendor, got %v", err)
	}
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	vendor := &models.Vendor{ID: "v1", Slug: "openai", AuthHeaderTemplate: "Authorization: Bearer {key}", Active: true}
	auth := buildAuthenticator(t, vendor, nil)

	_, err := auth.Authenticate(context.Background(), "openai", headerMap(nil), nil)
	if !errors.Is(err, ErrAuthMisconfigured) {
		t.Fatalf("expected ErrAuthMisconfigured, got %v", err)
	}
}

func TestAuthenticate_UnknownSecret(t *testing.T) {
	vendor := &models.Vendor{ID: "v1", Slug: "openai", AuthHeaderTemplate: "Authorization: Bearer {key}", Active: true}
	key := &models.ServiceKey{ID: "sk1", VendorID: "v1", Secret: "secret-123", Active: true}
	auth := buildAuthenticator(t, vendor, key)

	_, err := auth.Authenticate(context.Background(), "openai",
		headerMap(map[string]string{"Authorization": "Bearer wrong-secret"}), nil)
	if !errors.Is(err, ErrInvalidServiceKey) {
		t.Fatalf("expected ErrInvalidServiceKey, got %v", err)
	}
}

func TestAuthenticate_InactiveServiceKey(t *testing.T) {
	vendor := &models.Vendor{ID: "v1", Slug: "openai", AuthHeaderTemplate: "Authorization: Bearer {key}", Active: true}
	key := &models.ServiceKey{ID: "sk1", VendorID: "v1", Secret: "secret-123", Active: false}
	auth := buildAuthenticator(t, vendor, key)

	_, err := auth.Authenticate(context.Background(), "openai",
		headerMap(map[string]string{"Authorization": "Bearer secret-123"}), nil)
	if !errors.Is(err, ErrInvalidServiceKey) {
		t.Fatalf("expected ErrInvalidServiceKey for inactive key, got %v", err)
	}
}

func TestExtractSecret_HeaderTemplate(t *testing.T) {
	secret, err := ExtractSecret("X-goog-api-key: {key}",
		headerMap(map[string]string{"X-goog-api-key": "abc123"}), nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if secret != "abc123" {
		t.Fatalf("expected abc123, got %q", secret)
	}
}

func TestExtractSecret_HeaderTemplateWithPrefixAndSuffix(t *testing.T) {
	secret, err := ExtractSecret("X-Api: tok-{key}-end",
		headerMap(map[string]string{"X-Api": "tok-mid-end"}), nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if secret != "mid" {
		t.Fatalf("expected mid, got %q", secret)
	}
}

func TestExtractSecret_QueryTemplate(t *testing.T) {
	secret, err := ExtractSecret("query:key={key}", nil, queryMap(map[string]string{"key": "q-secret"}))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if secret != "q-secret" {
		t.Fatalf("expected q-secret, got %q", secret)
	}
}

func TestExtractSecret_MalformedTemplate(t *testing.T) {
	_, err := ExtractSecret("no-colon-here", headerMap(nil), nil)
	if err == nil {
		t.Fatalf("expected an error for a malformed template")
	}
}

func TestExtractSecret_MissingHeaderValue(t *testing.T) {
	_, err := ExtractSecret("Authorization: Bearer {key}", headerMap(nil), nil)
	if err == nil {
		t.Fatalf("expected an error for a missing header")
	}
}
