package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/credpool"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-proxy/internal/scheduler"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/internal/transform"
)

func newFixture(t *testing.T, srv *httptest.Server) (*Forwarder, *models.Vendor, *models.ServiceKey) {
	t.Helper()
	mem := store.NewMemoryStore()

	vendor := &models.Vendor{
		ID:                 store.NewID(),
		Slug:               "mock",
		BaseURL:            srv.URL,
		APIFormat:          models.APIFormatOpenAI,
		AuthHeaderTemplate: "Authorization: Bearer {key}",
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

	// A second credential gives the retry loop an untried member to move to.
	spare := *cred
	spare.ID = store.NewID()
	mem.SeedCredential(&spare)

	key := &models.ServiceKey{
		ID:                 store.NewID(),
		Secret:             "proxy-secret",
		VendorID:           vendor.ID,
		PoolMemberIDs:      []string{cred.ID, spare.ID},
		SchedulingStrategy: models.StrategyRoundRobin,
		Active:             true,
	}
	mem.SeedServiceKey(key)

	pools := credpool.NewManager(mem, credpool.Config{}, time.Millisecond)
	arbiter := ratelimit.New(mem, nil)
	retry := scheduler.RetryPolicy{MaxRetries: 3, BackoffInitial: time.Millisecond, BackoffCap: 10 * time.Millisecond}

	fwd := New(Config{}, pools, arbiter, nil, mem, retry, nil)
	return fwd, vendor, key
}

func TestDispatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing auth header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transform.Response{
			ID:     "cmpl-1",
			Object: "chat.completion",
			Model:  "gpt-4o",
			Choices: []transform.Choice{{
				Index:   0,
				Message: &transform.Message{Role: "assistant", Content: "hi"},
			}},
			Usage: transform.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		})
	}))
	defer srv.Close()

	fwd, vendor, key := newFixture(t, srv)
	resp, err := fwd.Dispatch(context.Background(), vendor, key, transform.Request{
		Model:    "gpt-4o",
		Messages: []transform.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Usage.TotalTokens != 2 {
		t.Fatalf("expected usage propagated, got %+v", resp.Usage)
	}
}

func TestDispatchRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"boom"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transform.Response{Object: "chat.completion", Choices: []transform.Choice{{Message: &transform.Message{Role: "assistant", Content: "ok"}}}})
	}))
	defer srv.Close()

	fwd, vendor, key := newFixture(t, srv)
	resp, err := fwd.Dispatch(context.Background(), vendor, key, transform.Request{
		Model:    "gpt-4o",
		Messages: []transform.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (1 retry), got %d", calls)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
}

func TestDispatchTerminalOn400(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad model"}`))
	}))
	defer srv.Close()

	fwd, vendor, key := newFixture(t, srv)
	_, err := fwd.Dispatch(context.Background(), vendor, key, transform.Request{
		Model:    "gpt-4o",
		Messages: []transform.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call (400 is not retryable), got %d", calls)
	}
	var upErr *UpstreamError
	if uerr, ok := err.(*UpstreamError); ok {
		upErr = uerr
	}
	if upErr == nil || upErr.HTTPStatus() != http.StatusBadRequest {
		t.Fatalf("expected *UpstreamError with status 400, got %v", err)
	}
}

func TestApplyAuthTemplateHeader(t *testing.T) {
	name, value, query := ApplyAuthTemplate("Authorization: Bearer {key}", "sk-abc")
	if name != "Authorization" || value != "Bearer sk-abc" || query != "" {
		t.Fatalf("unexpected: name=%q value=%q query=%q", name, value, query)
	}
}

func TestApplyAuthTemplateQuery(t *testing.T) {
	name, value, query := ApplyAuthTemplate("query:key={key}", "sk-abc")
	if name != "" || value != "" || query != "key" {
		t.Fatalf("unexpected: name=%q value=%q query=%q", name, value, query)
	}
}
