package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/credpool"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

func buildPool(t *testing.T, creds ...*models.UpstreamCredential) *credpool.Pool {
	t.Helper()
	repo := store.NewMemoryStore()

	ids := make([]string, 0, len(creds))
	for _, c := range creds {
		repo.SeedCredential(c)
		ids = append(ids, c.ID)
	}
	repo.SeedServiceKey(&models.ServiceKey{ID: "svc-1", PoolMemberIDs: ids, Active: true})

	mgr := credpool.NewManager(repo, credpool.Config{}, time.Minute)
	pool, err := mgr.Get(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	return pool
}

func healthyCred(id string, weight int) *models.UpstreamCredential {
	return &models.UpstreamCredential{
		ID:       id,
		IsActive: true,
		Weight:   weight,
		Health:   models.CredentialHealth{State: models.HealthHealthy, Score: 50},
	}
}

func TestPick_RoundRobin_RotatesAcrossCalls(t *testing.T) {
	pool := buildPool(t, healthyCred("a", 1), healthyCred("b", 1), healthyCred("c", 1))
	snapshot := pool.Snapshot()

	seen := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		cred, err := Pick(pool, snapshot, models.StrategyRoundRobin, nil, nil)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		seen = append(seen, cred.ID)
	}
	if seen[0] == seen[1] && seen[1] == seen[2] {
		t.Fatalf("expected rotation, got the same credential every time: %v", seen)
	}
}

func TestPick_ExcludesAlreadyTried(t *testing.T) {
	pool := buildPool(t, healthyCred("a", 1), healthyCred("b", 1))
	snapshot := pool.Snapshot()

	exclude := map[string]bool{"a": true}
	for i := 0; i < 5; i++ {
		cred, err := Pick(pool, snapshot, models.StrategyRoundRobin, exclude, nil)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if cred.ID == "a" {
			t.Fatalf("excluded credential was picked")
		}
	}
}

func TestPick_NoEligibleCredential(t *testing.T) {
	pool := buildPool(t)
	snapshot := pool.Snapshot()

	_, err := Pick(pool, snapshot, models.StrategyRoundRobin, nil, nil)
	if err != ErrNoEligibleCredential {
		t.Fatalf("expected ErrNoEligibleCredential, got %v", err)
	}
}

func TestPick_QuotaCheckerExcludesCredential(t *testing.T) {
	pool := buildPool(t, healthyCred("a", 1), healthyCred("b", 1))
	snapshot := pool.Snapshot()

	quotaOK := func(credID string, q models.Quotas) bool { return credID != "a" }
	for i := 0; i < 5; i++ {
		cred, err := Pick(pool, snapshot, models.StrategyRoundRobin, nil, quotaOK)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if cred.ID == "a" {
			t.Fatalf("quota-exhausted credential was picked")
		}
	}
}

func TestPick_HealthPriority_PrefersHigherScore(t *testing.T) {
	low := healthyCred("low", 1)
	low.Health.Score = 10
	high := healthyCred("high", 1)
	high.Health.Score = 90

	pool := buildPool(t, low, high)
	snapshot := pool.Snapshot()

	cred, err := Pick(pool, snapshot, models.StrategyHealthPriority, nil, nil)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if cred.ID != "high" {
		t.Fatalf("expected high-score credential, got %s", cred.ID)
	}
}

func TestPick_Weighted_NeverPicksZeroEligible(t *testing.T) {
	pool := buildPool(t, healthyCred("a", 5), healthyCred("b", 1))
	snapshot := pool.Snapshot()

	for i := 0; i < 20; i++ {
		cred, err := Pick(pool, snapshot, models.StrategyWeighted, nil, nil)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if cred.ID != "a" && cred.ID != "b" {
			t.Fatalf("unexpected credential picked: %s", cred.ID)
		}
	}
}

func TestRetryPolicy_Backoff_DoublesAndCaps(t *testing.T) {
	p := RetryPolicy{BackoffInitial: 100 * time.Millisecond, BackoffCap: time.Second}

	if got := p.Backoff(0); got != 100*time.Millisecond {
		t.Fatalf("attempt 0: expected 100ms, got %v", got)
	}
	if got := p.Backoff(1); got != 200*time.Millisecond {
		t.Fatalf("attempt 1: expected 200ms, got %v", got)
	}
	if got := p.Backoff(10); got != time.Second {
		t.Fatalf("attempt 10: expected cap of 1s, got %v", got)
	}
}

func TestRetryableStatus(t *testing.T) {
	cases := map[int]bool{
		200: false,
		400: false,
		404: false,
		429: true,
		500: true,
		503: true,
		599: true,
		600: false,
	}
	for status, want := range cases {
		if got := RetryableStatus(status); got != want {
			t.Errorf("status %d: expected %v, got %v", status, want, got)
		}
	}
}
