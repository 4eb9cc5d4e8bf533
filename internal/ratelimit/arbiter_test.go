package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestArbiter_PerMinuteRedis(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	repo := store.NewMemoryStore()
	arb := ratelimit.New(repo, rdb)
	key := &models.ServiceKey{ID: "sk1", Quotas: models.Quotas{ReqPerMin: 3}}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := arb.CheckServiceKey(ctx, key)
		if err != nil {
			t.Fatalf("iter %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("iter %d: expected allowed", i)
		}
	}

	d, err := arb.CheckServiceKey(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected quota exceeded on 4th request")
	}
}

func TestArbiter_PerMinuteInMemoryFallback(t *testing.T) {
	repo := store.NewMemoryStore()
	arb := ratelimit.New(repo, nil)
	key := &models.ServiceKey{ID: "sk2", Quotas: models.Quotas{ReqPerMin: 2}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := arb.CheckServiceKey(ctx, key)
		if err != nil || !d.Allowed {
			t.Fatalf("iter %d: expected allowed, got %+v err=%v", i, d, err)
		}
	}
	d, _ := arb.CheckServiceKey(ctx, key)
	if d.Allowed {
		t.Fatalf("expected quota exceeded")
	}
}

func TestArbiter_DayQuota(t *testing.T) {
	repo := store.NewMemoryStore()
	arb := ratelimit.New(repo, nil)
	ctx := context.Background()

	if err := arb.RecordCompletion(ctx, "sk3", "cred3", models.UsageDelta{Requests: 1, TotalTokens: 100}); err != nil {
		t.Fatalf("record completion: %v", err)
	}

	key := &models.ServiceKey{ID: "sk3", Quotas: models.Quotas{ReqPerDay: 1}}
	d, err := arb.CheckServiceKey(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected day quota to already be exhausted after one recorded request")
	}
}

func TestArbiter_CheckCredentialFailsOpenWithoutQuotas(t *testing.T) {
	repo := store.NewMemoryStore()
	arb := ratelimit.New(repo, nil)
	if !arb.CheckCredential(context.Background(), "cred-x", models.Quotas{}) {
		t.Fatalf("expected credential with no quotas configured to be allowed")
	}
}
