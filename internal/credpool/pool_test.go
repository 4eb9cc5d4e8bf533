package credpool

import (
	"container/ring"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

func TestApplyOutcome_HealthyToDegradedOnFirstFailure(t *testing.T) {
	h := &models.CredentialHealth{State: models.HealthHealthy}
	recent := ring.New(10)
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2}

	ApplyOutcome(h, recent, models.OutcomeTransientFail, time.Time{}, cfg)

	if h.State != models.HealthDegraded {
		t.Fatalf("expected Degraded after first failure, got %s", h.State)
	}
	if h.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", h.ConsecutiveFailures)
	}
}

func TestApplyOutcome_DegradedToUnhealthyAtThreshold(t *testing.T) {
	h := &models.CredentialHealth{State: models.HealthHealthy}
	recent := ring.New(10)
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2}

	for i := 0; i < 3; i++ {
		recent = ApplyOutcome(h, recent, models.OutcomeTransientFail, time.Time{}, cfg)
	}

	if h.State != models.HealthUnhealthy {
		t.Fatalf("expected Unhealthy after 3 consecutive failures, got %s", h.State)
	}
}

func TestApplyOutcome_UnhealthyRecoversAfterSuccessThreshold(t *testing.T) {
	h := &models.CredentialHealth{State: models.HealthUnhealthy, ConsecutiveFailures: 3}
	recent := ring.New(10)
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2}

	recent = ApplyOutcome(h, recent, models.OutcomeSuccess, time.Time{}, cfg)
	if h.State != models.HealthUnhealthy {
		t.Fatalf("expected to stay Unhealthy after one success, got %s", h.State)
	}

	ApplyOutcome(h, recent, models.OutcomeSuccess, time.Time{}, cfg)
	if h.State != models.HealthHealthy {
		t.Fatalf("expected Healthy after SuccessThreshold consecutive successes, got %s", h.State)
	}
}

func TestApplyOutcome_AuthFailIsImmediatelyUnhealthy(t *testing.T) {
	h := &models.CredentialHealth{State: models.HealthHealthy}
	recent := ring.New(10)
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2}

	ApplyOutcome(h, recent, models.OutcomeAuthFail, time.Time{}, cfg)

	if h.State != models.HealthUnhealthy {
		t.Fatalf("expected immediate Unhealthy on auth failure, got %s", h.State)
	}
}

func TestApplyOutcome_RateLimitedSetsResetTime(t *testing.T) {
	h := &models.CredentialHealth{State: models.HealthHealthy}
	recent := ring.New(10)
	cfg := Config{}

	ApplyOutcome(h, recent, models.OutcomeRateLimited, time.Time{}, cfg)

	if h.State != models.HealthRateLimited {
		t.Fatalf("expected RateLimited state, got %s", h.State)
	}
	if !h.RateLimitResetAt.After(time.Now().UTC()) {
		t.Fatalf("expected a future RateLimitResetAt default, got %v", h.RateLimitResetAt)
	}
}

func TestApplyOutcome_RateLimitedRecoversAfterResetTime(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	h := &models.CredentialHealth{State: models.HealthRateLimited, RateLimitResetAt: past}
	recent := ring.New(10)
	cfg := Config{}

	ApplyOutcome(h, recent, models.OutcomeSuccess, time.Time{}, cfg)

	if h.State != models.HealthHealthy {
		t.Fatalf("expected Healthy once past RateLimitResetAt, got %s", h.State)
	}
}

func TestEligible(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		h    models.CredentialHealth
		want bool
	}{
		{"healthy", models.CredentialHealth{State: models.HealthHealthy}, true},
		{"degraded", models.CredentialHealth{State: models.HealthDegraded}, true},
		{"unhealthy", models.CredentialHealth{State: models.HealthUnhealthy}, false},
		{"rate limited, not yet reset", models.CredentialHealth{State: models.HealthRateLimited, RateLimitResetAt: now.Add(time.Minute)}, false},
		{"rate limited, reset has passed", models.CredentialHealth{State: models.HealthRateLimited, RateLimitResetAt: now.Add(-time.Minute)}, true},
	}
	for _, c := range cases {
		if got := Eligible(c.h, now); got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestTracker_AppliesOutcomePerCredentialIndependently(t *testing.T) {
	tr := NewTracker(Config{FailureThreshold: 2, SuccessThreshold: 2})

	a := &models.CredentialHealth{State: models.HealthHealthy}
	b := &models.CredentialHealth{State: models.HealthHealthy}

	tr.Apply("cred-a", a, models.OutcomeTransientFail, time.Time{})
	tr.Apply("cred-a", a, models.OutcomeTransientFail, time.Time{})
	tr.Apply("cred-b", b, models.OutcomeSuccess, time.Time{})

	if a.State != models.HealthUnhealthy {
		t.Fatalf("expected cred-a Unhealthy, got %s", a.State)
	}
	if b.State != models.HealthHealthy {
		t.Fatalf("expected cred-b to remain Healthy, got %s", b.State)
	}
}
