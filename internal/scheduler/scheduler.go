// Package scheduler selects one eligible credential from a Credential Pool
// snapshot given a strategy, and drives the retry loop across forwarding
// attempts. The retry/backoff shape follows the teacher's failover.go
// (buildCandidateList + exponential backoff), generalized from a static
// fallback-provider list to a live pool of credentials.
package scheduler

import (
	"errors"
	"math/rand"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/credpool"
	"github.com/nulpointcorp/llm-proxy/internal/models"
)

// ErrNoEligibleCredential is returned when no pool member is eligible.
var ErrNoEligibleCredential = errors.New("scheduler: no eligible credential")

// QuotaChecker reports whether a credential still has room under its
// per-credential quotas; the Rate Limit Arbiter implements this.
type QuotaChecker func(credID string, quotas models.Quotas) bool

// Pick selects one eligible credential from snapshot using strategy,
// excluding any credential ID in exclude (already tried this request).
func Pick(pool *credpool.Pool, snapshot []credpool.Member, strategy models.SchedulingStrategy, exclude map[string]bool, quotaOK QuotaChecker) (*models.UpstreamCredential, error) {
	now := time.Now().UTC()

	eligible := make([]credpool.Member, 0, len(snapshot))
	eligibleIdx := make([]int, 0, len(snapshot)) // original index, for round-robin stability
	for i, m := range snapshot {
		if exclude[m.Credential.ID] {
			continue
		}
		if !credpool.Eligible(m.Credential.Health, now) {
			continue
		}
		if quotaOK != nil && !quotaOK(m.Credential.ID, m.Credential.Quotas) {
			continue
		}
		eligible = append(eligible, m)
		eligibleIdx = append(eligibleIdx, i)
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleCredential
	}

	switch strategy {
	case models.StrategyWeighted:
		return pickWeighted(eligible), nil
	case models.StrategyHealthPriority:
		return pickHealthPriority(eligible), nil
	default: // round_robin
		idx := pool.NextRoundRobinIndex(len(eligible))
		cred := eligible[idx].Credential
		return &cred, nil
	}
}

func pickWeighted(eligible []credpool.Member) *models.UpstreamCredential {
	total := 0
	for _, m := range eligible {
		w := m.Credential.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		cred := eligible[0].Credential
		return &cred
	}
	r := rand.Intn(total)
	for _, m := range eligible {
		w := m.Credential.Weight
		if w <= 0 {
			w = 1
		}
		if r < w {
			cred := m.Credential
			return &cred
		}
		r -= w
	}
	cred := eligible[len(eligible)-1].Credential
	return &cred
}

func pickHealthPriority(eligible []credpool.Member) *models.UpstreamCredential {
	best := eligible[0]
	for _, m := range eligible[1:] {
		if m.Credential.Health.Score > best.Credential.Health.Score {
			best = m
			continue
		}
		if m.Credential.Health.Score == best.Credential.Health.Score && m.Credential.Weight > best.Credential.Weight {
			best = m
		}
	}
	cred := best.Credential
	return &cred
}

// RetryPolicy carries scheduler.* configuration for the retry loop.
type RetryPolicy struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffCap     time.Duration
}

// Backoff returns the delay before retry attempt n (0-indexed), doubling
// from BackoffInitial and capped at BackoffCap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BackoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

// RetryableStatus reports whether an upstream HTTP status should trigger
// another Scheduler pick: 429 and 5xx are retryable, any other 4xx is not.
func RetryableStatus(status int) bool {
	if status == 429 {
		return true
	}
	return status >= 500 && status <= 599
}
