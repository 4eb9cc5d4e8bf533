// Package ratelimit implements the Rate Limit Arbiter: per-service-key and
// per-upstream-credential quota enforcement across minute and day windows,
// plus the Redis sliding-window fast path the teacher used for a single
// global RPM limit, generalized here to any subject.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// slidingWindowScript is an atomic Lua script implementing a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

// Arbiter is the Rate Limit Arbiter component.
type Arbiter struct {
	repo store.Repository
	rdb  *redis.Client // nil => in-memory sliding window fallback

	mu      sync.Mutex
	windows map[string][]int64 // subject key -> recent request unix-nanos, in-memory fallback only
}

// New builds an Arbiter. rdb may be nil, in which case the per-minute fast
// path falls back to an in-process sliding window (single-instance only,
// same trade-off the teacher's memory cache makes for the non-Redis mode).
func New(repo store.Repository, rdb *redis.Client) *Arbiter {
	return &Arbiter{repo: repo, rdb: rdb, windows: make(map[string][]int64)}
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CheckServiceKey evaluates req/min, req/day, tok/day, cost/day for a
// ServiceKey. tok/day and cost/day cannot be known before the request
// completes, so they gate on the day bucket's already-accumulated totals
// from prior requests (a request in flight never double-counts itself).
func (a *Arbiter) CheckServiceKey(ctx context.Context, key *models.ServiceKey) (Decision, error) {
	return a.check(ctx, models.SubjectServiceKey, key.ID, key.Quotas)
}

// CheckCredential evaluates the same quotas for an UpstreamCredential; used
// by the Scheduler as a QuotaChecker before a credential is selected.
func (a *Arbiter) CheckCredential(ctx context.Context, credID string, quotas models.Quotas) bool {
	d, err := a.check(ctx, models.SubjectCredential, credID, quotas)
	if err != nil {
		return true // fail-open, matching the teacher's Redis-unavailable behaviour
	}
	return d.Allowed
}

func (a *Arbiter) check(ctx context.Context, kind models.SubjectKind, id string, q models.Quotas) (Decision, error) {
	if q.ReqPerMin > 0 {
		allowed, err := a.allowMinute(ctx, kind, id, q.ReqPerMin)
		if err != nil {
			return Decision{Allowed: true}, nil // fail-open on infra error
		}
		if !allowed {
			return Decision{Allowed: false, RetryAfter: time.Minute}, nil
		}
	}

	if q.ReqPerDay > 0 || q.TokPerDay > 0 || q.CostPerDay > 0 {
		day, err := a.repo.GetUsage(ctx, kind, id, models.WindowDay)
		if err != nil {
			return Decision{Allowed: true}, fmt.Errorf("ratelimit: get day usage: %w", err)
		}
		if q.ReqPerDay > 0 && day.Requests >= q.ReqPerDay {
			return Decision{Allowed: false, RetryAfter: timeUntilMidnightUTC()}, nil
		}
		if q.TokPerDay > 0 && day.TotalTokens >= q.TokPerDay {
			return Decision{Allowed: false, RetryAfter: timeUntilMidnightUTC()}, nil
		}
		if q.CostPerDay > 0 && day.Cost >= q.CostPerDay {
			return Decision{Allowed: false, RetryAfter: timeUntilMidnightUTC()}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

func timeUntilMidnightUTC() time.Duration {
	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

// RecordCompletion increments the minute and day buckets for both the
// ServiceKey and the UpstreamCredential that served a completed request.
// This is the only place the Arbiter writes.
func (a *Arbiter) RecordCompletion(ctx context.Context, serviceKeyID, credID string, delta models.UsageDelta) error {
	var errs []error
	for _, subj := range []struct {
		kind models.SubjectKind
		id   string
	}{
		{models.SubjectServiceKey, serviceKeyID},
		{models.SubjectCredential, credID},
	} {
		if subj.id == "" {
			continue
		}
		for _, w := range []models.UsageWindow{models.WindowMinute, models.WindowDay} {
			if _, err := a.repo.IncrementUsage(ctx, subj.kind, subj.id, w, delta); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ratelimit: record completion: %v", errs)
	}
	return nil
}

// allowMinute runs the Redis sliding-window script when rdb is configured,
// otherwise an in-process sliding window keyed by subject.
func (a *Arbiter) allowMinute(ctx context.Context, kind models.SubjectKind, id string, limit int64) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s:rpm", kind, id)
	if a.rdb != nil {
		now := time.Now().UnixNano()
		window := time.Minute.Nanoseconds()
		result, err := slidingWindowScript.Run(ctx, a.rdb, []string{key}, now, window, limit).Int()
		if err != nil {
			return true, err // graceful degradation, matches teacher's rpm.go
		}
		return result == 1, nil
	}
	return a.allowMinuteLocal(key, limit), nil
}

func (a *Arbiter) allowMinuteLocal(key string, limit int64) bool {
	now := time.Now().UnixNano()
	cutoff := now - time.Minute.Nanoseconds()

	a.mu.Lock()
	defer a.mu.Unlock()

	times := a.windows[key]
	kept := times[:0]
	for _, t := range times {
		if t > cutoff {
			kept = append(kept, t)
		}
	}
	if int64(len(kept)) >= limit {
		a.windows[key] = kept
		return false
	}
	kept = append(kept, now)
	a.windows[key] = kept
	return true
}
