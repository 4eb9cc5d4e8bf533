// Package credpool implements the Credential Pool: an in-memory,
// per-(tenant, service_key) view of UpstreamCredential health, built on
// demand from the Credential Store and mutated exclusively through
// MarkOutcome. The state machine shape (per-key mutex-guarded struct,
// consecutive-failure/success counters, a time-bound "open" state) follows
// the teacher's per-provider circuit breaker, generalized from two states
// to the four health states the data model names.
package credpool

import (
	"container/ring"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// Config carries the tunable thresholds from health.* configuration.
type Config struct {
	FailureThreshold int // Degraded -> Unhealthy after this many consecutive failures
	SuccessThreshold int // Unhealthy -> Healthy after this many consecutive successes
	HistorySize      int // recent outcomes retained for health score
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 3
}

func (c Config) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return 2
}

func (c Config) historySize() int {
	if c.HistorySize > 0 {
		return c.HistorySize
	}
	return 10
}

// member is one credential's mutable health record inside a pool.
type member struct {
	mu     sync.Mutex
	cred   models.UpstreamCredential
	recent *ring.Ring // of bool (true=success), len historySize
}

// Pool is the live view for one (tenant, service_key).
type Pool struct {
	cfg     Config
	mu      sync.RWMutex
	members []*member          // insertion order, matches ServiceKey.PoolMemberIDs
	index   map[string]*member // cred id -> member
	rrCounter uint64
}

// Manager builds and caches Pools per service key, refreshing from the
// store at most every cacheTTL — the Open Question decision of a 5s
// default for pool snapshots.
type Manager struct {
	repo     store.Repository
	cfg      Config
	cacheTTL time.Duration

	mu    sync.Mutex
	pools map[string]*cachedPool
}

type cachedPool struct {
	pool      *Pool
	loadedAt  time.Time
}

// NewManager constructs a Manager.
func NewManager(repo store.Repository, cfg Config, cacheTTL time.Duration) *Manager {
	return &Manager{repo: repo, cfg: cfg, cacheTTL: cacheTTL, pools: make(map[string]*cachedPool)}
}

// Get returns the Pool for serviceKeyID, loading or refreshing it from the
// store when the cached copy is absent or stale. Existing health state
// carries forward across a refresh by credential ID so a refresh never
// resets Degraded/Unhealthy state that the store hasn't been told about.
// When the store's record is newer (a later LastProbeAt, as written by the
// Health Monitor), the store's health replaces the cached one.
func (m *Manager) Get(ctx context.Context, serviceKeyID string) (*Pool, error) {
	m.mu.Lock()
	cached, ok := m.pools[serviceKeyID]
	m.mu.Unlock()

	if ok && time.Since(cached.loadedAt) < m.cacheTTL {
		return cached.pool, nil
	}

	creds, err := m.repo.ListPool(ctx, serviceKeyID)
	if err != nil {
		return nil, fmt.Errorf("credpool: load pool %s: %w", serviceKeyID, err)
	}

	next := &Pool{cfg: m.cfg, index: make(map[string]*member, len(creds))}
	for _, c := range creds {
		mem := &member{cred: *c, recent: ring.New(m.cfg.historySize())}
		if ok {
			if prior, found := cached.pool.index[c.ID]; found {
				prior.mu.Lock()
				if !c.Health.LastProbeAt.After(prior.cred.Health.LastProbeAt) {
					mem.cred.Health = prior.cred.Health
				}
				mem.recent = prior.recent
				prior.mu.Unlock()
			}
		}
		next.members = append(next.members, mem)
		next.index[c.ID] = mem
	}

	m.mu.Lock()
	m.pools[serviceKeyID] = &cachedPool{pool: next, loadedAt: time.Now()}
	m.mu.Unlock()
	return next, nil
}

// Member is a read-only view of one pool credential handed to the Scheduler.
type Member struct {
	Credential models.UpstreamCredential
}

// Snapshot returns the ordered members and their current health.
func (p *Pool) Snapshot() []Member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Member, len(p.members))
	for i, m := range p.members {
		m.mu.Lock()
		out[i] = Member{Credential: m.cred}
		m.mu.Unlock()
	}
	return out
}

// NextRoundRobinIndex atomically advances and returns the pool's rotation
// pointer, used by the Scheduler's round_robin strategy so the pointer is
// shared state per (tenant, service_key) rather than per call.
func (p *Pool) NextRoundRobinIndex(modulo int) int {
	if modulo <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := int(p.rrCounter % uint64(modulo))
	p.rrCounter++
	return idx
}

// MarkOutcome applies an outcome to one credential, advancing its health
// state machine. persist, when non-nil, is then called synchronously with the
// new health snapshot (after the member's lock is released), so the caller
// waits for whatever write persist performs.
func (p *Pool) MarkOutcome(credID string, outcome models.Outcome, rateLimitResetAt time.Time, persist func(models.CredentialHealth)) {
	p.mu.RLock()
	m, ok := p.index[credID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	m.mu.Lock()
	m.recent = ApplyOutcome(&m.cred.Health, m.recent, outcome, rateLimitResetAt, p.cfg)
	snapshot := m.cred.Health
	m.mu.Unlock()

	if persist != nil {
		persist(snapshot)
	}
}

// ApplyOutcome advances h in place per the credential health state machine
// and returns the (possibly rotated) history ring; callers outside a Pool
// — namely the Health Monitor, which probes independently of any one
// service key's pool — use this directly via Tracker rather than
// duplicating the transition rules.
func ApplyOutcome(h *models.CredentialHealth, recent *ring.Ring, outcome models.Outcome, rateLimitResetAt time.Time, cfg Config) *ring.Ring {
	now := time.Now().UTC()

	switch outcome {
	case models.OutcomeSuccess:
		recent.Value = true
		recent = recent.Next()
		h.ConsecutiveFailures = 0
		h.ConsecutiveSuccesses++
		switch h.State {
		case models.HealthDegraded, models.HealthUnhealthy:
			if h.ConsecutiveSuccesses >= cfg.successThreshold() {
				h.State = models.HealthHealthy
			}
		case models.HealthRateLimited:
			if now.After(h.RateLimitResetAt) {
				h.State = models.HealthHealthy
			}
		default:
			h.State = models.HealthHealthy
		}

	case models.OutcomeTransientFail:
		recent.Value = false
		recent = recent.Next()
		h.ConsecutiveSuccesses = 0
		h.ConsecutiveFailures++
		if h.State == models.HealthHealthy {
			h.State = models.HealthDegraded
		}
		if h.ConsecutiveFailures >= cfg.failureThreshold() {
			h.State = models.HealthUnhealthy
		}

	case models.OutcomeAuthFail:
		recent.Value = false
		recent = recent.Next()
		h.ConsecutiveSuccesses = 0
		h.ConsecutiveFailures++
		h.State = models.HealthUnhealthy

	case models.OutcomeRateLimited:
		h.State = models.HealthRateLimited
		if rateLimitResetAt.IsZero() {
			rateLimitResetAt = now.Add(60 * time.Second)
		}
		h.RateLimitResetAt = rateLimitResetAt
	}

	h.Score = scoreFrom(recent, h.ConsecutiveFailures)
	h.LastProbeAt = now
	return recent
}

// Tracker applies ApplyOutcome for credentials outside any Pool's
// membership, keeping its own per-credential history ring. The Health
// Monitor uses one Tracker to score probes across every vendor it sweeps.
type Tracker struct {
	cfg Config
	mu  sync.Mutex
	rec map[string]*ring.Ring
}

// NewTracker builds a Tracker with the same thresholds a Pool would use.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, rec: make(map[string]*ring.Ring)}
}

// Apply advances credID's health in place given the latest probe outcome.
func (t *Tracker) Apply(credID string, h *models.CredentialHealth, outcome models.Outcome, rateLimitResetAt time.Time) {
	t.mu.Lock()
	recent, ok := t.rec[credID]
	if !ok {
		recent = ring.New(t.cfg.historySize())
	}
	t.rec[credID] = ApplyOutcome(h, recent, outcome, rateLimitResetAt, t.cfg)
	t.mu.Unlock()
}

// Eligible reports whether a member may currently be scheduled:
// state in {Healthy, Degraded}, not rate-limited, and per-credential
// quota not already exhausted (checked by the caller via quotaOK).
func Eligible(h models.CredentialHealth, now time.Time) bool {
	switch h.State {
	case models.HealthHealthy, models.HealthDegraded:
		return true
	case models.HealthRateLimited:
		return now.After(h.RateLimitResetAt)
	default:
		return false
	}
}

func scoreFrom(recent *ring.Ring, consecutiveFailures int) int {
	total, successes := 0, 0
	recent.Do(func(v any) {
		if v == nil {
			return
		}
		total++
		if ok, _ := v.(bool); ok {
			successes++
		}
	})
	base := 100
	if total > 0 {
		base = (successes * 100) / total
	}
	penalty := consecutiveFailures * 10
	score := base - penalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
