package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

// MemoryStore is an in-process Repository used in development and tests. It
// mirrors the teacher's in-memory cache pattern (single mutex, plain maps,
// lazily-created buckets) rather than a production persistence engine.
type MemoryStore struct {
	mu sync.RWMutex

	serviceKeys  map[string]*models.ServiceKey            // by id
	keysByVendor map[string]map[string]*models.ServiceKey // vendorID -> secret -> key
	credentials  map[string]*models.UpstreamCredential
	vendors      map[string]*models.Vendor
	vendorSlugs  map[string]string // slug -> id
	sessions     map[string]*models.OAuthSession
	buckets      map[string]*models.UsageBucket // "<kind>:<id>:<window>:<slot>"
	traces       []models.TraceRecord
}

// NewMemoryStore returns an empty store ready to be seeded via its Seed* helpers.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		serviceKeys:  make(map[string]*models.ServiceKey),
		keysByVendor: make(map[string]map[string]*models.ServiceKey),
		credentials:  make(map[string]*models.UpstreamCredential),
		vendors:      make(map[string]*models.Vendor),
		vendorSlugs:  make(map[string]string),
		sessions:     make(map[string]*models.OAuthSession),
		buckets:      make(map[string]*models.UsageBucket),
	}
}

func (s *MemoryStore) SeedVendor(v *models.Vendor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vendors[v.ID] = v
	s.vendorSlugs[v.Slug] = v.ID
}

func (s *MemoryStore) SeedServiceKey(k *models.ServiceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceKeys[k.ID] = k
	byVendor, ok := s.keysByVendor[k.VendorID]
	if !ok {
		byVendor = make(map[string]*models.ServiceKey)
		s.keysByVendor[k.VendorID] = byVendor
	}
	byVendor[k.Secret] = k
}

func (s *MemoryStore) SeedCredential(c *models.UpstreamCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = c
}

func (s *MemoryStore) SeedOAuthSession(sess *models.OAuthSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *MemoryStore) FindServiceKey(ctx context.Context, vendorID, secret string) (*models.ServiceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byVendor, ok := s.keysByVendor[vendorID]
	if !ok {
		return nil, ErrNotFound
	}
	k, ok := byVendor[secret]
	if !ok || !k.Active {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) ListPool(ctx context.Context, serviceKeyID string) ([]*models.UpstreamCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.serviceKeys[serviceKeyID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.UpstreamCredential, 0, len(key.PoolMemberIDs))
	for _, id := range key.PoolMemberIDs {
		c, ok := s.credentials[id]
		if !ok || !c.IsActive {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetVendorBySlug(ctx context.Context, slug string) (*models.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.vendorSlugs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	v := *s.vendors[id]
	return &v, nil
}

func (s *MemoryStore) GetVendorByID(ctx context.Context, vendorID string) (*models.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[vendorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) ListVendors(ctx context.Context) ([]*models.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Vendor, 0, len(s.vendors))
	for _, v := range s.vendors {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

// ListCredentialsByVendor returns every active credential for a vendor
// regardless of which service key's pool references it — the Health
// Monitor probes by vendor, independent of the Scheduler's per-key view.
func (s *MemoryStore) ListCredentialsByVendor(ctx context.Context, vendorID string) ([]*models.UpstreamCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UpstreamCredential
	for _, c := range s.credentials {
		if c.VendorID == vendorID && c.IsActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListCredentialsByTenant returns every credential a tenant owns, active or
// not — the management-facing per-tenant readiness view reports degraded
// and disabled credentials too, not just the ones the hot path would pick.
func (s *MemoryStore) ListCredentialsByTenant(ctx context.Context, tenantID string) ([]*models.UpstreamCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UpstreamCredential
	for _, c := range s.credentials {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetOAuthSession(ctx context.Context, sessionID string) (*models.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateOAuthSession(ctx context.Context, sessionID string, tokens OAuthTokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		sess.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		sess.IDToken = tokens.IDToken
	}
	sess.ExpiresAt = time.Unix(tokens.ExpiresAt, 0).UTC()
	sess.Status = tokens.Status
	return nil
}

func (s *MemoryStore) ListExpiringOAuthSessions(ctx context.Context, withinSeconds int64) ([]*models.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().UTC().Add(time.Duration(withinSeconds) * time.Second)
	var out []*models.OAuthSession
	for _, sess := range s.sessions {
		if sess.Status == models.OAuthAuthorized && sess.ExpiresAt.Before(cutoff) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOrphanCandidateSessions(ctx context.Context, olderThanSeconds int64) ([]*models.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)

	referenced := make(map[string]struct{})
	for _, c := range s.credentials {
		if c.OAuthSessionID != "" {
			referenced[c.OAuthSessionID] = struct{}{}
		}
	}

	var out []*models.OAuthSession
	for _, sess := range s.sessions {
		if _, ok := referenced[sess.ID]; ok {
			continue
		}
		if sess.CreatedAt.Before(cutoff) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteOAuthSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) UpdateCredentialHealth(ctx context.Context, credID string, health models.CredentialHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credID]
	if !ok {
		return ErrNotFound
	}
	c.Health = health
	return nil
}

func (s *MemoryStore) InsertTrace(ctx context.Context, rec models.TraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, rec)
	return nil
}

// Traces returns a snapshot of recorded traces; test-only accessor.
func (s *MemoryStore) Traces() []models.TraceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TraceRecord, len(s.traces))
	copy(out, s.traces)
	return out
}

func bucketKey(kind models.SubjectKind, id string, window models.UsageWindow, slot time.Time) string {
	return string(kind) + ":" + id + ":" + string(window) + ":" + slot.Format(time.RFC3339)
}

func slotFor(window models.UsageWindow, now time.Time) time.Time {
	now = now.UTC()
	switch window {
	case models.WindowMinute:
		return now.Truncate(time.Minute)
	case models.WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return now.Truncate(time.Minute)
	}
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, subjectKind models.SubjectKind, subjectID string, window models.UsageWindow, delta models.UsageDelta) (models.UsageBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := slotFor(window, time.Now())
	key := bucketKey(subjectKind, subjectID, window, slot)
	b, ok := s.buckets[key]
	if !ok {
		b = &models.UsageBucket{
			SubjectKind: subjectKind,
			SubjectID:   subjectID,
			Window:      window,
			SlotStart:   slot,
		}
		s.buckets[key] = b
	}
	b.Requests += delta.Requests
	b.PromptTokens += delta.PromptTokens
	b.TotalTokens += delta.TotalTokens
	b.Cost += delta.Cost
	return *b, nil
}

func (s *MemoryStore) GetUsage(ctx context.Context, subjectKind models.SubjectKind, subjectID string, window models.UsageWindow) (models.UsageBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot := slotFor(window, time.Now())
	key := bucketKey(subjectKind, subjectID, window, slot)
	b, ok := s.buckets[key]
	if !ok {
		return models.UsageBucket{SubjectKind: subjectKind, SubjectID: subjectID, Window: window, SlotStart: slot}, nil
	}
	return *b, nil
}

// NewID generates an opaque identifier for store-internal object creation
// (e.g. seeding fixtures in tests).
func NewID() string { return uuid.NewString() }

var _ Repository = (*MemoryStore)(nil)
