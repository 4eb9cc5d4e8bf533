// Package vendorregistry holds a typed, immutable-per-snapshot view of
// Vendor definitions, refreshed from the Credential Store at most every
// Registry.CacheTTL. Readers hand out pointers into an atomically-swapped
// snapshot rather than locking a live map, matching the "single ownership
// root, atomic snapshot swap" replacement the design notes call for.
package vendorregistry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

type snapshot struct {
	bySlug map[string]*models.Vendor
	byID   map[string]*models.Vendor
	at     time.Time
}

// Registry is the Vendor Registry component.
type Registry struct {
	repo     store.Repository
	ttl      time.Duration
	current  atomic.Pointer[snapshot]
}

// New builds a Registry with an empty snapshot; call Refresh (or Start) to
// populate it before serving traffic.
func New(repo store.Repository, ttl time.Duration) *Registry {
	r := &Registry{repo: repo, ttl: ttl}
	r.current.Store(&snapshot{bySlug: map[string]*models.Vendor{}, byID: map[string]*models.Vendor{}})
	return r
}

// Refresh reloads the full vendor list from the store and swaps the
// snapshot atomically. Safe to call concurrently with readers.
func (r *Registry) Refresh(ctx context.Context) error {
	vendors, err := r.repo.ListVendors(ctx)
	if err != nil {
		return fmt.Errorf("vendorregistry: refresh: %w", err)
	}
	next := &snapshot{
		bySlug: make(map[string]*models.Vendor, len(vendors)),
		byID:   make(map[string]*models.Vendor, len(vendors)),
		at:     time.Now(),
	}
	for _, v := range vendors {
		next.bySlug[v.Slug] = v
		next.byID[v.ID] = v
	}
	r.current.Store(next)
	return nil
}

// Start runs Refresh once synchronously, then keeps refreshing every ttl
// until ctx is cancelled. Mirrors the teacher's health-checker lifecycle:
// a synchronous first pass so callers can rely on data being present, then
// a background ticker.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(r.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.Refresh(ctx)
			}
		}
	}()
	return nil
}

// ResolveSlug looks up a vendor by its URL path slug. stale reports
// whether the caller should trigger a background refresh (the snapshot is
// older than ttl); ResolveSlug never blocks on a refresh itself.
func (r *Registry) ResolveSlug(slug string) (v *models.Vendor, stale bool) {
	snap := r.current.Load()
	v, ok := snap.bySlug[slug]
	if !ok {
		return nil, time.Since(snap.at) > r.ttl
	}
	return v, time.Since(snap.at) > r.ttl
}

// ResolveID looks up a vendor by ID.
func (r *Registry) ResolveID(id string) (*models.Vendor, bool) {
	snap := r.current.Load()
	v, ok := snap.byID[id]
	return v, ok
}

// Len reports how many vendors are currently loaded (diagnostics/tests).
func (r *Registry) Len() int {
	return len(r.current.Load().bySlug)
}

// All returns every active vendor in the current snapshot, used by the
// Health Monitor to enumerate probe targets without going back to the
// store itself.
func (r *Registry) All() []*models.Vendor {
	snap := r.current.Load()
	out := make([]*models.Vendor, 0, len(snap.byID))
	for _, v := range snap.byID {
		if v.Active {
			out = append(out, v)
		}
	}
	return out
}
