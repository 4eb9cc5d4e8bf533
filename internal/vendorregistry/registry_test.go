package vendorregistry

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

func TestRegistry_ResolveSlug_AfterRefresh(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.SeedVendor(&models.Vendor{ID: "v1", Slug: "openai", Active: true})

	r := New(repo, time.Minute)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	v, _ := r.ResolveSlug("openai")
	if v == nil || v.ID != "v1" {
		t.Fatalf("expected vendor v1, got %+v", v)
	}
}

func TestRegistry_ResolveSlug_UnknownSlug(t *testing.T) {
	repo := store.NewMemoryStore()
	r := New(repo, time.Minute)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	v, _ := r.ResolveSlug("nope")
	if v != nil {
		t.Fatalf("expected nil vendor for unknown slug, got %+v", v)
	}
}

func TestRegistry_ResolveID(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.SeedVendor(&models.Vendor{ID: "v1", Slug: "openai", Active: true})

	r := New(repo, time.Minute)
	_ = r.Refresh(context.Background())

	v, ok := r.ResolveID("v1")
	if !ok || v.Slug != "openai" {
		t.Fatalf("expected to resolve v1 by ID, got %+v ok=%v", v, ok)
	}

	_, ok = r.ResolveID("missing")
	if ok {
		t.Fatalf("expected ResolveID to report not-found for a missing ID")
	}
}

func TestRegistry_All_ExcludesInactiveVendors(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.SeedVendor(&models.Vendor{ID: "v1", Slug: "openai", Active: true})
	repo.SeedVendor(&models.Vendor{ID: "v2", Slug: "disabled", Active: false})

	r := New(repo, time.Minute)
	_ = r.Refresh(context.Background())

	all := r.All()
	if len(all) != 1 || all[0].ID != "v1" {
		t.Fatalf("expected only the active vendor, got %+v", all)
	}
}

func TestRegistry_Refresh_PicksUpNewVendors(t *testing.T) {
	repo := store.NewMemoryStore()
	r := New(repo, time.Minute)
	_ = r.Refresh(context.Background())

	if r.Len() != 0 {
		t.Fatalf("expected an empty registry before any vendor is seeded, got %d", r.Len())
	}

	repo.SeedVendor(&models.Vendor{ID: "v1", Slug: "openai", Active: true})
	_ = r.Refresh(context.Background())

	if r.Len() != 1 {
		t.Fatalf("expected 1 vendor after refresh, got %d", r.Len())
	}
}

func TestRegistry_Start_PopulatesSynchronously(t *testing.T) {
	repo := store.NewMemoryStore()
	repo.SeedVendor(&models.Vendor{ID: "v1", Slug: "openai", Active: true})

	r := New(repo, 10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	v, _ := r.ResolveSlug("openai")
	if v == nil {
		t.Fatalf("expected vendor to be resolvable immediately after Start returns")
	}
}
