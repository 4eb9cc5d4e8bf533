// Package store defines the repository interface the request dispatch core
// consumes. The persistent store itself (schema, migrations, the
// management plane that writes through it) is an external collaborator;
// the core only ever reads through this interface except for the three
// narrow writes it owns outright: OAuth token fields, credential health,
// and usage counters.
package store

import (
	"context"
	"errors"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// Repository is the persistence boundary for the core. Implementations
// must tolerate concurrent mutation from the management plane: a
// credential disabled mid-request completes its current use and is simply
// excluded from the next pool snapshot.
type Repository interface {
	FindServiceKey(ctx context.Context, vendorID, secret string) (*models.ServiceKey, error)
	ListPool(ctx context.Context, serviceKeyID string) ([]*models.UpstreamCredential, error)
	GetVendorBySlug(ctx context.Context, slug string) (*models.Vendor, error)
	GetVendorByID(ctx context.Context, vendorID string) (*models.Vendor, error)
	ListVendors(ctx context.Context) ([]*models.Vendor, error)
	ListCredentialsByVendor(ctx context.Context, vendorID string) ([]*models.UpstreamCredential, error)
	ListCredentialsByTenant(ctx context.Context, tenantID string) ([]*models.UpstreamCredential, error)

	GetOAuthSession(ctx context.Context, sessionID string) (*models.OAuthSession, error)
	UpdateOAuthSession(ctx context.Context, sessionID string, tokens OAuthTokenUpdate) error
	ListExpiringOAuthSessions(ctx context.Context, withinSeconds int64) ([]*models.OAuthSession, error)
	ListOrphanCandidateSessions(ctx context.Context, olderThanSeconds int64) ([]*models.OAuthSession, error)
	DeleteOAuthSession(ctx context.Context, sessionID string) error

	UpdateCredentialHealth(ctx context.Context, credID string, health models.CredentialHealth) error

	InsertTrace(ctx context.Context, rec models.TraceRecord) error

	IncrementUsage(ctx context.Context, subjectKind models.SubjectKind, subjectID string, window models.UsageWindow, delta models.UsageDelta) (models.UsageBucket, error)
	GetUsage(ctx context.Context, subjectKind models.SubjectKind, subjectID string, window models.UsageWindow) (models.UsageBucket, error)
}

// OAuthTokenUpdate is the set of fields the OAuth Refresh Engine may
// atomically overwrite on an OAuthSession; it is the only component
// allowed to call UpdateOAuthSession.
type OAuthTokenUpdate struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    int64 // unix seconds
	Status       models.OAuthSessionStatus
}
