// Package oauthrefresh implements the OAuth Refresh Engine: it guarantees a
// usable access token for an OAuth-mode UpstreamCredential, refreshing
// ahead of expiry and serialising concurrent refreshes per session.
//
// The original implementation this was distilled from keeps a
// session_id-keyed map of async mutexes (refresh_locks) to collapse
// concurrent refresh attempts into one upstream call. golang.org/x/sync's
// singleflight.Group is the idiomatic Go replacement named in the design
// notes: Do(sessionID, fn) already gives every waiter the same result from
// one call, with no map bookkeeping or manual lock lifecycle.
package oauthrefresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
)

// ErrUnavailable is returned when no usable token can be produced.
var ErrUnavailable = errors.New("oauthrefresh: unavailable")

// TokenExchanger performs the vendor-specific refresh_token grant. The
// Forwarder/Transformer layer does not need to know about it; only the
// engine does.
type TokenExchanger interface {
	// Refresh exchanges sess's refresh token for a new token set at the
	// vendor's token endpoint. ctx carries the 30s refresh timeout. sess is
	// passed in full (not just vendor ID and refresh token) so the
	// implementation can read per-session Extra config without a reverse
	// lookup against the store.
	Refresh(ctx context.Context, sess *models.OAuthSession) (Exchanged, error)
}

// Exchanged is what a token endpoint returns on success.
type Exchanged struct {
	AccessToken  string
	RefreshToken string // empty if the vendor didn't rotate it
	IDToken      string
	ExpiresIn    time.Duration
	InvalidGrant bool // true if the vendor reported the refresh token itself is dead
}

// Policy carries oauth.refresh.* configuration.
type Policy struct {
	RefreshThreshold time.Duration
	RetryAttempts    int
	RetryInterval    time.Duration
	CallTimeout      time.Duration // 30s per §5
}

// Engine is the OAuth Refresh Engine.
type Engine struct {
	repo     store.Repository
	exchange TokenExchanger
	policy   Policy
	log      *slog.Logger

	group singleflight.Group
}

// New builds an Engine.
func New(repo store.Repository, exchange TokenExchanger, policy Policy, log *slog.Logger) *Engine {
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = 30 * time.Second
	}
	return &Engine{repo: repo, exchange: exchange, policy: policy, log: log}
}

// AccessToken returns a usable access token for the OAuth session backing
// credential cred, refreshing it first if it is stale. Never mutates
// anything beyond the session it refreshes; never deletes a session (the
// orphan sweeper owns deletion).
func (e *Engine) AccessToken(ctx context.Context, cred *models.UpstreamCredential) (string, error) {
	if cred.AuthMode != models.AuthModeOAuth || cred.OAuthSessionID == "" {
		return "", fmt.Errorf("%w: credential %s is not oauth-mode", ErrUnavailable, cred.ID)
	}

	sess, err := e.repo.GetOAuthSession(ctx, cred.OAuthSessionID)
	if err != nil {
		return "", fmt.Errorf("%w: load session: %v", ErrUnavailable, err)
	}
	if sess.Status != models.OAuthAuthorized {
		return "", fmt.Errorf("%w: session %s status=%s", ErrUnavailable, sess.ID, sess.Status)
	}

	now := time.Now().UTC()
	if sess.ExpiresAt.After(now.Add(e.policy.RefreshThreshold)) {
		return sess.AccessToken, nil
	}

	result, err, _ := e.group.Do(sess.ID, func() (any, error) {
		return e.refreshOnce(ctx, sess.ID)
	})
	if err != nil {
		// Exhausted retries: fall back to the still-valid token if one remains.
		latest, getErr := e.repo.GetOAuthSession(ctx, sess.ID)
		if getErr == nil && latest.ExpiresAt.After(time.Now().UTC()) {
			return latest.AccessToken, nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result.(string), nil
}

// refreshOnce re-checks freshness after acquiring the per-session
// singleflight key (another waiter may already have refreshed), then runs
// the bounded retry loop against the vendor token endpoint.
func (e *Engine) refreshOnce(ctx context.Context, sessionID string) (string, error) {
	sess, err := e.repo.GetOAuthSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("reload session: %w", err)
	}

	now := time.Now().UTC()
	if sess.ExpiresAt.After(now.Add(e.policy.RefreshThreshold)) {
		return sess.AccessToken, nil // another caller already refreshed
	}
	if sess.RefreshToken == "" {
		return "", errors.New("no refresh token on session")
	}

	var lastErr error
	for attempt := 1; attempt <= e.policy.RetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
		ex, err := e.exchange.Refresh(callCtx, sess)
		cancel()

		if err == nil {
			update := store.OAuthTokenUpdate{
				AccessToken:  ex.AccessToken,
				RefreshToken: ex.RefreshToken,
				IDToken:      ex.IDToken,
				ExpiresAt:    time.Now().UTC().Add(ex.ExpiresIn).Unix(),
				Status:       models.OAuthAuthorized,
			}
			if uerr := e.repo.UpdateOAuthSession(ctx, sessionID, update); uerr != nil {
				return "", fmt.Errorf("persist refreshed token: %w", uerr)
			}
			return ex.AccessToken, nil
		}

		lastErr = err
		if ex.InvalidGrant {
			_ = e.repo.UpdateOAuthSession(ctx, sessionID, store.OAuthTokenUpdate{
				AccessToken: sess.AccessToken,
				ExpiresAt:   sess.ExpiresAt.Unix(),
				Status:      models.OAuthExpired,
			})
			return "", fmt.Errorf("invalid_grant: %w", err)
		}

		if e.log != nil {
			e.log.Warn("oauth refresh attempt failed", "session_id", sessionID, "attempt", attempt, "error", err)
		}
		if attempt < e.policy.RetryAttempts {
			select {
			case <-time.After(e.policy.RetryInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("refresh exhausted: %w", lastErr)
}

// ScanOnce enqueues every session whose expiry is within the refresh
// threshold and refreshes it, keeping the hot path off the critical path.
// Run periodically by the background scanner task.
func (e *Engine) ScanOnce(ctx context.Context) (refreshed int, failed int) {
	sessions, err := e.repo.ListExpiringOAuthSessions(ctx, int64(e.policy.RefreshThreshold.Seconds()))
	if err != nil {
		if e.log != nil {
			e.log.Error("oauth scanner: list expiring sessions", "error", err)
		}
		return 0, 0
	}
	for _, sess := range sessions {
		if _, err := e.group.Do(sess.ID, func() (any, error) {
			return e.refreshOnce(ctx, sess.ID)
		}); err != nil {
			failed++
			if e.log != nil {
				e.log.Warn("oauth scanner: refresh failed", "session_id", sess.ID, "error", err)
			}
			continue
		}
		refreshed++
	}
	return refreshed, failed
}

// SweepOrphans deletes sessions older than graceSeconds with no referencing
// credential. This is the only component allowed to delete an OAuthSession;
// the hot path and ScanOnce never do.
func (e *Engine) SweepOrphans(ctx context.Context, graceSeconds int64) (deleted int) {
	candidates, err := e.repo.ListOrphanCandidateSessions(ctx, graceSeconds)
	if err != nil {
		if e.log != nil {
			e.log.Error("orphan sweeper: list candidates", "error", err)
		}
		return 0
	}
	for _, sess := range candidates {
		if err := e.repo.DeleteOAuthSession(ctx, sess.ID); err != nil {
			if e.log != nil {
				e.log.Warn("orphan sweeper: delete failed", "session_id", sess.ID, "error", err)
			}
			continue
		}
		deleted++
	}
	return deleted
}
