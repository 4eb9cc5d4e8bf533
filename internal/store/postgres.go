package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

// PostgresStore is the production Repository implementation. It owns no
// business logic beyond the three writes the core is responsible for
// (OAuth tokens, credential health, usage counters) plus trace inserts;
// every other table is mutated exclusively by the management plane.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pgxpool against dsn with the given max connections.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) FindServiceKey(ctx context.Context, vendorID, secret string) (*models.ServiceKey, error) {
	const q = `SELECT id, tenant_id, secret, vendor_id, pool_member_ids, scheduling_strategy,
		req_per_min, req_per_day, tok_per_day, cost_per_day, active
		FROM service_keys WHERE vendor_id = $1 AND secret = $2 AND active = true`
	row := s.pool.QueryRow(ctx, q, vendorID, secret)
	return scanServiceKey(row)
}

func scanServiceKey(row pgx.Row) (*models.ServiceKey, error) {
	var k models.ServiceKey
	if err := row.Scan(&k.ID, &k.TenantID, &k.Secret, &k.VendorID, &k.PoolMemberIDs,
		&k.SchedulingStrategy, &k.Quotas.ReqPerMin, &k.Quotas.ReqPerDay,
		&k.Quotas.TokPerDay, &k.Quotas.CostPerDay, &k.Active); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan service key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) ListPool(ctx context.Context, serviceKeyID string) ([]*models.UpstreamCredential, error) {
	const q = `SELECT c.id, c.tenant_id, c.vendor_id, c.auth_mode, c.secret_material,
		c.oauth_session_id, c.weight, c.req_per_min, c.req_per_day, c.tok_per_day,
		c.cost_per_day, c.is_active, c.health_state, c.consecutive_failures,
		c.consecutive_successes, c.health_score, c.last_probe_at, c.rate_limit_reset_at
		FROM upstream_credentials c
		JOIN service_keys k ON c.id = ANY(k.pool_member_ids)
		WHERE k.id = $1 AND c.is_active = true`
	rows, err := s.pool.Query(ctx, q, serviceKeyID)
	if err != nil {
		return nil, fmt.Errorf("store: list pool: %w", err)
	}
	defer rows.Close()

	var out []*models.UpstreamCredential
	for rows.Next() {
		var c models.UpstreamCredential
		var lastProbe, rlReset *time.Time
		if err := rows.Scan(&c.ID, &c.TenantID, &c.VendorID, &c.AuthMode, &c.SecretMaterial,
			&c.OAuthSessionID, &c.Weight, &c.Quotas.ReqPerMin, &c.Quotas.ReqPerDay,
			&c.Quotas.TokPerDay, &c.Quotas.CostPerDay, &c.IsActive, &c.Health.State,
			&c.Health.ConsecutiveFailures, &c.Health.ConsecutiveSuccesses, &c.Health.Score,
			&lastProbe, &rlReset); err != nil {
			return nil, fmt.Errorf("store: scan credential: %w", err)
		}
		if lastProbe != nil {
			c.Health.LastProbeAt = *lastProbe
		}
		if rlReset != nil {
			c.Health.RateLimitResetAt = *rlReset
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetVendorBySlug(ctx context.Context, slug string) (*models.Vendor, error) {
	const q = `SELECT id, slug, base_url, api_format, auth_header_template,
		health_probe_path, default_model, extra_config, active
		FROM vendors WHERE slug = $1`
	return scanVendor(s.pool.QueryRow(ctx, q, slug))
}

func (s *PostgresStore) GetVendorByID(ctx context.Context, vendorID string) (*models.Vendor, error) {
	const q = `SELECT id, slug, base_url, api_format, auth_header_template,
		health_probe_path, default_model, extra_config, active
		FROM vendors WHERE id = $1`
	return scanVendor(s.pool.QueryRow(ctx, q, vendorID))
}

func scanVendor(row pgx.Row) (*models.Vendor, error) {
	var v models.Vendor
	var extraJSON []byte
	if err := row.Scan(&v.ID, &v.Slug, &v.BaseURL, &v.APIFormat, &v.AuthHeaderTemplate,
		&v.HealthProbePath, &v.DefaultModel, &extraJSON, &v.Active); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan vendor: %w", err)
	}
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &v.Extra); err != nil {
			return nil, fmt.Errorf("store: decode vendor extra_config: %w", err)
		}
	}
	return &v, nil
}

func (s *PostgresStore) ListVendors(ctx context.Context) ([]*models.Vendor, error) {
	const q = `SELECT id, slug, base_url, api_format, auth_header_template,
		health_probe_path, default_model, extra_config, active FROM vendors`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list vendors: %w", err)
	}
	defer rows.Close()
	var out []*models.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const credentialColumns = `id, tenant_id, vendor_id, auth_mode, secret_material,
	oauth_session_id, weight, req_per_min, req_per_day, tok_per_day,
	cost_per_day, is_active, health_state, consecutive_failures,
	consecutive_successes, health_score, last_probe_at, rate_limit_reset_at`

func scanCredentials(rows pgx.Rows) ([]*models.UpstreamCredential, error) {
	var out []*models.UpstreamCredential
	for rows.Next() {
		var c models.UpstreamCredential
		var lastProbe, rlReset *time.Time
		if err := rows.Scan(&c.ID, &c.TenantID, &c.VendorID, &c.AuthMode, &c.SecretMaterial,
			&c.OAuthSessionID, &c.Weight, &c.Quotas.ReqPerMin, &c.Quotas.ReqPerDay,
			&c.Quotas.TokPerDay, &c.Quotas.CostPerDay, &c.IsActive, &c.Health.State,
			&c.Health.ConsecutiveFailures, &c.Health.ConsecutiveSuccesses, &c.Health.Score,
			&lastProbe, &rlReset); err != nil {
			return nil, fmt.Errorf("store: scan credential: %w", err)
		}
		if lastProbe != nil {
			c.Health.LastProbeAt = *lastProbe
		}
		if rlReset != nil {
			c.Health.RateLimitResetAt = *rlReset
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCredentialsByVendor(ctx context.Context, vendorID string) ([]*models.UpstreamCredential, error) {
	q := `SELECT ` + credentialColumns + ` FROM upstream_credentials WHERE vendor_id = $1 AND is_active = true`
	rows, err := s.pool.Query(ctx, q, vendorID)
	if err != nil {
		return nil, fmt.Errorf("store: list credentials by vendor: %w", err)
	}
	defer rows.Close()
	return scanCredentials(rows)
}

// ListCredentialsByTenant returns every credential a tenant owns, active or
// not, for the management-facing per-tenant readiness view — unlike
// ListCredentialsByVendor (the hot path's view), it doesn't filter to
// is_active since a disabled credential's state is itself part of what the
// tenant operator wants to see.
func (s *PostgresStore) ListCredentialsByTenant(ctx context.Context, tenantID string) ([]*models.UpstreamCredential, error) {
	q := `SELECT ` + credentialColumns + ` FROM upstream_credentials WHERE tenant_id = $1`
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list credentials by tenant: %w", err)
	}
	defer rows.Close()
	return scanCredentials(rows)
}

func (s *PostgresStore) GetOAuthSession(ctx context.Context, sessionID string) (*models.OAuthSession, error) {
	const q = `SELECT id, tenant_id, vendor_id, access_token, refresh_token, id_token,
		token_type, expires_at, scopes, status, code_verifier, extra_params, created_at
		FROM oauth_sessions WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, sessionID)
	var sess models.OAuthSession
	var extraJSON []byte
	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.VendorID, &sess.AccessToken,
		&sess.RefreshToken, &sess.IDToken, &sess.TokenType, &sess.ExpiresAt, &sess.Scopes,
		&sess.Status, &sess.CodeVerifier, &extraJSON, &sess.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan oauth session: %w", err)
	}
	if len(extraJSON) > 0 {
		_ = json.Unmarshal(extraJSON, &sess.Extra)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateOAuthSession(ctx context.Context, sessionID string, tokens OAuthTokenUpdate) error {
	const q = `UPDATE oauth_sessions SET access_token = $2,
		refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
		id_token = COALESCE(NULLIF($4, ''), id_token),
		expires_at = $5, status = $6 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, tokens.AccessToken, tokens.RefreshToken,
		tokens.IDToken, time.Unix(tokens.ExpiresAt, 0).UTC(), tokens.Status)
	if err != nil {
		return fmt.Errorf("store: update oauth session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExpiringOAuthSessions(ctx context.Context, withinSeconds int64) ([]*models.OAuthSession, error) {
	const q = `SELECT id FROM oauth_sessions WHERE status = 'authorized'
		AND expires_at < now() + make_interval(secs => $1)`
	rows, err := s.pool.Query(ctx, q, withinSeconds)
	if err != nil {
		return nil, fmt.Errorf("store: list expiring sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.OAuthSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetOAuthSession(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *PostgresStore) ListOrphanCandidateSessions(ctx context.Context, olderThanSeconds int64) ([]*models.OAuthSession, error) {
	const q = `SELECT s.id FROM oauth_sessions s
		WHERE s.created_at < now() - make_interval(secs => $1)
		AND NOT EXISTS (SELECT 1 FROM upstream_credentials c WHERE c.oauth_session_id = s.id)`
	rows, err := s.pool.Query(ctx, q, olderThanSeconds)
	if err != nil {
		return nil, fmt.Errorf("store: list orphan sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]*models.OAuthSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetOAuthSession(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteOAuthSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete oauth session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateCredentialHealth(ctx context.Context, credID string, health models.CredentialHealth) error {
	const q = `UPDATE upstream_credentials SET health_state = $2, consecutive_failures = $3,
		consecutive_successes = $4, health_score = $5, last_probe_at = $6, rate_limit_reset_at = $7
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, credID, health.State, health.ConsecutiveFailures,
		health.ConsecutiveSuccesses, health.Score, nullableTime(health.LastProbeAt), nullableTime(health.RateLimitResetAt))
	if err != nil {
		return fmt.Errorf("store: update credential health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PostgresStore) InsertTrace(ctx context.Context, rec models.TraceRecord) error {
	const q = `INSERT INTO traces (trace_id, service_key_id, upstream_cred_id, vendor_id,
		started_at, duration_ms, request_bytes, response_bytes, prompt_tokens,
		completion_tokens, cache_tokens, cost, status_code, is_success, error_class, model)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := s.pool.Exec(ctx, q, rec.TraceID, rec.ServiceKeyID, nullableStr(rec.UpstreamCredID),
		rec.VendorID, rec.StartedAt, rec.DurationMS, rec.RequestBytes, rec.ResponseBytes,
		rec.PromptTokens, rec.CompletionTokens, rec.CacheTokens, rec.Cost, rec.StatusCode,
		rec.IsSuccess, rec.ErrorClass, rec.Model)
	if err != nil {
		return fmt.Errorf("store: insert trace: %w", err)
	}
	return nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, subjectKind models.SubjectKind, subjectID string, window models.UsageWindow, delta models.UsageDelta) (models.UsageBucket, error) {
	slot := slotFor(window, time.Now())
	const q = `INSERT INTO usage_buckets (subject_kind, subject_id, window, slot_start, requests, prompt_tokens, total_tokens, cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (subject_kind, subject_id, window, slot_start)
		DO UPDATE SET requests = usage_buckets.requests + EXCLUDED.requests,
			prompt_tokens = usage_buckets.prompt_tokens + EXCLUDED.prompt_tokens,
			total_tokens = usage_buckets.total_tokens + EXCLUDED.total_tokens,
			cost = usage_buckets.cost + EXCLUDED.cost
		RETURNING requests, prompt_tokens, total_tokens, cost`
	row := s.pool.QueryRow(ctx, q, subjectKind, subjectID, window, slot,
		delta.Requests, delta.PromptTokens, delta.TotalTokens, delta.Cost)
	var b models.UsageBucket
	b.SubjectKind, b.SubjectID, b.Window, b.SlotStart = subjectKind, subjectID, window, slot
	if err := row.Scan(&b.Requests, &b.PromptTokens, &b.TotalTokens, &b.Cost); err != nil {
		return models.UsageBucket{}, fmt.Errorf("store: increment usage: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, subjectKind models.SubjectKind, subjectID string, window models.UsageWindow) (models.UsageBucket, error) {
	slot := slotFor(window, time.Now())
	const q = `SELECT requests, prompt_tokens, total_tokens, cost FROM usage_buckets
		WHERE subject_kind = $1 AND subject_id = $2 AND window = $3 AND slot_start = $4`
	row := s.pool.QueryRow(ctx, q, subjectKind, subjectID, window, slot)
	b := models.UsageBucket{SubjectKind: subjectKind, SubjectID: subjectID, Window: window, SlotStart: slot}
	if err := row.Scan(&b.Requests, &b.PromptTokens, &b.TotalTokens, &b.Cost); err != nil {
		if err == pgx.ErrNoRows {
			return b, nil
		}
		return models.UsageBucket{}, fmt.Errorf("store: get usage: %w", err)
	}
	return b, nil
}

var _ Repository = (*PostgresStore)(nil)
