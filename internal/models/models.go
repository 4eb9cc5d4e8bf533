// Package models defines the data entities the request dispatch core reads
// and writes through internal/store. Field shapes follow the persisted
// state layout: opaque IDs, UTC timestamps, no owning pointer cycles
// (OAuthSession and UpstreamCredential reference each other by ID only).
package models

import "time"

// AuthMode is how an UpstreamCredential authenticates to its vendor.
type AuthMode string

const (
	AuthModeStaticKey AuthMode = "static_key"
	AuthModeOAuth     AuthMode = "oauth"
)

// APIFormat selects which Transformer variant a Vendor uses.
type APIFormat string

const (
	APIFormatOpenAI    APIFormat = "openai"
	APIFormatAnthropic APIFormat = "anthropic"
	APIFormatGemini    APIFormat = "gemini"
	APIFormatCustom    APIFormat = "custom"
)

// SchedulingStrategy selects how the Scheduler picks a pool member.
type SchedulingStrategy string

const (
	StrategyRoundRobin    SchedulingStrategy = "round_robin"
	StrategyWeighted      SchedulingStrategy = "weighted"
	StrategyHealthPriority SchedulingStrategy = "health_priority"
)

// HealthState is a credential's position in the Credential Pool state machine.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnhealthy   HealthState = "unhealthy"
	HealthRateLimited HealthState = "rate_limited"
)

// OAuthSessionStatus tracks an OAuth grant's lifecycle.
type OAuthSessionStatus string

const (
	OAuthPending    OAuthSessionStatus = "pending"
	OAuthAuthorized OAuthSessionStatus = "authorized"
	OAuthExpired    OAuthSessionStatus = "expired"
	OAuthRevoked    OAuthSessionStatus = "revoked"
)

// Quotas bounds a subject's request/token/cost rate. Zero means unlimited.
type Quotas struct {
	ReqPerMin  int64
	ReqPerDay  int64
	TokPerDay  int64
	CostPerDay float64
}

// FieldMapping is one JSONPath-driven extraction/injection rule used by the
// custom api_format. Path follows tidwall/gjson and tidwall/sjson syntax.
type FieldMapping struct {
	CanonicalPath string // e.g. "choices.0.message.content"
	VendorPath    string // e.g. "output.text"
	Transform     string // "", "multiply:N", "divide:N", "fixed:V"
}

// ExtraConfig carries the custom api_format's wire shape for a vendor.
type ExtraConfig struct {
	RequestMappings  []FieldMapping
	ResponseMappings []FieldMapping
	DeltaMappings    []FieldMapping // streaming chunk field mappings
	StreamDonePath   string         // optional JSON field signalling terminal chunk
}

// Tenant is an opaque owner of ServiceKeys and UpstreamCredentials. The hot
// path never reads Tenant fields beyond the ID carried on ServiceKey.
type Tenant struct {
	ID   string
	Name string
}

// Vendor is an upstream LLM provider definition. Immutable within a request
// lifetime; the Vendor Registry may refresh its view from the store.
type Vendor struct {
	ID                 string
	Slug               string
	BaseURL            string
	APIFormat          APIFormat
	AuthHeaderTemplate string // e.g. "Authorization: Bearer {key}" or "X-goog-api-key: {key}"
	HealthProbePath    string
	DefaultModel       string
	Extra              ExtraConfig
	Active             bool
}

// ServiceKey is the credential a tenant presents to the proxy.
type ServiceKey struct {
	ID                 string
	TenantID           string
	Secret             string
	VendorID           string
	PoolMemberIDs      []string
	SchedulingStrategy SchedulingStrategy
	Quotas             Quotas
	Active             bool
}

// CredentialHealth is the mutable health view Credential Pool owns.
type CredentialHealth struct {
	State               HealthState
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	Score                int // 0-100, advisory only
	LastProbeAt          time.Time
	RateLimitResetAt     time.Time
}

// UpstreamCredential is a secret the proxy uses to call a vendor.
type UpstreamCredential struct {
	ID             string
	TenantID       string
	VendorID       string
	AuthMode       AuthMode
	SecretMaterial string // static key secret, empty when AuthMode is oauth
	OAuthSessionID string // non-empty iff AuthMode is oauth
	Weight         int
	Quotas         Quotas
	IsActive       bool
	Health         CredentialHealth
}

// OAuthSession is a vendor OAuth grant bound to a tenant.
type OAuthSession struct {
	ID           string
	TenantID     string
	VendorID     string
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
	Status       OAuthSessionStatus
	CodeVerifier string
	Extra        map[string]string
	CreatedAt    time.Time
}

func (s *OAuthSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// UsageWindow is the aggregation granularity for a UsageBucket.
type UsageWindow string

const (
	WindowMinute UsageWindow = "minute"
	WindowDay    UsageWindow = "day"
)

// SubjectKind distinguishes which entity a UsageBucket or rate limit belongs to.
type SubjectKind string

const (
	SubjectServiceKey SubjectKind = "service_key"
	SubjectCredential SubjectKind = "credential"
)

// UsageBucket is a per-(subject, window) counter set.
type UsageBucket struct {
	SubjectKind   SubjectKind
	SubjectID     string
	Window        UsageWindow
	SlotStart     time.Time
	Requests      int64
	PromptTokens  int64
	TotalTokens   int64
	Cost          float64
}

// UsageDelta is what one completed request adds to a UsageBucket.
type UsageDelta struct {
	Requests     int64
	PromptTokens int64
	TotalTokens  int64
	Cost         float64
}

// TraceRecord is one row per completed (or rejected) request. Write-only
// from the core.
type TraceRecord struct {
	TraceID        string
	ServiceKeyID   string
	UpstreamCredID string // empty when rejected before credential selection
	VendorID       string
	StartedAt      time.Time
	DurationMS     int64
	RequestBytes   int64
	ResponseBytes  int64
	PromptTokens   int64
	CompletionTokens int64
	CacheTokens    int64
	Cost           float64
	StatusCode     int
	IsSuccess      bool
	ErrorClass     string
	Model          string
}

// Outcome classifies what happened when a credential was used, feeding
// Credential Pool.MarkOutcome and the Rate Limit Arbiter.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTransientFail Outcome = "transient_fail"
	OutcomeAuthFail      Outcome = "auth_fail"
	OutcomeRateLimited   Outcome = "rate_limited"
)

// ErrorClass refines a failure outcome for tracing, following the
// original's ApiKeyErrorCategory taxonomy.
type ErrorClass string

const (
	ErrorClassInvalidKey       ErrorClass = "invalid_key"
	ErrorClassQuotaExceeded    ErrorClass = "quota_exceeded"
	ErrorClassInsufficientPerm ErrorClass = "insufficient_permissions"
	ErrorClassNetwork          ErrorClass = "network_error"
	ErrorClassServer           ErrorClass = "server_error"
	ErrorClassClientCancel     ErrorClass = "client_cancel"
	ErrorClassUnknown          ErrorClass = "unknown"
)
