// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeNotFoundError     = "not_found_error"
	TypeUnavailableError  = "unavailable_error"
)

// Code constants.
const (
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeInvalidAPIKey        = "invalid_service_key"
	CodeInternalError        = "internal_error"
	CodeProviderError        = "provider_error"
	CodeRequestTimeout       = "request_timeout"
	CodeNotImplemented       = "not_implemented"
	CodeInvalidRequest       = "invalid_request"
	CodeUnknownVendor        = "unknown_vendor"
	CodeAuthMisconfigured    = "auth_misconfigured"
	CodeQuotaExceeded        = "quota_exceeded"
	CodeNoEligibleCredential = "no_eligible_credential"
	CodeOAuthUnavailable     = "oauth_unavailable"
	CodeUpstreamError        = "upstream_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not mapped here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUnknownVendor writes a 404 for a request naming a vendor slug the
// registry does not recognise.
func WriteUnknownVendor(ctx *fasthttp.RequestCtx, slug string) {
	Write(ctx, fasthttp.StatusNotFound, "unknown vendor: "+slug, TypeNotFoundError, CodeUnknownVendor)
}

// WriteAuthMisconfigured writes a 500 for a service key or credential whose
// auth template/secret material cannot produce a valid upstream credential.
func WriteAuthMisconfigured(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeAuthMisconfigured)
}

// WriteQuotaExceeded writes a 429 for a day-window quota breach, distinct
// from the per-minute rate limit in that it carries a longer Retry-After.
func WriteQuotaExceeded(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "quota exceeded", TypeRateLimitError, CodeQuotaExceeded)
}

// WriteNoEligibleCredential writes a 503 when a credential pool has no
// member left that is both healthy and within quota.
func WriteNoEligibleCredential(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no eligible upstream credential", TypeUnavailableError, CodeNoEligibleCredential)
}

// WriteOAuthUnavailable writes a 502 when the OAuth refresh engine could not
// produce a usable access token for a credential.
func WriteOAuthUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeOAuthUnavailable)
}

// WriteUpstreamError maps a vendor's HTTP status to the gateway's response
// with the same statuses WriteProviderError uses: a vendor 429 passes through
// as 429 with Retry-After, anything else becomes a 502 with code
// upstream_error.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, vendorStatus int, msg string) {
	if vendorStatus == fasthttp.StatusTooManyRequests {
		WriteProviderError(ctx, vendorStatus, msg)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeUpstreamError)
}
