// Package forwarder implements the Forwarder: it turns one authenticated,
// transformed request into zero-or-more upstream HTTP attempts against the
// vendor pool the Scheduler selects from, classifying each attempt's
// outcome for the Credential Pool and the Rate Limit Arbiter and retrying
// per the Scheduler's backoff policy. The raw-HTTP-call shape (net/http
// Client, context-scoped timeouts, bufio SSE line scanning) follows the
// teacher's generic-vendor provider (internal/providers/mistral), since the
// Transformer's Codec now owns the request/response shaping that package
// used to hardcode per vendor.
package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/credpool"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/oauthrefresh"
	"github.com/nulpointcorp/llm-proxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-proxy/internal/scheduler"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/internal/transform"
)

// UpstreamError carries a vendor's HTTP status and body back to the proxy
// layer so it can be mapped the same way the teacher's statusCoder pattern
// mapped provider errors, generalized from a fixed provider set to any
// vendor's native error envelope.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// HTTPStatus lets callers extract the vendor status via a type assertion,
// matching the teacher's statusCoder convention.
func (e *UpstreamError) HTTPStatus() int { return e.Status }

// Config carries forwarder.* configuration.
type Config struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
}

// StreamEvent is one item from a streaming Dispatch's Stream channel. Err
// is set only on the final event of a stream that ended abnormally; a
// clean end of stream closes the channel with no trailing error event.
type StreamEvent struct {
	Chunk *transform.StreamChunk
	Err   error
}

// Response is what one successful Dispatch call returns to the caller. For
// a non-streaming request Body/Usage are populated and Stream is nil; for a
// streaming request Stream is populated and Body/Usage are zero (usage for
// a stream is whatever the vendor's final frame carries, which the caller
// accumulates from the Stream channel itself).
type Response struct {
	StatusCode   int
	Body         []byte
	Usage        transform.Usage
	Stream       <-chan StreamEvent
	CredentialID string
	Model        string
}

// Forwarder is the Forwarder component.
type Forwarder struct {
	httpClient *http.Client
	pools      *credpool.Manager
	arbiter    *ratelimit.Arbiter
	oauth      *oauthrefresh.Engine
	repo       store.Repository
	retry      scheduler.RetryPolicy
	log        *slog.Logger
}

// New builds a Forwarder. repo is used only to persist the credential
// health transitions the Credential Pool's MarkOutcome computes — the pool
// itself remains the sole decider of what that health state is.
func New(cfg Config, pools *credpool.Manager, arbiter *ratelimit.Arbiter, oauth *oauthrefresh.Engine, repo store.Repository, retry scheduler.RetryPolicy, log *slog.Logger) *Forwarder {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	totalTimeout := cfg.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = 120 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	return &Forwarder{
		httpClient: &http.Client{Transport: transport, Timeout: totalTimeout},
		pools:      pools,
		arbiter:    arbiter,
		oauth:      oauth,
		repo:       repo,
		retry:      retry,
		log:        log,
	}
}

// Dispatch picks a credential, forwards req to vendor, classifies the
// outcome, and retries per the Scheduler's policy until a terminal result
// or the retry budget is exhausted.
func (f *Forwarder) Dispatch(ctx context.Context, vendor *models.Vendor, serviceKey *models.ServiceKey, req transform.Request) (*Response, error) {
	codec, err := transform.ForFormat(vendor.APIFormat, vendor.Extra)
	if err != nil {
		return nil, fmt.Errorf("forwarder: %w", err)
	}

	exclude := make(map[string]bool)
	var lastErr error

	maxAttempts := f.retry.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		pool, err := f.pools.Get(ctx, serviceKey.ID)
		if err != nil {
			return nil, fmt.Errorf("forwarder: %w", err)
		}

		quotaOK := func(credID string, quotas models.Quotas) bool {
			if f.arbiter == nil {
				return true
			}
			return f.arbiter.CheckCredential(ctx, credID, quotas)
		}

		cred, err := scheduler.Pick(pool, pool.Snapshot(), serviceKey.SchedulingStrategy, exclude, quotaOK)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		resp, outcome, retryAfter, status, attemptErr := f.attempt(ctx, vendor, codec, cred, req)

		pool.MarkOutcome(cred.ID, outcome, retryAfter, func(h models.CredentialHealth) {
			if f.repo != nil {
				if err := f.repo.UpdateCredentialHealth(ctx, cred.ID, h); err != nil && f.log != nil {
					f.log.Warn("forwarder: persist credential health failed", "credential_id", cred.ID, "error", err)
				}
			}
		})

		if attemptErr == nil {
			if f.arbiter != nil {
				delta := models.UsageDelta{Requests: 1, PromptTokens: int64(resp.Usage.PromptTokens), TotalTokens: int64(resp.Usage.TotalTokens)}
				_ = f.arbiter.RecordCompletion(ctx, serviceKey.ID, cred.ID, delta)
			}
			resp.CredentialID = cred.ID
			return resp, nil
		}

		lastErr = attemptErr
		exclude[cred.ID] = true

		if !scheduler.RetryableStatus(status) {
			return nil, attemptErr
		}
	}

	if lastErr == nil {
		lastErr = errors.New("forwarder: exhausted retries")
	}
	return nil, lastErr
}

// attempt performs exactly one upstream HTTP call and classifies its
// outcome. A transport-level failure (no HTTP response at all) reports
// status 502, which RetryableStatus treats as retryable. status is 0 when the
// request could not be encoded or built or the context was cancelled, and
// Dispatch does not retry those.
func (f *Forwarder) attempt(ctx context.Context, vendor *models.Vendor, codec transform.Codec, cred *models.UpstreamCredential, req transform.Request) (resp *Response, outcome models.Outcome, retryAfter time.Time, status int, err error) {
	encoded, encErr := codec.EncodeRequest(req)
	if encErr != nil {
		return nil, models.OutcomeTransientFail, time.Time{}, 0, fmt.Errorf("forwarder: encode request: %w", encErr)
	}

	secret, secErr := f.resolveSecret(ctx, cred)
	if secErr != nil {
		return nil, models.OutcomeAuthFail, time.Time{}, 401, fmt.Errorf("forwarder: resolve credential: %w", secErr)
	}

	url := strings.TrimRight(vendor.BaseURL, "/") + chatPathFor(vendor.APIFormat)
	headerName, headerValue, queryParam := ApplyAuthTemplate(vendor.AuthHeaderTemplate, secret)
	if queryParam != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = url + sep + queryParam + "=" + secret
	}

	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if reqErr != nil {
		return nil, models.OutcomeTransientFail, time.Time{}, 0, fmt.Errorf("forwarder: build request: %w", reqErr)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if headerName != "" {
		httpReq.Header.Set(headerName, headerValue)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, doErr := f.httpClient.Do(httpReq)
	if doErr != nil {
		if errors.Is(doErr, context.Canceled) {
			return nil, models.OutcomeTransientFail, time.Time{}, 0, fmt.Errorf("forwarder: %s", models.ErrorClassClientCancel)
		}
		return nil, models.OutcomeTransientFail, time.Time{}, 502, fmt.Errorf("forwarder: upstream call: %w", doErr)
	}
	defer httpResp.Body.Close()

	status = httpResp.StatusCode

	switch {
	case status >= 200 && status < 300:
		// fallthrough to success handling below
	case status == http.StatusTooManyRequests:
		reset := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, models.OutcomeRateLimited, reset, status, &UpstreamError{Status: status, Message: string(body)}
	case status == http.StatusUnauthorized:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, models.OutcomeAuthFail, time.Time{}, status, &UpstreamError{Status: status, Message: string(body)}
	case status == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, models.OutcomeAuthFail, time.Time{}, status, &UpstreamError{Status: status, Message: string(body)}
	case status >= 500:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, models.OutcomeTransientFail, time.Time{}, status, &UpstreamError{Status: status, Message: string(body)}
	default:
		// other 4xx: the vendor responded, so the credential itself is fine —
		// this is a client-request problem, not a credential health problem.
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, models.OutcomeSuccess, time.Time{}, status, &UpstreamError{Status: status, Message: string(body)}
	}

	if req.Stream {
		events := make(chan StreamEvent, 64)
		go f.pumpStream(httpResp.Body, codec, events)
		return &Response{StatusCode: status, Stream: events, Model: req.Model}, models.OutcomeSuccess, time.Time{}, status, nil
	}

	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return nil, models.OutcomeTransientFail, time.Time{}, status, fmt.Errorf("forwarder: read response body: %w", readErr)
	}
	decoded, decErr := codec.DecodeResponse(body)
	if decErr != nil {
		return nil, models.OutcomeTransientFail, time.Time{}, status, fmt.Errorf("forwarder: decode response: %w", decErr)
	}

	out, marshalErr := json.Marshal(decoded)
	if marshalErr != nil {
		return nil, models.OutcomeTransientFail, time.Time{}, status, fmt.Errorf("forwarder: marshal canonical response: %w", marshalErr)
	}

	return &Response{StatusCode: status, Body: out, Usage: decoded.Usage, Model: decoded.Model}, models.OutcomeSuccess, time.Time{}, status, nil
}

// pumpStream reads the upstream SSE body, re-frames it through
// FrameSplitter, decodes each frame via codec, and emits canonical chunks.
// It owns closing body and the events channel.
func (f *Forwarder) pumpStream(body io.ReadCloser, codec transform.Codec, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	var splitter transform.FrameSplitter
	reader := bufio.NewReaderSize(body, 4096)
	buf := make([]byte, 4096)

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			for _, frame := range splitter.Push(buf[:n]) {
				chunk, done, decErr := codec.DecodeStreamFrame(frame)
				if decErr != nil {
					events <- StreamEvent{Err: fmt.Errorf("forwarder: decode stream frame: %w", decErr)}
					return
				}
				if chunk != nil {
					events <- StreamEvent{Chunk: chunk}
				}
				if done {
					return
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				events <- StreamEvent{Err: fmt.Errorf("forwarder: read stream: %w", readErr)}
			}
			return
		}
	}
}

// resolveSecret returns the bearer/key material to present upstream: the
// static secret for a static_key credential, or a fresh access token via
// the OAuth Refresh Engine for an oauth one.
func (f *Forwarder) resolveSecret(ctx context.Context, cred *models.UpstreamCredential) (string, error) {
	if cred.AuthMode == models.AuthModeOAuth {
		if f.oauth == nil {
			return "", oauthrefresh.ErrUnavailable
		}
		return f.oauth.AccessToken(ctx, cred)
	}
	return cred.SecretMaterial, nil
}

// ApplyAuthTemplate is the inverse of authenticator.ExtractSecret: given a
// vendor's auth_header_template and the resolved secret, it returns either
// a header name/value pair or a query parameter name (queryParam non-empty
// means the caller must append "?param=secret" to the URL itself, since the
// secret is embedded by the caller to keep URL-escaping in one place). The
// Health Monitor's generic prober reuses this to authenticate probe calls.
func ApplyAuthTemplate(template, secret string) (headerName, headerValue, queryParam string) {
	if strings.HasPrefix(template, "query:") {
		rest := strings.TrimPrefix(template, "query:")
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return "", "", ""
		}
		return "", "", rest[:eq]
	}

	colon := strings.IndexByte(template, ':')
	if colon < 0 {
		return "", "", ""
	}
	headerName = strings.TrimSpace(template[:colon])
	pattern := strings.TrimSpace(template[colon+1:])
	headerValue = strings.Replace(pattern, "{key}", secret, 1)
	return headerName, headerValue, ""
}

// chatPathFor returns the vendor-native chat completion path suffix for an
// api_format; custom vendors carry their own full BaseURL including path.
func chatPathFor(format models.APIFormat) string {
	switch format {
	case models.APIFormatAnthropic:
		return "/messages"
	case models.APIFormatGemini:
		return "/models/gemini:generateContent"
	case models.APIFormatOpenAI:
		return "/chat/completions"
	default:
		return ""
	}
}

func parseRetryAfter(header string) time.Time {
	if header == "" {
		return time.Now().UTC().Add(60 * time.Second)
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Now().UTC().Add(time.Duration(secs) * time.Second)
	}
	if when, err := time.Parse(time.RFC1123, header); err == nil {
		return when.UTC()
	}
	return time.Now().UTC().Add(60 * time.Second)
}

