// Package proxy is the request dispatch core's HTTP entrypoint. It wires
// the Request Authenticator, Rate Limit Arbiter, Forwarder, and Trace
// Recorder into the per-request flow §2 describes: authenticate the
// service key, check quotas, decode the canonical request, forward it
// (streaming or not), record the trace, and map every failure mode to the
// apierr envelope.
package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-proxy/internal/authenticator"
	"github.com/nulpointcorp/llm-proxy/internal/forwarder"
	"github.com/nulpointcorp/llm-proxy/internal/metrics"
	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-proxy/internal/scheduler"
	"github.com/nulpointcorp/llm-proxy/internal/trace"
	"github.com/nulpointcorp/llm-proxy/internal/transform"
	"github.com/nulpointcorp/llm-proxy/pkg/apierr"
)

// statusCoder is implemented by forwarder.UpstreamError; errors.As unwraps
// to it the same way internal/healthmonitor unwraps a provider's wrapped
// error to classify it.
type statusCoder interface {
	HTTPStatus() int
}

// Gateway is the proxy-facing HTTP handler set — all dependencies are
// injected via the constructor so they can be replaced with test doubles.
type Gateway struct {
	auth    *authenticator.Authenticator
	arbiter *ratelimit.Arbiter
	fwd     *forwarder.Forwarder
	rec     *trace.Recorder
	prom    *metrics.Registry
	log     *slog.Logger

	corsOrigins []string
}

// New builds a Gateway. rec and prom may be nil — trace recording and
// metrics are optional and nil-safe throughout this package.
func New(auth *authenticator.Authenticator, arbiter *ratelimit.Arbiter, fwd *forwarder.Forwarder, rec *trace.Recorder, prom *metrics.Registry, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{auth: auth, arbiter: arbiter, fwd: fwd, rec: rec, prom: prom, log: log}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// dispatchChat implements §2's request flow for
// POST /{vendor_slug}/v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	traceID := uuid.New().String()

	slug, _ := ctx.UserValue("vendor").(string)

	result, err := g.auth.Authenticate(ctx, slug, headerGetter(ctx), queryGetter(ctx))
	if err != nil {
		g.writeAuthError(ctx, slug, err)
		g.recordTrace(traceID, "", "", "", start, ctx.Response.StatusCode(), false, "auth_error", "")
		return
	}

	if g.arbiter != nil {
		decision, checkErr := g.arbiter.CheckServiceKey(ctx, result.ServiceKey)
		if checkErr != nil {
			g.log.Warn("proxy: rate limit check failed, failing open", "error", checkErr)
		}
		if !decision.Allowed {
			if g.prom != nil {
				g.prom.RecordRateLimitDecision("service_key", "rejected")
			}
			apierr.WriteQuotaExceeded(ctx, int(decision.RetryAfter.Seconds()))
			g.recordTrace(traceID, result.ServiceKey.ID, "", result.Vendor.ID, start, ctx.Response.StatusCode(), false, "quota_exceeded", "")
			return
		}
		if g.prom != nil {
			g.prom.RecordRateLimitDecision("service_key", "allowed")
		}
	}

	var req transform.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		g.recordTrace(traceID, result.ServiceKey.ID, "", result.Vendor.ID, start, ctx.Response.StatusCode(), false, "invalid_request", "")
		return
	}
	if err := req.Validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		g.recordTrace(traceID, result.ServiceKey.ID, "", result.Vendor.ID, start, ctx.Response.StatusCode(), false, "invalid_request", req.Model)
		return
	}

	resp, err := g.fwd.Dispatch(ctx, result.Vendor, result.ServiceKey, req)
	if err != nil {
		g.writeDispatchError(ctx, err)
		g.recordTrace(traceID, result.ServiceKey.ID, "", result.Vendor.ID, start, ctx.Response.StatusCode(), false, classifyDispatchErr(err), req.Model)
		return
	}

	if resp.Stream != nil {
		g.writeStream(ctx, resp, traceID, result, start)
		return
	}

	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(resp.Body)

	if g.prom != nil {
		g.prom.AddTokens(result.Vendor.Slug, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	g.recordTrace(traceID, result.ServiceKey.ID, resp.CredentialID, result.Vendor.ID, start, resp.StatusCode, true, "", resp.Model)
}

// writeStream re-emits each transform.StreamChunk as an SSE "data:" frame,
// closing with "data: [DONE]\n\n" on a clean end of stream. The body
// stream writer runs asynchronously, so the trace/metrics write for a
// streaming dispatch happens here, after the loop observes the stream's
// true terminal state (clean end, vendor error, or client disconnect) —
// recording it any earlier would write a success trace with zero usage
// before the response has actually been sent.
func (g *Gateway) writeStream(ctx *fasthttp.RequestCtx, resp *forwarder.Response, traceID string, result authenticator.Result, start time.Time) {
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var usage transform.Usage
		success := true
		errClass := ""

		for ev := range resp.Stream {
			if ev.Err != nil {
				g.log.Warn("proxy: stream ended with error", "error", ev.Err)
				success = false
				errClass = string(models.ErrorClassNetwork)
				break
			}
			if ev.Chunk.Usage != nil {
				usage = *ev.Chunk.Usage
			}
			payload, err := json.Marshal(ev.Chunk)
			if err != nil {
				continue
			}
			if _, err := w.WriteString("data: "); err != nil {
				success = false
				errClass = string(models.ErrorClassNetwork)
				break
			}
			if _, err := w.Write(payload); err != nil {
				success = false
				errClass = string(models.ErrorClassNetwork)
				break
			}
			if _, err := w.WriteString("\n\n"); err != nil {
				success = false
				errClass = string(models.ErrorClassNetwork)
				break
			}
			if err := w.Flush(); err != nil {
				success = false
				errClass = string(models.ErrorClassNetwork)
				break
			}
		}
		if success {
			_, _ = w.WriteString("data: [DONE]\n\n")
			_ = w.Flush()
		}

		if g.prom != nil {
			g.prom.AddTokens(result.Vendor.Slug, usage.PromptTokens, usage.CompletionTokens)
		}
		g.recordTrace(traceID, result.ServiceKey.ID, resp.CredentialID, result.Vendor.ID, start, resp.StatusCode, success, errClass, resp.Model)
	})
}

func (g *Gateway) writeAuthError(ctx *fasthttp.RequestCtx, slug string, err error) {
	switch {
	case errors.Is(err, authenticator.ErrUnknownVendor):
		apierr.WriteUnknownVendor(ctx, slug)
	case errors.Is(err, authenticator.ErrAuthMisconfigured):
		apierr.WriteAuthMisconfigured(ctx, err.Error())
	default:
		apierr.Write(ctx, fasthttp.StatusUnauthorized, "invalid service key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	}
}

func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var sc statusCoder
	switch {
	case errors.Is(err, scheduler.ErrNoEligibleCredential):
		apierr.WriteNoEligibleCredential(ctx)
	case errors.As(err, &sc):
		apierr.WriteUpstreamError(ctx, sc.HTTPStatus(), err.Error())
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func classifyDispatchErr(err error) string {
	if errors.Is(err, scheduler.ErrNoEligibleCredential) {
		return string(models.ErrorClassQuotaExceeded)
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return string(models.ErrorClassServer)
	}
	return string(models.ErrorClassNetwork)
}

func (g *Gateway) recordTrace(traceID, serviceKeyID, credID, vendorID string, start time.Time, status int, success bool, errClass, model string) {
	if g.prom != nil {
		g.prom.ObserveHTTP("chat_completions", status, time.Since(start))
	}
	if g.rec == nil {
		return
	}
	g.rec.Record(models.TraceRecord{
		TraceID:        traceID,
		ServiceKeyID:   serviceKeyID,
		UpstreamCredID: credID,
		VendorID:       vendorID,
		StartedAt:      start,
		DurationMS:     time.Since(start).Milliseconds(),
		StatusCode:     status,
		IsSuccess:      success,
		ErrorClass:     errClass,
		Model:          model,
	})
	if g.prom != nil {
		g.prom.AddTraceDropped(g.rec.DroppedTraces())
	}
}

func headerGetter(ctx *fasthttp.RequestCtx) authenticator.HeaderGetter {
	return func(name string) string {
		return string(ctx.Request.Header.Peek(name))
	}
}

func queryGetter(ctx *fasthttp.RequestCtx) func(string) string {
	return func(name string) string {
		return string(ctx.QueryArgs().Peek(name))
	}
}
