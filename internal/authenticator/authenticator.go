// Package authenticator implements the Request Authenticator: it resolves
// the inbound vendor slug from the URL path, extracts the presented secret
// per the vendor's auth_header_template, and looks up the ServiceKey it
// names. It performs no writes.
package authenticator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-proxy/internal/models"
	"github.com/nulpointcorp/llm-proxy/internal/store"
	"github.com/nulpointcorp/llm-proxy/internal/vendorregistry"
)

var (
	ErrUnknownVendor     = errors.New("authenticator: unknown_vendor")
	ErrAuthMisconfigured = errors.New("authenticator: auth_misconfigured")
	ErrInvalidServiceKey = errors.New("authenticator: invalid_service_key")
)

// Authenticator is the Request Authenticator component.
type Authenticator struct {
	registry *vendorregistry.Registry
	repo     store.Repository
}

// New builds an Authenticator.
func New(registry *vendorregistry.Registry, repo store.Repository) *Authenticator {
	return &Authenticator{registry: registry, repo: repo}
}

// Result is what a successful authentication yields.
type Result struct {
	Vendor     *models.Vendor
	ServiceKey *models.ServiceKey
}

// HeaderGetter abstracts the inbound header set so this package doesn't
// depend on fasthttp directly.
type HeaderGetter func(name string) string

// Authenticate resolves slug (the path's first segment) against the
// Vendor Registry, extracts the presented secret via the vendor's
// auth_header_template, and looks up an active ServiceKey for it.
func (a *Authenticator) Authenticate(ctx context.Context, slug string, headers HeaderGetter, query func(name string) string) (*Result, error) {
	vendor, _ := a.registry.ResolveSlug(slug)
	if vendor == nil || !vendor.Active {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, slug)
	}

	secret, err := ExtractSecret(vendor.AuthHeaderTemplate, headers, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthMisconfigured, err)
	}

	key, err := a.repo.FindServiceKey(ctx, vendor.ID, secret)
	if err != nil || !key.Active {
		return nil, fmt.Errorf("%w", ErrInvalidServiceKey)
	}

	return &Result{Vendor: vendor, ServiceKey: key}, nil
}

// ExtractSecret parses templates of the shape:
//
//	"Header-Name: prefix{key}suffix"   — read from a request header
//	"query:param_name={key}"           — read from a URL query parameter
//
// This covers both documented shapes: "Authorization: Bearer {key}" and
// "X-goog-api-key: {key}" for headers, and Gemini's "?key=<secret>" query
// form via "query:key={key}".
func ExtractSecret(template string, headers HeaderGetter, query func(string) string) (string, error) {
	if strings.HasPrefix(template, "query:") {
		rest := strings.TrimPrefix(template, "query:")
		eq := strings.IndexByte(rest, '=')
		if eq < 0 || !strings.Contains(rest, "{key}") {
			return "", fmt.Errorf("malformed query template %q", template)
		}
		param := rest[:eq]
		if query == nil {
			return "", fmt.Errorf("no query accessor provided")
		}
		val := query(param)
		if val == "" {
			return "", fmt.Errorf("missing query parameter %q", param)
		}
		return val, nil
	}

	colon := strings.IndexByte(template, ':')
	if colon < 0 {
		return "", fmt.Errorf("malformed header template %q", template)
	}
	headerName := strings.TrimSpace(template[:colon])
	pattern := strings.TrimSpace(template[colon+1:])

	placeholder := strings.Index(pattern, "{key}")
	if placeholder < 0 {
		return "", fmt.Errorf("template %q has no {key} placeholder", template)
	}
	prefix := pattern[:placeholder]
	suffix := pattern[placeholder+len("{key}"):]

	raw := headers(headerName)
	if raw == "" {
		return "", fmt.Errorf("missing header %q", headerName)
	}
	if !strings.HasPrefix(raw, prefix) || !strings.HasSuffix(raw, suffix) {
		return "", fmt.Errorf("header %q does not match template %q", headerName, template)
	}
	secret := raw[len(prefix) : len(raw)-len(suffix)]
	if secret == "" {
		return "", fmt.Errorf("empty secret extracted from header %q", headerName)
	}
	return secret, nil
}
