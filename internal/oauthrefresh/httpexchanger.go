package oauthrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

// HTTPExchanger implements TokenExchanger against a vendor's OAuth
// refresh_token endpoint over plain HTTP, the same way the Forwarder talks
// to vendors directly with net/http rather than a vendor SDK — a refresh
// grant is one POST and a JSON body, not enough surface to justify a
// dedicated OAuth client library.
//
// Per-vendor token endpoint and client credentials are not modelled on
// Vendor (that struct is shaped around a per-request proxy call, not an
// authorization flow) — they travel on the OAuthSession's Extra map,
// populated by the management plane when it creates the session:
// "token_url", "client_id", "client_secret".
type HTTPExchanger struct {
	httpClient *http.Client
}

// NewHTTPExchanger builds an HTTPExchanger.
func NewHTTPExchanger(httpClient *http.Client) *HTTPExchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExchanger{httpClient: httpClient}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh posts a grant_type=refresh_token request to the vendor's token
// endpoint per §4.5, reading endpoint/client credentials from sess's Extra
// map.
func (x *HTTPExchanger) Refresh(ctx context.Context, sess *models.OAuthSession) (Exchanged, error) {
	tokenURL := sess.Extra["token_url"]
	if tokenURL == "" {
		return Exchanged{}, fmt.Errorf("oauthrefresh: vendor %s session missing token_url", sess.VendorID)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", sess.RefreshToken)
	if clientID := sess.Extra["client_id"]; clientID != "" {
		form.Set("client_id", clientID)
	}
	if clientSecret := sess.Extra["client_secret"]; clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Exchanged{}, fmt.Errorf("oauthrefresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return Exchanged{}, fmt.Errorf("oauthrefresh: token endpoint call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Exchanged{}, fmt.Errorf("oauthrefresh: read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Exchanged{}, fmt.Errorf("oauthrefresh: decode token response: %w", err)
	}

	if tr.Error != "" {
		return Exchanged{InvalidGrant: tr.Error == "invalid_grant"},
			fmt.Errorf("oauthrefresh: %s: %s", tr.Error, tr.ErrorDescription)
	}
	if resp.StatusCode >= 400 {
		return Exchanged{}, fmt.Errorf("oauthrefresh: token endpoint status %d: %s", resp.StatusCode, string(body))
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}

	return Exchanged{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		ExpiresIn:    expiresIn,
	}, nil
}
