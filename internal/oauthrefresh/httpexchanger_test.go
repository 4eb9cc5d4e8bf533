package oauthrefresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

func testSession(extra map[string]string) *models.OAuthSession {
	return &models.OAuthSession{
		ID:           "sess1",
		TenantID:     "t1",
		VendorID:     "claude",
		AccessToken:  "old-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Minute),
		Status:       models.OAuthAuthorized,
		Extra:        extra,
	}
}

func TestHTTPExchanger_Refresh_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("grant_type") != "refresh_token" {
			t.Errorf("expected grant_type=refresh_token, got %q", r.FormValue("grant_type"))
		}
		if r.FormValue("refresh_token") != "refresh-token" {
			t.Errorf("expected refresh_token=refresh-token, got %q", r.FormValue("refresh_token"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	sess := testSession(map[string]string{"token_url": srv.URL, "client_id": "cid"})
	x := NewHTTPExchanger(nil)

	ex, err := x.Refresh(context.Background(), sess)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ex.AccessToken != "new-token" {
		t.Errorf("expected new-token, got %q", ex.AccessToken)
	}
	if ex.ExpiresIn != time.Hour {
		t.Errorf("expected 1h expiry, got %v", ex.ExpiresIn)
	}
}

func TestHTTPExchanger_Refresh_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token expired",
		})
	}))
	defer srv.Close()

	sess := testSession(map[string]string{"token_url": srv.URL})
	x := NewHTTPExchanger(nil)

	ex, err := x.Refresh(context.Background(), sess)
	if err == nil {
		t.Fatal("expected error")
	}
	if !ex.InvalidGrant {
		t.Error("expected InvalidGrant to be set")
	}
}

func TestHTTPExchanger_Refresh_MissingTokenURL(t *testing.T) {
	sess := testSession(map[string]string{})
	x := NewHTTPExchanger(nil)

	if _, err := x.Refresh(context.Background(), sess); err == nil {
		t.Fatal("expected error for missing token_url")
	}
}
