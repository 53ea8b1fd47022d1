package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"slackmcp/internal/storage"
)

func newTestHandler(t *testing.T, exchanger CodeExchanger) (*Handler, *Provider) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	t.Cleanup(backend.Stop)
	provider := NewProvider(ProviderConfig{
		SlackClientID:     "slack-app-id",
		SlackClientSecret: "slack-app-secret",
		RedirectURI:       "http://localhost:8002/slack/callback",
	}, backend, exchanger, nil)
	return NewHandler(provider), provider
}

func TestHandlerSuccessfulCallback(t *testing.T) {
	exchanger := &fakeExchanger{result: &ExchangeResult{AccessToken: "xoxp-token", TeamID: "T1"}}
	handler, provider := newTestHandler(t, exchanger)
	ctx := context.Background()

	res, err := provider.EnsureAuthenticated(ctx, "client-1", "user-1")
	if err != nil {
		t.Fatalf("EnsureAuthenticated failed: %v", err)
	}
	state := callbackParams(t, res.AuthorizationURL)

	req := httptest.NewRequest(http.MethodGet, "/slack/callback?code=auth-code&state="+state, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Slack Connected") {
		t.Error("Expected success page in response body")
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff header, got %q", got)
	}

	after, err := provider.EnsureAuthenticated(ctx, "client-1", "user-1")
	if err != nil {
		t.Fatalf("EnsureAuthenticated after callback failed: %v", err)
	}
	if !after.Authorized {
		t.Error("Expected token to be stored after callback")
	}
}

func TestHandlerRedirectsClientFlows(t *testing.T) {
	exchanger := &fakeExchanger{result: &ExchangeResult{AccessToken: "xoxp-token"}}
	handler, provider := newTestHandler(t, exchanger)
	ctx := context.Background()

	reg := registerTestClient(t, provider, nil)
	authURL, err := provider.BeginClientAuthorization(ctx, reg.ClientID, reg.RedirectURIs[0], "cs-9", "user-1", nil)
	if err != nil {
		t.Fatalf("BeginClientAuthorization failed: %v", err)
	}
	state := callbackParams(t, authURL)

	req := httptest.NewRequest(http.MethodGet, "/slack/callback?code=auth-code&state="+state, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("Expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, reg.RedirectURIs[0]) {
		t.Errorf("Expected redirect to client redirect_uri, got %q", location)
	}
	if !strings.Contains(location, "code=") || !strings.Contains(location, "state=cs-9") {
		t.Errorf("Expected code and state in redirect, got %q", location)
	}
}

func TestHandlerRejectsMissingParameters(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeExchanger{})

	req := httptest.NewRequest(http.MethodGet, "/slack/callback", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing parameters, got %d", rec.Code)
	}
}

func TestHandlerRejectsProviderError(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeExchanger{})

	req := httptest.NewRequest(http.MethodGet, "/slack/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for provider error, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "access_denied") {
		t.Error("Expected provider error code in response body")
	}
}

func TestHandlerRejectsUnknownState(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeExchanger{})

	req := httptest.NewRequest(http.MethodGet, "/slack/callback?code=auth-code&state=forged", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown state, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "expired") {
		t.Error("Expected session-expired message in response body")
	}
}

func TestHandlerEscapesErrorMessages(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeExchanger{})

	req := httptest.NewRequest(http.MethodGet, "/slack/callback?error=%3Cscript%3Ealert(1)%3C%2Fscript%3E", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "<script>") {
		t.Error("Error message was not HTML-escaped")
	}
}
