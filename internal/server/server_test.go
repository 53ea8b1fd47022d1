package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackmcp/internal/oauth"
	"slackmcp/internal/session"
	"slackmcp/internal/storage"
)

type stubExchanger struct {
	result *oauth.ExchangeResult
}

func (s *stubExchanger) ExchangeCode(_ context.Context, _, _ string) (*oauth.ExchangeResult, error) {
	return s.result, nil
}

func newTestServer(t *testing.T) (*Server, *oauth.Provider) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	t.Cleanup(backend.Stop)
	provider := oauth.NewProvider(oauth.ProviderConfig{
		SlackClientID:     "slack-app-id",
		SlackClientSecret: "slack-app-secret",
		RedirectURI:       "http://localhost:8002/slack/callback",
	}, backend, &stubExchanger{result: &oauth.ExchangeResult{
		AccessToken: "xoxp-token",
		TeamID:      "T1",
	}}, nil)
	resolver := session.NewResolver(session.ModeMultiUser)
	return New("localhost:0", provider, resolver, backend), provider
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["storage"])
}

func TestRegisterEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := `{
		"client_name": "test-client",
		"redirect_uris": ["http://localhost:3000/callback"],
		"grant_types": ["authorization_code", "urn:ietf:params:oauth:grant-type:device_code"]
	}`
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var reg oauth.ClientRegistration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.NotEmpty(t, reg.ClientID)
	assert.NotEmpty(t, reg.ClientSecret)
	assert.Equal(t, []string{"authorization_code"}, reg.GrantTypes)
}

func TestRegisterEndpointRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpointLifecycle(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()

	get := func(headers map[string]string) *oauth.AuthStatus {
		req := httptest.NewRequest(http.MethodGet, "/oauth/status?client_id=client-1", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var status oauth.AuthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		return &status
	}

	headers := map[string]string{"X-User-Id": "alice"}
	assert.Equal(t, oauth.FlowUnauthenticated, get(headers).State)

	resolver := session.NewResolver(session.ModeMultiUser)
	hdr := http.Header{}
	hdr.Set("X-User-Id", "alice")
	userID := resolver.Resolve(hdr)

	res, err := provider.EnsureAuthenticated(ctx, "client-1", userID)
	require.NoError(t, err)
	pending := get(headers)
	assert.Equal(t, oauth.FlowAwaitingCallback, pending.State)
	assert.Equal(t, res.AuthorizationURL, pending.AuthorizationURL)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	cbURL := "/slack/callback?code=auth-code&state=" + u.Query().Get("state")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cbURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	done := get(headers)
	assert.Equal(t, oauth.FlowComplete, done.State)
	assert.Equal(t, "T1", done.TeamID)
}

func TestStatusEndpointReportsBackendAndEnvironment(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/status?client_id=client-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "memory", body["storage"])
	assert.Equal(t, "local", body["environment"])
}

func TestAuthorizeAndTokenEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	// Register a client.
	payload := `{"client_name": "cli", "redirect_uris": ["http://localhost:3000/callback"]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString(payload)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg oauth.ClientRegistration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	// The authorization endpoint sends the browser to Slack.
	authzURL := "/authorize?client_id=" + reg.ClientID +
		"&redirect_uri=" + url.QueryEscape("http://localhost:3000/callback") +
		"&state=cs-1"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, authzURL, nil))
	require.Equal(t, http.StatusFound, rec.Code)
	slackURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "slack.com", slackURL.Host)

	// The Slack callback redirects on to the client with a code.
	cbURL := "/slack/callback?code=auth-code&state=" + slackURL.Query().Get("state")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cbURL, nil))
	require.Equal(t, http.StatusFound, rec.Code)
	clientRedirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "cs-1", clientRedirect.Query().Get("state"))
	code := clientRedirect.Query().Get("code")
	require.NotEmpty(t, code)

	// The token endpoint redeems the code for a protocol token pair.
	form := url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {reg.ClientID},
		"code":       {code},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var token oauth.ProtocolToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)
	assert.Equal(t, "Bearer", token.TokenType)

	// The refresh grant rotates the pair.
	form = url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {reg.ClientID},
		"refresh_token": {token.RefreshToken},
	}
	req = httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated oauth.ProtocolToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEqual(t, token.RefreshToken, rotated.RefreshToken)
}

func TestAuthorizeEndpointRejectsUnknownClient(t *testing.T) {
	srv, _ := newTestServer(t)

	u := "/authorize?client_id=never-registered&redirect_uri=" + url.QueryEscape("http://localhost:3000/callback")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenEndpointErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := post(url.Values{"grant_type": {"password"}, "client_id": {"c1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")

	rec = post(url.Values{"grant_type": {"authorization_code"}, "client_id": {"never-registered"}, "code": {"x"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")

	payload := `{"client_name": "cli", "redirect_uris": ["http://localhost:3000/callback"]}`
	regRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(regRec, httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString(payload)))
	require.Equal(t, http.StatusCreated, regRec.Code)
	var reg oauth.ClientRegistration
	require.NoError(t, json.Unmarshal(regRec.Body.Bytes(), &reg))

	rec = post(url.Values{"grant_type": {"authorization_code"}, "client_id": {reg.ClientID}, "code": {"never-issued"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestStatusEndpointRequiresClientID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/status", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeEndpoint(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()

	resolver := session.NewResolver(session.ModeMultiUser)
	hdr := http.Header{}
	hdr.Set("X-User-Id", "alice")
	userID := resolver.Resolve(hdr)

	res, err := provider.EnsureAuthenticated(ctx, "client-1", userID)
	require.NoError(t, err)
	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	_, err = provider.HandleCallback(ctx, "auth-code", u.Query().Get("state"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/oauth/revoke?client_id=client-1", nil)
	req.Header.Set("X-User-Id", "alice")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	after, err := provider.EnsureAuthenticated(ctx, "client-1", userID)
	require.NoError(t, err)
	assert.False(t, after.Authorized)
}

func TestListTokensEndpointOmitsValues(t *testing.T) {
	srv, provider := newTestServer(t)
	ctx := context.Background()

	res, err := provider.EnsureAuthenticated(ctx, "client-1", "user-1")
	require.NoError(t, err)
	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	_, err = provider.HandleCallback(ctx, "auth-code", u.Query().Get("state"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/tokens", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, rec.Body.String(), "xoxp-token")
	var body struct {
		Count  int                  `json:"count"`
		Tokens []oauth.TokenSummary `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}
