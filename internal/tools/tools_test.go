package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"slackmcp/internal/oauth"
	"slackmcp/internal/session"
	"slackmcp/internal/slackapi"
	"slackmcp/internal/storage"
)

type fakeSlack struct {
	channels []slackapi.Channel
	posted   []string
}

func (f *fakeSlack) ListChannels(_ context.Context, _ string, limit int) ([]slackapi.Channel, error) {
	if limit > 0 && limit < len(f.channels) {
		return f.channels[:limit], nil
	}
	return f.channels, nil
}

func (f *fakeSlack) PostMessage(_ context.Context, _, channelID, text string) (string, error) {
	f.posted = append(f.posted, channelID+": "+text)
	return "1700000000.000100", nil
}

type stubExchanger struct{}

func (stubExchanger) ExchangeCode(_ context.Context, _, _ string) (*oauth.ExchangeResult, error) {
	return &oauth.ExchangeResult{
		AccessToken: "xoxp-token",
		TeamID:      "T1",
		Scopes:      []string{"chat:write", "channels:read"},
	}, nil
}

func newTestToolServer(t *testing.T) (*Server, *oauth.Provider, *fakeSlack) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	t.Cleanup(backend.Stop)
	provider := oauth.NewProvider(oauth.ProviderConfig{
		SlackClientID:     "slack-app-id",
		SlackClientSecret: "slack-app-secret",
		RedirectURI:       "http://localhost:8002/slack/callback",
	}, backend, stubExchanger{}, nil)
	slack := &fakeSlack{channels: []slackapi.Channel{
		{ID: "C1", Name: "general", NumMembers: 10},
		{ID: "C2", Name: "random", NumMembers: 4},
	}}
	resolver := session.NewResolver(session.ModeMultiUser)
	return New(provider, slack, resolver, "slack-app-id"), provider, slack
}

// authorize completes the browser flow for userID so tool calls succeed.
func authorize(t *testing.T, provider *oauth.Provider, userID string) {
	t.Helper()
	ctx := context.Background()
	res, err := provider.EnsureAuthenticated(ctx, "slack-app-id", userID)
	if err != nil {
		t.Fatalf("EnsureAuthenticated failed: %v", err)
	}
	u, err := url.Parse(res.AuthorizationURL)
	if err != nil {
		t.Fatalf("Failed to parse authorization URL: %v", err)
	}
	if _, err := provider.HandleCallback(ctx, "auth-code", u.Query().Get("state")); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
}

// userCtx builds a context carrying the identity a header-resolved HTTP
// request would produce.
func userCtx(userID string) context.Context {
	return withIdentity(context.Background(), callerIdentity{clientID: "slack-app-id", userID: userID})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("Expected content in tool result")
	}
	tc, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatalf("Expected text content, got %T", result.Content[0])
	}
	return tc.Text
}

func TestListChannelsRequiresAuthorization(t *testing.T) {
	srv, _, _ := newTestToolServer(t)
	ctx := userCtx("user-1")

	result, err := srv.handleListChannels(ctx, toolRequest("list_channels", nil))
	if err != nil {
		t.Fatalf("handleListChannels failed: %v", err)
	}
	if result.IsError {
		t.Fatal("Expected pending-authorization result, not an error")
	}
	text := textContent(t, result)
	if !strings.Contains(text, "https://slack.com/oauth/v2/authorize") {
		t.Errorf("Expected authorization URL in result, got: %s", text)
	}
}

func TestListChannelsAfterAuthorization(t *testing.T) {
	srv, provider, _ := newTestToolServer(t)
	authorize(t, provider, "user-1")
	ctx := userCtx("user-1")

	result, err := srv.handleListChannels(ctx, toolRequest("list_channels", nil))
	if err != nil {
		t.Fatalf("handleListChannels failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Unexpected error result: %s", textContent(t, result))
	}

	var body struct {
		Count    int                `json:"count"`
		Channels []slackapi.Channel `json:"channels"`
	}
	if err := json.Unmarshal([]byte(textContent(t, result)), &body); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if body.Count != 2 {
		t.Errorf("Expected 2 channels, got %d", body.Count)
	}
	if body.Channels[0].Name != "general" {
		t.Errorf("Unexpected first channel: %s", body.Channels[0].Name)
	}
}

func TestListChannelsLimit(t *testing.T) {
	srv, provider, _ := newTestToolServer(t)
	authorize(t, provider, "user-1")
	ctx := userCtx("user-1")

	result, err := srv.handleListChannels(ctx, toolRequest("list_channels", map[string]any{"limit": float64(1)}))
	if err != nil {
		t.Fatalf("handleListChannels failed: %v", err)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(textContent(t, result)), &body); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("Expected limit to cap channels at 1, got %d", body.Count)
	}
}

func TestPostMessageValidatesArguments(t *testing.T) {
	srv, _, _ := newTestToolServer(t)
	ctx := userCtx("user-1")

	result, err := srv.handlePostMessage(ctx, toolRequest("post_message", map[string]any{"text": "hi"}))
	if err != nil {
		t.Fatalf("handlePostMessage failed: %v", err)
	}
	if !result.IsError {
		t.Error("Expected error result for missing channel")
	}

	result, err = srv.handlePostMessage(ctx, toolRequest("post_message", map[string]any{"channel": "C1"}))
	if err != nil {
		t.Fatalf("handlePostMessage failed: %v", err)
	}
	if !result.IsError {
		t.Error("Expected error result for missing text")
	}
}

func TestPostMessageAfterAuthorization(t *testing.T) {
	srv, provider, slack := newTestToolServer(t)
	authorize(t, provider, "user-1")
	ctx := userCtx("user-1")

	result, err := srv.handlePostMessage(ctx, toolRequest("post_message", map[string]any{
		"channel": "C1",
		"text":    "hello world",
	}))
	if err != nil {
		t.Fatalf("handlePostMessage failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Unexpected error result: %s", textContent(t, result))
	}
	if len(slack.posted) != 1 || slack.posted[0] != "C1: hello world" {
		t.Errorf("Unexpected posted messages: %v", slack.posted)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	srv, provider, _ := newTestToolServer(t)
	authorize(t, provider, "user-1")

	// user-2 never authorized; their call must not reuse user-1's token.
	ctx := userCtx("user-2")
	result, err := srv.handleListChannels(ctx, toolRequest("list_channels", nil))
	if err != nil {
		t.Fatalf("handleListChannels failed: %v", err)
	}
	if !strings.Contains(textContent(t, result), "authorize") {
		t.Error("Expected user-2 to be asked to authorize")
	}
}

func TestGetAuthStatus(t *testing.T) {
	srv, provider, _ := newTestToolServer(t)
	ctx := userCtx("user-1")

	result, err := srv.handleGetAuthStatus(ctx, toolRequest("get_auth_status", nil))
	if err != nil {
		t.Fatalf("handleGetAuthStatus failed: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(textContent(t, result)), &body); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if body["state"] != "unauthenticated" {
		t.Errorf("Expected unauthenticated state, got %v", body["state"])
	}
	if body["user_id"] != "user-1" {
		t.Errorf("Expected user-1, got %v", body["user_id"])
	}

	authorize(t, provider, "user-1")
	result, err = srv.handleGetAuthStatus(ctx, toolRequest("get_auth_status", nil))
	if err != nil {
		t.Fatalf("handleGetAuthStatus failed: %v", err)
	}
	if err := json.Unmarshal([]byte(textContent(t, result)), &body); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if body["state"] != "complete" {
		t.Errorf("Expected complete state, got %v", body["state"])
	}
	if body["team_id"] != "T1" {
		t.Errorf("Expected team T1, got %v", body["team_id"])
	}
}

func TestRevokeAuth(t *testing.T) {
	srv, provider, _ := newTestToolServer(t)
	authorize(t, provider, "user-1")
	ctx := userCtx("user-1")

	result, err := srv.handleRevokeAuth(ctx, toolRequest("revoke_auth", nil))
	if err != nil {
		t.Fatalf("handleRevokeAuth failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Unexpected error result: %s", textContent(t, result))
	}

	after, err := srv.handleListChannels(ctx, toolRequest("list_channels", nil))
	if err != nil {
		t.Fatalf("handleListChannels failed: %v", err)
	}
	if !strings.Contains(textContent(t, after), "authorize") {
		t.Error("Expected re-authorization to be required after revoke")
	}
}

func TestIdentityDefaultsForBareContext(t *testing.T) {
	srv, _, _ := newTestToolServer(t)

	id := srv.identity(context.Background())
	if id.userID != session.DefaultUserID {
		t.Errorf("Expected default user ID, got %q", id.userID)
	}
	if id.clientID != "slack-app-id" {
		t.Errorf("Expected the Slack app client, got %q", id.clientID)
	}
}

func TestBearerTokenResolvesIdentity(t *testing.T) {
	srv, provider, _ := newTestToolServer(t)
	ctx := context.Background()

	reg, err := provider.RegisterClient(ctx, &oauth.RegistrationRequest{
		ClientName:   "cli",
		RedirectURIs: []string{"http://localhost:3000/callback"},
	})
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	authURL, err := provider.BeginClientAuthorization(ctx, reg.ClientID, reg.RedirectURIs[0], "", "user-9", nil)
	if err != nil {
		t.Fatalf("BeginClientAuthorization failed: %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Failed to parse authorization URL: %v", err)
	}
	result, err := provider.HandleCallback(ctx, "auth-code", u.Query().Get("state"))
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	redirect, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("Failed to parse client redirect: %v", err)
	}
	proto, err := provider.ExchangeAuthorizationCode(ctx, reg.ClientID, redirect.Query().Get("code"))
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+proto.AccessToken)
	callCtx := srv.withCallerIdentity(ctx, req)

	id := srv.identity(callCtx)
	if id.clientID != reg.ClientID || id.userID != "user-9" {
		t.Errorf("Bearer token resolved to wrong identity: %s/%s", id.clientID, id.userID)
	}

	// The tool call runs against the token minted through the client flow.
	listResult, err := srv.handleListChannels(callCtx, toolRequest("list_channels", nil))
	if err != nil {
		t.Fatalf("handleListChannels failed: %v", err)
	}
	if listResult.IsError {
		t.Fatalf("Unexpected error result: %s", textContent(t, listResult))
	}
	if strings.Contains(textContent(t, listResult), "authorize") {
		t.Error("Expected bearer-identified caller to be authorized")
	}
}

func TestUnknownBearerFallsBackToHeaders(t *testing.T) {
	srv, _, _ := newTestToolServer(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer never-minted")
	req.Header.Set("X-User-Id", "alice")
	callCtx := srv.withCallerIdentity(context.Background(), req)

	id := srv.identity(callCtx)
	if id.clientID != "slack-app-id" {
		t.Errorf("Expected fallback to the Slack app client, got %q", id.clientID)
	}
	if id.userID == session.DefaultUserID {
		t.Error("Expected header-derived user identity, got the default")
	}
}
