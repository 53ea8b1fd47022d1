// Package tools exposes the Slack operations as MCP tools. Every tool call
// resolves the caller's identity and goes through the authorization provider,
// so an unauthenticated caller receives the authorization URL instead of an
// error. A caller presenting a live protocol bearer token is identified by
// the token itself; otherwise the identity is derived from request headers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"slackmcp/internal/oauth"
	"slackmcp/internal/session"
	"slackmcp/internal/slackapi"
	"slackmcp/internal/storage"
	"slackmcp/pkg/logging"
)

const (
	serverName    = "slack-mcp"
	serverVersion = "1.0.0"
)

type contextKey string

// identityKey carries the resolved caller identity through a tool call.
const identityKey contextKey = "slackmcp.identity"

// callerIdentity is the (client, user) pair a tool call acts for.
type callerIdentity struct {
	clientID string
	userID   string
}

// withIdentity stashes the resolved identity in the context.
func withIdentity(ctx context.Context, id callerIdentity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// SlackAPI is the surface of the Slack client the tools call. Implemented by
// slackapi.Client.
type SlackAPI interface {
	ListChannels(ctx context.Context, accessToken string, limit int) ([]slackapi.Channel, error)
	PostMessage(ctx context.Context, accessToken, channelID, text string) (string, error)
}

// Server wraps the MCP server and its collaborators.
type Server struct {
	mcp      *mcpsrv.MCPServer
	provider *oauth.Provider
	slack    SlackAPI
	resolver *session.Resolver

	// clientID is the identity component contributed by the Slack app
	// registration; combined with the per-caller user ID it forms the token
	// storage key.
	clientID string
}

// New creates the MCP server with all tools registered.
func New(provider *oauth.Provider, slack SlackAPI, resolver *session.Resolver, clientID string) *Server {
	s := &Server{
		provider: provider,
		slack:    slack,
		resolver: resolver,
		clientID: clientID,
	}

	mcpServer := mcpsrv.NewMCPServer(
		serverName,
		serverVersion,
		mcpsrv.WithInstructions(instructions),
	)
	for _, t := range s.tools() {
		mcpServer.AddTool(t.Tool, t.Handler)
	}
	s.mcp = mcpServer
	return s
}

const instructions = `You are connected to a Slack MCP server.

Tools operate against the Slack workspace of the authenticated user. If a
tool reports that authorization is required, open the returned URL in a
browser, approve the request, then retry the tool call.`

// ServeHTTP runs the MCP server over Streamable HTTP on addr until ctx is
// cancelled. Caller identity headers are captured into the request context
// before tool handlers run.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	streamSrv := mcpsrv.NewStreamableHTTPServer(s.mcp,
		mcpsrv.WithHTTPContextFunc(s.withCallerIdentity),
	)

	logging.Info("Tools", "MCP server listening on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := streamSrv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("mcp http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logging.Info("Tools", "MCP server shutting down")
		if err := streamSrv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("mcp http server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// withCallerIdentity resolves the request's identity before tool handlers
// run. A live protocol bearer token names its (client, user) pair directly;
// otherwise the session resolver derives one from the request headers under
// the Slack app's client identity.
func (s *Server) withCallerIdentity(ctx context.Context, r *http.Request) context.Context {
	if bearer := bearerToken(r.Header); bearer != "" {
		clientID, userID, ok, err := s.provider.ProtocolTokenIdentity(ctx, bearer)
		if err != nil {
			logging.Warn("Tools", "Bearer token lookup failed: %v", err)
		} else if ok {
			return withIdentity(ctx, callerIdentity{clientID: clientID, userID: userID})
		}
	}
	return withIdentity(ctx, callerIdentity{clientID: s.clientID, userID: s.resolver.Resolve(r.Header)})
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// identity returns the caller identity set by the HTTP context function,
// falling back to the Slack app client and default user for stdio transports.
func (s *Server) identity(ctx context.Context) callerIdentity {
	if id, ok := ctx.Value(identityKey).(callerIdentity); ok && id.userID != "" {
		return id
	}
	return callerIdentity{clientID: s.clientID, userID: session.DefaultUserID}
}

func (s *Server) tools() []mcpsrv.ServerTool {
	return []mcpsrv.ServerTool{
		s.toolListChannels(),
		s.toolPostMessage(),
		s.toolGetAuthStatus(),
		s.toolRevokeAuth(),
	}
}

// ensureToken runs the authorization check for the calling identity. When no
// valid token exists, the returned CallToolResult carries the authorization
// URL and the token is nil.
func (s *Server) ensureToken(ctx context.Context) (*oauth.SlackTokenRecord, *mcplib.CallToolResult, error) {
	id := s.identity(ctx)
	res, err := s.provider.EnsureAuthenticated(ctx, id.clientID, id.userID)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, resultErr(errors.New("token storage is temporarily unavailable, please retry")), nil
		}
		return nil, nil, err
	}
	if !res.Authorized {
		return nil, resultText(fmt.Sprintf(
			"Authorization required. Open this URL in a browser, approve access, then retry:\n%s",
			res.AuthorizationURL)), nil
	}
	return res.Token, nil, nil
}

func resultText(text string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(text)
}

func resultErr(err error) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.NewTextContent(err.Error())},
		IsError: true,
	}
}

func resultJSON(v any) (*mcplib.CallToolResult, error) {
	return mcplib.NewToolResultJSON(v)
}

// stringArg extracts a named string argument from a tool call request.
func stringArg(req mcplib.CallToolRequest, name string) (string, bool) {
	args := req.GetArguments()
	if args == nil {
		return "", false
	}
	v, ok := args[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intArg extracts a named int argument. The protocol serializes numbers as
// float64.
func intArg(req mcplib.CallToolRequest, name string, defaultVal int) int {
	args := req.GetArguments()
	if args == nil {
		return defaultVal
	}
	v, ok := args[name]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return defaultVal
}
