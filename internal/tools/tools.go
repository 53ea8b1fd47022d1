package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"slackmcp/internal/storage"
	"slackmcp/pkg/logging"
)

const defaultChannelLimit = 100

func (s *Server) toolListChannels() mcpsrv.ServerTool {
	tool := mcplib.NewTool("list_channels",
		mcplib.WithDescription("List public channels in the authenticated user's Slack workspace. Returns channel IDs, names, and member counts."),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of channels to return (default 100)."),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleListChannels}
}

func (s *Server) handleListChannels(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	token, pending, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return pending, nil
	}

	limit := intArg(req, "limit", defaultChannelLimit)
	channels, err := s.slack.ListChannels(ctx, token.AccessToken, limit)
	if err != nil {
		return resultErr(fmt.Errorf("list_channels: %w", err)), nil
	}

	logging.Debug("Tools", "list_channels returned %d channels", len(channels))
	return resultJSON(map[string]any{
		"count":    len(channels),
		"channels": channels,
	})
}

func (s *Server) toolPostMessage() mcpsrv.ServerTool {
	tool := mcplib.NewTool("post_message",
		mcplib.WithDescription("Post a message to a Slack channel as the authenticated user."),
		mcplib.WithString("channel",
			mcplib.Description("Channel ID (e.g. C0123456789) to post to."),
			mcplib.Required(),
		),
		mcplib.WithString("text",
			mcplib.Description("Message text to post."),
			mcplib.Required(),
		),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handlePostMessage}
}

func (s *Server) handlePostMessage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	channel, ok := stringArg(req, "channel")
	if !ok || channel == "" {
		return resultErr(errors.New("post_message: channel is required")), nil
	}
	text, ok := stringArg(req, "text")
	if !ok || text == "" {
		return resultErr(errors.New("post_message: text is required")), nil
	}

	token, pending, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return pending, nil
	}

	ts, err := s.slack.PostMessage(ctx, token.AccessToken, channel, text)
	if err != nil {
		return resultErr(fmt.Errorf("post_message: %w", err)), nil
	}
	return resultJSON(map[string]string{
		"channel": channel,
		"ts":      ts,
	})
}

func (s *Server) toolGetAuthStatus() mcpsrv.ServerTool {
	tool := mcplib.NewTool("get_auth_status",
		mcplib.WithDescription("Report the Slack authorization state for the calling identity: whether a token is stored, which workspace it belongs to, and the granted scopes."),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleGetAuthStatus}
}

func (s *Server) handleGetAuthStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := s.identity(ctx)
	status, err := s.provider.Status(ctx, id.clientID, id.userID)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return resultErr(errors.New("token storage is temporarily unavailable, please retry")), nil
		}
		return nil, err
	}
	return resultJSON(map[string]any{
		"state":             status.State,
		"team_id":           status.TeamID,
		"scopes":            strings.Join(status.Scopes, ","),
		"authorization_url": status.AuthorizationURL,
		"user_id":           id.userID,
	})
}

func (s *Server) toolRevokeAuth() mcpsrv.ServerTool {
	tool := mcplib.NewTool("revoke_auth",
		mcplib.WithDescription("Forget the stored Slack token for the calling identity. The next tool call will require re-authorization."),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: s.handleRevokeAuth}
}

func (s *Server) handleRevokeAuth(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := s.identity(ctx)
	if err := s.provider.Revoke(ctx, id.clientID, id.userID); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return resultErr(errors.New("token storage is temporarily unavailable, please retry")), nil
		}
		return nil, err
	}
	return resultText("Authorization revoked. The next Slack tool call will require re-authorization."), nil
}
