// Package slackapi wraps the Slack Web API calls this server makes: the
// OAuth v2 code exchange, token validation, and the channel and message
// operations backing the tool layer.
package slackapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rusq/slack"

	"slackmcp/internal/oauth"
	"slackmcp/pkg/logging"
)

const listChannelsPageSize = 200

// Client talks to the Slack Web API. It is safe for concurrent use.
type Client struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client

	// apiURL overrides the Slack API base URL; empty in production.
	apiURL string
}

// NewClient creates a Slack API client with the application credentials used
// for the code exchange.
func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// ExchangeCode redeems an authorization code at oauth.v2.access. Slack
// reports failures in its own {ok, error} envelope rather than an HTTP error
// status; both kinds surface as *oauth.ExchangeError.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*oauth.ExchangeResult, error) {
	resp, err := slack.GetOAuthV2ResponseContext(ctx, c.httpClient,
		c.clientID, c.clientSecret, code, redirectURI)
	if err != nil {
		return nil, &oauth.ExchangeError{Reason: "oauth.v2.access request failed", Err: err}
	}

	// Prefer the user token from a user-scope install; fall back to the bot
	// token when the app was installed with bot scopes only.
	token := resp.AuthedUser.AccessToken
	scope := resp.AuthedUser.Scope
	expiresIn := resp.AuthedUser.ExpiresIn
	if token == "" {
		token = resp.AccessToken
		scope = resp.Scope
		expiresIn = resp.ExpiresIn
	}
	if token == "" {
		return nil, &oauth.ExchangeError{Reason: "response contained no access token"}
	}

	logging.Info("SlackAPI", "Exchanged code for team %s", resp.Team.ID)
	result := &oauth.ExchangeResult{
		AccessToken:  token,
		TeamID:       resp.Team.ID,
		AuthedUserID: resp.AuthedUser.ID,
		ExpiresIn:    expiresIn,
	}
	if scope != "" {
		result.Scopes = strings.Split(scope, ",")
	}
	return result, nil
}

// ValidateToken checks a stored token against auth.test.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) error {
	api := c.apiFor(accessToken)
	if _, err := api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("auth.test: %w", err)
	}
	return nil
}

// Channel is the subset of conversation metadata exposed to tools.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	NumMembers int    `json:"num_members"`
}

// ListChannels returns the channels visible to the token, following
// pagination cursors until limit is reached. A limit of 0 means no cap.
func (c *Client) ListChannels(ctx context.Context, accessToken string, limit int) ([]Channel, error) {
	api := c.apiFor(accessToken)

	var channels []Channel
	cursor := ""
	for {
		page, next, err := api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           listChannelsPageSize,
			Types:           []string{"public_channel"},
		})
		if err != nil {
			return nil, fmt.Errorf("conversations.list: %w", err)
		}
		for _, ch := range page {
			channels = append(channels, Channel{
				ID:         ch.ID,
				Name:       ch.Name,
				IsPrivate:  ch.IsPrivate,
				IsArchived: ch.IsArchived,
				NumMembers: ch.NumMembers,
			})
			if limit > 0 && len(channels) >= limit {
				return channels[:limit], nil
			}
		}
		if next == "" {
			return channels, nil
		}
		cursor = next
	}
}

// PostMessage posts text to a channel and returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, accessToken, channelID, text string) (string, error) {
	api := c.apiFor(accessToken)
	_, ts, err := api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("chat.postMessage: %w", err)
	}
	logging.Debug("SlackAPI", "Posted message to %s at %s", channelID, ts)
	return ts, nil
}

func (c *Client) apiFor(accessToken string) *slack.Client {
	opts := []slack.Option{slack.OptionHTTPClient(c.httpClient)}
	if c.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(c.apiURL))
	}
	return slack.New(accessToken, opts...)
}
