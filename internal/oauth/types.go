package oauth

import (
	"fmt"
	"time"
)

// DefaultScopes is the fixed scope set requested from Slack: posting messages
// and reading the channel list.
var DefaultScopes = []string{"chat:write", "channels:read"}

// FlowState names a position in the per-attempt authorization state machine.
type FlowState string

const (
	// FlowInitiated: authorization URL built, state token persisted.
	FlowInitiated FlowState = "initiated"
	// FlowAwaitingCallback: waiting for the browser redirect to come back.
	FlowAwaitingCallback FlowState = "awaiting_callback"
	// FlowExchanging: state token consumed, code exchange in progress.
	FlowExchanging FlowState = "exchanging"
	// FlowComplete: Slack token stored; terminal success.
	FlowComplete FlowState = "complete"
	// FlowFailed: exchange rejected or unreachable; terminal error.
	FlowFailed FlowState = "failed"
	// FlowExpired: state token window elapsed; terminal.
	FlowExpired FlowState = "expired"
	// FlowUnauthenticated is reported when no flow and no token exist.
	FlowUnauthenticated FlowState = "unauthenticated"
)

// SlackTokenRecord is the stored result of a completed authorization. It is
// owned exclusively by the TokenStore; other components receive copies.
type SlackTokenRecord struct {
	// StorageKey is f(client_id, user_id); see TokenKey.
	StorageKey string `json:"storage_key"`

	// AccessToken is the Slack OAuth access token (secret).
	AccessToken string `json:"access_token"`

	// TeamID is the Slack workspace the token belongs to.
	TeamID string `json:"team_id,omitempty"`

	// AuthedUserID is the Slack user that granted access.
	AuthedUserID string `json:"authed_user_id,omitempty"`

	// Scopes granted by Slack.
	Scopes []string `json:"scopes,omitempty"`

	ObtainedAt time.Time `json:"obtained_at"`

	// ExpiresAt is zero for tokens without expiry (Slack's default).
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the record is past its expiry, with a margin for
// clock skew. Records without expiry never expire.
func (r *SlackTokenRecord) IsExpired(margin time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(r.ExpiresAt)
}

// wellFormed is the lightweight shape check applied before a record is
// returned to a caller. A record failing it is treated as absent.
func (r *SlackTokenRecord) wellFormed() bool {
	return r.AccessToken != "" && r.StorageKey != "" && !r.ObtainedAt.IsZero()
}

// ClientRegistration is an issued dynamic client registration. Immutable
// after creation.
type ClientRegistration struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	GrantTypes   []string  `json:"grant_types"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthorizationState binds an authorization URL to the callback that will
// eventually redeem it. Single-use, bounded lifetime.
type AuthorizationState struct {
	// StateToken is the opaque nonce carried through the browser redirect.
	StateToken string `json:"state_token"`

	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	CreatedAt   time.Time `json:"created_at"`

	// ClientRedirectURI and ClientState are set when a registered client
	// started the flow through /authorize: after the Slack callback the
	// browser is sent on to the client's redirect_uri with an authorization
	// code and the client's own state echoed back. Both stay empty for flows
	// the tool layer starts directly.
	ClientRedirectURI string `json:"client_redirect_uri,omitempty"`
	ClientState       string `json:"client_state,omitempty"`
}

// authorizationCodeRecord is the single-use code minted after the Slack
// callback for a client-initiated flow, redeemed at the token endpoint.
type authorizationCodeRecord struct {
	ClientID   string    `json:"client_id"`
	StorageKey string    `json:"storage_key"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
}

// pendingAuthorization is the per-(client, user) marker that deduplicates
// concurrent authorization attempts: while one is awaiting its callback, new
// ensure-authenticated calls return the same URL instead of minting fresh
// state tokens.
type pendingAuthorization struct {
	StateToken       string    `json:"state_token"`
	AuthorizationURL string    `json:"authorization_url"`
	CreatedAt        time.Time `json:"created_at"`
}

// protocolTokenMapping is the secondary index from a protocol-level bearer
// token to the SlackTokenRecord it resolves to.
type protocolTokenMapping struct {
	StorageKey string    `json:"storage_key"`
	ClientID   string    `json:"client_id"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProtocolToken is the bearer token pair minted for the MCP client after a
// successful exchange. Distinct from Slack's own token.
type ProtocolToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthResult is the outcome of EnsureAuthenticated: either an authorized
// Slack token or a pending authorization URL for the user to visit.
type AuthResult struct {
	Authorized       bool
	Token            *SlackTokenRecord
	AuthorizationURL string
}

// AuthStatus is the report returned by Status for the auth-status tool and
// the /oauth/status endpoint.
type AuthStatus struct {
	State            FlowState `json:"state"`
	TeamID           string    `json:"team_id,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	AuthorizationURL string    `json:"authorization_url,omitempty"`
}

// TokenSummary is token metadata safe for debugging output: never the token
// value, client identifier truncated.
type TokenSummary struct {
	StorageKey    string `json:"storage_key"`
	TeamID        string `json:"team_id,omitempty"`
	ObtainedAt    string `json:"obtained_at"`
	Expired       bool   `json:"expired"`
	HasExpiration bool   `json:"has_expiration"`
}

// TokenKey builds the composite storage key addressing a SlackTokenRecord.
func TokenKey(clientID, userID string) string {
	return fmt.Sprintf("%s:%s", clientID, userID)
}

// Storage key namespaces. Sharing one backend namespace keeps DynamoDB TTL
// behavior uniform across record kinds.
const (
	tokenKeyPrefix        = "token:"
	clientKeyPrefix       = "client:"
	stateKeyPrefix        = "state:"
	pendingKeyPrefix      = "pending:"
	protoTokenKeyPrefix   = "mcp_token:"
	protoRefreshKeyPrefix = "mcp_refresh:"
	authCodeKeyPrefix     = "mcp_code:"
)

func tokenStorageKey(storageKey string) string   { return tokenKeyPrefix + storageKey }
func clientStorageKey(clientID string) string    { return clientKeyPrefix + clientID }
func stateStorageKey(stateToken string) string   { return stateKeyPrefix + stateToken }
func pendingStorageKey(storageKey string) string { return pendingKeyPrefix + storageKey }
func protoTokenStorageKey(token string) string   { return protoTokenKeyPrefix + token }
func protoRefreshStorageKey(token string) string { return protoRefreshKeyPrefix + token }
func authCodeStorageKey(code string) string      { return authCodeKeyPrefix + code }
