package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"slackmcp/internal/storage"
	"slackmcp/pkg/logging"
)

// Protocol token lifetimes. The refresh token outlives the access token so a
// client can rotate without re-running the browser flow.
const (
	protoTokenLifetime   = time.Hour
	protoRefreshLifetime = 30 * 24 * time.Hour
)

// authCodeLifetime bounds how long an issued authorization code stays
// redeemable at the token endpoint.
const authCodeLifetime = 5 * time.Minute

// slackEndpoint is Slack's OAuth v2 endpoint pair. Slack's token endpoint
// speaks its own {ok, error} JSON rather than RFC 6749, so only the
// authorization URL goes through the oauth2 package; the exchange itself is
// delegated to the CodeExchanger.
var slackEndpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

// ExchangeResult is what a successful code exchange yields.
type ExchangeResult struct {
	AccessToken  string
	TeamID       string
	AuthedUserID string
	Scopes       []string
	ExpiresIn    int
}

// CodeExchanger performs the authorization-code exchange against Slack.
// Implemented by slackapi.Client; faked in tests.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*ExchangeResult, error)
}

// TokenValidator checks that a stored token is still accepted by Slack.
// Implemented by slackapi.Client via auth.test.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken string) error
}

// Provider orchestrates the full authorization lifecycle: ensure, callback,
// protocol token minting and rotation, revocation, and status reporting.
type Provider struct {
	clientID     string
	clientSecret string
	redirectURI  string

	backend   storage.Backend
	tokens    *TokenStore
	states    *stateStore
	clients   *clientRegistry
	exchanger CodeExchanger
	validator TokenValidator

	// ensureGroup collapses concurrent EnsureAuthenticated calls for the
	// same (client, user) into one flow.
	ensureGroup singleflight.Group
}

// ProviderConfig carries the Slack application credentials and the callback
// URL registered with Slack.
type ProviderConfig struct {
	SlackClientID     string
	SlackClientSecret string
	RedirectURI       string
}

func NewProvider(cfg ProviderConfig, backend storage.Backend, exchanger CodeExchanger, validator TokenValidator) *Provider {
	return &Provider{
		clientID:     cfg.SlackClientID,
		clientSecret: cfg.SlackClientSecret,
		redirectURI:  cfg.RedirectURI,
		backend:      backend,
		tokens:       NewTokenStore(backend),
		states:       newStateStore(backend),
		clients:      newClientRegistry(backend),
		exchanger:    exchanger,
		validator:    validator,
	}
}

// Tokens exposes the token store for diagnostic listings.
func (p *Provider) Tokens() *TokenStore { return p.tokens }

// RegisterClient handles a dynamic client registration request.
func (p *Provider) RegisterClient(ctx context.Context, req *RegistrationRequest) (*ClientRegistration, error) {
	return p.clients.Register(ctx, req)
}

// BeginClientAuthorization starts the flow for a registered client hitting the
// authorization endpoint. The redirect_uri must match the registration and the
// registration must allow the authorization_code grant. It returns the Slack
// consent URL the browser is redirected to; after the Slack callback the
// browser continues to the client's redirect_uri with an authorization code
// and clientState echoed back.
func (p *Provider) BeginClientAuthorization(ctx context.Context, clientID, redirectURI, clientState, userID string, scopes []string) (string, error) {
	reg, err := p.clients.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if !grantAllowed(reg, "authorization_code") {
		return "", ErrUnauthorizedClient
	}
	registered := false
	for _, uri := range reg.RedirectURIs {
		if uri == redirectURI {
			registered = true
			break
		}
	}
	if !registered {
		return "", ErrInvalidRedirect
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	st, err := p.states.Create(ctx, clientID, userID, p.redirectURI, scopes)
	if err != nil {
		return "", err
	}
	st.ClientRedirectURI = redirectURI
	st.ClientState = clientState
	if err := p.states.Update(ctx, st); err != nil {
		return "", err
	}

	logging.Info("OAuth", "Started client authorization for %s",
		logging.TruncateID(TokenKey(clientID, userID)))
	return p.authorizationURL(st.StateToken, st.Scopes), nil
}

func grantAllowed(reg *ClientRegistration, grant string) bool {
	for _, g := range reg.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// authorizationURL builds the Slack consent URL for a state token.
func (p *Provider) authorizationURL(stateToken string, scopes []string) string {
	conf := &oauth2.Config{
		ClientID:    p.clientID,
		Endpoint:    slackEndpoint,
		RedirectURL: p.redirectURI,
	}
	// Slack takes user scopes in user_scope; the bot scope parameter stays
	// empty for a user-token install.
	return conf.AuthCodeURL(stateToken,
		oauth2.SetAuthURLParam("user_scope", strings.Join(scopes, ",")))
}

// EnsureAuthenticated returns the stored token for (clientID, userID) when it
// is present and still valid, otherwise returns an authorization URL the user
// must visit. Concurrent calls for the same pair share one flow and receive
// the same URL.
func (p *Provider) EnsureAuthenticated(ctx context.Context, clientID, userID string) (*AuthResult, error) {
	rec, found, err := p.tokens.GetToken(ctx, clientID, userID)
	if err != nil {
		return nil, err
	}
	if found {
		if p.validator != nil {
			if verr := p.validator.ValidateToken(ctx, rec.AccessToken); verr != nil {
				logging.Info("OAuth", "Stored token for %s rejected by auth.test, re-authenticating: %v",
					logging.TruncateID(TokenKey(clientID, userID)), verr)
				if derr := p.tokens.RevokeToken(ctx, clientID, userID); derr != nil {
					return nil, derr
				}
			} else {
				return &AuthResult{Authorized: true, Token: rec}, nil
			}
		} else {
			return &AuthResult{Authorized: true, Token: rec}, nil
		}
	}

	storageKey := TokenKey(clientID, userID)
	v, err, _ := p.ensureGroup.Do(storageKey, func() (any, error) {
		return p.beginAuthorization(ctx, clientID, userID)
	})
	if err != nil {
		return nil, err
	}
	return &AuthResult{Authorized: false, AuthorizationURL: v.(string)}, nil
}

// beginAuthorization reuses a pending flow when one exists, otherwise mints a
// fresh state token and persists the pending marker.
func (p *Provider) beginAuthorization(ctx context.Context, clientID, userID string) (string, error) {
	storageKey := TokenKey(clientID, userID)
	pendingKey := pendingStorageKey(storageKey)

	if data, found, err := p.backend.Get(ctx, pendingKey); err != nil {
		return "", err
	} else if found {
		var pending pendingAuthorization
		if json.Unmarshal(data, &pending) == nil && pending.AuthorizationURL != "" {
			logging.Debug("OAuth", "Reusing pending authorization for %s",
				logging.TruncateID(storageKey))
			return pending.AuthorizationURL, nil
		}
	}

	st, err := p.states.Create(ctx, clientID, userID, p.redirectURI, DefaultScopes)
	if err != nil {
		return "", err
	}
	authURL := p.authorizationURL(st.StateToken, st.Scopes)

	pending := pendingAuthorization{
		StateToken:       st.StateToken,
		AuthorizationURL: authURL,
		CreatedAt:        time.Now().UTC(),
	}
	data, err := json.Marshal(&pending)
	if err != nil {
		return "", err
	}
	if err := p.backend.Put(ctx, pendingKey, data, stateLifetime); err != nil {
		return "", err
	}

	logging.Info("OAuth", "Started authorization flow for %s", logging.TruncateID(storageKey))
	return authURL, nil
}

// CallbackResult tells the HTTP layer how to finish a callback: send the
// browser on to the client's redirect_uri when a registered client started the
// flow, or render the success page for a flow the tool layer started.
type CallbackResult struct {
	RedirectURL string
}

// HandleCallback consumes the state token, exchanges the code with Slack, and
// stores the resulting token. For a client-initiated flow it additionally
// mints a single-use authorization code and returns the redirect back to the
// client.
func (p *Provider) HandleCallback(ctx context.Context, code, stateToken string) (*CallbackResult, error) {
	st, err := p.states.Consume(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	storageKey := TokenKey(st.ClientID, st.UserID)
	// The flow is terminal either way; the pending marker must not keep
	// serving a consumed state's URL.
	defer func() {
		if derr := p.backend.Delete(ctx, pendingStorageKey(storageKey)); derr != nil {
			logging.Warn("OAuth", "Failed to clear pending marker for %s: %v",
				logging.TruncateID(storageKey), derr)
		}
	}()

	res, err := p.exchanger.ExchangeCode(ctx, code, st.RedirectURI)
	if err != nil {
		logging.Error("OAuth", err, "Code exchange failed for %s", logging.TruncateID(storageKey))
		return nil, err
	}

	rec := &SlackTokenRecord{
		StorageKey:   storageKey,
		AccessToken:  res.AccessToken,
		TeamID:       res.TeamID,
		AuthedUserID: res.AuthedUserID,
		Scopes:       res.Scopes,
		ObtainedAt:   time.Now().UTC(),
	}
	if len(rec.Scopes) == 0 {
		rec.Scopes = st.Scopes
	}
	if res.ExpiresIn > 0 {
		rec.ExpiresAt = rec.ObtainedAt.Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	if err := p.tokens.SaveToken(ctx, rec); err != nil {
		return nil, err
	}

	if st.ClientRedirectURI == "" {
		return &CallbackResult{}, nil
	}

	authCode, err := p.mintAuthorizationCode(ctx, st.ClientID, storageKey, rec.Scopes)
	if err != nil {
		return nil, err
	}
	redirect, err := url.Parse(st.ClientRedirectURI)
	if err != nil {
		return nil, err
	}
	q := redirect.Query()
	q.Set("code", authCode)
	if st.ClientState != "" {
		q.Set("state", st.ClientState)
	}
	redirect.RawQuery = q.Encode()
	return &CallbackResult{RedirectURL: redirect.String()}, nil
}

// mintAuthorizationCode persists a single-use code the client redeems at the
// token endpoint.
func (p *Provider) mintAuthorizationCode(ctx context.Context, clientID, storageKey string, scopes []string) (string, error) {
	code, err := generateProtocolToken()
	if err != nil {
		return "", err
	}
	rec := authorizationCodeRecord{
		ClientID:   clientID,
		StorageKey: storageKey,
		Scopes:     scopes,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return "", err
	}
	if err := p.backend.Put(ctx, authCodeStorageKey(code), data, authCodeLifetime); err != nil {
		return "", err
	}
	return code, nil
}

// takeRecord removes and returns the record under key, atomically when the
// backend supports it.
func (p *Provider) takeRecord(ctx context.Context, key string) ([]byte, bool, error) {
	if taker, ok := p.backend.(storage.Taker); ok {
		return taker.Take(ctx, key)
	}
	data, found, err := p.backend.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	if err := p.backend.Delete(ctx, key); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ExchangeAuthorizationCode redeems a single-use authorization code for the
// protocol token pair. The code must have been minted for clientID and the
// registration must allow the authorization_code grant.
func (p *Provider) ExchangeAuthorizationCode(ctx context.Context, clientID, code string) (*ProtocolToken, error) {
	reg, err := p.clients.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !grantAllowed(reg, "authorization_code") {
		return nil, ErrUnauthorizedClient
	}

	data, found, err := p.takeRecord(ctx, authCodeStorageKey(code))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInvalidGrant
	}
	var rec authorizationCodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrInvalidGrant
	}
	if rec.ClientID != clientID {
		logging.Warn("OAuth", "Authorization code for %s redeemed by %s",
			logging.TruncateID(rec.ClientID), logging.TruncateID(clientID))
		return nil, ErrInvalidGrant
	}
	if time.Since(rec.CreatedAt) > authCodeLifetime {
		return nil, ErrInvalidGrant
	}
	return p.mintProtocolToken(ctx, rec.ClientID, rec.StorageKey, rec.Scopes)
}

func generateProtocolToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// mintProtocolToken issues a fresh access/refresh pair mapping back to the
// Slack token record.
func (p *Provider) mintProtocolToken(ctx context.Context, clientID, storageKey string, scopes []string) (*ProtocolToken, error) {
	access, err := generateProtocolToken()
	if err != nil {
		return nil, err
	}
	refresh, err := generateProtocolToken()
	if err != nil {
		return nil, err
	}

	mapping := protocolTokenMapping{
		StorageKey: storageKey,
		ClientID:   clientID,
		Scopes:     scopes,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(&mapping)
	if err != nil {
		return nil, err
	}
	if err := p.backend.Put(ctx, protoTokenStorageKey(access), data, protoTokenLifetime); err != nil {
		return nil, err
	}
	if err := p.backend.Put(ctx, protoRefreshStorageKey(refresh), data, protoRefreshLifetime); err != nil {
		return nil, err
	}

	return &ProtocolToken{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(protoTokenLifetime.Seconds()),
		RefreshToken: refresh,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// RefreshProtocolToken rotates a protocol refresh token: the old refresh
// token is invalidated and a fresh pair is issued. The token must have been
// minted for clientID and the registration must allow the refresh_token
// grant. Requested scopes must be a subset of the original grant; an empty
// request keeps the original scopes.
func (p *Provider) RefreshProtocolToken(ctx context.Context, clientID, refreshToken string, requestedScopes []string) (*ProtocolToken, error) {
	reg, err := p.clients.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !grantAllowed(reg, "refresh_token") {
		return nil, ErrUnauthorizedClient
	}

	data, found, err := p.takeRecord(ctx, protoRefreshStorageKey(refreshToken))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInvalidGrant
	}
	var mapping protocolTokenMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, ErrInvalidGrant
	}
	if mapping.ClientID != clientID {
		return nil, ErrInvalidGrant
	}

	scopes := mapping.Scopes
	if len(requestedScopes) > 0 {
		granted := make(map[string]bool, len(mapping.Scopes))
		for _, sc := range mapping.Scopes {
			granted[sc] = true
		}
		for _, sc := range requestedScopes {
			if !granted[sc] {
				return nil, ErrInvalidGrant
			}
		}
		scopes = requestedScopes
	}

	return p.mintProtocolToken(ctx, mapping.ClientID, mapping.StorageKey, scopes)
}

// protocolTokenIdentity looks up the mapping a live protocol bearer token was
// minted with.
func (p *Provider) protocolTokenIdentity(ctx context.Context, accessToken string) (*protocolTokenMapping, bool, error) {
	data, found, err := p.backend.Get(ctx, protoTokenStorageKey(accessToken))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var mapping protocolTokenMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, false, nil
	}
	return &mapping, true, nil
}

// ProtocolTokenIdentity resolves a protocol bearer token to the (clientID,
// userID) pair it was minted for. An unknown or expired token reports ok
// false without error so callers can fall back to other identity sources.
func (p *Provider) ProtocolTokenIdentity(ctx context.Context, accessToken string) (clientID, userID string, ok bool, err error) {
	mapping, found, err := p.protocolTokenIdentity(ctx, accessToken)
	if err != nil || !found {
		return "", "", false, err
	}
	parts := strings.SplitN(mapping.StorageKey, ":", 2)
	if len(parts) != 2 {
		return "", "", false, nil
	}
	return parts[0], parts[1], true, nil
}

// Revoke removes the stored Slack token and any pending flow for the pair,
// forcing the next EnsureAuthenticated through the browser again.
func (p *Provider) Revoke(ctx context.Context, clientID, userID string) error {
	storageKey := TokenKey(clientID, userID)
	if err := p.backend.Delete(ctx, pendingStorageKey(storageKey)); err != nil {
		return err
	}
	return p.tokens.RevokeToken(ctx, clientID, userID)
}

// Status reports where (clientID, userID) stands in the lifecycle without
// side effects: no state minting, no validation calls.
func (p *Provider) Status(ctx context.Context, clientID, userID string) (*AuthStatus, error) {
	rec, found, err := p.tokens.GetToken(ctx, clientID, userID)
	if err != nil {
		return nil, err
	}
	if found {
		return &AuthStatus{
			State:  FlowComplete,
			TeamID: rec.TeamID,
			Scopes: rec.Scopes,
		}, nil
	}

	pendingKey := pendingStorageKey(TokenKey(clientID, userID))
	data, found, err := p.backend.Get(ctx, pendingKey)
	if err != nil {
		return nil, err
	}
	if found {
		var pending pendingAuthorization
		if json.Unmarshal(data, &pending) == nil {
			return &AuthStatus{
				State:            FlowAwaitingCallback,
				AuthorizationURL: pending.AuthorizationURL,
			}, nil
		}
	}
	return &AuthStatus{State: FlowUnauthenticated}, nil
}
