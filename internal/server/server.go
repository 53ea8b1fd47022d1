// Package server hosts the HTTP side channel of the MCP server: the OAuth
// callback, dynamic client registration, and the status and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"slackmcp/internal/config"
	"slackmcp/internal/oauth"
	"slackmcp/internal/session"
	"slackmcp/internal/storage"
	"slackmcp/pkg/logging"
)

// Server is the HTTP server wrapping the OAuth provider.
type Server struct {
	provider *oauth.Provider
	resolver *session.Resolver
	backend  storage.Backend
	httpSrv  *http.Server
}

// New builds the server and its routes.
func New(addr string, provider *oauth.Provider, resolver *session.Resolver, backend storage.Backend) *Server {
	s := &Server{
		provider: provider,
		resolver: resolver,
		backend:  backend,
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/slack/callback", oauth.NewHandler(s.provider).HandleCallback)
	r.Post("/register", s.handleRegister)
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/token", s.handleToken)
	r.Get("/oauth/status", s.handleStatus)
	r.Post("/oauth/revoke", s.handleRevoke)
	r.Get("/oauth/tokens", s.handleListTokens)
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	logging.Info("Server", "HTTP server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Server", "Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// handleHealth reports liveness plus which storage backend is active.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"storage": storage.Name(s.backend),
	})
}

// handleRegister implements dynamic client registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req oauth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_client_metadata",
			fmt.Sprintf("invalid request body: %v", err))
		return
	}
	reg, err := s.provider.RegisterClient(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// handleAuthorize is the authorization endpoint for registered clients. It
// validates the client and redirect_uri, then sends the browser to the Slack
// consent page; the callback later redirects on to the client's redirect_uri
// with an authorization code. Per RFC 6749 a bad client_id or redirect_uri is
// reported here rather than redirected.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}
	var scopes []string
	if scope := q.Get("scope"); scope != "" {
		scopes = strings.Fields(scope)
	}
	userID := s.resolver.Resolve(r.Header)

	authURL, err := s.provider.BeginClientAuthorization(r.Context(), clientID, redirectURI, q.Get("state"), userID, scopes)
	switch {
	case errors.Is(err, oauth.ErrUnknownClient):
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	case errors.Is(err, oauth.ErrInvalidRedirect):
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri does not match client registration")
		return
	case errors.Is(err, oauth.ErrUnauthorizedClient):
		writeError(w, http.StatusBadRequest, "unauthorized_client", "client may not use the authorization_code grant")
		return
	case err != nil:
		logging.Error("Server", err, "Authorization request failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "storage backend unavailable")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleToken is the token endpoint. It dispatches on grant_type and answers
// with RFC 6749 error codes.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	var (
		token *oauth.ProtocolToken
		err   error
	)
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		code := r.PostForm.Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}
		token, err = s.provider.ExchangeAuthorizationCode(r.Context(), clientID, code)
	case "refresh_token":
		refresh := r.PostForm.Get("refresh_token")
		if refresh == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
			return
		}
		var scopes []string
		if scope := r.PostForm.Get("scope"); scope != "" {
			scopes = strings.Fields(scope)
		}
		token, err = s.provider.RefreshProtocolToken(r.Context(), clientID, refresh, scopes)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type",
			fmt.Sprintf("grant_type %q is not supported", grant))
		return
	}

	switch {
	case errors.Is(err, oauth.ErrUnknownClient):
		writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	case errors.Is(err, oauth.ErrUnauthorizedClient):
		writeError(w, http.StatusBadRequest, "unauthorized_client", "grant type not allowed for this client")
		return
	case errors.Is(err, oauth.ErrInvalidGrant):
		writeError(w, http.StatusBadRequest, "invalid_grant", "code or refresh token is invalid or expired")
		return
	case err != nil:
		logging.Error("Server", err, "Token request failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "storage backend unavailable")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, token)
}

// handleStatus reports where the requesting identity stands in the
// authorization lifecycle.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	userID := s.resolver.Resolve(r.Header)

	status, err := s.provider.Status(r.Context(), clientID, userID)
	if err != nil {
		logging.Error("Server", err, "Status lookup failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "storage backend unavailable")
		return
	}

	environment := "local"
	if config.IsCloudEnvironment() {
		environment = "aws"
	}
	writeJSON(w, http.StatusOK, struct {
		*oauth.AuthStatus
		Storage     string `json:"storage"`
		Environment string `json:"environment"`
	}{
		AuthStatus:  status,
		Storage:     storage.Name(s.backend),
		Environment: environment,
	})
}

// handleRevoke drops the stored token for the requesting identity.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	userID := s.resolver.Resolve(r.Header)

	if err := s.provider.Revoke(r.Context(), clientID, userID); err != nil {
		logging.Error("Server", err, "Revocation failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "storage backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// handleListTokens returns token metadata for debugging. Token values are
// never included.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.provider.Tokens().ListTokens(r.Context())
	if err != nil {
		logging.Error("Server", err, "Token listing failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "storage backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(summaries),
		"tokens": summaries,
	})
}
