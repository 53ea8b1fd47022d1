package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"slackmcp/internal/storage"
	"slackmcp/pkg/logging"
)

// Grant types this server supports. Registration requests asking for others
// get them silently filtered rather than rejected; clients that end up with
// an empty grant list are refused.
var supportedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

func defaultGrantTypes() []string {
	return []string{"authorization_code", "refresh_token"}
}

// RegistrationRequest is the subset of RFC 7591 dynamic client registration
// metadata this server honors.
type RegistrationRequest struct {
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types,omitempty"`
}

// clientRegistry issues and resolves dynamic client registrations backed by
// the shared storage backend.
type clientRegistry struct {
	backend storage.Backend
}

func newClientRegistry(backend storage.Backend) *clientRegistry {
	return &clientRegistry{backend: backend}
}

// Register validates the request, filters unsupported grant types, and
// persists a new registration with a generated client_id and secret.
func (r *clientRegistry) Register(ctx context.Context, req *RegistrationRequest) (*ClientRegistration, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect_uri is required")
	}

	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = defaultGrantTypes()
	}
	kept := make([]string, 0, len(grants))
	for _, g := range grants {
		if supportedGrantTypes[g] {
			kept = append(kept, g)
		} else {
			logging.Debug("OAuth", "Dropping unsupported grant type %q from registration", g)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("no supported grant types in registration request")
	}

	secretBuf := make([]byte, 32)
	if _, err := rand.Read(secretBuf); err != nil {
		return nil, err
	}
	reg := &ClientRegistration{
		ClientID:     uuid.NewString(),
		ClientSecret: base64.RawURLEncoding.EncodeToString(secretBuf),
		ClientName:   req.ClientName,
		RedirectURIs: append([]string(nil), req.RedirectURIs...),
		GrantTypes:   kept,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}
	if err := r.backend.Put(ctx, clientStorageKey(reg.ClientID), data, storage.NoTTL); err != nil {
		return nil, err
	}
	logging.Info("OAuth", "Registered client %s (%s) with grants %v",
		logging.TruncateID(reg.ClientID), reg.ClientName, reg.GrantTypes)
	return reg, nil
}

// Get returns the registration for clientID, or ErrUnknownClient.
func (r *clientRegistry) Get(ctx context.Context, clientID string) (*ClientRegistration, error) {
	data, found, err := r.backend.Get(ctx, clientStorageKey(clientID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownClient
	}
	var reg ClientRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, ErrUnknownClient
	}
	return &reg, nil
}
