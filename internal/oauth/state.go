package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"slackmcp/internal/storage"
	"slackmcp/pkg/logging"
)

// stateLifetime bounds how long an authorization URL stays redeemable.
const stateLifetime = 10 * time.Minute

// stateStore persists single-use authorization states on the shared backend
// so callbacks survive a process restart when the backend is durable.
type stateStore struct {
	backend storage.Backend

	// consumeMu serializes Consume so a state token can be redeemed at most
	// once even under concurrent callbacks.
	consumeMu sync.Mutex
}

func newStateStore(backend storage.Backend) *stateStore {
	return &stateStore{backend: backend}
}

// generateStateToken returns a fresh unguessable nonce.
func generateStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create persists a new AuthorizationState with the bounded lifetime.
func (s *stateStore) Create(ctx context.Context, clientID, userID, redirectURI string, scopes []string) (*AuthorizationState, error) {
	token, err := generateStateToken()
	if err != nil {
		return nil, err
	}
	st := &AuthorizationState{
		StateToken:  token,
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scopes:      scopes,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Put(ctx, stateStorageKey(token), data, stateLifetime); err != nil {
		return nil, err
	}
	logging.Debug("OAuth", "Created state %s for client %s",
		logging.TruncateID(token), logging.TruncateID(clientID))
	return st, nil
}

// Update rewrites a stored state in place, keeping the remainder of its
// original lifetime window.
func (s *stateStore) Update(ctx context.Context, st *AuthorizationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := stateLifetime - time.Since(st.CreatedAt)
	if ttl <= 0 {
		return ErrInvalidState
	}
	return s.backend.Put(ctx, stateStorageKey(st.StateToken), data, ttl)
}

// Consume atomically looks up and deletes the state for token. A second call
// with the same token, and any call after the lifetime elapsed, returns
// ErrInvalidState. When the backend can take atomically the redemption holds
// across processes sharing the same table; otherwise a local mutex serializes
// the get-and-delete.
func (s *stateStore) Consume(ctx context.Context, token string) (*AuthorizationState, error) {
	key := stateStorageKey(token)

	var (
		data  []byte
		found bool
		err   error
	)
	if taker, ok := s.backend.(storage.Taker); ok {
		data, found, err = taker.Take(ctx, key)
		if err != nil {
			return nil, err
		}
	} else {
		s.consumeMu.Lock()
		data, found, err = s.backend.Get(ctx, key)
		if err == nil && found {
			err = s.backend.Delete(ctx, key)
		}
		s.consumeMu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, ErrInvalidState
	}

	var st AuthorizationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, ErrInvalidState
	}
	if time.Since(st.CreatedAt) > stateLifetime {
		return nil, ErrInvalidState
	}
	return &st, nil
}
