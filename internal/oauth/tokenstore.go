package oauth

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"slackmcp/internal/storage"
	"slackmcp/pkg/logging"
)

// expiryMargin is subtracted from a token's lifetime when deciding whether it
// is still usable, to avoid handing out tokens that expire mid-request.
const expiryMargin = 30 * time.Second

// TokenStore persists SlackTokenRecords on a storage.Backend and enforces the
// lookup contract: expired or malformed records read as absent, and storage
// transport failures surface as errors distinct from absence.
type TokenStore struct {
	backend storage.Backend
}

func NewTokenStore(backend storage.Backend) *TokenStore {
	return &TokenStore{backend: backend}
}

// SaveToken stores the record under its composite key, replacing any previous
// record for the same (client, user) pair.
func (s *TokenStore) SaveToken(ctx context.Context, rec *SlackTokenRecord) error {
	if rec.ObtainedAt.IsZero() {
		rec.ObtainedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := storage.NoTTL
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt)
	}
	if err := s.backend.Put(ctx, tokenStorageKey(rec.StorageKey), data, ttl); err != nil {
		return err
	}
	logging.Info("TokenStore", "Stored token for %s (team %s)",
		logging.TruncateID(rec.StorageKey), rec.TeamID)
	return nil
}

// GetToken looks up the record for (clientID, userID). The bool result is
// false when no usable token exists: never stored, expired, or malformed.
// An error is returned only when the backend itself failed.
func (s *TokenStore) GetToken(ctx context.Context, clientID, userID string) (*SlackTokenRecord, bool, error) {
	key := TokenKey(clientID, userID)
	data, found, err := s.backend.Get(ctx, tokenStorageKey(key))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	var rec SlackTokenRecord
	if err := json.Unmarshal(data, &rec); err != nil || !rec.wellFormed() {
		logging.Warn("TokenStore", "Malformed token record at %s, treating as absent",
			logging.TruncateID(key))
		return nil, false, nil
	}
	if rec.IsExpired(expiryMargin) {
		logging.Debug("TokenStore", "Token for %s expired at %s",
			logging.TruncateID(key), rec.ExpiresAt.Format(time.RFC3339))
		return nil, false, nil
	}
	return &rec, true, nil
}

// RevokeToken removes the stored record for (clientID, userID). Revoking an
// absent token is not an error.
func (s *TokenStore) RevokeToken(ctx context.Context, clientID, userID string) error {
	key := TokenKey(clientID, userID)
	if err := s.backend.Delete(ctx, tokenStorageKey(key)); err != nil {
		return err
	}
	logging.Info("TokenStore", "Revoked token for %s", logging.TruncateID(key))
	return nil
}

// ListTokens returns metadata for every stored token. Token values are never
// included; malformed records are skipped.
func (s *TokenStore) ListTokens(ctx context.Context) ([]TokenSummary, error) {
	keys, err := s.backend.ListKeys(ctx, tokenKeyPrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	summaries := make([]TokenSummary, 0, len(keys))
	for _, key := range keys {
		data, found, err := s.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var rec SlackTokenRecord
		if err := json.Unmarshal(data, &rec); err != nil || !rec.wellFormed() {
			continue
		}
		summaries = append(summaries, TokenSummary{
			StorageKey:    logging.TruncateID(strings.TrimPrefix(key, tokenKeyPrefix)),
			TeamID:        rec.TeamID,
			ObtainedAt:    rec.ObtainedAt.Format(time.RFC3339),
			Expired:       rec.IsExpired(0),
			HasExpiration: !rec.ExpiresAt.IsZero(),
		})
	}
	return summaries, nil
}
