package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates that the backend could not be reached. Callers may
// retry; a write that fails with this error has not been persisted.
var ErrUnavailable = errors.New("storage backend unavailable")

// NoTTL disables expiry for a record.
const NoTTL time.Duration = 0

// Backend is the key-value persistence contract shared by all storage
// implementations. Values are opaque byte slices; callers own (de)serialization.
//
// Semantics:
//   - Get returns (nil, false, nil) for a missing or expired key, never an error.
//   - Put with a positive ttl makes the record invisible to Get after ttl elapses.
//   - Delete of a missing key is a no-op.
//   - Read-after-write consistency is guaranteed within a single process.
type Backend interface {
	// Get retrieves the value stored under key. The second return value
	// reports whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key. A ttl of NoTTL means the record never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the record stored under key.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all live keys starting with prefix. An empty prefix
	// lists everything.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Taker is an optional capability: backends that can atomically read and
// delete a record in one operation implement it. Concurrent Take calls for
// the same key yield the value to at most one caller, even across processes
// when the backend is shared.
type Taker interface {
	// Take returns the value stored under key and removes it. A missing or
	// expired key returns (nil, false, nil).
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

// Name returns a short human-readable backend name for status reporting.
func Name(b Backend) string {
	switch v := b.(type) {
	case *MemoryBackend:
		if v.path != "" {
			return "jsonl"
		}
		return "memory"
	case *DynamoDBBackend:
		return "dynamodb"
	default:
		return "unknown"
	}
}
