package storage

import (
	"context"
	"fmt"

	"slackmcp/internal/config"
	"slackmcp/pkg/logging"
)

// NewFromConfig constructs the backend named by the configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		logging.Info("Storage", "Using in-memory storage (tokens are lost on restart)")
		return NewMemoryBackend(), nil
	case config.StorageFile:
		logging.Info("Storage", "Using JSONL storage at %s", cfg.TokenFile)
		return NewFileBackend(cfg.TokenFile)
	case config.StorageDynamoDB:
		return NewDynamoDBBackend(ctx, cfg.DynamoDBTable, cfg.AWSRegion)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}
