// Package redis provides the Redis storage adapter.
package redis

import (
	"context"
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/ports"
	redisstore "github.com/Pipelex/pipelex-api/internal/storage/redis"
)

// Provider implements ports.StorageProvider using Redis.
type Provider struct {
	*redisstore.Store
}

// NewProvider connects to url.
func NewProvider(ctx context.Context, url string, ttl time.Duration) (*Provider, error) {
	store, err := redisstore.New(ctx, url, ttl)
	if err != nil {
		return nil, err
	}
	return &Provider{Store: store}, nil
}

var _ ports.StorageProvider = (*Provider)(nil)
