// Package memory provides the in-process storage adapter.
package memory

import (
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/storage/memory"
)

// Provider implements ports.StorageProvider in memory.
type Provider struct {
	*memory.Store
}

// NewProvider creates a provider whose entries expire after ttl.
func NewProvider(ttl time.Duration) *Provider {
	if ttl == 0 {
		ttl = memory.DefaultTTL
	}
	return &Provider{Store: memory.New(ttl)}
}

var _ ports.StorageProvider = (*Provider)(nil)
