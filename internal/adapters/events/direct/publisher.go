// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store ports.EventStore
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.EventStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("event store required")
	}

	return &Publisher{
		store: store,
	}, nil
}

// Publish writes a lifecycle event directly to storage.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	if event.OrchestrationID == "" {
		return fmt.Errorf("event %s has no orchestration id", event.Type)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return p.store.AppendEvent(ctx, event)
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
