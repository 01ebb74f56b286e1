package ports

import (
	"context"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// ListOptions bounds list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// RunStore persists pipeline run records.
type RunStore interface {
	// SaveRun inserts or replaces the run with the same ID.
	SaveRun(ctx context.Context, run *domain.PipelineRun) error

	// GetRun returns a NotFoundError when the run is unknown.
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, opts ListOptions) ([]*domain.PipelineRun, error)
}

// EventStore persists lifecycle events grouped by orchestration.
type EventStore interface {
	AppendEvent(ctx context.Context, event *domain.LifecycleEvent) error
	ListEvents(ctx context.Context, orchestrationID string) ([]*domain.LifecycleEvent, error)
}

// StorageProvider manages all storage operations.
// Implementations: in-memory with TTL (default), SQLite, Redis.
type StorageProvider interface {
	RunStore
	EventStore

	Close() error
}
