// Package memory keeps run records and lifecycle events in process memory.
// Entries expire after a TTL so long-running servers do not grow without
// bound.
package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/storage"
)

// DefaultTTL is how long a run or event trail is kept.
const DefaultTTL = 24 * time.Hour

// Store is an in-memory implementation of ports.RunStore and ports.EventStore.
type Store struct {
	runs   *gocache.Cache
	events *gocache.Cache

	// appendMu serializes read-modify-write of event trails.
	appendMu sync.Mutex
}

var (
	_ ports.RunStore   = (*Store)(nil)
	_ ports.EventStore = (*Store)(nil)
)

// New creates a store whose entries expire after ttl. A ttl <= 0 keeps
// entries until Close.
func New(ttl time.Duration) *Store {
	expiration := ttl
	cleanup := ttl / 2
	if ttl <= 0 {
		expiration = gocache.NoExpiration
		cleanup = 0
	}
	return &Store{
		runs:   gocache.New(expiration, cleanup),
		events: gocache.New(expiration, cleanup),
	}
}

func (s *Store) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	cp := *run
	s.runs.Set(run.ID, &cp, gocache.DefaultExpiration)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	v, ok := s.runs.Get(id)
	if !ok {
		return nil, domain.ErrRunNotFound(id)
	}
	cp := *v.(*domain.PipelineRun)
	return &cp, nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.PipelineRun, error) {
	items := s.runs.Items()
	runs := make([]*domain.PipelineRun, 0, len(items))
	for _, item := range items {
		cp := *item.Object.(*domain.PipelineRun)
		runs = append(runs, &cp)
	}
	storage.SortNewestFirst(runs)
	return storage.Paginate(runs, opts), nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var trail []*domain.LifecycleEvent
	if v, ok := s.events.Get(event.OrchestrationID); ok {
		trail = v.([]*domain.LifecycleEvent)
	}
	cp := *event
	trail = append(trail[:len(trail):len(trail)], &cp)
	s.events.Set(event.OrchestrationID, trail, gocache.DefaultExpiration)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, orchestrationID string) ([]*domain.LifecycleEvent, error) {
	v, ok := s.events.Get(orchestrationID)
	if !ok {
		return []*domain.LifecycleEvent{}, nil
	}
	trail := v.([]*domain.LifecycleEvent)
	out := make([]*domain.LifecycleEvent, len(trail))
	copy(out, trail)
	return out, nil
}

// Close drops every entry.
func (s *Store) Close() error {
	s.runs.Flush()
	s.events.Flush()
	return nil
}
