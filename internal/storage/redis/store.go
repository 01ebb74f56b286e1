// Package redis stores run records and lifecycle events in Redis so several
// API replicas can serve run lookups.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/storage"
)

const (
	// DefaultTTL is how long a run or event trail is kept.
	DefaultTTL = 24 * time.Hour

	runPrefix   = "pipelex:run:"
	eventPrefix = "pipelex:events:"
	runIndex    = "pipelex:runs"
)

// Store is a Redis implementation of ports.RunStore and ports.EventStore.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

var (
	_ ports.RunStore   = (*Store)(nil)
	_ ports.EventStore = (*Store)(nil)
)

// New connects to the Redis server at url and checks the connection.
func New(ctx context.Context, url string, ttl time.Duration) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func runKey(id string) string { return runPrefix + id }

func eventKey(orchestrationID string) string { return eventPrefix + orchestrationID }

func (s *Store) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ID), data, s.ttl)
	pipe.ZAdd(ctx, runIndex, redis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	data, err := s.client.Get(ctx, runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRunNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run domain.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns walks the run index newest first. Index entries whose run has
// expired are pruned as they are found.
func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.PipelineRun, error) {
	offset := int64(opts.Offset)
	if offset < 0 {
		offset = 0
	}
	limit := int64(storage.Limit(opts))

	ids, err := s.client.ZRevRange(ctx, runIndex, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.PipelineRun{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	runs := make([]*domain.PipelineRun, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var run domain.PipelineRun
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	if len(expired) > 0 {
		s.client.ZRem(ctx, runIndex, expired...)
	}
	return runs, nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := eventKey(event.OrchestrationID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, orchestrationID string) ([]*domain.LifecycleEvent, error) {
	values, err := s.client.LRange(ctx, eventKey(orchestrationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]*domain.LifecycleEvent, 0, len(values))
	for _, raw := range values {
		var event domain.LifecycleEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
