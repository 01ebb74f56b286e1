// Package storage holds helpers shared by the run store backends.
package storage

import (
	"sort"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

// DefaultListLimit caps list queries that set no limit.
const DefaultListLimit = 100

// Limit returns the effective limit of opts.
func Limit(opts ports.ListOptions) int {
	if opts.Limit <= 0 {
		return DefaultListLimit
	}
	return opts.Limit
}

// Paginate applies opts to items that are already in result order.
func Paginate[T any](items []T, opts ports.ListOptions) []T {
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return []T{}
	}
	end := start + Limit(opts)
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// SortNewestFirst orders runs by creation time, newest first. Ties break on
// ID so the order is stable.
func SortNewestFirst(runs []*domain.PipelineRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
