package engine

import (
	"fmt"
	"sync"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// Memory is the working memory of one run.
type Memory struct {
	mu     sync.RWMutex
	stuffs map[string]domain.Stuff
}

// NewMemory returns a memory seeded with the given stuffs.
func NewMemory(seed map[string]domain.Stuff) *Memory {
	m := &Memory{stuffs: make(map[string]domain.Stuff, len(seed))}
	for k, v := range seed {
		m.stuffs[k] = v
	}
	return m
}

// Get returns the stuff stored under name.
func (m *Memory) Get(name string) (domain.Stuff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stuffs[name]
	if !ok {
		return domain.Stuff{}, fmt.Errorf("%q not found in working memory", name)
	}
	return s, nil
}

// Set stores s under its name.
func (m *Memory) Set(s domain.Stuff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuffs[s.Name] = s
}

// Snapshot copies the memory contents.
func (m *Memory) Snapshot() map[string]domain.Stuff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Stuff, len(m.stuffs))
	for k, v := range m.stuffs {
		out[k] = v
	}
	return out
}
