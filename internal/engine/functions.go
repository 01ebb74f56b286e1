package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// Func is the implementation behind a PipeFunc. Arguments arrive in the
// pipe's input declaration order.
type Func func(ctx context.Context, args []domain.Stuff) (any, error)

// FuncRegistry maps function names to implementations. Safe for concurrent use.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewFuncRegistry returns an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]Func)}
}

// DefaultFuncs returns a registry holding the built-in text functions.
func DefaultFuncs() *FuncRegistry {
	r := NewFuncRegistry()
	r.Register("upper", textFunc(strings.ToUpper))
	r.Register("lower", textFunc(strings.ToLower))
	r.Register("trim", textFunc(strings.TrimSpace))
	r.Register("word_count", func(_ context.Context, args []domain.Stuff) (any, error) {
		n := 0
		for _, a := range args {
			n += len(strings.Fields(text(a.Content)))
		}
		return n, nil
	})
	r.Register("char_count", func(_ context.Context, args []domain.Stuff) (any, error) {
		n := 0
		for _, a := range args {
			n += utf8.RuneCountInString(text(a.Content))
		}
		return n, nil
	})
	r.Register("concat", func(_ context.Context, args []domain.Stuff) (any, error) {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			parts = append(parts, text(a.Content))
		}
		return strings.Join(parts, " "), nil
	})
	return r
}

// Register adds fn under name, replacing any previous registration.
func (r *FuncRegistry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get returns the function registered under name.
func (r *FuncRegistry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *FuncRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// textFunc lifts a string transform into a single-argument Func.
func textFunc(fn func(string) string) Func {
	return func(_ context.Context, args []domain.Stuff) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(text(args[0].Content)), nil
	}
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
