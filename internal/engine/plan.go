package engine

import (
	"fmt"
	"strings"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

// Plan is a pipe with its sequence steps resolved.
type Plan struct {
	Pipe  *domain.Pipe
	Steps []*Plan
}

// Resolve builds the plan for pipe. Steps are looked up in the pipe's own
// session. Cycles are rejected.
func Resolve(resolver ports.PipeResolver, pipe *domain.Pipe) (*Plan, error) {
	return resolve(resolver, pipe, nil)
}

func resolve(resolver ports.PipeResolver, pipe *domain.Pipe, path []string) (*Plan, error) {
	for _, code := range path {
		if code == pipe.Code {
			return nil, fmt.Errorf("cycle: %s -> %s", strings.Join(path, " -> "), pipe.Code)
		}
	}
	path = append(path, pipe.Code)

	plan := &Plan{Pipe: pipe}
	if pipe.Definition.Type != domain.PipeSequence {
		return plan, nil
	}

	for i, step := range pipe.Definition.Steps {
		sub, err := resolver.Lookup(pipe.SessionID, step.Pipe)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] %q: %w", i, step.Pipe, err)
		}
		child, err := resolve(resolver, sub, path)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, child)
	}
	return plan, nil
}
