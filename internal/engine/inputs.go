package engine

import (
	"fmt"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// PrepareInputs turns request inputs into working-memory stuffs. A value may
// be given bare ("Ada") or as {"concept": "Text", "content": "Ada"}.
// Every declared input must be present.
func PrepareInputs(pipe *domain.Pipe, raw map[string]any) (map[string]domain.Stuff, error) {
	out := make(map[string]domain.Stuff, len(raw))
	for name, v := range raw {
		s := domain.Stuff{Name: name, Content: v}
		if obj, ok := v.(map[string]any); ok {
			if content, has := obj["content"]; has {
				s.Content = content
				if c, ok := obj["concept"].(string); ok {
					s.Concept = c
				}
			}
		}
		if spec, ok := pipe.Definition.Input(name); ok && s.Concept == "" {
			s.Concept = spec.Concept
		}
		out[name] = s
	}

	for _, in := range pipe.Definition.Inputs {
		if _, ok := out[in.Name]; !ok {
			return nil, fmt.Errorf("missing required input %q (%s)", in.Name, in.Concept)
		}
	}
	return out, nil
}

// placeholderInputs fabricates one value per declared input for dry runs.
func placeholderInputs(pipe *domain.Pipe) map[string]domain.Stuff {
	out := make(map[string]domain.Stuff, len(pipe.Definition.Inputs))
	for _, in := range pipe.Definition.Inputs {
		var content any = fmt.Sprintf("<%s>", in.Name)
		if in.Concept == domain.ConceptNumber {
			content = 0
		}
		out[in.Name] = domain.Stuff{Name: in.Name, Concept: in.Concept, Content: content}
	}
	return out
}
