package plx

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// Render writes bp back as definition text. Pipes and inputs keep their
// order, so Parse(Render(bp)) yields an equivalent blueprint.
func Render(bp *domain.Blueprint) (string, error) {
	root := mapping()
	addScalar(root, "domain", bp.Domain)
	if bp.Description != "" {
		addScalar(root, "description", bp.Description)
	}

	if len(bp.Concepts) > 0 {
		concepts := mapping()
		for _, name := range sortedKeys(bp.Concepts) {
			addScalar(concepts, name, bp.Concepts[name])
		}
		add(root, "concepts", concepts)
	}

	pipes := mapping()
	for _, p := range bp.Pipes {
		add(pipes, p.Code, renderPipe(p))
	}
	add(root, "pipes", pipes)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return "", fmt.Errorf("rendering definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("rendering definition: %w", err)
	}
	return buf.String(), nil
}

func renderPipe(p domain.PipeBlueprint) *yaml.Node {
	n := mapping()
	addScalar(n, "type", string(p.Type))
	if p.Description != "" {
		addScalar(n, "description", p.Description)
	}
	if len(p.Inputs) > 0 {
		inputs := mapping()
		inputs.Style = yaml.FlowStyle
		for _, in := range p.Inputs {
			addScalar(inputs, in.Name, in.Concept)
		}
		add(n, "inputs", inputs)
	}
	addScalar(n, "output", p.Output)
	if p.Template != "" {
		addScalar(n, "template", p.Template)
	}
	if p.Function != "" {
		addScalar(n, "function", p.Function)
	}
	if len(p.Steps) > 0 {
		steps := &yaml.Node{Kind: yaml.SequenceNode}
		for _, s := range p.Steps {
			step := mapping()
			addScalar(step, "pipe", s.Pipe)
			if s.Result != "" {
				addScalar(step, "result", s.Result)
			}
			if len(s.Inputs) > 0 {
				bindings := mapping()
				bindings.Style = yaml.FlowStyle
				for _, k := range sortedKeys(s.Inputs) {
					addScalar(bindings, k, s.Inputs[k])
				}
				add(step, "inputs", bindings)
			}
			steps.Content = append(steps.Content, step)
		}
		add(n, "steps", steps)
	}
	return n
}

func mapping() *yaml.Node { return &yaml.Node{Kind: yaml.MappingNode} }

func add(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func addScalar(m *yaml.Node, key, value string) {
	add(m, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
