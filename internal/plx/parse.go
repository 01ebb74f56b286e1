// Package plx parses and renders pipeline definition texts.
//
// A definition is a YAML document (JSON and JSONC are accepted too, being
// handled as YAML once comments and trailing commas are stripped):
//
//	domain: greetings
//	concepts:
//	  Greeting: A friendly greeting
//	pipes:
//	  greet:
//	    type: PipeTemplate
//	    inputs: {name: Text}
//	    output: Greeting
//	    template: "Hello {{ .name }}"
//
// Parse only checks syntax and field types. Structural checks such as
// unresolved step references belong to the engine's validator.
package plx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

var codePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type rawPipe struct {
	Type        string    `yaml:"type"`
	Description string    `yaml:"description"`
	Inputs      yaml.Node `yaml:"inputs"`
	Output      string    `yaml:"output"`
	Template    string    `yaml:"template"`
	Function    string    `yaml:"function"`
	Steps       []rawStep `yaml:"steps"`
}

type rawStep struct {
	Pipe   string            `yaml:"pipe"`
	Result string            `yaml:"result"`
	Inputs map[string]string `yaml:"inputs"`
}

// Parse turns definition text into a Blueprint. Every failure is a
// ParseError.
func Parse(text string) (*domain.Blueprint, error) {
	bp, err := parse([]byte(text))
	if err != nil {
		return nil, domain.ErrParse(err)
	}
	return bp, nil
}

func parse(data []byte) (*domain.Blueprint, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty definition")
	}
	if trimmed[0] == '{' {
		// Compacting drops tab indentation, which YAML rejects.
		var compact bytes.Buffer
		if err := json.Compact(&compact, jsonc.ToJSON(trimmed)); err != nil {
			return nil, fmt.Errorf("parsing definition: %w", err)
		}
		data = compact.Bytes()
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty definition")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: definition must be a mapping", root.Line)
	}

	bp := &domain.Blueprint{}
	var pipes *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "domain":
			if err := scalar(value, &bp.Domain); err != nil {
				return nil, fmt.Errorf("domain: %w", err)
			}
		case "description":
			if err := scalar(value, &bp.Description); err != nil {
				return nil, fmt.Errorf("description: %w", err)
			}
		case "concepts":
			concepts, err := parseConcepts(value)
			if err != nil {
				return nil, fmt.Errorf("concepts: %w", err)
			}
			bp.Concepts = concepts
		case "pipes", "pipe":
			pipes = value
		}
	}

	if bp.Domain == "" {
		return nil, fmt.Errorf("missing required field \"domain\"")
	}
	if pipes == nil {
		return nil, fmt.Errorf("missing required field \"pipes\"")
	}
	if pipes.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: pipes must be a mapping of code to definition", pipes.Line)
	}
	if len(pipes.Content) == 0 {
		return nil, fmt.Errorf("line %d: no pipes defined", pipes.Line)
	}

	seen := make(map[string]bool)
	for i := 0; i+1 < len(pipes.Content); i += 2 {
		key, value := pipes.Content[i], pipes.Content[i+1]
		code := key.Value
		if !codePattern.MatchString(code) {
			return nil, fmt.Errorf("line %d: invalid pipe code %q (want snake_case)", key.Line, code)
		}
		if seen[code] {
			return nil, fmt.Errorf("line %d: pipe %q defined twice", key.Line, code)
		}
		seen[code] = true

		def, err := parsePipe(code, value)
		if err != nil {
			return nil, err
		}
		bp.Pipes = append(bp.Pipes, def)
	}

	return bp, nil
}

func parsePipe(code string, node *yaml.Node) (domain.PipeBlueprint, error) {
	if node.Kind != yaml.MappingNode {
		return domain.PipeBlueprint{}, fmt.Errorf("line %d: pipe %q must be a mapping", node.Line, code)
	}

	var raw rawPipe
	if err := node.Decode(&raw); err != nil {
		return domain.PipeBlueprint{}, fmt.Errorf("pipe %q: %w", code, err)
	}

	def := domain.PipeBlueprint{
		Code:        code,
		Type:        domain.PipeType(raw.Type),
		Description: raw.Description,
		Output:      raw.Output,
		Template:    raw.Template,
		Function:    raw.Function,
	}

	switch def.Type {
	case domain.PipeTemplate, domain.PipeFunc, domain.PipeSequence:
	case "":
		return def, fmt.Errorf("line %d: pipe %q: missing type", node.Line, code)
	default:
		return def, fmt.Errorf("line %d: pipe %q: unknown type %q", node.Line, code, raw.Type)
	}

	inputs, err := parseInputs(&raw.Inputs)
	if err != nil {
		return def, fmt.Errorf("pipe %q: inputs: %w", code, err)
	}
	def.Inputs = inputs

	for _, s := range raw.Steps {
		def.Steps = append(def.Steps, domain.SequenceStep{
			Pipe:   s.Pipe,
			Result: s.Result,
			Inputs: s.Inputs,
		})
	}

	return def, nil
}

// parseInputs reads an ordered name -> concept mapping.
func parseInputs(node *yaml.Node) ([]domain.InputSpec, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: must be a mapping of name to concept", node.Line)
	}
	out := make([]domain.InputSpec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var concept string
		if err := scalar(value, &concept); err != nil {
			return nil, fmt.Errorf("%s: %w", key.Value, err)
		}
		out = append(out, domain.InputSpec{Name: key.Value, Concept: concept})
	}
	return out, nil
}

// parseConcepts accepts either `Name: description` or
// `Name: {description: ...}` entries.
func parseConcepts(node *yaml.Node) (map[string]string, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: must be a mapping", node.Line)
	}
	out := make(map[string]string, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch value.Kind {
		case yaml.ScalarNode:
			out[key.Value] = value.Value
		case yaml.MappingNode:
			var c struct {
				Description string `yaml:"description"`
				Definition  string `yaml:"definition"`
			}
			if err := value.Decode(&c); err != nil {
				return nil, fmt.Errorf("%s: %w", key.Value, err)
			}
			if c.Description == "" {
				c.Description = c.Definition
			}
			out[key.Value] = c.Description
		default:
			return nil, fmt.Errorf("line %d: concept %q must be a string or mapping", value.Line, key.Value)
		}
	}
	return out, nil
}

func scalar(node *yaml.Node, dst *string) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a string", node.Line)
	}
	*dst = node.Value
	return nil
}
