package domain

// PipeType selects how a pipe produces its output.
type PipeType string

const (
	// PipeTemplate renders a text/template against its inputs.
	PipeTemplate PipeType = "PipeTemplate"
	// PipeFunc calls a registered function with its inputs.
	PipeFunc PipeType = "PipeFunc"
	// PipeSequence runs other pipes in order, threading results through working memory.
	PipeSequence PipeType = "PipeSequence"
)

// Built-in concepts every bundle may reference without declaring them.
const (
	ConceptText     = "Text"
	ConceptNumber   = "Number"
	ConceptAnything = "Anything"
)

// NativeConcepts lists the concepts available to every bundle.
var NativeConcepts = map[string]string{
	ConceptText:     "A piece of text",
	ConceptNumber:   "A number",
	ConceptAnything: "Any value",
}

// Blueprint is the parsed form of a definition text. It is not mutated once
// the parser returns it.
type Blueprint struct {
	Domain      string            `json:"domain"`
	Description string            `json:"description,omitempty"`
	Concepts    map[string]string `json:"concepts,omitempty"`
	Pipes       []PipeBlueprint   `json:"pipes"`
}

// PipeBlueprint is one pipe definition inside a blueprint.
type PipeBlueprint struct {
	Code        string         `json:"code"`
	Type        PipeType       `json:"type"`
	Description string         `json:"description,omitempty"`
	Inputs      []InputSpec    `json:"inputs,omitempty"`
	Output      string         `json:"output"`
	Template    string         `json:"template,omitempty"`
	Function    string         `json:"function,omitempty"`
	Steps       []SequenceStep `json:"steps,omitempty"`
}

// InputSpec declares a named input and the concept it carries.
type InputSpec struct {
	Name    string `json:"name"`
	Concept string `json:"concept"`
}

// SequenceStep runs Pipe and stores its output under Result. Inputs maps the
// step pipe's input names to names in working memory; unmapped inputs are
// looked up under their own name.
type SequenceStep struct {
	Pipe   string            `json:"pipe"`
	Result string            `json:"result,omitempty"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// ResultName returns the working-memory name the step writes to.
func (s SequenceStep) ResultName() string {
	if s.Result != "" {
		return s.Result
	}
	return s.Pipe
}

// Binding returns the working-memory name that feeds input.
func (s SequenceStep) Binding(input string) string {
	if name, ok := s.Inputs[input]; ok && name != "" {
		return name
	}
	return input
}

// PipeCodes returns the codes this blueprint contributes, in definition order.
func (b *Blueprint) PipeCodes() []string {
	codes := make([]string, 0, len(b.Pipes))
	for _, p := range b.Pipes {
		codes = append(codes, p.Code)
	}
	return codes
}

// Pipe returns the definition with the given code.
func (b *Blueprint) Pipe(code string) (*PipeBlueprint, bool) {
	for i := range b.Pipes {
		if b.Pipes[i].Code == code {
			return &b.Pipes[i], true
		}
	}
	return nil, false
}

// HasConcept reports whether code is native or declared by the bundle.
func (b *Blueprint) HasConcept(code string) bool {
	if _, ok := NativeConcepts[code]; ok {
		return true
	}
	_, ok := b.Concepts[code]
	return ok
}

// Input returns the declared input with the given name.
func (p *PipeBlueprint) Input(name string) (InputSpec, bool) {
	for _, in := range p.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// InputMap returns inputs as name -> concept.
func (p *PipeBlueprint) InputMap() map[string]string {
	m := make(map[string]string, len(p.Inputs))
	for _, in := range p.Inputs {
		m[in.Name] = in.Concept
	}
	return m
}
