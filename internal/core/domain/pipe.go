package domain

import "time"

// ValidationState tracks whether a loaded pipe passed validation and dry run.
type ValidationState string

const (
	Unvalidated ValidationState = "unvalidated"
	Valid       ValidationState = "valid"
	Invalid     ValidationState = "invalid"
)

// Pipe is a pipe definition registered in a session. Two sessions holding the
// same code hold independent Pipe values.
type Pipe struct {
	Code       string            `json:"code"`
	SessionID  SessionID         `json:"session_id"`
	Domain     string            `json:"domain"`
	Definition PipeBlueprint     `json:"definition"`
	Concepts   map[string]string `json:"concepts,omitempty"`
	State      ValidationState   `json:"validation_state"`
	LoadedAt   time.Time         `json:"loaded_at"`
}

// Clone returns a copy that shares no mutable state with p.
func (p *Pipe) Clone() *Pipe {
	c := *p
	c.Definition.Inputs = append([]InputSpec(nil), p.Definition.Inputs...)
	c.Definition.Steps = make([]SequenceStep, len(p.Definition.Steps))
	for i, s := range p.Definition.Steps {
		c.Definition.Steps[i] = s
		if s.Inputs != nil {
			c.Definition.Steps[i].Inputs = make(map[string]string, len(s.Inputs))
			for k, v := range s.Inputs {
				c.Definition.Steps[i].Inputs[k] = v
			}
		}
	}
	if p.Concepts != nil {
		c.Concepts = make(map[string]string, len(p.Concepts))
		for k, v := range p.Concepts {
			c.Concepts[k] = v
		}
	}
	return &c
}

// HasConcept reports whether code is native or declared by the pipe's bundle.
func (p *Pipe) HasConcept(code string) bool {
	if _, ok := NativeConcepts[code]; ok {
		return true
	}
	_, ok := p.Concepts[code]
	return ok
}

// PipeStructure describes a pipe's inputs and output for API clients.
type PipeStructure struct {
	PipeCode    string            `json:"pipe_code"`
	Type        PipeType          `json:"type"`
	Description string            `json:"description,omitempty"`
	Inputs      map[string]string `json:"inputs"`
	Output      string            `json:"output"`
}

// Structure returns the input/output descriptor of the pipe.
func (p *Pipe) Structure() PipeStructure {
	return PipeStructure{
		PipeCode:    p.Code,
		Type:        p.Definition.Type,
		Description: p.Definition.Description,
		Inputs:      p.Definition.InputMap(),
		Output:      p.Definition.Output,
	}
}

// Structures indexes the structure of each pipe by code.
func Structures(pipes []*Pipe) map[string]PipeStructure {
	out := make(map[string]PipeStructure, len(pipes))
	for _, p := range pipes {
		out[p.Code] = p.Structure()
	}
	return out
}
