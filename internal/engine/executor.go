package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// Stage produces one stuff from working memory.
type Stage func(ctx context.Context, mem *Memory) (domain.Stuff, error)

// templateFuncs are available inside every PipeTemplate.
var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
}

// Executor compiles plans into stages and runs them.
type Executor struct {
	funcs *FuncRegistry
}

// NewExecutor creates an executor using funcs for PipeFunc pipes.
func NewExecutor(funcs *FuncRegistry) *Executor {
	if funcs == nil {
		funcs = DefaultFuncs()
	}
	return &Executor{funcs: funcs}
}

// Funcs returns the function registry.
func (e *Executor) Funcs() *FuncRegistry {
	return e.funcs
}

// Run executes plan against inputs and shapes the result as requested.
func (e *Executor) Run(ctx context.Context, plan *Plan, inputs map[string]domain.Stuff, spec domain.OutputSpec) (out *domain.PipeOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("pipe %q panicked: %v", plan.Pipe.Code, r)
		}
	}()

	stage, err := e.Compile(plan)
	if err != nil {
		return nil, err
	}

	mem := NewMemory(inputs)
	n := spec.Multiplicity
	if n < 1 {
		n = 1
	}

	var main domain.Stuff
	if n == 1 {
		main, err = stage(ctx, mem)
		if err != nil {
			return nil, err
		}
	} else {
		var items []any
		for i := 0; i < n; i++ {
			s, err := stage(ctx, mem)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			main = s
			items = append(items, s.Content)
		}
		main.Content = items
	}

	main.Name = spec.MainName()
	if spec.DynamicConceptCode != "" {
		main.Concept = spec.DynamicConceptCode
	}
	mem.Set(main)

	return &domain.PipeOutput{MainStuff: main, WorkingMemory: mem.Snapshot()}, nil
}

// Compile turns a plan into a stage.
func (e *Executor) Compile(plan *Plan) (Stage, error) {
	def := plan.Pipe.Definition
	switch def.Type {
	case domain.PipeTemplate:
		return e.compileTemplate(plan.Pipe)
	case domain.PipeFunc:
		return e.compileFunc(plan.Pipe)
	case domain.PipeSequence:
		return e.compileSequence(plan)
	default:
		return nil, fmt.Errorf("pipe %q: unsupported type %q", plan.Pipe.Code, def.Type)
	}
}

func parseTemplate(pipe *domain.Pipe) (*template.Template, error) {
	return template.New(pipe.Code).
		Option("missingkey=error").
		Funcs(templateFuncs).
		Parse(pipe.Definition.Template)
}

func (e *Executor) compileTemplate(pipe *domain.Pipe) (Stage, error) {
	tmpl, err := parseTemplate(pipe)
	if err != nil {
		return nil, fmt.Errorf("pipe %q: %w", pipe.Code, err)
	}
	def := pipe.Definition

	return func(ctx context.Context, mem *Memory) (domain.Stuff, error) {
		if err := ctx.Err(); err != nil {
			return domain.Stuff{}, err
		}
		data := make(map[string]any, len(def.Inputs))
		for _, in := range def.Inputs {
			s, err := mem.Get(in.Name)
			if err != nil {
				return domain.Stuff{}, fmt.Errorf("pipe %q: %w", pipe.Code, err)
			}
			data[in.Name] = s.Content
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return domain.Stuff{}, fmt.Errorf("pipe %q: %w", pipe.Code, err)
		}
		return domain.Stuff{Name: pipe.Code, Concept: def.Output, Content: buf.String()}, nil
	}, nil
}

func (e *Executor) compileFunc(pipe *domain.Pipe) (Stage, error) {
	def := pipe.Definition
	fn, ok := e.funcs.Get(def.Function)
	if !ok {
		return nil, fmt.Errorf("pipe %q: unknown function %q", pipe.Code, def.Function)
	}

	return func(ctx context.Context, mem *Memory) (domain.Stuff, error) {
		if err := ctx.Err(); err != nil {
			return domain.Stuff{}, err
		}
		args := make([]domain.Stuff, 0, len(def.Inputs))
		for _, in := range def.Inputs {
			s, err := mem.Get(in.Name)
			if err != nil {
				return domain.Stuff{}, fmt.Errorf("pipe %q: %w", pipe.Code, err)
			}
			args = append(args, s)
		}
		v, err := fn(ctx, args)
		if err != nil {
			return domain.Stuff{}, fmt.Errorf("pipe %q: function %s: %w", pipe.Code, def.Function, err)
		}
		return domain.Stuff{Name: pipe.Code, Concept: def.Output, Content: v}, nil
	}, nil
}

func (e *Executor) compileSequence(plan *Plan) (Stage, error) {
	pipe := plan.Pipe
	def := pipe.Definition
	if len(plan.Steps) != len(def.Steps) {
		return nil, fmt.Errorf("pipe %q: plan has %d steps, definition has %d", pipe.Code, len(plan.Steps), len(def.Steps))
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("pipe %q: sequence has no steps", pipe.Code)
	}

	stages := make([]Stage, len(plan.Steps))
	for i, child := range plan.Steps {
		s, err := e.Compile(child)
		if err != nil {
			return nil, err
		}
		stages[i] = s
	}

	return func(ctx context.Context, mem *Memory) (domain.Stuff, error) {
		var last domain.Stuff
		for i, stage := range stages {
			if err := ctx.Err(); err != nil {
				return domain.Stuff{}, err
			}
			step := def.Steps[i]
			child := plan.Steps[i].Pipe

			bindings := make(map[string]domain.Stuff, len(child.Definition.Inputs))
			for _, in := range child.Definition.Inputs {
				s, err := mem.Get(step.Binding(in.Name))
				if err != nil {
					return domain.Stuff{}, fmt.Errorf("pipe %q: steps[%d] %q: %w", pipe.Code, i, step.Pipe, err)
				}
				s.Name = in.Name
				bindings[in.Name] = s
			}

			out, err := stage(ctx, NewMemory(bindings))
			if err != nil {
				return domain.Stuff{}, err
			}
			out.Name = step.ResultName()
			mem.Set(out)
			last = out
		}
		return domain.Stuff{Name: pipe.Code, Concept: def.Output, Content: last.Content}, nil
	}, nil
}
