package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template/parse"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

var _ ports.PipeValidator = (*Validator)(nil)

// Validator checks loaded pipes before they run.
type Validator struct {
	resolver ports.PipeResolver
	executor *Executor
}

// NewValidator creates a validator resolving sequence steps through resolver.
func NewValidator(resolver ports.PipeResolver, executor *Executor) *Validator {
	return &Validator{resolver: resolver, executor: executor}
}

// Validate runs the structural checks and joins every issue found.
func (v *Validator) Validate(ctx context.Context, pipe *domain.Pipe) error {
	issues := v.Issues(pipe)
	if len(issues) == 0 {
		return nil
	}
	return errors.New(strings.Join(issues, "; "))
}

// DryRun executes the pipe on placeholder inputs. Nothing is recorded.
func (v *Validator) DryRun(ctx context.Context, pipe *domain.Pipe) error {
	plan, err := Resolve(v.resolver, pipe)
	if err != nil {
		return fmt.Errorf("dry run: %w", err)
	}
	if _, err := v.executor.Run(ctx, plan, placeholderInputs(pipe), domain.OutputSpec{}); err != nil {
		return fmt.Errorf("dry run: %w", err)
	}
	return nil
}

// Issues returns a description of every structural problem with pipe. An
// empty result means the pipe is valid.
func (v *Validator) Issues(pipe *domain.Pipe) []string {
	var issues []string
	def := pipe.Definition

	if def.Output == "" {
		issues = append(issues, "output: required")
	} else if !pipe.HasConcept(def.Output) {
		issues = append(issues, fmt.Sprintf("output: unknown concept %q", def.Output))
	}

	seen := make(map[string]bool, len(def.Inputs))
	for _, in := range def.Inputs {
		if seen[in.Name] {
			issues = append(issues, fmt.Sprintf("inputs.%s: declared twice", in.Name))
		}
		seen[in.Name] = true
		if !pipe.HasConcept(in.Concept) {
			issues = append(issues, fmt.Sprintf("inputs.%s: unknown concept %q", in.Name, in.Concept))
		}
	}

	switch def.Type {
	case domain.PipeTemplate:
		issues = append(issues, v.templateIssues(pipe)...)
	case domain.PipeFunc:
		issues = append(issues, v.funcIssues(pipe)...)
	case domain.PipeSequence:
		issues = append(issues, v.sequenceIssues(pipe)...)
	default:
		issues = append(issues, fmt.Sprintf("type: unsupported %q", def.Type))
	}
	return issues
}

func (v *Validator) templateIssues(pipe *domain.Pipe) []string {
	def := pipe.Definition
	if strings.TrimSpace(def.Template) == "" {
		return []string{"template: required"}
	}
	tmpl, err := parseTemplate(pipe)
	if err != nil {
		return []string{fmt.Sprintf("template: %v", err)}
	}

	var issues []string
	declared := def.InputMap()
	for _, ref := range templateRefs(tmpl.Tree.Root) {
		if _, ok := declared[ref]; !ok {
			issues = append(issues, fmt.Sprintf("template: references undeclared input %q", ref))
		}
	}
	return issues
}

func (v *Validator) funcIssues(pipe *domain.Pipe) []string {
	def := pipe.Definition
	if def.Function == "" {
		return []string{"function: required"}
	}
	var issues []string
	if _, ok := v.executor.Funcs().Get(def.Function); !ok {
		issues = append(issues, fmt.Sprintf("function: unknown function %q (available: %s)",
			def.Function, strings.Join(v.executor.Funcs().Names(), ", ")))
	}
	if len(def.Inputs) == 0 {
		issues = append(issues, "inputs: a function pipe needs at least one input")
	}
	return issues
}

func (v *Validator) sequenceIssues(pipe *domain.Pipe) []string {
	def := pipe.Definition
	if len(def.Steps) == 0 {
		return []string{"steps: at least one step required"}
	}

	var issues []string
	available := def.InputMap()
	for i, step := range def.Steps {
		if step.Pipe == "" {
			issues = append(issues, fmt.Sprintf("steps[%d]: pipe is required", i))
			continue
		}
		if step.Pipe == pipe.Code {
			issues = append(issues, fmt.Sprintf("steps[%d] %q: sequence cannot call itself", i, step.Pipe))
			continue
		}
		child, err := v.resolver.Lookup(pipe.SessionID, step.Pipe)
		if err != nil {
			issues = append(issues, fmt.Sprintf("steps[%d] %q: pipe not found", i, step.Pipe))
			continue
		}
		for name := range step.Inputs {
			if _, ok := child.Definition.Input(name); !ok {
				issues = append(issues, fmt.Sprintf("steps[%d] %q: binds unknown input %q", i, step.Pipe, name))
			}
		}
		for _, in := range child.Definition.Inputs {
			source := step.Binding(in.Name)
			if _, ok := available[source]; !ok {
				issues = append(issues, fmt.Sprintf("steps[%d] %q: input %q reads %q, which is not available", i, step.Pipe, in.Name, source))
			}
		}
		available[step.ResultName()] = child.Definition.Output
	}

	if len(issues) == 0 {
		if _, err := Resolve(v.resolver, pipe); err != nil {
			issues = append(issues, fmt.Sprintf("steps: %v", err))
		}
	}
	return issues
}

// templateRefs returns the top-level field names a template reads from dot.
// Bodies of range and with blocks rebind dot and are not inspected.
func templateRefs(root *parse.ListNode) []string {
	var refs []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}

	var walkPipe func(p *parse.PipeNode)
	var walk func(n parse.Node)

	walkArg := func(arg parse.Node) {
		switch a := arg.(type) {
		case *parse.FieldNode:
			if len(a.Ident) > 0 {
				add(a.Ident[0])
			}
		case *parse.ChainNode:
			if f, ok := a.Node.(*parse.FieldNode); ok && len(f.Ident) > 0 {
				add(f.Ident[0])
			}
			if p, ok := a.Node.(*parse.PipeNode); ok {
				walkPipe(p)
			}
		case *parse.PipeNode:
			walkPipe(a)
		}
	}
	walkPipe = func(p *parse.PipeNode) {
		if p == nil {
			return
		}
		for _, cmd := range p.Cmds {
			for _, arg := range cmd.Args {
				walkArg(arg)
			}
		}
	}
	walk = func(n parse.Node) {
		switch node := n.(type) {
		case *parse.ListNode:
			if node == nil {
				return
			}
			for _, child := range node.Nodes {
				walk(child)
			}
		case *parse.ActionNode:
			walkPipe(node.Pipe)
		case *parse.IfNode:
			walkPipe(node.Pipe)
			walk(node.List)
			walk(node.ElseList)
		case *parse.RangeNode:
			walkPipe(node.Pipe)
			walk(node.ElseList)
		case *parse.WithNode:
			walkPipe(node.Pipe)
			walk(node.ElseList)
		case *parse.TemplateNode:
			walkPipe(node.Pipe)
		}
	}

	walk(root)
	return refs
}
