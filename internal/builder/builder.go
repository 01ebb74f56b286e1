// Package builder turns a natural-language brief into a pipe blueprint by
// prompting a chat model and feeding parse and validation failures back to
// it until a candidate passes.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Pipelex/pipelex-api/internal/builder/openai"
	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/plx"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultMaxAttempts    = 3
	DefaultMaxBriefTokens = 2000
)

// ChatClient sends chat completion requests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

var _ ports.Builder = (*Builder)(nil)

// Builder implements ports.Builder on top of a chat model.
type Builder struct {
	client         ChatClient
	model          string
	maxAttempts    int
	maxBriefTokens int
	functions      []string
	counter        *TokenCounter
	logger         *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(b *Builder) {
		if model != "" {
			b.model = model
		}
	}
}

// WithMaxAttempts bounds the build-and-fix loop.
func WithMaxAttempts(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithMaxBriefTokens rejects briefs longer than n tokens.
func WithMaxBriefTokens(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxBriefTokens = n
		}
	}
}

// WithFunctions lists the PipeFunc functions the model may use.
func WithFunctions(names []string) Option {
	return func(b *Builder) { b.functions = names }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// New creates a builder.
func New(client ChatClient, opts ...Option) (*Builder, error) {
	if client == nil {
		return nil, fmt.Errorf("chat client required")
	}
	b := &Builder{
		client:         client,
		model:          DefaultModel,
		maxAttempts:    DefaultMaxAttempts,
		maxBriefTokens: DefaultMaxBriefTokens,
		counter:        NewTokenCounter(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Build asks the model for a definition and returns the first candidate that
// parses and passes check.
func (b *Builder) Build(ctx context.Context, brief string, check ports.BlueprintCheck) (*domain.Blueprint, error) {
	brief = strings.TrimSpace(brief)
	if brief == "" {
		return nil, domain.Errorf(domain.KindBuild, "build", "brief is required")
	}
	n, err := b.counter.Count(b.model, brief)
	if err != nil {
		return nil, domain.NewError(domain.KindBuild, "build", err)
	}
	if n > b.maxBriefTokens {
		return nil, domain.Errorf(domain.KindBuild, "build", "brief is %d tokens, limit is %d", n, b.maxBriefTokens)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: "system", Content: systemPrompt(b.functions)},
		{Role: "user", Content: brief},
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		resp, err := b.client.CreateChatCompletion(ctx, &openai.ChatCompletionRequest{
			Model:    b.model,
			Messages: messages,
		})
		if err != nil {
			return nil, domain.NewError(domain.KindBuild, "build", fmt.Errorf("chat completion: %w", err))
		}
		if len(resp.Choices) == 0 {
			return nil, domain.Errorf(domain.KindBuild, "build", "model returned no choices")
		}
		content := resp.Choices[0].Message.Content

		bp, err := plx.Parse(extractDefinition(content))
		if err == nil && check != nil {
			err = check(ctx, bp)
		}
		if err == nil {
			b.logger.Info("pipeline built",
				slog.Int("attempt", attempt),
				slog.Int("pipes", len(bp.Pipes)))
			return bp, nil
		}

		lastErr = err
		b.logger.Warn("pipeline candidate rejected",
			slog.Int("attempt", attempt),
			slog.String("error_type", string(domain.KindOf(err))),
			slog.String("error", err.Error()))

		messages = append(messages,
			openai.ChatCompletionMessage{Role: "assistant", Content: content},
			openai.ChatCompletionMessage{Role: "user", Content: feedback(err)},
		)
	}

	return nil, domain.NewError(domain.KindBuild, "build",
		fmt.Errorf("no valid pipeline after %d attempts: %w", b.maxAttempts, lastErr))
}

// extractDefinition returns the body of the first fenced block in content, or
// content itself when it has none.
func extractDefinition(content string) string {
	start := strings.Index(content, "```")
	if start < 0 {
		return strings.TrimSpace(content)
	}
	rest := content[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func feedback(err error) string {
	return "That definition was rejected:\n" + err.Error() +
		"\nReturn the corrected definition in full, in a single yaml code block."
}

func systemPrompt(functions []string) string {
	var sb strings.Builder
	sb.WriteString(`You design data pipelines in the PLX format. Reply with one yaml code block and nothing else.

Format:
domain: <snake_case domain>
description: <one line>
concepts:
  <ConceptName>: <definition>
pipes:
  <pipe_code>:
    type: PipeTemplate | PipeFunc | PipeSequence
    description: <one line>
    inputs: {<input_name>: <Concept>}
    output: <Concept>
    template: "<Go text/template over the inputs, e.g. Hello {{ .name }}>"   # PipeTemplate
    function: <function name>                                                # PipeFunc
    steps:                                                                   # PipeSequence
      - {pipe: <pipe_code>, result: <name>, inputs: {<step input>: <name in memory>}}

Rules:
- pipe codes and input names are lower snake_case.
- native concepts are Text, Number and Anything; declare any other concept under concepts.
- templates may only reference declared inputs.
- a sequence step may read the sequence inputs and the results of earlier steps.
`)
	if len(functions) > 0 {
		sb.WriteString("- PipeFunc functions: ")
		sb.WriteString(strings.Join(functions, ", "))
		sb.WriteString(".\n")
	}
	return sb.String()
}
