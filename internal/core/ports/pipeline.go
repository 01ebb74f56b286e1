// Package ports defines the interfaces between the orchestrator and the
// components it drives.
package ports

import (
	"context"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// PipeResolver looks up registered pipes.
type PipeResolver interface {
	// Lookup resolves code inside one session.
	Lookup(sessionID domain.SessionID, code string) (*domain.Pipe, error)
	// GetRequired resolves code across all open sessions.
	GetRequired(code string) (*domain.Pipe, error)
}

// PipeRegistry is the registry surface the orchestrator drives. Only the
// orchestrator calls the mutating methods.
type PipeRegistry interface {
	PipeResolver

	OpenSession() (domain.SessionID, error)
	Load(sessionID domain.SessionID, bp *domain.Blueprint) ([]*domain.Pipe, error)
	Remove(sessionID domain.SessionID, bp *domain.Blueprint) error
	CloseSession(sessionID domain.SessionID) error
	SetState(sessionID domain.SessionID, code string, state domain.ValidationState) error
}

// PipeValidator checks pipes before they run.
type PipeValidator interface {
	// Validate performs structural checks.
	Validate(ctx context.Context, pipe *domain.Pipe) error
	// DryRun executes the pipe against placeholder inputs without side effects.
	DryRun(ctx context.Context, pipe *domain.Pipe) error
}

// ExecutionRequest is one pipe invocation.
type ExecutionRequest struct {
	Pipe            *domain.Pipe
	Inputs          map[string]any
	Output          domain.OutputSpec
	OrchestrationID string
}

// Dispatcher runs pipes.
type Dispatcher interface {
	// Execute blocks until the run is completed or failed. On failure the
	// returned run is the failed record and the error is an ExecutionError.
	Execute(ctx context.Context, req ExecutionRequest) (*domain.PipelineRun, error)

	// Start records the run as started and returns immediately. onDone, when
	// non-nil, is called exactly once after the run reaches a terminal state.
	Start(ctx context.Context, req ExecutionRequest, onDone func(*domain.PipelineRun)) (*domain.PipelineRun, error)

	// Run returns the current record of a run.
	Run(ctx context.Context, id string) (*domain.PipelineRun, error)
}

// BlueprintCheck validates a candidate blueprint end to end. A nil result
// means the blueprint loads, validates and dry-runs cleanly.
type BlueprintCheck func(ctx context.Context, bp *domain.Blueprint) error

// Builder turns a natural-language brief into a blueprint. check is called on
// every candidate; its error is fed back into the next attempt.
type Builder interface {
	Build(ctx context.Context, brief string, check BlueprintCheck) (*domain.Blueprint, error)
}
