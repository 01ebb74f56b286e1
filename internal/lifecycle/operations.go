package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/plx"
	"github.com/Pipelex/pipelex-api/internal/runner"
)

// ValidateResult describes a definition that loaded and validated cleanly.
type ValidateResult struct {
	Blueprint     *domain.Blueprint
	Structures    map[string]domain.PipeStructure
	Orchestration *Orchestration
}

// ExecuteRequest names the pipe to run and, optionally, the definition text
// that declares it.
type ExecuteRequest struct {
	PipeCode string
	PLX      string
	Inputs   map[string]any
	Output   domain.OutputSpec
}

// ExecuteResult is the outcome of Execute or Start. Structures is set only
// when the request carried definition text.
type ExecuteResult struct {
	Run           *domain.PipelineRun
	Structures    map[string]domain.PipeStructure
	Orchestration *Orchestration
}

// BuildResult is a generated definition with its pipe structures.
type BuildResult struct {
	PLX        string
	Blueprint  *domain.Blueprint
	Structures map[string]domain.PipeStructure
}

// Validate parses, loads and validates text in a scratch session. The
// session is always cleaned up before Validate returns.
func (o *Orchestrator) Validate(ctx context.Context, text string) (*ValidateResult, error) {
	orc := newOrchestration("validate", o.logger)
	ctx, span := o.tracer.Start(ctx, "lifecycle.validate",
		trace.WithAttributes(attribute.String("orchestration_id", orc.ID)))
	defer span.End()

	p, err := o.prepareText(ctx, orc, text)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	result := &ValidateResult{
		Blueprint:     p.blueprint,
		Structures:    p.structures(),
		Orchestration: orc,
	}
	o.release(ctx, p.lease)
	return result, nil
}

// Execute runs a pipe to completion. When req.PLX is set its pipes are loaded
// for the duration of the call and removed afterwards. The run is detached
// from ctx cancellation so a dropped client does not abort it mid-step.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	orc := newOrchestration("execute", o.logger)
	ctx, span := o.tracer.Start(ctx, "lifecycle.execute",
		trace.WithAttributes(
			attribute.String("orchestration_id", orc.ID),
			attribute.String("pipe_code", req.PipeCode)))
	defer span.End()

	p, pipe, err := o.prepareRun(ctx, orc, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	var lease *Lease
	if p != nil {
		lease = p.lease
	}

	orc.transition(StateExecuting)
	run, runErr := o.dispatcher.Execute(context.WithoutCancel(ctx), ports.ExecutionRequest{
		Pipe:            pipe,
		Inputs:          req.Inputs,
		Output:          req.Output,
		OrchestrationID: orc.ID,
	})
	if runErr != nil {
		orc.transition(StateFailed)
	} else {
		orc.transition(StateCompleted)
	}
	o.release(ctx, lease)

	if runErr != nil {
		recordError(span, runErr)
		return nil, runErr
	}

	span.SetAttributes(attribute.String("run_id", run.ID))
	result := &ExecuteResult{Run: run, Orchestration: orc}
	if p != nil {
		result.Structures = p.structures()
	}
	return result, nil
}

// Start launches a run and returns once it is recorded as started. The
// session holding req.PLX's pipes stays open until the run finishes.
func (o *Orchestrator) Start(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	orc := newOrchestration("start", o.logger)
	ctx, span := o.tracer.Start(ctx, "lifecycle.start",
		trace.WithAttributes(
			attribute.String("orchestration_id", orc.ID),
			attribute.String("pipe_code", req.PipeCode)))
	defer span.End()

	p, pipe, err := o.prepareRun(ctx, orc, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	var lease *Lease
	if p != nil {
		lease = p.lease
	}

	orc.transition(StateExecuting)
	onDone := func(run *domain.PipelineRun) {
		if run.State == domain.RunFailed {
			orc.transition(StateFailed)
		} else {
			orc.transition(StateCompleted)
		}
		o.release(context.Background(), lease)
	}

	run, err := o.dispatcher.Start(ctx, ports.ExecutionRequest{
		Pipe:            pipe,
		Inputs:          req.Inputs,
		Output:          req.Output,
		OrchestrationID: orc.ID,
	}, onDone)
	if err != nil {
		recordError(span, err)
		return nil, o.fail(ctx, orc, lease, err)
	}

	span.SetAttributes(attribute.String("run_id", run.ID))
	orc.logger.Info("pipeline run started",
		slog.String("run_id", run.ID),
		slog.String("pipe_code", run.PipeCode))

	result := &ExecuteResult{Run: run, Orchestration: orc}
	if p != nil {
		result.Structures = p.structures()
	}
	return result, nil
}

// Run returns the current record of a run.
func (o *Orchestrator) Run(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return o.dispatcher.Run(ctx, id)
}

// prepareRun loads req.PLX when present and resolves the pipe to run. A nil
// prepared means nothing was loaded.
func (o *Orchestrator) prepareRun(ctx context.Context, orc *Orchestration, req ExecuteRequest) (*prepared, *domain.Pipe, error) {
	if req.PLX == "" {
		pipe, err := o.registry.GetRequired(req.PipeCode)
		if err != nil {
			orc.transition(StateFailed)
			return nil, nil, err
		}
		return nil, pipe, nil
	}

	p, err := o.prepareText(ctx, orc, req.PLX)
	if err != nil {
		return nil, nil, err
	}
	pipe, err := o.resolve(p, req.PipeCode)
	if err != nil {
		return nil, nil, o.fail(ctx, orc, p.lease, err)
	}
	return p, pipe, nil
}

// GenerateRunner validates text and renders a script that runs pipeCode
// through the HTTP API.
func (o *Orchestrator) GenerateRunner(ctx context.Context, text, pipeCode string) (string, error) {
	orc := newOrchestration("generate_runner", o.logger)
	ctx, span := o.tracer.Start(ctx, "lifecycle.generate_runner",
		trace.WithAttributes(
			attribute.String("orchestration_id", orc.ID),
			attribute.String("pipe_code", pipeCode)))
	defer span.End()

	p, err := o.prepareText(ctx, orc, text)
	if err != nil {
		recordError(span, err)
		return "", err
	}
	defer o.release(ctx, p.lease)

	pipe, err := o.registry.Lookup(p.lease.SessionID(), pipeCode)
	if err != nil {
		recordError(span, err)
		orc.transition(StateFailed)
		return "", err
	}

	script, err := runner.Generate(pipe, text, o.runnerOpts)
	if err != nil {
		err = domain.NewError(domain.KindBuild, "generate_runner", err).WithPipe(pipeCode)
		recordError(span, err)
		orc.transition(StateFailed)
		return "", err
	}
	orc.transition(StateCompleted)
	return script, nil
}

// Build asks the builder for a blueprint from brief. Every candidate is
// checked in a scratch session; the accepted one is rendered to text.
func (o *Orchestrator) Build(ctx context.Context, brief string) (*BuildResult, error) {
	if o.builder == nil {
		return nil, domain.Errorf(domain.KindConfig, "build", "pipe builder is not configured")
	}

	orc := newOrchestration("build", o.logger)
	ctx, span := o.tracer.Start(ctx, "lifecycle.build",
		trace.WithAttributes(attribute.String("orchestration_id", orc.ID)))
	defer span.End()

	bp, err := o.builder.Build(ctx, brief, o.checkBlueprint)
	if err != nil {
		if _, ok := domain.AsError(err); !ok {
			err = domain.NewError(domain.KindBuild, "build", err)
		}
		recordError(span, err)
		orc.transition(StateFailed)
		return nil, err
	}

	text, err := plx.Render(bp)
	if err != nil {
		err = domain.NewError(domain.KindBuild, "build", fmt.Errorf("render: %w", err))
		recordError(span, err)
		orc.transition(StateFailed)
		return nil, err
	}

	p, err := o.prepareText(ctx, orc, text)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	result := &BuildResult{
		PLX:        text,
		Blueprint:  p.blueprint,
		Structures: p.structures(),
	}
	orc.transition(StateCompleted)
	o.release(ctx, p.lease)
	return result, nil
}

// checkBlueprint runs bp through a scratch session.
func (o *Orchestrator) checkBlueprint(ctx context.Context, bp *domain.Blueprint) error {
	orc := newOrchestration("build_check", o.logger)
	p, err := o.prepareBlueprint(ctx, orc, bp)
	if err != nil {
		return err
	}
	o.release(ctx, p.lease)
	return nil
}
