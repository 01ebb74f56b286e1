// Package lifecycle drives definition texts through parse, register,
// validate, execute and cleanup.
//
// Every operation that registers pipes does so inside a session it leases
// from the registry. The lease is released exactly once on every path. When
// both the operation and the cleanup fail, the operation's error is returned
// and the cleanup error is only logged.
//
// Asynchronous starts hand their lease to the run: the session stays loaded
// while the run executes and is released when the run reaches a terminal
// state.
//
// The library session loaded at startup is the one exception: it is never
// released, and its pipes serve requests that carry no definition text.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/plx"
	"github.com/Pipelex/pipelex-api/internal/runner"
)

const tracerName = "github.com/Pipelex/pipelex-api/internal/lifecycle"

// ParseFunc turns definition text into a blueprint.
type ParseFunc func(text string) (*domain.Blueprint, error)

// Orchestrator is the only component that mutates the registry.
type Orchestrator struct {
	registry   ports.PipeRegistry
	validator  ports.PipeValidator
	dispatcher ports.Dispatcher
	builder    ports.Builder
	events     ports.EventPublisher
	parse      ParseFunc
	runnerOpts runner.Options
	logger     *slog.Logger
	tracer     trace.Tracer

	libMu   sync.Mutex
	library domain.SessionID
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBuilder enables Build.
func WithBuilder(b ports.Builder) Option {
	return func(o *Orchestrator) { o.builder = b }
}

// WithEvents publishes lifecycle events.
func WithEvents(events ports.EventPublisher) Option {
	return func(o *Orchestrator) { o.events = events }
}

// WithParser replaces the definition parser.
func WithParser(parse ParseFunc) Option {
	return func(o *Orchestrator) { o.parse = parse }
}

// WithRunnerOptions tunes generated runner scripts.
func WithRunnerOptions(opts runner.Options) Option {
	return func(o *Orchestrator) { o.runnerOpts = opts }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator.
func New(registry ports.PipeRegistry, validator ports.PipeValidator, dispatcher ports.Dispatcher, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}

	o := &Orchestrator{
		registry:   registry,
		validator:  validator,
		dispatcher: dispatcher,
		parse:      plx.Parse,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// prepared is a blueprint loaded and validated inside a leased session.
type prepared struct {
	blueprint *domain.Blueprint
	pipes     []*domain.Pipe
	lease     *Lease
}

func (p *prepared) structures() map[string]domain.PipeStructure {
	return domain.Structures(p.pipes)
}

// prepareText parses text and hands the blueprint to prepareBlueprint.
func (o *Orchestrator) prepareText(ctx context.Context, orc *Orchestration, text string) (*prepared, error) {
	bp, err := o.parse(text)
	if err != nil {
		orc.transition(StateFailed)
		return nil, err
	}
	orc.transition(StateParsed)
	return o.prepareBlueprint(ctx, orc, bp)
}

// prepareBlueprint opens a session, loads bp and validates every pipe. On
// failure the session is already released when it returns.
func (o *Orchestrator) prepareBlueprint(ctx context.Context, orc *Orchestration, bp *domain.Blueprint) (*prepared, error) {
	ctx, span := o.tracer.Start(ctx, "lifecycle.prepare",
		trace.WithAttributes(attribute.Int("pipes", len(bp.Pipes))))
	defer span.End()

	id, err := o.registry.OpenSession()
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	orc.transition(StateSessionOpen)
	span.SetAttributes(attribute.String("session_id", id.String()))
	o.publish(ctx, orc, domain.EventSessionOpened, id, "", nil)

	lease := newLease(o.registry, id, bp, o.onRelease(orc, id))
	p := &prepared{blueprint: bp, lease: lease}

	pipes, err := o.registry.Load(id, bp)
	if err != nil {
		recordError(span, err)
		return nil, o.fail(ctx, orc, lease, err)
	}
	p.pipes = pipes
	orc.transition(StateLoaded)
	o.publish(ctx, orc, domain.EventBlueprintLoaded, id, "", map[string]string{
		"pipes": fmt.Sprint(len(pipes)),
	})

	if err := o.validateAll(ctx, id, pipes); err != nil {
		recordError(span, err)
		o.publish(ctx, orc, domain.EventValidationFailed, id, pipeCodeOf(err), map[string]string{
			"error": err.Error(),
		})
		return nil, o.fail(ctx, orc, lease, err)
	}
	orc.transition(StateValidated)
	o.publish(ctx, orc, domain.EventPipesValidated, id, "", nil)

	return p, nil
}

// validateAll validates then dry-runs each pipe in load order. The first
// failure stops the loop.
func (o *Orchestrator) validateAll(ctx context.Context, id domain.SessionID, pipes []*domain.Pipe) error {
	for _, p := range pipes {
		if err := o.validator.Validate(ctx, p); err != nil {
			o.markState(id, p, domain.Invalid)
			return domain.ErrValidation(p.Code, err).WithSession(id)
		}
		if err := o.validator.DryRun(ctx, p); err != nil {
			o.markState(id, p, domain.Invalid)
			return domain.ErrValidation(p.Code, err).WithSession(id)
		}
		o.markState(id, p, domain.Valid)
	}
	return nil
}

func (o *Orchestrator) markState(id domain.SessionID, p *domain.Pipe, state domain.ValidationState) {
	p.State = state
	if err := o.registry.SetState(id, p.Code, state); err != nil {
		o.logger.Warn("failed to record validation state",
			slog.String("pipe_code", p.Code),
			slog.String("error", err.Error()))
	}
}

// fail releases the lease and returns primary unchanged.
func (o *Orchestrator) fail(ctx context.Context, orc *Orchestration, lease *Lease, primary error) error {
	orc.transition(StateFailed)
	o.release(ctx, lease)
	return primary
}

// release runs the lease cleanup. Cleanup errors are logged by onRelease and
// never returned.
func (o *Orchestrator) release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	_ = lease.Release(ctx)
}

func (o *Orchestrator) onRelease(orc *Orchestration, id domain.SessionID) func(error) {
	return func(err error) {
		ctx := context.Background()
		if err != nil {
			orc.logger.Error("session cleanup failed",
				slog.String("session_id", id.String()),
				slog.String("error_type", string(domain.KindCleanup)),
				slog.String("error", err.Error()))
			o.publish(ctx, orc, domain.EventCleanupFailed, id, "", map[string]string{"error": err.Error()})
		}
		orc.transition(StateCleanedUp)
		o.publish(ctx, orc, domain.EventSessionCleaned, id, "", nil)
	}
}

// resolve finds the pipe to run: inside the leased session first, then
// across the registry.
func (o *Orchestrator) resolve(p *prepared, code string) (*domain.Pipe, error) {
	if p != nil {
		if pipe, err := o.registry.Lookup(p.lease.SessionID(), code); err == nil {
			return pipe, nil
		}
	}
	return o.registry.GetRequired(code)
}

func (o *Orchestrator) publish(ctx context.Context, orc *Orchestration, t domain.LifecycleEventType, id domain.SessionID, pipeCode string, data map[string]string) {
	if o.events == nil {
		return
	}
	event := &domain.LifecycleEvent{
		Type:            t,
		OrchestrationID: orc.ID,
		SessionID:       id,
		PipeCode:        pipeCode,
		Timestamp:       time.Now().UTC(),
		Data:            data,
	}
	if err := o.events.Publish(ctx, event); err != nil {
		orc.logger.Warn("failed to publish lifecycle event",
			slog.String("type", string(t)),
			slog.String("error", err.Error()))
	}
}

func pipeCodeOf(err error) string {
	if e, ok := domain.AsError(err); ok {
		return e.PipeCode
	}
	return ""
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error_type", string(domain.KindOf(err))))
}
