package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

// DefaultRunTimeout bounds asynchronous runs.
const DefaultRunTimeout = 10 * time.Minute

// DefaultMaxMultiplicity bounds the number of values one run may produce.
const DefaultMaxMultiplicity = 100

var _ ports.Dispatcher = (*Dispatcher)(nil)

// Dispatcher runs pipes and keeps their run records.
type Dispatcher struct {
	executor *Executor
	resolver ports.PipeResolver
	store    ports.RunStore
	events   ports.EventPublisher
	logger   *slog.Logger

	runTimeout      time.Duration
	maxMultiplicity int
	now             func() time.Time
	wg         sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEvents publishes run lifecycle events.
func WithEvents(events ports.EventPublisher) DispatcherOption {
	return func(d *Dispatcher) { d.events = events }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithRunTimeout bounds asynchronous runs. Non-positive values keep the
// default.
func WithRunTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.runTimeout = timeout
		}
	}
}

// WithMaxMultiplicity bounds the requested output multiplicity. Non-positive
// values keep the default.
func WithMaxMultiplicity(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxMultiplicity = n
		}
	}
}

// NewDispatcher creates a dispatcher. store is required.
func NewDispatcher(executor *Executor, resolver ports.PipeResolver, store ports.RunStore, opts ...DispatcherOption) (*Dispatcher, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("pipe resolver required")
	}
	if store == nil {
		return nil, fmt.Errorf("run store required")
	}

	d := &Dispatcher{
		executor:        executor,
		resolver:        resolver,
		store:           store,
		logger:          slog.Default(),
		runTimeout:      DefaultRunTimeout,
		maxMultiplicity: DefaultMaxMultiplicity,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Execute runs the pipe to completion.
func (d *Dispatcher) Execute(ctx context.Context, req ports.ExecutionRequest) (*domain.PipelineRun, error) {
	plan, inputs, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	run := d.newRun(req)
	if err := d.store.SaveRun(ctx, run); err != nil {
		return nil, domain.ErrExecution(req.Pipe.Code, fmt.Errorf("record run: %w", err))
	}
	d.publish(ctx, run, domain.EventRunStarted, nil)

	out, runErr := d.executor.Run(ctx, plan, inputs, req.Output)
	d.finish(ctx, run, out, runErr)

	if runErr != nil {
		return run, domain.ErrExecution(req.Pipe.Code, runErr)
	}
	return run, nil
}

// Start records the run and executes it in the background. The run is
// detached from ctx cancellation and bounded by the run timeout.
func (d *Dispatcher) Start(ctx context.Context, req ports.ExecutionRequest, onDone func(*domain.PipelineRun)) (*domain.PipelineRun, error) {
	plan, inputs, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	run := d.newRun(req)
	if err := d.store.SaveRun(ctx, run); err != nil {
		return nil, domain.ErrExecution(req.Pipe.Code, fmt.Errorf("record run: %w", err))
	}
	d.publish(ctx, run, domain.EventRunStarted, nil)

	started := *run
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.runTimeout)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		out, runErr := d.executor.Run(runCtx, plan, inputs, req.Output)
		d.finish(runCtx, run, out, runErr)

		if runErr != nil {
			d.logger.Warn("pipeline run failed",
				slog.String("run_id", run.ID),
				slog.String("pipe_code", run.PipeCode),
				slog.String("error", runErr.Error()))
		} else {
			d.logger.Info("pipeline run completed",
				slog.String("run_id", run.ID),
				slog.String("pipe_code", run.PipeCode))
		}

		if onDone != nil {
			onDone(run)
		}
	}()

	return &started, nil
}

// Run returns the stored record of a run.
func (d *Dispatcher) Run(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return d.store.GetRun(ctx, id)
}

// Wait blocks until every started run finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) prepare(req ports.ExecutionRequest) (*Plan, map[string]domain.Stuff, error) {
	if req.Pipe == nil {
		return nil, nil, domain.Errorf(domain.KindExecution, "execute", "no pipe to execute")
	}
	if n := req.Output.Multiplicity; n > d.maxMultiplicity {
		err := domain.Errorf(domain.KindExecution, "execute",
			"output_multiplicity %d exceeds the maximum of %d", n, d.maxMultiplicity).WithPipe(req.Pipe.Code)
		err.Status = http.StatusUnprocessableEntity
		return nil, nil, err
	}
	plan, err := Resolve(d.resolver, req.Pipe)
	if err != nil {
		return nil, nil, domain.ErrExecution(req.Pipe.Code, err)
	}
	inputs, err := PrepareInputs(req.Pipe, req.Inputs)
	if err != nil {
		return nil, nil, domain.ErrExecution(req.Pipe.Code, err)
	}
	return plan, inputs, nil
}

func (d *Dispatcher) newRun(req ports.ExecutionRequest) *domain.PipelineRun {
	return &domain.PipelineRun{
		ID:              uuid.NewString(),
		PipeCode:        req.Pipe.Code,
		SessionID:       req.Pipe.SessionID,
		OrchestrationID: req.OrchestrationID,
		State:           domain.RunStarted,
		CreatedAt:       d.now().UTC(),
	}
}

// finish moves run to its terminal state and records it. Store failures are
// logged; they never change the outcome of the run.
func (d *Dispatcher) finish(ctx context.Context, run *domain.PipelineRun, out *domain.PipeOutput, runErr error) {
	finished := d.now().UTC()
	run.FinishedAt = &finished

	eventType := domain.EventRunCompleted
	var data map[string]string
	if runErr != nil {
		run.State = domain.RunFailed
		run.ErrorType = string(domain.KindExecution)
		run.Error = runErr.Error()
		eventType = domain.EventRunFailed
		data = map[string]string{"error": runErr.Error()}
	} else {
		run.State = domain.RunCompleted
		run.Output = out
	}

	// The run outcome must be recorded even if ctx expired.
	saveCtx := context.WithoutCancel(ctx)
	if err := d.store.SaveRun(saveCtx, run); err != nil {
		d.logger.Error("failed to record run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}
	d.publish(saveCtx, run, eventType, data)
}

func (d *Dispatcher) publish(ctx context.Context, run *domain.PipelineRun, t domain.LifecycleEventType, data map[string]string) {
	if d.events == nil {
		return
	}
	event := &domain.LifecycleEvent{
		Type:            t,
		OrchestrationID: run.OrchestrationID,
		SessionID:       run.SessionID,
		RunID:           run.ID,
		PipeCode:        run.PipeCode,
		Timestamp:       d.now().UTC(),
		Data:            data,
	}
	if err := d.events.Publish(ctx, event); err != nil {
		d.logger.Warn("failed to publish run event",
			slog.String("type", string(t)),
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}
}
