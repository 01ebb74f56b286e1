package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// LoadLibrary registers bps in one session that is never released. Its
// pipes serve execute and start requests that carry no definition text.
// Either every blueprint loads and validates or the session is cleaned up
// and the error returned. A process loads at most one library.
func (o *Orchestrator) LoadLibrary(ctx context.Context, bps []*domain.Blueprint) (domain.SessionID, error) {
	o.libMu.Lock()
	defer o.libMu.Unlock()
	if o.library != "" {
		return "", domain.Errorf(domain.KindRegistration, "load_library", "library already loaded in session %s", o.library)
	}

	orc := newOrchestration("load_library", o.logger)
	ctx, span := o.tracer.Start(ctx, "lifecycle.load_library",
		trace.WithAttributes(
			attribute.String("orchestration_id", orc.ID),
			attribute.Int("blueprints", len(bps))))
	defer span.End()
	orc.transition(StateParsed)

	id, err := o.registry.OpenSession()
	if err != nil {
		recordError(span, err)
		orc.transition(StateFailed)
		return "", err
	}
	orc.transition(StateSessionOpen)
	o.publish(ctx, orc, domain.EventSessionOpened, id, "", nil)

	var (
		loaded []*domain.Blueprint
		pipes  []*domain.Pipe
	)
	abort := func(primary error) error {
		recordError(span, primary)
		orc.transition(StateFailed)
		var cleanupErr error
		for _, bp := range loaded {
			if err := o.registry.Remove(id, bp); err != nil && cleanupErr == nil {
				cleanupErr = err
			}
		}
		if err := o.registry.CloseSession(id); err != nil && cleanupErr == nil {
			cleanupErr = err
		}
		o.onRelease(orc, id)(cleanupErr)
		return primary
	}

	for _, bp := range bps {
		ps, err := o.registry.Load(id, bp)
		if err != nil {
			return "", abort(err)
		}
		loaded = append(loaded, bp)
		pipes = append(pipes, ps...)
	}
	orc.transition(StateLoaded)
	o.publish(ctx, orc, domain.EventBlueprintLoaded, id, "", map[string]string{
		"pipes": fmt.Sprint(len(pipes)),
	})

	if err := o.validateAll(ctx, id, pipes); err != nil {
		o.publish(ctx, orc, domain.EventValidationFailed, id, pipeCodeOf(err), map[string]string{
			"error": err.Error(),
		})
		return "", abort(err)
	}
	orc.transition(StateValidated)
	o.publish(ctx, orc, domain.EventPipesValidated, id, "", nil)

	o.library = id
	orc.logger.Info("pipe library loaded",
		slog.String("session_id", id.String()),
		slog.Int("blueprints", len(bps)),
		slog.Int("pipes", len(pipes)))
	return id, nil
}

// Library returns the library session, or "" when none is loaded.
func (o *Orchestrator) Library() domain.SessionID {
	o.libMu.Lock()
	defer o.libMu.Unlock()
	return o.library
}
