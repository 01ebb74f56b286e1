package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a step of an orchestration.
type State string

const (
	StateIdle        State = "IDLE"
	StateParsed      State = "PARSED"
	StateSessionOpen State = "SESSION_OPEN"
	StateLoaded      State = "LOADED"
	StateValidated   State = "VALIDATED"
	StateExecuting   State = "EXECUTING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateCleanedUp   State = "CLEANED_UP"
)

// Orchestration tracks one request through the lifecycle. Transitions may
// arrive from the run goroutine after the request returned, so access is
// synchronized.
type Orchestration struct {
	ID        string
	Operation string
	StartedAt time.Time

	mu      sync.Mutex
	history []State
	logger  *slog.Logger
}

func newOrchestration(op string, logger *slog.Logger) *Orchestration {
	o := &Orchestration{
		ID:        uuid.NewString(),
		Operation: op,
		StartedAt: time.Now(),
		history:   []State{StateIdle},
	}
	o.logger = logger.With(
		slog.String("orchestration_id", o.ID),
		slog.String("operation", op))
	return o
}

func (o *Orchestration) transition(s State) {
	o.mu.Lock()
	from := o.history[len(o.history)-1]
	o.history = append(o.history, s)
	o.mu.Unlock()

	o.logger.Debug("orchestration transition",
		slog.String("from", string(from)),
		slog.String("to", string(s)))
}

// State returns the current state.
func (o *Orchestration) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history[len(o.history)-1]
}

// History returns every state visited, in order.
func (o *Orchestration) History() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.history...)
}

// Visited reports whether the orchestration passed through s.
func (o *Orchestration) Visited(s State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range o.history {
		if h == s {
			return true
		}
	}
	return false
}
