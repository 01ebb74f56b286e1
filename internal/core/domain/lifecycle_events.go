package domain

import (
	"time"
)

// LifecycleEvent marks a transition of an orchestration. Events are published
// for decoupled consumers such as the run store and the admin API.
type LifecycleEvent struct {
	Type            LifecycleEventType `json:"type"`
	OrchestrationID string             `json:"orchestration_id"`
	SessionID       SessionID          `json:"session_id,omitempty"`
	RunID           string             `json:"run_id,omitempty"`
	PipeCode        string             `json:"pipe_code,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	Data            map[string]string  `json:"data,omitempty"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	EventSessionOpened    LifecycleEventType = "session.opened"
	EventBlueprintLoaded  LifecycleEventType = "blueprint.loaded"
	EventPipesValidated   LifecycleEventType = "pipes.validated"
	EventValidationFailed LifecycleEventType = "pipes.validation_failed"
	EventRunStarted       LifecycleEventType = "run.started"
	EventRunCompleted     LifecycleEventType = "run.completed"
	EventRunFailed        LifecycleEventType = "run.failed"
	EventSessionCleaned   LifecycleEventType = "session.cleaned_up"
	EventCleanupFailed    LifecycleEventType = "session.cleanup_failed"
)
