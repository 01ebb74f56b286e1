package domain

import "time"

// RunState is the state machine of a pipeline run.
type RunState string

const (
	RunStarted   RunState = "started"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Terminal reports whether the run can no longer change.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// PipelineRun records one invocation of a pipe. IDs are never reused.
type PipelineRun struct {
	ID              string      `json:"pipeline_run_id" db:"id"`
	PipeCode        string      `json:"pipe_code" db:"pipe_code"`
	SessionID       SessionID   `json:"session_id,omitempty" db:"session_id"`
	OrchestrationID string      `json:"orchestration_id,omitempty" db:"orchestration_id"`
	State           RunState    `json:"state" db:"state"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
	Output          *PipeOutput `json:"pipe_output,omitempty" db:"-"`
	ErrorType       string      `json:"error_type,omitempty" db:"error_type"`
	Error           string      `json:"error,omitempty" db:"error_message"`
}

// Stuff is a named, typed value in working memory.
type Stuff struct {
	Name    string `json:"name"`
	Concept string `json:"concept"`
	Content any    `json:"content"`
}

// PipeOutput is the result of a run: the main stuff plus everything the run
// wrote to working memory.
type PipeOutput struct {
	MainStuff     Stuff            `json:"main_stuff"`
	WorkingMemory map[string]Stuff `json:"working_memory"`
}

// OutputSpec shapes the output of a run.
type OutputSpec struct {
	// Name of the main stuff in working memory; defaults to "main_stuff".
	Name string
	// Multiplicity repeats the pipe's production; 0 or 1 means a single value.
	Multiplicity int
	// DynamicConceptCode overrides the concept of the main stuff.
	DynamicConceptCode string
}

// DefaultVariableMultiplicity is the number of values produced when a
// caller asks for several without naming a count.
const DefaultVariableMultiplicity = 3

// DefaultOutputName is the main stuff name when none is requested.
const DefaultOutputName = "main_stuff"

// MainName returns the requested output name or the default.
func (o OutputSpec) MainName() string {
	if o.Name != "" {
		return o.Name
	}
	return DefaultOutputName
}
