package pipelex

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// PipeBuilderRequest is the body of POST /pipe-builder/build.
type PipeBuilderRequest struct {
	Brief string `json:"brief"`
}

// PipeBuilderResponse carries a generated definition.
type PipeBuilderResponse struct {
	PLXContent     string                          `json:"plx_content"`
	Blueprint      *domain.Blueprint               `json:"pipelex_bundle_blueprint"`
	PipeStructures map[string]domain.PipeStructure `json:"pipe_structures"`
	Success        bool                            `json:"success"`
	Message        string                          `json:"message"`
}

// RunnerCodeRequest is the body of POST /pipe-builder/generate-runner.
type RunnerCodeRequest struct {
	PLXContent string `json:"plx_content"`
	PipeCode   string `json:"pipe_code"`
}

// RunnerCodeResponse carries the generated script.
type RunnerCodeResponse struct {
	PythonCode string `json:"python_code"`
	PipeCode   string `json:"pipe_code"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
}

// PLXValidatorRequest is the body of POST /plx-validator/validate.
type PLXValidatorRequest struct {
	PLXContent string `json:"plx_content"`
}

// PLXValidatorResponse describes a definition that validated cleanly.
type PLXValidatorResponse struct {
	PLXContent     string                          `json:"plx_content"`
	Blueprint      *domain.Blueprint               `json:"pipelex_bundle_blueprint"`
	PipeStructures map[string]domain.PipeStructure `json:"pipe_structures"`
	Success        bool                            `json:"success"`
	Message        string                          `json:"message"`
}

// PipelineRequest is the body of the execute and start routes. Every field
// is optional; an empty body runs an already-loaded pipe without inputs.
type PipelineRequest struct {
	PLXContent               string         `json:"plx_content,omitempty"`
	Inputs                   map[string]any `json:"inputs,omitempty"`
	OutputName               string         `json:"output_name,omitempty"`
	OutputMultiplicity       Multiplicity   `json:"output_multiplicity,omitempty"`
	DynamicOutputConceptCode string         `json:"dynamic_output_concept_code,omitempty"`
}

func (r PipelineRequest) outputSpec() domain.OutputSpec {
	return domain.OutputSpec{
		Name:               r.OutputName,
		Multiplicity:       int(r.OutputMultiplicity),
		DynamicConceptCode: r.DynamicOutputConceptCode,
	}
}

// Multiplicity accepts a count or a boolean. false means a single value;
// true asks for several values without naming a count and yields
// domain.DefaultVariableMultiplicity of them.
type Multiplicity int

func (m *Multiplicity) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = 0
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("output_multiplicity must not be negative")
		}
		*m = Multiplicity(n)
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*m = 0
		if b {
			*m = domain.DefaultVariableMultiplicity
		}
		return nil
	}

	return fmt.Errorf("output_multiplicity must be an integer or a boolean")
}

// Pipeline states reported by the execute and start routes.
const (
	PipelineStateSuccess = "success"
	PipelineStateStarted = "started"
)

// PipelineResponse answers execute. pipe_structures is always present, empty
// when the request carried no definition.
type PipelineResponse struct {
	PipelineRunID  string                          `json:"pipeline_run_id"`
	PipelineState  string                          `json:"pipeline_state"`
	Status         string                          `json:"status"`
	CreatedAt      time.Time                       `json:"created_at"`
	FinishedAt     *time.Time                      `json:"finished_at,omitempty"`
	MainStuffName  string                          `json:"main_stuff_name,omitempty"`
	PipeOutput     *domain.PipeOutput              `json:"pipe_output,omitempty"`
	PipeStructures map[string]domain.PipeStructure `json:"pipe_structures"`
}

// StartResponse answers start. pipe_structures is sent only when the request
// carried a definition.
type StartResponse struct {
	PipelineRunID  string                          `json:"pipeline_run_id"`
	PipelineState  string                          `json:"pipeline_state"`
	Status         string                          `json:"status"`
	CreatedAt      time.Time                       `json:"created_at"`
	PipeStructures map[string]domain.PipeStructure `json:"pipe_structures,omitempty"`
}

// RunResponse is the polling view of a run.
type RunResponse struct {
	PipelineRunID string             `json:"pipeline_run_id"`
	PipeCode      string             `json:"pipe_code"`
	PipelineState domain.RunState    `json:"pipeline_state"`
	CreatedAt     time.Time          `json:"created_at"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
	PipeOutput    *domain.PipeOutput `json:"pipe_output,omitempty"`
	ErrorType     string             `json:"error_type,omitempty"`
	Error         string             `json:"error,omitempty"`
}

func newRunResponse(run *domain.PipelineRun) RunResponse {
	return RunResponse{
		PipelineRunID: run.ID,
		PipeCode:      run.PipeCode,
		PipelineState: run.State,
		CreatedAt:     run.CreatedAt,
		FinishedAt:    run.FinishedAt,
		PipeOutput:    run.Output,
		ErrorType:     run.ErrorType,
		Error:         run.Error,
	}
}

// ErrorDetail is the failure payload of orchestration routes, nested under
// "detail".
type ErrorDetail struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
