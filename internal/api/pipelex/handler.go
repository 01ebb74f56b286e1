// Package pipelex serves the /api/v1 routes: pipeline execution, definition
// validation and the pipe builder.
package pipelex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/jsonc"

	"github.com/Pipelex/pipelex-api/internal/api/middleware"
	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/lifecycle"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 8 << 20

// Orchestrator is the lifecycle surface the handlers drive.
type Orchestrator interface {
	Validate(ctx context.Context, text string) (*lifecycle.ValidateResult, error)
	Execute(ctx context.Context, req lifecycle.ExecuteRequest) (*lifecycle.ExecuteResult, error)
	Start(ctx context.Context, req lifecycle.ExecuteRequest) (*lifecycle.ExecuteResult, error)
	Run(ctx context.Context, id string) (*domain.PipelineRun, error)
	GenerateRunner(ctx context.Context, text, pipeCode string) (string, error)
	Build(ctx context.Context, brief string) (*lifecycle.BuildResult, error)
}

type Handler struct {
	orc    Orchestrator
	logger *slog.Logger
}

func NewHandler(orc Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orc: orc, logger: logger}
}

// Routes mounts the handlers on r. Authentication is applied by the caller.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/pipe-builder/build", h.HandleBuild)
	r.Post("/pipe-builder/generate-runner", h.HandleGenerateRunner)
	r.Post("/pipeline/{pipe_code}/execute", h.HandleExecute)
	r.Post("/pipeline/{pipe_code}/start", h.HandleStart)
	r.Get("/pipeline/runs/{run_id}", h.HandleGetRun)
	r.Post("/plx-validator/validate", h.HandleValidate)
}

func (h *Handler) HandleBuild(w http.ResponseWriter, r *http.Request) {
	var req PipeBuilderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(req.Brief) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "brief is required")
		return
	}

	result, err := h.orc.Build(r.Context(), req.Brief)
	if err != nil {
		h.writeError(w, r, "pipeline build failed", err)
		return
	}

	writeJSON(w, http.StatusOK, PipeBuilderResponse{
		PLXContent:     result.PLX,
		Blueprint:      result.Blueprint,
		PipeStructures: result.Structures,
		Success:        true,
		Message:        "Pipeline generated successfully",
	})
}

func (h *Handler) HandleGenerateRunner(w http.ResponseWriter, r *http.Request) {
	var req RunnerCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.PLXContent == "" || req.PipeCode == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "plx_content and pipe_code are required")
		return
	}
	middleware.AddLogField(r.Context(), "pipe_code", req.PipeCode)

	code, err := h.orc.GenerateRunner(r.Context(), req.PLXContent, req.PipeCode)
	if err != nil {
		middleware.AddError(r.Context(), err)
		h.logger.Error("runner generation failed",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("pipe_code", req.PipeCode),
			slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, RunnerCodeResponse{
		PythonCode: code,
		PipeCode:   req.PipeCode,
		Success:    true,
		Message:    "Runner code generated successfully",
	})
}

func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	execReq, ok := h.pipelineRequest(w, r)
	if !ok {
		return
	}

	result, err := h.orc.Execute(r.Context(), execReq)
	if err != nil {
		h.writeError(w, r, "pipeline execution failed", err)
		return
	}
	middleware.AddLogField(r.Context(), "pipeline_run_id", result.Run.ID)

	resp := PipelineResponse{
		PipelineRunID:  result.Run.ID,
		PipelineState:  PipelineStateSuccess,
		Status:         "success",
		CreatedAt:      result.Run.CreatedAt,
		FinishedAt:     result.Run.FinishedAt,
		MainStuffName:  execReq.Output.MainName(),
		PipeOutput:     result.Run.Output,
		PipeStructures: result.Structures,
	}
	if resp.PipeStructures == nil {
		resp.PipeStructures = map[string]domain.PipeStructure{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	execReq, ok := h.pipelineRequest(w, r)
	if !ok {
		return
	}

	result, err := h.orc.Start(r.Context(), execReq)
	if err != nil {
		h.writeError(w, r, "pipeline start failed", err)
		return
	}
	middleware.AddLogField(r.Context(), "pipeline_run_id", result.Run.ID)

	writeJSON(w, http.StatusOK, StartResponse{
		PipelineRunID:  result.Run.ID,
		PipelineState:  PipelineStateStarted,
		Status:         "success",
		CreatedAt:      result.Run.CreatedAt,
		PipeStructures: result.Structures,
	})
}

func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	middleware.AddLogField(r.Context(), "pipeline_run_id", id)

	run, err := h.orc.Run(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "run lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req PLXValidatorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(req.PLXContent) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "plx_content is required")
		return
	}

	result, err := h.orc.Validate(r.Context(), req.PLXContent)
	if err != nil {
		h.writeError(w, r, "validation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, PLXValidatorResponse{
		PLXContent:     req.PLXContent,
		Blueprint:      result.Blueprint,
		PipeStructures: result.Structures,
		Success:        true,
		Message:        "PLX content validated successfully",
	})
}

// pipelineRequest decodes the shared execute/start body. It writes the error
// response itself and reports false when decoding failed.
func (h *Handler) pipelineRequest(w http.ResponseWriter, r *http.Request) (lifecycle.ExecuteRequest, bool) {
	pipeCode := chi.URLParam(r, "pipe_code")
	middleware.AddLogField(r.Context(), "pipe_code", pipeCode)

	var req PipelineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return lifecycle.ExecuteRequest{}, false
	}
	return lifecycle.ExecuteRequest{
		PipeCode: pipeCode,
		PLX:      req.PLXContent,
		Inputs:   req.Inputs,
		Output:   req.outputSpec(),
	}, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	middleware.AddError(r.Context(), err)

	status := domain.HTTPStatusCode(err)
	kind := domain.KindOf(err)
	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.LogAttrs(r.Context(), level, msg,
		slog.String("request_id", middleware.GetRequestID(r.Context())),
		slog.String("error_type", string(kind)),
		slog.String("error", err.Error()))

	writeJSON(w, status, map[string]ErrorDetail{
		"detail": {ErrorType: string(kind), Message: err.Error()},
	})
}

// decodeJSON reads a JSON body into dst. Comments and trailing commas are
// tolerated; an empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return errors.New("request body too large")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(body), dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
