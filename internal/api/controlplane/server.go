// Package controlplane serves the read-only admin API: process stats, open
// registry sessions, run records and their lifecycle events.
package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
	"github.com/Pipelex/pipelex-api/internal/registry"
)

// SessionSource exposes registry occupancy.
type SessionSource interface {
	Snapshot() []domain.SessionInfo
	Stats() registry.Stats
}

// Store is the storage surface the admin API reads.
type Store interface {
	ports.RunStore
	ports.EventStore
}

type Server struct {
	router    *chi.Mux
	startTime time.Time
	cfg       *config.Config
	sessions  SessionSource
	store     Store
}

func NewServer(cfg *config.Config, sessions SessionSource, store Store) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		cfg:       cfg,
		sessions:  sessions,
		store:     store,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/overview", s.handleOverview)
	s.router.Get("/api/sessions", s.handleSessions)
	s.router.Get("/api/runs", s.handleListRuns)
	s.router.Get("/api/runs/{run_id}", s.handleRunDetail)
	s.router.Get("/api/runs/{run_id}/events", s.handleRunEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatsResponse struct {
	Uptime       string         `json:"uptime"`
	GoVersion    string         `json:"go_version"`
	NumGoroutine int            `json:"num_goroutine"`
	Memory       MemoryStats    `json:"memory"`
	Registry     registry.Stats `json:"registry"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
	}
	if s.sessions != nil {
		stats.Registry = s.sessions.Stats()
	}

	writeJSON(w, stats)
}

// OverviewResponse summarizes the running configuration without secrets.
type OverviewResponse struct {
	AuthScheme string         `json:"auth_scheme"`
	Storage    StorageSummary `json:"storage"`
	Builder    BuilderSummary `json:"builder"`
	Registry   RegistryLimits `json:"registry"`
}

type StorageSummary struct {
	Type   string `json:"type"`
	Path   string `json:"path,omitempty"`
	RunTTL string `json:"run_ttl,omitempty"`
}

type BuilderSummary struct {
	Enabled     bool   `json:"enabled"`
	Model       string `json:"model,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type RegistryLimits struct {
	MaxSessions int `json:"max_sessions"`
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		http.Error(w, "configuration not available", http.StatusServiceUnavailable)
		return
	}

	scheme := ports.AuthSchemeAPIKey
	if s.cfg.Auth.UseJWT {
		scheme = ports.AuthSchemeJWT
	}
	resp := OverviewResponse{
		AuthScheme: string(scheme),
		Storage: StorageSummary{
			Type: s.cfg.Storage.Type,
		},
		Builder: BuilderSummary{
			Enabled: s.cfg.Builder.Enabled(),
		},
		Registry: RegistryLimits{MaxSessions: s.cfg.Registry.MaxSessions},
	}
	if s.cfg.Storage.Type == "sqlite" {
		resp.Storage.Path = s.cfg.Storage.SQLite.Path
	}
	if s.cfg.Storage.RunTTL > 0 {
		resp.Storage.RunTTL = s.cfg.Storage.RunTTL.String()
	}
	if resp.Builder.Enabled {
		resp.Builder.Model = s.cfg.Builder.Model
		resp.Builder.MaxAttempts = s.cfg.Builder.MaxAttempts
	}

	writeJSON(w, resp)
}

type SessionListResponse struct {
	Sessions []domain.SessionInfo `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "registry not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, SessionListResponse{Sessions: s.sessions.Snapshot()})
}

// RunSummary is a list view of a run.
type RunSummary struct {
	ID         string          `json:"pipeline_run_id"`
	PipeCode   string          `json:"pipe_code"`
	State      domain.RunState `json:"state"`
	ErrorType  string          `json:"error_type,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	FinishedAt int64           `json:"finished_at,omitempty"`
}

type RunListResponse struct {
	Runs []RunSummary `json:"runs"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run storage not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	offset := 0

	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}

	if q := r.URL.Query().Get("offset"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v >= 0 {
			offset = v
		}
	}

	runs, err := s.store.ListRuns(r.Context(), ports.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}

	resp := RunListResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		summary := RunSummary{
			ID:        run.ID,
			PipeCode:  run.PipeCode,
			State:     run.State,
			ErrorType: run.ErrorType,
			CreatedAt: run.CreatedAt.Unix(),
		}
		if run.FinishedAt != nil {
			summary.FinishedAt = run.FinishedAt.Unix()
		}
		resp.Runs = append(resp.Runs, summary)
	}

	writeJSON(w, resp)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run storage not configured", http.StatusServiceUnavailable)
		return
	}

	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run storage not configured", http.StatusServiceUnavailable)
		return
	}
	runID := chi.URLParam(r, "run_id")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if run.OrchestrationID == "" {
		writeJSON(w, map[string]any{
			"pipeline_run_id": runID,
			"events":          []*domain.LifecycleEvent{},
		})
		return
	}

	events, err := s.store.ListEvents(r.Context(), run.OrchestrationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"pipeline_run_id":  runID,
		"orchestration_id": run.OrchestrationID,
		"events":           events,
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) && de.HTTPStatusCode() == http.StatusNotFound {
		http.Error(w, de.Detail(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
