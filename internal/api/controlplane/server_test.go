package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
	"github.com/Pipelex/pipelex-api/internal/registry"
	"github.com/Pipelex/pipelex-api/internal/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *memory.Store) {
	t.Helper()
	reg := registry.New()
	store := memory.New(time.Hour)
	cfg := &config.Config{}
	cfg.Storage.Type = "memory"
	cfg.Registry.MaxSessions = 8
	return NewServer(cfg, reg, store), reg, store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleStats(t *testing.T) {
	s, reg, _ := newTestServer(t)
	if _, err := reg.OpenSession(); err != nil {
		t.Fatal(err)
	}

	rec := get(t, s, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.GoVersion == "" || stats.NumGoroutine == 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Registry.OpenSessions != 1 {
		t.Errorf("open sessions = %d, want 1", stats.Registry.OpenSessions)
	}
}

func TestHandleOverview(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/api/overview")
	var resp OverviewResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.AuthScheme != "api_key" || resp.Storage.Type != "memory" || resp.Registry.MaxSessions != 8 {
		t.Errorf("unexpected overview: %+v", resp)
	}
	if resp.Builder.Enabled {
		t.Error("builder should be disabled without an API key")
	}
}

func TestHandleSessions(t *testing.T) {
	s, reg, _ := newTestServer(t)
	id, err := reg.OpenSession()
	if err != nil {
		t.Fatal(err)
	}

	rec := get(t, s, "/api/sessions")
	var resp SessionListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != id {
		t.Errorf("sessions = %+v", resp.Sessions)
	}
}

func TestHandleRuns(t *testing.T) {
	s, _, store := newTestServer(t)
	ctx := context.Background()

	finished := time.Now()
	run := &domain.PipelineRun{
		ID:              "run-1",
		PipeCode:        "summarize",
		OrchestrationID: "orc-1",
		State:           domain.RunCompleted,
		CreatedAt:       finished.Add(-time.Second),
		FinishedAt:      &finished,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	for _, typ := range []domain.LifecycleEventType{domain.EventSessionOpened, domain.EventRunCompleted} {
		if err := store.AppendEvent(ctx, &domain.LifecycleEvent{Type: typ, OrchestrationID: "orc-1", Timestamp: finished}); err != nil {
			t.Fatal(err)
		}
	}

	rec := get(t, s, "/api/runs?limit=10")
	var list RunListResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != "run-1" || list.Runs[0].FinishedAt == 0 {
		t.Errorf("runs = %+v", list.Runs)
	}

	rec = get(t, s, "/api/runs/run-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}

	rec = get(t, s, "/api/runs/run-1/events")
	var events struct {
		OrchestrationID string                   `json:"orchestration_id"`
		Events          []*domain.LifecycleEvent `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if events.OrchestrationID != "orc-1" || len(events.Events) != 2 {
		t.Errorf("events = %+v", events)
	}

	rec = get(t, s, "/api/runs/missing/events")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}
