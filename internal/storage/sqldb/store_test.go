package sqldb

import (
	"context"
	"testing"
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := &domain.PipelineRun{
		ID:              "run-1",
		PipeCode:        "summarize",
		SessionID:       "sess-1",
		OrchestrationID: "orc-1",
		State:           domain.RunStarted,
		CreatedAt:       created,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.State != domain.RunStarted || got.FinishedAt != nil || got.Output != nil {
		t.Errorf("GetRun() = %+v, want started run without output", got)
	}
	if got.SessionID != "sess-1" || got.OrchestrationID != "orc-1" {
		t.Errorf("ids = %q/%q, want sess-1/orc-1", got.SessionID, got.OrchestrationID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}

	finished := created.Add(time.Second)
	run.State = domain.RunCompleted
	run.FinishedAt = &finished
	run.Output = &domain.PipeOutput{
		MainStuff: domain.Stuff{Name: "main_stuff", Concept: "Text", Content: "short"},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() update error = %v", err)
	}

	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.State != domain.RunCompleted {
		t.Errorf("State = %v, want completed", got.State)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if got.Output == nil || got.Output.MainStuff.Content != "short" {
		t.Errorf("Output = %+v, want main stuff %q", got.Output, "short")
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("GetRun() error = %v, want NotFoundError", err)
	}
}

func TestStore_FailedRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	run := &domain.PipelineRun{
		ID:         "run-f",
		PipeCode:   "greet",
		State:      domain.RunFailed,
		CreatedAt:  now,
		FinishedAt: &now,
		ErrorType:  string(domain.KindExecution),
		Error:      "missing required input",
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-f")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.ErrorType != "ExecutionError" || got.Error != "missing required input" {
		t.Errorf("error fields = %q/%q", got.ErrorType, got.Error)
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		run := &domain.PipelineRun{
			ID:        id,
			PipeCode:  "summarize",
			State:     domain.RunStarted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, ports.ListOptions{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("ListRuns() returned %d runs in wrong order", len(runs))
	}

	page, err := store.ListRuns(ctx, ports.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != "b" {
		t.Errorf("ListRuns(limit=2, offset=1) first = %v, want b", page)
	}
}

func TestStore_Events(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []*domain.LifecycleEvent{
		{Type: domain.EventSessionOpened, OrchestrationID: "orc-1", SessionID: "s1", Timestamp: time.Now().UTC()},
		{Type: domain.EventRunStarted, OrchestrationID: "orc-1", RunID: "r1", PipeCode: "greet", Timestamp: time.Now().UTC()},
		{Type: domain.EventCleanupFailed, OrchestrationID: "orc-1", Data: map[string]string{"error": "boom"}, Timestamp: time.Now().UTC()},
		{Type: domain.EventSessionOpened, OrchestrationID: "orc-2", Timestamp: time.Now().UTC()},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	got, err := store.ListEvents(ctx, "orc-1")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(got))
	}
	if got[1].RunID != "r1" || got[1].PipeCode != "greet" {
		t.Errorf("event[1] = %+v", got[1])
	}
	if got[2].Data["error"] != "boom" {
		t.Errorf("event[2].Data = %v, want error=boom", got[2].Data)
	}
}

func TestNewSQLite_InvalidPath(t *testing.T) {
	_, err := NewSQLite("/invalid/path/that/does/not/exist/test.db")
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
