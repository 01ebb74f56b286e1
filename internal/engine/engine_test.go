package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/plx"
	"github.com/Pipelex/pipelex-api/internal/registry"
)

const bundle = `
domain: greetings
concepts:
  Greeting: A friendly greeting
pipes:
  greet:
    type: PipeTemplate
    inputs: {name: Text, title: Text}
    output: Greeting
    template: "Hello {{ .title }} {{ .name }}"
  shout:
    type: PipeFunc
    inputs: {text: Text}
    output: Text
    function: upper
  greet_loud:
    type: PipeSequence
    inputs: {name: Text, title: Text}
    output: Text
    steps:
      - {pipe: greet, result: greeting}
      - {pipe: shout, result: shouted, inputs: {text: greeting}}
`

// loadBundle parses text into a fresh session and returns the pipes by code.
func loadBundle(t *testing.T, reg *registry.Registry, text string) map[string]*domain.Pipe {
	t.Helper()
	bp, err := plx.Parse(text)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	id, err := reg.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	pipes, err := reg.Load(id, bp)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	out := make(map[string]*domain.Pipe, len(pipes))
	for _, p := range pipes {
		out[p.Code] = p
	}
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	runs  map[string]domain.PipelineRun
	saves int
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]domain.PipelineRun)}
}

func (s *fakeStore) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.runs[run.ID] = *run
	return nil
}

func (s *fakeStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "get_run", "run %s not found", id)
	}
	return &run, nil
}

func (s *fakeStore) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.PipelineRun, error) {
	return nil, nil
}

func TestValidator_Valid(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)
	v := NewValidator(reg, NewExecutor(nil))

	for _, code := range []string{"greet", "shout", "greet_loud"} {
		if err := v.Validate(context.Background(), pipes[code]); err != nil {
			t.Errorf("Validate(%s) error = %v", code, err)
		}
		if err := v.DryRun(context.Background(), pipes[code]); err != nil {
			t.Errorf("DryRun(%s) error = %v", code, err)
		}
	}
}

func TestValidator_Issues(t *testing.T) {
	tests := []struct {
		name string
		text string
		pipe string
		want string
	}{
		{
			name: "undeclared template input",
			text: "domain: d\npipes:\n  greet:\n    type: PipeTemplate\n    inputs: {name: Text}\n    output: Text\n    template: \"Hi {{ .nme }}\"\n",
			pipe: "greet",
			want: `undeclared input "nme"`,
		},
		{
			name: "broken template",
			text: "domain: d\npipes:\n  greet:\n    type: PipeTemplate\n    inputs: {name: Text}\n    output: Text\n    template: \"Hi {{ .name \"\n",
			pipe: "greet",
			want: "template:",
		},
		{
			name: "unknown concept",
			text: "domain: d\npipes:\n  greet:\n    type: PipeTemplate\n    inputs: {name: Person}\n    output: Text\n    template: \"Hi {{ .name }}\"\n",
			pipe: "greet",
			want: `unknown concept "Person"`,
		},
		{
			name: "unknown function",
			text: "domain: d\npipes:\n  f:\n    type: PipeFunc\n    inputs: {text: Text}\n    output: Text\n    function: reverse\n",
			pipe: "f",
			want: `unknown function "reverse"`,
		},
		{
			name: "missing step pipe",
			text: "domain: d\npipes:\n  seq:\n    type: PipeSequence\n    inputs: {text: Text}\n    output: Text\n    steps:\n      - {pipe: ghost}\n",
			pipe: "seq",
			want: `"ghost": pipe not found`,
		},
		{
			name: "unavailable binding",
			text: "domain: d\npipes:\n  up:\n    type: PipeFunc\n    inputs: {text: Text}\n    output: Text\n    function: upper\n  seq:\n    type: PipeSequence\n    inputs: {body: Text}\n    output: Text\n    steps:\n      - {pipe: up}\n",
			pipe: "seq",
			want: `reads "text", which is not available`,
		},
		{
			name: "self reference",
			text: "domain: d\npipes:\n  seq:\n    type: PipeSequence\n    inputs: {text: Text}\n    output: Text\n    steps:\n      - {pipe: seq}\n",
			pipe: "seq",
			want: "cannot call itself",
		},
		{
			name: "cycle",
			text: "domain: d\npipes:\n  a:\n    type: PipeSequence\n    inputs: {text: Text}\n    output: Text\n    steps:\n      - {pipe: b, result: text}\n  b:\n    type: PipeSequence\n    inputs: {text: Text}\n    output: Text\n    steps:\n      - {pipe: a, result: text}\n",
			pipe: "a",
			want: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			pipes := loadBundle(t, reg, tt.text)
			v := NewValidator(reg, NewExecutor(nil))

			err := v.Validate(context.Background(), pipes[tt.pipe])
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidator_DryRunCatchesRuntimeFailure(t *testing.T) {
	funcs := DefaultFuncs()
	funcs.Register("explode", func(ctx context.Context, args []domain.Stuff) (any, error) {
		return nil, errors.New("kaboom")
	})
	reg := registry.New()
	pipes := loadBundle(t, reg, "domain: d\npipes:\n  f:\n    type: PipeFunc\n    inputs: {text: Text}\n    output: Text\n    function: explode\n")
	v := NewValidator(reg, NewExecutor(funcs))

	if err := v.Validate(context.Background(), pipes["f"]); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := v.DryRun(context.Background(), pipes["f"]); err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("DryRun() error = %v, want kaboom", err)
	}
}

func TestExecutor_Run(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)
	exec := NewExecutor(nil)

	inputs := map[string]domain.Stuff{
		"name":  {Name: "name", Concept: domain.ConceptText, Content: "Ada"},
		"title": {Name: "title", Concept: domain.ConceptText, Content: "Dr"},
	}

	tests := []struct {
		name        string
		pipe        string
		spec        domain.OutputSpec
		wantContent any
		wantConcept string
		wantName    string
	}{
		{"template", "greet", domain.OutputSpec{}, "Hello Dr Ada", "Greeting", domain.DefaultOutputName},
		{"sequence", "greet_loud", domain.OutputSpec{Name: "result"}, "HELLO DR ADA", domain.ConceptText, "result"},
		{"dynamic concept", "greet", domain.OutputSpec{DynamicConceptCode: "Salutation"}, "Hello Dr Ada", "Salutation", domain.DefaultOutputName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Resolve(reg, pipes[tt.pipe])
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			out, err := exec.Run(context.Background(), plan, inputs, tt.spec)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out.MainStuff.Content != tt.wantContent {
				t.Errorf("content = %v, want %v", out.MainStuff.Content, tt.wantContent)
			}
			if out.MainStuff.Concept != tt.wantConcept {
				t.Errorf("concept = %s, want %s", out.MainStuff.Concept, tt.wantConcept)
			}
			if out.MainStuff.Name != tt.wantName {
				t.Errorf("name = %s, want %s", out.MainStuff.Name, tt.wantName)
			}
			if _, ok := out.WorkingMemory[tt.wantName]; !ok {
				t.Errorf("working memory lacks %s", tt.wantName)
			}
		})
	}

	t.Run("sequence keeps intermediate results", func(t *testing.T) {
		plan, _ := Resolve(reg, pipes["greet_loud"])
		out, err := exec.Run(context.Background(), plan, inputs, domain.OutputSpec{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if out.WorkingMemory["greeting"].Content != "Hello Dr Ada" {
			t.Errorf("greeting = %v", out.WorkingMemory["greeting"].Content)
		}
	})

	t.Run("multiplicity", func(t *testing.T) {
		plan, _ := Resolve(reg, pipes["greet"])
		out, err := exec.Run(context.Background(), plan, inputs, domain.OutputSpec{Multiplicity: 3})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		items, ok := out.MainStuff.Content.([]any)
		if !ok || len(items) != 3 {
			t.Errorf("content = %#v, want 3 items", out.MainStuff.Content)
		}
	})
}

func TestPrepareInputs(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)

	got, err := PrepareInputs(pipes["greet"], map[string]any{
		"name":  "Ada",
		"title": map[string]any{"concept": "Text", "content": "Dr"},
	})
	if err != nil {
		t.Fatalf("PrepareInputs() error = %v", err)
	}
	if got["title"].Content != "Dr" || got["name"].Concept != domain.ConceptText {
		t.Errorf("PrepareInputs() = %+v", got)
	}

	if _, err := PrepareInputs(pipes["greet"], map[string]any{"name": "Ada"}); err == nil {
		t.Error("PrepareInputs() expected missing input error")
	}
}

func TestDispatcher_Execute(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)
	store := newFakeStore()
	d, err := NewDispatcher(NewExecutor(nil), reg, store)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	run, err := d.Execute(context.Background(), ports.ExecutionRequest{
		Pipe:   pipes["greet"],
		Inputs: map[string]any{"name": "Ada", "title": "Dr"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.State != domain.RunCompleted || run.FinishedAt == nil {
		t.Errorf("run = %+v, want completed", run)
	}
	if run.Output.MainStuff.Content != "Hello Dr Ada" {
		t.Errorf("output = %v", run.Output.MainStuff.Content)
	}

	stored, err := d.Run(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stored.State != domain.RunCompleted {
		t.Errorf("stored state = %s", stored.State)
	}
}

func TestDispatcher_ExecuteFailure(t *testing.T) {
	funcs := DefaultFuncs()
	funcs.Register("explode", func(ctx context.Context, args []domain.Stuff) (any, error) {
		return nil, errors.New("kaboom")
	})
	reg := registry.New()
	pipes := loadBundle(t, reg, "domain: d\npipes:\n  f:\n    type: PipeFunc\n    inputs: {text: Text}\n    output: Text\n    function: explode\n")
	store := newFakeStore()
	d, _ := NewDispatcher(NewExecutor(funcs), reg, store)

	run, err := d.Execute(context.Background(), ports.ExecutionRequest{
		Pipe:   pipes["f"],
		Inputs: map[string]any{"text": "x"},
	})
	if domain.KindOf(err) != domain.KindExecution {
		t.Fatalf("Execute() error = %v, want ExecutionError", err)
	}
	if run == nil || run.State != domain.RunFailed {
		t.Fatalf("run = %+v, want failed record", run)
	}
	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.State != domain.RunFailed || !strings.Contains(stored.Error, "kaboom") {
		t.Errorf("stored = %+v", stored)
	}
}

func TestDispatcher_ExecuteMissingInput(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)
	store := newFakeStore()
	d, _ := NewDispatcher(NewExecutor(nil), reg, store)

	_, err := d.Execute(context.Background(), ports.ExecutionRequest{Pipe: pipes["greet"]})
	if domain.KindOf(err) != domain.KindExecution {
		t.Fatalf("Execute() error = %v, want ExecutionError", err)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want no run recorded", store.saves)
	}
}

func TestDispatcher_StartConcurrent(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)
	store := newFakeStore()
	d, _ := NewDispatcher(NewExecutor(nil), reg, store)

	const n = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ids   = make(map[string]bool)
		calls = make(map[string]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := d.Start(context.Background(), ports.ExecutionRequest{
				Pipe:   pipes["greet_loud"],
				Inputs: map[string]any{"name": "Ada", "title": "Dr"},
			}, func(done *domain.PipelineRun) {
				mu.Lock()
				calls[done.ID]++
				mu.Unlock()
			})
			if err != nil {
				t.Errorf("Start() error = %v", err)
				return
			}
			if run.State != domain.RunStarted {
				t.Errorf("state = %s, want started", run.State)
			}
			mu.Lock()
			if ids[run.ID] {
				t.Errorf("run id reused: %s", run.ID)
			}
			ids[run.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if len(ids) != n {
		t.Errorf("unique ids = %d, want %d", len(ids), n)
	}
	for id := range ids {
		if calls[id] != 1 {
			t.Errorf("onDone called %d times for %s", calls[id], id)
		}
		run, _ := store.GetRun(context.Background(), id)
		if run.State != domain.RunCompleted {
			t.Errorf("run %s state = %s", id, run.State)
		}
	}
}

func TestDispatcher_StartSurvivesSessionCleanup(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)
	store := newFakeStore()
	d, _ := NewDispatcher(NewExecutor(nil), reg, store)

	done := make(chan *domain.PipelineRun, 1)
	_, err := d.Start(context.Background(), ports.ExecutionRequest{
		Pipe:   pipes["greet_loud"],
		Inputs: map[string]any{"name": "Ada", "title": "Dr"},
	}, func(run *domain.PipelineRun) { done <- run })
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Steps were resolved at start, so closing the session cannot break the run.
	_ = reg.CloseSession(pipes["greet_loud"].SessionID)

	select {
	case run := <-done:
		if run.State != domain.RunCompleted {
			t.Errorf("state = %s, error = %s", run.State, run.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestNewDispatcher_RequiresStore(t *testing.T) {
	_, err := NewDispatcher(NewExecutor(nil), registry.New(), nil)
	if err == nil || err.Error() != "run store required" {
		t.Errorf("NewDispatcher() error = %v", err)
	}
}

func TestDispatcher_MaxMultiplicity(t *testing.T) {
	reg := registry.New()
	pipes := loadBundle(t, reg, bundle)
	store := newFakeStore()
	d, _ := NewDispatcher(NewExecutor(nil), reg, store, WithMaxMultiplicity(5))
	inputs := map[string]any{"name": "Ada", "title": "Dr"}

	for _, n := range []int{6, 1 << 36} {
		req := ports.ExecutionRequest{
			Pipe:   pipes["greet"],
			Inputs: inputs,
			Output: domain.OutputSpec{Multiplicity: n},
		}
		_, err := d.Execute(context.Background(), req)
		if domain.KindOf(err) != domain.KindExecution {
			t.Fatalf("Execute(%d) error = %v, want ExecutionError", n, err)
		}
		if got := domain.HTTPStatusCode(err); got != http.StatusUnprocessableEntity {
			t.Errorf("Execute(%d) status = %d, want 422", n, got)
		}
		if _, err := d.Start(context.Background(), req, nil); domain.KindOf(err) != domain.KindExecution {
			t.Fatalf("Start(%d) error = %v, want ExecutionError", n, err)
		}
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want no run recorded", store.saves)
	}

	run, err := d.Execute(context.Background(), ports.ExecutionRequest{
		Pipe:   pipes["greet"],
		Inputs: inputs,
		Output: domain.OutputSpec{Multiplicity: 5},
	})
	if err != nil {
		t.Fatalf("Execute(5) error = %v", err)
	}
	if items, ok := run.Output.MainStuff.Content.([]any); !ok || len(items) != 5 {
		t.Errorf("content = %#v, want 5 items", run.Output.MainStuff.Content)
	}
}

func TestNewDispatcher_DefaultMaxMultiplicity(t *testing.T) {
	d, err := NewDispatcher(NewExecutor(nil), registry.New(), newFakeStore(), WithMaxMultiplicity(0))
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if d.maxMultiplicity != DefaultMaxMultiplicity {
		t.Errorf("maxMultiplicity = %d, want %d", d.maxMultiplicity, DefaultMaxMultiplicity)
	}
}
