package runner

import (
	"strings"
	"testing"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

func TestGenerate(t *testing.T) {
	pipe := &domain.Pipe{
		Code:   "greet",
		Domain: "greetings",
		Definition: domain.PipeBlueprint{
			Code:        "greet",
			Type:        domain.PipeTemplate,
			Description: "Say hello",
			Inputs: []domain.InputSpec{
				{Name: "name", Concept: domain.ConceptText},
				{Name: "age", Concept: domain.ConceptNumber},
			},
			Output:   "Greeting",
			Template: `Hello {{ .name }}`,
		},
	}
	plx := "domain: greetings\npipes:\n  greet:\n    template: \"Hello {{ .name }}\"\n"

	code, err := Generate(pipe, plx, Options{BaseURL: "https://api.example.com"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	for _, want := range []string{
		`def run_greet(name, age):`,
		`"name": {"concept": "Text", "content": name},`,
		`age=0,`,
		`name="your name here",`,
		`/api/v1/pipeline/greet/execute`,
		`os.environ.get("PIPELEX_API_URL", "https://api.example.com")`,
		`os.environ["PIPELEX_API_TOKEN"]`,
		`PLX_CONTENT = "domain: greetings\npipes:\n  greet:\n    template: \"Hello {{ .name }}\"\n"`,
	} {
		if !strings.Contains(code, want) {
			t.Errorf("generated code missing %q\n%s", want, code)
		}
	}
}

func TestGenerate_NilPipe(t *testing.T) {
	if _, err := Generate(nil, "", Options{}); err == nil {
		t.Error("Generate(nil) expected error")
	}
}
