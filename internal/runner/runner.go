// Package runner renders standalone Python scripts that run a pipe through
// the HTTP API.
package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

// Options tunes the generated script.
type Options struct {
	// BaseURL is the API root the script calls.
	BaseURL string
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string
}

const (
	defaultBaseURL  = "http://localhost:8080"
	defaultTokenEnv = "PIPELEX_API_TOKEN"
)

var scriptTemplate = template.Must(template.New("runner").Parse(`"""Run the {{ .Code }} pipe{{ if .Description }}: {{ .Description }}{{ end }}.

Generated for domain {{ .Domain }}. Output concept: {{ .Output }}.
"""

import json
import os

import requests

API_URL = os.environ.get("PIPELEX_API_URL", {{ .BaseURL }})
API_TOKEN = os.environ[{{ .TokenEnv }}]

PLX_CONTENT = {{ .PLX }}


def run_{{ .Code }}({{ .Params }}):
    inputs = {
{{- range .Inputs }}
        {{ .Key }}: {"concept": {{ .Concept }}, "content": {{ .Name }}},
{{- end }}
    }
    response = requests.post(
        f"{API_URL}/api/v1/pipeline/{{ .Code }}/execute",
        headers={"Authorization": f"Bearer {API_TOKEN}"},
        json={"plx_content": PLX_CONTENT, "inputs": inputs},
        timeout=300,
    )
    response.raise_for_status()
    return response.json()


if __name__ == "__main__":
    result = run_{{ .Code }}(
{{- range .Inputs }}
        {{ .Name }}={{ .Example }},
{{- end }}
    )
    print(json.dumps(result["pipe_output"]["main_stuff"], indent=2))
`))

type scriptInput struct {
	Name    string
	Key     string
	Concept string
	Example string
}

type scriptData struct {
	Code        string
	Description string
	Domain      string
	Output      string
	BaseURL     string
	TokenEnv    string
	PLX         string
	Params      string
	Inputs      []scriptInput
}

// Generate renders a runner script for pipe. plxContent is embedded so the
// script can load the bundle on each call.
func Generate(pipe *domain.Pipe, plxContent string, opts Options) (string, error) {
	if pipe == nil {
		return "", fmt.Errorf("pipe required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.TokenEnv == "" {
		opts.TokenEnv = defaultTokenEnv
	}

	def := pipe.Definition
	data := scriptData{
		Code:        def.Code,
		Description: firstLine(def.Description),
		Domain:      pipe.Domain,
		Output:      def.Output,
		BaseURL:     pyString(opts.BaseURL),
		TokenEnv:    pyString(opts.TokenEnv),
		PLX:         pyString(plxContent),
	}

	params := make([]string, 0, len(def.Inputs))
	for _, in := range def.Inputs {
		params = append(params, in.Name)
		data.Inputs = append(data.Inputs, scriptInput{
			Name:    in.Name,
			Key:     pyString(in.Name),
			Concept: pyString(in.Concept),
			Example: example(in),
		})
	}
	data.Params = strings.Join(params, ", ")

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render runner for %s: %w", def.Code, err)
	}
	return buf.String(), nil
}

func example(in domain.InputSpec) string {
	if in.Concept == domain.ConceptNumber {
		return "0"
	}
	return pyString(fmt.Sprintf("your %s here", strings.ReplaceAll(in.Name, "_", " ")))
}

// pyString quotes s as a Python string literal. JSON string escapes are a
// subset of Python's.
func pyString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
