package builder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Pipelex/pipelex-api/internal/builder/openai"
	"github.com/Pipelex/pipelex-api/internal/core/domain"
)

const goodReply = "Here you go:\n```yaml\n" + `domain: greetings
pipes:
  greet:
    type: PipeTemplate
    inputs: {name: Text}
    output: Text
    template: "Hello {{ .name }}"
` + "```\n"

// scriptedClient returns replies in order and records every request.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []string
	requests []*openai.ChatCompletionRequest
	err      error
}

func (c *scriptedClient) CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return &openai.ChatCompletionResponse{
		Choices: []openai.Choice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: reply}}},
	}, nil
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestBuild_FirstCandidate(t *testing.T) {
	client := &scriptedClient{replies: []string{goodReply}}
	b, err := New(client, WithModel("gpt-4o"), WithFunctions([]string{"upper", "lower"}))
	require.NoError(t, err)

	bp, err := b.Build(context.Background(), "greet someone", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"greet"}, bp.PipeCodes())

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	require.Equal(t, "gpt-4o", req.Model)
	require.Equal(t, "system", req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "upper, lower")
	require.Equal(t, "greet someone", req.Messages[1].Content)
}

func TestBuild_FeedsErrorsBack(t *testing.T) {
	client := &scriptedClient{replies: []string{"pipes: [", goodReply}}
	b, err := New(client)
	require.NoError(t, err)

	bp, err := b.Build(context.Background(), "greet someone", nil)
	require.NoError(t, err)
	require.NotNil(t, bp)

	require.Len(t, client.requests, 2)
	second := client.requests[1].Messages
	require.Len(t, second, 4)
	require.Equal(t, "assistant", second[2].Role)
	require.Equal(t, "pipes: [", second[2].Content)
	require.Contains(t, second[3].Content, "ParseError")
}

func TestBuild_CheckRejectsUntilLimit(t *testing.T) {
	client := &scriptedClient{replies: []string{goodReply}}
	b, err := New(client, WithMaxAttempts(2))
	require.NoError(t, err)

	checks := 0
	check := func(ctx context.Context, bp *domain.Blueprint) error {
		checks++
		return domain.ErrValidation("greet", errors.New("dry run failed"))
	}

	_, err = b.Build(context.Background(), "greet someone", check)
	require.Equal(t, domain.KindBuild, domain.KindOf(err))
	require.True(t, domain.IsKind(err, domain.KindValidation))
	require.Contains(t, err.Error(), "after 2 attempts")
	require.Equal(t, 2, checks)
}

func TestBuild_BriefLimits(t *testing.T) {
	client := &scriptedClient{replies: []string{goodReply}}
	b, err := New(client, WithMaxBriefTokens(5))
	require.NoError(t, err)

	_, err = b.Build(context.Background(), "   ", nil)
	require.Equal(t, domain.KindBuild, domain.KindOf(err))

	_, err = b.Build(context.Background(), strings.Repeat("many words here ", 20), nil)
	require.Equal(t, domain.KindBuild, domain.KindOf(err))
	require.Contains(t, err.Error(), "limit is 5")
	require.Empty(t, client.requests, "oversized briefs never reach the model")
}

func TestBuild_ClientError(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	b, err := New(client)
	require.NoError(t, err)

	_, err = b.Build(context.Background(), "greet someone", nil)
	require.Equal(t, domain.KindBuild, domain.KindOf(err))
	require.Contains(t, err.Error(), "connection refused")
}

func TestBuild_OverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.Choice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: goodReply}}},
		})
	}))
	defer server.Close()

	b, err := New(openai.NewClient("sk-test", openai.WithBaseURL(server.URL)))
	require.NoError(t, err)

	bp, err := b.Build(context.Background(), "greet someone", nil)
	require.NoError(t, err)
	require.Equal(t, "greetings", bp.Domain)
}

func TestExtractDefinition(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare", "domain: x\n", "domain: x"},
		{"fenced with language", "text\n```yaml\ndomain: x\n```\nmore", "domain: x"},
		{"fenced without language", "```\ndomain: y\n```", "domain: y"},
		{"unterminated", "```yaml\ndomain: z\n", "domain: z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, extractDefinition(tt.content))
		})
	}
}

func TestTokenCounter(t *testing.T) {
	c := NewTokenCounter()

	n, err := c.Count("gpt-4o", "hello world")
	require.NoError(t, err)
	require.Positive(t, n)

	m, err := c.Count("llama3", "hello world")
	require.NoError(t, err)
	require.Equal(t, n, m, "unknown models share the o200k encoding")
}
