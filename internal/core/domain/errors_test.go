package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "kind and message",
			err:      &Error{Kind: KindParse, Message: "unexpected token"},
			expected: "ParseError: unexpected token",
		},
		{
			name:     "op and pipe code",
			err:      ErrValidation("greet", errors.New("unknown input \"nme\"")),
			expected: "ValidationError [validate] pipe \"greet\": unknown input \"nme\"",
		},
		{
			name:     "message and cause",
			err:      &Error{Kind: KindExecution, Message: "step failed", Err: errors.New("boom")},
			expected: "ExecutionError: step failed: boom",
		},
		{
			name:     "empty",
			err:      &Error{Kind: KindInternal},
			expected: "InternalError: unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"parse", ErrParse(errors.New("x")), http.StatusInternalServerError},
		{"validation", ErrValidation("p", errors.New("x")), http.StatusInternalServerError},
		{"execution", ErrExecution("p", errors.New("x")), http.StatusInternalServerError},
		{"not found", ErrNotFound("p"), http.StatusInternalServerError},
		{"invalid credentials", ErrAuth("Invalid token"), http.StatusUnauthorized},
		{"missing server secret", ErrAuthConfig("Server configuration error: API_KEY not configured"), http.StatusInternalServerError},
		{"plain error", errors.New("x"), http.StatusInternalServerError},
		{"wrapped auth", fmt.Errorf("middleware: %w", ErrAuth("Token expired")), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusCode(tt.err); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	inner := ErrNotFound("summarize")
	outer := ErrExecution("summarize", inner)

	if got := KindOf(outer); got != KindExecution {
		t.Errorf("KindOf(outer) = %s, want %s", got, KindExecution)
	}
	if !IsKind(outer, KindNotFound) {
		t.Error("IsKind(outer, NotFound) = false, want true")
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
	if !errors.Is(fmt.Errorf("wrap: %w", inner), &Error{Kind: KindNotFound}) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(inner, &Error{Kind: KindNotFound, PipeCode: "other"}) {
		t.Error("errors.Is should not match a different pipe code")
	}
}
