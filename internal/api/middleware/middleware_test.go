package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Pipelex/pipelex-api/internal/adapters/auth/apikey"
	"github.com/Pipelex/pipelex-api/internal/adapters/auth/jwtauth"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("expected request ID in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("header = %q, want %q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen == "not-a-uuid" {
		t.Error("invalid inbound request ID should be replaced")
	}

	const inbound = "6f1c1a64-3f3e-4a55-9d0f-6c1b2d0a9e11"
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, inbound)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != inbound {
		t.Errorf("request ID = %q, want inbound %q", seen, inbound)
	}
}

func TestLogging_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestID(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "pipe_code", "summarize")
		AddLogField(r.Context(), "ignored", "")
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusAccepted)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/x", nil))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "request completed" {
		t.Errorf("msg = %v", line["msg"])
	}
	if line["pipe_code"] != "summarize" {
		t.Errorf("pipe_code = %v", line["pipe_code"])
	}
	if _, ok := line["ignored"]; ok {
		t.Error("empty fields should be skipped")
	}
	if line["status"] != float64(http.StatusAccepted) {
		t.Errorf("status = %v", line["status"])
	}
	if line["request_id"] == "" {
		t.Error("request_id missing")
	}
}

func TestLogging_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), context.DeadlineExceeded)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("expected ERROR level, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), "context deadline exceeded") {
		t.Errorf("expected error field, got %s", buf.String())
	}
}

func TestAddLogField_NoMiddleware(t *testing.T) {
	AddLogField(context.Background(), "k", "v")
	AddError(context.Background(), context.Canceled)
}

func TestTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := Timeout(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !ok || time.Until(deadline) > 50*time.Millisecond {
		t.Errorf("expected deadline within 50ms, got %v (set=%v)", deadline, ok)
	}

	handler = Timeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if ok {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestCORS_Preflight(t *testing.T) {
	handler := CORS()(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/plx-validator/validate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
}

type stubProvider struct {
	err error
}

func (s stubProvider) Authenticate(_ context.Context, token string) (*ports.AuthContext, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &ports.AuthContext{Scheme: ports.AuthSchemeAPIKey, Subject: token}, nil
}

func (s stubProvider) Scheme() ports.AuthScheme { return ports.AuthSchemeAPIKey }

func TestAuth_StoresContext(t *testing.T) {
	var got *ports.AuthContext
	handler := Auth(stubProvider{}, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetAuthContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer caller-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got == nil || got.Subject != "caller-1" {
		t.Errorf("auth context = %+v", got)
	}
	if GetAuthContext(context.Background()) != nil {
		t.Error("expected nil auth context outside middleware")
	}
}

func TestAuth_APIKey(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
		wantDetail string
	}{
		{"valid key", "secret", "Bearer secret", http.StatusOK, ""},
		{"lowercase scheme", "secret", "bearer secret", http.StatusOK, ""},
		{"missing header", "secret", "", http.StatusUnauthorized, "Not authenticated"},
		{"basic scheme", "secret", "Basic c2VjcmV0", http.StatusUnauthorized, "Not authenticated"},
		{"empty token", "secret", "Bearer ", http.StatusUnauthorized, "Not authenticated"},
		{"wrong key", "secret", "Bearer nope", http.StatusUnauthorized, "Invalid authentication token"},
		{"key not configured", "", "Bearer anything", http.StatusInternalServerError, "Server configuration error: API_KEY not configured"},
		{"key not configured without header", "", "", http.StatusInternalServerError, "Server configuration error: API_KEY not configured"},
		{"key not configured with basic scheme", "", "Basic c2VjcmV0", http.StatusInternalServerError, "Server configuration error: API_KEY not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := apikey.NewProvider(config.AuthConfig{APIKey: tt.configured}, slog.Default())
			handler := Auth(provider, slog.Default())(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/plx-validator/validate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantDetail == "" {
				return
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["detail"] != tt.wantDetail {
				t.Errorf("detail = %q, want %q", body["detail"], tt.wantDetail)
			}
		})
	}
}

func TestAuth_JWTSecretNotConfigured(t *testing.T) {
	provider := jwtauth.NewProvider(config.AuthConfig{UseJWT: true}, slog.Default())
	handler := Auth(provider, slog.Default())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if want := "Server configuration error: JWT_SECRET_KEY not configured"; body["detail"] != want {
		t.Errorf("detail = %q, want %q", body["detail"], want)
	}
	if rec.Header().Get("WWW-Authenticate") != "" {
		t.Error("server errors must not ask for credentials")
	}
}
