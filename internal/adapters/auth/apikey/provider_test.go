package apikey

import (
	"context"
	"net/http"
	"testing"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
)

func TestProvider_Authenticate(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		token      string
		wantErr    bool
		wantStatus int
		wantDetail string
	}{
		{name: "valid key", key: "secret", token: "secret"},
		{name: "wrong key", key: "secret", token: "guess", wantErr: true, wantStatus: http.StatusUnauthorized, wantDetail: "Invalid authentication token"},
		{name: "empty token", key: "secret", token: "", wantErr: true, wantStatus: http.StatusUnauthorized, wantDetail: "Invalid authentication token"},
		{name: "key not configured", key: "", token: "anything", wantErr: true, wantStatus: http.StatusInternalServerError, wantDetail: "Server configuration error: API_KEY not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(config.AuthConfig{APIKey: tt.key}, nil)
			auth, err := p.Authenticate(context.Background(), tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if auth.Scheme != ports.AuthSchemeAPIKey {
					t.Errorf("Scheme = %q", auth.Scheme)
				}
				return
			}
			if got := domain.HTTPStatusCode(err); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
			e, _ := domain.AsError(err)
			if e.Detail() != tt.wantDetail {
				t.Errorf("detail = %q, want %q", e.Detail(), tt.wantDetail)
			}
		})
	}
}

func TestProvider_Reload(t *testing.T) {
	p := NewProvider(config.AuthConfig{APIKey: "old"}, nil)

	if err := p.ReloadFromConfig(&config.Config{Auth: config.AuthConfig{APIKey: "new"}}); err != nil {
		t.Fatalf("ReloadFromConfig() error = %v", err)
	}
	if _, err := p.Authenticate(context.Background(), "old"); err == nil {
		t.Error("old key should be rejected after reload")
	}
	if _, err := p.Authenticate(context.Background(), "new"); err != nil {
		t.Errorf("new key rejected: %v", err)
	}
}
