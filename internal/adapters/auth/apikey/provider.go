// Package apikey provides static API key authentication.
package apikey

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
)

var errKeyMissing = domain.ErrAuthConfig("Server configuration error: API_KEY not configured")

var (
	_ ports.AuthProvider      = (*Provider)(nil)
	_ ports.AuthConfigChecker = (*Provider)(nil)
)

// Provider implements ports.AuthProvider by comparing the bearer token with a
// single configured key.
type Provider struct {
	mu     sync.RWMutex
	apiKey string
	logger *slog.Logger
}

// NewProvider creates a provider for the key in cfg. An empty key is
// accepted here and reported on every request as a server error.
func NewProvider(cfg config.AuthConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{apiKey: cfg.APIKey, logger: logger}
}

func (p *Provider) Scheme() ports.AuthScheme { return ports.AuthSchemeAPIKey }

// CheckConfig reports a missing API key.
func (p *Provider) CheckConfig() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.apiKey == "" {
		return errKeyMissing
	}
	return nil
}

// Authenticate validates the token in constant time.
func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	p.mu.RLock()
	key := p.apiKey
	p.mu.RUnlock()

	if key == "" {
		p.logger.Error("API_KEY is not configured")
		return nil, errKeyMissing
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
		p.logger.Warn("API key mismatch")
		return nil, domain.ErrAuth("Invalid authentication token")
	}

	return &ports.AuthContext{
		Scheme:  ports.AuthSchemeAPIKey,
		Subject: "api_key",
	}, nil
}

// ReloadFromConfig swaps in the key from new configuration.
// This is called by the runtime when config changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apiKey = cfg.Auth.APIKey
	return nil
}
