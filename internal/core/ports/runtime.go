package ports

import (
	"context"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based with hot-reload (default), static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthScheme names the strategy that authenticated a request.
type AuthScheme string

const (
	AuthSchemeJWT    AuthScheme = "jwt"
	AuthSchemeAPIKey AuthScheme = "api_key"
)

// AuthProvider validates bearer tokens. The implementation is chosen once at
// startup; it never changes while the server runs.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
	Scheme() AuthScheme
}

// AuthConfigChecker is implemented by providers that can report a missing
// server secret before any token is read.
type AuthConfigChecker interface {
	CheckConfig() error
}

// AuthContext contains the authenticated request context.
type AuthContext struct {
	Scheme  AuthScheme
	Subject string
	Email   string
	Claims  map[string]any
}

// EventPublisher publishes orchestration lifecycle events.
// Implementations: direct storage (default), log-only.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}
