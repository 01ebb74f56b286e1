// Package jwtauth provides HS256 bearer token authentication.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
)

// Algorithm is the only accepted signing method.
const Algorithm = "HS256"

var errSecretMissing = domain.ErrAuthConfig("Server configuration error: JWT_SECRET_KEY not configured")

var (
	_ ports.AuthProvider      = (*Provider)(nil)
	_ ports.AuthConfigChecker = (*Provider)(nil)
)

// Provider implements ports.AuthProvider by verifying HS256 tokens that carry
// an email claim.
type Provider struct {
	mu      sync.RWMutex
	secret  []byte
	logger  *slog.Logger
	options []jwt.ParserOption
}

// NewProvider creates a provider for the secret in cfg. An empty secret is
// accepted here and reported on every request as a server error.
func NewProvider(cfg config.AuthConfig, logger *slog.Logger, opts ...jwt.ParserOption) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		secret:  []byte(cfg.JWTSecretKey),
		logger:  logger,
		options: append([]jwt.ParserOption{jwt.WithValidMethods([]string{Algorithm})}, opts...),
	}
}

func (p *Provider) Scheme() ports.AuthScheme { return ports.AuthSchemeJWT }

// CheckConfig reports a missing signing secret.
func (p *Provider) CheckConfig() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.secret) == 0 {
		return errSecretMissing
	}
	return nil
}

// Authenticate verifies the token signature and expiry and returns its
// claims.
func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	p.mu.RLock()
	secret := p.secret
	p.mu.RUnlock()

	if len(secret) == 0 {
		p.logger.Error("JWT_SECRET_KEY is not configured")
		return nil, errSecretMissing
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, p.options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			p.logger.Warn("JWT token has expired")
			return nil, domain.ErrAuth("Token expired")
		}
		p.logger.Warn("JWT validation failed", slog.String("error", err.Error()))
		return nil, domain.ErrAuth("Invalid token")
	}

	email, _ := claims["email"].(string)
	if email == "" {
		p.logger.Warn("JWT missing email field")
		return nil, domain.ErrAuth("Invalid token: missing email")
	}
	subject, _ := claims.GetSubject()

	p.logger.Debug("JWT validated", slog.String("email", email))
	return &ports.AuthContext{
		Scheme:  ports.AuthSchemeJWT,
		Subject: subject,
		Email:   email,
		Claims:  claims,
	}, nil
}

// ReloadFromConfig swaps in the secret from new configuration.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secret = []byte(cfg.Auth.JWTSecretKey)
	return nil
}

// Sign issues an HS256 token for claims. It is used by tooling and tests.
func Sign(secret string, claims jwt.MapClaims) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret required")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
