package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

type authContextKey struct{}

// Auth validates the bearer token with provider and stores the resulting
// AuthContext on the request. Failures answer with {"detail": ...}. A
// provider missing its server secret fails every request with 500, whether
// or not a token was sent.
func Auth(provider ports.AuthProvider, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if checker, ok := provider.(ports.AuthConfigChecker); ok {
				if err := checker.CheckConfig(); err != nil {
					writeAuthError(w, r, provider, logger, err)
					return
				}
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeDetail(w, http.StatusUnauthorized, "Not authenticated")
				return
			}

			authCtx, err := provider.Authenticate(r.Context(), token)
			if err != nil {
				writeAuthError(w, r, provider, logger, err)
				return
			}

			AddLogField(r.Context(), "auth_scheme", string(authCtx.Scheme))
			AddLogField(r.Context(), "subject", authCtx.Subject)
			ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, provider ports.AuthProvider, logger *slog.Logger, err error) {
	status := domain.HTTPStatusCode(err)
	detail := err.Error()
	if de, ok := domain.AsError(err); ok {
		detail = de.Detail()
	}
	if status == http.StatusInternalServerError {
		logger.Error("authentication misconfigured",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("scheme", string(provider.Scheme())),
			slog.String("error", detail),
		)
	}
	AddError(r.Context(), err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeDetail(w, status, detail)
}

// GetAuthContext returns the authenticated caller, or nil outside Auth.
func GetAuthContext(ctx context.Context) *ports.AuthContext {
	if a, ok := ctx.Value(authContextKey{}).(*ports.AuthContext); ok {
		return a
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
