package api

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig controls API authentication behavior.
type AuthConfig struct {
	// TokenHash is the bcrypt hash of the API bearer token.
	// When empty, authentication is checked but not required (grace period mode).
	TokenHash string

	// Logger for authentication events.
	Logger *slog.Logger
}

// AuthMiddleware creates middleware that validates the API bearer token.
// Without a configured token hash it logs but doesn't reject unauthenticated
// requests, so a fresh deployment stays reachable until a token is set.
func (s *Server) AuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	enforced := config.TokenHash != ""

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			if !strings.HasPrefix(authHeader, "Bearer ") {
				if enforced {
					config.Logger.Warn("auth failed: missing credentials",
						"path", r.URL.Path,
						"has_auth_header", authHeader != "",
					)
					s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
					return
				}
				// Grace period: log but allow
				config.Logger.Debug("auth: missing credentials (grace period)",
					"path", r.URL.Path,
				)
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			if !enforced {
				// A token was sent but none is configured
				config.Logger.Debug("auth: token presented but none configured (grace period)",
					"path", r.URL.Path,
				)
				next.ServeHTTP(w, r)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(config.TokenHash), []byte(token)); err != nil {
				config.Logger.Warn("auth failed: invalid token",
					"path", r.URL.Path,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
