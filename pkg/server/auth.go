package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/metersync/metersync/pkg/log"
)

// authMiddleware validates the caller's ID token when an OIDC audience is
// configured. Without one the API is open, which is the expected mode behind
// a trusted proxy or during local development.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		authz := r.Header.Get("Authorization")
		rawToken, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || rawToken == "" {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		idToken, err := s.oidcVerifier(ctx, rawToken)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token verification failed", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse token claims", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(log.WithAttrs(ctx, slog.String("email", claims.Email))))
	})
}
