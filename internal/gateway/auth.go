package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/opsboard/internal/audit"
	"github.com/basket/opsboard/internal/shared"
)

// exemptFromAuth lists endpoints served without a bearer token.
func exemptFromAuth(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// BearerToken extracts a token from Authorization: Bearer, X-API-Key, or the
// api_key query param (browsers cannot set headers on WebSocket upgrades).
func BearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// AuthMiddleware requires the configured token on every non-exempt path.
// An empty token disables authentication.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptFromAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			candidate := BearerToken(r)
			if candidate == "" {
				audit.Record(r.Context(), audit.Deny, "gateway.auth", "missing_token", r.Method+" "+r.URL.Path)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
				audit.Record(r.Context(), audit.Deny, "gateway.auth", "invalid_token", r.Method+" "+r.URL.Path)
				writeError(w, http.StatusForbidden, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.WithActor(r.Context(), "api")))
		})
	}
}
