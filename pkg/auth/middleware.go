package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/esglens/esglens/pkg/tiers"
)

// publicPaths are served without a token.
var publicPaths = map[string]struct{}{
	"/health":          {},
	"/health/detailed": {},
	"/metrics":         {},
	"/auth/register":   {},
}

// IsPublicPath reports whether path skips authentication.
func IsPublicPath(path string) bool {
	_, ok := publicPaths[path]
	return ok
}

// Middleware rejects requests without a valid bearer token and stores
// the resulting Principal in the request context. A nil validator
// fails closed on every non-public path.
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeUnauthorized(w, "missing Authorization header")
				return
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				writeUnauthorized(w, "expected 'Bearer <token>'")
				return
			}
			if validator == nil {
				writeUnauthorized(w, "authentication not configured")
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			p := Principal{
				ID:   claims.Subject,
				Tier: tiers.GetOrFree(tiers.TierID(claims.Tier)),
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// writeUnauthorized emits the standard error envelope.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
