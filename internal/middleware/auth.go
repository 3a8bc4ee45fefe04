package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// APIKeyAuth rejects requests whose X-API-KEY header does not match the
// configured key. An empty configured key disables the check, for local
// development only.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			supplied := r.Header.Get("X-API-KEY")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(apiKey)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":    "unauthenticated",
						"message": "missing or invalid API key",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
