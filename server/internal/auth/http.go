package auth

import (
	"encoding/json"
	"net/http"
)

// Middleware returns HTTP middleware with the same rules as APIKeyInterceptor.
// The key is read from the header named header or, for browser websocket
// clients that cannot set headers, from the api_key query parameter.
// Requests whose path starts with one of the public prefixes skip the check.
func Middleware(mode, header, key string, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled(mode, key) {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path, public) {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get(header)
			if got == "" {
				got = r.URL.Query().Get("api_key")
			}
			if got == "" || !equal(got, key) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
