package auth

import (
	"encoding/json"
	"net/http"
)

// Middleware returns net/http middleware applying the same rules as
// APIKeyInterceptor to the named request header.
func Middleware(mode, header string, keys Keys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(header)
			name, d := resolve(mode, keys, presented)
			switch d {
			case rejected:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
					"detail":     "invalid or missing api key",
					"error_code": "UNAUTHENTICATED",
				})
				return
			case identified:
				r = r.WithContext(WithIdentity(r.Context(), name))
			}
			next.ServeHTTP(w, r)
		})
	}
}
