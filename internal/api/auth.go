package api

import (
	"crypto/subtle"
	"net/http"
)

const headerAPIKey = "X-API-Key"

// requireAPIKey rejects requests whose X-API-Key header does not match the
// configured key. The comparison is constant-time.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerAPIKey)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			unauthorizedCounter.Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"ok":    false,
				"error": "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withAuth(handler http.HandlerFunc) http.Handler {
	return s.requireAPIKey(handler)
}
