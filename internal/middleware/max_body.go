package middleware

import "net/http"

// DefaultMaxBodySize bounds request bodies. A manifest for one interface
// with a few thousand peers fits comfortably.
const DefaultMaxBodySize = 4 << 20

// MaxBody limits request bodies to maxBytes. Handlers see an
// *http.MaxBytesError when a body exceeds it.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
