package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/itsChris/wgsync/internal/logging"
)

// maxLoggedBody bounds the response body kept for dev-mode logging.
const maxLoggedBody = 64 << 10

// RequestLogger logs every HTTP request at a level derived from the
// response status. Request bodies are never logged: they may carry
// private or preshared keys. In dev mode small response bodies are
// included.
func RequestLogger(logger *slog.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK, keepBody: devMode}
			next.ServeHTTP(wrapped, r)

			attrs := []any{
				"request_id", logging.RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes_written", wrapped.bytesWritten,
				"component", "http",
			}
			if devMode && wrapped.body.Len() > 0 {
				attrs = append(attrs, "response_body", wrapped.body.String())
			}

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "http_request", attrs...)
		})
	}
}

// responseWriter captures the status code, the byte count and, when
// keepBody is set, the head of the response body.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	keepBody     bool
	body         bytes.Buffer
	wroteHeader  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.keepBody && w.body.Len() < maxLoggedBody {
		w.body.Write(b[:min(len(b), maxLoggedBody-w.body.Len())])
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController access the underlying ResponseWriter.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
