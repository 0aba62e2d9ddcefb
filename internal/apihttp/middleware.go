package apihttp

import (
	"net/http"
	"time"

	"github.com/kazuph/modulehost/internal/logger"
)

// statusResponseWriter captures the status code written by a handler, the
// way kazuph-wallfacer's server.go does for its access log.
type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs method, path, status, and duration for every
// request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.HTTP.Info(r.Method+" "+r.URL.Path, "status", sw.status, "dur", time.Since(start).Round(time.Millisecond))
	})
}

// securityMiddleware sets baseline security headers on every response.
// Adapted from kazuph-wallfacer's server.go securityMiddleware, trimmed
// to the headers that still make sense with no browser-facing surface:
// the module host ships no UI (spec.md has no go:embed ui, no static
// file route), so the teacher's CSP and CORS allowlist have no client to
// protect and are not carried over.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
