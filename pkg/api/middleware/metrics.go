package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder defines the interface for recording HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics returns a middleware that records HTTP metrics.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			wrapped := &metricsResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			defer func() {
				if err := recover(); err != nil {
					wrapped.statusCode = http.StatusInternalServerError
					recorder.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
					panic(err)
				}
			}()

			next.ServeHTTP(wrapped, r)

			recorder.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// normalizePath collapses identifier segments so metric label cardinality
// stays bounded: room ids under /ws/docs and modes under /api/v1/memory.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if i > 0 && (parts[i-1] == "docs" || parts[i-1] == "memory") && part != "" {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
