package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/observability"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush keeps streaming writers working behind the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// endpointGroups collapses unmatched paths into low-cardinality labels.
var endpointGroups = []struct {
	prefix string
	label  string
}{
	{"/health", "/health/*"},
	{"/api/", "/api/*"},
	{"/webhooks/", "/webhooks/*"},
}

// getEndpointPattern prefers the chi route pattern and otherwise groups
// the path by prefix.
func getEndpointPattern(r *http.Request) string {
	if pattern := chi.RouteContext(r.Context()).RoutePattern(); pattern != "" {
		return pattern
	}

	path := r.URL.Path
	switch path {
	case "/", "/version", "/metrics":
		return path
	}
	for _, g := range endpointGroups {
		if path == strings.TrimSuffix(g.prefix, "/") || strings.HasPrefix(path, g.prefix) {
			return g.label
		}
	}
	return "/unknown"
}

// RequestMetrics records request counts, latency and payload sizes per
// route pattern, and logs each request with its request ID.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		requestSize := requestContentLength(r)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := getEndpointPattern(r)
		emitRequestMetrics(r.Method, endpoint, wrapped, requestSize, duration)

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("request_size", requestSize),
				zap.Int64("response_size", wrapped.bytesWritten),
				zap.String("requestID", GetRequestID(r.Context())),
			)
		}
	})
}

func requestContentLength(r *http.Request) int64 {
	if r.ContentLength > 0 {
		return r.ContentLength
	}
	if header := r.Header.Get("Content-Length"); header != "" {
		if size, err := strconv.ParseInt(header, 10, 64); err == nil {
			return size
		}
	}
	return 0
}

func emitRequestMetrics(method, endpoint string, rw *responseWriter, requestSize int64, duration time.Duration) {
	sys := observability.TelemetrySystem
	status := strconv.Itoa(rw.statusCode)
	labels := map[string]string{
		"method":   method,
		"endpoint": endpoint,
		"status":   status,
	}
	sizeLabels := map[string]string{
		"method":   method,
		"endpoint": endpoint,
	}

	_ = sys.Counter("http_requests_total", 1, labels)
	_ = sys.Histogram("http_request_duration_ms", duration, labels)
	_ = sys.Gauge("http_request_size_bytes", float64(requestSize), sizeLabels)
	_ = sys.Gauge("http_response_size_bytes", float64(rw.bytesWritten), sizeLabels)

	if rw.statusCode < 400 {
		return
	}
	errorType := "client_error"
	if rw.statusCode >= 500 {
		errorType = "server_error"
	}
	_ = sys.Counter("http_errors_total", 1, map[string]string{
		"method":     method,
		"endpoint":   endpoint,
		"status":     status,
		"error_type": errorType,
	})
}
