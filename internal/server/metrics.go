package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/moose0621/codeql-dashboard/internal/errors"
	"github.com/moose0621/codeql-dashboard/internal/observability"
)

const defaultMetricsPort = 9090

var metricsProxyClient = &http.Client{
	Timeout: 5 * time.Second,
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// metricsHandler proxies the Prometheus exporter so /metrics can be
// scraped on the main listener. fallbackPort is used until the exporter
// reports its bound port.
func metricsHandler(fallbackPort int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if observability.PrometheusExporter == nil {
			HandleError(w, r, apperrors.NewServiceUnavailableError("Metrics exporter not initialized"))
			return
		}

		port := observability.GetMetricsPort()
		if port == 0 {
			port = fallbackPort
		}
		if port == 0 {
			port = defaultMetricsPort
		}
		metricsURL := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, metricsURL, nil)
		if err != nil {
			HandleError(w, r, apperrors.WrapInternal(r.Context(), err, "Unable to construct metrics request"))
			return
		}
		if accept := r.Header.Get("Accept"); accept != "" {
			req.Header.Set("Accept", accept)
		}

		resp, err := metricsProxyClient.Do(req)
		if err != nil {
			HandleError(w, r, apperrors.WrapExternal(r.Context(), err, "Prometheus exporter unavailable"))
			return
		}
		defer func() {
			if err := resp.Body.Close(); err != nil && observability.ServerLogger != nil {
				observability.ServerLogger.Warn("Failed to close metrics response body", zap.Error(err))
			}
		}()

		for key, values := range resp.Header {
			if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
				continue
			}
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		if resp.Header.Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		}

		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil && observability.ServerLogger != nil {
			observability.ServerLogger.Warn("Failed to write metrics response", zap.Error(err))
		}
	}
}
