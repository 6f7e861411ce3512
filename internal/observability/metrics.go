package observability

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

var (
	// TelemetrySystem is the global telemetry system. Nil disables every
	// metric helper in internal/metrics.
	TelemetrySystem *telemetry.System

	// PrometheusExporter is the prometheus metrics exporter
	PrometheusExporter *exporters.PrometheusExporter

	// metricsPort stores the port the Prometheus exporter is listening on
	metricsPort int
)

// InitMetrics starts the Prometheus exporter on host:port (port 0 picks
// a free port) and routes telemetry through it. The namespace is
// normalized to a valid Prometheus prefix.
func InitMetrics(namespace, host string, port int) error {
	if port < 0 {
		port = 0
	}
	metricsPort = port

	endpoint := net.JoinHostPort(host, strconv.Itoa(port))
	exporter := exporters.NewPrometheusExporter(MetricNamespace(namespace), endpoint)
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter on %s: %w", endpoint, err)
	}
	PrometheusExporter = exporter

	if actualPort, err := resolvePort(exporter.GetAddr()); err == nil {
		metricsPort = actualPort
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		return err
	}
	TelemetrySystem = sys
	return nil
}

// DisableMetrics installs a disabled telemetry system so library code
// emitting through the gofulmen global does not write to stdout.
func DisableMetrics() {
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}
}

// GetMetricsPort returns the port the Prometheus exporter is listening on
func GetMetricsPort() int {
	return metricsPort
}

// MetricNamespace maps a service name onto [a-z0-9_].
func MetricNamespace(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "app"
	}
	return out
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
