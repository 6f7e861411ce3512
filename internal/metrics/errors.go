package metrics

import (
	"strconv"

	"github.com/moose0621/codeql-dashboard/internal/observability"
)

// Error metric names
const (
	ErrorsTotal      = "errors_total"
	PanicsTotal      = "panics_total"
	ErrorsByEndpoint = "errors_by_endpoint"
)

// RecordError counts an error envelope written to a client.
func RecordError(errorCode string, httpStatus int) {
	counter(ErrorsTotal, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordPanic counts a handler panic caught by the recovery middleware.
func RecordPanic() {
	counter(PanicsTotal, nil)
}

// RecordErrorByEndpoint counts an error against its route pattern.
func RecordErrorByEndpoint(endpoint, errorCode string) {
	counter(ErrorsByEndpoint, map[string]string{
		"endpoint":   endpoint,
		"error_code": errorCode,
	})
}

func counter(name string, tags map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(name, 1, tags)
}
