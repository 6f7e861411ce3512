package observability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moose0621/codeql-dashboard/internal/observability"
)

func TestMetricNamespace(t *testing.T) {
	assert.Equal(t, "codeql_dashboard", observability.MetricNamespace("codeql-dashboard"))
	assert.Equal(t, "svc_v2", observability.MetricNamespace(" Svc.V2 "))
	assert.Equal(t, "app", observability.MetricNamespace("---"))
}
