// Package metrics names the dashboard's Prometheus series and records
// them through the global telemetry system. Every helper is a no-op
// until observability.InitMetrics has run.
package metrics

import (
	"time"

	"github.com/moose0621/codeql-dashboard/internal/observability"
)

// Series names. The exporter prefixes them with the service namespace.
const (
	GatewayRequestsTotal  = "gateway_requests_total"
	GatewayCacheHitsTotal = "gateway_cache_hits_total"
	RateLimitWaitDuration = "gateway_rate_limit_wait_ms"
	RateLimitRemaining    = "gateway_rate_limit_remaining"

	ConnectionStatus       = "realtime_connection_status"
	ReconnectAttemptsTotal = "realtime_reconnect_attempts_total"
	HeartbeatLatency       = "realtime_heartbeat_latency_ms"
	DroppedMessagesTotal   = "realtime_dropped_messages_total"

	SyncBatchesTotal  = "sync_batches_total"
	SyncBatchEvents   = "sync_batch_events"
	SyncBatchDuration = "sync_batch_duration_ms"
	SyncPendingEvents = "sync_pending_events"

	WebhookDeliveriesTotal = "webhook_deliveries_total"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordHealthCheck records one checker run.
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	counter(HealthCheckTotal, map[string]string{"check": checkName, "status": status})
	histogram(HealthCheckDuration, duration, map[string]string{"check": checkName})
}

// SetServerStartTime records when the HTTP listener started (Unix seconds).
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}

// SetServerUptime records seconds since the health manager was created.
func SetServerUptime(seconds int64) {
	gauge(ServerUptime, float64(seconds), nil)
}

func gauge(name string, value float64, tags map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(name, value, tags)
}

func histogram(name string, d time.Duration, tags map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Histogram(name, d, tags)
}
