package metrics

import (
	"strconv"
	"time"

	"github.com/moose0621/codeql-dashboard/internal/observability"
)

// RecordGatewayRequest records one upstream GitHub call. status is 0
// when the request never produced a response.
func RecordGatewayRequest(tenant, method string, status int, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayRequestsTotal,
			1,
			map[string]string{
				"tenant":  tenant,
				"method":  method,
				"status":  strconv.Itoa(status),
				"outcome": outcome,
			},
		)
	}
}

// RecordGatewayCacheHit records a GET served from the response cache
func RecordGatewayCacheHit(tenant string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			GatewayCacheHitsTotal,
			1,
			map[string]string{"tenant": tenant},
		)
	}
}

// RecordRateLimitWait records time spent waiting for a rate-limit reset
func RecordRateLimitWait(tenant string, wait time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			RateLimitWaitDuration,
			wait,
			map[string]string{"tenant": tenant},
		)
	}
}

// SetRateLimitRemaining publishes the last observed remaining count
func SetRateLimitRemaining(tenant string, remaining int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			RateLimitRemaining,
			float64(remaining),
			map[string]string{"tenant": tenant},
		)
	}
}

// SetConnectionStatus publishes the realtime connection state as a
// one-hot gauge per status.
func SetConnectionStatus(status string, statuses []string) {
	if observability.TelemetrySystem == nil {
		return
	}
	for _, s := range statuses {
		value := 0.0
		if s == status {
			value = 1
		}
		_ = observability.TelemetrySystem.Gauge(
			ConnectionStatus,
			value,
			map[string]string{"status": s},
		)
	}
}

// RecordReconnectAttempt records a scheduled reconnect
func RecordReconnectAttempt(attempt int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ReconnectAttemptsTotal,
			1,
			map[string]string{"attempt": strconv.Itoa(attempt)},
		)
	}
}

// RecordHeartbeatLatency records a heartbeat round trip
func RecordHeartbeatLatency(latency time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(HeartbeatLatency, latency, nil)
	}
}

// RecordDroppedMessage records an inbound message discarded before
// reaching handlers.
func RecordDroppedMessage(reason string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			DroppedMessagesTotal,
			1,
			map[string]string{"reason": reason},
		)
	}
}

// RecordSyncBatch records one synchronizer pass
func RecordSyncBatch(events int, pending int, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(SyncBatchesTotal, 1, nil)
	_ = observability.TelemetrySystem.Gauge(SyncBatchEvents, float64(events), nil)
	_ = observability.TelemetrySystem.Histogram(SyncBatchDuration, duration, nil)
	_ = observability.TelemetrySystem.Gauge(SyncPendingEvents, float64(pending), nil)
}

// RecordWebhookDelivery records an inbound webhook by event and outcome
func RecordWebhookDelivery(event, outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			WebhookDeliveriesTotal,
			1,
			map[string]string{
				"event":   event,
				"outcome": outcome,
			},
		)
	}
}
