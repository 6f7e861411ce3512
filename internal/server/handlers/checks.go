package handlers

import (
	"context"
	"fmt"

	"github.com/moose0621/codeql-dashboard/internal/core/engine"
	"github.com/moose0621/codeql-dashboard/internal/gateway"
	"github.com/moose0621/codeql-dashboard/internal/realtime"
)

// ConnectionStateSource is satisfied by *realtime.Manager.
type ConnectionStateSource interface {
	State() realtime.State
}

// RealtimeChecker degrades while the stream is down. Polling keeps the
// dashboard usable, so the stream never makes the service unhealthy.
func RealtimeChecker(src ConnectionStateSource) HealthChecker {
	return HealthCheckerFunc(func(context.Context) error {
		state := src.State()
		if state.Connected() {
			return nil
		}
		reason := string(state.Status)
		if state.Status == realtime.StatusReconnecting {
			reason = fmt.Sprintf("reconnecting (attempt %d of %d)", state.ReconnectAttempts, state.MaxReconnectAttempts)
		}
		return &DegradedError{Reason: reason}
	})
}

// RateLimitSource is satisfied by *gateway.Runtime.
type RateLimitSource interface {
	RateLimits() map[string]gateway.RateLimitState
}

// RateLimitChecker degrades when any tenant has exhausted its budget.
func RateLimitChecker(src RateLimitSource) HealthChecker {
	return HealthCheckerFunc(func(context.Context) error {
		for tenant, state := range src.RateLimits() {
			if state.Known() && state.Remaining == 0 {
				return &DegradedError{Reason: fmt.Sprintf("tenant %s rate limited until %s", tenant, state.ResetTime().UTC().Format("15:04:05"))}
			}
		}
		return nil
	})
}

// SyncStatusSource is satisfied by *engine.Orchestrator.
type SyncStatusSource interface {
	Status() engine.SyncStatus
}

// SyncChecker degrades while the last repository refresh failed, and is
// unhealthy until the first refresh succeeds.
func SyncChecker(src SyncStatusSource) HealthChecker {
	return HealthCheckerFunc(func(context.Context) error {
		status := src.Status()
		switch {
		case status.LastSync.IsZero() && status.Error != "":
			return fmt.Errorf("initial sync failed: %s", status.Error)
		case status.LastSync.IsZero():
			return &DegradedError{Reason: "initial sync pending"}
		case status.Error != "":
			return &DegradedError{Reason: "last sync failed: " + status.Error}
		}
		return nil
	})
}
