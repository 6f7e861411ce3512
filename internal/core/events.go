package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates DomainEvent payloads.
type EventType string

const (
	EventRepositoryUpdate EventType = "repository_update"
	EventScanStatus       EventType = "scan_status"
	EventSecurityAlert    EventType = "security_alert"
	EventWebhookReceived  EventType = "webhook_received"
)

// EventSource records which producer created an event.
type EventSource string

const (
	SourceWebSocket EventSource = "websocket"
	SourceWebhook   EventSource = "webhook"
	SourceManual    EventSource = "manual"
)

// EventData is the typed payload of a DomainEvent. The concrete type
// is one of RepositoryUpdate, ScanStatusUpdate, SecurityAlert,
// WebhookReceived or UnknownEvent.
type EventData interface {
	Kind() EventType
}

// DomainEvent is an immutable state-changing message consumed by the
// synchronizer.
type DomainEvent struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    EventSource `json:"source"`
	Data      EventData   `json:"data"`
}

// NewEvent stamps data with a fresh id.
func NewEvent(data EventData, source EventSource, at time.Time) DomainEvent {
	return DomainEvent{
		ID:        uuid.New().String(),
		Type:      data.Kind(),
		Timestamp: at,
		Source:    source,
		Data:      data,
	}
}

// RepositoryPatch carries the fields a repository_update overwrites.
// Nil fields are left untouched.
type RepositoryPatch struct {
	Name                    *string           `json:"name,omitempty"`
	FullName                *string           `json:"full_name,omitempty"`
	DefaultBranch           *string           `json:"default_branch,omitempty"`
	LastScanStatus          *ScanStatus       `json:"last_scan_status,omitempty"`
	LastScanDate            *time.Time        `json:"last_scan_date,omitempty"`
	SecurityFindings        *SecurityFindings `json:"security_findings,omitempty"`
	WorkflowDispatchEnabled *bool             `json:"workflow_dispatch_enabled,omitempty"`
}

// Apply shallow-patches repo and reports whether anything changed.
func (p RepositoryPatch) Apply(repo *Repository) bool {
	changed := false
	if p.Name != nil && repo.Name != *p.Name {
		repo.Name = *p.Name
		changed = true
	}
	if p.FullName != nil && repo.FullName != *p.FullName {
		repo.FullName = *p.FullName
		changed = true
	}
	if p.DefaultBranch != nil && repo.DefaultBranch != *p.DefaultBranch {
		repo.DefaultBranch = *p.DefaultBranch
		changed = true
	}
	if p.LastScanStatus != nil && repo.LastScanStatus != *p.LastScanStatus {
		repo.LastScanStatus = *p.LastScanStatus
		changed = true
	}
	if p.LastScanDate != nil && !sameTime(repo.LastScanDate, p.LastScanDate) {
		repo.LastScanDate = cloneTime(p.LastScanDate)
		changed = true
	}
	if p.SecurityFindings != nil {
		findings := *p.SecurityFindings
		findings.Recount()
		if repo.SecurityFindings != findings {
			repo.SecurityFindings = findings
			changed = true
		}
	}
	if p.WorkflowDispatchEnabled != nil && repo.WorkflowDispatchEnabled != *p.WorkflowDispatchEnabled {
		repo.WorkflowDispatchEnabled = *p.WorkflowDispatchEnabled
		changed = true
	}
	return changed
}

// RepositoryUpdate patches the repository with the given id.
type RepositoryUpdate struct {
	ID    int64           `json:"id"`
	Patch RepositoryPatch `json:"updates"`
}

func (RepositoryUpdate) Kind() EventType { return EventRepositoryUpdate }

// ScanStatusUpdate reports progress on a dispatched scan. Duration is
// carried on the wire as duration_ms.
type ScanStatusUpdate struct {
	ScanID     string            `json:"scan_id"`
	Repository string            `json:"repository"`
	Status     ScanRequestStatus `json:"status"`
	Duration   *time.Duration    `json:"-"`
	Findings   *SecurityFindings `json:"findings,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (ScanStatusUpdate) Kind() EventType { return EventScanStatus }

func (u ScanStatusUpdate) MarshalJSON() ([]byte, error) {
	type plain ScanStatusUpdate
	return json.Marshal(struct {
		plain
		DurationMS *float64 `json:"duration_ms,omitempty"`
	}{plain(u), toMillis(u.Duration)})
}

func (u *ScanStatusUpdate) UnmarshalJSON(data []byte) error {
	type plain ScanStatusUpdate
	var wire struct {
		plain
		DurationMS *float64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	d, err := fromMillis(wire.DurationMS)
	if err != nil {
		return err
	}
	*u = ScanStatusUpdate(wire.plain)
	u.Duration = d
	return nil
}

func toMillis(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	ms := float64(*d) / float64(time.Millisecond)
	return &ms
}

func fromMillis(ms *float64) (*time.Duration, error) {
	if ms == nil {
		return nil, nil
	}
	if *ms < 0 {
		return nil, fmt.Errorf("duration_ms must not be negative, got %v", *ms)
	}
	d := time.Duration(*ms * float64(time.Millisecond))
	return &d, nil
}

// SecurityAlert opens or closes one alert on a repository. AlertID is
// optional; when present it lets the synchronizer ignore replays.
type SecurityAlert struct {
	Repository string `json:"repository"`
	Severity   string `json:"severity"`
	Action     string `json:"action"`
	AlertID    string `json:"alert_id,omitempty"`
}

func (SecurityAlert) Kind() EventType { return EventSecurityAlert }

// UnknownEvent preserves an event whose type the synchronizer does not
// handle.
type UnknownEvent struct {
	Type EventType       `json:"type"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

func (u UnknownEvent) Kind() EventType { return u.Type }

// DecodeEvent builds a typed DomainEvent from its wire parts. Unknown
// event types decode to UnknownEvent rather than failing.
func DecodeEvent(id, eventType, timestamp string, data json.RawMessage, source EventSource, now time.Time) (DomainEvent, error) {
	at := now
	if ts := strings.TrimSpace(timestamp); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			at = parsed
		}
	}

	var payload EventData
	switch EventType(eventType) {
	case EventRepositoryUpdate:
		var v RepositoryUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return DomainEvent{}, fmt.Errorf("decode %s: %w", eventType, err)
		}
		payload = v
	case EventScanStatus:
		var v ScanStatusUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return DomainEvent{}, fmt.Errorf("decode %s: %w", eventType, err)
		}
		payload = v
	case EventSecurityAlert:
		var v SecurityAlert
		if err := json.Unmarshal(data, &v); err != nil {
			return DomainEvent{}, fmt.Errorf("decode %s: %w", eventType, err)
		}
		payload = v
	case EventWebhookReceived:
		var envelope struct {
			EventType  string          `json:"eventType"`
			DeliveryID string          `json:"deliveryId"`
			Payload    json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return DomainEvent{}, fmt.Errorf("decode %s: %w", eventType, err)
		}
		webhook, err := DecodeWebhook(envelope.EventType, envelope.DeliveryID, envelope.Payload)
		if err != nil {
			return DomainEvent{}, err
		}
		payload = webhook
	default:
		payload = UnknownEvent{Type: EventType(eventType), Raw: data}
	}

	return DomainEvent{
		ID:        id,
		Type:      payload.Kind(),
		Timestamp: at,
		Source:    source,
		Data:      payload,
	}, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
