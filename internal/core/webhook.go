package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Webhook event names as sent in X-GitHub-Event.
const (
	WebhookWorkflowRun       = "workflow_run"
	WebhookCodeScanningAlert = "code_scanning_alert"
	WebhookPush              = "push"
)

// WebhookRepository is the repository block shared by GitHub webhook
// payloads.
type WebhookRepository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

// Ref returns the identifier the synchronizer resolves against.
func (r WebhookRepository) Ref() string {
	if r.FullName != "" {
		return r.FullName
	}
	return r.Name
}

// WorkflowRunWebhook is the subset of a workflow_run delivery the
// dashboard reads.
type WorkflowRunWebhook struct {
	Action      string            `json:"action"`
	Repository  WebhookRepository `json:"repository"`
	WorkflowRun struct {
		ID         int64     `json:"id"`
		Name       string    `json:"name"`
		Status     string    `json:"status"`
		Conclusion string    `json:"conclusion"`
		HeadBranch string    `json:"head_branch"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"workflow_run"`
}

// WorkflowRunStatus maps a GitHub workflow run status and conclusion
// onto the repository scan status. Only completed runs carry a scan
// date.
func WorkflowRunStatus(status, conclusion string, updatedAt time.Time) (ScanStatus, *time.Time) {
	switch status {
	case "in_progress":
		return ScanStatusInProgress, nil
	case "completed":
		var date *time.Time
		if !updatedAt.IsZero() {
			at := updatedAt
			date = &at
		}
		if conclusion == "success" {
			return ScanStatusSuccess, date
		}
		return ScanStatusFailure, date
	default:
		return ScanStatusPending, nil
	}
}

// CodeScanningAlertWebhook is the subset of a code_scanning_alert
// delivery the dashboard reads.
type CodeScanningAlertWebhook struct {
	Action     string            `json:"action"`
	Repository WebhookRepository `json:"repository"`
	Alert      struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Rule   struct {
			ID                    string `json:"id"`
			Severity              string `json:"severity"`
			SecuritySeverityLevel string `json:"security_severity_level"`
		} `json:"rule"`
	} `json:"alert"`
}

// PushWebhook is the subset of a push delivery the dashboard reads.
type PushWebhook struct {
	Ref        string            `json:"ref"`
	After      string            `json:"after"`
	Repository WebhookRepository `json:"repository"`
	HeadCommit *struct {
		ID        string    `json:"id"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"head_commit"`
}

// WebhookReceived wraps a verified GitHub delivery. Exactly one of the
// typed payload pointers is set for known event types; Raw is kept for
// the rest.
type WebhookReceived struct {
	EventType         string                    `json:"eventType"`
	DeliveryID        string                    `json:"deliveryId,omitempty"`
	WorkflowRun       *WorkflowRunWebhook       `json:"-"`
	CodeScanningAlert *CodeScanningAlertWebhook `json:"-"`
	Push              *PushWebhook              `json:"-"`
	Raw               json.RawMessage           `json:"payload,omitempty"`
}

func (WebhookReceived) Kind() EventType { return EventWebhookReceived }

// DecodeWebhook parses a delivery body according to its event name.
func DecodeWebhook(eventType, deliveryID string, body json.RawMessage) (WebhookReceived, error) {
	out := WebhookReceived{EventType: eventType, DeliveryID: deliveryID, Raw: body}

	var err error
	switch eventType {
	case WebhookWorkflowRun:
		out.WorkflowRun = &WorkflowRunWebhook{}
		err = json.Unmarshal(body, out.WorkflowRun)
	case WebhookCodeScanningAlert:
		out.CodeScanningAlert = &CodeScanningAlertWebhook{}
		err = json.Unmarshal(body, out.CodeScanningAlert)
	case WebhookPush:
		out.Push = &PushWebhook{}
		err = json.Unmarshal(body, out.Push)
	}
	if err != nil {
		return WebhookReceived{}, fmt.Errorf("decode %s webhook: %w", eventType, err)
	}
	return out, nil
}
