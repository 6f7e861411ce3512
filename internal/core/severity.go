package core

import "strings"

// Severity is a findings bucket.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityNote     Severity = "note"
)

// ParseSeverity normalizes a security severity level. Code scanning rule
// levels (error, warning) are accepted as aliases. Anything unrecognized
// lands in the low bucket.
func ParseSeverity(value string) Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "note":
		return SeverityNote
	default:
		return SeverityLow
	}
}

// DeriveAlertSeverity picks the bucket for a code scanning alert. An
// explicit security severity level wins; otherwise the rule severity
// maps error→high, warning→medium, note→note and anything else→low.
func DeriveAlertSeverity(securityLevel, ruleSeverity string) Severity {
	if level := strings.TrimSpace(securityLevel); level != "" {
		return ParseSeverity(level)
	}
	switch strings.ToLower(strings.TrimSpace(ruleSeverity)) {
	case "error":
		return SeverityHigh
	case "warning":
		return SeverityMedium
	case "note":
		return SeverityNote
	default:
		return SeverityLow
	}
}

// AlertOpens reports whether a webhook or alert action adds an open
// alert. Every other action is treated as closing one.
func AlertOpens(action string) bool {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "created", "reopened", "reopened_by_user":
		return true
	default:
		return false
	}
}
