package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TransportError is a network failure or a non-2xx response with no
// body. Callers may retry it.
type TransportError struct {
	Method     string
	Endpoint   string
	StatusCode int
	StatusText string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s %s: %v", e.Method, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("gateway: %s %s: HTTP %d %s", e.Method, e.Endpoint, e.StatusCode, e.StatusText)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError is a 403 whose body matches the rate-limit or abuse
// signature. Reset is when the window reopens.
type RateLimitError struct {
	Endpoint string
	Message  string
	Reset    time.Time
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return fmt.Sprintf("gateway: rate limited on %s: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("gateway: rate limited on %s until %s: %s", e.Endpoint, e.Reset.Format(time.RFC3339), e.Message)
}

// PermissionError is a 403 on a dispatch endpoint from a token that lacks
// the scopes to run workflows. It is not retryable without changing the
// token.
type PermissionError struct {
	Endpoint    string
	Message     string
	Remediation string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("gateway: permission denied on %s: %s. %s", e.Endpoint, e.Message, e.Remediation)
}

// NotFoundError is a 404. Many callers treat it as absence.
type NotFoundError struct {
	Endpoint string
	Message  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("gateway: %s not found: %s", e.Endpoint, e.Message)
}

// APIError is any other non-2xx response.
type APIError struct {
	Endpoint         string
	StatusCode       int
	Message          string
	DocumentationURL string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// DispatchRemediation is attached to permission failures on workflow
// dispatch.
const DispatchRemediation = "The token needs the 'repo' and 'workflow' scopes (classic) or Actions: read and write (fine-grained) to dispatch workflows."

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsPermission reports whether err is a permission rejection.
func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

// IsRetryable reports whether a caller retry policy may reasonably try
// err again.
func IsRetryable(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.StatusCode >= http.StatusInternalServerError
	}
	return IsRateLimited(err)
}

func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "abuse detection") ||
		strings.Contains(lower, "secondary rate")
}

func isPermissionMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "resource not accessible") ||
		strings.Contains(lower, "must have admin rights") ||
		strings.Contains(lower, "permission") ||
		strings.Contains(lower, "not authorized")
}

func isDispatchEndpoint(method, endpoint string) bool {
	if method == http.MethodGet {
		return false
	}
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, "/dispatches")
}
