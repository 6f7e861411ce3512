package realtime

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by Send without an open connection.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrSuperseded is returned by Connect when Disconnect or a newer
	// Connect wins the race with an in-flight dial.
	ErrSuperseded = errors.New("realtime: connection attempt superseded")
)

// ValidationError is a malformed inbound message. It never leaves the
// manager; the message is logged and dropped.
type ValidationError struct {
	Reason string
	Raw    []byte
}

func (e *ValidationError) Error() string {
	return "realtime: invalid message: " + e.Reason
}

// ConnectionTimeoutError is returned when the transport does not open
// within the configured timeout.
type ConnectionTimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("realtime: connecting to %s timed out after %s", e.URL, e.Timeout)
}

// IsConnectionTimeout reports whether err is a connect timeout.
func IsConnectionTimeout(err error) bool {
	var target *ConnectionTimeoutError
	return errors.As(err, &target)
}
