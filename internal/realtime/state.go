package realtime

import "time"

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Statuses lists every Status in lifecycle order.
var Statuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusError}

// State is a snapshot of a Manager's connection.
type State struct {
	Status               Status        `json:"status"`
	LastConnected        *time.Time    `json:"last_connected,omitempty"`
	ReconnectAttempts    int           `json:"reconnect_attempts"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ConnectionID         string        `json:"connection_id,omitempty"`
	Latency              time.Duration `json:"latency"`
}

// Connected reports whether the status is connected.
func (s State) Connected() bool { return s.Status == StatusConnected }

func (s State) clone() State {
	if s.LastConnected != nil {
		t := *s.LastConnected
		s.LastConnected = &t
	}
	return s
}
