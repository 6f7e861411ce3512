package realtime

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/moose0621/codeql-dashboard/internal/core"
)

// MessageType discriminates envelopes on the wire.
type MessageType string

const (
	MessageEvent     MessageType = "event"
	MessageHeartbeat MessageType = "heartbeat"
	MessageError     MessageType = "error"
	MessageReconnect MessageType = "reconnect"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope stamps an outbound envelope.
func NewEnvelope(t MessageType, at time.Time, payload json.RawMessage) Envelope {
	return Envelope{Type: t, Timestamp: at.UTC().Format(time.RFC3339Nano), Payload: payload}
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, &ValidationError{Reason: "envelope is not a JSON object", Raw: raw}
	}
	var env Envelope
	kind, ok := jsonString(fields["type"])
	if !ok || kind == "" {
		return Envelope{}, &ValidationError{Reason: "envelope type must be a string", Raw: raw}
	}
	env.Type = MessageType(kind)
	if env.Timestamp, ok = jsonString(fields["timestamp"]); !ok {
		return Envelope{}, &ValidationError{Reason: "envelope timestamp must be a string", Raw: raw}
	}
	if _, err := time.Parse(time.RFC3339Nano, env.Timestamp); err != nil {
		return Envelope{}, &ValidationError{Reason: "envelope timestamp is not RFC 3339", Raw: raw}
	}
	env.Payload = fields["payload"]
	return env, nil
}

// decodeEventPayload checks the event shape (id, type and timestamp as
// strings, data present) and decodes it once into a typed event.
func decodeEventPayload(payload json.RawMessage, now time.Time) (core.DomainEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return core.DomainEvent{}, &ValidationError{Reason: "event payload is not an object", Raw: payload}
	}
	id, ok := jsonString(fields["id"])
	if !ok {
		return core.DomainEvent{}, &ValidationError{Reason: "event id must be a string", Raw: payload}
	}
	eventType, ok := jsonString(fields["type"])
	if !ok {
		return core.DomainEvent{}, &ValidationError{Reason: "event type must be a string", Raw: payload}
	}
	timestamp, ok := jsonString(fields["timestamp"])
	if !ok {
		return core.DomainEvent{}, &ValidationError{Reason: "event timestamp must be a string", Raw: payload}
	}
	data, ok := fields["data"]
	if !ok {
		return core.DomainEvent{}, &ValidationError{Reason: "event data is missing", Raw: payload}
	}

	event, err := core.DecodeEvent(id, eventType, timestamp, data, core.SourceWebSocket, now)
	if err != nil {
		return core.DomainEvent{}, &ValidationError{Reason: err.Error(), Raw: payload}
	}
	return event, nil
}

func jsonString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
