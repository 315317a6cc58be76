// Package wire defines the event envelope exchanged with browser clients
// and with the worker service. The vocabulary is mirrored verbatim on both
// sides of the relay; payloads pass through opaque except for the
// integration id used for room targeting.
package wire

import "encoding/json"

// Event names.
const (
	EventAuth             = "auth"
	EventJoinRoom         = "join-room"
	EventAuthProgress     = "auth:progress"
	EventDebugURL         = "debug-url"
	EventMockAuthAck      = "mock-auth-ack"
	EventTriggerMockAuth  = "trigger-mock-auth"
	EventRequestTestEvent = "request-test-event"
	EventError            = "error"
)

// Envelope frames every message: an event name plus an opaque payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthMessage carries the credential presented to the worker service
// immediately after dialing.
type AuthMessage struct {
	Token string `json:"token"`
}

// JoinRoomMessage is the client request to subscribe to an integration's
// event stream.
type JoinRoomMessage struct {
	IntegrationID string `json:"integrationId"`
	UserID        string `json:"userId"`
	TenantID      string `json:"tenantId"`
}

// IntegrationRef is the minimal shape shared by all routed payloads. Fields
// beyond the integration id are forwarded untouched.
type IntegrationRef struct {
	IntegrationID string `json:"integrationId"`
}

// ProgressRef extracts the step field alongside the integration id for
// state reporting; the full payload is still forwarded verbatim.
type ProgressRef struct {
	IntegrationID string `json:"integrationId"`
	Step          string `json:"step"`
}

// ErrorMessage is emitted back to a single client when a forward fails.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Encode marshals an envelope for event carrying data.
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
