package events

import "time"

// Relay lifecycle event codes published to the audit bus.
const (
	TypeConnectionOpened = "RELAY_CONNECTION_OPENED"
	TypeConnectionClosed = "RELAY_CONNECTION_CLOSED"
	TypeChatCreated      = "RELAY_CHAT_CREATED"
	TypeUserReaped       = "RELAY_USER_REAPED"
)

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "RELAY_CHAT_CREATED").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// BaseEvent is the plain implementation used throughout the relay.
type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}
