package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventStateChanged  EventType = "session.state_changed"
	EventSpecChanged   EventType = "session.spec_changed"
	EventPolicyChanged EventType = "session.policy_changed"
	EventCommandFailed EventType = "session.command_failed"
)

// Event is a session lifecycle notification.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID SessionID       `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
