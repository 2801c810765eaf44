package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types, namespaced as published on the bus under the configured
// subject prefix. The dead-letter namespace mirrors these under "dlq.".
const (
	EventSessionCreated          = "session.created"
	EventSessionStarted          = "session.started"
	EventSessionStatus           = "session.status"
	EventSessionOutput           = "session.output"
	EventSessionDirectoryChanged = "session.directory_changed"
	EventSessionSuspended        = "session.suspended"
	EventSessionResumed          = "session.resumed"
	EventSessionTerminated       = "session.terminated"
	EventSessionFailed           = "session.failed"
	EventSessionTimeoutWarning   = "session.timeout_warning"
)

// Event is an immutable fact about a session transition. Never mutated after
// creation; duplicate application is prevented downstream by the
// idempotency key.
type Event struct {
	Type           string          `json:"event_type"`
	SessionID      SessionID       `json:"session_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// NewEvent builds an event with its deterministic idempotency key. The
// payload is marshalled immediately so the event is a self-contained value.
func NewEvent(eventType string, sessionID SessionID, payload any) Event {
	ts := time.Now().UTC()
	data := json.RawMessage("{}")
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}
	return Event{
		Type:           eventType,
		SessionID:      sessionID,
		Timestamp:      ts,
		Payload:        data,
		IdempotencyKey: IdempotencyKey(sessionID, eventType, ts),
	}
}

// IdempotencyKey derives the deduplication key for a session transition.
// It is deterministic: the same transition retried yields the same key.
func IdempotencyKey(sessionID SessionID, eventType string, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%d", sessionID, eventType, ts.UnixNano())
}
