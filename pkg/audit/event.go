// Package audit records the incident timeline of the mesh: registrations,
// alerts, failures, recovery actions and queue events. Events never carry
// message payloads.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names what happened.
type EventType string

const (
	AgentRegistered     EventType = "agent_registered"
	AgentUnregistered   EventType = "agent_unregistered"
	AlertCreated        EventType = "alert_created"
	AlertResolved       EventType = "alert_resolved"
	FailureDetected     EventType = "failure_detected"
	RecoveryExecuted    EventType = "recovery_executed"
	ModeChanged         EventType = "mode_changed"
	MessageEnqueued     EventType = "message_enqueued"
	MessageDeadLettered EventType = "message_dead_lettered"
)

// Event is one audit record.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// NewEvent builds an event with a fresh id and the current time.
func NewEvent(eventType EventType, agentID string, fields map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Context:   fields,
	}
}

// Sink consumes audit events. Emit must not block the caller on slow storage.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// BatchWriter persists events in bulk.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []Event) error
}
