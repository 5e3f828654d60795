package entities

import (
	"time"

	"github.com/google/uuid"
)

// RunEventType represents the type of run event
type RunEventType string

const (
	RunEventTypeStatusUpdate RunEventType = "status_update"
	RunEventTypeCompleted    RunEventType = "completed"
	RunEventTypeCancelled    RunEventType = "cancelled"
	RunEventTypeActionDone   RunEventType = "action_executed"
)

// RunEvent carries a run status snapshot to out-of-process observers
type RunEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	EventType RunEventType   `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Table     RunStatusTable `json:"table"`
	Action    *SmartAction   `json:"action,omitempty"`
}

// NewRunEvent creates a new run event for the given snapshot
func NewRunEvent(eventType RunEventType, table RunStatusTable) *RunEvent {
	return &RunEvent{
		ID:        uuid.New().String(),
		SessionID: table.SessionID,
		RunID:     table.RunID,
		EventType: eventType,
		Timestamp: time.Now(),
		Table:     table,
	}
}

// NewActionExecutedEvent announces that action was executed for sessionID
func NewActionExecutedEvent(sessionID string, action SmartAction) *RunEvent {
	return &RunEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		EventType: RunEventTypeActionDone,
		Timestamp: time.Now(),
		Table:     RunStatusTable{SessionID: sessionID},
		Action:    &action,
	}
}
