package domain

import "time"

// EventType identifies events published on the change feed
type EventType string

const (
	EventTypeChangeApplied EventType = "workflow.change_applied"
	EventTypeStateSaved    EventType = "workflow.state_saved"
)

// TopicWorkflowChanges is the change feed topic
const TopicWorkflowChanges = "workflow.changes"

// Event is a change feed record consumed outside the realtime loop
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	WorkflowID string                 `json:"workflow_id"`
	UserID     string                 `json:"user_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
