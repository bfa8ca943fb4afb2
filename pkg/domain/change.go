package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// ChangeType enumerates the graph mutations a client may submit
type ChangeType string

const (
	ChangeNodeAdd    ChangeType = "node_add"
	ChangeNodeUpdate ChangeType = "node_update"
	ChangeNodeDelete ChangeType = "node_delete"
	ChangeNodeMove   ChangeType = "node_move"
	ChangeEdgeAdd    ChangeType = "edge_add"
	ChangeEdgeDelete ChangeType = "edge_delete"
)

// MaxClockSkew is how far in the future a change timestamp may lie
const MaxClockSkew = 60 * time.Second

// Valid reports whether t is one of the known change types
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeNodeAdd, ChangeNodeUpdate, ChangeNodeDelete, ChangeNodeMove, ChangeEdgeAdd, ChangeEdgeDelete:
		return true
	}
	return false
}

// TargetsEdges reports whether the change mutates the edges list
func (t ChangeType) TargetsEdges() bool {
	return t == ChangeEdgeAdd || t == ChangeEdgeDelete
}

// WorkflowChange is a validated graph mutation. It can only be built through
// NewWorkflowChange or ParseWorkflowChange and is immutable afterwards.
type WorkflowChange struct {
	id         string
	changeType ChangeType
	workflowID string
	userID     string
	timestamp  float64
	data       map[string]interface{}
}

type workflowChangeJSON struct {
	ID         string                 `json:"id"`
	Type       ChangeType             `json:"type"`
	WorkflowID string                 `json:"workflow_id"`
	UserID     string                 `json:"user_id"`
	Timestamp  float64                `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// NewWorkflowChange validates its arguments against now and builds a change.
// timestamp is in milliseconds since the Unix epoch.
func NewWorkflowChange(id string, changeType ChangeType, workflowID, userID string, timestamp float64, data map[string]interface{}, now time.Time) (WorkflowChange, error) {
	if id == "" {
		return WorkflowChange{}, fmt.Errorf("%w: id is required", ErrInvalidChange)
	}
	if !changeType.Valid() {
		return WorkflowChange{}, fmt.Errorf("%w: unknown type %q", ErrInvalidChange, changeType)
	}
	if workflowID == "" {
		return WorkflowChange{}, fmt.Errorf("%w: workflow_id is required", ErrInvalidChange)
	}
	if userID == "" {
		return WorkflowChange{}, fmt.Errorf("%w: user_id is required", ErrInvalidChange)
	}
	limit := TimestampFromTime(now.Add(MaxClockSkew))
	if timestamp > limit {
		return WorkflowChange{}, fmt.Errorf("%w: timestamp %.0f is more than %s in the future", ErrInvalidChange, timestamp, MaxClockSkew)
	}
	if data == nil {
		return WorkflowChange{}, fmt.Errorf("%w: data is required", ErrInvalidChange)
	}
	if elementID, _ := data["id"].(string); elementID == "" {
		return WorkflowChange{}, fmt.Errorf("%w: data.id is required", ErrInvalidChange)
	}

	return WorkflowChange{
		id:         id,
		changeType: changeType,
		workflowID: workflowID,
		userID:     userID,
		timestamp:  timestamp,
		data:       maps.Clone(data),
	}, nil
}

// ParseWorkflowChange decodes and validates a change from its JSON form
func ParseWorkflowChange(raw []byte, now time.Time) (WorkflowChange, error) {
	var wire workflowChangeJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return WorkflowChange{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	return NewWorkflowChange(wire.ID, wire.Type, wire.WorkflowID, wire.UserID, wire.Timestamp, wire.Data, now)
}

// MarshalJSON encodes the change in its wire form
func (c WorkflowChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(workflowChangeJSON{
		ID:         c.id,
		Type:       c.changeType,
		WorkflowID: c.workflowID,
		UserID:     c.userID,
		Timestamp:  c.timestamp,
		Data:       c.data,
	})
}

func (c WorkflowChange) ID() string         { return c.id }
func (c WorkflowChange) Type() ChangeType   { return c.changeType }
func (c WorkflowChange) WorkflowID() string { return c.workflowID }
func (c WorkflowChange) UserID() string     { return c.userID }
func (c WorkflowChange) Timestamp() float64 { return c.timestamp }

// Data returns a shallow copy of the change payload
func (c WorkflowChange) Data() map[string]interface{} {
	return maps.Clone(c.data)
}

// ElementID returns the id of the node or edge the change targets
func (c WorkflowChange) ElementID() string {
	id, _ := c.data["id"].(string)
	return id
}

// TimestampFromTime converts t to milliseconds since the Unix epoch
func TimestampFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}
