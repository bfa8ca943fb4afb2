package domain

import (
	"maps"
	"time"
)

// Element is a node or edge of the workflow graph. Its shape is owned by the
// editor; the collaboration core only relies on the "id" key (and on
// "source"/"target" for edges).
type Element map[string]interface{}

// ID returns the element id or "" if absent
func (e Element) ID() string {
	id, _ := e["id"].(string)
	return id
}

// Clone returns a shallow copy of the element
func (e Element) Clone() Element {
	return maps.Clone(e)
}

// WorkflowState is the editable part of a workflow document
type WorkflowState struct {
	Nodes        []Element              `json:"nodes" bson:"nodes"`
	Edges        []Element              `json:"edges" bson:"edges"`
	Viewport     map[string]interface{} `json:"viewport,omitempty" bson:"viewport,omitempty"`
	LastModified float64                `json:"lastModified" bson:"lastModified"`
}

// WorkflowDocument is the persisted workflow graph
type WorkflowDocument struct {
	ID            string   `json:"id" bson:"_id"`
	Name          string   `json:"name,omitempty" bson:"name,omitempty"`
	OwnerID       string   `json:"owner_id" bson:"owner_id"`
	Collaborators []string `json:"collaborators,omitempty" bson:"collaborators,omitempty"`
	Public        bool     `json:"public,omitempty" bson:"public,omitempty"`

	WorkflowState `bson:",inline"`
}

// Clone returns a copy of the document whose slices can be mutated freely
func (d *WorkflowDocument) Clone() *WorkflowDocument {
	out := *d
	out.Collaborators = append([]string(nil), d.Collaborators...)
	out.Nodes = cloneElements(d.Nodes)
	out.Edges = cloneElements(d.Edges)
	out.Viewport = maps.Clone(d.Viewport)
	return &out
}

// CollaborationState is the merged snapshot sent to joiners: the persisted
// graph plus the live roster and locks
type CollaborationState struct {
	WorkflowID   string                 `json:"workflow_id"`
	Nodes        []Element              `json:"nodes"`
	Edges        []Element              `json:"edges"`
	Viewport     map[string]interface{} `json:"viewport,omitempty"`
	LastModified float64                `json:"lastModified"`
	ActiveUsers  []UserPresence         `json:"active_users"`
	ActiveLocks  []NodeLock             `json:"active_locks"`
	LoadedAt     time.Time              `json:"loaded_at"`
}

// Identity is the verified subject of an access token
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func cloneElements(in []Element) []Element {
	if in == nil {
		return nil
	}
	out := make([]Element, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
