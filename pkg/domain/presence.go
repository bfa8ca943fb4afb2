package domain

import (
	"sort"
	"time"
)

// Position is a cursor position on the workflow canvas
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the visible region of the canvas for one user
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// UserPresence is the ephemeral per-user metadata broadcast to peers.
// Cursor and Viewport are overwritten on every update and never persisted.
type UserPresence struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Color        string    `json:"color"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
	Cursor       *Position `json:"cursor,omitempty"`
	Viewport     *Viewport `json:"viewport,omitempty"`
}

// WorkflowSession is the set of users currently present in one workflow room
type WorkflowSession struct {
	WorkflowID   string                   `json:"workflow_id"`
	Users        map[string]*UserPresence `json:"users"`
	CreatedAt    time.Time                `json:"created_at"`
	LastActivity time.Time                `json:"last_activity"`
}

// UserList returns the presences of the session sorted by join time
func (s *WorkflowSession) UserList() []UserPresence {
	users := make([]UserPresence, 0, len(s.Users))
	for _, u := range s.Users {
		users = append(users, u.Clone())
	}
	sortPresences(users)
	return users
}

// Clone returns a deep copy safe to hand outside the owning registry
func (s *WorkflowSession) Clone() *WorkflowSession {
	out := &WorkflowSession{
		WorkflowID:   s.WorkflowID,
		Users:        make(map[string]*UserPresence, len(s.Users)),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
	for id, u := range s.Users {
		p := u.Clone()
		out.Users[id] = &p
	}
	return out
}

// Clone returns a copy of the presence with its own cursor and viewport
func (p UserPresence) Clone() UserPresence {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	if p.Viewport != nil {
		v := *p.Viewport
		p.Viewport = &v
	}
	return p
}

func sortPresences(users []UserPresence) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].JoinedAt.Before(users[j].JoinedAt)
		}
		return users[i].UserID < users[j].UserID
	})
}
