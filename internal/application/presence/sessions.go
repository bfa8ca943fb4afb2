package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// Palette is the fixed set of presence colors
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// SessionRegistry maps workflow ids to their rooms. A room with zero users
// never outlives the call that emptied it.
type SessionRegistry struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.WorkflowSession
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		now:      time.Now,
		sessions: make(map[string]*domain.WorkflowSession),
	}
}

// CreateOrJoin ensures the room exists and upserts the user's presence. A
// rejoining user keeps its original join time and color. The returned
// session is a copy.
func (r *SessionRegistry) CreateOrJoin(workflowID string, presence domain.UserPresence) *domain.WorkflowSession {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[workflowID]
	if !ok {
		session = &domain.WorkflowSession{
			WorkflowID: workflowID,
			Users:      make(map[string]*domain.UserPresence),
			CreatedAt:  now,
		}
		r.sessions[workflowID] = session
	}

	p := presence.Clone()
	if existing, ok := session.Users[p.UserID]; ok {
		p.JoinedAt = existing.JoinedAt
		if p.Color == "" {
			p.Color = existing.Color
		}
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.Color == "" {
		p.Color = pickColor(session, p.UserID)
	}
	p.LastActivity = now

	session.Users[p.UserID] = &p
	session.LastActivity = now

	return session.Clone()
}

// Leave removes the user's presence and deletes the room if it became
// empty. It returns the remaining session, or nil when the room is gone or
// never existed.
func (r *SessionRegistry) Leave(workflowID, userID string) *domain.WorkflowSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[workflowID]
	if !ok {
		return nil
	}

	delete(session.Users, userID)
	if len(session.Users) == 0 {
		delete(r.sessions, workflowID)
		return nil
	}

	session.LastActivity = r.now()
	return session.Clone()
}

// ListUsers returns the presences of a room ordered by join time
func (r *SessionRegistry) ListUsers(workflowID string) []domain.UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[workflowID]
	if !ok {
		return []domain.UserPresence{}
	}
	return session.UserList()
}

// Get returns a copy of the room, or nil
func (r *SessionRegistry) Get(workflowID string) *domain.WorkflowSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[workflowID]
	if !ok {
		return nil
	}
	return session.Clone()
}

// TouchActivity bumps the user's and the room's activity timestamps
func (r *SessionRegistry) TouchActivity(workflowID, userID string) {
	r.update(workflowID, userID, func(*domain.UserPresence) {})
}

// UpdateCursor overwrites the user's cursor position
func (r *SessionRegistry) UpdateCursor(workflowID, userID string, position domain.Position) bool {
	return r.update(workflowID, userID, func(p *domain.UserPresence) {
		p.Cursor = &position
	})
}

// UpdateViewport overwrites the user's viewport
func (r *SessionRegistry) UpdateViewport(workflowID, userID string, viewport domain.Viewport) bool {
	return r.update(workflowID, userID, func(p *domain.UserPresence) {
		p.Viewport = &viewport
	})
}

// Count returns the number of live rooms
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

func (r *SessionRegistry) update(workflowID, userID string, fn func(*domain.UserPresence)) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[workflowID]
	if !ok {
		return false
	}
	p, ok := session.Users[userID]
	if !ok {
		return false
	}

	fn(p)
	p.LastActivity = now
	session.LastActivity = now
	return true
}

// pickColor returns the first palette color unused in the room, falling back
// to a color derived from the user id
func pickColor(session *domain.WorkflowSession, userID string) string {
	used := make(map[string]bool, len(session.Users))
	for id, u := range session.Users {
		if id != userID {
			used[u.Color] = true
		}
	}
	for _, c := range Palette {
		if !used[c] {
			return c
		}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}
