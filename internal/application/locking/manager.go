package locking

import (
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
	"go.uber.org/zap"
)

// Manager holds the node locks of every workflow
type Manager struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]map[string]*domain.NodeLock
}

// NewManager creates an empty lock manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]map[string]*domain.NodeLock),
	}
}

// WithClock replaces the time source, used by tests
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Acquire takes the lock on nodeID for userID. A live lock held by the same
// user is refreshed with a new expiry; a live lock held by anyone else makes
// the call fail. A non-positive duration uses domain.DefaultLockDuration.
func (m *Manager) Acquire(workflowID, nodeID, userID, userName string, duration time.Duration) bool {
	if duration <= 0 {
		duration = domain.DefaultLockDuration
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := m.locks[workflowID]
	if nodes == nil {
		nodes = make(map[string]*domain.NodeLock)
		m.locks[workflowID] = nodes
	}

	if existing, ok := nodes[nodeID]; ok && !existing.IsExpired(now) {
		if existing.OwnerID != userID {
			return false
		}
		existing.ExpiresAt = now.Add(duration)
		if userName != "" {
			existing.OwnerName = userName
		}
		m.logger.Debug("lock refreshed",
			zap.String("workflow_id", workflowID),
			zap.String("node_id", nodeID),
			zap.String("user_id", userID))
		return true
	}

	nodes[nodeID] = &domain.NodeLock{
		NodeID:     nodeID,
		OwnerID:    userID,
		OwnerName:  userName,
		AcquiredAt: now,
		ExpiresAt:  now.Add(duration),
	}

	m.logger.Debug("lock acquired",
		zap.String("workflow_id", workflowID),
		zap.String("node_id", nodeID),
		zap.String("user_id", userID),
		zap.Duration("duration", duration))
	return true
}

// Release drops the lock on nodeID if userID owns it. Releasing an expired
// lock held by userID succeeds; releasing an absent lock fails.
func (m *Manager) Release(workflowID, nodeID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := m.locks[workflowID]
	lock, ok := nodes[nodeID]
	if !ok || lock.OwnerID != userID {
		return false
	}

	m.remove(workflowID, nodeID)
	return true
}

// ReleaseAllForUser drops every lock userID holds in workflowID and returns
// how many live locks were released
func (m *Manager) ReleaseAllForUser(workflowID, userID string) int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for nodeID, lock := range m.locks[workflowID] {
		if lock.OwnerID != userID {
			continue
		}
		if !lock.IsExpired(now) {
			released++
		}
		m.remove(workflowID, nodeID)
	}
	return released
}

// IsLocked reports whether nodeID has a live lock
func (m *Manager) IsLocked(workflowID, nodeID string) bool {
	return m.GetLock(workflowID, nodeID) != nil
}

// GetOwner returns the owner of the live lock on nodeID
func (m *Manager) GetOwner(workflowID, nodeID string) (string, bool) {
	lock := m.GetLock(workflowID, nodeID)
	if lock == nil {
		return "", false
	}
	return lock.OwnerID, true
}

// GetLock returns a copy of the live lock on nodeID, or nil
func (m *Manager) GetLock(workflowID, nodeID string) *domain.NodeLock {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[workflowID][nodeID]
	if !ok {
		return nil
	}
	if lock.IsExpired(now) {
		m.remove(workflowID, nodeID)
		return nil
	}
	out := *lock
	return &out
}

// ListWorkflowLocks returns the live locks of a workflow ordered by node id
func (m *Manager) ListWorkflowLocks(workflowID string) []domain.NodeLock {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.NodeLock, 0, len(m.locks[workflowID]))
	for nodeID, lock := range m.locks[workflowID] {
		if lock.IsExpired(now) {
			m.remove(workflowID, nodeID)
			continue
		}
		out = append(out, *lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// SweepExpired removes every expired lock and returns how many were removed
func (m *Manager) SweepExpired() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for workflowID, nodes := range m.locks {
		for nodeID, lock := range nodes {
			if lock.IsExpired(now) {
				m.remove(workflowID, nodeID)
				swept++
			}
		}
	}
	if swept > 0 {
		m.logger.Debug("expired locks swept", zap.Int("count", swept))
	}
	return swept
}

// Count returns the number of stored locks, expired ones included
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, nodes := range m.locks {
		total += len(nodes)
	}
	return total
}

// remove must be called with mu held
func (m *Manager) remove(workflowID, nodeID string) {
	nodes := m.locks[workflowID]
	delete(nodes, nodeID)
	if len(nodes) == 0 {
		delete(m.locks, workflowID)
	}
}
