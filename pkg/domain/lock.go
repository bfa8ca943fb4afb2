package domain

import "time"

// DefaultLockDuration is the lock TTL used when none is configured
const DefaultLockDuration = 300 * time.Second

// NodeLock is an exclusive, time-bounded claim on one node of a workflow.
// A lock past ExpiresAt is logically absent.
type NodeLock struct {
	NodeID     string    `json:"node_id"`
	OwnerID    string    `json:"owner_id"`
	OwnerName  string    `json:"owner_name"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired returns true if the lock has expired at the given instant
func (l *NodeLock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
