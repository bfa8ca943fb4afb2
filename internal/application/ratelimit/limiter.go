package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter gates inbound messages per user
type Limiter interface {
	// CheckRateLimit records one message for userID and reports whether it is allowed
	CheckRateLimit(ctx context.Context, userID string) bool
	// ResetUser clears the user's window
	ResetUser(ctx context.Context, userID string)
	// CleanupOldEntries drops users idle for longer than maxAge and returns how many were dropped
	CleanupOldEntries(ctx context.Context, maxAge time.Duration) int
}

// SlidingWindow is an in-memory sliding window limiter
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewSlidingWindow creates a limiter allowing limit messages per window
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source, for tests
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.now = now
	return l
}

// CheckRateLimit prunes entries older than the window, rejects at capacity,
// and otherwise records the message
func (l *SlidingWindow) CheckRateLimit(_ context.Context, userID string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := prune(l.entries[userID], now.Add(-l.window))
	if len(stamps) >= l.limit {
		l.entries[userID] = stamps
		return false
	}

	l.entries[userID] = append(stamps, now)
	return true
}

// ResetUser clears a user's window
func (l *SlidingWindow) ResetUser(_ context.Context, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, userID)
}

// CleanupOldEntries drops every user whose latest message is older than maxAge
func (l *SlidingWindow) CleanupOldEntries(_ context.Context, maxAge time.Duration) int {
	now := l.now()
	cutoff := now.Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for userID, stamps := range l.entries {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.entries, userID)
			removed++
			continue
		}
		l.entries[userID] = prune(stamps, now.Add(-l.window))
	}
	return removed
}

// TrackedUsers returns the number of users with a live window
func (l *SlidingWindow) TrackedUsers() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// prune drops timestamps at or before cutoff; stamps are in ascending order
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
