package memory

import (
	"strconv"
	"sync"
	"time"
)

// Collector implements MetricsCollector in memory.
// This is for testing purposes and for running without a metrics endpoint.
type Collector struct {
	mu sync.Mutex

	received          map[string]int
	sent              map[string]int
	lockAcquisitions  map[string]int
	lockReleases      int
	errors            map[string]int
	activeConnections map[string]int
	latencies         map[string][]time.Duration
	sessionDurations  []time.Duration
}

// NewCollector creates a new in-memory collector
func NewCollector() *Collector {
	return &Collector{
		received:          make(map[string]int),
		sent:              make(map[string]int),
		lockAcquisitions:  make(map[string]int),
		errors:            make(map[string]int),
		activeConnections: make(map[string]int),
		latencies:         make(map[string][]time.Duration),
	}
}

func key(messageType, workflowID string) string {
	return messageType + "/" + workflowID
}

func (c *Collector) IncMessagesReceived(messageType, workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received[key(messageType, workflowID)]++
}

func (c *Collector) IncMessagesSent(messageType, workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[key(messageType, workflowID)]++
}

func (c *Collector) IncLockAcquisitions(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockAcquisitions[strconv.FormatBool(success)]++
}

func (c *Collector) IncLockReleases() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockReleases++
}

func (c *Collector) IncErrors(errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[errorType]++
}

func (c *Collector) SetActiveConnections(workflowID string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count <= 0 {
		delete(c.activeConnections, workflowID)
		return
	}
	c.activeConnections[workflowID] = count
}

func (c *Collector) ObserveMessageLatency(messageType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[messageType] = append(c.latencies[messageType], duration)
}

func (c *Collector) ObserveSessionDuration(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionDurations = append(c.sessionDurations, duration)
}

// Received returns how many messages of a type were received for a workflow
func (c *Collector) Received(messageType, workflowID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received[key(messageType, workflowID)]
}

// Sent returns how many messages of a type were sent for a workflow
func (c *Collector) Sent(messageType, workflowID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[key(messageType, workflowID)]
}

// LockAcquisitions returns the attempt count for an outcome
func (c *Collector) LockAcquisitions(success bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockAcquisitions[strconv.FormatBool(success)]
}

// LockReleases returns the number of released locks
func (c *Collector) LockReleases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockReleases
}

// Errors returns the error count for a type
func (c *Collector) Errors(errorType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors[errorType]
}

// ActiveConnections returns the gauge value for a workflow
func (c *Collector) ActiveConnections(workflowID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeConnections[workflowID]
}

// Latencies returns the observed latencies for a message type
func (c *Collector) Latencies(messageType string) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.latencies[messageType]...)
}

// SessionDurations returns all observed session durations
func (c *Collector) SessionDurations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sessionDurations...)
}
