package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/dago-collab/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Thresholds configures when the service emits warnings
type Thresholds struct {
	MaxConnections int
	MaxLatency     time.Duration
}

// Service records structured collaboration events and metrics
type Service struct {
	metrics    ports.MetricsCollector
	thresholds Thresholds
	logger     *zap.Logger

	mu          sync.Mutex
	connections map[string]int
}

// NewService creates a new monitoring service
func NewService(metrics ports.MetricsCollector, thresholds Thresholds, logger *zap.Logger) *Service {
	return &Service{
		metrics:     metrics,
		thresholds:  thresholds,
		logger:      logger,
		connections: make(map[string]int),
	}
}

// LogEvent emits one structured event
func (s *Service) LogEvent(name string, fields ...zap.Field) {
	s.logger.Info(name, fields...)
}

// RecordMessageReceived counts an inbound message
func (s *Service) RecordMessageReceived(messageType, workflowID string) {
	s.metrics.IncMessagesReceived(messageType, workflowID)
	s.logger.Debug("message_received",
		zap.String("type", messageType),
		zap.String("workflow_id", workflowID))
}

// RecordMessageSent counts an outbound message
func (s *Service) RecordMessageSent(messageType, workflowID string) {
	s.metrics.IncMessagesSent(messageType, workflowID)
}

// RecordLockAcquisition counts a lock attempt and logs its outcome
func (s *Service) RecordLockAcquisition(workflowID, nodeID, userID string, success bool) {
	s.metrics.IncLockAcquisitions(success)
	s.LogEvent("lock_acquisition",
		zap.String("workflow_id", workflowID),
		zap.String("node_id", nodeID),
		zap.String("user_id", userID),
		zap.Bool("success", success))
}

// RecordLockRelease counts released locks
func (s *Service) RecordLockRelease(workflowID, userID string, count int) {
	for i := 0; i < count; i++ {
		s.metrics.IncLockReleases()
	}
	if count > 0 {
		s.LogEvent("lock_release",
			zap.String("workflow_id", workflowID),
			zap.String("user_id", userID),
			zap.Int("count", count))
	}
}

// RecordError counts an error by type and logs it
func (s *Service) RecordError(errorType, workflowID string, err error) {
	s.metrics.IncErrors(errorType)
	fields := []zap.Field{
		zap.String("error_type", errorType),
		zap.String("workflow_id", workflowID),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("collaboration_error", fields...)
}

// RecordConnectionCount updates the per-workflow connection gauge and warns
// when the process-wide total exceeds the configured threshold
func (s *Service) RecordConnectionCount(workflowID string, count int) {
	s.mu.Lock()
	if count <= 0 {
		delete(s.connections, workflowID)
	} else {
		s.connections[workflowID] = count
	}
	total := 0
	for _, n := range s.connections {
		total += n
	}
	s.mu.Unlock()

	s.metrics.SetActiveConnections(workflowID, count)

	if s.thresholds.MaxConnections > 0 && total > s.thresholds.MaxConnections {
		s.logger.Warn("connection count above threshold",
			zap.Int("connections", total),
			zap.Int("threshold", s.thresholds.MaxConnections))
	}
}

// TotalConnections returns the last recorded process-wide connection count
func (s *Service) TotalConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.connections {
		total += n
	}
	return total
}

// RecordSessionDuration observes how long a user stayed connected
func (s *Service) RecordSessionDuration(workflowID, userID string, duration time.Duration) {
	s.metrics.ObserveSessionDuration(duration)
	s.LogEvent("session_ended",
		zap.String("workflow_id", workflowID),
		zap.String("user_id", userID),
		zap.Duration("duration", duration))
}

// Timer measures one operation under a correlation id
type Timer struct {
	service       *Service
	operation     string
	correlationID string
	start         time.Time
}

// StartTimer starts a latency timer under a fresh correlation id
func (s *Service) StartTimer(operation string) *Timer {
	return &Timer{
		service:       s,
		operation:     operation,
		correlationID: uuid.New().String(),
		start:         time.Now(),
	}
}

// CorrelationID returns the id shared by all log lines of this operation
func (t *Timer) CorrelationID() string {
	return t.correlationID
}

// Stop observes the elapsed time and warns above the latency threshold
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.service.metrics.ObserveMessageLatency(t.operation, elapsed)

	if limit := t.service.thresholds.MaxLatency; limit > 0 && elapsed > limit {
		t.service.logger.Warn("message latency above threshold",
			zap.String("operation", t.operation),
			zap.String("correlation_id", t.correlationID),
			zap.Duration("latency", elapsed),
			zap.Duration("threshold", limit))
	}
	return elapsed
}

type correlationKey struct{}

// WithCorrelationID stores a correlation id in ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id stored in ctx, or ""
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Instrument runs fn under a timer, logs the outcome and returns fn's error
// unchanged. The correlation id is available to fn through CorrelationID(ctx).
func (s *Service) Instrument(ctx context.Context, operation string, fn func(ctx context.Context) error, fields ...zap.Field) error {
	timer := s.StartTimer(operation)
	ctx = WithCorrelationID(ctx, timer.CorrelationID())

	err := fn(ctx)
	elapsed := timer.Stop()

	fields = append(fields,
		zap.String("operation", operation),
		zap.String("correlation_id", timer.CorrelationID()),
		zap.Duration("duration", elapsed))

	if err != nil {
		s.metrics.IncErrors(operation)
		s.logger.Error("operation failed", append(fields, zap.Error(err))...)
		return err
	}

	s.logger.Debug("operation completed", fields...)
	return nil
}
