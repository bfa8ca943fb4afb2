package ports

import "time"

// MetricsCollector records collaboration metrics
type MetricsCollector interface {
	IncMessagesReceived(messageType, workflowID string)
	IncMessagesSent(messageType, workflowID string)
	IncLockAcquisitions(success bool)
	IncLockReleases()
	IncErrors(errorType string)
	SetActiveConnections(workflowID string, count int)
	ObserveMessageLatency(messageType string, duration time.Duration)
	ObserveSessionDuration(duration time.Duration)
}
