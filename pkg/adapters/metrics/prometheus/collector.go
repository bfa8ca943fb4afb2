package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	lockAcquisitions  *prometheus.CounterVec
	lockReleases      prometheus.Counter
	errors            *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	messageLatency    *prometheus.HistogramVec
	sessionDuration   prometheus.Histogram
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// Pass prometheus.DefaultRegisterer to expose the metrics through promhttp.Handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_messages_received_total",
				Help: "Total number of collaboration messages received",
			},
			[]string{"type", "workflow_id"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_messages_sent_total",
				Help: "Total number of collaboration messages sent",
			},
			[]string{"type", "workflow_id"},
		),
		lockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_lock_acquisitions_total",
				Help: "Total number of node lock acquisition attempts",
			},
			[]string{"success"},
		),
		lockReleases: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "collab_lock_releases_total",
				Help: "Total number of node locks released",
			},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_errors_total",
				Help: "Total number of collaboration errors",
			},
			[]string{"error_type"},
		),
		activeConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collab_active_connections",
				Help: "Current number of WebSocket connections per workflow",
			},
			[]string{"workflow_id"},
		),
		messageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collab_message_processing_seconds",
				Help:    "Message processing latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"type"},
		),
		sessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collab_session_duration_seconds",
				Help:    "Duration of collaboration sessions in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
		),
	}
}

// IncMessagesReceived increments the count of received messages
func (c *Collector) IncMessagesReceived(messageType, workflowID string) {
	c.messagesReceived.WithLabelValues(messageType, workflowID).Inc()
}

// IncMessagesSent increments the count of sent messages
func (c *Collector) IncMessagesSent(messageType, workflowID string) {
	c.messagesSent.WithLabelValues(messageType, workflowID).Inc()
}

// IncLockAcquisitions increments the count of lock attempts by outcome
func (c *Collector) IncLockAcquisitions(success bool) {
	c.lockAcquisitions.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// IncLockReleases increments the count of released locks
func (c *Collector) IncLockReleases() {
	c.lockReleases.Inc()
}

// IncErrors increments the count of errors by type
func (c *Collector) IncErrors(errorType string) {
	c.errors.WithLabelValues(errorType).Inc()
}

// SetActiveConnections sets the live connection count for a workflow.
// A zero count drops the series so closed rooms do not linger.
func (c *Collector) SetActiveConnections(workflowID string, count int) {
	if count <= 0 {
		c.activeConnections.DeleteLabelValues(workflowID)
		return
	}
	c.activeConnections.WithLabelValues(workflowID).Set(float64(count))
}

// ObserveMessageLatency records how long one message took to process
func (c *Collector) ObserveMessageLatency(messageType string, duration time.Duration) {
	c.messageLatency.WithLabelValues(messageType).Observe(duration.Seconds())
}

// ObserveSessionDuration records the lifetime of one connection
func (c *Collector) ObserveSessionDuration(duration time.Duration) {
	c.sessionDuration.Observe(duration.Seconds())
}
