// Package monitoring implements the collaboration monitoring service:
// structured events on zap, counters/gauges/histograms on a
// ports.MetricsCollector, and threshold warnings for connection counts and
// message latency.
//
// Instrument wraps any call with a timer, an outcome log line and a latency
// observation:
//
//	err := mon.Instrument(ctx, "apply_change", func(ctx context.Context) error {
//	    return svc.Apply(ctx, change)
//	}, zap.String("workflow_id", id))
package monitoring
