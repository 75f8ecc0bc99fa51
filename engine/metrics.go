package engine

import "time"

// MetricsCollector provides observability hooks for the synchronizer.
type MetricsCollector interface {
	// RecordActionDuration records how long one action pipeline took.
	RecordActionDuration(d time.Duration)

	// RecordActionOutcome records an applied or rejected action, with the
	// rejection kind for rejected ones.
	RecordActionOutcome(applied bool, kind string)

	// RecordConflicts records how many actions lost a conflict resolution
	// round.
	RecordConflicts(count int)

	// RecordResync records a sync_request outcome (upToDate, missingEvents,
	// fullState, error).
	RecordResync(status string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordActionDuration(d time.Duration)      {}
func (*NoOpMetricsCollector) RecordActionOutcome(applied bool, k string) {}
func (*NoOpMetricsCollector) RecordConflicts(count int)                  {}
func (*NoOpMetricsCollector) RecordResync(status string)                 {}
