package es

import "github.com/codewandler/eskit-go/core/metrics"

// Metrics is the instrumentation surface of the event-sourcing core.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Repository
	StreamLoadDuration(bucket string) metrics.Timer
	CommitDuration(bucket string) metrics.Timer
	EventsWritten(bucket string, count int)
	WriteConflict(bucket string)
	WriteRetried(bucket string, attempt int)
	WriteAbandoned(bucket string)

	// Subscriber
	EventForwarded(consumer string)
	EventSkipped(consumer string)
	SubscriptionDropped(consumer, reason string)
	CheckpointPosition(consumer string, position uint64)
}

type nopMetrics struct{}

func (nopMetrics) StreamLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommitDuration(string) metrics.Timer     { return metrics.NopTimer() }
func (nopMetrics) EventsWritten(string, int)               {}
func (nopMetrics) WriteConflict(string)                    {}
func (nopMetrics) WriteRetried(string, int)                {}
func (nopMetrics) WriteAbandoned(string)                   {}

func (nopMetrics) EventForwarded(string)              {}
func (nopMetrics) EventSkipped(string)                {}
func (nopMetrics) SubscriptionDropped(string, string) {}
func (nopMetrics) CheckpointPosition(string, uint64)  {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
