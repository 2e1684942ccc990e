package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eskit-go/core/es"
	"github.com/codewandler/eskit-go/core/metrics"
)

// esMetrics implements es.Metrics using Prometheus.
type esMetrics struct {
	// Repository metrics
	streamLoadDuration *prometheus.HistogramVec
	commitDuration     *prometheus.HistogramVec
	eventsWritten      *prometheus.CounterVec
	writeConflicts     *prometheus.CounterVec
	writeRetries       *prometheus.CounterVec
	writesAbandoned    *prometheus.CounterVec

	// Subscriber metrics
	eventsForwarded      *prometheus.CounterVec
	eventsSkipped        *prometheus.CounterVec
	subscriptionsDropped *prometheus.CounterVec
	checkpointPosition   *prometheus.GaugeVec
}

// NewESMetrics creates a new Prometheus implementation of es.Metrics.
func NewESMetrics(reg prometheus.Registerer) es.Metrics {
	m := &esMetrics{
		streamLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eskit_es_stream_load_duration_seconds",
			Help:    "Stream load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"bucket"}),

		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eskit_es_commit_duration_seconds",
			Help:    "Per-object commit latency in seconds, retries included",
			Buckets: defaultBuckets,
		}, []string{"bucket"}),

		eventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_es_events_written_total",
			Help: "Total number of events written",
		}, []string{"bucket"}),

		writeConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_es_write_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, []string{"bucket"}),

		writeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_es_write_retries_total",
			Help: "Total number of write retries after a conflict",
		}, []string{"bucket", "attempt"}),

		writesAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_es_writes_abandoned_total",
			Help: "Total number of object writes given up on",
		}, []string{"bucket"}),

		eventsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_es_events_forwarded_total",
			Help: "Total number of events forwarded to the transport",
		}, []string{"consumer"}),

		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_es_events_skipped_total",
			Help: "Total number of system or empty events skipped",
		}, []string{"consumer"}),

		subscriptionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_es_subscriptions_dropped_total",
			Help: "Total number of subscription drops",
		}, []string{"consumer", "reason"}),

		checkpointPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eskit_es_checkpoint_position",
			Help: "Last checkpointed feed position",
		}, []string{"consumer"}),
	}

	reg.MustRegister(
		m.streamLoadDuration,
		m.commitDuration,
		m.eventsWritten,
		m.writeConflicts,
		m.writeRetries,
		m.writesAbandoned,
		m.eventsForwarded,
		m.eventsSkipped,
		m.subscriptionsDropped,
		m.checkpointPosition,
	)

	return m
}

func (m *esMetrics) StreamLoadDuration(bucket string) metrics.Timer {
	return newTimer(m.streamLoadDuration.WithLabelValues(bucket))
}

func (m *esMetrics) CommitDuration(bucket string) metrics.Timer {
	return newTimer(m.commitDuration.WithLabelValues(bucket))
}

func (m *esMetrics) EventsWritten(bucket string, count int) {
	m.eventsWritten.WithLabelValues(bucket).Add(float64(count))
}

func (m *esMetrics) WriteConflict(bucket string) {
	m.writeConflicts.WithLabelValues(bucket).Inc()
}

func (m *esMetrics) WriteRetried(bucket string, attempt int) {
	m.writeRetries.WithLabelValues(bucket, strconv.Itoa(attempt)).Inc()
}

func (m *esMetrics) WriteAbandoned(bucket string) {
	m.writesAbandoned.WithLabelValues(bucket).Inc()
}

func (m *esMetrics) EventForwarded(consumer string) {
	m.eventsForwarded.WithLabelValues(consumer).Inc()
}

func (m *esMetrics) EventSkipped(consumer string) {
	m.eventsSkipped.WithLabelValues(consumer).Inc()
}

func (m *esMetrics) SubscriptionDropped(consumer, reason string) {
	m.subscriptionsDropped.WithLabelValues(consumer, reason).Inc()
}

func (m *esMetrics) CheckpointPosition(consumer string, position uint64) {
	m.checkpointPosition.WithLabelValues(consumer).Set(float64(position))
}

var _ es.Metrics = (*esMetrics)(nil)
