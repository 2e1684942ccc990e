package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eskit-go/core/metrics"
	"github.com/codewandler/eskit-go/core/uow"
)

// uowMetrics implements uow.Metrics using Prometheus.
type uowMetrics struct {
	businessDuration *prometheus.HistogramVec
	endDuration      *prometheus.HistogramVec
	slowCommands     *prometheus.CounterVec
	beginsFailed     *prometheus.CounterVec
}

// NewUOWMetrics creates a new Prometheus implementation of uow.Metrics.
func NewUOWMetrics(reg prometheus.Registerer) uow.Metrics {
	m := &uowMetrics{
		businessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eskit_uow_business_duration_seconds",
			Help:    "Business handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		endDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eskit_uow_end_duration_seconds",
			Help:    "End phase latency in seconds, all participants",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		slowCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_uow_slow_commands_total",
			Help: "Total number of invocations over the slow threshold",
		}, []string{"command"}),

		beginsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eskit_uow_begins_failed_total",
			Help: "Total number of failed begin phases",
		}, []string{"command"}),
	}

	reg.MustRegister(
		m.businessDuration,
		m.endDuration,
		m.slowCommands,
		m.beginsFailed,
	)

	return m
}

func (m *uowMetrics) BusinessDuration(command string) metrics.Timer {
	return newTimer(m.businessDuration.WithLabelValues(command))
}

func (m *uowMetrics) EndDuration(command string) metrics.Timer {
	return newTimer(m.endDuration.WithLabelValues(command))
}

func (m *uowMetrics) SlowCommand(command string) {
	m.slowCommands.WithLabelValues(command).Inc()
}

func (m *uowMetrics) BeginFailed(command string) {
	m.beginsFailed.WithLabelValues(command).Inc()
}

var _ uow.Metrics = (*uowMetrics)(nil)
