// Package metrics defines small instrumentation interfaces so core packages
// can be observed without depending on a concrete backend. The Prometheus
// implementation lives in adapters/prometheus.
package metrics

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge goes up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram records observations into buckets.
type Histogram interface {
	Observe(value float64)
}

// Timer records the elapsed time of one operation:
//
//	defer m.CommitDuration("orders").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
