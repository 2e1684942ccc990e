package es

import "time"

const (
	defaultRetryAttempts = 5
	defaultBackoffUnit   = 75 * time.Millisecond
	defaultMaxWriters    = 8
)

type (
	valueOption[T any] struct{ v T }

	RetryAttemptsOption valueOption[int]
	BackoffUnitOption   valueOption[time.Duration]
	MaxWritersOption    valueOption[int]
	MetricsOption       valueOption[Metrics]

	repoOpts struct {
		attempts    int
		backoffUnit time.Duration
		maxWriters  int
		metrics     Metrics
	}

	RepositoryOption interface {
		applyToRepository(*repoOpts)
	}
)

// WithRetryAttempts caps retries of a conflicting write (default 5).
func WithRetryAttempts(attempts int) RetryAttemptsOption {
	return RetryAttemptsOption{v: attempts}
}

// WithBackoffUnit sets the backoff base. The delay before retry n is
// unit × ⌈n/2⌉ (default 75ms).
func WithBackoffUnit(unit time.Duration) BackoffUnitOption {
	return BackoffUnitOption{v: unit}
}

// WithMaxConcurrentWrites bounds the commit fan-out worker pool (default 8).
func WithMaxConcurrentWrites(n int) MaxWritersOption {
	return MaxWritersOption{v: n}
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m Metrics) MetricsOption { return MetricsOption{v: m} }

func (o RetryAttemptsOption) applyToRepository(opts *repoOpts) {
	if o.v > 0 {
		opts.attempts = o.v
	}
}

func (o BackoffUnitOption) applyToRepository(opts *repoOpts) {
	if o.v > 0 {
		opts.backoffUnit = o.v
	}
}

func (o MaxWritersOption) applyToRepository(opts *repoOpts) {
	if o.v > 0 {
		opts.maxWriters = o.v
	}
}

func (o MetricsOption) applyToRepository(opts *repoOpts) { opts.metrics = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		attempts:    defaultRetryAttempts,
		backoffUnit: defaultBackoffUnit,
		maxWriters:  defaultMaxWriters,
		metrics:     NopMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}
