package uow

import "github.com/codewandler/eskit-go/core/metrics"

// Metrics is the instrumentation surface of the orchestrator.
type Metrics interface {
	BusinessDuration(command string) metrics.Timer
	EndDuration(command string) metrics.Timer
	SlowCommand(command string)
	BeginFailed(command string)
}

type nopMetrics struct{}

func (nopMetrics) BusinessDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EndDuration(string) metrics.Timer      { return metrics.NopTimer() }
func (nopMetrics) SlowCommand(string)                    {}
func (nopMetrics) BeginFailed(string)                    {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
