package uow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/eskit-go/core/bus"
)

const defaultSlowThreshold = 500 * time.Millisecond

type (
	orchestratorOpts struct {
		threshold time.Duration
		metrics   Metrics
	}

	OrchestratorOption interface {
		applyToOrchestrator(*orchestratorOpts)
	}

	SlowThresholdOption struct{ v time.Duration }
	MetricsOption       struct{ v Metrics }
)

// WithSlowThreshold sets the latency above which a command type is marked
// slow (default 500ms).
func WithSlowThreshold(d time.Duration) SlowThresholdOption { return SlowThresholdOption{v: d} }

// WithMetrics sets the metrics implementation.
func WithMetrics(m Metrics) MetricsOption { return MetricsOption{v: m} }

func (o SlowThresholdOption) applyToOrchestrator(opts *orchestratorOpts) {
	if o.v > 0 {
		opts.threshold = o.v
	}
}
func (o MetricsOption) applyToOrchestrator(opts *orchestratorOpts) { opts.metrics = o.v }

// Resolver returns the participants registered for one invocation, in
// resolution order, freshly instantiated by the host container. An empty
// set is valid.
type Resolver func() []Participant

// Orchestrator is the pipeline stage wrapping command processing with
// begin/commit/rollback semantics across all registered participants.
type Orchestrator struct {
	log       *slog.Logger
	resolve   Resolver
	slow      *SlowRegistry
	threshold time.Duration
	metrics   Metrics
}

func NewOrchestrator(log *slog.Logger, resolve Resolver, slow *SlowRegistry, opts ...OrchestratorOption) *Orchestrator {
	options := orchestratorOpts{
		threshold: defaultSlowThreshold,
		metrics:   NopMetrics(),
	}
	for _, opt := range opts {
		opt.applyToOrchestrator(&options)
	}

	return &Orchestrator{
		log:       log.With(slog.String("pipeline", "uow")),
		resolve:   resolve,
		slow:      slow,
		threshold: options.threshold,
		metrics:   options.metrics,
	}
}

// Process wraps one inbound message. Non-command messages pass through to
// next unchanged.
func (o *Orchestrator) Process(ctx context.Context, msg bus.Message, invCtx *bus.Context, next func() error) error {
	if msg.Kind != bus.KindCommand {
		return next()
	}

	log := o.log.With(slog.String("command", msg.Type))

	// one-shot elevated verbosity after a slow occurrence
	logAt := log.Debug
	if o.slow.Take(msg.Type) {
		logAt = log.Info
		logAt("command was slow last time, verbose logging for this occurrence")
	}

	retries := invCtx.Int(bus.ExtRetries, 0)
	participants := o.resolve()
	for _, p := range participants {
		p.SetRetryCount(retries)
	}

	logAt("begin", slog.Int("participants", len(participants)))
	for _, p := range participants {
		if err := p.Begin(ctx); err != nil {
			// nothing committed yet, no End calls
			o.metrics.BeginFailed(msg.Type)
			return fmt.Errorf("failed to begin unit of work %T: %w", p, err)
		}
	}

	businessTimer := o.metrics.BusinessDuration(msg.Type)
	businessAt := time.Now()
	err := next()
	businessElapsed := time.Since(businessAt)
	businessTimer.ObserveDuration()

	endTimer := o.metrics.EndDuration(msg.Type)
	endAt := time.Now()
	err = o.endAll(ctx, participants, err, logAt)
	endElapsed := time.Since(endAt)
	endTimer.ObserveDuration()

	if businessElapsed > o.threshold || endElapsed > o.threshold {
		o.slow.Mark(msg.Type)
		o.metrics.SlowCommand(msg.Type)
		log.Warn(
			"slow command",
			slog.Duration("business", businessElapsed),
			slog.Duration("end", endElapsed),
			slog.Duration("threshold", o.threshold),
		)
	} else {
		logAt("processed", slog.Duration("business", businessElapsed), slog.Duration("end", endElapsed))
	}

	return err
}

// endAll attempts End on every participant exactly once, in reverse
// resolution order with terminal participants deferred to the absolute
// last. Failures never prevent the remaining participants from a cleanup
// attempt; they are collected and combined with the trigger.
func (o *Orchestrator) endAll(ctx context.Context, participants []Participant, failure error, logAt func(string, ...any)) error {
	ordered := endOrder(participants)

	if failure == nil {
		var (
			trigger error
			cleanup []error
		)
		for _, p := range ordered {
			err := p.End(ctx, trigger)
			if err == nil {
				continue
			}
			logAt("participant end failed", slog.String("participant", fmt.Sprintf("%T", p)), slog.Any("error", err))
			if trigger == nil {
				trigger = err
			} else {
				cleanup = append(cleanup, err)
			}
		}
		return combine(trigger, cleanup)
	}

	var cleanup []error
	for _, p := range ordered {
		if err := p.End(ctx, failure); err != nil {
			logAt("participant cleanup failed", slog.String("participant", fmt.Sprintf("%T", p)), slog.Any("error", err))
			cleanup = append(cleanup, err)
		}
	}
	return combine(failure, cleanup)
}

// endOrder reverses resolution order and moves terminal participants to the
// end, so commit-capable participants observe all other side effects first.
func endOrder(participants []Participant) []Participant {
	out := make([]Participant, 0, len(participants))
	var terminal []Participant
	for i := len(participants) - 1; i >= 0; i-- {
		p := participants[i]
		if p.Priority() == Terminal {
			terminal = append(terminal, p)
			continue
		}
		out = append(out, p)
	}
	return append(out, terminal...)
}

var _ bus.Middleware = (*Orchestrator)(nil)
