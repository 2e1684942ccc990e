package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/eskit-go/core/bus"
)

// SubscriptionState tracks the lifecycle of a durable subscription.
type SubscriptionState int32

const (
	StateNotStarted SubscriptionState = iota
	StateCatchingUp
	StateLive
	StateDropped
)

func (s SubscriptionState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Transport headers attached to every forwarded event.
const (
	HeaderCommitPosition = "commit-position"
	HeaderEntityType     = "entity-type"
	HeaderEventVersion   = "event-version"
	HeaderOccurredAt     = "occurred-at"
)

// Subscriber tails the store's global feed from a consumer's saved
// checkpoint, decodes committed events and republishes them to the
// messaging transport, pinned to this instance. It does not reconnect by
// itself; after a drop the host decides when to call Subscribe again.
type Subscriber struct {
	log       *slog.Logger
	store     EventStore
	cps       CheckpointStore
	decoder   Decoder
	transport bus.Transport
	opts      subscriberOpts

	state atomic.Int32

	mu  sync.Mutex
	sub Subscription
}

func NewSubscriber(
	log *slog.Logger,
	store EventStore,
	cps CheckpointStore,
	decoder Decoder,
	transport bus.Transport,
	opts ...SubscriberOption,
) *Subscriber {
	options := newSubscriberOpts(opts...)
	return &Subscriber{
		log:       log.With(slog.String("subscriber", "durable")),
		store:     store,
		cps:       cps,
		decoder:   decoder,
		transport: transport,
		opts:      options,
	}
}

func (s *Subscriber) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

func (s *Subscriber) IsLive() bool { return s.State() == StateLive }

// Subscribe reads the consumer's last checkpoint and opens a catch-up
// subscription strictly after it. A fresh call after a drop restarts from
// the last saved position; downstream consumers must tolerate redelivery
// at or after the checkpoint.
func (s *Subscriber) Subscribe(ctx context.Context, consumer string) error {
	switch s.State() {
	case StateNotStarted, StateDropped:
	default:
		return fmt.Errorf("subscription for %s already running (%s)", consumer, s.State())
	}

	position, err := s.cps.Load(ctx, consumer)
	if err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			return err
		}
		position = 0
	}

	log := s.log.With(slog.String("consumer", consumer))
	log.Info(
		"subscribing",
		slog.Uint64("from_position", position),
		slog.Int("page_size", s.opts.page.ReadBatch()),
		slog.Int("buffer", s.opts.page.BufferSize()),
	)

	s.state.Store(int32(StateCatchingUp))

	sub, err := s.store.SubscribeFromPosition(
		ctx,
		position,
		s.opts.page,
		func(env Envelope) error { return s.handle(ctx, log, consumer, env) },
		func() { s.live(log) },
		func(reason string, cause error) { s.dropped(log, consumer, reason, cause) },
	)
	if err != nil {
		s.state.Store(int32(StateDropped))
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop cancels the current subscription. No events are delivered and no
// checkpoints are written after it returns.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (s *Subscriber) handle(ctx context.Context, log *slog.Logger, consumer string, env Envelope) error {
	if env.IsSystem() {
		s.opts.metrics.EventSkipped(consumer)
		return nil
	}

	payload, err := s.decoder.Decode(env)
	if err != nil {
		// exceptional, surfaces on the subscription
		return fmt.Errorf("failed to decode event at position %d: %w", env.Position, err)
	}
	if payload == nil {
		// infrastructure-internal marker, not an error
		log.Debug("skipping empty payload", slog.Uint64("position", env.Position), slog.String("type", env.Type))
		s.opts.metrics.EventSkipped(consumer)
		return nil
	}

	headers := map[string]string{
		HeaderCommitPosition: strconv.FormatUint(env.Position, 10),
		HeaderEntityType:     env.EntityType,
		HeaderEventVersion:   strconv.FormatInt(env.Version, 10),
		HeaderOccurredAt:     env.OccurredAt.Format(time.RFC3339Nano),
	}
	for k, v := range env.Headers {
		headers[k] = v
	}

	msg := bus.Message{
		ID:      env.ID,
		Kind:    bus.KindEvent,
		Type:    env.Type,
		Payload: payload,
		Headers: headers,
	}

	if err := s.transport.SendLocal(ctx, msg); err != nil {
		if errors.Is(err, ErrSubscriptionCanceled) || errors.Is(err, context.Canceled) {
			return err
		}
		// not swallowed: the drop forces a restart from the checkpoint so
		// the event is redelivered
		return fmt.Errorf("failed to forward event at position %d: %w", env.Position, err)
	}

	if err := s.cps.Save(ctx, consumer, env.Position); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", consumer, err)
	}

	s.opts.metrics.EventForwarded(consumer)
	s.opts.metrics.CheckpointPosition(consumer, env.Position)
	return nil
}

func (s *Subscriber) live(log *slog.Logger) {
	s.state.Store(int32(StateLive))
	log.Info("live")
	if s.opts.onLive != nil {
		s.opts.onLive()
	}
}

func (s *Subscriber) dropped(log *slog.Logger, consumer, reason string, cause error) {
	s.state.Store(int32(StateDropped))
	log.Warn("subscription dropped", slog.String("reason", reason), slog.Any("error", cause))
	s.opts.metrics.SubscriptionDropped(consumer, reason)
	if s.opts.onDropped != nil {
		s.opts.onDropped(reason, cause)
	}
}
