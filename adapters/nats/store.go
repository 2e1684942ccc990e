package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eskit-go/core/es"
)

const defaultSubjectPrefix = "eskit.es"

var codec = jsoniter.ConfigFastest

type EventStoreConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	StreamName    string       // StreamName of the JetStream stream backing the global feed
	SubjectPrefix string       // SubjectPrefix under which per-stream subjects live
}

// EventStore implements es.EventStore on one JetStream stream. The stream's
// sequence number is the global feed position; per-domain-stream subjects
// partition the buckets.
type EventStore struct {
	nc         *natsgo.Conn
	closeNc    closeFunc
	js         jetstream.JetStream
	stream     jetstream.Stream
	log        *slog.Logger
	prefix     string
	streamName string
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "ESKIT"
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	return &EventStore{
		nc:         nc,
		closeNc:    closeNc,
		js:         js,
		stream:     stream,
		log:        log,
		prefix:     prefix,
		streamName: streamName,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	return nil
}

func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func (e *EventStore) subjectFor(bucket, streamID string) string {
	return e.prefix + "." + sanitizeToken(bucket) + "." + sanitizeToken(streamID)
}

func (e *EventStore) GetStream(
	ctx context.Context,
	bucket, streamID string,
	fromVersion int64,
) ([]es.Envelope, error) {
	if bucket == "" || streamID == "" {
		return nil, errors.New("bucket and stream id are required")
	}

	subject := e.subjectFor(bucket, streamID)

	last, err := e.lastEnvelopeForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("%w: %s/%s", es.ErrStreamNotFound, bucket, streamID)
	}
	endSeq := last.Position

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, err
	}

	all, err := e.fetchUntil(ctx, cc, endSeq)
	if err != nil {
		return nil, err
	}

	out := make([]es.Envelope, 0, len(all))
	for _, env := range all {
		if env.Version < fromVersion {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (e *EventStore) fetchUntil(
	ctx context.Context,
	cc jetstream.Consumer,
	endSeq uint64,
) (loaded []es.Envelope, err error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			env, err := e.decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to decode message: %w", err)
			}
			loaded = append(loaded, *env)
			if env.Position >= endSeq {
				return loaded, nil
			}
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}
		if empty {
			return loaded, nil
		}
	}
}

func (e *EventStore) WriteEvents(
	ctx context.Context,
	bucket, streamID string,
	expectedVersion int64,
	events []es.Envelope,
	headers es.Headers,
) (*es.WriteResult, error) {
	if len(events) == 0 {
		return nil, es.ErrNoEvents
	}

	curVersion, err := e.currentVersion(ctx, bucket, streamID)
	if err != nil {
		return nil, err
	}

	// best-effort check; racing writers are caught by the repository's
	// retry loop on the version recorded in the stream
	if curVersion != expectedVersion {
		return nil, fmt.Errorf(
			"%w: expected version %d, got %d (bucket=%s stream=%s)",
			es.ErrConcurrencyConflict, expectedVersion, curVersion, bucket, streamID,
		)
	}

	return e.publish(ctx, bucket, streamID, curVersion, events, headers)
}

func (e *EventStore) AppendEvents(
	ctx context.Context,
	bucket, streamID string,
	events []es.Envelope,
	headers es.Headers,
) (*es.WriteResult, error) {
	if len(events) == 0 {
		return nil, es.ErrNoEvents
	}

	curVersion, err := e.currentVersion(ctx, bucket, streamID)
	if err != nil {
		return nil, err
	}
	return e.publish(ctx, bucket, streamID, curVersion, events, headers)
}

func (e *EventStore) publish(
	ctx context.Context,
	bucket, streamID string,
	curVersion int64,
	events []es.Envelope,
	headers es.Headers,
) (*es.WriteResult, error) {
	var (
		subject  = e.subjectFor(bucket, streamID)
		lastSeq  uint64
		lastVers int64
	)

	for i, env := range events {
		env.Bucket = bucket
		env.StreamID = streamID
		env.Version = curVersion + int64(i) + 1
		env.Headers = headers.Merged(env.Headers)

		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("failed to validate event: %w", err)
		}

		msg := natsgo.NewMsg(subject)
		msg.Header.Set("x-event-type", env.Type)
		msg.Header.Set("x-bucket", bucket)
		msg.Header.Set("x-stream-id", streamID)

		var err error
		msg.Data, err = codec.Marshal(env)
		if err != nil {
			return nil, err
		}

		ackF, err := e.js.PublishMsgAsync(msg, jetstream.WithMsgID(env.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to publish to %s: %w", subject, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-ackF.Err():
			return nil, fmt.Errorf("publish rejected on %s: %w", subject, err)
		case ack := <-ackF.Ok():
			lastSeq = ack.Sequence
			lastVers = env.Version
		}
	}

	e.log.Debug(
		"append",
		slog.String("subject", subject),
		slog.Int("num_events", len(events)),
		slog.Uint64("last_position", lastSeq),
	)

	return &es.WriteResult{LastPosition: lastSeq, LastVersion: lastVers}, nil
}

func (e *EventStore) currentVersion(ctx context.Context, bucket, streamID string) (int64, error) {
	if bucket == "" || streamID == "" {
		return 0, errors.New("bucket and stream id are required")
	}
	last, err := e.lastEnvelopeForSubject(ctx, e.subjectFor(bucket, streamID))
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.Version, nil
}

func (e *EventStore) lastEnvelopeForSubject(ctx context.Context, subject string) (*es.Envelope, error) {
	lm, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}

	env := &es.Envelope{}
	if err := codec.Unmarshal(lm.Data, env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last message for %q: %w", subject, err)
	}
	env.Position = lm.Sequence
	return env, nil
}

func (e *EventStore) decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}

	env := &es.Envelope{}
	if err := codec.Unmarshal(msg.Data(), env); err != nil {
		return nil, err
	}
	env.Position = md.Sequence.Stream
	return env, nil
}

func (e *EventStore) SubscribeFromPosition(
	ctx context.Context,
	from uint64,
	page es.PageConfig,
	onEvent es.EventFunc,
	onLive es.LiveFunc,
	onDropped es.DroppedFunc,
) (es.Subscription, error) {
	info, err := e.stream.Info(ctx)
	if err != nil {
		return nil, err
	}
	liveAt := info.State.LastSeq

	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{e.prefix + ".>"},
	}
	if from > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = from + 1
	}

	cc, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed consumer: %w", err)
	}

	sub := &jsSubscription{
		ch:        make(chan es.Envelope, page.BufferSize()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onEvent:   onEvent,
		onLive:    onLive,
		onDropped: onDropped,
		liveAt:    liveAt,
		isLive:    from >= liveAt,
	}

	consumeCtx, err := cc.Consume(func(msg jetstream.Msg) {
		env, err := e.decodeMsg(msg)
		if err != nil {
			e.log.Error("failed to decode feed message", slog.Any("error", err))
			return
		}
		select {
		case sub.ch <- *env:
		case <-sub.stop:
		case <-ctx.Done():
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, natsgo.ErrConnectionClosed) {
			sub.signalStop(es.DropReasonConnectionClosed, err)
		}
	}))
	if err != nil {
		return nil, err
	}
	sub.drain = consumeCtx.Drain

	go sub.run(ctx)

	return sub, nil
}

var _ es.EventStore = (*EventStore)(nil)

// === Subscription ===

type jsSubscription struct {
	ch         chan es.Envelope
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	drain      func()
	dropReason string
	dropErr    error

	onEvent   es.EventFunc
	onLive    es.LiveFunc
	onDropped es.DroppedFunc
	liveAt    uint64
	isLive    bool
}

func (s *jsSubscription) signalStop(reason string, err error) {
	s.stopOnce.Do(func() {
		s.dropReason = reason
		s.dropErr = err
		close(s.stop)
	})
}

func (s *jsSubscription) Cancel() {
	s.signalStop(es.DropReasonCanceled, nil)
	select {
	case <-s.done:
	case <-time.After(natsgo.DefaultTimeout):
	}
}

func (s *jsSubscription) Done() <-chan struct{} { return s.done }

func (s *jsSubscription) run(ctx context.Context) {
	defer func() {
		if s.drain != nil {
			s.drain()
		}
		if s.onDropped != nil {
			s.onDropped(s.dropReason, s.dropErr)
		}
		close(s.done)
	}()

	if s.isLive && s.onLive != nil {
		s.onLive()
	}

	for {
		select {
		case <-ctx.Done():
			s.signalStop(es.DropReasonCanceled, ctx.Err())
			return
		case <-s.stop:
			return
		case env := <-s.ch:
			if err := s.onEvent(env); err != nil {
				reason := es.DropReasonHandlerFailed
				if errors.Is(err, es.ErrSubscriptionCanceled) || errors.Is(err, context.Canceled) {
					reason = es.DropReasonCanceled
				}
				s.signalStop(reason, err)
				return
			}
			if !s.isLive && env.Position >= s.liveAt {
				s.isLive = true
				if s.onLive != nil {
					s.onLive()
				}
			}
		}
	}
}

var _ es.Subscription = (*jsSubscription)(nil)
