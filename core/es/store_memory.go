package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InMemoryStore is a correct (optimistic, globally ordered) store for tests
// and dev setups. The global feed is a single slice guarded by one mutex;
// subscriptions get their own delivery goroutine so feed order is preserved
// per subscriber.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	pos     uint64
	streams map[string][]Envelope
	feed    []Envelope
	subs    map[string]*memSubscription
	closed  bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		subs:    map[string]*memSubscription{},
	}
}

func (s *InMemoryStore) streamKey(bucket, streamID string) string {
	return bucket + "/" + streamID
}

func (s *InMemoryStore) GetStream(
	_ context.Context,
	bucket, streamID string,
	fromVersion int64,
) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.streams[s.streamKey(bucket, streamID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrStreamNotFound, bucket, streamID)
	}

	out := make([]Envelope, 0, len(events))
	for _, e := range events {
		if e.Version < fromVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) WriteEvents(
	_ context.Context,
	bucket, streamID string,
	expectedVersion int64,
	events []Envelope,
	headers Headers,
) (*WriteResult, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.streamKey(bucket, streamID)
	stream := s.streams[key]

	var curVersion int64
	if len(stream) > 0 {
		curVersion = stream[len(stream)-1].Version
	}
	if curVersion != expectedVersion {
		return nil, fmt.Errorf(
			"%w: expected version %d, got %d (bucket=%s stream=%s)",
			ErrConcurrencyConflict, expectedVersion, curVersion, bucket, streamID,
		)
	}

	return s.appendLocked(bucket, streamID, key, curVersion, events, headers)
}

func (s *InMemoryStore) AppendEvents(
	_ context.Context,
	bucket, streamID string,
	events []Envelope,
	headers Headers,
) (*WriteResult, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.streamKey(bucket, streamID)
	stream := s.streams[key]

	var curVersion int64
	if len(stream) > 0 {
		curVersion = stream[len(stream)-1].Version
	}

	return s.appendLocked(bucket, streamID, key, curVersion, events, headers)
}

// appendLocked stamps versions, positions and headers, stores and
// dispatches. Caller holds s.mu.
func (s *InMemoryStore) appendLocked(
	bucket, streamID, key string,
	curVersion int64,
	events []Envelope,
	headers Headers,
) (*WriteResult, error) {
	stamped := make([]Envelope, 0, len(events))
	for i, e := range events {
		e.Bucket = bucket
		e.StreamID = streamID
		e.Version = curVersion + int64(i) + 1
		e.Headers = headers.Merged(e.Headers)

		if err := e.Validate(); err != nil {
			return nil, err
		}

		s.pos++
		e.Position = s.pos
		stamped = append(stamped, e)
	}

	s.streams[key] = append(s.streams[key], stamped...)
	s.feed = append(s.feed, stamped...)

	s.log.Debug(
		"append",
		slog.String("bucket", bucket),
		slog.String("stream", streamID),
		slog.Int("num_events", len(stamped)),
		slog.Uint64("last_position", s.pos),
	)

	s.dispatchLocked(stamped)

	last := stamped[len(stamped)-1]
	return &WriteResult{LastPosition: last.Position, LastVersion: last.Version}, nil
}

func (s *InMemoryStore) dispatchLocked(events []Envelope) {
	for _, e := range events {
		for _, sub := range s.subs {
			select {
			case sub.ch <- e:
			default:
				sub.signalStop(DropReasonBufferOverflow, nil)
			}
		}
	}
}

func (s *InMemoryStore) SubscribeFromPosition(
	ctx context.Context,
	from uint64,
	page PageConfig,
	onEvent EventFunc,
	onLive LiveFunc,
	onDropped DroppedFunc,
) (Subscription, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("store is closed")
	}

	// snapshot the catch-up range while registered, so events appended from
	// here on land in the channel and order has no gap and no duplicate
	var snapshot []Envelope
	for _, e := range s.feed {
		if e.Position > from {
			snapshot = append(snapshot, e)
		}
	}

	subID := gonanoid.Must()
	sub := &memSubscription{
		ch:        make(chan Envelope, page.BufferSize()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onEvent:   onEvent,
		onLive:    onLive,
		onDropped: onDropped,
		unregister: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, subID)
		},
	}
	s.subs[subID] = sub
	s.mu.Unlock()

	go sub.run(ctx, snapshot)

	return sub, nil
}

// Close drops every open subscription with DropReasonConnectionClosed.
func (s *InMemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*memSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.signalStop(DropReasonConnectionClosed, nil)
		<-sub.done
	}
}

var _ EventStore = (*InMemoryStore)(nil)

// === Subscription ===

type memSubscription struct {
	ch         chan Envelope
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	dropReason string
	dropErr    error

	onEvent    EventFunc
	onLive     LiveFunc
	onDropped  DroppedFunc
	unregister func()
}

func (m *memSubscription) signalStop(reason string, err error) {
	m.stopOnce.Do(func() {
		m.dropReason = reason
		m.dropErr = err
		close(m.stop)
	})
}

func (m *memSubscription) Cancel() {
	m.signalStop(DropReasonCanceled, nil)
	<-m.done
}

func (m *memSubscription) Done() <-chan struct{} { return m.done }

func (m *memSubscription) run(ctx context.Context, snapshot []Envelope) {
	defer func() {
		m.unregister()
		if m.onDropped != nil {
			m.onDropped(m.dropReason, m.dropErr)
		}
		close(m.done)
	}()

	deliver := func(e Envelope) bool {
		if err := m.onEvent(e); err != nil {
			m.signalStop(dropReasonFor(err), err)
			return false
		}
		return true
	}

	for _, e := range snapshot {
		select {
		case <-ctx.Done():
			m.signalStop(DropReasonCanceled, ctx.Err())
			return
		case <-m.stop:
			return
		default:
		}
		if !deliver(e) {
			return
		}
	}

	if m.onLive != nil {
		m.onLive()
	}

	for {
		select {
		case <-ctx.Done():
			m.signalStop(DropReasonCanceled, ctx.Err())
			return
		case <-m.stop:
			return
		case e := <-m.ch:
			if !deliver(e) {
				return
			}
		}
	}
}

func dropReasonFor(err error) string {
	if errors.Is(err, ErrSubscriptionCanceled) || errors.Is(err, context.Canceled) {
		return DropReasonCanceled
	}
	return DropReasonHandlerFailed
}

var _ Subscription = (*memSubscription)(nil)
