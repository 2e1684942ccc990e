package es

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eskit-go/core/bus"
)

type captureTransport struct {
	mu   sync.Mutex
	msgs []bus.Message
	fail func(msg bus.Message) error
}

func (c *captureTransport) SendLocal(_ context.Context, msg bus.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(msg); err != nil {
			return err
		}
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureTransport) sent() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

type subscriberFixture struct {
	store     *InMemoryStore
	cps       *KVCheckpointStore
	registry  *EventRegistry
	transport *captureTransport
	sub       *Subscriber

	dropped chan string
}

func newSubscriberFixture(t *testing.T, opts ...SubscriberOption) *subscriberFixture {
	t.Helper()

	f := &subscriberFixture{
		store:     NewInMemoryStore(),
		cps:       NewInMemCheckpointStore(),
		registry:  NewRegistry(),
		transport: &captureTransport{},
		dropped:   make(chan string, 4),
	}
	RegisterEventFor[accountOpened](f.registry)
	RegisterEventFor[accountCredited](f.registry)

	opts = append(opts, WithOnDropped(func(reason string, _ error) { f.dropped <- reason }))
	f.sub = NewSubscriber(slog.Default(), f.store, f.cps, f.registry, f.transport, opts...)
	return f
}

func (f *subscriberFixture) write(t *testing.T, ev any) *WriteResult {
	t.Helper()
	eventType, data, err := EncodeEvent(ev)
	require.NoError(t, err)
	res, err := f.store.AppendEvents(t.Context(), "accounts", "a-1", []Envelope{{
		ID:         gonanoid.Must(),
		Type:       eventType,
		OccurredAt: time.Now(),
		Data:       data,
	}}, Headers{HeaderCommitID: "c1"})
	require.NoError(t, err)
	return res
}

func (f *subscriberFixture) writeRaw(t *testing.T, eventType string, data []byte) *WriteResult {
	t.Helper()
	res, err := f.store.AppendEvents(t.Context(), "accounts", "a-1", []Envelope{{
		ID:         gonanoid.Must(),
		Type:       eventType,
		OccurredAt: time.Now(),
		Data:       data,
	}}, nil)
	require.NoError(t, err)
	return res
}

func (f *subscriberFixture) awaitSent(t *testing.T, n int) []bus.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.transport.sent()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.transport.sent()
}

func (f *subscriberFixture) awaitDrop(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-f.dropped:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never dropped")
		return ""
	}
}

func TestSubscriber_ForwardsWithHeaders(t *testing.T) {
	f := newSubscriberFixture(t)
	f.write(t, accountOpened{Owner: "alice"})
	res := f.write(t, accountCredited{Amount: 10})

	require.Equal(t, StateNotStarted, f.sub.State())
	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	defer f.sub.Stop()

	msgs := f.awaitSent(t, 2)
	require.Len(t, msgs, 2)

	first := msgs[0]
	assert.Equal(t, bus.KindEvent, first.Kind)
	assert.Equal(t, EventTypeOf(accountOpened{}), first.Type)
	require.IsType(t, &accountOpened{}, first.Payload)
	assert.Equal(t, "alice", first.Payload.(*accountOpened).Owner)

	assert.Equal(t, "1", first.Headers[HeaderCommitPosition])
	assert.Equal(t, "1", first.Headers[HeaderEventVersion])
	assert.NotEmpty(t, first.Headers[HeaderOccurredAt])
	assert.Equal(t, "c1", first.Headers[HeaderCommitID], "commit headers travel with the event")

	require.Eventually(t, func() bool {
		pos, err := f.cps.Load(t.Context(), "projector-1")
		return err == nil && pos == res.LastPosition
	}, 2*time.Second, 5*time.Millisecond, "checkpoint advances to the last forwarded event")

	assert.Eventually(t, f.sub.IsLive, 2*time.Second, 5*time.Millisecond)
}

func TestSubscriber_ResumesAfterCheckpoint(t *testing.T) {
	f := newSubscriberFixture(t)
	f.write(t, accountOpened{Owner: "alice"})
	f.write(t, accountCredited{Amount: 10})
	f.write(t, accountCredited{Amount: 20})

	require.NoError(t, f.cps.Save(t.Context(), "projector-1", 1))
	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	defer f.sub.Stop()

	msgs := f.awaitSent(t, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].Headers[HeaderCommitPosition], "delivery starts strictly after the checkpoint")
	assert.Equal(t, "3", msgs[1].Headers[HeaderCommitPosition])
}

func TestSubscriber_SkipsSystemAndEmptyEvents(t *testing.T) {
	f := newSubscriberFixture(t)
	f.write(t, accountOpened{Owner: "alice"})
	f.writeRaw(t, "$stream-metadata", []byte(`{"internal":true}`))
	f.writeRaw(t, EventTypeOf(accountCredited{}), []byte(`{}`))
	res := f.write(t, accountCredited{Amount: 10})

	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	defer f.sub.Stop()

	msgs := f.awaitSent(t, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].Headers[HeaderCommitPosition])
	assert.Equal(t, strconv.FormatUint(res.LastPosition, 10), msgs[1].Headers[HeaderCommitPosition])

	pos, err := f.cps.Load(t.Context(), "projector-1")
	require.NoError(t, err)
	assert.Equal(t, res.LastPosition, pos)
}

func TestSubscriber_SkippedEventsDoNotAdvanceCheckpoint(t *testing.T) {
	f := newSubscriberFixture(t)
	f.write(t, accountOpened{Owner: "alice"})
	f.writeRaw(t, EventTypeOf(accountCredited{}), []byte(`{}`))

	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	defer f.sub.Stop()

	f.awaitSent(t, 1)
	assert.Eventually(t, f.sub.IsLive, 2*time.Second, 5*time.Millisecond)

	pos, err := f.cps.Load(t.Context(), "projector-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, pos, "the trailing empty event leaves the checkpoint alone")
}

func TestSubscriber_UnknownEventTypeDrops(t *testing.T) {
	f := newSubscriberFixture(t)
	f.writeRaw(t, "acme.Unregistered", []byte(`{"x":1}`))

	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))

	assert.Equal(t, DropReasonHandlerFailed, f.awaitDrop(t))
	assert.Equal(t, StateDropped, f.sub.State())
	assert.Empty(t, f.transport.sent())

	_, err := f.cps.Load(t.Context(), "projector-1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestSubscriber_TransportFailureRedelivers(t *testing.T) {
	f := newSubscriberFixture(t)
	f.write(t, accountOpened{Owner: "alice"})
	res := f.write(t, accountCredited{Amount: 10})

	var failedOnce atomic.Bool
	f.transport.fail = func(msg bus.Message) error {
		if msg.Headers[HeaderCommitPosition] == "2" && failedOnce.CompareAndSwap(false, true) {
			return assert.AnError
		}
		return nil
	}

	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	assert.Equal(t, DropReasonHandlerFailed, f.awaitDrop(t))

	// checkpoint stayed at the last delivered event, the failed one was
	// not acknowledged
	pos, err := f.cps.Load(t.Context(), "projector-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, pos)

	// the host resubscribes; the failed event is delivered again
	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	defer f.sub.Stop()

	msgs := f.awaitSent(t, 2)
	assert.Equal(t, "2", msgs[len(msgs)-1].Headers[HeaderCommitPosition])

	require.Eventually(t, func() bool {
		pos, err := f.cps.Load(t.Context(), "projector-1")
		return err == nil && pos == res.LastPosition
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscriber_ConnectionLossIsTerminal(t *testing.T) {
	f := newSubscriberFixture(t)
	f.write(t, accountOpened{Owner: "alice"})

	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	f.awaitSent(t, 1)

	f.store.Close()
	assert.Equal(t, DropReasonConnectionClosed, f.awaitDrop(t))
	assert.Equal(t, StateDropped, f.sub.State(), "no automatic reconnect, the host decides")
}

func TestSubscriber_SecondSubscribeWhileRunning(t *testing.T) {
	f := newSubscriberFixture(t)

	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	defer f.sub.Stop()

	assert.Eventually(t, f.sub.IsLive, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, f.sub.Subscribe(t.Context(), "projector-1"))
}

func TestSubscriber_StopHaltsDelivery(t *testing.T) {
	f := newSubscriberFixture(t)
	f.write(t, accountOpened{Owner: "alice"})

	require.NoError(t, f.sub.Subscribe(t.Context(), "projector-1"))
	f.awaitSent(t, 1)

	f.sub.Stop()
	assert.Equal(t, DropReasonCanceled, f.awaitDrop(t))

	f.write(t, accountCredited{Amount: 10})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.transport.sent(), 1, "nothing delivered after stop")
}

func TestSubscriptionState_String(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "catching_up", StateCatchingUp.String())
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "dropped", StateDropped.String())
}
