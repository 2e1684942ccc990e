package es

import "context"

// PageConfig sizes catch-up reads. The delivery buffer holds PageSize²
// events while the read increment is one page.
type PageConfig struct {
	PageSize int
}

func (p PageConfig) BufferSize() int {
	if p.PageSize <= 0 {
		return defaultPageSize * defaultPageSize
	}
	return p.PageSize * p.PageSize
}

func (p PageConfig) ReadBatch() int {
	if p.PageSize <= 0 {
		return defaultPageSize
	}
	return p.PageSize
}

const defaultPageSize = 200

type (
	// EventFunc receives one envelope from the feed. Returning an error
	// drops the subscription with the error as cause.
	EventFunc func(env Envelope) error

	// LiveFunc fires once when the subscription reaches the feed head.
	LiveFunc func()

	// DroppedFunc fires when the subscription stops delivering. reason is
	// one of the DropReason constants, err the optional cause.
	DroppedFunc func(reason string, err error)
)

// Subscription is a handle on a running feed subscription.
type Subscription interface {
	// Cancel stops delivery. No events and no checkpoint writes happen
	// after Cancel returns.
	Cancel()
	// Done closes once the subscription has fully stopped.
	Done() <-chan struct{}
}

// WriteResult reports the outcome of a successful write.
type WriteResult struct {
	// LastPosition is the global position of the last written event.
	LastPosition uint64
	// LastVersion is the stream version of the last written event.
	LastVersion int64
}

// EventStore is the persistence port: per-stream append with expected
// version checks plus a globally ordered feed with resumable catch-up.
type EventStore interface {
	// GetStream returns the events of (bucket, streamID) starting at
	// fromVersion (0 means from the beginning), or ErrStreamNotFound.
	GetStream(ctx context.Context, bucket, streamID string, fromVersion int64) ([]Envelope, error)

	// WriteEvents appends under an expected-version precondition.
	// expectedVersion 0 demands a new stream. A mismatch returns
	// ErrConcurrencyConflict.
	WriteEvents(ctx context.Context, bucket, streamID string, expectedVersion int64, events []Envelope, headers Headers) (*WriteResult, error)

	// AppendEvents appends without a version precondition.
	AppendEvents(ctx context.Context, bucket, streamID string, events []Envelope, headers Headers) (*WriteResult, error)

	// SubscribeFromPosition opens a catch-up subscription on the global
	// feed delivering events with Position strictly greater than from.
	// onLive fires when the head is reached, onDropped when delivery stops.
	SubscribeFromPosition(ctx context.Context, from uint64, page PageConfig, onEvent EventFunc, onLive LiveFunc, onDropped DroppedFunc) (Subscription, error)
}
