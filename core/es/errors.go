package es

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound is returned when no stream exists for a requested
	// (bucket, id). TryGet converts it into an empty result.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyConflict signals a transient expected-version mismatch.
	// It is the only error class the repository retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrSubscriptionCanceled signals that a forward failed because the
	// subscription was externally cancelled.
	ErrSubscriptionCanceled = errors.New("subscription canceled")

	// ErrCheckpointNotFound is returned when a consumer has no saved
	// position yet. The subscriber then starts at the feed origin.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrUnknownEventType is returned when decoding an event whose type was
	// never registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrNoEvents is returned on a write call carrying zero events.
	ErrNoEvents = errors.New("no events to write")
)

// ArgumentError marks a programmer or configuration error, e.g. an identity
// that cannot be bound onto an entity. It is fatal and never retried.
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Name, e.Reason)
}

// Drop reasons reported via the subscriber's dropped callback.
const (
	DropReasonConnectionClosed = "ConnectionClosed"
	DropReasonCanceled         = "Canceled"
	DropReasonHandlerFailed    = "HandlerFailed"
	DropReasonBufferOverflow   = "BufferOverflow"
)
