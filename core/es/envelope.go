package es

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Headers are string key/value pairs attached to every event of a commit.
// The repository always records the commit id and the starting event id,
// plus whatever the caller supplies.
type Headers map[string]string

const (
	HeaderCommitID        = "commit-id"
	HeaderStartingEventID = "starting-event-id"
)

func (h Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merged returns a copy of h with the entries of other applied on top.
func (h Headers) Merged(other Headers) Headers {
	out := h.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Envelope is the unit of storage in the event store. It carries the opaque
// event payload together with everything needed to route and replay it.
type Envelope struct {
	// ID is the unique identifier of this event.
	ID string `json:"id"`
	// Position is the global feed position assigned by the store. It is a
	// total order across all buckets and streams.
	Position uint64 `json:"position"`
	// Version is the per-stream logical version (1, 2, 3, ...).
	Version int64 `json:"version"`
	// Bucket is the logical namespace of the stream.
	Bucket string `json:"bucket"`
	// StreamID identifies the stream within its bucket.
	StreamID string `json:"stream_id"`
	// EntityType names the originating domain entity.
	EntityType string `json:"entity_type"`
	// Type is the event type name used for decode routing.
	Type string `json:"type"`
	// OccurredAt is the original write-time timestamp.
	OccurredAt time.Time `json:"occurred_at"`
	// Data is the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
	// Metadata is an opaque metadata payload recorded alongside the event.
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// Headers are the commit headers recorded at write time.
	Headers Headers `json:"headers,omitempty"`
}

// IsSystem reports whether the envelope is an infrastructure-internal
// marker. System events are skipped during delivery, they are not an error.
func (e Envelope) IsSystem() bool {
	return strings.HasPrefix(e.Type, "$")
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.Bucket == "" {
		return fmt.Errorf("envelope bucket is empty")
	}
	if e.StreamID == "" {
		return fmt.Errorf("envelope stream id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	return nil
}
