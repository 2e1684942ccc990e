package es

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Entity is the contract between the repository and a domain object. How an
// entity applies events to its state is its own business; the repository
// only needs identity, a version for the write precondition and the set of
// uncommitted envelopes.
//
// Embed BaseEntity (or BaseChildEntity) to satisfy the interface.
type Entity interface {
	// SetIdentity binds the (bucket, streamID) key onto the object.
	SetIdentity(bucket, streamID string) error
	GetBucket() string
	GetStreamID() string

	// GetVersion returns the version of the last persisted event.
	GetVersion() int64
	setVersion(int64)

	// Hydrate replays loaded envelopes into the object.
	Hydrate(events []Envelope) error

	// Uncommitted returns a copy of the envelopes raised but not persisted.
	Uncommitted() []Envelope
	ClearUncommitted()
}

// ChildEntity is an entity scoped under a parent stream. Its stream id is
// the parent's stream id composed with the child id.
type ChildEntity interface {
	Entity
	SetParent(parent Entity) error
}

// BaseEntity is the embeddable default implementation of Entity.
type BaseEntity struct {
	bucket   string
	streamID string
	version  int64
	pending  []Envelope
}

func (b *BaseEntity) SetIdentity(bucket, streamID string) error {
	if bucket == "" {
		return &ArgumentError{Name: "bucket", Reason: "must not be empty"}
	}
	if streamID == "" {
		return &ArgumentError{Name: "streamID", Reason: "must not be empty"}
	}
	b.bucket = bucket
	b.streamID = streamID
	return nil
}

func (b *BaseEntity) GetBucket() string   { return b.bucket }
func (b *BaseEntity) GetStreamID() string { return b.streamID }
func (b *BaseEntity) GetVersion() int64   { return b.version }
func (b *BaseEntity) setVersion(v int64)  { b.version = v }

// Hydrate advances the version to the last loaded event. Types overriding
// Hydrate to apply payloads must call this before applying.
func (b *BaseEntity) Hydrate(events []Envelope) error {
	if len(events) > 0 {
		b.version = events[len(events)-1].Version
	}
	return nil
}

// Raise records event as an uncommitted envelope.
func (b *BaseEntity) Raise(event any) error {
	return b.RaiseWith(event, nil)
}

// RaiseWith records event together with an opaque metadata payload.
func (b *BaseEntity) RaiseWith(event any, metadata any) error {
	eventType, data, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	env := Envelope{
		ID:         gonanoid.Must(),
		Type:       eventType,
		OccurredAt: time.Now(),
		Data:       data,
	}
	if metadata != nil {
		if env.Metadata, err = codec.Marshal(metadata); err != nil {
			return err
		}
	}

	b.pending = append(b.pending, env)
	return nil
}

func (b *BaseEntity) Uncommitted() []Envelope {
	out := make([]Envelope, len(b.pending))
	copy(out, b.pending)
	return out
}

func (b *BaseEntity) ClearUncommitted() { b.pending = nil }

// BaseChildEntity is the embeddable default implementation of ChildEntity.
type BaseChildEntity struct {
	BaseEntity
	parentStream string
}

func (b *BaseChildEntity) SetParent(parent Entity) error {
	if parent == nil || parent.GetStreamID() == "" {
		return &ArgumentError{Name: "parent", Reason: "parent has no stream identity"}
	}
	b.parentStream = parent.GetStreamID()
	return nil
}

func (b *BaseChildEntity) ParentStreamID() string { return b.parentStream }
