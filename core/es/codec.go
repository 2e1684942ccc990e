package es

import (
	"bytes"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/codewandler/eskit-go/internal/reflector"
)

var codec = jsoniter.ConfigFastest

// EventRegistry maps event type names to constructors so persisted payloads
// can be decoded back into their Go types.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

// Decode reconstructs the event payload of env. Unknown types return
// ErrUnknownEventType; empty bodies return (nil, nil) so callers can treat
// the event as an infrastructure marker and skip it.
func (r *EventRegistry) Decode(env Envelope) (any, error) {
	if isEmptyPayload(env.Data) {
		return nil, nil
	}

	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}

	ev := ctor()
	if err := codec.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func isEmptyPayload(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("{}")) ||
		bytes.Equal(trimmed, []byte("null"))
}

// Decoder turns a stored envelope back into its event payload.
type Decoder interface {
	Decode(env Envelope) (any, error)
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// RegisterEventFor registers T under its derived type name.
func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any { return any(new(T)) })
}

// EventTypeOf returns the wire name for ev, preferring an explicit
// EventType() over the reflected type name.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

// EncodeEvent marshals ev and returns its wire type name and payload.
func EncodeEvent(ev any) (eventType string, data []byte, err error) {
	data, err = codec.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return EventTypeOf(ev), data, nil
}
