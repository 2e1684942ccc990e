// Package bus defines the port between this core and the surrounding
// messaging transport. The transport owns dispatch to business handlers;
// the core only needs a message shape, a per-invocation context and a way
// to hand committed events back for local delivery.
package bus

import "context"

// Kind classifies a message for the processing pipeline.
type Kind int

const (
	KindCommand Kind = iota
	KindEvent
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Message is one unit traveling through the pipeline or out to the transport.
type Message struct {
	ID      string
	Kind    Kind
	Type    string
	Payload any
	Headers map[string]string
}

// Transport delivers messages. SendLocal pins delivery to this process
// instance so replayed events are not load-balanced to other nodes.
type Transport interface {
	SendLocal(ctx context.Context, msg Message) error
}

// Middleware is one stage of the inbound processing pipeline.
type Middleware interface {
	Process(ctx context.Context, msg Message, invCtx *Context, next func() error) error
}
