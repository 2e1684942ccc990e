// Package uow coordinates side effects around the processing of one inbound
// command. Registered participants get a begin hook before the business
// handler runs and an end hook afterwards; terminal participants (typically
// the repository commit) always end last.
package uow

import "context"

// PriorityClass controls where a participant sits in the end phase.
type PriorityClass int

const (
	// Ordinary participants end in reverse resolution order.
	Ordinary PriorityClass = iota
	// Terminal participants end last of all, after every ordinary
	// participant has been attempted.
	Terminal
)

func (p PriorityClass) String() string {
	if p == Terminal {
		return "terminal"
	}
	return "ordinary"
}

// Participant is a scoped collaborator around one command invocation. It is
// instantiated fresh per command by the host and owned exclusively by one
// orchestrator invocation.
type Participant interface {
	// Begin runs before the business handler. A Begin failure aborts the
	// invocation; End is not called because nothing was committed.
	Begin(ctx context.Context) error

	// End runs after the business handler. failure is nil on success,
	// otherwise the error that ended the invocation.
	End(ctx context.Context, failure error) error

	Priority() PriorityClass

	// SetRetryCount receives the transport's redelivery count before Begin.
	SetRetryCount(retries int)
}

// Base is an embeddable default: ordinary priority, retry count tracking.
type Base struct {
	retries int
}

func (b *Base) SetRetryCount(retries int) { b.retries = retries }
func (b *Base) RetryCount() int           { return b.retries }
func (b *Base) Priority() PriorityClass   { return Ordinary }
