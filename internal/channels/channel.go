package channels

import "context"

// Channel is the surface a user talks through. Adapters own the transport;
// the orchestrator only sees typed events.
type Channel interface {
	// Name identifies the channel (cli, pipe, ...).
	Name() string

	// Send delivers an outbound event. It must not block indefinitely and
	// must be safe for concurrent use.
	Send(ctx context.Context, event Event) error

	// Events returns the inbound event stream. The channel is closed when
	// the adapter stops.
	Events() <-chan Event

	// SupportsInterrupts reports whether the channel can surface an
	// out-of-band notification while a conversation is in flight.
	SupportsInterrupts() bool

	// Close stops the adapter and closes the inbound stream.
	Close() error
}
