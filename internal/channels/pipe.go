package channels

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("channels: channel closed")

// Pipe is an in-process channel backed by buffered Go channels. The CLI
// frontend and tests drive the orchestrator through it.
type Pipe struct {
	name       string
	interrupts bool
	inbound    chan Event
	outbound   chan Event

	mu     sync.Mutex
	closed bool
}

// NewPipe creates a pipe with the given buffer size per direction.
func NewPipe(name string, buffer int, interrupts bool) *Pipe {
	if buffer <= 0 {
		buffer = 64
	}
	return &Pipe{
		name:       name,
		interrupts: interrupts,
		inbound:    make(chan Event, buffer),
		outbound:   make(chan Event, buffer),
	}
}

func (p *Pipe) Name() string             { return p.name }
func (p *Pipe) Events() <-chan Event     { return p.inbound }
func (p *Pipe) SupportsInterrupts() bool { return p.interrupts }

// Send delivers an outbound event to whoever reads Outbound.
func (p *Pipe) Send(ctx context.Context, event Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	select {
	case p.outbound <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound exposes the events the core has sent.
func (p *Pipe) Outbound() <-chan Event { return p.outbound }

// Inject feeds an inbound event as if the user had produced it.
func (p *Pipe) Inject(ctx context.Context, event Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	select {
	case p.inbound <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops both directions. Safe to call more than once.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.inbound)
	return nil
}
