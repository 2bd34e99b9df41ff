package canbus

import (
	"context"
	"sync"
)

// loopbackQueue is the per-endpoint receive buffer.
const loopbackQueue = 256

// LoopbackBus is an in-memory CAN bus for tests and simulations.
// Multiple endpoints opened from the same bus can exchange frames.
// An endpoint never receives its own frames, and each endpoint buffers up to
// 256 frames before further frames for it are dropped.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

// NewLoopbackBus creates a new loopback bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*loopEndpoint]struct{})}
}

// Open creates a new endpoint attached to the bus.
func (b *LoopbackBus) Open() Bus {
	ep := &loopEndpoint{
		bus: b,
		ch:  make(chan Frame, loopbackQueue),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ep.dead = true
		close(ep.ch)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// Close closes the bus and detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	b.mu.Unlock()
	return nil
}

type loopEndpoint struct {
	bus  *LoopbackBus
	ch   chan Frame
	mu   sync.Mutex
	dead bool

	overflow uint64
}

// Send broadcasts the frame to all other endpoints on the same bus.
func (e *loopEndpoint) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()
	// Snapshot endpoints under bus lock to avoid holding while sending.
	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*loopEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, t := range targets {
		t.deliver(frame)
	}
	return nil
}

// deliver queues frame on the endpoint. A full queue drops the frame, as a
// socket with a full receive buffer would.
func (e *loopEndpoint) deliver(frame Frame) {
	// Sends happen under e.mu so a concurrent close cannot race the channel.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	select {
	case e.ch <- frame:
	default:
		e.overflow++
	}
}

// Receive waits for the next frame or ctx cancellation.
func (e *loopEndpoint) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-e.ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close detaches endpoint from bus and closes its channel.
func (e *loopEndpoint) Close() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *loopEndpoint) closeNoLock() {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	close(e.ch)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.mu.Unlock()
}

// Overflow reports how many frames were dropped for a loopback or mux
// endpoint because its queue was full. Other handles report 0.
func Overflow(endpoint Bus) uint64 {
	switch e := endpoint.(type) {
	case *loopEndpoint:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.overflow
	case *muxEndpoint:
		e.sub.mu.Lock()
		defer e.sub.mu.Unlock()
		return e.sub.dropped
	}
	return 0
}
