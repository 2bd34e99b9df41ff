package canbus

import (
	"context"
	"slices"
	"sync"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Mux fans frames received on one Bus out to filtered subscribers, so that
// handles which cannot be opened twice (a serial adapter) serve a sender and
// a receiver at once. A single goroutine owns Receive on the underlying bus.
type Mux struct {
	bus    Bus
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.RWMutex
	subs []*subscription // nil once the reader has exited
	err  error
}

type subscription struct {
	filter FrameFilter
	ch     chan Frame

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func (s *subscription) offer(f Frame) {
	if s.filter != nil && !s.filter(f) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- f:
	default:
		s.dropped++
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NewMux starts reading bus. The Mux owns bus from here on.
func NewMux(bus Bus) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{bus: bus, cancel: cancel, done: make(chan struct{}), subs: []*subscription{}}
	go m.run(ctx)
	return m
}

// Close stops the reader, closes every subscription and closes the bus.
func (m *Mux) Close() error {
	m.cancel()
	<-m.done
	return m.bus.Close()
}

// Subscribe returns a channel of frames matching filter (nil matches all)
// and a function that cancels the subscription and closes the channel.
// Frames arriving while the channel buffer is full are dropped.
func (m *Mux) Subscribe(filter FrameFilter, buffer int) (<-chan Frame, func()) {
	s := m.subscribe(filter, buffer)
	return s.ch, func() { m.unsubscribe(s) }
}

func (m *Mux) subscribe(filter FrameFilter, buffer int) *subscription {
	s := &subscription{filter: filter, ch: make(chan Frame, max(buffer, 0))}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		s.close()
		return s
	}
	m.subs = append(m.subs, s)
	return s
}

func (m *Mux) unsubscribe(s *subscription) {
	m.mu.Lock()
	m.subs = slices.DeleteFunc(m.subs, func(cur *subscription) bool { return cur == s })
	m.mu.Unlock()
	s.close()
}

// Endpoint returns a Bus view of the mux. Send goes straight to the shared
// bus and Receive yields frames matching filter. Closing the endpoint only
// cancels its subscription. Overflow reports the frames it dropped.
func (m *Mux) Endpoint(filter FrameFilter, buffer int) Bus {
	return &muxEndpoint{mux: m, sub: m.subscribe(filter, buffer)}
}

// Err returns the receive error that stopped the reader, if any. Closing the
// Mux is not an error.
func (m *Mux) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Mux) run(ctx context.Context) {
	defer close(m.done)
	for {
		f, err := m.bus.Receive(ctx)
		if err != nil {
			m.mu.Lock()
			if ctx.Err() == nil {
				m.err = err
			}
			subs := m.subs
			m.subs = nil
			m.mu.Unlock()
			for _, s := range subs {
				s.close()
			}
			return
		}
		m.mu.RLock()
		for _, s := range m.subs {
			s.offer(f)
		}
		m.mu.RUnlock()
	}
}

type muxEndpoint struct {
	mux *Mux
	sub *subscription
}

func (e *muxEndpoint) Send(ctx context.Context, frame Frame) error {
	return e.mux.bus.Send(ctx, frame)
}

func (e *muxEndpoint) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-e.sub.ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (e *muxEndpoint) Close() error {
	e.mux.unsubscribe(e.sub)
	return nil
}
