package canbus

import (
	"context"
	"encoding/binary"
	"sync"
)

// DropFunc decides whether a frame handed to Send is silently discarded.
// seq is the zero-based index of the Send call on the wrapping bus.
type DropFunc func(seq uint64, f Frame) bool

// DropEveryN drops every nth frame (the nth, 2nth, ...). n <= 0 drops nothing.
func DropEveryN(n int) DropFunc {
	return func(seq uint64, _ Frame) bool {
		return n > 0 && (seq+1)%uint64(n) == 0
	}
}

// DropPayloadPrefix drops frames whose first four data bytes, read as a
// little-endian uint32, are in the given set.
func DropPayloadPrefix(values ...uint32) DropFunc {
	m := make(map[uint32]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return func(_ uint64, f Frame) bool {
		if f.Len < 4 {
			return false
		}
		_, ok := m[binary.LittleEndian.Uint32(f.Data[:4])]
		return ok
	}
}

// LossyBus wraps a Bus and discards selected outbound frames, simulating an
// unreliable medium. A dropped frame still reports success to the caller.
type LossyBus struct {
	inner Bus
	drop  DropFunc

	mu      sync.Mutex
	seq     uint64
	dropped uint64
}

// NewLossyBus wraps inner. A nil drop func forwards every frame.
func NewLossyBus(inner Bus, drop DropFunc) *LossyBus {
	return &LossyBus{inner: inner, drop: drop}
}

// Send forwards frame unless the drop func selects it.
func (l *LossyBus) Send(ctx context.Context, frame Frame) error {
	l.mu.Lock()
	seq := l.seq
	l.seq++
	drop := l.drop != nil && l.drop(seq, frame)
	if drop {
		l.dropped++
	}
	l.mu.Unlock()
	if drop {
		return frame.Validate()
	}
	return l.inner.Send(ctx, frame)
}

// Receive forwards to the inner bus.
func (l *LossyBus) Receive(ctx context.Context) (Frame, error) {
	return l.inner.Receive(ctx)
}

// Close forwards to the inner bus.
func (l *LossyBus) Close() error {
	return l.inner.Close()
}

// Dropped returns how many frames were discarded so far.
func (l *LossyBus) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
