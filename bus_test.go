package canseq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/notnil/canseq/canbus"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// step is one scripted Receive outcome.
type step struct {
	frame canbus.Frame
	err   error
}

// scriptedBus replays Receive steps in order and then idles until the
// caller's context ends. Sends are recorded, or fail with sendErr.
type scriptedBus struct {
	mu      sync.Mutex
	steps   []step
	sent    []canbus.Frame
	sendErr error
}

func (b *scriptedBus) Send(ctx context.Context, f canbus.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, f)
	return nil
}

func (b *scriptedBus) Receive(ctx context.Context) (canbus.Frame, error) {
	b.mu.Lock()
	if len(b.steps) > 0 {
		s := b.steps[0]
		b.steps = b.steps[1:]
		b.mu.Unlock()
		return s.frame, s.err
	}
	b.mu.Unlock()
	<-ctx.Done()
	return canbus.Frame{}, ctx.Err()
}

func (b *scriptedBus) Close() error { return nil }

func (b *scriptedBus) sentFrames() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame(nil), b.sent...)
}

// limitBus calls after once n frames have been sent through it.
type limitBus struct {
	canbus.Bus
	mu    sync.Mutex
	n     int
	after func()
}

func (b *limitBus) Send(ctx context.Context, f canbus.Frame) error {
	err := b.Bus.Send(ctx, f)
	b.mu.Lock()
	b.n--
	fire := b.n == 0
	b.mu.Unlock()
	if fire {
		b.after()
	}
	return err
}

func seqFrame(id, counter uint32) canbus.Frame {
	f, err := NewSequenceFrame(id, counter, DefaultTag)
	if err != nil {
		panic(err)
	}
	return f
}
