package canbus

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoopbackBus_SendReceive_MultiEndpoint(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()

	a := bus.Open()
	b := bus.Open()
	c := bus.Open()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	ctx := testCtx(t)
	send := MustFrame(0x321, []byte("hello"))
	if err := a.Send(ctx, send); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, ep := range map[string]Bus{"b": b, "c": c} {
		got, err := ep.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %s: %v", name, err)
		}
		if got.ID != send.ID || got.Len != send.Len || !bytes.Equal(got.Payload(), send.Payload()) {
			t.Fatalf("%s mismatch: got %+v want %+v", name, got, send)
		}
	}

	// The sender does not hear itself.
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(short); !IsTimeout(err) {
		t.Fatalf("sender endpoint should time out, got %v", err)
	}
}

func TestLoopbackBus_CloseBehavior(t *testing.T) {
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()
	ctx := testCtx(t)

	_ = a.Close()
	if _, err := a.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should return ErrClosed on Receive, got %v", err)
	}
	if err := a.Send(ctx, MustFrame(0x1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint should return ErrClosed on Send, got %v", err)
	}

	_ = bus.Close()
	if _, err := b.Receive(ctx); err == nil {
		t.Fatalf("endpoint should error after bus close")
	}
	if err := b.Send(ctx, MustFrame(0x1, nil)); err == nil {
		t.Fatalf("endpoint should error on Send after bus close")
	}
	late := bus.Open()
	if _, err := late.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("endpoint opened after close should be closed, got %v", err)
	}
}

func TestLoopbackBus_OverflowDrops(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	tx := bus.Open()
	rx := bus.Open()
	ctx := testCtx(t)

	for i := 0; i < loopbackQueue+5; i++ {
		if err := tx.Send(ctx, MustFrame(0x10, []byte{byte(i)})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := Overflow(rx); got != 5 {
		t.Fatalf("Overflow = %d, want 5", got)
	}
	if got := Overflow(tx); got != 0 {
		t.Fatalf("sender Overflow = %d, want 0", got)
	}
}

func TestLoopbackBus_ReceiveHonorsDeadline(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	ep := bus.Open()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ep.Receive(ctx)
	if !IsTimeout(err) {
		t.Fatalf("want deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Receive blocked past its deadline")
	}
}

func TestFilters(t *testing.T) {
	f1 := MustFrame(0x100, []byte{1})
	f2 := MustFrame(0x101, []byte{2, 0, 0, 0})
	rtr := f1
	rtr.RTR = true

	cases := []struct {
		name   string
		filter FrameFilter
		frame  Frame
		want   bool
	}{
		{"id match", ByID(0x100), f1, true},
		{"id miss", ByID(0x100), f2, false},
		{"ids match", ByIDs(0x100, 0x102), f1, true},
		{"ids miss", ByIDs(0x100, 0x102), f2, false},
		{"mask match", ByMask(0x100, 0x7FE), f2, true},
		{"mask miss", ByMask(0x100, 0x7FF), f2, false},
		{"data frame", DataOnly(), f1, true},
		{"remote frame", DataOnly(), rtr, false},
		{"long enough", MinLen(4), f2, true},
		{"too short", MinLen(4), f1, false},
		{"all", All(ByID(0x100), DataOnly()), f1, true},
		{"all rejects rtr", All(ByID(0x100), DataOnly()), rtr, false},
		{"all skips nil", All(nil, ByID(0x100)), f1, true},
		{"all empty", All(), f1, true},
		{"any", Any(ByID(0x999), ByID(0x100)), f1, true},
		{"any miss", Any(ByID(0x999), ByID(0x998)), f1, false},
		{"any empty", Any(), f1, false},
		{"not", Not(ByID(0x999)), f1, true},
		{"not match", Not(ByID(0x100)), f1, false},
		{"not nil", Not(nil), f1, false},
	}
	for _, tc := range cases {
		if got := tc.filter(tc.frame); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMux_Subscribe_Filtering_And_Close(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	m := NewMux(bus.Open())

	chA, cancelA := m.Subscribe(ByID(0x100), 1)
	chB, cancelB := m.Subscribe(ByMask(0x200, 0x700), 2)
	defer cancelB()

	producer := bus.Open()
	defer producer.Close()
	ctx := testCtx(t)
	send := func(id uint32) { _ = producer.Send(ctx, MustFrame(id, []byte{1, 2, 3})) }

	send(0x100)
	send(0x210)
	send(0x105)

	select {
	case f := <-chA:
		if f.ID != 0x100 {
			t.Fatalf("A got %03X", f.ID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for A")
	}
	select {
	case f := <-chB:
		if f.ID != 0x210 {
			t.Fatalf("B got %03X", f.ID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for B")
	}
	select {
	case f := <-chA:
		t.Fatalf("A should be empty, got %03X", f.ID)
	case <-time.After(50 * time.Millisecond):
	}

	cancelA()
	send(0x100)
	select {
	case _, ok := <-chA:
		if ok {
			t.Fatalf("A should be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("A should be closed after cancel")
	}

	_ = m.Close()
	if _, ok := <-chB; ok {
		t.Fatalf("B should be closed after mux close")
	}
	if m.Err() != nil {
		t.Fatalf("closing the mux is not a receive error: %v", m.Err())
	}
}

func TestMux_EndpointSharesHandle(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	m := NewMux(bus.Open())
	defer m.Close()

	rx := m.Endpoint(ByID(0x321), 8)
	tx := m.Endpoint(func(Frame) bool { return false }, 0)
	peer := bus.Open()
	defer peer.Close()
	ctx := testCtx(t)

	if err := tx.Send(ctx, MustFrame(0x123, []byte{1})); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := peer.Receive(ctx)
	if err != nil || got.ID != 0x123 {
		t.Fatalf("peer receive: %v %v", got, err)
	}

	_ = peer.Send(ctx, MustFrame(0x999, []byte{9}))
	_ = peer.Send(ctx, MustFrame(0x321, []byte{2}))
	got, err = rx.Receive(ctx)
	if err != nil || got.ID != 0x321 || got.Data[0] != 2 {
		t.Fatalf("endpoint receive: %v %v", got, err)
	}

	_ = rx.Close()
	if _, err := rx.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed endpoint: %v", err)
	}
}

func TestMux_EndpointOverflow(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	m := NewMux(bus.Open())
	defer m.Close()
	slow := m.Endpoint(nil, 1)
	peer := bus.Open()
	ctx := testCtx(t)

	for i := 0; i < 3; i++ {
		_ = peer.Send(ctx, MustFrame(0x321, []byte{byte(i)}))
	}
	deadline := time.Now().Add(time.Second)
	for Overflow(slow) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := Overflow(slow); got != 2 {
		t.Fatalf("Overflow = %d, want 2", got)
	}
	f, err := slow.Receive(ctx)
	if err != nil || f.Data[0] != 0 {
		t.Fatalf("first frame should be kept: %v %v", f, err)
	}
}

func TestLossyBus_Drops(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	lossy := NewLossyBus(bus.Open(), DropEveryN(3))
	rx := bus.Open()
	ctx := testCtx(t)

	for i := 0; i < 6; i++ {
		if err := lossy.Send(ctx, MustFrame(0x1, []byte{byte(i)})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := lossy.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
	var seen []byte
	for i := 0; i < 4; i++ {
		f, err := rx.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		seen = append(seen, f.Data[0])
	}
	if !bytes.Equal(seen, []byte{0, 1, 3, 4}) {
		t.Fatalf("delivered %v", seen)
	}
}

func TestDropPayloadPrefix(t *testing.T) {
	drop := DropPayloadPrefix(3, 7, 0x01020304)
	if !drop(0, MustFrame(0x1, []byte{3, 0, 0, 0})) {
		t.Fatalf("counter 3 should drop")
	}
	if !drop(0, MustFrame(0x1, []byte{4, 3, 2, 1, 0xDE, 0xAD})) {
		t.Fatalf("counter 0x01020304 is little-endian")
	}
	if drop(0, MustFrame(0x1, []byte{1, 2, 3, 4})) {
		t.Fatalf("big-endian reading must not match")
	}
	if drop(0, MustFrame(0x1, []byte{4, 0, 0, 0})) {
		t.Fatalf("counter 4 should pass")
	}
	if drop(0, MustFrame(0x1, []byte{3})) {
		t.Fatalf("short frames always pass")
	}
}

func TestReflect(t *testing.T) {
	bus := NewLoopbackBus()
	defer bus.Close()
	near := bus.Open()
	far := bus.Open()
	ctx, cancel := context.WithCancel(testCtx(t))

	done := make(chan error, 1)
	go func() { done <- Reflect(ctx, far, 0x123, 0x321) }()

	_ = near.Send(ctx, MustFrame(0x555, []byte{0}))
	_ = near.Send(ctx, MustFrame(0x123, []byte{7, 0, 0, 0}))
	got, err := near.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.ID != 0x321 || got.Data[0] != 7 {
		t.Fatalf("reflected frame %v", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Reflect: %v", err)
	}
}

func TestOpener(t *testing.T) {
	var o Opener
	defer o.Close()
	a, err := o.Open("loop:x")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := o.Open("loop:x")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	other, err := o.Open("loop")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := testCtx(t)
	_ = a.Send(ctx, MustFrame(0x1, []byte{1}))
	if _, err := b.Receive(ctx); err != nil {
		t.Fatalf("same-name loopback should connect: %v", err)
	}
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := other.Receive(short); !IsTimeout(err) {
		t.Fatalf("different loopback should be isolated: %v", err)
	}

	if _, err := o.Open("  "); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("empty name: %v", err)
	}
	if _, err := o.Open("canseq-no-such-if0"); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("missing interface: %v", err)
	}
	if !IsLoopback("loop:x") || IsLoopback("loopy") || IsLoopback("can0") {
		t.Fatalf("IsLoopback mismatch")
	}
}

func TestOpener_WrapsDecorators(t *testing.T) {
	o := Opener{Drop: DropEveryN(1)}
	defer o.Close()
	tx, err := o.Open("loop")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rx := o.Loopback("").Open()
	ctx := testCtx(t)
	_ = tx.Send(ctx, MustFrame(0x1, []byte{1}))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := rx.Receive(short); !IsTimeout(err) {
		t.Fatalf("drop-all opener should deliver nothing: %v", err)
	}
}
