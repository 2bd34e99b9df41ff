package canbus

import (
	"context"
	"errors"
)

// Reflect re-emits every data frame received on bus with identifier from as a frame
// with identifier to, keeping the payload. It stands in for the far end of a
// link when both ends run against a simulated bus. Reflect returns nil when ctx
// is cancelled or the bus is closed, and the transport error otherwise.
func Reflect(ctx context.Context, bus Bus, from, to uint32) error {
	match := All(ByID(from), DataOnly())
	for {
		f, err := bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if !match(f) {
			continue
		}
		out := f
		out.ID = to
		out.Extended = to > MaxStdID
		if err := bus.Send(ctx, out); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}
