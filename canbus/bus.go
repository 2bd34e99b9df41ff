package canbus

import (
	"context"
	"errors"
)

// Bus represents a CAN bus connection which can send and receive CAN frames.
// Implementations should be safe for concurrent use by multiple goroutines.
type Bus interface {
	// Send transmits a frame. It may block until the frame is queued or sent.
	// Context cancellation should abort the operation and return the context error.
	Send(ctx context.Context, frame Frame) error

	// Receive retrieves the next available frame. It should block until a frame
	// is available or the context is cancelled. A receive with a timeout is a
	// Receive under context.WithTimeout.
	Receive(ctx context.Context) (Frame, error)

	// Close releases resources. Further Send/Receive may return an error.
	Close() error
}

var (
	// ErrClosed indicates the bus or endpoint has been closed.
	ErrClosed = errors.New("canbus: closed")

	// ErrBusUnavailable indicates the transport could not be opened or bound.
	ErrBusUnavailable = errors.New("canbus: bus unavailable")

	// ErrUnsupported is returned by transports not available on this platform.
	ErrUnsupported = errors.New("canbus: transport not supported on this platform")
)

// IsTimeout reports whether err is the result of a receive or send deadline
// expiring rather than a transport failure.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
