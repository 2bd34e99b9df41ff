package canseq

import (
	"errors"

	"github.com/notnil/canseq/canbus"
)

var (
	// ErrConfiguration marks invalid options: non-positive interval, bad
	// identifier, unknown mode.
	ErrConfiguration = errors.New("canseq: invalid configuration")

	// ErrBusUnavailable marks a transport that could not be opened. It is the
	// canbus sentinel so either package's value matches with errors.Is.
	ErrBusUnavailable = canbus.ErrBusUnavailable

	// ErrTransport marks a send or receive failure on an opened bus.
	ErrTransport = errors.New("canseq: transport error")

	// ErrShortPayload is returned when a frame is too short to carry a counter.
	ErrShortPayload = errors.New("canseq: payload shorter than counter")

	// ErrAlreadyRunning is returned by Run on a component that is running.
	ErrAlreadyRunning = errors.New("canseq: already running")
)
