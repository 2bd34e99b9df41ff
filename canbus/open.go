package canbus

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Interface name prefixes understood by Opener.
const (
	LoopbackPrefix = "loop"
	SLCANPrefix    = "slcan:"
)

// Opener resolves interface names to Bus handles:
//
//	loop, loop:<name>   in-memory loopback bus shared by every handle opened
//	                    with the same name from this Opener
//	slcan:<device>      serial-line CAN adapter on <device>; handles opened on
//	                    the same device share one port through a Mux
//	anything else       Linux SocketCAN interface (can0, vcan0, ...)
//
// The zero value is ready to use. Loopback buses live as long as the Opener.
type Opener struct {
	// SLCAN configures slcan: devices.
	SLCAN SLCANOptions
	// Prepare, when set, is applied to SocketCAN interfaces before binding.
	Prepare *LinkOptions
	// Drop, when set, wraps every handle in a LossyBus.
	Drop DropFunc
	// Logger receives frame traffic at debug level when LogFrames is set.
	Logger    *slog.Logger
	LogFrames bool

	mu      sync.Mutex
	loops   map[string]*LoopbackBus
	serials map[string]*Mux
	dial    func(device string, opts SLCANOptions) (Bus, error)
}

// serialBuffer is the per-handle receive queue on a shared serial port.
const serialBuffer = 256

// Open returns a new handle bound to the named interface. Failures wrap
// ErrBusUnavailable.
func (o *Opener) Open(name string) (Bus, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty interface name", ErrBusUnavailable)
	}
	var (
		bus Bus
		err error
	)
	switch {
	case name == LoopbackPrefix || strings.HasPrefix(name, LoopbackPrefix+":"):
		bus = o.Loopback(strings.TrimPrefix(strings.TrimPrefix(name, LoopbackPrefix), ":")).Open()
	case strings.HasPrefix(name, SLCANPrefix):
		bus, err = o.serial(strings.TrimPrefix(name, SLCANPrefix))
	default:
		if o.Prepare != nil {
			if perr := PrepareInterface(name, *o.Prepare); perr != nil {
				return nil, fmt.Errorf("%w: prepare %s: %w", ErrBusUnavailable, name, perr)
			}
		}
		bus, err = DialSocketCAN(name)
	}
	if err != nil {
		return nil, err
	}
	if o.Drop != nil {
		bus = NewLossyBus(bus, o.Drop)
	}
	if o.LogFrames {
		bus = NewLoggedBus(bus, o.Logger, slog.LevelDebug, LogAll)
	}
	return bus, nil
}

// Loopback returns the named in-memory bus, creating it on first use.
func (o *Opener) Loopback(name string) *LoopbackBus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loops == nil {
		o.loops = make(map[string]*LoopbackBus)
	}
	lb, ok := o.loops[name]
	if !ok {
		lb = NewLoopbackBus()
		o.loops[name] = lb
	}
	return lb
}

// serial returns a new view of the shared port on device, dialing it on first
// use or after its reader has failed.
func (o *Opener) serial(device string) (Bus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.serials[device]
	if ok && m.Err() != nil {
		_ = m.Close()
		ok = false
	}
	if !ok {
		dial := o.dial
		if dial == nil {
			dial = DialSLCAN
		}
		port, err := dial(device, o.SLCAN)
		if err != nil {
			return nil, err
		}
		m = NewMux(port)
		if o.serials == nil {
			o.serials = make(map[string]*Mux)
		}
		o.serials[device] = m
	}
	return m.Endpoint(nil, serialBuffer), nil
}

// IsLoopback reports whether name refers to an in-memory bus.
func IsLoopback(name string) bool {
	name = strings.TrimSpace(name)
	return name == LoopbackPrefix || strings.HasPrefix(name, LoopbackPrefix+":")
}

// Close closes every loopback bus and serial port opened by the Opener.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for name, lb := range o.loops {
		_ = lb.Close()
		delete(o.loops, name)
	}
	var errs []error
	for device, m := range o.serials {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(o.serials, device)
	}
	return errors.Join(errs...)
}
