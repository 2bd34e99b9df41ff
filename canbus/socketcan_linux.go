//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// canMTU is sizeof(struct can_frame).
const canMTU = 16

// socketCAN is a raw CAN_RAW socket registered with the runtime poller, so
// reads and writes honour deadlines derived from the caller's context.
type socketCAN struct {
	file  *os.File
	iface string
}

// DialSocketCAN opens a raw CAN socket bound to iface (can0, vcan0, ...).
// The interface must exist and be up. Failures wrap ErrBusUnavailable.
func DialSocketCAN(iface string) (Bus, error) {
	bus, err := dialSocketCAN(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: socketcan %s: %w", ErrBusUnavailable, iface, needsNetAdmin(err))
	}
	return bus, nil
}

func dialSocketCAN(iface string) (*socketCAN, error) {
	up, err := IsInterfaceUp(iface)
	if err != nil {
		return nil, err
	}
	if !up {
		return nil, fmt.Errorf("interface %s is down", iface)
	}
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	// A non-blocking fd handed to os.NewFile is added to the poller.
	return &socketCAN{file: os.NewFile(uintptr(fd), "socketcan:"+iface), iface: iface}, nil
}

func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	n, err := s.do(ctx, s.file.SetWriteDeadline, func() (int, error) { return s.file.Write(buf) })
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("canbus: socketcan %s: short write of %d bytes", s.iface, n)
	}
	return nil
}

func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	var buf [canMTU]byte
	n, err := s.do(ctx, s.file.SetReadDeadline, func() (int, error) { return s.file.Read(buf[:]) })
	if err != nil {
		return Frame{}, err
	}
	if n != canMTU {
		return Frame{}, fmt.Errorf("canbus: socketcan %s: short read of %d bytes", s.iface, n)
	}
	var f Frame
	if err := f.UnmarshalBinary(buf[:]); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close releases the socket. It is safe to call more than once.
func (s *socketCAN) Close() error {
	if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// do runs op with the deadline set from ctx. Cancelling ctx moves the
// deadline into the past, which unblocks op.
func (s *socketCAN) do(ctx context.Context, setDeadline func(time.Time) error, op func() (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if err := setDeadline(deadline); err != nil {
		return 0, s.mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = setDeadline(time.Unix(1, 0)) })
	n, err := op()
	stop()
	if err == nil {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if cerr := ctx.Err(); cerr != nil {
			return n, cerr
		}
		if hasDeadline {
			return n, context.DeadlineExceeded
		}
	}
	return n, s.mapErr(ctx, err)
}

func (s *socketCAN) mapErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, os.ErrClosed):
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("canbus: socketcan %s: %w", s.iface, err)
	}
}
