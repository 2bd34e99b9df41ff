package canbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialPort is the subset of a serial port used by the SLCAN transport.
// go.bug.st/serial ports satisfy it.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// SLCANOptions configures a serial-line CAN adapter.
type SLCANOptions struct {
	// BaudRate of the serial link. Defaults to 115200.
	BaudRate int
	// Bitrate of the CAN bus in bits per second, mapped onto the adapter's
	// S0..S8 setup command. Defaults to 500000.
	Bitrate int
	// ReadTimeout bounds each serial read so Close is observed promptly.
	// Defaults to 50ms.
	ReadTimeout time.Duration
}

func (o SLCANOptions) withDefaults() SLCANOptions {
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.Bitrate <= 0 {
		o.Bitrate = 500000
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 50 * time.Millisecond
	}
	return o
}

var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// ErrSLCANSyntax is returned when a line from the adapter is not a frame.
var ErrSLCANSyntax = errors.New("canbus: malformed slcan frame")

// DialSLCAN opens the serial device at path and initialises an SLCAN adapter
// on it. Failures are wrapped in ErrBusUnavailable.
func DialSLCAN(path string, opts SLCANOptions) (Bus, error) {
	opts = opts.withDefaults()
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: slcan %s: %w", ErrBusUnavailable, path, err)
	}
	bus, err := NewSLCAN(port, opts)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: slcan %s: %w", ErrBusUnavailable, path, err)
	}
	return bus, nil
}

// NewSLCAN runs the SLCAN setup sequence on an already open port and starts
// the background reader.
func NewSLCAN(port SerialPort, opts SLCANOptions) (Bus, error) {
	opts = opts.withDefaults()
	code, ok := slcanBitrates[opts.Bitrate]
	if !ok {
		return nil, fmt.Errorf("canbus: unsupported slcan bitrate %d", opts.Bitrate)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		return nil, err
	}
	// Close any open channel first; adapters reject S while open.
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			return nil, fmt.Errorf("canbus: slcan setup %q: %w", strings.TrimSpace(cmd), err)
		}
	}
	s := &slcanBus{
		port:   port,
		frames: make(chan Frame, loopbackQueue),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type slcanBus struct {
	port SerialPort

	wmu sync.Mutex

	frames chan Frame
	closed chan struct{}
	done   chan struct{}

	once    sync.Once
	errMu   sync.Mutex
	readErr error
}

// Send writes one frame as an SLCAN line.
func (s *slcanBus) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.port.Write([]byte(EncodeSLCAN(frame)))
	return err
}

// Receive returns the next frame parsed by the reader goroutine.
func (s *slcanBus) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return Frame{}, s.err()
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close closes the adapter channel and the serial port.
func (s *slcanBus) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.wmu.Lock()
		_, _ = s.port.Write([]byte("C\r"))
		s.wmu.Unlock()
		err = s.port.Close()
		<-s.done
	})
	return err
}

func (s *slcanBus) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr != nil {
		return s.readErr
	}
	return ErrClosed
}

func (s *slcanBus) readLoop() {
	defer close(s.done)
	defer close(s.frames)
	buf := make([]byte, 256)
	var line []byte
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.errMu.Lock()
				s.readErr = fmt.Errorf("canbus: slcan read: %w", err)
				s.errMu.Unlock()
			}
			return
		}
		line = append(line, buf[:n]...)
		for {
			i := bytes.IndexAny(line, "\r\a")
			if i < 0 {
				break
			}
			rec := line[:i]
			line = line[i+1:]
			f, err := DecodeSLCAN(string(rec))
			if err != nil {
				// Command acknowledgements and adapter noise.
				continue
			}
			select {
			case s.frames <- f:
			case <-s.closed:
				return
			default:
				// Drop when the consumer is not keeping up.
			}
		}
		if len(line) > 64 {
			line = line[:0]
		}
	}
}

// EncodeSLCAN converts a frame into its SLCAN line, including the trailing CR.
func EncodeSLCAN(f Frame) string {
	var b strings.Builder
	switch {
	case f.RTR && f.Extended:
		b.WriteByte('R')
	case f.RTR:
		b.WriteByte('r')
	case f.Extended:
		b.WriteByte('T')
	default:
		b.WriteByte('t')
	}
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID&MaxExtID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID&MaxStdID)
	}
	b.WriteByte('0' + f.Len&0x0F)
	if !f.RTR {
		for _, c := range f.Payload() {
			fmt.Fprintf(&b, "%02X", c)
		}
	}
	b.WriteByte('\r')
	return b.String()
}

// DecodeSLCAN parses one SLCAN frame line without its terminator. Trailing
// timestamp digits are ignored.
func DecodeSLCAN(line string) (Frame, error) {
	if len(line) == 0 {
		return Frame{}, ErrSLCANSyntax
	}
	var f Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		f.Extended, idLen = true, 8
	case 'r':
		f.RTR = true
	case 'R':
		f.Extended, f.RTR, idLen = true, true, 8
	default:
		return Frame{}, ErrSLCANSyntax
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, ErrSLCANSyntax
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, ErrSLCANSyntax
	}
	f.ID = uint32(id)
	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return Frame{}, ErrSLCANSyntax
	}
	f.Len = dlc - '0'
	if !f.RTR {
		data := line[2+idLen:]
		if len(data) < int(f.Len)*2 {
			return Frame{}, ErrSLCANSyntax
		}
		for i := 0; i < int(f.Len); i++ {
			v, err := strconv.ParseUint(data[i*2:i*2+2], 16, 8)
			if err != nil {
				return Frame{}, ErrSLCANSyntax
			}
			f.Data[i] = byte(v)
		}
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
