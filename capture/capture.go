// Package capture records CAN traffic to pcap files readable by Wireshark
// and tcpdump.
//
// Records use LINKTYPE_CAN_SOCKETCAN: a 16-byte can_frame with the
// identifier, including its EFF and RTR flag bits, in network byte order.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/notnil/canseq/canbus"
)

// LinkTypeSocketCAN is LINKTYPE_CAN_SOCKETCAN.
const LinkTypeSocketCAN = layers.LinkType(227)

const (
	recordLen = 16
	snapLen   = 65535
)

// Record is one decoded capture entry.
type Record struct {
	Time  time.Time
	Frame canbus.Frame
}

// Writer serializes frames from any number of wrapped buses into one pcap
// stream. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
	logger *slog.Logger
	count  uint64
}

// NewWriter writes a pcap file header to w and returns a Writer appending to
// it.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkTypeSocketCAN); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &Writer{w: pw, now: time.Now, logger: slog.Default()}, nil
}

// Open creates (or truncates) path and returns a Writer for it. Close the
// Writer to flush and close the file.
func Open(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// SetLogger replaces the logger that reports write failures.
func (w *Writer) SetLogger(l *slog.Logger) {
	if l != nil {
		w.logger = l
	}
}

// Write appends one frame.
func (w *Writer) Write(f canbus.Frame) error {
	data := EncodeRecord(f)
	w.mu.Lock()
	defer w.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("capture: write packet: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying file when the Writer was created by Open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

// Wrap returns a Bus that records every frame sent or received through inner.
// Capture failures are logged; they never fail the bus operation.
func (w *Writer) Wrap(inner canbus.Bus) canbus.Bus {
	return &pcapBus{inner: inner, w: w}
}

// NewPcapBus writes a pcap header to out and returns inner wrapped so every
// frame is recorded there.
func NewPcapBus(inner canbus.Bus, out io.Writer) (canbus.Bus, error) {
	w, err := NewWriter(out)
	if err != nil {
		return nil, err
	}
	return w.Wrap(inner), nil
}

type pcapBus struct {
	inner canbus.Bus
	w     *Writer
}

func (b *pcapBus) Send(ctx context.Context, f canbus.Frame) error {
	if err := b.inner.Send(ctx, f); err != nil {
		return err
	}
	b.record(f, "tx")
	return nil
}

func (b *pcapBus) Receive(ctx context.Context) (canbus.Frame, error) {
	f, err := b.inner.Receive(ctx)
	if err != nil {
		return f, err
	}
	b.record(f, "rx")
	return f, nil
}

func (b *pcapBus) Close() error { return b.inner.Close() }

func (b *pcapBus) record(f canbus.Frame, dir string) {
	if err := b.w.Write(f); err != nil {
		b.w.logger.Warn("capture write failed", "dir", dir, "frame", f.String(), "error", err)
	}
}

// EncodeRecord lays out f as a LINKTYPE_CAN_SOCKETCAN record.
func EncodeRecord(f canbus.Frame) []byte {
	buf := make([]byte, recordLen)
	binary.BigEndian.PutUint32(buf[0:4], f.SocketCANID())
	buf[4] = f.Len
	copy(buf[8:], f.Data[:])
	return buf
}

// DecodeRecord parses a LINKTYPE_CAN_SOCKETCAN record.
func DecodeRecord(data []byte) (canbus.Frame, error) {
	var f canbus.Frame
	if len(data) < recordLen {
		return f, fmt.Errorf("capture: record is %d bytes, want %d", len(data), recordLen)
	}
	f.SetSocketCANID(binary.BigEndian.Uint32(data[0:4]))
	f.Len = data[4]
	copy(f.Data[:], data[8:recordLen])
	if err := f.Validate(); err != nil {
		return canbus.Frame{}, fmt.Errorf("capture: %w", err)
	}
	return f, nil
}

// ReadAll decodes every record in a pcap stream written by Writer.
func ReadAll(r io.Reader) ([]Record, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if lt := pr.LinkType(); lt != LinkTypeSocketCAN {
		return nil, fmt.Errorf("capture: link type %d, want %d", lt, LinkTypeSocketCAN)
	}
	var out []Record
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("capture: %w", err)
		}
		f, err := DecodeRecord(data)
		if err != nil {
			return out, err
		}
		out = append(out, Record{Time: ci.Timestamp, Frame: f})
	}
}
