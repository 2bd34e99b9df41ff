package canseq

import (
	"encoding/binary"
	"fmt"

	"github.com/notnil/canseq/canbus"
)

// Payload geometry.
const (
	PayloadLen = 8
	CounterLen = 4
	TagLen     = PayloadLen - CounterLen
)

// Default link identifiers: the sender's outbound channel and the channel the
// far end answers on.
const (
	DefaultTxID uint32 = 0x123
	DefaultRxID uint32 = 0x321
)

// Tag is the constant marker carried after the counter.
type Tag [TagLen]byte

// DefaultTag is used when no tag is configured.
var DefaultTag = Tag{0xDE, 0xAD, 0xBE, 0xEF}

func (t Tag) String() string { return fmt.Sprintf("%X", t[:]) }

// EncodePayload lays out counter and tag as an 8-byte payload.
func EncodePayload(counter uint32, tag Tag) [PayloadLen]byte {
	var p [PayloadLen]byte
	binary.LittleEndian.PutUint32(p[:CounterLen], counter)
	copy(p[CounterLen:], tag[:])
	return p
}

// NewSequenceFrame builds the frame carrying counter on id.
func NewSequenceFrame(id, counter uint32, tag Tag) (canbus.Frame, error) {
	p := EncodePayload(counter, tag)
	return canbus.NewFrame(id, p[:])
}

// DecodePayload extracts the counter and the bytes after it. Frames shorter
// than eight bytes yield a zero-padded tail.
func DecodePayload(f canbus.Frame) (counter uint32, tail Tag, err error) {
	data := f.Payload()
	if len(data) < CounterLen || f.RTR {
		return 0, Tag{}, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(data))
	}
	counter = binary.LittleEndian.Uint32(data[:CounterLen])
	copy(tail[:], data[CounterLen:])
	return counter, tail, nil
}

func validID(id uint32) error {
	if id > canbus.MaxExtID {
		return fmt.Errorf("%w: identifier %#x out of range", ErrConfiguration, id)
	}
	return nil
}
