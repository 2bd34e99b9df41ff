package canseq

import (
	"testing"

	"github.com/notnil/canseq/canbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayload_Layout(t *testing.T) {
	got := EncodePayload(0x04030201, DefaultTag)
	assert.Equal(t, [PayloadLen]byte{0x01, 0x02, 0x03, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, got)
}

func TestSequenceFrame_RoundTrip(t *testing.T) {
	f, err := NewSequenceFrame(DefaultTxID, 42, Tag{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, DefaultTxID, f.ID)
	assert.Equal(t, uint8(PayloadLen), f.Len)
	assert.False(t, f.Extended)

	counter, tail, err := DecodePayload(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), counter)
	assert.Equal(t, Tag{1, 2, 3, 4}, tail)
}

func TestDecodePayload_Short(t *testing.T) {
	_, _, err := DecodePayload(canbus.MustFrame(DefaultRxID, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrShortPayload)

	_, _, err = DecodePayload(canbus.Frame{ID: DefaultRxID, RTR: true, Len: 8})
	assert.ErrorIs(t, err, ErrShortPayload)

	// Four bytes carry a counter; the tail is zero padded.
	counter, tail, err := DecodePayload(canbus.MustFrame(DefaultRxID, []byte{7, 0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), counter)
	assert.Equal(t, Tag{}, tail)
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "DEADBEEF", DefaultTag.String())
}
