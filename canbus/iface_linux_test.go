//go:build linux

package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsInterfaceUp_Loopback(t *testing.T) {
	up, err := IsInterfaceUp("lo")
	if err != nil {
		t.Skipf("no lo interface: %v", err)
	}
	assert.True(t, up)
}

func TestIsInterfaceUp_BadName(t *testing.T) {
	_, err := IsInterfaceUp("an-interface-name-that-is-too-long")
	require.Error(t, err)
	_, err = IsInterfaceUp("canseq-missing0")
	require.Error(t, err)
}

func TestDialSocketCAN_NotACANDevice(t *testing.T) {
	_, err := DialSocketCAN("lo")
	assert.ErrorIs(t, err, ErrBusUnavailable)
}
