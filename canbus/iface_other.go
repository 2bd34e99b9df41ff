//go:build !linux

package canbus

// LinkOptions are applied to a SocketCAN interface before it is opened.
type LinkOptions struct {
	Bitrate uint32
}

// IsInterfaceUp is only available on Linux.
func IsInterfaceUp(name string) (bool, error) { return false, ErrUnsupported }

// PrepareInterface is only available on Linux.
func PrepareInterface(name string, opts LinkOptions) error { return ErrUnsupported }
