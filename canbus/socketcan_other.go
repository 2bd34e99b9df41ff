//go:build !linux

package canbus

import "fmt"

// DialSocketCAN is only available on Linux.
func DialSocketCAN(iface string) (Bus, error) {
	return nil, fmt.Errorf("%w: socketcan %s: %w", ErrBusUnavailable, iface, ErrUnsupported)
}
