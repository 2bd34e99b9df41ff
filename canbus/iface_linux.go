//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// LinkOptions are applied to a SocketCAN interface before it is opened.
// Zero fields leave the current setting alone.
type LinkOptions struct {
	// Bitrate in bits per second (125000, 500000, ...). Changing it takes
	// the link down first.
	Bitrate uint32
}

// IsInterfaceUp reports whether the network interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := linkFlags(name)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_UP != 0, nil
}

// PrepareInterface applies opts to the interface through iproute2 and brings
// the link up. It needs CAP_NET_ADMIN unless there is nothing to change.
func PrepareInterface(name string, opts LinkOptions) error {
	if opts.Bitrate > 0 {
		if err := setLinkUp(name, false); err != nil {
			return needsNetAdmin(err)
		}
		out, err := exec.Command("ip", "link", "set", "dev", name,
			"type", "can", "bitrate", strconv.FormatUint(uint64(opts.Bitrate), 10)).CombinedOutput()
		if err != nil {
			return needsNetAdmin(fmt.Errorf("ip link set %s bitrate %d: %w: %s", name, opts.Bitrate, err, out))
		}
	}
	return needsNetAdmin(setLinkUp(name, true))
}

func linkFlags(name string) (uint16, error) {
	var flags uint16
	err := withIfreq(name, func(fd int, ifr *unix.Ifreq) error {
		if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
			return fmt.Errorf("SIOCGIFFLAGS %s: %w", name, err)
		}
		flags = ifr.Uint16()
		return nil
	})
	return flags, err
}

func setLinkUp(name string, up bool) error {
	return withIfreq(name, func(fd int, ifr *unix.Ifreq) error {
		if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
			return fmt.Errorf("SIOCGIFFLAGS %s: %w", name, err)
		}
		flags := ifr.Uint16()
		want := flags &^ unix.IFF_UP
		if up {
			want |= unix.IFF_UP
		}
		if want == flags {
			return nil
		}
		ifr.SetUint16(want)
		if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
			return fmt.Errorf("SIOCSIFFLAGS %s: %w", name, err)
		}
		return nil
	})
}

// withIfreq runs fn with a datagram control socket and an ifreq naming the
// interface.
func withIfreq(name string, fn func(fd int, ifr *unix.Ifreq) error) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("canbus: interface name %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return fn(fd, ifr)
}

// needsNetAdmin annotates permission failures with the capability required.
func needsNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("requires CAP_NET_ADMIN or root: %w", err)
	}
	return err
}
