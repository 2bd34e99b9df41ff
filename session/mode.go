package session

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/notnil/canseq"
)

// Mode selects which components a session runs.
type Mode string

const (
	ModeSend Mode = "send"
	ModeRecv Mode = "recv"
	ModeBoth Mode = "both"
)

// ParseMode parses a mode name. The empty string is ModeSend.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeSend, nil
	case ModeSend, ModeRecv, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q (want send, recv or both)", canseq.ErrConfiguration, s)
	}
}

// Sends reports whether the mode runs a sender.
func (m Mode) Sends() bool { return m == ModeSend || m == ModeBoth }

// Receives reports whether the mode runs a receiver.
func (m Mode) Receives() bool { return m == ModeRecv || m == ModeBoth }

// State is the lifecycle position of a Controller.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type stateVar struct{ v atomic.Int32 }

func (s *stateVar) load() State { return State(s.v.Load()) }

func (s *stateVar) store(st State) { s.v.Store(int32(st)) }

func (s *stateVar) advance(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}
