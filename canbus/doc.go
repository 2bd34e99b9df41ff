// Package canbus provides the bus layer used by canseq: a classical CAN Frame
// type and a context-aware Bus interface with several transports.
//
// It includes:
//   - A core Frame type with validation and binary marshaling helpers
//   - An in-memory loopback bus for tests and simulations
//   - A Linux SocketCAN driver built on golang.org/x/sys/unix
//   - A serial-line CAN (SLCAN) driver on top of go.bug.st/serial
//   - Decorators for logging (slog) and simulated frame loss
//   - A filtering Mux so several consumers can share one handle
//   - An Opener that maps interface names onto these transports
package canbus
