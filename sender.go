package canseq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notnil/canseq/canbus"
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	// ID is the outbound identifier. Zero selects DefaultTxID.
	ID uint32
	// Interval is the target gap between transmission attempts. Required.
	Interval time.Duration
	// Tag follows the counter in every payload. Zero selects DefaultTag.
	Tag Tag
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SenderStats is a snapshot of a Sender's state.
type SenderStats struct {
	NextCounter uint32 `json:"next_counter"`
	Attempts    uint64 `json:"attempts"`
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
}

// Sender transmits sequence-numbered frames at a fixed interval.
//
// Every attempt consumes a counter value, including attempts the transport
// rejects, so a failed send shows up as a permanent gap at the receiver.
// The counter wraps at 2^32.
type Sender struct {
	bus      canbus.Bus
	id       uint32
	interval time.Duration
	tag      Tag
	logger   *slog.Logger

	mu      sync.Mutex
	stats   SenderStats
	running bool
	stopped bool
	cancel  context.CancelFunc
}

// NewSender returns a Sender writing to bus. The bus must already be open.
func NewSender(bus canbus.Bus, opts SenderOptions) (*Sender, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: sender has no bus", ErrBusUnavailable)
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %v", ErrConfiguration, opts.Interval)
	}
	if opts.ID == 0 {
		opts.ID = DefaultTxID
	}
	if err := validID(opts.ID); err != nil {
		return nil, err
	}
	if opts.Tag == (Tag{}) {
		opts.Tag = DefaultTag
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sender{
		bus:      bus,
		id:       opts.ID,
		interval: opts.Interval,
		tag:      opts.Tag,
		logger:   opts.Logger.With("component", "sender", "id", fmt.Sprintf("%#x", opts.ID)),
	}, nil
}

// SendOne transmits the next counter and returns it. The counter advances
// whether or not the transport accepted the frame; transport failures are
// wrapped in ErrTransport.
func (s *Sender) SendOne(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	counter := s.stats.NextCounter
	s.stats.NextCounter++
	s.stats.Attempts++
	s.mu.Unlock()

	frame, err := NewSequenceFrame(s.id, counter, s.tag)
	if err == nil {
		err = s.bus.Send(ctx, frame)
	}

	s.mu.Lock()
	if err != nil {
		s.stats.Failed++
	} else {
		s.stats.Sent++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("send failed", "counter", counter, "error", err)
		return counter, fmt.Errorf("%w: send counter %d: %w", ErrTransport, counter, err)
	}
	s.logger.Debug("sent frame", "counter", counter)
	return counter, nil
}

// Run sends one frame per interval until Stop is called or ctx is cancelled,
// both of which return nil. The first failed send ends the loop and is
// returned. Late ticks are not compensated for.
func (s *Sender) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.logger.Info("sender started", "interval", s.interval)
	for {
		if ctx.Err() != nil {
			s.logger.Info("sender stopped", "next_counter", s.Stats().NextCounter)
			return nil
		}
		if _, err := s.SendOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wait := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			wait.Stop()
		case <-wait.C:
		}
	}
}

// Stop ends Run before its next send. A stopped Sender does not run again.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Running reports whether Run is active.
func (s *Sender) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ID returns the outbound identifier.
func (s *Sender) ID() uint32 { return s.id }
