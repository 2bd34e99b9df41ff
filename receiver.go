package canseq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/notnil/canseq/canbus"
)

// Class is the classification of one poll.
type Class int

const (
	// None means no frame was processed: the poll timed out or failed.
	None Class = iota
	// InOrder is a first observation equal to the expected counter.
	InOrder
	// Gap is a first observation ahead of the expected counter.
	Gap
	// Duplicate is a counter that has been observed before.
	Duplicate
	// Late is a first observation behind the expected counter.
	Late
	// Filtered is a frame on another identifier. It is not recorded.
	Filtered
	// Malformed is a frame on the inbound identifier too short to carry a
	// counter. It is not recorded.
	Malformed
)

func (c Class) String() string {
	switch c {
	case None:
		return "none"
	case InOrder:
		return "in-order"
	case Gap:
		return "gap"
	case Duplicate:
		return "duplicate"
	case Late:
		return "late"
	case Filtered:
		return "filtered"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Result describes how a frame was classified.
type Result struct {
	Class   Class
	Counter uint32
	// GapSize is the number of counters skipped, set for Gap only.
	GapSize uint32
	// Expected is the expected counter before this frame was applied.
	Expected uint32
}

// Observation is recorded for the first arrival of each counter.
type Observation struct {
	Arrival time.Time
	ID      uint32
	Tail    Tag
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// ID is the inbound identifier. Zero selects DefaultRxID.
	ID uint32
	// PollTimeout bounds each read in Run. Defaults to 100ms.
	PollTimeout time.Duration
	// MaxMissingListed caps Report.Missing. Defaults to 1024.
	MaxMissingListed int
	// Now defaults to time.Now.
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

const (
	DefaultPollTimeout      = 100 * time.Millisecond
	DefaultMaxMissingListed = 1024
)

type receiveCounters struct {
	accepted        uint64
	duplicates      uint64
	late            uint64
	gapEvents       uint64
	filtered        uint64
	malformed       uint64
	transportErrors uint64
}

// Receiver polls a bus and keeps the sequence accounting for one inbound
// identifier. Feed, PollOne and Run mutate the state; Report, Unique and
// ExpectedNext may be called concurrently with them.
type Receiver struct {
	bus       canbus.Bus
	id        uint32
	poll      time.Duration
	maxListed int
	now       func() time.Time
	logger    *slog.Logger

	mu           sync.Mutex
	seen         map[uint32]Observation
	expectedNext uint32
	counts       receiveCounters
	running      bool
	stopped      bool
	cancel       context.CancelFunc
}

// NewReceiver returns a Receiver reading from bus. The bus must already be
// open.
func NewReceiver(bus canbus.Bus, opts ReceiverOptions) (*Receiver, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: receiver has no bus", ErrBusUnavailable)
	}
	if opts.ID == 0 {
		opts.ID = DefaultRxID
	}
	if err := validID(opts.ID); err != nil {
		return nil, err
	}
	if opts.PollTimeout < 0 {
		return nil, fmt.Errorf("%w: poll timeout must not be negative", ErrConfiguration)
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.MaxMissingListed <= 0 {
		opts.MaxMissingListed = DefaultMaxMissingListed
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Receiver{
		bus:       bus,
		id:        opts.ID,
		poll:      opts.PollTimeout,
		maxListed: opts.MaxMissingListed,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "receiver", "id", fmt.Sprintf("%#x", opts.ID)),
		seen:      make(map[uint32]Observation),
	}, nil
}

// Feed classifies f as if it had arrived at time at.
func (r *Receiver) Feed(f canbus.Frame, at time.Time) Result {
	r.mu.Lock()
	res := r.apply(f, at)
	r.mu.Unlock()

	switch res.Class {
	case InOrder:
		r.logger.Debug("frame in order", "counter", res.Counter)
	case Gap:
		r.logger.Warn("gap detected", "counter", res.Counter, "expected", res.Expected, "skipped", res.GapSize)
	case Duplicate:
		r.logger.Warn("duplicate frame", "counter", res.Counter)
	case Late:
		r.logger.Info("late frame", "counter", res.Counter, "expected", res.Expected)
	case Malformed:
		r.logger.Debug("malformed frame", "frame", f.String())
	}
	return res
}

// apply requires r.mu.
func (r *Receiver) apply(f canbus.Frame, at time.Time) Result {
	if f.ID != r.id {
		r.counts.filtered++
		return Result{Class: Filtered}
	}
	counter, tail, err := DecodePayload(f)
	if err != nil {
		r.counts.malformed++
		return Result{Class: Malformed}
	}
	res := Result{Counter: counter, Expected: r.expectedNext}
	if _, dup := r.seen[counter]; dup {
		r.counts.duplicates++
		res.Class = Duplicate
		return res
	}
	r.seen[counter] = Observation{Arrival: at, ID: f.ID, Tail: tail}
	r.counts.accepted++
	switch {
	case counter == r.expectedNext:
		res.Class = InOrder
		r.expectedNext = counter + 1
	case counter > r.expectedNext:
		res.Class = Gap
		res.GapSize = counter - r.expectedNext
		r.counts.gapEvents++
		r.expectedNext = counter + 1
	default:
		res.Class = Late
		r.counts.late++
	}
	return res
}

// PollOne waits up to timeout for one frame and classifies it. An idle
// timeout returns a None result and no error. Cancelling ctx returns
// ctx.Err(). Any other read failure is counted and returned wrapped in
// ErrTransport.
func (r *Receiver) PollOne(ctx context.Context, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = r.poll
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	f, err := r.bus.Receive(pctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if canbus.IsTimeout(err) {
			return Result{}, nil
		}
		r.mu.Lock()
		r.counts.transportErrors++
		r.mu.Unlock()
		return Result{}, fmt.Errorf("%w: receive: %w", ErrTransport, err)
	}
	return r.Feed(f, r.now()), nil
}

// Run polls until Stop is called or ctx is cancelled, both of which return
// nil. Transport errors are logged and polling resumes after one poll
// timeout. A closed bus ends the loop with canbus.ErrClosed.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.mu.Unlock()
	}()

	r.logger.Info("receiver started", "poll_timeout", r.poll)
	for {
		_, err := r.PollOne(ctx, r.poll)
		switch {
		case ctx.Err() != nil:
			r.logger.Info("receiver stopped", "unique", r.Unique())
			return nil
		case errors.Is(err, canbus.ErrClosed):
			r.logger.Error("receiver bus closed", "error", err)
			return err
		case err != nil:
			r.logger.Warn("receive failed", "error", err)
			pause := time.NewTimer(r.poll)
			select {
			case <-ctx.Done():
				pause.Stop()
			case <-pause.C:
			}
		}
	}
}

// Stop ends Run within one poll timeout. A stopped Receiver does not run
// again; its state remains readable.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
}

// Running reports whether Run is active.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Unique returns the number of distinct counters observed.
func (r *Receiver) Unique() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// ExpectedNext returns the counter the receiver considers next in sequence.
func (r *Receiver) ExpectedNext() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectedNext
}

// Observation returns the recorded first arrival of counter.
func (r *Receiver) Observation(counter uint32) (Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.seen[counter]
	return o, ok
}

// ID returns the inbound identifier.
func (r *Receiver) ID() uint32 { return r.id }

// Report summarizes what has been observed so far. The state is copied under
// the lock; the summary is computed outside it.
func (r *Receiver) Report() Report {
	r.mu.Lock()
	keys := make([]uint32, 0, len(r.seen))
	arrivals := make([]time.Time, 0, len(r.seen))
	for k, o := range r.seen {
		keys = append(keys, k)
		arrivals = append(arrivals, o.Arrival)
	}
	counts := r.counts
	expected := r.expectedNext
	r.mu.Unlock()

	rep := buildReport(keys, arrivals, r.maxListed)
	rep.ExpectedNext = expected
	rep.Duplicates = counts.duplicates
	rep.Late = counts.late
	rep.GapEvents = counts.gapEvents
	rep.Filtered = counts.filtered
	rep.Malformed = counts.malformed
	rep.TransportErrors = counts.transportErrors
	return rep
}
