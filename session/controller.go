package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/notnil/canseq"
	"github.com/notnil/canseq/canbus"
	"github.com/notnil/canseq/capture"
)

// BusOpener opens a bus handle by interface name. *canbus.Opener implements
// it.
type BusOpener interface {
	Open(name string) (canbus.Bus, error)
}

// Options carries a Controller's collaborators.
type Options struct {
	// Opener defaults to cfg.Opener(Logger).
	Opener BusOpener
	Sinks  []ReportSink
	Logger *slog.Logger
	// RunID defaults to a fresh random UUID.
	RunID uuid.UUID
	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller runs one session: it starts the components the mode asks for,
// emits periodic snapshots while they run and shuts them down within a
// bounded grace period.
type Controller struct {
	cfg    Config
	opener BusOpener
	owned  *canbus.Opener
	sinks  []ReportSink
	logger *slog.Logger
	runID  uuid.UUID
	now    func() time.Time
	state  stateVar

	sender   *canseq.Sender
	receiver *canseq.Receiver
}

// New returns a Controller in the Idle state. The configuration is checked
// by Run.
func New(cfg Config, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		cfg:    cfg,
		opener: opts.Opener,
		sinks:  opts.Sinks,
		runID:  opts.RunID,
		now:    opts.Now,
	}
	c.logger = opts.Logger.With("run_id", c.runID.String())
	if c.opener == nil {
		c.owned = cfg.Opener(c.logger)
		c.opener = c.owned
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state.load() }

// RunID identifies this session in snapshots and stored history.
func (c *Controller) RunID() uuid.UUID { return c.runID }

// Sender returns the running sender, or nil.
func (c *Controller) Sender() *canseq.Sender { return c.sender }

// Receiver returns the running receiver, or nil.
func (c *Controller) Receiver() *canseq.Receiver { return c.receiver }

type component struct {
	name string
	run  func(ctx context.Context) error
	stop func()
	done chan struct{}
	err  error
}

// Run executes the session until ctx is cancelled or a component stops on
// its own. It returns nil after a cancellation, the startup error if the
// session could not start, or the errors of the components that failed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.state.advance(Idle, Starting) {
		return fmt.Errorf("%w: session is %s", canseq.ErrAlreadyRunning, c.State())
	}
	if err := c.cfg.Validate(); err != nil {
		c.state.store(Stopped)
		return err
	}
	mode, _ := ParseMode(string(c.cfg.Mode))
	c.cfg.Mode = mode

	comps, cleanup, err := c.start()
	if err != nil {
		c.state.store(Stopped)
		return err
	}
	defer cleanup()
	c.recordRun(ctx)

	compCtx, cancelAll := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAll()
	exits := make(chan *component, len(comps))
	for _, comp := range comps {
		go func(comp *component) {
			comp.err = comp.run(compCtx)
			close(comp.done)
			exits <- comp
		}(comp)
	}
	c.state.store(Running)
	c.logger.Info("session running", "interface", c.cfg.Interface, "mode", string(mode), "interval", c.cfg.Interval)

	c.supervise(ctx, exits)

	c.state.store(Stopping)
	for _, comp := range comps {
		comp.stop()
	}
	grace := c.cfg.ShutdownGrace
	var errs []error
	for _, comp := range comps {
		timer := time.NewTimer(grace)
		select {
		case <-comp.done:
			timer.Stop()
			if comp.err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", comp.name, comp.err))
			}
		case <-timer.C:
			c.logger.Warn("component did not stop in time", "component", comp.name, "grace", grace)
		}
	}
	cancelAll()

	if c.receiver != nil {
		finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+time.Second)
		c.emit(finalCtx, true)
		cancel()
	}
	if c.sender != nil {
		st := c.sender.Stats()
		c.logger.Info("sender finished", "attempts", st.Attempts, "sent", st.Sent, "failed", st.Failed)
	}
	c.state.store(Stopped)
	return errors.Join(errs...)
}

// supervise blocks until ctx is done or the first component exits, emitting
// periodic snapshots meanwhile.
func (c *Controller) supervise(ctx context.Context, exits <-chan *component) {
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()
	lastReported := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("session cancelled", "cause", context.Cause(ctx))
			return
		case comp := <-exits:
			if comp.err != nil {
				c.logger.Error("component stopped", "component", comp.name, "error", comp.err)
			} else {
				c.logger.Info("component stopped", "component", comp.name)
			}
			return
		case <-ticker.C:
			if c.receiver == nil {
				continue
			}
			unique := c.receiver.Unique()
			if unique == 0 || (c.cfg.ReportEvery > 0 && unique-lastReported < c.cfg.ReportEvery) {
				continue
			}
			lastReported = unique
			c.emit(ctx, false)
		}
	}
}

// start opens every bus the mode needs and constructs the components. On
// failure everything opened so far is closed again.
func (c *Controller) start() ([]*component, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				c.logger.Warn("close failed", "error", err)
			}
		}
		if c.owned != nil {
			_ = c.owned.Close()
		}
	}
	fail := func(err error) ([]*component, func(), error) {
		cleanup()
		c.sender, c.receiver = nil, nil
		return nil, nil, err
	}

	var pcap *capture.Writer
	if c.cfg.CapturePath != "" {
		w, err := capture.Open(c.cfg.CapturePath)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", canseq.ErrConfiguration, err))
		}
		w.SetLogger(c.logger)
		pcap = w
		closers = append(closers, w.Close)
	}
	open := func(role string) (canbus.Bus, error) {
		bus, err := c.opener.Open(c.cfg.Interface)
		if err != nil {
			if !errors.Is(err, canseq.ErrBusUnavailable) {
				err = fmt.Errorf("%w: %w", canseq.ErrBusUnavailable, err)
			}
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		closers = append(closers, bus.Close)
		if pcap != nil && role != "reflector" {
			bus = pcap.Wrap(bus)
		}
		// Dropped frames never reach the capture or the wire.
		if role == "sender" && c.cfg.SimDropEvery > 0 {
			bus = canbus.NewLossyBus(bus, canbus.DropEveryN(c.cfg.SimDropEvery))
		}
		return bus, nil
	}

	var comps []*component
	mode := c.cfg.Mode
	if mode.Sends() {
		bus, err := open("sender")
		if err != nil {
			return fail(err)
		}
		s, err := canseq.NewSender(bus, canseq.SenderOptions{
			ID:       c.cfg.TxID,
			Interval: c.cfg.Interval,
			Tag:      c.cfg.Tag,
			Logger:   c.logger,
		})
		if err != nil {
			return fail(err)
		}
		c.sender = s
		comps = append(comps, &component{name: "sender", run: s.Run, stop: s.Stop})
	}
	if mode.Receives() {
		bus, err := open("receiver")
		if err != nil {
			return fail(err)
		}
		r, err := canseq.NewReceiver(bus, canseq.ReceiverOptions{
			ID:          c.cfg.RxID,
			PollTimeout: c.cfg.PollTimeout,
			Now:         c.now,
			Logger:      c.logger,
		})
		if err != nil {
			return fail(err)
		}
		c.receiver = r
		comps = append(comps, &component{name: "receiver", run: r.Run, stop: r.Stop})
	}
	// On an in-memory bus nothing answers the sender, so stand in for the
	// far end.
	if mode == ModeBoth && canbus.IsLoopback(c.cfg.Interface) && c.cfg.TxID != c.cfg.RxID {
		bus, err := open("reflector")
		if err != nil {
			return fail(err)
		}
		rctx, rcancel := context.WithCancel(context.Background())
		from, to := c.cfg.TxID, c.cfg.RxID
		comps = append(comps, &component{
			name: "reflector",
			run: func(ctx context.Context) error {
				stop := context.AfterFunc(ctx, rcancel)
				defer stop()
				return canbus.Reflect(rctx, bus, from, to)
			},
			stop: rcancel,
		})
	}
	for _, comp := range comps {
		comp.done = make(chan struct{})
	}
	return comps, cleanup, nil
}

func (c *Controller) recordRun(ctx context.Context) {
	info := RunInfo{
		RunID:     c.runID,
		Started:   c.now(),
		Interface: c.cfg.Interface,
		Mode:      c.cfg.Mode,
		Interval:  c.cfg.Interval,
		TxID:      c.cfg.TxID,
		RxID:      c.cfg.RxID,
	}
	for _, s := range c.sinks {
		rec, ok := s.(RunRecorder)
		if !ok {
			continue
		}
		if err := rec.StartRun(ctx, info); err != nil {
			c.logger.Warn("record run failed", "error", err)
		}
	}
}

// emit sends a snapshot to every sink. Sink failures are logged.
func (c *Controller) emit(ctx context.Context, final bool) {
	snap := Snapshot{
		RunID:  c.runID,
		Time:   c.now(),
		Final:  final,
		Mode:   c.cfg.Mode,
		Report: c.receiver.Report(),
	}
	if c.sender != nil {
		st := c.sender.Stats()
		snap.Sender = &st
	}
	for _, s := range c.sinks {
		if err := s.Emit(ctx, snap); err != nil {
			c.logger.Warn("report sink failed", "final", final, "error", err)
		}
	}
}
