// Command canseq probes a CAN link for lost, duplicated and reordered frames.
//
//	canseq [flags] <interface> <interval_ms> [send|recv|both]
//
// The sender emits sequence-numbered frames on -tx-id; the receiver listens
// on -rx-id and prints reception statistics every few packets and once more
// on exit. Interfaces are SocketCAN names (can0, vcan0), slcan:<device> for
// serial adapters, or loop for an in-process bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/notnil/canseq"
	"github.com/notnil/canseq/session"
	"github.com/notnil/canseq/store"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// canID is a flag.Value accepting decimal, 0x hex or 0o octal identifiers.
type canID uint32

func (id *canID) String() string { return fmt.Sprintf("%#x", uint32(*id)) }

func (id *canID) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return fmt.Errorf("invalid CAN identifier %q", s)
	}
	*id = canID(v)
	return nil
}

type cliOptions struct {
	cfg          session.Config
	logLevel     slog.Level
	reportFormat string
}

var errUsage = errors.New("usage")

func usage(fs *flag.FlagSet) func() {
	return func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: %s [flags] <interface> <interval_ms> [mode]\n", fs.Name())
		fmt.Fprintln(out, "Modes:")
		fmt.Fprintln(out, "  send    - Only send packets (default)")
		fmt.Fprintln(out, "  recv    - Only receive packets")
		fmt.Fprintln(out, "  both    - Send and receive packets simultaneously")
		fmt.Fprintf(out, "Example: %s can0 100 both\n\nFlags:\n", fs.Name())
		fs.PrintDefaults()
	}
}

// parseArgs builds the session configuration: defaults, then the -config
// file, then explicitly set flags, then positional arguments.
func parseArgs(args []string, stderr io.Writer) (_ cliOptions, err error) {
	fs := flag.NewFlagSet("canseq", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = usage(fs)
	defer func() {
		// The flag package has already reported its own errors.
		if err != nil && !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "canseq: %v\n", err)
			fs.Usage()
		}
	}()

	txID := canID(canseq.DefaultTxID)
	rxID := canID(canseq.DefaultRxID)
	fs.Var(&txID, "tx-id", "identifier the sender transmits on")
	fs.Var(&rxID, "rx-id", "identifier the receiver listens on")
	configPath := fs.String("config", "", "JSON config file applied before flags")
	dbPath := fs.String("db", "", "record reports to this SQLite database")
	pcapPath := fs.String("pcap", "", "capture traffic to this pcap file")
	baud := fs.Int("baud", 0, "serial speed for slcan: interfaces (default 115200)")
	bitrate := fs.Int("bitrate", 0, "CAN bitrate in bit/s; slcan defaults to 500000, SocketCAN is left as is when 0")
	dropEvery := fs.Int("sim-drop-every", 0, "drop every Nth outbound frame to simulate loss")
	tag := fs.String("tag", canseq.DefaultTag.String(), "payload tag, 8 hex digits")
	reportEvery := fs.Int("report-every", session.DefaultReportEvery, "print statistics after this many new packets")
	grace := fs.Duration("grace", session.DefaultShutdownGrace, "time each component gets to stop")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn or error")
	format := fs.String("report-format", "text", "report output: text (stdout) or log (structured)")
	verbose := fs.Bool("v", false, "log every frame (implies -log-level debug)")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("%w: %w", errUsage, err)
	}

	cfg := session.DefaultConfig()
	if *configPath != "" {
		fc, err := session.LoadConfigFile(*configPath)
		if err != nil {
			return cliOptions{}, err
		}
		if err := fc.Apply(&cfg); err != nil {
			return cliOptions{}, err
		}
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tx-id":
			cfg.TxID = uint32(txID)
		case "rx-id":
			cfg.RxID = uint32(rxID)
		case "db":
			cfg.DBPath = *dbPath
		case "pcap":
			cfg.CapturePath = *pcapPath
		case "baud":
			cfg.SerialBaud = *baud
		case "bitrate":
			cfg.Bitrate = *bitrate
		case "sim-drop-every":
			cfg.SimDropEvery = *dropEvery
		case "report-every":
			cfg.ReportEvery = *reportEvery
		case "grace":
			cfg.ShutdownGrace = *grace
		case "tag":
			t, err := session.ParseTag(*tag)
			if err != nil {
				flagErr = err
			}
			cfg.Tag = t
		}
	})
	if flagErr != nil {
		return cliOptions{}, flagErr
	}
	if *verbose {
		cfg.LogFrames = true
	}

	pos := fs.Args()
	if len(pos) > 0 {
		cfg.Interface = pos[0]
	}
	if len(pos) > 1 {
		ms, err := strconv.Atoi(pos[1])
		if err != nil {
			return cliOptions{}, fmt.Errorf("%w: interval must be an integer, got %q", canseq.ErrConfiguration, pos[1])
		}
		cfg.Interval = time.Duration(ms) * time.Millisecond
	}
	if len(pos) > 2 {
		mode, err := session.ParseMode(pos[2])
		if err != nil {
			return cliOptions{}, err
		}
		cfg.Mode = mode
	}
	if len(pos) > 3 {
		return cliOptions{}, fmt.Errorf("%w: unexpected argument %q", canseq.ErrConfiguration, pos[3])
	}
	if cfg.Interface == "" || (len(pos) < 2 && cfg.Interval == 0) {
		return cliOptions{}, fmt.Errorf("%w: interface and interval are required", canseq.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return cliOptions{}, err
	}

	opts := cliOptions{cfg: cfg, reportFormat: *format}
	if err := opts.logLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return cliOptions{}, fmt.Errorf("%w: log level %q", canseq.ErrConfiguration, *logLevel)
	}
	if *verbose {
		opts.logLevel = slog.LevelDebug
	}
	if opts.reportFormat != "text" && opts.reportFormat != "log" {
		return cliOptions{}, fmt.Errorf("%w: report format %q", canseq.ErrConfiguration, opts.reportFormat)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return exitUsage
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: opts.logLevel}))
	cfg := opts.cfg

	var sinks []session.ReportSink
	if opts.reportFormat == "log" {
		sinks = append(sinks, session.LogSink{Logger: logger})
	} else {
		sinks = append(sinks, session.NewWriterSink(stdout))
	}
	if cfg.DBPath != "" {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			logger.Error("open report database", "path", cfg.DBPath, "error", err)
			return exitFailure
		}
		defer db.Close()
		sinks = append(sinks, db)
	}

	ctrl := session.New(cfg, session.Options{Sinks: sinks, Logger: logger})
	if cfg.Mode.Sends() {
		fmt.Fprintf(stdout, "Starting CAN packet transmission on %s with %dms interval\n", cfg.Interface, cfg.Interval.Milliseconds())
	}
	if cfg.Mode.Receives() {
		fmt.Fprintf(stdout, "Starting CAN packet receiver on %s\n", cfg.Interface)
	}
	fmt.Fprintln(stdout, "Press Ctrl+C to stop")

	if err := ctrl.Run(ctx); err != nil {
		logger.Error("session failed", "run_id", ctrl.RunID().String(), "error", err)
		return exitFailure
	}
	return exitOK
}
