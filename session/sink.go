package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notnil/canseq"
)

// Snapshot is one report emitted by a Controller.
type Snapshot struct {
	RunID  uuid.UUID
	Time   time.Time
	Final  bool
	Mode   Mode
	Report canseq.Report
	// Sender is nil when the session runs no sender.
	Sender *canseq.SenderStats
}

// ReportSink receives snapshots. Emit errors are logged by the Controller
// and do not stop the session.
type ReportSink interface {
	Emit(ctx context.Context, snap Snapshot) error
}

// RunInfo describes a session to sinks that record runs.
type RunInfo struct {
	RunID     uuid.UUID
	Started   time.Time
	Interface string
	Mode      Mode
	Interval  time.Duration
	TxID      uint32
	RxID      uint32
}

// RunRecorder is implemented by sinks that want to know about a run before
// its first snapshot.
type RunRecorder interface {
	StartRun(ctx context.Context, info RunInfo) error
}

// SinkFunc adapts a function to ReportSink.
type SinkFunc func(ctx context.Context, snap Snapshot) error

func (f SinkFunc) Emit(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

// LogSink writes snapshots as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, snap Snapshot) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := snap.Report
	attrs := []any{
		"run_id", snap.RunID.String(),
		"final", snap.Final,
		"total", r.Total,
		"missing", r.MissingCount,
		"duplicates", r.Duplicates,
		"late", r.Late,
	}
	if !r.Empty {
		attrs = append(attrs, "min", r.Min, "max", r.Max)
	}
	if snap.Sender != nil {
		attrs = append(attrs, "sent", snap.Sender.Sent, "send_failed", snap.Sender.Failed)
	}
	logger.InfoContext(ctx, "reception statistics", attrs...)
	return nil
}

// WriterSink prints snapshots as framed text blocks.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink printing to w.
func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

func (s *WriterSink) Emit(_ context.Context, snap Snapshot) error {
	header, footer := "--- Reception Statistics ---", "---------------------------"
	if snap.Final {
		header, footer = "--- Final Reception Statistics ---", "----------------------------------"
	}
	body := snap.Report.String()
	if len(body) == 0 || body[len(body)-1] != '\n' {
		body += "\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "\n%s\n%s%s\n\n", header, body, footer)
	return err
}
