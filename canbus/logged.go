package canbus

import (
	"context"
	"fmt"
	"log/slog"
)

// LogOption selects which directions a logged bus records.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// NewLoggedBus wraps inner and logs traffic in the selected directions at
// level. Only frames matching every filter are logged; failures are always
// logged at error level. Expired receive deadlines are the idle case and are
// never logged.
func NewLoggedBus(inner Bus, logger *slog.Logger, level slog.Level, ops LogOption, filters ...FrameFilter) Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggedBus{inner: inner, logger: logger, level: level, ops: ops, match: All(filters...)}
}

type loggedBus struct {
	inner  Bus
	logger *slog.Logger
	level  slog.Level
	ops    LogOption
	match  FrameFilter
}

func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	err := l.inner.Send(ctx, frame)
	if l.ops&LogWrite == 0 {
		return err
	}
	if err != nil {
		l.logger.LogAttrs(ctx, slog.LevelError, "canbus send error", frameID(frame), slog.Any("error", err))
	} else if l.match(frame) {
		l.logger.LogAttrs(ctx, l.level, "canbus send", frameAttrs(frame)...)
	}
	return err
}

func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.ops&LogRead == 0 {
		return f, err
	}
	switch {
	case err != nil && IsTimeout(err):
	case err != nil:
		l.logger.LogAttrs(ctx, slog.LevelError, "canbus receive error", slog.Any("error", err))
	case l.match(f):
		l.logger.LogAttrs(ctx, l.level, "canbus receive", frameAttrs(f)...)
	}
	return f, err
}

func (l *loggedBus) Close() error { return l.inner.Close() }

func frameID(f Frame) slog.Attr {
	if f.Extended {
		return slog.String("id", fmt.Sprintf("%08X", f.ID))
	}
	return slog.String("id", fmt.Sprintf("%03X", f.ID))
}

func frameAttrs(f Frame) []slog.Attr {
	attrs := []slog.Attr{frameID(f), slog.Int("len", int(f.Len)), slog.String("data", fmt.Sprintf("% X", f.Payload()))}
	if f.RTR {
		attrs = append(attrs, slog.Bool("rtr", true))
	}
	return attrs
}
