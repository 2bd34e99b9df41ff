package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/notnil/canseq"
	"github.com/notnil/canseq/canbus"
)

// Defaults applied by DefaultConfig.
const (
	DefaultReportEvery    = 10
	DefaultReportInterval = time.Second
	DefaultShutdownGrace  = 2 * time.Second
)

// Config describes one session.
type Config struct {
	// Interface is passed to the Opener: can0, vcan0, loop, slcan:/dev/ttyACM0.
	Interface string
	Interval  time.Duration
	Mode      Mode

	TxID uint32
	RxID uint32
	Tag  canseq.Tag

	// PollTimeout bounds each receiver read. Zero uses the receiver default.
	PollTimeout time.Duration
	// ReportEvery is the number of newly observed counters between periodic
	// snapshots. Zero or less emits on every ReportInterval tick.
	ReportEvery    int
	ReportInterval time.Duration
	// ShutdownGrace bounds how long each component may take to stop.
	ShutdownGrace time.Duration

	// Bitrate, when positive, is the CAN bitrate programmed into the adapter:
	// the S command for slcan: devices, ip link for SocketCAN interfaces.
	Bitrate int
	// SerialBaud is the host link speed for slcan: interfaces.
	SerialBaud int
	// SimDropEvery drops every Nth frame the sender transmits when positive.
	SimDropEvery int
	// LogFrames logs every frame at debug level.
	LogFrames bool

	// CapturePath, when set, records traffic to a pcap file.
	CapturePath string
	// DBPath, when set, records snapshots to a SQLite database.
	DBPath string
}

// DefaultConfig returns a Config with everything but Interface and Interval
// filled in.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeSend,
		TxID:           canseq.DefaultTxID,
		RxID:           canseq.DefaultRxID,
		Tag:            canseq.DefaultTag,
		PollTimeout:    canseq.DefaultPollTimeout,
		ReportEvery:    DefaultReportEvery,
		ReportInterval: DefaultReportInterval,
		ShutdownGrace:  DefaultShutdownGrace,
	}
}

// Validate checks the configuration. Errors wrap canseq.ErrConfiguration.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", canseq.ErrConfiguration, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(c.Interface) == "" {
		return fail("interface name is required")
	}
	if c.Interval <= 0 {
		return fail("interval must be positive, got %v", c.Interval)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	// The sender and receiver read a zero identifier as "use the default",
	// so a session cannot ask for identifier 0 explicitly.
	if c.TxID == 0 || c.RxID == 0 {
		return fail("identifier 0 is not supported (tx %#x, rx %#x)", c.TxID, c.RxID)
	}
	if c.TxID > canbus.MaxExtID {
		return fail("tx id %#x exceeds 29 bits", c.TxID)
	}
	if c.RxID > canbus.MaxExtID {
		return fail("rx id %#x exceeds 29 bits", c.RxID)
	}
	if c.PollTimeout < 0 {
		return fail("poll timeout must not be negative")
	}
	if c.ReportInterval <= 0 {
		return fail("report interval must be positive, got %v", c.ReportInterval)
	}
	if c.ShutdownGrace < 0 {
		return fail("shutdown grace must not be negative")
	}
	if c.Bitrate < 0 {
		return fail("bitrate must not be negative")
	}
	if c.SerialBaud < 0 {
		return fail("serial baud must not be negative")
	}
	if c.SimDropEvery < 0 {
		return fail("sim drop every must not be negative")
	}
	return nil
}

// Opener builds the canbus.Opener this configuration asks for. Simulated
// loss is not part of it; the controller applies it to the sender alone.
func (c Config) Opener(logger *slog.Logger) *canbus.Opener {
	o := &canbus.Opener{
		SLCAN:     canbus.SLCANOptions{BaudRate: c.SerialBaud, Bitrate: c.Bitrate},
		Logger:    logger,
		LogFrames: c.LogFrames,
	}
	if c.Bitrate > 0 && !canbus.IsLoopback(c.Interface) {
		o.Prepare = &canbus.LinkOptions{Bitrate: uint32(c.Bitrate)}
	}
	return o
}

// FileConfig is the JSON form of Config. Omitted fields keep the value they
// are applied over. Durations are strings such as "250ms".
type FileConfig struct {
	Interface      *string `json:"interface,omitempty"`
	Interval       *string `json:"interval,omitempty"`
	Mode           *string `json:"mode,omitempty"`
	TxID           *uint32 `json:"tx_id,omitempty"`
	RxID           *uint32 `json:"rx_id,omitempty"`
	Tag            *string `json:"tag,omitempty"` // 8 hex digits
	PollTimeout    *string `json:"poll_timeout,omitempty"`
	ReportEvery    *int    `json:"report_every,omitempty"`
	ReportInterval *string `json:"report_interval,omitempty"`
	ShutdownGrace  *string `json:"shutdown_grace,omitempty"`
	Bitrate        *int    `json:"bitrate,omitempty"`
	SerialBaud     *int    `json:"serial_baud,omitempty"`
	SimDropEvery   *int    `json:"sim_drop_every,omitempty"`
	LogFrames      *bool   `json:"log_frames,omitempty"`
	Capture        *string `json:"capture,omitempty"`
	DB             *string `json:"db,omitempty"`
}

const maxConfigFileSize = 1 << 20

// LoadConfigFile reads a FileConfig from a .json file no larger than 1 MiB.
func LoadConfigFile(path string) (*FileConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", canseq.ErrConfiguration, ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat config file: %w", canseq.ErrConfiguration, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", canseq.ErrConfiguration, info.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %w", canseq.ErrConfiguration, err)
	}
	fc := &FileConfig{}
	if err := json.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("%w: parse config JSON: %w", canseq.ErrConfiguration, err)
	}
	// Catch malformed durations and tags at load time.
	scratch := DefaultConfig()
	if err := fc.Apply(&scratch); err != nil {
		return nil, err
	}
	return fc, nil
}

// Apply overlays the fields present in f onto cfg.
func (f *FileConfig) Apply(cfg *Config) error {
	if f == nil {
		return nil
	}
	if f.Interface != nil {
		cfg.Interface = *f.Interface
	}
	if f.Mode != nil {
		m, err := ParseMode(*f.Mode)
		if err != nil {
			return err
		}
		cfg.Mode = m
	}
	if f.TxID != nil {
		cfg.TxID = *f.TxID
	}
	if f.RxID != nil {
		cfg.RxID = *f.RxID
	}
	if f.Tag != nil {
		tag, err := ParseTag(*f.Tag)
		if err != nil {
			return err
		}
		cfg.Tag = tag
	}
	for _, d := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"interval", f.Interval, &cfg.Interval},
		{"poll_timeout", f.PollTimeout, &cfg.PollTimeout},
		{"report_interval", f.ReportInterval, &cfg.ReportInterval},
		{"shutdown_grace", f.ShutdownGrace, &cfg.ShutdownGrace},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%w: invalid %s %q: %w", canseq.ErrConfiguration, d.name, *d.src, err)
		}
		*d.dst = v
	}
	if f.ReportEvery != nil {
		cfg.ReportEvery = *f.ReportEvery
	}
	if f.Bitrate != nil {
		cfg.Bitrate = *f.Bitrate
	}
	if f.SerialBaud != nil {
		cfg.SerialBaud = *f.SerialBaud
	}
	if f.SimDropEvery != nil {
		cfg.SimDropEvery = *f.SimDropEvery
	}
	if f.LogFrames != nil {
		cfg.LogFrames = *f.LogFrames
	}
	if f.Capture != nil {
		cfg.CapturePath = *f.Capture
	}
	if f.DB != nil {
		cfg.DBPath = *f.DB
	}
	return nil
}

// ParseTag parses eight hex digits, optionally prefixed with 0x.
func ParseTag(s string) (canseq.Tag, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != canseq.TagLen {
		return canseq.Tag{}, fmt.Errorf("%w: tag %q must be %d hex bytes", canseq.ErrConfiguration, s, canseq.TagLen)
	}
	var t canseq.Tag
	copy(t[:], raw)
	return t, nil
}
