package session

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canseq"
	"github.com/notnil/canseq/canbus"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeSend, "send": ModeSend, "RECV": ModeRecv, " both ": ModeBoth} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("loop")
	assert.ErrorIs(t, err, canseq.ErrConfiguration)

	assert.True(t, ModeBoth.Sends() && ModeBoth.Receives())
	assert.False(t, ModeSend.Receives())
	assert.False(t, ModeRecv.Sends())
}

func TestStateString(t *testing.T) {
	names := []string{Idle.String(), Starting.String(), Running.String(), Stopping.String(), Stopped.String()}
	assert.Equal(t, []string{"idle", "starting", "running", "stopping", "stopped"}, names)
}

func TestConfig_Validate(t *testing.T) {
	good := DefaultConfig()
	good.Interface = "vcan0"
	good.Interval = 100 * time.Millisecond
	require.NoError(t, good.Validate())

	bad := []func(*Config){
		func(c *Config) { c.Interface = "  " },
		func(c *Config) { c.Interval = -time.Millisecond },
		func(c *Config) { c.Mode = "bogus" },
		func(c *Config) { c.RxID = canbus.MaxExtID + 1 },
		func(c *Config) { c.TxID = 0 },
		func(c *Config) { c.RxID = 0 },
		func(c *Config) { c.ReportInterval = 0 },
		func(c *Config) { c.ShutdownGrace = -1 },
		func(c *Config) { c.SimDropEvery = -2 },
		func(c *Config) { c.Bitrate = -1 },
	}
	for i, mutate := range bad {
		cfg := good
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), canseq.ErrConfiguration, "case %d", i)
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFile_Overlay(t *testing.T) {
	path := writeFile(t, "canseq.json", `{
		"interface": "slcan:/dev/ttyACM0",
		"interval": "250ms",
		"mode": "both",
		"rx_id": 1025,
		"tag": "0xCAFEF00D",
		"report_every": 50,
		"shutdown_grace": "5s",
		"serial_baud": 921600,
		"bitrate": 250000,
		"db": "history.db"
	}`)
	fc, err := LoadConfigFile(path)
	require.NoError(t, err)

	cfg := DefaultConfig()
	require.NoError(t, fc.Apply(&cfg))

	want := DefaultConfig()
	want.Interface = "slcan:/dev/ttyACM0"
	want.Interval = 250 * time.Millisecond
	want.Mode = ModeBoth
	want.RxID = 1025
	want.Tag = canseq.Tag{0xCA, 0xFE, 0xF0, 0x0D}
	want.ReportEvery = 50
	want.ShutdownGrace = 5 * time.Second
	want.SerialBaud = 921600
	want.Bitrate = 250000
	want.DBPath = "history.db"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := LoadConfigFile(writeFile(t, "canseq.yaml", "{}"))
	assert.ErrorIs(t, err, canseq.ErrConfiguration)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, canseq.ErrConfiguration)

	_, err = LoadConfigFile(writeFile(t, "broken.json", "{"))
	assert.ErrorIs(t, err, canseq.ErrConfiguration)

	_, err = LoadConfigFile(writeFile(t, "interval.json", `{"interval": "soon"}`))
	assert.ErrorIs(t, err, canseq.ErrConfiguration)
	assert.Contains(t, err.Error(), "interval")

	_, err = LoadConfigFile(writeFile(t, "tag.json", `{"tag": "DEAD"}`))
	assert.ErrorIs(t, err, canseq.ErrConfiguration)

	big := writeFile(t, "big.json", `{"interface": "`+strings.Repeat("x", maxConfigFileSize)+`"}`)
	_, err = LoadConfigFile(big)
	assert.ErrorContains(t, err, "too large")
}

func TestConfig_OpenerLeavesLossToController(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimDropEvery = 2
	o := cfg.Opener(nil)
	defer o.Close()
	assert.Nil(t, o.Drop)

	tx, err := o.Open("loop:drop")
	require.NoError(t, err)
	rx, err := o.Open("loop:drop")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := byte(0); i < 4; i++ {
		require.NoError(t, tx.Send(ctx, canbus.MustFrame(0x123, []byte{i})))
	}
	var got []byte
	for i := 0; i < 4; i++ {
		f, err := rx.Receive(ctx)
		require.NoError(t, err)
		got = append(got, f.Data[0])
	}
	assert.Equal(t, []byte{0, 1, 2, 3}, got)
}

func TestConfig_OpenerBitrate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interface = "can1"
	cfg.Bitrate = 125000
	cfg.SerialBaud = 921600
	o := cfg.Opener(nil)
	assert.Equal(t, canbus.SLCANOptions{BaudRate: 921600, Bitrate: 125000}, o.SLCAN)
	require.NotNil(t, o.Prepare)
	assert.Equal(t, uint32(125000), o.Prepare.Bitrate)

	cfg.Interface = "loop"
	assert.Nil(t, cfg.Opener(nil).Prepare)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	require.NoError(t, sink.Emit(context.Background(), Snapshot{Report: canseq.Report{Empty: true}}))
	require.NoError(t, sink.Emit(context.Background(), Snapshot{
		Final:  true,
		Report: canseq.Report{Total: 2, Min: 0, Max: 1},
	}))
	want := "\n--- Reception Statistics ---\nNo packets received\n---------------------------\n\n" +
		"\n--- Final Reception Statistics ---\nTotal packets: 2\nCounter range: 0 to 1\nMissing packets: 0\n" +
		"----------------------------------\n\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	err := LogSink{Logger: logger}.Emit(context.Background(), Snapshot{
		RunID:  id,
		Final:  true,
		Report: canseq.Report{Total: 8, Max: 9, MissingCount: 2},
		Sender: &canseq.SenderStats{Sent: 10},
	})
	require.NoError(t, err)
	out := buf.String()
	for _, want := range []string{`"msg":"reception statistics"`, `"run_id":"` + id.String() + `"`, `"missing":2`, `"sent":10`, `"final":true`} {
		assert.Contains(t, out, want)
	}
}
