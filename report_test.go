package canseq

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestReport_Empty(t *testing.T) {
	r := newTestReceiver(t, nil, DefaultRxID)
	rep := r.Report()
	assert.True(t, rep.Empty)
	assert.Equal(t, 0, rep.Total)
	assert.Equal(t, "No packets received", rep.String())
}

func TestReport_String(t *testing.T) {
	cases := []struct {
		name     string
		counters []uint32
		want     string
	}{
		{
			name:     "clean",
			counters: []uint32{0, 1, 2},
			want:     "Total packets: 3\nCounter range: 0 to 2\nMissing packets: 0\n",
		},
		{
			name:     "few missing",
			counters: []uint32{0, 1, 5},
			want: "Total packets: 3\nCounter range: 0 to 5\nMissing packets: 3\n" +
				"Missing indices: [2, 3, 4]\nAnomalies: duplicates=0 late=0 gaps=1\n",
		},
		{
			name:     "many missing",
			counters: []uint32{10, 30},
			want: "Total packets: 2\nCounter range: 10 to 30\nMissing packets: 19\n" +
				"First missing: [11, 12, 13, 14, 15]...\nAnomalies: duplicates=0 late=0 gaps=2\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestReceiver(t, nil, DefaultRxID)
			at := time.Unix(0, 0)
			for _, c := range tc.counters {
				r.Feed(seqFrame(DefaultRxID, c), at)
			}
			if diff := cmp.Diff(tc.want, r.Report().String()); diff != "" {
				t.Fatalf("report text mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReport_MissingTruncatedCountExact(t *testing.T) {
	r, err := NewReceiver(&scriptedBus{}, ReceiverOptions{MaxMissingListed: 4})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []uint32{0, 3, 100} {
		r.Feed(seqFrame(DefaultRxID, c), time.Now())
	}
	rep := r.Report()
	assert.Equal(t, []uint32{1, 2, 4, 5}, rep.Missing)
	assert.True(t, rep.MissingTruncated)
	assert.Equal(t, uint64(98), rep.MissingCount)
	assert.Contains(t, rep.String(), "First missing: [1, 2, 4, 5]...")
}

func TestReport_Interarrival(t *testing.T) {
	r := newTestReceiver(t, nil, DefaultRxID)
	base := time.Unix(0, 0)
	offsets := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, off := range offsets {
		r.Feed(seqFrame(DefaultRxID, uint32(i)), base.Add(off))
	}
	ia := r.Report().Interarrival
	assert.Equal(t, 40*time.Millisecond/3, ia.Mean)
	assert.Equal(t, 20*time.Millisecond, ia.Max)
	assert.InDelta(t, float64(5773503), float64(ia.StdDev), 2)

	single := newTestReceiver(t, nil, DefaultRxID)
	single.Feed(seqFrame(DefaultRxID, 0), base)
	assert.Equal(t, Interarrival{}, single.Report().Interarrival)
}
