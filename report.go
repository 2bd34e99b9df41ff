package canseq

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Report is a point-in-time summary of a Receiver.
type Report struct {
	// Empty is set when no counter has been observed. The range and missing
	// fields are zero in that case.
	Empty        bool   `json:"empty"`
	Total        int    `json:"total"`
	Min          uint32 `json:"min"`
	Max          uint32 `json:"max"`
	ExpectedNext uint32 `json:"expected_next"`

	// MissingCount is the exact number of counters in [Min, Max] that were
	// never observed. Missing lists them in ascending order up to the
	// receiver's listing cap; MissingTruncated is set when it was cut short.
	MissingCount     uint64   `json:"missing_count"`
	Missing          []uint32 `json:"missing,omitempty"`
	MissingTruncated bool     `json:"missing_truncated,omitempty"`

	Duplicates      uint64 `json:"duplicates"`
	Late            uint64 `json:"late"`
	GapEvents       uint64 `json:"gap_events"`
	Filtered        uint64 `json:"filtered"`
	Malformed       uint64 `json:"malformed"`
	TransportErrors uint64 `json:"transport_errors"`

	Interarrival Interarrival `json:"interarrival"`
}

// Interarrival describes the spacing of first arrivals, in arrival order.
// It is zero with fewer than two observations.
type Interarrival struct {
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stddev"`
	Max    time.Duration `json:"max"`
}

func buildReport(keys []uint32, arrivals []time.Time, maxListed int) Report {
	if len(keys) == 0 {
		return Report{Empty: true}
	}
	slices.Sort(keys)
	rep := Report{
		Total: len(keys),
		Min:   keys[0],
		Max:   keys[len(keys)-1],
	}
	rep.MissingCount = uint64(rep.Max) - uint64(rep.Min) + 1 - uint64(len(keys))

	// Walk the holes between neighbouring keys rather than the whole range.
	for i := 1; i < len(keys) && !rep.MissingTruncated; i++ {
		for v := keys[i-1] + 1; v < keys[i]; v++ {
			if len(rep.Missing) >= maxListed {
				rep.MissingTruncated = true
				break
			}
			rep.Missing = append(rep.Missing, v)
		}
	}
	rep.Interarrival = interarrival(arrivals)
	return rep
}

func interarrival(arrivals []time.Time) Interarrival {
	if len(arrivals) < 2 {
		return Interarrival{}
	}
	slices.SortFunc(arrivals, func(a, b time.Time) int { return a.Compare(b) })
	deltas := make([]float64, 0, len(arrivals)-1)
	var longest float64
	for i := 1; i < len(arrivals); i++ {
		d := float64(arrivals[i].Sub(arrivals[i-1]))
		deltas = append(deltas, d)
		longest = math.Max(longest, d)
	}
	ia := Interarrival{
		Mean: time.Duration(stat.Mean(deltas, nil)),
		Max:  time.Duration(longest),
	}
	if len(deltas) > 1 {
		ia.StdDev = time.Duration(stat.StdDev(deltas, nil))
	}
	return ia
}

// String renders the report as human-readable text, one fact per line.
func (r Report) String() string {
	if r.Empty {
		return "No packets received"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Total packets: %d\n", r.Total)
	fmt.Fprintf(&b, "Counter range: %d to %d\n", r.Min, r.Max)
	fmt.Fprintf(&b, "Missing packets: %d\n", r.MissingCount)
	switch {
	case r.MissingCount == 0:
	case r.MissingCount <= 10 && !r.MissingTruncated:
		fmt.Fprintf(&b, "Missing indices: %s\n", formatCounters(r.Missing))
	default:
		fmt.Fprintf(&b, "First missing: %s...\n", formatCounters(r.Missing[:min(5, len(r.Missing))]))
	}
	if r.Duplicates+r.Late+r.GapEvents > 0 {
		fmt.Fprintf(&b, "Anomalies: duplicates=%d late=%d gaps=%d\n", r.Duplicates, r.Late, r.GapEvents)
	}
	if r.Interarrival.Mean > 0 {
		fmt.Fprintf(&b, "Interarrival: mean=%v stddev=%v max=%v\n",
			r.Interarrival.Mean.Round(time.Microsecond),
			r.Interarrival.StdDev.Round(time.Microsecond),
			r.Interarrival.Max.Round(time.Microsecond))
	}
	return b.String()
}

func formatCounters(vs []uint32) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
