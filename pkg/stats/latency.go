package stats

import (
	"sync/atomic"
	"time"
)

// Op is an operation class tracked by the latency histogram.
type Op int

// Tracked operation classes.
const (
	OpRead Op = iota
	OpWrite
	OpRemove
	opCount
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	}

	return "unknown"
}

// LatencyBuckets defines fixed bucket upper bounds in nanoseconds (roughly exponential).
//
//nolint:gochecknoglobals,mnd
var LatencyBuckets = [...]int64{
	int64(50 * time.Microsecond),
	int64(100 * time.Microsecond),
	int64(250 * time.Microsecond),
	int64(500 * time.Microsecond),
	int64(1 * time.Millisecond),
	int64(2 * time.Millisecond),
	int64(5 * time.Millisecond),
	int64(10 * time.Millisecond),
	int64(25 * time.Millisecond),
	int64(50 * time.Millisecond),
	int64(100 * time.Millisecond),
	int64(250 * time.Millisecond),
	int64(500 * time.Millisecond),
	int64(1 * time.Second),
}

// Histogram collects fixed-bucket latency histograms per operation class, lock free.
type Histogram struct {
	// buckets[op][bucket], last bucket is +Inf
	buckets [opCount][len(LatencyBuckets) + 1]atomic.Uint64
}

// Observe records a duration for op.
func (h *Histogram) Observe(op Op, d time.Duration) {
	if op < 0 || op >= opCount {
		return
	}

	ns := d.Nanoseconds()
	for i, ub := range LatencyBuckets {
		if ns <= ub {
			h.buckets[op][i].Add(1)

			return
		}
	}

	h.buckets[op][len(LatencyBuckets)].Add(1)
}

// Snapshot returns a copy of bucket counts (op name -> buckets).
func (h *Histogram) Snapshot() map[string][]uint64 {
	out := make(map[string][]uint64, opCount)

	for op := range opCount {
		counts := make([]uint64, len(LatencyBuckets)+1)
		for b := range counts {
			counts[b] = h.buckets[op][b].Load()
		}

		out[op.String()] = counts
	}

	return out
}

// Reset zeroes every bucket.
func (h *Histogram) Reset() {
	for op := range opCount {
		for b := range h.buckets[op] {
			h.buckets[op][b].Store(0)
		}
	}
}
