package stats

import (
	"math/rand/v2"
	"sync/atomic"
)

const (
	stripes    = 16 // power of two
	stripeMask = stripes - 1
	cacheLine  = 64
)

// paddedInt64 occupies a full cache line so neighbouring stripes never false-share.
type paddedInt64 struct {
	v atomic.Int64
	_ [cacheLine - 8]byte
}

// Counter is a monotonic counter sharded across independent padded accumulators.
// Writers pick a stripe at random; readers sum all stripes.
type Counter struct {
	cells [stripes]paddedInt64
}

// Add adds delta to a randomly chosen stripe.
func (c *Counter) Add(delta int64) {
	c.cells[rand.Uint32()&stripeMask].v.Add(delta) //nolint:gosec
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Load sums every stripe.
func (c *Counter) Load() int64 {
	var sum int64
	for i := range c.cells {
		sum += c.cells[i].v.Load()
	}

	return sum
}

// Reset zeroes every stripe. Concurrent adds may survive a reset.
func (c *Counter) Reset() {
	for i := range c.cells {
		c.cells[i].v.Store(0)
	}
}
