package client

import (
	"sync/atomic"

	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// cachedView pairs a view with the age it was accepted at, so both swap together. resetAge
// is the age of the last Reset; requests stamped before it belong to a retired id sequence.
type cachedView struct {
	view     *topology.View
	age      int64
	resetAge int64
}

// TopologyCache holds the newest view a client has observed for one cache. Reads are
// lock free; replacements are a single compare-and-swap and never regress the view id.
//
// The age counts accepted replacements. It is client-local bookkeeping stamped on
// requests and echoed by servers, distinct from the server-authoritative topology id.
type TopologyCache struct {
	ref atomic.Pointer[cachedView]
}

// NewTopologyCache returns a cache holding no view at age 0.
func NewTopologyCache() *TopologyCache {
	c := &TopologyCache{}
	c.ref.Store(&cachedView{view: topology.Empty()})

	return c
}

// Current returns the held view.
func (c *TopologyCache) Current() *topology.View { return c.ref.Load().view }

// Age returns the number of accepted replacements.
func (c *TopologyCache) Age() int64 { return c.ref.Load().age }

// Snapshot returns the held view and its age, read together.
func (c *TopologyCache) Snapshot() (*topology.View, int64) {
	cv := c.ref.Load()

	return cv.view, cv.age
}

// Update replaces the held view with candidate iff candidate's id is strictly higher.
// It reports whether candidate was accepted.
func (c *TopologyCache) Update(candidate *topology.View) bool {
	return c.swap(candidate, func(cur *cachedView) bool { return candidate.ID() > cur.view.ID() })
}

// UpdateFromResponse applies a view piggybacked on a response to a request stamped with
// age. Like Update it accepts only a strictly higher id; the age only discards views
// answering requests sent before the last Reset, whose ids are not comparable.
func (c *TopologyCache) UpdateFromResponse(candidate *topology.View, age int64) bool {
	return c.swap(candidate, func(cur *cachedView) bool {
		return age >= cur.resetAge && candidate.ID() > cur.view.ID()
	})
}

// Reset replaces the held view unconditionally, for a cache whose ids restarted.
func (c *TopologyCache) Reset(view *topology.View) {
	if view == nil {
		view = topology.Empty()
	}

	for {
		cur := c.ref.Load()
		next := &cachedView{view: view, age: cur.age + 1, resetAge: cur.age + 1}

		if c.ref.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (c *TopologyCache) swap(candidate *topology.View, accept func(cur *cachedView) bool) bool {
	if candidate == nil {
		return false
	}

	for {
		cur := c.ref.Load()
		if !accept(cur) {
			return false
		}

		if c.ref.CompareAndSwap(cur, &cachedView{view: candidate, age: cur.age + 1, resetAge: cur.resetAge}) {
			return true
		}
	}
}
