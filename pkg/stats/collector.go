// Package stats collects hit, miss, store and remove counts with their timings, plus the
// retry and gating counters of the command protocol. Counters are striped so hot paths
// on many goroutines never contend on one cache line; nothing in the grid reads them
// to make decisions.
package stats

import (
	"sync/atomic"
	"time"
)

// Collector gathers statistics for one node or one client.
type Collector struct {
	hits, misses, stores, removes             Counter
	hitNanos, missNanos, storeNanos, rmNanos Counter

	topologyRetries   Counter
	versionRetries    Counter
	transportFailures Counter
	commandsWaited    Counter
	commandsRejected  Counter

	latency Histogram
	resetAt atomic.Int64
}

// NewCollector returns a zeroed collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.resetAt.Store(time.Now().UnixNano())

	return c
}

// RecordHit records a read that found a value.
func (c *Collector) RecordHit(d time.Duration) {
	c.hits.Inc()
	c.hitNanos.Add(d.Nanoseconds())
	c.latency.Observe(OpRead, d)
}

// RecordMiss records a read that found nothing.
func (c *Collector) RecordMiss(d time.Duration) {
	c.misses.Inc()
	c.missNanos.Add(d.Nanoseconds())
	c.latency.Observe(OpRead, d)
}

// RecordStore records a write.
func (c *Collector) RecordStore(d time.Duration) {
	c.stores.Inc()
	c.storeNanos.Add(d.Nanoseconds())
	c.latency.Observe(OpWrite, d)
}

// RecordRemove records a removal.
func (c *Collector) RecordRemove(d time.Duration) {
	c.removes.Inc()
	c.rmNanos.Add(d.Nanoseconds())
	c.latency.Observe(OpRemove, d)
}

// TopologyRetry counts an attempt retried because of a stale or unready topology.
func (c *Collector) TopologyRetry() { c.topologyRetries.Inc() }

// VersionRetry counts a compute restarted after a version conflict.
func (c *Collector) VersionRetry() { c.versionRetries.Inc() }

// TransportFailure counts a failed wire attempt.
func (c *Collector) TransportFailure() { c.transportFailures.Inc() }

// CommandWaited counts a command suspended on the state transfer gate.
func (c *Collector) CommandWaited() { c.commandsWaited.Inc() }

// CommandRejected counts a command answered without execution (not found, not ready, stale).
func (c *Collector) CommandRejected() { c.commandsRejected.Inc() }

// Snapshot is a point-in-time copy of the collector.
type Snapshot struct {
	Hits              int64               `json:"hits"`
	Misses            int64               `json:"misses"`
	Stores            int64               `json:"stores"`
	Removes           int64               `json:"removes"`
	AvgReadHitNanos   int64               `json:"avg_read_hit_nanos"`
	AvgReadMissNanos  int64               `json:"avg_read_miss_nanos"`
	AvgStoreNanos     int64               `json:"avg_store_nanos"`
	AvgRemoveNanos    int64               `json:"avg_remove_nanos"`
	TopologyRetries   int64               `json:"topology_retries"`
	VersionRetries    int64               `json:"version_retries"`
	TransportFailures int64               `json:"transport_failures"`
	CommandsWaited    int64               `json:"commands_waited"`
	CommandsRejected  int64               `json:"commands_rejected"`
	SinceReset        time.Duration       `json:"since_reset"`
	Latency           map[string][]uint64 `json:"latency"`
}

// Snapshot returns the current values.
func (c *Collector) Snapshot() Snapshot {
	hits, misses, stores, removes := c.hits.Load(), c.misses.Load(), c.stores.Load(), c.removes.Load()

	return Snapshot{
		Hits:              hits,
		Misses:            misses,
		Stores:            stores,
		Removes:           removes,
		AvgReadHitNanos:   avg(c.hitNanos.Load(), hits),
		AvgReadMissNanos:  avg(c.missNanos.Load(), misses),
		AvgStoreNanos:     avg(c.storeNanos.Load(), stores),
		AvgRemoveNanos:    avg(c.rmNanos.Load(), removes),
		TopologyRetries:   c.topologyRetries.Load(),
		VersionRetries:    c.versionRetries.Load(),
		TransportFailures: c.transportFailures.Load(),
		CommandsWaited:    c.commandsWaited.Load(),
		CommandsRejected:  c.commandsRejected.Load(),
		SinceReset:        c.TimeSinceReset(),
		Latency:           c.latency.Snapshot(),
	}
}

// Reset zeroes every counter and restarts the reset clock.
func (c *Collector) Reset() {
	for _, ctr := range []*Counter{
		&c.hits, &c.misses, &c.stores, &c.removes,
		&c.hitNanos, &c.missNanos, &c.storeNanos, &c.rmNanos,
		&c.topologyRetries, &c.versionRetries, &c.transportFailures,
		&c.commandsWaited, &c.commandsRejected,
	} {
		ctr.Reset()
	}

	c.latency.Reset()
	c.resetAt.Store(time.Now().UnixNano())
}

// TimeSinceReset returns the time elapsed since creation or the last reset.
func (c *Collector) TimeSinceReset() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.resetAt.Load())
}

func avg(total, n int64) int64 {
	if n == 0 {
		return 0
	}

	return total / n
}
