package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestCounter_ConcurrentAdds(t *testing.T) {
	var (
		c  Counter
		wg sync.WaitGroup
	)

	for range 32 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 1000 {
				c.Inc()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(32000), c.Load())

	c.Reset()
	assert.Equal(t, int64(0), c.Load())
}

func TestCollector_SnapshotAndReset(t *testing.T) {
	c := NewCollector()
	c.RecordHit(2 * time.Millisecond)
	c.RecordHit(4 * time.Millisecond)
	c.RecordMiss(time.Millisecond)
	c.RecordStore(time.Millisecond)
	c.RecordRemove(time.Millisecond)
	c.TopologyRetry()
	c.VersionRetry()
	c.TransportFailure()
	c.CommandWaited()
	c.CommandRejected()

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Stores)
	assert.Equal(t, int64(1), s.Removes)
	assert.Equal(t, int64(3*time.Millisecond), s.AvgReadHitNanos)
	assert.Equal(t, int64(1), s.TopologyRetries)
	assert.Equal(t, int64(1), s.VersionRetries)
	assert.Equal(t, int64(1), s.TransportFailures)
	assert.Equal(t, int64(1), s.CommandsWaited)
	assert.Equal(t, int64(1), s.CommandsRejected)

	var reads uint64
	for _, n := range s.Latency["read"] {
		reads += n
	}

	assert.Equal(t, uint64(3), reads)

	c.Reset()

	s = c.Snapshot()
	assert.Equal(t, int64(0), s.Hits)
	assert.Equal(t, int64(0), s.AvgReadHitNanos)
	assert.True(t, s.SinceReset < time.Second)
}

func TestHistogram_Buckets(t *testing.T) {
	var h Histogram
	h.Observe(OpWrite, 10*time.Microsecond)
	h.Observe(OpWrite, 2*time.Second)
	h.Observe(Op(42), time.Second)

	snap := h.Snapshot()["write"]
	assert.Equal(t, uint64(1), snap[0])
	assert.Equal(t, uint64(1), snap[len(LatencyBuckets)])
}

func TestPrometheusCollector_Gather(t *testing.T) {
	c := NewCollector()
	c.RecordHit(time.Millisecond)
	c.TopologyRetry()

	reg := prometheus.NewRegistry()
	assert.Nil(t, reg.Register(NewPrometheusCollector("hypergrid", c, prometheus.Labels{"node": "n1"})))

	families, err := reg.Gather()
	assert.Nil(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() != nil {
				values[f.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	assert.Equal(t, float64(1), values["hypergrid_hits_total"])
	assert.Equal(t, float64(1), values["hypergrid_topology_retries_total"])
}

func TestRegisterOTel_NoopMeter(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	reg, err := RegisterOTel(meter, "hypergrid", NewCollector())
	assert.Nil(t, err)
	assert.NotNil(t, reg)
	assert.Nil(t, reg.Unregister())
}
