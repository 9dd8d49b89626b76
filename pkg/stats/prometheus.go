package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector adapts a Collector to prometheus.Collector.
type PrometheusCollector struct {
	c       *Collector
	descs   []*prometheus.Desc
	latency *prometheus.Desc
}

// NewPrometheusCollector returns a prometheus collector reading c. Metrics are named
// "<namespace>_<counter>_total" and carry constLabels.
func NewPrometheusCollector(namespace string, c *Collector, constLabels prometheus.Labels) *PrometheusCollector {
	descs := make([]*prometheus.Desc, len(exportedCounters))
	for i, ec := range exportedCounters {
		descs[i] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", ec.name+"_total"), ec.desc, nil, constLabels)
	}

	return &PrometheusCollector{
		c:     c,
		descs: descs,
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "op_duration_seconds"),
			"operation latency", []string{"op"}, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range p.descs {
		ch <- d
	}

	ch <- p.latency
}

// Collect implements prometheus.Collector.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for i, ec := range exportedCounters {
		ch <- prometheus.MustNewConstMetric(p.descs[i], prometheus.CounterValue, float64(ec.load(p.c)))
	}

	for op, counts := range p.c.latency.Snapshot() {
		buckets := make(map[float64]uint64, len(LatencyBuckets))

		var cumulative uint64

		for i, ub := range LatencyBuckets {
			cumulative += counts[i]
			buckets[time.Duration(ub).Seconds()] = cumulative
		}

		total := cumulative + counts[len(LatencyBuckets)]

		ch <- prometheus.MustNewConstHistogram(p.latency, total, 0, buckets, op)
	}
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
