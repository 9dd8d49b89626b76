package stats

import (
	"context"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// counterReading is one exported counter.
type counterReading struct {
	name string
	desc string
	load func(*Collector) int64
}

//nolint:gochecknoglobals
var exportedCounters = []counterReading{
	{"hits", "reads that found a value", func(c *Collector) int64 { return c.hits.Load() }},
	{"misses", "reads that found nothing", func(c *Collector) int64 { return c.misses.Load() }},
	{"stores", "writes", func(c *Collector) int64 { return c.stores.Load() }},
	{"removes", "removals", func(c *Collector) int64 { return c.removes.Load() }},
	{"topology_retries", "attempts retried on a stale topology", func(c *Collector) int64 { return c.topologyRetries.Load() }},
	{"version_retries", "computes restarted on a version conflict", func(c *Collector) int64 { return c.versionRetries.Load() }},
	{"transport_failures", "failed wire attempts", func(c *Collector) int64 { return c.transportFailures.Load() }},
	{"commands_waited", "commands suspended on the state transfer gate", func(c *Collector) int64 { return c.commandsWaited.Load() }},
	{"commands_rejected", "commands answered without execution", func(c *Collector) int64 { return c.commandsRejected.Load() }},
}

// RegisterOTel exposes the collector as observable counters named "<prefix>.<counter>".
// Unregister the returned registration to stop reporting.
func RegisterOTel(meter metric.Meter, prefix string, c *Collector, attrs ...attribute.KeyValue) (metric.Registration, error) {
	instruments := make([]metric.Int64ObservableCounter, len(exportedCounters))
	observables := make([]metric.Observable, len(exportedCounters))

	for i, ec := range exportedCounters {
		inst, err := meter.Int64ObservableCounter(prefix+"."+ec.name, metric.WithDescription(ec.desc))
		if err != nil {
			return nil, ewrap.Wrapf(err, "create counter %s", ec.name)
		}

		instruments[i] = inst
		observables[i] = inst
	}

	opt := metric.WithAttributes(attrs...)

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for i, ec := range exportedCounters {
			o.ObserveInt64(instruments[i], ec.load(c), opt)
		}

		return nil
	}, observables...)
	if err != nil {
		return nil, ewrap.Wrap(err, "register stats callback")
	}

	return reg, nil
}
