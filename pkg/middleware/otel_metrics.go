package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/remotecache"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for service methods.
type OTelMetricsMiddleware struct {
	next remotecache.Service

	// instruments
	calls     metric.Int64Counter
	errors    metric.Int64Counter
	durations metric.Float64Histogram
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware(next remotecache.Service, meter metric.Meter) (remotecache.Service, error) {
	calls, err := meter.Int64Counter("hypergrid.calls")
	if err != nil {
		return nil, ewrap.Wrap(err, "create counter")
	}

	errs, err := meter.Int64Counter("hypergrid.errors")
	if err != nil {
		return nil, ewrap.Wrap(err, "create error counter")
	}

	durations, err := meter.Float64Histogram("hypergrid.duration.ms", metric.WithUnit("ms"))
	if err != nil {
		return nil, ewrap.Wrap(err, "create histogram")
	}

	return &OTelMetricsMiddleware{next: next, calls: calls, errors: errs, durations: durations}, nil
}

// Get implements Service.Get with metrics.
func (mw *OTelMetricsMiddleware) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := mw.next.Get(ctx, key)
	mw.rec(ctx, "Get", start, err, attribute.Bool(attrs.AttrHit, ok))

	return v, ok, err
}

// GetWithVersion implements Service.GetWithVersion with metrics.
func (mw *OTelMetricsMiddleware) GetWithVersion(ctx context.Context, key string) (remotecache.VersionedValue, bool, error) {
	start := time.Now()
	v, ok, err := mw.next.GetWithVersion(ctx, key)
	mw.rec(ctx, "GetWithVersion", start, err, attribute.Bool(attrs.AttrHit, ok))

	return v, ok, err
}

// Put implements Service.Put with metrics.
func (mw *OTelMetricsMiddleware) Put(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, []byte, error) {
	start := time.Now()
	ver, prev, err := mw.next.Put(ctx, key, value, opts...)
	mw.rec(ctx, "Put", start, err)

	return ver, prev, err
}

// PutIfAbsent implements Service.PutIfAbsent with metrics.
func (mw *OTelMetricsMiddleware) PutIfAbsent(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, bool, error) {
	start := time.Now()
	ver, applied, err := mw.next.PutIfAbsent(ctx, key, value, opts...)
	mw.rec(ctx, "PutIfAbsent", start, err, attribute.Bool(attrs.AttrApplied, applied))

	return ver, applied, err
}

// Remove implements Service.Remove with metrics.
func (mw *OTelMetricsMiddleware) Remove(ctx context.Context, key string, opts ...remotecache.WriteOption) ([]byte, bool, error) {
	start := time.Now()
	prev, removed, err := mw.next.Remove(ctx, key, opts...)
	mw.rec(ctx, "Remove", start, err, attribute.Bool(attrs.AttrApplied, removed))

	return prev, removed, err
}

// ContainsKey implements Service.ContainsKey with metrics.
func (mw *OTelMetricsMiddleware) ContainsKey(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := mw.next.ContainsKey(ctx, key)
	mw.rec(ctx, "ContainsKey", start, err, attribute.Bool(attrs.AttrHit, ok))

	return ok, err
}

// ReplaceWithVersion implements Service.ReplaceWithVersion with metrics.
func (mw *OTelMetricsMiddleware) ReplaceWithVersion(ctx context.Context, key string, value []byte, version int64, opts ...remotecache.WriteOption) (int64, bool, error) {
	start := time.Now()
	ver, applied, err := mw.next.ReplaceWithVersion(ctx, key, value, version, opts...)
	mw.rec(ctx, "ReplaceWithVersion", start, err, attribute.Bool(attrs.AttrApplied, applied))

	return ver, applied, err
}

// RemoveWithVersion implements Service.RemoveWithVersion with metrics.
func (mw *OTelMetricsMiddleware) RemoveWithVersion(ctx context.Context, key string, version int64) (bool, error) {
	start := time.Now()
	applied, err := mw.next.RemoveWithVersion(ctx, key, version)
	mw.rec(ctx, "RemoveWithVersion", start, err, attribute.Bool(attrs.AttrApplied, applied))

	return applied, err
}

// Compute implements Service.Compute with metrics.
func (mw *OTelMetricsMiddleware) Compute(ctx context.Context, key string, fn remotecache.ComputeFunc, opts ...remotecache.WriteOption) (remotecache.VersionedValue, bool, error) {
	start := time.Now()
	v, exists, err := mw.next.Compute(ctx, key, fn, opts...)
	mw.rec(ctx, "Compute", start, err)

	return v, exists, err
}

// Size implements Service.Size with metrics.
func (mw *OTelMetricsMiddleware) Size(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := mw.next.Size(ctx)
	mw.rec(ctx, "Size", start, err)

	return n, err
}

// Clear implements Service.Clear with metrics.
func (mw *OTelMetricsMiddleware) Clear(ctx context.Context) error {
	start := time.Now()
	err := mw.next.Clear(ctx)
	mw.rec(ctx, "Clear", start, err)

	return err
}

// Stats returns stats.
func (mw *OTelMetricsMiddleware) Stats() stats.Snapshot { return mw.next.Stats() }

func (mw *OTelMetricsMiddleware) rec(ctx context.Context, method string, start time.Time, err error, attributes ...attribute.KeyValue) {
	base := []attribute.KeyValue{attribute.String("method", method)}
	if len(attributes) > 0 {
		base = append(base, attributes...)
	}

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(base...))

	if err != nil {
		mw.errors.Add(ctx, 1, metric.WithAttributes(base...))
	}
}
