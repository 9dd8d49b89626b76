package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/pkg/remotecache"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// OTelTracingMiddleware wraps remotecache.Service methods with OpenTelemetry spans.
type OTelTracingMiddleware struct {
	next   remotecache.Service
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*OTelTracingMiddleware)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(m *OTelTracingMiddleware) { m.commonAttrs = append(m.commonAttrs, attributes...) }
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware(next remotecache.Service, tracer trace.Tracer, opts ...OTelTracingOption) remotecache.Service {
	mw := &OTelTracingMiddleware{next: next, tracer: tracer}
	for _, o := range opts {
		o(mw)
	}

	return mw
}

// Get implements Service.Get with tracing.
func (mw *OTelTracingMiddleware) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Get", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	v, ok, err := mw.next.Get(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))
	record(span, err)

	return v, ok, err
}

// GetWithVersion implements Service.GetWithVersion with tracing.
func (mw *OTelTracingMiddleware) GetWithVersion(ctx context.Context, key string) (remotecache.VersionedValue, bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.GetWithVersion", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	v, ok, err := mw.next.GetWithVersion(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))
	record(span, err)

	return v, ok, err
}

// Put implements Service.Put with tracing.
func (mw *OTelTracingMiddleware) Put(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, []byte, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Put", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	ver, prev, err := mw.next.Put(ctx, key, value, opts...)
	record(span, err)

	return ver, prev, err
}

// PutIfAbsent implements Service.PutIfAbsent with tracing.
func (mw *OTelTracingMiddleware) PutIfAbsent(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.PutIfAbsent", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	ver, applied, err := mw.next.PutIfAbsent(ctx, key, value, opts...)
	span.SetAttributes(attribute.Bool(attrs.AttrApplied, applied))
	record(span, err)

	return ver, applied, err
}

// Remove implements Service.Remove with tracing.
func (mw *OTelTracingMiddleware) Remove(ctx context.Context, key string, opts ...remotecache.WriteOption) ([]byte, bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Remove", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	prev, removed, err := mw.next.Remove(ctx, key, opts...)
	span.SetAttributes(attribute.Bool(attrs.AttrApplied, removed))
	record(span, err)

	return prev, removed, err
}

// ContainsKey implements Service.ContainsKey with tracing.
func (mw *OTelTracingMiddleware) ContainsKey(ctx context.Context, key string) (bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.ContainsKey", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	ok, err := mw.next.ContainsKey(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))
	record(span, err)

	return ok, err
}

// ReplaceWithVersion implements Service.ReplaceWithVersion with tracing.
func (mw *OTelTracingMiddleware) ReplaceWithVersion(ctx context.Context, key string, value []byte, version int64, opts ...remotecache.WriteOption) (int64, bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.ReplaceWithVersion",
		attribute.Int(attrs.AttrKeyLength, len(key)), attribute.Int64("version.expected", version))
	defer span.End()

	ver, applied, err := mw.next.ReplaceWithVersion(ctx, key, value, version, opts...)
	span.SetAttributes(attribute.Bool(attrs.AttrApplied, applied))
	record(span, err)

	return ver, applied, err
}

// RemoveWithVersion implements Service.RemoveWithVersion with tracing.
func (mw *OTelTracingMiddleware) RemoveWithVersion(ctx context.Context, key string, version int64) (bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.RemoveWithVersion",
		attribute.Int(attrs.AttrKeyLength, len(key)), attribute.Int64("version.expected", version))
	defer span.End()

	applied, err := mw.next.RemoveWithVersion(ctx, key, version)
	span.SetAttributes(attribute.Bool(attrs.AttrApplied, applied))
	record(span, err)

	return applied, err
}

// Compute implements Service.Compute with tracing.
func (mw *OTelTracingMiddleware) Compute(ctx context.Context, key string, fn remotecache.ComputeFunc, opts ...remotecache.WriteOption) (remotecache.VersionedValue, bool, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Compute", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	v, exists, err := mw.next.Compute(ctx, key, fn, opts...)
	span.SetAttributes(attribute.Bool("exists", exists))
	record(span, err)

	return v, exists, err
}

// Size implements Service.Size with tracing.
func (mw *OTelTracingMiddleware) Size(ctx context.Context) (int64, error) {
	ctx, span := mw.startSpan(ctx, "hypergrid.Size")
	defer span.End()

	n, err := mw.next.Size(ctx)
	span.SetAttributes(attribute.Int64("size", n))
	record(span, err)

	return n, err
}

// Clear implements Service.Clear with tracing.
func (mw *OTelTracingMiddleware) Clear(ctx context.Context) error {
	ctx, span := mw.startSpan(ctx, "hypergrid.Clear")
	defer span.End()

	err := mw.next.Clear(ctx)
	record(span, err)

	return err
}

// Stats returns stats.
func (mw *OTelTracingMiddleware) Stats() stats.Snapshot { return mw.next.Stats() }

// startSpan starts a span with common and provided attributes.
func (mw *OTelTracingMiddleware) startSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

func record(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
