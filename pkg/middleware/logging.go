// Package middleware provides decorators for the remote cache service: structured logging,
// OpenTelemetry metrics and tracing, and latency statistics. Each one wraps a
// remotecache.Service and returns another, so they stack in any order.
package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/pkg/remotecache"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// LoggingMiddleware logs every call with its duration and outcome.
type LoggingMiddleware struct {
	next   remotecache.Service
	logger *zap.Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware.
func NewLoggingMiddleware(next remotecache.Service, logger *zap.Logger) remotecache.Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LoggingMiddleware{next: next, logger: logger}
}

func (mw *LoggingMiddleware) log(method, key string, begin time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("method", method), zap.Duration("took", time.Since(begin)))
	if key != "" {
		fields = append(fields, zap.String("key", key))
	}

	if err != nil {
		mw.logger.Warn("cache call failed", append(fields, zap.Error(err))...)

		return
	}

	mw.logger.Debug("cache call", fields...)
}

// Get logs the call.
func (mw *LoggingMiddleware) Get(ctx context.Context, key string) ([]byte, bool, error) {
	begin := time.Now()
	v, ok, err := mw.next.Get(ctx, key)
	mw.log("Get", key, begin, err, zap.Bool("hit", ok))

	return v, ok, err
}

// GetWithVersion logs the call.
func (mw *LoggingMiddleware) GetWithVersion(ctx context.Context, key string) (remotecache.VersionedValue, bool, error) {
	begin := time.Now()
	v, ok, err := mw.next.GetWithVersion(ctx, key)
	mw.log("GetWithVersion", key, begin, err, zap.Bool("hit", ok), zap.Int64("version", v.Version))

	return v, ok, err
}

// Put logs the call.
func (mw *LoggingMiddleware) Put(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, []byte, error) {
	begin := time.Now()
	ver, prev, err := mw.next.Put(ctx, key, value, opts...)
	mw.log("Put", key, begin, err, zap.Int64("version", ver))

	return ver, prev, err
}

// PutIfAbsent logs the call.
func (mw *LoggingMiddleware) PutIfAbsent(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, bool, error) {
	begin := time.Now()
	ver, applied, err := mw.next.PutIfAbsent(ctx, key, value, opts...)
	mw.log("PutIfAbsent", key, begin, err, zap.Bool("applied", applied))

	return ver, applied, err
}

// Remove logs the call.
func (mw *LoggingMiddleware) Remove(ctx context.Context, key string, opts ...remotecache.WriteOption) ([]byte, bool, error) {
	begin := time.Now()
	prev, removed, err := mw.next.Remove(ctx, key, opts...)
	mw.log("Remove", key, begin, err, zap.Bool("removed", removed))

	return prev, removed, err
}

// ContainsKey logs the call.
func (mw *LoggingMiddleware) ContainsKey(ctx context.Context, key string) (bool, error) {
	begin := time.Now()
	ok, err := mw.next.ContainsKey(ctx, key)
	mw.log("ContainsKey", key, begin, err, zap.Bool("hit", ok))

	return ok, err
}

// ReplaceWithVersion logs the call.
func (mw *LoggingMiddleware) ReplaceWithVersion(ctx context.Context, key string, value []byte, version int64, opts ...remotecache.WriteOption) (int64, bool, error) {
	begin := time.Now()
	ver, applied, err := mw.next.ReplaceWithVersion(ctx, key, value, version, opts...)
	mw.log("ReplaceWithVersion", key, begin, err, zap.Int64("expected", version), zap.Bool("applied", applied))

	return ver, applied, err
}

// RemoveWithVersion logs the call.
func (mw *LoggingMiddleware) RemoveWithVersion(ctx context.Context, key string, version int64) (bool, error) {
	begin := time.Now()
	applied, err := mw.next.RemoveWithVersion(ctx, key, version)
	mw.log("RemoveWithVersion", key, begin, err, zap.Int64("expected", version), zap.Bool("applied", applied))

	return applied, err
}

// Compute logs the call.
func (mw *LoggingMiddleware) Compute(ctx context.Context, key string, fn remotecache.ComputeFunc, opts ...remotecache.WriteOption) (remotecache.VersionedValue, bool, error) {
	begin := time.Now()
	v, exists, err := mw.next.Compute(ctx, key, fn, opts...)
	mw.log("Compute", key, begin, err, zap.Bool("exists", exists), zap.Int64("version", v.Version))

	return v, exists, err
}

// Size logs the call.
func (mw *LoggingMiddleware) Size(ctx context.Context) (int64, error) {
	begin := time.Now()
	n, err := mw.next.Size(ctx)
	mw.log("Size", "", begin, err, zap.Int64("size", n))

	return n, err
}

// Clear logs the call.
func (mw *LoggingMiddleware) Clear(ctx context.Context) error {
	begin := time.Now()
	err := mw.next.Clear(ctx)
	mw.log("Clear", "", begin, err)

	return err
}

// Stats is not logged.
func (mw *LoggingMiddleware) Stats() stats.Snapshot { return mw.next.Stats() }
