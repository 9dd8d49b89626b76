package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/hypergrid/pkg/remotecache"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// StatsCollectorMiddleware records client-observed latencies. It can and should re-use the
// collector of the dispatcher underneath, so one snapshot carries retries and latencies.
type StatsCollectorMiddleware struct {
	next      remotecache.Service
	collector *stats.Collector
}

// NewStatsCollectorMiddleware returns a new StatsCollectorMiddleware.
func NewStatsCollectorMiddleware(next remotecache.Service, collector *stats.Collector) remotecache.Service {
	return &StatsCollectorMiddleware{next: next, collector: collector}
}

func (mw *StatsCollectorMiddleware) read(start time.Time, hit bool, err error) {
	switch {
	case err != nil:
	case hit:
		mw.collector.RecordHit(time.Since(start))
	default:
		mw.collector.RecordMiss(time.Since(start))
	}
}

func (mw *StatsCollectorMiddleware) write(start time.Time, applied bool, err error) {
	if err == nil && applied {
		mw.collector.RecordStore(time.Since(start))
	}
}

func (mw *StatsCollectorMiddleware) remove(start time.Time, applied bool, err error) {
	if err == nil && applied {
		mw.collector.RecordRemove(time.Since(start))
	}
}

// Get records a hit or a miss.
func (mw *StatsCollectorMiddleware) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := mw.next.Get(ctx, key)
	mw.read(start, ok, err)

	return v, ok, err
}

// GetWithVersion records a hit or a miss.
func (mw *StatsCollectorMiddleware) GetWithVersion(ctx context.Context, key string) (remotecache.VersionedValue, bool, error) {
	start := time.Now()
	v, ok, err := mw.next.GetWithVersion(ctx, key)
	mw.read(start, ok, err)

	return v, ok, err
}

// Put records a store.
func (mw *StatsCollectorMiddleware) Put(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, []byte, error) {
	start := time.Now()
	ver, prev, err := mw.next.Put(ctx, key, value, opts...)
	mw.write(start, true, err)

	return ver, prev, err
}

// PutIfAbsent records a store when applied.
func (mw *StatsCollectorMiddleware) PutIfAbsent(ctx context.Context, key string, value []byte, opts ...remotecache.WriteOption) (int64, bool, error) {
	start := time.Now()
	ver, applied, err := mw.next.PutIfAbsent(ctx, key, value, opts...)
	mw.write(start, applied, err)

	return ver, applied, err
}

// Remove records a removal when one happened.
func (mw *StatsCollectorMiddleware) Remove(ctx context.Context, key string, opts ...remotecache.WriteOption) ([]byte, bool, error) {
	start := time.Now()
	prev, removed, err := mw.next.Remove(ctx, key, opts...)
	mw.remove(start, removed, err)

	return prev, removed, err
}

// ContainsKey records a hit or a miss.
func (mw *StatsCollectorMiddleware) ContainsKey(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := mw.next.ContainsKey(ctx, key)
	mw.read(start, ok, err)

	return ok, err
}

// ReplaceWithVersion records a store when applied.
func (mw *StatsCollectorMiddleware) ReplaceWithVersion(ctx context.Context, key string, value []byte, version int64, opts ...remotecache.WriteOption) (int64, bool, error) {
	start := time.Now()
	ver, applied, err := mw.next.ReplaceWithVersion(ctx, key, value, version, opts...)
	mw.write(start, applied, err)

	return ver, applied, err
}

// RemoveWithVersion records a removal when applied.
func (mw *StatsCollectorMiddleware) RemoveWithVersion(ctx context.Context, key string, version int64) (bool, error) {
	start := time.Now()
	applied, err := mw.next.RemoveWithVersion(ctx, key, version)
	mw.remove(start, applied, err)

	return applied, err
}

// Compute records a store or a removal for the winning write.
func (mw *StatsCollectorMiddleware) Compute(ctx context.Context, key string, fn remotecache.ComputeFunc, opts ...remotecache.WriteOption) (remotecache.VersionedValue, bool, error) {
	start := time.Now()
	v, exists, err := mw.next.Compute(ctx, key, fn, opts...)

	if exists {
		mw.write(start, true, err)
	} else {
		mw.remove(start, true, err)
	}

	return v, exists, err
}

// Size is passed through.
func (mw *StatsCollectorMiddleware) Size(ctx context.Context) (int64, error) { return mw.next.Size(ctx) }

// Clear is passed through.
func (mw *StatsCollectorMiddleware) Clear(ctx context.Context) error { return mw.next.Clear(ctx) }

// Stats returns stats.
func (mw *StatsCollectorMiddleware) Stats() stats.Snapshot { return mw.next.Stats() }
