// Package remotecache is the application-facing surface of a remote grid cache. Plain
// operations go through the client dispatcher; versioned operations add optimistic
// concurrency on top of it, with a version retry loop independent of topology retries.
package remotecache

import (
	"context"
	"time"

	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// VersionedValue is a value with the version stamped by its last write. A version is only
// meaningful for the key it was read from.
type VersionedValue struct {
	Value   []byte
	Version int64
}

// ComputeFunc maps the current value (exists=false when absent) to the next one. Returning
// keep=false removes the entry. It may run several times for one Compute call and must be
// free of externally visible side effects.
type ComputeFunc func(current []byte, exists bool) (next []byte, keep bool)

// WriteOption tunes a single write.
type WriteOption func(*protocol.Request)

// WithLifespan expires the entry d after the write.
func WithLifespan(d time.Duration) WriteOption {
	return func(r *protocol.Request) { r.LifespanMS = d.Milliseconds() }
}

// WithMaxIdle expires the entry once unread for d.
func WithMaxIdle(d time.Duration) WriteOption {
	return func(r *protocol.Request) { r.MaxIdleMS = d.Milliseconds() }
}

// ReturnPrevious asks the write to return the value it replaced.
func ReturnPrevious() WriteOption {
	return func(r *protocol.Request) { r.Flags |= protocol.FlagReturnPreviousValue }
}

// Service is the remote cache surface.
type Service interface {
	// Get returns the value of key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// GetWithVersion returns the value of key with its version.
	GetWithVersion(ctx context.Context, key string) (VersionedValue, bool, error)
	// Put writes value and returns the new version, plus the replaced value with ReturnPrevious.
	Put(ctx context.Context, key string, value []byte, opts ...WriteOption) (int64, []byte, error)
	// PutIfAbsent writes value unless key exists; applied reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte, opts ...WriteOption) (int64, bool, error)
	// Remove deletes key and returns the removed value with ReturnPrevious.
	Remove(ctx context.Context, key string, opts ...WriteOption) ([]byte, bool, error)
	// ContainsKey reports whether key exists.
	ContainsKey(ctx context.Context, key string) (bool, error)
	// ReplaceWithVersion writes value iff key is still at version.
	ReplaceWithVersion(ctx context.Context, key string, value []byte, version int64, opts ...WriteOption) (int64, bool, error)
	// RemoveWithVersion deletes key iff it is still at version.
	RemoveWithVersion(ctx context.Context, key string, version int64) (bool, error)
	// Compute atomically replaces the value of key with fn's result.
	Compute(ctx context.Context, key string, fn ComputeFunc, opts ...WriteOption) (VersionedValue, bool, error)
	// Size returns the number of entries across the cluster.
	Size(ctx context.Context) (int64, error)
	// Clear removes every entry across the cluster.
	Clear(ctx context.Context) error
	// Stats returns the client statistics.
	Stats() stats.Snapshot
}
