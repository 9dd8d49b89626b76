// Package store defines the local data container a node executes commands against and
// provides its sharded in-memory implementation.
//
// Every successful mutation stamps the entry with a version drawn from a node-wide
// monotonic source, so a version never repeats for a key while the node lives and the
// version returned by a write is a valid compare-and-set token for the next one.
package store

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Entry is a stored value with its version and expiration metadata.
type Entry struct {
	Key      string
	Value    []byte
	Version  int64
	Lifespan time.Duration // 0 = immortal
	MaxIdle  time.Duration // 0 = never idles out
	Created  time.Time
	LastUsed time.Time
}

// Expired reports whether the entry outlived its lifespan or max idle time at now.
func (e *Entry) Expired(now time.Time) bool {
	if e.Lifespan > 0 && now.Sub(e.Created) >= e.Lifespan {
		return true
	}

	return e.MaxIdle > 0 && now.Sub(e.LastUsed) >= e.MaxIdle
}

// WriteOptions carries per-write expiration.
type WriteOptions struct {
	Lifespan time.Duration
	MaxIdle  time.Duration
}

// Validate rejects negative expirations.
func (o WriteOptions) Validate() error {
	if o.Lifespan < 0 || o.MaxIdle < 0 {
		return sentinel.ErrInvalidExpiration
	}

	return nil
}

// Outcome is the result of a conditional mutation.
type Outcome int

// Conditional mutation outcomes.
const (
	Applied Outcome = iota
	VersionMismatch
	Absent
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case VersionMismatch:
		return "version_mismatch"
	case Absent:
		return "absent"
	}

	return "unknown"
}

// CASResult reports a conditional mutation. Version is the new version when applied,
// otherwise the version currently stored (0 when absent). Previous is the entry observed.
type CASResult struct {
	Outcome  Outcome
	Version  int64
	Previous *Entry
}

// Store is the local data container contract.
type Store interface {
	// Get returns a live entry.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Put writes unconditionally and returns the new version and the replaced entry, if any.
	Put(ctx context.Context, key string, value []byte, opts WriteOptions) (int64, *Entry, error)
	// PutIfAbsent writes only when no live entry exists; otherwise it returns the existing one.
	PutIfAbsent(ctx context.Context, key string, value []byte, opts WriteOptions) (CASResult, error)
	// Remove deletes the entry and returns it.
	Remove(ctx context.Context, key string) (*Entry, bool, error)
	// Restore writes an entry moved from another node, keeping its version and lifespan,
	// unless a live entry at the same or a higher version exists. Versions handed out
	// afterwards are higher than the restored one.
	Restore(ctx context.Context, entry *Entry) (CASResult, error)
	// CompareAndSet replaces the value when the stored version equals expected.
	CompareAndSet(ctx context.Context, key string, expected int64, value []byte, opts WriteOptions) (CASResult, error)
	// CompareAndRemove deletes the entry when the stored version equals expected.
	CompareAndRemove(ctx context.Context, key string, expected int64) (CASResult, error)
	// ContainsKey reports whether a live entry exists.
	ContainsKey(ctx context.Context, key string) (bool, error)
	// Size returns the number of entries, expired ones not yet reaped included.
	Size(ctx context.Context) (int64, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Keys returns the keys of every entry.
	Keys(ctx context.Context) ([]string, error)
	// Close releases background resources.
	Close() error
}

// VersionSource hands out node-wide unique, increasing entry versions.
type VersionSource struct {
	v atomic.Int64
}

// NewVersionSource returns a source whose first version is 1.
func NewVersionSource() *VersionSource { return &VersionSource{} }

// Next returns the next version.
func (s *VersionSource) Next() int64 { return s.v.Add(1) }

// Current returns the last version handed out.
func (s *VersionSource) Current() int64 { return s.v.Load() }

// Observe moves the source past v so that Next never returns v or anything below it.
func (s *VersionSource) Observe(v int64) {
	for {
		cur := s.v.Load()
		if cur >= v || s.v.CompareAndSwap(cur, v) {
			return
		}
	}
}

// ValidateKey rejects empty or whitespace-only keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return sentinel.ErrInvalidKey
	}

	return nil
}
