package store

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

const (
	// ShardCount is the number of shards used by the memory store.
	ShardCount = 32
	// ShardCount32 is ShardCount pre-casted to uint32.
	ShardCount32 uint32 = uint32(ShardCount)
)

// record is the stored form of an entry; lastUsed is touched under the read lock.
type record struct {
	value    []byte
	version  int64
	lifespan time.Duration
	maxIdle  time.Duration
	created  time.Time
	lastUsed atomic.Int64 // unix nanos
}

func (r *record) entry(key string) *Entry {
	return &Entry{
		Key:      key,
		Value:    slices.Clone(r.value),
		Version:  r.version,
		Lifespan: r.lifespan,
		MaxIdle:  r.maxIdle,
		Created:  r.created,
		LastUsed: time.Unix(0, r.lastUsed.Load()),
	}
}

func (r *record) expired(now time.Time) bool {
	if r.lifespan > 0 && now.Sub(r.created) >= r.lifespan {
		return true
	}

	return r.maxIdle > 0 && now.UnixNano()-r.lastUsed.Load() >= int64(r.maxIdle)
}

type shard struct {
	sync.RWMutex

	items map[string]*record
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithVersionSource shares a node-wide version source between stores.
func WithVersionSource(src *VersionSource) MemoryOption {
	return func(m *Memory) {
		if src != nil {
			m.versions = src
		}
	}
}

// WithReaperInterval sets how often expired entries are purged; 0 disables the reaper.
func WithReaperInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.reapEvery = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// Memory is a sharded in-memory Store. Conditional operations run under the shard lock.
type Memory struct {
	shards    []*shard
	versions  *VersionSource
	reapEvery time.Duration
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemory creates a memory store and starts its reaper.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		shards:    make([]*shard, ShardCount),
		versions:  NewVersionSource(),
		reapEvery: constants.DefaultReaperInterval,
		now:       time.Now,
		stop:      make(chan struct{}),
	}

	for i := range ShardCount {
		m.shards[i] = &shard{items: make(map[string]*record)}
	}

	for _, o := range opts {
		o(m)
	}

	if m.reapEvery > 0 {
		m.wg.Add(1)

		go m.reaper()
	}

	return m
}

// getShard returns the shard owning key.
func (m *Memory) getShard(key string) *shard {
	// Inline FNV-1a 32-bit hashing to avoid allocations.
	const (
		fnvOffset32 = 2166136261
		fnvPrime32  = 16777619
	)

	var sum uint32 = fnvOffset32
	for i := range key {
		sum ^= uint32(key[i])

		sum *= fnvPrime32
	}

	return m.shards[sum&(ShardCount32-1)]
}

func (m *Memory) newRecord(value []byte, opts WriteOptions, now time.Time) *record {
	r := &record{
		value:    slices.Clone(value),
		version:  m.versions.Next(),
		lifespan: opts.Lifespan,
		maxIdle:  opts.MaxIdle,
		created:  now,
	}
	r.lastUsed.Store(now.UnixNano())

	return r
}

// liveLocked returns the unexpired record for key. Caller holds the shard lock.
func (s *shard) liveLocked(key string, now time.Time) (*record, bool) {
	r, ok := s.items[key]
	if !ok || r.expired(now) {
		return nil, false
	}

	return r, true
}

func checkWrite(key string, value []byte, opts WriteOptions) error {
	err := ValidateKey(key)
	if err != nil {
		return err
	}

	if value == nil {
		return sentinel.ErrNilValue
	}

	return opts.Validate()
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	now := m.now()
	s := m.getShard(key)

	s.RLock()
	defer s.RUnlock()

	r, ok := s.liveLocked(key, now)
	if !ok {
		return nil, false, nil
	}

	r.lastUsed.Store(now.UnixNano())

	return r.entry(key), true, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, value []byte, opts WriteOptions) (int64, *Entry, error) {
	err := checkWrite(key, value, opts)
	if err != nil {
		return 0, nil, err
	}

	now := m.now()
	s := m.getShard(key)

	s.Lock()
	defer s.Unlock()

	var prev *Entry
	if old, ok := s.liveLocked(key, now); ok {
		prev = old.entry(key)
	}

	r := m.newRecord(value, opts, now)
	s.items[key] = r

	return r.version, prev, nil
}

// PutIfAbsent implements Store.
func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, opts WriteOptions) (CASResult, error) {
	err := checkWrite(key, value, opts)
	if err != nil {
		return CASResult{}, err
	}

	now := m.now()
	s := m.getShard(key)

	s.Lock()
	defer s.Unlock()

	if old, ok := s.liveLocked(key, now); ok {
		return CASResult{Outcome: VersionMismatch, Version: old.version, Previous: old.entry(key)}, nil
	}

	r := m.newRecord(value, opts, now)
	s.items[key] = r

	return CASResult{Outcome: Applied, Version: r.version}, nil
}

// Restore implements Store.
func (m *Memory) Restore(_ context.Context, entry *Entry) (CASResult, error) {
	if entry == nil || entry.Version <= 0 {
		return CASResult{}, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "restored version")
	}

	err := checkWrite(entry.Key, entry.Value, WriteOptions{Lifespan: entry.Lifespan, MaxIdle: entry.MaxIdle})
	if err != nil {
		return CASResult{}, err
	}

	now := m.now()
	s := m.getShard(entry.Key)

	s.Lock()
	defer s.Unlock()

	if old, ok := s.liveLocked(entry.Key, now); ok && old.version >= entry.Version {
		return CASResult{Outcome: VersionMismatch, Version: old.version, Previous: old.entry(entry.Key)}, nil
	}

	m.versions.Observe(entry.Version)

	created := entry.Created
	if created.IsZero() {
		created = now
	}

	r := &record{
		value:    slices.Clone(entry.Value),
		version:  entry.Version,
		lifespan: entry.Lifespan,
		maxIdle:  entry.MaxIdle,
		created:  created,
	}
	r.lastUsed.Store(now.UnixNano())
	s.items[entry.Key] = r

	return CASResult{Outcome: Applied, Version: r.version}, nil
}

// Remove implements Store.
func (m *Memory) Remove(_ context.Context, key string) (*Entry, bool, error) {
	now := m.now()
	s := m.getShard(key)

	s.Lock()
	defer s.Unlock()

	r, ok := s.liveLocked(key, now)
	delete(s.items, key)

	if !ok {
		return nil, false, nil
	}

	return r.entry(key), true, nil
}

// CompareAndSet implements Store.
func (m *Memory) CompareAndSet(_ context.Context, key string, expected int64, value []byte, opts WriteOptions) (CASResult, error) {
	err := checkWrite(key, value, opts)
	if err != nil {
		return CASResult{}, err
	}

	now := m.now()
	s := m.getShard(key)

	s.Lock()
	defer s.Unlock()

	old, ok := s.liveLocked(key, now)
	if !ok {
		return CASResult{Outcome: Absent}, nil
	}

	if old.version != expected {
		return CASResult{Outcome: VersionMismatch, Version: old.version, Previous: old.entry(key)}, nil
	}

	r := m.newRecord(value, opts, now)
	s.items[key] = r

	return CASResult{Outcome: Applied, Version: r.version, Previous: old.entry(key)}, nil
}

// CompareAndRemove implements Store.
func (m *Memory) CompareAndRemove(_ context.Context, key string, expected int64) (CASResult, error) {
	now := m.now()
	s := m.getShard(key)

	s.Lock()
	defer s.Unlock()

	old, ok := s.liveLocked(key, now)
	if !ok {
		return CASResult{Outcome: Absent}, nil
	}

	if old.version != expected {
		return CASResult{Outcome: VersionMismatch, Version: old.version, Previous: old.entry(key)}, nil
	}

	delete(s.items, key)

	return CASResult{Outcome: Applied, Version: old.version, Previous: old.entry(key)}, nil
}

// ContainsKey implements Store.
func (m *Memory) ContainsKey(_ context.Context, key string) (bool, error) {
	now := m.now()
	s := m.getShard(key)

	s.RLock()
	defer s.RUnlock()

	_, ok := s.liveLocked(key, now)

	return ok, nil
}

// Size implements Store.
func (m *Memory) Size(context.Context) (int64, error) {
	var n int64

	for _, s := range m.shards {
		s.RLock()
		n += int64(len(s.items))
		s.RUnlock()
	}

	return n, nil
}

// Clear implements Store.
func (m *Memory) Clear(context.Context) error {
	for _, s := range m.shards {
		s.Lock()
		s.items = make(map[string]*record)
		s.Unlock()
	}

	return nil
}

// Keys implements Store.
func (m *Memory) Keys(context.Context) ([]string, error) {
	var out []string

	for _, s := range m.shards {
		s.RLock()

		for k := range s.items {
			out = append(out, k)
		}

		s.RUnlock()
	}

	return out, nil
}

// Close stops the reaper.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	return nil
}

// Reap purges expired entries and returns how many were removed.
func (m *Memory) Reap() int {
	now := m.now()
	removed := 0

	for _, s := range m.shards {
		s.Lock()

		for k, r := range s.items {
			if r.expired(now) {
				delete(s.items, k)

				removed++
			}
		}

		s.Unlock()
	}

	return removed
}

func (m *Memory) reaper() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reap()
		case <-m.stop:
			return
		}
	}
}

var _ Store = (*Memory)(nil)
