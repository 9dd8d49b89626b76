package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()

	m := NewMemory(append([]MemoryOption{WithReaperInterval(0)}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestMemory_PutGetRemove(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	v1, prev, err := m.Put(ctx, "k", []byte("v1"), WriteOptions{})
	assert.Nil(t, err)
	assert.Nil(t, prev)

	v2, prev, err := m.Put(ctx, "k", []byte("v2"), WriteOptions{})
	assert.Nil(t, err)
	assert.True(t, v2 > v1)
	assert.Equal(t, "v1", string(prev.Value))
	assert.Equal(t, v1, prev.Version)

	e, ok, err := m.Get(ctx, "k")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(e.Value))
	assert.Equal(t, v2, e.Version)

	removed, ok, err := m.Remove(ctx, "k")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(removed.Value))

	found, err := m.ContainsKey(ctx, "k")
	assert.Nil(t, err)
	assert.False(t, found)
}

func TestMemory_InvalidWrites(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	_, _, err := m.Put(ctx, "  ", []byte("v"), WriteOptions{})
	assert.True(t, errors.Is(err, sentinel.ErrInvalidKey))

	_, _, err = m.Put(ctx, "k", nil, WriteOptions{})
	assert.True(t, errors.Is(err, sentinel.ErrNilValue))

	_, _, err = m.Put(ctx, "k", []byte("v"), WriteOptions{Lifespan: -time.Second})
	assert.True(t, errors.Is(err, sentinel.ErrInvalidExpiration))
}

func TestMemory_VersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	ver, _, err := m.Put(ctx, "k", []byte("a"), WriteOptions{})
	assert.Nil(t, err)

	for i := range 10 {
		res, err := m.CompareAndSet(ctx, "k", ver, []byte(fmt.Sprint(i)), WriteOptions{})
		assert.Nil(t, err)
		assert.Equal(t, Applied, res.Outcome)
		assert.True(t, res.Version > ver)

		ver = res.Version
	}

	res, err := m.CompareAndRemove(ctx, "k", ver)
	assert.Nil(t, err)
	assert.Equal(t, Applied, res.Outcome)
}

func TestMemory_ConditionalOutcomes(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	res, err := m.CompareAndSet(ctx, "k", 1, []byte("x"), WriteOptions{})
	assert.Nil(t, err)
	assert.Equal(t, Absent, res.Outcome)

	res, err = m.PutIfAbsent(ctx, "k", []byte("a"), WriteOptions{})
	assert.Nil(t, err)
	assert.Equal(t, Applied, res.Outcome)

	current := res.Version

	res, err = m.PutIfAbsent(ctx, "k", []byte("b"), WriteOptions{})
	assert.Nil(t, err)
	assert.Equal(t, VersionMismatch, res.Outcome)
	assert.Equal(t, "a", string(res.Previous.Value))

	res, err = m.CompareAndSet(ctx, "k", current+100, []byte("x"), WriteOptions{})
	assert.Nil(t, err)
	assert.Equal(t, VersionMismatch, res.Outcome)
	assert.Equal(t, current, res.Version)

	res, err = m.CompareAndRemove(ctx, "k", current+100)
	assert.Nil(t, err)
	assert.Equal(t, VersionMismatch, res.Outcome)

	res, err = m.CompareAndRemove(ctx, "missing", 1)
	assert.Nil(t, err)
	assert.Equal(t, Absent, res.Outcome)
}

func TestMemory_ConcurrentCASExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	ver, _, err := m.Put(ctx, "k", []byte("init"), WriteOptions{})
	assert.Nil(t, err)

	const writers = 16

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, err := m.CompareAndSet(ctx, "k", ver, []byte(fmt.Sprint(i)), WriteOptions{})
			assert.Nil(t, err)

			if res.Outcome == Applied {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemory_SharedVersionSourceNeverRepeats(t *testing.T) {
	ctx := context.Background()
	src := NewVersionSource()
	a := newTestMemory(t, WithVersionSource(src))
	b := newTestMemory(t, WithVersionSource(src))

	seen := map[int64]bool{}

	for i := range 50 {
		va, _, err := a.Put(ctx, "k", []byte("x"), WriteOptions{})
		assert.Nil(t, err)

		vb, _, err := b.Put(ctx, fmt.Sprint(i), []byte("y"), WriteOptions{})
		assert.Nil(t, err)

		assert.False(t, seen[va])
		assert.False(t, seen[vb])

		seen[va], seen[vb] = true, true
	}

	assert.Equal(t, int64(100), src.Current())
}

func TestMemory_Expiration(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newTestMemory(t, WithClock(clock.Now))

	_, _, err := m.Put(ctx, "life", []byte("v"), WriteOptions{Lifespan: time.Minute})
	assert.Nil(t, err)

	_, _, err = m.Put(ctx, "idle", []byte("v"), WriteOptions{MaxIdle: 10 * time.Second})
	assert.Nil(t, err)

	clock.Advance(8 * time.Second)

	_, ok, _ := m.Get(ctx, "idle")
	assert.True(t, ok)

	clock.Advance(8 * time.Second)

	_, ok, _ = m.Get(ctx, "idle")
	assert.True(t, ok)

	clock.Advance(11 * time.Second)

	_, ok, _ = m.Get(ctx, "idle")
	assert.False(t, ok)

	clock.Advance(time.Minute)

	_, ok, _ = m.Get(ctx, "life")
	assert.False(t, ok)

	res, err := m.PutIfAbsent(ctx, "life", []byte("new"), WriteOptions{})
	assert.Nil(t, err)
	assert.Equal(t, Applied, res.Outcome)

	assert.Equal(t, 1, m.Reap())

	size, _ := m.Size(ctx)
	assert.Equal(t, int64(1), size)
}

func TestMemory_ReaperPurges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithReaperInterval(5 * time.Millisecond))

	defer func() { _ = m.Close() }()

	_, _, err := m.Put(ctx, "k", []byte("v"), WriteOptions{Lifespan: time.Millisecond})
	assert.Nil(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n, _ := m.Size(ctx); n == 0 {
			break
		}

		time.Sleep(5 * time.Millisecond)
	}

	n, _ := m.Size(ctx)
	assert.Equal(t, int64(0), n)
}

func TestMemory_KeysAndClear(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	for i := range 40 {
		_, _, err := m.Put(ctx, fmt.Sprintf("k%d", i), []byte("v"), WriteOptions{})
		assert.Nil(t, err)
	}

	keys, err := m.Keys(ctx)
	assert.Nil(t, err)
	assert.Len(t, keys, 40)

	assert.Nil(t, m.Clear(ctx))

	n, _ := m.Size(ctx)
	assert.Equal(t, int64(0), n)
}

func TestMemory_RestoreKeepsVersionAndAdvancesSource(t *testing.T) {
	ctx := context.Background()
	src := NewVersionSource()
	m := newTestMemory(t, WithVersionSource(src))

	res, err := m.Restore(ctx, &Entry{Key: "moved", Value: []byte("v"), Version: 40})
	assert.Nil(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, int64(40), res.Version)

	e, ok, err := m.Get(ctx, "moved")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(40), e.Version)

	// the old token still works and the next version is past it
	cas, err := m.CompareAndSet(ctx, "moved", 40, []byte("w"), WriteOptions{})
	assert.Nil(t, err)
	assert.Equal(t, Applied, cas.Outcome)
	assert.True(t, cas.Version > 40)

	ver, _, err := m.Put(ctx, "other", []byte("x"), WriteOptions{})
	assert.Nil(t, err)
	assert.True(t, ver > cas.Version)

	// a live entry wins over a restore
	again, err := m.Restore(ctx, &Entry{Key: "moved", Value: []byte("old"), Version: 7})
	assert.Nil(t, err)
	assert.Equal(t, VersionMismatch, again.Outcome)
	assert.Equal(t, cas.Version, again.Version)

	// an older copy left behind is replaced by a newer one
	_, _, err = m.Put(ctx, "stale", []byte("old"), WriteOptions{})
	assert.Nil(t, err)

	newer, err := m.Restore(ctx, &Entry{Key: "stale", Value: []byte("new"), Version: src.Current() + 5})
	assert.Nil(t, err)
	assert.Equal(t, Applied, newer.Outcome)

	_, err = m.Restore(ctx, &Entry{Key: "k", Value: []byte("v")})
	assert.True(t, errors.Is(err, sentinel.ErrParamCannotBeEmpty))
}

func TestVersionSource_ObserveNeverMovesBack(t *testing.T) {
	src := NewVersionSource()
	src.Observe(10)
	src.Observe(3)

	assert.Equal(t, int64(10), src.Current())
	assert.Equal(t, int64(11), src.Next())
}
