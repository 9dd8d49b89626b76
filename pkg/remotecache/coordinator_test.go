package remotecache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/client"
	"github.com/hyp3rd/hypergrid/pkg/dispatch"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
	"github.com/hyp3rd/hypergrid/pkg/store"
	"github.com/hyp3rd/hypergrid/pkg/topology"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

const node = "n1"

// newGrid starts a single node owning every segment at topology 1 and returns a factory
// of independent coordinators talking to it.
func newGrid(t *testing.T) func(opts ...Option) *Coordinator {
	t.Helper()

	view := topology.NewView(1, 1, [][]string{{node}, {node}, {node}, {node}}, map[string]string{node: "n1:1"})
	gate := statetransfer.NewGate()
	assert.Nil(t, gate.InstallTopology(1))
	assert.Nil(t, gate.InstallTransactionData(1))

	mem := store.NewMemory(store.WithReaperInterval(0))
	t.Cleanup(func() { _ = mem.Close() })

	d := dispatch.New(node, gate, func() *topology.View { return view }, dispatch.NewStoreExecutor(mem, nil))

	tr := transport.NewInProcess()
	tr.Register(node, transport.HandlerFunc(func(ctx context.Context, req *protocol.Request) *protocol.Response {
		resp, err := d.Handle(ctx, dispatch.NewCommand(req))
		if err != nil {
			return protocol.ErrorResponse(req, protocol.StatusNotReady, err)
		}

		return resp
	}))

	return func(opts ...Option) *Coordinator {
		cd, err := client.New("c", tr, map[string]string{node: "n1:1"}, client.WithBackoff(0, 0))
		assert.Nil(t, err)

		return New(cd, opts...)
	}
}

func TestCoordinator_VersionRoundTrip(t *testing.T) {
	c := newGrid(t)()
	ctx := context.Background()

	v1, prev, err := c.Put(ctx, "k", []byte("a"))
	assert.Nil(t, err)
	assert.Nil(t, prev)

	got, ok, err := c.GetWithVersion(ctx, "k")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", string(got.Value))
	assert.Equal(t, v1, got.Version)

	v2, applied, err := c.ReplaceWithVersion(ctx, "k", []byte("b"), v1)
	assert.Nil(t, err)
	assert.True(t, applied)
	assert.True(t, v2 > v1)

	_, applied, err = c.ReplaceWithVersion(ctx, "k", []byte("c"), v1)
	assert.Nil(t, err)
	assert.False(t, applied)

	removed, err := c.RemoveWithVersion(ctx, "k", v1)
	assert.Nil(t, err)
	assert.False(t, removed)

	removed, err = c.RemoveWithVersion(ctx, "k", v2)
	assert.Nil(t, err)
	assert.True(t, removed)

	_, ok, err = c.Get(ctx, "k")
	assert.Nil(t, err)
	assert.False(t, ok)

	_, applied, err = c.ReplaceWithVersion(ctx, "k", []byte("d"), v2)
	assert.Nil(t, err)
	assert.False(t, applied)
}

func TestCoordinator_PlainOperations(t *testing.T) {
	c := newGrid(t)()
	ctx := context.Background()

	_, applied, err := c.PutIfAbsent(ctx, "k", []byte("a"))
	assert.Nil(t, err)
	assert.True(t, applied)

	_, applied, err = c.PutIfAbsent(ctx, "k", []byte("b"))
	assert.Nil(t, err)
	assert.False(t, applied)

	_, prev, err := c.Put(ctx, "k", []byte("c"), ReturnPrevious())
	assert.Nil(t, err)
	assert.Equal(t, "a", string(prev))

	found, err := c.ContainsKey(ctx, "k")
	assert.Nil(t, err)
	assert.True(t, found)

	prev, removed, err := c.Remove(ctx, "k", ReturnPrevious())
	assert.Nil(t, err)
	assert.True(t, removed)
	assert.Equal(t, "c", string(prev))

	_, removed, err = c.Remove(ctx, "k")
	assert.Nil(t, err)
	assert.False(t, removed)

	_, _, err = c.Put(ctx, "", []byte("x"))
	assert.True(t, errors.Is(err, sentinel.ErrInvalidKey))

	_, _, err = c.Put(ctx, "k", nil)
	assert.True(t, errors.Is(err, sentinel.ErrNilValue))
}

func TestCoordinator_SizeAndClear(t *testing.T) {
	c := newGrid(t)()
	ctx := context.Background()

	for i := range 5 {
		_, _, err := c.Put(ctx, "k"+strconv.Itoa(i), []byte("v"))
		assert.Nil(t, err)
	}

	n, err := c.Size(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(5), n)

	assert.Nil(t, c.Clear(ctx))

	n, err = c.Size(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(0), n)
}

// Two writers holding the same version race; exactly one conditional write wins.
func TestCoordinator_TwoWritersOneWins(t *testing.T) {
	grid := newGrid(t)
	a, b := grid(), grid()
	ctx := context.Background()

	v, _, err := a.Put(ctx, "k", []byte("0"))
	assert.Nil(t, err)

	var wins atomic.Int32

	var wg sync.WaitGroup

	for _, c := range []*Coordinator{a, b} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, applied, err := c.ReplaceWithVersion(ctx, "k", []byte("1"), v)
			assert.Nil(t, err)

			if applied {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// A plain write landing between the read and the conditional write of a compute forces
// exactly one version retry, and the retry builds on the interleaved value.
func TestCoordinator_ComputeRetriesOnceAfterInterleavedWrite(t *testing.T) {
	grid := newGrid(t)
	c, other := grid(), grid()
	ctx := context.Background()

	_, _, err := c.Put(ctx, "k", []byte("1"))
	assert.Nil(t, err)

	calls := 0

	got, exists, err := c.Compute(ctx, "k", func(cur []byte, ok bool) ([]byte, bool) {
		calls++
		if calls == 1 {
			_, _, perr := other.Put(ctx, "k", []byte("10"))
			assert.Nil(t, perr)
		}

		n, _ := strconv.Atoi(string(cur))

		return []byte(strconv.Itoa(n + 1)), true
	})
	assert.Nil(t, err)
	assert.True(t, exists)
	assert.Equal(t, "11", string(got.Value))
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), c.Stats().VersionRetries)

	cur, _, err := c.GetWithVersion(ctx, "k")
	assert.Nil(t, err)
	assert.Equal(t, got.Version, cur.Version)
}

func TestCoordinator_ComputeConcurrentIncrements(t *testing.T) {
	grid := newGrid(t)
	ctx := context.Background()

	const (
		writers = 8
		each    = 25
	)

	var wg sync.WaitGroup

	for range writers {
		c := grid()

		wg.Add(1)

		go func() {
			defer wg.Done()

			for range each {
				_, _, err := c.Compute(ctx, "counter", func(cur []byte, ok bool) ([]byte, bool) {
					n := 0
					if ok {
						n, _ = strconv.Atoi(string(cur))
					}

					return []byte(strconv.Itoa(n + 1)), true
				})
				assert.Nil(t, err)
			}
		}()
	}

	wg.Wait()

	v, ok, err := grid().Get(ctx, "counter")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, strconv.Itoa(writers*each), string(v))
}

func TestCoordinator_ComputeInsertAndRemove(t *testing.T) {
	c := newGrid(t)()
	ctx := context.Background()

	_, exists, err := c.Compute(ctx, "k", func([]byte, bool) ([]byte, bool) { return nil, false })
	assert.Nil(t, err)
	assert.False(t, exists)

	got, exists, err := c.Compute(ctx, "k", func(_ []byte, ok bool) ([]byte, bool) {
		assert.False(t, ok)

		return []byte("new"), true
	})
	assert.Nil(t, err)
	assert.True(t, exists)
	assert.Equal(t, "new", string(got.Value))

	_, exists, err = c.Compute(ctx, "k", func(cur []byte, ok bool) ([]byte, bool) {
		assert.True(t, ok)
		assert.Equal(t, "new", string(cur))

		return nil, false
	})
	assert.Nil(t, err)
	assert.False(t, exists)

	found, err := c.ContainsKey(ctx, "k")
	assert.Nil(t, err)
	assert.False(t, found)
}

func TestCoordinator_ComputeVersionRetriesExhausted(t *testing.T) {
	grid := newGrid(t)
	c, other := grid(WithMaxVersionRetries(2)), grid()
	ctx := context.Background()

	_, _, err := c.Put(ctx, "k", []byte("0"))
	assert.Nil(t, err)

	calls := 0

	_, _, err = c.Compute(ctx, "k", func(cur []byte, _ bool) ([]byte, bool) {
		calls++

		_, _, perr := other.Put(ctx, "k", []byte("x"))
		assert.Nil(t, perr)

		return cur, true
	})
	assert.True(t, errors.Is(err, sentinel.ErrVersionRetriesExhausted))
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(3), c.Stats().VersionRetries)
}

func TestCoordinator_ComputeDeadlineNamesVersionLoop(t *testing.T) {
	grid := newGrid(t)
	c, other := grid(), grid()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, err := c.Put(ctx, "k", []byte("0"))
	assert.Nil(t, err)

	calls := 0

	_, _, err = c.Compute(ctx, "k", func(cur []byte, _ bool) ([]byte, bool) {
		calls++
		if calls == 1 {
			_, _, perr := other.Put(context.Background(), "k", []byte("x"))
			assert.Nil(t, perr)
		} else {
			cancel()
		}

		return cur, true
	})
	assert.True(t, errors.Is(err, sentinel.ErrDeadlineExceeded))
	assert.True(t, strings.Contains(err.Error(), "version conflicts"))
}
