package client

import (
	"sync"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/pkg/topology"
)

func viewWithID(id int64) *topology.View {
	return topology.NewView(id, 1, [][]string{{"a"}}, map[string]string{"a": "a:1"})
}

func TestTopologyCache_MonotonicUpdates(t *testing.T) {
	c := NewTopologyCache()
	assert.Equal(t, topology.NoTopology, c.Current().ID())
	assert.Equal(t, int64(0), c.Age())

	var accepted []bool
	for _, id := range []int64{3, 1, 5, 5, 2} {
		accepted = append(accepted, c.Update(viewWithID(id)))
	}

	assert.Equal(t, []bool{true, false, true, false, false}, accepted)
	assert.Equal(t, int64(5), c.Current().ID())
	assert.Equal(t, int64(2), c.Age())
	assert.False(t, c.Update(nil))
}

func TestTopologyCache_UpdateFromResponseIsIDMonotonic(t *testing.T) {
	c := NewTopologyCache()
	assert.True(t, c.Update(viewWithID(1)))

	_, stamped := c.Snapshot()

	// a concurrent response installs view 2 while the request stamped at age 1 is in flight
	assert.True(t, c.UpdateFromResponse(viewWithID(2), stamped))
	assert.Equal(t, int64(2), c.Age())

	assert.True(t, c.UpdateFromResponse(viewWithID(3), stamped))
	assert.Equal(t, int64(3), c.Current().ID())

	assert.False(t, c.UpdateFromResponse(viewWithID(2), stamped))
	assert.Equal(t, int64(3), c.Current().ID())
}

func TestTopologyCache_UpdateFromResponseIgnoresViewsBeforeReset(t *testing.T) {
	c := NewTopologyCache()
	assert.True(t, c.Update(viewWithID(7)))

	_, stamped := c.Snapshot()

	c.Reset(viewWithID(0))

	// the old id sequence answered after the reset: id 8 is not comparable to 0
	assert.False(t, c.UpdateFromResponse(viewWithID(8), stamped))
	assert.Equal(t, int64(0), c.Current().ID())

	_, fresh := c.Snapshot()
	assert.True(t, c.UpdateFromResponse(viewWithID(1), fresh))
	assert.Equal(t, int64(1), c.Current().ID())
}

func TestTopologyCache_ResetForcesReplacement(t *testing.T) {
	c := NewTopologyCache()
	assert.True(t, c.Update(viewWithID(9)))

	c.Reset(viewWithID(0))

	view, age := c.Snapshot()
	assert.Equal(t, int64(0), view.ID())
	assert.Equal(t, int64(2), age)
	assert.True(t, c.Update(viewWithID(1)))
}

func TestTopologyCache_ConcurrentUpdatesNeverRegress(t *testing.T) {
	c := NewTopologyCache()

	var wg sync.WaitGroup

	for g := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 100 {
				c.Update(viewWithID(int64((i*7 + g*13) % 100)))

				cur := c.Current().ID()
				assert.True(t, cur >= 0)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(99), c.Current().ID())
	assert.True(t, c.Age() >= 1 && c.Age() <= 100)
}
