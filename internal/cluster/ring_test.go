package cluster

import (
	"fmt"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/pkg/topology"
)

func TestRing_LookupReturnsDistinctOwners(t *testing.T) {
	r := NewRing(WithReplication(3), WithVirtualNodes(16))
	r.Build([]*Node{NewNode("a", "a:1"), NewNode("b", "b:1"), NewNode("c", "c:1")})

	for i := range 100 {
		owners := r.Lookup(fmt.Sprintf("key-%d", i))
		assert.Len(t, owners, 3)

		seen := map[NodeID]bool{}
		for _, o := range owners {
			assert.False(t, seen[o])
			seen[o] = true
		}
	}
}

func TestRing_ReplicationCappedByNodes(t *testing.T) {
	r := NewRing(WithReplication(3))
	r.Build([]*Node{NewNode("a", "a:1")})

	assert.Equal(t, []NodeID{"a"}, r.Lookup("k"))
}

func TestRing_EmptyLookup(t *testing.T) {
	r := NewRing()
	assert.Nil(t, r.Lookup("k"))
}

func TestRing_SegmentOwnersMatchSegmentStart(t *testing.T) {
	r := NewRing(WithReplication(2), WithVirtualNodes(8))
	r.Build([]*Node{NewNode("a", "a:1"), NewNode("b", "b:1")})

	owners := r.SegmentOwners(16)
	assert.Len(t, owners, 16)

	for s, o := range owners {
		ids := r.LookupHash(topology.SegmentStart(s, 16))
		assert.Equal(t, len(ids), len(o))

		for i := range ids {
			assert.Equal(t, string(ids[i]), o[i])
		}
	}
}

func TestRing_BuildIsDeterministic(t *testing.T) {
	r1 := NewRing()
	r2 := NewRing()

	r1.Build([]*Node{NewNode("a", "a:1"), NewNode("b", "b:1")})
	r2.Build([]*Node{NewNode("b", "b:1"), NewNode("a", "a:1")})

	assert.Equal(t, r1.SegmentOwners(32), r2.SegmentOwners(32))
}
