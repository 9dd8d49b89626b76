package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// Ring implements a consistent hashing ring with virtual nodes.
type Ring struct {
	mu          sync.RWMutex
	vnodes      []vnode
	vnPerNode   int
	replication int
}

type vnode struct {
	hash uint64
	nid  NodeID
}

// RingOption configures ring.
type RingOption func(*Ring)

// WithVirtualNodes sets the number of virtual nodes per physical node.
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.vnPerNode = n
		}
	}
}

// WithReplication sets the number of owners per segment.
func WithReplication(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.replication = n
		}
	}
}

// NewRing constructs a ring applying provided options.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{vnPerNode: constants.DefaultVirtualNodes, replication: constants.DefaultNumOwners}
	for _, o := range opts {
		o(r)
	}

	return r
}

// Build rebuilds the ring using the supplied node list (copy-on-write).
func (r *Ring) Build(nodes []*Node) {
	vn := make([]vnode, 0, len(nodes)*r.vnPerNode)
	for _, node := range nodes {
		base := []byte(node.ID)
		for i := range r.vnPerNode {
			buf := make([]byte, len(base)+2)
			copy(buf, base)

			buf[len(base)] = byte(i)
			buf[len(base)+1] = byte(i >> byteShift)

			vn = append(vn, vnode{hash: xxhash.Sum64(buf), nid: node.ID})
		}
	}

	sort.Slice(vn, func(i, j int) bool {
		if vn[i].hash == vn[j].hash {
			return vn[i].nid < vn[j].nid
		}

		return vn[i].hash < vn[j].hash
	})

	r.mu.Lock()

	r.vnodes = vn
	r.mu.Unlock()
}

// Lookup returns the primary owner and (replication-1) backups for a key.
func (r *Ring) Lookup(key string) []NodeID {
	return r.LookupHash(xxhash.Sum64String(key))
}

// LookupHash returns the owners of the first vnode at or after hash h.
func (r *Ring) LookupHash(h uint64) []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lookupLocked(h)
}

func (r *Ring) lookupLocked(h uint64) []NodeID {
	if len(r.vnodes) == 0 {
		return nil
	}

	idx := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= h })
	if idx == len(r.vnodes) {
		idx = 0
	}

	res := make([]NodeID, 0, r.replication)
	seen := make(map[NodeID]struct{}, r.replication)

	for i := 0; len(res) < r.replication && i < len(r.vnodes); i++ {
		vn := r.vnodes[(idx+i)%len(r.vnodes)]
		if _, ok := seen[vn.nid]; ok {
			continue
		}

		seen[vn.nid] = struct{}{}
		res = append(res, vn.nid)
	}

	return res
}

// SegmentOwners assigns owners to numSegments equal hash ranges: each segment is owned by
// the ring owners of its first hash value.
func (r *Ring) SegmentOwners(numSegments int) [][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([][]string, numSegments)
	for s := range numSegments {
		ids := r.lookupLocked(topology.SegmentStart(s, numSegments))

		owners := make([]string, len(ids))
		for i, id := range ids {
			owners[i] = string(id)
		}

		out[s] = owners
	}

	return out
}

// Replication returns the number of owners per segment.
func (r *Ring) Replication() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.replication
}

// VirtualNodesPerNode returns configured virtual nodes per physical node.
func (r *Ring) VirtualNodesPerNode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.vnPerNode
}

// VNodeHashes returns a copy of vnode hash values as hex strings (debug only).
func (r *Ring) VNodeHashes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.vnodes))
	for _, v := range r.vnodes {
		out = append(out, fmt.Sprintf("%016x:%s", v.hash, v.nid))
	}

	return out
}
