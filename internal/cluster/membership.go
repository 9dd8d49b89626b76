// Package cluster contains primitives for node identity, membership tracking and the
// consistent hashing that turns a membership into a topology.View.
package cluster

import (
	"sync"
	"time"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// MembershipOption configures a Membership.
type MembershipOption func(*Membership)

// WithSegments sets the number of segments of produced views.
func WithSegments(n int) MembershipOption {
	return func(m *Membership) {
		if n > 0 {
			m.segments = n
		}
	}
}

// WithHashVersion sets the hash version stamped on produced views.
func WithHashVersion(v int) MembershipOption {
	return func(m *Membership) { m.hashVersion = v }
}

// Membership tracks current cluster nodes (static seeds plus heartbeat driven transitions).
// Every change advances the version and publishes a new topology.View to subscribers.
type Membership struct {
	mu          sync.RWMutex
	nodes       map[NodeID]*Node
	ring        *Ring
	ver         MembershipVersion
	segments    int
	hashVersion int

	// pubMu orders publications so subscribers observe non-decreasing view ids.
	pubMu  sync.Mutex
	subsMu sync.RWMutex
	subs   map[int]func(*topology.View)
	nextID int
}

// NewMembership creates a new membership container bound to a ring.
func NewMembership(ring *Ring, opts ...MembershipOption) *Membership {
	m := &Membership{
		nodes:       map[NodeID]*Node{},
		ring:        ring,
		segments:    constants.DefaultNumSegments,
		hashVersion: constants.DefaultHashVersion,
		subs:        map[int]func(*topology.View){},
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Upsert adds or updates a node and rebuilds the ring.
func (m *Membership) Upsert(n *Node) {
	m.mu.Lock()

	n.LastSeen = time.Now()
	m.nodes[n.ID] = n

	m.rebuildLocked()
	m.mu.Unlock()

	m.publish()
}

// Join adds or updates several nodes as one membership change.
func (m *Membership) Join(nodes ...*Node) {
	if len(nodes) == 0 {
		return
	}

	m.mu.Lock()

	now := time.Now()
	for _, n := range nodes {
		n.LastSeen = now
		m.nodes[n.ID] = n
	}

	m.rebuildLocked()
	m.mu.Unlock()

	m.publish()
}

// List returns current nodes snapshot.
func (m *Membership) List() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0, len(m.nodes))
	for _, v := range m.nodes {
		if v == nil {
			continue
		}

		cp := *v

		out = append(out, &cp)
	}

	return out
}

// Get returns a copy of the node with id.
func (m *Membership) Get(id NodeID) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}

	return *n, true
}

// Ring returns the underlying ring reference.
func (m *Membership) Ring() *Ring { return m.ring }

// Remove deletes a node from membership and rebuilds the ring. Returns true if removed.
func (m *Membership) Remove(id NodeID) bool {
	m.mu.Lock()

	_, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()

		return false
	}

	delete(m.nodes, id)

	m.rebuildLocked()
	m.mu.Unlock()

	m.publish()

	return true
}

// Mark updates node state + incarnation and refreshes LastSeen. Returns true if node exists.
// Only a state change advances the version.
func (m *Membership) Mark(id NodeID, state NodeState) bool {
	m.mu.Lock()

	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()

		return false
	}

	n.LastSeen = time.Now()

	changed := n.State != state
	if changed {
		n.State = state
		n.Incarnation++

		m.rebuildLocked()
	}

	m.mu.Unlock()

	if changed {
		m.publish()
	}

	return true
}

// Touch refreshes LastSeen without a state change.
func (m *Membership) Touch(id NodeID) {
	m.mu.Lock()

	if n, ok := m.nodes[id]; ok {
		n.LastSeen = time.Now()
	}

	m.mu.Unlock()
}

// Version returns current membership version.
func (m *Membership) Version() uint64 { return m.ver.Get() }

// View builds the topology for the current membership. Its id is the membership version;
// dead nodes neither own segments nor appear as members.
func (m *Membership) View() *topology.View {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.nodes) == 0 {
		return topology.Empty()
	}

	members := make(map[string]string, len(m.nodes))
	for id, n := range m.nodes {
		if n.State != NodeDead {
			members[string(id)] = n.Address
		}
	}

	return topology.NewView(m.ver.TopologyID(), m.hashVersion, m.ring.SegmentOwners(m.segments), members)
}

// Subscribe registers fn to receive every new view. The returned func unsubscribes.
func (m *Membership) Subscribe(fn func(*topology.View)) func() {
	m.subsMu.Lock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// rebuildLocked advances the version and rebuilds the ring from live and suspect nodes.
// Must be called with m.mu held.
func (m *Membership) rebuildLocked() {
	nodes := make([]*Node, 0, len(m.nodes))
	for _, v := range m.nodes {
		if v.State != NodeDead {
			nodes = append(nodes, v)
		}
	}

	m.ring.Build(nodes)
	m.ver.Next()
}

func (m *Membership) publish() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	view := m.View()

	m.subsMu.RLock()

	subs := make([]func(*topology.View), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}

	m.subsMu.RUnlock()

	for _, fn := range subs {
		fn(view)
	}
}
