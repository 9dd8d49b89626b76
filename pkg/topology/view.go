// Package topology defines the immutable cluster topology snapshot shared by nodes and
// clients. A View assigns every keyspace segment to an ordered list of owners (primary
// first); a new View replaces the previous one wholesale on every membership change or
// rebalance, and its id orders installations per cache.
package topology

import (
	"fmt"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// NoTopology is the id of the view held before any topology was installed or observed.
const NoTopology int64 = -1

// View is a read-only topology snapshot. Never mutate a View after construction;
// callers share references freely.
type View struct {
	id          int64
	hashVersion int
	owners      [][]string
	members     map[string]string
}

//nolint:gochecknoglobals
var emptyView = &View{id: NoTopology, members: map[string]string{}}

// Empty returns the view that precedes the first topology.
func Empty() *View { return emptyView }

// NewView builds a view, deep-copying owners and members.
func NewView(id int64, hashVersion int, owners [][]string, members map[string]string) *View {
	cp := make([][]string, len(owners))
	for i, o := range owners {
		cp[i] = slices.Clone(o)
	}

	mcp := make(map[string]string, len(members))
	for k, v := range members {
		mcp[k] = v
	}

	return &View{id: id, hashVersion: hashVersion, owners: cp, members: mcp}
}

// ID returns the topology id.
func (v *View) ID() int64 { return v.id }

// HashVersion returns the version of the hash function the view was built with.
func (v *View) HashVersion() int { return v.hashVersion }

// NumSegments returns the number of segments.
func (v *View) NumSegments() int { return len(v.owners) }

// Owners returns a copy of the owners of a segment, primary first.
func (v *View) Owners(segment int) []string {
	if segment < 0 || segment >= len(v.owners) {
		return nil
	}

	return slices.Clone(v.owners[segment])
}

// SegmentOf returns the segment of key, or -1 when the view has no segments.
func (v *View) SegmentOf(key string) int {
	if len(v.owners) == 0 {
		return -1
	}

	return SegmentOfHash(xxhash.Sum64String(key), len(v.owners))
}

// OwnersOf returns the owners of the segment key maps to.
func (v *View) OwnersOf(key string) []string { return v.Owners(v.SegmentOf(key)) }

// PrimaryOf returns the primary owner of key.
func (v *View) PrimaryOf(key string) (string, bool) {
	seg := v.SegmentOf(key)
	if seg < 0 || len(v.owners[seg]) == 0 {
		return "", false
	}

	return v.owners[seg][0], true
}

// IsPrimary reports whether node is the primary owner of key.
func (v *View) IsPrimary(node, key string) bool {
	p, ok := v.PrimaryOf(key)

	return ok && p == node
}

// IsOwner reports whether node is among the owners of key.
func (v *View) IsOwner(node, key string) bool {
	seg := v.SegmentOf(key)
	if seg < 0 {
		return false
	}

	return slices.Contains(v.owners[seg], node)
}

// Members returns a copy of the member id -> address table.
func (v *View) Members() map[string]string {
	out := make(map[string]string, len(v.members))
	for k, a := range v.members {
		out[k] = a
	}

	return out
}

// MemberIDs returns the sorted member ids.
func (v *View) MemberIDs() []string {
	ids := make([]string, 0, len(v.members))
	for id := range v.members {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Address resolves a member id.
func (v *View) Address(node string) (string, bool) {
	a, ok := v.members[node]

	return a, ok
}

// NewerThan reports whether v supersedes other.
func (v *View) NewerThan(other *View) bool {
	if other == nil {
		return true
	}

	return v.id > other.id
}

func (v *View) String() string {
	return fmt.Sprintf("View{id=%d, hashVersion=%d, segments=%d, members=%v}", v.id, v.hashVersion, len(v.owners), v.MemberIDs())
}

// SegmentOfHash maps a 64-bit key hash onto one of n equally sized hash ranges.
func SegmentOfHash(h uint64, n int) int {
	if n <= 1 {
		return 0
	}

	return int(h / segmentSize(n))
}

// SegmentStart returns the first hash value of segment s out of n.
func SegmentStart(s, n int) uint64 { return uint64(s) * segmentSize(n) }

func segmentSize(n int) uint64 {
	if n <= 1 {
		return math.MaxUint64
	}

	return math.MaxUint64/uint64(n) + 1
}
