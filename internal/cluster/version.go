package cluster

import "sync/atomic"

// MembershipVersion is the cluster epoch. Every membership change advances it and it doubles
// as the id of the topology built from that membership.
type MembershipVersion struct {
	v atomic.Uint64
}

// Next increments and returns the next version.
func (mv *MembershipVersion) Next() uint64 { return mv.v.Add(1) }

// Get returns current version.
func (mv *MembershipVersion) Get() uint64 { return mv.v.Load() }

// TopologyID returns the version as a topology id.
func (mv *MembershipVersion) TopologyID() int64 { return int64(mv.v.Load()) } //nolint:gosec
