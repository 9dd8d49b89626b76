package cluster

import (
	"encoding/hex"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// NodeState represents membership state of a node.
type NodeState int

// Node state enumeration.
const (
	NodeAlive NodeState = iota
	NodeSuspect
	NodeDead
)

// internal constants.
const (
	nodeIDBytes = 8
	byteShift   = 8 // bits per byte for id derivation
)

func (s NodeState) String() string {
	switch s {
	case NodeAlive:
		return "alive"
	case NodeSuspect:
		return "suspect"
	case NodeDead:
		return "dead"
	}

	return "unknown"
}

// NodeID is a stable identifier for a grid member.
type NodeID string

// Node holds identity & liveness state of a grid member.
type Node struct {
	ID          NodeID
	Address     string // host:port of the command endpoint
	State       NodeState
	Incarnation uint64
	LastSeen    time.Time
}

// NewNode creates a node from address (host:port). If id is empty, a short hex id is derived from the address.
func NewNode(id, addr string) *Node {
	if id == "" {
		id = DeriveID(addr)
	}

	return &Node{ID: NodeID(id), Address: addr, State: NodeAlive, Incarnation: 1, LastSeen: time.Now()}
}

// DeriveID returns the stable id used for a node known only by address.
func DeriveID(addr string) string {
	hv := xxhash.Sum64String(addr)

	b := make([]byte, nodeIDBytes)
	for i := range nodeIDBytes {
		b[i] = byte(hv >> (byteShift * i))
	}

	return hex.EncodeToString(b)
}

// Validate checks the node carries a usable host:port address.
func (n *Node) Validate() error {
	if n.Address == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "node address")
	}

	_, _, err := net.SplitHostPort(n.Address)
	if err != nil {
		return ewrap.Wrap(err, "invalid node address")
	}

	return nil
}
