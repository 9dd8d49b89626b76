package hypergrid

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
)

// heartbeatLoop probes peers and updates membership. Every state change publishes a new
// topology which the node then installs.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.runHeartbeatTick()
		case <-n.stopCh:
			return
		}
	}
}

// runHeartbeatTick runs one heartbeat iteration (best-effort).
func (n *Node) runHeartbeatTick() {
	now := time.Now()

	for _, peer := range n.membership.List() {
		if string(peer.ID) == n.id {
			continue
		}

		n.evaluateLiveness(now, peer)
	}
}

// evaluateLiveness applies timeout-based transitions then performs a probe.
func (n *Node) evaluateLiveness(now time.Time, peer *cluster.Node) {
	elapsed := now.Sub(peer.LastSeen)

	if n.cfg.Heartbeat.DeadAfter > 0 && elapsed > n.cfg.Heartbeat.DeadAfter {
		if n.membership.Remove(peer.ID) {
			n.nodesRemoved.Add(1)
			n.logger.Warn("peer removed", zap.String("peer", string(peer.ID)), zap.Duration("silent_for", elapsed))
		}

		return
	}

	if n.cfg.Heartbeat.SuspectAfter > 0 && elapsed > n.cfg.Heartbeat.SuspectAfter && peer.State == cluster.NodeAlive {
		n.membership.Mark(peer.ID, cluster.NodeSuspect)
		n.logger.Info("peer suspect", zap.String("peer", string(peer.ID)), zap.Duration("silent_for", elapsed))
	}

	err := n.probe(peer)
	if err != nil {
		n.hbFailure.Add(1)

		if peer.State == cluster.NodeAlive {
			n.membership.Mark(peer.ID, cluster.NodeSuspect)
		}

		return
	}

	n.hbSuccess.Add(1)
	// refreshes LastSeen and clears suspicion
	n.membership.Mark(peer.ID, cluster.NodeAlive)
}

func (n *Node) probe(peer *cluster.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Heartbeat.Interval/2)
	defer cancel()

	conn, err := n.peers.Conn(ctx, string(peer.ID), peer.Address)
	if err != nil {
		return err
	}

	resp, err := conn.RoundTrip(ctx, &protocol.Request{MessageID: n.msgID.Add(1), Op: protocol.OpPing})
	if err != nil {
		return err
	}

	return resp.Err()
}
