package hypergrid

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/store"
	"github.com/hyp3rd/hypergrid/pkg/store/redisstore"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// transferState pushes every local entry whose primary owner moved away under view to that
// owner, then drops the local copy. An entry is only dropped when the new owner holds a
// value for the key, and only if it was not rewritten locally in between. Entries that
// could not be pushed stay and move with a later topology.
func (n *Node) transferState(ctx context.Context, rt *cacheRuntime, view *topology.View) (int, int) {
	keys, err := rt.store.Keys(ctx)
	if err != nil {
		n.logger.Warn("state transfer skipped", zap.String("cache", rt.name), zap.Error(err))

		return 0, 0
	}

	moved, kept := 0, 0

	for _, key := range keys {
		primary, ok := view.PrimaryOf(key)
		if !ok || primary == n.id {
			continue
		}

		entry, found, err := rt.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}

		if !n.push(ctx, rt.name, view, primary, entry) {
			kept++

			continue
		}

		_, err = rt.store.CompareAndRemove(ctx, key, entry.Version)
		if err != nil {
			n.logger.Warn("drop of transferred entry failed", zap.String("cache", rt.name), zap.String("key", key), zap.Error(err))
		}

		moved++
	}

	return moved, kept
}

// push offers entry to owner as a state transfer write. It reports whether the owner now
// holds the key, either this value or a newer write that beat it.
func (n *Node) push(ctx context.Context, cacheName string, view *topology.View, owner string, entry *store.Entry) bool {
	var lifespanMS int64

	if entry.Lifespan > 0 {
		left := entry.Lifespan - time.Since(entry.Created)
		if left <= 0 {
			// expired: nothing worth moving, the reaper drops it
			return false
		}

		lifespanMS = max(left.Milliseconds(), 1)
	}

	addr, _ := view.Address(owner)

	pctx, cancel := context.WithTimeout(ctx, n.cfg.Client.AttemptTimeout)
	defer cancel()

	conn, err := n.peers.Conn(pctx, owner, addr)
	if err != nil {
		n.logger.Debug("state transfer push failed", zap.String("owner", owner), zap.Error(err))

		return false
	}

	req := &protocol.Request{
		MessageID:  n.msgID.Add(1),
		CacheName:  cacheName,
		Op:         protocol.OpPutIfAbsent,
		Flags:      protocol.FlagStateTransfer,
		TopologyID: view.ID(),
		Mode:       protocol.ModeNone,
		Key:        entry.Key,
		Value:      entry.Value,
		Version:    entry.Version,
		LifespanMS: lifespanMS,
		MaxIdleMS:  entry.MaxIdle.Milliseconds(),
	}

	resp, err := conn.RoundTrip(pctx, req)
	if err != nil {
		n.logger.Debug("state transfer push failed", zap.String("owner", owner), zap.String("key", entry.Key), zap.Error(err))

		return false
	}

	return resp.Status == protocol.StatusOK || resp.Status == protocol.StatusNotExecuted
}

// inboundTransfers tracks, for the newest topology of one cache, the members that have not
// yet reported their state transfer to this node done. Transaction data for that topology
// is installed once none is left and the local outbound transfer finished.
type inboundTransfers struct {
	mu         sync.Mutex
	topologyID int64
	awaiting   map[string]struct{}
	outbound   bool
	done       bool
	// notices for topologies not installed here yet
	early map[int64]map[string]struct{}
	timer *time.Timer
}

func newInboundTransfers() *inboundTransfers {
	return &inboundTransfers{topologyID: -1, early: map[int64]map[string]struct{}{}}
}

// begin tracks topology id, expecting a notice from every sender. expire runs after timeout
// unless the transfers completed first; a zero timeout waits indefinitely.
func (t *inboundTransfers) begin(id int64, senders []string, timeout time.Duration, expire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimerLocked()

	t.topologyID = id
	t.outbound = false
	t.done = false
	t.awaiting = make(map[string]struct{}, len(senders))

	for _, s := range senders {
		t.awaiting[s] = struct{}{}
	}

	for early, from := range t.early {
		if early == id {
			for s := range from {
				delete(t.awaiting, s)
			}
		}

		if early <= id {
			delete(t.early, early)
		}
	}

	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, expire)
	}
}

// settle marks topology id complete without waiting for anyone.
func (t *inboundTransfers) settle(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimerLocked()

	t.topologyID = id
	t.awaiting = nil
	t.outbound = true
	t.done = true
}

// received records that sender finished pushing for topology id. It reports whether the
// transaction data of id may now be installed.
func (t *inboundTransfers) received(id int64, sender string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case id < t.topologyID:
		return false
	case id > t.topologyID:
		if t.early[id] == nil {
			t.early[id] = map[string]struct{}{}
		}

		t.early[id][sender] = struct{}{}

		return false
	}

	delete(t.awaiting, sender)

	return t.completeLocked()
}

// outboundFinished records that this node pushed what it no longer owns under id.
func (t *inboundTransfers) outboundFinished(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id != t.topologyID {
		return false
	}

	t.outbound = true

	return t.completeLocked()
}

// expire gives up on the senders still awaited for id and returns them.
func (t *inboundTransfers) expire(id int64) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id != t.topologyID || t.done {
		return nil, false
	}

	missing := make([]string, 0, len(t.awaiting))
	for s := range t.awaiting {
		missing = append(missing, s)
	}

	slices.Sort(missing)

	t.done = true
	t.timer = nil

	return missing, true
}

func (t *inboundTransfers) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopTimerLocked()
}

func (t *inboundTransfers) completeLocked() bool {
	if t.done || !t.outbound || len(t.awaiting) > 0 {
		return false
	}

	t.done = true
	t.stopTimerLocked()

	return true
}

func (t *inboundTransfers) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// transferSenders returns the members expected to push entries to this node under view:
// the previous primaries of the segments this node became primary of. Members absent from
// view are not awaited, nor is anyone on a node's first view.
func transferSenders(self string, prev, view *topology.View) []string {
	if prev == nil || prev.ID() < 0 {
		return nil
	}

	from := map[string]struct{}{}

	if prev.NumSegments() != view.NumSegments() {
		// segments are not comparable: anyone who stayed may hold our keys
		for _, id := range view.MemberIDs() {
			if _, ok := prev.Address(id); ok && id != self {
				from[id] = struct{}{}
			}
		}
	}

	for seg := range min(prev.NumSegments(), view.NumSegments()) {
		before, now := prev.Owners(seg), view.Owners(seg)
		if len(before) == 0 || len(now) == 0 || now[0] != self || before[0] == self {
			continue
		}

		if _, ok := view.Address(before[0]); ok {
			from[before[0]] = struct{}{}
		}
	}

	senders := make([]string, 0, len(from))
	for id := range from {
		senders = append(senders, id)
	}

	slices.Sort(senders)

	return senders
}

// announceTransferDone tells every other member of view that this node finished pushing
// the entries of cacheName it no longer owns. Delivery is retried in the background until
// it succeeds, the transfer timeout passes or the node stops.
func (n *Node) announceTransferDone(cacheName string, view *topology.View) {
	for _, member := range view.MemberIDs() {
		if member == n.id {
			continue
		}

		addr, _ := view.Address(member)
		req := &protocol.Request{
			MessageID:  n.msgID.Add(1),
			CacheName:  cacheName,
			Op:         protocol.OpTransferDone,
			Origin:     n.id,
			TopologyID: view.ID(),
			Mode:       protocol.ModeNone,
		}

		go n.sendTransferDone(member, addr, req)
	}
}

func (n *Node) sendTransferDone(member, addr string, req *protocol.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-n.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = max(n.cfg.Client.BackoffInitial, 10*time.Millisecond)
	b.MaxInterval = max(n.cfg.Client.BackoffMax, b.InitialInterval)
	b.MaxElapsedTime = n.cfg.TransferTimeout
	b.Reset()

	op := func() error {
		actx, acancel := context.WithTimeout(ctx, n.cfg.Client.AttemptTimeout)
		defer acancel()

		conn, err := n.peers.Conn(actx, member, addr)
		if err != nil {
			return err
		}

		// any answer means the member saw the notice or has no use for it
		_, err = conn.RoundTrip(actx, req)

		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil && ctx.Err() == nil {
		n.logger.Warn("transfer done notice not delivered",
			zap.String("cache", req.CacheName),
			zap.String("member", member),
			zap.Int64("topology_id", req.TopologyID),
			zap.Error(err))
	}
}

// transferDone handles a member's notice that it finished pushing to this node.
func (n *Node) transferDone(rt *cacheRuntime, req *protocol.Request) *protocol.Response {
	if rt.inbound.received(req.TopologyID, req.Origin) {
		n.installTxData(rt, req.TopologyID)
	}

	return protocol.NewResponse(req, protocol.StatusOK)
}

// expireInbound installs the transaction data of id when the awaited senders stayed silent
// past the transfer timeout. Entries they still hold move with a later topology.
func (n *Node) expireInbound(rt *cacheRuntime, id int64) {
	missing, ok := rt.inbound.expire(id)
	if !ok {
		return
	}

	n.logger.Warn("state transfer timed out, serving without it",
		zap.String("cache", rt.name),
		zap.Int64("topology_id", id),
		zap.Strings("missing", missing),
		zap.Duration("timeout", n.cfg.TransferTimeout))

	n.installTxData(rt, id)
}

func (n *Node) installTxData(rt *cacheRuntime, id int64) {
	err := rt.gate.InstallTransactionData(id)
	if err != nil {
		// a newer topology already completed, or the node stopped
		n.logger.Debug("transaction data not installed",
			zap.String("cache", rt.name),
			zap.Int64("topology_id", id),
			zap.Error(err))

		return
	}

	n.logger.Debug("transaction data installed", zap.String("cache", rt.name), zap.Int64("topology_id", id))
}

// defaultStore opens a redis store when one is configured, the in-memory store otherwise.
// Redis keys are namespaced per node so that nodes may share one server.
func (n *Node) defaultStore(cacheName string) (store.Store, error) {
	if n.cfg.Redis.Addr == "" {
		return store.NewMemory(
			store.WithVersionSource(n.versions),
			store.WithReaperInterval(n.cfg.ReaperInterval),
		), nil
	}

	rdb, err := redisstore.NewClient(
		redisstore.WithAddr(n.cfg.Redis.Addr),
		redisstore.WithUsername(n.cfg.Redis.Username),
		redisstore.WithPassword(n.cfg.Redis.Password),
		redisstore.WithDB(n.cfg.Redis.DB),
	)
	if err != nil {
		return nil, err
	}

	return redisstore.New(rdb, n.id+":"+cacheName)
}
