// Package hypergrid runs grid nodes: a Node owns the local caches of one process, installs
// every new topology in order, moves entries it no longer owns to their new primary and
// answers wire requests through the topology-gated dispatcher of each cache.
package hypergrid

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/internal/telemetry/attrs"
	"github.com/hyp3rd/hypergrid/internal/workerpool"
	"github.com/hyp3rd/hypergrid/pkg/client"
	"github.com/hyp3rd/hypergrid/pkg/dispatch"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
	"github.com/hyp3rd/hypergrid/pkg/stats"
	"github.com/hyp3rd/hypergrid/pkg/store"
	"github.com/hyp3rd/hypergrid/pkg/topology"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

// StoreFactory opens the local store of a cache.
type StoreFactory func(cacheName string) (store.Store, error)

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithPeers sets the pool used to reach other nodes for state transfer and heartbeats.
func WithPeers(p client.ConnectionPool) Option {
	return func(n *Node) { n.peers = p }
}

// WithMembership shares a membership between nodes. The caller then owns joins; the node
// only follows the views it publishes.
func WithMembership(m *cluster.Membership) Option {
	return func(n *Node) {
		n.membership = m
		n.externalMembership = m != nil
	}
}

// WithStoreFactory overrides how local stores are opened.
func WithStoreFactory(f StoreFactory) Option {
	return func(n *Node) { n.newStore = f }
}

// WithMeter exports the statistics of every cache through OpenTelemetry.
func WithMeter(m metric.Meter) Option {
	return func(n *Node) { n.meter = m }
}

// HeartbeatMetrics counts liveness probe outcomes.
type HeartbeatMetrics struct {
	Success      int64 `json:"success"`
	Failure      int64 `json:"failure"`
	NodesRemoved int64 `json:"nodes_removed"`
}

type cacheRuntime struct {
	name       string
	gate       *statetransfer.Gate
	store      store.Store
	view       atomic.Pointer[topology.View]
	dispatcher *dispatch.Dispatcher
	inbound    *inboundTransfers
	stats      *stats.Collector
	otelReg    metric.Registration
}

// Node is the per-process context of a grid member. Nothing in it is global; several
// nodes may share one process.
type Node struct {
	cfg    Config
	id     string
	logger *zap.Logger

	pool               *workerpool.WorkerPool
	membership         *cluster.Membership
	externalMembership bool
	peers              client.ConnectionPool
	versions           *store.VersionSource
	newStore           StoreFactory
	meter              metric.Meter
	registry           *prometheus.Registry
	msgID              atomic.Uint64

	// installMu serializes topology installs and cache definitions.
	installMu sync.Mutex
	view      atomic.Pointer[topology.View]

	mu     sync.RWMutex
	caches map[string]*cacheRuntime

	hbSuccess    atomic.Int64
	hbFailure    atomic.Int64
	nodesRemoved atomic.Int64

	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
	started     atomic.Bool
	stopped     atomic.Bool
}

// NewNode builds a node from cfg and defines cfg.Caches. Unless a membership is shared
// through WithMembership, the node joins itself and its seeds as one membership change,
// so nodes started with the same member list agree on the first topology id.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		id:       cfg.NodeID,
		logger:   zap.NewNop(),
		versions: store.NewVersionSource(),
		registry: prometheus.NewRegistry(),
		caches:   map[string]*cacheRuntime{},
		stopCh:   make(chan struct{}),
	}

	if n.id == "" {
		n.id = cluster.DeriveID(cfg.Address)
	}

	for _, o := range opts {
		o(n)
	}

	n.logger = n.logger.With(zap.String("node", n.id))
	n.pool = workerpool.New(cfg.WorkerPoolSize, workerpool.WithErrorHandler(func(err error) {
		n.logger.Warn("resumed command failed", zap.Error(err))
	}))

	if n.newStore == nil {
		n.newStore = n.defaultStore
	}

	if n.peers == nil {
		codec, cerr := protocol.NewCodec(cfg.Serializer)
		if cerr != nil {
			return nil, cerr
		}

		n.peers = transport.NewHTTPPool(codec, cfg.Client.AttemptTimeout)
	}

	for _, name := range cfg.Caches {
		err = n.DefineCache(name)
		if err != nil {
			n.pool.Shutdown()

			return nil, err
		}
	}

	if n.membership == nil {
		n.membership = cluster.NewMembership(
			cluster.NewRing(cluster.WithReplication(cfg.NumOwners), cluster.WithVirtualNodes(cfg.VirtualNodes)),
			cluster.WithSegments(cfg.NumSegments),
			cluster.WithHashVersion(cfg.HashVersion),
		)
	}

	n.unsubscribe = n.membership.Subscribe(n.onView)

	if n.externalMembership {
		n.onView(n.membership.View())

		return n, nil
	}

	members := []*cluster.Node{cluster.NewNode(n.id, cfg.Address)}

	for _, s := range cfg.Seeds {
		id, addr, _ := ParseSeed(s)

		seed := cluster.NewNode(id, addr)
		if seed.ID != cluster.NodeID(n.id) {
			members = append(members, seed)
		}
	}

	n.membership.Join(members...)

	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Address returns the configured command endpoint address.
func (n *Node) Address() string { return n.cfg.Address }

// Membership returns the membership the node follows.
func (n *Node) Membership() *cluster.Membership { return n.membership }

// Topology returns the newest installed view.
func (n *Node) Topology() *topology.View {
	if v := n.view.Load(); v != nil {
		return v
	}

	return topology.Empty()
}

// Registry returns the prometheus registry holding the cache collectors.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Start launches the heartbeat loop when enabled. It is idempotent.
func (n *Node) Start(context.Context) error {
	if n.stopped.Load() {
		return sentinel.ErrNodeStopped
	}

	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	if n.cfg.Heartbeat.Interval > 0 {
		n.wg.Add(1)

		go n.heartbeatLoop()
	}

	return nil
}

// Stop halts the node: waiting commands fail over to other nodes, stores close.
func (n *Node) Stop(ctx context.Context) error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(n.stopCh)
	n.unsubscribe()

	done := make(chan struct{})

	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ewrap.Wrap(ctx.Err(), "waiting for heartbeat loop")
	}

	n.mu.Lock()
	caches := n.caches
	n.caches = map[string]*cacheRuntime{}
	n.mu.Unlock()

	var firstErr error

	for _, rt := range caches {
		rt.inbound.stop()
		rt.gate.Stop()

		if rt.otelReg != nil {
			_ = rt.otelReg.Unregister()
		}

		err := rt.store.Close()
		if err != nil && firstErr == nil {
			firstErr = ewrap.Wrapf(err, "close cache %s", rt.name)
		}
	}

	n.pool.Shutdown()

	return firstErr
}

// DefineCache starts a cache. A cache defined after the first topology starts at the
// node's current one; commands issued against older views are answered CacheNotFound.
func (n *Node) DefineCache(name string) error {
	if name == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "cache name")
	}

	if n.stopped.Load() {
		return sentinel.ErrNodeStopped
	}

	n.installMu.Lock()
	defer n.installMu.Unlock()

	n.mu.RLock()
	_, exists := n.caches[name]
	n.mu.RUnlock()

	if exists {
		return nil
	}

	st, err := n.newStore(name)
	if err != nil {
		return ewrap.Wrapf(err, "open store of cache %s", name)
	}

	rt := &cacheRuntime{
		name:    name,
		gate:    statetransfer.NewGate(),
		store:   st,
		inbound: newInboundTransfers(),
		stats:   stats.NewCollector(),
	}
	rt.view.Store(topology.Empty())
	rt.dispatcher = dispatch.New(n.id, rt.gate, rt.view.Load, dispatch.NewStoreExecutor(st, rt.stats),
		dispatch.WithLogger(n.logger),
		dispatch.WithStats(rt.stats),
		dispatch.WithEnqueuer(n.pool),
	)

	err = n.registry.Register(stats.NewPrometheusCollector("hypergrid", rt.stats, prometheus.Labels{"cache": name, "node": n.id}))
	if err != nil {
		_ = st.Close()

		return ewrap.Wrapf(err, "register metrics of cache %s", name)
	}

	if n.meter != nil {
		rt.otelReg, err = stats.RegisterOTel(n.meter, "hypergrid", rt.stats,
			attribute.String(attrs.AttrCacheName, name), attribute.String("node", n.id))
		if err != nil {
			n.logger.Warn("otel export disabled", zap.String("cache", name), zap.Error(err))
		}
	}

	if view := n.view.Load(); view != nil {
		rt.view.Store(view)
		// nothing to transfer yet: both phases complete at once
		_ = rt.gate.InstallTopology(view.ID())
		_ = rt.gate.InstallTransactionData(view.ID())
		rt.inbound.settle(view.ID())
	}

	n.mu.Lock()
	n.caches[name] = rt
	n.mu.Unlock()

	n.logger.Info("cache defined", zap.String("cache", name), zap.Int64("topology_id", rt.gate.TopologyID()))

	return nil
}

// Caches returns the defined cache names, sorted.
func (n *Node) Caches() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	names := make([]string, 0, len(n.caches))
	for name := range n.caches {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// CacheStats returns the statistics of one cache.
func (n *Node) CacheStats(name string) (stats.Snapshot, bool) {
	rt, ok := n.cache(name)
	if !ok {
		return stats.Snapshot{}, false
	}

	return rt.stats.Snapshot(), true
}

// Stats returns the statistics of every cache.
func (n *Node) Stats() map[string]stats.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make(map[string]stats.Snapshot, len(n.caches))
	for name, rt := range n.caches {
		out[name] = rt.stats.Snapshot()
	}

	return out
}

// HeartbeatMetrics returns the liveness probe counters.
func (n *Node) HeartbeatMetrics() HeartbeatMetrics {
	return HeartbeatMetrics{
		Success:      n.hbSuccess.Load(),
		Failure:      n.hbFailure.Load(),
		NodesRemoved: n.nodesRemoved.Load(),
	}
}

// Reap purges the expired entries of a cache and returns how many went.
func (n *Node) Reap(ctx context.Context, name string) (int, error) {
	rt, ok := n.cache(name)
	if !ok {
		return 0, ewrap.Wrapf(sentinel.ErrCacheNotFound, "cache %s", name)
	}

	switch s := rt.store.(type) {
	case interface{ Reap() int }:
		return s.Reap(), nil
	case interface {
		Reap(ctx context.Context) (int, error)
	}:
		return s.Reap(ctx)
	}

	return 0, nil
}

// Handle answers one wire request. It never fails: every outcome is a status.
func (n *Node) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	if n.stopped.Load() {
		resp := protocol.ErrorResponse(req, protocol.StatusNotReady, sentinel.ErrNodeStopped)
		resp.Retry = true

		return resp
	}

	if req.Op == protocol.OpPing {
		return protocol.NewResponse(req, protocol.StatusOK)
	}

	err := req.Validate()
	if err != nil {
		return protocol.ErrorResponse(req, protocol.StatusInvalid, err)
	}

	rt, ok := n.cache(req.CacheName)
	if !ok {
		resp := protocol.ErrorResponse(req, protocol.StatusCacheNotFound, ewrap.Wrapf(sentinel.ErrCacheNotFound, "cache %s", req.CacheName))
		resp.Retry = true

		return resp
	}

	if req.Op == protocol.OpTransferDone {
		return n.transferDone(rt, req)
	}

	resp, err := rt.dispatcher.Handle(ctx, dispatch.NewCommand(req))
	if err != nil {
		resp = protocol.ErrorResponse(req, protocol.StatusNotReady, err)
		resp.Retry = true
	}

	return resp
}

func (n *Node) cache(name string) (*cacheRuntime, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	rt, ok := n.caches[name]

	return rt, ok
}

func (n *Node) onView(view *topology.View) {
	if view == nil || view.ID() < 0 || n.stopped.Load() {
		return
	}

	err := n.InstallTopology(context.Background(), view)
	if err != nil {
		n.logger.Error("topology install failed", zap.Int64("topology_id", view.ID()), zap.Error(err))
	}
}

// InstallTopology installs view on every cache: the gate's topology phase first, then the
// state transfer of entries this node stopped owning. The transaction data phase follows
// once every member that was already in the cluster reported its pushes to this node done,
// possibly after InstallTopology returns. Views not newer than the installed one are ignored.
func (n *Node) InstallTopology(ctx context.Context, view *topology.View) error {
	n.installMu.Lock()
	defer n.installMu.Unlock()

	prev := n.view.Load()
	if !view.NewerThan(prev) {
		return nil
	}

	n.view.Store(view)

	n.mu.RLock()

	caches := make([]*cacheRuntime, 0, len(n.caches))
	for _, rt := range n.caches {
		caches = append(caches, rt)
	}

	n.mu.RUnlock()

	var firstErr error

	for _, rt := range caches {
		err := n.installCache(ctx, rt, prev, view)
		if err != nil && firstErr == nil {
			firstErr = ewrap.Wrapf(err, "cache %s", rt.name)
		}
	}

	return firstErr
}

func (n *Node) installCache(ctx context.Context, rt *cacheRuntime, prev, view *topology.View) error {
	start := time.Now()

	rt.view.Store(view)

	err := rt.gate.InstallTopology(view.ID())
	if err != nil {
		return err
	}

	id := view.ID()
	senders := transferSenders(n.id, prev, view)
	rt.inbound.begin(id, senders, n.cfg.TransferTimeout, func() { n.expireInbound(rt, id) })

	moved, failed := n.transferState(ctx, rt, view)
	n.announceTransferDone(rt.name, view)

	if rt.inbound.outboundFinished(id) {
		n.installTxData(rt, id)
	}

	n.logger.Info("topology installed",
		zap.String("cache", rt.name),
		zap.Int64("topology_id", id),
		zap.Strings("members", view.MemberIDs()),
		zap.Strings("awaiting", senders),
		zap.Int("moved", moved),
		zap.Int("kept", failed),
		zap.Duration("took", time.Since(start)))

	return nil
}

// CacheInfo describes the local state of one cache.
type CacheInfo struct {
	Name             string `json:"name"`
	TopologyID       int64  `json:"topology_id"`
	TxDataTopologyID int64  `json:"tx_data_topology_id"`
	FirstTopologyID  int64  `json:"first_topology_id"`
	WaitingTopology  int    `json:"waiting_topology"`
	WaitingTxData    int    `json:"waiting_tx_data"`
	Entries          int64  `json:"entries"`
}

// CacheInfos returns the state of every cache, sorted by name.
func (n *Node) CacheInfos(ctx context.Context) []CacheInfo {
	names := n.Caches()
	out := make([]CacheInfo, 0, len(names))

	for _, name := range names {
		rt, ok := n.cache(name)
		if !ok {
			continue
		}

		waitTopo, waitTx := rt.gate.Pending()
		size, _ := rt.store.Size(ctx)

		out = append(out, CacheInfo{
			Name:             name,
			TopologyID:       rt.gate.TopologyID(),
			TxDataTopologyID: rt.gate.TxDataTopologyID(),
			FirstTopologyID:  rt.gate.FirstTopologyID(),
			WaitingTopology:  waitTopo,
			WaitingTxData:    waitTx,
			Entries:          size,
		})
	}

	return out
}

// ClearLocal removes the local entries of a cache without touching other nodes.
func (n *Node) ClearLocal(ctx context.Context, name string) error {
	rt, ok := n.cache(name)
	if !ok {
		return ewrap.Wrapf(sentinel.ErrCacheNotFound, "cache %s", name)
	}

	return rt.store.Clear(ctx)
}
