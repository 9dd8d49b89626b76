// Package client implements the client side of the grid protocol: a per-cache topology
// cache and a request dispatcher that routes each operation to the primary owner of its
// key, stamps the cached topology on it and transparently retries stale-topology
// rejections and transport failures within one shared bound.
package client

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/stats"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// Conn carries one request to a node and returns its response.
type Conn interface {
	RoundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
}

// ConnectionPool supplies a connection to a node. Any error it or the connection returns
// is a transport failure.
type ConnectionPool interface {
	Conn(ctx context.Context, nodeID, addr string) (Conn, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRetries bounds the retries of one operation, topology and transport combined.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithBackoff sets the pause between attempts.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(d *Dispatcher) {
		d.backoffInitial = initial
		d.backoffMax = maxInterval
	}
}

// WithAttemptTimeout bounds a single wire attempt.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.attemptTimeout = t
		}
	}
}

// WithTopologyMode sets the topology mode stamped on requests.
func WithTopologyMode(m protocol.TopologyMode) Option {
	return func(d *Dispatcher) { d.mode = m }
}

// WithTopologyCache shares a topology cache between dispatchers of the same cache.
func WithTopologyCache(c *TopologyCache) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.topology = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithStats sets the collector counting retries and transport failures.
func WithStats(c *stats.Collector) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.stats = c
		}
	}
}

type target struct {
	id   string
	addr string
}

// Dispatcher issues operations against one remote cache.
type Dispatcher struct {
	cacheName      string
	pool           ConnectionPool
	seeds          []target
	topology       *TopologyCache
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	attemptTimeout time.Duration
	mode           protocol.TopologyMode
	msgID          atomic.Uint64
	stats          *stats.Collector
	logger         *zap.Logger
}

// New returns a dispatcher for cacheName bootstrapping from seeds (node id -> address).
func New(cacheName string, pool ConnectionPool, seeds map[string]string, opts ...Option) (*Dispatcher, error) {
	if cacheName == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "cache name")
	}

	if pool == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "connection pool")
	}

	if len(seeds) == 0 {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "seeds")
	}

	d := &Dispatcher{
		cacheName:      cacheName,
		pool:           pool,
		topology:       NewTopologyCache(),
		maxRetries:     constants.DefaultMaxRetries,
		backoffInitial: constants.DefaultBackoffInitial,
		backoffMax:     constants.DefaultBackoffMax,
		attemptTimeout: constants.DefaultAttemptTimeout,
		mode:           protocol.ModeWaitTopology,
		stats:          stats.NewCollector(),
		logger:         zap.NewNop(),
	}

	for id, addr := range seeds {
		d.seeds = append(d.seeds, target{id: id, addr: addr})
	}

	slices.SortFunc(d.seeds, func(a, b target) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}

		return 0
	})

	for _, o := range opts {
		o(d)
	}

	return d, nil
}

// CacheName returns the remote cache name.
func (d *Dispatcher) CacheName() string { return d.cacheName }

// Topology returns the dispatcher's topology cache.
func (d *Dispatcher) Topology() *TopologyCache { return d.topology }

// Stats returns the dispatcher's collector.
func (d *Dispatcher) Stats() *stats.Collector { return d.stats }

// Execute runs one logical operation. Each attempt is a fresh wire request built from
// req; attempts are strictly sequential. The response is returned for every status the
// caller must interpret (ok, not found, not executed, version mismatch); failures come
// back as errors from the shared taxonomy.
func (d *Dispatcher) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	bo := d.newBackOff()
	excluded := map[string]struct{}{}

	var (
		lastErr       error
		lastTransport bool
	)

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			err := d.pause(ctx, bo.NextBackOff())
			if err != nil {
				return nil, err
			}
		}

		if ctx.Err() != nil {
			return nil, ewrap.Wrap(sentinel.ErrDeadlineExceeded, "while retrying topology")
		}

		view, age := d.topology.Snapshot()

		node, ok := d.route(view, req, excluded)
		if !ok {
			// every candidate failed; start over from the preferred one
			clear(excluded)

			lastErr, lastTransport = sentinel.ErrNoAvailableNodes, true

			continue
		}

		wire := d.stamp(req, view.ID(), age)

		resp, err := d.attempt(ctx, node, wire)
		if errors.Is(err, sentinel.ErrDeadlineExceeded) {
			return nil, err
		}

		if err == nil && resp.MessageID != wire.MessageID {
			err = ewrap.Wrapf(sentinel.ErrMessageIDMismatch, "sent %d, got %d", wire.MessageID, resp.MessageID)
		}

		if err != nil {
			d.stats.TransportFailure()
			d.logger.Debug("transport failure, trying another node",
				zap.String("cache", d.cacheName), zap.String("node", node.id), zap.Int("attempt", attempt), zap.Error(err))

			excluded[node.id] = struct{}{}
			lastErr, lastTransport = err, true

			continue
		}

		if resp.Topology != nil {
			d.topology.UpdateFromResponse(topology.FromUpdate(resp.Topology), resp.TopologyAge)
		}

		if !resp.Retry {
			return resp, resp.Err()
		}

		d.stats.TopologyRetry()
		d.logger.Debug("retrying on topology",
			zap.String("cache", d.cacheName), zap.String("node", node.id),
			zap.Stringer("status", resp.Status), zap.Int64("topology_id", wire.TopologyID), zap.Int("attempt", attempt))

		if resp.Status == protocol.StatusCacheNotFound || resp.Status == protocol.StatusNotReady {
			excluded[node.id] = struct{}{}
		}

		lastErr, lastTransport = resp.Err(), false
	}

	if lastTransport {
		return nil, ewrap.Wrapf(sentinel.ErrTransportFailure, "%d attempts: %v", d.maxRetries+1, lastErr)
	}

	return nil, ewrap.Wrapf(sentinel.ErrTopologyRetriesExhausted, "%d attempts: %v", d.maxRetries+1, lastErr)
}

// stamp builds the wire request of one attempt.
func (d *Dispatcher) stamp(req *protocol.Request, topologyID, age int64) *protocol.Request {
	wire := *req
	wire.MessageID = d.msgID.Add(1)
	wire.CacheName = d.cacheName
	wire.TopologyID = topologyID
	wire.TopologyAge = age
	wire.Mode = d.mode

	return &wire
}

// attempt sends one request. The transport runs on a non-cancellable context bounded by
// the attempt timeout; when ctx ends first the attempt is abandoned and its late
// response discarded.
func (d *Dispatcher) attempt(ctx context.Context, node target, req *protocol.Request) (*protocol.Response, error) {
	type result struct {
		resp *protocol.Response
		err  error
	}

	ch := make(chan result, 1)

	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.attemptTimeout)
		defer cancel()

		conn, err := d.pool.Conn(actx, node.id, node.addr)
		if err != nil {
			ch <- result{err: err}

			return
		}

		resp, err := conn.RoundTrip(actx, req)
		if err == nil && resp == nil {
			err = ewrap.New("empty response")
		}

		ch <- result{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ewrap.Wrap(sentinel.ErrDeadlineExceeded, "while retrying topology")
	}
}

func (d *Dispatcher) pause(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ewrap.Wrap(sentinel.ErrDeadlineExceeded, "while retrying topology")
	}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	if d.backoffInitial <= 0 {
		return &backoff.ZeroBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoffInitial
	b.MaxInterval = max(d.backoffMax, d.backoffInitial)
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// route picks the first candidate not excluded: the owners of the key's segment (primary
// first) then the other members, or the seeds while no view is known.
func (d *Dispatcher) route(view *topology.View, req *protocol.Request, excluded map[string]struct{}) (target, bool) {
	for _, t := range d.candidates(view, req) {
		if _, skip := excluded[t.id]; !skip {
			return t, true
		}
	}

	return target{}, false
}

func (d *Dispatcher) candidates(view *topology.View, req *protocol.Request) []target {
	if view.ID() < 0 {
		return d.seeds
	}

	members := view.MemberIDs()
	if len(members) == 0 {
		return d.seeds
	}

	out := make([]target, 0, len(members))
	seen := make(map[string]struct{}, len(members))

	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}

		addr, ok := view.Address(id)
		if !ok {
			return
		}

		seen[id] = struct{}{}
		out = append(out, target{id: id, addr: addr})
	}

	if req.Op.Keyed() {
		for _, id := range view.OwnersOf(req.Key) {
			add(id)
		}
	}

	for _, id := range members {
		add(id)
	}

	return out
}

// Broadcast sends req once to every member of the cached view (the seeds while no view is
// known) and returns their responses in member order. It does not retry: a member that
// fails or asks for a retry fails the broadcast.
func (d *Dispatcher) Broadcast(ctx context.Context, req *protocol.Request) ([]*protocol.Response, error) {
	view, age := d.topology.Snapshot()

	out := make([]*protocol.Response, 0, len(view.MemberIDs()))

	for _, node := range d.candidates(view, req) {
		wire := d.stamp(req, view.ID(), age)

		resp, err := d.attempt(ctx, node, wire)
		if err == nil && resp.MessageID != wire.MessageID {
			err = ewrap.Wrapf(sentinel.ErrMessageIDMismatch, "sent %d, got %d", wire.MessageID, resp.MessageID)
		}

		if err != nil {
			if errors.Is(err, sentinel.ErrDeadlineExceeded) {
				return nil, err
			}

			d.stats.TransportFailure()

			return nil, ewrap.Wrapf(sentinel.ErrTransportFailure, "node %s: %v", node.id, err)
		}

		if resp.Topology != nil {
			d.topology.UpdateFromResponse(topology.FromUpdate(resp.Topology), resp.TopologyAge)
		}

		err = resp.Err()
		if err != nil {
			return nil, ewrap.Wrapf(err, "node %s", node.id)
		}

		out = append(out, resp)
	}

	return out, nil
}
