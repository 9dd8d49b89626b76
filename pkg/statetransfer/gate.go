// Package statetransfer implements the per-cache gate that lets commands wait, without
// parking a goroutine, for a topology or its transaction data to be installed locally.
package statetransfer

import (
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// counter is one monotonically advancing id and the futures waiting on it.
type counter struct {
	id      int64
	waiters map[int64]*Future
}

func newCounter() counter {
	return counter{id: topology.NoTopology, waiters: map[int64]*Future{}}
}

// future returns a completed future when id <= c.id, otherwise the shared future for id.
// Caller holds the gate lock.
func (c *counter) future(id int64) *Future {
	if id <= c.id {
		return completedFuture
	}

	f, ok := c.waiters[id]
	if !ok {
		f = newFuture()
		c.waiters[id] = f
	}

	return f
}

// advance moves to id and detaches the futures it satisfies. Caller holds the gate lock.
func (c *counter) advance(id int64) []*Future {
	c.id = id

	var ready []*Future

	for target, f := range c.waiters {
		if target <= id {
			ready = append(ready, f)
			delete(c.waiters, target)
		}
	}

	return ready
}

// Gate tracks the installed topology id and transaction data id of one cache on one node.
// A single installer advances the ids; any number of dispatchers read and subscribe.
type Gate struct {
	mu      sync.Mutex
	topo    counter
	txData  counter
	first   int64
	stopped bool
}

// NewGate returns a gate with no topology installed.
func NewGate() *Gate {
	return &Gate{topo: newCounter(), txData: newCounter(), first: topology.NoTopology}
}

// TopologyID returns the installed topology id.
func (g *Gate) TopologyID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.topo.id
}

// TxDataTopologyID returns the topology id whose transaction data is installed.
func (g *Gate) TxDataTopologyID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.txData.id
}

// FirstTopologyID returns the first topology id ever installed, or -1.
func (g *Gate) FirstTopologyID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.first
}

// TopologyReceived reports whether a topology >= id is installed.
func (g *Gate) TopologyReceived(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return id <= g.topo.id
}

// TransactionDataReceived reports whether transaction data for a topology >= id is installed.
func (g *Gate) TransactionDataReceived(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return id <= g.txData.id
}

// TopologyFuture completes once a topology >= id is installed.
func (g *Gate) TopologyFuture(id int64) *Future {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped && id > g.topo.id {
		return failedFuture(sentinel.ErrGateStopped)
	}

	return g.topo.future(id)
}

// TransactionDataFuture completes once transaction data for a topology >= id is installed.
func (g *Gate) TransactionDataFuture(id int64) *Future {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped && id > g.txData.id {
		return failedFuture(sentinel.ErrGateStopped)
	}

	return g.txData.future(id)
}

// IsCommandSentBeforeFirstTopology reports whether a command issued against id predates
// the first topology this node installed, i.e. the cache had not started on the sender's view.
func (g *Gate) IsCommandSentBeforeFirstTopology(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return id >= 0 && g.first >= 0 && id < g.first
}

// InstallTopology advances the installed topology id and completes every waiter it satisfies.
// Installing the current id again is a no-op; installing a lower one fails.
func (g *Gate) InstallTopology(id int64) error {
	g.mu.Lock()

	switch {
	case g.stopped:
		g.mu.Unlock()

		return sentinel.ErrGateStopped
	case id < g.topo.id:
		cur := g.topo.id
		g.mu.Unlock()

		return ewrap.Wrapf(sentinel.ErrTopologyRegression, "installed %d, got %d", cur, id)
	case id == g.topo.id:
		g.mu.Unlock()

		return nil
	}

	if g.first < 0 {
		g.first = id
	}

	ready := g.topo.advance(id)
	g.mu.Unlock()

	completeAll(ready, nil)

	return nil
}

// InstallTransactionData advances the transaction data id. It may lag the topology id but
// never pass it.
func (g *Gate) InstallTransactionData(id int64) error {
	g.mu.Lock()

	switch {
	case g.stopped:
		g.mu.Unlock()

		return sentinel.ErrGateStopped
	case id > g.topo.id:
		cur := g.topo.id
		g.mu.Unlock()

		return ewrap.Wrapf(sentinel.ErrTopologyRegression, "transaction data %d ahead of topology %d", id, cur)
	case id < g.txData.id:
		cur := g.txData.id
		g.mu.Unlock()

		return ewrap.Wrapf(sentinel.ErrTopologyRegression, "transaction data installed %d, got %d", cur, id)
	case id == g.txData.id:
		g.mu.Unlock()

		return nil
	}

	ready := g.txData.advance(id)
	g.mu.Unlock()

	completeAll(ready, nil)

	return nil
}

// Pending returns the number of distinct topology and transaction data targets being waited on.
func (g *Gate) Pending() (topologyWaiters, txDataWaiters int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.topo.waiters), len(g.txData.waiters)
}

// Stop fails every pending waiter with ErrGateStopped. Further installs are refused.
func (g *Gate) Stop() {
	g.mu.Lock()

	if g.stopped {
		g.mu.Unlock()

		return
	}

	g.stopped = true

	pending := make([]*Future, 0, len(g.topo.waiters)+len(g.txData.waiters))
	for _, f := range g.topo.waiters {
		pending = append(pending, f)
	}

	for _, f := range g.txData.waiters {
		pending = append(pending, f)
	}

	g.topo.waiters = map[int64]*Future{}
	g.txData.waiters = map[int64]*Future{}
	g.mu.Unlock()

	completeAll(pending, sentinel.ErrGateStopped)
}

func completeAll(fs []*Future, err error) {
	for _, f := range fs {
		f.complete(err)
	}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)

	return f
}
