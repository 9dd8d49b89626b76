// Package dispatch gates the execution of inbound commands on the local topology state of
// a cache. A command either runs immediately, is suspended on the state transfer gate and
// resumed on a worker once the topology it needs is installed, or is answered without
// execution (not ready, cache not started, not the primary owner).
//
// Suspension never parks a goroutine: the gate future's continuation enqueues the resume.
// There is no timeout at this layer; only node shutdown fails a waiting command.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/internal/workerpool"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/stats"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// Enqueuer runs resumed commands. *workerpool.WorkerPool satisfies it.
type Enqueuer interface {
	Enqueue(job workerpool.JobFunc) error
}

// ViewFunc returns the view currently installed for the cache.
type ViewFunc func() *topology.View

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithStats sets the collector counting waits and rejections.
func WithStats(c *stats.Collector) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.stats = c
		}
	}
}

// WithEnqueuer sets where resumed commands run. Without one they resume on the
// goroutine that completes the gate future.
func WithEnqueuer(e Enqueuer) Option {
	return func(d *Dispatcher) { d.pool = e }
}

// Dispatcher gates the commands of one cache on one node.
type Dispatcher struct {
	nodeID string
	gate   *statetransfer.Gate
	view   ViewFunc
	exec   Executor
	pool   Enqueuer
	stats  *stats.Collector
	logger *zap.Logger
}

// New returns a dispatcher for the cache guarded by gate.
func New(nodeID string, gate *statetransfer.Gate, view ViewFunc, exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		nodeID: nodeID,
		gate:   gate,
		view:   view,
		exec:   exec,
		stats:  stats.NewCollector(),
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(d)
	}

	return d
}

// Dispatch runs cmd now or registers it to run once the gate allows. It never blocks;
// reply is called exactly once, possibly on another goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command, reply func(*protocol.Response)) *Task {
	task := newTask(cmd, reply)
	// callers abandon commands, they never cancel them
	ctx = context.WithoutCancel(ctx)

	var future *statetransfer.Future

	target := cmd.WaitTarget()

	switch cmd.Mode {
	case protocol.ModeNone:
	case protocol.ModeReadyTopology:
		if !d.gate.TopologyReceived(target) {
			d.notReady(task)

			return task
		}
	case protocol.ModeReadyTxData:
		if !d.gate.TransactionDataReceived(target) {
			d.notReady(task)

			return task
		}
	case protocol.ModeWaitTopology:
		future = d.gate.TopologyFuture(target)
	case protocol.ModeWaitTxData:
		future = d.gate.TransactionDataFuture(target)
	default:
		d.reject(task, StateRejected, protocol.ErrorResponse(cmd.Request, protocol.StatusInvalid, sentinel.ErrUnknownOperation))

		return task
	}

	if future == nil || future.IsDone() {
		if future != nil && future.Err() != nil {
			d.stopped(task, future.Err())

			return task
		}

		d.run(ctx, task)

		return task
	}

	d.await(ctx, task, future, "command waiting for topology", target)

	return task
}

// await suspends task until future completes, then resumes it on the pool.
func (d *Dispatcher) await(ctx context.Context, task *Task, future *statetransfer.Future, msg string, target int64) {
	task.setState(StateWaiting)
	d.stats.CommandWaited()
	d.logger.Debug(msg,
		zap.String("cache", task.cmd.Request.CacheName),
		zap.Stringer("op", task.cmd.Request.Op),
		zap.Stringer("mode", task.cmd.Mode),
		zap.Int64("target", target),
		zap.Int64("installed", d.gate.TopologyID()),
		zap.Int64("tx_data", d.gate.TxDataTopologyID()))

	future.OnComplete(func(err error) { d.resume(ctx, task, err) })
}

// Handle dispatches cmd and waits for its response. When ctx ends first the task is
// abandoned and ctx's error returned.
func (d *Dispatcher) Handle(ctx context.Context, cmd *Command) (*protocol.Response, error) {
	ch := make(chan *protocol.Response, 1)

	task := d.Dispatch(ctx, cmd, func(resp *protocol.Response) { ch <- resp })

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		task.Abandon()

		return nil, ctx.Err()
	}
}

func (d *Dispatcher) resume(ctx context.Context, task *Task, err error) {
	if err != nil {
		d.stopped(task, err)

		return
	}

	job := func() error {
		if task.Abandoned() {
			d.reject(task, StateRejected, protocol.ErrorResponse(task.cmd.Request, protocol.StatusServerError, context.Canceled))

			return nil
		}

		d.run(ctx, task)

		return nil
	}

	if d.pool == nil {
		_ = job()

		return
	}

	enqErr := d.pool.Enqueue(job)
	if enqErr != nil {
		d.stopped(task, enqErr)
	}
}

// run executes a ready command, short-circuiting commands that predate the cache and
// key commands this node does not own. Key commands on the owner wait until the
// transaction data of the installed view is in, so entries moving to it are readable.
func (d *Dispatcher) run(ctx context.Context, task *Task) {
	task.setState(StateReady)

	cmd := task.cmd
	req := cmd.Request
	view := d.view()

	if d.gate.IsCommandSentBeforeFirstTopology(cmd.TopologyID) {
		d.logger.Debug("command predates first topology",
			zap.String("cache", req.CacheName),
			zap.Int64("command_topology", cmd.TopologyID),
			zap.Int64("first_topology", d.gate.FirstTopologyID()))

		resp := protocol.ErrorResponse(req, protocol.StatusCacheNotFound, sentinel.ErrCacheNotFound)
		resp.Retry = true
		d.reject(task, StateRejectedNotFound, d.piggyback(resp, cmd, view))

		return
	}

	if req.Op.Keyed() && !req.Flags.Has(protocol.FlagStateTransfer) {
		switch {
		case view.ID() < 0:
			d.notReady(task)

			return
		case !view.IsPrimary(d.nodeID, req.Key):
			resp := protocol.ErrorResponse(req, protocol.StatusStaleTopology, sentinel.ErrStaleTopology)
			resp.Retry = true
			resp.AttachTopology(view, req.TopologyAge)
			d.reject(task, StateRejected, resp)

			return
		}

		// a new owner serves a key only once the entries moving to it have arrived
		if !d.gate.TransactionDataReceived(view.ID()) {
			if cmd.Mode == protocol.ModeReadyTopology || cmd.Mode == protocol.ModeReadyTxData {
				d.notReady(task)

				return
			}

			future := d.gate.TransactionDataFuture(view.ID())
			if !future.IsDone() {
				d.await(ctx, task, future, "command waiting for inbound state transfer", view.ID())

				return
			}

			if future.Err() != nil {
				d.stopped(task, future.Err())

				return
			}
		}
	}

	resp := d.exec.Execute(ctx, req)
	resp.MessageID = req.MessageID

	task.finish(StateExecuted, d.piggyback(resp, cmd, view))
}

// piggyback attaches the current view when the command was issued against an older one.
func (d *Dispatcher) piggyback(resp *protocol.Response, cmd *Command, view *topology.View) *protocol.Response {
	if resp.Topology == nil && view.ID() >= 0 && cmd.TopologyID < view.ID() {
		resp.AttachTopology(view, cmd.Request.TopologyAge)
	}

	return resp
}

func (d *Dispatcher) notReady(task *Task) {
	req := task.cmd.Request
	resp := protocol.ErrorResponse(req, protocol.StatusNotReady, sentinel.ErrStaleTopology)
	resp.Retry = true

	d.reject(task, StateRejected, d.piggyback(resp, task.cmd, d.view()))
}

// stopped answers a command the node can no longer run; the client retries elsewhere.
func (d *Dispatcher) stopped(task *Task, err error) {
	resp := protocol.ErrorResponse(task.cmd.Request, protocol.StatusNotReady, err)
	resp.Retry = true

	d.reject(task, StateRejected, resp)
}

func (d *Dispatcher) reject(task *Task, state State, resp *protocol.Response) {
	d.stats.CommandRejected()
	task.finish(state, resp)
}
