package dispatch

import (
	"sync/atomic"

	"github.com/hyp3rd/hypergrid/pkg/protocol"
)

// State is the lifecycle state of a dispatched command.
type State int32

// Task states. PENDING moves to WAITING only when a wait is needed; READY moves to one
// of the terminal states.
const (
	StatePending State = iota
	StateWaiting
	StateReady
	StateExecuted
	StateRejectedNotFound
	// StateRejected covers answers given without execution for any other reason:
	// not ready, not the primary owner, node stopping or abandoned by the caller.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateWaiting:
		return "WAITING"
	case StateReady:
		return "READY"
	case StateExecuted:
		return "EXECUTED"
	case StateRejectedNotFound:
		return "REJECTED_NOT_FOUND"
	case StateRejected:
		return "REJECTED"
	}

	return "UNKNOWN"
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateRejectedNotFound || s == StateRejected
}

// Command is a decoded remote command: the request plus the topology it was issued against
// and what it needs from the receiving node before it may run.
type Command struct {
	TopologyID int64
	Mode       protocol.TopologyMode
	Request    *protocol.Request
}

// NewCommand wraps a request.
func NewCommand(req *protocol.Request) *Command {
	return &Command{TopologyID: req.TopologyID, Mode: req.Mode, Request: req}
}

// WaitTarget is the topology id the command waits for. Commands issued before any
// topology existed (-1) wait for the first one.
func (c *Command) WaitTarget() int64 { return max(c.TopologyID, 0) }

// Task tracks one command through the dispatcher.
type Task struct {
	cmd       *Command
	state     atomic.Int32
	abandoned atomic.Bool
	reply     func(*protocol.Response)
}

func newTask(cmd *Command, reply func(*protocol.Response)) *Task {
	return &Task{cmd: cmd, reply: reply}
}

// Command returns the dispatched command.
func (t *Task) Command() *Command { return t.cmd }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// Abandon marks the task as no longer awaited. A task abandoned while waiting is
// answered without executing.
func (t *Task) Abandon() { t.abandoned.Store(true) }

// Abandoned reports whether the caller gave up on the task.
func (t *Task) Abandoned() bool { return t.abandoned.Load() }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

func (t *Task) finish(s State, resp *protocol.Response) {
	t.setState(s)

	if t.reply != nil {
		t.reply(resp)
	}
}
