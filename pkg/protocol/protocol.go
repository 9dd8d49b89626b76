// Package protocol defines the decoded form of grid requests and responses: op codes,
// client hint flags, response statuses and the topology mode a command declares.
//
// Requests carry the topology id and the client-local topology age they were issued
// against. Responses carry a retry marker for failures the client must hide from the
// caller and, when the requester's view is stale, the responding node's current view.
package protocol

import (
	"errors"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

// OpCode identifies the operation of a request.
type OpCode uint8

// Supported operations.
const (
	OpPing OpCode = iota + 1
	OpGet
	OpGetWithVersion
	OpPut
	OpPutIfAbsent
	OpReplaceWithVersion
	OpRemove
	OpRemoveWithVersion
	OpContainsKey
	OpSize
	OpClear
	// OpTransferDone tells a node that the sender finished pushing the entries it owns
	// under the request's topology id.
	OpTransferDone
)

func (o OpCode) String() string {
	switch o {
	case OpPing:
		return "ping"
	case OpGet:
		return "get"
	case OpGetWithVersion:
		return "get_with_version"
	case OpPut:
		return "put"
	case OpPutIfAbsent:
		return "put_if_absent"
	case OpReplaceWithVersion:
		return "replace_with_version"
	case OpRemove:
		return "remove"
	case OpRemoveWithVersion:
		return "remove_with_version"
	case OpContainsKey:
		return "contains_key"
	case OpSize:
		return "size"
	case OpClear:
		return "clear"
	case OpTransferDone:
		return "transfer_done"
	}

	return "unknown"
}

// Valid reports whether o is a known op code.
func (o OpCode) Valid() bool { return o >= OpPing && o <= OpTransferDone }

// Keyed reports whether the op addresses a single key (and is therefore routed to its owner).
func (o OpCode) Keyed() bool {
	switch o {
	case OpPing, OpSize, OpClear, OpTransferDone:
		return false
	case OpGet, OpGetWithVersion, OpPut, OpPutIfAbsent, OpReplaceWithVersion,
		OpRemove, OpRemoveWithVersion, OpContainsKey:
		return true
	}

	return false
}

// Flag is a bitset of client hints.
type Flag uint32

// Client hints.
const (
	// FlagReturnPreviousValue asks writes to return the value they replaced.
	FlagReturnPreviousValue Flag = 1 << iota
	// FlagStateTransfer marks node-to-node pushes of migrating entries.
	FlagStateTransfer
)

// Has reports whether every bit of x is set.
func (f Flag) Has(x Flag) bool { return f&x == x }

// Status classifies a response.
type Status uint8

// Response statuses.
const (
	StatusOK Status = iota
	StatusKeyNotFound
	StatusNotExecuted
	StatusVersionMismatch
	StatusStaleTopology
	StatusNotReady
	StatusCacheNotFound
	StatusInvalid
	StatusServerError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusKeyNotFound:
		return "key_not_found"
	case StatusNotExecuted:
		return "not_executed"
	case StatusVersionMismatch:
		return "version_mismatch"
	case StatusStaleTopology:
		return "stale_topology"
	case StatusNotReady:
		return "not_ready"
	case StatusCacheNotFound:
		return "cache_not_found"
	case StatusInvalid:
		return "invalid"
	case StatusServerError:
		return "server_error"
	}

	return "unknown"
}

// TopologyMode declares what a command needs from the receiving node's state before it runs.
type TopologyMode uint8

// Topology modes.
const (
	// ModeNone runs the command immediately.
	ModeNone TopologyMode = iota
	// ModeWaitTopology defers the command until the command's topology is installed.
	ModeWaitTopology
	// ModeReadyTopology fails fast unless the command's topology is installed.
	ModeReadyTopology
	// ModeWaitTxData defers the command until transaction data for its topology is installed.
	ModeWaitTxData
	// ModeReadyTxData fails fast unless transaction data for its topology is installed.
	ModeReadyTxData
)

func (m TopologyMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeWaitTopology:
		return "wait_topology"
	case ModeReadyTopology:
		return "ready_topology"
	case ModeWaitTxData:
		return "wait_tx_data"
	case ModeReadyTxData:
		return "ready_tx_data"
	}

	return "unknown"
}

// Request is a decoded wire request. It is built once per attempt and never mutated after send.
type Request struct {
	MessageID   uint64       `json:"message_id"            msgpack:"message_id"`
	CacheName   string       `json:"cache"                 msgpack:"cache"`
	Op          OpCode       `json:"op"                    msgpack:"op"`
	Flags       Flag         `json:"flags,omitempty"       msgpack:"flags"`
	TopologyID  int64        `json:"topology_id"           msgpack:"topology_id"`
	TopologyAge int64        `json:"topology_age"          msgpack:"topology_age"`
	Mode        TopologyMode `json:"mode"                  msgpack:"mode"`
	Key         string       `json:"key,omitempty"         msgpack:"key"`
	Value       []byte       `json:"value,omitempty"       msgpack:"value"`
	Version     int64        `json:"version,omitempty"     msgpack:"version"`
	LifespanMS  int64        `json:"lifespan_ms,omitempty" msgpack:"lifespan_ms"`
	MaxIdleMS   int64        `json:"max_idle_ms,omitempty" msgpack:"max_idle_ms"`
	Origin      string       `json:"origin,omitempty"      msgpack:"origin"`
}

// Lifespan returns the requested entry lifespan (0 = immortal).
func (r *Request) Lifespan() time.Duration { return time.Duration(r.LifespanMS) * time.Millisecond }

// MaxIdle returns the requested entry max idle time (0 = unbounded).
func (r *Request) MaxIdle() time.Duration { return time.Duration(r.MaxIdleMS) * time.Millisecond }

// Validate rejects requests no node could execute.
func (r *Request) Validate() error {
	if !r.Op.Valid() {
		return ewrap.Wrapf(sentinel.ErrUnknownOperation, "op %d", r.Op)
	}

	if r.CacheName == "" && r.Op != OpPing {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "cache name")
	}

	if r.Op.Keyed() && r.Key == "" {
		return sentinel.ErrInvalidKey
	}

	if r.LifespanMS < 0 || r.MaxIdleMS < 0 {
		return sentinel.ErrInvalidExpiration
	}

	if r.Op == OpTransferDone && r.Origin == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "transfer origin")
	}

	return nil
}

// Response is a decoded wire response.
type Response struct {
	MessageID   uint64           `json:"message_id"             msgpack:"message_id"`
	Status      Status           `json:"status"                 msgpack:"status"`
	Value       []byte           `json:"value,omitempty"        msgpack:"value"`
	Previous    []byte           `json:"previous,omitempty"     msgpack:"previous"`
	Version     int64            `json:"version,omitempty"      msgpack:"version"`
	Count       int64            `json:"count,omitempty"        msgpack:"count"`
	Error       string           `json:"error,omitempty"        msgpack:"error"`
	Cause       string           `json:"cause,omitempty"        msgpack:"cause"`
	Retry       bool             `json:"retry,omitempty"        msgpack:"retry"`
	TopologyAge int64            `json:"topology_age,omitempty" msgpack:"topology_age"`
	Topology    *topology.Update `json:"topology,omitempty"     msgpack:"topology"`
}

// NewResponse starts a response to req with status.
func NewResponse(req *Request, status Status) *Response {
	return &Response{MessageID: req.MessageID, Status: status}
}

// invalidCauses names the validation failures a client can tell apart.
//
//nolint:gochecknoglobals
var invalidCauses = []struct {
	name string
	err  error
}{
	{"invalid_key", sentinel.ErrInvalidKey},
	{"nil_value", sentinel.ErrNilValue},
	{"invalid_expiration", sentinel.ErrInvalidExpiration},
	{"unknown_operation", sentinel.ErrUnknownOperation},
	{"empty_param", sentinel.ErrParamCannotBeEmpty},
}

// ErrorResponse builds a response carrying err. Validation failures also carry their cause
// so the client surfaces the same sentinel.
func ErrorResponse(req *Request, status Status, err error) *Response {
	resp := NewResponse(req, status)
	if err == nil {
		return resp
	}

	resp.Error = err.Error()

	for _, c := range invalidCauses {
		if errors.Is(err, c.err) {
			resp.Cause = c.name

			break
		}
	}

	return resp
}

func invalidCause(name string) error {
	for _, c := range invalidCauses {
		if c.name == name {
			return c.err
		}
	}

	return sentinel.ErrInvalidRequest
}

// AttachTopology piggybacks view on the response and echoes the requester's topology age.
func (r *Response) AttachTopology(view *topology.View, age int64) {
	if view == nil {
		return
	}

	r.Topology = view.ToUpdate()
	r.TopologyAge = age
}

// Err maps a failure status onto the shared error taxonomy. Successful and
// conditional-not-applied statuses return nil.
func (r *Response) Err() error {
	switch r.Status {
	case StatusOK, StatusKeyNotFound, StatusNotExecuted, StatusVersionMismatch:
		return nil
	case StatusStaleTopology:
		return sentinel.ErrStaleTopology
	case StatusNotReady:
		return ewrap.Wrap(sentinel.ErrStaleTopology, "node not ready")
	case StatusCacheNotFound:
		return sentinel.ErrCacheNotFound
	case StatusInvalid:
		return ewrap.Wrap(invalidCause(r.Cause), r.Error)
	case StatusServerError:
		return ewrap.Wrap(sentinel.ErrServerError, r.Error)
	}

	return ewrap.Wrapf(sentinel.ErrServerError, "unknown status %d", r.Status)
}
