// Package transport carries grid requests between clients and nodes: an in-process pool
// for nodes sharing one process and an HTTP transport for real deployments. Both satisfy
// client.ConnectionPool.
package transport

import (
	"context"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/client"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
)

// Handler answers a request on a node. It always returns a response; failures are
// expressed as statuses.
type Handler interface {
	Handle(ctx context.Context, req *protocol.Request) *protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *protocol.Request) *protocol.Response

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	return f(ctx, req)
}

// InProcess routes requests to handlers registered in the same process.
type InProcess struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInProcess returns an empty in-process pool.
func NewInProcess() *InProcess {
	return &InProcess{handlers: map[string]Handler{}}
}

// Register adds or replaces the handler of a node.
func (t *InProcess) Register(nodeID string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[nodeID] = h
}

// Unregister removes a node; later connections to it fail like a dead peer.
func (t *InProcess) Unregister(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.handlers, nodeID)
}

// Conn implements client.ConnectionPool.
func (t *InProcess) Conn(_ context.Context, nodeID, _ string) (client.Conn, error) { //nolint:ireturn
	t.mu.RLock()
	_, ok := t.handlers[nodeID]
	t.mu.RUnlock()

	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrBackendNotFound, "node %s", nodeID)
	}

	return &inProcessConn{t: t, nodeID: nodeID}, nil
}

type inProcessConn struct {
	t      *InProcess
	nodeID string
}

// RoundTrip looks the handler up again so that an unregistered node fails in flight.
func (c *inProcessConn) RoundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.t.mu.RLock()
	h, ok := c.t.handlers[c.nodeID]
	c.t.mu.RUnlock()

	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrBackendNotFound, "node %s", c.nodeID)
	}

	// the request crosses a process boundary in real deployments; never share it
	cp := *req

	return h.Handle(ctx, &cp), nil
}

var _ client.ConnectionPool = (*InProcess)(nil)
