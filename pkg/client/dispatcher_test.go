package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

type handlerFunc func(*protocol.Request) (*protocol.Response, error)

// fakePool routes by node id to handlers and records the order of attempts.
type fakePool struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []string
	requests []*protocol.Request
}

type fakeConn struct {
	pool *fakePool
	id   string
}

func (p *fakePool) Conn(_ context.Context, nodeID, _ string) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handlers[nodeID]; !ok {
		return nil, errors.New("connection refused")
	}

	return &fakeConn{pool: p, id: nodeID}, nil
}

func (c *fakeConn) RoundTrip(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.pool.mu.Lock()
	c.pool.calls = append(c.pool.calls, c.id)
	c.pool.requests = append(c.pool.requests, req)
	h := c.pool.handlers[c.id]
	c.pool.mu.Unlock()

	return h(req)
}

func (p *fakePool) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.calls...)
}

func ok(req *protocol.Request) (*protocol.Response, error) {
	resp := protocol.NewResponse(req, protocol.StatusOK)
	resp.Value = []byte("v")

	return resp, nil
}

// ownedBy builds a view where every segment is owned by owners (primary first).
func ownedBy(id int64, owners ...string) *topology.View {
	segs := make([][]string, 4)
	for i := range segs {
		segs[i] = owners
	}

	members := map[string]string{}
	for _, o := range owners {
		members[o] = o + ":1"
	}

	return topology.NewView(id, 1, segs, members)
}

func newTestDispatcher(t *testing.T, pool *fakePool, opts ...Option) *Dispatcher {
	t.Helper()

	d, err := New("c", pool, map[string]string{"a": "a:1"}, append([]Option{WithBackoff(0, 0)}, opts...)...)
	assert.Nil(t, err)

	return d
}

func getReq() *protocol.Request {
	return &protocol.Request{Op: protocol.OpGet, Key: "k"}
}

func TestDispatcher_SucceedsFirstAttempt(t *testing.T) {
	pool := &fakePool{handlers: map[string]handlerFunc{"a": ok}}
	d := newTestDispatcher(t, pool)
	d.Topology().Update(ownedBy(1, "a"))

	resp, err := d.Execute(context.Background(), getReq())
	assert.Nil(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, []string{"a"}, pool.callLog())
	assert.Equal(t, int64(0), d.Stats().Snapshot().TopologyRetries)

	pool.mu.Lock()
	sent := pool.requests[0]
	pool.mu.Unlock()

	assert.Equal(t, "c", sent.CacheName)
	assert.Equal(t, int64(1), sent.TopologyID)
	assert.Equal(t, int64(1), sent.TopologyAge)
	assert.Equal(t, protocol.ModeWaitTopology, sent.Mode)
}

// A stale rejection carrying the new view is retried once against the new owner.
func TestDispatcher_StaleTopologyRetriesOnce(t *testing.T) {
	newView := ownedBy(2, "b", "a")

	pool := &fakePool{handlers: map[string]handlerFunc{
		"a": func(req *protocol.Request) (*protocol.Response, error) {
			resp := protocol.NewResponse(req, protocol.StatusStaleTopology)
			resp.Retry = true
			resp.AttachTopology(newView, req.TopologyAge)

			return resp, nil
		},
		"b": ok,
	}}
	d := newTestDispatcher(t, pool)
	d.Topology().Update(ownedBy(1, "a"))

	resp, err := d.Execute(context.Background(), getReq())
	assert.Nil(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, []string{"a", "b"}, pool.callLog())
	assert.Equal(t, int64(2), d.Topology().Age())
	assert.Equal(t, int64(2), d.Topology().Current().ID())
	assert.Equal(t, int64(1), d.Stats().Snapshot().TopologyRetries)
}

func TestDispatcher_FreshMessageIDPerAttempt(t *testing.T) {
	var n atomic.Int32

	pool := &fakePool{handlers: map[string]handlerFunc{"a": func(req *protocol.Request) (*protocol.Response, error) {
		if n.Add(1) == 1 {
			resp := protocol.NewResponse(req, protocol.StatusNotReady)
			resp.Retry = true

			return resp, nil
		}

		return ok(req)
	}}}
	d := newTestDispatcher(t, pool)

	_, err := d.Execute(context.Background(), getReq())
	assert.Nil(t, err)

	pool.mu.Lock()
	defer pool.mu.Unlock()

	assert.Len(t, pool.requests, 2)
	assert.True(t, pool.requests[0].MessageID != pool.requests[1].MessageID)
}

func TestDispatcher_TransportFailureTriesAlternate(t *testing.T) {
	pool := &fakePool{handlers: map[string]handlerFunc{
		"a": func(*protocol.Request) (*protocol.Response, error) { return nil, errors.New("connection reset") },
		"b": ok,
	}}
	d := newTestDispatcher(t, pool)
	d.Topology().Update(ownedBy(1, "a", "b"))

	resp, err := d.Execute(context.Background(), getReq())
	assert.Nil(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, []string{"a", "b"}, pool.callLog())
	assert.Equal(t, int64(1), d.Stats().Snapshot().TransportFailures)
}

func TestDispatcher_MessageIDMismatchIsTransportFailure(t *testing.T) {
	pool := &fakePool{handlers: map[string]handlerFunc{
		"a": func(req *protocol.Request) (*protocol.Response, error) {
			resp, _ := ok(req)
			resp.MessageID = req.MessageID + 1000

			return resp, nil
		},
		"b": ok,
	}}
	d := newTestDispatcher(t, pool)
	d.Topology().Update(ownedBy(1, "a", "b"))

	_, err := d.Execute(context.Background(), getReq())
	assert.Nil(t, err)
	assert.Equal(t, []string{"a", "b"}, pool.callLog())
}

func TestDispatcher_TopologyRetriesExhausted(t *testing.T) {
	pool := &fakePool{handlers: map[string]handlerFunc{"a": func(req *protocol.Request) (*protocol.Response, error) {
		resp := protocol.NewResponse(req, protocol.StatusStaleTopology)
		resp.Retry = true

		return resp, nil
	}}}
	d := newTestDispatcher(t, pool, WithMaxRetries(3))
	d.Topology().Update(ownedBy(1, "a"))

	_, err := d.Execute(context.Background(), getReq())
	assert.True(t, errors.Is(err, sentinel.ErrTopologyRetriesExhausted))
	assert.Len(t, pool.callLog(), 4)
}

func TestDispatcher_TransportFailureSurfaced(t *testing.T) {
	pool := &fakePool{handlers: map[string]handlerFunc{}}
	d := newTestDispatcher(t, pool, WithMaxRetries(2))

	_, err := d.Execute(context.Background(), getReq())
	assert.True(t, errors.Is(err, sentinel.ErrTransportFailure))
	assert.Equal(t, int64(2), d.Stats().Snapshot().TransportFailures)
}

func TestDispatcher_DeadlineAbandonsInFlightAttempt(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool := &fakePool{handlers: map[string]handlerFunc{"a": func(req *protocol.Request) (*protocol.Response, error) {
		<-release

		return ok(req)
	}}}
	d := newTestDispatcher(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Execute(ctx, getReq())

	assert.True(t, errors.Is(err, sentinel.ErrDeadlineExceeded))
	assert.True(t, time.Since(start) < time.Second)
}

func TestDispatcher_ServerErrorSurfaced(t *testing.T) {
	pool := &fakePool{handlers: map[string]handlerFunc{"a": func(req *protocol.Request) (*protocol.Response, error) {
		return protocol.ErrorResponse(req, protocol.StatusServerError, errors.New("disk on fire")), nil
	}}}
	d := newTestDispatcher(t, pool)

	resp, err := d.Execute(context.Background(), getReq())
	assert.True(t, errors.Is(err, sentinel.ErrServerError))
	assert.Equal(t, protocol.StatusServerError, resp.Status)
	assert.Len(t, pool.callLog(), 1)
}

func TestNew_Validates(t *testing.T) {
	_, err := New("", &fakePool{}, map[string]string{"a": "a:1"})
	assert.NotNil(t, err)

	_, err = New("c", &fakePool{}, nil)
	assert.NotNil(t, err)
}
