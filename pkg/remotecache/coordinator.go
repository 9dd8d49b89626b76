package remotecache

import (
	"context"
	"errors"

	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/client"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/stats"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxVersionRetries bounds the version conflict retries of Compute; 0 means unbounded.
func WithMaxVersionRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.maxVersionRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Coordinator implements Service over a client dispatcher.
type Coordinator struct {
	d                 *client.Dispatcher
	maxVersionRetries int
	logger            *zap.Logger
}

// New returns a coordinator issuing operations through d.
func New(d *client.Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{d: d, logger: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}

	return c
}

func (c *Coordinator) do(ctx context.Context, op protocol.OpCode, key string, mutate func(*protocol.Request), opts ...WriteOption) (*protocol.Response, error) {
	req := &protocol.Request{Op: op, Key: key}
	if op.Keyed() {
		err := validateKey(key)
		if err != nil {
			return nil, err
		}
	}

	if mutate != nil {
		mutate(req)
	}

	for _, o := range opts {
		o(req)
	}

	return c.d.Execute(ctx, req)
}

// Get implements Service.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	vv, ok, err := c.GetWithVersion(ctx, key)

	return vv.Value, ok, err
}

// GetWithVersion implements Service.
func (c *Coordinator) GetWithVersion(ctx context.Context, key string) (VersionedValue, bool, error) {
	resp, err := c.do(ctx, protocol.OpGetWithVersion, key, nil)
	if err != nil {
		return VersionedValue{}, false, err
	}

	if resp.Status == protocol.StatusKeyNotFound {
		return VersionedValue{}, false, nil
	}

	return VersionedValue{Value: resp.Value, Version: resp.Version}, true, nil
}

// Put implements Service.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte, opts ...WriteOption) (int64, []byte, error) {
	if value == nil {
		return 0, nil, sentinel.ErrNilValue
	}

	resp, err := c.do(ctx, protocol.OpPut, key, func(r *protocol.Request) { r.Value = value }, opts...)
	if err != nil {
		return 0, nil, err
	}

	return resp.Version, resp.Previous, nil
}

// PutIfAbsent implements Service.
func (c *Coordinator) PutIfAbsent(ctx context.Context, key string, value []byte, opts ...WriteOption) (int64, bool, error) {
	if value == nil {
		return 0, false, sentinel.ErrNilValue
	}

	resp, err := c.do(ctx, protocol.OpPutIfAbsent, key, func(r *protocol.Request) { r.Value = value }, opts...)
	if err != nil {
		return 0, false, err
	}

	return resp.Version, resp.Status == protocol.StatusOK, nil
}

// Remove implements Service.
func (c *Coordinator) Remove(ctx context.Context, key string, opts ...WriteOption) ([]byte, bool, error) {
	resp, err := c.do(ctx, protocol.OpRemove, key, nil, opts...)
	if err != nil {
		return nil, false, err
	}

	return resp.Previous, resp.Status == protocol.StatusOK, nil
}

// ContainsKey implements Service.
func (c *Coordinator) ContainsKey(ctx context.Context, key string) (bool, error) {
	resp, err := c.do(ctx, protocol.OpContainsKey, key, nil)
	if err != nil {
		return false, err
	}

	return resp.Status == protocol.StatusOK, nil
}

// ReplaceWithVersion implements Service. A version mismatch or a missing entry is reported
// as not applied, not as an error.
func (c *Coordinator) ReplaceWithVersion(ctx context.Context, key string, value []byte, version int64, opts ...WriteOption) (int64, bool, error) {
	if value == nil {
		return 0, false, sentinel.ErrNilValue
	}

	resp, err := c.do(ctx, protocol.OpReplaceWithVersion, key, func(r *protocol.Request) {
		r.Value = value
		r.Version = version
	}, opts...)
	if err != nil {
		return 0, false, err
	}

	return resp.Version, resp.Status == protocol.StatusOK, nil
}

// RemoveWithVersion implements Service.
func (c *Coordinator) RemoveWithVersion(ctx context.Context, key string, version int64) (bool, error) {
	resp, err := c.do(ctx, protocol.OpRemoveWithVersion, key, func(r *protocol.Request) { r.Version = version })
	if err != nil {
		return false, err
	}

	return resp.Status == protocol.StatusOK, nil
}

// Compute implements Service. It reads the entry, applies fn and writes the result only if
// the entry is unchanged; on a conflict it starts over with the fresh version. Exactly one
// write succeeds per call; fn may run more than once. It returns the stored value and
// whether the key exists afterwards.
func (c *Coordinator) Compute(ctx context.Context, key string, fn ComputeFunc, opts ...WriteOption) (VersionedValue, bool, error) {
	for attempt := 0; ; attempt++ {
		if c.maxVersionRetries > 0 && attempt > c.maxVersionRetries {
			return VersionedValue{}, false, ewrap.Wrapf(sentinel.ErrVersionRetriesExhausted,
				"%d attempts: %v", attempt, sentinel.ErrVersionConflict)
		}

		if ctx.Err() != nil {
			return VersionedValue{}, false, c.deadline(attempt)
		}

		out, exists, done, err := c.computeOnce(ctx, key, fn, opts)
		if err != nil {
			if errors.Is(err, sentinel.ErrDeadlineExceeded) {
				return VersionedValue{}, false, c.deadline(attempt)
			}

			return VersionedValue{}, false, err
		}

		if done {
			return out, exists, nil
		}

		c.d.Stats().VersionRetry()
		c.logger.Debug("compute lost a version race, retrying", zap.String("key", key), zap.Int("attempt", attempt))
	}
}

// computeOnce runs one read-apply-conditional-write round; done=false is a version conflict.
func (c *Coordinator) computeOnce(ctx context.Context, key string, fn ComputeFunc, opts []WriteOption) (VersionedValue, bool, bool, error) {
	cur, found, err := c.GetWithVersion(ctx, key)
	if err != nil {
		return VersionedValue{}, false, false, err
	}

	next, keep := fn(cur.Value, found)

	switch {
	case !found && !keep:
		return VersionedValue{}, false, true, nil

	case !found:
		ver, applied, err := c.PutIfAbsent(ctx, key, next, opts...)
		if err != nil || !applied {
			return VersionedValue{}, false, false, err
		}

		return VersionedValue{Value: next, Version: ver}, true, true, nil

	case !keep:
		applied, err := c.RemoveWithVersion(ctx, key, cur.Version)
		if err != nil || !applied {
			return VersionedValue{}, false, false, err
		}

		return VersionedValue{}, false, true, nil
	}

	ver, applied, err := c.ReplaceWithVersion(ctx, key, next, cur.Version, opts...)
	if err != nil || !applied {
		return VersionedValue{}, false, false, err
	}

	return VersionedValue{Value: next, Version: ver}, true, true, nil
}

// deadline reports an expired deadline, naming the retry loop that was running.
func (*Coordinator) deadline(attempt int) error {
	if attempt > 0 {
		return ewrap.Wrap(sentinel.ErrDeadlineExceeded, "while retrying version conflicts")
	}

	return ewrap.Wrap(sentinel.ErrDeadlineExceeded, "while retrying topology")
}

// Size implements Service.
func (c *Coordinator) Size(ctx context.Context) (int64, error) {
	resps, err := c.d.Broadcast(ctx, &protocol.Request{Op: protocol.OpSize})
	if err != nil {
		return 0, err
	}

	var n int64
	for _, r := range resps {
		n += r.Count
	}

	return n, nil
}

// Clear implements Service.
func (c *Coordinator) Clear(ctx context.Context) error {
	_, err := c.d.Broadcast(ctx, &protocol.Request{Op: protocol.OpClear})

	return err
}

// Stats implements Service.
func (c *Coordinator) Stats() stats.Snapshot { return c.d.Stats().Snapshot() }

func validateKey(key string) error {
	if key == "" {
		return sentinel.ErrInvalidKey
	}

	return nil
}

var _ Service = (*Coordinator)(nil)
