package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/stats"
	"github.com/hyp3rd/hypergrid/pkg/store"
)

// Executor runs a ready command against local state.
type Executor interface {
	Execute(ctx context.Context, req *protocol.Request) *protocol.Response
}

// StoreExecutor maps op codes onto a local store and records stats.
type StoreExecutor struct {
	store store.Store
	stats *stats.Collector
}

// NewStoreExecutor returns an executor over s. A nil collector disables stats.
func NewStoreExecutor(s store.Store, collector *stats.Collector) *StoreExecutor {
	if collector == nil {
		collector = stats.NewCollector()
	}

	return &StoreExecutor{store: s, stats: collector}
}

// Execute implements Executor.
func (e *StoreExecutor) Execute(ctx context.Context, req *protocol.Request) *protocol.Response {
	resp, err := e.execute(ctx, req)
	if err != nil {
		status := protocol.StatusServerError
		if errors.Is(err, sentinel.ErrInvalidKey) || errors.Is(err, sentinel.ErrNilValue) ||
			errors.Is(err, sentinel.ErrInvalidExpiration) || errors.Is(err, sentinel.ErrUnknownOperation) {
			status = protocol.StatusInvalid
		}

		return protocol.ErrorResponse(req, status, err)
	}

	return resp
}

func (e *StoreExecutor) execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	start := time.Now()
	opts := store.WriteOptions{Lifespan: req.Lifespan(), MaxIdle: req.MaxIdle()}
	withPrev := req.Flags.Has(protocol.FlagReturnPreviousValue)

	switch req.Op {
	case protocol.OpPing:
		return protocol.NewResponse(req, protocol.StatusOK), nil

	case protocol.OpGet, protocol.OpGetWithVersion:
		entry, ok, err := e.store.Get(ctx, req.Key)
		if err != nil {
			return nil, err
		}

		if !ok {
			e.stats.RecordMiss(time.Since(start))

			return protocol.NewResponse(req, protocol.StatusKeyNotFound), nil
		}

		e.stats.RecordHit(time.Since(start))

		resp := protocol.NewResponse(req, protocol.StatusOK)
		resp.Value = entry.Value
		resp.Version = entry.Version

		return resp, nil

	case protocol.OpPut:
		ver, prev, err := e.store.Put(ctx, req.Key, req.Value, opts)
		if err != nil {
			return nil, err
		}

		e.stats.RecordStore(time.Since(start))

		resp := protocol.NewResponse(req, protocol.StatusOK)
		resp.Version = ver

		if withPrev && prev != nil {
			resp.Previous = prev.Value
		}

		return resp, nil

	case protocol.OpPutIfAbsent:
		var (
			res store.CASResult
			err error
		)

		// migrating entries keep the version clients hold as their CAS token
		if req.Flags.Has(protocol.FlagStateTransfer) && req.Version > 0 {
			res, err = e.store.Restore(ctx, &store.Entry{
				Key: req.Key, Value: req.Value, Version: req.Version,
				Lifespan: opts.Lifespan, MaxIdle: opts.MaxIdle,
			})
		} else {
			res, err = e.store.PutIfAbsent(ctx, req.Key, req.Value, opts)
		}

		if err != nil {
			return nil, err
		}

		if res.Outcome != store.Applied {
			return casResponse(req, protocol.StatusNotExecuted, res, withPrev), nil
		}

		e.stats.RecordStore(time.Since(start))

		return casResponse(req, protocol.StatusOK, res, false), nil

	case protocol.OpReplaceWithVersion:
		res, err := e.store.CompareAndSet(ctx, req.Key, req.Version, req.Value, opts)
		if err != nil {
			return nil, err
		}

		if res.Outcome == store.Applied {
			e.stats.RecordStore(time.Since(start))
		}

		return casResponse(req, outcomeStatus(res.Outcome), res, withPrev), nil

	case protocol.OpRemove:
		prev, ok, err := e.store.Remove(ctx, req.Key)
		if err != nil {
			return nil, err
		}

		if !ok {
			return protocol.NewResponse(req, protocol.StatusKeyNotFound), nil
		}

		e.stats.RecordRemove(time.Since(start))

		resp := protocol.NewResponse(req, protocol.StatusOK)
		if withPrev {
			resp.Previous = prev.Value
		}

		return resp, nil

	case protocol.OpRemoveWithVersion:
		res, err := e.store.CompareAndRemove(ctx, req.Key, req.Version)
		if err != nil {
			return nil, err
		}

		if res.Outcome == store.Applied {
			e.stats.RecordRemove(time.Since(start))
		}

		return casResponse(req, outcomeStatus(res.Outcome), res, withPrev), nil

	case protocol.OpContainsKey:
		ok, err := e.store.ContainsKey(ctx, req.Key)
		if err != nil {
			return nil, err
		}

		if !ok {
			return protocol.NewResponse(req, protocol.StatusKeyNotFound), nil
		}

		return protocol.NewResponse(req, protocol.StatusOK), nil

	case protocol.OpSize:
		n, err := e.store.Size(ctx)
		if err != nil {
			return nil, err
		}

		resp := protocol.NewResponse(req, protocol.StatusOK)
		resp.Count = n

		return resp, nil

	case protocol.OpClear:
		err := e.store.Clear(ctx)
		if err != nil {
			return nil, err
		}

		return protocol.NewResponse(req, protocol.StatusOK), nil
	}

	return nil, sentinel.ErrUnknownOperation
}

func outcomeStatus(o store.Outcome) protocol.Status {
	switch o {
	case store.Applied:
		return protocol.StatusOK
	case store.VersionMismatch:
		return protocol.StatusVersionMismatch
	case store.Absent:
		return protocol.StatusKeyNotFound
	}

	return protocol.StatusServerError
}

// casResponse reports a conditional outcome; Version is the new version when applied and
// the observed one otherwise.
func casResponse(req *protocol.Request, status protocol.Status, res store.CASResult, withPrev bool) *protocol.Response {
	resp := protocol.NewResponse(req, status)
	resp.Version = res.Version

	if withPrev && res.Previous != nil {
		resp.Previous = res.Previous.Value
	}

	return resp
}
