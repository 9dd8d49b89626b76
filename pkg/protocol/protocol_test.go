package protocol

import (
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"ok", Request{CacheName: "c", Op: OpGet, Key: "k"}, nil},
		{"size needs no key", Request{CacheName: "c", Op: OpSize}, nil},
		{"unknown op", Request{CacheName: "c", Op: 99, Key: "k"}, sentinel.ErrUnknownOperation},
		{"missing cache", Request{Op: OpGet, Key: "k"}, sentinel.ErrParamCannotBeEmpty},
		{"missing key", Request{CacheName: "c", Op: OpPut}, sentinel.ErrInvalidKey},
		{"negative lifespan", Request{CacheName: "c", Op: OpPut, Key: "k", LifespanMS: -1}, sentinel.ErrInvalidExpiration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.want == nil {
				assert.Nil(t, err)

				return
			}

			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestFlagHas(t *testing.T) {
	f := FlagReturnPreviousValue | FlagStateTransfer
	assert.True(t, f.Has(FlagReturnPreviousValue))
	assert.True(t, f.Has(FlagStateTransfer))
	assert.False(t, FlagReturnPreviousValue.Has(FlagStateTransfer))
}

func TestResponseErr(t *testing.T) {
	assert.Nil(t, (&Response{Status: StatusOK}).Err())
	assert.Nil(t, (&Response{Status: StatusVersionMismatch}).Err())
	assert.True(t, errors.Is((&Response{Status: StatusStaleTopology}).Err(), sentinel.ErrStaleTopology))
	assert.True(t, errors.Is((&Response{Status: StatusNotReady}).Err(), sentinel.ErrStaleTopology))
	assert.True(t, errors.Is((&Response{Status: StatusCacheNotFound}).Err(), sentinel.ErrCacheNotFound))
	assert.True(t, errors.Is((&Response{Status: StatusServerError, Error: "boom"}).Err(), sentinel.ErrServerError))
}

func TestResponseErr_InvalidKeepsCause(t *testing.T) {
	req := &Request{MessageID: 1, CacheName: "c", Op: OpPut, Key: "k"}

	for _, want := range []error{
		sentinel.ErrInvalidKey, sentinel.ErrNilValue, sentinel.ErrInvalidExpiration, sentinel.ErrUnknownOperation,
	} {
		resp := ErrorResponse(req, StatusInvalid, want)

		// the cause survives the wire
		codec, err := NewCodec("json")
		assert.Nil(t, err)

		data, err := codec.EncodeResponse(resp)
		assert.Nil(t, err)

		decoded, err := codec.DecodeResponse(data)
		assert.Nil(t, err)
		assert.True(t, errors.Is(decoded.Err(), want), want.Error())
	}

	resp := ErrorResponse(req, StatusInvalid, errors.New("odd"))
	assert.True(t, errors.Is(resp.Err(), sentinel.ErrInvalidRequest))
	assert.False(t, errors.Is(resp.Err(), sentinel.ErrInvalidKey))
}

func TestCodecRoundTripPerSerializer(t *testing.T) {
	view := topology.NewView(4, 1, [][]string{{"a", "b"}, {"b", "a"}}, map[string]string{"a": "a:1", "b": "b:1"})

	for _, name := range []string{"json", "msgpack", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, err := NewCodec(name)
			assert.Nil(t, err)

			req := &Request{
				MessageID: 7, CacheName: "c", Op: OpReplaceWithVersion, Flags: FlagReturnPreviousValue,
				TopologyID: 3, TopologyAge: 2, Mode: ModeWaitTopology, Key: "k", Value: []byte("v"), Version: 11,
			}

			data, err := c.EncodeRequest(req)
			assert.Nil(t, err)

			got, err := c.DecodeRequest(data)
			assert.Nil(t, err)
			assert.Equal(t, req.MessageID, got.MessageID)
			assert.Equal(t, req.Op, got.Op)
			assert.Equal(t, req.Flags, got.Flags)
			assert.Equal(t, req.TopologyID, got.TopologyID)
			assert.Equal(t, req.Mode, got.Mode)
			assert.Equal(t, "v", string(got.Value))
			assert.Equal(t, int64(11), got.Version)

			resp := NewResponse(req, StatusStaleTopology)
			resp.Retry = true
			resp.AttachTopology(view, req.TopologyAge)

			data, err = c.EncodeResponse(resp)
			assert.Nil(t, err)

			back, err := c.DecodeResponse(data)
			assert.Nil(t, err)
			assert.Equal(t, uint64(7), back.MessageID)
			assert.Equal(t, StatusStaleTopology, back.Status)
			assert.True(t, back.Retry)
			assert.Equal(t, int64(2), back.TopologyAge)
			assert.NotNil(t, back.Topology)
			assert.Equal(t, int64(4), topology.FromUpdate(back.Topology).ID())
			assert.Equal(t, []string{"a", "b"}, topology.FromUpdate(back.Topology).Owners(0))
		})
	}
}

func TestCodecForContentType(t *testing.T) {
	assert.Equal(t, "application/msgpack", CodecFor("application/msgpack").ContentType())
	assert.Equal(t, "application/json", CodecFor("text/plain").ContentType())
}
