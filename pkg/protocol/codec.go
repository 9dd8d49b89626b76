package protocol

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
)

// Codec encodes requests and responses with one serializer.
type Codec struct {
	s serializer.ISerializer
}

// NewCodec returns a codec for the named serializer ("default", "json", "msgpack", "cbor").
func NewCodec(name string) (*Codec, error) {
	s, err := serializer.New(name)
	if err != nil {
		return nil, err
	}

	return &Codec{s: s}, nil
}

// CodecFor returns the codec advertised by an HTTP content type, defaulting to JSON.
func CodecFor(contentType string) *Codec {
	return &Codec{s: serializer.NewSerializerRegistry().ForContentType(contentType)}
}

// ContentType returns the media type of the encoding.
func (c *Codec) ContentType() string { return c.s.ContentType() }

// EncodeRequest serializes req.
func (c *Codec) EncodeRequest(req *Request) ([]byte, error) {
	data, err := c.s.Marshal(req)
	if err != nil {
		return nil, ewrap.Wrap(err, "encode request")
	}

	return data, nil
}

// DecodeRequest deserializes and validates a request.
func (c *Codec) DecodeRequest(data []byte) (*Request, error) {
	var req Request

	err := c.s.Unmarshal(data, &req)
	if err != nil {
		return nil, ewrap.Wrap(err, "decode request")
	}

	err = req.Validate()
	if err != nil {
		return &req, err
	}

	return &req, nil
}

// EncodeResponse serializes resp.
func (c *Codec) EncodeResponse(resp *Response) ([]byte, error) {
	data, err := c.s.Marshal(resp)
	if err != nil {
		return nil, ewrap.Wrap(err, "encode response")
	}

	return data, nil
}

// DecodeResponse deserializes a response.
func (c *Codec) DecodeResponse(data []byte) (*Response, error) {
	var resp Response

	err := c.s.Unmarshal(data, &resp)
	if err != nil {
		return nil, ewrap.Wrap(err, "decode response")
	}

	return &resp, nil
}
