package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/pkg/client"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
)

// internal status code threshold for error classification.
const statusThreshold = 300

// HTTPPool dials nodes over HTTP. Connections are stateless; the underlying
// http.Client keeps the TCP connections alive.
type HTTPPool struct {
	client *http.Client
	codec  *protocol.Codec
}

// NewHTTPPool returns a pool encoding requests with codec. A non-positive timeout keeps
// the per-attempt deadline of the caller as the only bound.
func NewHTTPPool(codec *protocol.Codec, timeout time.Duration) *HTTPPool {
	c := &http.Client{}
	if timeout > 0 {
		c.Timeout = timeout
	}

	return &HTTPPool{client: c, codec: codec}
}

// Conn implements client.ConnectionPool.
func (p *HTTPPool) Conn(_ context.Context, _, addr string) (client.Conn, error) { //nolint:ireturn
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &httpConn{pool: p, url: strings.TrimSuffix(base, "/") + CommandPath}, nil
}

type httpConn struct {
	pool *HTTPPool
	url  string
}

// RoundTrip implements client.Conn.
func (c *httpConn) RoundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	payload, err := c.pool.codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, ewrap.Wrap(err, "new request")
	}

	hreq.Header.Set("Content-Type", c.pool.codec.ContentType())

	hresp, err := c.pool.client.Do(hreq)
	if err != nil {
		return nil, ewrap.Wrap(err, "do request")
	}

	defer func() {
		_ = hresp.Body.Close() //nolint:errcheck // best-effort
	}()

	body, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, ewrap.Wrap(err, "read body")
	}

	if hresp.StatusCode >= statusThreshold {
		return nil, ewrap.Newf("grid command status %d body %s", hresp.StatusCode, string(body))
	}

	return protocol.CodecFor(hresp.Header.Get("Content-Type")).DecodeResponse(body)
}

var _ client.ConnectionPool = (*HTTPPool)(nil)
