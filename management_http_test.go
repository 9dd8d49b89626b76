package hypergrid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/topology"
)

func getBody(t *testing.T, url string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	assert.Nil(t, err)

	resp, err := http.DefaultClient.Do(req)
	assert.Nil(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	assert.Nil(t, err)

	return resp.StatusCode, body
}

func TestManagementHTTP_Endpoints(t *testing.T) {
	g := newTestGrid(1)
	n := g.add(t, "a")
	ctx := context.Background()

	resp := n.Handle(ctx, &protocol.Request{MessageID: 1, CacheName: cacheName, Op: protocol.OpPut, Key: "k", Value: []byte("v"), TopologyID: 1})
	assert.Equal(t, protocol.StatusOK, resp.Status)

	srv := NewManagementHTTPServer("127.0.0.1:0", WithMgmtReadTimeout(time.Second))
	assert.Nil(t, srv.Start(ctx, n))

	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	base := "http://" + srv.Address()

	// the listener is bound by Start: connections queue until the app serves
	code, body := getBody(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))

	code, body = getBody(t, base+"/topology")
	assert.Equal(t, http.StatusOK, code)

	var u topology.Update
	assert.Nil(t, json.Unmarshal(body, &u))
	assert.Equal(t, int64(1), topology.FromUpdate(&u).ID())

	code, body = getBody(t, base+"/caches")
	assert.Equal(t, http.StatusOK, code)

	var infos []CacheInfo
	assert.Nil(t, json.Unmarshal(body, &infos))
	assert.Equal(t, 1, len(infos))
	assert.Equal(t, cacheName, infos[0].Name)
	assert.Equal(t, int64(1), infos[0].Entries)

	code, body = getBody(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(string(body), "hypergrid_stores_total"))
}
