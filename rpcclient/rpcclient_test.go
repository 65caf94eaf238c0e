package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, port, ok := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	require.True(t, ok)

	c := New(Config{Host: host, Port: port, User: "rpcuser", Pass: "rpcpass", CacheSize: 16})
	return c, srv
}

func TestCallSendsBasicAuthAndDecodesResult(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rpcuser", user)
		assert.Equal(t, "rpcpass", pass)

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getblockhash", req.Method)

		w.Write([]byte(`{"result":"00000000000000000000","error":null,"id":` + itoa(req.ID) + `}`))
	})

	hash, err := c.GetBlockHash(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000", hash)
}

func TestCallSurfacesMethodError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		w.Write([]byte(`{"result":null,"error":{"code":-5,"message":"Block not found"},"id":` + itoa(req.ID) + `}`))
	})

	_, err := c.GetBlockHash(context.Background(), 999999999)
	var methodErr *MethodError
	require.ErrorAs(t, err, &methodErr)
	assert.Equal(t, -5, methodErr.Code)
}

func TestCallSurfacesHTTPStatusError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.GetBlockHash(context.Background(), 0)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestGetBlockHashIsCached(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		w.Write([]byte(`{"result":"cachedhash","error":null,"id":` + itoa(req.ID) + `}`))
	})

	a, err := c.GetBlockHash(context.Background(), 42)
	require.NoError(t, err)
	b, err := c.GetBlockHash(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, calls)
}

// TestBatchCallReordersByID is S6 from spec.md §8: a batch response
// that arrives in a different order than it was sent must still be
// handed back to the caller in request order.
func TestBatchCallReordersByID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var reqs []request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		require.Len(t, reqs, 3)

		// Reply in the opposite order the requests were sent, the way
		// a real node's batch response is free to.
		resps := make([]response, len(reqs))
		for i, req := range reqs {
			resps[len(reqs)-1-i] = response{Result: json.RawMessage(`"` + req.Method + `"`), ID: req.ID}
		}
		b, err := json.Marshal(resps)
		require.NoError(t, err)
		w.Write(b)
	})

	results, err := c.BatchCall(context.Background(),
		[]string{"getblockhash", "getblockchaininfo", "getrawtransaction"},
		[][]interface{}{{1}, nil, {"abc"}},
	)
	require.NoError(t, err)
	require.Len(t, results, 3)

	var first, second, third string
	require.NoError(t, json.Unmarshal(results[0], &first))
	require.NoError(t, json.Unmarshal(results[1], &second))
	require.NoError(t, json.Unmarshal(results[2], &third))
	assert.Equal(t, "getblockhash", first)
	assert.Equal(t, "getblockchaininfo", second)
	assert.Equal(t, "getrawtransaction", third)
}

func itoa(id uint64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
