package templatemgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toole-brendan/btcminer/rpcclient"
)

const (
	prevA = "0000000000000000000000000000000000000000000000000000000000000001"
	prevB = "0000000000000000000000000000000000000000000000000000000000000002"
)

func templateJSON(prevHash string, coinbaseValue int64, height int64) string {
	return `{"result":{` +
		`"bits":"1d00ffff",` +
		`"curtime":1700000000,` +
		`"height":` + itoa64(height) + `,` +
		`"previousblockhash":"` + prevHash + `",` +
		`"mintime":1699999000,` +
		`"coinbasevalue":` + itoa64(coinbaseValue) + `,` +
		`"transactions":[],` +
		`"version":536870912,` +
		`"mutable":["time","transactions","prevblock"],` +
		`"rules":["segwit"]` +
		`},"error":null,"id":1}`
}

func itoa64(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestManager(t *testing.T, responses []string) (*Manager, *int32) {
	t.Helper()
	var idx int32
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&idx, 1) - 1
		atomic.AddInt32(&calls, 1)
		if int(i) >= len(responses) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(responses[i]))
	}))
	t.Cleanup(srv.Close)

	host, port, ok := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	require.True(t, ok)

	client := rpcclient.New(rpcclient.Config{Host: host, Port: port, User: "u", Pass: "p"})
	mgr := New(client, Config{PollInterval: 20 * time.Millisecond, FailureThreshold: 2})
	return mgr, &calls
}

func TestStartPopulatesCurrentSynchronously(t *testing.T) {
	mgr, _ := newTestManager(t, []string{templateJSON(prevA, 625000000, 700000)})
	defer mgr.Stop()

	require.NoError(t, mgr.Start(context.Background()))
	require.NotNil(t, mgr.Current())
	assert.Equal(t, int64(700000), mgr.Current().Height)
}

// TestSecondPollSamePrevHashIsNotSignificant exercises the
// non-significant path of isSignificant.
func TestSecondPollSamePrevHashIsNotSignificant(t *testing.T) {
	mgr, _ := newTestManager(t, []string{
		templateJSON(prevA, 625000000, 700000),
		templateJSON(prevA, 625000000, 700000),
	})
	defer mgr.Stop()

	require.NoError(t, mgr.Start(context.Background()))

	// Start's own poll has already queued the first update (Old nil).
	initial := <-mgr.Events()
	require.NotNil(t, initial.Update)
	require.Nil(t, initial.Update.Old)

	select {
	case ev := <-mgr.Events():
		require.NotNil(t, ev.Update)
		assert.False(t, ev.Update.Significant)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second poll")
	}
}

// TestNewTipIsSignificant is the height/prevhash-change half of
// spec.md §4.6's significance detection.
func TestNewTipIsSignificant(t *testing.T) {
	mgr, _ := newTestManager(t, []string{
		templateJSON(prevA, 625000000, 700000),
		templateJSON(prevB, 625000000, 700001),
	})
	defer mgr.Stop()

	require.NoError(t, mgr.Start(context.Background()))

	// Start's own poll has already queued the first update (Old nil).
	initial := <-mgr.Events()
	require.NotNil(t, initial.Update)
	require.Nil(t, initial.Update.Old)

	select {
	case ev := <-mgr.Events():
		require.NotNil(t, ev.Update)
		assert.True(t, ev.Update.Significant)
		assert.True(t, ev.Update.RestartRequired)
		assert.NotEqual(t, ev.Update.Old.PreviousBlockHash, ev.Update.New.PreviousBlockHash)
		assert.Equal(t, int64(700001), ev.Update.New.Height)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second poll")
	}
}

// TestConsecutiveFailuresSurfaceUnavailable checks that RPCUnavailable
// fires only once the configured failure threshold is crossed.
func TestConsecutiveFailuresSurfaceUnavailable(t *testing.T) {
	mgr, _ := newTestManager(t, []string{templateJSON(prevA, 625000000, 700000)})
	defer mgr.Stop()

	require.NoError(t, mgr.Start(context.Background()))

	for i := 0; i < 3; i++ {
		select {
		case ev := <-mgr.Events():
			if ev.Unavailable != nil {
				assert.GreaterOrEqual(t, ev.Unavailable.ConsecutiveFailures, 2)
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for RPCUnavailable event")
		}
	}
	t.Fatal("never saw an RPCUnavailable event")
}
