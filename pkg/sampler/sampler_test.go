package sampler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainofgeths/fleet-exporter/internal/config"
	"github.com/chainofgeths/fleet-exporter/pkg/ethrpc"
	"github.com/chainofgeths/fleet-exporter/pkg/extstate"
)

const testCutoff = 1_919_999

func fakeNode(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if result, ok := results[req.Method]; ok {
			resp["result"] = result
		} else {
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func dial(t *testing.T, name, url string) *ethrpc.Client {
	t.Helper()
	client, err := ethrpc.Dial(name, url, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func node(name string, cutoff uint64) config.Node {
	nodes, _ := config.ParseNodeList(name+"=http://unused", cutoff)
	return nodes[0]
}

func TestSampleNotSyncing(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_blockNumber": "0x64",
		"net_peerCount":   "0x5",
		"eth_syncing":     false,
	})
	defer srv.Close()

	s := New(2 * time.Second)
	r := s.Sample(context.Background(), node("A", testCutoff), dial(t, "A", srv.URL), extstate.State{})

	assert.True(t, r.Up)
	assert.Equal(t, uint64(100), r.BlockHeight)
	assert.Equal(t, uint64(5), r.PeerCount)
	assert.False(t, r.IsSyncing)
	assert.Equal(t, uint64(0), r.SyncCurrent)
	assert.Equal(t, uint64(0), r.SyncHighest)
	assert.Equal(t, uint64(100), r.EffectiveHead)
	assert.Equal(t, uint64(100), r.Target)
	assert.Equal(t, 100.0, r.Percent)
	assert.Equal(t, uint64(0), r.Remaining)
}

func TestSampleSyncingDynamicTarget(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_blockNumber": "0x28", // 40
		"eth_syncing":     map[string]string{"currentBlock": "0x32", "highestBlock": "0xc8"},
	})
	defer srv.Close()

	s := New(2 * time.Second)
	r := s.Sample(context.Background(), node("A", testCutoff), dial(t, "A", srv.URL), extstate.State{})

	assert.True(t, r.Up)
	assert.True(t, r.IsSyncing)
	assert.Equal(t, uint64(50), r.EffectiveHead)
	assert.Equal(t, uint64(200), r.Target)
	assert.Equal(t, 25.0, r.Percent)
	assert.Equal(t, uint64(150), r.Remaining)
	assert.Equal(t, "50/200 (25.0%)", r.Progress)
}

func TestSampleMissingOptionalMethods(t *testing.T) {
	// A client era predating net_peerCount and eth_syncing.
	srv := fakeNode(t, map[string]interface{}{"eth_blockNumber": "1500"})
	defer srv.Close()

	s := New(2 * time.Second)
	r := s.Sample(context.Background(), node("A", testCutoff), dial(t, "A", srv.URL), extstate.State{})

	assert.True(t, r.Up)
	assert.Equal(t, uint64(1500), r.BlockHeight)
	assert.Equal(t, uint64(0), r.PeerCount)
	assert.False(t, r.IsSyncing)
	assert.Equal(t, uint64(1500), r.EffectiveHead)
}

func TestSampleFixedTarget(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_blockNumber": "0x7a120", // 500000
		"eth_syncing":     false,
	})
	defer srv.Close()

	s := New(2 * time.Second)
	r := s.Sample(context.Background(), node(config.NodeLegacyMid, testCutoff), dial(t, "mid", srv.URL), extstate.State{})

	assert.Equal(t, uint64(testCutoff), r.Target)
	assert.Equal(t, uint64(testCutoff-500000), r.Remaining)
	assert.InDelta(t, 26.04, r.Percent, 0.01)
}

func TestSampleHeightOnlyWhileFixedTarget(t *testing.T) {
	// The sync cursor races ahead of durably imported blocks; the source
	// node must trust eth_blockNumber alone until its export completes.
	srv := fakeNode(t, map[string]interface{}{
		"eth_blockNumber": "0x186a0", // 100000
		"eth_syncing":     map[string]string{"currentBlock": "0x927c0", "highestBlock": "0x1000000"}, // 600000
	})
	defer srv.Close()

	s := New(2 * time.Second)
	src := node(config.NodeSource, testCutoff)

	r := s.Sample(context.Background(), src, dial(t, "src", srv.URL), extstate.State{})
	assert.Equal(t, uint64(100000), r.EffectiveHead)
	assert.Equal(t, uint64(testCutoff), r.Target)

	// Once the export step is done the fixed target and the height-only rule
	// both fall away.
	done := extstate.State{SourceExport: extstate.ExportState{DoneMarker: true}}
	r = s.Sample(context.Background(), src, dial(t, "src", srv.URL), done)
	assert.Equal(t, uint64(600000), r.EffectiveHead)
	assert.Equal(t, uint64(0x1000000), r.Target)
}

func TestSampleGatedUntilSeedDone(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_blockNumber": "0x64",
		"eth_syncing":     false,
	})
	defer srv.Close()

	s := New(2 * time.Second)
	bridge := node(config.NodeBridge, testCutoff)
	client := dial(t, "bridge", srv.URL)

	r := s.Sample(context.Background(), bridge, client, extstate.State{})
	assert.False(t, r.Up)
	assert.True(t, r.Gated)
	assert.Equal(t, uint64(0), r.BlockHeight)
	assert.Equal(t, "gated (waiting for seed)", r.Progress)

	seeded := extstate.State{BridgeImport: extstate.ImportState{DoneMarker: true}}
	r = s.Sample(context.Background(), bridge, client, seeded)
	assert.True(t, r.Up)
	assert.Equal(t, uint64(100), r.BlockHeight)
}

func TestSampleCacheFallback(t *testing.T) {
	srv := fakeNode(t, map[string]interface{}{
		"eth_blockNumber": "0x64",
		"net_peerCount":   "0x3",
		"eth_syncing":     false,
	})

	s := New(500 * time.Millisecond)
	n := node("A", testCutoff)
	client := dial(t, "A", srv.URL)

	first := s.Sample(context.Background(), n, client, extstate.State{})
	require.True(t, first.Up)

	srv.Close()

	second := s.Sample(context.Background(), n, client, extstate.State{})
	assert.False(t, second.Up)
	assert.True(t, second.Cached)
	assert.Equal(t, first.BlockHeight, second.BlockHeight)
	assert.Equal(t, first.EffectiveHead, second.EffectiveHead)
	assert.Equal(t, first.Target, second.Target)
	assert.Equal(t, first.Percent, second.Percent)
	assert.Equal(t, first.Progress+" (cached)", second.Progress)
}

func TestSampleDownWithoutCache(t *testing.T) {
	s := New(200 * time.Millisecond)
	client := dial(t, "A", "http://127.0.0.1:1")

	r := s.Sample(context.Background(), node("A", testCutoff), client, extstate.State{})
	assert.False(t, r.Up)
	assert.False(t, r.Cached)
	assert.Equal(t, uint64(0), r.EffectiveHead)
	assert.Equal(t, "down", r.Progress)
}

func TestProgress(t *testing.T) {
	target, percent, remaining := Progress(50, 0, 200)
	assert.Equal(t, uint64(200), target)
	assert.Equal(t, 25.0, percent)
	assert.Equal(t, uint64(150), remaining)

	// Fixed target wins over a higher reported ceiling.
	target, percent, remaining = Progress(100, 400, 1000)
	assert.Equal(t, uint64(400), target)
	assert.Equal(t, 25.0, percent)
	assert.Equal(t, uint64(300), remaining)

	// Old clients reporting highestBlock=0 still get a sane target.
	target, percent, remaining = Progress(75, 0, 0)
	assert.Equal(t, uint64(75), target)
	assert.Equal(t, 100.0, percent)
	assert.Equal(t, uint64(0), remaining)

	// Zero everywhere.
	target, percent, remaining = Progress(0, 0, 0)
	assert.Equal(t, uint64(0), target)
	assert.Equal(t, 0.0, percent)
	assert.Equal(t, uint64(0), remaining)
}

func TestFormatProgress(t *testing.T) {
	assert.Equal(t, "50/200 (25.0%)", FormatProgress(50, 200))
	assert.Equal(t, "0/0 (0.0%)", FormatProgress(0, 0))
}
