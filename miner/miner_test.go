package miner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toole-brendan/btcminer/blockheader"
	"github.com/toole-brendan/btcminer/coordinator"
	"github.com/toole-brendan/btcminer/internal/appconfig"
	"github.com/toole-brendan/btcminer/minertypes"
)

const testPayoutAddr = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"

// TestMineGenesisFindsKnownNonceAndHash is spec.md §8's S3 scenario: a
// from-scratch search of the real genesis fixture's full nonce space
// must land on the historical (nonce, hash) pair. This scans up to
// ~2.08 billion nonces and is real wall-clock work, so it is skipped
// under -short.
func TestMineGenesisFindsKnownNonceAndHash(t *testing.T) {
	if testing.Short() {
		t.Skip("genesis fixture search scans ~2 billion nonces; skipped in short mode")
	}

	result, err := MineGenesis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2083236893), result.Nonce)
	assert.Equal(t, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f", hex.EncodeToString(result.Hash[:]))
}

func TestMineGenesisRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := MineGenesis(ctx)
	require.Error(t, err)
}

func testTemplate() *minertypes.BlockTemplate {
	return &minertypes.BlockTemplate{
		Height:            700000,
		Version:           536870912,
		PreviousBlockHash: chainhash.Hash{9},
		CurTime:           1700000000,
		Bits:              0x1d00ffff,
		CoinbaseValue:     625000000,
		Transactions: []minertypes.TxEntry{
			{Data: []byte{0x01, 0x02, 0x03}, Txid: chainhash.Hash{1}},
		},
	}
}

func TestAssembleBlockRoundTripsHeaderFields(t *testing.T) {
	tmpl := testTemplate()
	found := &coordinator.FoundBlock{
		Generation: 1,
		Template:   tmpl,
		ExtraNonce: 42,
		Nonce:      123456,
	}
	cfg := &appconfig.Config{PayoutAddress: testPayoutAddr, BitcoinNetwork: appconfig.NetworkMainnet}

	hexBlock, err := assembleBlock(tmpl, found, cfg)
	require.NoError(t, err)

	raw, err := hex.DecodeString(hexBlock)
	require.NoError(t, err)
	require.Greater(t, len(raw), blockheader.Size)

	header, err := blockheader.Deserialize(raw[:blockheader.Size])
	require.NoError(t, err)
	assert.Equal(t, tmpl.Version, header.Version)
	assert.Equal(t, tmpl.PreviousBlockHash, header.PrevBlock)
	assert.Equal(t, tmpl.Bits, header.Bits)
	assert.Equal(t, found.Nonce, header.Nonce)
	assert.Equal(t, uint32(tmpl.CurTime), header.Timestamp)

	// The remainder after the header is the tx-count varint, the
	// coinbase, and the one other transaction's raw bytes.
	remainder := raw[blockheader.Size:]
	assert.Contains(t, string(remainder), string(tmpl.Transactions[0].Data))
}

func TestAssembleBlockRejectsUndecodableAddress(t *testing.T) {
	tmpl := testTemplate()
	found := &coordinator.FoundBlock{Template: tmpl, ExtraNonce: 1, Nonce: 1}
	cfg := &appconfig.Config{PayoutAddress: "not-an-address", BitcoinNetwork: appconfig.NetworkMainnet}

	_, err := assembleBlock(tmpl, found, cfg)
	assert.Error(t, err)
}

func TestRunBenchmarkExhaustsConfiguredNonceCount(t *testing.T) {
	cfg := &appconfig.Config{BenchmarkNonces: 5000, PayoutAddress: testPayoutAddr}
	require.NoError(t, cfg.Normalize())

	result, err := RunBenchmark(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), result.Nonces)
	assert.Greater(t, result.HashRate, 0.0)
}

func TestRunBenchmarkAppendsToCacheFile(t *testing.T) {
	dir := t.TempDir()
	cacheFile := filepath.Join(dir, "bench.json")

	cfg := &appconfig.Config{BenchmarkNonces: 1000, BenchmarkCacheFile: cacheFile, PayoutAddress: testPayoutAddr}
	require.NoError(t, cfg.Normalize())

	_, err := RunBenchmark(context.Background(), cfg)
	require.NoError(t, err)
	_, err = RunBenchmark(context.Background(), cfg)
	require.NoError(t, err)

	data, err := os.ReadFile(cacheFile)
	require.NoError(t, err)

	var samples []benchmarkSample
	require.NoError(t, json.Unmarshal(data, &samples))
	assert.Len(t, samples, 2)
	assert.Equal(t, uint64(1000), samples[0].Nonces)
}
