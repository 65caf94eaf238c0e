package coordinator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toole-brendan/btcminer/accelerator"
	"github.com/toole-brendan/btcminer/minertypes"
)

const testPayoutAddr = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"

func testTemplate() *minertypes.BlockTemplate {
	return &minertypes.BlockTemplate{
		Height:            700000,
		Version:           536870912,
		PreviousBlockHash: chainhash.Hash{9},
		CurTime:           1700000000,
		Bits:              0x1d00ffff,
		Target:            big.NewInt(0), // impossible target: forces exhaustion
		CoinbaseValue:     625000000,
	}
}

func TestPartitionExtraNonceRangesCoverSpaceDisjointly(t *testing.T) {
	ranges := partitionExtraNonceRanges(3, 100)
	require.Len(t, ranges, 3)

	var total uint64
	var prevEnd uint64
	for i, r := range ranges {
		assert.Equal(t, prevEnd, r.Start, "range %d should start where the previous ended", i)
		assert.Less(t, r.Start, r.End)
		total += r.Len()
		prevEnd = r.End
	}
	assert.Equal(t, uint64(100), total)
	assert.Equal(t, uint64(100), ranges[len(ranges)-1].End)
}

// TestSearchExhaustedAfterAllWorkersFinish shrinks the search space so
// every worker's assigned subspace is finite and quickly swept.
func TestSearchExhaustedAfterAllWorkersFinish(t *testing.T) {
	co := New(Config{
		NumWorkers:       4,
		PayoutAddress:    testPayoutAddr,
		Net:              &chaincfg.MainNetParams,
		SnapshotInterval: time.Hour, // keep periodic Progress out of the way
		ExtraNonceSpace:  4,
		NonceSpace:       50,
	})

	require.NoError(t, co.Start(context.Background(), testTemplate()))
	defer co.Stop()

	select {
	case ev := <-co.Events():
		require.Equal(t, EventSearchExhausted, ev.Kind)
		assert.Equal(t, uint64(4*50), ev.Snapshot.TotalAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SearchExhausted")
	}
}

// TestBlockFoundCancelsRemainingWorkersAndTiesBreak: one worker
// reports Found immediately, and no second BlockFound event should
// ever follow even though the other workers' in-flight Found events
// race the cancellation.
func TestBlockFoundCancelsRemainingWorkersAndTiesBreak(t *testing.T) {
	co := New(Config{
		NumWorkers:       4,
		PayoutAddress:    testPayoutAddr,
		Net:              &chaincfg.MainNetParams,
		SnapshotInterval: time.Hour,
		ExtraNonceSpace:  4,
		NonceSpace:       10,
		ScannerFactory: func(workerID int) accelerator.Scanner {
			return alwaysFoundScanner{nonce: uint32(workerID)}
		},
	})

	require.NoError(t, co.Start(context.Background(), testTemplate()))
	defer co.Stop()

	var found []*FoundBlock
	deadline := time.After(5 * time.Second)
	for len(found) == 0 {
		select {
		case ev := <-co.Events():
			if ev.Kind == EventBlockFound {
				found = append(found, ev.Found)
			}
		case <-deadline:
			t.Fatal("timed out waiting for BlockFound")
		}
	}

	require.Len(t, found, 1)

	// Draining should not surface a second BlockFound; give any
	// straggler worker a moment to (wrongly) emit one.
	select {
	case ev := <-co.Events():
		assert.NotEqual(t, EventBlockFound, ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestUpdateTemplateResetsAttempts is the restart-on-significant-
// change behavior: a fresh generation starts every worker's attempt
// count back at zero.
func TestUpdateTemplateResetsAttempts(t *testing.T) {
	co := New(Config{
		NumWorkers:       1,
		PayoutAddress:    testPayoutAddr,
		Net:              &chaincfg.MainNetParams,
		SnapshotInterval: time.Hour,
		ExtraNonceSpace:  2,
		NonceSpace:       5_000_000,
	})

	require.NoError(t, co.Start(context.Background(), testTemplate()))
	time.Sleep(50 * time.Millisecond)

	newTemplate := testTemplate()
	newTemplate.PreviousBlockHash = chainhash.Hash{99}
	require.NoError(t, co.UpdateTemplate(context.Background(), newTemplate))
	defer co.Stop()

	co.mu.Lock()
	for _, w := range co.workerStates {
		assert.Equal(t, uint64(0), w.Attempts)
	}
	co.mu.Unlock()
}

// TestSetWorkerCountResizesPoolAndResetsAttempts mirrors
// TestUpdateTemplateResetsAttempts: resizing the pool restarts the
// current template under a fresh generation with the new worker count.
func TestSetWorkerCountResizesPoolAndResetsAttempts(t *testing.T) {
	co := New(Config{
		NumWorkers:       1,
		PayoutAddress:    testPayoutAddr,
		Net:              &chaincfg.MainNetParams,
		SnapshotInterval: time.Hour,
		ExtraNonceSpace:  2,
		NonceSpace:       5_000_000,
	})

	require.NoError(t, co.Start(context.Background(), testTemplate()))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, co.SetWorkerCount(context.Background(), 3))
	defer co.Stop()

	co.mu.Lock()
	assert.Len(t, co.workerStates, 3)
	for _, w := range co.workerStates {
		assert.Equal(t, uint64(0), w.Attempts)
	}
	co.mu.Unlock()
}

func TestSetWorkerCountRejectsNonPositive(t *testing.T) {
	co := New(Config{NumWorkers: 1, PayoutAddress: testPayoutAddr, Net: &chaincfg.MainNetParams})
	assert.Error(t, co.SetWorkerCount(context.Background(), 0))
}

type alwaysFoundScanner struct{ nonce uint32 }

func (s alwaysFoundScanner) Scan(ctx context.Context, header [80]byte, nonceRange minertypes.Range, target *big.Int) (accelerator.Result, error) {
	return accelerator.Result{Found: true, Nonce: s.nonce, Attempts: 1}, nil
}
