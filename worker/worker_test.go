package worker

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

func baseCommand() Command {
	return Command{
		Generation: 3,
		Template: &minertypes.BlockTemplate{
			Version:           536870912,
			PreviousBlockHash: chainhash.Hash{1, 2, 3},
			CurTime:           1700000000,
			Bits:              0x1d00ffff,
			Target:            big.NewInt(0), // impossible to beat
			CoinbaseValue:     625000000,
		},
		Space: minertypes.SearchSpace{
			ExtraNonceRange: minertypes.Range{Start: 0, End: 2},
			NonceRange:      minertypes.Range{Start: 0, End: 50},
		},
		CoinbaseHeight: 700000,
		CoinbaseValue:  625000000,
		PayoutAddress:  testPayoutAddr,
		Net:            &chaincfg.MainNetParams,
		ChunkNonces:    10,
	}
}

func TestRunExhaustsSearchSpaceAndStampsGeneration(t *testing.T) {
	events := make(chan Event, 256)
	w := New(1, accelerator.CPUScanner{}, events)

	w.Run(context.Background(), baseCommand())
	close(events)

	var sawExhausted bool
	var totalAttempts uint64
	for ev := range events {
		assert.Equal(t, 1, ev.WorkerID)
		assert.Equal(t, uint64(3), ev.Generation)
		if ev.Kind == KindExhausted {
			sawExhausted = true
			totalAttempts = ev.Attempts
		}
	}
	require.True(t, sawExhausted)
	assert.Equal(t, uint64(100), totalAttempts) // 2 extraNonces * 50 nonces each
}

// TestRunStopsPromptlyOnCancellation is the cooperative-cancellation
// requirement from spec.md §4.8: Run stops at a chunk boundary (and
// CPUScanner also polls ctx inside a chunk), so cancellation must be
// felt quickly relative to an enormous nonce range.
func TestRunStopsPromptlyOnCancellation(t *testing.T) {
	events := make(chan Event, 1024)
	w := New(1, accelerator.CPUScanner{}, events)

	cmd := baseCommand()
	cmd.Space.NonceRange = minertypes.Range{Start: 0, End: 1 << 32}
	cmd.ChunkNonces = 1 << 16

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, cmd)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
}

func TestRunReportsFoundAndStops(t *testing.T) {
	events := make(chan Event, 1024)
	w := New(1, foundOnFirstAttempt{}, events)

	cmd := baseCommand()
	cmd.Space.ExtraNonceRange = minertypes.Range{Start: 0, End: 1}
	cmd.Space.NonceRange = minertypes.Range{Start: 0, End: 100}

	w.Run(context.Background(), cmd)
	close(events)

	var found *Event
	for ev := range events {
		if ev.Kind == KindFound {
			e := ev
			found = &e
		}
		// Run must stop at the first Found, so no Exhausted event follows.
		require.NotEqual(t, KindExhausted, ev.Kind)
	}
	require.NotNil(t, found)
	assert.Equal(t, uint32(7), found.Nonce)
}

// foundOnFirstAttempt reports a solution on the very first chunk it
// is asked to scan, regardless of the header or target given.
type foundOnFirstAttempt struct{}

func (foundOnFirstAttempt) Scan(ctx context.Context, header [80]byte, nonceRange minertypes.Range, target *big.Int) (accelerator.Result, error) {
	return accelerator.Result{Found: true, Nonce: 7, Attempts: 1}, nil
}
