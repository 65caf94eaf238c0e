// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package miner wires the engine's components together into the three
// run modes cmd/btcminer's subcommands expose: a self-contained genesis
// regression search, a live node-backed mining session, and a
// fixed-count hash-rate benchmark. It plays the role the teacher's
// generateBlocksWorker/mineWorkerController pairing plays for RandomX —
// the one place that owns the full RPC-poll-search-submit loop — but
// built from this engine's own rpcclient/templatemgr/coordinator
// instead of a single in-process chain view.
package miner

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/btcminer/accelerator"
	"github.com/toole-brendan/btcminer/blockheader"
	"github.com/toole-brendan/btcminer/coordinator"
	"github.com/toole-brendan/btcminer/hashutil"
	"github.com/toole-brendan/btcminer/internal/appconfig"
	"github.com/toole-brendan/btcminer/merkle"
	"github.com/toole-brendan/btcminer/minertypes"
	"github.com/toole-brendan/btcminer/rpcclient"
	"github.com/toole-brendan/btcminer/templatemgr"
	"github.com/toole-brendan/btcminer/txbuild"
)

// genesisMerkleRoot, genesisTime and genesisBits are the fixed fixture
// values spec.md §8's S3 scenario names: the real Bitcoin genesis
// block's coinbase, with previousblockhash all zeros.
const (
	genesisMerkleRoot = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	genesisTime       = 1231006505
	genesisBits       = 0x1d00ffff
	genesisVersion    = 1
)

// GenesisResult is the outcome of searching the genesis fixture's full
// nonce space.
type GenesisResult struct {
	Nonce    uint32
	Hash     chainhash.Hash
	Attempts uint64
	Elapsed  time.Duration
}

// ErrGenesisNotFound is returned if the fixed genesis fixture's nonce
// space is exhausted without finding the known solution, which does
// not happen for the fixture since the solution (2083236893) sits well
// inside uint32 range. A cancelled context does not produce this
// error: MineGenesis returns the context's error instead.
var ErrGenesisNotFound = errors.New("miner: exhausted genesis nonce space without a solution")

// MineGenesis searches the known genesis block fixture's full 32-bit
// nonce space with the in-process CPU scanner. No RPC client, template
// manager, coordinator or coinbase builder is involved — the genesis
// block's merkle root is fixed and well-known, so this is a pure
// header/accelerator regression test runnable with no node at all.
func MineGenesis(ctx context.Context) (*GenesisResult, error) {
	root, err := hashutil.HashFromDisplayHex(genesisMerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("miner: decoding genesis merkle root: %w", err)
	}

	header := blockheader.Header{
		Version:    genesisVersion,
		PrevBlock:  chainhash.Hash{},
		MerkleRoot: root,
		Timestamp:  genesisTime,
		Bits:       genesisBits,
	}
	headerBytes := header.Serialize()
	target := blockheader.Target(header.Bits)

	log.Infof("searching genesis fixture nonce space")
	start := time.Now()
	result, err := accelerator.CPUScanner{}.Scan(ctx, headerBytes, minertypes.Range{Start: 0, End: uint64(1) << 32}, target)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}
	if !result.Found {
		return nil, ErrGenesisNotFound
	}

	var hash chainhash.Hash
	copy(hash[:], result.Hash[:])
	log.Infof("genesis fixture solved: nonce %d, hash %x, %d attempts in %s", result.Nonce, hash, result.Attempts, elapsed)

	return &GenesisResult{
		Nonce:    result.Nonce,
		Hash:     hash,
		Attempts: result.Attempts,
		Elapsed:  elapsed,
	}, nil
}

// RunLive polls cfg's configured node for templates, searches each one
// with a worker pool sized by cfg.WorkerCount, and submits the first
// block found back to the node. It returns nil only after a block has
// been submitted (a clean, exit-0 shutdown); any RPC failure that
// crosses the template manager's failure threshold, or a submission
// error, is returned so the caller can exit 1.
func RunLive(ctx context.Context, cfg *appconfig.Config) error {
	client := rpcclient.New(rpcclient.Config{
		Host:      cfg.RPCHost,
		Port:      cfg.RPCPort,
		User:      cfg.RPCUser,
		Pass:      cfg.RPCPass,
		CacheSize: 64,
	})

	tmplMgr := templatemgr.New(client, templatemgr.Config{})
	if err := tmplMgr.Start(ctx); err != nil {
		return fmt.Errorf("miner: starting template manager: %w", err)
	}
	defer tmplMgr.Stop()

	numWorkers := cfg.WorkerCount
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	coord := coordinator.New(coordinator.Config{
		NumWorkers:       numWorkers,
		PayoutAddress:    cfg.PayoutAddress,
		Net:              cfg.Net(),
		Message:          cfg.CoinbaseMessage(),
		SnapshotInterval: cfg.ProgressReportInterval(),
	})

	current := tmplMgr.Current()
	if err := coord.Start(ctx, current); err != nil {
		return fmt.Errorf("miner: starting coordinator: %w", err)
	}
	defer coord.Stop()

	log.Infof("live mining started: %d workers, height %d", numWorkers, current.Height)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-tmplMgr.Events():
			if ev.Unavailable != nil {
				return fmt.Errorf("miner: node unavailable after %d consecutive failures: %w",
					ev.Unavailable.ConsecutiveFailures, ev.Unavailable.LastErr)
			}
			if ev.Update != nil && ev.Update.RestartRequired {
				log.Infof("template changed significantly, restarting search at height %d", ev.Update.New.Height)
				if err := coord.UpdateTemplate(ctx, ev.Update.New); err != nil {
					return fmt.Errorf("miner: restarting coordinator: %w", err)
				}
				current = ev.Update.New
			}

		case ev := <-coord.Events():
			switch ev.Kind {
			case coordinator.EventBlockFound:
				return submitFound(ctx, client, current, ev.Found, cfg)
			case coordinator.EventSearchExhausted:
				log.Warnf("search space exhausted at height %d with no solution; waiting for a new template", current.Height)
			}
		}
	}
}

// submitFound reassembles the winning block from the template and the
// coordinator's (extraNonce, nonce) pair and submits it via submitblock.
func submitFound(ctx context.Context, client *rpcclient.Client, tmpl *minertypes.BlockTemplate, found *coordinator.FoundBlock, cfg *appconfig.Config) error {
	hexBlock, err := assembleBlock(tmpl, found, cfg)
	if err != nil {
		return fmt.Errorf("miner: assembling winning block: %w", err)
	}
	if err := client.SubmitBlock(ctx, hexBlock); err != nil {
		return fmt.Errorf("miner: submitting block: %w", err)
	}
	log.Infof("block submitted at height %d (nonce %d, extraNonce %d)", tmpl.Height, found.Nonce, found.ExtraNonce)
	return nil
}

// assembleBlock rebuilds the winning coinbase at found.ExtraNonce,
// recomputes the merkle root it produces, and serializes the full
// block: 80-byte header, compact-size transaction count, coinbase
// first, then every other template transaction's raw bytes in order.
func assembleBlock(tmpl *minertypes.BlockTemplate, found *coordinator.FoundBlock, cfg *appconfig.Config) (string, error) {
	coinbase, offset, err := txbuild.BuildCoinbase(tmpl.Height, tmpl.CoinbaseValue, found.ExtraNonce, cfg.PayoutAddress, cfg.CoinbaseMessage(), cfg.Net())
	if err != nil {
		return "", err
	}

	otherTxids := make([]chainhash.Hash, len(tmpl.Transactions))
	for i, tx := range tmpl.Transactions {
		otherTxids[i] = tx.Txid
	}
	calc, err := merkle.NewCachedMerkleCalculator(coinbase, offset, otherTxids)
	if err != nil {
		return "", err
	}
	root := calc.RecomputeForExtraNonce(found.ExtraNonce)

	header := blockheader.Header{
		Version:    tmpl.Version,
		PrevBlock:  tmpl.PreviousBlockHash,
		MerkleRoot: root,
		Timestamp:  uint32(tmpl.CurTime),
		Bits:       tmpl.Bits,
		Nonce:      found.Nonce,
	}
	headerBytes := header.Serialize()

	var buf bytes.Buffer
	buf.Write(headerBytes[:])
	if err := wire.WriteVarInt(&buf, 0, uint64(len(tmpl.Transactions)+1)); err != nil {
		return "", err
	}
	buf.Write(coinbase)
	for _, tx := range tmpl.Transactions {
		buf.Write(tx.Data)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// BenchmarkResult is one fixed-count hash-rate sample.
type BenchmarkResult struct {
	Nonces   uint64
	Elapsed  time.Duration
	HashRate float64 // hashes/sec
}

// RunBenchmark scans cfg.BenchmarkNonces nonces against an
// unreachable target, in-process, and reports the resulting hash rate.
// No node, template or coinbase is involved.
func RunBenchmark(ctx context.Context, cfg *appconfig.Config) (*BenchmarkResult, error) {
	var header [80]byte
	target := big.NewInt(0)

	start := time.Now()
	result, err := accelerator.CPUScanner{}.Scan(ctx, header, minertypes.Range{Start: 0, End: cfg.BenchmarkNonces}, target)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	rate := float64(result.Attempts) / elapsed.Seconds()
	br := &BenchmarkResult{Nonces: result.Attempts, Elapsed: elapsed, HashRate: rate}
	log.Infof("benchmark: %d nonces in %s (%.0f H/s)", br.Nonces, br.Elapsed, br.HashRate)

	if cfg.BenchmarkCacheFile != "" {
		if err := appendBenchmarkSample(cfg.BenchmarkCacheFile, br); err != nil {
			log.Warnf("failed to append benchmark sample to %s: %v", cfg.BenchmarkCacheFile, err)
		}
	}

	return br, nil
}
