// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package worker runs the search loop spec.md §4.8 names as the
// engine's innermost component: build the coinbase once, recompute
// the merkle root for each extraNonce, scan the assigned nonce range
// in chunks, and report progress/found/exhausted up to whatever
// coordinates it. A Worker never decides whether to keep mining past
// a generation change — it only checks for cancellation, the same
// division of responsibility the teacher's generateBlocks/quit-channel
// pair uses.
package worker

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/toole-brendan/btcminer/accelerator"
	"github.com/toole-brendan/btcminer/blockheader"
	"github.com/toole-brendan/btcminer/merkle"
	"github.com/toole-brendan/btcminer/minertypes"
	"github.com/toole-brendan/btcminer/txbuild"
)

// defaultChunkNonces bounds how many nonces are scanned between
// cancellation checks. Small enough that Stop()/a template swap is
// felt within a fraction of a second on any CPU scanner; large enough
// that the select overhead is negligible next to the hashing cost.
const defaultChunkNonces = 1 << 16

// Command assigns one worker a subspace of one generation's template
// to search until it finds a block, exhausts its subspace, errors, or
// is cancelled.
type Command struct {
	Generation     uint64
	Template       *minertypes.BlockTemplate
	Space          minertypes.SearchSpace
	CoinbaseHeight int64
	CoinbaseValue  int64
	PayoutAddress  string
	Net            *chaincfg.Params
	Message        []byte

	// ChunkNonces overrides defaultChunkNonces; zero means use it.
	ChunkNonces uint64
}

// Kind discriminates the Event union.
type Kind int

const (
	KindProgress Kind = iota
	KindFound
	KindExhausted
	KindErrored
)

// Event is everything a worker reports. WorkerID and Generation are
// stamped by Run so the receiver never has to thread them through by
// hand; Generation lets a coordinator discard events from a worker
// that was told to cancel but raced a final send.
type Event struct {
	WorkerID   int
	Generation uint64
	Kind       Kind
	Attempts   uint64
	ExtraNonce uint32
	Nonce      uint32
	Hash       chainhash.Hash
	Err        error
}

// Worker owns one accelerator.Scanner and reports through one events
// channel. It carries no other state between Run calls — every Run
// starts the search for cmd.Space from scratch.
type Worker struct {
	id      int
	scanner accelerator.Scanner
	events  chan<- Event
}

// New builds a Worker identified by id, scanning via scanner and
// reporting on events. events must be drained by the caller; Run
// blocks on sending when it isn't.
func New(id int, scanner accelerator.Scanner, events chan<- Event) *Worker {
	return &Worker{id: id, scanner: scanner, events: events}
}

// Run executes cmd's search to completion, cancellation, or error. It
// returns once a terminal event (Found, Exhausted, or Errored) has
// been sent, or once ctx is cancelled.
func (w *Worker) Run(ctx context.Context, cmd Command) {
	chunkNonces := cmd.ChunkNonces
	if chunkNonces == 0 {
		chunkNonces = defaultChunkNonces
	}

	coinbase, extraNonceOffset, err := txbuild.BuildCoinbase(
		cmd.CoinbaseHeight, cmd.CoinbaseValue, uint32(cmd.Space.ExtraNonceRange.Start),
		cmd.PayoutAddress, cmd.Message, cmd.Net,
	)
	if err != nil {
		log.Errorf("worker %d: building coinbase: %v", w.id, err)
		w.emit(ctx, cmd, Event{Kind: KindErrored, Err: err})
		return
	}

	otherTxids := make([]chainhash.Hash, len(cmd.Template.Transactions))
	for i, tx := range cmd.Template.Transactions {
		otherTxids[i] = tx.Txid
	}

	calc, err := merkle.NewCachedMerkleCalculator(coinbase, extraNonceOffset, otherTxids)
	if err != nil {
		log.Errorf("worker %d: building merkle calculator: %v", w.id, err)
		w.emit(ctx, cmd, Event{Kind: KindErrored, Err: err})
		return
	}

	log.Tracef("worker %d: generation %d searching extraNonce [%d,%d) over nonce [%d,%d)",
		w.id, cmd.Generation, cmd.Space.ExtraNonceRange.Start, cmd.Space.ExtraNonceRange.End,
		cmd.Space.NonceRange.Start, cmd.Space.NonceRange.End)

	var attempts uint64
	for extraNonce := cmd.Space.ExtraNonceRange.Start; extraNonce < cmd.Space.ExtraNonceRange.End; extraNonce++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		root := calc.RecomputeForExtraNonce(uint32(extraNonce))
		header := blockheader.Header{
			Version:    cmd.Template.Version,
			PrevBlock:  cmd.Template.PreviousBlockHash,
			MerkleRoot: root,
			Timestamp:  uint32(cmd.Template.CurTime),
			Bits:       cmd.Template.Bits,
		}
		headerBytes := header.Serialize()

		nonceRange := cmd.Space.NonceRange
		for chunkStart := nonceRange.Start; chunkStart < nonceRange.End; chunkStart += chunkNonces {
			chunkEnd := chunkStart + chunkNonces
			if chunkEnd > nonceRange.End {
				chunkEnd = nonceRange.End
			}

			result, err := w.scanner.Scan(ctx, headerBytes, minertypes.Range{Start: chunkStart, End: chunkEnd}, cmd.Template.Target)
			attempts += result.Attempts

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("worker %d: scan error: %v", w.id, err)
				w.emit(ctx, cmd, Event{Kind: KindErrored, Attempts: attempts, Err: err})
				return
			}

			if result.Found {
				var hash chainhash.Hash
				copy(hash[:], result.Hash[:])
				log.Infof("worker %d: found nonce %d at extraNonce %d after %d attempts", w.id, result.Nonce, extraNonce, attempts)
				w.emit(ctx, cmd, Event{
					Kind:       KindFound,
					Attempts:   attempts,
					ExtraNonce: uint32(extraNonce),
					Nonce:      result.Nonce,
					Hash:       hash,
				})
				return
			}

			if !w.emit(ctx, cmd, Event{Kind: KindProgress, Attempts: attempts}) {
				return
			}
		}
	}

	w.emit(ctx, cmd, Event{Kind: KindExhausted, Attempts: attempts})
}

// emit stamps and sends ev, returning false if ctx was cancelled
// before the send could complete.
func (w *Worker) emit(ctx context.Context, cmd Command, ev Event) bool {
	ev.WorkerID = w.id
	ev.Generation = cmd.Generation
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
