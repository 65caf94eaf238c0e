// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package minertypes holds the data model shared across the mining
// engine's components: the block template snapshot a node hands back
// from getblocktemplate, the search space a template is partitioned
// into, and the per-worker/per-template state the coordinator tracks.
// None of these types carry behavior of their own; they are the nouns
// spec.md §3 names, passed by value or pointer between components.
package minertypes

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxEntry is one non-coinbase transaction inside a BlockTemplate, as
// reported by getblocktemplate's "transactions" array.
type TxEntry struct {
	Data    []byte        // raw, network-serialized transaction bytes
	Txid    chainhash.Hash
	Hash    chainhash.Hash // witness hash (wtxid); equals Txid for non-witness tx
	Fee     int64          // satoshis
	Weight  int64
	SigOps  int64
	Depends []int // 1-based indices into the template's transaction list
}

// BlockTemplate is an immutable snapshot of a node's current mining
// intent. It is created fresh by the template manager on every
// successful poll and discarded whole when superseded; nothing mutates
// a BlockTemplate in place.
type BlockTemplate struct {
	Height                   int64
	PreviousBlockHash        chainhash.Hash
	CurTime                  int64
	MinTime                  int64
	Bits                     uint32
	Target                   *big.Int // parsed once, from Bits
	CoinbaseValue            int64
	Transactions             []TxEntry
	DefaultWitnessCommitment []byte
	Version                  int32
	Rules                    []string
	MutableFields            []string
}

// Range is a half-open interval [Start, End) over the uint32 nonce or
// extraNonce space. Both bounds are held as uint64 purely so the full
// space — End == 1<<32 — is representable; every value actually
// produced from the range fits in uint32.
type Range struct {
	Start uint64
	End   uint64 // exclusive
}

// Len returns the number of values covered by r.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// SearchSpace is the pair of ranges assigned to one worker: which
// extraNonce values it owns, and which header nonce values it sweeps
// for each of those extraNonce values.
type SearchSpace struct {
	ExtraNonceRange Range
	NonceRange      Range
}

// WorkerPhase is the lifecycle state the coordinator tracks for a
// worker. Workers never set this themselves (REDESIGN FLAG in spec.md
// §9: no ad-hoc "busy" flag on the worker handle) — they only emit
// events, and the coordinator derives phase from the event stream.
type WorkerPhase int

const (
	PhaseIdle WorkerPhase = iota
	PhaseMining
	PhaseExhausted
	PhaseErrored
	PhaseFound
)

func (p WorkerPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMining:
		return "mining"
	case PhaseExhausted:
		return "exhausted"
	case PhaseErrored:
		return "errored"
	case PhaseFound:
		return "found"
	default:
		return "unknown"
	}
}

// WorkerSnapshot is the coordinator's read of one worker's mutable
// state, refreshed as events arrive.
type WorkerSnapshot struct {
	ID               int
	Subspace         SearchSpace
	Attempts         uint64
	LastHash         chainhash.Hash
	Phase            WorkerPhase
	LastProgressUnix int64
}

// MiningPhase is the coordinator's own top-level lifecycle state.
type MiningPhase int

const (
	Stopped MiningPhase = iota
	Running
	Draining
)

func (p MiningPhase) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// MiningState is the coordinator's per-template supervisor state.
type MiningState struct {
	Template      *BlockTemplate
	StartUnix     int64
	TotalAttempts uint64
	ActiveWorkers int
	Phase         MiningPhase
}
