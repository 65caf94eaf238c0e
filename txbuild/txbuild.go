// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuild serializes Bitcoin transactions and builds the BIP-34
// coinbase a worker's merkle cache mutates on every extraNonce sweep.
package txbuild

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/btcminer/hashutil"
)

// ExtraNonceSize is the width in bytes of the extraNonce field embedded
// in every coinbase this package builds.
const ExtraNonceSize = 4

// ErrNoOutputs is returned by BuildCoinbase when the payout address
// cannot be decoded into a spendable script.
var ErrNoOutputs = errors.New("txbuild: payout address did not decode to a script")

// SerializeTx encodes tx using the legacy (pre-SegWit) Bitcoin wire
// format: 4-byte LE version, compact-size input count, each input's
// previous outpoint + compact-size-prefixed script + 4-byte LE
// sequence, compact-size output count, each output's 8-byte LE value +
// compact-size-prefixed script, and a 4-byte LE locktime. Coinbase
// witness data, if any, never affects the legacy txid and is
// deliberately not serialized here.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, uint32(tx.Version)); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(tx.TxIn))); err != nil {
		return nil, err
	}
	for _, in := range tx.TxIn {
		if _, err := buf.Write(in.PreviousOutPoint.Hash[:]); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, in.PreviousOutPoint.Index); err != nil {
			return nil, err
		}
		if err := wire.WriteVarInt(&buf, 0, uint64(len(in.SignatureScript))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(in.SignatureScript); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, in.Sequence); err != nil {
			return nil, err
		}
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(tx.TxOut))); err != nil {
		return nil, err
	}
	for _, out := range tx.TxOut {
		if err := binary.Write(&buf, binary.LittleEndian, uint64(out.Value)); err != nil {
			return nil, err
		}
		if err := wire.WriteVarInt(&buf, 0, uint64(len(out.PkScript))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(out.PkScript); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, tx.LockTime); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Txid returns the transaction id for an already-serialized (legacy
// encoding) transaction: the double-SHA-256 of its bytes, reversed to
// the big-endian display convention used for every hash of this kind.
func Txid(serialized []byte) chainhash.Hash {
	digest := hashutil.DoubleSha256(serialized)
	var h chainhash.Hash
	copy(h[:], hashutil.Reverse(digest[:]))
	return h
}

// bip34HeightScript returns the minimal-length script push of height,
// as BIP-34 requires at the start of every coinbase's scriptSig.
func bip34HeightScript(height int64) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(height)
	return builder.Script()
}

// BuildCoinbase constructs a coinbase transaction paying coinbaseValue
// to payoutAddress, with a BIP-34 height push followed by a fixed
// ExtraNonceSize-byte extraNonce slot and an optional trailing message.
// It returns the serialized transaction and the byte offset of the
// extraNonce field within it, so a CachedMerkleCalculator (merkle
// package) can mutate that field in place on every sweep without
// re-walking the script.
//
// The payout address is decoded in full via btcutil/txscript rather
// than stubbed — resolving the Open Question in spec.md §9 — and the
// resulting scriptPubKey covers whatever address type net.Params
// recognizes (P2PKH, P2SH, P2WPKH, P2WSH, P2TR).
func BuildCoinbase(height int64, coinbaseValue int64, extraNonce uint32, payoutAddress string, message []byte, net *chaincfg.Params) ([]byte, int, error) {
	heightScript, err := bip34HeightScript(height)
	if err != nil {
		return nil, 0, err
	}

	var extraNonceBytes [ExtraNonceSize]byte
	binary.LittleEndian.PutUint32(extraNonceBytes[:], extraNonce)

	sigScript := make([]byte, 0, len(heightScript)+ExtraNonceSize+len(message))
	sigScript = append(sigScript, heightScript...)
	extraNonceOffset := len(sigScript)
	sigScript = append(sigScript, extraNonceBytes[:]...)
	sigScript = append(sigScript, message...)

	addr, err := btcutil.DecodeAddress(payoutAddress, net)
	if err != nil {
		return nil, 0, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, 0, err
	}
	if len(pkScript) == 0 {
		return nil, 0, ErrNoOutputs
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: coinbaseValue, PkScript: pkScript})

	serialized, err := SerializeTx(tx)
	if err != nil {
		return nil, 0, err
	}

	// version + txin-count varint + prevout hash + prevout index +
	// scriptSig-length varint brings us to the start of the scriptSig
	// itself; extraNonceOffset locates the field within it.
	absoluteOffset := 4 +
		wire.VarIntSerializeSize(uint64(len(tx.TxIn))) +
		chainhash.HashSize + 4 +
		wire.VarIntSerializeSize(uint64(len(sigScript))) +
		extraNonceOffset

	return serialized, absoluteOffset, nil
}

// SetExtraNonce overwrites the ExtraNonceSize-byte extraNonce field of
// an already-serialized coinbase in place, starting at offset.
func SetExtraNonce(coinbase []byte, offset int, extraNonce uint32) {
	binary.LittleEndian.PutUint32(coinbase[offset:offset+ExtraNonceSize], extraNonce)
}
