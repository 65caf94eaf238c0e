// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockheader implements the 80-byte Bitcoin block header codec
// and the target comparison used to decide whether a candidate hash wins.
package blockheader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/toole-brendan/btcminer/hashutil"
)

// Size is the fixed wire length of a block header.
const Size = 80

// ErrInvalidLength is returned when a caller hands us a header buffer that
// is not exactly Size bytes.
var ErrInvalidLength = errors.New("blockheader: buffer must be exactly 80 bytes")

// Header is the 80-byte proof-of-work envelope: version, previous block
// hash, merkle root, time, compact difficulty bits, and nonce. Unlike
// btcd's chainhash.Hash convention, PrevBlock and MerkleRoot here are
// held in the same big-endian display order as Hash's return value and
// every other hash this module produces (merkle.CalculateMerkleRoot,
// txbuild.Txid) — Serialize and Deserialize do the byte-reversal at the
// wire boundary so nothing upstream of this package ever has to think
// about wire order.
type Header struct {
	Version    int32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

// Serialize encodes h into the exact 80-byte wire layout from spec.md §6:
//
//	offset  size  field         encoding
//	0       4     version       uint32 LE
//	4       32    prev hash     byte-reversed (display -> wire order)
//	36      32    merkle root   byte-reversed (display -> wire order)
//	68      4     time          uint32 LE
//	72      4     bits          byte-reversed
//	76      4     nonce         uint32 LE
func (h *Header) Serialize() [Size]byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], hashutil.Reverse(h.PrevBlock[:]))
	copy(buf[36:68], hashutil.Reverse(h.MerkleRoot[:]))
	binary.LittleEndian.PutUint32(buf[68:72], h.Timestamp)
	bits := make([]byte, 4)
	binary.LittleEndian.PutUint32(bits, h.Bits)
	copy(buf[72:76], hashutil.Reverse(bits))
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	return buf
}

// Deserialize parses an 80-byte buffer back into a Header. It is the exact
// inverse of Serialize: parse(serialize(h)) == h for every valid h.
func Deserialize(buf []byte) (Header, error) {
	if len(buf) != Size {
		return Header{}, ErrInvalidLength
	}

	var h Header
	h.Version = int32(binary.LittleEndian.Uint32(buf[0:4]))
	copy(h.PrevBlock[:], hashutil.Reverse(buf[4:36]))
	copy(h.MerkleRoot[:], hashutil.Reverse(buf[36:68]))
	h.Timestamp = binary.LittleEndian.Uint32(buf[68:72])
	reversedBits := hashutil.Reverse(buf[72:76])
	h.Bits = binary.LittleEndian.Uint32(reversedBits)
	h.Nonce = binary.LittleEndian.Uint32(buf[76:80])
	return h, nil
}

// Hash returns the double-SHA-256 of the serialized header, reversed to
// the big-endian display convention used for block hashes everywhere else
// in Bitcoin (block explorers, RPC responses, submitblock arguments).
func (h *Header) Hash() chainhash.Hash {
	buf := h.Serialize()
	digest := hashutil.DoubleSha256(buf[:])
	reversed := hashutil.Reverse(digest[:])
	var out chainhash.Hash
	copy(out[:], reversed)
	return out
}

// Target parses a compact difficulty encoding (the 4-byte `bits` field)
// into the 256-bit threshold a hash must fall under. Parse it once per
// template; IsValid's comparison itself performs no allocation.
func Target(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x00ffffff

	// A mantissa with the sign bit (0x00800000) set would otherwise
	// encode a negative number; Bitcoin's compact format forbids it by
	// convention and real targets never carry it, but guard anyway.
	if mantissa > 0x7fffff {
		return big.NewInt(0)
	}

	target := new(big.Int)
	if exponent <= 3 {
		target.SetInt64(int64(mantissa) >> (8 * (3 - exponent)))
		return target
	}

	target.SetInt64(int64(mantissa))
	target.Lsh(target, uint(8*(exponent-3)))
	return target
}

// TargetBytes renders target as a 32-byte big-endian array, the form
// IsValid compares against directly. Callers on a hot path (the worker
// scan loop) compute this once per template/chunk rather than handing
// IsValid a *big.Int to re-derive on every candidate.
func TargetBytes(target *big.Int) [32]byte {
	var out [32]byte
	// Every 256-bit hash is below a target this large; clamp to
	// all-0xff instead of letting FillBytes panic on overflow (only
	// the all-0xff hash itself then compares as not below).
	if target.BitLen() > 256 {
		for i := range out {
			out[i] = 0xff
		}
		return out
	}
	target.FillBytes(out[:])
	return out
}

// IsValid reports whether hash, interpreted as a big-endian 256-bit
// unsigned integer, is strictly less than target. hash is expected in the
// display byte order Hash returns (already reversed), matching the
// convention target itself is parsed in by Target. target is rendered
// by TargetBytes on every call and compared as a plain byte slice — no
// big.Int arithmetic, no allocation.
func IsValid(hash *chainhash.Hash, target *big.Int) bool {
	targetBytes := TargetBytes(target)
	return bytes.Compare(hash[:], targetBytes[:]) < 0
}
