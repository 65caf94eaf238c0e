// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hashutil provides the hash and hex-codec primitives the rest of
// the mining engine builds on: SHA-256, double-SHA-256, and strict hex
// encoding/decoding. It carries no state and never surprises a caller.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrInvalidHex is returned when a caller hands us malformed hex: an odd
// number of characters, or characters outside [0-9a-fA-F].
var ErrInvalidHex = errors.New("hashutil: invalid hex string")

// Size is the length in bytes of a SHA-256 digest.
const Size = sha256.Size

// Sha256 returns the SHA-256 digest of b.
func Sha256(b []byte) [Size]byte {
	return sha256.Sum256(b)
}

// DoubleSha256 returns SHA-256(SHA-256(b)), the digest used throughout the
// Bitcoin wire format for transaction ids, merkle nodes and block hashes.
func DoubleSha256(b []byte) [Size]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// Reverse returns a copy of b with byte order reversed. Bitcoin displays
// hashes in big-endian hex while computing them over little-endian byte
// strings, so callers reverse at the boundary between wire/internal order
// and display order.
func Reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// ReverseInto writes the byte-reversal of src into dst without
// allocating. dst and src must be the same length and must not alias;
// callers on a hot path (the per-attempt scan loop) keep dst as a
// reusable stack array instead of calling Reverse.
func ReverseInto(dst, src []byte) {
	for i, v := range src {
		dst[len(src)-1-i] = v
	}
}

// BytesToHex lowercase-encodes b.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToBytes decodes a hex string, rejecting odd-length or non-hex input
// with ErrInvalidHex rather than the stdlib's encoding/hex error types, so
// callers can match on a single sentinel across the engine.
func HexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, ErrInvalidHex
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidHex
	}
	return b, nil
}

// HashFromDisplayHex decodes a big-endian display-order hex string —
// the form a JSON-RPC response or a block explorer shows — directly
// into a chainhash.Hash, byte for byte, with no reversal. This is
// deliberately not chainhash.NewHashFromStr: that function reverses
// into chainhash's own wire-order convention, whereas every hash value
// in this codebase (Header.Hash, merkle roots, txids) is held in
// display order already, reversed only at the wire/merkle boundaries
// that need it.
func HashFromDisplayHex(s string) (chainhash.Hash, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if len(b) != chainhash.HashSize {
		return chainhash.Hash{}, ErrInvalidHex
	}
	var h chainhash.Hash
	copy(h[:], b)
	return h, nil
}
