// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkle computes Bitcoin's merkle root over a block's
// transaction ids, and provides the incremental calculator a worker
// uses to re-root the tree on every extraNonce change without
// re-hashing the whole thing.
//
// Leaves and every node this package produces are chainhash.Hash
// values in the same big-endian display order as blockheader.Header's
// fields and txbuild.Txid's return value (see blockheader.go's doc
// comment on Header). Pairs are therefore reversed to wire order
// before concatenation and the digest reversed back afterward,
// mirroring the classic Bitcoin merkle algorithm exactly.
package merkle

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/toole-brendan/btcminer/hashutil"
	"github.com/toole-brendan/btcminer/txbuild"
)

// ErrEmptyMerkle is returned when a merkle root is requested over zero
// leaves; a block template always carries at least the coinbase.
var ErrEmptyMerkle = errors.New("merkle: cannot compute a root over zero leaves")

// ErrInvalidLeaf is returned when the coinbase-aware constructor is
// given an extraNonce offset that does not fit inside the coinbase
// bytes it is paired with.
var ErrInvalidLeaf = errors.New("merkle: extraNonce offset does not fit within coinbase")

// hashPair combines two child nodes into their parent the way every
// level of a Bitcoin merkle tree is built: left and right are
// byte-reversed back to wire order, concatenated, double-SHA-256'd,
// and the digest is reversed back to display order.
func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], hashutil.Reverse(left[:]))
	copy(buf[chainhash.HashSize:], hashutil.Reverse(right[:]))

	digest := hashutil.DoubleSha256(buf[:])
	var out chainhash.Hash
	copy(out[:], hashutil.Reverse(digest[:]))
	return out
}

// buildLevels returns every level of the tree, leaves first and the
// single-element root level last. A level of odd length has its final
// node duplicated to produce the next level, per Bitcoin's convention
// (Satoshi's original CVE-2012-2459 quirk and all).
func buildLevels(leaves []chainhash.Hash) [][]chainhash.Hash {
	levels := make([][]chainhash.Hash, 0, 1)
	cur := append([]chainhash.Hash(nil), leaves...)
	levels = append(levels, cur)

	for len(cur) > 1 {
		next := make([]chainhash.Hash, (len(cur)+1)/2)
		for i := range next {
			left := cur[2*i]
			right := left
			if 2*i+1 < len(cur) {
				right = cur[2*i+1]
			}
			next[i] = hashPair(left, right)
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// CalculateMerkleRoot computes the classic Bitcoin merkle root over
// leaves in a single pass. For a single-leaf template (S4 in spec.md
// §8) the root is that leaf unchanged.
func CalculateMerkleRoot(leaves []chainhash.Hash) (chainhash.Hash, error) {
	if len(leaves) == 0 {
		return chainhash.Hash{}, ErrEmptyMerkle
	}
	levels := buildLevels(leaves)
	return levels[len(levels)-1][0], nil
}

// CachedMerkleCalculator is the reason this package exists: a template
// with thousands of transactions has a merkle tree with thousands of
// leaves, but only the coinbase (leaf 0) changes as a worker sweeps
// extraNonce values. Recomputing the whole tree per extraNonce would
// cost O(N); this type instead keeps every level of the tree resident
// and, since leaf 0 always occupies index 0 at every level, only ever
// has to recompute one node per level — O(log N) total.
type CachedMerkleCalculator struct {
	levels           [][]chainhash.Hash
	coinbase         []byte
	extraNonceOffset int
}

// NewCachedMerkleCalculator builds the initial tree from a coinbase
// transaction (already serialized, with its extraNonce field at
// extraNonceOffset) and the txids of every other transaction in the
// template, in template order.
func NewCachedMerkleCalculator(coinbase []byte, extraNonceOffset int, otherTxids []chainhash.Hash) (*CachedMerkleCalculator, error) {
	if extraNonceOffset < 0 || extraNonceOffset+txbuild.ExtraNonceSize > len(coinbase) {
		return nil, ErrInvalidLeaf
	}

	leaves := make([]chainhash.Hash, 0, len(otherTxids)+1)
	leaves = append(leaves, txbuild.Txid(coinbase))
	leaves = append(leaves, otherTxids...)

	return &CachedMerkleCalculator{
		levels:           buildLevels(leaves),
		coinbase:         append([]byte(nil), coinbase...),
		extraNonceOffset: extraNonceOffset,
	}, nil
}

// Root returns the tree's current root without recomputing anything.
func (c *CachedMerkleCalculator) Root() chainhash.Hash {
	return c.levels[len(c.levels)-1][0]
}

// RecomputeForExtraNonce mutates the cached coinbase's extraNonce
// field, re-derives its txid, and walks the O(log N) path from leaf 0
// to the root, recomputing only the nodes that could have changed.
// Every other leaf, and every sibling along the path, is reused as-is.
func (c *CachedMerkleCalculator) RecomputeForExtraNonce(extraNonce uint32) chainhash.Hash {
	txbuild.SetExtraNonce(c.coinbase, c.extraNonceOffset, extraNonce)
	return c.setLeaf0(txbuild.Txid(c.coinbase))
}

// setLeaf0 replaces leaf 0 and recomputes node 0 at every level above
// it. Because pairing groups index 2i with 2i+1, index 0's parent is
// always index 0 of the level above, so no other path bookkeeping is
// needed.
func (c *CachedMerkleCalculator) setLeaf0(leaf chainhash.Hash) chainhash.Hash {
	c.levels[0][0] = leaf
	for lvl := 0; lvl < len(c.levels)-1; lvl++ {
		cur := c.levels[lvl]
		left := cur[0]
		right := left
		if len(cur) > 1 {
			right = cur[1]
		}
		c.levels[lvl+1][0] = hashPair(left, right)
	}
	return c.Root()
}
