package blockheader

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func drawHeader(t *rapid.T) Header {
	var h Header
	h.Version = int32(rapid.Int32().Draw(t, "version"))
	for i := range h.PrevBlock {
		h.PrevBlock[i] = byte(rapid.IntRange(0, 255).Draw(t, "prev"))
	}
	for i := range h.MerkleRoot {
		h.MerkleRoot[i] = byte(rapid.IntRange(0, 255).Draw(t, "merkle"))
	}
	h.Timestamp = rapid.Uint32().Draw(t, "time")
	h.Bits = rapid.Uint32().Draw(t, "bits")
	h.Nonce = rapid.Uint32().Draw(t, "nonce")
	return h
}

// TestRoundTrip is the parse(serialize(header)) == header property from
// spec.md §8 property 3.
func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := drawHeader(t)
		buf := h.Serialize()
		got, err := Deserialize(buf[:])
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})
}

func TestDeserializeRejectsWrongLength(t *testing.T) {
	_, err := Deserialize(make([]byte, 79))
	require.ErrorIs(t, err, ErrInvalidLength)
}

// TestIsValidUniversalProperty is universal property 1 from spec.md §8: for
// all header bytes, is_valid(hash_header(H), target=0xFF...FF) is true.
func TestIsValidUniversalProperty(t *testing.T) {
	maxTarget := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	rapid.Check(t, func(t *rapid.T) {
		h := drawHeader(t)
		hash := h.Hash()
		assert.True(t, IsValid(&hash, maxTarget))
	})
}

func TestIsValidRejectsHashAboveTarget(t *testing.T) {
	target := big.NewInt(100)
	var hash chainhash.Hash
	hash[31] = 200 // 200 > 100
	assert.False(t, IsValid(&hash, target))
}

func TestTargetFromBits(t *testing.T) {
	// Genesis difficulty: bits = 0x1d00ffff.
	target := Target(0x1d00ffff)
	expected, ok := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	require.True(t, ok)
	assert.Equal(t, 0, target.Cmp(expected))
}
