package jmt

import (
	"golang.org/x/crypto/sha3"

	"github.com/holiman/uint256"
)

// Hash is a 256-bit digest: a node hash, a key hash, or a value hash.
// The JMT hashes with SHA3-256 (golang.org/x/crypto/sha3).
type Hash [32]byte

// SparseMerklePlaceholderHash is substituted for every missing child
// in an internal node and for the root of an empty tree.
var SparseMerklePlaceholderHash = Hash{}

// HashValue computes the SHA3-256 digest of the concatenation of data.
func HashValue(data ...[]byte) Hash {
	d := sha3.New256()
	for _, b := range data {
		d.Write(b)
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// Bytes returns h as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether h is the placeholder hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// Nibble returns the index-th nibble (4-bit group) of h, most
// significant nibble first.
func (h Hash) Nibble(index int) Nibble {
	if index%2 == 0 {
		return Nibble(h[index/2] >> 4)
	}
	return Nibble(h[index/2] & 0x0F)
}

// CommonPrefixNibblesLen returns the length, in nibbles, of the common
// prefix of h and other. Implemented via a 256-bit XOR + bit-length
// count so the comparison is a handful of machine words rather than a
// per-nibble loop.
func (h Hash) CommonPrefixNibblesLen(other Hash) int {
	x := new(uint256.Int).SetBytes(h[:])
	y := new(uint256.Int).SetBytes(other[:])
	x.Xor(x, y)
	if x.IsZero() {
		return RootNibbleHeight
	}
	leadingZeroBits := 256 - x.BitLen()
	return leadingZeroBits / 4
}

// Bit returns the value (0 or 1) of the index-th bit of h, counting
// from the most significant bit of the first byte. Used by sparse
// Merkle proof verification, which walks the tree one binary level at
// a time even though nodes are persisted in collapsed 16-way groups.
func (h Hash) Bit(index int) int {
	byteIdx := index / 8
	bitIdx := 7 - uint(index%8)
	return int((h[byteIdx] >> bitIdx) & 1)
}

// HashFromBytes copies the first 32 bytes of b into a Hash. If b is
// shorter than 32 bytes the remaining bytes are left zero; callers
// only ever pass decoded fixed-width fields.
func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}
