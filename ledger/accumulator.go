package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/jellyfish-labs/ledgerdb/jmt"
)

// FrozenSubtrees is the minimal summary of an append-only Merkle
// accumulator: one root hash per maximally-filled, left-aligned
// binary subtree, indexed by the power-of-two size of that subtree
// (index i holds the root of a 2^i-leaf subtree, or a zero Hash if
// absent). Persisting just this — rather than every internal node —
// is what lets the accumulator support appending new leaves in
// O(log n) without touching old nodes.
type FrozenSubtrees []jmt.Hash

// Encode serializes the frozen subtrees as a flat byte string for
// storage in CFTransactionAccumulator / CFEventAccumulator.
func (f FrozenSubtrees) Encode() []byte {
	out := make([]byte, 4+32*len(f))
	binary.BigEndian.PutUint32(out[:4], uint32(len(f)))
	for i, h := range f {
		copy(out[4+32*i:4+32*(i+1)], h[:])
	}
	return out
}

// DecodeFrozenSubtrees is the inverse of Encode.
func DecodeFrozenSubtrees(b []byte) (FrozenSubtrees, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("ledger: truncated frozen subtree list")
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	if len(b) < 4+32*n {
		return nil, fmt.Errorf("ledger: truncated frozen subtree list")
	}
	out := make(FrozenSubtrees, n)
	for i := 0; i < n; i++ {
		out[i] = jmt.HashFromBytes(b[4+32*i : 4+32*(i+1)])
	}
	return out, nil
}

func accumulatorCombine(left, right jmt.Hash) jmt.Hash {
	return jmt.HashValue(left[:], right[:])
}

// Append folds leaves into the accumulator's frozen subtrees,
// maintaining the binary-counter structure: merging a newly added
// leaf into existing same-size peaks exactly like incrementing a
// binary counter, so that after n total leaves the non-zero entries
// are exactly the set bits of n.
func (f FrozenSubtrees) Append(leaves []jmt.Hash) FrozenSubtrees {
	subtrees := append(FrozenSubtrees(nil), f...)
	for _, leaf := range leaves {
		carry := leaf
		i := 0
		for i < len(subtrees) && subtrees[i] != (jmt.Hash{}) {
			carry = accumulatorCombine(subtrees[i], carry)
			subtrees[i] = jmt.Hash{}
			i++
		}
		if i == len(subtrees) {
			subtrees = append(subtrees, carry)
		} else {
			subtrees[i] = carry
		}
	}
	return subtrees
}

// RootHash folds every present peak, largest (oldest) to smallest
// (most recent), into the single accumulator root.
func (f FrozenSubtrees) RootHash() jmt.Hash {
	var root jmt.Hash
	haveRoot := false
	for i := len(f) - 1; i >= 0; i-- {
		if f[i] == (jmt.Hash{}) {
			continue
		}
		if !haveRoot {
			root = f[i]
			haveRoot = true
			continue
		}
		root = accumulatorCombine(root, f[i])
	}
	return root
}

// NumLeaves recovers the leaf count implied by which peaks are
// present (the binary-counter invariant Append maintains).
func (f FrozenSubtrees) NumLeaves() uint64 {
	var n uint64
	for i, h := range f {
		if h != (jmt.Hash{}) {
			n |= 1 << uint(i)
		}
	}
	return n
}
