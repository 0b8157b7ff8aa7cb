package jmt

import "errors"

var (
	ErrProofValueMismatch      = errors.New("jmt: proof value does not match leaf")
	ErrProofExpectedInclusion  = errors.New("jmt: proof has no leaf but an inclusion was expected")
	ErrProofExpectedExclusion  = errors.New("jmt: proof's leaf matches the key but exclusion was expected")
	ErrProofRootMismatch       = errors.New("jmt: computed root does not match expected root")
)

// SparseMerkleProof authenticates either the presence of exactly one
// (key, value) pair, or the absence of a key, against a tree root.
// Internally the tree collapses 4 binary levels into each persisted
// node, but the proof itself is expressed one binary level at a time
// (Siblings, ordered leaf-to-root) since that's the representation
// that lets a verifier reconstruct exactly the levels it needs without
// understanding the 16-way storage layout.
type SparseMerkleProof struct {
	// Leaf is the terminal leaf encountered on the path to keyHash, or
	// nil if the path led to an empty subtree. For an inclusion proof
	// it is the leaf being proven; for a non-inclusion proof it is
	// either nil (empty subtree) or a different leaf whose key shares
	// a prefix with keyHash at least as deep as len(Siblings).
	Leaf *LeafNode
	// Siblings are sibling hashes, one per binary tree level, ordered
	// from the leaf's own level up to (but not including) the root.
	Siblings []Hash
}

// Verify checks the proof against rootHash for the given keyHash. If
// value is non-nil this asserts inclusion of (keyHash, value); if nil,
// it asserts keyHash is absent from the tree.
func (p *SparseMerkleProof) Verify(rootHash Hash, keyHash Hash, value []byte) error {
	var currentHash Hash
	switch {
	case p.Leaf == nil:
		if value != nil {
			return ErrProofExpectedInclusion
		}
		currentHash = SparseMerklePlaceholderHash
	case p.Leaf.KeyHash == keyHash:
		if value == nil {
			return ErrProofExpectedExclusion
		}
		if p.Leaf.ValueHash != HashValue(value) {
			return ErrProofValueMismatch
		}
		currentHash = p.Leaf.Hash()
	default:
		if value != nil {
			return ErrProofExpectedInclusion
		}
		currentHash = p.Leaf.Hash()
	}

	depth := len(p.Siblings)
	for i := 0; i < depth; i++ {
		sibling := p.Siblings[i]
		bitIndex := depth - 1 - i
		if keyHash.Bit(bitIndex) == 0 {
			currentHash = hashChildren(currentHash, sibling)
		} else {
			currentHash = hashChildren(sibling, currentHash)
		}
	}
	if currentHash != rootHash {
		return ErrProofRootMismatch
	}
	return nil
}

// SparseMerkleRangeProof authenticates that a contiguous, leftmost
// range of leaves (in key-hash order) is exactly the set returned by a
// range scan (e.g. a state snapshot chunk), without revealing the
// rest of the tree. Only right-side siblings are kept, since left
// siblings are implied by the leaves already included in the range.
type SparseMerkleRangeProof struct {
	// RightSiblings are the sibling hashes needed to complete the path
	// from the rightmost included leaf up to the root, filtered to
	// only those on the right of that path.
	RightSiblings []Hash
}

// ComputeRootHash reconstructs the tree root implied by a contiguous
// run of leaves (ordered by key hash) and this proof's right siblings.
func (p *SparseMerkleRangeProof) ComputeRootHash(leaves []*LeafNode) (Hash, error) {
	if len(leaves) == 0 {
		return Hash{}, errors.New("jmt: range proof requires at least one leaf")
	}
	// Build the leftmost spine: leaves collapse bottom-up, consuming a
	// right sibling whenever the current position is a left child and
	// there is no leaf to its right within the proven range.
	hashes := make([]Hash, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.Hash()
	}
	siblings := p.RightSiblings
	for len(hashes) > 1 || len(siblings) > 0 {
		if len(hashes) > 1 {
			next := make([]Hash, 0, len(hashes)/2+1)
			i := 0
			for i+1 < len(hashes) {
				next = append(next, hashChildren(hashes[i], hashes[i+1]))
				i += 2
			}
			if i < len(hashes) {
				if len(siblings) == 0 {
					return Hash{}, errors.New("jmt: range proof missing right sibling")
				}
				next = append(next, hashChildren(hashes[i], siblings[0]))
				siblings = siblings[1:]
			}
			hashes = next
			continue
		}
		if len(siblings) == 0 {
			break
		}
		hashes[0] = hashChildren(hashes[0], siblings[0])
		siblings = siblings[1:]
	}
	return hashes[0], nil
}
