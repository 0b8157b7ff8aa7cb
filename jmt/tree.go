package jmt

import (
	"sort"
)

// ValueUpdate is one write against a single value set: either a new
// value hash for Key, or a deletion.
type ValueUpdate struct {
	Key       StateKey
	ValueHash Hash
	Deleted   bool
}

// ValueSet is every write belonging to a single version, applied to
// the tree as one atomic step of BatchPutValueSets.
type ValueSet []ValueUpdate

// Tree is the Jellyfish Merkle Tree engine: stateless except for the
// TreeReader it reads existing nodes through. All mutation happens by
// producing a TreeUpdateBatch a caller then persists.
type Tree struct {
	reader TreeReader
}

// NewTree wraps reader in a Tree ready to serve reads and compute
// batches of updates.
func NewTree(reader TreeReader) *Tree {
	return &Tree{reader: reader}
}

// BatchPutValueSets applies one ValueSet per version, in order,
// starting at firstVersion, on top of whatever root the tree has at
// firstVersion-1 (which wraps to PreGenesisVersion, the empty tree,
// when firstVersion is 0 — Version is unsigned so this fall-through
// is exact, not a special case the caller has to handle). It returns
// the new root hash produced by each value set and the combined batch
// of node writes and stale-index entries to persist.
func (t *Tree) BatchPutValueSets(valueSets []ValueSet, firstVersion Version) ([]Hash, *TreeUpdateBatch, error) {
	baseVersion := firstVersion - 1
	baseRootKey := NewRootNodeKey(baseVersion)
	if _, err := t.reader.GetNode(baseRootKey); err != nil {
		if err != ErrNodeNotFound {
			return nil, nil, err
		}
		// Empty base tree: give the cache a root key that will itself
		// miss on lookup, so the very first insert treats the tree as
		// empty rather than dereferencing a real node.
	}

	cache := NewTreeCache(t.reader, baseRootKey, firstVersion)
	rootHashes := make([]Hash, 0, len(valueSets))

	for i, vs := range valueSets {
		version := firstVersion + Version(i)
		updates := dedupeAndSort(vs)

		if len(updates) == 0 {
			// No state was touched at this version: reuse the current
			// root unchanged rather than rewriting an identical node
			// under a new key. Blocks without state updates do not
			// write a new root.
			root := cache.GetRootNodeKey()
			n, err := cache.GetNode(root)
			if err == ErrNodeNotFound {
				rootHashes = append(rootHashes, SparseMerklePlaceholderHash)
			} else if err != nil {
				return nil, nil, err
			} else {
				rootHashes = append(rootHashes, n.Hash())
			}
			cache.Freeze()
			continue
		}

		newRootKey, empty, err := t.batchInsertAt(cache, cache.GetRootNodeKey(), 0, updates, version)
		if err != nil {
			return nil, nil, err
		}
		if empty {
			cache.SetRootNodeKey(NewRootNodeKey(version))
			rootHashes = append(rootHashes, SparseMerklePlaceholderHash)
		} else {
			cache.SetRootNodeKey(newRootKey)
			n, err := cache.GetNode(newRootKey)
			if err != nil {
				return nil, nil, err
			}
			rootHashes = append(rootHashes, n.Hash())
		}
		cache.Freeze()
	}

	return rootHashes, cache.IntoUpdateBatch(), nil
}

// dedupeAndSort keeps only the last update per key (later entries in
// the same value set overwrite earlier ones) and orders the result by
// key hash, the order every recursive step below assumes.
func dedupeAndSort(vs ValueSet) []ValueUpdate {
	byKey := make(map[string]ValueUpdate, len(vs))
	order := make([]string, 0, len(vs))
	for _, u := range vs {
		k := string(u.Key)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = u
	}
	out := make([]ValueUpdate, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	sort.Slice(out, func(i, j int) bool {
		hi, hj := out[i].Key.Hash(), out[j].Key.Hash()
		for b := 0; b < 32; b++ {
			if hi[b] != hj[b] {
				return hi[b] < hj[b]
			}
		}
		return false
	})
	return out
}

// leafCandidate is a (key, value) pair still waiting to be placed
// into a freshly created subtree, whether it arrived as part of this
// call's updates or survived from a leaf the update displaced.
type leafCandidate struct {
	keyHash   Hash
	key       StateKey
	valueHash Hash
	version   Version
}

// nibbleRangeIterator partitions a sorted slice of candidates by the
// nibble each key hash has at a given depth, via binary search rather
// than a linear scan — the candidates are already sorted by full key
// hash, so every nibble's members form one contiguous run.
type nibbleRangeIterator struct {
	candidates []leafCandidate
	depth      int
	pos        int
}

func newNibbleRangeIterator(candidates []leafCandidate, depth int) *nibbleRangeIterator {
	return &nibbleRangeIterator{candidates: candidates, depth: depth}
}

// Next returns the next contiguous [start, end) range sharing a
// nibble, and that nibble, or ok=false when exhausted.
func (it *nibbleRangeIterator) Next() (nibble Nibble, start, end int, ok bool) {
	if it.pos >= len(it.candidates) {
		return 0, 0, 0, false
	}
	start = it.pos
	nibble = it.candidates[start].keyHash.Nibble(it.depth)
	end = sort.Search(len(it.candidates)-start, func(i int) bool {
		return it.candidates[start+i].keyHash.Nibble(it.depth) != nibble
	}) + start
	it.pos = end
	return nibble, start, end, true
}

func updatesToCandidates(updates []ValueUpdate, version Version) []leafCandidate {
	out := make([]leafCandidate, 0, len(updates))
	for _, u := range updates {
		if u.Deleted {
			continue
		}
		out = append(out, leafCandidate{keyHash: u.Key.Hash(), key: u.Key, valueHash: u.ValueHash, version: version})
	}
	return out
}

// batchInsertAt applies updates (already sorted, deduped, and
// restricted to the subtree rooted at key) to the node currently at
// key, returning the key of the replacement node. empty is true when
// every key under this subtree ended up deleted.
func (t *Tree) batchInsertAt(cache *TreeCache, key NodeKey, depth int, updates []ValueUpdate, version Version) (NodeKey, bool, error) {
	node, err := cache.GetNode(key)
	if err == ErrNodeNotFound {
		candidates := updatesToCandidates(updates, version)
		return t.batchCreateSubtree(cache, candidates, key.Path, version)
	}
	if err != nil {
		return NodeKey{}, false, err
	}

	switch n := node.(type) {
	case *LeafNode:
		cache.DeleteNode(key, true)

		matchedIdx := -1
		for i, u := range updates {
			if u.Key.Hash() == n.KeyHash {
				matchedIdx = i
				break
			}
		}

		candidates := updatesToCandidates(updates, version)
		if matchedIdx < 0 {
			// The existing leaf survives alongside whatever new keys
			// land in this subtree.
			candidates = append(candidates, leafCandidate{keyHash: n.KeyHash, key: n.Key, valueHash: n.ValueHash, version: n.ValueVersion})
		} else if updates[matchedIdx].Deleted && len(updates) == 1 {
			// The only write in this subtree deletes its only key.
			return NodeKey{}, true, nil
		}
		return t.batchCreateSubtree(cache, candidates, key.Path, version)

	case *InternalNode:
		cache.DeleteNode(key, false)
		return t.batchInsertIntoInternal(cache, n, key.Path, depth, updates, version)

	default:
		return NodeKey{}, false, nil
	}
}

func (t *Tree) batchInsertIntoInternal(cache *TreeCache, n *InternalNode, path NibblePath, depth int, updates []ValueUpdate, version Version) (NodeKey, bool, error) {
	children := n.Children // array value copy

	it := newNibbleRangeIterator(sortUpdatesAsCandidatesView(updates), depth)
	for {
		nibble, start, end, ok := it.Next()
		if !ok {
			break
		}
		group := updates[start:end]
		childPath := path.Push(nibble)

		var (
			newChildKey NodeKey
			childEmpty  bool
			err         error
		)
		if existing := children[nibble]; existing != nil {
			childKey := NodeKey{Version: existing.Version, Path: childPath}
			newChildKey, childEmpty, err = t.batchInsertAt(cache, childKey, depth+1, group, version)
		} else {
			candidates := updatesToCandidates(group, version)
			newChildKey, childEmpty, err = t.batchCreateSubtree(cache, candidates, childPath, version)
		}
		if err != nil {
			return NodeKey{}, false, err
		}

		if childEmpty {
			children[nibble] = nil
			continue
		}
		childNode, err := cache.GetNode(newChildKey)
		if err != nil {
			return NodeKey{}, false, err
		}
		children[nibble] = &Child{
			Hash:      childNode.Hash(),
			Version:   newChildKey.Version,
			NodeType:  nodeTypeOf(childNode),
			LeafCount: childNode.LeafCount(),
		}
	}

	newNode := NewInternalNode(children)
	if newNode.ChildCount() == 0 {
		return NodeKey{}, true, nil
	}
	if nib, only, ok := newNode.OnlyChild(); ok && only.IsLeaf() {
		// A single surviving leaf collapses the internal node away so
		// the tree never carries dead weight above a lone key.
		childKey := NodeKey{Version: only.Version, Path: path.Push(nib)}
		leaf, err := cache.GetNode(childKey)
		if err != nil {
			return NodeKey{}, false, err
		}
		cache.DeleteNode(childKey, true)
		newKey := NodeKey{Version: version, Path: path}
		cache.PutNode(newKey, leaf)
		return newKey, false, nil
	}

	newKey := NodeKey{Version: version, Path: path}
	cache.PutNode(newKey, newNode)
	return newKey, false, nil
}

// sortUpdatesAsCandidatesView lets nibbleRangeIterator walk a
// []ValueUpdate the same way it walks []leafCandidate, since both are
// already sorted by key hash; it only needs the hash to group by
// nibble.
func sortUpdatesAsCandidatesView(updates []ValueUpdate) []leafCandidate {
	out := make([]leafCandidate, len(updates))
	for i, u := range updates {
		out[i] = leafCandidate{keyHash: u.Key.Hash()}
	}
	return out
}

func nodeTypeOf(n Node) NodeType {
	if n.IsLeaf() {
		return NodeTypeLeaf
	}
	return NodeTypeInternal
}

// batchCreateSubtree builds a brand-new subtree rooted at path from
// scratch, containing exactly candidates. Used both for genuinely
// fresh branches and when an existing leaf must be displaced down to
// make room for new siblings (the Rust design's
// batch_create_subtree_with_existing_leaf folds into this, since the
// existing leaf is simply one more candidate by the time it gets
// here).
func (t *Tree) batchCreateSubtree(cache *TreeCache, candidates []leafCandidate, path NibblePath, version Version) (NodeKey, bool, error) {
	if len(candidates) == 0 {
		return NodeKey{}, true, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].keyHash, candidates[j].keyHash
		for k := 0; k < 32; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	if len(candidates) == 1 {
		c := candidates[0]
		leaf := &LeafNode{KeyHash: c.keyHash, Key: c.key, ValueHash: c.valueHash, ValueVersion: c.version}
		key := NodeKey{Version: version, Path: path}
		cache.PutNode(key, leaf)
		return key, false, nil
	}

	var children Children
	depth := path.Len()
	it := newNibbleRangeIterator(candidates, depth)
	for {
		nibble, start, end, ok := it.Next()
		if !ok {
			break
		}
		childKey, _, err := t.batchCreateSubtree(cache, candidates[start:end], path.Push(nibble), version)
		if err != nil {
			return NodeKey{}, false, err
		}
		childNode, err := cache.GetNode(childKey)
		if err != nil {
			return NodeKey{}, false, err
		}
		children[nibble] = &Child{
			Hash:      childNode.Hash(),
			Version:   version,
			NodeType:  nodeTypeOf(childNode),
			LeafCount: childNode.LeafCount(),
		}
	}

	node := NewInternalNode(children)
	key := NodeKey{Version: version, Path: path}
	cache.PutNode(key, node)
	return key, false, nil
}

// GetRootHash returns the root hash of the tree as of version.
func (t *Tree) GetRootHash(version Version) (Hash, error) {
	n, err := t.reader.GetNode(NewRootNodeKey(version))
	if err == ErrNodeNotFound {
		return SparseMerklePlaceholderHash, nil
	}
	if err != nil {
		return Hash{}, err
	}
	return n.Hash(), nil
}

// GetLeafCount returns the number of live keys in the tree as of
// version.
func (t *Tree) GetLeafCount(version Version) (uint64, error) {
	n, err := t.reader.GetNode(NewRootNodeKey(version))
	if err == ErrNodeNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n.LeafCount(), nil
}

// GetWithProof returns the value hash bound to key as of version (nil
// if absent) together with a proof of that fact. Returns
// ErrMissingRoot if the root node for version has already been pruned
// or never existed.
func (t *Tree) GetWithProof(version Version, key StateKey) (*Hash, *SparseMerkleProof, error) {
	keyHash := key.Hash()
	rootKey := NewRootNodeKey(version)
	node, err := t.reader.GetNode(rootKey)
	if err == ErrNodeNotFound {
		return nil, nil, ErrMissingRoot{Version: version}
	}
	if err != nil {
		return nil, nil, err
	}

	// siblings accumulates leaf-to-root: each node visited contributes
	// its 4 binary-level siblings deepest-first (siblingHashesOf), and
	// each new node is one level closer to the leaf than the last, so
	// its block is prepended ahead of whatever was gathered so far.
	var siblings []Hash
	depth := 0
	for {
		switch n := node.(type) {
		case *LeafNode:
			proof := &SparseMerkleProof{Leaf: n, Siblings: siblings}
			if n.KeyHash == keyHash {
				v := n.ValueHash
				return &v, proof, nil
			}
			return nil, proof, nil
		case *InternalNode:
			nib := keyHash.Nibble(depth)
			siblings = append(siblingHashesOf(n, nib), siblings...)
			child := n.Children[nib]
			if child == nil {
				return nil, &SparseMerkleProof{Leaf: nil, Siblings: siblings}, nil
			}
			childPath := NibblePathFromHash(keyHash).Truncate(depth).Push(nib)
			next, err := t.reader.GetNode(NodeKey{Version: child.Version, Path: childPath})
			if err != nil {
				return nil, nil, err
			}
			node = next
			depth++
		default:
			return nil, nil, ErrMissingRoot{Version: version}
		}
	}
}

// siblingHashesOf returns the 4 binary-level sibling hashes a
// verifier needs to pass through, from the leaf-ward side, when the
// path descends into nib's child of the collapsed 16-way node n. This
// walks the same bottom-up pairing Hash() performs but records the
// sibling at each of the 4 levels instead of folding into one value.
func siblingHashesOf(n *InternalNode, nib Nibble) []Hash {
	level := make([]Hash, 16)
	for i, c := range n.Children {
		if c == nil {
			level[i] = SparseMerklePlaceholderHash
		} else {
			level[i] = c.Hash
		}
	}
	idx := int(nib)
	out := make([]Hash, 0, 4)
	for len(level) > 1 {
		sibling := idx ^ 1
		out = append(out, level[sibling])
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = hashChildren(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}
	return out
}

// GetRangeProof returns the right-side siblings needed to prove that
// rightmostKeyHash is the rightmost key included in a chunk covering
// every key up to and including it, as of version. Used by state
// snapshot export so a chunk's leaves can be authenticated without
// shipping the whole tree.
func (t *Tree) GetRangeProof(version Version, rightmostKeyHash Hash) (*SparseMerkleRangeProof, error) {
	rootKey := NewRootNodeKey(version)
	node, err := t.reader.GetNode(rootKey)
	if err == ErrNodeNotFound {
		return nil, ErrMissingRoot{Version: version}
	}
	if err != nil {
		return nil, err
	}

	// rightSiblings accumulates leaf-to-root the same way GetWithProof's
	// siblings does: each node's block is deepest-first, and each new
	// (deeper) node's block is prepended ahead of shallower ones.
	var rightSiblings []Hash
	depth := 0
	for {
		switch n := node.(type) {
		case *LeafNode:
			return &SparseMerkleRangeProof{RightSiblings: rightSiblings}, nil
		case *InternalNode:
			nib := rightmostKeyHash.Nibble(depth)
			rightSiblings = append(rightSiblingsOf(n, nib), rightSiblings...)
			child := n.Children[nib]
			if child == nil {
				return nil, ErrMissingRoot{Version: version}
			}
			childPath := NibblePathFromHash(rightmostKeyHash).Truncate(depth).Push(nib)
			next, err := t.reader.GetNode(NodeKey{Version: child.Version, Path: childPath})
			if err != nil {
				return nil, err
			}
			node = next
			depth++
		default:
			return nil, ErrMissingRoot{Version: version}
		}
	}
}

// rightSiblingsOf returns, for the 4 binary levels collapsed into n,
// only the sibling hashes that sit to the right of nib's path at each
// level (left siblings are reconstructible from the leaves already
// included in a leftmost range, so a range proof omits them).
func rightSiblingsOf(n *InternalNode, nib Nibble) []Hash {
	level := make([]Hash, 16)
	for i, c := range n.Children {
		if c == nil {
			level[i] = SparseMerklePlaceholderHash
		} else {
			level[i] = c.Hash
		}
	}
	idx := int(nib)
	var out []Hash
	for len(level) > 1 {
		if idx%2 == 0 {
			out = append(out, level[idx+1])
		}
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = hashChildren(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}
	return out
}

