package jmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeReader is a minimal in-memory TreeReader (its apply helper
// stands in for a TreeWriter) used only
// by this package's own tests, independent of rawdb, so the tree
// engine's correctness can be tested in isolation.
type storeReader struct {
	nodes map[NodeKey]Node
}

func newStoreReader() *storeReader {
	return &storeReader{nodes: make(map[NodeKey]Node)}
}

func (s *storeReader) GetNode(key NodeKey) (Node, error) {
	n, ok := s.nodes[key]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return n, nil
}

func (s *storeReader) GetRightmostLeaf(version Version) (NodeKey, *LeafNode, error) {
	return NodeKey{}, nil, ErrNodeNotFound
}

func (s *storeReader) apply(batch *TreeUpdateBatch) {
	for k, v := range batch.NodeBatch {
		s.nodes[k] = v
	}
}

func valueHashOf(b byte) Hash {
	var h Hash
	h[31] = b
	return h
}

func TestBatchPutValueSetsSingleKeyRoundTrips(t *testing.T) {
	store := newStoreReader()
	tree := NewTree(store)

	vs := ValueSet{{Key: StateKey("alice"), ValueHash: HashValue([]byte("v1"))}}
	roots, batch, err := tree.BatchPutValueSets([]ValueSet{vs}, 0)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.NotEqual(t, SparseMerklePlaceholderHash, roots[0])

	store.apply(batch)
	tree2 := NewTree(store)

	value, proof, err := tree2.GetWithProof(0, StateKey("alice"))
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, HashValue([]byte("v1")), *value)
	assert.NoError(t, proof.Verify(roots[0], StateKey("alice").Hash(), []byte("v1")))
}

func TestBatchPutValueSetsNonInclusion(t *testing.T) {
	store := newStoreReader()
	tree := NewTree(store)

	vs := ValueSet{{Key: StateKey("alice"), ValueHash: valueHashOf(1)}}
	roots, batch, err := tree.BatchPutValueSets([]ValueSet{vs}, 0)
	require.NoError(t, err)
	store.apply(batch)

	tree2 := NewTree(store)
	value, proof, err := tree2.GetWithProof(0, StateKey("bob"))
	require.NoError(t, err)
	assert.Nil(t, value)
	require.NotNil(t, proof)
}

func TestBatchPutValueSetsMultipleVersions(t *testing.T) {
	store := newStoreReader()
	tree := NewTree(store)

	vs0 := ValueSet{
		{Key: StateKey("alice"), ValueHash: valueHashOf(1)},
		{Key: StateKey("bob"), ValueHash: valueHashOf(2)},
	}
	vs1 := ValueSet{
		{Key: StateKey("alice"), ValueHash: valueHashOf(3)},
	}
	roots, batch, err := tree.BatchPutValueSets([]ValueSet{vs0, vs1}, 0)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.NotEqual(t, roots[0], roots[1])

	store.apply(batch)
	tree2 := NewTree(store)

	v0, _, err := tree2.GetWithProof(0, StateKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, valueHashOf(1), *v0)

	v1, _, err := tree2.GetWithProof(1, StateKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, valueHashOf(3), *v1)

	// Structural sharing: bob's leaf written at version 0 is still
	// reachable through version 1's root.
	vb, _, err := tree2.GetWithProof(1, StateKey("bob"))
	require.NoError(t, err)
	assert.Equal(t, valueHashOf(2), *vb)
}

func TestBatchPutValueSetsDeletion(t *testing.T) {
	store := newStoreReader()
	tree := NewTree(store)

	vs0 := ValueSet{{Key: StateKey("alice"), ValueHash: valueHashOf(1)}}
	vs1 := ValueSet{{Key: StateKey("alice"), Deleted: true}}
	roots, batch, err := tree.BatchPutValueSets([]ValueSet{vs0, vs1}, 0)
	require.NoError(t, err)
	assert.Equal(t, SparseMerklePlaceholderHash, roots[1])

	store.apply(batch)
	tree2 := NewTree(store)
	v, _, err := tree2.GetWithProof(1, StateKey("alice"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGetWithProofMultiLeafVerifies(t *testing.T) {
	store := newStoreReader()
	tree := NewTree(store)

	keys := []StateKey{
		"alice", "bob", "carol", "dave", "erin",
		"frank", "grace", "heidi", "ivan", "judy",
	}
	vs := make(ValueSet, len(keys))
	raw := make(map[StateKey][]byte, len(keys))
	for i, k := range keys {
		v := []byte{byte(i + 1)}
		raw[k] = v
		vs[i] = ValueUpdate{Key: k, ValueHash: HashValue(v)}
	}
	roots, batch, err := tree.BatchPutValueSets([]ValueSet{vs}, 0)
	require.NoError(t, err)
	store.apply(batch)

	tree2 := NewTree(store)
	for _, k := range keys {
		value, proof, err := tree2.GetWithProof(0, k)
		require.NoError(t, err)
		require.NotNil(t, value)
		assert.Equal(t, HashValue(raw[k]), *value)
		assert.NoError(t, proof.Verify(roots[0], k.Hash(), raw[k]), "inclusion proof for %q should verify", k)
	}

	value, proof, err := tree2.GetWithProof(0, StateKey("mallory"))
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.NoError(t, proof.Verify(roots[0], StateKey("mallory").Hash(), nil))
}

func TestGetWithProofNonInclusionEmptyChildVerifies(t *testing.T) {
	store := newStoreReader()
	tree := NewTree(store)

	vs := ValueSet{
		{Key: StateKey("alice"), ValueHash: HashValue([]byte("1"))},
		{Key: StateKey("bob"), ValueHash: HashValue([]byte("2"))},
	}
	roots, batch, err := tree.BatchPutValueSets([]ValueSet{vs}, 0)
	require.NoError(t, err)
	store.apply(batch)

	tree2 := NewTree(store)

	// Only 2 of 16 possible nibbles are populated at every internal
	// node near the root, so probing with many distinct absent keys
	// is overwhelmingly likely to hit a nil-child branch (proof.Leaf
	// == nil) rather than a diverging-leaf branch.
	probes := []StateKey{
		"mallory", "trent", "walter", "oscar", "peggy",
		"sybil", "victor", "wendy", "judy2", "zoe",
	}
	for _, k := range probes {
		value, proof, err := tree2.GetWithProof(0, k)
		require.NoError(t, err)
		assert.Nil(t, value)
		assert.NoError(t, proof.Verify(roots[0], k.Hash(), nil), "non-inclusion proof for %q should verify", k)
	}
}

func TestMissingRootError(t *testing.T) {
	store := newStoreReader()
	tree := NewTree(store)
	_, _, err := tree.GetWithProof(5, StateKey("alice"))
	require.Error(t, err)
	var missing ErrMissingRoot
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, Version(5), missing.Version)
}

func TestCommonPrefixNibblesLen(t *testing.T) {
	a := HashValue([]byte("a"))
	b := a
	assert.Equal(t, RootNibbleHeight, a.CommonPrefixNibblesLen(b))

	c := HashValue([]byte("totally different"))
	n := a.CommonPrefixNibblesLen(c)
	assert.GreaterOrEqual(t, n, 0)
	assert.Less(t, n, RootNibbleHeight)
}

func TestNodeKeyEncodeDecodeRoundTrips(t *testing.T) {
	key := NodeKey{Version: 42, Path: NibblePathFromHash(HashValue([]byte("x"))).Truncate(5)}
	encoded := key.Encode()
	decoded, err := DecodeNodeKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, key.Version, decoded.Version)
	assert.True(t, key.Path.Equal(decoded.Path))
}
