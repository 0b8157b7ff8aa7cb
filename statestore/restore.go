package statestore

import (
	"errors"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
)

// ErrChunkOutOfOrder is returned when a chunk handed to AddChunk does
// not continue directly after the last key this receiver has seen.
var ErrChunkOutOfOrder = errors.New("statestore: restore chunk out of order")

// ErrChunkProofMismatch is returned when a chunk's range proof fails
// to reconstruct the target root over every leaf staged so far.
var ErrChunkProofMismatch = errors.New("statestore: restore chunk range proof does not match target root")

// ErrChunkMissingProof is returned when a non-empty chunk arrives
// without a range proof to verify it against.
var ErrChunkMissingProof = errors.New("statestore: restore chunk missing range proof")

// SnapshotReceiver drives restoring a single version's full state
// from a stream of ValueChunks (e.g. fetched from a peer during fast
// sync), verifying each chunk's range proof against the target root
// hash before writing anything, and building the subtree from
// scratch exactly once all chunks have landed.
type SnapshotReceiver struct {
	store   *StateStore
	version jmt.Version
	root    jmt.Hash

	lastKeyHash *jmt.Hash
	pending     []Update
}

// NewSnapshotReceiver begins a restore of version, whose root hash is
// expected to equal root once every chunk has been applied.
func (s *StateStore) NewSnapshotReceiver(version jmt.Version, root jmt.Hash) *SnapshotReceiver {
	return &SnapshotReceiver{store: s, version: version, root: root}
}

// AddChunk verifies chunk continues directly from the last chunk
// accepted (or from the very start, for the first call), verifies its
// range proof reconstructs the target root over every leaf staged so
// far (this chunk's values plus every prior chunk's), and only then
// stages its values for the eventual Finish. A chunk that fails either
// check leaves the receiver's staged values untouched.
func (r *SnapshotReceiver) AddChunk(chunk *ValueChunk) error {
	if len(chunk.Values) == 0 {
		return nil
	}
	first := chunk.Values[0].Key.Hash()
	if r.lastKeyHash != nil && !keyHashGreater(first, *r.lastKeyHash) {
		return ErrChunkOutOfOrder
	}
	if chunk.Proof == nil {
		return ErrChunkMissingProof
	}

	leaves := make([]*jmt.LeafNode, 0, len(r.pending)+len(chunk.Values))
	for _, u := range r.pending {
		leaves = append(leaves, &jmt.LeafNode{KeyHash: u.Key.Hash(), ValueHash: jmt.HashValue(u.Value)})
	}
	for _, kv := range chunk.Values {
		leaves = append(leaves, &jmt.LeafNode{KeyHash: kv.Key.Hash(), ValueHash: jmt.HashValue(kv.Value)})
	}
	root, err := chunk.Proof.ComputeRootHash(leaves)
	if err != nil {
		return err
	}
	if root != r.root {
		return ErrChunkProofMismatch
	}

	for _, kv := range chunk.Values {
		r.pending = append(r.pending, Update{Key: kv.Key, Value: kv.Value})
		h := kv.Key.Hash()
		r.lastKeyHash = &h
	}
	return nil
}

// Finish rebuilds the tree for r.version from every staged value,
// verifies the resulting root matches the target root hash, and
// persists both the raw values and the tree nodes atomically.
// Verification failure leaves the store untouched.
func (r *SnapshotReceiver) Finish(b rawdb.Batch) error {
	vs := ValueSet(r.pending)
	roots, batch, err := r.store.MerklizeValueSets([]ValueSet{vs}, r.version)
	if err != nil {
		return err
	}
	if len(roots) != 1 || roots[0] != r.root {
		return errors.New("statestore: restored root hash does not match target")
	}

	r.store.PutValueSets(b, []ValueSet{vs}, r.version)
	for k, n := range batch.NodeBatch {
		encoded, err := jmt.EncodeNode(n)
		if err != nil {
			return err
		}
		b.Put(rawdb.CFJellyfishMerkleNode, k.Encode(), encoded)
	}
	return nil
}
