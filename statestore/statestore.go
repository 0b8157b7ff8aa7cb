// Package statestore binds the jellyfish-merkle tree to rawdb,
// turning per-version sets of raw (key, value) writes into
// authenticated tree updates and serving the point/range/proof reads
// the ledger layer needs, generalized to the versioned multi-root
// case.
package statestore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
)

// MaxValuesToFetchForKeyPrefix caps GetValuesByKeyPrefix so a single
// call can never pull an unbounded number of versions into memory.
const MaxValuesToFetchForKeyPrefix = 10_000

const (
	tagValue     byte = 0
	tagTombstone byte = 1
)

// StateStore is the versioned key/value layer, authenticated by a
// jellyfish-merkle tree rooted at CFJellyfishMerkleNode and backed by
// raw values in CFStateValue.
type StateStore struct {
	db      rawdb.KVStore
	tree    *jmt.Tree
	log     *log.Logger
	metrics *metrics.Registry
}

// New constructs a StateStore over db.
func New(db rawdb.KVStore, logger *log.Logger, reg *metrics.Registry) *StateStore {
	return &StateStore{
		db:      db,
		tree:    jmt.NewTree(&treeReader{db: db}),
		log:     logger,
		metrics: reg,
	}
}

// ErrValueNotFound is returned when a key has no value at or before
// the requested version (either never written, or written then
// deleted).
var ErrValueNotFound = errors.New("statestore: value not found")

// treeReader adapts rawdb.KVStore to jmt.TreeReader.
type treeReader struct {
	db rawdb.KVStore
}

func (r *treeReader) GetNode(key jmt.NodeKey) (jmt.Node, error) {
	b, err := r.db.Get(rawdb.CFJellyfishMerkleNode, key.Encode())
	if err == rawdb.ErrNotFound {
		return nil, jmt.ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return jmt.DecodeNode(b)
}

func (r *treeReader) GetRightmostLeaf(version jmt.Version) (jmt.NodeKey, *jmt.LeafNode, error) {
	return jmt.NodeKey{}, nil, jmt.ErrNodeNotFound
}

// Update is a single write against one version: a new raw value for
// Key, or a deletion. The tree only ever sees its hash; the raw bytes
// live solely in CFStateValue.
type Update struct {
	Key     jmt.StateKey
	Value   []byte
	Deleted bool
}

// ValueSet is every write belonging to one version.
type ValueSet []Update

func (u Update) toJMT() jmt.ValueUpdate {
	if u.Deleted {
		return jmt.ValueUpdate{Key: u.Key, Deleted: true}
	}
	return jmt.ValueUpdate{Key: u.Key, ValueHash: jmt.HashValue(u.Value)}
}

func toJMTValueSets(valueSets []ValueSet) []jmt.ValueSet {
	out := make([]jmt.ValueSet, len(valueSets))
	for i, vs := range valueSets {
		jvs := make(jmt.ValueSet, len(vs))
		for j, u := range vs {
			jvs[j] = u.toJMT()
		}
		out[i] = jvs
	}
	return out
}

func stateValueKey(key jmt.StateKey, version jmt.Version) []byte {
	out := make([]byte, len(key)+8)
	copy(out, key)
	copy(out[len(key):], rawdb.EncodeVersion(uint64(version)))
	return out
}

// PutValueSets writes batch.raw values for a run of versions starting
// at firstVersion directly into CFStateValue (un-authenticated; the
// tree update produced alongside it is what authenticates them),
// staging the puts into b, the caller's atomic write.
func (s *StateStore) PutValueSets(b rawdb.Batch, valueSets []ValueSet, firstVersion jmt.Version) {
	for i, vs := range valueSets {
		version := firstVersion + jmt.Version(i)
		for _, u := range vs {
			k := stateValueKey(u.Key, version)
			if u.Deleted {
				b.Put(rawdb.CFStateValue, k, []byte{tagTombstone})
			} else {
				v := make([]byte, 1+len(u.Value))
				v[0] = tagValue
				copy(v[1:], u.Value)
				b.Put(rawdb.CFStateValue, k, v)
			}
		}
	}
}

// MerklizeValueSets applies valueSets to the jellyfish-merkle tree,
// returning the per-version root hashes and the node batch to persist
// alongside the raw values PutValueSets already staged. The tree is
// read as of the latest version already durable on disk strictly less
// than firstVersion, found by FindLatestPersistedVersionLessThan.
func (s *StateStore) MerklizeValueSets(valueSets []ValueSet, firstVersion jmt.Version) ([]jmt.Hash, *jmt.TreeUpdateBatch, error) {
	stop := s.metrics.ObserveReader("merklize_value_sets")
	defer stop()
	return s.tree.BatchPutValueSets(toJMTValueSets(valueSets), firstVersion)
}

// FindLatestPersistedVersionLessThan scans CFJellyfishMerkleNode's
// root entries to find the greatest version strictly less than
// nextVersion whose root node was actually written, i.e. the version
// the next batch of value sets should be layered on top of. Returns
// jmt.PreGenesisVersion if no version has ever been persisted.
func (s *StateStore) FindLatestPersistedVersionLessThan(nextVersion jmt.Version) (jmt.Version, error) {
	if nextVersion == 0 {
		return jmt.PreGenesisVersion, nil
	}
	upper := jmt.NewRootNodeKey(nextVersion - 1).Encode()
	it := s.db.NewReverseIterator(rawdb.CFJellyfishMerkleNode, nil, upper)
	defer it.Release()
	for it.Next() {
		key, err := jmt.DecodeNodeKey(it.Key())
		if err != nil {
			continue
		}
		if key.Path.Len() == 0 {
			return key.Version, nil
		}
	}
	return jmt.PreGenesisVersion, nil
}

// ResolveCheckpointVersion finds the greatest version at or before
// version whose root node was actually written to the tree — the
// state-checkpoint version a read at version must use, since a
// version whose value set was empty reuses an earlier root rather
// than writing its own.
func (s *StateStore) ResolveCheckpointVersion(version jmt.Version) (jmt.Version, error) {
	upper := jmt.NewRootNodeKey(version).Encode()
	it := s.db.NewReverseIterator(rawdb.CFJellyfishMerkleNode, nil, upper)
	defer it.Release()
	for it.Next() {
		key, err := jmt.DecodeNodeKey(it.Key())
		if err != nil {
			continue
		}
		if key.Path.Len() == 0 {
			return key.Version, nil
		}
	}
	return jmt.PreGenesisVersion, nil
}

// GetValueWithProofByVersion returns the raw value bound to key as of
// version (nil if absent/deleted), together with a tree proof of that
// fact.
func (s *StateStore) GetValueWithProofByVersion(key jmt.StateKey, version jmt.Version) ([]byte, *jmt.SparseMerkleProof, error) {
	checkpoint, err := s.ResolveCheckpointVersion(version)
	if err != nil {
		return nil, nil, err
	}
	valueHash, proof, err := s.tree.GetWithProof(checkpoint, key)
	if err != nil {
		return nil, nil, err
	}
	if valueHash == nil {
		return nil, proof, nil
	}
	raw, err := s.getRawValueAtOrBefore(key, version)
	if err != nil {
		return nil, nil, err
	}
	return raw, proof, nil
}

func (s *StateStore) getRawValueAtOrBefore(key jmt.StateKey, version jmt.Version) ([]byte, error) {
	upper := stateValueKey(key, version)
	it := s.db.NewReverseIterator(rawdb.CFStateValue, []byte(key), upper)
	defer it.Release()
	if !it.Next() {
		return nil, ErrValueNotFound
	}
	v := it.Value()
	if len(v) == 0 || v[0] == tagTombstone {
		return nil, ErrValueNotFound
	}
	return append([]byte(nil), v[1:]...), nil
}

// GetRootHash returns the JMT root hash effective as of version,
// resolving state-checkpoint reuse first.
func (s *StateStore) GetRootHash(version jmt.Version) (jmt.Hash, error) {
	checkpoint, err := s.ResolveCheckpointVersion(version)
	if err != nil {
		return jmt.Hash{}, err
	}
	return s.tree.GetRootHash(checkpoint)
}

// GetLeafCount returns the number of live keys as of version,
// resolving state-checkpoint reuse first.
func (s *StateStore) GetLeafCount(version jmt.Version) (uint64, error) {
	checkpoint, err := s.ResolveCheckpointVersion(version)
	if err != nil {
		return 0, err
	}
	return s.tree.GetLeafCount(checkpoint)
}

// KeyPrefixValue is one result row of GetValuesByKeyPrefix.
type KeyPrefixValue struct {
	Key   jmt.StateKey
	Value []byte
}

// GetValuesByKeyPrefix returns every live (key, value) pair whose key
// has the given prefix, as of version, capped at
// MaxValuesToFetchForKeyPrefix entries. Deleted keys are skipped
// rather than returned as tombstones.
func (s *StateStore) GetValuesByKeyPrefix(prefix []byte, version jmt.Version) ([]KeyPrefixValue, error) {
	it := s.db.NewIterator(rawdb.CFStateValue, prefix, nil)
	defer it.Release()

	var out []KeyPrefixValue
	var lastKey []byte
	lastAppended := false
	for it.Next() {
		if len(out) >= MaxValuesToFetchForKeyPrefix {
			return nil, fmt.Errorf("statestore: key prefix scan exceeded %d entries", MaxValuesToFetchForKeyPrefix)
		}
		full := it.Key()
		if len(full) < 8 {
			continue
		}
		k := full[:len(full)-8]
		v := rawdb.DecodeVersion(full[len(full)-8:])
		if jmt.Version(v) > version {
			continue
		}
		if bytes.Equal(k, lastKey) {
			// A newer-but-still-<=version write for the same key
			// supersedes the one already appended; iteration is
			// ascending by (key, version) so the latest qualifying
			// write for a key comes last among its own run.
			if lastAppended {
				out = out[:len(out)-1]
			}
		}
		lastKey = append([]byte(nil), k...)
		lastAppended = false
		val := it.Value()
		if len(val) == 0 || val[0] == tagTombstone {
			continue
		}
		out = append(out, KeyPrefixValue{Key: jmt.StateKey(k), Value: append([]byte(nil), val[1:]...)})
		lastAppended = true
	}
	return out, nil
}
