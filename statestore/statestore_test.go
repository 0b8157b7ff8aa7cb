package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
)

func newTestStore(t *testing.T) (*StateStore, rawdb.KVStore) {
	t.Helper()
	db := rawdb.NewMemoryStore()
	reg := metrics.NewRegistry("ledgerdb_test")
	s := New(db, log.Nop(), reg)
	return s, db
}

func commit(t *testing.T, s *StateStore, db rawdb.KVStore, vs ValueSet, version jmt.Version) jmt.Hash {
	t.Helper()
	roots, batch, err := s.MerklizeValueSets([]ValueSet{vs}, version)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	b := db.NewBatch()
	s.PutValueSets(b, []ValueSet{vs}, version)
	for k, n := range batch.NodeBatch {
		encoded, err := jmt.EncodeNode(n)
		require.NoError(t, err)
		b.Put(rawdb.CFJellyfishMerkleNode, k.Encode(), encoded)
	}
	require.NoError(t, b.Write())
	return roots[0]
}

func TestPutAndGetValueWithProofByVersion(t *testing.T) {
	s, db := newTestStore(t)
	root := commit(t, s, db, ValueSet{{Key: jmt.StateKey("a"), Value: []byte("1")}}, 0)

	v, proof, err := s.GetValueWithProofByVersion(jmt.StateKey("a"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	require.NoError(t, proof.Verify(root, jmt.StateKey("a").Hash(), []byte("1")))
}

func TestFindLatestPersistedVersionLessThan(t *testing.T) {
	s, db := newTestStore(t)
	commit(t, s, db, ValueSet{{Key: jmt.StateKey("a"), Value: []byte("1")}}, 0)
	commit(t, s, db, ValueSet{{Key: jmt.StateKey("a"), Value: []byte("2")}}, 1)

	v, err := s.FindLatestPersistedVersionLessThan(2)
	require.NoError(t, err)
	assert.Equal(t, jmt.Version(1), v)

	v, err = s.FindLatestPersistedVersionLessThan(0)
	require.NoError(t, err)
	assert.Equal(t, jmt.PreGenesisVersion, v)
}

func TestGetValuesByKeyPrefix(t *testing.T) {
	s, db := newTestStore(t)
	commit(t, s, db, ValueSet{
		{Key: jmt.StateKey("acct/1/balance"), Value: []byte("100")},
		{Key: jmt.StateKey("acct/1/nonce"), Value: []byte("5")},
		{Key: jmt.StateKey("acct/2/balance"), Value: []byte("50")},
	}, 0)

	rows, err := s.GetValuesByKeyPrefix([]byte("acct/1/"), 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestGetValueChunkWithProof(t *testing.T) {
	s, db := newTestStore(t)
	commit(t, s, db, ValueSet{
		{Key: jmt.StateKey("a"), Value: []byte("1")},
		{Key: jmt.StateKey("b"), Value: []byte("2")},
		{Key: jmt.StateKey("c"), Value: []byte("3")},
	}, 0)

	chunk, err := s.GetValueChunkWithProof(0, nil, 2)
	require.NoError(t, err)
	assert.Len(t, chunk.Values, 2)
	assert.False(t, chunk.Exhausted)
}
