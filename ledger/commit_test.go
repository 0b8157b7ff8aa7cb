package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

func newTestWriter(t *testing.T) (*Writer, *statestore.StateStore, rawdb.KVStore) {
	t.Helper()
	db := rawdb.NewMemoryStore()
	reg := metrics.NewRegistry("ledgerdb_test")
	state := statestore.New(db, log.Nop(), reg)
	w, err := NewWriter(db, state, log.Nop(), reg, make(chan jmt.Version, 1))
	require.NoError(t, err)
	return w, state, db
}

func txn(version jmt.Version, sender string, seq uint64, writes ...statestore.Update) TransactionToCommit {
	return TransactionToCommit{
		Transaction: Transaction{Version: version, SenderAccount: []byte(sender), SequenceNumber: seq, Payload: []byte("payload")},
		Info:        TransactionInfo{TransactionHash: jmt.HashValue([]byte(sender), encodeUint64(seq))},
		WriteSet:    WriteSet(writes),
	}
}

func TestSaveTransactionsGenesis(t *testing.T) {
	w, state, _ := newTestWriter(t)

	tx := txn(0, "alice", 0,
		statestore.Update{Key: jmt.StateKey("k1"), Value: []byte("v1")},
		statestore.Update{Key: jmt.StateKey("k2"), Value: []byte("v2")},
	)
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx}, 0, nil))

	v, ok := w.LatestVersion()
	require.True(t, ok)
	require.Equal(t, jmt.Version(0), v)

	count, err := state.GetLeafCount(0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	val, proof, err := state.GetValueWithProofByVersion(jmt.StateKey("k1"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
	root, err := state.GetRootHash(0)
	require.NoError(t, err)
	require.NoError(t, proof.Verify(root, jmt.StateKey("k1").Hash(), []byte("v1")))
}

func TestSaveTransactionsStateCheckpointReuse(t *testing.T) {
	w, state, _ := newTestWriter(t)

	tx0 := txn(0, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v0")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx0}, 0, nil))

	empty1 := txn(1, "a", 1)
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{empty1}, 1, nil))

	tx2 := txn(2, "a", 2, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v2")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx2}, 2, nil))

	cp0, err := state.ResolveCheckpointVersion(0)
	require.NoError(t, err)
	require.Equal(t, jmt.Version(0), cp0)

	cp1, err := state.ResolveCheckpointVersion(1)
	require.NoError(t, err)
	require.Equal(t, jmt.Version(0), cp1)

	cp2, err := state.ResolveCheckpointVersion(2)
	require.NoError(t, err)
	require.Equal(t, jmt.Version(2), cp2)
}

func TestNoRootWrittenForEmptyValueSet(t *testing.T) {
	w, _, db := newTestWriter(t)
	tx0 := txn(0, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v0")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx0}, 0, nil))
	empty1 := txn(1, "a", 1)
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{empty1}, 1, nil))

	_, err := db.Get(rawdb.CFJellyfishMerkleNode, jmt.NewRootNodeKey(1).Encode())
	require.ErrorIs(t, err, rawdb.ErrNotFound)
	_, err = db.Get(rawdb.CFJellyfishMerkleNode, jmt.NewRootNodeKey(0).Encode())
	require.NoError(t, err)
}

func TestSaveTransactionsRejectsNonContiguousVersion(t *testing.T) {
	w, _, _ := newTestWriter(t)
	tx := txn(5, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	err := w.SaveTransactions([]TransactionToCommit{tx}, 5, nil)
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, KindPrecondition, lerr.Kind)
}

func TestSaveTransactionsRejectsEmptyWithNoLedgerInfo(t *testing.T) {
	w, _, _ := newTestWriter(t)
	err := w.SaveTransactions(nil, 0, nil)
	require.Error(t, err)
}

func TestSaveTransactionsLedgerInfoMismatchLeavesStoreUnchanged(t *testing.T) {
	w, _, db := newTestWriter(t)
	tx := txn(0, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})

	bad := LedgerInfoWithSignatures{LedgerInfo: LedgerInfo{Version: 0, TransactionAccumulatorHash: jmt.HashValue([]byte("wrong"))}}
	err := w.SaveTransactions([]TransactionToCommit{tx}, 0, &bad)
	require.Error(t, err)

	_, ok := w.LatestVersion()
	require.False(t, ok)
	_, err = db.Get(rawdb.CFTransaction, rawdb.EncodeVersion(0))
	require.ErrorIs(t, err, rawdb.ErrNotFound)
}

func TestSaveTransactionsMonotonicVersion(t *testing.T) {
	w, _, _ := newTestWriter(t)
	batch := make([]TransactionToCommit, 0, 10)
	for i := uint64(0); i < 10; i++ {
		batch = append(batch, txn(jmt.Version(i), "a", i, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")}))
	}
	require.NoError(t, w.SaveTransactions(batch, 0, nil))
	v, ok := w.LatestVersion()
	require.True(t, ok)
	require.Equal(t, jmt.Version(9), v)
}

func TestDeleteGenesis(t *testing.T) {
	w, _, db := newTestWriter(t)
	tx := txn(0, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx}, 0, nil))
	tx1 := txn(1, "a", 1, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v1")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx1}, 1, nil))

	require.NoError(t, w.DeleteGenesis())

	_, err := db.Get(rawdb.CFTransaction, rawdb.EncodeVersion(0))
	require.ErrorIs(t, err, rawdb.ErrNotFound)

	_, err = db.Get(rawdb.CFJellyfishMerkleNode, jmt.NewRootNodeKey(0).Encode())
	require.ErrorIs(t, err, rawdb.ErrNotFound)

	_, err = db.Get(rawdb.CFTransaction, rawdb.EncodeVersion(1))
	require.NoError(t, err)
}
