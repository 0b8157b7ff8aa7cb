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

func newTestReader(t *testing.T) (*Reader, *Writer) {
	t.Helper()
	db := rawdb.NewMemoryStore()
	reg := metrics.NewRegistry("ledgerdb_reader_test")
	state := statestore.New(db, log.Nop(), reg)
	w, err := NewWriter(db, state, log.Nop(), reg, make(chan jmt.Version, 1))
	require.NoError(t, err)
	return NewReader(db, state, w, reg), w
}

func txnWithEvents(version jmt.Version, sender string, seq uint64, events []Event, writes ...statestore.Update) TransactionToCommit {
	t := txn(version, sender, seq, writes...)
	t.Events = events
	return t
}

func TestReaderGetTransactionByVersionAndHash(t *testing.T) {
	r, w := newTestReader(t)
	tx := txn(0, "alice", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx}, 0, nil))

	got, err := r.GetTransactionByVersion(0, false)
	require.NoError(t, err)
	require.Equal(t, tx.Transaction.SenderAccount, got.Transaction.SenderAccount)

	byHash, err := r.GetTransactionByHash(got.Info.TransactionHash, false)
	require.NoError(t, err)
	require.Equal(t, got.Transaction.SequenceNumber, byHash.Transaction.SequenceNumber)

	byAccount, err := r.GetTransactionByAccountSequence([]byte("alice"), 0, false)
	require.NoError(t, err)
	require.Equal(t, got.Info.TransactionHash, byAccount.Info.TransactionHash)
}

func TestReaderGetTransactionsRangeAndLimit(t *testing.T) {
	r, w := newTestReader(t)
	batch := make([]TransactionToCommit, 0, 10)
	for i := uint64(0); i < 10; i++ {
		batch = append(batch, txn(jmt.Version(i), "a", i, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")}))
	}
	require.NoError(t, w.SaveTransactions(batch, 0, nil))

	txs, err := r.GetTransactions(0, 5, false)
	require.NoError(t, err)
	require.Len(t, txs, 5)

	_, err = r.GetTransactions(0, MaxLimit+1, false)
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, KindBadRequest, lerr.Kind)
}

func TestReaderEventsAscendingAndDescending(t *testing.T) {
	r, w := newTestReader(t)
	key := EventKey("stream-a")
	events := []Event{
		{Key: key, SequenceNumber: 0, Data: []byte("e0")},
		{Key: key, SequenceNumber: 1, Data: []byte("e1")},
		{Key: key, SequenceNumber: 2, Data: []byte("e2")},
	}
	tx := txnWithEvents(0, "a", 0, events, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx}, 0, nil))

	asc, err := r.GetEvents(key, 0, Ascending, 10)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	require.Equal(t, uint64(0), asc[0].SequenceNumber)
	require.Equal(t, uint64(2), asc[2].SequenceNumber)

	desc, err := r.GetEvents(key, MaxSequenceNumber, Descending, 2)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	require.Equal(t, uint64(2), desc[0].SequenceNumber)
	require.Equal(t, uint64(1), desc[1].SequenceNumber)
}

func TestReaderGetEventByVersionWithProofBrackets(t *testing.T) {
	r, w := newTestReader(t)
	key := EventKey("stream-a")
	tx0 := txnWithEvents(0, "a", 0, []Event{{Key: key, SequenceNumber: 0, Data: []byte("e0")}}, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx0}, 0, nil))
	tx1 := txn(1, "a", 1, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v1")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx1}, 1, nil))
	tx2 := txnWithEvents(2, "a", 2, []Event{{Key: key, SequenceNumber: 1, Data: []byte("e1")}}, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v2")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx2}, 2, nil))

	before, after, err := r.GetEventByVersionWithProof(key, 1)
	require.NoError(t, err)
	require.NotNil(t, before)
	require.Equal(t, uint64(0), before.SequenceNumber)
	require.NotNil(t, after)
	require.Equal(t, uint64(1), after.SequenceNumber)
}

func TestReaderGetStateValueAndTreeState(t *testing.T) {
	r, w := newTestReader(t)
	tx := txn(0, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx}, 0, nil))

	res, err := r.GetStateValue(jmt.StateKey("k"), 0, true)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), res.Value)
	require.NotNil(t, res.Proof)

	ts, err := r.GetTreeState(0)
	require.NoError(t, err)
	require.Equal(t, jmt.Version(0), ts.CheckpointVersion)
	require.Equal(t, uint64(1), ts.LeafCount)
}

func TestReaderRejectsVersionAboveLatest(t *testing.T) {
	r, w := newTestReader(t)
	tx := txn(0, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx}, 0, nil))

	_, err := r.GetStateValue(jmt.StateKey("k"), 5, false)
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, KindBadRequest, lerr.Kind)
}

func TestReaderAccumulatorConsistencyProof(t *testing.T) {
	r, w := newTestReader(t)
	batch := make([]TransactionToCommit, 0, 5)
	for i := uint64(0); i < 5; i++ {
		batch = append(batch, txn(jmt.Version(i), "a", i, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")}))
	}
	require.NoError(t, w.SaveTransactions(batch, 0, nil))

	proof, err := r.GetAccumulatorConsistencyProof(1, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), proof.OldSubtrees.NumLeaves())
	require.Equal(t, uint64(4), proof.NewSubtrees.NumLeaves())
}

func TestReaderSaveLedgerInfosIdempotent(t *testing.T) {
	r, w := newTestReader(t)
	tx := txn(0, "a", 0, statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")})
	require.NoError(t, w.SaveTransactions([]TransactionToCommit{tx}, 0, nil))

	root, err := r.state.GetRootHash(0)
	require.NoError(t, err)

	li := LedgerInfoWithSignatures{LedgerInfo: LedgerInfo{Version: 0, Epoch: 1, TransactionAccumulatorHash: root}}
	require.NoError(t, w.SaveLedgerInfos([]LedgerInfoWithSignatures{li}))
	require.NoError(t, w.SaveLedgerInfos([]LedgerInfoWithSignatures{li}))

	latest, err := r.GetLatestLedgerInfo()
	require.NoError(t, err)
	require.Equal(t, jmt.Version(0), latest.LedgerInfo.Version)
}
