package pruner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/ledger"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

func commitVersion(t *testing.T, w *ledger.Writer, version jmt.Version, key, value string) {
	t.Helper()
	tx := ledger.TransactionToCommit{
		Transaction: ledger.Transaction{Version: version, SenderAccount: []byte("a"), SequenceNumber: uint64(version)},
		Info:        ledger.TransactionInfo{TransactionHash: jmt.HashValue([]byte("a"), []byte{byte(version)})},
		WriteSet:    ledger.WriteSet{statestore.Update{Key: jmt.StateKey(key), Value: []byte(value)}},
	}
	require.NoError(t, w.SaveTransactions([]ledger.TransactionToCommit{tx}, version, nil))
}

func TestPrunerReclaimsBelowWindow(t *testing.T) {
	db := rawdb.NewMemoryStore()
	reg := metrics.NewRegistry("ledgerdb_pruner_test")
	state := statestore.New(db, log.Nop(), reg)
	wake := make(chan jmt.Version, 1)
	w, err := ledger.NewWriter(db, state, log.Nop(), reg, wake)
	require.NoError(t, err)

	for v := jmt.Version(0); v < 10; v++ {
		commitVersion(t, w, v, "k", string(rune('a'+int(v))))
	}

	p := New(db, log.Nop(), reg, Config{Enabled: true, WindowSize: 3}, wake)
	go p.Run()
	defer p.Stop()

	select {
	case latest := <-wake:
		require.NoError(t, p.pruneTo(latest))
	case <-time.After(time.Second):
		t.Fatal("no wake-up observed")
	}

	require.Equal(t, jmt.Version(7), p.LeastReadableVersion())

	it := db.NewIterator(rawdb.CFStaleNodeIndex, nil, nil)
	count := 0
	for it.Next() {
		count++
	}
	it.Release()
	require.Less(t, count, 10)
}

func TestPrunerNoopBelowWindowSize(t *testing.T) {
	db := rawdb.NewMemoryStore()
	reg := metrics.NewRegistry("ledgerdb_pruner_test2")
	p := New(db, log.Nop(), reg, Config{Enabled: true, WindowSize: 100}, make(chan jmt.Version, 1))
	require.NoError(t, p.pruneTo(5))
	require.Equal(t, jmt.Version(0), p.LeastReadableVersion())
}
