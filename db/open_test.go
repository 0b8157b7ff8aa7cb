package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/ledger"
	"github.com/jellyfish-labs/ledgerdb/pruner"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

func TestOpenCreatesDataDirAndLocksIt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")

	d, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer d.Close()

	_, err = Open(Config{Path: dir})
	require.Error(t, err)
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer d.Close()

	tx := ledger.TransactionToCommit{
		Transaction: ledger.Transaction{Version: 0, SenderAccount: []byte("a"), SequenceNumber: 0},
		Info:        ledger.TransactionInfo{TransactionHash: jmt.HashValue([]byte("a"), []byte{0})},
		WriteSet:    ledger.WriteSet{statestore.Update{Key: jmt.StateKey("k"), Value: []byte("v")}},
	}
	require.NoError(t, d.Writer.SaveTransactions([]ledger.TransactionToCommit{tx}, 0, nil))

	res, err := d.Reader.GetStateValue(jmt.StateKey("k"), 0, false)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), res.Value)
}

func TestOpenReadOnlyRejectsPrunerAndHasNoWriter(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open(Config{Path: dir, ReadOnly: true, Pruner: pruner.Config{Enabled: true, WindowSize: 10}})
	require.Error(t, err)

	ro, err := Open(Config{Path: dir, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	require.Nil(t, ro.Writer)
	require.NotNil(t, ro.Reader)
}
