// Package rawdb implements the durable ordered key/value layer the rest
// of ledgerdb treats as an external collaborator: a typed-column-family
// store with atomic multi-column batch writes, range scans, and a
// physical checkpoint operation. It follows a store/batch/iterator
// split and adds named column families, backing them onto a single
// pebble keyspace via prefixing since pebble itself has no native CF
// concept.
package rawdb

import "encoding/binary"

// ColumnFamily names the fixed set of logical tables the storage engine
// writes. The set and names are part of the on-disk contract and must
// never be renumbered once data exists on disk.
type ColumnFamily byte

const (
	CFLedgerInfo             ColumnFamily = iota // ledger-info
	CFEpochByVersion                             // epoch-by-version
	CFEventAccumulator                           // event-accumulator
	CFEventByKey                                 // event-by-key
	CFEventByVersion                              // event-by-version
	CFEvent                                      // event
	CFJellyfishMerkleNode                        // jellyfish-merkle-node
	CFLedgerCounters                             // ledger-counters
	CFStaleNodeIndex                             // stale-node-index
	CFStateValue                                 // state-value
	CFTransaction                                // transaction
	CFTransactionAccumulator                     // transaction-accumulator
	CFTransactionByAccount                       // transaction-by-account
	CFTransactionByHash                          // transaction-by-hash
	CFTransactionInfo                            // transaction-info
	CFWriteSet                                   // write-set

	cfCount
)

// Names gives every column family's on-disk name, in declaration order.
var Names = [cfCount]string{
	CFLedgerInfo:             "ledger-info",
	CFEpochByVersion:         "epoch-by-version",
	CFEventAccumulator:       "event-accumulator",
	CFEventByKey:             "event-by-key",
	CFEventByVersion:         "event-by-version",
	CFEvent:                  "event",
	CFJellyfishMerkleNode:    "jellyfish-merkle-node",
	CFLedgerCounters:         "ledger-counters",
	CFStaleNodeIndex:         "stale-node-index",
	CFStateValue:             "state-value",
	CFTransaction:            "transaction",
	CFTransactionAccumulator: "transaction-accumulator",
	CFTransactionByAccount:   "transaction-by-account",
	CFTransactionByHash:      "transaction-by-hash",
	CFTransactionInfo:        "transaction-info",
	CFWriteSet:               "write-set",
}

// AllColumnFamilies returns every registered column family, in a stable
// order, for callers that need to enumerate the schema.
func AllColumnFamilies() []ColumnFamily {
	cfs := make([]ColumnFamily, 0, cfCount)
	for cf := ColumnFamily(0); cf < cfCount; cf++ {
		cfs = append(cfs, cf)
	}
	return cfs
}

// EncodeVersion big-endian encodes a version so lexicographic key
// order matches numeric version order.
func EncodeVersion(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeVersion is the inverse of EncodeVersion.
func DecodeVersion(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
