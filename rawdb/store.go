package rawdb

import "errors"

// ErrNotFound is returned by Get and Has-adjacent lookups when a key is
// absent from a column family.
var ErrNotFound = errors.New("rawdb: key not found")

// ErrBatchAlreadyWritten is returned by Write when called a second time
// on the same batch.
var ErrBatchAlreadyWritten = errors.New("rawdb: batch already written")

// KVStore is the durable ordered map the rest of ledgerdb depends on.
// All mutation goes through a Batch so that a whole commit's writes
// land as one atomic unit.
type KVStore interface {
	// Get retrieves a value. Returns ErrNotFound if absent.
	Get(cf ColumnFamily, key []byte) ([]byte, error)
	// Has reports whether key is present in cf.
	Has(cf ColumnFamily, key []byte) (bool, error)
	// NewBatch returns an empty batch targeting this store.
	NewBatch() Batch
	// NewIterator returns an ascending iterator over cf restricted to
	// keys with the given prefix, seeked to start (or the prefix
	// itself if start is nil).
	NewIterator(cf ColumnFamily, prefix, start []byte) Iterator
	// NewReverseIterator returns a descending iterator over cf
	// restricted to keys with the given prefix, seeked at-or-before
	// upperBound (nil means "no bound", i.e. start from the last key
	// with the prefix).
	NewReverseIterator(cf ColumnFamily, prefix, upperBound []byte) Iterator
	// Checkpoint performs a physical, point-in-time copy of the store
	// to path and returns only once durable on disk.
	Checkpoint(path string) error
	// Close releases all resources held by the store.
	Close() error
}

// Batch buffers put/delete operations across column families for
// atomic application. A batch is single-use: Write may be called only
// once.
type Batch interface {
	Put(cf ColumnFamily, key, value []byte)
	Delete(cf ColumnFamily, key []byte)
	// Write applies every buffered operation atomically. Either all
	// column-family writes become visible, or none do.
	Write() error
	// Reset clears buffered operations so the batch object can be
	// reused for a fresh atomic unit.
	Reset()
	// Len returns the number of buffered operations.
	Len() int
	// ValueSize returns the total byte size of buffered keys+values,
	// for callers that chunk large sweeps by size.
	ValueSize() int
}

// Iterator walks key/value pairs in one direction over a single column
// family. Callers must call Release when done.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
}
