package rawdb

import (
	"github.com/cockroachdb/pebble"
)

// PebbleStore is the production KVStore backend: a single pebble LSM
// keyspace with column families implemented as a one-byte key prefix.
// Pebble has no native column-family concept (unlike RocksDB), so the
// fixed schema is folded into the keyspace via a byte prefix per
// column family.
type PebbleStore struct {
	db *pebble.DB
}

// PebbleOptions mirrors the subset of pebble.Options callers configure
// at open time.
type PebbleOptions struct {
	ReadOnly     bool
	MaxOpenFiles int
	// Secondary, when set, opens db as a secondary/follower instance of
	// the primary at this path.
	Secondary string
}

// OpenPebble opens (creating if absent, unless ReadOnly) a pebble store
// at path.
func OpenPebble(path string, opts PebbleOptions) (*PebbleStore, error) {
	popts := &pebble.Options{ReadOnly: opts.ReadOnly}
	if opts.MaxOpenFiles > 0 {
		popts.MaxOpenFiles = opts.MaxOpenFiles
	}
	var (
		db  *pebble.DB
		err error
	)
	if opts.Secondary != "" {
		// Secondary instances disable the file-count cap per pebble's
		// own requirement for follower opens.
		secOpts := *popts
		secOpts.MaxOpenFiles = 0
		db, err = pebble.OpenFollower(opts.Secondary, path, &secOpts)
	} else {
		db, err = pebble.Open(path, popts)
	}
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func cfKey(cf ColumnFamily, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(cf)
	copy(out[1:], key)
	return out
}

func (s *PebbleStore) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(cfKey(cf, key))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cp := append([]byte(nil), v...)
	_ = closer.Close()
	return cp, nil
}

func (s *PebbleStore) Has(cf ColumnFamily, key []byte) (bool, error) {
	_, closer, err := s.db.Get(cfKey(cf, key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

func (s *PebbleStore) NewBatch() Batch {
	return &pebbleBatch{db: s.db, b: s.db.NewBatch()}
}

// prefixUpperBound returns the smallest key that sorts strictly after
// every key with the given prefix (pebble's standard "prefix to range"
// idiom), or nil if the prefix is all 0xff (unbounded above).
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) NewIterator(cf ColumnFamily, prefix, start []byte) Iterator {
	fullPrefix := cfKey(cf, prefix)
	lower := fullPrefix
	if len(start) > 0 {
		lower = cfKey(cf, start)
	}
	upper := prefixUpperBound(fullPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return &errIterator{err: err}
	}
	return &pebbleForwardIterator{iter: iter, started: false}
}

func (s *PebbleStore) NewReverseIterator(cf ColumnFamily, prefix, upperBound []byte) Iterator {
	fullPrefix := cfKey(cf, prefix)
	upper := prefixUpperBound(fullPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: fullPrefix, UpperBound: upper})
	if err != nil {
		return &errIterator{err: err}
	}
	if len(upperBound) > 0 {
		seekKey := append(cfKey(cf, upperBound), 0xff)
		return &pebbleReverseIterator{iter: iter, seekKey: seekKey, started: false}
	}
	return &pebbleReverseIterator{iter: iter, started: false}
}

func (s *PebbleStore) Checkpoint(path string) error {
	return s.db.Checkpoint(path)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pebbleBatch struct {
	db      *pebble.DB
	b       *pebble.Batch
	size    int
	count   int
	written bool
}

func (b *pebbleBatch) Put(cf ColumnFamily, key, value []byte) {
	_ = b.b.Set(cfKey(cf, key), value, nil)
	b.size += len(key) + len(value)
	b.count++
}

func (b *pebbleBatch) Delete(cf ColumnFamily, key []byte) {
	_ = b.b.Delete(cfKey(cf, key), nil)
	b.size += len(key)
	b.count++
}

func (b *pebbleBatch) Write() error {
	if b.written {
		return ErrBatchAlreadyWritten
	}
	b.written = true
	return b.b.Commit(pebble.Sync)
}

func (b *pebbleBatch) Reset() {
	b.b.Reset()
	b.size = 0
	b.count = 0
	b.written = false
}

func (b *pebbleBatch) Len() int       { return b.count }
func (b *pebbleBatch) ValueSize() int { return b.size }

type pebbleForwardIterator struct {
	iter    *pebble.Iterator
	started bool
}

func (it *pebbleForwardIterator) Next() bool {
	if !it.started {
		it.started = true
		return it.iter.First()
	}
	return it.iter.Next()
}

func (it *pebbleForwardIterator) Key() []byte   { return stripCF(it.iter.Key()) }
func (it *pebbleForwardIterator) Value() []byte { return it.iter.Value() }
func (it *pebbleForwardIterator) Release()      { _ = it.iter.Close() }

type pebbleReverseIterator struct {
	iter    *pebble.Iterator
	seekKey []byte
	started bool
}

func (it *pebbleReverseIterator) Next() bool {
	if !it.started {
		it.started = true
		if it.seekKey != nil {
			return it.iter.SeekLT(it.seekKey)
		}
		return it.iter.Last()
	}
	return it.iter.Prev()
}

func (it *pebbleReverseIterator) Key() []byte   { return stripCF(it.iter.Key()) }
func (it *pebbleReverseIterator) Value() []byte { return it.iter.Value() }
func (it *pebbleReverseIterator) Release()      { _ = it.iter.Close() }

func stripCF(k []byte) []byte {
	if len(k) == 0 {
		return k
	}
	return k[1:]
}

// errIterator is returned when the pebble iterator itself fails to
// construct; Next always reports false so callers see an empty range
// rather than a panic.
type errIterator struct{ err error }

func (e *errIterator) Next() bool    { return false }
func (e *errIterator) Key() []byte   { return nil }
func (e *errIterator) Value() []byte { return nil }
func (e *errIterator) Release()      {}
