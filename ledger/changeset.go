package ledger

import (
	"encoding/binary"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
)

// Counter names a per-version aggregate folded into CFLedgerCounters
// at seal time. Only StateItemCount is tracked today — the leaf count
// of the JMT as of that version — since it is the one counter readers
// need without walking the tree (tree-state, metrics export).
type Counter string

const CounterStateItems Counter = "state_items"

// ChangeSet is the in-memory accumulation of everything one call to
// save_transactions produces: every column-family write, plus
// per-version counter deltas that are only folded into concrete rows
// at Seal time. Nothing in here is visible outside the process until it is handed
// to rawdb as one atomic batch.
type ChangeSet struct {
	db    rawdb.KVStore
	Batch rawdb.Batch

	counterDeltas map[jmt.Version]map[Counter]int64
}

// NewChangeSet starts an empty change set backed by a fresh batch
// against db.
func NewChangeSet(db rawdb.KVStore) *ChangeSet {
	return &ChangeSet{
		db:            db,
		Batch:         db.NewBatch(),
		counterDeltas: make(map[jmt.Version]map[Counter]int64),
	}
}

// AddCounterDelta records that counter changed by delta as of version,
// to be folded against the prior snapshot when the change set seals.
func (cs *ChangeSet) AddCounterDelta(version jmt.Version, counter Counter, delta int64) {
	m, ok := cs.counterDeltas[version]
	if !ok {
		m = make(map[Counter]int64)
		cs.counterDeltas[version] = m
	}
	m[counter] += delta
}

func counterKey(version jmt.Version) []byte {
	return rawdb.EncodeVersion(uint64(version))
}

func encodeCounterRow(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeCounterRow(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Seal folds every accumulated counter delta into a concrete row per
// touched version, reading the previous snapshot exactly once per
// version (the commit pipeline is the sole writer of counters, so no
// other writer can race this read-modify-write). Must be called after
// every other write has been staged into cs.Batch and before Commit.
func (cs *ChangeSet) Seal() error {
	if len(cs.counterDeltas) == 0 {
		return nil
	}

	versions := make([]jmt.Version, 0, len(cs.counterDeltas))
	for v := range cs.counterDeltas {
		versions = append(versions, v)
	}
	sortVersions(versions)

	prevStateItems, err := loadLatestStateItemCount(cs.db, versions[0])
	if err != nil {
		return err
	}

	running := prevStateItems
	for _, v := range versions {
		running += uint64(cs.counterDeltas[v][CounterStateItems])
		cs.Batch.Put(rawdb.CFLedgerCounters, counterKey(v), encodeCounterRow(running))
	}
	return nil
}

func sortVersions(vs []jmt.Version) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1] > vs[j]; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}

// loadLatestStateItemCount finds the StateItemCount row at the
// greatest version strictly less than before.
func loadLatestStateItemCount(db rawdb.KVStore, before jmt.Version) (uint64, error) {
	if before == 0 {
		return 0, nil
	}
	upper := counterKey(before - 1)
	it := db.NewReverseIterator(rawdb.CFLedgerCounters, nil, upper)
	defer it.Release()
	if !it.Next() {
		return 0, nil
	}
	return decodeCounterRow(it.Value()), nil
}

// StateItemCountAt returns the JMT leaf count as of version, as
// tracked by the sealed counter row. If no row exists at exactly that
// version it returns the row of the greatest earlier version, or 0 if
// there is none.
func StateItemCountAt(db rawdb.KVStore, version jmt.Version) (uint64, error) {
	v, err := db.Get(rawdb.CFLedgerCounters, counterKey(version))
	if err == rawdb.ErrNotFound {
		return loadLatestStateItemCount(db, version+1)
	}
	if err != nil {
		return 0, err
	}
	return decodeCounterRow(v), nil
}
