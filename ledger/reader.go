package ledger

import (
	"fmt"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

// Reader serves every read the store supports against an arbitrary
// committed version. It shares the commit pipeline's in-memory
// latest-version/latest-ledger-info cache
// rather than duplicating it, since that cache is the only authority
// on "what has actually been acknowledged as committed".
type Reader struct {
	db     rawdb.KVStore
	state  *statestore.StateStore
	writer *Writer
	metr   *metrics.Registry
}

// NewReader constructs a Reader sharing writer's latest-version cache.
func NewReader(db rawdb.KVStore, state *statestore.StateStore, writer *Writer, reg *metrics.Registry) *Reader {
	return &Reader{db: db, state: state, writer: writer, metr: reg}
}

func checkLimit(limit int) error {
	if limit < 0 || limit > MaxLimit {
		return ErrTooManyRequested
	}
	return nil
}

// GetLatestVersion returns the highest version ever committed.
func (r *Reader) GetLatestVersion() (jmt.Version, error) {
	v, ok := r.writer.LatestVersion()
	if !ok {
		return 0, newErr(KindMissingData, "no version has ever been committed")
	}
	return v, nil
}

func (r *Reader) checkVersion(version jmt.Version) error {
	latest, err := r.GetLatestVersion()
	if err != nil {
		return err
	}
	if version > latest {
		return newErr(KindBadRequest, fmt.Sprintf("version %d greater than latest %d", version, latest))
	}
	return nil
}

// GetLatestLedgerInfo returns the most recently saved signed ledger
// info, if any has ever been written.
func (r *Reader) GetLatestLedgerInfo() (*LedgerInfoWithSignatures, error) {
	li, ok := r.writer.LatestLedgerInfo()
	if !ok {
		return nil, newErr(KindMissingData, "no ledger info has ever been saved")
	}
	return li, nil
}

// GetEpochEndingLedgerInfos returns every epoch-ending ledger info
// with epoch in [startEpoch, endEpoch), ascending, capped at limit
// entries; more reports whether the range held additional entries
// beyond the cap.
func (r *Reader) GetEpochEndingLedgerInfos(startEpoch, endEpoch uint64, limit int) (infos []LedgerInfoWithSignatures, more bool, err error) {
	if err := checkLimit(limit); err != nil {
		return nil, false, err
	}
	if endEpoch <= startEpoch {
		return nil, false, newErr(KindBadRequest, "empty epoch range")
	}
	it := r.db.NewIterator(rawdb.CFEpochByVersion, nil, rawdb.EncodeVersion(startEpoch))
	defer it.Release()
	for it.Next() {
		epoch := rawdb.DecodeVersion(it.Key())
		if epoch >= endEpoch {
			break
		}
		if len(infos) >= limit {
			more = true
			break
		}
		version := jmt.Version(rawdb.DecodeVersion(it.Value()))
		li, err := r.getLedgerInfoAt(version)
		if err != nil {
			return nil, false, err
		}
		infos = append(infos, *li)
	}
	return infos, more, nil
}

func (r *Reader) getLedgerInfoAt(version jmt.Version) (*LedgerInfoWithSignatures, error) {
	b, err := r.db.Get(rawdb.CFLedgerInfo, rawdb.EncodeVersion(uint64(version)))
	if err == rawdb.ErrNotFound {
		return nil, newErr(KindMissingData, fmt.Sprintf("no ledger info at version %d", version))
	}
	if err != nil {
		return nil, wrapErr(KindStorage, "read ledger info", err)
	}
	li, err := decodeLedgerInfo(b)
	if err != nil {
		return nil, wrapErr(KindStorage, "decode ledger info", err)
	}
	return &li, nil
}

// StateValueResult is one answer to GetStateValueWithProof.
type StateValueResult struct {
	Value []byte
	Proof *jmt.SparseMerkleProof
}

// GetStateValue returns the live value for key as of version (nil if
// absent/deleted), with proof if withProof is set.
func (r *Reader) GetStateValue(key jmt.StateKey, version jmt.Version, withProof bool) (*StateValueResult, error) {
	stop := r.metr.ObserveReader("get_state_value")
	defer stop()
	if err := r.checkVersion(version); err != nil {
		return nil, err
	}
	value, proof, err := r.state.GetValueWithProofByVersion(key, version)
	if err != nil {
		return nil, wrapErr(KindStorage, "get state value", err)
	}
	if !withProof {
		proof = nil
	}
	return &StateValueResult{Value: value, Proof: proof}, nil
}

// GetStateValuesByKeyPrefix returns every live value whose key begins
// with prefix, as of version.
func (r *Reader) GetStateValuesByKeyPrefix(prefix []byte, version jmt.Version) ([]statestore.KeyPrefixValue, error) {
	stop := r.metr.ObserveReader("get_state_values_by_key_prefix")
	defer stop()
	if err := r.checkVersion(version); err != nil {
		return nil, err
	}
	out, err := r.state.GetValuesByKeyPrefix(prefix, version)
	if err != nil {
		return nil, wrapErr(KindInconsistency, "key prefix scan", err)
	}
	return out, nil
}

// GetTransactionByVersion returns the transaction, its info, write-set
// and (if withEvents) events committed at version.
func (r *Reader) GetTransactionByVersion(version jmt.Version, withEvents bool) (*TransactionToCommit, error) {
	if err := r.checkVersion(version); err != nil {
		return nil, err
	}
	return r.loadTransaction(version, withEvents)
}

func (r *Reader) loadTransaction(version jmt.Version, withEvents bool) (*TransactionToCommit, error) {
	key := rawdb.EncodeVersion(uint64(version))
	txBytes, err := r.db.Get(rawdb.CFTransaction, key)
	if err == rawdb.ErrNotFound {
		return nil, newErr(KindMissingData, fmt.Sprintf("no transaction at version %d", version))
	}
	if err != nil {
		return nil, wrapErr(KindStorage, "read transaction", err)
	}
	tx, err := decodeTransaction(txBytes)
	if err != nil {
		return nil, wrapErr(KindStorage, "decode transaction", err)
	}

	infoBytes, err := r.db.Get(rawdb.CFTransactionInfo, key)
	if err == rawdb.ErrNotFound {
		return nil, newErr(KindMissingData, fmt.Sprintf("no transaction info at version %d", version))
	}
	if err != nil {
		return nil, wrapErr(KindStorage, "read transaction info", err)
	}
	info, err := decodeTransactionInfo(infoBytes)
	if err != nil {
		return nil, wrapErr(KindStorage, "decode transaction info", err)
	}

	wsBytes, err := r.db.Get(rawdb.CFWriteSet, key)
	if err != nil && err != rawdb.ErrNotFound {
		return nil, wrapErr(KindStorage, "read write set", err)
	}
	var ws WriteSet
	if err == nil {
		ws, err = decodeWriteSet(wsBytes)
		if err != nil {
			return nil, wrapErr(KindStorage, "decode write set", err)
		}
	}

	result := &TransactionToCommit{Transaction: tx, Info: info, WriteSet: ws}
	if withEvents {
		events, err := r.eventsAtVersion(version)
		if err != nil {
			return nil, err
		}
		result.Events = events
	}
	return result, nil
}

func decodeWriteSet(b []byte) (WriteSet, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("ledger: truncated write set")
	}
	n := decodeUint64(b[:8])
	b = b[8:]
	out := make(WriteSet, 0, n)
	for i := uint64(0); i < n; i++ {
		key, rest, err := takeBytes(b)
		if err != nil {
			return nil, err
		}
		b = rest
		if len(b) < 1 {
			return nil, fmt.Errorf("ledger: truncated write set entry")
		}
		deleted := b[0] == 1
		b = b[1:]
		value, rest, err := takeBytes(b)
		if err != nil {
			return nil, err
		}
		b = rest
		out = append(out, statestore.Update{Key: jmt.StateKey(key), Value: value, Deleted: deleted})
	}
	return out, nil
}

func (r *Reader) eventsAtVersion(version jmt.Version) ([]Event, error) {
	prefix := rawdb.EncodeVersion(uint64(version))
	it := r.db.NewIterator(rawdb.CFEventByVersion, prefix, nil)
	defer it.Release()
	var out []Event
	for it.Next() {
		e, err := decodeEvent(it.Value())
		if err != nil {
			return nil, wrapErr(KindStorage, "decode event", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// GetTransactionByHash finds the version a transaction with hash was
// committed at, then loads it like GetTransactionByVersion.
func (r *Reader) GetTransactionByHash(hash jmt.Hash, withEvents bool) (*TransactionToCommit, error) {
	b, err := r.db.Get(rawdb.CFTransactionByHash, hash[:])
	if err == rawdb.ErrNotFound {
		return nil, newErr(KindMissingData, "no transaction with that hash")
	}
	if err != nil {
		return nil, wrapErr(KindStorage, "read transaction-by-hash index", err)
	}
	version := jmt.Version(rawdb.DecodeVersion(b))
	return r.loadTransaction(version, withEvents)
}

// GetTransactionByAccountSequence finds the version a transaction from
// account at sequence seq was committed at, then loads it.
func (r *Reader) GetTransactionByAccountSequence(account []byte, seq uint64, withEvents bool) (*TransactionToCommit, error) {
	b, err := r.db.Get(rawdb.CFTransactionByAccount, accountSeqKey(account, seq))
	if err == rawdb.ErrNotFound {
		return nil, newErr(KindMissingData, "no transaction for that account sequence number")
	}
	if err != nil {
		return nil, wrapErr(KindStorage, "read transaction-by-account index", err)
	}
	version := jmt.Version(rawdb.DecodeVersion(b))
	return r.loadTransaction(version, withEvents)
}

// GetTransactions returns up to limit transactions starting at
// startVersion, ascending, each with its write-set and (if withEvents)
// events.
func (r *Reader) GetTransactions(startVersion jmt.Version, limit int, withEvents bool) ([]TransactionToCommit, error) {
	stop := r.metr.ObserveReader("get_transactions")
	defer stop()
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	latest, err := r.GetLatestVersion()
	if err != nil {
		return nil, err
	}
	out := make([]TransactionToCommit, 0, limit)
	for v := startVersion; v <= latest && len(out) < limit; v++ {
		t, err := r.loadTransaction(v, withEvents)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// GetWriteSets returns the decoded write-set for every version in the
// half-open range [startVersion, endVersion).
func (r *Reader) GetWriteSets(startVersion, endVersion jmt.Version) ([]WriteSet, error) {
	if endVersion <= startVersion {
		return nil, newErr(KindBadRequest, "empty version range")
	}
	if err := checkLimit(int(endVersion - startVersion)); err != nil {
		return nil, err
	}
	out := make([]WriteSet, 0, endVersion-startVersion)
	for v := startVersion; v < endVersion; v++ {
		b, err := r.db.Get(rawdb.CFWriteSet, rawdb.EncodeVersion(uint64(v)))
		if err == rawdb.ErrNotFound {
			out = append(out, nil)
			continue
		}
		if err != nil {
			return nil, wrapErr(KindStorage, "read write set", err)
		}
		ws, err := decodeWriteSet(b)
		if err != nil {
			return nil, wrapErr(KindStorage, "decode write set", err)
		}
		out = append(out, ws)
	}
	return out, nil
}

// EventOrder selects ascending or descending event iteration.
type EventOrder int

const (
	Ascending EventOrder = iota
	Descending
)

// MaxSequenceNumber is the descending-order sentinel meaning "start
// from whatever the latest sequence number actually is".
const MaxSequenceNumber = ^uint64(0)

// GetEvents returns up to limit events for key starting at
// startSeq, in the requested order. Descending with
// startSeq==MaxSequenceNumber resolves to the real latest sequence
// number first.
func (r *Reader) GetEvents(key EventKey, startSeq uint64, order EventOrder, limit int) ([]Event, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}

	if order == Ascending {
		it := r.db.NewIterator(rawdb.CFEventByKey, key, eventByKeyKey(key, startSeq))
		defer it.Release()
		var out []Event
		for it.Next() && len(out) < limit {
			e, err := r.resolveEventPointer(it.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}

	latestSeq, ok, err := r.latestEventSequence(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	upper := startSeq
	if upper == MaxSequenceNumber || upper > latestSeq {
		upper = latestSeq
	}

	it := r.db.NewReverseIterator(rawdb.CFEventByKey, key, eventByKeyKey(key, upper))
	defer it.Release()
	var out []Event
	for it.Next() && len(out) < limit {
		e, err := r.resolveEventPointer(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Reader) resolveEventPointer(pointer []byte) (Event, error) {
	b, err := r.db.Get(rawdb.CFEventByVersion, pointer)
	if err == rawdb.ErrNotFound {
		return Event{}, newErr(KindMissingData, "event pointer resolves to nothing")
	}
	if err != nil {
		return Event{}, wrapErr(KindStorage, "read event", err)
	}
	return decodeEvent(b)
}

func (r *Reader) latestEventSequence(key EventKey) (uint64, bool, error) {
	it := r.db.NewReverseIterator(rawdb.CFEventByKey, key, nil)
	defer it.Release()
	if !it.Next() {
		return 0, false, nil
	}
	full := it.Key()
	if len(full) < 8 {
		return 0, false, nil
	}
	return decodeUint64(full[len(full)-8:]), true, nil
}

// GetEventByVersionWithProof returns the bracketing pair (E_i, E_{i+1})
// for key around eventVersion: the latest event at or before
// eventVersion, and the earliest event strictly after it. Either may
// be absent (nil), which itself proves no event exists on that side.
func (r *Reader) GetEventByVersionWithProof(key EventKey, eventVersion jmt.Version) (before, after *Event, err error) {
	lowerPointer, ok, err := r.lastEventPointerAtOrBefore(key, eventVersion)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		e, err := r.resolveEventPointer(lowerPointer)
		if err != nil {
			return nil, nil, err
		}
		before = &e
	}

	upperPointer, ok, err := r.firstEventPointerAfter(key, eventVersion)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		e, err := r.resolveEventPointer(upperPointer)
		if err != nil {
			return nil, nil, err
		}
		after = &e
	}
	return before, after, nil
}

func (r *Reader) lastEventPointerAtOrBefore(key EventKey, version jmt.Version) ([]byte, bool, error) {
	it := r.db.NewReverseIterator(rawdb.CFEventByVersion, nil, versionIndexKey(version, ^uint32(0)))
	defer it.Release()
	for it.Next() {
		full := it.Key()
		if len(full) < 12 {
			continue
		}
		e, err := decodeEvent(it.Value())
		if err != nil {
			return nil, false, wrapErr(KindStorage, "decode event", err)
		}
		if string(e.Key) == string(key) {
			return full, true, nil
		}
	}
	return nil, false, nil
}

func (r *Reader) firstEventPointerAfter(key EventKey, version jmt.Version) ([]byte, bool, error) {
	it := r.db.NewIterator(rawdb.CFEventByVersion, nil, versionIndexKey(version+1, 0))
	defer it.Release()
	for it.Next() {
		e, err := decodeEvent(it.Value())
		if err != nil {
			return nil, false, wrapErr(KindStorage, "decode event", err)
		}
		if string(e.Key) == string(key) {
			return append([]byte(nil), it.Key()...), true, nil
		}
	}
	return nil, false, nil
}

// GetLatestStateCheckpointVersion returns the checkpoint version
// effective as of the latest committed version.
func (r *Reader) GetLatestStateCheckpointVersion() (jmt.Version, error) {
	latest, err := r.GetLatestVersion()
	if err != nil {
		return 0, err
	}
	return r.state.ResolveCheckpointVersion(latest)
}

// TreeState is the summary tree-state reads need: the root hash and
// leaf count at the checkpoint version effective as of version, plus
// the checkpoint version itself.
type TreeState struct {
	CheckpointVersion jmt.Version
	RootHash          jmt.Hash
	LeafCount         uint64
}

// GetTreeState returns the checkpoint state effective as of version.
func (r *Reader) GetTreeState(version jmt.Version) (*TreeState, error) {
	if err := r.checkVersion(version); err != nil {
		return nil, err
	}
	checkpoint, err := r.state.ResolveCheckpointVersion(version)
	if err != nil {
		return nil, wrapErr(KindStorage, "resolve checkpoint version", err)
	}
	root, err := r.state.GetRootHash(checkpoint)
	if err != nil {
		return nil, wrapErr(KindStorage, "get root hash", err)
	}
	count, err := r.state.GetLeafCount(checkpoint)
	if err != nil {
		return nil, wrapErr(KindStorage, "get leaf count", err)
	}
	return &TreeState{CheckpointVersion: checkpoint, RootHash: root, LeafCount: count}, nil
}

// GetValueChunkWithProof proxies to the state store, enforcing the
// version bound readers are held to.
func (r *Reader) GetValueChunkWithProof(version jmt.Version, afterKeyHash *jmt.Hash, chunkSize int) (*statestore.ValueChunk, error) {
	if err := r.checkVersion(version); err != nil {
		return nil, err
	}
	chunk, err := r.state.GetValueChunkWithProof(version, afterKeyHash, chunkSize)
	if err != nil {
		return nil, wrapErr(KindStorage, "get value chunk", err)
	}
	return chunk, nil
}

// AccumulatorConsistencyProof is the pair of frozen-subtree snapshots
// at two versions a client combines to prove the later accumulator is
// a strict extension of the earlier one.
type AccumulatorConsistencyProof struct {
	OldSubtrees FrozenSubtrees
	NewSubtrees FrozenSubtrees
}

// GetAccumulatorConsistencyProof returns the frozen subtree snapshots
// at oldVersion and newVersion. Verification (that NewSubtrees is a
// valid append-only extension of OldSubtrees) is the client's
// responsibility, using the same Append folding this package uses to
// build the accumulator; the core only has to hand back both
// snapshots faithfully.
func (r *Reader) GetAccumulatorConsistencyProof(oldVersion, newVersion jmt.Version) (*AccumulatorConsistencyProof, error) {
	if newVersion < oldVersion {
		return nil, newErr(KindBadRequest, "newVersion precedes oldVersion")
	}
	if err := r.checkVersion(newVersion); err != nil {
		return nil, err
	}
	oldSubtrees, err := loadTransactionAccumulator(r.db, oldVersion+1)
	if err != nil {
		return nil, err
	}
	newSubtrees, err := loadTransactionAccumulator(r.db, newVersion+1)
	if err != nil {
		return nil, err
	}
	return &AccumulatorConsistencyProof{OldSubtrees: oldSubtrees, NewSubtrees: newSubtrees}, nil
}

// StartupInfo is the minimal state restart/bootstrap code needs: the
// latest version, latest ledger info, and the checkpoint state as of
// that version.
type StartupInfo struct {
	LatestVersion    jmt.Version
	LatestLedgerInfo *LedgerInfoWithSignatures
	TreeState        *TreeState
}

// GetStartupInfo assembles StartupInfo, or nil if the store has never
// committed anything.
func (r *Reader) GetStartupInfo() (*StartupInfo, error) {
	version, ok := r.writer.LatestVersion()
	if !ok {
		return nil, nil
	}
	ledgerInfo, _ := r.writer.LatestLedgerInfo()
	ts, err := r.GetTreeState(version)
	if err != nil {
		return nil, err
	}
	return &StartupInfo{LatestVersion: version, LatestLedgerInfo: ledgerInfo, TreeState: ts}, nil
}

// Checkpoint performs a physical point-in-time copy of the store.
func (r *Reader) Checkpoint(path string) error {
	if err := r.db.Checkpoint(path); err != nil {
		return wrapErr(KindStorage, "create checkpoint", err)
	}
	return nil
}
