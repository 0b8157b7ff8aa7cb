package ledger

import (
	"fmt"
	"time"

	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/log"
	"github.com/jellyfish-labs/ledgerdb/metrics"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

// Writer owns the single write path into the store: save_transactions,
// plus the handful of maintenance writes (ledger-info overwrite,
// genesis deletion) that don't go through the transaction pipeline.
// The whole operation is expressed as one explicit ChangeSet rather
// than a chain of side-effecting calls.
type Writer struct {
	db    rawdb.KVStore
	state *statestore.StateStore
	log   *log.Logger
	metr  *metrics.Registry

	mu               chan struct{} // 1-buffered mutex; see lock/unlock
	latestVersion    jmt.Version
	hasLatestVersion bool
	latestLedgerInfo *LedgerInfoWithSignatures

	pruneWake chan jmt.Version
}

// NewWriter constructs a Writer over db, recovering its in-memory
// latest-version and latest-ledger-info cache from whatever is already
// durable. The writer's in-memory cursors are a cache of disk state,
// never its source of truth.
func NewWriter(db rawdb.KVStore, state *statestore.StateStore, logger *log.Logger, reg *metrics.Registry, pruneWake chan jmt.Version) (*Writer, error) {
	w := &Writer{
		db:        db,
		state:     state,
		log:       logger,
		metr:      reg,
		mu:        make(chan struct{}, 1),
		pruneWake: pruneWake,
	}
	w.mu <- struct{}{}

	if v, ok, err := latestTransactionVersion(db); err != nil {
		return nil, err
	} else if ok {
		w.latestVersion = v
		w.hasLatestVersion = true
	}
	if li, ok, err := latestLedgerInfo(db); err != nil {
		return nil, err
	} else if ok {
		w.latestLedgerInfo = li
	}
	return w, nil
}

func (w *Writer) lock()   { <-w.mu }
func (w *Writer) unlock() { w.mu <- struct{}{} }

func latestTransactionVersion(db rawdb.KVStore) (jmt.Version, bool, error) {
	it := db.NewReverseIterator(rawdb.CFTransactionInfo, nil, nil)
	defer it.Release()
	if !it.Next() {
		return 0, false, nil
	}
	return jmt.Version(rawdb.DecodeVersion(it.Key())), true, nil
}

func latestLedgerInfo(db rawdb.KVStore) (*LedgerInfoWithSignatures, bool, error) {
	it := db.NewReverseIterator(rawdb.CFLedgerInfo, nil, nil)
	defer it.Release()
	if !it.Next() {
		return nil, false, nil
	}
	li, err := decodeLedgerInfo(it.Value())
	if err != nil {
		return nil, false, wrapErr(KindStorage, "decode latest ledger info", err)
	}
	return &li, true, nil
}

// LatestVersion returns the highest version ever committed, and
// whether the store has committed anything at all.
func (w *Writer) LatestVersion() (jmt.Version, bool) {
	w.lock()
	defer w.unlock()
	return w.latestVersion, w.hasLatestVersion
}

// LatestLedgerInfo returns the most recently saved signed ledger info,
// if any.
func (w *Writer) LatestLedgerInfo() (*LedgerInfoWithSignatures, bool) {
	w.lock()
	defer w.unlock()
	if w.latestLedgerInfo == nil {
		return nil, false
	}
	cp := *w.latestLedgerInfo
	return &cp, true
}

// SaveTransactions is the commit pipeline: it takes a contiguous run
// of transactions starting at
// firstVersion, authenticates their state writes against the
// jellyfish-merkle tree, folds them into the transaction accumulator,
// optionally checks the result against a caller-supplied signed ledger
// info, and applies everything as one atomic batch. Either the whole
// batch becomes durable, or none of it does; the in-memory caches and
// the pruner wake-up only fire after the disk write succeeds.
func (w *Writer) SaveTransactions(batch []TransactionToCommit, firstVersion jmt.Version, ledgerInfo *LedgerInfoWithSignatures) error {
	start := time.Now()
	defer func() { w.metr.CommitLatency.Observe(time.Since(start).Seconds()) }()

	if len(batch) == 0 && ledgerInfo == nil {
		return newErr(KindPrecondition, "save_transactions requires a non-empty batch or a ledger info")
	}

	w.lock()
	defer w.unlock()

	if w.hasLatestVersion && firstVersion != w.latestVersion+1 {
		return newErr(KindPrecondition, fmt.Sprintf("firstVersion %d does not follow latest committed version %d", firstVersion, w.latestVersion))
	}
	if !w.hasLatestVersion && firstVersion != 0 {
		return newErr(KindPrecondition, fmt.Sprintf("firstVersion %d does not follow an empty store", firstVersion))
	}
	if ledgerInfo != nil {
		wantVersion := firstVersion
		if len(batch) > 0 {
			wantVersion = firstVersion + jmt.Version(len(batch)) - 1
		} else if w.hasLatestVersion {
			wantVersion = w.latestVersion
		} else {
			return newErr(KindPrecondition, "ledger info with no batch requires a prior committed version")
		}
		if ledgerInfo.LedgerInfo.Version != wantVersion {
			return newErr(KindPrecondition, fmt.Sprintf("ledger info version %d does not match commit version %d", ledgerInfo.LedgerInfo.Version, wantVersion))
		}
	}

	cs := NewChangeSet(w.db)

	valueSets := make([]statestore.ValueSet, len(batch))
	for i, t := range batch {
		valueSets[i] = statestore.ValueSet(t.WriteSet)
	}

	stateRoots, treeBatch, err := w.state.MerklizeValueSets(valueSets, firstVersion)
	if err != nil {
		return wrapErr(KindStorage, "merklize value sets", err)
	}
	w.state.PutValueSets(cs.Batch, valueSets, firstVersion)
	applyTreeUpdateBatch(cs, treeBatch)

	txAccumulator, err := loadTransactionAccumulator(w.db, firstVersion)
	if err != nil {
		return err
	}

	infos := make([]TransactionInfo, len(batch))
	leafHashes := make([]jmt.Hash, len(batch))
	for i, t := range batch {
		version := firstVersion + jmt.Version(i)
		info := t.Info
		info.Version = version
		info.StateRootHash = stateRoots[i]
		infos[i] = info
		leafHashes[i] = info.Hash()

		cs.Batch.Put(rawdb.CFTransaction, rawdb.EncodeVersion(uint64(version)), encodeTransaction(t.Transaction))
		cs.Batch.Put(rawdb.CFTransactionInfo, rawdb.EncodeVersion(uint64(version)), encodeTransactionInfo(info))
		cs.Batch.Put(rawdb.CFTransactionByHash, info.TransactionHash[:], rawdb.EncodeVersion(uint64(version)))
		cs.Batch.Put(rawdb.CFTransactionByAccount, accountSeqKey(t.Transaction.SenderAccount, t.Transaction.SequenceNumber), rawdb.EncodeVersion(uint64(version)))

		writeSetBytes, err := encodeWriteSet(t.WriteSet)
		if err != nil {
			return wrapErr(KindStorage, "encode write set", err)
		}
		cs.Batch.Put(rawdb.CFWriteSet, rawdb.EncodeVersion(uint64(version)), writeSetBytes)

		_, eventRoot, err := commitEventAccumulator(cs, version, t.Events)
		if err != nil {
			return err
		}
		if len(t.Events) > 0 && info.EventRootHash.IsZero() {
			info.EventRootHash = eventRoot
			infos[i] = info
			leafHashes[i] = info.Hash()
			cs.Batch.Put(rawdb.CFTransactionInfo, rawdb.EncodeVersion(uint64(version)), encodeTransactionInfo(info))
		}

		items, err := jmtLeafDelta(treeBatch, version)
		if err != nil {
			return err
		}
		cs.AddCounterDelta(version, CounterStateItems, items)
	}

	if len(batch) > 0 {
		for i, h := range leafHashes {
			txAccumulator = txAccumulator.Append([]jmt.Hash{h})
			cs.Batch.Put(rawdb.CFTransactionAccumulator, rawdb.EncodeVersion(uint64(firstVersion+jmt.Version(i))), txAccumulator.Encode())
		}
	}

	if ledgerInfo != nil {
		computedRoot := txAccumulator.RootHash()
		if computedRoot != ledgerInfo.LedgerInfo.TransactionAccumulatorHash {
			return newErr(KindInconsistency, "computed transaction accumulator root disagrees with supplied ledger info")
		}
		cs.Batch.Put(rawdb.CFLedgerInfo, rawdb.EncodeVersion(uint64(ledgerInfo.LedgerInfo.Version)), encodeLedgerInfo(*ledgerInfo))
		if ledgerInfo.LedgerInfo.NextEpochState != nil {
			cs.Batch.Put(rawdb.CFEpochByVersion, rawdb.EncodeVersion(ledgerInfo.LedgerInfo.Epoch), rawdb.EncodeVersion(uint64(ledgerInfo.LedgerInfo.Version)))
		}
	}

	if err := cs.Seal(); err != nil {
		return wrapErr(KindStorage, "seal change set", err)
	}
	if err := cs.Batch.Write(); err != nil {
		return wrapErr(KindStorage, "write change set", err)
	}

	if len(batch) > 0 {
		w.latestVersion = firstVersion + jmt.Version(len(batch)) - 1
		w.hasLatestVersion = true
		w.metr.CommittedTxns.Add(float64(len(batch)))
		w.metr.LatestVersion.Set(float64(w.latestVersion))
		if n, err := StateItemCountAt(w.db, w.latestVersion); err == nil {
			w.metr.StateItemCount.Set(float64(n))
		}
	}
	if ledgerInfo != nil {
		cp := *ledgerInfo
		w.latestLedgerInfo = &cp
		w.metr.LedgerVersion.Set(float64(ledgerInfo.LedgerInfo.Version))
		w.metr.NextBlockEpoch.Set(float64(ledgerInfo.LedgerInfo.Epoch))
	}

	if w.pruneWake != nil && w.hasLatestVersion {
		// Replace any undelivered version so the slot holds the newest.
		select {
		case <-w.pruneWake:
		default:
		}
		select {
		case w.pruneWake <- w.latestVersion:
		default:
		}
	}

	w.log.Infof("committed transactions", log.Fields{"first_version": firstVersion, "count": len(batch)})
	return nil
}

func applyTreeUpdateBatch(cs *ChangeSet, tb *jmt.TreeUpdateBatch) {
	for key, node := range tb.NodeBatch {
		buf, err := jmt.EncodeNode(node)
		if err != nil {
			continue
		}
		cs.Batch.Put(rawdb.CFJellyfishMerkleNode, key.Encode(), buf)
	}
	for _, stale := range tb.StaleNodeIndexBatch {
		k := append(rawdb.EncodeVersion(uint64(stale.StaleSinceVersion)), stale.NodeKey.Encode()...)
		cs.Batch.Put(rawdb.CFStaleNodeIndex, k, nil)
	}
}

func jmtLeafDelta(tb *jmt.TreeUpdateBatch, version jmt.Version) (int64, error) {
	stats, ok := tb.NodeStatsByVersion[version]
	if !ok {
		return 0, nil
	}
	return int64(stats.NewLeaves) - int64(stats.StaleLeaves), nil
}

func encodeWriteSet(ws WriteSet) ([]byte, error) {
	var buf []byte
	buf = append(buf, encodeUint64(uint64(len(ws)))...)
	for _, u := range ws {
		buf = putBytes(buf, u.Key)
		if u.Deleted {
			buf = append(buf, 1)
			buf = putBytes(buf, nil)
		} else {
			buf = append(buf, 0)
			buf = putBytes(buf, u.Value)
		}
	}
	return buf, nil
}

// loadTransactionAccumulator loads the frozen subtrees of the global
// transaction accumulator as of the version immediately preceding
// firstVersion, or an empty accumulator if firstVersion is 0.
func loadTransactionAccumulator(db rawdb.KVStore, firstVersion jmt.Version) (FrozenSubtrees, error) {
	if firstVersion == 0 {
		return nil, nil
	}
	upper := rawdb.EncodeVersion(uint64(firstVersion - 1))
	it := db.NewReverseIterator(rawdb.CFTransactionAccumulator, nil, upper)
	defer it.Release()
	if !it.Next() {
		return nil, nil
	}
	subtrees, err := DecodeFrozenSubtrees(it.Value())
	if err != nil {
		return nil, wrapErr(KindStorage, "decode transaction accumulator", err)
	}
	return subtrees, nil
}

// commitEventAccumulator builds the small per-transaction event
// accumulator over events, persists it under CFEventAccumulator keyed
// by version (so a later "event by version with proof" read can
// recompute a consistency proof without replaying every event), and
// writes the two secondary indices (CFEventByKey, CFEventByVersion)
// plus the compact per-event hash row (CFEvent) the accumulator is
// built from.
func commitEventAccumulator(cs *ChangeSet, version jmt.Version, events []Event) (FrozenSubtrees, jmt.Hash, error) {
	if len(events) == 0 {
		return nil, jmt.Hash{}, nil
	}

	leaves := make([]jmt.Hash, len(events))
	for i, e := range events {
		e.Version = version
		leaves[i] = jmt.HashValue(e.Key, encodeUint64(e.SequenceNumber), e.Data)

		cs.Batch.Put(rawdb.CFEventByKey, eventByKeyKey(e.Key, e.SequenceNumber), versionIndexKey(version, uint32(i)))
		cs.Batch.Put(rawdb.CFEventByVersion, versionIndexKey(version, uint32(i)), encodeEvent(e))
		cs.Batch.Put(rawdb.CFEvent, versionIndexKey(version, uint32(i)), leaves[i][:])
	}

	subtrees := FrozenSubtrees(nil).Append(leaves)
	cs.Batch.Put(rawdb.CFEventAccumulator, rawdb.EncodeVersion(uint64(version)), subtrees.Encode())
	return subtrees, subtrees.RootHash(), nil
}
