package ledger

import (
	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/rawdb"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

// SaveLedgerInfos idempotently overwrites the ledger-info column with
// every entry in infos; re-saving the same version with the same
// content is a no-op in effect.
func (w *Writer) SaveLedgerInfos(infos []LedgerInfoWithSignatures) error {
	if len(infos) == 0 {
		return nil
	}
	w.lock()
	defer w.unlock()

	b := w.db.NewBatch()
	var latest *LedgerInfoWithSignatures
	for _, li := range infos {
		cp := li
		b.Put(rawdb.CFLedgerInfo, rawdb.EncodeVersion(uint64(li.LedgerInfo.Version)), encodeLedgerInfo(li))
		if li.LedgerInfo.NextEpochState != nil {
			b.Put(rawdb.CFEpochByVersion, rawdb.EncodeVersion(li.LedgerInfo.Epoch), rawdb.EncodeVersion(uint64(li.LedgerInfo.Version)))
		}
		if latest == nil || li.LedgerInfo.Version > latest.LedgerInfo.Version {
			latest = &cp
		}
	}
	if err := b.Write(); err != nil {
		return wrapErr(KindStorage, "write ledger infos", err)
	}
	if latest != nil && (w.latestLedgerInfo == nil || latest.LedgerInfo.Version > w.latestLedgerInfo.LedgerInfo.Version) {
		w.latestLedgerInfo = latest
	}
	return nil
}

// DeleteGenesis prunes the exact version range [0,1) from every
// per-column index: the root JMT node at version 0, its
// transaction/write-set/event rows and secondary indices, and the
// transaction-accumulator snapshot at version 0. State values written
// at version 0 are kept. Spec §6: "delete_genesis
// ... prunes the exact version range [0,1) through every per-column
// pruner."
func (w *Writer) DeleteGenesis() error {
	w.lock()
	defer w.unlock()

	b := w.db.NewBatch()
	version := jmt.Version(0)
	key := rawdb.EncodeVersion(0)

	if txBytes, err := w.db.Get(rawdb.CFTransaction, key); err == nil {
		if tx, err := decodeTransaction(txBytes); err == nil {
			b.Delete(rawdb.CFTransactionByAccount, accountSeqKey(tx.SenderAccount, tx.SequenceNumber))
		}
	}
	if infoBytes, err := w.db.Get(rawdb.CFTransactionInfo, key); err == nil {
		if info, err := decodeTransactionInfo(infoBytes); err == nil {
			b.Delete(rawdb.CFTransactionByHash, info.TransactionHash[:])
		}
	}

	b.Delete(rawdb.CFTransaction, key)
	b.Delete(rawdb.CFTransactionInfo, key)
	b.Delete(rawdb.CFWriteSet, key)
	b.Delete(rawdb.CFTransactionAccumulator, key)
	b.Delete(rawdb.CFEventAccumulator, key)
	b.Delete(rawdb.CFLedgerInfo, key)

	it := w.db.NewIterator(rawdb.CFEventByVersion, key, nil)
	for it.Next() {
		if len(it.Key()) < 8 || rawdb.DecodeVersion(it.Key()[:8]) != 0 {
			break
		}
		e, err := decodeEvent(it.Value())
		if err == nil {
			b.Delete(rawdb.CFEventByKey, eventByKeyKey(e.Key, e.SequenceNumber))
		}
		b.Delete(rawdb.CFEventByVersion, append([]byte(nil), it.Key()...))
	}
	it.Release()

	itState := w.db.NewIterator(rawdb.CFJellyfishMerkleNode, jmt.NewRootNodeKey(version).Encode(), nil)
	for itState.Next() {
		nk, err := jmt.DecodeNodeKey(itState.Key())
		if err != nil || nk.Version != version {
			break
		}
		b.Delete(rawdb.CFJellyfishMerkleNode, append([]byte(nil), itState.Key()...))
	}
	itState.Release()

	if err := b.Write(); err != nil {
		return wrapErr(KindStorage, "delete genesis", err)
	}
	return nil
}

// GetStateSnapshotReceiver returns a receiver that accepts leaf chunks
// in ascending key-hash order and incrementally reconstructs the JMT
// for version, verifying on completion that the resulting root equals
// expectedRootHash.
func (w *Writer) GetStateSnapshotReceiver(version jmt.Version, expectedRootHash jmt.Hash) *statestore.SnapshotReceiver {
	return w.state.NewSnapshotReceiver(version, expectedRootHash)
}

// FinalizeStateSnapshot completes a restore: it runs the receiver's
// Finish (which verifies the reconstructed root against the value
// supplied to GetStateSnapshotReceiver), stages
// confirm_or_save_frozen_subtrees for the transaction accumulator at
// version, and applies both as one atomic batch before making the
// version readable by the commit pipeline's in-memory cache. A
// verification failure anywhere leaves the store untouched.
func (w *Writer) FinalizeStateSnapshot(receiver *statestore.SnapshotReceiver, version jmt.Version, subtrees FrozenSubtrees) error {
	w.lock()
	defer w.unlock()

	b := w.db.NewBatch()
	if err := receiver.Finish(b); err != nil {
		return wrapErr(KindInconsistency, "finish state snapshot", err)
	}

	existing, err := loadTransactionAccumulator(w.db, version+1)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.RootHash() != subtrees.RootHash() {
			return newErr(KindInconsistency, "frozen subtrees mismatch during restore finalize")
		}
	} else {
		b.Put(rawdb.CFTransactionAccumulator, rawdb.EncodeVersion(uint64(version)), subtrees.Encode())
	}

	if err := b.Write(); err != nil {
		return wrapErr(KindStorage, "finalize state snapshot", err)
	}
	if !w.hasLatestVersion || version > w.latestVersion {
		w.latestVersion = version
		w.hasLatestVersion = true
	}
	return nil
}
