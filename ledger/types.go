// Package ledger composes the jellyfish-merkle-backed state store
// with the rest of a committed block's data — transactions, events,
// write-sets, ledger info — into the single atomic commit pipeline
// described by save_transactions, and serves the authenticated read
// surface clients query against, around an explicit, composable
// ChangeSet rather than an implicit state-db transaction.
package ledger

import (
	"github.com/jellyfish-labs/ledgerdb/jmt"
	"github.com/jellyfish-labs/ledgerdb/statestore"
)

// EventKey identifies a stream of events, e.g. "withdrawals from
// account A". Opaque bytes, like StateKey.
type EventKey []byte

// Event is one entry in an event stream.
type Event struct {
	Key            EventKey
	SequenceNumber uint64
	Version        jmt.Version
	Data           []byte
}

// WriteSet is every state write one transaction produced, expressed
// directly in terms of the state store's raw value updates.
type WriteSet []statestore.Update

// Transaction is the raw, opaque payload committed at one version,
// carried verbatim; its write-set and events are recorded alongside
// it, not inside it.
type Transaction struct {
	Version        jmt.Version
	SenderAccount  []byte
	SequenceNumber uint64
	Payload        []byte
}

// TransactionStatus reports whether a transaction executed
// successfully.
type TransactionStatus uint8

const (
	StatusExecuted TransactionStatus = iota
	StatusFailed
)

// TransactionInfo is the authenticated summary of one committed
// transaction: its own hash, the state root it produced (or reused,
// per the state-checkpoint rule), the root of its event subtree, and
// the gas it consumed. It is the leaf of the transaction accumulator.
type TransactionInfo struct {
	Version          jmt.Version
	TransactionHash  jmt.Hash
	StateRootHash    jmt.Hash
	EventRootHash    jmt.Hash
	GasUsed          uint64
	Status           TransactionStatus
}

// Hash returns the leaf hash TransactionInfo contributes to the
// transaction accumulator.
func (ti TransactionInfo) Hash() jmt.Hash {
	var statusByte [1]byte
	statusByte[0] = byte(ti.Status)
	var gasBuf [8]byte
	for i := 0; i < 8; i++ {
		gasBuf[i] = byte(ti.GasUsed >> uint(8*(7-i)))
	}
	return jmt.HashValue(ti.TransactionHash[:], ti.StateRootHash[:], ti.EventRootHash[:], gasBuf[:], statusByte[:])
}

// EpochState describes the validator set effective from the next
// epoch, carried on the last LedgerInfo of an epoch. Opaque beyond
// what proofs require; concrete entity payload encoding is left to
// callers.
type EpochState struct {
	Epoch   uint64
	Payload []byte
}

// LedgerInfo is the signed statement of the chain's state at one
// version: which version, which epoch, and the accumulator root that
// authenticates everything up to and including it.
type LedgerInfo struct {
	Version                  jmt.Version
	Epoch                    uint64
	TransactionAccumulatorHash jmt.Hash
	Timestamp                uint64
	NextEpochState           *EpochState
}

// LedgerInfoWithSignatures pairs a LedgerInfo with the raw signature
// payload the core treats opaquely (it never inspects validator
// signatures itself; that's consensus's job, a non-goal here).
type LedgerInfoWithSignatures struct {
	LedgerInfo LedgerInfo
	Signatures []byte
}

// TransactionToCommit is one unit of work handed to save_transactions:
// a transaction plus everything it produced.
type TransactionToCommit struct {
	Transaction     Transaction
	Info            TransactionInfo
	WriteSet        WriteSet
	Events          []Event
}
