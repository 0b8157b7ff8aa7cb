package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/jellyfish-labs/ledgerdb/jmt"
)

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func versionIndexKey(version jmt.Version, index uint32) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint64(out[:8], uint64(version))
	binary.BigEndian.PutUint32(out[8:], index)
	return out
}

func eventByKeyKey(key EventKey, seq uint64) []byte {
	out := make([]byte, len(key)+8)
	copy(out, key)
	binary.BigEndian.PutUint64(out[len(key):], seq)
	return out
}

func accountSeqKey(account []byte, seq uint64) []byte {
	out := make([]byte, len(account)+8)
	copy(out, account)
	binary.BigEndian.PutUint64(out[len(account):], seq)
	return out
}

// encodeTransaction/decodeTransaction, encodeTransactionInfo/decode,
// encodeEvent/decode: flat length-prefixed encodings. The core treats
// transaction and event payloads as opaque bytes, leaving any concrete
// on-disk encoding of entity payloads beyond what proofs require up to
// callers, so these codecs only need to round-trip, not match any
// external wire format.

func putBytes(buf []byte, b []byte) []byte {
	buf = append(buf, encodeUint64(uint64(len(b)))...)
	return append(buf, b...)
}

func takeBytes(b []byte) (value, rest []byte, err error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("ledger: truncated length-prefixed field")
	}
	n := decodeUint64(b[:8])
	b = b[8:]
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("ledger: truncated length-prefixed field")
	}
	return b[:n], b[n:], nil
}

func encodeTransaction(t Transaction) []byte {
	var buf []byte
	buf = append(buf, encodeUint64(uint64(t.Version))...)
	buf = putBytes(buf, t.SenderAccount)
	buf = append(buf, encodeUint64(t.SequenceNumber)...)
	buf = putBytes(buf, t.Payload)
	return buf
}

func decodeTransaction(b []byte) (Transaction, error) {
	if len(b) < 8 {
		return Transaction{}, fmt.Errorf("ledger: truncated transaction")
	}
	version := jmt.Version(decodeUint64(b[:8]))
	b = b[8:]
	sender, b, err := takeBytes(b)
	if err != nil {
		return Transaction{}, err
	}
	if len(b) < 8 {
		return Transaction{}, fmt.Errorf("ledger: truncated transaction sequence number")
	}
	seq := decodeUint64(b[:8])
	b = b[8:]
	payload, _, err := takeBytes(b)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{Version: version, SenderAccount: append([]byte(nil), sender...), SequenceNumber: seq, Payload: append([]byte(nil), payload...)}, nil
}

func encodeTransactionInfo(ti TransactionInfo) []byte {
	var buf []byte
	buf = append(buf, encodeUint64(uint64(ti.Version))...)
	buf = append(buf, ti.TransactionHash[:]...)
	buf = append(buf, ti.StateRootHash[:]...)
	buf = append(buf, ti.EventRootHash[:]...)
	buf = append(buf, encodeUint64(ti.GasUsed)...)
	buf = append(buf, byte(ti.Status))
	return buf
}

func decodeTransactionInfo(b []byte) (TransactionInfo, error) {
	const want = 8 + 32*3 + 8 + 1
	if len(b) < want {
		return TransactionInfo{}, fmt.Errorf("ledger: truncated transaction info")
	}
	off := 0
	version := jmt.Version(decodeUint64(b[off : off+8]))
	off += 8
	txHash := jmt.HashFromBytes(b[off : off+32])
	off += 32
	stateRoot := jmt.HashFromBytes(b[off : off+32])
	off += 32
	eventRoot := jmt.HashFromBytes(b[off : off+32])
	off += 32
	gas := decodeUint64(b[off : off+8])
	off += 8
	status := TransactionStatus(b[off])
	return TransactionInfo{Version: version, TransactionHash: txHash, StateRootHash: stateRoot, EventRootHash: eventRoot, GasUsed: gas, Status: status}, nil
}

func encodeEvent(e Event) []byte {
	var buf []byte
	buf = putBytes(buf, e.Key)
	buf = append(buf, encodeUint64(e.SequenceNumber)...)
	buf = append(buf, encodeUint64(uint64(e.Version))...)
	buf = putBytes(buf, e.Data)
	return buf
}

func decodeEvent(b []byte) (Event, error) {
	key, b, err := takeBytes(b)
	if err != nil {
		return Event{}, err
	}
	if len(b) < 16 {
		return Event{}, fmt.Errorf("ledger: truncated event")
	}
	seq := decodeUint64(b[:8])
	version := jmt.Version(decodeUint64(b[8:16]))
	b = b[16:]
	data, _, err := takeBytes(b)
	if err != nil {
		return Event{}, err
	}
	return Event{Key: append(EventKey(nil), key...), SequenceNumber: seq, Version: version, Data: append([]byte(nil), data...)}, nil
}

func encodeLedgerInfo(li LedgerInfoWithSignatures) []byte {
	var buf []byte
	buf = append(buf, encodeUint64(uint64(li.LedgerInfo.Version))...)
	buf = append(buf, encodeUint64(li.LedgerInfo.Epoch)...)
	buf = append(buf, li.LedgerInfo.TransactionAccumulatorHash[:]...)
	buf = append(buf, encodeUint64(li.LedgerInfo.Timestamp)...)
	if li.LedgerInfo.NextEpochState != nil {
		buf = append(buf, 1)
		buf = append(buf, encodeUint64(li.LedgerInfo.NextEpochState.Epoch)...)
		buf = putBytes(buf, li.LedgerInfo.NextEpochState.Payload)
	} else {
		buf = append(buf, 0)
	}
	buf = putBytes(buf, li.Signatures)
	return buf
}

func decodeLedgerInfo(b []byte) (LedgerInfoWithSignatures, error) {
	const fixed = 8 + 8 + 32 + 8 + 1
	if len(b) < fixed {
		return LedgerInfoWithSignatures{}, fmt.Errorf("ledger: truncated ledger info")
	}
	off := 0
	version := jmt.Version(decodeUint64(b[off : off+8]))
	off += 8
	epoch := decodeUint64(b[off : off+8])
	off += 8
	accHash := jmt.HashFromBytes(b[off : off+32])
	off += 32
	ts := decodeUint64(b[off : off+8])
	off += 8
	hasNext := b[off] == 1
	off++

	var next *EpochState
	if hasNext {
		if len(b) < off+8 {
			return LedgerInfoWithSignatures{}, fmt.Errorf("ledger: truncated epoch state")
		}
		nextEpoch := decodeUint64(b[off : off+8])
		off += 8
		payload, rest, err := takeBytes(b[off:])
		if err != nil {
			return LedgerInfoWithSignatures{}, err
		}
		next = &EpochState{Epoch: nextEpoch, Payload: append([]byte(nil), payload...)}
		b = rest
		off = 0
	} else {
		b = b[off:]
		off = 0
	}
	sigs, _, err := takeBytes(b[off:])
	if err != nil {
		return LedgerInfoWithSignatures{}, err
	}
	return LedgerInfoWithSignatures{
		LedgerInfo: LedgerInfo{Version: version, Epoch: epoch, TransactionAccumulatorHash: accHash, Timestamp: ts, NextEpochState: next},
		Signatures: append([]byte(nil), sigs...),
	}, nil
}
