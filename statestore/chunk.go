package statestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/jellyfish-labs/ledgerdb/jmt"
)

// ValueChunk is one page of a state snapshot export: every live
// (key, value) pair whose key hash falls in (afterKeyHash, ...],
// ordered ascending, up to chunkSize entries, together with the range
// proof authenticating that the chunk is contiguous and that nothing
// between the previous chunk's end and this one's start was omitted.
type ValueChunk struct {
	Values []KeyPrefixValue
	Proof  *jmt.SparseMerkleRangeProof
	// Exhausted reports whether this chunk reached the end of the
	// tree (no further chunks are needed).
	Exhausted bool
}

// GetValueChunkWithProof returns up to chunkSize leaves strictly after
// afterKeyHash (nil for "from the very first key") as of version,
// walking the JMT's node-storage directly by key-hash order rather
// than through CFStateValue, since the tree is what defines canonical
// leaf order. Raw values are then looked up in CFStateValue for each
// key recovered from a leaf's back-pointer.
func (s *StateStore) GetValueChunkWithProof(version jmt.Version, afterKeyHash *jmt.Hash, chunkSize int) (*ValueChunk, error) {
	checkpoint, err := s.ResolveCheckpointVersion(version)
	if err != nil {
		return nil, err
	}

	leaves, err := s.scanLeavesAfter(checkpoint, afterKeyHash, chunkSize+1)
	if err != nil {
		return nil, err
	}

	exhausted := len(leaves) <= chunkSize
	if !exhausted {
		leaves = leaves[:chunkSize]
	}
	if len(leaves) == 0 {
		return &ValueChunk{Exhausted: true}, nil
	}

	rightmost := leaves[len(leaves)-1].KeyHash
	proof, err := s.tree.GetRangeProof(checkpoint, rightmost)
	if err != nil {
		return nil, err
	}

	values := make([]KeyPrefixValue, 0, len(leaves))
	for _, l := range leaves {
		raw, err := s.getRawValueAtOrBefore(l.Key, version)
		if err == ErrValueNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		values = append(values, KeyPrefixValue{Key: l.Key, Value: raw})
	}

	return &ValueChunk{Values: values, Proof: proof, Exhausted: exhausted}, nil
}

// scanLeavesAfter walks the tree's node storage in key-hash order,
// collecting up to limit leaves strictly after afterKeyHash. Depth-
// first traversal over the 16-way children visits leaves in
// ascending key-hash order because children are indexed by the
// nibble at the current depth.
func (s *StateStore) scanLeavesAfter(version jmt.Version, afterKeyHash *jmt.Hash, limit int) ([]*jmt.LeafNode, error) {
	reader := &treeReader{db: s.db}
	root, err := reader.GetNode(jmt.NewRootNodeKey(version))
	if err == jmt.ErrNodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*jmt.LeafNode
	var walk func(n jmt.Node, path jmt.NibblePath) error
	walk = func(n jmt.Node, path jmt.NibblePath) error {
		if len(out) >= limit {
			return nil
		}
		switch v := n.(type) {
		case *jmt.LeafNode:
			if afterKeyHash != nil && !keyHashGreater(v.KeyHash, *afterKeyHash) {
				return nil
			}
			out = append(out, v)
			return nil
		case *jmt.InternalNode:
			for i, c := range v.Children {
				if len(out) >= limit {
					return nil
				}
				if c == nil {
					continue
				}
				childKey := jmt.NodeKey{Version: c.Version, Path: path.Push(jmt.Nibble(i))}
				child, err := reader.GetNode(childKey)
				if err != nil {
					return err
				}
				if err := walk(child, childKey.Path); err != nil {
					return err
				}
			}
			return nil
		}
		return nil
	}
	if err := walk(root, jmt.EmptyNibblePath()); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeValuesCompressed flattens a chunk's (key, value) pairs into a
// length-prefixed buffer and zstd-compresses it, for handing to a
// peer during state sync without shipping the proof (which the
// receiver reconstructs trust-on-first-use against its own target
// root). The encoding does not round-trip Proof or Exhausted; callers
// that need those send them alongside out of band.
func (c *ValueChunk) EncodeValuesCompressed() ([]byte, error) {
	var raw bytes.Buffer
	if err := binary.Write(&raw, binary.BigEndian, uint32(len(c.Values))); err != nil {
		return nil, err
	}
	for _, kv := range c.Values {
		if err := writeLenPrefixed(&raw, kv.Key); err != nil {
			return nil, err
		}
		if err := writeLenPrefixed(&raw, kv.Value); err != nil {
			return nil, err
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("statestore: new zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw.Bytes(), nil), nil
}

// DecodeValuesCompressed is the inverse of EncodeValuesCompressed,
// populating Values on an otherwise-empty ValueChunk.
func DecodeValuesCompressed(compressed []byte) (*ValueChunk, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("statestore: new zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("statestore: zstd decompress chunk: %w", err)
	}

	r := bytes.NewReader(raw)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	values := make([]KeyPrefixValue, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		val, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		values = append(values, KeyPrefixValue{Key: jmt.StateKey(key), Value: val})
	}
	return &ValueChunk{Values: values}, nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func keyHashGreater(a, b jmt.Hash) bool {
	for i := 0; i < 32; i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
