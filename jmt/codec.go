package jmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	tagLeaf     byte = 0
	tagInternal byte = 1
)

// EncodeNode serializes a node to the byte representation stored under
// its NodeKey in the jellyfish-merkle-node column family. The JMT has
// no RLP-compatible parent format to match, so it gets its own flat
// binary encoding.
func EncodeNode(n Node) ([]byte, error) {
	var buf bytes.Buffer
	switch v := n.(type) {
	case *LeafNode:
		buf.WriteByte(tagLeaf)
		buf.Write(v.KeyHash[:])
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Key)))
		buf.Write(lenBuf[:])
		buf.Write(v.Key)
		buf.Write(v.ValueHash[:])
		var verBuf [8]byte
		binary.BigEndian.PutUint64(verBuf[:], uint64(v.ValueVersion))
		buf.Write(verBuf[:])
	case *InternalNode:
		buf.WriteByte(tagInternal)
		var bitmap uint16
		for i, c := range v.Children {
			if c != nil {
				bitmap |= 1 << uint(i)
			}
		}
		var bmBuf [2]byte
		binary.BigEndian.PutUint16(bmBuf[:], bitmap)
		buf.Write(bmBuf[:])
		for _, c := range v.Children {
			if c == nil {
				continue
			}
			buf.Write(c.Hash[:])
			var verBuf [8]byte
			binary.BigEndian.PutUint64(verBuf[:], uint64(c.Version))
			buf.Write(verBuf[:])
			buf.WriteByte(byte(c.NodeType))
			var lcBuf [8]byte
			binary.BigEndian.PutUint64(lcBuf[:], c.LeafCount)
			buf.Write(lcBuf[:])
		}
	default:
		return nil, fmt.Errorf("jmt: unknown node type %T", n)
	}
	return buf.Bytes(), nil
}

// DecodeNode is the inverse of EncodeNode.
func DecodeNode(b []byte) (Node, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("jmt: empty node encoding")
	}
	switch b[0] {
	case tagLeaf:
		const minLen = 1 + 32 + 4 + 32 + 8
		if len(b) < minLen {
			return nil, fmt.Errorf("jmt: truncated leaf node encoding")
		}
		off := 1
		keyHash := HashFromBytes(b[off : off+32])
		off += 32
		keyLen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if len(b) < off+keyLen+32+8 {
			return nil, fmt.Errorf("jmt: truncated leaf node key")
		}
		key := append(StateKey(nil), b[off:off+keyLen]...)
		off += keyLen
		valueHash := HashFromBytes(b[off : off+32])
		off += 32
		version := Version(binary.BigEndian.Uint64(b[off : off+8]))
		return &LeafNode{KeyHash: keyHash, Key: key, ValueHash: valueHash, ValueVersion: version}, nil
	case tagInternal:
		if len(b) < 3 {
			return nil, fmt.Errorf("jmt: truncated internal node encoding")
		}
		bitmap := binary.BigEndian.Uint16(b[1:3])
		off := 3
		var children Children
		const childLen = 32 + 8 + 1 + 8
		for i := 0; i < 16; i++ {
			if bitmap&(1<<uint(i)) == 0 {
				continue
			}
			if len(b) < off+childLen {
				return nil, fmt.Errorf("jmt: truncated internal node child %d", i)
			}
			h := HashFromBytes(b[off : off+32])
			off += 32
			ver := Version(binary.BigEndian.Uint64(b[off : off+8]))
			off += 8
			nt := NodeType(b[off])
			off++
			lc := binary.BigEndian.Uint64(b[off : off+8])
			off += 8
			children[i] = &Child{Hash: h, Version: ver, NodeType: nt, LeafCount: lc}
		}
		return &InternalNode{Children: children}, nil
	default:
		return nil, fmt.Errorf("jmt: unknown node tag %d", b[0])
	}
}
