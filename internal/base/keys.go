// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// TableID identifies a state table. Every key written to the storage engine
// is prefixed with the id of the table that owns it, which keeps the key
// spaces of distinct tables disjoint and sorted by table id.
type TableID uint32

// VirtualNode identifies a hash partition of a table's key space. Keys carry
// a big-endian vnode directly after the table id prefix, so all keys of one
// vnode form a contiguous range.
type VirtualNode uint16

// VirtualNodeCount is the number of vnodes per table.
const VirtualNodeCount = 1 << 8

// Epoch is a monotonically increasing logical timestamp. A batch of writes
// committed together shares a single epoch, and reads are served as of an
// epoch snapshot.
type Epoch uint64

// EpochMin and EpochMax bound the valid epoch range.
const (
	EpochMin Epoch = 0
	EpochMax Epoch = 1<<64 - 1
)

const (
	tableIDLen = 4
	vnodeLen   = 2
	epochLen   = 8

	// UserKeyHeaderLen is the length of the table-id+vnode prefix carried by
	// every user key.
	UserKeyHeaderLen = tableIDLen + vnodeLen
)

// MakeUserKey returns the encoded user key for (tableID, vnode, suffix). The
// encoding is 4 bytes of big-endian table id, 2 bytes of big-endian vnode,
// followed by the raw key suffix. Byte-lexicographic order on the encoding
// therefore orders first by table, then vnode, then key.
func MakeUserKey(tableID TableID, vnode VirtualNode, suffix []byte) []byte {
	k := make([]byte, UserKeyHeaderLen+len(suffix))
	binary.BigEndian.PutUint32(k[0:tableIDLen], uint32(tableID))
	binary.BigEndian.PutUint16(k[tableIDLen:UserKeyHeaderLen], uint16(vnode))
	copy(k[UserKeyHeaderLen:], suffix)
	return k
}

// DecodeUserKey splits an encoded user key into its components.
func DecodeUserKey(userKey []byte) (TableID, VirtualNode, []byte, error) {
	if len(userKey) < UserKeyHeaderLen {
		return 0, 0, nil, errors.Errorf("hummock: short user key (%d bytes)", len(userKey))
	}
	tableID := TableID(binary.BigEndian.Uint32(userKey[0:tableIDLen]))
	vnode := VirtualNode(binary.BigEndian.Uint16(userKey[tableIDLen:UserKeyHeaderLen]))
	return tableID, vnode, userKey[UserKeyHeaderLen:], nil
}

// TableIDFromUserKey extracts the table id prefix of an encoded user key.
func TableIDFromUserKey(userKey []byte) TableID {
	return TableID(binary.BigEndian.Uint32(userKey[0:tableIDLen]))
}

// VNodeFromUserKey extracts the vnode of an encoded user key.
func VNodeFromUserKey(userKey []byte) VirtualNode {
	return VirtualNode(binary.BigEndian.Uint16(userKey[tableIDLen:UserKeyHeaderLen]))
}

// FullKey is a user key paired with the epoch at which the value was written.
type FullKey struct {
	UserKey []byte
	Epoch   Epoch
}

// MakeFullKey constructs a FullKey over the encoded form of
// (tableID, vnode, suffix).
func MakeFullKey(tableID TableID, vnode VirtualNode, suffix []byte, epoch Epoch) FullKey {
	return FullKey{UserKey: MakeUserKey(tableID, vnode, suffix), Epoch: epoch}
}

// Encode appends the encoded full key to dst and returns the result. The
// epoch is stored complemented in big-endian order, so byte-lexicographic
// comparison of encodings orders by user key ascending and then by epoch
// descending, matching FullKey.Compare. Range boundary math (split keys,
// sstable key ranges) relies on this: a boundary key carrying EpochMax
// encodes with an all-zero suffix and sorts before every entry at or beyond
// its user key.
func (k FullKey) Encode(dst []byte) []byte {
	dst = append(dst, k.UserKey...)
	var buf [epochLen]byte
	binary.BigEndian.PutUint64(buf[:], ^uint64(k.Epoch))
	return append(dst, buf[:]...)
}

// DecodeFullKey decodes an encoded full key. The returned UserKey aliases
// encoded.
func DecodeFullKey(encoded []byte) (FullKey, error) {
	if len(encoded) < UserKeyHeaderLen+epochLen {
		return FullKey{}, errors.Errorf("hummock: short full key (%d bytes)", len(encoded))
	}
	n := len(encoded) - epochLen
	return FullKey{
		UserKey: encoded[:n],
		Epoch:   Epoch(^binary.BigEndian.Uint64(encoded[n:])),
	}, nil
}

// CompareEncodedFullKeys orders two encoded full keys by user key ascending,
// then epoch descending (newest first).
func CompareEncodedFullKeys(a, b []byte) int {
	ka, err := DecodeFullKey(a)
	if err != nil {
		panic(err)
	}
	kb, err := DecodeFullKey(b)
	if err != nil {
		panic(err)
	}
	return ka.Compare(kb)
}

// Compare orders full keys by user key ascending, then epoch descending.
func (k FullKey) Compare(other FullKey) int {
	if c := bytes.Compare(k.UserKey, other.UserKey); c != 0 {
		return c
	}
	switch {
	case k.Epoch > other.Epoch:
		return -1
	case k.Epoch < other.Epoch:
		return 1
	}
	return 0
}

// String implements fmt.Stringer.
func (k FullKey) String() string {
	return fmt.Sprintf("%x#%d", k.UserKey, k.Epoch)
}
