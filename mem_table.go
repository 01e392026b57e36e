// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"bytes"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/zhangyunhao116/skipmap"
)

// memTable is the mutable accumulation point for one table's writes within a
// single epoch. It is a lock-free skip list keyed by encoded user key;
// freezing it produces the ImmutableBatch that enters the staging list.
type memTable struct {
	tableID base.TableID
	entries *skipmap.FuncMap[[]byte, base.Value]
	size    uint64
}

func newMemTable(tableID base.TableID) *memTable {
	return &memTable{
		tableID: tableID,
		entries: skipmap.NewFunc[[]byte, base.Value](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// set records a put or tombstone for an encoded user key. A later write of
// the same key within the epoch wins.
func (m *memTable) set(userKey []byte, value base.Value) {
	m.entries.Store(userKey, value)
	m.size += uint64(len(userKey) + value.EncodedLen())
}

// freeze drains the memtable into an immutable batch at epoch.
func (m *memTable) freeze(batchID uint64, epoch base.Epoch) *ImmutableBatch {
	pairs := make([]KVPair, 0, m.entries.Len())
	m.entries.Range(func(key []byte, value base.Value) bool {
		pairs = append(pairs, KVPair{Key: key, Value: value})
		return true
	})
	return &ImmutableBatch{
		BatchID: batchID,
		TableID: m.tableID,
		Epoch:   epoch,
		Pairs:   pairs,
		size:    m.size,
	}
}
