// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

var errCorruptTable = errors.New("sstable: corrupt table")

// Reader provides point lookups and ordered iteration over one encoded
// table.
type Reader struct {
	data   []byte
	metas  []blockMeta
	filter []byte
}

// NewReader parses the footer and meta block of an encoded table.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < footerLen {
		return nil, errors.Wrap(errCorruptTable, "short table")
	}
	footer := data[len(data)-footerLen:]
	metaOffset := binary.LittleEndian.Uint64(footer[:8])
	if magic := binary.LittleEndian.Uint32(footer[8:]); magic != tableMagic {
		return nil, errors.Wrapf(errCorruptTable, "bad magic %#x", magic)
	}
	if metaOffset > uint64(len(data)-footerLen) {
		return nil, errors.Wrap(errCorruptTable, "meta offset out of range")
	}
	meta, err := decodeBlock(data[metaOffset : len(data)-footerLen])
	if err != nil {
		return nil, err
	}

	r := &Reader{data: data}
	d := meta
	readUvarint := func() uint64 {
		v, n := binary.Uvarint(d)
		if n <= 0 {
			err = errors.Wrap(errCorruptTable, "truncated meta block")
			return 0
		}
		d = d[n:]
		return v
	}
	nBlocks := readUvarint()
	for i := uint64(0); i < nBlocks && err == nil; i++ {
		m := blockMeta{offset: readUvarint(), length: readUvarint()}
		keyLen := readUvarint()
		if err == nil && uint64(len(d)) >= keyLen {
			m.smallestKey = d[:keyLen]
			d = d[keyLen:]
			r.metas = append(r.metas, m)
		} else if err == nil {
			err = errors.Wrap(errCorruptTable, "truncated block index")
		}
	}
	if err != nil {
		return nil, err
	}
	filterLen := readUvarint()
	if err != nil || uint64(len(d)) < filterLen {
		return nil, errors.Wrap(errCorruptTable, "truncated bloom filter")
	}
	r.filter = d[:filterLen]
	return r, nil
}

// MayContain probes the bloom filter for a user key. A false result is
// definitive.
func (r *Reader) MayContain(userKey []byte) bool {
	return bloomMayContain(r.filter, BloomHash(userKey))
}

func (r *Reader) loadBlock(i int) (*blockIter, error) {
	m := r.metas[i]
	if m.offset+m.length > uint64(len(r.data)) {
		return nil, errors.Wrap(errCorruptTable, "block extent out of range")
	}
	raw, err := decodeBlock(r.data[m.offset : m.offset+m.length])
	if err != nil {
		return nil, err
	}
	return &blockIter{data: raw}, nil
}

// Get returns the newest value for userKey visible at epoch. The second
// return is false if the table holds no visible version of the key.
func (r *Reader) Get(userKey []byte, epoch base.Epoch) (base.Value, bool, error) {
	if !r.MayContain(userKey) {
		return base.Value{}, false, nil
	}
	target := base.FullKey{UserKey: userKey, Epoch: epoch}.Encode(nil)
	// The first block that could hold the newest visible version is the last
	// one whose smallest key is at or before the target.
	start := sort.Search(len(r.metas), func(i int) bool {
		return base.CompareEncodedFullKeys(r.metas[i].smallestKey, target) > 0
	})
	if start > 0 {
		start--
	}
	for bi := start; bi < len(r.metas); bi++ {
		it, err := r.loadBlock(bi)
		if err != nil {
			return base.Value{}, false, err
		}
		for it.next() {
			fk, err := base.DecodeFullKey(it.key)
			if err != nil {
				return base.Value{}, false, err
			}
			if c := bytes.Compare(fk.UserKey, userKey); c < 0 {
				continue
			} else if c > 0 {
				return base.Value{}, false, it.err
			}
			if fk.Epoch > epoch {
				continue
			}
			v, err := base.DecodeValue(it.value)
			return v, err == nil, err
		}
		if it.err != nil {
			return base.Value{}, false, it.err
		}
	}
	return base.Value{}, false, nil
}

// Iterator yields every entry of the table in full-key order.
type Iterator struct {
	r        *Reader
	blockIdx int
	block    *blockIter

	key   base.FullKey
	value base.Value
	err   error
}

// NewIter returns an iterator positioned before the first entry.
func (r *Reader) NewIter() *Iterator {
	return &Iterator{r: r}
}

// Next advances to the next entry, returning false at the end or on error.
func (i *Iterator) Next() bool {
	for {
		if i.err != nil {
			return false
		}
		if i.block == nil {
			if i.blockIdx >= len(i.r.metas) {
				return false
			}
			i.block, i.err = i.r.loadBlock(i.blockIdx)
			if i.err != nil {
				return false
			}
			i.blockIdx++
		}
		if !i.block.next() {
			i.err = i.block.err
			i.block = nil
			continue
		}
		i.key, i.err = base.DecodeFullKey(i.block.key)
		if i.err != nil {
			return false
		}
		i.value, i.err = base.DecodeValue(i.block.value)
		return i.err == nil
	}
}

// Key returns the current entry's key. Valid after a true Next.
func (i *Iterator) Key() base.FullKey { return i.key }

// Value returns the current entry's value. Valid after a true Next.
func (i *Iterator) Value() base.Value { return i.value }

// Error returns the first error encountered while iterating.
func (i *Iterator) Error() error { return i.err }
