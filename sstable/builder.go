// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// Table layout:
//
//	data block 0 .. data block n-1
//	meta block (block index, bloom filter, key counts)
//	footer: uint64 meta offset, uint32 magic
//
// Every block, the meta block included, carries the compression marker and
// checksum trailer described in block.go.

const (
	footerLen  = 8 + 4
	tableMagic = 0x68756d6b // "humk"
)

type blockMeta struct {
	offset      uint64
	length      uint64
	smallestKey []byte
}

// BuildOutput is the materialized result of one sealed builder.
type BuildOutput struct {
	// Data is the complete encoded table.
	Data []byte
	Info manifest.SstableInfo
	// BloomFilterSize is the encoded filter length in bytes, exported for
	// metrics.
	BloomFilterSize int
}

// Builder accumulates an ascending run of epoch-stamped keys into one
// encoded sstable. Keys must be added in full-key order: user key ascending,
// epoch descending within a user key.
type Builder struct {
	opts     Options
	id       manifest.SstableID
	objectID uint64

	data  []byte
	block blockWriter
	metas []blockMeta

	bloomHashes []uint64
	lastUserKey []byte
	lastFullKey base.FullKey

	smallestKey []byte
	largestKey  []byte
	tableIDs    []base.TableID

	uncompressedSize uint64
	totalKeyCount    uint64
	staleKeyCount    uint64
}

// NewBuilder returns a builder for the table identified by (id, objectID).
func NewBuilder(id manifest.SstableID, objectID uint64, opts Options) *Builder {
	return &Builder{opts: opts.withDefaults(), id: id, objectID: objectID}
}

// ID returns the sstable id this builder was opened with.
func (b *Builder) ID() manifest.SstableID { return b.id }

// Add appends one key/value pair. Out-of-order keys are a caller bug.
func (b *Builder) Add(key base.FullKey, value base.Value) error {
	if b.totalKeyCount > 0 && b.lastFullKey.Compare(key) >= 0 {
		return errors.AssertionFailedf("key %s added out of order after %s", key, b.lastFullKey)
	}
	encoded := key.Encode(nil)
	if b.block.entries > 0 && b.block.estimatedSize() >= b.opts.BlockSize {
		b.finishBlock()
	}
	if b.block.entries == 0 {
		b.metas = append(b.metas, blockMeta{
			offset:      uint64(len(b.data)),
			smallestKey: encoded,
		})
	}
	b.block.add(encoded, base.EncodeValue(nil, value))

	if b.smallestKey == nil {
		b.smallestKey = encoded
	}
	b.largestKey = encoded

	if bytes.Equal(key.UserKey, b.lastUserKey) {
		// An older version of a user key already present in this table will
		// be dropped by a full compaction.
		b.staleKeyCount++
	} else {
		b.bloomHashes = append(b.bloomHashes, BloomHash(key.UserKey))
		b.lastUserKey = slices.Clone(key.UserKey)
		tableID := base.TableIDFromUserKey(key.UserKey)
		if n := len(b.tableIDs); n == 0 || b.tableIDs[n-1] != tableID {
			b.tableIDs = append(b.tableIDs, tableID)
		}
	}
	b.lastFullKey = base.FullKey{UserKey: b.lastUserKey, Epoch: key.Epoch}
	b.totalKeyCount++
	return nil
}

// Empty reports whether nothing has been added.
func (b *Builder) Empty() bool { return b.totalKeyCount == 0 }

// EstimatedSize returns the approximate encoded size so far, the finished
// blocks plus the in-progress one.
func (b *Builder) EstimatedSize() uint64 {
	return uint64(len(b.data)) + b.block.estimatedSize()
}

// ReachedCapacity reports whether the builder should be sealed. The check is
// made before an insert, so a table exceeds its capacity by at most one
// key/value pair.
func (b *Builder) ReachedCapacity() bool {
	return b.EstimatedSize() >= b.opts.Capacity
}

func (b *Builder) finishBlock() {
	b.uncompressedSize += b.block.estimatedSize()
	finished := compressAndChecksum(b.block.buf, b.opts.Compression)
	meta := &b.metas[len(b.metas)-1]
	meta.length = uint64(len(finished))
	b.data = append(b.data, finished...)
	b.block.reset()
}

// Finish encodes the meta block and footer and returns the completed table.
// Finishing an empty builder is a caller bug; the multi-builder never opens a
// builder it does not feed.
func (b *Builder) Finish() (BuildOutput, error) {
	if b.Empty() {
		return BuildOutput{}, errors.AssertionFailedf("finishing an empty sstable builder")
	}
	if b.block.entries > 0 {
		b.finishBlock()
	}

	filter := buildBloomFilter(b.bloomHashes, b.opts.BloomBitsPerKey)
	metaOffset := uint64(len(b.data))

	var meta []byte
	meta = binary.AppendUvarint(meta, uint64(len(b.metas)))
	for i := range b.metas {
		meta = binary.AppendUvarint(meta, b.metas[i].offset)
		meta = binary.AppendUvarint(meta, b.metas[i].length)
		meta = binary.AppendUvarint(meta, uint64(len(b.metas[i].smallestKey)))
		meta = append(meta, b.metas[i].smallestKey...)
	}
	meta = binary.AppendUvarint(meta, uint64(len(filter)))
	meta = append(meta, filter...)
	b.data = append(b.data, compressAndChecksum(meta, NoCompression)...)

	b.data = binary.LittleEndian.AppendUint64(b.data, metaOffset)
	b.data = binary.LittleEndian.AppendUint32(b.data, tableMagic)

	info := manifest.SstableInfo{
		ID:       b.id,
		ObjectID: b.objectID,
		KeyRange: manifest.KeyRange{
			Left:  b.smallestKey,
			Right: b.largestKey,
		},
		FileSize:         uint64(len(b.data)),
		UncompressedSize: b.uncompressedSize,
		TableIDs:         b.tableIDs,
		MetaOffset:       metaOffset,
		StaleKeyCount:    b.staleKeyCount,
		TotalKeyCount:    b.totalKeyCount,
	}
	if err := info.Validate(); err != nil {
		return BuildOutput{}, err
	}
	return BuildOutput{Data: b.data, Info: info, BloomFilterSize: len(filter)}, nil
}
