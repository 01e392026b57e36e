// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package sstable implements the on-disk sorted table format and the
// capacity-bounded multi-builder that turns an unbounded key-ordered write
// stream into uploadable sstables.
package sstable

// Compression is the per-block compression algorithm.
type Compression uint8

const (
	// NoCompression stores blocks verbatim.
	NoCompression Compression = iota
	// SnappyCompression is the default.
	SnappyCompression
	// ZstdCompression trades cpu for a better ratio on cold levels.
	ZstdCompression
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	default:
		return "unknown"
	}
}

// Options holds the knobs for building one sstable.
type Options struct {
	// Capacity is the target byte size of a finished sstable. A builder may
	// exceed it by at most one key/value pair since the capacity check happens
	// before an insert, not after.
	Capacity uint64
	// BlockSize is the uncompressed target size of a data block.
	BlockSize uint64
	// BloomBitsPerKey sizes the bloom filter. Zero disables it.
	BloomBitsPerKey int
	Compression     Compression
}

// DefaultOptions mirror the write path defaults.
func DefaultOptions() Options {
	return Options{
		Capacity:        32 << 20,
		BlockSize:       64 << 10,
		BloomBitsPerKey: 10,
		Compression:     SnappyCompression,
	}
}

func (o Options) withDefaults() Options {
	if o.Capacity == 0 {
		o.Capacity = DefaultOptions().Capacity
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultOptions().BlockSize
	}
	return o
}
