// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// A data block is a run of length-prefixed entries:
//
//	uvarint(len(key)) uvarint(len(value)) key value ...
//
// followed, after optional compression, by a one byte compression marker and
// an 8 byte little-endian xxhash64 checksum of everything before it.

const blockTrailerLen = 1 + 8

var errBlockChecksum = errors.New("sstable: block checksum mismatch")

type blockWriter struct {
	buf     []byte
	entries int
}

func (w *blockWriter) add(key []byte, value []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(key)))
	w.buf = binary.AppendUvarint(w.buf, uint64(len(value)))
	w.buf = append(w.buf, key...)
	w.buf = append(w.buf, value...)
	w.entries++
}

func (w *blockWriter) estimatedSize() uint64 { return uint64(len(w.buf)) }

func (w *blockWriter) reset() {
	w.buf = w.buf[:0]
	w.entries = 0
}

var zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
	e, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return e
})

var zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return d
})

// compressAndChecksum produces the on-disk form of a finished block. It falls
// back to storing the block uncompressed when compression does not shrink it.
func compressAndChecksum(raw []byte, c Compression) []byte {
	var out []byte
	marker := c
	switch c {
	case SnappyCompression:
		out = snappy.Encode(nil, raw)
	case ZstdCompression:
		out = zstdEncoder().EncodeAll(raw, nil)
	}
	if out == nil || len(out) >= len(raw) {
		out = append([]byte(nil), raw...)
		marker = NoCompression
	}
	out = append(out, byte(marker))
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
}

// decodeBlock verifies the checksum and decompresses the payload.
func decodeBlock(b []byte) ([]byte, error) {
	if len(b) < blockTrailerLen {
		return nil, errors.Wrap(errBlockChecksum, "short block")
	}
	payload, sumBytes := b[:len(b)-8], b[len(b)-8:]
	if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(sumBytes) {
		return nil, errBlockChecksum
	}
	raw := payload[:len(payload)-1]
	switch Compression(payload[len(payload)-1]) {
	case NoCompression:
		return raw, nil
	case SnappyCompression:
		return snappy.Decode(nil, raw)
	case ZstdCompression:
		return zstdDecoder().DecodeAll(raw, nil)
	default:
		return nil, errors.Newf("sstable: unknown block compression marker %d", payload[len(payload)-1])
	}
}

// blockIter iterates the entries of a decoded block in order.
type blockIter struct {
	data []byte
	off  int

	key   []byte
	value []byte
	err   error
}

func (i *blockIter) next() bool {
	if i.err != nil || i.off >= len(i.data) {
		return false
	}
	keyLen, n := binary.Uvarint(i.data[i.off:])
	if n <= 0 {
		i.err = errors.New("sstable: corrupt block entry")
		return false
	}
	i.off += n
	valLen, n := binary.Uvarint(i.data[i.off:])
	if n <= 0 {
		i.err = errors.New("sstable: corrupt block entry")
		return false
	}
	i.off += n
	if i.off+int(keyLen)+int(valLen) > len(i.data) {
		i.err = errors.New("sstable: truncated block entry")
		return false
	}
	i.key = i.data[i.off : i.off+int(keyLen)]
	i.off += int(keyLen)
	i.value = i.data[i.off : i.off+int(valLen)]
	i.off += int(valLen)
	return true
}
