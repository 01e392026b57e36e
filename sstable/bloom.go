// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import "github.com/cespare/xxhash/v2"

// Bloom filters are keyed on the user key without the epoch suffix, so one
// probe covers every version of a key. The filter encoding is the classic
// double-hashing scheme: a bit array followed by a single byte holding the
// probe count.

// BloomHash returns the filter hash for a user key.
func BloomHash(userKey []byte) uint64 {
	return xxhash.Sum64(userKey)
}

// buildBloomFilter constructs a filter over hashes with the given bits per
// key. A nil result means the filter is disabled.
func buildBloomFilter(hashes []uint64, bitsPerKey int) []byte {
	if bitsPerKey <= 0 || len(hashes) == 0 {
		return nil
	}
	// 0.69 =~ ln(2); clamp k to a sane probe count.
	k := uint32(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	nBits := len(hashes) * bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8
	filter := make([]byte, nBytes+1)
	for _, h := range hashes {
		delta := h>>33 | h<<31
		for j := uint32(0); j < k; j++ {
			bit := h % uint64(nBits)
			filter[bit/8] |= 1 << (bit % 8)
			h += delta
		}
	}
	filter[nBytes] = byte(k)
	return filter
}

// bloomMayContain probes filter for h. An empty filter matches everything.
func bloomMayContain(filter []byte, h uint64) bool {
	if len(filter) < 2 {
		return true
	}
	k := uint32(filter[len(filter)-1])
	if k > 30 {
		// Reserved for future encodings.
		return true
	}
	nBits := uint64((len(filter) - 1) * 8)
	delta := h>>33 | h<<31
	for j := uint32(0); j < k; j++ {
		bit := h % nBits
		if filter[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
