// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/hummockdb/hummock/internal/base"
)

// CompactionGroupID identifies a compaction group: an independently compacted
// partition of the key space owning a disjoint set of table ids.
type CompactionGroupID uint64

// SstableID identifies one sstable's metadata entry. Splitting an sstable's
// metadata allocates fresh ids while both halves keep pointing at the same
// physical object.
type SstableID uint64

// KeyRange is the range of encoded full keys covered by an sstable,
// [Left, Right] or [Left, Right) depending on RightExclusive.
type KeyRange struct {
	Left           []byte
	Right          []byte
	RightExclusive bool
}

// Compare orders key ranges by Left, then Right.
func (r KeyRange) Compare(other KeyRange) int {
	if c := bytes.Compare(r.Left, other.Left); c != 0 {
		return c
	}
	return bytes.Compare(r.Right, other.Right)
}

// OverlapsUserKeyRange reports whether any full key with a user key in
// [start, end] can fall inside r. An empty end means an unbounded right end.
func (r KeyRange) OverlapsUserKeyRange(start, end []byte) bool {
	// The epoch suffix only orders keys within one user key, so comparing
	// the user key prefixes is sufficient.
	if len(end) > 0 && bytes.Compare(end, userKeyOf(r.Left)) < 0 {
		return false
	}
	if len(start) > 0 && len(r.Right) > 0 {
		if c := bytes.Compare(start, userKeyOf(r.Right)); c > 0 || (c == 0 && r.RightExclusive) {
			return false
		}
	}
	return true
}

// userKeyOf strips the epoch suffix from an encoded full key.
func userKeyOf(fullKey []byte) []byte {
	if len(fullKey) < 8 {
		return fullKey
	}
	return fullKey[:len(fullKey)-8]
}

// SstableInfo describes one on-disk sorted table.
type SstableInfo struct {
	ID       SstableID
	ObjectID uint64
	KeyRange KeyRange
	// FileSize is the compressed on-disk byte size attributed to this
	// metadata entry. After a metadata-only split it is an estimate.
	FileSize         uint64
	UncompressedSize uint64
	// TableIDs lists, sorted ascending and deduplicated, the state tables
	// whose rows this sstable may contain.
	TableIDs      []base.TableID
	MetaOffset    uint64
	StaleKeyCount uint64
	TotalKeyCount uint64
}

// Clone returns a deep copy of s.
func (s *SstableInfo) Clone() SstableInfo {
	c := *s
	c.KeyRange.Left = slices.Clone(s.KeyRange.Left)
	c.KeyRange.Right = slices.Clone(s.KeyRange.Right)
	c.TableIDs = slices.Clone(s.TableIDs)
	return c
}

// Validate checks the structural invariants of s.
func (s *SstableInfo) Validate() error {
	if len(s.KeyRange.Right) > 0 && bytes.Compare(s.KeyRange.Left, s.KeyRange.Right) > 0 {
		return errors.AssertionFailedf("sstable %d: inverted key range", s.ID)
	}
	if !slices.IsSorted(s.TableIDs) {
		return errors.AssertionFailedf("sstable %d: table ids not sorted", s.ID)
	}
	for i := 1; i < len(s.TableIDs); i++ {
		if s.TableIDs[i] == s.TableIDs[i-1] {
			return errors.AssertionFailedf("sstable %d: duplicate table id %d", s.ID, s.TableIDs[i])
		}
	}
	return nil
}

// ContainsTable reports whether s may contain rows of tableID.
func (s *SstableInfo) ContainsTable(tableID base.TableID) bool {
	_, ok := slices.BinarySearch(s.TableIDs, tableID)
	return ok
}

// SafeFormat implements redact.SafeFormatter.
func (s *SstableInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d:[%x-%x)", redact.SafeUint(s.ID), s.KeyRange.Left, s.KeyRange.Right)
}

// String implements fmt.Stringer.
func (s *SstableInfo) String() string {
	return redact.StringWithoutMarkers(s)
}
