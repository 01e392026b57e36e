// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/redact"
	"github.com/hummockdb/hummock/internal/base"
)

// LevelType describes how sstables within a level may relate to each other.
type LevelType uint8

const (
	// LevelTypeNonOverlapping levels hold a single sorted run: the key ranges
	// of consecutive sstables never intersect (the can-concat invariant).
	LevelTypeNonOverlapping LevelType = iota
	// LevelTypeOverlapping levels (the L0 sub-levels) permit intersecting key
	// ranges and are ordered by insertion instead.
	LevelTypeOverlapping
)

// String implements fmt.Stringer.
func (t LevelType) String() string {
	if t == LevelTypeOverlapping {
		return "overlapping"
	}
	return "non-overlapping"
}

// Level is one tier of a compaction group's LSM structure.
type Level struct {
	// LevelIdx is 0 for L0 sub-levels and the level number otherwise.
	LevelIdx uint32
	Type     LevelType
	// SubLevelID orders L0 sub-levels by insertion. Zero for other levels.
	SubLevelID uint64
	Tables     []SstableInfo

	TotalFileSize        uint64
	UncompressedFileSize uint64
}

// recomputeSizes refreshes the aggregate byte sizes from Tables.
func (l *Level) recomputeSizes() {
	l.TotalFileSize = 0
	l.UncompressedFileSize = 0
	for i := range l.Tables {
		l.TotalFileSize += l.Tables[i].FileSize
		l.UncompressedFileSize += l.Tables[i].UncompressedSize
	}
}

// Clone returns a deep copy of l.
func (l *Level) Clone() Level {
	c := *l
	c.Tables = make([]SstableInfo, len(l.Tables))
	for i := range l.Tables {
		c.Tables[i] = l.Tables[i].Clone()
	}
	return c
}

// SafeFormat implements redact.SafeFormatter.
func (l *Level) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("L%d/%d(%s): %d tables, %d bytes",
		redact.SafeUint(l.LevelIdx), redact.SafeUint(l.SubLevelID),
		redact.SafeString(l.Type.String()), len(l.Tables), redact.SafeUint(l.TotalFileSize))
}

// String implements fmt.Stringer.
func (l *Level) String() string {
	return redact.StringWithoutMarkers(l)
}

// CanConcat reports whether tables form a single sorted, pairwise
// non-overlapping run, i.e. whether they can be treated as one logically
// concatenated sstable.
func CanConcat(tables []SstableInfo) bool {
	for i := 1; i < len(tables); i++ {
		prev, cur := &tables[i-1], &tables[i]
		if len(prev.KeyRange.Right) == 0 {
			return false
		}
		c := bytes.Compare(prev.KeyRange.Right, cur.KeyRange.Left)
		if c > 0 || (c == 0 && !prev.KeyRange.RightExclusive) {
			return false
		}
	}
	return true
}

// Levels is the full level structure of one compaction group.
type Levels struct {
	GroupID CompactionGroupID
	// L0 holds the overlapping tier's sub-levels, ordered by SubLevelID
	// ascending.
	L0 []Level
	// Levels holds L1 and deeper, each a non-overlapping run. Levels[i] is
	// level i+1.
	Levels []Level
	// MemberTableIDs is the sorted set of state tables assigned to this
	// group.
	MemberTableIDs []base.TableID
}

// NewLevels returns an empty level structure with levelCount non-overlapping
// levels below L0.
func NewLevels(groupID CompactionGroupID, levelCount int) *Levels {
	l := &Levels{GroupID: groupID, Levels: make([]Level, levelCount)}
	for i := range l.Levels {
		l.Levels[i] = Level{LevelIdx: uint32(i + 1), Type: LevelTypeNonOverlapping}
	}
	return l
}

// Clone returns a deep copy of l.
func (l *Levels) Clone() *Levels {
	c := &Levels{
		GroupID:        l.GroupID,
		L0:             make([]Level, len(l.L0)),
		Levels:         make([]Level, len(l.Levels)),
		MemberTableIDs: slices.Clone(l.MemberTableIDs),
	}
	for i := range l.L0 {
		c.L0[i] = l.L0[i].Clone()
	}
	for i := range l.Levels {
		c.Levels[i] = l.Levels[i].Clone()
	}
	return c
}

// MaxSubLevelID returns one past the largest L0 sub-level id, or zero if L0
// is empty.
func (l *Levels) MaxSubLevelID() uint64 {
	var m uint64
	for i := range l.L0 {
		if id := l.L0[i].SubLevelID + 1; id > m {
			m = id
		}
	}
	return m
}

// GetSubLevelInsertHint locates where a sub-level belongs within
// target ordered by SubLevelID ascending. It returns (idx, true) if a
// sub-level with the same id already exists at idx (the caller should extend
// it) and (idx, false) if a new sub-level should be inserted at idx.
func GetSubLevelInsertHint(target []Level, subLevelID uint64) (int, bool) {
	return slices.BinarySearchFunc(target, subLevelID, func(l Level, id uint64) int {
		switch {
		case l.SubLevelID < id:
			return -1
		case l.SubLevelID > id:
			return 1
		}
		return 0
	})
}

// InsertSubLevel adds tables to the sub-level with the given id, creating it
// with the given type if absent, keeping L0 ordered by SubLevelID.
func (l *Levels) InsertSubLevel(subLevelID uint64, typ LevelType, tables []SstableInfo) {
	idx, found := GetSubLevelInsertHint(l.L0, subLevelID)
	if found {
		sub := &l.L0[idx]
		sub.Tables = append(sub.Tables, tables...)
		if sub.Type == LevelTypeNonOverlapping {
			slices.SortFunc(sub.Tables, func(a, b SstableInfo) int { return a.KeyRange.Compare(b.KeyRange) })
		}
		sub.recomputeSizes()
		return
	}
	sub := Level{LevelIdx: 0, Type: typ, SubLevelID: subLevelID, Tables: tables}
	sub.recomputeSizes()
	l.L0 = slices.Insert(l.L0, idx, sub)
}

// IsEmpty reports whether the group holds no sstables.
func (l *Levels) IsEmpty() bool {
	for i := range l.L0 {
		if len(l.L0[i].Tables) > 0 {
			return false
		}
	}
	for i := range l.Levels {
		if len(l.Levels[i].Tables) > 0 {
			return false
		}
	}
	return true
}
