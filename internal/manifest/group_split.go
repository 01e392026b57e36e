// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"fmt"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// Rebalancing table-to-group assignment splits a group's key space at a
// boundary key. Splits are metadata-only: an sstable straddling the boundary
// is split into two SstableInfo records pointing at the same physical
// object; the physical rewrite happens later through ordinary compaction.

// Vnode sentinels for BuildSplitKey.
const (
	// VNodeSplitToRight is the default boundary vnode: the named table's keys
	// from this vnode onward move to the right group.
	VNodeSplitToRight base.VirtualNode = 0
	// VNodeSplitToLeft requests that the named table stay entirely in the
	// left group. It is expressed by splitting at the next table id instead.
	VNodeSplitToLeft base.VirtualNode = 1<<16 - 1
)

// BuildSplitKey constructs the boundary key for splitting at
// (tableID, vnode): every key strictly below it belongs to the left group
// and every key at or above it to the right. The key carries EpochMax, which
// sorts before all entries at or beyond its user key in the byte encoding.
// The VNodeSplitToLeft sentinel is rewritten to (tableID+1, vnode 0).
func BuildSplitKey(tableID base.TableID, vnode base.VirtualNode) []byte {
	if vnode == VNodeSplitToLeft {
		tableID++
		vnode = VNodeSplitToRight
	}
	return base.MakeFullKey(tableID, vnode, nil, base.EpochMax).Encode(nil)
}

// SstSplitType classifies an sstable against a split key.
type SstSplitType uint8

const (
	// SplitTypeLeft means the sstable lies entirely below the split key.
	SplitTypeLeft SstSplitType = iota
	// SplitTypeRight means the sstable lies entirely at or above it.
	SplitTypeRight
	// SplitTypeBoth means the split key falls strictly inside the sstable's
	// range, requiring an actual split.
	SplitTypeBoth
)

// NeedToSplit compares sst's key range against splitKey.
func NeedToSplit(sst *SstableInfo, splitKey []byte) SstSplitType {
	if bytes.Compare(splitKey, sst.KeyRange.Left) <= 0 {
		return SplitTypeRight
	}
	if sst.KeyRange.RightExclusive {
		if bytes.Compare(splitKey, sst.KeyRange.Right) >= 0 {
			return SplitTypeLeft
		}
	} else if bytes.Compare(splitKey, sst.KeyRange.Right) > 0 {
		return SplitTypeLeft
	}
	return SplitTypeBoth
}

// SplitSst splits sst's metadata at splitKey. sst is rewritten in place to
// the left half, keeping its id, and the returned SstableInfo is the right
// half under a freshly minted id. Byte sizes are apportioned by the
// caller-supplied estimates; this layer does not measure the true
// distribution at the split key. nextID supplies and is advanced past the
// minted id.
func SplitSst(sst *SstableInfo, nextID *SstableID, splitKey []byte, leftSize, rightSize uint64) SstableInfo {
	branch := sst.Clone()
	branch.ID = *nextID
	*nextID++

	branch.KeyRange = KeyRange{
		Left:           slices.Clone(splitKey),
		Right:          sst.KeyRange.Right,
		RightExclusive: sst.KeyRange.RightExclusive,
	}
	sst.KeyRange = KeyRange{
		Left:           sst.KeyRange.Left,
		Right:          slices.Clone(splitKey),
		RightExclusive: true,
	}

	leftIDs, rightIDs := SplitTableIDs(sst.TableIDs, splitKey)
	sst.TableIDs = leftIDs
	branch.TableIDs = rightIDs
	sst.FileSize = leftSize
	branch.FileSize = rightSize
	sst.UncompressedSize /= 2
	branch.UncompressedSize -= sst.UncompressedSize
	return branch
}

// SplitTableIDs partitions the sorted table id list at the table id decoded
// from splitKey. Splitting must never divide a single table between two
// groups except at a vnode-0 boundary; any other boundary is a planning bug.
func SplitTableIDs(tableIDs []base.TableID, splitKey []byte) (left, right []base.TableID) {
	if !slices.IsSorted(tableIDs) {
		panic(errors.AssertionFailedf("table ids not sorted: %v", tableIDs))
	}
	fk, err := base.DecodeFullKey(splitKey)
	if err != nil {
		panic(errors.AssertionFailedf("undecodable split key: %v", err))
	}
	tableID := base.TableIDFromUserKey(fk.UserKey)
	if vnode := base.VNodeFromUserKey(fk.UserKey); vnode != VNodeSplitToRight {
		panic(errors.AssertionFailedf("split key not at a vnode-0 boundary: table %d vnode %d", tableID, vnode))
	}
	pos := sort.Search(len(tableIDs), func(i int) bool { return tableIDs[i] >= tableID })
	return slices.Clone(tableIDs[:pos]), slices.Clone(tableIDs[pos:])
}

// getSplitPos returns the index of the only sstable in a concatenated run
// that may straddle splitKey.
func getSplitPos(tables []SstableInfo, splitKey []byte) int {
	pos := sort.Search(len(tables), func(i int) bool {
		return bytes.Compare(tables[i].KeyRange.Left, splitKey) >= 0
	})
	if pos == 0 {
		return 0
	}
	return pos - 1
}

// SplitSstInfoForLevel moves the at-or-above-splitKey portion of level out,
// returning the removed (possibly split) sstables. For overlapping levels
// every sstable is classified individually; for non-overlapping levels the
// can-concat invariant guarantees at most one sstable straddles the
// boundary, located by a partition-point search.
func SplitSstInfoForLevel(level *Level, nextID *SstableID, splitKey []byte) []SstableInfo {
	if len(level.Tables) == 0 {
		return nil
	}
	if level.Type == LevelTypeOverlapping {
		var left, right []SstableInfo
		for i := range level.Tables {
			sst := &level.Tables[i]
			switch NeedToSplit(sst, splitKey) {
			case SplitTypeLeft:
				left = append(left, *sst)
			case SplitTypeRight:
				right = append(right, *sst)
			case SplitTypeBoth:
				estimated := sst.FileSize
				branch := SplitSst(sst, nextID, splitKey, estimated/2, estimated-estimated/2)
				right = append(right, branch)
				left = append(left, *sst)
			}
		}
		level.Tables = left
		level.recomputeSizes()
		return right
	}

	pos := getSplitPos(level.Tables, splitKey)
	var right []SstableInfo
	sst := &level.Tables[pos]
	switch NeedToSplit(sst, splitKey) {
	case SplitTypeLeft:
		right = append(right, level.Tables[pos+1:]...)
		level.Tables = level.Tables[:pos+1]
	case SplitTypeRight:
		right = append(right, level.Tables[pos:]...)
		level.Tables = level.Tables[:pos]
	case SplitTypeBoth:
		estimated := sst.FileSize
		branch := SplitSst(sst, nextID, splitKey, estimated/2, estimated-estimated/2)
		right = append(right, branch)
		right = append(right, level.Tables[pos+1:]...)
		level.Tables = level.Tables[:pos+1]
	}
	level.recomputeSizes()
	return right
}

// SplitLevels splits every level of left at splitKey, inserting the
// at-or-above portions into right at matching positions.
func SplitLevels(left, right *Levels, splitKey []byte, nextID *SstableID) {
	for i := range left.L0 {
		sub := &left.L0[i]
		if moved := SplitSstInfoForLevel(sub, nextID, splitKey); len(moved) > 0 {
			right.InsertSubLevel(sub.SubLevelID, sub.Type, moved)
		}
	}
	left.L0 = slices.DeleteFunc(left.L0, func(l Level) bool { return len(l.Tables) == 0 })
	for i := range left.Levels {
		level := &left.Levels[i]
		if moved := SplitSstInfoForLevel(level, nextID, splitKey); len(moved) > 0 {
			target := &right.Levels[i]
			target.Tables = append(target.Tables, moved...)
			slices.SortFunc(target.Tables, func(a, b SstableInfo) int { return a.KeyRange.Compare(b.KeyRange) })
			if !CanConcat(target.Tables) {
				panic(errors.AssertionFailedf("level %d violates can-concat after split", target.LevelIdx))
			}
			target.recomputeSizes()
		}
	}
}

// MergeLevels appends right's sub-levels to left's overlapping tier,
// renumbering sub-level ids to avoid collision, and concatenates each
// non-overlapping level. A can-concat violation after the merge is a
// planning bug upstream, not a recoverable condition.
func MergeLevels(left, right *Levels) {
	maxLeftSubLevelID := left.MaxSubLevelID()
	rewrite := maxLeftSubLevelID != 0
	for i := range right.L0 {
		sub := right.L0[i]
		if rewrite {
			sub.SubLevelID = maxLeftSubLevelID
			maxLeftSubLevelID++
		}
		left.InsertSubLevel(sub.SubLevelID, sub.Type, sub.Tables)
	}
	if !slices.IsSortedFunc(left.L0, func(a, b Level) int {
		switch {
		case a.SubLevelID < b.SubLevelID:
			return -1
		case a.SubLevelID > b.SubLevelID:
			return 1
		}
		return 0
	}) {
		panic(errors.AssertionFailedf("sub-levels out of order after merge: %s",
			fmt.Sprintf("%v", left.L0)))
	}

	for i := range right.Levels {
		if len(right.Levels[i].Tables) == 0 {
			continue
		}
		level := &left.Levels[i]
		level.Tables = append(level.Tables, right.Levels[i].Tables...)
		slices.SortFunc(level.Tables, func(a, b SstableInfo) int { return a.KeyRange.Compare(b.KeyRange) })
		if !CanConcat(level.Tables) {
			panic(errors.AssertionFailedf(
				"left group %d right group %d level %d violates can-concat after merge",
				left.GroupID, right.GroupID, level.LevelIdx))
		}
		level.recomputeSizes()
	}

	left.MemberTableIDs = append(left.MemberTableIDs, right.MemberTableIDs...)
	slices.Sort(left.MemberTableIDs)
	left.MemberTableIDs = slices.Compact(left.MemberTableIDs)
}
