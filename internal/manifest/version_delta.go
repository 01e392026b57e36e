// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// ErrVersionConflict is returned when a delta's PrevID does not match the
// version it is applied to. The caller should re-fetch the current version
// and retry.
var ErrVersionConflict = errors.New("hummock: version conflict")

// GroupDelta is one edit to a compaction group's level structure.
type GroupDelta interface {
	apply(v *HummockVersion, group CompactionGroupID) error
}

// IntraLevelDelta inserts and removes sstables within one level of an
// existing group. Removals are by sstable id; insertions into L0 target the
// sub-level named by L0SubLevelID.
type IntraLevelDelta struct {
	LevelIdx       uint32
	L0SubLevelID   uint64
	RemovedSstIDs  []SstableID
	InsertedTables []SstableInfo
}

func (d *IntraLevelDelta) apply(v *HummockVersion, group CompactionGroupID) error {
	levels := v.Levels[group]
	if levels == nil {
		return errors.AssertionFailedf("intra-level delta for unknown group %d", group)
	}
	if d.LevelIdx == 0 {
		if len(d.RemovedSstIDs) > 0 {
			removeFromSubLevels(levels, d.RemovedSstIDs)
		}
		if len(d.InsertedTables) > 0 {
			tables := make([]SstableInfo, len(d.InsertedTables))
			for i := range d.InsertedTables {
				tables[i] = d.InsertedTables[i].Clone()
			}
			levels.InsertSubLevel(d.L0SubLevelID, LevelTypeOverlapping, tables)
		}
		return nil
	}
	if int(d.LevelIdx) > len(levels.Levels) {
		return errors.AssertionFailedf("group %d has no level %d", group, d.LevelIdx)
	}
	level := &levels.Levels[d.LevelIdx-1]
	if len(d.RemovedSstIDs) > 0 {
		removed := make(map[SstableID]struct{}, len(d.RemovedSstIDs))
		for _, id := range d.RemovedSstIDs {
			removed[id] = struct{}{}
		}
		level.Tables = slices.DeleteFunc(level.Tables, func(s SstableInfo) bool {
			_, ok := removed[s.ID]
			return ok
		})
	}
	for i := range d.InsertedTables {
		level.Tables = append(level.Tables, d.InsertedTables[i].Clone())
	}
	slices.SortFunc(level.Tables, func(a, b SstableInfo) int { return a.KeyRange.Compare(b.KeyRange) })
	if !CanConcat(level.Tables) {
		return errors.AssertionFailedf(
			"group %d level %d violates can-concat after delta", group, d.LevelIdx)
	}
	level.recomputeSizes()
	return nil
}

func removeFromSubLevels(levels *Levels, ids []SstableID) {
	removed := make(map[SstableID]struct{}, len(ids))
	for _, id := range ids {
		removed[id] = struct{}{}
	}
	for i := range levels.L0 {
		sub := &levels.L0[i]
		sub.Tables = slices.DeleteFunc(sub.Tables, func(s SstableInfo) bool {
			_, ok := removed[s.ID]
			return ok
		})
		sub.recomputeSizes()
	}
	levels.L0 = slices.DeleteFunc(levels.L0, func(l Level) bool { return len(l.Tables) == 0 })
}

// GroupConstruct creates a new compaction group. If SplitKey is non-empty the
// new group is populated by splitting the parent group's levels at the key;
// NewSstStartID seeds the metadata ids minted for split halves.
type GroupConstruct struct {
	ParentGroupID CompactionGroupID
	SplitKey      []byte
	NewSstStartID SstableID
	// TableIDs assigns initial member tables to the new group; they are
	// removed from the parent's membership.
	TableIDs []base.TableID
}

func (d *GroupConstruct) apply(v *HummockVersion, group CompactionGroupID) error {
	if _, ok := v.Levels[group]; ok {
		return errors.AssertionFailedf("construct of existing group %d", group)
	}
	parent := v.Levels[d.ParentGroupID]
	levelCount := 6
	if parent != nil {
		levelCount = len(parent.Levels)
	}
	newLevels := NewLevels(group, levelCount)
	newLevels.MemberTableIDs = slices.Clone(d.TableIDs)
	if parent != nil {
		for _, tableID := range d.TableIDs {
			if i, ok := slices.BinarySearch(parent.MemberTableIDs, tableID); ok {
				parent.MemberTableIDs = slices.Delete(parent.MemberTableIDs, i, i+1)
			}
		}
		if len(d.SplitKey) > 0 {
			nextID := d.NewSstStartID
			SplitLevels(parent, newLevels, d.SplitKey, &nextID)
		}
	}
	v.Levels[group] = newLevels
	return nil
}

// GroupDestroy removes an empty compaction group.
type GroupDestroy struct{}

func (d *GroupDestroy) apply(v *HummockVersion, group CompactionGroupID) error {
	levels := v.Levels[group]
	if levels == nil {
		return errors.AssertionFailedf("destroy of unknown group %d", group)
	}
	if !levels.IsEmpty() {
		return errors.AssertionFailedf("destroy of non-empty group %d", group)
	}
	delete(v.Levels, group)
	return nil
}

// GroupMerge folds the named right group into the group the delta is keyed
// by, then removes the right group.
type GroupMerge struct {
	RightGroupID CompactionGroupID
}

func (d *GroupMerge) apply(v *HummockVersion, group CompactionGroupID) error {
	left := v.Levels[group]
	right := v.Levels[d.RightGroupID]
	if left == nil || right == nil {
		return errors.AssertionFailedf("merge of unknown groups %d, %d", group, d.RightGroupID)
	}
	MergeLevels(left, right)
	delete(v.Levels, d.RightGroupID)
	return nil
}

// SnapshotGroupDeltaKind enumerates snapshot group edits.
type SnapshotGroupDeltaKind uint8

const (
	// SnapshotGroupConstruct creates a snapshot group over a set of tables.
	SnapshotGroupConstruct SnapshotGroupDeltaKind = iota
	// SnapshotGroupCommit advances a snapshot group's committed epoch.
	SnapshotGroupCommit
	// SnapshotGroupSafeEpoch advances a snapshot group's safe epoch.
	SnapshotGroupSafeEpoch
	// SnapshotGroupDestroy removes a snapshot group.
	SnapshotGroupDestroy
)

// SnapshotGroupDelta is one edit to the snapshot group set.
type SnapshotGroupDelta struct {
	GroupID  SnapshotGroupID
	Kind     SnapshotGroupDeltaKind
	TableIDs []base.TableID
	Epoch    base.Epoch
}

func (d *SnapshotGroupDelta) apply(v *HummockVersion) error {
	switch d.Kind {
	case SnapshotGroupConstruct:
		if _, ok := v.SnapshotGroups[d.GroupID]; ok {
			return errors.AssertionFailedf("construct of existing snapshot group %d", d.GroupID)
		}
		v.SnapshotGroups[d.GroupID] = &SnapshotGroup{
			ID:             d.GroupID,
			TableIDs:       slices.Clone(d.TableIDs),
			CommittedEpoch: d.Epoch,
			SafeEpoch:      d.Epoch,
		}
	case SnapshotGroupCommit:
		g, ok := v.SnapshotGroups[d.GroupID]
		if !ok {
			return errors.AssertionFailedf("commit for unknown snapshot group %d", d.GroupID)
		}
		if d.Epoch > g.CommittedEpoch {
			g.CommittedEpoch = d.Epoch
		}
	case SnapshotGroupSafeEpoch:
		g, ok := v.SnapshotGroups[d.GroupID]
		if !ok {
			return errors.AssertionFailedf("safe epoch for unknown snapshot group %d", d.GroupID)
		}
		if d.Epoch > g.SafeEpoch {
			g.SafeEpoch = d.Epoch
		}
		if g.SafeEpoch > g.CommittedEpoch {
			return errors.AssertionFailedf(
				"snapshot group %d safe epoch %d ahead of committed %d", d.GroupID, g.SafeEpoch, g.CommittedEpoch)
		}
	case SnapshotGroupDestroy:
		delete(v.SnapshotGroups, d.GroupID)
	default:
		return errors.AssertionFailedf("unknown snapshot group delta kind %d", d.Kind)
	}
	return nil
}

// HummockVersionDelta is the only way a HummockVersion advances. It applies
// atomically: either every edit takes effect and the version id becomes
// d.ID, or the application is rejected and the version is unchanged.
type HummockVersionDelta struct {
	ID     uint64
	PrevID uint64

	GroupDeltas       map[CompactionGroupID][]GroupDelta
	MaxCommittedEpoch base.Epoch
	SafeEpoch         base.Epoch
	TrivialMove       bool
	// GCObjectIDs lists physical objects no longer referenced once this delta
	// is applied; they may be deleted once no pinned version references them.
	GCObjectIDs         []uint64
	NewTableWatermarks  map[base.TableID]TableWatermark
	RemovedTableIDs     []base.TableID
	SnapshotGroupDeltas []SnapshotGroupDelta
}
