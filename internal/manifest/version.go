// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// SnapshotGroupID identifies a snapshot group: a subset of tables whose
// committed and safe epochs advance together, independently of other groups.
type SnapshotGroupID uint64

// SnapshotGroup tracks per-subset epoch state on top of the global epochs,
// supporting decoupled checkpoint granularity.
type SnapshotGroup struct {
	ID             SnapshotGroupID
	TableIDs       []base.TableID
	CommittedEpoch base.Epoch
	SafeEpoch      base.Epoch
}

// Clone returns a deep copy of g.
func (g *SnapshotGroup) Clone() *SnapshotGroup {
	c := *g
	c.TableIDs = slices.Clone(g.TableIDs)
	return &c
}

// TableWatermark bounds which keys of a table are still retained: keys below
// the watermark as of its epoch are eligible for cleanup.
type TableWatermark struct {
	Epoch     base.Epoch
	Watermark []byte
}

// InvalidVersionID is the id of the zero version; applied deltas produce
// strictly larger ids.
const InvalidVersionID = 0

// HummockVersion is the authoritative, immutable global state of the storage
// engine: the level structure of every compaction group plus epoch and
// watermark bookkeeping. Versions are never mutated in place; applying a
// HummockVersionDelta produces a new version that supersedes the old one.
type HummockVersion struct {
	ID                uint64
	Levels            map[CompactionGroupID]*Levels
	MaxCommittedEpoch base.Epoch
	SafeEpoch         base.Epoch
	TableWatermarks   map[base.TableID]TableWatermark
	SnapshotGroups    map[SnapshotGroupID]*SnapshotGroup
}

// NewHummockVersion returns the empty initial version.
func NewHummockVersion() *HummockVersion {
	return &HummockVersion{
		ID:              InvalidVersionID,
		Levels:          make(map[CompactionGroupID]*Levels),
		TableWatermarks: make(map[base.TableID]TableWatermark),
		SnapshotGroups:  make(map[SnapshotGroupID]*SnapshotGroup),
	}
}

// Clone returns a deep copy of v.
func (v *HummockVersion) Clone() *HummockVersion {
	c := &HummockVersion{
		ID:                v.ID,
		Levels:            make(map[CompactionGroupID]*Levels, len(v.Levels)),
		MaxCommittedEpoch: v.MaxCommittedEpoch,
		SafeEpoch:         v.SafeEpoch,
		TableWatermarks:   make(map[base.TableID]TableWatermark, len(v.TableWatermarks)),
		SnapshotGroups:    make(map[SnapshotGroupID]*SnapshotGroup, len(v.SnapshotGroups)),
	}
	for id, levels := range v.Levels {
		c.Levels[id] = levels.Clone()
	}
	for id, wm := range v.TableWatermarks {
		wm.Watermark = slices.Clone(wm.Watermark)
		c.TableWatermarks[id] = wm
	}
	for id, g := range v.SnapshotGroups {
		c.SnapshotGroups[id] = g.Clone()
	}
	return c
}

// LevelsForGroup returns the level structure of group, or nil if the group
// does not exist.
func (v *HummockVersion) LevelsForGroup(group CompactionGroupID) *Levels {
	return v.Levels[group]
}

// GroupIDs returns the ids of all compaction groups in ascending order.
func (v *HummockVersion) GroupIDs() []CompactionGroupID {
	ids := make([]CompactionGroupID, 0, len(v.Levels))
	for id := range v.Levels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GroupForTable returns the compaction group owning tableID.
func (v *HummockVersion) GroupForTable(tableID base.TableID) (CompactionGroupID, bool) {
	for id, levels := range v.Levels {
		if _, ok := slices.BinarySearch(levels.MemberTableIDs, tableID); ok {
			return id, true
		}
	}
	return 0, false
}

// ObjectIDs returns the set of physical object ids referenced by any sstable
// in the version. Pinned versions keep these objects alive.
func (v *HummockVersion) ObjectIDs() map[uint64]struct{} {
	objects := make(map[uint64]struct{})
	collect := func(l *Level) {
		for i := range l.Tables {
			objects[l.Tables[i].ObjectID] = struct{}{}
		}
	}
	for _, levels := range v.Levels {
		for i := range levels.L0 {
			collect(&levels.L0[i])
		}
		for i := range levels.Levels {
			collect(&levels.Levels[i])
		}
	}
	return objects
}

// ApplyDelta produces the successor version resulting from applying d to v.
// It returns ErrVersionConflict if d.PrevID does not match v.ID; v is never
// modified, so a failed application leaves no partial state behind.
func (v *HummockVersion) ApplyDelta(d *HummockVersionDelta) (*HummockVersion, error) {
	if d.PrevID != v.ID {
		return nil, errors.Wrapf(ErrVersionConflict,
			"delta %d has prev id %d but current version is %d", d.ID, d.PrevID, v.ID)
	}
	if d.ID <= v.ID {
		return nil, errors.Wrapf(ErrVersionConflict,
			"delta id %d does not advance version %d", d.ID, v.ID)
	}
	next := v.Clone()
	next.ID = d.ID

	for groupID, deltas := range d.GroupDeltas {
		for _, gd := range deltas {
			if err := gd.apply(next, groupID); err != nil {
				return nil, err
			}
		}
	}

	// Epochs only move forward.
	if d.MaxCommittedEpoch > next.MaxCommittedEpoch {
		next.MaxCommittedEpoch = d.MaxCommittedEpoch
	}
	if d.SafeEpoch > next.SafeEpoch {
		next.SafeEpoch = d.SafeEpoch
	}
	if next.SafeEpoch > next.MaxCommittedEpoch {
		return nil, errors.AssertionFailedf(
			"safe epoch %d ahead of max committed epoch %d", next.SafeEpoch, next.MaxCommittedEpoch)
	}

	for tableID, wm := range d.NewTableWatermarks {
		next.TableWatermarks[tableID] = TableWatermark{
			Epoch:     wm.Epoch,
			Watermark: slices.Clone(wm.Watermark),
		}
	}
	for _, tableID := range d.RemovedTableIDs {
		delete(next.TableWatermarks, tableID)
		for _, levels := range next.Levels {
			if i, ok := slices.BinarySearch(levels.MemberTableIDs, tableID); ok {
				levels.MemberTableIDs = slices.Delete(levels.MemberTableIDs, i, i+1)
			}
		}
		for _, g := range next.SnapshotGroups {
			if i, ok := slices.BinarySearch(g.TableIDs, tableID); ok {
				g.TableIDs = slices.Delete(g.TableIDs, i, i+1)
			}
		}
	}

	for _, sgd := range d.SnapshotGroupDeltas {
		if err := sgd.apply(next); err != nil {
			return nil, err
		}
	}
	return next, nil
}
