// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/stretchr/testify/require"
)

func TestApplyDeltaVersionConflict(t *testing.T) {
	v := NewHummockVersion()
	_, err := v.ApplyDelta(&HummockVersionDelta{ID: 2, PrevID: 7})
	require.ErrorIs(t, err, ErrVersionConflict)

	// A delta that does not advance the id is also a conflict.
	_, err = v.ApplyDelta(&HummockVersionDelta{ID: 0, PrevID: 0})
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestApplyDeltaMonotonic(t *testing.T) {
	v := NewHummockVersion()
	var ids []uint64
	for i := uint64(1); i <= 5; i++ {
		next, err := v.ApplyDelta(&HummockVersionDelta{
			ID:                i,
			PrevID:            i - 1,
			MaxCommittedEpoch: base.Epoch(i * 10),
			SafeEpoch:         base.Epoch(i),
		})
		require.NoError(t, err)
		require.Greater(t, next.ID, v.ID)
		ids = append(ids, next.ID)
		v = next
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, ids)
	require.Equal(t, base.Epoch(50), v.MaxCommittedEpoch)
	require.Equal(t, base.Epoch(5), v.SafeEpoch)

	// Epochs never regress even if a delta carries older values.
	next, err := v.ApplyDelta(&HummockVersionDelta{ID: 6, PrevID: 5, MaxCommittedEpoch: 1, SafeEpoch: 1})
	require.NoError(t, err)
	require.Equal(t, base.Epoch(50), next.MaxCommittedEpoch)
	require.Equal(t, base.Epoch(5), next.SafeEpoch)
}

func TestApplyDeltaDoesNotMutateOnFailure(t *testing.T) {
	v := NewHummockVersion()
	v, err := v.ApplyDelta(&HummockVersionDelta{
		ID:     1,
		PrevID: 0,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&GroupConstruct{TableIDs: []base.TableID{1, 2}}},
		},
	})
	require.NoError(t, err)

	// The second delta fails mid-application (unknown group), yet v is
	// untouched.
	_, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     2,
		PrevID: 1,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			99: {&IntraLevelDelta{LevelIdx: 1}},
		},
	})
	require.Error(t, err)
	require.True(t, errors.HasAssertionFailure(err))
	require.Equal(t, uint64(1), v.ID)
	require.Len(t, v.Levels, 1)
}

func TestApplyDeltaGroupLifecycle(t *testing.T) {
	v := NewHummockVersion()
	v, err := v.ApplyDelta(&HummockVersionDelta{
		ID:     1,
		PrevID: 0,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&GroupConstruct{TableIDs: []base.TableID{1, 2, 3}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []base.TableID{1, 2, 3}, v.Levels[10].MemberTableIDs)

	// Insert two sstables into an L0 sub-level and one into L1.
	l0sst := testSst(1, fullKey(1, 0, "a", 1), fullKey(1, 0, "m", 1), 1)
	l1sst := testSst(2, fullKey(2, 0, "a", 1), fullKey(2, 0, "z", 1), 2)
	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     2,
		PrevID: 1,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {
				&IntraLevelDelta{LevelIdx: 0, L0SubLevelID: 7, InsertedTables: []SstableInfo{l0sst}},
				&IntraLevelDelta{LevelIdx: 1, InsertedTables: []SstableInfo{l1sst}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, v.Levels[10].L0, 1)
	require.Equal(t, uint64(7), v.Levels[10].L0[0].SubLevelID)
	require.Len(t, v.Levels[10].Levels[0].Tables, 1)

	// Remove the L0 sstable; the emptied sub-level disappears.
	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     3,
		PrevID: 2,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&IntraLevelDelta{LevelIdx: 0, RemovedSstIDs: []SstableID{1}}},
		},
	})
	require.NoError(t, err)
	require.Empty(t, v.Levels[10].L0)

	// Destroying a non-empty group is an invariant violation.
	_, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     4,
		PrevID: 3,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&GroupDestroy{}},
		},
	})
	require.True(t, errors.HasAssertionFailure(err))

	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     4,
		PrevID: 3,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {
				&IntraLevelDelta{LevelIdx: 1, RemovedSstIDs: []SstableID{2}},
				&GroupDestroy{},
			},
		},
	})
	require.NoError(t, err)
	require.Empty(t, v.Levels)
}

func TestApplyDeltaGroupSplitAndMerge(t *testing.T) {
	v := NewHummockVersion()
	v, err := v.ApplyDelta(&HummockVersionDelta{
		ID:     1,
		PrevID: 0,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&GroupConstruct{TableIDs: []base.TableID{1, 2}}},
		},
	})
	require.NoError(t, err)

	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     2,
		PrevID: 1,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&IntraLevelDelta{LevelIdx: 1, InsertedTables: []SstableInfo{
				testSst(1, fullKey(1, 0, "a", 1), fullKey(2, 0, "z", 1), 1, 2),
			}}},
		},
	})
	require.NoError(t, err)

	// Split table 2 out into group 11.
	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     3,
		PrevID: 2,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			11: {&GroupConstruct{
				ParentGroupID: 10,
				SplitKey:      BuildSplitKey(2, VNodeSplitToRight),
				NewSstStartID: 100,
				TableIDs:      []base.TableID{2},
			}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []base.TableID{1}, v.Levels[10].MemberTableIDs)
	require.Equal(t, []base.TableID{2}, v.Levels[11].MemberTableIDs)
	require.Len(t, v.Levels[10].Levels[0].Tables, 1)
	require.Len(t, v.Levels[11].Levels[0].Tables, 1)
	require.Equal(t, []base.TableID{1}, v.Levels[10].Levels[0].Tables[0].TableIDs)
	require.Equal(t, []base.TableID{2}, v.Levels[11].Levels[0].Tables[0].TableIDs)

	// Merge group 11 back into 10.
	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     4,
		PrevID: 3,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&GroupMerge{RightGroupID: 11}},
		},
	})
	require.NoError(t, err)
	require.NotContains(t, v.Levels, CompactionGroupID(11))
	require.Equal(t, []base.TableID{1, 2}, v.Levels[10].MemberTableIDs)
	require.Len(t, v.Levels[10].Levels[0].Tables, 2)
	require.True(t, CanConcat(v.Levels[10].Levels[0].Tables))
}

func TestApplyDeltaSnapshotGroups(t *testing.T) {
	v := NewHummockVersion()
	v, err := v.ApplyDelta(&HummockVersionDelta{
		ID:     1,
		PrevID: 0,
		SnapshotGroupDeltas: []SnapshotGroupDelta{
			{GroupID: 1, Kind: SnapshotGroupConstruct, TableIDs: []base.TableID{1, 2}, Epoch: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, base.Epoch(5), v.SnapshotGroups[1].CommittedEpoch)

	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     2,
		PrevID: 1,
		SnapshotGroupDeltas: []SnapshotGroupDelta{
			{GroupID: 1, Kind: SnapshotGroupCommit, Epoch: 9},
			{GroupID: 1, Kind: SnapshotGroupSafeEpoch, Epoch: 6},
		},
	})
	require.NoError(t, err)
	require.Equal(t, base.Epoch(9), v.SnapshotGroups[1].CommittedEpoch)
	require.Equal(t, base.Epoch(6), v.SnapshotGroups[1].SafeEpoch)

	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:     3,
		PrevID: 2,
		SnapshotGroupDeltas: []SnapshotGroupDelta{
			{GroupID: 1, Kind: SnapshotGroupDestroy},
		},
	})
	require.NoError(t, err)
	require.Empty(t, v.SnapshotGroups)
}

func TestRemovedTableIDs(t *testing.T) {
	v := NewHummockVersion()
	v, err := v.ApplyDelta(&HummockVersionDelta{
		ID:     1,
		PrevID: 0,
		GroupDeltas: map[CompactionGroupID][]GroupDelta{
			10: {&GroupConstruct{TableIDs: []base.TableID{1, 2, 3}}},
		},
		NewTableWatermarks: map[base.TableID]TableWatermark{
			2: {Epoch: 1, Watermark: []byte("w")},
		},
		SnapshotGroupDeltas: []SnapshotGroupDelta{
			{GroupID: 1, Kind: SnapshotGroupConstruct, TableIDs: []base.TableID{1, 2, 3}},
		},
	})
	require.NoError(t, err)

	v, err = v.ApplyDelta(&HummockVersionDelta{
		ID:              2,
		PrevID:          1,
		RemovedTableIDs: []base.TableID{2},
	})
	require.NoError(t, err)
	require.NotContains(t, v.TableWatermarks, base.TableID(2))
	require.Equal(t, []base.TableID{1, 3}, v.Levels[10].MemberTableIDs)
	require.Equal(t, []base.TableID{1, 3}, v.SnapshotGroups[1].TableIDs)
}
