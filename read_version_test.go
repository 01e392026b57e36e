// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"testing"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/stretchr/testify/require"
)

func testImm(batchID uint64, tableID base.TableID, epoch base.Epoch, keys ...string) *ImmutableBatch {
	imm := &ImmutableBatch{BatchID: batchID, TableID: tableID, Epoch: epoch}
	for _, k := range keys {
		imm.Pairs = append(imm.Pairs, KVPair{
			Key:   base.MakeUserKey(tableID, 0, []byte(k)),
			Value: base.MakeValue([]byte("v")),
		})
	}
	return imm
}

func testStagingSst(tableID base.TableID, epochs []base.Epoch, subsumed []uint64, lo, hi string) *StagingSstableInfo {
	left := base.FullKey{UserKey: base.MakeUserKey(tableID, 0, []byte(lo)), Epoch: epochs[0]}
	right := base.FullKey{UserKey: base.MakeUserKey(tableID, 0, []byte(hi)), Epoch: epochs[len(epochs)-1]}
	return &StagingSstableInfo{
		Infos: []manifest.SstableInfo{{
			ID:       1,
			ObjectID: 1,
			KeyRange: manifest.KeyRange{Left: left.Encode(nil), Right: right.Encode(nil)},
			TableIDs: []base.TableID{tableID},
		}},
		Epochs:           epochs,
		SubsumedBatchIDs: subsumed,
	}
}

func newTestReadVersion(tableID base.TableID) (*ReadVersion, *VersionManager) {
	vm := NewVersionManager(nil, nil, nil)
	return NewReadVersion(tableID, vm.Pin()), vm
}

func TestReadVersionStagingOrder(t *testing.T) {
	rv, _ := newTestReadVersion(1)
	defer rv.Close()

	rv.Update(VersionUpdate{Staging: testImm(1, 1, 1, "a")})
	rv.Update(VersionUpdate{Staging: testImm(2, 1, 2, "a")})
	rv.Update(VersionUpdate{Staging: testImm(3, 1, 3, "a")})

	staging := rv.PruneOverlap(base.EpochMax, nil, nil)
	require.Len(t, staging, 3)
	// Newest first.
	require.Equal(t, base.Epoch(3), staging[0].MaxEpoch())
	require.Equal(t, base.Epoch(2), staging[1].MaxEpoch())
	require.Equal(t, base.Epoch(1), staging[2].MaxEpoch())
}

func TestReadVersionSubsumedBatchesDropped(t *testing.T) {
	rv, _ := newTestReadVersion(1)
	defer rv.Close()

	rv.Update(VersionUpdate{Staging: testImm(1, 1, 1, "a")})
	rv.Update(VersionUpdate{Staging: testImm(2, 1, 2, "b")})
	rv.Update(VersionUpdate{Staging: testImm(3, 1, 3, "c")})

	// The sstable subsumes batches 1 and 2 but not 3, and must slot in
	// behind the batch still holding the newer epoch.
	rv.Update(VersionUpdate{Staging: testStagingSst(1, []base.Epoch{2, 1}, []uint64{1, 2}, "a", "b")})

	staging := rv.PruneOverlap(base.EpochMax, nil, nil)
	require.Len(t, staging, 2)
	imm, isImm := staging[0].(*ImmutableBatch)
	require.True(t, isImm)
	require.Equal(t, uint64(3), imm.BatchID)
	_, isSst := staging[1].(*StagingSstableInfo)
	require.True(t, isSst)
}

func TestStagingSstableNeverOvertakesNewerBatch(t *testing.T) {
	rv, _ := newTestReadVersion(1)
	defer rv.Close()

	rv.Update(VersionUpdate{Staging: testImm(1, 1, 1, "a")})
	rv.Update(VersionUpdate{Staging: testImm(2, 1, 3, "a")})
	rv.Update(VersionUpdate{Staging: testStagingSst(1, []base.Epoch{1}, []uint64{1}, "a", "a")})

	staging := rv.PruneOverlap(base.EpochMax, nil, nil)
	require.Len(t, staging, 2)
	require.Equal(t, base.Epoch(3), staging[0].MaxEpoch())
	require.Equal(t, base.Epoch(1), staging[1].MaxEpoch())
}

func TestReadVersionCommittedRetiresStaging(t *testing.T) {
	rv, vm := newTestReadVersion(1)
	defer rv.Close()

	rv.Update(VersionUpdate{Staging: testImm(1, 1, 1, "a")})
	rv.Update(VersionUpdate{Staging: testImm(2, 1, 2, "b")})
	rv.Update(VersionUpdate{Staging: testImm(3, 1, 3, "c")})

	require.NoError(t, vm.Apply(&manifest.HummockVersionDelta{ID: 1, PrevID: 0, MaxCommittedEpoch: 2}))
	rv.Update(VersionUpdate{CommittedVersion: vm.Pin()})

	// Batches at or below the committed epoch are gone.
	staging := rv.PruneOverlap(base.EpochMax, nil, nil)
	require.Len(t, staging, 1)
	require.Equal(t, base.Epoch(3), staging[0].MinEpoch())
}

func TestPruneOverlap(t *testing.T) {
	rv, _ := newTestReadVersion(1)
	defer rv.Close()

	rv.Update(VersionUpdate{Staging: testImm(1, 1, 1, "b", "d")})
	rv.Update(VersionUpdate{Staging: testImm(2, 1, 5, "f", "h")})
	rv.Update(VersionUpdate{Staging: testImm(3, 2, 1, "b", "d")})

	key := func(k string) []byte { return base.MakeUserKey(1, 0, []byte(k)) }

	// Epoch filtering: an entry whose min epoch exceeds the target never
	// appears.
	pruned := rv.PruneOverlap(1, nil, nil)
	require.Len(t, pruned, 1)
	require.Equal(t, base.Epoch(1), pruned[0].MinEpoch())

	// Range filtering.
	pruned = rv.PruneOverlap(base.EpochMax, key("a"), key("c"))
	require.Len(t, pruned, 1)
	imm := pruned[0].(*ImmutableBatch)
	require.Equal(t, uint64(1), imm.BatchID)

	pruned = rv.PruneOverlap(base.EpochMax, key("e"), nil)
	require.Len(t, pruned, 1)
	require.Equal(t, base.Epoch(5), pruned[0].MinEpoch())

	pruned = rv.PruneOverlap(base.EpochMax, key("i"), key("z"))
	require.Empty(t, pruned)

	// Idempotence: the same query yields the same result.
	again := rv.PruneOverlap(base.EpochMax, key("a"), key("c"))
	require.Equal(t, pruneIDs(rv.PruneOverlap(base.EpochMax, key("a"), key("c"))), pruneIDs(again))
}

func pruneIDs(staging []StagingData) []uint64 {
	var ids []uint64
	for _, d := range staging {
		if imm, ok := d.(*ImmutableBatch); ok {
			ids = append(ids, imm.BatchID)
		}
	}
	return ids
}

func TestReadFilterPinsCommitted(t *testing.T) {
	rv, vm := newTestReadVersion(1)

	staging, pv := rv.ReadFilter(base.EpochMax, nil, nil)
	require.Empty(t, staging)
	require.True(t, pv.Pinned())
	require.Equal(t, vm.CurrentVersionID(), pv.Version().ID)
	pv.Unref()
	rv.Close()
}

func TestVersionUpdateExactlyOneKind(t *testing.T) {
	rv, vm := newTestReadVersion(1)
	defer rv.Close()
	require.Panics(t, func() { rv.Update(VersionUpdate{}) })
	require.Panics(t, func() {
		rv.Update(VersionUpdate{Staging: testImm(1, 1, 1, "a"), CommittedVersion: vm.Pin()})
	})
}
