// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"bytes"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/hummockdb/hummock/sstable"
)

// KVPair is one key/value entry of a write batch or scan result. At the
// Storage API boundary Key is the raw table-local key; inside staging state
// it is the encoded user key, table-id and vnode prefix included.
type KVPair struct {
	Key   []byte
	Value base.Value
}

// StagingData is write-path data accepted but not yet reflected in a
// committed version: an immutable in-memory batch or a group of freshly
// sealed, not-yet-committed sstables.
type StagingData interface {
	// MinEpoch is the oldest epoch the entry holds data for.
	MinEpoch() base.Epoch
	// MaxEpoch is the newest epoch the entry holds data for.
	MaxEpoch() base.Epoch

	overlaps(tableID base.TableID, start, end []byte) bool
}

// ImmutableBatch holds the sorted key/value pairs of one table's writes at a
// single epoch, frozen from a memtable.
type ImmutableBatch struct {
	BatchID uint64
	TableID base.TableID
	Epoch   base.Epoch
	// Pairs is sorted ascending by Key.
	Pairs []KVPair

	size uint64
}

// MinEpoch implements StagingData.
func (b *ImmutableBatch) MinEpoch() base.Epoch { return b.Epoch }

// MaxEpoch implements StagingData.
func (b *ImmutableBatch) MaxEpoch() base.Epoch { return b.Epoch }

// Size is the measured byte footprint of the batch.
func (b *ImmutableBatch) Size() uint64 { return b.size }

func (b *ImmutableBatch) overlaps(tableID base.TableID, start, end []byte) bool {
	if tableID != b.TableID || len(b.Pairs) == 0 {
		return false
	}
	if len(end) > 0 && bytes.Compare(end, b.Pairs[0].Key) < 0 {
		return false
	}
	if len(start) > 0 && bytes.Compare(start, b.Pairs[len(b.Pairs)-1].Key) > 0 {
		return false
	}
	return true
}

// Get returns the batch's value for an encoded user key.
func (b *ImmutableBatch) Get(userKey []byte) (base.Value, bool) {
	i, ok := slices.BinarySearchFunc(b.Pairs, userKey, func(p KVPair, k []byte) int {
		return bytes.Compare(p.Key, k)
	})
	if !ok {
		return base.Value{}, false
	}
	return b.Pairs[i].Value, true
}

// StagingSstableInfo is a group of sealed sstables not yet reflected in a
// committed version, together with the epochs they cover and the immutable
// batches they subsume.
type StagingSstableInfo struct {
	Infos []manifest.SstableInfo
	// Epochs lists the covered epochs, newest first.
	Epochs []base.Epoch
	// SubsumedBatchIDs names the immutable batches whose data these sstables
	// now hold durably.
	SubsumedBatchIDs []uint64
}

// MinEpoch implements StagingData.
func (s *StagingSstableInfo) MinEpoch() base.Epoch { return s.Epochs[len(s.Epochs)-1] }

// MaxEpoch implements StagingData.
func (s *StagingSstableInfo) MaxEpoch() base.Epoch { return s.Epochs[0] }

func (s *StagingSstableInfo) overlaps(tableID base.TableID, start, end []byte) bool {
	for i := range s.Infos {
		if s.Infos[i].ContainsTable(tableID) && s.Infos[i].KeyRange.OverlapsUserKeyRange(start, end) {
			return true
		}
	}
	return false
}

// VersionUpdate carries exactly one kind of read-version update.
type VersionUpdate struct {
	// Staging inserts new staging data at its epoch-ordered position.
	Staging StagingData
	// CommittedVersion replaces the pinned committed version. The reference
	// is transferred to the read version.
	CommittedVersion *PinnedVersion
}

// ReadVersion is the per-table-shard read-side state: the pinned committed
// version plus a newest-first list of staging data. Reads may run
// concurrently with updates; a single query sees one consistent list.
type ReadVersion struct {
	tableID base.TableID

	mu        sync.RWMutex
	staging   []StagingData
	committed *PinnedVersion
}

// NewReadVersion pins committed for tableID. The caller's reference to
// committed is transferred.
func NewReadVersion(tableID base.TableID, committed *PinnedVersion) *ReadVersion {
	return &ReadVersion{tableID: tableID, committed: committed}
}

// Update applies one staging or committed-version update.
func (rv *ReadVersion) Update(u VersionUpdate) {
	switch {
	case u.Staging != nil && u.CommittedVersion == nil:
		rv.updateStaging(u.Staging)
	case u.Staging == nil && u.CommittedVersion != nil:
		rv.updateCommitted(u.CommittedVersion)
	default:
		panic(errors.AssertionFailedf("version update must carry exactly one kind"))
	}
}

func (rv *ReadVersion) updateStaging(data StagingData) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if sst, ok := data.(*StagingSstableInfo); ok && len(sst.SubsumedBatchIDs) > 0 {
		// The batches the sstables were built from are now redundant.
		subsumed := make(map[uint64]struct{}, len(sst.SubsumedBatchIDs))
		for _, id := range sst.SubsumedBatchIDs {
			subsumed[id] = struct{}{}
		}
		rv.staging = slices.DeleteFunc(rv.staging, func(d StagingData) bool {
			imm, ok := d.(*ImmutableBatch)
			if !ok {
				return false
			}
			_, drop := subsumed[imm.BatchID]
			return drop
		})
	}
	// Keep the list newest first. A fresh batch goes in front of everything
	// at or below its epoch; a sealed sstable must stay behind any entry
	// still holding epochs at or above its own, since a flush bounded by a
	// commit epoch can finish while newer batches sit in the list.
	_, isSst := data.(*StagingSstableInfo)
	max := data.MaxEpoch()
	idx := 0
	for idx < len(rv.staging) {
		cur := rv.staging[idx].MaxEpoch()
		if cur < max || (cur == max && !isSst) {
			break
		}
		idx++
	}
	rv.staging = slices.Insert(rv.staging, idx, data)
}

func (rv *ReadVersion) updateCommitted(pv *PinnedVersion) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	old := rv.committed
	rv.committed = pv
	// Staging entries wholly at or below the new committed epoch are now
	// served from the committed version.
	committedEpoch := pv.Version().MaxCommittedEpoch
	rv.staging = slices.DeleteFunc(rv.staging, func(d StagingData) bool {
		return d.MaxEpoch() <= committedEpoch
	})
	if old != nil {
		old.Unref()
	}
}

// PruneOverlap returns, newest first, every staging entry whose key span
// intersects [start, end] (nil bound means unbounded) and whose minimum
// epoch is at or below epoch. It is a pure query: repeated calls against an
// unchanged read version yield identical results.
func (rv *ReadVersion) PruneOverlap(epoch base.Epoch, start, end []byte) []StagingData {
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	return rv.pruneOverlapLocked(epoch, start, end)
}

func (rv *ReadVersion) pruneOverlapLocked(epoch base.Epoch, start, end []byte) []StagingData {
	var out []StagingData
	for _, d := range rv.staging {
		if d.MinEpoch() <= epoch && d.overlaps(rv.tableID, start, end) {
			out = append(out, d)
		}
	}
	return out
}

// ReadFilter returns the ordered staging entries plus the pinned committed
// version for one consistent read, under a single read lock acquisition. The
// returned version carries a reference the caller must Unref.
func (rv *ReadVersion) ReadFilter(epoch base.Epoch, start, end []byte) ([]StagingData, *PinnedVersion) {
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	staging := rv.pruneOverlapLocked(epoch, start, end)
	pv := rv.committed
	pv.Ref()
	return staging, pv
}

// Close releases the pinned committed version.
func (rv *ReadVersion) Close() {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if rv.committed != nil {
		rv.committed.Unref()
		rv.committed = nil
	}
	rv.staging = nil
}

// stagingSstFromSealed assembles a StagingSstableInfo from sealed builder
// outputs.
func stagingSstFromSealed(sealed []sstable.SealedSstable, epochs []base.Epoch, subsumed []uint64) *StagingSstableInfo {
	infos := make([]manifest.SstableInfo, len(sealed))
	for i := range sealed {
		infos[i] = sealed[i].Info
	}
	return &StagingSstableInfo{Infos: infos, Epochs: epochs, SubsumedBatchIDs: subsumed}
}
