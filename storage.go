// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/hummockdb/hummock/sstable"
)

// firstCompactionGroupID leaves room for reserved well-known group ids.
const firstCompactionGroupID = 2

// Storage is the engine's write and read surface: it ingests epoch-stamped
// batches into per-table staging state, flushes staging batches through the
// multi-builder into sstables, commits epochs as version deltas, and answers
// snapshot reads that merge staging data with the committed version.
type Storage struct {
	opts    Options
	vm      *VersionManager
	factory *sstable.LocalBuilderFactory
	sealer  sstable.Sealer

	nextBatchID atomic.Uint64
	nextGroupID atomic.Uint64

	mu           sync.RWMutex
	readVersions map[base.TableID]*ReadVersion
}

// Open returns a storage instance over opts.
func Open(opts *Options) *Storage {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()
	var limiter *sstable.MemoryLimiter
	if opts.BuilderMemoryQuota > 0 {
		limiter = sstable.NewMemoryLimiter(opts.BuilderMemoryQuota)
	}
	s := &Storage{
		opts:         *opts,
		vm:           NewVersionManager(nil, opts.Logger, opts.Metrics),
		factory:      sstable.NewLocalBuilderFactory(1, opts.Sstable, limiter),
		sealer:       &sstable.BatchSealer{Storage: opts.ObjectStorage},
		readVersions: make(map[base.TableID]*ReadVersion),
	}
	s.nextGroupID.Store(firstCompactionGroupID)
	return s
}

// VersionManager exposes the underlying version state.
func (s *Storage) VersionManager() *VersionManager { return s.vm }

// RegisterTable assigns tableID its own compaction group and snapshot group
// and creates the table's read version. Registration retries on version
// conflicts with concurrent delta writers.
func (s *Storage) RegisterTable(tableID base.TableID) error {
	s.mu.Lock()
	if _, ok := s.readVersions[tableID]; ok {
		s.mu.Unlock()
		return errors.Newf("hummock: table %d already registered", tableID)
	}
	s.mu.Unlock()

	groupID := manifest.CompactionGroupID(s.nextGroupID.Add(1) - 1)
	for {
		cur := s.vm.CurrentVersionID()
		delta := &manifest.HummockVersionDelta{
			ID:     cur + 1,
			PrevID: cur,
			GroupDeltas: map[manifest.CompactionGroupID][]manifest.GroupDelta{
				groupID: {&manifest.GroupConstruct{TableIDs: []base.TableID{tableID}}},
			},
			SnapshotGroupDeltas: []manifest.SnapshotGroupDelta{{
				GroupID:  manifest.SnapshotGroupID(groupID),
				Kind:     manifest.SnapshotGroupConstruct,
				TableIDs: []base.TableID{tableID},
				Epoch:    s.vm.MaxCommittedEpoch(),
			}},
		}
		err := s.vm.Apply(delta)
		if err == nil {
			break
		}
		if !errors.Is(err, manifest.ErrVersionConflict) {
			return err
		}
	}

	s.mu.Lock()
	s.readVersions[tableID] = NewReadVersion(tableID, s.vm.Pin())
	s.mu.Unlock()
	return nil
}

func (s *Storage) readVersion(tableID base.TableID) (*ReadVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rv, ok := s.readVersions[tableID]
	if !ok {
		return nil, errors.Newf("hummock: table %d not registered", tableID)
	}
	return rv, nil
}

// IngestBatch applies one write batch for tableID at epoch. Pair keys are
// raw table-local keys; later pairs win over earlier ones for the same key
// within the batch. The batch becomes visible to snapshot reads at or above
// epoch immediately, as staging data.
func (s *Storage) IngestBatch(_ context.Context, tableID base.TableID, pairs []KVPair, epoch base.Epoch) error {
	rv, err := s.readVersion(tableID)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}
	mem := newMemTable(tableID)
	for _, p := range pairs {
		mem.set(base.MakeUserKey(tableID, 0, p.Key), p.Value)
	}
	imm := mem.freeze(s.nextBatchID.Add(1), epoch)
	rv.Update(VersionUpdate{Staging: imm})
	return nil
}

// Flush builds sstables from tableID's staging immutable batches and
// replaces them with a staging sstable entry. The sstables are durable when
// Flush returns.
func (s *Storage) Flush(ctx context.Context, tableID base.TableID) error {
	return s.flushUpTo(ctx, tableID, base.EpochMax)
}

// flushUpTo flushes only the batches at or below maxEpoch, so the resulting
// staging sstable entry can be committed at maxEpoch without dragging newer
// epochs along.
func (s *Storage) flushUpTo(ctx context.Context, tableID base.TableID, maxEpoch base.Epoch) error {
	rv, err := s.readVersion(tableID)
	if err != nil {
		return err
	}
	staging := rv.PruneOverlap(base.EpochMax, nil, nil)
	var imms []*ImmutableBatch
	for _, d := range staging {
		if imm, ok := d.(*ImmutableBatch); ok && imm.Epoch <= maxEpoch {
			imms = append(imms, imm)
		}
	}
	if len(imms) == 0 {
		return nil
	}

	// Merge the batches into a single full-key ascending stream. Batches are
	// newest first, so for one user key the epoch order is already
	// descending.
	type entry struct {
		key   base.FullKey
		value base.Value
	}
	var entries []entry
	for _, imm := range imms {
		for _, p := range imm.Pairs {
			entries = append(entries, entry{
				key:   base.FullKey{UserKey: p.Key, Epoch: imm.Epoch},
				value: p.Value,
			})
		}
	}
	slices.SortStableFunc(entries, func(a, b entry) int { return a.key.Compare(b.key) })
	// Two batches at the same epoch can carry the same key; the newer batch
	// was sorted first and wins.
	entries = slices.CompactFunc(entries, func(a, b entry) bool { return a.key.Compare(b.key) == 0 })

	mb := sstable.NewMultiBuilder(s.factory, s.sealer)
	var prevUserKey []byte
	for _, e := range entries {
		// Never split between two versions of one user key.
		allowSplit := !bytes.Equal(e.key.UserKey, prevUserKey)
		if err := mb.AddFullKey(ctx, e.key, e.value, allowSplit); err != nil {
			return err
		}
		prevUserKey = e.key.UserKey
	}
	sealed, err := mb.Finish(ctx)
	if err != nil {
		return err
	}
	for _, sst := range sealed {
		if err := sst.Upload.Wait(ctx); err != nil {
			return err
		}
		s.opts.Metrics.BloomFilterSize.Observe(float64(sst.BloomFilterSize))
		s.opts.Metrics.SstableFileSize.Observe(float64(sst.Info.FileSize))
	}

	epochs := make([]base.Epoch, 0, len(imms))
	subsumed := make([]uint64, 0, len(imms))
	for _, imm := range imms {
		if !slices.Contains(epochs, imm.Epoch) {
			epochs = append(epochs, imm.Epoch)
		}
		subsumed = append(subsumed, imm.BatchID)
	}
	slices.SortFunc(epochs, func(a, b base.Epoch) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	rv.Update(VersionUpdate{Staging: stagingSstFromSealed(sealed, epochs, subsumed)})
	return nil
}

// CommitEpoch makes every write at or below epoch durable and part of the
// committed version: staging batches are flushed, the resulting sstables are
// inserted into their groups' L0 tiers, and the committed epoch advances.
// Read versions are then switched to the new version, retiring the staging
// entries it covers.
func (s *Storage) CommitEpoch(ctx context.Context, epoch base.Epoch) error {
	s.mu.RLock()
	tables := make([]base.TableID, 0, len(s.readVersions))
	for tableID := range s.readVersions {
		tables = append(tables, tableID)
	}
	s.mu.RUnlock()
	slices.Sort(tables)

	for _, tableID := range tables {
		if err := s.flushUpTo(ctx, tableID, epoch); err != nil {
			return err
		}
	}

	cur := s.vm.Pin()
	version := cur.Version()
	delta := &manifest.HummockVersionDelta{
		ID:                version.ID + 1,
		PrevID:            version.ID,
		MaxCommittedEpoch: epoch,
		GroupDeltas:       make(map[manifest.CompactionGroupID][]manifest.GroupDelta),
	}
	for _, tableID := range tables {
		rv, err := s.readVersion(tableID)
		if err != nil {
			cur.Unref()
			return err
		}
		groupID, ok := version.GroupForTable(tableID)
		if !ok {
			cur.Unref()
			return errors.AssertionFailedf("table %d has no compaction group", tableID)
		}
		subLevelID := version.Levels[groupID].MaxSubLevelID()
		// Staging is newest first; walk it backwards so newer sstables land
		// in higher sub-levels.
		pruned := rv.PruneOverlap(epoch, nil, nil)
		for i := len(pruned) - 1; i >= 0; i-- {
			sst, ok := pruned[i].(*StagingSstableInfo)
			if !ok || sst.MaxEpoch() > epoch {
				continue
			}
			delta.GroupDeltas[groupID] = append(delta.GroupDeltas[groupID], &manifest.IntraLevelDelta{
				LevelIdx:       0,
				L0SubLevelID:   subLevelID,
				InsertedTables: sst.Infos,
			})
			subLevelID++
		}
	}
	for sgID, sg := range version.SnapshotGroups {
		if epoch > sg.CommittedEpoch {
			delta.SnapshotGroupDeltas = append(delta.SnapshotGroupDeltas, manifest.SnapshotGroupDelta{
				GroupID: sgID,
				Kind:    manifest.SnapshotGroupCommit,
				Epoch:   epoch,
			})
		}
	}
	slices.SortFunc(delta.SnapshotGroupDeltas, func(a, b manifest.SnapshotGroupDelta) int {
		switch {
		case a.GroupID < b.GroupID:
			return -1
		case a.GroupID > b.GroupID:
			return 1
		}
		return 0
	})
	cur.Unref()

	if err := s.vm.Apply(delta); err != nil {
		return err
	}
	for _, tableID := range tables {
		rv, err := s.readVersion(tableID)
		if err != nil {
			return err
		}
		rv.Update(VersionUpdate{CommittedVersion: s.vm.Pin()})
	}
	return nil
}

// Get returns the value of key in tableID as of the epoch snapshot. The
// second return is false when the key is absent or deleted at that epoch.
func (s *Storage) Get(ctx context.Context, tableID base.TableID, key []byte, epoch base.Epoch) ([]byte, bool, error) {
	rv, err := s.readVersion(tableID)
	if err != nil {
		return nil, false, err
	}
	userKey := base.MakeUserKey(tableID, 0, key)
	staging, pv := rv.ReadFilter(epoch, userKey, userKey)
	defer pv.Unref()

	// Staging is newest first; the first visible entry wins, tombstones
	// included.
	for _, d := range staging {
		switch t := d.(type) {
		case *ImmutableBatch:
			if v, ok := t.Get(userKey); ok {
				s.opts.Metrics.GetStagingImmHits.Inc()
				return returnValue(v)
			}
		case *StagingSstableInfo:
			v, ok, err := s.getFromSsts(ctx, t.Infos, tableID, userKey, epoch)
			if err != nil {
				return nil, false, err
			}
			if ok {
				s.opts.Metrics.GetStagingSstHits.Inc()
				return returnValue(v)
			}
		}
	}

	v, ok, err := s.getFromCommitted(ctx, pv.Version(), tableID, userKey, epoch)
	if err != nil || !ok {
		return nil, false, err
	}
	s.opts.Metrics.GetCommittedHits.Inc()
	return returnValue(v)
}

func returnValue(v base.Value) ([]byte, bool, error) {
	if v.IsTombstone() {
		return nil, false, nil
	}
	return v.UserValue(), true, nil
}

func (s *Storage) getFromSsts(ctx context.Context, infos []manifest.SstableInfo, tableID base.TableID, userKey []byte, epoch base.Epoch) (base.Value, bool, error) {
	for i := range infos {
		info := &infos[i]
		if !info.ContainsTable(tableID) || !info.KeyRange.OverlapsUserKeyRange(userKey, userKey) {
			continue
		}
		r, err := s.openReader(ctx, info.ObjectID)
		if err != nil {
			return base.Value{}, false, err
		}
		v, ok, err := r.Get(userKey, epoch)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return base.Value{}, false, nil
}

func (s *Storage) getFromCommitted(ctx context.Context, v *manifest.HummockVersion, tableID base.TableID, userKey []byte, epoch base.Epoch) (base.Value, bool, error) {
	groupID, ok := v.GroupForTable(tableID)
	if !ok {
		return base.Value{}, false, nil
	}
	levels := v.Levels[groupID]
	// L0 sub-levels newest first.
	for i := len(levels.L0) - 1; i >= 0; i-- {
		val, ok, err := s.getFromSsts(ctx, levels.L0[i].Tables, tableID, userKey, epoch)
		if err != nil || ok {
			return val, ok, err
		}
	}
	for i := range levels.Levels {
		val, ok, err := s.getFromSsts(ctx, levels.Levels[i].Tables, tableID, userKey, epoch)
		if err != nil || ok {
			return val, ok, err
		}
	}
	return base.Value{}, false, nil
}

func (s *Storage) openReader(ctx context.Context, objectID uint64) (*sstable.Reader, error) {
	data, err := s.opts.ObjectStorage.Read(ctx, objectID, 0, -1)
	if err != nil {
		return nil, err
	}
	return sstable.NewReader(data)
}

// RangeScan returns, sorted by key, every live key/value of tableID within
// the bounds as of the epoch snapshot. start is inclusive; a nil start or
// end is unbounded, and endInclusive selects between ..=end and ..end.
func (s *Storage) RangeScan(ctx context.Context, tableID base.TableID, start, end []byte, endInclusive bool, epoch base.Epoch) ([]KVPair, error) {
	rv, err := s.readVersion(tableID)
	if err != nil {
		return nil, err
	}
	var startKey, endKey []byte
	if start != nil {
		startKey = base.MakeUserKey(tableID, 0, start)
	}
	if end != nil {
		endKey = base.MakeUserKey(tableID, 0, end)
	}
	inRange := func(userKey []byte) bool {
		if base.TableIDFromUserKey(userKey) != tableID {
			return false
		}
		if startKey != nil && bytes.Compare(userKey, startKey) < 0 {
			return false
		}
		if endKey != nil {
			if c := bytes.Compare(userKey, endKey); c > 0 || (c == 0 && !endInclusive) {
				return false
			}
		}
		return true
	}

	staging, pv := rv.ReadFilter(epoch, startKey, endKey)
	defer pv.Unref()

	// For every user key keep the newest version at or below the target
	// epoch, regardless of which source supplied it.
	type winner struct {
		epoch base.Epoch
		value base.Value
	}
	winners := make(map[string]winner)
	observe := func(userKey []byte, e base.Epoch, val base.Value) {
		if e > epoch || !inRange(userKey) {
			return
		}
		k := string(userKey)
		if w, ok := winners[k]; !ok || e > w.epoch {
			winners[k] = winner{epoch: e, value: val}
		}
	}

	for _, d := range staging {
		switch t := d.(type) {
		case *ImmutableBatch:
			for _, p := range t.Pairs {
				observe(p.Key, t.Epoch, p.Value)
			}
		case *StagingSstableInfo:
			if err := s.scanSsts(ctx, t.Infos, tableID, observe); err != nil {
				return nil, err
			}
		}
	}
	version := pv.Version()
	if groupID, ok := version.GroupForTable(tableID); ok {
		levels := version.Levels[groupID]
		for i := range levels.L0 {
			if err := s.scanSsts(ctx, levels.L0[i].Tables, tableID, observe); err != nil {
				return nil, err
			}
		}
		for i := range levels.Levels {
			if err := s.scanSsts(ctx, levels.Levels[i].Tables, tableID, observe); err != nil {
				return nil, err
			}
		}
	}

	keys := make([]string, 0, len(winners))
	for k := range winners {
		if !winners[k].value.IsTombstone() {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	out := make([]KVPair, 0, len(keys))
	for _, k := range keys {
		out = append(out, KVPair{
			Key:   []byte(k)[base.UserKeyHeaderLen:],
			Value: winners[k].value,
		})
	}
	return out, nil
}

func (s *Storage) scanSsts(ctx context.Context, infos []manifest.SstableInfo, tableID base.TableID, observe func(userKey []byte, e base.Epoch, val base.Value)) error {
	for i := range infos {
		info := &infos[i]
		if !info.ContainsTable(tableID) {
			continue
		}
		r, err := s.openReader(ctx, info.ObjectID)
		if err != nil {
			return err
		}
		it := r.NewIter()
		for it.Next() {
			observe(it.Key().UserKey, it.Key().Epoch, it.Value())
		}
		if err := it.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down every read version.
func (s *Storage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rv := range s.readVersions {
		rv.Close()
	}
	s.readVersions = nil
}
