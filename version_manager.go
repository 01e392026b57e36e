// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// PinnedVersion is a reference-counted snapshot of the committed version.
// Pinning prevents garbage collection of the sstables the snapshot still
// references; holders must call Unref when done.
type PinnedVersion struct {
	refcnt  atomic.Int32
	version *manifest.HummockVersion
}

func newPinnedVersion(v *manifest.HummockVersion) *PinnedVersion {
	p := &PinnedVersion{version: v}
	p.refcnt.Store(1)
	return p
}

// Version returns the pinned immutable version.
func (p *PinnedVersion) Version() *manifest.HummockVersion { return p.version }

// Ref adds a reference.
func (p *PinnedVersion) Ref() { p.refcnt.Add(1) }

// Unref drops a reference.
func (p *PinnedVersion) Unref() {
	if v := p.refcnt.Add(-1); v < 0 {
		panic(errors.AssertionFailedf("pinned version refcount %d", v))
	}
}

// Pinned reports whether any references remain. Object garbage collection
// must retain the sstables of any still-pinned version.
func (p *PinnedVersion) Pinned() bool { return p.refcnt.Load() > 0 }

// VersionManager owns the authoritative committed version and serializes
// delta application. Readers pin a consistent snapshot under a read lock;
// applying a delta takes the write lock and is the only writer.
type VersionManager struct {
	logger  base.Logger
	metrics *Metrics

	mu     sync.RWMutex
	pinned *PinnedVersion
}

// NewVersionManager starts from v, or from an empty version when v is nil.
func NewVersionManager(v *manifest.HummockVersion, logger base.Logger, metrics *Metrics) *VersionManager {
	if v == nil {
		v = manifest.NewHummockVersion()
	}
	if logger == nil {
		logger = base.DefaultLogger
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &VersionManager{logger: logger, metrics: metrics, pinned: newPinnedVersion(v)}
}

// Apply advances the committed version by one delta. It fails with
// manifest.ErrVersionConflict when the delta was built against a stale
// version; the caller re-reads the current version and retries. A failed
// apply leaves the committed version untouched.
func (m *VersionManager) Apply(delta *manifest.HummockVersionDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.pinned.version.ApplyDelta(delta)
	if err != nil {
		if errors.Is(err, manifest.ErrVersionConflict) {
			m.metrics.VersionConflicts.Inc()
		}
		return err
	}
	old := m.pinned
	m.pinned = newPinnedVersion(next)
	old.Unref()
	m.metrics.VersionApplies.Inc()
	return nil
}

// Pin returns the current committed version with a reference added. The
// caller must Unref it.
func (m *VersionManager) Pin() *PinnedVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.pinned.Ref()
	return m.pinned
}

// CurrentVersionID returns the committed version's id, the prev-id a new
// delta must carry.
func (m *VersionManager) CurrentVersionID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned.version.ID
}

// MaxCommittedEpoch returns the committed version's max committed epoch.
func (m *VersionManager) MaxCommittedEpoch() base.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned.version.MaxCommittedEpoch
}

// LevelsForGroup returns the current level structure of one group, or nil.
// The result is a snapshot; it is never mutated in place.
func (m *VersionManager) LevelsForGroup(id manifest.CompactionGroupID) *manifest.Levels {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned.version.Levels[id]
}

// BackfillSnapshotGroups migrates a version persisted before snapshot groups
// existed: it synthesizes one snapshot group per compaction group from the
// group's member tables, at the version's committed epoch. Level contents
// are not touched. A no-op when any snapshot group already exists or no
// group has members.
func (m *VersionManager) BackfillSnapshotGroups() error {
	m.mu.RLock()
	v := m.pinned.version
	var deltas []manifest.SnapshotGroupDelta
	if len(v.SnapshotGroups) == 0 {
		for _, groupID := range v.GroupIDs() {
			levels := v.Levels[groupID]
			if len(levels.MemberTableIDs) == 0 {
				continue
			}
			deltas = append(deltas, manifest.SnapshotGroupDelta{
				GroupID:  manifest.SnapshotGroupID(groupID),
				Kind:     manifest.SnapshotGroupConstruct,
				TableIDs: levels.MemberTableIDs,
				Epoch:    v.MaxCommittedEpoch,
			})
		}
	}
	delta := &manifest.HummockVersionDelta{
		ID:                  v.ID + 1,
		PrevID:              v.ID,
		SnapshotGroupDeltas: deltas,
	}
	m.mu.RUnlock()
	if len(deltas) == 0 {
		return nil
	}
	m.logger.Infof("backfilling %d snapshot groups at version %d", len(deltas), delta.PrevID)
	return m.Apply(delta)
}
