// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package hummock is a versioned, compaction-group-partitioned LSM storage
// engine. It provides a multi-version (epoch-indexed) view of on-disk sorted
// tables, a pipeline that turns key-ordered write streams into
// capacity-bounded uploadable tables, group split/merge for rebalancing, and
// per-table read versions that merge not-yet-committed staging data with the
// last committed version for snapshot-isolated reads.
package hummock

import (
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/objstorage"
	"github.com/hummockdb/hummock/sstable"
)

// Options configures a storage instance.
type Options struct {
	// Logger receives informational and error messages. Defaults to
	// base.DefaultLogger.
	Logger base.Logger

	// ObjectStorage is the durable blob store for sstable objects. Defaults
	// to an in-memory store, suitable only for tests.
	ObjectStorage objstorage.Storage

	// Sstable configures the tables produced by flushes.
	Sstable sstable.Options

	// LevelCount is the number of non-overlapping levels per compaction
	// group, not counting the overlapping L0 tier.
	LevelCount int

	// BuilderMemoryQuota bounds the memory held by in-flight sstable
	// builders. Zero disables the limiter.
	BuilderMemoryQuota int64

	// Metrics receives storage measurements. Defaults to metrics registered
	// nowhere.
	Metrics *Metrics
}

// EnsureDefaults fills unset fields in place and returns opts.
func (o *Options) EnsureDefaults() *Options {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.ObjectStorage == nil {
		o.ObjectStorage = objstorage.NewMem()
	}
	if o.LevelCount == 0 {
		o.LevelCount = 6
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}
