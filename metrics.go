// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the storage engine's prometheus collectors.
type Metrics struct {
	// BloomFilterSize observes the encoded bloom filter size of each sealed
	// sstable.
	BloomFilterSize prometheus.Histogram
	// SstableFileSize observes the encoded size of each sealed sstable.
	SstableFileSize prometheus.Histogram

	// GetStagingImmHits counts point reads answered from an immutable batch.
	GetStagingImmHits prometheus.Counter
	// GetStagingSstHits counts point reads answered from a staging sstable.
	GetStagingSstHits prometheus.Counter
	// GetCommittedHits counts point reads answered from the committed
	// version.
	GetCommittedHits prometheus.Counter

	// VersionApplies counts successfully applied version deltas.
	VersionApplies prometheus.Counter
	// VersionConflicts counts deltas rejected for a prev-id mismatch.
	VersionConflicts prometheus.Counter
}

// NewMetrics builds the collector set and registers it with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BloomFilterSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hummock",
			Name:      "bloom_filter_size_bytes",
			Help:      "Encoded bloom filter size of sealed sstables.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
		SstableFileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hummock",
			Name:      "sstable_file_size_bytes",
			Help:      "Encoded file size of sealed sstables.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		GetStagingImmHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock",
			Name:      "get_staging_imm_hits_total",
			Help:      "Point reads answered from an immutable staging batch.",
		}),
		GetStagingSstHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock",
			Name:      "get_staging_sst_hits_total",
			Help:      "Point reads answered from a staging sstable.",
		}),
		GetCommittedHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock",
			Name:      "get_committed_hits_total",
			Help:      "Point reads answered from the committed version.",
		}),
		VersionApplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock",
			Name:      "version_applies_total",
			Help:      "Successfully applied version deltas.",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hummock",
			Name:      "version_conflicts_total",
			Help:      "Version deltas rejected for a prev-id mismatch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BloomFilterSize, m.SstableFileSize,
			m.GetStagingImmHits, m.GetStagingSstHits, m.GetCommittedHits,
			m.VersionApplies, m.VersionConflicts,
		)
	}
	return m
}
