// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/hummockdb/hummock/objstorage"
	"github.com/stretchr/testify/require"
)

func TestMultiBuilderEmpty(t *testing.T) {
	store := objstorage.NewMem()
	factory := NewLocalBuilderFactory(1, Options{}, nil)
	mb := NewMultiBuilder(factory, &BatchSealer{Storage: store})

	sealed, err := mb.Finish(context.Background())
	require.NoError(t, err)
	require.Empty(t, sealed)
	require.Zero(t, mb.BuilderCount())
}

func TestMultiBuilderSealOnCapacity(t *testing.T) {
	ctx := context.Background()
	store := objstorage.NewMem()
	opts := Options{Capacity: 1024, BlockSize: 256, BloomBitsPerKey: 10}
	factory := NewLocalBuilderFactory(7, opts, nil)
	mb := NewMultiBuilder(factory, &BatchSealer{Storage: store})

	const n = 1000
	var maxPair uint64
	for i := 0; i < n; i++ {
		key := testKey(i, 2)
		value := base.MakeValue(fmt.Appendf(nil, "value-%06d", i))
		pair := uint64(len(key.Encode(nil))+value.EncodedLen()) + 4
		if pair > maxPair {
			maxPair = pair
		}
		require.NoError(t, mb.AddFullKey(ctx, key, value, true))
	}
	sealed, err := mb.Finish(ctx)
	require.NoError(t, err)
	require.Greater(t, len(sealed), 1)

	var total uint64
	prevID := manifest.SstableID(6)
	for _, s := range sealed {
		require.NoError(t, s.Upload.Wait(ctx))
		// Capacity is checked before an insert, so a table exceeds it by at
		// most one pair.
		require.LessOrEqual(t, s.Info.UncompressedSize, opts.Capacity+maxPair)
		require.Greater(t, s.Info.ID, prevID)
		prevID = s.Info.ID
		total += s.Info.TotalKeyCount

		data, err := store.Read(ctx, s.Info.ObjectID, 0, -1)
		require.NoError(t, err)
		require.Len(t, data, int(s.Info.FileSize))
	}
	require.Equal(t, uint64(n), total)
}

func TestMultiBuilderNoSplitWithinUserKey(t *testing.T) {
	ctx := context.Background()
	store := objstorage.NewMem()
	opts := Options{Capacity: 64, BlockSize: 32}
	mb := NewMultiBuilder(NewLocalBuilderFactory(1, opts, nil), &BatchSealer{Storage: store})

	// Many versions of one user key with allowSplit=false stay in a single
	// table even though capacity was exceeded.
	key := base.MakeUserKey(1, 0, []byte("hot"))
	for e := base.Epoch(100); e > 0; e-- {
		require.NoError(t, mb.AddFullKey(ctx, base.FullKey{UserKey: key, Epoch: e}, base.MakeValue([]byte("v")), false))
	}
	sealed, err := mb.Finish(ctx)
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	require.Equal(t, uint64(100), sealed[0].Info.TotalKeyCount)
}

func TestMultiBuilderLotsOfTablesStreaming(t *testing.T) {
	ctx := context.Background()
	store := objstorage.NewMem()
	opts := Options{Capacity: 256, BlockSize: 64}
	limiter := NewMemoryLimiter(4 * int64(opts.Capacity))
	factory := NewLocalBuilderFactory(1, opts, limiter)
	mb := NewMultiBuilder(factory, &StreamingSealer{Storage: store, ChunkSize: 128})

	const n = 2000
	for i := 0; i < n; i++ {
		require.NoError(t, mb.AddFullKey(ctx, testKey(i, 1), base.MakeValue([]byte("v")), true))
	}
	sealed, err := mb.Finish(ctx)
	require.NoError(t, err)
	require.Greater(t, len(sealed), 10)

	var total uint64
	for _, s := range sealed {
		require.NoError(t, s.Upload.Wait(ctx))
		total += s.Info.TotalKeyCount

		data, err := store.Read(ctx, s.Info.ObjectID, 0, -1)
		require.NoError(t, err)
		r, err := NewReader(data)
		require.NoError(t, err)
		it := r.NewIter()
		var got uint64
		for it.Next() {
			got++
		}
		require.NoError(t, it.Error())
		require.Equal(t, s.Info.TotalKeyCount, got)
	}
	require.Equal(t, uint64(n), total)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, ids, len(sealed))
}

type failingStorage struct {
	objstorage.Storage
	err error
}

func (s *failingStorage) Put(context.Context, uint64, []byte) error { return s.err }

func TestUploadFailureSurfacesToWaiter(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	store := &failingStorage{Storage: objstorage.NewMem(), err: boom}
	mb := NewMultiBuilder(NewLocalBuilderFactory(1, Options{}, nil), &BatchSealer{Storage: store})

	require.NoError(t, mb.AddFullKey(ctx, testKey(0, 1), base.MakeValue([]byte("v")), true))
	sealed, err := mb.Finish(ctx)
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	require.ErrorIs(t, sealed[0].Upload.Wait(ctx), boom)
}

func TestMemoryLimiterBlocksAndReleases(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryLimiter(10)

	p1, err := limiter.Acquire(ctx, 6)
	require.NoError(t, err)
	p2, err := limiter.Acquire(ctx, 4)
	require.NoError(t, err)

	// Quota exhausted: a further acquire fails once its context expires.
	timed, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = limiter.Acquire(timed, 1)
	require.Error(t, err)

	p1.Release()
	p1.Release() // idempotent
	p3, err := limiter.Acquire(ctx, 6)
	require.NoError(t, err)
	p3.Release()
	p2.Release()

	var nilLimiter *MemoryLimiter
	p, err := nilLimiter.Acquire(ctx, 100)
	require.NoError(t, err)
	p.Release()
}
