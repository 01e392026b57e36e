// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package objstorage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	require.NoError(t, s.Put(ctx, 1, []byte("hello")))
	require.NoError(t, s.Put(ctx, 3, []byte("world")))

	data, err := s.Read(ctx, 1, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	data, err = s.Read(ctx, 1, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("ell"), data)

	_, err = s.Read(ctx, 2, 0, -1)
	require.ErrorIs(t, err, ErrObjectNotFound)

	size, err := s.Size(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3}, ids)

	require.NoError(t, s.Delete(ctx, 1))
	require.NoError(t, s.Delete(ctx, 1))
	_, err = s.Size(ctx, 1)
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestMemStorageStreamingWriter(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	w, err := s.CreateObject(ctx, 9)
	require.NoError(t, err)
	_, err = w.Write([]byte("part1-"))
	require.NoError(t, err)
	_, err = w.Write([]byte("part2"))
	require.NoError(t, err)

	// Invisible until closed.
	_, err = s.Read(ctx, 9, 0, -1)
	require.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, w.Close())
	data, err := s.Read(ctx, 9, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []byte("part1-part2"), data)

	// An aborted writer leaves nothing behind.
	w, err = s.CreateObject(ctx, 10)
	require.NoError(t, err)
	_, err = w.Write([]byte("junk"))
	require.NoError(t, err)
	w.Abort()
	require.NoError(t, w.Close())
	_, err = s.Read(ctx, 10, 0, -1)
	require.ErrorIs(t, err, ErrObjectNotFound)
}
