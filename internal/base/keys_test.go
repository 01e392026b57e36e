// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserKeyRoundTrip(t *testing.T) {
	k := MakeUserKey(42, 7, []byte("foo"))
	tableID, vnode, suffix, err := DecodeUserKey(k)
	require.NoError(t, err)
	require.Equal(t, TableID(42), tableID)
	require.Equal(t, VirtualNode(7), vnode)
	require.Equal(t, []byte("foo"), suffix)
	require.Equal(t, TableID(42), TableIDFromUserKey(k))
	require.Equal(t, VirtualNode(7), VNodeFromUserKey(k))
}

func TestUserKeyOrdering(t *testing.T) {
	// Table id dominates, then vnode, then suffix.
	a := MakeUserKey(1, 200, []byte("zzz"))
	b := MakeUserKey(2, 0, nil)
	require.Negative(t, bytes.Compare(a, b))

	c := MakeUserKey(1, 0, []byte("b"))
	d := MakeUserKey(1, 1, []byte("a"))
	require.Negative(t, bytes.Compare(c, d))
}

func TestFullKeyRoundTrip(t *testing.T) {
	fk := MakeFullKey(3, 0, []byte("key"), 17)
	decoded, err := DecodeFullKey(fk.Encode(nil))
	require.NoError(t, err)
	require.Equal(t, fk.UserKey, decoded.UserKey)
	require.Equal(t, Epoch(17), decoded.Epoch)

	_, err = DecodeFullKey([]byte("short"))
	require.Error(t, err)
}

func TestFullKeyEpochOrdering(t *testing.T) {
	// For equal user keys, newer epochs sort first, and the complemented
	// epoch suffix makes the byte encoding agree with Compare.
	newer := MakeFullKey(3, 0, []byte("key"), 9)
	older := MakeFullKey(3, 0, []byte("key"), 2)
	require.Negative(t, newer.Compare(older))
	require.Positive(t, older.Compare(newer))
	require.Zero(t, newer.Compare(newer))
	require.Negative(t, bytes.Compare(newer.Encode(nil), older.Encode(nil)))
	require.Negative(t, CompareEncodedFullKeys(newer.Encode(nil), older.Encode(nil)))

	// A boundary key carrying EpochMax sorts before every entry at or beyond
	// its user key.
	boundary := MakeFullKey(3, 0, []byte("key"), EpochMax)
	require.Negative(t, bytes.Compare(boundary.Encode(nil), older.Encode(nil)))
	longer := MakeFullKey(3, 0, []byte("key0"), 5)
	require.Negative(t, bytes.Compare(boundary.Encode(nil), longer.Encode(nil)))
}

func TestValueEncoding(t *testing.T) {
	v, err := DecodeValue(EncodeValue(nil, MakeValue([]byte("payload"))))
	require.NoError(t, err)
	require.False(t, v.IsTombstone())
	require.Equal(t, []byte("payload"), v.UserValue())

	v, err = DecodeValue(EncodeValue(nil, MakeTombstone()))
	require.NoError(t, err)
	require.True(t, v.IsTombstone())

	_, err = DecodeValue(nil)
	require.Error(t, err)
}
