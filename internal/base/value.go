// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// Value is a user value or a deletion tombstone. The zero Value is a
// tombstone.
type Value struct {
	data    []byte
	present bool
}

// MakeValue returns a put Value holding data.
func MakeValue(data []byte) Value {
	return Value{data: data, present: true}
}

// MakeTombstone returns a deletion Value.
func MakeTombstone() Value {
	return Value{}
}

// IsTombstone reports whether v is a deletion.
func (v Value) IsTombstone() bool {
	return !v.present
}

// UserValue returns the payload of a put, or nil for a tombstone.
func (v Value) UserValue() []byte {
	return v.data
}

// EncodedLen returns the length of the wire encoding of v.
func (v Value) EncodedLen() int {
	return 1 + len(v.data)
}

const (
	valueTagPut    = 0
	valueTagDelete = 1
)

// EncodeValue appends the wire encoding of v to dst: a one byte tag followed
// by the payload for puts.
func EncodeValue(dst []byte, v Value) []byte {
	if v.IsTombstone() {
		return append(dst, valueTagDelete)
	}
	dst = append(dst, valueTagPut)
	return append(dst, v.data...)
}

// DecodeValue decodes the wire encoding produced by EncodeValue. The
// returned payload aliases encoded.
func DecodeValue(encoded []byte) (Value, error) {
	if len(encoded) == 0 {
		return Value{}, errors.Errorf("hummock: empty value encoding")
	}
	switch encoded[0] {
	case valueTagPut:
		return MakeValue(encoded[1:]), nil
	case valueTagDelete:
		return MakeTombstone(), nil
	}
	return Value{}, errors.Errorf("hummock: unknown value tag %d", encoded[0])
}
