// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package objstorage abstracts the durable blob service that holds sstable
// objects. Retries and backoff belong to the implementation, not to callers.
package objstorage

import (
	"context"
	"io"
)

// Writer is a streaming object writer. An object becomes visible only after
// a successful Close; Abort discards everything written so far.
type Writer interface {
	io.Writer
	// Close finalizes the object.
	Close() error
	// Abort drops the partial object. Idempotent, safe after Close failed.
	Abort()
}

// Storage is an opaque durable blob store keyed by object id.
type Storage interface {
	// Put uploads a fully materialized object in one call.
	Put(ctx context.Context, objectID uint64, data []byte) error
	// CreateObject opens a streaming writer for an object.
	CreateObject(ctx context.Context, objectID uint64) (Writer, error)
	// Read returns length bytes of an object starting at offset. A negative
	// length means through the end of the object.
	Read(ctx context.Context, objectID uint64, offset, length int64) ([]byte, error)
	// Size returns the byte size of an object.
	Size(ctx context.Context, objectID uint64) (int64, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectID uint64) error
	// List returns the ids of all stored objects in ascending order.
	List(ctx context.Context) ([]uint64, error)
}
