// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package objstorage

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrObjectNotFound is returned when reading an object id that was never
// stored or was deleted.
var ErrObjectNotFound = errors.New("objstorage: object not found")

// MemStorage is an in-memory Storage used in tests and single-process runs.
type MemStorage struct {
	mu      sync.RWMutex
	objects map[uint64][]byte
}

var _ Storage = (*MemStorage)(nil)

// NewMem returns an empty in-memory store.
func NewMem() *MemStorage {
	return &MemStorage{objects: make(map[uint64][]byte)}
}

// Put implements Storage.
func (s *MemStorage) Put(_ context.Context, objectID uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectID] = slices.Clone(data)
	return nil
}

type memWriter struct {
	s        *MemStorage
	objectID uint64
	buf      []byte
	done     bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *memWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.s.objects[w.objectID] = w.buf
	return nil
}

func (w *memWriter) Abort() {
	w.done = true
	w.buf = nil
}

// CreateObject implements Storage.
func (s *MemStorage) CreateObject(_ context.Context, objectID uint64) (Writer, error) {
	return &memWriter{s: s, objectID: objectID}, nil
}

// Read implements Storage.
func (s *MemStorage) Read(_ context.Context, objectID uint64, offset, length int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[objectID]
	if !ok {
		return nil, errors.Wrapf(ErrObjectNotFound, "object %d", objectID)
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, errors.Newf("objstorage: offset %d out of range for object %d", offset, objectID)
	}
	if length < 0 || offset+length > int64(len(data)) {
		length = int64(len(data)) - offset
	}
	return slices.Clone(data[offset : offset+length]), nil
}

// Size implements Storage.
func (s *MemStorage) Size(_ context.Context, objectID uint64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[objectID]
	if !ok {
		return 0, errors.Wrapf(ErrObjectNotFound, "object %d", objectID)
	}
	return int64(len(data)), nil
}

// Delete implements Storage.
func (s *MemStorage) Delete(_ context.Context, objectID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectID)
	return nil
}

// List implements Storage.
func (s *MemStorage) List(_ context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
