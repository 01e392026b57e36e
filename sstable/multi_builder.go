// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/hummockdb/hummock/objstorage"
	"golang.org/x/sync/semaphore"
)

// MemoryLimiter bounds the total memory held by in-flight builders and their
// not-yet-uploaded output. Opening a builder blocks until quota is available;
// this is the write path's one deliberate backpressure point. The permit is
// released when the sealed table's upload completes, so throughput is
// throttled by completed uploads rather than by open builders alone.
type MemoryLimiter struct {
	sem *semaphore.Weighted
}

// NewMemoryLimiter returns a limiter with quota bytes of capacity.
func NewMemoryLimiter(quota int64) *MemoryLimiter {
	return &MemoryLimiter{sem: semaphore.NewWeighted(quota)}
}

// Acquire blocks until n bytes of quota are available. A nil limiter grants
// immediately.
func (l *MemoryLimiter) Acquire(ctx context.Context, n int64) (*MemoryPermit, error) {
	if l == nil {
		return nil, nil
	}
	if err := l.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return &MemoryPermit{l: l, n: n}, nil
}

// MemoryPermit is a tracked quota reservation. Release is idempotent and
// nil-safe.
type MemoryPermit struct {
	l    *MemoryLimiter
	n    int64
	once sync.Once
}

// Release returns the reservation to the limiter.
func (p *MemoryPermit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.l.sem.Release(p.n) })
}

// UploadHandle is an awaitable background upload. A failed upload surfaces
// its error to every waiter; it is never silently dropped.
type UploadHandle struct {
	done chan struct{}
	err  error
}

func newUploadHandle() *UploadHandle {
	return &UploadHandle{done: make(chan struct{})}
}

func (h *UploadHandle) complete(err error) {
	h.err = err
	close(h.done)
}

// Wait blocks until the upload finishes or ctx is done.
func (h *UploadHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SealedSstable is the result of sealing one builder: the table's metadata
// plus a handle the caller may await before treating the table as durable.
type SealedSstable struct {
	Info            manifest.SstableInfo
	BloomFilterSize int
	Upload          *UploadHandle
}

// BuilderFactory opens builders on demand, assigning ids and reserving
// memory quota.
type BuilderFactory interface {
	// OpenBuilder blocks until the factory's memory limiter grants a permit.
	// The permit travels with the builder's sealed output and is released
	// when its upload completes.
	OpenBuilder(ctx context.Context) (*Builder, *MemoryPermit, error)
}

// LocalBuilderFactory mints sequential sstable ids, using the id as the
// object id.
type LocalBuilderFactory struct {
	nextID  atomic.Uint64
	opts    Options
	limiter *MemoryLimiter
}

// NewLocalBuilderFactory returns a factory starting at firstID. limiter may
// be nil for unbounded memory.
func NewLocalBuilderFactory(firstID manifest.SstableID, opts Options, limiter *MemoryLimiter) *LocalBuilderFactory {
	f := &LocalBuilderFactory{opts: opts.withDefaults(), limiter: limiter}
	f.nextID.Store(uint64(firstID))
	return f
}

// OpenBuilder implements BuilderFactory.
func (f *LocalBuilderFactory) OpenBuilder(ctx context.Context) (*Builder, *MemoryPermit, error) {
	permit, err := f.limiter.Acquire(ctx, int64(f.opts.Capacity))
	if err != nil {
		return nil, nil, err
	}
	id := f.nextID.Add(1) - 1
	return NewBuilder(manifest.SstableID(id), id, f.opts), permit, nil
}

// Sealer turns a finished builder output into a background upload.
type Sealer interface {
	Seal(ctx context.Context, out BuildOutput, permit *MemoryPermit) *UploadHandle
}

// BatchSealer uploads the fully materialized table in a single Put.
type BatchSealer struct {
	Storage objstorage.Storage
}

// Seal implements Sealer.
func (s *BatchSealer) Seal(ctx context.Context, out BuildOutput, permit *MemoryPermit) *UploadHandle {
	h := newUploadHandle()
	go func() {
		defer permit.Release()
		h.complete(s.Storage.Put(ctx, out.Info.ObjectID, out.Data))
	}()
	return h
}

// StreamingSealer writes the table through the store's streaming writer in
// fixed-size chunks instead of one materialized Put.
type StreamingSealer struct {
	Storage   objstorage.Storage
	ChunkSize int
}

// Seal implements Sealer.
func (s *StreamingSealer) Seal(ctx context.Context, out BuildOutput, permit *MemoryPermit) *UploadHandle {
	h := newUploadHandle()
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = 1 << 20
	}
	go func() {
		defer permit.Release()
		w, err := s.Storage.CreateObject(ctx, out.Info.ObjectID)
		if err != nil {
			h.complete(err)
			return
		}
		for data := out.Data; len(data) > 0; {
			n := min(chunk, len(data))
			if _, err := w.Write(data[:n]); err != nil {
				w.Abort()
				h.complete(err)
				return
			}
			data = data[n:]
		}
		h.complete(w.Close())
	}()
	return h
}

// MultiBuilder feeds an unbounded ascending key stream into a sequence of
// capacity-bounded builders, sealing each as it fills.
//
// Per in-flight builder: no builder, building, sealed with its upload
// running in the background, then no builder again.
type MultiBuilder struct {
	factory BuilderFactory
	sealer  Sealer

	current *Builder
	permit  *MemoryPermit
	sealed  []SealedSstable
}

// NewMultiBuilder returns a multi-builder over factory and sealer.
func NewMultiBuilder(factory BuilderFactory, sealer Sealer) *MultiBuilder {
	return &MultiBuilder{factory: factory, sealer: sealer}
}

// AddFullKey appends one pair. When allowSplit is set and the open builder
// has reached capacity it is sealed first; callers that must not split a run
// of versions of one user key pass allowSplit=false and guarantee capacity
// themselves.
func (m *MultiBuilder) AddFullKey(ctx context.Context, key base.FullKey, value base.Value, allowSplit bool) error {
	if m.current != nil && allowSplit && m.current.ReachedCapacity() {
		if err := m.SealCurrent(ctx); err != nil {
			return err
		}
	}
	if m.current == nil {
		b, permit, err := m.factory.OpenBuilder(ctx)
		if err != nil {
			return err
		}
		m.current, m.permit = b, permit
	}
	return m.current.Add(key, value)
}

// SealCurrent finalizes the open builder, hands its output to the sealer,
// and records the sealed result. A no-op without an open builder.
func (m *MultiBuilder) SealCurrent(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	out, err := m.current.Finish()
	if err != nil {
		m.permit.Release()
		m.current, m.permit = nil, nil
		return err
	}
	upload := m.sealer.Seal(ctx, out, m.permit)
	m.sealed = append(m.sealed, SealedSstable{
		Info:            out.Info,
		BloomFilterSize: out.BloomFilterSize,
		Upload:          upload,
	})
	m.current, m.permit = nil, nil
	return nil
}

// BuilderCount returns the number of sealed builders plus the open one.
func (m *MultiBuilder) BuilderCount() int {
	n := len(m.sealed)
	if m.current != nil {
		n++
	}
	return n
}

// Finish seals any open builder and returns every sealed table in creation
// order. An empty input yields zero tables, not an empty table.
func (m *MultiBuilder) Finish(ctx context.Context) ([]SealedSstable, error) {
	if err := m.SealCurrent(ctx); err != nil {
		return nil, err
	}
	sealed := m.sealed
	m.sealed = nil
	return sealed, nil
}
