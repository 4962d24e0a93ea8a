package buffers

import (
	"sync"
	"sync/atomic"
)

// Allocator provides the backing storage for Growable buffers. Implementations
// must be safe for concurrent use, a single allocator is typically shared by
// many channels.
type Allocator interface {
	Allocate(size int) (p []byte)
	Free(p []byte)
}

// HeapAllocator allocates plain garbage-collected slices. It is the default
// allocator for plaintext buffers.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(size int) (p []byte) {
	p = make([]byte, size)
	return
}

func (HeapAllocator) Free(p []byte) {}

const (
	minPooledSize = 1 << 12
	maxPooledSize = 1 << 17
)

// NewPoolAllocator builds an allocator backed by size-bucketed sync.Pools.
// It is the default allocator for ciphertext buffers, where contents need not
// be scrubbed and reuse avoids churn on busy groups.
func NewPoolAllocator() *PoolAllocator {
	a := &PoolAllocator{}
	for i := range a.pools {
		size := minPooledSize << i
		a.pools[i].New = func() interface{} {
			return make([]byte, size)
		}
	}
	return a
}

type PoolAllocator struct {
	pools [6]sync.Pool // 4k, 8k, 16k, 32k, 64k, 128k
}

func (a *PoolAllocator) bucket(size int) int {
	b := 0
	for s := minPooledSize; s < size && b < len(a.pools)-1; s <<= 1 {
		b++
	}
	return b
}

func (a *PoolAllocator) Allocate(size int) (p []byte) {
	if size > maxPooledSize {
		return make([]byte, size)
	}
	b := a.bucket(size)
	p = a.pools[b].Get().([]byte)[:size]
	return
}

func (a *PoolAllocator) Free(p []byte) {
	c := cap(p)
	if c < minPooledSize || c > maxPooledSize || c&(c-1) != 0 {
		return
	}
	a.pools[a.bucket(c)].Put(p[:c])
}

// NewTrackingAllocator decorates an allocator with usage counters.
func NewTrackingAllocator(inner Allocator) *TrackingAllocator {
	return &TrackingAllocator{inner: inner}
}

// TrackingAllocator keeps atomic accounting of the allocations flowing through
// it. The channel facades expose one per buffer family.
type TrackingAllocator struct {
	inner           Allocator
	bytesAllocated  atomic.Int64
	allocations     atomic.Int64
	frees           atomic.Int64
	currentBytes    atomic.Int64
	maxCurrentBytes atomic.Int64
}

func (a *TrackingAllocator) Allocate(size int) (p []byte) {
	p = a.inner.Allocate(size)
	a.bytesAllocated.Add(int64(size))
	a.allocations.Add(1)
	current := a.currentBytes.Add(int64(cap(p)))
	for {
		max := a.maxCurrentBytes.Load()
		if current <= max || a.maxCurrentBytes.CompareAndSwap(max, current) {
			break
		}
	}
	return
}

func (a *TrackingAllocator) Free(p []byte) {
	a.frees.Add(1)
	a.currentBytes.Add(int64(-cap(p)))
	a.inner.Free(p)
}

func (a *TrackingAllocator) BytesAllocated() int64 { return a.bytesAllocated.Load() }

func (a *TrackingAllocator) Allocations() int64 { return a.allocations.Load() }

func (a *TrackingAllocator) Frees() int64 { return a.frees.Load() }

func (a *TrackingAllocator) CurrentBytes() int64 { return a.currentBytes.Load() }

func (a *TrackingAllocator) MaxCurrentBytes() int64 { return a.maxCurrentBytes.Load() }
