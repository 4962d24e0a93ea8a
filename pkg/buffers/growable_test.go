package buffers_test

import (
	"bytes"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
	"testing"
)

func TestGrowableLazyAllocation(t *testing.T) {
	b := buffers.NewGrowable("test", buffers.HeapAllocator{}, 16, 64, false, true)
	if b.Allocated() {
		t.Error("allocated before Prepare")
	}
	if b.Cap() != 0 || b.Len() != 0 || b.FreeLen() != 0 {
		t.Error("non-zero sizes before Prepare:", b.Cap(), b.Len(), b.FreeLen())
	}
	b.Prepare()
	if !b.Allocated() {
		t.Error("not allocated after Prepare")
	}
	if b.Cap() != 16 || b.FreeLen() != 16 {
		t.Error("unexpected capacity:", b.Cap(), b.FreeLen())
	}
}

func TestGrowableAdvanceDiscard(t *testing.T) {
	b := buffers.NewGrowable("test", buffers.HeapAllocator{}, 16, 64, false, true)
	b.Prepare()
	n := copy(b.Free(), []byte("hello world"))
	b.Advance(n)
	if b.Len() != 11 {
		t.Error("len after advance:", b.Len())
	}
	b.Discard(6)
	if !bytes.Equal(b.Bytes(), []byte("world")) {
		t.Error("bytes after discard:", string(b.Bytes()))
	}
	if b.FreeLen() != 11 {
		t.Error("free after discard:", b.FreeLen())
	}
}

func TestGrowableEnlargeDoublesUpToMax(t *testing.T) {
	b := buffers.NewGrowable("test", buffers.HeapAllocator{}, 16, 48, false, true)
	b.Prepare()
	copy(b.Free(), []byte("abc"))
	b.Advance(3)
	if err := b.Enlarge(); err != nil {
		t.Error(err)
		return
	}
	if b.Cap() != 32 {
		t.Error("cap after first enlarge:", b.Cap())
	}
	if !bytes.Equal(b.Bytes(), []byte("abc")) {
		t.Error("content lost across enlarge:", string(b.Bytes()))
	}
	if err := b.Enlarge(); err != nil {
		t.Error(err)
		return
	}
	if b.Cap() != 48 {
		t.Error("cap must be capped at max:", b.Cap())
	}
	err := b.Enlarge()
	if err == nil {
		t.Error("enlarge past max must fail")
		return
	}
	if !buffers.IsCapacityExceeded(err) {
		t.Error("unexpected error kind:", err)
	}
}

func TestGrowableResizeAndEnsureCapacity(t *testing.T) {
	b := buffers.NewGrowable("test", buffers.HeapAllocator{}, 8, 64, false, true)
	if err := b.EnsureCapacity(24); err != nil {
		t.Error(err)
		return
	}
	if b.Cap() != 24 {
		t.Error("cap after ensure:", b.Cap())
	}
	if err := b.EnsureCapacity(10); err != nil {
		t.Error(err)
		return
	}
	if b.Cap() != 24 {
		t.Error("ensure must never shrink:", b.Cap())
	}
	if err := b.Resize(128); err == nil {
		t.Error("resize past max must fail")
	}
}

func TestGrowableReleasePolicy(t *testing.T) {
	eager := buffers.NewGrowable("eager", buffers.HeapAllocator{}, 16, 64, false, true)
	eager.Prepare()
	if !eager.Release() {
		t.Error("empty buffer with opportunistic dispose must release")
	}
	if eager.Allocated() {
		t.Error("still allocated after release")
	}
	eager.Prepare()
	eager.Advance(1)
	if eager.Release() {
		t.Error("buffer with readable bytes must not release")
	}

	sticky := buffers.NewGrowable("sticky", buffers.HeapAllocator{}, 16, 64, false, false)
	sticky.Prepare()
	if sticky.Release() {
		t.Error("release must be a no-op without opportunistic dispose")
	}
	sticky.Dispose()
	if sticky.Allocated() {
		t.Error("dispose must always free")
	}
}

func TestGrowablePlainDataScrubbing(t *testing.T) {
	alloc := &captureAllocator{}
	b := buffers.NewGrowable("plain", alloc, 16, 64, true, true)
	b.Prepare()
	n := copy(b.Free(), []byte("secret material"))
	b.Advance(n)
	b.Discard(7)
	tail := alloc.last[b.Len():]
	for i, c := range tail {
		if c != 0 {
			t.Error("vacated tail not scrubbed at", i)
			return
		}
	}
	b.Discard(b.Len())
	b.Release()
	for i, c := range alloc.last {
		if c != 0 {
			t.Error("released storage not scrubbed at", i)
			return
		}
	}
}

// captureAllocator keeps a reference to the slice it hands out so tests can
// inspect storage after the buffer let go of it.
type captureAllocator struct {
	last []byte
}

func (a *captureAllocator) Allocate(size int) (p []byte) {
	p = make([]byte, size)
	a.last = p
	return
}

func (a *captureAllocator) Free(p []byte) {}
