package buffers_test

import (
	"bytes"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
	"testing"
)

func TestSetRemainingAndSkip(t *testing.T) {
	a := make([]byte, 3)
	b := make([]byte, 5)
	s := buffers.NewSet(a, b)
	if s.Remaining() != 8 || !s.HasRemaining() {
		t.Error("remaining:", s.Remaining())
	}
	s.Skip(4)
	if s.Remaining() != 4 {
		t.Error("remaining after skip:", s.Remaining())
	}
	views := s.Slices()
	if len(views) != 1 || len(views[0]) != 4 {
		t.Error("slices after skip:", views)
	}
	s.Skip(100)
	if s.HasRemaining() {
		t.Error("skip past end must exhaust the set")
	}
	if s.Slices() != nil {
		t.Error("exhausted set must yield no slices")
	}
}

func TestSetPutSpansBuffers(t *testing.T) {
	a := make([]byte, 3)
	b := make([]byte, 3)
	s := buffers.NewSet(a, b)
	n := s.Put([]byte("hello!?"))
	if n != 6 {
		t.Error("put must saturate at set capacity:", n)
	}
	if !bytes.Equal(a, []byte("hel")) || !bytes.Equal(b, []byte("lo!")) {
		t.Error("scatter content:", string(a), string(b))
	}
	if s.HasRemaining() {
		t.Error("set must be exhausted after a full put")
	}
}

func TestSetEmptyBuffers(t *testing.T) {
	s := buffers.NewSet(nil, make([]byte, 0), make([]byte, 2))
	if s.Remaining() != 2 || !s.HasRemaining() {
		t.Error("remaining with empty members:", s.Remaining())
	}
	if n := s.Put([]byte("xyz")); n != 2 {
		t.Error("put across empty members:", n)
	}
}

func TestTrackingAllocatorCounters(t *testing.T) {
	a := buffers.NewTrackingAllocator(buffers.HeapAllocator{})
	p1 := a.Allocate(100)
	p2 := a.Allocate(50)
	if a.Allocations() != 2 || a.BytesAllocated() != 150 {
		t.Error("allocation counters:", a.Allocations(), a.BytesAllocated())
	}
	if a.CurrentBytes() != int64(cap(p1)+cap(p2)) {
		t.Error("current bytes:", a.CurrentBytes())
	}
	max := a.MaxCurrentBytes()
	a.Free(p2)
	if a.Frees() != 1 {
		t.Error("free counter:", a.Frees())
	}
	if a.CurrentBytes() != int64(cap(p1)) {
		t.Error("current bytes after free:", a.CurrentBytes())
	}
	if a.MaxCurrentBytes() != max {
		t.Error("high watermark must not drop:", a.MaxCurrentBytes(), max)
	}
}

func TestPoolAllocatorRoundTrip(t *testing.T) {
	a := buffers.NewPoolAllocator()
	p := a.Allocate(4096)
	if len(p) != 4096 {
		t.Error("allocated length:", len(p))
	}
	a.Free(p)
	q := a.Allocate(10000)
	if len(q) != 10000 || cap(q) < 16384 {
		t.Error("bucketed allocation:", len(q), cap(q))
	}
	a.Free(q)
	big := a.Allocate(1 << 20)
	if len(big) != 1<<20 {
		t.Error("oversized allocation:", len(big))
	}
	a.Free(big)
}
