package buffers

import (
	"github.com/brickingsoft/errors"
)

var (
	ErrCapacityExceeded = errors.Define("buffer cannot be enlarged past its maximum size")
	ErrInvalidSize      = errors.Define("invalid buffer size")
)

func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

const (
	errMetaBufferKey = "buffer"
)

// Growable owns at most one allocator-backed byte buffer, allocated lazily and
// grown by doubling up to a hard cap. Readable bytes live in data[:len]; free
// space follows. Discarding compacts, so in-flight bytes are never lost to a
// resize. When plainData is set, vacated regions are zeroed before the storage
// goes back to the allocator.
type Growable struct {
	name                 string
	allocator            Allocator
	data                 []byte
	len                  int
	lastSize             int
	maxSize              int
	plainData            bool
	opportunisticDispose bool
}

func NewGrowable(name string, allocator Allocator, initialSize int, maxSize int, plainData bool, opportunisticDispose bool) *Growable {
	if initialSize < 1 {
		initialSize = 1
	}
	if maxSize < initialSize {
		maxSize = initialSize
	}
	return &Growable{
		name:                 name,
		allocator:            allocator,
		lastSize:             initialSize,
		maxSize:              maxSize,
		plainData:            plainData,
		opportunisticDispose: opportunisticDispose,
	}
}

func (b *Growable) Name() string { return b.name }

// Allocated reports whether backing storage is currently held.
func (b *Growable) Allocated() bool { return b.data != nil }

// Len is the number of readable bytes.
func (b *Growable) Len() int { return b.len }

func (b *Growable) Cap() int {
	if b.data == nil {
		return 0
	}
	return len(b.data)
}

// FreeLen is the writable space left before the buffer must grow.
func (b *Growable) FreeLen() int {
	if b.data == nil {
		return 0
	}
	return len(b.data) - b.len
}

func (b *Growable) MaxSize() int { return b.maxSize }

// Bytes returns the readable region. The view is invalidated by any mutating
// call.
func (b *Growable) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[:b.len]
}

// Free returns the writable region; commit bytes written into it with Advance.
func (b *Growable) Free() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[b.len:]
}

// Advance marks n bytes of the free region as readable.
func (b *Growable) Advance(n int) {
	b.len += n
}

// Discard drops the first n readable bytes, compacting the remainder to the
// front. With plainData set the vacated tail is scrubbed.
func (b *Growable) Discard(n int) {
	if n < 1 || b.data == nil {
		return
	}
	if n > b.len {
		n = b.len
	}
	copy(b.data, b.data[n:b.len])
	b.len -= n
	if b.plainData {
		zero(b.data[b.len : b.len+n])
	}
}

// Prepare allocates the buffer if it was never allocated or has been released.
func (b *Growable) Prepare() {
	if b.data == nil {
		b.data = b.allocator.Allocate(b.lastSize)
		b.len = 0
	}
}

// Enlarge doubles the capacity, capped at maxSize. Readable bytes are copied
// forward. Fails once capacity has already reached maxSize.
func (b *Growable) Enlarge() (err error) {
	b.Prepare()
	if len(b.data) >= b.maxSize {
		err = errors.From(
			ErrCapacityExceeded,
			errors.WithMeta(errMetaBufferKey, b.name),
		)
		return
	}
	newSize := len(b.data) * 2
	if newSize > b.maxSize {
		newSize = b.maxSize
	}
	b.grow(newSize)
	return
}

// Resize grows to an explicit capacity, never shrinking. Fails when the target
// exceeds maxSize.
func (b *Growable) Resize(size int) (err error) {
	if size > b.maxSize {
		err = errors.From(
			ErrInvalidSize,
			errors.WithMeta(errMetaBufferKey, b.name),
		)
		return
	}
	b.Prepare()
	if size <= len(b.data) {
		return
	}
	b.grow(size)
	return
}

// EnsureCapacity is Resize gated on the current capacity being smaller.
func (b *Growable) EnsureCapacity(size int) (err error) {
	if b.data != nil && len(b.data) >= size {
		return
	}
	err = b.Resize(size)
	return
}

func (b *Growable) grow(newSize int) {
	newData := b.allocator.Allocate(newSize)
	copy(newData, b.data[:b.len])
	b.free(b.data)
	b.data = newData
	b.lastSize = newSize
}

// Release frees the storage when the disposal policy allows it and no readable
// bytes are held. Reports whether the storage was actually freed.
func (b *Growable) Release() (released bool) {
	if !b.opportunisticDispose || b.data == nil || b.len != 0 {
		return false
	}
	b.free(b.data)
	b.data = nil
	return true
}

// Dispose unconditionally frees the storage if present.
func (b *Growable) Dispose() {
	if b.data != nil {
		b.free(b.data)
		b.data = nil
		b.len = 0
	}
}

// Zero scrubs the whole backing buffer without moving cursors.
func (b *Growable) Zero() {
	if b.data != nil {
		zero(b.data)
	}
}

// ZeroRemaining scrubs the free region after the readable bytes, where stale
// plaintext can linger after a Discard.
func (b *Growable) ZeroRemaining() {
	if b.data != nil {
		zero(b.data[b.len:])
	}
}

func (b *Growable) free(p []byte) {
	if b.plainData {
		zero(p)
	}
	b.allocator.Free(p)
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
