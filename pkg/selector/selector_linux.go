//go:build linux

package selector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

type Selector struct {
	fd     int
	wakeFd int

	mu     sync.Mutex
	keys   map[int]*Key
	closed bool

	events []unix.EpollEvent
}

func Open() (s *Selector, err error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		err = errors.New("selector: epoll_create1 failed", errors.WithWrap(err))
		return
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		err = errors.New("selector: eventfd failed", errors.WithWrap(err))
		return
	}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Fd:     int32(wakeFd),
		Events: unix.EPOLLIN,
	})
	if err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		err = errors.New("selector: wakeup registration failed", errors.WithWrap(err))
		return
	}
	s = &Selector{
		fd:     epfd,
		wakeFd: wakeFd,
		keys:   make(map[int]*Key),
		events: make([]unix.EpollEvent, 64),
	}
	return
}

// Register adds a descriptor with no interest armed; the caller arms
// readiness per operation with Key.SetInterest.
func (s *Selector) Register(fd int, attachment interface{}) (key *Key, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		err = errors.From(ErrSelectorClosed)
		return
	}
	err = unix.EpollCtl(s.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)})
	if err != nil {
		err = errors.New("selector: register failed", errors.WithWrap(err))
		return
	}
	key = &Key{fd: fd, sel: s, attachment: attachment}
	s.keys[fd] = key
	return
}

// Select waits up to timeout for readiness and fills evs. Wakeup calls and
// EINTR end the wait early with n == 0.
func (s *Selector) Select(evs []Event, timeout time.Duration) (n int, err error) {
	if len(evs) > len(s.events) {
		s.events = make([]unix.EpollEvent, len(evs))
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	wn, wErr := unix.EpollWait(s.fd, s.events[:len(evs)], ms)
	if wErr != nil {
		if wErr == unix.EINTR {
			return
		}
		err = errors.New("selector: epoll_wait failed", errors.WithWrap(wErr))
		return
	}
	for i := 0; i < wn; i++ {
		ev := s.events[i]
		fd := int(ev.Fd)
		if fd == s.wakeFd {
			var buf [8]byte
			_, _ = unix.Read(s.wakeFd, buf[:])
			continue
		}
		key := s.lookup(fd)
		if key == nil {
			continue
		}
		failed := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		evs[n] = Event{
			Key:      key,
			Readable: failed || ev.Events&unix.EPOLLIN != 0,
			Writable: failed || ev.Events&unix.EPOLLOUT != 0,
		}
		n++
	}
	return
}

// Wakeup interrupts a concurrent Select.
func (s *Selector) Wakeup() {
	var one uint64 = 1
	buf := [8]byte{
		byte(one), byte(one >> 8), byte(one >> 16), byte(one >> 24),
		byte(one >> 32), byte(one >> 40), byte(one >> 48), byte(one >> 56),
	}
	_, _ = unix.Write(s.wakeFd, buf[:])
}

// Keys snapshots the registered keys, for periodic validity sweeps.
func (s *Selector) Keys() (keys []*Key) {
	s.mu.Lock()
	keys = make([]*Key, 0, len(s.keys))
	for _, key := range s.keys {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	return
}

func (s *Selector) Close() (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.keys = make(map[int]*Key)
	s.mu.Unlock()
	if cErr := unix.Close(s.wakeFd); cErr != nil {
		err = cErr
	}
	if cErr := unix.Close(s.fd); cErr != nil && err == nil {
		err = cErr
	}
	return
}

func (s *Selector) lookup(fd int) (key *Key) {
	s.mu.Lock()
	key = s.keys[fd]
	s.mu.Unlock()
	return
}

// Key is one registered descriptor. Interest is rearmed per operation and
// cleared by the poll loop before dispatching, so a readiness event fires at
// most once per arming.
type Key struct {
	fd         int
	sel        *Selector
	attachment interface{}
	interest   atomic.Uint32
	cancelled  atomic.Bool
}

func (k *Key) Fd() int {
	return k.fd
}

func (k *Key) Attachment() interface{} {
	return k.attachment
}

func (k *Key) Interest() Interest {
	return Interest(k.interest.Load())
}

func (k *Key) SetInterest(interest Interest) (err error) {
	if k.cancelled.Load() {
		err = errors.From(ErrKeyCancelled)
		return
	}
	var events uint32
	if interest&Read != 0 {
		events |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		events |= unix.EPOLLOUT
	}
	k.interest.Store(uint32(interest))
	err = unix.EpollCtl(k.sel.fd, unix.EPOLL_CTL_MOD, k.fd, &unix.EpollEvent{
		Fd:     int32(k.fd),
		Events: events,
	})
	if err != nil {
		err = errors.New("selector: interest update failed", errors.WithWrap(err))
	}
	return
}

// Cancel detaches the descriptor from the selector. It does not close the
// descriptor.
func (k *Key) Cancel() {
	if !k.cancelled.CompareAndSwap(false, true) {
		return
	}
	_ = unix.EpollCtl(k.sel.fd, unix.EPOLL_CTL_DEL, k.fd, &unix.EpollEvent{Fd: int32(k.fd)})
	k.sel.mu.Lock()
	if k.sel.keys[k.fd] == k {
		delete(k.sel.keys, k.fd)
	}
	k.sel.mu.Unlock()
}

// Valid probes the descriptor, detecting sockets closed behind the
// selector's back. Poll loops sweep this periodically because the kernel
// never reports an externally closed descriptor.
func (k *Key) Valid() bool {
	if k.cancelled.Load() {
		return false
	}
	_, err := unix.FcntlInt(uintptr(k.fd), unix.F_GETFD, 0)
	return err == nil
}
