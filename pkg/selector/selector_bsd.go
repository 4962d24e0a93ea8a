//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package selector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

type Selector struct {
	fd        int
	pipeRead  int
	pipeWrite int

	mu     sync.Mutex
	keys   map[int]*Key
	closed bool

	events []unix.Kevent_t
}

func Open() (s *Selector, err error) {
	kq, err := unix.Kqueue()
	if err != nil {
		err = errors.New("selector: kqueue failed", errors.WithWrap(err))
		return
	}
	var pipe [2]int
	if err = unix.Pipe(pipe[:]); err != nil {
		_ = unix.Close(kq)
		err = errors.New("selector: pipe failed", errors.WithWrap(err))
		return
	}
	_ = unix.SetNonblock(pipe[0], true)
	_ = unix.SetNonblock(pipe[1], true)
	var ev unix.Kevent_t
	unix.SetKevent(&ev, pipe[0], unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	if _, err = unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(pipe[0])
		_ = unix.Close(pipe[1])
		_ = unix.Close(kq)
		err = errors.New("selector: wakeup registration failed", errors.WithWrap(err))
		return
	}
	s = &Selector{
		fd:        kq,
		pipeRead:  pipe[0],
		pipeWrite: pipe[1],
		keys:      make(map[int]*Key),
		events:    make([]unix.Kevent_t, 64),
	}
	return
}

// Register adds a descriptor with both filters disarmed; the caller arms
// readiness per operation with Key.SetInterest.
func (s *Selector) Register(fd int, attachment interface{}) (key *Key, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		err = errors.From(ErrSelectorClosed)
		return
	}
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_DISABLE)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_DISABLE)
	if _, err = unix.Kevent(s.fd, changes, nil, nil); err != nil {
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
		s.events = make([]unix.Kevent_t, len(evs))
	}
	var tsPtr *unix.Timespec
	if timeout >= 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = &ts
	}
	wn, wErr := unix.Kevent(s.fd, nil, s.events[:len(evs)], tsPtr)
	if wErr != nil {
		if wErr == unix.EINTR {
			return
		}
		err = errors.New("selector: kevent failed", errors.WithWrap(wErr))
		return
	}
	for i := 0; i < wn; i++ {
		ev := s.events[i]
		fd := int(ev.Ident)
		if fd == s.pipeRead {
			var buf [64]byte
			_, _ = unix.Read(s.pipeRead, buf[:])
			continue
		}
		key := s.lookup(fd)
		if key == nil {
			continue
		}
		failed := ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
		evs[n] = Event{
			Key:      key,
			Readable: failed || ev.Filter == unix.EVFILT_READ,
			Writable: failed || ev.Filter == unix.EVFILT_WRITE,
		}
		n++
	}
	return
}

// Wakeup interrupts a concurrent Select.
func (s *Selector) Wakeup() {
	_, _ = unix.Write(s.pipeWrite, []byte{1})
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
	_ = unix.Close(s.pipeRead)
	_ = unix.Close(s.pipeWrite)
	err = unix.Close(s.fd)
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
	k.interest.Store(uint32(interest))
	readFlags := uint16(unix.EV_ADD | unix.EV_DISABLE)
	writeFlags := uint16(unix.EV_ADD | unix.EV_DISABLE)
	if interest&Read != 0 {
		readFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	if interest&Write != 0 {
		writeFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], k.fd, unix.EVFILT_READ, int(readFlags))
	unix.SetKevent(&changes[1], k.fd, unix.EVFILT_WRITE, int(writeFlags))
	if _, kErr := unix.Kevent(k.sel.fd, changes, nil, nil); kErr != nil {
		err = errors.New("selector: interest update failed", errors.WithWrap(kErr))
	}
	return
}

// Cancel detaches the descriptor from the selector. It does not close the
// descriptor.
func (k *Key) Cancel() {
	if !k.cancelled.CompareAndSwap(false, true) {
		return
	}
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], k.fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&changes[1], k.fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	_, _ = unix.Kevent(k.sel.fd, changes, nil, nil)
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
