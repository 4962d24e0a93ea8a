//go:build unix

package tlschannel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp"
	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
	"github.com/brickingsoft/tlschannel/pkg/selector"
)

const (
	groupActive int32 = iota
	groupShutdown
	groupShutdownNow
)

const (
	// bounded wait so the loop notices shutdown requests and externally
	// closed sockets even when the selector stays silent
	selectTimeout    = 100 * time.Millisecond
	keySweepInterval = time.Second
)

type GroupOptions struct {
	rxpOptions []rxp.Option
}

type GroupOption func(options *GroupOptions) (err error)

// WithGroupMaxGoroutines caps the worker pool that runs operation
// continuations and completion handlers.
func WithGroupMaxGoroutines(n int) GroupOption {
	return func(options *GroupOptions) (err error) {
		if n < 1 {
			err = errors.New("tlschannel: max goroutines must be positive")
			return
		}
		options.rxpOptions = append(options.rxpOptions, rxp.WithMaxGoroutines(n))
		return
	}
}

// WithGroupGoroutineIdleDuration bounds how long idle workers stick around.
func WithGroupGoroutineIdleDuration(d time.Duration) GroupOption {
	return func(options *GroupOptions) (err error) {
		if d < 1 {
			err = errors.New("tlschannel: idle duration must be positive")
			return
		}
		options.rxpOptions = append(options.rxpOptions, rxp.WithMaxReadyGoroutinesIdleDuration(d))
		return
	}
}

// WithGroupCloseTimeout bounds the graceful drain on group shutdown.
func WithGroupCloseTimeout(d time.Duration) GroupOption {
	return func(options *GroupOptions) (err error) {
		if d < 1 {
			err = errors.New("tlschannel: close timeout must be positive")
			return
		}
		options.rxpOptions = append(options.rxpOptions, rxp.WithCloseTimeout(d))
		return
	}
}

// AsyncChannelGroup runs the machinery shared by asynchronous channels: one
// selector goroutine that watches readiness, and a worker pool that resumes
// the interrupted channel operations and completes their promises. A group is
// a process-wide singleton-like object servicing many channels.
type AsyncChannelGroup struct {
	ctx       context.Context
	executors rxp.Executors
	sel       *selector.Selector

	pendingMu            sync.Mutex
	pendingRegistrations []*registeredSocket

	shutdown             atomic.Int32
	currentRegistrations atomic.Int64
	loopDone             chan struct{}

	selections       atomic.Int64
	startedReads     atomic.Int64
	startedWrites    atomic.Int64
	successfulReads  atomic.Int64
	successfulWrites atomic.Int64
	failedReads      atomic.Int64
	failedWrites     atomic.Int64
	cancelledReads   atomic.Int64
	cancelledWrites  atomic.Int64
	currentReads     atomic.Int64
	currentWrites    atomic.Int64
	taskWarnings     atomic.Int64
}

func NewAsyncChannelGroup(opts ...GroupOption) (g *AsyncChannelGroup, err error) {
	options := GroupOptions{}
	for _, opt := range opts {
		if err = opt(&options); err != nil {
			return
		}
	}
	sel, err := selector.Open()
	if err != nil {
		return
	}
	executors := rxp.New(options.rxpOptions...)
	g = &AsyncChannelGroup{
		ctx:       rxp.With(context.Background(), executors),
		executors: executors,
		sel:       sel,
		loopDone:  make(chan struct{}),
	}
	go g.loop()
	return
}

// registeredSocket binds one channel to the group's selector. Each direction
// holds at most one in-flight operation; the per-direction locks protect both
// the slot and the channel call itself, so completions are single-terminal.
type registeredSocket struct {
	group   *AsyncChannelGroup
	channel TlsChannel
	fd      int

	// closed by the selector goroutine once the key is installed
	registered  chan struct{}
	registerErr error
	key         *selector.Key

	readLock  sync.Mutex
	writeLock sync.Mutex
	readOp    *readOperation
	writeOp   *writeOperation

	// interest bits to be armed by the selector goroutine
	pendingOps atomic.Uint32
	closed     atomic.Bool
}

type readOperation struct {
	dest    *buffers.Set
	promise async.Promise[int]
	timer   *time.Timer
}

type writeOperation struct {
	source  *buffers.Set
	promise async.Promise[int]
	timer   *time.Timer
	// a write can block after consuming part of the source, the consumed
	// count accumulates across resumptions
	consumed int
}

func (g *AsyncChannelGroup) registerSocket(channel TlsChannel, fd int) (socket *registeredSocket, err error) {
	if g.shutdown.Load() != groupActive {
		err = errors.From(ErrGroupShutdown)
		return
	}
	socket = &registeredSocket{
		group:      g,
		channel:    channel,
		fd:         fd,
		registered: make(chan struct{}),
	}
	g.currentRegistrations.Add(1)
	g.pendingMu.Lock()
	g.pendingRegistrations = append(g.pendingRegistrations, socket)
	g.pendingMu.Unlock()
	g.sel.Wakeup()
	if g.shutdown.Load() != groupActive || g.IsTerminated() {
		// the loop may have drained and exited between the entry check
		// and the enqueue; whoever still finds the socket fails it
		g.pendingMu.Lock()
		for i, pending := range g.pendingRegistrations {
			if pending == socket {
				g.pendingRegistrations = append(g.pendingRegistrations[:i], g.pendingRegistrations[i+1:]...)
				socket.registerErr = errors.From(ErrGroupShutdown)
				g.currentRegistrations.Add(-1)
				close(socket.registered)
				break
			}
		}
		g.pendingMu.Unlock()
	}
	return
}

// waitRegistered blocks until the selector goroutine picked the socket up.
// This is the one intentional blocking point of the async surface, bounded by
// selector loop latency, never by network I/O.
func (s *registeredSocket) waitRegistered() (err error) {
	<-s.registered
	err = s.registerErr
	return
}

func (s *registeredSocket) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	closedErr := errors.From(ErrClosed, errors.WithMeta(errMetaOpKey, "close"))
	if op := s.group.doCancelRead(s, nil); op != nil {
		op.promise.Fail(closedErr)
	}
	if op := s.group.doCancelWrite(s, nil); op != nil {
		op.promise.Fail(closedErr)
	}
	if s.key != nil {
		s.key.Cancel()
	}
	s.group.currentRegistrations.Add(-1)
	s.group.sel.Wakeup()
}

// doCancelRead removes the socket's read operation and returns it, or nil if
// the slot held a different operation. A nil op cancels whatever is pending.
// The caller decides how to complete the returned promise; removal and
// completion never race because the slot is cleared under the lock.
func (g *AsyncChannelGroup) doCancelRead(socket *registeredSocket, op *readOperation) (cancelled *readOperation) {
	socket.readLock.Lock()
	defer socket.readLock.Unlock()
	if socket.readOp == nil || (op != nil && socket.readOp != op) {
		return
	}
	cancelled = socket.readOp
	socket.readOp = nil
	if cancelled.timer != nil {
		cancelled.timer.Stop()
	}
	g.cancelledReads.Add(1)
	g.currentReads.Add(-1)
	return
}

func (g *AsyncChannelGroup) doCancelWrite(socket *registeredSocket, op *writeOperation) (cancelled *writeOperation) {
	socket.writeLock.Lock()
	defer socket.writeLock.Unlock()
	if socket.writeOp == nil || (op != nil && socket.writeOp != op) {
		return
	}
	cancelled = socket.writeOp
	socket.writeOp = nil
	if cancelled.timer != nil {
		cancelled.timer.Stop()
	}
	g.cancelledWrites.Add(1)
	g.currentWrites.Add(-1)
	return
}

func (g *AsyncChannelGroup) startRead(socket *registeredSocket, dest *buffers.Set, timeout time.Duration, promise async.Promise[int]) (err error) {
	if g.IsTerminated() {
		err = errors.From(ErrGroupShutdown)
		return
	}
	if err = socket.waitRegistered(); err != nil {
		return
	}
	socket.readLock.Lock()
	if socket.readOp != nil {
		socket.readLock.Unlock()
		err = errors.From(ErrReadPending)
		return
	}
	op := &readOperation{dest: dest, promise: promise}
	// arm both directions, the record protocol can need either at any
	// point of any operation
	socket.pendingOps.Store(uint32(selector.Read | selector.Write))
	if timeout > 0 {
		op.timer = time.AfterFunc(timeout, func() {
			if g.doCancelRead(socket, op) != nil {
				promise.Fail(errors.From(ErrTimeout, errors.WithMeta(errMetaOpKey, errMetaOpRead)))
			}
		})
	}
	socket.readOp = op
	g.startedReads.Add(1)
	g.currentReads.Add(1)
	socket.readLock.Unlock()
	g.sel.Wakeup()
	return
}

func (g *AsyncChannelGroup) startWrite(socket *registeredSocket, source *buffers.Set, timeout time.Duration, promise async.Promise[int]) (err error) {
	if g.IsTerminated() {
		err = errors.From(ErrGroupShutdown)
		return
	}
	if err = socket.waitRegistered(); err != nil {
		return
	}
	socket.writeLock.Lock()
	if socket.writeOp != nil {
		socket.writeLock.Unlock()
		err = errors.From(ErrWritePending)
		return
	}
	op := &writeOperation{source: source, promise: promise}
	socket.pendingOps.Store(uint32(selector.Read | selector.Write))
	if timeout > 0 {
		op.timer = time.AfterFunc(timeout, func() {
			if g.doCancelWrite(socket, op) != nil {
				promise.Fail(errors.From(ErrTimeout, errors.WithMeta(errMetaOpKey, errMetaOpWrite)))
			}
		})
	}
	socket.writeOp = op
	g.startedWrites.Add(1)
	g.currentWrites.Add(1)
	socket.writeLock.Unlock()
	g.sel.Wakeup()
	return
}

func (g *AsyncChannelGroup) loop() {
	defer close(g.loopDone)
	events := make([]selector.Event, 64)
	lastSweep := time.Now()
	for {
		state := g.shutdown.Load()
		if state == groupShutdownNow {
			break
		}
		if state == groupShutdown && g.currentRegistrations.Load() <= 0 {
			break
		}
		n, err := g.sel.Select(events, selectTimeout)
		if err != nil {
			break
		}
		g.selections.Add(1)
		for i := 0; i < n; i++ {
			key := events[i].Key
			// disarm before dispatching, operations rearm what they
			// still need
			_ = key.SetInterest(0)
			socket, ok := key.Attachment().(*registeredSocket)
			if !ok {
				continue
			}
			g.dispatchRead(socket)
			g.dispatchWrite(socket)
		}
		g.registerPendingSockets()
		g.processPendingInterests()
		if time.Since(lastSweep) >= keySweepInterval {
			g.sweepInvalidKeys()
			lastSweep = time.Now()
		}
	}
	// registrations enqueued while the loop was exiting would otherwise
	// leave their waiters blocked forever
	g.pendingMu.Lock()
	unregistered := g.pendingRegistrations
	g.pendingRegistrations = nil
	g.pendingMu.Unlock()
	for _, socket := range unregistered {
		socket.registerErr = errors.From(ErrGroupShutdown)
		g.currentRegistrations.Add(-1)
		close(socket.registered)
	}
	if g.shutdown.Load() == groupShutdownNow {
		for _, key := range g.sel.Keys() {
			if socket, ok := key.Attachment().(*registeredSocket); ok {
				socket.close()
			}
		}
		_ = g.executors.Close()
	} else {
		_ = g.executors.CloseGracefully()
	}
	_ = g.sel.Close()
}

func (g *AsyncChannelGroup) registerPendingSockets() {
	g.pendingMu.Lock()
	pending := g.pendingRegistrations
	g.pendingRegistrations = nil
	g.pendingMu.Unlock()
	for _, socket := range pending {
		key, err := g.sel.Register(socket.fd, socket)
		if err != nil {
			socket.registerErr = err
			g.currentRegistrations.Add(-1)
		} else {
			socket.key = key
		}
		close(socket.registered)
	}
}

func (g *AsyncChannelGroup) processPendingInterests() {
	for _, key := range g.sel.Keys() {
		socket, ok := key.Attachment().(*registeredSocket)
		if !ok {
			continue
		}
		pending := socket.pendingOps.Swap(0)
		if pending != 0 {
			_ = key.SetInterest(key.Interest() | selector.Interest(pending))
		}
	}
}

// sweepInvalidKeys detects sockets closed by application code outside the
// group. The kernel never reports those, so the loop probes key validity on a
// coarse interval.
func (g *AsyncChannelGroup) sweepInvalidKeys() {
	for _, key := range g.sel.Keys() {
		if key.Valid() {
			continue
		}
		if socket, ok := key.Attachment().(*registeredSocket); ok {
			socket.close()
		}
	}
}

func (g *AsyncChannelGroup) dispatchRead(socket *registeredSocket) {
	socket.readLock.Lock()
	op := socket.readOp
	socket.readLock.Unlock()
	if op == nil {
		return
	}
	if execErr := g.executors.Execute(g.ctx, func() { g.doRead(socket, op) }); execErr != nil {
		// pool saturated or closing, run on the selector goroutine
		// rather than dropping the readiness event
		g.doRead(socket, op)
	}
}

func (g *AsyncChannelGroup) dispatchWrite(socket *registeredSocket) {
	socket.writeLock.Lock()
	op := socket.writeOp
	socket.writeLock.Unlock()
	if op == nil {
		return
	}
	if execErr := g.executors.Execute(g.ctx, func() { g.doWrite(socket, op) }); execErr != nil {
		g.doWrite(socket, op)
	}
}

func (g *AsyncChannelGroup) doRead(socket *registeredSocket, op *readOperation) {
	socket.readLock.Lock()
	defer socket.readLock.Unlock()
	if socket.readOp != op {
		// completed, cancelled or timed out in the meantime
		return
	}
	n, err := g.readHandlingTasks(socket, op)
	if err == nil {
		socket.readOp = nil
		if op.timer != nil {
			op.timer.Stop()
		}
		g.successfulReads.Add(1)
		g.currentReads.Add(-1)
		op.promise.Succeed(n)
		return
	}
	if NeedsRead(err) {
		socket.pendingOps.Or(uint32(selector.Read))
		g.sel.Wakeup()
		return
	}
	if NeedsWrite(err) {
		socket.pendingOps.Or(uint32(selector.Write))
		g.sel.Wakeup()
		return
	}
	socket.readOp = nil
	if op.timer != nil {
		op.timer.Stop()
	}
	g.failedReads.Add(1)
	g.currentReads.Add(-1)
	op.promise.Fail(err)
}

func (g *AsyncChannelGroup) doWrite(socket *registeredSocket, op *writeOperation) {
	socket.writeLock.Lock()
	defer socket.writeLock.Unlock()
	if socket.writeOp != op {
		return
	}
	err := g.writeHandlingTasks(socket, op)
	if err == nil {
		socket.writeOp = nil
		if op.timer != nil {
			op.timer.Stop()
		}
		g.successfulWrites.Add(1)
		g.currentWrites.Add(-1)
		op.promise.Succeed(op.consumed)
		return
	}
	if NeedsRead(err) {
		socket.pendingOps.Or(uint32(selector.Read))
		g.sel.Wakeup()
		return
	}
	if NeedsWrite(err) {
		socket.pendingOps.Or(uint32(selector.Write))
		g.sel.Wakeup()
		return
	}
	socket.writeOp = nil
	if op.timer != nil {
		op.timer.Stop()
	}
	g.failedWrites.Add(1)
	g.currentWrites.Add(-1)
	op.promise.Fail(err)
}

// readHandlingTasks retries the channel read across delegated tasks. Channels
// used in groups should run tasks themselves, but tolerate ones that don't.
func (g *AsyncChannelGroup) readHandlingTasks(socket *registeredSocket, op *readOperation) (n int, err error) {
	for {
		n, err = socket.channel.Readv(op.dest.Slices())
		if task, ok := NeedsTask(err); ok {
			g.taskWarnings.Add(1)
			task()
			continue
		}
		return
	}
}

func (g *AsyncChannelGroup) writeHandlingTasks(socket *registeredSocket, op *writeOperation) (err error) {
	for {
		var n int
		n, err = socket.channel.Writev(op.source.Slices())
		op.source.Skip(n)
		op.consumed += n
		if task, ok := NeedsTask(err); ok {
			g.taskWarnings.Add(1)
			task()
			continue
		}
		if err != nil {
			return
		}
		if !op.source.HasRemaining() {
			return
		}
	}
}

// Shutdown stops accepting registrations and lets the group drain: the loop
// exits once the last socket deregisters.
func (g *AsyncChannelGroup) Shutdown() {
	g.shutdown.CompareAndSwap(groupActive, groupShutdown)
	g.sel.Wakeup()
}

// ShutdownNow additionally force-closes every registered socket; in-flight
// operations fail with a closed-channel error.
func (g *AsyncChannelGroup) ShutdownNow() {
	g.shutdown.Store(groupShutdownNow)
	g.sel.Wakeup()
}

func (g *AsyncChannelGroup) IsShutdown() bool {
	return g.shutdown.Load() != groupActive
}

// IsTerminated reports whether the group shut down and the selector loop
// exited.
func (g *AsyncChannelGroup) IsTerminated() bool {
	select {
	case <-g.loopDone:
		return true
	default:
		return false
	}
}

// AwaitTermination blocks until the group terminates or the timeout elapses;
// a timeout of zero or less waits indefinitely.
func (g *AsyncChannelGroup) AwaitTermination(timeout time.Duration) bool {
	if timeout <= 0 {
		<-g.loopDone
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.loopDone:
		return true
	case <-timer.C:
		return false
	}
}

func (g *AsyncChannelGroup) SelectionCount() int64 { return g.selections.Load() }

func (g *AsyncChannelGroup) StartedReadCount() int64 { return g.startedReads.Load() }

func (g *AsyncChannelGroup) StartedWriteCount() int64 { return g.startedWrites.Load() }

func (g *AsyncChannelGroup) SuccessfulReadCount() int64 { return g.successfulReads.Load() }

func (g *AsyncChannelGroup) SuccessfulWriteCount() int64 { return g.successfulWrites.Load() }

func (g *AsyncChannelGroup) FailedReadCount() int64 { return g.failedReads.Load() }

func (g *AsyncChannelGroup) FailedWriteCount() int64 { return g.failedWrites.Load() }

func (g *AsyncChannelGroup) CancelledReadCount() int64 { return g.cancelledReads.Load() }

func (g *AsyncChannelGroup) CancelledWriteCount() int64 { return g.cancelledWrites.Load() }

func (g *AsyncChannelGroup) CurrentReadCount() int64 { return g.currentReads.Load() }

func (g *AsyncChannelGroup) CurrentWriteCount() int64 { return g.currentWrites.Load() }

func (g *AsyncChannelGroup) CurrentRegistrationCount() int64 { return g.currentRegistrations.Load() }

// TaskWarningCount counts delegated tasks the group had to run on behalf of
// misconfigured channels.
func (g *AsyncChannelGroup) TaskWarningCount() int64 { return g.taskWarnings.Load() }
