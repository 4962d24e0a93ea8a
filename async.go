//go:build unix

package tlschannel

import (
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

// AsyncTlsChannel exposes a channel through futures completed by its group.
// The wrapped channel must sit on a non-blocking descriptor and should run
// its delegated tasks itself. One read and one write may be in flight at a
// time; a second submission fails with ErrReadPending or ErrWritePending.
type AsyncTlsChannel struct {
	group   *AsyncChannelGroup
	channel TlsChannel
	socket  *registeredSocket
}

// NewAsyncTlsChannel registers the channel's descriptor with the group. The
// fd must be the descriptor under the channel's transport, already in
// non-blocking mode.
func NewAsyncTlsChannel(group *AsyncChannelGroup, channel TlsChannel, fd int) (ch *AsyncTlsChannel, err error) {
	if group == nil {
		err = errors.New("tlschannel: group cannot be nil")
		return
	}
	if channel == nil {
		err = errors.New("tlschannel: channel cannot be nil")
		return
	}
	socket, err := group.registerSocket(channel, fd)
	if err != nil {
		return
	}
	ch = &AsyncTlsChannel{
		group:   group,
		channel: channel,
		socket:  socket,
	}
	return
}

// Read completes with the count of decrypted bytes, or fails with io.EOF on a
// clean peer close. An empty buffer completes immediately with zero.
func (ch *AsyncTlsChannel) Read(p []byte) (future async.Future[int]) {
	future = ch.read(buffers.NewSet(p), 0)
	return
}

// ReadTimeout is Read with a deadline; expiry fails the future with
// ErrTimeout and the operation is cancelled.
func (ch *AsyncTlsChannel) ReadTimeout(p []byte, timeout time.Duration) (future async.Future[int]) {
	future = ch.read(buffers.NewSet(p), timeout)
	return
}

// Readv is the scatter variant of Read.
func (ch *AsyncTlsChannel) Readv(bufs [][]byte) (future async.Future[int]) {
	future = ch.read(buffers.NewSet(bufs...), 0)
	return
}

func (ch *AsyncTlsChannel) read(dest *buffers.Set, timeout time.Duration) (future async.Future[int]) {
	if !dest.HasRemaining() {
		future = async.SucceedImmediately[int](ch.group.ctx, 0)
		return
	}
	promise, promiseErr := async.Make[int](ch.group.ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[int](ch.group.ctx, promiseErr)
		return
	}
	future = promise.Future()
	if err := ch.group.startRead(ch.socket, dest, timeout, promise); err != nil {
		promise.Fail(err)
	}
	return
}

// Write completes with the count of consumed plaintext bytes, which on
// success is the full buffer.
func (ch *AsyncTlsChannel) Write(p []byte) (future async.Future[int]) {
	future = ch.write(buffers.NewSet(p), 0)
	return
}

// WriteTimeout is Write with a deadline; expiry fails the future with
// ErrTimeout and the operation is cancelled.
func (ch *AsyncTlsChannel) WriteTimeout(p []byte, timeout time.Duration) (future async.Future[int]) {
	future = ch.write(buffers.NewSet(p), timeout)
	return
}

// Writev is the gather variant of Write.
func (ch *AsyncTlsChannel) Writev(bufs [][]byte) (future async.Future[int]) {
	future = ch.write(buffers.NewSet(bufs...), 0)
	return
}

func (ch *AsyncTlsChannel) write(source *buffers.Set, timeout time.Duration) (future async.Future[int]) {
	if !source.HasRemaining() {
		future = async.SucceedImmediately[int](ch.group.ctx, 0)
		return
	}
	promise, promiseErr := async.Make[int](ch.group.ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[int](ch.group.ctx, promiseErr)
		return
	}
	future = promise.Future()
	if err := ch.group.startWrite(ch.socket, source, timeout, promise); err != nil {
		promise.Fail(err)
	}
	return
}

// AbortRead cancels the in-flight read, if any, failing its future with
// ErrCancelled. Reports whether an operation was actually cancelled.
func (ch *AsyncTlsChannel) AbortRead() (aborted bool) {
	if op := ch.group.doCancelRead(ch.socket, nil); op != nil {
		op.promise.Fail(errors.From(ErrCancelled, errors.WithMeta(errMetaOpKey, errMetaOpRead)))
		aborted = true
	}
	return
}

// AbortWrite cancels the in-flight write, if any, failing its future with
// ErrCancelled.
func (ch *AsyncTlsChannel) AbortWrite() (aborted bool) {
	if op := ch.group.doCancelWrite(ch.socket, nil); op != nil {
		op.promise.Fail(errors.From(ErrCancelled, errors.WithMeta(errMetaOpKey, errMetaOpWrite)))
		aborted = true
	}
	return
}

func (ch *AsyncTlsChannel) Group() *AsyncChannelGroup {
	return ch.group
}

func (ch *AsyncTlsChannel) Channel() TlsChannel {
	return ch.channel
}

// Close deregisters the socket, failing in-flight operations with ErrClosed,
// and closes the wrapped channel.
func (ch *AsyncTlsChannel) Close() (err error) {
	ch.socket.close()
	err = ch.channel.Close()
	return
}
