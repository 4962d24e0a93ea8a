package tlschannel

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

const (
	buffersInitialSize = 4096
	// Official TLS max record payload is 2^14 bytes, use 1024 more to
	// account for framing overhead.
	maxTlsPacketSize = 17 * 1024
)

// statusUnset marks a handshake loop entry that must ask the engine for the
// current status instead of trusting the caller's snapshot.
const statusUnset HandshakeStatus = -1

type wrapOutcome struct {
	bytesConsumed       int
	lastHandshakeStatus HandshakeStatus
}

type unwrapOutcome struct {
	bytesProduced       int
	lastHandshakeStatus HandshakeStatus
	wasClosed           bool
}

// channelImpl is the record pump shared by client and server channels. It
// shuttles bytes between the transport and the engine, never blocking on its
// own: transport non-readiness surfaces as ErrNeedsRead or ErrNeedsWrite and
// the interrupted operation is resumable because all in-flight bytes live in
// the three internal buffers.
//
// Lock order is initLock, then readLock, then writeLock. One reader and one
// writer can run concurrently; handshakes take both data locks.
type channelImpl struct {
	underlying ByteChannel
	engine     Engine

	sessionInitCallback      func(session Session)
	runTasks                 bool
	plainAllocator           *buffers.TrackingAllocator
	encryptedAllocator       *buffers.TrackingAllocator
	waitForCloseConfirmation bool

	initLock  sync.Mutex
	readLock  sync.Mutex
	writeLock sync.Mutex

	// true while a negotiation is in flight, guarded by initLock; retries
	// after a flow-control signal must not rearm the engine
	handshaking bool

	negotiated       atomic.Bool
	invalid          atomic.Bool
	closed           atomic.Bool
	shutdownSent     atomic.Bool
	shutdownReceived atomic.Bool

	// ciphertext read from the transport, pending unwrap
	inEncrypted *buffers.Growable
	// plaintext the engine produced past what the caller's buffers held
	inPlain *buffers.Growable
	// ciphertext produced by wrap, pending transport write
	outEncrypted *buffers.Growable
}

// newChannelImpl wires a pump over the given transport and engine. A non-nil
// inEncrypted transfers ownership of ciphertext already read from the
// transport, which is how the server facade hands over the bytes it consumed
// while sniffing the SNI. The tracking allocators are built by the facade so
// they can outlive (and predate) the pump itself.
func newChannelImpl(underlying ByteChannel, engine Engine, inEncrypted *buffers.Growable,
	plainAllocator *buffers.TrackingAllocator, encryptedAllocator *buffers.TrackingAllocator,
	options Options) *channelImpl {
	if inEncrypted == nil {
		inEncrypted = buffers.NewGrowable(
			"inEncrypted", encryptedAllocator,
			buffersInitialSize, maxTlsPacketSize,
			false, options.ReleaseBuffers,
		)
	}
	return &channelImpl{
		underlying:               underlying,
		engine:                   engine,
		sessionInitCallback:      options.SessionInitCallback,
		runTasks:                 options.RunTasks,
		plainAllocator:           plainAllocator,
		encryptedAllocator:       encryptedAllocator,
		waitForCloseConfirmation: options.WaitForCloseConfirmation,
		inEncrypted:              inEncrypted,
		inPlain: buffers.NewGrowable(
			"inPlain", plainAllocator,
			buffersInitialSize, maxTlsPacketSize,
			true, options.ReleaseBuffers,
		),
		outEncrypted: buffers.NewGrowable(
			"outEncrypted", encryptedAllocator,
			buffersInitialSize, maxTlsPacketSize,
			false, options.ReleaseBuffers,
		),
	}
}

func (c *channelImpl) Engine() Engine {
	return c.engine
}

func (c *channelImpl) Underlying() ByteChannel {
	return c.underlying
}

func (c *channelImpl) PlainAllocator() *buffers.TrackingAllocator {
	return c.plainAllocator
}

func (c *channelImpl) EncryptedAllocator() *buffers.TrackingAllocator {
	return c.encryptedAllocator
}

func (c *channelImpl) IsOpen() bool {
	return !c.closed.Load() && !c.invalid.Load()
}

func (c *channelImpl) ShutdownSent() bool {
	return c.shutdownSent.Load()
}

func (c *channelImpl) ShutdownReceived() bool {
	return c.shutdownReceived.Load()
}

func (c *channelImpl) closedError(op string) error {
	return errors.From(ErrClosed, errors.WithMeta(errMetaOpKey, op))
}

// readFromTransport reads transport bytes into inEncrypted. That the buffer
// has free space is the caller's responsibility. Returns ErrNeedsRead when
// the transport would block and io.EOF, untouched, at end of stream.
func (c *channelImpl) readFromTransport() (err error) {
	n, rErr := c.underlying.Read(c.inEncrypted.Free())
	if n > 0 {
		c.inEncrypted.Advance(n)
		return
	}
	if rErr != nil {
		if rErr != io.EOF {
			c.invalid.Store(true)
		}
		err = rErr
		return
	}
	err = ErrNeedsRead
	return
}

// writeToTransport flushes outEncrypted, raising ErrNeedsWrite as soon as the
// transport stops accepting bytes. Flushed bytes are discarded from the
// buffer, so a retry resumes exactly where the flush stopped.
func (c *channelImpl) writeToTransport() (err error) {
	for c.outEncrypted.Len() > 0 {
		n, wErr := c.underlying.Write(c.outEncrypted.Bytes())
		if n > 0 {
			c.outEncrypted.Discard(n)
			continue
		}
		if wErr != nil {
			c.invalid.Store(true)
			err = wErr
			return
		}
		err = ErrNeedsWrite
		return
	}
	return
}

// handleTask runs the engine's delegated task inline, or surfaces it to the
// caller when task running is disabled.
func (c *channelImpl) handleTask() (err error) {
	task := c.engine.DelegatedTask()
	if task == nil {
		err = errors.From(ErrHandshake, errors.WithMeta(errMetaOpKey, "task"))
		return
	}
	if c.runTasks {
		task()
		return
	}
	err = &TaskError{Task: task}
	return
}

func (c *channelImpl) freeBuffers() {
	if c.inEncrypted != nil {
		c.inEncrypted.Dispose()
		c.inEncrypted = nil
	}
	if c.inPlain != nil {
		c.inPlain.Dispose()
		c.inPlain = nil
	}
	if c.outEncrypted != nil {
		c.outEncrypted.Dispose()
		c.outEncrypted = nil
	}
}
