package tlschannel

import (
	"io"

	"github.com/brickingsoft/errors"
)

// shutdown is the two-phase bidirectional close. The first call sends the
// local close signal and reports true only if the peer's close was already
// observed; a later call blocks reading (or raises ErrNeedsRead) until the
// peer's close arrives and then reports true. Flow-control signals leave the
// sent/received flags consistent, so retrying is always safe.
func (c *channelImpl) shutdown() (done bool, err error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	done, err = c.shutdownLocked()
	return
}

func (c *channelImpl) shutdownLocked() (done bool, err error) {
	if c.invalid.Load() || c.closed.Load() {
		err = c.closedError(errMetaOpShutdown)
		return
	}
	if !c.shutdownSent.Load() {
		c.shutdownSent.Store(true)
		c.outEncrypted.Prepare()
		err = c.writeToTransport()
		if err == nil {
			c.engine.CloseOutbound()
			if _, err = c.wrapLoop(nil); err == nil {
				err = c.writeToTransport()
			}
		}
		c.outEncrypted.Release()
		if err != nil {
			return
		}
		// if this side goes first the peer's close is still pending
		// and the caller decides whether to wait for it
		if c.shutdownReceived.Load() {
			c.freeBuffers()
			done = true
		}
		return
	}
	if !c.shutdownReceived.Load() {
		if _, err = c.readAndUnwrap(nil, NeedUnwrap, true); err != nil {
			if err == io.EOF {
				err = c.closedError(errMetaOpShutdown)
			}
			return
		}
		// the unwrap pass can return without touching the transport
		// when the engine has nothing pending; done means the peer's
		// close was actually seen
		if !c.shutdownReceived.Load() {
			err = errors.From(ErrNeedsRead, errors.WithMeta(errMetaOpKey, errMetaOpShutdown))
			return
		}
	}
	c.freeBuffers()
	done = true
	return
}

// close performs a best-effort local close and then always closes the
// transport. Errors from the TLS side are swallowed; the transport close
// result is what the caller gets.
func (c *channelImpl) close() (err error) {
	c.tryShutdown()
	err = c.underlying.Close()
	c.closed.Store(true)
	// once the transport is gone the locks are only held briefly
	c.readLock.Lock()
	c.writeLock.Lock()
	c.freeBuffers()
	c.writeLock.Unlock()
	c.readLock.Unlock()
	return
}

// tryShutdown attempts the TLS close without ever blocking behind an ongoing
// read or write: if either lock is taken, the plain transport close proceeds
// on its own.
func (c *channelImpl) tryShutdown() {
	if !c.readLock.TryLock() {
		return
	}
	defer c.readLock.Unlock()
	if !c.writeLock.TryLock() {
		return
	}
	defer c.writeLock.Unlock()
	if c.shutdownSent.Load() {
		return
	}
	done, err := c.shutdownLocked()
	if err == nil && !done && c.waitForCloseConfirmation {
		_, _ = c.shutdownLocked()
	}
}
