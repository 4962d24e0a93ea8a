package tlschannel

import (
	"fmt"
	"io"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

// handshakeIfNeeded runs the initial negotiation once; later calls are
// no-ops. Read and write call it implicitly.
func (c *channelImpl) handshakeIfNeeded() (err error) {
	err = c.doHandshake(false)
	return
}

// renegotiate forces a new negotiation over the established session.
func (c *channelImpl) renegotiate() (err error) {
	err = c.doHandshake(true)
	return
}

func (c *channelImpl) doHandshake(force bool) (err error) {
	if !force && c.negotiated.Load() {
		return
	}
	if c.invalid.Load() || c.shutdownSent.Load() || c.closed.Load() {
		err = c.closedError(errMetaOpHandshake)
		return
	}
	c.initLock.Lock()
	defer c.initLock.Unlock()
	if !force && c.negotiated.Load() {
		return
	}
	// a surfaced task or a stalled transport interrupts the negotiation
	// mid-flight; the retry picks it up where it stopped instead of
	// restarting the exchange
	if !c.handshaking {
		if err = c.engine.BeginHandshake(); err != nil {
			c.invalid.Store(true)
			err = errors.From(
				ErrHandshake,
				errors.WithMeta(errMetaOpKey, errMetaOpHandshake),
				errors.WithWrap(err),
			)
			return
		}
		c.handshaking = true
	}
	c.readLock.Lock()
	_, err = c.handshakeReadLocked(nil, statusUnset)
	c.readLock.Unlock()
	if err != nil {
		if err == io.EOF {
			err = c.closedError(errMetaOpHandshake)
		}
		return
	}
	c.handshaking = false
	if c.sessionInitCallback != nil {
		if err = c.invokeSessionCallback(); err != nil {
			c.invalid.Store(true)
			return
		}
	}
	c.negotiated.Store(true)
	return
}

func (c *channelImpl) invokeSessionCallback() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newCallbackError("session initialization callback failed", fmt.Errorf("%v", r))
		}
	}()
	c.sessionInitCallback(c.engine.Session())
	return
}

// handshakeReadLocked drives the handshake loop. The caller must hold
// readLock; the write lock is taken here. Handshake plaintext that arrives
// interleaved with application data lands in dest when one is given, and the
// produced count is returned so the read path can deliver it.
func (c *channelImpl) handshakeReadLocked(dest *buffers.Set, status HandshakeStatus) (n int, err error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.outEncrypted.Prepare()
	defer c.outEncrypted.Release()
	// unwrapping may have prepared inPlain even though handshakes rarely
	// produce plaintext; give it back when it stayed empty
	defer c.inPlain.Release()
	if err = c.writeToTransport(); err != nil {
		return
	}
	n, err = c.handshakeLoop(dest, status)
	return
}

func (c *channelImpl) handshakeLoop(dest *buffers.Set, status HandshakeStatus) (n int, err error) {
	if status == statusUnset {
		status = c.engine.HandshakeStatus()
	}
	for {
		switch status {
		case NeedWrap:
			var wres wrapOutcome
			if wres, err = c.wrapLoop(nil); err != nil {
				return
			}
			status = wres.lastHandshakeStatus
			if err = c.writeToTransport(); err != nil {
				return
			}
		case NeedUnwrap:
			var ures unwrapOutcome
			if ures, err = c.readAndUnwrap(dest, NeedUnwrap, false); err != nil {
				return
			}
			status = ures.lastHandshakeStatus
			if ures.bytesProduced > 0 {
				n = ures.bytesProduced
				return
			}
		case NeedTask:
			if err = c.handleTask(); err != nil {
				return
			}
			status = c.engine.HandshakeStatus()
		case NotHandshaking, Finished:
			// NotHandshaking here permits pass-through engines that
			// never report a handshake at all
			return
		default:
			c.invalid.Store(true)
			err = errors.From(
				ErrHandshake,
				errors.WithMeta(errMetaOpKey, errMetaOpHandshake),
				errors.WithMeta("status", status.String()),
			)
			return
		}
	}
}
