package tlschannel

import (
	"io"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

func (c *channelImpl) read(dest *buffers.Set) (n int, err error) {
	if !dest.HasRemaining() {
		return
	}
	if err = c.handshakeIfNeeded(); err != nil {
		return
	}
	c.readLock.Lock()
	defer c.readLock.Unlock()
	if c.invalid.Load() || c.shutdownSent.Load() || c.closed.Load() {
		err = c.closedError(errMetaOpRead)
		return
	}
	status := c.engine.HandshakeStatus()
	bytesToReturn := c.inPlain.Len()
	for {
		if bytesToReturn > 0 {
			// either the bytes went straight into dest during the
			// loop, or they are parked in inPlain
			if c.inPlain.Len() == 0 {
				n = bytesToReturn
				return
			}
			n = c.transferPendingPlain(dest)
			return
		}
		if c.shutdownReceived.Load() {
			err = io.EOF
			return
		}
		switch status {
		case NeedUnwrap, NeedWrap:
			// renegotiation triggered by the peer mid-read
			bytesToReturn, err = c.handshakeReadLocked(dest, status)
			if err != nil {
				return
			}
			status = NotHandshaking
		case NotHandshaking, Finished:
			var res unwrapOutcome
			res, err = c.readAndUnwrap(dest, NotHandshaking, false)
			if err != nil {
				return
			}
			if res.wasClosed {
				err = io.EOF
				return
			}
			bytesToReturn = res.bytesProduced
			status = res.lastHandshakeStatus
		case NeedTask:
			if err = c.handleTask(); err != nil {
				return
			}
			status = c.engine.HandshakeStatus()
		default:
			c.invalid.Store(true)
			err = errors.From(
				ErrHandshake,
				errors.WithMeta(errMetaOpKey, errMetaOpRead),
				errors.WithMeta("status", status.String()),
			)
			return
		}
	}
}

// transferPendingPlain drains parked plaintext into the caller's buffers,
// then releases or scrubs the park.
func (c *channelImpl) transferPendingPlain(dest *buffers.Set) (n int) {
	n = dest.Put(c.inPlain.Bytes())
	c.inPlain.Discard(n)
	if !c.inPlain.Release() {
		c.inPlain.ZeroRemaining()
	}
	return
}

// unwrapLoop feeds inEncrypted to the engine until it produces plaintext,
// needs more ciphertext, leaves the expected handshake status, or signals
// close. Plaintext goes into dest while it fits; on overflow the loop falls
// back to the internal inPlain buffer, growing it as needed.
func (c *channelImpl) unwrapLoop(dest *buffers.Set, statusCondition HandshakeStatus, closing bool) (res unwrapOutcome, err error) {
	toDest := dest != nil
	if !toDest {
		c.inPlain.Prepare()
	}
	for {
		var result Result
		if toDest {
			result, err = c.callEngineUnwrap(dest.Slices())
		} else {
			result, err = c.callEngineUnwrap([][]byte{c.inPlain.Free()})
		}
		if err != nil {
			return
		}
		if toDest {
			dest.Skip(result.BytesProduced)
		} else {
			c.inPlain.Advance(result.BytesProduced)
		}
		// data can be produced even alongside an overflow status, in
		// that case just return the data
		if result.BytesProduced > 0 ||
			result.Status == StatusBufferUnderflow ||
			(!closing && result.Status == StatusClosed) ||
			result.HandshakeStatus != statusCondition {
			res = unwrapOutcome{
				bytesProduced:       result.BytesProduced,
				lastHandshakeStatus: result.HandshakeStatus,
				wasClosed:           result.Status == StatusClosed,
			}
			return
		}
		if result.Status == StatusBufferOverflow {
			if toDest {
				// the caller's buffers cannot hold one record,
				// fall back to inPlain and make sure it beats
				// the too-small destination
				c.inPlain.Prepare()
				target := int(dest.Remaining()) * 2
				if target > maxTlsPacketSize {
					target = maxTlsPacketSize
				}
				if err = c.inPlain.EnsureCapacity(target); err != nil {
					c.invalid.Store(true)
					return
				}
				toDest = false
			} else {
				if err = c.inPlain.Enlarge(); err != nil {
					c.invalid.Store(true)
					return
				}
			}
		}
	}
}

func (c *channelImpl) callEngineUnwrap(dst [][]byte) (result Result, err error) {
	result, err = c.engine.Unwrap(c.inEncrypted.Bytes(), dst)
	if err != nil {
		// something broken came off the wire, the session is gone
		c.invalid.Store(true)
		return
	}
	c.inEncrypted.Discard(result.BytesConsumed)
	return
}

// readAndUnwrap alternates transport reads with unwrap passes until the
// engine makes observable progress: plaintext produced, handshake status
// moved away from statusCondition, or a close signal.
func (c *channelImpl) readAndUnwrap(dest *buffers.Set, statusCondition HandshakeStatus, closing bool) (res unwrapOutcome, err error) {
	c.inEncrypted.Prepare()
	defer c.inEncrypted.Release()
	for {
		res, err = c.unwrapLoop(dest, statusCondition, closing)
		if err != nil {
			return
		}
		if res.bytesProduced > 0 || res.lastHandshakeStatus != statusCondition || (!closing && res.wasClosed) {
			if res.wasClosed {
				c.shutdownReceived.Store(true)
			}
			return
		}
		if c.inEncrypted.FreeLen() == 0 {
			if err = c.inEncrypted.Enlarge(); err != nil {
				c.invalid.Store(true)
				return
			}
		}
		if err = c.readFromTransport(); err != nil {
			return
		}
	}
}
