package tlschannel

import (
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

// write enters the wrap loop even when source is empty: in non-blocking use a
// caller retrying after ErrNeedsWrite may only have pending encrypted bytes
// left to flush.
func (c *channelImpl) write(source *buffers.Set) (n int, err error) {
	if err = c.handshakeIfNeeded(); err != nil {
		return
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.invalid.Load() || c.shutdownSent.Load() || c.closed.Load() {
		err = c.closedError(errMetaOpWrite)
		return
	}
	n, err = c.wrapAndWrite(source)
	return
}

func (c *channelImpl) wrapAndWrite(source *buffers.Set) (n int, err error) {
	toConsume := int(source.Remaining())
	c.outEncrypted.Prepare()
	defer c.outEncrypted.Release()
	for {
		if err = c.writeToTransport(); err != nil {
			return
		}
		if n == toConsume {
			return
		}
		var res wrapOutcome
		res, err = c.wrapLoop(source)
		if err != nil {
			return
		}
		n += res.bytesConsumed
	}
}

// wrapLoop calls the engine until a wrap succeeds, growing outEncrypted on
// overflow. A nil source stands for the empty gather list used by handshake
// and close records.
func (c *channelImpl) wrapLoop(source *buffers.Set) (res wrapOutcome, err error) {
	for {
		var src [][]byte
		if source != nil {
			src = source.Slices()
		}
		var result Result
		result, err = c.engine.Wrap(src, c.outEncrypted.Free())
		if err != nil {
			c.invalid.Store(true)
			return
		}
		c.outEncrypted.Advance(result.BytesProduced)
		if source != nil {
			source.Skip(result.BytesConsumed)
		}
		switch result.Status {
		case StatusOK, StatusClosed:
			res = wrapOutcome{
				bytesConsumed:       result.BytesConsumed,
				lastHandshakeStatus: result.HandshakeStatus,
			}
			return
		case StatusBufferOverflow:
			if err = c.outEncrypted.Enlarge(); err != nil {
				c.invalid.Store(true)
				return
			}
		default:
			c.invalid.Store(true)
			err = errors.From(
				ErrHandshake,
				errors.WithMeta(errMetaOpKey, errMetaOpWrite),
				errors.WithMeta("status", result.Status.String()),
			)
			return
		}
	}
}
