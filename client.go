package tlschannel

import (
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

// ClientTlsChannel drives the client side of a connection. The engine is
// supplied ready-made, no SNI sniffing happens on this side.
type ClientTlsChannel struct {
	impl *channelImpl
}

func NewClientTlsChannel(underlying ByteChannel, engine Engine, opts ...Option) (ch *ClientTlsChannel, err error) {
	if underlying == nil {
		err = errors.New("tlschannel: underlying channel cannot be nil")
		return
	}
	if engine == nil {
		err = errors.New("tlschannel: engine cannot be nil")
		return
	}
	options := defaultOptions()
	for _, opt := range opts {
		if err = opt(&options); err != nil {
			return
		}
	}
	plainAllocator := buffers.NewTrackingAllocator(options.PlainAllocator)
	encryptedAllocator := buffers.NewTrackingAllocator(options.EncryptedAllocator)
	ch = &ClientTlsChannel{
		impl: newChannelImpl(underlying, engine, nil, plainAllocator, encryptedAllocator, options),
	}
	return
}

func (ch *ClientTlsChannel) Read(p []byte) (n int, err error) {
	n, err = ch.impl.read(buffers.NewSet(p))
	return
}

func (ch *ClientTlsChannel) Readv(bufs [][]byte) (n int, err error) {
	n, err = ch.impl.read(buffers.NewSet(bufs...))
	return
}

func (ch *ClientTlsChannel) Write(p []byte) (n int, err error) {
	n, err = ch.impl.write(buffers.NewSet(p))
	return
}

func (ch *ClientTlsChannel) Writev(bufs [][]byte) (n int, err error) {
	n, err = ch.impl.write(buffers.NewSet(bufs...))
	return
}

func (ch *ClientTlsChannel) Handshake() (err error) {
	err = ch.impl.handshakeIfNeeded()
	return
}

func (ch *ClientTlsChannel) Renegotiate() (err error) {
	err = ch.impl.renegotiate()
	return
}

func (ch *ClientTlsChannel) Shutdown() (done bool, err error) {
	done, err = ch.impl.shutdown()
	return
}

func (ch *ClientTlsChannel) ShutdownSent() bool {
	return ch.impl.ShutdownSent()
}

func (ch *ClientTlsChannel) ShutdownReceived() bool {
	return ch.impl.ShutdownReceived()
}

func (ch *ClientTlsChannel) Close() (err error) {
	err = ch.impl.close()
	return
}

func (ch *ClientTlsChannel) IsOpen() bool {
	return ch.impl.IsOpen()
}

func (ch *ClientTlsChannel) Engine() Engine {
	return ch.impl.Engine()
}

func (ch *ClientTlsChannel) Underlying() ByteChannel {
	return ch.impl.Underlying()
}

func (ch *ClientTlsChannel) PlainAllocator() *buffers.TrackingAllocator {
	return ch.impl.PlainAllocator()
}

func (ch *ClientTlsChannel) EncryptedAllocator() *buffers.TrackingAllocator {
	return ch.impl.EncryptedAllocator()
}
