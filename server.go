package tlschannel

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

// contextStrategy picks the Context for a new connection. The sniReader
// argument reads and parses the client hello when the decision depends on the
// announced server name; the fixed strategy never touches it, so plain
// servers pay no sniffing cost.
type contextStrategy func(sniReader func() (name string, found bool, err error)) (ctx Context, err error)

func fixedContextStrategy(ctx Context) contextStrategy {
	return func(_ func() (string, bool, error)) (Context, error) {
		return ctx, nil
	}
}

func sniContextStrategy(factory SniContextFactory) contextStrategy {
	return func(sniReader func() (string, bool, error)) (ctx Context, err error) {
		name, found, err := sniReader()
		if err != nil {
			return
		}
		ctx, err = invokeSniFactory(factory, name, found)
		if err != nil {
			return
		}
		if ctx == nil {
			err = errors.From(
				ErrHandshake,
				errors.WithMeta(errMetaOpKey, errMetaOpSni),
				errors.WithMeta("serverName", name),
			)
		}
		return
	}
}

func invokeSniFactory(factory SniContextFactory, name string, found bool) (ctx Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newCallbackError("sni callback failed", fmt.Errorf("%v", r))
		}
	}()
	ctx, err = factory(name, found)
	if err != nil {
		err = newCallbackError("sni callback failed", err)
	}
	return
}

// ServerTlsChannel defers engine creation until the connection's first bytes
// arrive, because the Context may depend on the SNI value inside the client
// hello. Bytes consumed while sniffing are handed over to the pump, nothing
// is read twice.
type ServerTlsChannel struct {
	underlying         ByteChannel
	strategy           contextStrategy
	engineFactory      EngineFactory
	options            Options
	plainAllocator     *buffers.TrackingAllocator
	encryptedAllocator *buffers.TrackingAllocator

	initLock sync.Mutex
	sniRead  atomic.Bool
	// holds pre-handshake ciphertext until ownership moves to the pump
	inEncrypted *buffers.Growable
	impl        *channelImpl
}

// NewServerTlsChannel builds a server channel with a fixed Context; the
// client hello is not inspected before the engine sees it.
func NewServerTlsChannel(underlying ByteChannel, ctx Context, opts ...Option) (ch *ServerTlsChannel, err error) {
	if ctx == nil {
		err = errors.New("tlschannel: context cannot be nil")
		return
	}
	ch, err = newServerTlsChannel(underlying, fixedContextStrategy(ctx), opts)
	return
}

// NewSniServerTlsChannel builds a server channel that parses the client hello
// before engine creation and asks the factory for a Context matching the
// announced server name.
func NewSniServerTlsChannel(underlying ByteChannel, factory SniContextFactory, opts ...Option) (ch *ServerTlsChannel, err error) {
	if factory == nil {
		err = errors.New("tlschannel: sni context factory cannot be nil")
		return
	}
	ch, err = newServerTlsChannel(underlying, sniContextStrategy(factory), opts)
	return
}

func newServerTlsChannel(underlying ByteChannel, strategy contextStrategy, opts []Option) (ch *ServerTlsChannel, err error) {
	if underlying == nil {
		err = errors.New("tlschannel: underlying channel cannot be nil")
		return
	}
	options := defaultOptions()
	for _, opt := range opts {
		if err = opt(&options); err != nil {
			return
		}
	}
	engineFactory := options.EngineFactory
	if engineFactory == nil {
		engineFactory = func(ctx Context) (Engine, error) {
			return ctx.NewEngine()
		}
	}
	encryptedAllocator := buffers.NewTrackingAllocator(options.EncryptedAllocator)
	ch = &ServerTlsChannel{
		underlying:         underlying,
		strategy:           strategy,
		engineFactory:      engineFactory,
		options:            options,
		plainAllocator:     buffers.NewTrackingAllocator(options.PlainAllocator),
		encryptedAllocator: encryptedAllocator,
		inEncrypted: buffers.NewGrowable(
			"inEncrypted", encryptedAllocator,
			buffersInitialSize, maxTlsPacketSize,
			false, options.ReleaseBuffers,
		),
	}
	return
}

func (ch *ServerTlsChannel) Read(p []byte) (n int, err error) {
	n, err = ch.Readv([][]byte{p})
	return
}

func (ch *ServerTlsChannel) Readv(bufs [][]byte) (n int, err error) {
	if err = ch.initEngine(); err != nil {
		return
	}
	n, err = ch.impl.read(buffers.NewSet(bufs...))
	return
}

func (ch *ServerTlsChannel) Write(p []byte) (n int, err error) {
	n, err = ch.Writev([][]byte{p})
	return
}

func (ch *ServerTlsChannel) Writev(bufs [][]byte) (n int, err error) {
	if err = ch.initEngine(); err != nil {
		err = ch.mapInitEof(err, errMetaOpWrite)
		return
	}
	n, err = ch.impl.write(buffers.NewSet(bufs...))
	return
}

func (ch *ServerTlsChannel) Handshake() (err error) {
	if err = ch.initEngine(); err != nil {
		err = ch.mapInitEof(err, errMetaOpHandshake)
		return
	}
	err = ch.impl.handshakeIfNeeded()
	return
}

func (ch *ServerTlsChannel) Renegotiate() (err error) {
	if err = ch.initEngine(); err != nil {
		err = ch.mapInitEof(err, errMetaOpHandshake)
		return
	}
	err = ch.impl.renegotiate()
	return
}

func (ch *ServerTlsChannel) Shutdown() (done bool, err error) {
	if ch.impl == nil {
		return
	}
	done, err = ch.impl.shutdown()
	return
}

func (ch *ServerTlsChannel) ShutdownSent() bool {
	return ch.impl != nil && ch.impl.ShutdownSent()
}

func (ch *ServerTlsChannel) ShutdownReceived() bool {
	return ch.impl != nil && ch.impl.ShutdownReceived()
}

func (ch *ServerTlsChannel) Close() (err error) {
	if ch.impl != nil {
		err = ch.impl.close()
		return
	}
	if ch.inEncrypted != nil {
		ch.inEncrypted.Dispose()
	}
	err = ch.underlying.Close()
	return
}

func (ch *ServerTlsChannel) IsOpen() bool {
	if ch.impl != nil {
		return ch.impl.IsOpen()
	}
	return true
}

// Engine returns nil until the client hello arrives and the engine is built.
func (ch *ServerTlsChannel) Engine() Engine {
	if ch.impl == nil {
		return nil
	}
	return ch.impl.Engine()
}

func (ch *ServerTlsChannel) Underlying() ByteChannel {
	return ch.underlying
}

func (ch *ServerTlsChannel) PlainAllocator() *buffers.TrackingAllocator {
	return ch.plainAllocator
}

func (ch *ServerTlsChannel) EncryptedAllocator() *buffers.TrackingAllocator {
	return ch.encryptedAllocator
}

// mapInitEof translates an end of stream hit while the engine is still being
// initialized: read surfaces it as a plain EOF, every other operation as a
// closed channel.
func (ch *ServerTlsChannel) mapInitEof(err error, op string) error {
	if err == io.EOF {
		return errors.From(ErrClosed, errors.WithMeta(errMetaOpKey, op))
	}
	return err
}

// initEngine performs the deferred engine construction exactly once.
// ErrNeedsRead raised from the sniffing leaves the channel retryable: the
// bytes read so far stay buffered and the next call resumes the parse.
func (ch *ServerTlsChannel) initEngine() (err error) {
	if ch.sniRead.Load() {
		return
	}
	ch.initLock.Lock()
	defer ch.initLock.Unlock()
	if ch.sniRead.Load() {
		return
	}
	ctx, err := ch.strategy(ch.readServerNameIndication)
	if err != nil {
		return
	}
	engine, err := ch.invokeEngineFactory(ctx)
	if err != nil {
		return
	}
	ch.impl = newChannelImpl(ch.underlying, engine, ch.inEncrypted,
		ch.plainAllocator, ch.encryptedAllocator, ch.options)
	ch.inEncrypted = nil
	ch.sniRead.Store(true)
	return
}

func (ch *ServerTlsChannel) invokeEngineFactory(ctx Context) (engine Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newCallbackError("engine creation callback failed", fmt.Errorf("%v", r))
		}
	}()
	engine, err = ch.engineFactory(ctx)
	if err != nil {
		err = newCallbackError("engine creation callback failed", err)
		return
	}
	if engine == nil {
		err = errors.New("tlschannel: engine factory returned nil engine")
	}
	return
}

// readServerNameIndication buffers the first record and parses the client
// hello without consuming it; the engine will see the exact same bytes.
func (ch *ServerTlsChannel) readServerNameIndication() (name string, found bool, err error) {
	ch.inEncrypted.Prepare()
	defer ch.inEncrypted.Release()
	recordSize, err := ch.readRecordHeaderSize()
	if err != nil {
		return
	}
	for ch.inEncrypted.Len() < recordSize {
		if ch.inEncrypted.FreeLen() == 0 {
			if err = ch.inEncrypted.Enlarge(); err != nil {
				return
			}
		}
		if err = ch.readFromUnderlying(); err != nil {
			return
		}
	}
	name, found, err = exploreClientHello(ch.inEncrypted.Bytes()[:recordSize])
	return
}

func (ch *ServerTlsChannel) readRecordHeaderSize() (recordSize int, err error) {
	for ch.inEncrypted.Len() < recordHeaderSize {
		if ch.inEncrypted.FreeLen() == 0 {
			err = errors.New("tlschannel: sniff buffer cannot hold a record header")
			return
		}
		if err = ch.readFromUnderlying(); err != nil {
			return
		}
	}
	recordSize, err = requiredRecordSize(ch.inEncrypted.Bytes())
	return
}

func (ch *ServerTlsChannel) readFromUnderlying() (err error) {
	n, rErr := ch.underlying.Read(ch.inEncrypted.Free())
	if n > 0 {
		ch.inEncrypted.Advance(n)
		return
	}
	if rErr != nil {
		err = rErr
		return
	}
	err = ErrNeedsRead
	return
}
