// Package tlschannel layers a TLS record protocol, driven by an opaque Engine,
// on top of a non-blocking byte transport. The package implements no
// cryptography: it moves bytes between the transport and the engine, growing
// and releasing scratch buffers, and surfaces transport non-readiness as the
// retry signals ErrNeedsRead, ErrNeedsWrite and TaskError instead of blocking.
package tlschannel

import (
	"io"

	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

// ByteChannel is the transport capability under a channel. Read and Write
// follow non-blocking semantics: a return of (0, nil) means the transport
// would block and the caller must wait for readiness; Read returns io.EOF at
// end of stream. A blocking transport simply never returns (0, nil), which
// degenerates the whole machine into blocking mode.
type ByteChannel interface {
	io.Reader
	io.Writer
	io.Closer
}

// TlsChannel is the synchronous channel surface. Read, Write, Handshake,
// Renegotiate and Shutdown may fail with the flow-control signals (see
// ErrNeedsRead, ErrNeedsWrite and TaskError); the caller retries the same call
// once the transport is ready or the task has run. One concurrent reader and
// one concurrent writer are supported per channel.
type TlsChannel interface {
	// Read decrypts application data into p. It returns (0, io.EOF) on a
	// clean peer close, and never returns (0, nil) for a non-empty p: lack
	// of progress is reported through a flow-control signal.
	Read(p []byte) (n int, err error)
	// Readv is the scatter variant of Read.
	Readv(bufs [][]byte) (n int, err error)
	// Write encrypts and flushes all of p, or raises a flow-control signal
	// with the count of bytes consumed so far; no bytes are ever lost
	// between retries.
	Write(p []byte) (n int, err error)
	// Writev is the gather variant of Write.
	Writev(bufs [][]byte) (n int, err error)
	// Handshake forces the initial negotiation if it has not happened yet.
	// It is implicit in the first Read or Write.
	Handshake() (err error)
	// Renegotiate forces a new negotiation over an established session.
	Renegotiate() (err error)
	// Shutdown sends the local close_notify if it was not sent yet, and
	// reports whether the bidirectional close completed, which is true only
	// once the peer's close_notify has also been observed.
	Shutdown() (done bool, err error)
	ShutdownSent() bool
	ShutdownReceived() bool
	// Close closes the underlying transport after a best-effort TLS close;
	// errors from the TLS side are swallowed, the transport close always
	// proceeds.
	Close() (err error)
	IsOpen() bool
	Engine() Engine
	Underlying() ByteChannel
	PlainAllocator() *buffers.TrackingAllocator
	EncryptedAllocator() *buffers.TrackingAllocator
}
