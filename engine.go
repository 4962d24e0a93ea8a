package tlschannel

// Status is the coarse outcome of a single Wrap or Unwrap call.
type Status int

const (
	// StatusOK means the call made progress.
	StatusOK Status = iota
	// StatusBufferOverflow means the destination has no room for the next
	// unit of output; the caller must grow or drain it and retry.
	StatusBufferOverflow
	// StatusBufferUnderflow means the source does not yet hold a complete
	// record; the caller must read more ciphertext and retry.
	StatusBufferUnderflow
	// StatusClosed means the close signal was produced (Wrap) or received
	// (Unwrap).
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeStatus tells the driver what the engine needs next.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	// NeedWrap means the engine has handshake bytes to emit.
	NeedWrap
	// NeedUnwrap means the engine needs peer handshake bytes.
	NeedUnwrap
	// NeedTask means a CPU-bound task must run before the handshake can
	// continue; fetch it with DelegatedTask.
	NeedTask
	// Finished is reported once, by the call that completed the handshake.
	Finished
)

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Result reports what one Wrap or Unwrap call consumed and produced. Partial
// progress with a non-OK status is valid: consumed and produced counts are
// meaningful regardless of the status.
type Result struct {
	BytesConsumed   int
	BytesProduced   int
	Status          Status
	HandshakeStatus HandshakeStatus
}

// Task is a CPU-bound unit of handshake work delegated by an engine.
type Task func()

// Session describes a negotiated session. Values are engine-defined.
type Session interface {
	Protocol() string
	CipherSuite() string
	ServerName() string
}

// Engine transforms between plaintext and the record protocol. It performs no
// transport I/O itself; the channel feeds it bytes and carries its output.
// The channel serializes handshakes, but once established one reader and one
// writer may call Unwrap and Wrap concurrently; engines must tolerate that.
type Engine interface {
	// BeginHandshake arms a (re)negotiation. The handshake itself advances
	// through subsequent Wrap and Unwrap calls.
	BeginHandshake() (err error)
	// Wrap consumes plaintext from src and produces records into dst.
	// During a handshake it may produce records while consuming nothing.
	Wrap(src [][]byte, dst []byte) (result Result, err error)
	// Unwrap consumes records from src and produces plaintext into dst.
	// It must not consume a record it cannot fully process.
	Unwrap(src []byte, dst [][]byte) (result Result, err error)
	HandshakeStatus() HandshakeStatus
	// CloseOutbound arms the outgoing close signal; the next Wrap emits it.
	CloseOutbound()
	// DelegatedTask returns a pending task, or nil. Each task is returned
	// once.
	DelegatedTask() (task Task)
	Session() (session Session)
}

// Context creates engines for new connections. A server channel holds one or
// derives one from the SNI value.
type Context interface {
	NewEngine() (engine Engine, err error)
}

// SniContextFactory picks a Context from the server name announced by the
// client. found is false when the client hello carried no SNI extension, in
// which case name is empty. Returning a nil Context rejects the connection.
type SniContextFactory func(name string, found bool) (ctx Context, err error)

// EngineFactory customizes engine construction on server channels, for
// example to force protocol restrictions per connection.
type EngineFactory func(ctx Context) (engine Engine, err error)
