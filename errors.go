package tlschannel

import (
	"github.com/brickingsoft/errors"
)

var (
	// ErrNeedsRead and ErrNeedsWrite are flow-control signals, not failures:
	// the transport was not ready, so the caller waits for readiness and
	// retries the same call. They are pre-allocated so raising them costs
	// nothing on the hot path.
	ErrNeedsRead  = errors.Define("tlschannel: transport needs read")
	ErrNeedsWrite = errors.Define("tlschannel: transport needs write")

	ErrClosed        = errors.Define("tlschannel: channel closed")
	ErrHandshake     = errors.Define("tlschannel: handshake failed")
	ErrReadPending   = errors.Define("tlschannel: read operation already pending")
	ErrWritePending  = errors.Define("tlschannel: write operation already pending")
	ErrTimeout       = errors.Define("tlschannel: operation timed out")
	ErrCancelled     = errors.Define("tlschannel: operation cancelled")
	ErrGroupShutdown = errors.Define("tlschannel: channel group has been shut down")
)

// TaskError is the third flow-control signal: the engine needs a CPU-bound
// task run before it can make progress. The caller runs Task and retries.
type TaskError struct {
	Task Task
}

func (e *TaskError) Error() string {
	return "tlschannel: engine needs task"
}

// CallbackError wraps a failure coming out of user callbacks (session init,
// SNI context selection, engine factory) so it is never mistaken for a
// protocol error raised by the engine.
type CallbackError struct {
	msg   string
	cause error
}

func (e *CallbackError) Error() string {
	return "tlschannel: " + e.msg + ": " + e.cause.Error()
}

func (e *CallbackError) Unwrap() error {
	return e.cause
}

func newCallbackError(msg string, cause error) *CallbackError {
	return &CallbackError{msg: msg, cause: cause}
}

func NeedsRead(err error) bool {
	return errors.Is(err, ErrNeedsRead)
}

func NeedsWrite(err error) bool {
	return errors.Is(err, ErrNeedsWrite)
}

func NeedsTask(err error) (task Task, ok bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Task, true
	}
	return nil, false
}

// IsWouldBlock reports whether err is any of the three retry directives.
func IsWouldBlock(err error) bool {
	if NeedsRead(err) || NeedsWrite(err) {
		return true
	}
	_, ok := NeedsTask(err)
	return ok
}

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

const (
	errMetaChannelKey  = "channel"
	errMetaOpKey       = "op"
	errMetaOpRead      = "read"
	errMetaOpWrite     = "write"
	errMetaOpShutdown  = "shutdown"
	errMetaOpHandshake = "handshake"
	errMetaOpSni       = "sni"
)
