package tlschannel

import (
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel/pkg/buffers"
)

type Options struct {
	SessionInitCallback      func(session Session)
	RunTasks                 bool
	PlainAllocator           buffers.Allocator
	EncryptedAllocator       buffers.Allocator
	ReleaseBuffers           bool
	WaitForCloseConfirmation bool
	EngineFactory            EngineFactory
}

func defaultOptions() Options {
	return Options{
		SessionInitCallback:      nil,
		RunTasks:                 true,
		PlainAllocator:           buffers.HeapAllocator{},
		EncryptedAllocator:       buffers.NewPoolAllocator(),
		ReleaseBuffers:           true,
		WaitForCloseConfirmation: false,
		EngineFactory:            nil,
	}
}

type Option func(options *Options) (err error)

// WithSessionInitCallback registers a callback invoked exactly once, right
// after the first handshake completes and before the triggering operation
// returns. A panic in the callback is recovered and surfaced as a
// CallbackError, which invalidates the channel.
func WithSessionInitCallback(callback func(session Session)) Option {
	return func(options *Options) (err error) {
		if callback == nil {
			err = errors.New("tlschannel: session init callback cannot be nil")
			return
		}
		options.SessionInitCallback = callback
		return
	}
}

// WithRunTasks controls whether engine delegated tasks run inline inside the
// calling operation (the default) or are surfaced to the caller as a
// TaskError carrying the task to run.
func WithRunTasks(run bool) Option {
	return func(options *Options) (err error) {
		options.RunTasks = run
		return
	}
}

// WithPlainAllocator sets the allocator for buffers that hold decrypted
// bytes. Plain buffers are zeroed before being returned to the allocator.
func WithPlainAllocator(allocator buffers.Allocator) Option {
	return func(options *Options) (err error) {
		if allocator == nil {
			err = errors.New("tlschannel: plain allocator cannot be nil")
			return
		}
		options.PlainAllocator = allocator
		return
	}
}

// WithEncryptedAllocator sets the allocator for buffers that hold ciphertext.
func WithEncryptedAllocator(allocator buffers.Allocator) Option {
	return func(options *Options) (err error) {
		if allocator == nil {
			err = errors.New("tlschannel: encrypted allocator cannot be nil")
			return
		}
		options.EncryptedAllocator = allocator
		return
	}
}

// WithReleaseBuffers controls opportunistic deallocation of internal buffers
// whenever they are empty between operations, trading allocation churn for a
// lower memory floor on idle channels. Enabled by default.
func WithReleaseBuffers(release bool) Option {
	return func(options *Options) (err error) {
		options.ReleaseBuffers = release
		return
	}
}

// WithWaitForCloseConfirmation makes Close and Shutdown wait for the peer's
// close_notify instead of returning after the local one is sent.
func WithWaitForCloseConfirmation(wait bool) Option {
	return func(options *Options) (err error) {
		options.WaitForCloseConfirmation = wait
		return
	}
}

// WithEngineFactory customizes how a server channel builds its engine from
// the Context selected for the connection.
func WithEngineFactory(factory EngineFactory) Option {
	return func(options *Options) (err error) {
		if factory == nil {
			err = errors.New("tlschannel: engine factory cannot be nil")
			return
		}
		options.EngineFactory = factory
		return
	}
}
