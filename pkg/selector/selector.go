//go:build unix

// Package selector is a thin readiness multiplexer for registered file
// descriptors, backed by epoll on linux and kqueue on the BSDs. It serves a
// single polling goroutine: Select must not be called concurrently, while
// Register, Wakeup, SetInterest and Cancel may be called from anywhere.
package selector

import (
	"github.com/brickingsoft/errors"
)

type Interest uint32

const (
	Read Interest = 1 << iota
	Write
)

// Event is one readiness report. Error and hangup conditions surface as both
// readable and writable so whichever operation is pending gets to run and
// observe the failure from the descriptor itself.
type Event struct {
	Key      *Key
	Readable bool
	Writable bool
}

var (
	ErrSelectorClosed = errors.Define("selector: closed")
	ErrKeyCancelled   = errors.Define("selector: key cancelled")
)
