//go:build unix

package tlschannel

import (
	"io"

	"golang.org/x/sys/unix"
)

// RawChannel adapts a non-blocking file descriptor to ByteChannel semantics:
// EAGAIN becomes the (0, nil) would-block result and a zero-length read
// becomes io.EOF. The descriptor must already be in non-blocking mode.
type RawChannel struct {
	fd int
}

func NewRawChannel(fd int) *RawChannel {
	return &RawChannel{fd: fd}
}

func (c *RawChannel) Fd() int {
	return c.fd
}

func (c *RawChannel) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return
	}
	for {
		n, err = unix.Read(c.fd, p)
		if err != nil {
			n = 0
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				err = nil
			}
			return
		}
		if n == 0 {
			err = io.EOF
		}
		return
	}
}

func (c *RawChannel) Write(p []byte) (n int, err error) {
	for {
		n, err = unix.Write(c.fd, p)
		if err != nil {
			n = 0
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				err = nil
			}
			return
		}
		return
	}
}

func (c *RawChannel) Close() (err error) {
	err = unix.Close(c.fd)
	return
}
