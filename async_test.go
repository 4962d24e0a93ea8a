//go:build unix

package tlschannel_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlschannel"
	"github.com/brickingsoft/tlschannel/pkg/pskengine"
	"golang.org/x/sys/unix"
)

func nonblockingSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, fd := range fds {
		if err = unix.SetNonblock(fd, true); err != nil {
			t.Fatal(err)
		}
	}
	return fds[0], fds[1]
}

func awaitInt(t *testing.T, future async.Future[int]) (n int, err error) {
	t.Helper()
	done := make(chan struct{})
	future.OnComplete(func(_ context.Context, result int, cause error) {
		n = result
		err = cause
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("future never completed")
	}
	return
}

type asyncPair struct {
	group  *tlschannel.AsyncChannelGroup
	client *tlschannel.AsyncTlsChannel
	server *tlschannel.AsyncTlsChannel
}

func newAsyncPair(t *testing.T) *asyncPair {
	t.Helper()
	group, err := tlschannel.NewAsyncChannelGroup()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		group.ShutdownNow()
		group.AwaitTermination(5 * time.Second)
	})

	clientFd, serverFd := nonblockingSocketpair(t)
	engine, err := pskengine.NewClientEngine(pskengine.Config{PSK: testPsk, ServerName: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	clientCh, err := tlschannel.NewClientTlsChannel(tlschannel.NewRawChannel(clientFd), engine)
	if err != nil {
		t.Fatal(err)
	}
	serverCh, err := tlschannel.NewServerTlsChannel(tlschannel.NewRawChannel(serverFd),
		pskengine.NewContext(pskengine.Config{PSK: testPsk}))
	if err != nil {
		t.Fatal(err)
	}
	client, err := tlschannel.NewAsyncTlsChannel(group, clientCh, clientFd)
	if err != nil {
		t.Fatal(err)
	}
	server, err := tlschannel.NewAsyncTlsChannel(group, serverCh, serverFd)
	if err != nil {
		t.Fatal(err)
	}
	return &asyncPair{group: group, client: client, server: server}
}

func TestAsyncEchoThroughGroup(t *testing.T) {
	p := newAsyncPair(t)

	msg := []byte("async hello across the group")
	buf := make([]byte, 64)
	readFuture := p.server.Read(buf)
	writeFuture := p.client.Write(msg)

	n, err := awaitInt(t, writeFuture)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msg) {
		t.Error("write consumed:", n)
	}
	n, err = awaitInt(t, readFuture)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Error("server received:", string(buf[:n]))
	}

	if p.group.SuccessfulReadCount() != 1 || p.group.SuccessfulWriteCount() != 1 {
		t.Error("success counters:", p.group.SuccessfulReadCount(), p.group.SuccessfulWriteCount())
	}
	if p.group.CurrentReadCount() != 0 || p.group.CurrentWriteCount() != 0 {
		t.Error("in-flight counters:", p.group.CurrentReadCount(), p.group.CurrentWriteCount())
	}
	if p.group.CurrentRegistrationCount() != 2 {
		t.Error("registrations:", p.group.CurrentRegistrationCount())
	}
	if p.group.SelectionCount() == 0 {
		t.Error("selector never ran")
	}

	// a clean close on one side ends the peer's next read with EOF
	if _, err = p.client.Channel().Shutdown(); err != nil && !tlschannel.IsWouldBlock(err) {
		t.Fatal(err)
	}
	_, err = awaitInt(t, p.server.Read(buf))
	if !errors.Is(err, io.EOF) {
		t.Error("read after peer shutdown:", err)
	}
}

func TestAsyncScatterGather(t *testing.T) {
	p := newAsyncPair(t)

	a := make([]byte, 4)
	b := make([]byte, 16)
	readFuture := p.server.Readv([][]byte{a, b})
	writeFuture := p.client.Writev([][]byte{[]byte("scat"), []byte("tered")})

	if n, err := awaitInt(t, writeFuture); err != nil || n != 9 {
		t.Fatal("writev:", n, err)
	}
	n, err := awaitInt(t, readFuture)
	if err != nil {
		t.Fatal(err)
	}
	if n != 9 || string(a) != "scat" || string(b[:5]) != "tered" {
		t.Error("readv:", n, string(a), string(b[:5]))
	}
}

func TestAsyncEmptyBuffersCompleteImmediately(t *testing.T) {
	p := newAsyncPair(t)
	if n, err := awaitInt(t, p.client.Write(nil)); n != 0 || err != nil {
		t.Error("empty write:", n, err)
	}
	if n, err := awaitInt(t, p.client.Read(nil)); n != 0 || err != nil {
		t.Error("empty read:", n, err)
	}
	if p.group.StartedReadCount() != 0 || p.group.StartedWriteCount() != 0 {
		t.Error("empty operations must not reach the group")
	}
}

func TestAsyncReadTimeout(t *testing.T) {
	p := newAsyncPair(t)

	// nothing will arrive, the deadline must fire
	_, err := awaitInt(t, p.client.ReadTimeout(make([]byte, 16), 50*time.Millisecond))
	if !tlschannel.IsTimeout(err) {
		t.Fatal("expected timeout:", err)
	}
	if p.group.CancelledReadCount() != 1 {
		t.Error("cancelled counter:", p.group.CancelledReadCount())
	}
	if p.group.CurrentReadCount() != 0 {
		t.Error("slot not freed after timeout:", p.group.CurrentReadCount())
	}
}

func TestAsyncSecondReadRejectedWhilePending(t *testing.T) {
	p := newAsyncPair(t)

	first := p.client.Read(make([]byte, 16))
	// give the group a beat to take the slot
	time.Sleep(20 * time.Millisecond)
	_, err := awaitInt(t, p.client.Read(make([]byte, 16)))
	if !errors.Is(err, tlschannel.ErrReadPending) {
		t.Fatal("second read while pending:", err)
	}

	if !p.client.AbortRead() {
		t.Fatal("abort must find the pending read")
	}
	_, err = awaitInt(t, first)
	if !errors.Is(err, tlschannel.ErrCancelled) {
		t.Error("aborted read:", err)
	}
	if p.client.AbortRead() {
		t.Error("nothing left to abort")
	}
}

func TestAsyncAbortWrite(t *testing.T) {
	p := newAsyncPair(t)
	if p.client.AbortWrite() {
		t.Error("abort with no write in flight")
	}
}

func TestAsyncGroupShutdownDrains(t *testing.T) {
	p := newAsyncPair(t)

	p.group.Shutdown()
	if !p.group.IsShutdown() {
		t.Error("group must report shutdown")
	}
	if _, err := tlschannel.NewAsyncTlsChannel(p.group, p.client.Channel(), 0); !errors.Is(err, tlschannel.ErrGroupShutdown) {
		t.Error("registration after shutdown:", err)
	}

	// the loop drains once the last socket deregisters
	if err := p.client.Close(); err != nil {
		t.Error(err)
	}
	if err := p.server.Close(); err != nil {
		t.Error(err)
	}
	if !p.group.AwaitTermination(5 * time.Second) {
		t.Fatal("group never terminated")
	}
	if !p.group.IsTerminated() {
		t.Error("terminated flag")
	}
}

func TestAsyncShutdownNowFailsInFlight(t *testing.T) {
	p := newAsyncPair(t)

	pending := p.client.Read(make([]byte, 16))
	time.Sleep(20 * time.Millisecond)
	p.group.ShutdownNow()
	_, err := awaitInt(t, pending)
	if !tlschannel.IsClosed(err) {
		t.Error("in-flight read on forced shutdown:", err)
	}
	if !p.group.AwaitTermination(5 * time.Second) {
		t.Fatal("group never terminated")
	}
}

func TestAsyncRegistrationDuringShutdownNeverHangs(t *testing.T) {
	for i := 0; i < 50; i++ {
		group, err := tlschannel.NewAsyncChannelGroup()
		if err != nil {
			t.Fatal(err)
		}
		clientFd, serverFd := nonblockingSocketpair(t)
		engine, err := pskengine.NewClientEngine(pskengine.Config{PSK: testPsk})
		if err != nil {
			t.Fatal(err)
		}
		channel, err := tlschannel.NewClientTlsChannel(tlschannel.NewRawChannel(clientFd), engine)
		if err != nil {
			t.Fatal(err)
		}

		outcome := make(chan error, 1)
		go func() {
			ch, regErr := tlschannel.NewAsyncTlsChannel(group, channel, clientFd)
			if regErr != nil {
				outcome <- regErr
				return
			}
			done := make(chan struct{})
			var cause error
			ch.Read(make([]byte, 8)).OnComplete(func(_ context.Context, _ int, err error) {
				cause = err
				close(done)
			})
			<-done
			outcome <- cause
		}()
		group.ShutdownNow()

		select {
		case err = <-outcome:
			if err == nil {
				t.Fatal("read against a shut-down group must fail")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("registration racing shutdown hung")
		}
		if !group.AwaitTermination(5 * time.Second) {
			t.Fatal("group never terminated")
		}
		_ = unix.Close(clientFd)
		_ = unix.Close(serverFd)
	}
}

func TestAsyncReadTimeoutRacesCompletion(t *testing.T) {
	p := newAsyncPair(t)

	// prime the session so the raced reads are pure data operations
	buf := make([]byte, 64)
	primed := p.server.Read(buf)
	if _, err := awaitInt(t, p.client.Write([]byte("prime"))); err != nil {
		t.Fatal(err)
	}
	if _, err := awaitInt(t, primed); err != nil {
		t.Fatal(err)
	}

	// a deadline this short fires around the moment the data lands; the
	// future must settle exactly once either way
	const rounds = 200
	timeouts := 0
	for i := 0; i < rounds; i++ {
		future := p.server.ReadTimeout(buf, time.Millisecond)
		if _, err := awaitInt(t, p.client.Write([]byte("x"))); err != nil {
			t.Fatal(err)
		}
		if _, err := awaitInt(t, future); err != nil {
			if !tlschannel.IsTimeout(err) {
				t.Fatal(err)
			}
			timeouts++
		}
	}
	t.Log("timed out rounds:", timeouts)

	if p.group.CurrentReadCount() != 0 {
		t.Error("in-flight reads left behind:", p.group.CurrentReadCount())
	}
	started := p.group.StartedReadCount()
	settled := p.group.SuccessfulReadCount() + p.group.CancelledReadCount() + p.group.FailedReadCount()
	if started != settled {
		t.Error("reads started:", started, "settled:", settled)
	}
}
