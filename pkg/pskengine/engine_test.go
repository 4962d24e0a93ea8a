package pskengine_test

import (
	"bytes"
	"github.com/brickingsoft/tlschannel"
	"github.com/brickingsoft/tlschannel/pkg/pskengine"
	"testing"
)

var testPsk = []byte("a very shared secret")

// handshakePair drives two engines through the hello exchange by hand,
// shuttling records through a scratch buffer.
func handshakePair(t *testing.T, client, server *pskengine.Engine) {
	t.Helper()
	if err := client.BeginHandshake(); err != nil {
		t.Fatal(err)
	}
	if err := server.BeginHandshake(); err != nil {
		t.Fatal(err)
	}
	wire := make([]byte, 32*1024)

	// client hello
	res, err := client.Wrap(nil, wire)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusOK || res.BytesProduced == 0 {
		t.Fatal("client hello wrap:", res)
	}
	if res.HandshakeStatus != tlschannel.NeedUnwrap {
		t.Fatal("client must wait for server hello:", res.HandshakeStatus)
	}
	res, err = server.Unwrap(wire[:res.BytesProduced], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.HandshakeStatus != tlschannel.NeedWrap {
		t.Fatal("server must answer with its hello:", res.HandshakeStatus)
	}

	// server hello
	res, err = server.Wrap(nil, wire)
	if err != nil {
		t.Fatal(err)
	}
	runTask(t, server, res.HandshakeStatus)
	res, err = client.Unwrap(wire[:res.BytesProduced], nil)
	if err != nil {
		t.Fatal(err)
	}
	runTask(t, client, res.HandshakeStatus)

	if client.HandshakeStatus() != tlschannel.NotHandshaking {
		t.Fatal("client status after handshake:", client.HandshakeStatus())
	}
	if server.HandshakeStatus() != tlschannel.NotHandshaking {
		t.Fatal("server status after handshake:", server.HandshakeStatus())
	}
}

func runTask(t *testing.T, e *pskengine.Engine, status tlschannel.HandshakeStatus) {
	t.Helper()
	switch status {
	case tlschannel.Finished:
	case tlschannel.NeedTask:
		task := e.DelegatedTask()
		if task == nil {
			t.Fatal("NeedTask without a task")
		}
		task()
		if e.DelegatedTask() != nil {
			t.Fatal("task must be handed out once")
		}
	default:
		t.Fatal("unexpected terminal handshake status:", status)
	}
}

func newPair(t *testing.T, config pskengine.Config) (client, server *pskengine.Engine) {
	t.Helper()
	client, err := pskengine.NewClientEngine(config)
	if err != nil {
		t.Fatal(err)
	}
	server, err = pskengine.NewServerEngine(config)
	if err != nil {
		t.Fatal(err)
	}
	return
}

func TestEngineRejectsEmptyPsk(t *testing.T) {
	if _, err := pskengine.NewClientEngine(pskengine.Config{}); err == nil {
		t.Error("empty psk must be rejected")
	}
}

func TestEngineHandshakeAndData(t *testing.T) {
	client, server := newPair(t, pskengine.Config{PSK: testPsk, ServerName: "example.com"})
	handshakePair(t, client, server)

	if name := server.Session().ServerName(); name != "example.com" {
		t.Error("server observed name:", name)
	}
	if proto := client.Session().Protocol(); proto != "PSK/1" {
		t.Error("protocol:", proto)
	}

	wire := make([]byte, 32*1024)
	msg := []byte("the quick brown fox")
	res, err := client.Wrap([][]byte{msg[:5], msg[5:]}, wire)
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesConsumed != len(msg) {
		t.Fatal("consumed:", res.BytesConsumed)
	}
	out := make([]byte, 10)
	out2 := make([]byte, 64)
	res, err = server.Unwrap(wire[:res.BytesProduced], [][]byte{out, out2})
	if err != nil {
		t.Fatal(err)
	}
	if res.BytesProduced != len(msg) {
		t.Fatal("produced:", res.BytesProduced)
	}
	got := append(append([]byte{}, out...), out2[:len(msg)-len(out)]...)
	if !bytes.Equal(got, msg) {
		t.Fatal("round trip:", string(got))
	}
}

func TestEngineDelegatedTasks(t *testing.T) {
	client, server := newPair(t, pskengine.Config{PSK: testPsk, DelegatedTasks: true})
	handshakePair(t, client, server)

	wire := make([]byte, 32*1024)
	res, err := server.Wrap([][]byte{[]byte("pong")}, wire)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 16)
	res, err = client.Unwrap(wire[:res.BytesProduced], [][]byte{out})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out[:res.BytesProduced], []byte("pong")) {
		t.Fatal("round trip with tasks:", string(out[:res.BytesProduced]))
	}
}

func TestEngineUnderflowAndOverflow(t *testing.T) {
	client, server := newPair(t, pskengine.Config{PSK: testPsk})
	handshakePair(t, client, server)

	wire := make([]byte, 32*1024)
	res, err := client.Wrap([][]byte{[]byte("abcdefgh")}, wire)
	if err != nil {
		t.Fatal(err)
	}
	record := wire[:res.BytesProduced]

	res, err = server.Unwrap(record[:3], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusBufferUnderflow || res.BytesConsumed != 0 {
		t.Error("partial record:", res)
	}

	small := make([]byte, 4)
	res, err = server.Unwrap(record, [][]byte{small})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusBufferOverflow || res.BytesConsumed != 0 {
		t.Error("small destination:", res)
	}

	// the same record must still decrypt after the overflow retry
	big := make([]byte, 64)
	res, err = server.Unwrap(record, [][]byte{big})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(big[:res.BytesProduced], []byte("abcdefgh")) {
		t.Error("retry after overflow:", string(big[:res.BytesProduced]))
	}

	res, err = client.Wrap([][]byte{[]byte("x")}, make([]byte, 8))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusBufferOverflow || res.BytesConsumed != 0 {
		t.Error("small wrap destination:", res)
	}
}

func TestEngineTamperedRecord(t *testing.T) {
	client, server := newPair(t, pskengine.Config{PSK: testPsk})
	handshakePair(t, client, server)

	wire := make([]byte, 32*1024)
	res, err := client.Wrap([][]byte{[]byte("payload")}, wire)
	if err != nil {
		t.Fatal(err)
	}
	record := wire[:res.BytesProduced]
	record[len(record)-1] ^= 0xff
	if _, err = server.Unwrap(record, [][]byte{make([]byte, 64)}); err == nil {
		t.Error("tampered record must fail authentication")
	}
}

func TestEngineCloseNotify(t *testing.T) {
	client, server := newPair(t, pskengine.Config{PSK: testPsk})
	handshakePair(t, client, server)

	wire := make([]byte, 1024)
	client.CloseOutbound()
	res, err := client.Wrap([][]byte{[]byte("ignored")}, wire)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusClosed || res.BytesConsumed != 0 {
		t.Fatal("close wrap:", res)
	}
	record := wire[:res.BytesProduced]

	res, err = server.Unwrap(record, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusClosed || res.BytesConsumed != len(record) {
		t.Fatal("close unwrap:", res)
	}

	// both directions are now one-way closed for the respective side
	res, err = client.Wrap([][]byte{[]byte("more")}, wire)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusClosed || res.BytesProduced != 0 {
		t.Error("wrap after close:", res)
	}
	res, err = server.Unwrap(record, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != tlschannel.StatusClosed {
		t.Error("unwrap after close:", res)
	}
}

func TestEngineHalfCloseAwaitsPeer(t *testing.T) {
	client, server := newPair(t, pskengine.Config{PSK: testPsk})
	handshakePair(t, client, server)

	wire := make([]byte, 1024)
	client.CloseOutbound()
	res, err := client.Wrap(nil, wire)
	if err != nil {
		t.Fatal(err)
	}
	if client.HandshakeStatus() != tlschannel.NeedUnwrap {
		t.Fatal("half-closed side must keep unwrapping:", client.HandshakeStatus())
	}
	if _, err = server.Unwrap(wire[:res.BytesProduced], nil); err != nil {
		t.Fatal(err)
	}

	server.CloseOutbound()
	res, err = server.Wrap(nil, wire)
	if err != nil {
		t.Fatal(err)
	}
	// the server saw the client's close first, nothing left to wait for
	if server.HandshakeStatus() != tlschannel.NotHandshaking {
		t.Error("fully closed server status:", server.HandshakeStatus())
	}
	if _, err = client.Unwrap(wire[:res.BytesProduced], nil); err != nil {
		t.Fatal(err)
	}
	if client.HandshakeStatus() != tlschannel.NotHandshaking {
		t.Error("fully closed client status:", client.HandshakeStatus())
	}
}

func TestEngineRenegotiation(t *testing.T) {
	client, server := newPair(t, pskengine.Config{PSK: testPsk})
	handshakePair(t, client, server)

	wire := make([]byte, 32*1024)
	res, err := client.Wrap([][]byte{[]byte("before")}, wire)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 64)
	if _, err = server.Unwrap(wire[:res.BytesProduced], [][]byte{out}); err != nil {
		t.Fatal(err)
	}

	// fresh handshake over the same engines; the server picks it up from
	// the new client hello
	handshakePair(t, client, server)

	res, err = client.Wrap([][]byte{[]byte("after")}, wire)
	if err != nil {
		t.Fatal(err)
	}
	res, err = server.Unwrap(wire[:res.BytesProduced], [][]byte{out})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out[:res.BytesProduced], []byte("after")) {
		t.Error("round trip after renegotiation:", string(out[:res.BytesProduced]))
	}
}

func TestSniContextFactory(t *testing.T) {
	ctxA := pskengine.NewContext(pskengine.Config{PSK: testPsk})
	fallback := pskengine.NewContext(pskengine.Config{PSK: []byte("other")})
	factory := pskengine.NewSniContextFactory(map[string]*pskengine.Context{"a.example": ctxA}, fallback)

	ctx, err := factory("a.example", true)
	if err != nil || ctx != tlschannel.Context(ctxA) {
		t.Error("known name:", ctx, err)
	}
	ctx, err = factory("b.example", true)
	if err != nil || ctx != tlschannel.Context(fallback) {
		t.Error("unknown name must get the fallback:", ctx, err)
	}
	strict := pskengine.NewSniContextFactory(nil, nil)
	ctx, err = strict("", false)
	if err != nil || ctx != nil {
		t.Error("nil fallback must yield a nil context:", ctx, err)
	}
}
