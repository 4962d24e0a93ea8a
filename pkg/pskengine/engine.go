package pskengine

import (
	"crypto/cipher"
	"sync"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel"
	"golang.org/x/crypto/chacha20poly1305"
)

type hsState int

const (
	// stateIdle covers both never-handshaked and established engines; the
	// sealer being nil tells them apart.
	stateIdle hsState = iota
	stateSendHello
	stateAwaitHello
	stateTask
)

// Engine is a tlschannel.Engine over the PSK record protocol. Wrap and
// Unwrap hold an internal lock, matching the channel's expectation that one
// reader and one writer may drive the engine concurrently.
//
// Renegotiation is client-initiated: the client's fresh hello arriving on an
// established connection restarts the exchange on the server side.
type Engine struct {
	config   Config
	isClient bool

	mu sync.Mutex

	status tlschannel.HandshakeStatus
	state  hsState

	localNonce [nonceSize]byte
	peerNonce  [nonceSize]byte

	sealer  cipher.AEAD
	opener  cipher.AEAD
	sendSeq uint64
	recvSeq uint64

	scratch []byte
	task    tlschannel.Task

	closePending  bool
	closeSent     bool
	closeReceived bool

	serverName string
}

func (e *Engine) BeginHandshake() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeSent || e.closeReceived {
		err = errors.From(ErrState, errors.WithMeta("reason", "engine is closed"))
		return
	}
	if e.state != stateIdle {
		// already mid-handshake, keep going
		return
	}
	e.localNonce = randomNonce()
	if e.isClient {
		e.state = stateSendHello
		e.status = tlschannel.NeedWrap
	} else {
		e.state = stateAwaitHello
		e.status = tlschannel.NeedUnwrap
	}
	return
}

func (e *Engine) HandshakeStatus() tlschannel.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) CloseOutbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closeSent {
		e.closePending = true
	}
}

func (e *Engine) DelegatedTask() (task tlschannel.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task = e.task
	e.task = nil
	return
}

func (e *Engine) Session() (s tlschannel.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := e.serverName
	if e.isClient {
		name = e.config.ServerName
	}
	s = session{serverName: name}
	return
}

func (e *Engine) Wrap(src [][]byte, dst []byte) (result tlschannel.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeSent {
		result = tlschannel.Result{Status: tlschannel.StatusClosed, HandshakeStatus: e.status}
		return
	}
	if e.closePending {
		result = e.wrapCloseNotify(dst)
		return
	}
	switch e.state {
	case stateSendHello:
		result = e.wrapHello(dst)
		return
	case stateAwaitHello, stateTask:
		// nothing to emit until the peer's hello or the task happens
		result = tlschannel.Result{Status: tlschannel.StatusOK, HandshakeStatus: e.status}
		return
	default:
	}
	if e.sealer == nil {
		err = errors.From(ErrState, errors.WithMeta("reason", "wrap before handshake"))
		return
	}
	result = e.wrapApplicationData(src, dst)
	return
}

func (e *Engine) wrapCloseNotify(dst []byte) (result tlschannel.Result) {
	record := buildCloseNotify()
	if len(dst) < len(record) {
		result = tlschannel.Result{Status: tlschannel.StatusBufferOverflow, HandshakeStatus: e.status}
		return
	}
	copy(dst, record)
	e.closePending = false
	e.closeSent = true
	e.state = stateIdle
	// a half-closed engine still expects the peer's close record, so the
	// shutdown loop keeps unwrapping until it arrives
	next := tlschannel.NeedUnwrap
	if e.closeReceived {
		next = tlschannel.NotHandshaking
	}
	e.status = next
	result = tlschannel.Result{
		BytesProduced:   len(record),
		Status:          tlschannel.StatusClosed,
		HandshakeStatus: next,
	}
	return
}

func (e *Engine) wrapHello(dst []byte) (result tlschannel.Result) {
	var record []byte
	if e.isClient {
		record = buildClientHello(e.localNonce, e.config.ServerName)
	} else {
		record = buildServerHello(e.localNonce)
	}
	if len(dst) < len(record) {
		result = tlschannel.Result{Status: tlschannel.StatusBufferOverflow, HandshakeStatus: e.status}
		return
	}
	copy(dst, record)
	next := tlschannel.NeedUnwrap
	if e.isClient {
		e.state = stateAwaitHello
		e.status = tlschannel.NeedUnwrap
	} else {
		next = e.concludeHandshake()
	}
	result = tlschannel.Result{
		BytesProduced:   len(record),
		Status:          tlschannel.StatusOK,
		HandshakeStatus: next,
	}
	return
}

func (e *Engine) wrapApplicationData(src [][]byte, dst []byte) (result tlschannel.Result) {
	if e.scratch == nil {
		e.scratch = make([]byte, maxPlaintext)
	}
	n := 0
	for _, buf := range src {
		if n == maxPlaintext {
			break
		}
		n += copy(e.scratch[n:], buf)
	}
	if n == 0 {
		result = tlschannel.Result{Status: tlschannel.StatusOK, HandshakeStatus: tlschannel.NotHandshaking}
		return
	}
	recordLen := recordHeaderSize + n + chacha20poly1305.Overhead
	if len(dst) < recordLen {
		result = tlschannel.Result{Status: tlschannel.StatusBufferOverflow, HandshakeStatus: tlschannel.NotHandshaking}
		return
	}
	nonce := sealNonce(e.sendSeq)
	putRecordHeader(dst, recordTypeApplication, n+chacha20poly1305.Overhead)
	e.sealer.Seal(dst[recordHeaderSize:recordHeaderSize], nonce[:], e.scratch[:n], nil)
	e.sendSeq++
	result = tlschannel.Result{
		BytesConsumed:   n,
		BytesProduced:   recordLen,
		Status:          tlschannel.StatusOK,
		HandshakeStatus: tlschannel.NotHandshaking,
	}
	return
}

func (e *Engine) Unwrap(src []byte, dst [][]byte) (result tlschannel.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeReceived {
		result = tlschannel.Result{Status: tlschannel.StatusClosed, HandshakeStatus: e.status}
		return
	}
	recordType, payload, total, ok, err := peekRecord(src)
	if err != nil {
		return
	}
	if !ok {
		result = tlschannel.Result{Status: tlschannel.StatusBufferUnderflow, HandshakeStatus: e.status}
		return
	}
	switch recordType {
	case recordTypeAlert:
		if !isCloseNotify(payload) {
			err = errors.From(ErrBadRecord, errors.WithMeta("reason", "unexpected alert"))
			return
		}
		e.closeReceived = true
		e.state = stateIdle
		e.status = tlschannel.NotHandshaking
		result = tlschannel.Result{
			BytesConsumed:   total,
			Status:          tlschannel.StatusClosed,
			HandshakeStatus: tlschannel.NotHandshaking,
		}
		return
	case recordTypeHandshake:
		result, err = e.unwrapHello(payload, total)
		return
	case recordTypeApplication:
		result, err = e.unwrapApplicationData(payload, total, dst)
		return
	default:
		err = errors.From(ErrBadRecord, errors.WithMeta("reason", "unknown record type"))
		return
	}
}

func (e *Engine) unwrapHello(payload []byte, total int) (result tlschannel.Result, err error) {
	info, err := parseHello(payload)
	if err != nil {
		return
	}
	if e.state == stateIdle && !e.isClient && info.msgType == msgTypeClientHello {
		// the peer started a renegotiation
		e.localNonce = randomNonce()
		e.state = stateAwaitHello
	}
	if e.state != stateAwaitHello {
		err = errors.From(ErrState, errors.WithMeta("reason", "unexpected hello"))
		return
	}
	expected := byte(msgTypeServerHello)
	if !e.isClient {
		expected = msgTypeClientHello
	}
	if info.msgType != expected {
		err = errors.From(ErrState, errors.WithMeta("reason", "hello from wrong side"))
		return
	}
	e.peerNonce = info.nonce
	if !e.isClient && info.sniFound {
		e.serverName = info.serverName
	}
	var next tlschannel.HandshakeStatus
	if e.isClient {
		next = e.concludeHandshake()
	} else {
		e.state = stateSendHello
		e.status = tlschannel.NeedWrap
		next = tlschannel.NeedWrap
	}
	result = tlschannel.Result{
		BytesConsumed:   total,
		Status:          tlschannel.StatusOK,
		HandshakeStatus: next,
	}
	return
}

// concludeHandshake is called by the side's last protocol step. It either
// derives keys inline and reports Finished, or parks the derivation as a
// delegated task.
func (e *Engine) concludeHandshake() (next tlschannel.HandshakeStatus) {
	if e.config.DelegatedTasks {
		e.state = stateTask
		e.status = tlschannel.NeedTask
		e.task = func() {
			e.mu.Lock()
			e.deriveKeys()
			e.mu.Unlock()
		}
		next = tlschannel.NeedTask
		return
	}
	e.deriveKeys()
	next = tlschannel.Finished
	return
}

func (e *Engine) deriveKeys() {
	clientNonce, serverNonce := e.localNonce, e.peerNonce
	if !e.isClient {
		clientNonce, serverNonce = e.peerNonce, e.localNonce
	}
	clientKey := deriveKey(e.config.PSK, clientNonce, serverNonce, "pskengine client")
	serverKey := deriveKey(e.config.PSK, clientNonce, serverNonce, "pskengine server")
	clientAead, err := chacha20poly1305.New(clientKey)
	if err != nil {
		panic(err)
	}
	serverAead, err := chacha20poly1305.New(serverKey)
	if err != nil {
		panic(err)
	}
	if e.isClient {
		e.sealer, e.opener = clientAead, serverAead
	} else {
		e.sealer, e.opener = serverAead, clientAead
	}
	e.sendSeq = 0
	e.recvSeq = 0
	e.state = stateIdle
	e.status = tlschannel.NotHandshaking
}

func (e *Engine) unwrapApplicationData(payload []byte, total int, dst [][]byte) (result tlschannel.Result, err error) {
	if e.state != stateIdle || e.opener == nil {
		err = errors.From(ErrState, errors.WithMeta("reason", "application data during handshake"))
		return
	}
	nonce := sealNonce(e.recvSeq)
	plaintext, openErr := e.opener.Open(nil, nonce[:], payload, nil)
	if openErr != nil {
		err = errors.From(ErrDecrypt, errors.WithWrap(openErr))
		return
	}
	room := 0
	for _, buf := range dst {
		room += len(buf)
	}
	if room < len(plaintext) {
		// nothing is consumed, the same record is re-read once the
		// destination has grown
		result = tlschannel.Result{Status: tlschannel.StatusBufferOverflow, HandshakeStatus: tlschannel.NotHandshaking}
		return
	}
	n := 0
	for _, buf := range dst {
		if n == len(plaintext) {
			break
		}
		n += copy(buf, plaintext[n:])
	}
	e.recvSeq++
	result = tlschannel.Result{
		BytesConsumed:   total,
		BytesProduced:   n,
		Status:          tlschannel.StatusOK,
		HandshakeStatus: tlschannel.NotHandshaking,
	}
	return
}
