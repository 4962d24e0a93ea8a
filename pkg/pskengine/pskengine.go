// Package pskengine is a pre-shared-key record engine for tlschannel. It
// speaks TLS-framed records (a real ClientHello with SNI, so servers can
// sniff the name, then a minimal ServerHello) and protects application data
// with ChaCha20-Poly1305 under keys derived from the PSK and both hello
// nonces. It is a complete Engine implementation for channels that do not
// need certificate-based TLS, and doubles as the reference engine for
// exercising the channel machinery.
package pskengine

import (
	"crypto/rand"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschannel"
)

var (
	ErrBadRecord = errors.Define("pskengine: malformed record")
	ErrBadKey    = errors.Define("pskengine: psk must not be empty")
	ErrDecrypt   = errors.Define("pskengine: record authentication failed")
	ErrState     = errors.Define("pskengine: record arrived in wrong state")
)

type Config struct {
	// PSK is the shared secret both sides derive their record keys from.
	PSK []byte
	// ServerName is announced in the client hello; servers leave it empty
	// and observe the client's value instead.
	ServerName string
	// DelegatedTasks makes the engine hand key derivation to the caller as
	// a delegated task instead of running it inline.
	DelegatedTasks bool
}

// NewClientEngine builds the engine for the initiating side.
func NewClientEngine(config Config) (engine *Engine, err error) {
	engine, err = newEngine(config, true)
	return
}

// NewServerEngine builds the engine for the accepting side.
func NewServerEngine(config Config) (engine *Engine, err error) {
	engine, err = newEngine(config, false)
	return
}

func newEngine(config Config, isClient bool) (engine *Engine, err error) {
	if len(config.PSK) == 0 {
		err = errors.From(ErrBadKey)
		return
	}
	engine = &Engine{
		config:   config,
		isClient: isClient,
		status:   tlschannel.NotHandshaking,
		state:    stateIdle,
	}
	return
}

// Context serves one fixed configuration. Use it directly with the server
// facade, or build a map of them keyed by SNI for NewSniContextFactory.
type Context struct {
	config Config
}

func NewContext(config Config) *Context {
	return &Context{config: config}
}

func (c *Context) NewEngine() (engine tlschannel.Engine, err error) {
	engine, err = NewServerEngine(c.config)
	return
}

// NewSniContextFactory maps announced server names to contexts. A nil
// fallback rejects connections announcing unknown names or no name at all.
func NewSniContextFactory(byName map[string]*Context, fallback *Context) tlschannel.SniContextFactory {
	return func(name string, found bool) (ctx tlschannel.Context, err error) {
		if found {
			if c, ok := byName[name]; ok {
				ctx = c
				return
			}
		}
		if fallback != nil {
			ctx = fallback
		}
		return
	}
}

type session struct {
	serverName string
}

func (s session) Protocol() string { return "PSK/1" }

func (s session) CipherSuite() string { return "CHACHA20_POLY1305_SHA256" }

func (s session) ServerName() string { return s.serverName }

func randomNonce() (nonce [nonceSize]byte) {
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(err)
	}
	return
}
