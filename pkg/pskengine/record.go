package pskengine

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/brickingsoft/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

const (
	recordHeaderSize = 5
	maxPlaintext     = 1 << 14
	recordVersion    = 0x0301

	recordTypeAlert       = 21
	recordTypeHandshake   = 22
	recordTypeApplication = 23

	msgTypeClientHello = 1
	msgTypeServerHello = 2

	extensionServerName = 0

	cipherSuitePsk = 0x1303 // TLS_CHACHA20_POLY1305_SHA256

	alertLevelWarning = 1
	alertCloseNotify  = 0

	nonceSize = 32
)

// peekRecord parses a record header out of src. ok is false while src does
// not yet hold the complete record.
func peekRecord(src []byte) (recordType byte, payload []byte, total int, ok bool, err error) {
	if len(src) < recordHeaderSize {
		return
	}
	recordType = src[0]
	if src[1] != recordVersion>>8 || src[2] != recordVersion&0xff {
		err = errors.From(ErrBadRecord, errors.WithMeta("reason", "bad version"))
		return
	}
	length := int(src[3])<<8 | int(src[4])
	if length > maxPlaintext+chacha20poly1305.Overhead {
		err = errors.From(ErrBadRecord, errors.WithMeta("reason", "oversized record"))
		return
	}
	total = recordHeaderSize + length
	if len(src) < total {
		return
	}
	payload = src[recordHeaderSize:total]
	ok = true
	return
}

func putRecordHeader(dst []byte, recordType byte, length int) {
	dst[0] = recordType
	dst[1] = recordVersion >> 8
	dst[2] = recordVersion & 0xff
	dst[3] = byte(length >> 8)
	dst[4] = byte(length)
}

func buildClientHello(nonce [nonceSize]byte, serverName string) (record []byte) {
	var b cryptobyte.Builder
	b.AddUint8(msgTypeClientHello)
	b.AddUint24LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16(recordVersion)
		body.AddBytes(nonce[:])
		body.AddUint8LengthPrefixed(func(_ *cryptobyte.Builder) {})
		body.AddUint16LengthPrefixed(func(suites *cryptobyte.Builder) {
			suites.AddUint16(cipherSuitePsk)
		})
		body.AddUint8LengthPrefixed(func(comp *cryptobyte.Builder) {
			comp.AddUint8(0)
		})
		body.AddUint16LengthPrefixed(func(exts *cryptobyte.Builder) {
			if serverName == "" {
				return
			}
			exts.AddUint16(extensionServerName)
			exts.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
				ext.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
					list.AddUint8(0)
					list.AddUint16LengthPrefixed(func(name *cryptobyte.Builder) {
						name.AddBytes([]byte(serverName))
					})
				})
			})
		})
	})
	msg, buildErr := b.Bytes()
	if buildErr != nil {
		panic(buildErr)
	}
	record = make([]byte, recordHeaderSize+len(msg))
	putRecordHeader(record, recordTypeHandshake, len(msg))
	copy(record[recordHeaderSize:], msg)
	return
}

func buildServerHello(nonce [nonceSize]byte) (record []byte) {
	var b cryptobyte.Builder
	b.AddUint8(msgTypeServerHello)
	b.AddUint24LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16(recordVersion)
		body.AddBytes(nonce[:])
		body.AddUint8LengthPrefixed(func(_ *cryptobyte.Builder) {})
		body.AddUint16(cipherSuitePsk)
		body.AddUint8(0)
	})
	msg, buildErr := b.Bytes()
	if buildErr != nil {
		panic(buildErr)
	}
	record = make([]byte, recordHeaderSize+len(msg))
	putRecordHeader(record, recordTypeHandshake, len(msg))
	copy(record[recordHeaderSize:], msg)
	return
}

type helloInfo struct {
	msgType    byte
	nonce      [nonceSize]byte
	serverName string
	sniFound   bool
}

func parseHello(payload []byte) (info helloInfo, err error) {
	s := cryptobyte.String(payload)
	var body cryptobyte.String
	if !s.ReadUint8(&info.msgType) || !s.ReadUint24LengthPrefixed(&body) {
		err = errors.From(ErrBadRecord, errors.WithMeta("reason", "truncated hello"))
		return
	}
	var version uint16
	var random []byte
	if !body.ReadUint16(&version) || !body.ReadBytes(&random, nonceSize) {
		err = errors.From(ErrBadRecord, errors.WithMeta("reason", "truncated hello body"))
		return
	}
	copy(info.nonce[:], random)
	switch info.msgType {
	case msgTypeClientHello:
		var sessionID, suites, comp cryptobyte.String
		if !body.ReadUint8LengthPrefixed(&sessionID) ||
			!body.ReadUint16LengthPrefixed(&suites) ||
			!body.ReadUint8LengthPrefixed(&comp) {
			err = errors.From(ErrBadRecord, errors.WithMeta("reason", "malformed client hello"))
			return
		}
		if body.Empty() {
			return
		}
		var exts cryptobyte.String
		if !body.ReadUint16LengthPrefixed(&exts) {
			err = errors.From(ErrBadRecord, errors.WithMeta("reason", "malformed extensions"))
			return
		}
		info.serverName, info.sniFound, err = parseSniExtension(exts)
	case msgTypeServerHello:
	default:
		err = errors.From(ErrBadRecord, errors.WithMeta("reason", "unexpected handshake message"))
	}
	return
}

func parseSniExtension(exts cryptobyte.String) (name string, found bool, err error) {
	for !exts.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			err = errors.From(ErrBadRecord, errors.WithMeta("reason", "malformed extension"))
			return
		}
		if extType != extensionServerName {
			continue
		}
		var list cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&list) {
			err = errors.From(ErrBadRecord, errors.WithMeta("reason", "malformed server_name"))
			return
		}
		for !list.Empty() {
			var nameType uint8
			var hostName cryptobyte.String
			if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&hostName) {
				err = errors.From(ErrBadRecord, errors.WithMeta("reason", "malformed server_name entry"))
				return
			}
			if nameType == 0 {
				name = string(hostName)
				found = true
				return
			}
		}
	}
	return
}

func buildCloseNotify() (record []byte) {
	record = make([]byte, recordHeaderSize+2)
	putRecordHeader(record, recordTypeAlert, 2)
	record[recordHeaderSize] = alertLevelWarning
	record[recordHeaderSize+1] = alertCloseNotify
	return
}

func isCloseNotify(payload []byte) bool {
	return len(payload) == 2 && payload[1] == alertCloseNotify
}

// deriveKey computes one direction's record key from the PSK and both hello
// nonces. Each handshake, including renegotiations, yields fresh keys
// because the nonces are fresh.
func deriveKey(psk []byte, clientNonce, serverNonce [nonceSize]byte, label string) (key []byte) {
	salt := make([]byte, 0, nonceSize*2)
	salt = append(salt, clientNonce[:]...)
	salt = append(salt, serverNonce[:]...)
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := hkdf.Expand(sha256.New, hkdf.Extract(sha256.New, psk, salt), []byte(label)).Read(key); err != nil {
		panic(err)
	}
	return
}

func sealNonce(seq uint64) (nonce [chacha20poly1305.NonceSize]byte) {
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return
}
