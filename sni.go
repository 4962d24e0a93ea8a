package tlschannel

import (
	"github.com/brickingsoft/errors"
	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderSize = 5

	recordTypeHandshake = 22
	handshakeTypeHello  = 1
	extensionServerName = 0
	sniNameTypeHostName = 0
	maxExplorableRecord = maxTlsPacketSize
)

func sniError(msg string) error {
	return errors.From(
		ErrHandshake,
		errors.WithMeta(errMetaOpKey, errMetaOpSni),
		errors.WithMeta("reason", msg),
	)
}

// requiredRecordSize inspects a record header and returns the total size of
// the record, header included. Only handshake records are explorable; any
// other content type means the connection is not starting with a client
// hello.
func requiredRecordSize(header []byte) (size int, err error) {
	if len(header) < recordHeaderSize {
		err = sniError("record header truncated")
		return
	}
	if header[0] != recordTypeHandshake {
		err = sniError("not a handshake record")
		return
	}
	size = recordHeaderSize + int(header[3])<<8 + int(header[4])
	if size > maxExplorableRecord {
		err = sniError("record too large")
		return
	}
	return
}

// exploreClientHello parses a complete handshake record, header included, and
// extracts the server_name extension. found is false when the hello carries
// no SNI; parsing never consumes the input, the engine unwraps the same
// bytes afterwards.
func exploreClientHello(record []byte) (name string, found bool, err error) {
	if len(record) < recordHeaderSize {
		err = sniError("record truncated")
		return
	}
	s := cryptobyte.String(record[recordHeaderSize:])

	var msgType uint8
	var hello cryptobyte.String
	if !s.ReadUint8(&msgType) || !s.ReadUint24LengthPrefixed(&hello) {
		err = sniError("malformed handshake message")
		return
	}
	if msgType != handshakeTypeHello {
		err = sniError("not a client hello")
		return
	}

	var legacyVersion uint16
	var random []byte
	var sessionID, cipherSuites, compressionMethods cryptobyte.String
	if !hello.ReadUint16(&legacyVersion) ||
		!hello.ReadBytes(&random, 32) ||
		!hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&cipherSuites) ||
		!hello.ReadUint8LengthPrefixed(&compressionMethods) {
		err = sniError("malformed client hello")
		return
	}
	if hello.Empty() {
		// no extensions block at all, legal and means no SNI
		return
	}

	var extensions cryptobyte.String
	if !hello.ReadUint16LengthPrefixed(&extensions) {
		err = sniError("malformed extensions block")
		return
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			err = sniError("malformed extension")
			return
		}
		if extType != extensionServerName {
			continue
		}
		var nameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&nameList) {
			err = sniError("malformed server_name extension")
			return
		}
		for !nameList.Empty() {
			var nameType uint8
			var hostName cryptobyte.String
			if !nameList.ReadUint8(&nameType) || !nameList.ReadUint16LengthPrefixed(&hostName) {
				err = sniError("malformed server_name entry")
				return
			}
			if nameType == sniNameTypeHostName {
				name = string(hostName)
				found = true
				return
			}
		}
	}
	return
}
