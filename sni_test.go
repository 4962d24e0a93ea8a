package tlschannel

import (
	"golang.org/x/crypto/cryptobyte"
	"testing"
)

func buildHelloRecord(t *testing.T, serverName string, withExtensions bool) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddUint8(handshakeTypeHello)
	b.AddUint24LengthPrefixed(func(hello *cryptobyte.Builder) {
		hello.AddUint16(0x0303)
		hello.AddBytes(make([]byte, 32))
		hello.AddUint8LengthPrefixed(func(_ *cryptobyte.Builder) {})
		hello.AddUint16LengthPrefixed(func(suites *cryptobyte.Builder) {
			suites.AddUint16(0x1301)
		})
		hello.AddUint8LengthPrefixed(func(comp *cryptobyte.Builder) {
			comp.AddUint8(0)
		})
		if !withExtensions {
			return
		}
		hello.AddUint16LengthPrefixed(func(exts *cryptobyte.Builder) {
			// a padding-style extension before server_name, so the walk
			// has to skip something
			exts.AddUint16(21)
			exts.AddUint16LengthPrefixed(func(_ *cryptobyte.Builder) {})
			if serverName == "" {
				return
			}
			exts.AddUint16(extensionServerName)
			exts.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
				ext.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
					list.AddUint8(sniNameTypeHostName)
					list.AddUint16LengthPrefixed(func(host *cryptobyte.Builder) {
						host.AddBytes([]byte(serverName))
					})
				})
			})
		})
	})
	msg, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	record := make([]byte, recordHeaderSize+len(msg))
	record[0] = recordTypeHandshake
	record[1] = 3
	record[2] = 1
	record[3] = byte(len(msg) >> 8)
	record[4] = byte(len(msg))
	copy(record[recordHeaderSize:], msg)
	return record
}

func TestRequiredRecordSize(t *testing.T) {
	record := buildHelloRecord(t, "example.com", true)
	size, err := requiredRecordSize(record[:recordHeaderSize])
	if err != nil {
		t.Fatal(err)
	}
	if size != len(record) {
		t.Error("size:", size, "want", len(record))
	}

	if _, err = requiredRecordSize(record[:3]); err == nil {
		t.Error("truncated header must fail")
	}

	notHandshake := append([]byte{}, record[:recordHeaderSize]...)
	notHandshake[0] = 23
	if _, err = requiredRecordSize(notHandshake); err == nil {
		t.Error("non-handshake record must fail")
	}

	huge := append([]byte{}, record[:recordHeaderSize]...)
	huge[3] = 0xff
	huge[4] = 0xff
	if _, err = requiredRecordSize(huge); err == nil {
		t.Error("oversized record must fail")
	}
}

func TestExploreClientHello(t *testing.T) {
	record := buildHelloRecord(t, "example.com", true)
	name, found, err := exploreClientHello(record)
	if err != nil {
		t.Fatal(err)
	}
	if !found || name != "example.com" {
		t.Error("sni:", name, found)
	}

	record = buildHelloRecord(t, "", true)
	name, found, err = exploreClientHello(record)
	if err != nil {
		t.Fatal(err)
	}
	if found || name != "" {
		t.Error("extensions without server_name:", name, found)
	}

	record = buildHelloRecord(t, "", false)
	_, found, err = exploreClientHello(record)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("hello without extensions must report no sni")
	}
}

func TestExploreClientHelloMalformed(t *testing.T) {
	record := buildHelloRecord(t, "example.com", true)

	if _, _, err := exploreClientHello(record[:2]); err == nil {
		t.Error("truncated record must fail")
	}

	notHello := append([]byte{}, record...)
	notHello[recordHeaderSize] = 2
	if _, _, err := exploreClientHello(notHello); err == nil {
		t.Error("non client hello message must fail")
	}

	truncated := append([]byte{}, record[:len(record)-4]...)
	if _, _, err := exploreClientHello(truncated); err == nil {
		t.Error("truncated extension must fail")
	}
}
