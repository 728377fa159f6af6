package transport

import (
	"bytes"
	"crypto/tls"
	"testing"
	"time"

	"github.com/plumeq/plume/testdata"
	"github.com/plumeq/plume/tls13"
)

// https://www.rfc-editor.org/rfc/rfc9001.html#name-keys
func TestInitialSecrets(t *testing.T) {
	cid := testdata.DecodeHex(`8394c8f03e515708`)
	client, server, err := newInitialSecrets(cid)
	if err != nil {
		t.Fatal(err)
	}
	expectClientSecret := testdata.DecodeHex(`
	c00cf151ca5be075ed0ebfb5c80323c4 2d6b7db67881289af4008f1f6c357aea`)
	if !bytes.Equal(expectClientSecret, client.secret) {
		t.Fatalf("client initial secret\nexpect: %x\nactual: %x", expectClientSecret, client.secret)
	}
	expectServerSecret := testdata.DecodeHex(`
	3c199828fd139efd216c155ad844cc81 fb82fa8d7446fa7d78be803acdda951b`)
	if !bytes.Equal(expectServerSecret, server.secret) {
		t.Fatalf("server initial secret\nexpect: %x\nactual: %x", expectServerSecret, server.secret)
	}

	key, iv, hp := client.suite.QUICTrafficKey(client.secret)
	if expect := testdata.DecodeHex(`1f369613dd76d5467730efcbe3b1a22d`); !bytes.Equal(expect, key) {
		t.Errorf("client key\nexpect: %x\nactual: %x", expect, key)
	}
	if expect := testdata.DecodeHex(`fa044b2f42a3fd3b46fb255c`); !bytes.Equal(expect, iv) {
		t.Errorf("client iv\nexpect: %x\nactual: %x", expect, iv)
	}
	if expect := testdata.DecodeHex(`9f50449e04a0e810283a1e9933adedd2`); !bytes.Equal(expect, hp) {
		t.Errorf("client hp\nexpect: %x\nactual: %x", expect, hp)
	}

	key, iv, hp = server.suite.QUICTrafficKey(server.secret)
	if expect := testdata.DecodeHex(`cf3a5331653c364c88f0f379b6067e37`); !bytes.Equal(expect, key) {
		t.Errorf("server key\nexpect: %x\nactual: %x", expect, key)
	}
	if expect := testdata.DecodeHex(`0ac1493ca1905853b0bba03e`); !bytes.Equal(expect, iv) {
		t.Errorf("server iv\nexpect: %x\nactual: %x", expect, iv)
	}
	if expect := testdata.DecodeHex(`c206b8d9b9f0f37644430b490eeaa314`); !bytes.Equal(expect, hp) {
		t.Errorf("server hp\nexpect: %x\nactual: %x", expect, hp)
	}
}

func TestInitialPacketRoundTrip(t *testing.T) {
	cid := testdata.DecodeHex(`8394c8f03e515708`)
	sealer, _, err := newInitialSecrets(cid)
	if err != nil {
		t.Fatal(err)
	}
	// The receiver derives the same keys from the CID in the header.
	opener, _, err := newInitialSecrets(cid)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello, world")
	overhead := sealer.aead.Overhead()
	p := packet{
		typ: packetTypeInitial,
		header: Header{
			Version: ProtocolVersion,
			DCID:    cid,
		},
		packetNumber: 2,
		payloadLen:   len(payload) + overhead,
	}
	b := make([]byte, 512)
	payloadOffset, err := p.encode(b)
	if err != nil {
		t.Fatal(err)
	}
	copy(b[payloadOffset:], payload)
	b = b[:payloadOffset+p.payloadLen]
	sealer.encryptPayload(b, p.packetNumber, p.payloadLen)
	pnOffset := payloadOffset - packetNumberLen(p.packetNumber)
	sealer.encryptHeader(b, pnOffset)

	q := packet{}
	headerLen, err := q.decodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if q.typ != packetTypeInitial {
		t.Fatalf("expect type %v, actual %v", packetTypeInitial, q.typ)
	}
	pnOffset, err = q.packetNumberOffset(b, headerLen)
	if err != nil {
		t.Fatal(err)
	}
	if err = opener.decryptHeader(b, pnOffset); err != nil {
		t.Fatal(err)
	}
	q.header.Flags = b[0]
	n, err := q.decodeBody(b[headerLen:])
	if err != nil {
		t.Fatal(err)
	}
	pnLen := packetNumberLenFromHeader(q.header.Flags)
	q.packetNumber = decodePacketNumber(0, q.packetNumber, pnLen)
	if q.packetNumber != p.packetNumber {
		t.Fatalf("expect packet number %d, actual %d", p.packetNumber, q.packetNumber)
	}
	decrypted, err := opener.decryptPayload(b[:headerLen+n+q.payloadLen], q.packetNumber, q.payloadLen)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, decrypted) {
		t.Fatalf("payload\nexpect: %x\nactual: %x", payload, decrypted)
	}
}

// https://www.rfc-editor.org/rfc/rfc9001.html#name-retry
func TestComputeRetryIntegrity(t *testing.T) {
	odcid := testdata.DecodeHex(`8394c8f03e515708`)
	retry := testdata.DecodeHex(`ff000000010008f067a5502a4262b5746f6b656e`)
	b := make([]byte, 0, 128)
	b = append(b, byte(len(odcid)))
	b = append(b, odcid...)
	b = append(b, retry...)

	actual, err := computeRetryIntegrity(b)
	if err != nil {
		t.Fatal(err)
	}
	actual = actual[len(odcid)+1:]
	expect := testdata.DecodeHex(`
	ff000000010008f067a5502a4262b574 6f6b656e04a265ba2eff4d829058fb3f
	0f2496ba`)
	if !bytes.Equal(expect, actual) {
		t.Fatalf("integrity tag\nexpect: %x\nactual: %x", expect, actual)
	}
	if !verifyRetryIntegrity(expect, odcid) {
		t.Fatalf("verify retry integrity failed: %x", expect)
	}
	// A modified tag must not verify.
	expect[len(expect)-1] ^= 0xff
	if verifyRetryIntegrity(expect, odcid) {
		t.Fatalf("verify modified retry integrity succeeded: %x", expect)
	}
}

func BenchmarkRetryIntegrity(b *testing.B) {
	odcid := testdata.DecodeHex(`8394c8f03e515708`)
	pseudoPacket := testdata.DecodeHex(`00088394c8f03e515708ff000000010008f067a5502a4262b5746f6b656e`)
	retryPacket := testdata.DecodeHex(`
	ff000000010008f067a5502a4262b574 6f6b656e04a265ba2eff4d829058fb3f
	0f2496ba`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, err := computeRetryIntegrity(pseudoPacket)
		if err != nil {
			b.Fatal(err)
		}
		if !verifyRetryIntegrity(retryPacket, odcid) {
			b.Fatal("verify retry integrity failed")
		}
	}
}

// https://www.rfc-editor.org/rfc/rfc9001.html#name-chacha20-poly1305-short-hea
func TestDecryptChaChaPoly(t *testing.T) {
	b := testdata.DecodeHex(`4cfe4189655e5cd55c41f69080575d7999c25a5bfb`)
	secret := testdata.DecodeHex(`
	9ac312a7f877468ebe69422748ad00a1
	5443f18203a07d6060f688f30f21632b`)

	p := packet{}
	headerLen, err := p.decodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if headerLen != 1 {
		t.Fatalf("expect header length %d, actual %d", 1, headerLen)
	}
	// In short packets, pn offset is equal to header length
	pnOffset, err := p.packetNumberOffset(b, headerLen)
	if err != nil {
		t.Fatal(err)
	}
	if pnOffset != 1 {
		t.Fatalf("expect pnOffset %d, actual %d", 1, pnOffset)
	}
	pp := packetProtection{}
	err = pp.init(tls13.CipherSuiteByID(tls.TLS_CHACHA20_POLY1305_SHA256), secret)
	if err != nil {
		t.Fatal(err)
	}
	err = pp.decryptHeader(b, pnOffset)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0x42 {
		t.Fatalf("expect decrypted header %d, actual %d", 0x42, b[0])
	}
	p.header.Flags = b[0]
	bodyLen, err := p.decodeBody(b[headerLen:])
	if err != nil {
		t.Fatal(err)
	}
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	p.packetNumber = decodePacketNumber(654360560, p.packetNumber, pnLen)
	if p.packetNumber != 654360564 {
		t.Fatalf("expect packet number %d, actual %d", 654360564, p.packetNumber)
	}
	payload, err := pp.decryptPayload(b[:p.headerLen+bodyLen+p.payloadLen], p.packetNumber, p.payloadLen)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, []byte{0x1}) {
		t.Errorf("expect payload: 01, actual %x", payload)
	}
}

func TestKeyUpdateRoundTrip(t *testing.T) {
	secret := testdata.DecodeHex(`
	9ac312a7f877468ebe69422748ad00a1
	5443f18203a07d6060f688f30f21632b`)
	suite := tls13.CipherSuiteByID(tls.TLS_CHACHA20_POLY1305_SHA256)
	sealer := packetProtection{}
	if err := sealer.init(suite, secret); err != nil {
		t.Fatal(err)
	}
	opener := packetProtection{}
	if err := opener.init(suite, secret); err != nil {
		t.Fatal(err)
	}
	nextSealer, err := sealer.next()
	if err != nil {
		t.Fatal(err)
	}
	nextOpener, err := opener.next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(nextSealer.secret, nextOpener.secret) {
		t.Fatalf("updated secrets diverged:\n%x\n%x", nextSealer.secret, nextOpener.secret)
	}
	if bytes.Equal(secret, nextSealer.secret) {
		t.Fatal("updated secret did not change")
	}
	payload := []byte("key update")
	overhead := nextSealer.aead.Overhead()
	b := make([]byte, 20+len(payload)+overhead)
	copy(b[20:], payload)
	sealed := nextSealer.encryptPayload(b, 1, len(payload)+overhead)
	decrypted, err := nextOpener.decryptPayload(b[:20+len(sealed)], 1, len(sealed))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, decrypted) {
		t.Fatalf("payload\nexpect: %x\nactual: %x", payload, decrypted)
	}
	// Old keys must not open packets protected with the new generation.
	if _, err = opener.decryptPayload(b[:20+len(sealed)], 1, len(sealed)); err == nil {
		t.Fatal("previous generation keys decrypted an updated packet")
	}
}

func TestAddressValidator(t *testing.T) {
	v, err := NewAddressValidator()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100000, 0)
	v.timeFn = func() time.Time { return now }
	addr := []byte("192.168.1.2:4567")
	odcid := testdata.DecodeHex(`8394c8f03e515708`)
	token := v.Generate(addr, odcid)
	if got := v.Validate(addr, token); !bytes.Equal(odcid, got) {
		t.Fatalf("expect odcid %x, actual %x", odcid, got)
	}
	if got := v.Validate([]byte("192.168.1.3:4567"), token); got != nil {
		t.Fatalf("expect token invalid for other address, actual %x", got)
	}
	now = now.Add(11 * time.Second)
	if got := v.Validate(addr, token); got != nil {
		t.Fatalf("expect token expired, actual %x", got)
	}
}
