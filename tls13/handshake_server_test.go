package tls13

import (
	"bytes"
	"crypto/tls"
	"io"
	"testing"

	"github.com/plumeq/plume/testdata"
)

type testRecordLayer struct {
	read  [EncryptionLevelApplication + 1]bytes.Buffer
	write [EncryptionLevelApplication + 1]bytes.Buffer
}

func (t *testRecordLayer) ReadRecord(level EncryptionLevel, b []byte) (int, error) {
	n, err := t.read[level].Read(b)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (t *testRecordLayer) WriteRecord(level EncryptionLevel, b []byte) (int, error) {
	n, err := t.write[level].Write(b)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (t *testRecordLayer) SetReadSecret(level EncryptionLevel, readSecret []byte) error {
	return nil
}

func (t *testRecordLayer) SetWriteSecret(level EncryptionLevel, writeSecret []byte) error {
	return nil
}

func TestReadClientHello(t *testing.T) {
	cert, err := testdata.GenerateCert()
	if err != nil {
		t.Fatal(err)
	}
	tlsConfig := tls.Config{Certificates: []tls.Certificate{cert}}

	clientHello := `010001fc030384fcb5280f8be857dc04374f7f1e3f3f5c3081795fe11ecd115e12823d36f4f3204854affeb32f98
	284f0d1de964124caa2e2b1edfac4e959ff62f83d06f1e62260006130113021303010001ad000a00080006001d0017001800
	100011000f0568712d323208687474702f302e39000d00140012040308040401050308050501080606010201003300260024
	001d00206edb3d4512304fd5eaad0aa345815f77cace91b2ac1fe2abdc882eb74ef3a664002d00020101002b0003020304ff
	a50040003e000100025388000300024546000400048098968000050004800f424000060004800f4240000800024064000900
	024064000a000103000b000119000c0000001500f50000000000000000000000000000000000000000000000000000000000
	0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000
	0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000
	0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000
	0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000
	00000000000000000000000000000000`
	data := testdata.DecodeHex(clientHello)
	records := testRecordLayer{}
	records.read[EncryptionLevelInitial].Write(data)

	conn := Server(&records, &tlsConfig)
	err = conn.Handshake()
	if err != ErrWantRead {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.serverHs.state != serverStateReadClientFinished {
		t.Fatalf("unexpected state: %v", conn.serverHs.state)
	}
	if records.write[EncryptionLevelInitial].Len() == 0 {
		t.Fatalf("expected ServerHello in initial buffer")
	}
	if records.write[EncryptionLevelHandshake].Len() == 0 {
		t.Fatalf("expected server flight in handshake buffer")
	}
	if len(conn.peerTransportParams) == 0 {
		t.Fatalf("expected peer transport parameters")
	}
}

// pump moves pending handshake bytes from src's write buffers to dst's read
// buffers. It returns whether any data was transferred.
func pump(dst, src *testRecordLayer) bool {
	moved := false
	for level := EncryptionLevelInitial; level <= EncryptionLevelApplication; level++ {
		if src.write[level].Len() > 0 {
			dst.read[level].Write(src.write[level].Bytes())
			src.write[level].Reset()
			moved = true
		}
	}
	return moved
}

func TestHandshakeLoopback(t *testing.T) {
	cert, err := testdata.GenerateCert()
	if err != nil {
		t.Fatal(err)
	}
	serverConfig := tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"hq"},
	}
	clientConfig := tls.Config{
		ServerName:         "localhost",
		InsecureSkipVerify: true,
		NextProtos:         []string{"hq"},
	}

	clientRecords := testRecordLayer{}
	serverRecords := testRecordLayer{}
	client := Client(&clientRecords, &clientConfig)
	client.SetQUICTransportParams([]byte{0x01, 0x02, 0x67, 0x10})
	server := Server(&serverRecords, &serverConfig)
	server.SetQUICTransportParams([]byte{0x03, 0x02, 0x45, 0x67})

	for i := 0; i < 10; i++ {
		err = client.Handshake()
		if err != nil && err != ErrWantRead {
			t.Fatalf("client handshake: %v", err)
		}
		pump(&serverRecords, &clientRecords)
		err = server.Handshake()
		if err != nil && err != ErrWantRead {
			t.Fatalf("server handshake: %v", err)
		}
		pump(&clientRecords, &serverRecords)
		if client.handshakeComplete() && server.handshakeComplete() {
			break
		}
	}
	if !client.handshakeComplete() {
		t.Fatalf("client handshake did not complete")
	}
	if !server.handshakeComplete() {
		t.Fatalf("server handshake did not complete")
	}
	if !bytes.Equal(client.PeerQUICTransportParams(), []byte{0x03, 0x02, 0x45, 0x67}) {
		t.Fatalf("client got transport params %x", client.PeerQUICTransportParams())
	}
	if !bytes.Equal(server.PeerQUICTransportParams(), []byte{0x01, 0x02, 0x67, 0x10}) {
		t.Fatalf("server got transport params %x", server.PeerQUICTransportParams())
	}
	cs := client.ConnectionState()
	if cs.NegotiatedProtocol != "hq" {
		t.Fatalf("negotiated protocol: %q", cs.NegotiatedProtocol)
	}
}

func TestHandshakeTamperedFinished(t *testing.T) {
	cert, err := testdata.GenerateCert()
	if err != nil {
		t.Fatal(err)
	}
	serverConfig := tls.Config{Certificates: []tls.Certificate{cert}}
	clientConfig := tls.Config{
		ServerName:         "localhost",
		InsecureSkipVerify: true,
	}

	clientRecords := testRecordLayer{}
	serverRecords := testRecordLayer{}
	client := Client(&clientRecords, &clientConfig)
	server := Server(&serverRecords, &serverConfig)

	if err = client.Handshake(); err != ErrWantRead {
		t.Fatalf("client hello: %v", err)
	}
	pump(&serverRecords, &clientRecords)
	if err = server.Handshake(); err != ErrWantRead {
		t.Fatalf("server flight: %v", err)
	}
	pump(&clientRecords, &serverRecords)
	if err = client.Handshake(); err != nil && err != ErrWantRead {
		t.Fatalf("client finished: %v", err)
	}
	if !client.handshakeComplete() {
		t.Fatalf("client handshake did not complete")
	}
	// Flip one bit of the client Finished verify data before delivery.
	buf := clientRecords.write[EncryptionLevelHandshake].Bytes()
	if len(buf) == 0 {
		t.Fatalf("expected client finished in handshake buffer")
	}
	buf[len(buf)-1] ^= 0x01
	pump(&serverRecords, &clientRecords)

	err = server.Handshake()
	if err == nil || err == ErrWantRead {
		t.Fatalf("expect server to reject tampered finished, actual %v", err)
	}
	if server.Alert() != uint8(alertDecryptError) {
		t.Fatalf("expect alert %d (decrypt_error), actual %d", alertDecryptError, server.Alert())
	}
}
