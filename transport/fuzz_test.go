//go:build quicfuzz
// +build quicfuzz

package transport

import "testing"

func TestFuzzBuildPacket(t *testing.T) {
	client, err := Connect([]byte{1, 2, 3, 4}, newClientConfig())
	if err != nil {
		t.Fatal(err)
	}
	server, err := Accept(client.dcid, nil, newConfigWithCert())
	if err != nil {
		t.Fatal(err)
	}
	testHandshake(t, client, server)

	// PING followed by PADDING
	b := client.BuildPacket([]byte{1, 0, 0})
	if len(b) == 0 {
		t.Fatalf("expect a valid packet: %v", b)
	}
	n, err := server.Write(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("expect write: %v, actual: %v", len(b), n)
	}

	b = server.BuildPacket([]byte{0, 1, 0, 1})
	if len(b) == 0 {
		t.Fatalf("expect a valid packet: %v", b)
	}
	n, err = client.Write(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("expect write: %v, actual: %v", len(b), n)
	}
}
