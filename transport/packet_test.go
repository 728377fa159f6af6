package transport

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomCID(maxLength int) []byte {
	b := make([]byte, rand.Intn(maxLength+1))
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// decodePlaintextPacket decodes a packet that carries no protection,
// such as Version Negotiation and Retry.
func decodePlaintextPacket(b []byte, p *packet) (int, error) {
	hLen, err := p.decodeHeader(b)
	if err != nil {
		return 0, err
	}
	bLen, err := p.decodeBody(b[hLen:])
	if err != nil {
		return 0, err
	}
	return hLen + bLen, nil
}

func TestPacketInitial(t *testing.T) {
	b := make([]byte, 512)
	dcid := randomCID(MaxCIDLength)
	scid := randomCID(MaxCIDLength)
	token := randomCID(32)
	p := packet{
		typ: packetTypeInitial,
		header: Header{
			Version: ProtocolVersion,
			DCID:    dcid,
			SCID:    scid,
		},
		token:      token,
		payloadLen: minPacketPayloadLength,
	}
	n, err := p.encode(b)
	if err != nil {
		t.Fatal(err)
	}
	// The encrypted payload would follow; the header alone is enough here.
	b = b[:n]

	var h Header
	if _, err = h.Decode(b, 0); err != nil {
		t.Fatal(err)
	}
	if !isLongHeader(h.Flags) || packetTypeFromLongHeader(h.Flags) != packetTypeInitial {
		t.Errorf("expect initial flags, actual 0x%x", h.Flags)
	}
	if h.Version != ProtocolVersion {
		t.Errorf("expect version %d, actual %d", ProtocolVersion, h.Version)
	}
	if !bytes.Equal(dcid, h.DCID) {
		t.Errorf("expect dcid %x, actual %x", dcid, h.DCID)
	}
	if !bytes.Equal(scid, h.SCID) {
		t.Errorf("expect scid %x, actual %x", scid, h.SCID)
	}

	var q packet
	if _, err = decodePlaintextPacket(b, &q); err != nil {
		t.Fatal(err)
	}
	if q.typ != packetTypeInitial {
		t.Errorf("expect type %v, actual %v", packetTypeInitial, q.typ)
	}
	if !bytes.Equal(token, q.token) {
		t.Errorf("expect token %x, actual %x", token, q.token)
	}
}

func TestPacketVersionNegotiation(t *testing.T) {
	b := make([]byte, 128)
	dcid := randomCID(MaxCIDLength)
	scid := randomCID(MaxCIDLength)

	n, err := NegotiateVersion(b, dcid, scid)
	if err != nil {
		t.Fatal(err)
	}
	b = b[:n]
	var p packet
	if _, err = decodePlaintextPacket(b, &p); err != nil {
		t.Fatal(err)
	}
	if p.typ != packetTypeVersionNegotiation {
		t.Errorf("expect type: %d, actual: %d", packetTypeVersionNegotiation, p.typ)
	}
	// The version field of a Version Negotiation packet is zero; the
	// versions offered are listed in the body.
	if p.header.Version != 0 {
		t.Errorf("expect version: %d, actual: %d", 0, p.header.Version)
	}
	if !bytes.Equal(dcid, p.header.DCID) {
		t.Errorf("expect dcid %x, actual %x", dcid, p.header.DCID)
	}
	if !bytes.Equal(scid, p.header.SCID) {
		t.Errorf("expect scid %x, actual %x", scid, p.header.SCID)
	}
	if len(p.supportedVersions) != 1 || p.supportedVersions[0] != ProtocolVersion {
		t.Errorf("expect supported versions: [%d], actual: %v", ProtocolVersion, p.supportedVersions)
	}

	var h Header
	if _, err = h.Decode(b, 0); err != nil {
		t.Fatal(err)
	}
	if h.Flags != 0xc0 {
		t.Errorf("expect flags 0x%x, actual 0x%x", 0xc0, h.Flags)
	}
	if h.Version != 0 {
		t.Errorf("expect version 0, actual %d", h.Version)
	}
	if !bytes.Equal(dcid, h.DCID) {
		t.Errorf("expect dcid %x, actual %x", dcid, h.DCID)
	}
	if !bytes.Equal(scid, h.SCID) {
		t.Errorf("expect scid %x, actual %x", scid, h.SCID)
	}
}

func TestPacketRetry(t *testing.T) {
	b := make([]byte, 512)
	dcid := randomCID(MaxCIDLength)
	scid := randomCID(MaxCIDLength)
	odcid := randomCID(MaxCIDLength)
	token := randomCID(100)

	n, err := Retry(b, dcid, scid, odcid, token)
	if err != nil {
		t.Fatal(err)
	}
	b = b[:n]
	var p packet
	m, err := decodePlaintextPacket(b, &p)
	if err != nil {
		t.Fatal(err)
	}
	if n != m+retryIntegrityTagLen {
		t.Errorf("expect length %d, actual %d", n, m+retryIntegrityTagLen)
	}
	if p.typ != packetTypeRetry {
		t.Errorf("expect type %d, actual %d", packetTypeRetry, p.typ)
	}
	if p.header.Flags&0xf0 != 0xf0 {
		t.Errorf("expect retry flags, actual 0x%x", p.header.Flags)
	}
	if !bytes.Equal(dcid, p.header.DCID) {
		t.Errorf("expect dcid %x, actual %x", dcid, p.header.DCID)
	}
	if !bytes.Equal(scid, p.header.SCID) {
		t.Errorf("expect scid %x, actual %x", scid, p.header.SCID)
	}
	if !bytes.Equal(token, p.token) {
		t.Errorf("expect token %x, actual %x", token, p.token)
	}
	if !verifyRetryIntegrity(b, odcid) {
		t.Errorf("verify retry integrity failed: %x", b)
	}
	// Changing any bit must invalidate the integrity tag.
	b[len(b)-1] ^= 0x01
	if verifyRetryIntegrity(b, odcid) {
		t.Errorf("verify modified retry integrity succeeded: %x", b)
	}
}

func assertWindowContains(t *testing.T, w *packetNumberWindow, contained []uint64, missing []uint64) {
	t.Helper()
	for _, n := range contained {
		if !w.contains(n) {
			t.Fatalf("expect contain %v: %s", n, w)
		}
	}
	for _, n := range missing {
		if w.contains(n) {
			t.Fatalf("expect does not contain %v: %s", n, w)
		}
	}
}

func TestPacketNumberWindow(t *testing.T) {
	var w packetNumberWindow
	assertWindowContains(t, &w, nil, []uint64{0})

	steps := []struct {
		push      uint64
		contained []uint64
		missing   []uint64
	}{
		{0, []uint64{0}, nil},
		{1, []uint64{1, 0}, []uint64{3}},
		{3, []uint64{3, 1, 0}, []uint64{2}},
		// 0..2 slide out of the window once 63 arrives, and forgotten
		// numbers count as seen.
		{63, []uint64{63, 3, 1, 0}, []uint64{64, 2}},
		{66, []uint64{66, 63, 3, 2, 1, 0}, []uint64{65, 64}},
	}
	for _, d := range steps {
		w.push(d.push)
		assertWindowContains(t, &w, d.contained, d.missing)
	}
}

func TestPacketNumberWindowSequential(t *testing.T) {
	var w packetNumberWindow
	n := rand.Intn(1000)
	for i := 0; i < n; i++ {
		v := uint64(i)
		w.push(v)
		assertWindowContains(t, &w, []uint64{v}, []uint64{v + 1})
		if i > 0 {
			assertWindowContains(t, &w, []uint64{v - 1}, nil)
		}
	}

	// Order of insertion must not matter.
	w = packetNumberWindow{}
	s := make([]uint64, n)
	for i := range s {
		s[i] = uint64(i)
	}
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
	for _, v := range s {
		w.push(v)
		assertWindowContains(t, &w, []uint64{v}, nil)
	}
}

func TestPacketNumberWindowRandom(t *testing.T) {
	var w packetNumberWindow
	n := rand.Intn(1000)
	for i := 0; i < n; i++ {
		v := uint64(rand.Intn(100))
		w.push(v)
		assertWindowContains(t, &w, []uint64{v}, nil)
	}
}
