package h3

import (
	"bytes"
	"crypto/tls"
	"testing"

	"github.com/plumeq/plume/testdata"
	"github.com/plumeq/plume/transport"
)

func newTestConfig() *transport.Config {
	c := transport.NewConfig()
	c.Params.InitialMaxData = 1 << 20
	c.Params.InitialMaxStreamDataBidiLocal = 1 << 18
	c.Params.InitialMaxStreamDataBidiRemote = 1 << 18
	c.Params.InitialMaxStreamDataUni = 1 << 18
	c.Params.InitialMaxStreamsBidi = 8
	c.Params.InitialMaxStreamsUni = 8
	return c
}

// newTestPair creates client and server transport connections and runs
// the handshake between them in memory.
func newTestPair(t *testing.T) (client, server *transport.Conn) {
	t.Helper()
	cert, err := testdata.GenerateCert()
	if err != nil {
		t.Fatal(err)
	}
	clientConfig := newTestConfig()
	clientConfig.TLS = &tls.Config{InsecureSkipVerify: true}
	serverConfig := newTestConfig()
	serverConfig.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}

	client, err = transport.Connect([]byte{1, 2, 3, 4}, clientConfig)
	if err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 1400)
	n, err := client.Read(b)
	if err != nil || n == 0 {
		t.Fatalf("client initial: %v %v", n, err)
	}
	h := &transport.Header{}
	if _, err = h.Decode(b[:n], transport.MaxCIDLength); err != nil {
		t.Fatal(err)
	}
	server, err = transport.Accept(h.DCID, nil, serverConfig)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = server.Write(b[:n]); err != nil {
		t.Fatal(err)
	}
	relayUntilIdle(t, client, server)
	if !client.HandshakeComplete() || !server.HandshakeComplete() {
		t.Fatal("handshake did not complete")
	}
	return client, server
}

func relayUntilIdle(t *testing.T, client, server *transport.Conn) {
	t.Helper()
	for i := 0; i < 50; i++ {
		moved := relayDatagrams(t, client, server)
		moved = relayDatagrams(t, server, client) || moved
		if !moved {
			return
		}
	}
	t.Fatal("connections did not go idle")
}

func relayDatagrams(t *testing.T, from, to *transport.Conn) bool {
	t.Helper()
	b := make([]byte, 1400)
	moved := false
	for {
		n, err := from.Read(b)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			return moved
		}
		moved = true
		if _, err = to.Write(b[:n]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

// h3Peer couples a transport connection with its HTTP/3 layer and
// collects the events it produces.
type h3Peer struct {
	t      *testing.T
	tc     *transport.Conn
	hc     *Conn
	events []Event
	err    error
}

func (p *h3Peer) poll() {
	for _, e := range p.tc.Events(nil) {
		events, err := p.hc.HandleEvent(e)
		for _, he := range events {
			if d, ok := he.(DataEvent); ok {
				d.Data = append([]byte(nil), d.Data...)
				he = d
			}
			p.events = append(p.events, he)
		}
		if err != nil {
			p.err = err
			return
		}
	}
}

func newH3Pair(t *testing.T, clientSettings, serverSettings Settings) (*h3Peer, *h3Peer) {
	t.Helper()
	ct, st := newTestPair(t)
	client := &h3Peer{t: t, tc: ct, hc: Client(ct, clientSettings)}
	server := &h3Peer{t: t, tc: st, hc: Server(st, serverSettings)}
	pump(t, client, server)
	if client.err != nil || server.err != nil {
		t.Fatalf("setup failed: %v %v", client.err, server.err)
	}
	if _, ok := client.hc.PeerSettings(); !ok {
		t.Fatal("client did not receive settings")
	}
	if _, ok := server.hc.PeerSettings(); !ok {
		t.Fatal("server did not receive settings")
	}
	return client, server
}

func pump(t *testing.T, a, b *h3Peer) {
	t.Helper()
	for i := 0; i < 50; i++ {
		a.poll()
		b.poll()
		if a.err != nil || b.err != nil {
			return
		}
		moved := relayDatagrams(t, a.tc, b.tc)
		moved = relayDatagrams(t, b.tc, a.tc) || moved
		if !moved {
			return
		}
	}
	t.Fatal("peers did not go idle")
}

func findHeaders(events []Event, streamID uint64) *HeadersEvent {
	for _, e := range events {
		if h, ok := e.(HeadersEvent); ok && h.StreamID == streamID {
			return &h
		}
	}
	return nil
}

func collectData(events []Event, streamID uint64) []byte {
	var b []byte
	for _, e := range events {
		if d, ok := e.(DataEvent); ok && d.StreamID == streamID {
			b = append(b, d.Data...)
		}
	}
	return b
}

func hasDone(events []Event, streamID uint64) bool {
	for _, e := range events {
		if d, ok := e.(DoneEvent); ok && d.StreamID == streamID {
			return true
		}
	}
	return false
}

func TestH3Settings(t *testing.T) {
	client, server := newH3Pair(t,
		Settings{MaxFieldSectionSize: 4096, QPACKBlockedStreams: 16},
		Settings{MaxFieldSectionSize: 16384, Datagram: false})
	got, _ := server.hc.PeerSettings()
	if got.MaxFieldSectionSize != 4096 || got.QPACKBlockedStreams != 16 {
		t.Fatalf("unexpected client settings: %+v", got)
	}
	got, _ = client.hc.PeerSettings()
	if got.MaxFieldSectionSize != 16384 {
		t.Fatalf("unexpected server settings: %+v", got)
	}
}

func TestH3Request(t *testing.T) {
	client, server := newH3Pair(t, Settings{}, Settings{})
	id, err := client.hc.NewRequest()
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Fatalf("expect stream 0, actual %d", id)
	}
	reqHeaders := []Header{
		{":method", "GET"},
		{":scheme", "https"},
		{":authority", "localhost"},
		{":path", "/index.html"},
		{"user-agent", "plume"},
	}
	if err = client.hc.WriteHeaders(id, reqHeaders, false); err != nil {
		t.Fatal(err)
	}
	if _, err = client.hc.WriteData(id, []byte("ping"), true); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server)
	if server.err != nil {
		t.Fatal(server.err)
	}
	he := findHeaders(server.events, id)
	if he == nil {
		t.Fatalf("expect headers event, actual %+v", server.events)
	}
	if len(he.Headers) != len(reqHeaders) || he.Headers[0] != reqHeaders[0] ||
		he.Headers[3].Value != "/index.html" {
		t.Fatalf("unexpected headers: %+v", he.Headers)
	}
	if body := collectData(server.events, id); string(body) != "ping" {
		t.Fatalf("expect body %q, actual %q", "ping", body)
	}
	if !hasDone(server.events, id) {
		t.Fatalf("expect done event, actual %+v", server.events)
	}

	// Response
	if err = server.hc.WriteHeaders(id, []Header{{":status", "200"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err = server.hc.WriteData(id, []byte("pong"), true); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server)
	if client.err != nil {
		t.Fatal(client.err)
	}
	he = findHeaders(client.events, id)
	if he == nil || he.Headers[0].Name != ":status" || he.Headers[0].Value != "200" {
		t.Fatalf("unexpected response headers: %+v", he)
	}
	if body := collectData(client.events, id); string(body) != "pong" {
		t.Fatalf("expect body %q, actual %q", "pong", body)
	}
	if !hasDone(client.events, id) {
		t.Fatalf("expect done event, actual %+v", client.events)
	}
}

func TestH3Push(t *testing.T) {
	client, server := newH3Pair(t, Settings{QPACKBlockedStreams: 4}, Settings{})
	if err := client.hc.SetMaxPushID(8); err != nil {
		t.Fatal(err)
	}
	id, err := client.hc.NewRequest()
	if err != nil {
		t.Fatal(err)
	}
	if err = client.hc.WriteHeaders(id, []Header{
		{":method", "GET"}, {":scheme", "https"}, {":authority", "localhost"}, {":path", "/"},
	}, true); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server)
	if server.err != nil {
		t.Fatal(server.err)
	}

	pushID, err := server.hc.PushPromise(id, []Header{
		{":method", "GET"}, {":scheme", "https"}, {":authority", "localhost"}, {":path", "/style.css"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if pushID != 0 {
		t.Fatalf("expect push id 0, actual %d", pushID)
	}
	pushStream, err := server.hc.PushStream(pushID)
	if err != nil {
		t.Fatal(err)
	}
	if err = server.hc.WriteHeaders(pushStream, []Header{{":status", "200"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err = server.hc.WriteData(pushStream, []byte("pushed"), true); err != nil {
		t.Fatal(err)
	}
	if err = server.hc.WriteHeaders(id, []Header{{":status", "200"}}, true); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server)
	if client.err != nil {
		t.Fatal(client.err)
	}
	var promise *PushPromiseEvent
	for _, e := range client.events {
		if p, ok := e.(PushPromiseEvent); ok {
			promise = &p
		}
	}
	if promise == nil || promise.StreamID != id || promise.PushID != pushID {
		t.Fatalf("expect push promise, actual %+v", client.events)
	}
	var pushHeaders *HeadersEvent
	for _, e := range client.events {
		if h, ok := e.(HeadersEvent); ok && h.Push {
			pushHeaders = &h
		}
	}
	if pushHeaders == nil || pushHeaders.PushID != pushID {
		t.Fatalf("expect headers on push stream, actual %+v", client.events)
	}
	if body := collectData(client.events, pushHeaders.StreamID); string(body) != "pushed" {
		t.Fatalf("expect body %q, actual %q", "pushed", body)
	}
}

func TestH3PushWithoutMaxPushID(t *testing.T) {
	client, server := newH3Pair(t, Settings{}, Settings{})
	id, err := client.hc.NewRequest()
	if err != nil {
		t.Fatal(err)
	}
	if err = client.hc.WriteHeaders(id, []Header{{":method", "GET"}}, true); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server)
	_, err = server.hc.PushPromise(id, []Header{{":method", "GET"}})
	if err, ok := err.(*Error); !ok || err.Code != IDError {
		t.Fatalf("expect id error, actual %v", err)
	}
}

func TestH3Goaway(t *testing.T) {
	client, server := newH3Pair(t, Settings{}, Settings{})
	if err := server.hc.Goaway(0); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server)
	if client.err != nil {
		t.Fatal(client.err)
	}
	found := false
	for _, e := range client.events {
		if g, ok := e.(GoawayEvent); ok && g.ID == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expect goaway event, actual %+v", client.events)
	}
	_, err := client.hc.NewRequest()
	if err, ok := err.(*Error); !ok || err.Code != RequestRejected {
		t.Fatalf("expect request rejected, actual %v", err)
	}
}

func TestH3MissingSettings(t *testing.T) {
	ct, st := newTestPair(t)
	server := &h3Peer{t: t, tc: st, hc: Server(st, Settings{})}

	// A control stream starting with GOAWAY instead of SETTINGS.
	raw := appendVarint(nil, streamTypeControl)
	raw = appendFrameHeader(raw, frameTypeGoaway, 1)
	raw = appendVarint(raw, 0)
	stream, err := ct.Stream(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = stream.Write(raw); err != nil {
		t.Fatal(err)
	}
	relayDatagrams(t, ct, st)
	server.poll()
	if err, ok := server.err.(*Error); !ok || err.Code != MissingSettings {
		t.Fatalf("expect missing settings, actual %v", server.err)
	}
}

func TestH3DataBeforeHeaders(t *testing.T) {
	ct, st := newTestPair(t)
	server := &h3Peer{t: t, tc: st, hc: Server(st, Settings{})}

	raw := appendFrameHeader(nil, frameTypeData, 3)
	raw = append(raw, "abc"...)
	stream, err := ct.Stream(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = stream.Write(raw); err != nil {
		t.Fatal(err)
	}
	relayDatagrams(t, ct, st)
	server.poll()
	if err, ok := server.err.(*Error); !ok || err.Code != FrameUnexpected {
		t.Fatalf("expect frame unexpected, actual %v", server.err)
	}
}

func TestH3DuplicateControlStream(t *testing.T) {
	ct, st := newTestPair(t)
	server := &h3Peer{t: t, tc: st, hc: Server(st, Settings{})}

	for _, id := range []uint64{2, 6} {
		raw := appendVarint(nil, streamTypeControl)
		raw = (&Settings{}).encode(raw)
		stream, err := ct.Stream(id)
		if err != nil {
			t.Fatal(err)
		}
		if _, err = stream.Write(raw); err != nil {
			t.Fatal(err)
		}
	}
	relayDatagrams(t, ct, st)
	server.poll()
	if err, ok := server.err.(*Error); !ok || err.Code != StreamCreationError {
		t.Fatalf("expect stream creation error, actual %v", server.err)
	}
}

// TestH3BlockedHeaders verifies a header block referencing encoder
// insertions that have not arrived is parked, and is only processed once
// the peer's encoder stream catches up.
func TestH3BlockedHeaders(t *testing.T) {
	ct, st := newTestPair(t)
	server := &h3Peer{t: t, tc: st, hc: Server(st, Settings{
		QPACKMaxTableCapacity: 4096,
		QPACKBlockedStreams:   4,
	})}

	// Control stream with empty SETTINGS, then the encoder stream.
	raw := appendVarint(nil, streamTypeControl)
	raw = (&Settings{}).encode(raw)
	control, err := ct.Stream(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = control.Write(raw); err != nil {
		t.Fatal(err)
	}
	encoder, err := ct.Stream(6)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = encoder.Write(appendVarint(nil, streamTypeQPACKEncoder)); err != nil {
		t.Fatal(err)
	}

	// HEADERS with Required Insert Count 1 (encoded as 2): blocked until
	// one insertion arrives.
	payload := []byte{0x02, 0x00, 0xd1}
	raw = appendFrameHeader(nil, frameTypeHeaders, uint64(len(payload)))
	raw = append(raw, payload...)
	request, err := ct.Stream(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = request.Write(raw); err != nil {
		t.Fatal(err)
	}
	relayDatagrams(t, ct, st)
	server.poll()
	if server.err != nil {
		t.Fatalf("expect stream parked, actual %v", server.err)
	}
	if e := findHeaders(server.events, 0); e != nil {
		t.Fatalf("expect no headers yet, actual %+v", e)
	}

	// Insert With Literal Name ("x": "y") unparks the stream. The block
	// references the dynamic table, which the decoder does not store, so
	// decoding it fails.
	if _, err = encoder.Write([]byte{0x41, 'x', 0x01, 'y'}); err != nil {
		t.Fatal(err)
	}
	relayDatagrams(t, ct, st)
	server.poll()
	if err, ok := server.err.(*Error); !ok || err.Code != QPACKDecompressionFail {
		t.Fatalf("expect decompression failed, actual %v", server.err)
	}
}

func TestH3BlockedStreamLimit(t *testing.T) {
	ct, st := newTestPair(t)
	server := &h3Peer{t: t, tc: st, hc: Server(st, Settings{})}

	payload := []byte{0x02, 0x00, 0xd1}
	raw := appendFrameHeader(nil, frameTypeHeaders, uint64(len(payload)))
	raw = append(raw, payload...)
	stream, err := ct.Stream(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = stream.Write(raw); err != nil {
		t.Fatal(err)
	}
	relayDatagrams(t, ct, st)
	server.poll()
	// No blocked streams were advertised.
	if err, ok := server.err.(*Error); !ok || err.Code != QPACKDecompressionFail {
		t.Fatalf("expect decompression failed, actual %v", server.err)
	}
}

func TestH3HeaderBlockRoundTrip(t *testing.T) {
	headers := []Header{
		{":status", "404"},
		{"content-type", "text/html; charset=utf-8"},
		{"x-custom", "value"},
	}
	block, err := encodeHeaders(headers)
	if err != nil {
		t.Fatal(err)
	}
	s := newConn(nil, Settings{}, false)
	st := &streamState{id: 0}
	if err = s.deliverHeaderBlock(st, frameTypeHeaders, 0, block); err != nil {
		t.Fatal(err)
	}
	he := findHeaders(s.events, 0)
	if he == nil {
		t.Fatal("expect headers event")
	}
	if len(he.Headers) != len(headers) {
		t.Fatalf("expect %d headers, actual %+v", len(headers), he.Headers)
	}
	for i := range headers {
		if he.Headers[i] != headers[i] {
			t.Fatalf("header %d does not match:\nexpect: %+v\nactual: %+v", i, headers[i], he.Headers[i])
		}
	}
}

func TestH3DataChunks(t *testing.T) {
	client, server := newH3Pair(t, Settings{}, Settings{})
	id, err := client.hc.NewRequest()
	if err != nil {
		t.Fatal(err)
	}
	if err = client.hc.WriteHeaders(id, []Header{{":method", "POST"}, {":path", "/upload"}}, false); err != nil {
		t.Fatal(err)
	}
	body := bytes.Repeat([]byte("0123456789abcdef"), 512)
	if _, err = client.hc.WriteData(id, body[:4096], false); err != nil {
		t.Fatal(err)
	}
	if _, err = client.hc.WriteData(id, body[4096:], true); err != nil {
		t.Fatal(err)
	}
	pump(t, client, server)
	if server.err != nil {
		t.Fatal(server.err)
	}
	if got := collectData(server.events, id); !bytes.Equal(got, body) {
		t.Fatalf("expect %d body bytes, actual %d", len(body), len(got))
	}
	if !hasDone(server.events, id) {
		t.Fatal("expect done event")
	}
}
