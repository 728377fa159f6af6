package transport

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"reflect"
	"testing"

	"github.com/plumeq/plume/testdata"
)

// checkFrameWire encodes f, compares against the expected hex and decodes
// the bytes back into a fresh frame of the same type.
func checkFrameWire(t *testing.T, f frame, wire string) {
	t.Helper()
	want := len(wire) / 2
	if n := f.encodedLen(); n != want {
		t.Fatalf("encodedLen: actual=%d want=%d", n, want)
	}
	b := make([]byte, want)
	n, err := f.encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n != want {
		t.Fatalf("encode length: actual=%d want=%d", n, want)
	}
	if encoded := fmt.Sprintf("%x", b); encoded != wire {
		t.Fatalf("encode: actual=%s want=%s", encoded, wire)
	}
	decoded := reflect.New(reflect.ValueOf(f).Elem().Type()).Interface().(frame)
	n, err = decoded.decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != want {
		t.Fatalf("decode length: actual=%d want=%d", n, want)
	}
	if !reflect.DeepEqual(f, decoded) {
		t.Fatalf("decoded frame:\nactual=%#v\n  want=%#v", decoded, f)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    frame
		wire string
	}{
		{"padding", newPaddingFrame(1), "00"},
		{"padding5", newPaddingFrame(5), "0000000000"},
		{"ping", &pingFrame{}, "01"},
		{"ack", &ackFrame{
			largestAck:    0x1234,
			ackDelay:      0x3456,
			firstAckRange: 0x78,
			ackRanges: []ackRange{
				{gap: 1, ackRange: 2},
				{gap: 3, ackRange: 4},
			},
		}, "025234745602407801020304"},
		{"ack_ecn", &ackFrame{
			largestAck:    0x1234,
			ackDelay:      0x3456,
			firstAckRange: 0x78,
			ackRanges: []ackRange{
				{gap: 1, ackRange: 2},
				{gap: 3, ackRange: 4},
			},
			ecnCounts: &ecnCounts{ect0Count: 1, ect1Count: 2, ceCount: 3},
		}, "035234745602407801020304010203"},
		{"reset_stream", &resetStreamFrame{
			streamID:  0x1234,
			errorCode: 0x77,
			finalSize: 0x3456,
		}, "04523440777456"},
		{"stop_sending", &stopSendingFrame{
			streamID:  0x3f,
			errorCode: 0x77,
		}, "053f4077"},
		{"crypto", &cryptoFrame{
			offset: 1,
			data:   []byte{1, 2, 3},
		}, "060103010203"},
		{"new_token", &newTokenFrame{
			token: []byte{0x12, 0x34, 0x56},
		}, "0703123456"},
		{"stream", &streamFrame{
			streamID: 5,
			data:     []byte{1, 2, 3},
		}, "0a0503010203"},
		{"stream_off_fin", &streamFrame{
			streamID: 5,
			offset:   1,
			data:     []byte{1, 2, 3},
			fin:      true,
		}, "0f050103010203"},
		{"max_data", &maxDataFrame{maximumData: 0x1234}, "105234"},
		{"max_stream_data", &maxStreamDataFrame{
			streamID:    0x5,
			maximumData: 0x1234,
		}, "11055234"},
		{"max_streams_bidi", &maxStreamsFrame{maximumStreams: 0x1234, bidi: true}, "125234"},
		{"max_streams_uni", &maxStreamsFrame{maximumStreams: 0x1234}, "135234"},
		{"data_blocked", &dataBlockedFrame{dataLimit: 0x1234}, "145234"},
		{"stream_data_blocked", &streamDataBlockedFrame{
			streamID:  0x5,
			dataLimit: 0x1234,
		}, "15055234"},
		{"streams_blocked_bidi", &streamsBlockedFrame{streamLimit: 0x1234, bidi: true}, "165234"},
		{"streams_blocked_uni", &streamsBlockedFrame{streamLimit: 0x1234}, "175234"},
		{"new_connection_id", &newConnectionIDFrame{
			sequenceNumber:      0x1234,
			connectionID:        []byte{1, 2},
			statelessResetToken: []byte("1234567890123456"),
		}, "1852340002010231323334353637383930313233343536"},
		{"retire_connection_id", &retireConnectionIDFrame{
			sequenceNumber: 0x1234,
		}, "195234"},
		{"path_challenge", &pathChallengeFrame{
			data: []byte("12345678"),
		}, "1a3132333435363738"},
		{"path_response", &pathResponseFrame{
			data: []byte("12345678"),
		}, "1b3132333435363738"},
		{"connection_close", &connectionCloseFrame{
			errorCode:    0x5678,
			frameType:    0x1234,
			reasonPhrase: []byte{1, 2, 3},
		}, "1c80005678523403010203"},
		{"connection_close_app", &connectionCloseFrame{
			errorCode:    0x5678,
			reasonPhrase: []byte{1, 2, 3},
			application:  true,
		}, "1d8000567803010203"},
		{"handshake_done", &handshakeDoneFrame{}, "1e"},
		{"datagram", &datagramFrame{data: []byte("12345")}, "31053132333435"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			checkFrameWire(t, tt.f, tt.wire)
		})
	}
}

// Frame opcodes are varints, so a frame type may arrive in a longer than
// minimal encoding. Padding additionally consumes a run of zero bytes in
// one decode call.
func TestFrameLongOpcodes(t *testing.T) {
	var padding paddingFrame
	n, err := padding.decode([]byte{0x80, 0, 0, 0})
	if n != 4 || err != nil {
		t.Fatalf("expect decode: %v %v, actual: %v %v", 4, nil, n, err)
	}
	n, err = padding.decode([]byte{0x40, 0, 0})
	if n != 3 || err != nil {
		t.Fatalf("expect decode: %v %v, actual: %v %v", 3, nil, n, err)
	}
	if padding.length != 3 {
		t.Fatalf("expect padding length: %v, actual: %v", 3, padding)
	}
	n, err = padding.decode(nil)
	if n != 1 || err != nil {
		t.Fatalf("expect decode: %v %v, actual: %v %v", 1, nil, n, err)
	}

	var ping pingFrame
	n, err = ping.decode(nil)
	if n != 1 || err != nil {
		t.Fatalf("expect decode: %v %v, actual: %v %v", 1, nil, n, err)
	}
	n, err = ping.decode([]byte{0x40, 1})
	if n != 2 || err != nil {
		t.Fatalf("expect decode: %v %v, actual: %v %v", 2, nil, n, err)
	}

	var done handshakeDoneFrame
	n, err = done.decode(nil)
	if n != 1 || err != nil {
		t.Fatalf("expect decode: %v %v, actual: %v %v", 1, nil, n, err)
	}
	n, err = done.decode([]byte{0xc0, 0, 0, 0, 0, 0, 0, 0x1e})
	if n != 8 || err != nil {
		t.Fatalf("expect decode: %v %v, actual: %v %v", 8, nil, n, err)
	}
}

func TestFrameCryptoClientHello(t *testing.T) {
	data := `
060040c4010000c003036660261ff947 cea49cce6cfad687f457cf1b14531ba1
4131a0e8f309a1d0b9c4000006130113 031302010000910000000b0009000006
736572766572ff01000100000a001400 12001d00170018001901000101010201
03010400230000003300260024001d00 204cfdfcd178b784bf328cae793b136f
2aedce005ff183d7bb14952072366470 37002b0003020304000d0020001e0403
05030603020308040805080604010501 060102010402050206020202002d0002
0101001c00024001`
	b := testdata.DecodeHex(data)
	var frameType uint64
	n := getVarint(b, &frameType)
	if n != 1 || frameType != frameTypeCrypto {
		t.Fatalf("unexpected frame: n=%d type=%d", n, frameType)
	}
	var f cryptoFrame
	n, err := f.decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 200 {
		t.Fatalf("unexpected read: n=%d", n)
	}
}

func TestFrameAckToRangeSet(t *testing.T) {
	f := &ackFrame{
		largestAck:    0x1234,
		ackDelay:      0x3456,
		firstAckRange: 0x78,
		ackRanges: []ackRange{
			{gap: 1, ackRange: 2},
			{gap: 3, ackRange: 4},
		},
	}
	ranges := f.toRangeSet()
	if ranges.String() != "ranges=3 [4526,4530] [4535,4537] [4540,4660]" {
		t.Fatalf("range set: actual=%s", ranges)
	}
	back := &ackFrame{ackDelay: f.ackDelay}
	back.fromRangeSet(ranges)
	if !reflect.DeepEqual(f, back) {
		t.Fatalf("ack frame:\nactual=%+v\n  want=%+v", back, f)
	}
}

func TestFrameAckFromRandomRanges(t *testing.T) {
	var f ackFrame
	var ranges rangeSet
	f.fromRangeSet(ranges)

	for i := 0; i < 100; i++ {
		n := uint64(mrand.Intn(100))
		ranges.push(n, n)
		f.fromRangeSet(ranges)
		if f.largestAck != ranges.largest() {
			t.Fatalf("largest ack: actual=%d, want=%d\n%s\n%s",
				f.largestAck, ranges.largest(), ranges, &f)
		}
		if len(f.ackRanges) != len(ranges)-1 {
			t.Fatalf("ranges size: actual=%d, want=%d\n%s\n%s",
				len(f.ackRanges), len(ranges), ranges, &f)
		}
	}
}

func TestFrameAckContiguous(t *testing.T) {
	var f ackFrame
	var ranges rangeSet
	for i := 0; i < 1000; i++ {
		n := uint64(i)
		ranges.push(n, n)
		f.fromRangeSet(ranges)
		actual := f.toRangeSet()
		if len(actual) != 1 || actual[0].start != 0 || actual[0].end != n {
			t.Fatalf("expect range %v, actual %v", ranges, actual)
		}
	}
}

func TestFrameEncodeErrors(t *testing.T) {
	b := make([]byte, 100)

	cid := &newConnectionIDFrame{
		sequenceNumber:      0x1234,
		connectionID:        b[:MaxCIDLength+1],
		statelessResetToken: []byte("1234567890123456"),
	}
	n, err := cid.encode(b)
	if err == nil || err.Error() != "frame_encoding_error new_connection_id" {
		t.Fatalf("expect cid length error, actual %v %v", n, err)
	}
	cid.connectionID = b[:1]
	cid.statelessResetToken = b[:15]
	n, err = cid.encode(b)
	if err == nil || err.Error() != "frame_encoding_error new_connection_id" {
		t.Fatalf("expect reset token length error, actual %v %v", n, err)
	}

	// Path validation data is exactly 8 bytes.
	challenge := &pathChallengeFrame{data: b[:7]}
	n, err = challenge.encode(b)
	if err == nil || err.Error() != "frame_encoding_error path_challenge" {
		t.Fatalf("expect path challenge error, actual %v %v", n, err)
	}
	response := &pathResponseFrame{data: b[:9]}
	n, err = response.encode(b)
	if err == nil || err.Error() != "frame_encoding_error path_response" {
		t.Fatalf("expect path response error, actual %v %v", n, err)
	}
}

func TestFrameDatagramWithoutLength(t *testing.T) {
	var f datagramFrame
	n, err := f.decode([]byte{0x30, 0x31, 0x32, 0x33})
	if err != nil || n != 4 {
		t.Fatalf("decode %v %v", n, err)
	}
	if string(f.data) != "123" {
		t.Fatalf("expect data %s, actual %s", "123", f.data)
	}
}

func TestFrameDecodeRandomInput(t *testing.T) {
	b := make([]byte, 1024)
	out := make([]byte, len(b))
	var f frame
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("panic decoding frame: %T\n%x", f, b)
		}
	}()
	frames := []frame{
		newPaddingFrame(1),
		&pingFrame{},
		&ackFrame{},
		&resetStreamFrame{},
		&stopSendingFrame{},
		&cryptoFrame{},
		&newTokenFrame{},
		&streamFrame{},
		&maxDataFrame{},
		&maxStreamDataFrame{},
		&maxStreamsFrame{},
		&dataBlockedFrame{},
		&streamDataBlockedFrame{},
		&streamsBlockedFrame{},
		&newConnectionIDFrame{},
		&retireConnectionIDFrame{},
		&pathChallengeFrame{},
		&pathResponseFrame{},
		&connectionCloseFrame{},
		&handshakeDoneFrame{},
		&datagramFrame{},
	}
	for i := 0; i < 10000; i++ {
		if _, err := rand.Read(b); err != nil {
			t.Fatal(err)
		}
		for _, f = range frames {
			n, err := f.decode(b)
			if err != nil {
				continue
			}
			if _, err = f.encode(out[:n]); err != nil {
				switch f.(type) {
				case *streamFrame, *datagramFrame:
					// These frames are always encoded with an explicit
					// length, so re-encoding may need more room than the
					// decoded form occupied.
					if err == errShortBuffer {
						continue
					}
				}
				t.Fatalf("could not encode decoded frame: %#v: %v\n%x", f, err, b)
			}
		}
	}
}
