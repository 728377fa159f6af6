package h3

import (
	"bytes"
	"testing"
)

func TestVarint(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, 4611686018427387903}
	for _, v := range values {
		b := appendVarint(nil, v)
		if len(b) != varintLen(v) {
			t.Fatalf("%d: expect length %d, actual %d", v, varintLen(v), len(b))
		}
		got, n := consumeVarint(b)
		if got != v || n != len(b) {
			t.Fatalf("%d: decoded %d (%d bytes)", v, got, n)
		}
		// Truncated input is reported as incomplete.
		if _, n = consumeVarint(b[:len(b)-1]); n != 0 {
			t.Fatalf("%d: expect incomplete, actual %d", v, n)
		}
	}
}

func TestPrefixedInt(t *testing.T) {
	// 1337 with a 5-bit prefix: 31, 154, 10.
	v, n := consumePrefixedInt([]byte{0x1f, 0x9a, 0x0a}, 5)
	if v != 1337 || n != 3 {
		t.Fatalf("expect 1337 in 3 bytes, actual %d in %d", v, n)
	}
	// Fits in the prefix.
	v, n = consumePrefixedInt([]byte{0x0a}, 5)
	if v != 10 || n != 1 {
		t.Fatalf("expect 10 in 1 byte, actual %d in %d", v, n)
	}
	// Prefix bits above the integer are ignored.
	v, n = consumePrefixedInt([]byte{0xea}, 5)
	if v != 10 || n != 1 {
		t.Fatalf("expect 10 in 1 byte, actual %d in %d", v, n)
	}
	// Incomplete continuation.
	if _, n = consumePrefixedInt([]byte{0x1f, 0x9a}, 5); n != 0 {
		t.Fatalf("expect incomplete, actual %d", n)
	}
	// Too many continuation bytes.
	b := []byte{0x1f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}
	if _, n = consumePrefixedInt(b, 5); n != -1 {
		t.Fatalf("expect overflow, actual %d", n)
	}
}

func TestPrefixedString(t *testing.T) {
	b := []byte{0x05, 'h', 'e', 'l', 'l', 'o'}
	if n := consumePrefixedString(b, 7); n != 6 {
		t.Fatalf("expect 6 bytes, actual %d", n)
	}
	if n := consumePrefixedString(b[:4], 7); n != 0 {
		t.Fatalf("expect incomplete, actual %d", n)
	}
}

func TestSettingsCodec(t *testing.T) {
	s := Settings{
		MaxFieldSectionSize:   65536,
		QPACKMaxTableCapacity: 4096,
		QPACKBlockedStreams:   16,
		Datagram:              true,
		Other:                 map[uint64]uint64{0x4d44: 1},
	}
	b := s.encode(nil)
	typ, n := consumeVarint(b)
	if typ != frameTypeSettings {
		t.Fatalf("expect settings frame, actual %d", typ)
	}
	b = b[n:]
	length, n := consumeVarint(b)
	b = b[n:]
	if uint64(len(b)) != length {
		t.Fatalf("expect length %d, actual %d", length, len(b))
	}
	var got Settings
	if err := got.decode(b); err != nil {
		t.Fatal(err)
	}
	if got.MaxFieldSectionSize != s.MaxFieldSectionSize ||
		got.QPACKMaxTableCapacity != s.QPACKMaxTableCapacity ||
		got.QPACKBlockedStreams != s.QPACKBlockedStreams ||
		got.Datagram != s.Datagram ||
		got.Other[0x4d44] != 1 {
		t.Fatalf("settings do not match:\nexpect: %+v\nactual: %+v", s, got)
	}
}

func TestSettingsEmpty(t *testing.T) {
	var s Settings
	b := s.encode(nil)
	if !bytes.Equal(b, []byte{0x04, 0x00}) {
		t.Fatalf("expect empty settings frame, actual %x", b)
	}
	var got Settings
	if err := got.decode(nil); err != nil {
		t.Fatal(err)
	}
}

func TestSettingsReserved(t *testing.T) {
	for _, id := range []uint64{0x0, 0x2, 0x3, 0x4, 0x5} {
		b := appendVarint(nil, id)
		b = appendVarint(b, 1)
		var s Settings
		err := s.decode(b)
		if err, ok := err.(*Error); !ok || err.Code != SettingsError {
			t.Fatalf("0x%x: expect settings error, actual %v", id, err)
		}
	}
}

func TestSettingsDatagramValue(t *testing.T) {
	b := appendVarint(nil, settingH3Datagram)
	b = appendVarint(b, 2)
	var s Settings
	err := s.decode(b)
	if err, ok := err.(*Error); !ok || err.Code != SettingsError {
		t.Fatalf("expect settings error, actual %v", err)
	}
}

func TestSettingsGrease(t *testing.T) {
	b := appendVarint(nil, 0x21)
	b = appendVarint(b, 42)
	b = appendVarint(b, settingMaxFieldSectionSize)
	b = appendVarint(b, 100)
	var s Settings
	if err := s.decode(b); err != nil {
		t.Fatal(err)
	}
	if s.MaxFieldSectionSize != 100 || len(s.Other) != 0 {
		t.Fatalf("unexpected settings: %+v", s)
	}
}

func TestGreaseType(t *testing.T) {
	for _, typ := range []uint64{0x21, 0x40, 0x1f*17 + 0x21} {
		if isGreaseType(typ) != (typ != 0x40) {
			t.Fatalf("0x%x: unexpected grease classification", typ)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := newError(MissingSettings, "control stream")
	if err.Error() != "h3_missing_settings control stream" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
	err = &Error{Code: 0x2ff}
	if err.Error() != "error_2ff" {
		t.Fatalf("unexpected error string: %q", err.Error())
	}
}
