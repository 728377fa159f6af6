package transport

import (
	"bytes"
	"testing"
)

func TestCodecReadWrite(t *testing.T) {
	b := make([]byte, 16)
	enc := newCodec(b)
	if !enc.writeByte(1) || !enc.writeUint32(0x02030405) ||
		!enc.writeVarint(0x060708090a0b0c0d) || !enc.write([]byte{0xe, 0xf, 0x10}) {
		t.Fatalf("write: %x", b)
	}
	if enc.offset() != 16 || enc.len() != 0 {
		t.Fatalf("expect offset %v len %v, actual %v %v", 16, 0, enc.offset(), enc.len())
	}
	expect := []byte{1, 2, 3, 4, 5, 0xc6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if !bytes.Equal(expect, b) {
		t.Fatalf("expect encode: %x, actual: %x", expect, b)
	}
	if enc.write([]byte{1}) || enc.writeByte(1) || enc.writeUint32(1) || enc.writeVarint(1) {
		t.Fatalf("write past end should fail")
	}

	dec := newCodec(b)
	var (
		v   []byte
		v8  byte
		v32 uint32
		v64 uint64
	)
	if !dec.readByte(&v8) || v8 != 1 {
		t.Fatalf("read byte: 0x%x", v8)
	}
	if !dec.readUint32(&v32) || v32 != 0x02030405 {
		t.Fatalf("read uint32: 0x%x", v32)
	}
	if !dec.readVarint(&v64) || v64 != 0x060708090a0b0c0d {
		t.Fatalf("read varint: 0x%x", v64)
	}
	if !dec.read(&v, 3) || !bytes.Equal(v, b[13:16]) {
		t.Fatalf("read: %x, expect: %x", v, b[13:16])
	}
	if dec.len() != 0 {
		t.Fatalf("expect len %v, actual %v", 0, dec.len())
	}
	if dec.read(&v, 2) || dec.readByte(&v8) || dec.readUint32(&v32) || dec.readVarint(&v64) {
		t.Fatal("read past end should fail")
	}
}

func TestCodecSkip(t *testing.T) {
	s := newCodec(make([]byte, 4))
	if !s.skip(3) || s.offset() != 3 || s.len() != 1 {
		t.Fatalf("skip: offset %v len %v", s.offset(), s.len())
	}
	if s.skip(2) {
		t.Fatal("skip past end should fail")
	}
}

// Test vectors from RFC 9000 appendix A.1.
func TestVarintDecode(t *testing.T) {
	data := []struct {
		b []byte
		v uint64
	}{
		{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652},
		{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333},
		{[]byte{0x7b, 0xbd}, 15293},
		{[]byte{0x40, 0x25}, 37},
		{[]byte{0x25}, 37},
	}
	for _, d := range data {
		var v uint64
		n := getVarint(d.b, &v)
		if n != len(d.b) || v != d.v {
			t.Fatalf("expect decode %x: %v %v, actual: %v %v", d.b, len(d.b), d.v, n, v)
		}
		if len(d.b) > 1 {
			// Truncated input must be rejected.
			if n = getVarint(d.b[:len(d.b)-1], &v); n != 0 {
				t.Fatalf("expect decode %x: %v, actual: %v", d.b[:len(d.b)-1], 0, n)
			}
		}
	}
}

func TestVarintBoundaries(t *testing.T) {
	data := []struct {
		v uint64
		n int
	}{
		{0, 1},
		{63, 1},
		{64, 2},
		{16383, 2},
		{16384, 4},
		{1073741823, 4},
		{1073741824, 8},
		{4611686018427387903, 8},
	}
	b := make([]byte, 8)
	for _, d := range data {
		if n := varintLen(d.v); n != d.n {
			t.Fatalf("expect varint length of %v: %v, actual: %v", d.v, d.n, n)
		}
		enc := newCodec(b)
		if !enc.writeVarint(d.v) || enc.offset() != d.n {
			t.Fatalf("write varint %v: %x", d.v, b)
		}
		appended := appendVarint(nil, d.v, d.n)
		if !bytes.Equal(appended, b[:d.n]) {
			t.Fatalf("expect append: %x, actual: %x", b[:d.n], appended)
		}
		dec := newCodec(b)
		var v uint64
		if !dec.readVarint(&v) || v != d.v {
			t.Fatalf("expect read: %v, actual: %v", d.v, v)
		}
	}
}

func TestPacketNumberCodec(t *testing.T) {
	data := []struct {
		v uint64
		n int
	}{
		{0, 1},
		{0xff, 1},
		{0x100, 2},
		{0xffff, 2},
		{0x10000, 3},
		{0xffffff, 3},
		{0x1000000, 4},
		{0xac5c02, 3},
	}
	b := make([]byte, 4)
	for _, d := range data {
		if n := packetNumberLen(d.v); n != d.n {
			t.Fatalf("expect packet number length of %v: %v, actual: %v", d.v, d.n, n)
		}
		putPacketNumber(b, d.v, d.n)
		if v := getPacketNumber(b, d.n); v != d.v {
			t.Fatalf("expect packet number: 0x%x, actual: 0x%x", d.v, v)
		}
	}
}

// Test vector from RFC 9000 appendix A.3.
func TestDecodePacketNumber(t *testing.T) {
	data := []struct {
		pn        uint64
		largest   uint64
		truncated uint64
		len       int
	}{
		{0xa82f9b32, 0xa82f30ea, 0x9b32, 2},
		{0, 0, 0, 1},
		{1, 0, 1, 1},
		{2, 0, 2, 4},
	}
	for _, d := range data {
		pn := decodePacketNumber(d.largest, d.truncated, d.len)
		if pn != d.pn {
			t.Fatalf("expect packet number 0x%x actual 0x%x", d.pn, pn)
		}
	}
}
