package transport

import (
	"encoding/binary"
)

type encoder interface {
	encode(b []byte) (int, error)
}

type decoder interface {
	decode(b []byte) (int, error)
}

// codec reads and writes primitives over a fixed slice. Every operation
// reports false instead of panicking when the slice is exhausted, so
// frame and packet decoders can bail out on truncated input.
type codec struct {
	b []byte // input slice
	i int    // read/write index
}

func newCodec(b []byte) codec {
	return codec{b: b}
}

func (cd *codec) write(b []byte) bool {
	if cd.i+len(b) > len(cd.b) {
		return false
	}
	cd.i += copy(cd.b[cd.i:], b)
	return true
}

// read sets b to the next n bytes without copying.
func (cd *codec) read(b *[]byte, n int) bool {
	n += cd.i
	if n > len(cd.b) {
		return false
	}
	*b = cd.b[cd.i:n]
	cd.i = n
	return true
}

func (cd *codec) writeByte(b byte) bool {
	if cd.i >= len(cd.b) {
		return false
	}
	cd.b[cd.i] = b
	cd.i++
	return true
}

func (cd *codec) readByte(v *byte) bool {
	if cd.i >= len(cd.b) {
		return false
	}
	*v = cd.b[cd.i]
	cd.i++
	return true
}

func (cd *codec) writeUint32(v uint32) bool {
	if cd.i+4 > len(cd.b) {
		return false
	}
	binary.BigEndian.PutUint32(cd.b[cd.i:], v)
	cd.i += 4
	return true
}

func (cd *codec) readUint32(v *uint32) bool {
	var b []byte
	if !cd.read(&b, 4) {
		return false
	}
	*v = binary.BigEndian.Uint32(b)
	return true
}

func (cd *codec) writeVarint(v uint64) bool {
	n := varintLen(v)
	if cd.i+n > len(cd.b) {
		return false
	}
	putVarint(cd.b[cd.i:], v, n)
	cd.i += n
	return true
}

func (cd *codec) readVarint(v *uint64) bool {
	if cd.i >= len(cd.b) {
		return false
	}
	n := getVarint(cd.b[cd.i:], v)
	if n == 0 {
		return false
	}
	cd.i += n
	return true
}

func (cd *codec) writePacketNumber(v uint64, length int) bool {
	if cd.i+length > len(cd.b) {
		return false
	}
	putPacketNumber(cd.b[cd.i:], v, length)
	cd.i += length
	return true
}

func (cd *codec) readPacketNumber(v *uint64, length int) bool {
	var b []byte
	if !cd.read(&b, length) {
		return false
	}
	*v = getPacketNumber(b, length)
	return true
}

func (cd *codec) skip(n int) bool {
	if cd.i+n > len(cd.b) {
		return false
	}
	cd.i += n
	return true
}

// len returns number of unread bytes
func (cd *codec) len() int {
	if cd.i >= len(cd.b) {
		return 0
	}
	return len(cd.b) - cd.i
}

func (cd *codec) offset() int {
	return cd.i
}

// Variable-length integers: the two most significant bits of the first
// byte select a 1, 2, 4 or 8 byte encoding.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-16

func varintLen(v uint64) int {
	switch {
	case v>>6 == 0:
		return 1
	case v>>14 == 0:
		return 2
	case v>>30 == 0:
		return 4
	default:
		return 8
	}
}

func putVarint(b []byte, v uint64, n int) {
	switch n {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
		b[0] |= 0x40
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
		b[0] |= 0x80
	case 8:
		binary.BigEndian.PutUint64(b, v)
		b[0] |= 0xc0
	}
}

func appendVarint(b []byte, v uint64, n int) []byte {
	switch n {
	case 1:
		b = append(b, uint8(v))
	case 2:
		b = append(b, uint8(v>>8)|0x40, uint8(v))
	case 4:
		b = append(b, uint8(v>>24)|0x80, uint8(v>>16), uint8(v>>8), uint8(v))
	case 8:
		b = append(b, uint8(v>>56)|0xc0, uint8(v>>48), uint8(v>>40), uint8(v>>32),
			uint8(v>>24), uint8(v>>16), uint8(v>>8), uint8(v))
	}
	return b
}

// getVarint returns the number of bytes consumed, zero when b is
// truncated. b must not be empty.
func getVarint(b []byte, v *uint64) int {
	n := 1 << (b[0] >> 6)
	if len(b) < n {
		return 0
	}
	switch n {
	case 1:
		*v = uint64(b[0] & 0x3f)
	case 2:
		*v = uint64(binary.BigEndian.Uint16(b)) & 0x3fff
	case 4:
		*v = uint64(binary.BigEndian.Uint32(b)) & 0x3fffffff
	case 8:
		*v = binary.BigEndian.Uint64(b) & 0x3fffffffffffffff
	}
	return n
}

// Packet numbers are truncated to the fewest bytes that still allow the
// receiver to recover them given its largest acknowledged number.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-17.1

func packetNumberLen(v uint64) int {
	switch {
	case v>>8 == 0:
		return 1
	case v>>16 == 0:
		return 2
	case v>>24 == 0:
		return 3
	default:
		return 4
	}
}

func getPacketNumber(b []byte, length int) uint64 {
	switch length {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 3:
		return uint64(b[2]) | uint64(b[1])<<8 | uint64(b[0])<<16
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		panic("unexpected packet number length")
	}
}

func putPacketNumber(b []byte, v uint64, length int) {
	switch length {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 3:
		b[2] = uint8(v)
		b[1] = uint8(v >> 8)
		b[0] = uint8(v >> 16)
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		panic("unexpected packet number length")
	}
}
