package h3

// Variable-length integer encoding shared by HTTP/3 frames, stream types
// and QPACK instructions.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-16

func varintLen(v uint64) int {
	switch {
	case v <= 63:
		return 1
	case v <= 16383:
		return 2
	case v <= 1073741823:
		return 4
	default:
		return 8
	}
}

func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(b, uint8(v))
	case v <= 16383:
		return append(b, uint8(v>>8)|0x40, uint8(v))
	case v <= 1073741823:
		return append(b, uint8(v>>24)|0x80, uint8(v>>16), uint8(v>>8), uint8(v))
	default:
		return append(b, uint8(v>>56)|0xc0, uint8(v>>48), uint8(v>>40), uint8(v>>32),
			uint8(v>>24), uint8(v>>16), uint8(v>>8), uint8(v))
	}
}

// consumeVarint decodes a variable-length integer from the beginning of b.
// It returns the consumed length, or zero when b does not yet contain the
// whole integer.
func consumeVarint(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	n := 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, 0
	}
	v := uint64(b[0] & 0x3f)
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, n
}

// consumePrefixedInt decodes a QPACK prefixed integer where the first byte
// keeps prefix bits of payload. It returns the consumed length, or zero
// when b is incomplete.
// https://www.rfc-editor.org/rfc/rfc9204.html#section-4.1.1
func consumePrefixedInt(b []byte, prefix uint8) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	mask := uint8(1)<<prefix - 1
	v := uint64(b[0] & mask)
	if v < uint64(mask) {
		return v, 1
	}
	m := uint(0)
	for i := 1; i < len(b); i++ {
		v += uint64(b[i]&0x7f) << m
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
		m += 7
		if m > 62 {
			return 0, -1
		}
	}
	return 0, 0
}

// consumePrefixedString decodes a QPACK string literal whose length is a
// prefixed integer (the bit above the length prefix is the Huffman flag).
// Only the raw bytes are consumed; the caller does not need the contents.
func consumePrefixedString(b []byte, prefix uint8) int {
	length, n := consumePrefixedInt(b, prefix)
	if n <= 0 {
		return n
	}
	if uint64(len(b)-n) < length {
		return 0
	}
	return n + int(length)
}
