package h3

// HTTP/3 frame types.
// https://www.rfc-editor.org/rfc/rfc9114.html#section-7.2
const (
	frameTypeData        uint64 = 0x0
	frameTypeHeaders     uint64 = 0x1
	frameTypeCancelPush  uint64 = 0x3
	frameTypeSettings    uint64 = 0x4
	frameTypePushPromise uint64 = 0x5
	frameTypeGoaway      uint64 = 0x7
	frameTypeMaxPushID   uint64 = 0xd
)

// Unidirectional stream types.
// https://www.rfc-editor.org/rfc/rfc9114.html#section-6.2
const (
	streamTypeControl      uint64 = 0x00
	streamTypePush         uint64 = 0x01
	streamTypeQPACKEncoder uint64 = 0x02
	streamTypeQPACKDecoder uint64 = 0x03
)

// Settings identifiers.
// https://www.rfc-editor.org/rfc/rfc9114.html#section-7.2.4.1
const (
	settingQPACKMaxTableCapacity uint64 = 0x01
	settingMaxFieldSectionSize   uint64 = 0x06
	settingQPACKBlockedStreams   uint64 = 0x07
	settingH3Datagram            uint64 = 0x33
)

// isReservedFrameType reports frame types carried over from HTTP/2 whose
// receipt is a connection error of type FrameUnexpected.
func isReservedFrameType(typ uint64) bool {
	switch typ {
	case 0x2, 0x6, 0x8, 0x9:
		return true
	}
	return false
}

// isGreaseType reports reserved values of the form 0x1f*N+0x21 used to
// exercise peer tolerance. They apply to both frame and stream types.
func isGreaseType(typ uint64) bool {
	return typ >= 0x21 && (typ-0x21)%0x1f == 0
}

// Settings are exchanged once on each control stream.
type Settings struct {
	MaxFieldSectionSize   uint64
	QPACKMaxTableCapacity uint64
	QPACKBlockedStreams   uint64
	Datagram              bool
	// Other keeps unrecognized identifiers, excluding grease.
	Other map[uint64]uint64
}

func (s *Settings) encodedLen() int {
	n := 0
	if s.MaxFieldSectionSize > 0 {
		n += varintLen(settingMaxFieldSectionSize) + varintLen(s.MaxFieldSectionSize)
	}
	if s.QPACKMaxTableCapacity > 0 {
		n += varintLen(settingQPACKMaxTableCapacity) + varintLen(s.QPACKMaxTableCapacity)
	}
	if s.QPACKBlockedStreams > 0 {
		n += varintLen(settingQPACKBlockedStreams) + varintLen(s.QPACKBlockedStreams)
	}
	if s.Datagram {
		n += varintLen(settingH3Datagram) + 1
	}
	for k, v := range s.Other {
		n += varintLen(k) + varintLen(v)
	}
	return n
}

func (s *Settings) encode(b []byte) []byte {
	b = appendVarint(b, frameTypeSettings)
	b = appendVarint(b, uint64(s.encodedLen()))
	if s.MaxFieldSectionSize > 0 {
		b = appendVarint(b, settingMaxFieldSectionSize)
		b = appendVarint(b, s.MaxFieldSectionSize)
	}
	if s.QPACKMaxTableCapacity > 0 {
		b = appendVarint(b, settingQPACKMaxTableCapacity)
		b = appendVarint(b, s.QPACKMaxTableCapacity)
	}
	if s.QPACKBlockedStreams > 0 {
		b = appendVarint(b, settingQPACKBlockedStreams)
		b = appendVarint(b, s.QPACKBlockedStreams)
	}
	if s.Datagram {
		b = appendVarint(b, settingH3Datagram)
		b = appendVarint(b, 1)
	}
	for k, v := range s.Other {
		b = appendVarint(b, k)
		b = appendVarint(b, v)
	}
	return b
}

func (s *Settings) decode(b []byte) error {
	for len(b) > 0 {
		id, n := consumeVarint(b)
		if n == 0 {
			return newError(FrameError, "malformed settings")
		}
		b = b[n:]
		v, n := consumeVarint(b)
		if n == 0 {
			return newError(FrameError, "malformed settings")
		}
		b = b[n:]
		switch id {
		case settingMaxFieldSectionSize:
			s.MaxFieldSectionSize = v
		case settingQPACKMaxTableCapacity:
			s.QPACKMaxTableCapacity = v
		case settingQPACKBlockedStreams:
			s.QPACKBlockedStreams = v
		case settingH3Datagram:
			if v > 1 {
				return newError(SettingsError, "h3_datagram value %d", v)
			}
			s.Datagram = v == 1
		case 0x0, 0x2, 0x3, 0x4, 0x5:
			// Settings identifiers reserved from HTTP/2.
			return newError(SettingsError, "reserved setting 0x%x", id)
		default:
			if !isGreaseType(id) {
				if s.Other == nil {
					s.Other = make(map[uint64]uint64)
				}
				s.Other[id] = v
			}
		}
	}
	return nil
}

// appendFrameHeader encodes a frame type and payload length.
func appendFrameHeader(b []byte, typ, length uint64) []byte {
	b = appendVarint(b, typ)
	return appendVarint(b, length)
}
