package transport

import (
	"errors"
	"fmt"
	"time"
)

type packetSpace int

const (
	packetSpaceInitial packetSpace = iota
	packetSpaceHandshake
	packetSpaceApplication
	packetSpaceCount
)

var packetSpaceNames = [...]string{
	packetSpaceInitial:     "initial",
	packetSpaceHandshake:   "handshake",
	packetSpaceApplication: "application_data",
}

func (sp packetSpace) String() string {
	return packetSpaceNames[sp]
}

type packetType int

const (
	packetTypeInitial packetType = iota
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeOneRTT
)

var packetTypeNames = [...]string{
	packetTypeInitial:            "initial",
	packetTypeZeroRTT:            "0RTT",
	packetTypeHandshake:          "handshake",
	packetTypeRetry:              "retry",
	packetTypeVersionNegotiation: "version_negotiation",
	packetTypeOneRTT:             "1RTT",
}

func (t packetType) String() string {
	return packetTypeNames[t]
}

const (
	maxPacketNumberLength = 4
)

func isLongHeader(b byte) bool {
	return b&0x80 != 0
}

func packetTypeFromLongHeader(b uint8) packetType {
	switch b & 0x30 >> 4 {
	case 0:
		return packetTypeInitial
	case 1:
		return packetTypeZeroRTT
	case 2:
		return packetTypeHandshake
	case 3:
		return packetTypeRetry
	default:
		panic(fmt.Sprintf("unsupported packet type: 0x%x", b))
	}
}

func packetTypeFromSpace(space packetSpace) packetType {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	case packetSpaceApplication:
		return packetTypeOneRTT
	default:
		panic(fmt.Sprintf("invalid state: space=%d", space))
	}
}

// Packet number length bits are in the same position in both short and
// long header packets.
func packetNumberLenFromHeader(b uint8) int {
	return int(b&0x03) + 1
}

func packetNumberLenHeaderFlag(n int) uint8 {
	return uint8(n - 1)
}

// Header is the version-independent invariant header of QUIC packets,
// used for routing before a packet reaches its connection.
// https://www.rfc-editor.org/rfc/rfc8999.html
type Header struct {
	Flags   uint8
	Version uint32
	DCID    []byte
	SCID    []byte

	dcil uint8 // Used when decoding short headers
}

// Decode parses the invariant header from b. dcil is the connection ID
// length this endpoint generates, needed for short headers.
func (h *Header) Decode(b []byte, dcil int) (int, error) {
	h.dcil = uint8(dcil)
	return h.decode(b)
}

// IsLongHeader reports whether flags is the first byte of a long header
// packet.
func IsLongHeader(flags uint8) bool {
	return isLongHeader(flags)
}

// HeaderToken returns the address validation token carried in an Initial
// packet, or nil when b is not an Initial packet or carries no token.
// dcil is the local connection ID length, as in Header.Decode.
func HeaderToken(b []byte, dcil int) []byte {
	p := packet{header: Header{dcil: uint8(dcil)}}
	n, err := p.decodeHeader(b)
	if err != nil || p.typ != packetTypeInitial {
		return nil
	}
	var length uint64
	dec := newCodec(b[n:])
	if !dec.readVarint(&length) {
		return nil
	}
	var token []byte
	if !dec.read(&token, int(length)) {
		return nil
	}
	return token
}

func (h *Header) encodedLen() int {
	if isLongHeader(h.Flags) {
		return h.encodedLenLong()
	}
	return h.encodedLenShort()
}

func (h *Header) encodedLenLong() int {
	return 7 + len(h.DCID) + len(h.SCID)
}

func (h *Header) encodedLenShort() int {
	return 1 + len(h.DCID)
}

func (h *Header) encode(b []byte) (int, error) {
	if len(h.DCID) > MaxCIDLength {
		return 0, errors.New("destination CID too long")
	}
	if len(h.SCID) > MaxCIDLength {
		return 0, errors.New("source CID too long")
	}
	// Buffer length checking is done in the packet encoder
	enc := newCodec(b)
	ok := enc.writeByte(h.Flags)
	if !ok {
		return 0, errShortBuffer
	}
	if isLongHeader(h.Flags) {
		ok = enc.writeUint32(h.Version) &&
			enc.writeByte(uint8(len(h.DCID))) &&
			enc.write(h.DCID) &&
			enc.writeByte(uint8(len(h.SCID))) &&
			enc.write(h.SCID)
	} else {
		ok = enc.write(h.DCID)
	}
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (h *Header) decode(b []byte) (int, error) {
	dec := newCodec(b)
	if !dec.readByte(&h.Flags) {
		return 0, errInvalidPacket
	}
	if isLongHeader(h.Flags) {
		if !dec.readUint32(&h.Version) {
			return 0, errInvalidPacket
		}
		// DCID
		var length uint8
		if !dec.readByte(&length) || length > MaxCIDLength {
			return 0, errInvalidPacket
		}
		if !dec.read(&h.DCID, int(length)) {
			return 0, errInvalidPacket
		}
		// SCID
		if !dec.readByte(&length) || length > MaxCIDLength {
			return 0, errInvalidPacket
		}
		if !dec.read(&h.SCID, int(length)) {
			return 0, errInvalidPacket
		}
		if h.Version != 0 && h.Flags&0x40 == 0 {
			return 0, newError(ProtocolViolation, "packet fixed bit is zero")
		}
	} else {
		if h.Flags&0x40 == 0 {
			return 0, newError(ProtocolViolation, "packet fixed bit is zero")
		}
		if !dec.read(&h.DCID, int(h.dcil)) {
			return 0, errInvalidPacket
		}
	}
	return dec.offset(), nil
}

func (h *Header) String() string {
	var typ packetType
	if isLongHeader(h.Flags) {
		if h.Version == 0 {
			typ = packetTypeVersionNegotiation
		} else {
			typ = packetTypeFromLongHeader(h.Flags)
		}
	} else {
		typ = packetTypeOneRTT
	}
	return fmt.Sprintf("packet_type=%s version=%d dcid=%x scid=%x", typ, h.Version, h.DCID, h.SCID)
}

// packet is a union of all QUIC packets.
type packet struct {
	typ       packetType
	header    Header
	headerLen int // decoded header length (set by decodeHeader)

	supportedVersions      []uint32 // Only in Version Negotiation
	token                  []byte   // Only in Initial and Retry
	originalDestinationCID []byte   // Only for building Retry

	packetNumber uint64
	keyPhase     uint8 // Only in 1-RTT
	payloadLen   int
	packetSize   int // entire packet length on the wire
}

var packetEncodedLenFuncs = [...]func(*packet) int{
	packetTypeInitial:            packetInitialEncodedLen,
	packetTypeZeroRTT:            packetLongEncodedLen,
	packetTypeHandshake:          packetLongEncodedLen,
	packetTypeRetry:              packetRetryEncodedLen,
	packetTypeVersionNegotiation: packetVersionEncodedLen,
	packetTypeOneRTT:             packetShortEncodedLen,
}

var packetEncodeFuncs = [...]func(*packet, []byte) (int, error){
	packetTypeInitial:            packetInitialEncode,
	packetTypeZeroRTT:            packetLongEncode,
	packetTypeHandshake:          packetLongEncode,
	packetTypeRetry:              packetRetryEncode,
	packetTypeVersionNegotiation: packetVersionEncode,
	packetTypeOneRTT:             packetShortEncode,
}

var packetDecodeFuncs = [...]func(*packet, []byte) (int, error){
	packetTypeInitial:            packetInitialDecode,
	packetTypeZeroRTT:            packetLongDecode,
	packetTypeHandshake:          packetLongDecode,
	packetTypeRetry:              packetRetryDecode,
	packetTypeVersionNegotiation: packetVersionDecode,
	packetTypeOneRTT:             packetShortDecode,
}

func (p *packet) encodedLen() int {
	return packetEncodedLenFuncs[p.typ](p)
}

func (p *packet) encode(b []byte) (int, error) {
	switch p.typ {
	case packetTypeInitial:
		p.header.Flags = 0xc0 | packetNumberLenHeaderFlag(packetNumberLen(p.packetNumber))
	case packetTypeZeroRTT:
		p.header.Flags = 0xd0 | packetNumberLenHeaderFlag(packetNumberLen(p.packetNumber))
	case packetTypeHandshake:
		p.header.Flags = 0xe0 | packetNumberLenHeaderFlag(packetNumberLen(p.packetNumber))
	case packetTypeRetry:
		p.header.Flags = 0xf0
	case packetTypeVersionNegotiation:
		p.header.Flags = 0xc0
	case packetTypeOneRTT:
		p.header.Flags = 0x40 | p.keyPhase<<2 | packetNumberLenHeaderFlag(packetNumberLen(p.packetNumber))
	default:
		return 0, fmt.Errorf("unsupported packet type: %d", p.typ)
	}
	n, err := p.header.encode(b)
	if err != nil {
		return 0, err
	}
	m, err := packetEncodeFuncs[p.typ](p, b[n:])
	if err != nil {
		return 0, err
	}
	return n + m, nil
}

// decodeHeader decodes header and packet type.
func (p *packet) decodeHeader(b []byte) (int, error) {
	n, err := p.header.decode(b)
	if err != nil {
		return 0, err
	}
	if isLongHeader(p.header.Flags) {
		if p.header.Version == 0 {
			p.typ = packetTypeVersionNegotiation
		} else {
			p.typ = packetTypeFromLongHeader(p.header.Flags)
		}
	} else {
		p.typ = packetTypeOneRTT
	}
	p.headerLen = n
	return n, nil
}

// decodeBody decodes the packet until payload. It returns the payload
// offset relative to the header.
func (p *packet) decodeBody(b []byte) (int, error) {
	return packetDecodeFuncs[p.typ](p, b)
}

// packetNumberOffset returns the index offset of the packet number
// for decrypting.
func (p *packet) packetNumberOffset(b []byte, headerLen int) (int, error) {
	if p.typ == packetTypeOneRTT {
		return headerLen, nil
	}
	var length uint64
	dec := newCodec(b[headerLen:])
	if p.typ == packetTypeInitial {
		// Skip token
		if !dec.readVarint(&length) || !dec.skip(int(length)) {
			return 0, errInvalidPacket
		}
	}
	// Remainder Length
	if !dec.readVarint(&length) {
		return 0, errInvalidPacket
	}
	return headerLen + dec.offset(), nil
}

func (p *packet) String() string {
	switch p.typ {
	case packetTypeInitial:
		return fmt.Sprintf("packet_type=%s version=%d dcid=%x scid=%x token=%x packet_number=%d",
			p.typ, p.header.Version, p.header.DCID, p.header.SCID, p.token, p.packetNumber)
	case packetTypeRetry:
		return fmt.Sprintf("packet_type=%s version=%d dcid=%x scid=%x token=%x",
			p.typ, p.header.Version, p.header.DCID, p.header.SCID, p.token)
	case packetTypeOneRTT:
		return fmt.Sprintf("packet_type=%s dcid=%x packet_number=%d key_phase=%d",
			p.typ, p.header.DCID, p.packetNumber, p.keyPhase)
	default:
		return fmt.Sprintf("packet_type=%s version=%d dcid=%x scid=%x packet_number=%d",
			p.typ, p.header.Version, p.header.DCID, p.header.SCID, p.packetNumber)
	}
}

// Version Negotiation packet:
//
// +-+-+-+-+-+-+-+-+
// |1|  Unused (7) |
// +-+-+-+-+-+-+-+-+
// |  Version (32) = 0  |
// | DCID Len (8) | DCID (0..2040) | SCID Len (8) | SCID (0..2040) |
// |  Supported Version 1 (32) ... [Supported Version N (32)]      |
func packetVersionEncodedLen(p *packet) int {
	return p.header.encodedLenLong() + 4*len(p.supportedVersions)
}

func packetVersionEncode(p *packet, b []byte) (int, error) {
	if len(p.supportedVersions) == 0 {
		return 0, errors.New("supported versions must not be empty")
	}
	enc := newCodec(b)
	for _, v := range p.supportedVersions {
		if !enc.writeUint32(v) {
			return 0, errShortBuffer
		}
	}
	return enc.offset(), nil
}

func packetVersionDecode(p *packet, b []byte) (int, error) {
	dec := newCodec(b)
	var vers uint32
	if !dec.readUint32(&vers) {
		return 0, errInvalidPacket
	}
	p.supportedVersions = make([]uint32, 0, 1+dec.len()/4)
	p.supportedVersions = append(p.supportedVersions, vers)
	for dec.len() > 0 {
		if !dec.readUint32(&vers) {
			return dec.offset(), errInvalidPacket
		}
		p.supportedVersions = append(p.supportedVersions, vers)
	}
	return dec.offset(), nil
}

// NegotiateVersion writes a Version Negotiation packet to b.
func NegotiateVersion(b, dcid, scid []byte) (int, error) {
	p := &packet{
		typ: packetTypeVersionNegotiation,
		header: Header{
			DCID: dcid,
			SCID: scid,
		},
		supportedVersions: []uint32{ProtocolVersion},
	}
	return p.encode(b)
}

// Initial packet:
//
// +-+-+-+-+-+-+-+-+
// |1|1| 0 |R R|P P|
// +-+-+-+-+-+-+-+-+
// |  Version (32) | DCID Len (8) | DCID (0..160) | SCID Len (8) | SCID |
// |  Token Length (i) | Token (*) | Length (i)                        |
// |  Packet Number (8/16/24/32) | Payload (*)                         |
// https://www.rfc-editor.org/rfc/rfc9000.html#packet-initial
func packetInitialEncodedLen(p *packet) int {
	return packetLongEncodedLen(p) +
		varintLen(uint64(len(p.token))) +
		len(p.token)
}

func packetInitialEncode(p *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	enc := newCodec(b)
	if !enc.writeVarint(uint64(len(p.token))) ||
		!enc.write(p.token) ||
		!enc.writeVarint(uint64(pnLen+p.payloadLen)) ||
		!enc.writePacketNumber(p.packetNumber, pnLen) {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func packetInitialDecode(p *packet, b []byte) (int, error) {
	dec := newCodec(b)
	// Token
	var length uint64
	if !dec.readVarint(&length) {
		return 0, errInvalidPacket
	}
	if !dec.read(&p.token, int(length)) {
		return 0, errInvalidPacket
	}
	// Remainder length includes Packet Number and Payload
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	if !dec.readVarint(&length) || int(length) < pnLen {
		return 0, errInvalidPacket
	}
	if !dec.readPacketNumber(&p.packetNumber, pnLen) {
		return 0, errInvalidPacket
	}
	p.payloadLen = int(length) - pnLen
	if p.payloadLen < 0 || dec.len() < p.payloadLen {
		return 0, errInvalidPacket
	}
	return dec.offset(), nil
}

// 0-RTT and Handshake packets:
//
// +-+-+-+-+-+-+-+-+
// |1|1|1/2|R R|P P|
// +-+-+-+-+-+-+-+-+
// |  Version (32) | DCID Len (8) | DCID (0..160) | SCID Len (8) | SCID |
// |  Length (i) | Packet Number (8/16/24/32) | Payload (*)             |
func packetLongEncodedLen(p *packet) int {
	pnLen := packetNumberLen(p.packetNumber)
	return p.header.encodedLenLong() +
		varintLen(uint64(pnLen+p.payloadLen)) +
		pnLen +
		p.payloadLen
}

func packetLongEncode(p *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	enc := newCodec(b)
	if !enc.writeVarint(uint64(pnLen+p.payloadLen)) ||
		!enc.writePacketNumber(p.packetNumber, pnLen) {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func packetLongDecode(p *packet, b []byte) (int, error) {
	dec := newCodec(b)
	var length uint64
	// Remainder length includes Packet Number and Payload
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	if !dec.readVarint(&length) || int(length) < pnLen {
		return 0, errInvalidPacket
	}
	if !dec.readPacketNumber(&p.packetNumber, pnLen) {
		return 0, errInvalidPacket
	}
	p.payloadLen = int(length) - pnLen
	if p.payloadLen < 0 || dec.len() < p.payloadLen {
		return 0, errInvalidPacket
	}
	return dec.offset(), nil
}

// Retry packet:
//
// +-+-+-+-+-+-+-+-+
// |1|1| 3 | Unused|
// +-+-+-+-+-+-+-+-+
// |  Version (32) | DCID Len (8) | DCID (0..160) | SCID Len (8) | SCID |
// |  Retry Token (*) | Retry Integrity Tag (128)                      |
// https://www.rfc-editor.org/rfc/rfc9000.html#packet-retry
func packetRetryEncodedLen(p *packet) int {
	return p.header.encodedLenLong() +
		len(p.token) +
		retryIntegrityTagLen
}

func packetRetryEncode(p *packet, b []byte) (int, error) {
	enc := newCodec(b)
	if !enc.write(p.token) {
		return 0, errShortBuffer
	}
	if enc.len() < retryIntegrityTagLen {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func packetRetryDecode(p *packet, b []byte) (int, error) {
	if len(b) < retryIntegrityTagLen {
		return 0, errInvalidPacket
	}
	p.token = b[:len(b)-retryIntegrityTagLen]
	return len(b), nil
}

// Retry writes a Retry packet to b including its integrity tag computed
// over the pseudo packet prefixed with odcid.
func Retry(b, dcid, scid, odcid, token []byte) (int, error) {
	if len(odcid) > MaxCIDLength {
		return 0, errors.New("original destination CID too long")
	}
	p := &packet{
		typ: packetTypeRetry,
		header: Header{
			Version: ProtocolVersion,
			DCID:    dcid,
			SCID:    scid,
		},
		token: token,
	}
	n, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	n -= retryIntegrityTagLen
	pseudo := make([]byte, 1+len(odcid)+n, 1+len(odcid)+n+retryIntegrityTagLen)
	pseudo[0] = byte(len(odcid))
	copy(pseudo[1:], odcid)
	copy(pseudo[1+len(odcid):], b[:n])
	out, err := computeRetryIntegrity(pseudo)
	if err != nil {
		return 0, err
	}
	copy(b[n:], out[len(out)-retryIntegrityTagLen:])
	return n + retryIntegrityTagLen, nil
}

// 1-RTT packet:
//
// +-+-+-+-+-+-+-+-+
// |0|1|S|R R|K|P P|
// +-+-+-+-+-+-+-+-+
// |  DCID (0..160) | Packet Number (8/16/24/32) | Protected Payload (*) |
// https://www.rfc-editor.org/rfc/rfc9000.html#short-header
func packetShortEncodedLen(p *packet) int {
	return p.header.encodedLenShort() +
		packetNumberLen(p.packetNumber) +
		p.payloadLen
}

func packetShortEncode(p *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	enc := newCodec(b)
	if !enc.writePacketNumber(p.packetNumber, pnLen) {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func packetShortDecode(p *packet, b []byte) (int, error) {
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	dec := newCodec(b)
	dec.readPacketNumber(&p.packetNumber, pnLen)
	p.keyPhase = p.header.Flags >> 2 & 1
	p.payloadLen = dec.len()
	return dec.offset(), nil
}

// packetNumberWindow stores the availability of received packet numbers.
// Only 64 packet numbers can be tracked.
type packetNumberWindow struct {
	lower  uint64 // start number
	window uint64 // next 64 numbers availability are represented as bits of the window
}

func (w *packetNumberWindow) push(n uint64) {
	if n < w.lower {
		return
	}
	if n > w.upper() {
		// Shift window so that the right end is the provided number
		diff := n - w.upper()
		w.lower += diff
		w.window <<= diff
	}
	mask := uint64(1) << (w.upper() - n)
	w.window |= mask
}

func (w *packetNumberWindow) contains(n uint64) bool {
	if n < w.lower {
		return true
	}
	if n > w.upper() {
		return false
	}
	mask := uint64(1) << (w.upper() - n)
	return w.window&mask != 0
}

func (w *packetNumberWindow) upper() uint64 {
	return w.lower + 63
}

func (w *packetNumberWindow) String() string {
	return fmt.Sprintf("%d+0x%x", w.lower, w.window)
}

type packetNumberSpace struct {
	largestRecvPacketNumber uint64
	largestRecvPacketTime   time.Time

	nextPacketNumber uint64
	// recvPacketNeedAck contains received packet numbers to acknowledge in
	// the next ACK frame. Numbers are removed when an ACK frame is acked.
	recvPacketNeedAck rangeSet
	// recvPacketNumbers tracks packet numbers received for deduplication.
	recvPacketNumbers packetNumberWindow
	// ackElicited indicates received packets need to be acknowledged.
	ackElicited      bool
	firstPacketAcked bool

	opener packetProtection
	sealer packetProtection

	// 1-RTT key update state. prevOpener keeps the previous generation for
	// packets reordered across the update; keyPhaseFirstRecv is the update
	// trigger below which the old keys still apply.
	keyPhase           uint8
	prevOpener         *packetProtection
	keyPhaseFirstRecv  uint64
	keyPhaseFirstSent  uint64
	keyUpdateConfirmed bool

	cryptoStream Stream
}

func (pns *packetNumberSpace) init() {
	// The crypto stream is exempt from stream states, it only carries
	// ordered handshake data in both directions.
	pns.cryptoStream.local = true
	pns.cryptoStream.bidi = true
	pns.cryptoStream.init(cryptoMaxData, cryptoMaxData)
	pns.keyPhaseFirstRecv = maxUint64
	pns.keyPhaseFirstSent = maxUint64
	pns.keyUpdateConfirmed = true
}

func (pns *packetNumberSpace) reset() {
	pns.cryptoStream.reset()
	pns.ackElicited = false
}

func (pns *packetNumberSpace) drop() {
	*pns = packetNumberSpace{}
}

const maxUint64 = ^uint64(0)

func (pns *packetNumberSpace) canEncrypt() bool {
	return pns.sealer.aead != nil
}

// initiateKeyUpdate moves the 1-RTT space to the next key generation.
// It must not be called until the previous update was confirmed.
func (pns *packetNumberSpace) initiateKeyUpdate() error {
	if !pns.keyUpdateConfirmed {
		return newError(KeyUpdateError, "previous key update not confirmed")
	}
	opener, err := pns.opener.next()
	if err != nil {
		return err
	}
	sealer, err := pns.sealer.next()
	if err != nil {
		return err
	}
	prev := pns.opener
	pns.prevOpener = &prev
	pns.opener = opener
	pns.sealer = sealer
	pns.keyPhase ^= 1
	pns.keyPhaseFirstRecv = maxUint64
	pns.keyPhaseFirstSent = maxUint64
	pns.keyUpdateConfirmed = false
	return nil
}

// onPacketSent records the first packet number sent in the current phase.
func (pns *packetNumberSpace) onKeyPhasePacketSent(pn uint64) {
	if pns.keyPhaseFirstSent == maxUint64 {
		pns.keyPhaseFirstSent = pn
	}
}

// confirmKeyUpdate discards the previous generation keys once a packet
// sent with the new keys was acknowledged.
func (pns *packetNumberSpace) confirmKeyUpdate(largestAcked uint64) {
	if !pns.keyUpdateConfirmed && pns.keyPhaseFirstSent != maxUint64 && largestAcked >= pns.keyPhaseFirstSent {
		pns.keyUpdateConfirmed = true
		pns.prevOpener = nil
	}
}

// length of b and payloadLen must include overhead.
func (pns *packetNumberSpace) encryptPacket(b []byte, p *packet) {
	payload := pns.sealer.encryptPayload(b, p.packetNumber, p.payloadLen)
	if len(payload) != p.payloadLen {
		panic(fmt.Sprintf("encrypted payload length %d does not equal %d", len(payload), p.payloadLen))
	}
	pnOffset := len(b) - p.payloadLen - packetNumberLen(p.packetNumber)
	pns.sealer.encryptHeader(b, pnOffset)
}

func (pns *packetNumberSpace) canDecrypt() bool {
	return pns.opener.aead != nil
}

func (pns *packetNumberSpace) decryptPacket(b []byte, p *packet) ([]byte, int, error) {
	pnOffset, err := p.packetNumberOffset(b, p.headerLen)
	if err != nil {
		return nil, 0, err
	}
	err = pns.opener.decryptHeader(b, pnOffset)
	if err != nil {
		return nil, 0, err
	}
	p.header.Flags = b[0]
	n, err := p.decodeBody(b[p.headerLen:])
	if err != nil {
		return nil, 0, err
	}
	if isLongHeader(p.header.Flags) {
		if p.header.Flags&0x0c != 0 {
			return nil, 0, newError(ProtocolViolation, "packet reserved bits are non-zero")
		}
	} else {
		if p.header.Flags&0x18 != 0 {
			return nil, 0, newError(ProtocolViolation, "packet reserved bits are non-zero")
		}
	}
	pnLen := packetNumberLenFromHeader(p.header.Flags)
	p.packetNumber = decodePacketNumber(pns.largestRecvPacketNumber, p.packetNumber, pnLen)
	length := p.headerLen + n + p.payloadLen
	opener := &pns.opener
	if p.typ == packetTypeOneRTT && p.keyPhase != pns.keyPhase {
		opener, err = pns.keyPhaseOpener(p)
		if err != nil {
			return nil, 0, err
		}
	}
	payload, err := opener.decryptPayload(b[:length], p.packetNumber, p.payloadLen)
	if err != nil {
		return nil, 0, err
	}
	if p.typ == packetTypeOneRTT && p.keyPhase == pns.keyPhase && p.packetNumber < pns.keyPhaseFirstRecv {
		pns.keyPhaseFirstRecv = p.packetNumber
	}
	return payload, length, nil
}

// keyPhaseOpener resolves the opener for a 1-RTT packet whose key phase
// bit differs from the current phase: either a stale packet protected by
// the previous generation, or a peer-initiated key update.
func (pns *packetNumberSpace) keyPhaseOpener(p *packet) (*packetProtection, error) {
	if p.packetNumber < pns.keyPhaseFirstRecv {
		if pns.prevOpener == nil {
			return nil, newError(KeyUpdateError, "keys for previous phase discarded")
		}
		return pns.prevOpener, nil
	}
	// Peer initiated a key update.
	if !pns.keyUpdateConfirmed {
		return nil, newError(KeyUpdateError, "key update before previous update confirmed")
	}
	if err := pns.initiateKeyUpdate(); err != nil {
		return nil, err
	}
	pns.keyPhaseFirstRecv = p.packetNumber
	return &pns.opener, nil
}

func (pns *packetNumberSpace) onCryptoReceived(b []byte, offset uint64) error {
	if offset+uint64(len(b)) > cryptoMaxData {
		return newError(CryptoBufferExceeded, sprint("crypto stream offset ", offset+uint64(len(b))))
	}
	// Push the data to the stream so it can be re-ordered.
	pns.cryptoStream.recv.push(b, offset, false)
	return nil
}

func (pns *packetNumberSpace) isPacketReceived(pn uint64) bool {
	return pns.recvPacketNumbers.contains(pn)
}

func (pns *packetNumberSpace) onPacketReceived(pn uint64, now time.Time) {
	if pns.largestRecvPacketTime.IsZero() || pns.recvPacketNeedAck.largest() < pn {
		pns.largestRecvPacketTime = now
	}
	pns.recvPacketNumbers.push(pn)
	pns.recvPacketNeedAck.push(pn, pn)
	if pn > pns.largestRecvPacketNumber {
		pns.largestRecvPacketNumber = pn
	}
}

func (pns *packetNumberSpace) ready() bool {
	return pns.ackElicited || pns.cryptoStream.send.ready(pns.cryptoStream.flow.maxSend)
}

// https://www.rfc-editor.org/rfc/rfc9000.html#sample-packet-number-decoding
func decodePacketNumber(largest, truncated uint64, length int) uint64 {
	expected := largest + 1
	win := uint64(1) << (uint(length) * 8)
	hwin := win / 2
	// The incoming packet number should be greater than (expected - hwin)
	// and less than or equal to (expected + hwin)
	candidate := (expected & ^(win - 1)) | truncated
	if candidate+hwin <= expected {
		return candidate + win
	}
	if candidate > expected+hwin && candidate > win {
		return candidate - win
	}
	return candidate
}
