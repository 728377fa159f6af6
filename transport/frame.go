package transport

import "fmt"

// https://www.rfc-editor.org/rfc/rfc9000.html#section-19
const (
	frameTypePadding     = 0x00
	frameTypePing        = 0x01
	frameTypeAck         = 0x02
	frameTypeAckECN      = 0x03
	frameTypeResetStream = 0x04
	frameTypeStopSending = 0x05
	frameTypeCrypto      = 0x06
	frameTypeNewToken    = 0x07
	frameTypeStream      = 0x08
	frameTypeStreamEnd   = 0x0f

	frameTypeMaxData            = 0x10
	frameTypeMaxStreamData      = 0x11
	frameTypeMaxStreamsBidi     = 0x12
	frameTypeMaxStreamsUni      = 0x13
	frameTypeDataBlocked        = 0x14
	frameTypeStreamDataBlocked  = 0x15
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17

	frameTypeNewConnectionID    = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge      = 0x1a
	frameTypePathResponse       = 0x1b

	frameTypeConnectionClose  = 0x1c
	frameTypeApplicationClose = 0x1d
	frameTypeHandshakeDone    = 0x1e

	// https://www.rfc-editor.org/rfc/rfc9221.html
	frameTypeDatagram           = 0x30
	frameTypeDatagramWithLength = 0x31
)

const (
	maxCryptoFrameOverhead   = 9  // type + offset + length
	maxStreamFrameOverhead   = 13 // type + id + offset + length
	maxDatagramFrameOverhead = 5  // type + length
	maxAckRanges             = 1024
)

// frame is the unit of payload carried by a packet. Encoding never writes
// past the provided buffer and decoding rejects truncated input.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-12.4
type frame interface {
	encodedLen() int
	encoder
	decoder
}

// skipFrameType consumes the type varint at the start of a frame.
func skipFrameType(dec *codec) bool {
	var typ uint64
	return dec.readVarint(&typ)
}

// PADDING (type 0x00). A run of zero bytes with no semantic value, used
// to bring packets up to a minimum size. Consecutive padding bytes are
// decoded as a single frame.
type paddingFrame struct {
	length int
}

func newPaddingFrame(n int) *paddingFrame {
	return &paddingFrame{length: n}
}

func (f *paddingFrame) encodedLen() int {
	return f.length
}

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = 0
	}
	return f.length, nil
}

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 1
	if len(b) > 0 {
		var typ uint64
		n = getVarint(b, &typ)
		for _, v := range b[n:] {
			if v != 0 {
				break
			}
			n++
		}
	}
	f.length = n
	return n, nil
}

func (f *paddingFrame) String() string {
	return fmt.Sprintf("padding{length=%d}", f.length)
}

// PING (type 0x01). Solicits an acknowledgement from the peer.
type pingFrame struct{}

func (f *pingFrame) encodedLen() int {
	return 1
}

func (f *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePing
	return 1, nil
}

func (f *pingFrame) decode(b []byte) (int, error) {
	n := 1
	if len(b) > 0 {
		var typ uint64
		n = getVarint(b, &typ)
	}
	return n, nil
}

func (f *pingFrame) String() string {
	return "ping{}"
}

// CRYPTO (type 0x06): Offset (i), Length (i), Crypto Data (..).
// Carries the TLS handshake stream.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.6
type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{
		data:   data,
		offset: offset,
	}
}

func (f *cryptoFrame) encodedLen() int {
	return 1 +
		varintLen(f.offset) +
		varintLen(uint64(len(f.data))) +
		len(f.data)
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeCrypto) &&
		enc.writeVarint(f.offset) &&
		enc.writeVarint(uint64(len(f.data))) &&
		enc.write(f.data)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var length uint64
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.offset) &&
		dec.readVarint(&length) &&
		dec.read(&f.data, int(length))
	if !ok {
		return 0, newError(FrameEncodingError, "crypto")
	}
	return dec.offset(), nil
}

func (f *cryptoFrame) String() string {
	return fmt.Sprintf("crypto{offset=%d length=%d}", f.offset, len(f.data))
}

// ackRange is one Gap, ACK Range pair following the first range.
type ackRange struct {
	gap      uint64
	ackRange uint64
}

// ACK (types 0x02 and 0x03): Largest Acknowledged (i), ACK Delay (i),
// ACK Range Count (i), First ACK Range (i), ACK Ranges (..) and, for
// type 0x03, three ECN counts.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.3
type ackFrame struct {
	largestAck    uint64 // Largest packet number acknowledging
	ackDelay      uint64 // Time in microseconds since when the largest acknowledged packet
	firstAckRange uint64 // Number of contiguous packets preceding the largest acknowledged
	ackRanges     []ackRange
	ecnCounts     *ecnCounts
}

type ecnCounts struct {
	ect0Count uint64
	ect1Count uint64
	ceCount   uint64
}

func newAckFrame(ackDelay uint64, r rangeSet) *ackFrame {
	f := &ackFrame{
		ackDelay: ackDelay,
	}
	f.fromRangeSet(r)
	return f
}

func (f *ackFrame) encodedLen() int {
	n := 1 + // type
		varintLen(f.largestAck) +
		varintLen(f.ackDelay) +
		varintLen(uint64(len(f.ackRanges))) +
		varintLen(f.firstAckRange)
	for _, r := range f.ackRanges {
		n += varintLen(r.gap) + varintLen(r.ackRange)
	}
	if f.ecnCounts != nil {
		n += varintLen(f.ecnCounts.ect0Count) + varintLen(f.ecnCounts.ect1Count) + varintLen(f.ecnCounts.ceCount)
	}
	return n
}

func (f *ackFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeAck)
	if f.ecnCounts != nil {
		typ = frameTypeAckECN
	}
	enc := newCodec(b)
	ok := enc.writeVarint(typ) &&
		enc.writeVarint(f.largestAck) &&
		enc.writeVarint(f.ackDelay) &&
		enc.writeVarint(uint64(len(f.ackRanges))) &&
		enc.writeVarint(f.firstAckRange)
	if !ok {
		return 0, errShortBuffer
	}
	for _, r := range f.ackRanges {
		if !enc.writeVarint(r.gap) || !enc.writeVarint(r.ackRange) {
			return 0, errShortBuffer
		}
	}
	if f.ecnCounts != nil {
		ok = enc.writeVarint(f.ecnCounts.ect0Count) &&
			enc.writeVarint(f.ecnCounts.ect1Count) &&
			enc.writeVarint(f.ecnCounts.ceCount)
		if !ok {
			return 0, errShortBuffer
		}
	}
	return enc.offset(), nil
}

func (f *ackFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var typ uint64
	var rangeCount uint64
	ok := dec.readVarint(&typ) &&
		dec.readVarint(&f.largestAck) &&
		dec.readVarint(&f.ackDelay) &&
		dec.readVarint(&rangeCount) &&
		dec.readVarint(&f.firstAckRange)
	if !ok || rangeCount > maxAckRanges {
		return 0, newError(FrameEncodingError, "ack")
	}
	if rangeCount > 0 {
		f.ackRanges = make([]ackRange, int(rangeCount))
		for i := range f.ackRanges {
			r := &f.ackRanges[i]
			if !dec.readVarint(&r.gap) || !dec.readVarint(&r.ackRange) {
				return 0, newError(FrameEncodingError, "ack")
			}
		}
	} else {
		f.ackRanges = nil
	}
	if typ == frameTypeAckECN {
		counts := ecnCounts{}
		ok := dec.readVarint(&counts.ect0Count) &&
			dec.readVarint(&counts.ect1Count) &&
			dec.readVarint(&counts.ceCount)
		if !ok {
			return 0, newError(FrameEncodingError, "ack")
		}
		f.ecnCounts = &counts
	} else {
		f.ecnCounts = nil
	}
	return dec.offset(), nil
}

// toRangeSet expands the gap encoding into ascending ranges of acked
// packet numbers. Each gap is the number of unacked packets between two
// ranges minus one, and each range length is its packet count minus one,
// so walking downwards from largestAck subtracts gap+2 then ackRange.
// It returns nil when a range underflows.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.3.1
func (f *ackFrame) toRangeSet() rangeSet {
	if f.largestAck < f.firstAckRange {
		return nil
	}
	n := len(f.ackRanges)
	ranges := make(rangeSet, n+1)
	smallest := f.largestAck - f.firstAckRange
	ranges[n] = numberRange{start: smallest, end: f.largestAck}
	for i, r := range f.ackRanges {
		if smallest < r.gap+2 {
			return nil
		}
		smallest -= r.gap + 2
		if smallest < r.ackRange {
			return nil
		}
		ranges[n-i-1] = numberRange{start: smallest - r.ackRange, end: smallest}
		smallest -= r.ackRange
	}
	return ranges
}

// fromRangeSet is the inverse of toRangeSet. The last range in the set
// becomes the first ACK range and the rest are emitted highest first.
func (f *ackFrame) fromRangeSet(ranges rangeSet) {
	n := len(ranges)
	if n == 0 {
		return
	}
	r := ranges[n-1]
	f.largestAck = r.end
	f.firstAckRange = r.end - r.start
	if n > 1 {
		f.ackRanges = make([]ackRange, n-1)
		smallest := r.start
		for i := n - 2; i >= 0; i-- {
			r = ranges[i]
			if smallest-1 <= r.end || r.start > r.end {
				panic("invalid range set: " + ranges.String())
			}
			f.ackRanges[n-i-2] = ackRange{
				gap:      smallest - r.end - 2,
				ackRange: r.end - r.start,
			}
			smallest = r.start
		}
	}
}

func (f *ackFrame) String() string {
	return fmt.Sprintf("ack{delay=%d largest=%d first=%d ranges=%d}", f.ackDelay, f.largestAck, f.firstAckRange, len(f.ackRanges))
}

// RESET_STREAM (type 0x04): Stream ID (i), Application Error Code (i),
// Final Size (i). Abruptly terminates the sending part of a stream.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.4
type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(id, code, size uint64) *resetStreamFrame {
	return &resetStreamFrame{
		streamID:  id,
		errorCode: code,
		finalSize: size,
	}
}

func (f *resetStreamFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) +
		varintLen(f.errorCode) +
		varintLen(f.finalSize)
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeResetStream) &&
		enc.writeVarint(f.streamID) &&
		enc.writeVarint(f.errorCode) &&
		enc.writeVarint(f.finalSize)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.streamID) &&
		dec.readVarint(&f.errorCode) &&
		dec.readVarint(&f.finalSize)
	if !ok {
		return 0, newError(FrameEncodingError, "reset_stream")
	}
	return dec.offset(), nil
}

func (f *resetStreamFrame) String() string {
	return fmt.Sprintf("resetStream{id=%d error=%d final=%d}", f.streamID, f.errorCode, f.finalSize)
}

// STOP_SENDING (type 0x05): Stream ID (i), Application Error Code (i).
// Asks the peer to stop transmitting on a stream.
type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(id, code uint64) *stopSendingFrame {
	return &stopSendingFrame{
		streamID:  id,
		errorCode: code,
	}
}

func (f *stopSendingFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeStopSending) &&
		enc.writeVarint(f.streamID) &&
		enc.writeVarint(f.errorCode)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.streamID) &&
		dec.readVarint(&f.errorCode)
	if !ok {
		return 0, newError(FrameEncodingError, "stop_sending")
	}
	return dec.offset(), nil
}

func (f *stopSendingFrame) String() string {
	return fmt.Sprintf("stopSending{id=%d error=%d}", f.streamID, f.errorCode)
}

// STREAM (types 0x08 to 0x0f): Stream ID (i), [Offset (i)], [Length (i)],
// Stream Data (..). The low three type bits flag the FIN, length and
// offset fields.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.8
type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(id uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{
		streamID: id,
		data:     data,
		offset:   offset,
		fin:      fin,
	}
}

func (f *streamFrame) encodedLen() int {
	n := 1 + varintLen(f.streamID) +
		varintLen(uint64(len(f.data))) +
		len(f.data)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	return n
}

func (f *streamFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeStream)
	if f.fin {
		typ |= 0x01
	}
	// Always include length
	typ |= 0x02
	if f.offset > 0 {
		typ |= 0x04
	}
	enc := newCodec(b)
	ok := enc.writeVarint(typ) &&
		enc.writeVarint(f.streamID)
	if !ok {
		return 0, errShortBuffer
	}
	if f.offset > 0 && !enc.writeVarint(f.offset) {
		return 0, errShortBuffer
	}
	ok = enc.writeVarint(uint64(len(f.data))) && enc.write(f.data)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *streamFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var typ uint64
	ok := dec.readVarint(&typ) && dec.readVarint(&f.streamID)
	if !ok {
		return 0, newError(FrameEncodingError, "stream")
	}
	f.fin = typ&0x01 != 0
	hasLength := typ&0x02 != 0
	hasOffset := typ&0x04 != 0
	if hasOffset {
		if !dec.readVarint(&f.offset) {
			return 0, newError(FrameEncodingError, "stream")
		}
	} else {
		f.offset = 0
	}
	if hasLength {
		var length uint64
		ok = dec.readVarint(&length) && dec.read(&f.data, int(length))
		if !ok {
			return 0, newError(FrameEncodingError, "stream")
		}
		return dec.offset(), nil
	}
	// No length field, the data extends to the end of the packet.
	f.data = b[dec.offset():]
	return len(b), nil
}

func (f *streamFrame) String() string {
	return fmt.Sprintf("stream{id=%d offset=%d length=%d fin=%v}", f.streamID, f.offset, len(f.data), f.fin)
}

// MAX_DATA (type 0x10): Maximum Data (i). Raises the connection level
// flow control limit.
type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame {
	return &maxDataFrame{
		maximumData: max,
	}
}

func (f *maxDataFrame) encodedLen() int {
	return 1 + varintLen(f.maximumData)
}

func (f *maxDataFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeMaxData) &&
		enc.writeVarint(f.maximumData)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *maxDataFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.maximumData)
	if !ok {
		return 0, newError(FrameEncodingError, "max_data")
	}
	return dec.offset(), nil
}

func (f *maxDataFrame) String() string {
	return fmt.Sprintf("maxData{maximum=%d}", f.maximumData)
}

// MAX_STREAM_DATA (type 0x11): Stream ID (i), Maximum Stream Data (i).
// Raises the flow control limit of one stream.
type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(id, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{
		streamID:    id,
		maximumData: max,
	}
}

func (f *maxStreamDataFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeMaxStreamData) &&
		enc.writeVarint(f.streamID) &&
		enc.writeVarint(f.maximumData)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.streamID) &&
		dec.readVarint(&f.maximumData)
	if !ok {
		return 0, newError(FrameEncodingError, "max_stream_data")
	}
	return dec.offset(), nil
}

func (f *maxStreamDataFrame) String() string {
	return fmt.Sprintf("maxStreamData{id=%d maximum=%d}", f.streamID, f.maximumData)
}

// MAX_STREAMS (types 0x12 and 0x13): Maximum Streams (i). Raises the
// cumulative count of streams the peer may open, per stream type.
type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{
		maximumStreams: max,
		bidi:           bidi,
	}
}

func (f *maxStreamsFrame) encodedLen() int {
	return 1 + varintLen(f.maximumStreams)
}

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeMaxStreamsUni)
	if f.bidi {
		typ = frameTypeMaxStreamsBidi
	}
	enc := newCodec(b)
	ok := enc.writeVarint(typ) &&
		enc.writeVarint(f.maximumStreams)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var typ uint64
	ok := dec.readVarint(&typ) &&
		dec.readVarint(&f.maximumStreams)
	if !ok {
		return 0, newError(FrameEncodingError, "max_streams")
	}
	f.bidi = typ == frameTypeMaxStreamsBidi
	return dec.offset(), nil
}

func (f *maxStreamsFrame) String() string {
	return fmt.Sprintf("maxStreams{maximum=%d}", f.maximumStreams)
}

// DATA_BLOCKED (type 0x14): Maximum Data (i). Reports that the sender
// has data to send but is blocked by the connection flow control limit.
type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame {
	return &dataBlockedFrame{
		dataLimit: limit,
	}
}

func (f *dataBlockedFrame) encodedLen() int {
	return 1 + varintLen(f.dataLimit)
}

func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeDataBlocked) &&
		enc.writeVarint(f.dataLimit)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.dataLimit)
	if !ok {
		return 0, newError(FrameEncodingError, "data_blocked")
	}
	return dec.offset(), nil
}

func (f *dataBlockedFrame) String() string {
	return fmt.Sprintf("dataBlocked{limit=%d}", f.dataLimit)
}

// STREAM_DATA_BLOCKED (type 0x15): Stream ID (i), Maximum Stream Data (i).
// The per stream version of DATA_BLOCKED.
type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(id, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{
		streamID:  id,
		dataLimit: limit,
	}
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return 1 + varintLen(f.streamID) + varintLen(f.dataLimit)
}

func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeStreamDataBlocked) &&
		enc.writeVarint(f.streamID) &&
		enc.writeVarint(f.dataLimit)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.streamID) &&
		dec.readVarint(&f.dataLimit)
	if !ok {
		return 0, newError(FrameEncodingError, "stream_data_blocked")
	}
	return dec.offset(), nil
}

func (f *streamDataBlockedFrame) String() string {
	return fmt.Sprintf("streamDataBlocked{id=%d limit=%d}", f.streamID, f.dataLimit)
}

// STREAMS_BLOCKED (types 0x16 and 0x17): Maximum Streams (i). Reports
// that the sender wants to open a stream beyond its current limit.
type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{
		streamLimit: limit,
		bidi:        bidi,
	}
}

func (f *streamsBlockedFrame) encodedLen() int {
	return 1 + varintLen(f.streamLimit)
}

func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeStreamsBlockedUni)
	if f.bidi {
		typ = frameTypeStreamsBlockedBidi
	}
	enc := newCodec(b)
	ok := enc.writeVarint(typ) &&
		enc.writeVarint(f.streamLimit)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var typ uint64
	ok := dec.readVarint(&typ) &&
		dec.readVarint(&f.streamLimit)
	if !ok {
		return 0, newError(FrameEncodingError, "streams_blocked")
	}
	f.bidi = typ == frameTypeStreamsBlockedBidi
	return dec.offset(), nil
}

func (f *streamsBlockedFrame) String() string {
	return fmt.Sprintf("streamsBlocked{limit=%d}", f.streamLimit)
}

// NEW_CONNECTION_ID (type 0x18): Sequence Number (i), Retire Prior To (i),
// Length (8), Connection ID (8..160), Stateless Reset Token (128).
// Provides the peer with an alternative connection ID for migration.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.15
type newConnectionIDFrame struct {
	sequenceNumber      uint64
	retirePriorTo       uint64
	connectionID        []byte
	statelessResetToken []byte
}

func (f *newConnectionIDFrame) encodedLen() int {
	return 1 + varintLen(f.sequenceNumber) + varintLen(f.retirePriorTo) + 1 + len(f.connectionID) + len(f.statelessResetToken)
}

func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	if len(f.connectionID) < 1 || len(f.connectionID) > MaxCIDLength || len(f.statelessResetToken) != 16 {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeNewConnectionID) &&
		enc.writeVarint(f.sequenceNumber) &&
		enc.writeVarint(f.retirePriorTo) &&
		enc.writeByte(uint8(len(f.connectionID))) &&
		enc.write(f.connectionID) &&
		enc.write(f.statelessResetToken)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var cil uint8
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.sequenceNumber) &&
		dec.readVarint(&f.retirePriorTo) &&
		dec.readByte(&cil) &&
		dec.read(&f.connectionID, int(cil)) &&
		dec.read(&f.statelessResetToken, 16)
	if !ok || cil < 1 || cil > MaxCIDLength {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	return dec.offset(), nil
}

func (f *newConnectionIDFrame) String() string {
	return fmt.Sprintf("newConnectionID{sequence=%d retire=%d cid=%x token=%x}",
		f.sequenceNumber, f.retirePriorTo, f.connectionID, f.statelessResetToken)
}

// RETIRE_CONNECTION_ID (type 0x19): Sequence Number (i). Tells the peer
// a connection ID it issued will no longer be used.
type retireConnectionIDFrame struct {
	sequenceNumber uint64
}

func (f *retireConnectionIDFrame) encodedLen() int {
	return 1 + varintLen(f.sequenceNumber)
}

func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeRetireConnectionID) &&
		enc.writeVarint(f.sequenceNumber)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *retireConnectionIDFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.readVarint(&f.sequenceNumber)
	if !ok {
		return 0, newError(FrameEncodingError, "retire_connection_id")
	}
	return dec.offset(), nil
}

func (f *retireConnectionIDFrame) String() string {
	return fmt.Sprintf("retireConnectionID{sequence=%d}", f.sequenceNumber)
}

// PATH_CHALLENGE (type 0x1a): Data (64). Probes reachability of the
// peer address during path validation.
type pathChallengeFrame struct {
	data []byte
}

func (f *pathChallengeFrame) encodedLen() int {
	return 1 + len(f.data)
}

func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	if len(f.data) != 8 {
		return 0, newError(FrameEncodingError, "path_challenge")
	}
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypePathChallenge) &&
		enc.write(f.data)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.read(&f.data, 8)
	if !ok {
		return 0, newError(FrameEncodingError, "path_challenge")
	}
	return dec.offset(), nil
}

func (f *pathChallengeFrame) String() string {
	return fmt.Sprintf("pathChallenge{data=%x}", f.data)
}

// PATH_RESPONSE (type 0x1b): Data (64). Echoes the data of a received
// PATH_CHALLENGE.
type pathResponseFrame struct {
	data []byte
}

func newPathResponseFrame(data []byte) *pathResponseFrame {
	return &pathResponseFrame{
		data: data,
	}
}

func (f *pathResponseFrame) encodedLen() int {
	return 1 + len(f.data)
}

func (f *pathResponseFrame) encode(b []byte) (int, error) {
	if len(f.data) != 8 {
		return 0, newError(FrameEncodingError, "path_response")
	}
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypePathResponse) &&
		enc.write(f.data)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *pathResponseFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	ok := skipFrameType(&dec) &&
		dec.read(&f.data, 8)
	if !ok {
		return 0, newError(FrameEncodingError, "path_response")
	}
	return dec.offset(), nil
}

func (f *pathResponseFrame) String() string {
	return fmt.Sprintf("pathResponse{data=%x}", f.data)
}

// CONNECTION_CLOSE (types 0x1c and 0x1d): Error Code (i),
// [Frame Type (i)], Reason Phrase Length (i), Reason Phrase (..).
// Type 0x1d signals an application error and omits the frame type field.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.19
type connectionCloseFrame struct {
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
	application  bool
}

func newConnectionCloseFrame(code, frame uint64, reason []byte, app bool) *connectionCloseFrame {
	return &connectionCloseFrame{
		errorCode:    code,
		frameType:    frame,
		reasonPhrase: reason,
		application:  app,
	}
}

func (f *connectionCloseFrame) encodedLen() int {
	n := 1 +
		varintLen(f.errorCode) +
		varintLen(uint64(len(f.reasonPhrase))) +
		len(f.reasonPhrase)
	if !f.application {
		n += varintLen(f.frameType)
	}
	return n
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	var ok bool
	if f.application {
		ok = enc.writeVarint(frameTypeApplicationClose) &&
			enc.writeVarint(f.errorCode) &&
			enc.writeVarint(uint64(len(f.reasonPhrase))) &&
			enc.write(f.reasonPhrase)
	} else {
		ok = enc.writeVarint(frameTypeConnectionClose) &&
			enc.writeVarint(f.errorCode) &&
			enc.writeVarint(f.frameType) &&
			enc.writeVarint(uint64(len(f.reasonPhrase))) &&
			enc.write(f.reasonPhrase)
	}
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var typ uint64
	ok := dec.readVarint(&typ) && dec.readVarint(&f.errorCode)
	if !ok {
		return 0, newError(FrameEncodingError, "connection_close")
	}
	if typ == frameTypeConnectionClose {
		if !dec.readVarint(&f.frameType) {
			return 0, newError(FrameEncodingError, "connection_close")
		}
	} else {
		f.application = true
	}
	var length uint64
	ok = dec.readVarint(&length) &&
		dec.read(&f.reasonPhrase, int(length))
	if !ok {
		return 0, newError(FrameEncodingError, "connection_close")
	}
	return dec.offset(), nil
}

func (f *connectionCloseFrame) String() string {
	return fmt.Sprintf("close{error=%d frame=%d reason=%s}", f.errorCode, f.frameType, f.reasonPhrase)
}

// NEW_TOKEN (type 0x07): Token Length (i), Token (..). Supplies the
// client with a token for future Initial packets.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.7
type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{
		token: token,
	}
}

func (f *newTokenFrame) encodedLen() int {
	return 1 + varintLen(uint64(len(f.token))) + len(f.token)
}

func (f *newTokenFrame) encode(b []byte) (int, error) {
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeNewToken) &&
		enc.writeVarint(uint64(len(f.token))) &&
		enc.write(f.token)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var length uint64
	ok := skipFrameType(&dec) &&
		dec.readVarint(&length) &&
		dec.read(&f.token, int(length))
	if !ok || length == 0 {
		return 0, newError(FrameEncodingError, "new_token")
	}
	return dec.offset(), nil
}

func (f *newTokenFrame) String() string {
	return fmt.Sprintf("newToken{token=%x}", f.token)
}

// HANDSHAKE_DONE (type 0x1e). Sent by the server to signal handshake
// confirmation to the client.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-19.20
type handshakeDoneFrame struct {
}

func (f *handshakeDoneFrame) encodedLen() int {
	return 1
}

func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypeHandshakeDone
	return 1, nil
}

func (f *handshakeDoneFrame) decode(b []byte) (int, error) {
	n := 1
	if len(b) > 0 {
		var typ uint64
		n = getVarint(b, &typ)
	}
	return n, nil
}

func (f *handshakeDoneFrame) String() string {
	return "handshakeDone{}"
}

// DATAGRAM (types 0x30 and 0x31): [Length (i)], Datagram Data (..).
// Carries application data outside of any stream, with no retransmission.
// https://www.rfc-editor.org/rfc/rfc9221.html
type datagramFrame struct {
	data []byte
}

func newDatagramFrame(data []byte) *datagramFrame {
	return &datagramFrame{
		data: data,
	}
}

func (f *datagramFrame) encodedLen() int {
	return 1 + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *datagramFrame) encode(b []byte) (int, error) {
	// Always include length
	enc := newCodec(b)
	ok := enc.writeVarint(frameTypeDatagramWithLength) &&
		enc.writeVarint(uint64(len(f.data))) &&
		enc.write(f.data)
	if !ok {
		return 0, errShortBuffer
	}
	return enc.offset(), nil
}

func (f *datagramFrame) decode(b []byte) (int, error) {
	dec := newCodec(b)
	var typ uint64
	if !dec.readVarint(&typ) {
		return 0, newError(FrameEncodingError, "datagram")
	}
	if typ == frameTypeDatagramWithLength {
		var length uint64
		ok := dec.readVarint(&length) &&
			dec.read(&f.data, int(length))
		if !ok {
			return 0, newError(FrameEncodingError, "datagram")
		}
		return dec.offset(), nil
	}
	f.data = b[dec.offset():]
	return len(b), nil
}

func (f *datagramFrame) String() string {
	return fmt.Sprintf("datagram{data=%x}", f.data)
}

func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		i, err := f.encode(b[n:])
		if err != nil {
			return 0, fmt.Errorf("encode frame %s: %v", f, err)
		}
		n += i
	}
	return n, nil
}

func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypeAck, frameTypePadding, frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// Initial and Handshake packets may only carry frames needed to perform
// the handshake or tear the connection down.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-12.4
func isFrameAllowedInPacket(typ uint64, pktType packetType) bool {
	switch pktType {
	case packetTypeInitial, packetTypeHandshake:
		return typ == frameTypePadding || typ == frameTypePing || typ == frameTypeAck ||
			typ == frameTypeCrypto || typ == frameTypeConnectionClose
	case packetTypeOneRTT:
		return true
	default:
		return false
	}
}
