// Package h3 implements the HTTP/3 layer on top of a QUIC transport
// connection, including QPACK header compression and server push.
// https://www.rfc-editor.org/rfc/rfc9114.html
package h3

import (
	"bytes"
	"io"

	"github.com/marten-seemann/qpack"
	"github.com/plumeq/plume/transport"
)

const (
	// Frames on the control stream are buffered whole before dispatch.
	maxControlFrameSize = 65536
	// Largest header block accepted when the local settings do not
	// advertise a limit.
	defaultMaxFieldSectionSize = 1 << 20
)

// Header is a name-value pair of an HTTP field section. Pseudo headers
// (":method", ":path", ...) come first and use lowercase names.
type Header struct {
	Name  string
	Value string
}

type streamState struct {
	id     uint64
	uni    bool
	stream *transport.Stream

	// Stream type of a peer unidirectional stream, read from its first
	// varint.
	typ      uint64
	typKnown bool
	drain    bool // unknown stream type, discard everything

	pushID      uint64
	pushIDKnown bool

	buf []byte // received, not yet parsed
	fin bool   // peer finished the stream
	end bool   // terminal, no further events

	inFrame      bool
	frameType    uint64
	framePayload uint64 // remaining payload bytes of the current frame
	headerBlock  []byte

	settingsReceived bool // control stream only
	headersReceived  bool
	trailersReceived bool

	// Header block parked until the peer's encoder stream provides
	// enough insertions.
	blocked         bool
	requiredInserts uint64

	sendBuf []byte
	sendFin bool
	finSent bool
}

// Conn is an HTTP/3 connection. It is driven by the owner of the
// underlying transport connection: every transport event is handed to
// HandleEvent, which returns the HTTP/3 events it produced.
//
// Conn is not safe for concurrent use, matching transport.Conn.
type Conn struct {
	conn     *transport.Conn
	isClient bool

	localSettings        Settings
	peerSettings         Settings
	peerSettingsReceived bool

	streams map[uint64]*streamState
	started bool

	control *streamState // local control stream

	peerControl *streamState
	peerEncoder *streamState
	peerDecoder *streamState

	decoder      *qpack.Decoder
	peerInserts  uint64 // insertions seen on the peer's encoder stream
	blockedCount int

	nextRequestID uint64
	nextUniID     uint64

	// Client: the limit advertised via MAX_PUSH_ID. Server: the limit
	// received from the client.
	maxPushID    uint64
	hasMaxPushID bool
	nextPushID   uint64

	goawayReceived bool
	goawayID       uint64

	events  []Event
	readBuf [4096]byte
}

// Client creates an HTTP/3 connection over the client side transport
// connection created by transport.Connect.
func Client(conn *transport.Conn, settings Settings) *Conn {
	return newConn(conn, settings, true)
}

// Server creates an HTTP/3 connection over the server side transport
// connection created by transport.Accept.
func Server(conn *transport.Conn, settings Settings) *Conn {
	return newConn(conn, settings, false)
}

func newConn(conn *transport.Conn, settings Settings, isClient bool) *Conn {
	s := &Conn{
		conn:          conn,
		isClient:      isClient,
		localSettings: settings,
		streams:       make(map[uint64]*streamState),
		decoder:       qpack.NewDecoder(func(qpack.HeaderField) {}),
	}
	if isClient {
		s.nextRequestID = 0
		s.nextUniID = 2
	} else {
		s.nextRequestID = 1
		s.nextUniID = 3
	}
	return s
}

// HandleEvent processes one transport event and returns HTTP/3 events
// produced by it. The returned slice and any data it references are only
// valid until the next call.
func (s *Conn) HandleEvent(e transport.Event) ([]Event, error) {
	s.events = s.events[:0]
	var err error
	switch e.Type {
	case transport.EventConnOpen:
		err = s.start()
	case transport.EventStreamOpen:
		err = s.streamOpened(e.ID, e.Data == 1)
	case transport.EventStreamReadable:
		if st := s.streams[e.ID]; st != nil && !st.end {
			err = s.pollStream(st)
		}
	case transport.EventStreamWritable:
		if st := s.streams[e.ID]; st != nil {
			err = s.flushStream(st)
		}
	case transport.EventStreamReset:
		err = s.streamReset(e.ID, e.Data)
	case transport.EventStreamClosed:
		delete(s.streams, e.ID)
	}
	if err != nil {
		if err, ok := err.(*Error); ok {
			s.conn.Close(true, err.Code, err.Message)
		}
		return s.events, err
	}
	return s.events, nil
}

// Events returns pending events without processing a transport event.
func (s *Conn) Events() []Event {
	return s.events
}

// PeerSettings returns the settings announced on the peer's control
// stream, once they arrived.
func (s *Conn) PeerSettings() (Settings, bool) {
	return s.peerSettings, s.peerSettingsReceived
}

// Close closes the underlying connection with an HTTP/3 error code.
func (s *Conn) Close(code uint64, reason string) {
	s.conn.Close(true, code, reason)
}

// start opens the local control and QPACK streams once the transport
// handshake completed, and announces settings.
func (s *Conn) start() error {
	if s.started {
		return nil
	}
	s.started = true
	control, err := s.openUniStream(streamTypeControl)
	if err != nil {
		return err
	}
	s.control = control
	control.sendBuf = s.localSettings.encode(control.sendBuf)
	if err := s.flushStream(control); err != nil {
		return err
	}
	if s.isClient && s.hasMaxPushID {
		// Requested before the handshake completed.
		if err := s.sendControlFrame(frameTypeMaxPushID, s.maxPushID); err != nil {
			return err
		}
	}
	// The dynamic table stays empty, so both QPACK streams carry only
	// their type.
	if _, err := s.openUniStream(streamTypeQPACKEncoder); err != nil {
		return err
	}
	if _, err := s.openUniStream(streamTypeQPACKDecoder); err != nil {
		return err
	}
	return nil
}

func (s *Conn) openUniStream(typ uint64) (*streamState, error) {
	id := s.nextUniID
	s.nextUniID += 4
	stream, err := s.conn.Stream(id)
	if err != nil {
		return nil, newError(InternalError, "open stream %d: %v", id, err)
	}
	st := &streamState{
		id:       id,
		uni:      true,
		stream:   stream,
		typ:      typ,
		typKnown: true,
	}
	s.streams[id] = st
	st.sendBuf = appendVarint(st.sendBuf, typ)
	return st, s.flushStream(st)
}

// NewRequest opens a new request stream and returns its ID. Headers and
// body are sent with WriteHeaders and WriteData.
func (s *Conn) NewRequest() (uint64, error) {
	if !s.isClient {
		return 0, newError(StreamCreationError, "server cannot open request streams")
	}
	if s.goawayReceived && s.nextRequestID >= s.goawayID {
		return 0, newError(RequestRejected, "connection is shutting down")
	}
	id := s.nextRequestID
	stream, err := s.conn.Stream(id)
	if err != nil {
		return 0, newError(InternalError, "open stream %d: %v", id, err)
	}
	s.nextRequestID += 4
	s.streams[id] = &streamState{id: id, stream: stream}
	return id, nil
}

// WriteHeaders encodes a header block and sends it in a HEADERS frame.
// With fin set, the stream is finished after the block.
func (s *Conn) WriteHeaders(streamID uint64, headers []Header, fin bool) error {
	st := s.streams[streamID]
	if st == nil {
		return newError(InternalError, "unknown stream %d", streamID)
	}
	block, err := encodeHeaders(headers)
	if err != nil {
		return err
	}
	st.sendBuf = appendFrameHeader(st.sendBuf, frameTypeHeaders, uint64(len(block)))
	st.sendBuf = append(st.sendBuf, block...)
	if fin {
		st.sendFin = true
	}
	return s.flushStream(st)
}

// WriteData sends stream payload in a DATA frame. The data is queued in
// full; delivery is subject to transport flow control.
func (s *Conn) WriteData(streamID uint64, b []byte, fin bool) (int, error) {
	st := s.streams[streamID]
	if st == nil {
		return 0, newError(InternalError, "unknown stream %d", streamID)
	}
	if len(b) > 0 {
		st.sendBuf = appendFrameHeader(st.sendBuf, frameTypeData, uint64(len(b)))
		st.sendBuf = append(st.sendBuf, b...)
	}
	if fin {
		st.sendFin = true
	}
	if err := s.flushStream(st); err != nil {
		return 0, err
	}
	return len(b), nil
}

// StreamBlocked reports whether the stream still has queued data waiting
// for transport flow control credit. Senders producing large bodies can
// use it to pace WriteData against the stream writable events.
func (s *Conn) StreamBlocked(streamID uint64) bool {
	st := s.streams[streamID]
	return st != nil && len(st.sendBuf) > 0
}

// SetMaxPushID advertises the largest push ID the server may use. Only
// clients send MAX_PUSH_ID; the value must not shrink.
func (s *Conn) SetMaxPushID(id uint64) error {
	if !s.isClient {
		return newError(FrameUnexpected, "server cannot send max_push_id")
	}
	if s.hasMaxPushID && id < s.maxPushID {
		return newError(IDError, "max_push_id cannot shrink")
	}
	s.maxPushID = id
	s.hasMaxPushID = true
	if s.control == nil {
		// Sent by start() has not run yet; MAX_PUSH_ID follows SETTINGS
		// once the control stream exists.
		return nil
	}
	return s.sendControlFrame(frameTypeMaxPushID, id)
}

// PushPromise sends a PUSH_PROMISE frame on a request stream and
// reserves a push ID for it.
func (s *Conn) PushPromise(streamID uint64, headers []Header) (uint64, error) {
	if s.isClient {
		return 0, newError(FrameUnexpected, "client cannot push")
	}
	st := s.streams[streamID]
	if st == nil || st.uni {
		return 0, newError(InternalError, "unknown request stream %d", streamID)
	}
	if !s.hasMaxPushID || s.nextPushID > s.maxPushID {
		return 0, newError(IDError, "push id limit reached")
	}
	pushID := s.nextPushID
	s.nextPushID++
	block, err := encodeHeaders(headers)
	if err != nil {
		return 0, err
	}
	st.sendBuf = appendFrameHeader(st.sendBuf, frameTypePushPromise,
		uint64(varintLen(pushID)+len(block)))
	st.sendBuf = appendVarint(st.sendBuf, pushID)
	st.sendBuf = append(st.sendBuf, block...)
	return pushID, s.flushStream(st)
}

// PushStream opens the unidirectional stream delivering a promised
// response and returns its stream ID.
func (s *Conn) PushStream(pushID uint64) (uint64, error) {
	if s.isClient {
		return 0, newError(StreamCreationError, "client cannot open push streams")
	}
	if pushID >= s.nextPushID {
		return 0, newError(IDError, "push id %d was not promised", pushID)
	}
	st, err := s.openUniStream(streamTypePush)
	if err != nil {
		return 0, err
	}
	st.sendBuf = appendVarint(st.sendBuf, pushID)
	return st.id, s.flushStream(st)
}

// CancelPush tells the peer a promised push will not be delivered, or
// from a client, that it is not wanted.
func (s *Conn) CancelPush(pushID uint64) error {
	if !s.isClient && pushID >= s.nextPushID {
		return newError(IDError, "push id %d was not promised", pushID)
	}
	return s.sendControlFrame(frameTypeCancelPush, pushID)
}

// Goaway starts graceful shutdown. A server sends the lowest client
// request stream ID that will not be processed, a client a push ID.
func (s *Conn) Goaway(id uint64) error {
	return s.sendControlFrame(frameTypeGoaway, id)
}

func (s *Conn) sendControlFrame(typ, value uint64) error {
	if s.control == nil {
		return newError(InternalError, "control stream not open")
	}
	s.control.sendBuf = appendFrameHeader(s.control.sendBuf, typ, uint64(varintLen(value)))
	s.control.sendBuf = appendVarint(s.control.sendBuf, value)
	return s.flushStream(s.control)
}

func (s *Conn) flushStream(st *streamState) error {
	for len(st.sendBuf) > 0 {
		n, err := st.stream.Write(st.sendBuf)
		if err != nil {
			return newError(InternalError, "stream %d: %v", st.id, err)
		}
		if n == 0 {
			// Out of flow control credit, resumed on the writable event.
			return nil
		}
		st.sendBuf = st.sendBuf[n:]
	}
	st.sendBuf = nil
	if st.sendFin && !st.finSent {
		st.finSent = true
		if err := st.stream.Close(); err != nil {
			return newError(InternalError, "stream %d: %v", st.id, err)
		}
	}
	return nil
}

func (s *Conn) streamOpened(id uint64, bidi bool) error {
	if bidi {
		if s.isClient {
			return newError(StreamCreationError, "server-initiated bidirectional stream %d", id)
		}
		stream, err := s.conn.Stream(id)
		if err != nil {
			return newError(InternalError, "stream %d: %v", id, err)
		}
		s.streams[id] = &streamState{id: id, stream: stream}
		return nil
	}
	stream, err := s.conn.Stream(id)
	if err != nil {
		return newError(InternalError, "stream %d: %v", id, err)
	}
	s.streams[id] = &streamState{id: id, uni: true, stream: stream}
	return nil
}

func (s *Conn) streamReset(id, errorCode uint64) error {
	st := s.streams[id]
	if st == nil {
		return nil
	}
	if st == s.peerControl || st == s.peerEncoder || st == s.peerDecoder {
		return newError(ClosedCriticalStream, "stream %d reset", id)
	}
	st.end = true
	st.buf = nil
	s.events = append(s.events, ResetEvent{StreamID: id, ErrorCode: errorCode})
	return nil
}

func (s *Conn) pollStream(st *streamState) error {
	for {
		n, err := st.stream.Read(s.readBuf[:])
		if n > 0 {
			st.buf = append(st.buf, s.readBuf[:n]...)
		}
		if err == io.EOF {
			st.fin = true
			break
		}
		if err != nil || n == 0 {
			break
		}
	}
	return s.parseStream(st)
}

func (s *Conn) parseStream(st *streamState) error {
	if st.blocked || st.end {
		return nil
	}
	if st.uni && !st.typKnown {
		typ, n := consumeVarint(st.buf)
		if n == 0 {
			return s.checkStreamEnd(st)
		}
		st.buf = st.buf[n:]
		st.typKnown = true
		st.typ = typ
		if err := s.dispatchUniStream(st); err != nil {
			return err
		}
	}
	if st.drain {
		st.buf = st.buf[:0]
		if st.fin {
			st.end = true
		}
		return nil
	}
	if st.uni {
		switch st {
		case s.peerControl:
			return s.parseControlFrames(st)
		case s.peerEncoder:
			return s.parseEncoderInstructions(st)
		case s.peerDecoder:
			return s.parseDecoderInstructions(st)
		}
		if st.typ == streamTypePush {
			if !st.pushIDKnown {
				pushID, n := consumeVarint(st.buf)
				if n == 0 {
					return s.checkStreamEnd(st)
				}
				st.buf = st.buf[n:]
				if pushID > s.maxPushID || !s.hasMaxPushID {
					return newError(IDError, "push id %d exceeds limit", pushID)
				}
				st.pushID = pushID
				st.pushIDKnown = true
			}
			return s.parseMessageFrames(st)
		}
		return nil
	}
	return s.parseMessageFrames(st)
}

func (s *Conn) dispatchUniStream(st *streamState) error {
	switch st.typ {
	case streamTypeControl:
		if s.peerControl != nil {
			return newError(StreamCreationError, "duplicate control stream")
		}
		s.peerControl = st
	case streamTypeQPACKEncoder:
		if s.peerEncoder != nil {
			return newError(StreamCreationError, "duplicate qpack encoder stream")
		}
		s.peerEncoder = st
	case streamTypeQPACKDecoder:
		if s.peerDecoder != nil {
			return newError(StreamCreationError, "duplicate qpack decoder stream")
		}
		s.peerDecoder = st
	case streamTypePush:
		if !s.isClient {
			return newError(StreamCreationError, "push stream from client")
		}
	default:
		// Unknown and greased stream types are discarded.
		st.drain = true
		st.stream.Stop(StreamCreationError)
	}
	return nil
}

// checkStreamEnd validates the stream did not finish in the middle of a
// frame or type prefix, and emits DoneEvent on a clean end.
func (s *Conn) checkStreamEnd(st *streamState) error {
	if !st.fin || st.end {
		return nil
	}
	if st == s.peerControl || st == s.peerEncoder || st == s.peerDecoder {
		return newError(ClosedCriticalStream, "stream %d closed", st.id)
	}
	if st.inFrame || len(st.buf) > 0 {
		return newError(FrameError, "stream %d: truncated frame", st.id)
	}
	st.end = true
	if !st.uni || st.typ == streamTypePush {
		s.events = append(s.events, DoneEvent{StreamID: st.id})
	}
	return nil
}

func (s *Conn) parseControlFrames(st *streamState) error {
	for {
		if !st.inFrame {
			typ, n1 := consumeVarint(st.buf)
			if n1 == 0 {
				return s.checkStreamEnd(st)
			}
			length, n2 := consumeVarint(st.buf[n1:])
			if n2 == 0 {
				return s.checkStreamEnd(st)
			}
			if length > maxControlFrameSize {
				return newError(ExcessiveLoad, "control frame of %d bytes", length)
			}
			if err := s.checkControlFrameType(st, typ); err != nil {
				return err
			}
			st.buf = st.buf[n1+n2:]
			st.inFrame = true
			st.frameType = typ
			st.framePayload = length
		}
		if uint64(len(st.buf)) < st.framePayload {
			return s.checkStreamEnd(st)
		}
		payload := st.buf[:st.framePayload]
		st.buf = st.buf[st.framePayload:]
		st.inFrame = false
		if err := s.handleControlFrame(st, st.frameType, payload); err != nil {
			return err
		}
	}
}

func (s *Conn) checkControlFrameType(st *streamState, typ uint64) error {
	if !st.settingsReceived && typ != frameTypeSettings {
		return newError(MissingSettings, "first frame 0x%x is not settings", typ)
	}
	switch typ {
	case frameTypeData, frameTypeHeaders, frameTypePushPromise:
		return newError(FrameUnexpected, "frame 0x%x on control stream", typ)
	case frameTypeSettings:
		if st.settingsReceived {
			return newError(FrameUnexpected, "second settings frame")
		}
	case frameTypeMaxPushID:
		if s.isClient {
			return newError(FrameUnexpected, "max_push_id from server")
		}
	}
	if isReservedFrameType(typ) {
		return newError(FrameUnexpected, "reserved frame 0x%x", typ)
	}
	return nil
}

func (s *Conn) handleControlFrame(st *streamState, typ uint64, payload []byte) error {
	switch typ {
	case frameTypeSettings:
		st.settingsReceived = true
		if err := s.peerSettings.decode(payload); err != nil {
			return err
		}
		s.peerSettingsReceived = true
	case frameTypeGoaway:
		id, n := consumeVarint(payload)
		if n == 0 || n != len(payload) {
			return newError(FrameError, "malformed goaway")
		}
		if s.isClient && id&0x3 != 0 {
			return newError(IDError, "goaway id %d is not a request stream", id)
		}
		if s.goawayReceived && id > s.goawayID {
			return newError(IDError, "goaway id cannot grow")
		}
		s.goawayReceived = true
		s.goawayID = id
		s.events = append(s.events, GoawayEvent{ID: id})
	case frameTypeMaxPushID:
		id, n := consumeVarint(payload)
		if n == 0 || n != len(payload) {
			return newError(FrameError, "malformed max_push_id")
		}
		if s.hasMaxPushID && id < s.maxPushID {
			return newError(IDError, "max_push_id cannot shrink")
		}
		s.maxPushID = id
		s.hasMaxPushID = true
	case frameTypeCancelPush:
		id, n := consumeVarint(payload)
		if n == 0 || n != len(payload) {
			return newError(FrameError, "malformed cancel_push")
		}
		if s.isClient {
			if !s.hasMaxPushID || id > s.maxPushID {
				return newError(IDError, "cancel_push id %d exceeds limit", id)
			}
		} else if id >= s.nextPushID {
			return newError(IDError, "cancel_push id %d was not promised", id)
		}
		s.events = append(s.events, CancelPushEvent{PushID: id})
	}
	return nil
}

func (s *Conn) parseMessageFrames(st *streamState) error {
	for {
		if st.blocked {
			return nil
		}
		if !st.inFrame {
			typ, n1 := consumeVarint(st.buf)
			if n1 == 0 {
				return s.checkStreamEnd(st)
			}
			length, n2 := consumeVarint(st.buf[n1:])
			if n2 == 0 {
				return s.checkStreamEnd(st)
			}
			if err := s.checkMessageFrameType(st, typ); err != nil {
				return err
			}
			if typ == frameTypeHeaders || typ == frameTypePushPromise {
				max := s.localSettings.MaxFieldSectionSize
				if max == 0 {
					max = defaultMaxFieldSectionSize
				}
				if length > max {
					return newError(ExcessiveLoad, "field section of %d bytes", length)
				}
			}
			st.buf = st.buf[n1+n2:]
			st.inFrame = true
			st.frameType = typ
			st.framePayload = length
		}
		switch st.frameType {
		case frameTypeData:
			if st.framePayload > 0 {
				chunk := st.framePayload
				if uint64(len(st.buf)) < chunk {
					chunk = uint64(len(st.buf))
				}
				if chunk == 0 {
					return s.checkStreamEnd(st)
				}
				data := st.buf[:chunk]
				st.buf = st.buf[chunk:]
				st.framePayload -= chunk
				fin := st.framePayload == 0 && st.fin && len(st.buf) == 0
				s.events = append(s.events, DataEvent{StreamID: st.id, Data: data, Fin: fin})
			}
			if st.framePayload > 0 {
				return s.checkStreamEnd(st)
			}
			st.inFrame = false
		case frameTypeHeaders, frameTypePushPromise:
			if uint64(len(st.buf)) < st.framePayload {
				return s.checkStreamEnd(st)
			}
			payload := st.buf[:st.framePayload]
			st.buf = st.buf[st.framePayload:]
			st.inFrame = false
			if err := s.handleHeaderBlock(st, st.frameType, payload); err != nil {
				return err
			}
		default:
			// Unknown frame types are skipped.
			chunk := st.framePayload
			if uint64(len(st.buf)) < chunk {
				chunk = uint64(len(st.buf))
			}
			st.buf = st.buf[chunk:]
			st.framePayload -= chunk
			if st.framePayload > 0 {
				return s.checkStreamEnd(st)
			}
			st.inFrame = false
		}
	}
}

func (s *Conn) checkMessageFrameType(st *streamState, typ uint64) error {
	if isReservedFrameType(typ) {
		return newError(FrameUnexpected, "reserved frame 0x%x", typ)
	}
	switch typ {
	case frameTypeSettings, frameTypeGoaway, frameTypeMaxPushID, frameTypeCancelPush:
		return newError(FrameUnexpected, "frame 0x%x on message stream", typ)
	case frameTypeData:
		if !st.headersReceived {
			return newError(FrameUnexpected, "data before headers on stream %d", st.id)
		}
		if st.trailersReceived {
			return newError(FrameUnexpected, "data after trailers on stream %d", st.id)
		}
	case frameTypeHeaders:
		if st.trailersReceived {
			return newError(FrameUnexpected, "headers after trailers on stream %d", st.id)
		}
	case frameTypePushPromise:
		if !s.isClient {
			return newError(FrameUnexpected, "push_promise from client")
		}
		if st.uni {
			return newError(FrameUnexpected, "push_promise on push stream")
		}
	}
	return nil
}

// handleHeaderBlock processes a complete HEADERS or PUSH_PROMISE
// payload. Blocks referencing encoder insertions that have not arrived
// yet park the stream until the encoder stream catches up.
func (s *Conn) handleHeaderBlock(st *streamState, typ uint64, payload []byte) error {
	block := payload
	var promisedPush uint64
	if typ == frameTypePushPromise {
		id, n := consumeVarint(block)
		if n == 0 {
			return newError(FrameError, "malformed push_promise")
		}
		if !s.hasMaxPushID || id > s.maxPushID {
			return newError(IDError, "push id %d exceeds limit", id)
		}
		promisedPush = id
		block = block[n:]
	}
	required, err := requiredInsertCount(block)
	if err != nil {
		return err
	}
	if required > s.peerInserts {
		if s.blockedCount >= int(s.localSettings.QPACKBlockedStreams) {
			return newError(QPACKDecompressionFail,
				"stream %d blocked above limit %d", st.id, s.localSettings.QPACKBlockedStreams)
		}
		st.blocked = true
		st.requiredInserts = required
		st.headerBlock = append(st.headerBlock[:0], block...)
		if typ == frameTypePushPromise {
			st.pushID = promisedPush
		}
		st.frameType = typ
		s.blockedCount++
		return nil
	}
	return s.deliverHeaderBlock(st, typ, promisedPush, block)
}

func (s *Conn) deliverHeaderBlock(st *streamState, typ, promisedPush uint64, block []byte) error {
	fields, err := s.decoder.DecodeFull(block)
	if err != nil {
		return newError(QPACKDecompressionFail, "stream %d: %v", st.id, err)
	}
	headers := make([]Header, len(fields))
	for i, f := range fields {
		headers[i] = Header{Name: f.Name, Value: f.Value}
	}
	if typ == frameTypePushPromise {
		s.events = append(s.events, PushPromiseEvent{
			StreamID: st.id,
			PushID:   promisedPush,
			Headers:  headers,
		})
		return nil
	}
	if st.headersReceived {
		st.trailersReceived = true
	}
	st.headersReceived = true
	s.events = append(s.events, HeadersEvent{
		StreamID: st.id,
		Headers:  headers,
		PushID:   st.pushID,
		Push:     st.uni && st.typ == streamTypePush,
		Fin:      st.fin && len(st.buf) == 0,
	})
	return nil
}

// parseEncoderInstructions consumes the peer's QPACK encoder stream and
// counts insertions to unpark blocked header blocks. The local dynamic
// table capacity is zero, so entries are never stored.
// https://www.rfc-editor.org/rfc/rfc9204.html#section-4.3
func (s *Conn) parseEncoderInstructions(st *streamState) error {
	for len(st.buf) > 0 {
		b := st.buf
		var n int
		insert := false
		switch {
		case b[0]&0x80 != 0:
			// Insert with name reference.
			_, n1 := consumePrefixedInt(b, 6)
			if n1 <= 0 {
				return s.encoderIncomplete(st, n1)
			}
			n2 := consumePrefixedString(b[n1:], 7)
			if n2 <= 0 {
				return s.encoderIncomplete(st, n2)
			}
			n = n1 + n2
			insert = true
		case b[0]&0x40 != 0:
			// Insert with literal name.
			n1 := consumePrefixedString(b, 5)
			if n1 <= 0 {
				return s.encoderIncomplete(st, n1)
			}
			n2 := consumePrefixedString(b[n1:], 7)
			if n2 <= 0 {
				return s.encoderIncomplete(st, n2)
			}
			n = n1 + n2
			insert = true
		case b[0]&0x20 != 0:
			// Set dynamic table capacity.
			capacity, n1 := consumePrefixedInt(b, 5)
			if n1 <= 0 {
				return s.encoderIncomplete(st, n1)
			}
			if capacity > s.localSettings.QPACKMaxTableCapacity {
				return newError(QPACKEncoderStreamErr,
					"table capacity %d exceeds %d", capacity, s.localSettings.QPACKMaxTableCapacity)
			}
			n = n1
		default:
			// Duplicate.
			_, n1 := consumePrefixedInt(b, 5)
			if n1 <= 0 {
				return s.encoderIncomplete(st, n1)
			}
			n = n1
			insert = true
		}
		st.buf = st.buf[n:]
		if insert {
			s.peerInserts++
			if err := s.unparkStreams(); err != nil {
				return err
			}
		}
	}
	return s.checkStreamEnd(st)
}

func (s *Conn) encoderIncomplete(st *streamState, n int) error {
	if n < 0 {
		return newError(QPACKEncoderStreamErr, "malformed instruction")
	}
	return s.checkStreamEnd(st)
}

func (s *Conn) unparkStreams() error {
	for _, st := range s.streams {
		if !st.blocked || st.requiredInserts > s.peerInserts {
			continue
		}
		st.blocked = false
		s.blockedCount--
		if err := s.deliverHeaderBlock(st, st.frameType, st.pushID, st.headerBlock); err != nil {
			return err
		}
		st.inFrame = false
		st.headerBlock = nil
		if err := s.parseStream(st); err != nil {
			return err
		}
	}
	return nil
}

// parseDecoderInstructions consumes the peer's QPACK decoder stream.
// Local header blocks never reference the dynamic table, so there is
// nothing to acknowledge.
// https://www.rfc-editor.org/rfc/rfc9204.html#section-4.4
func (s *Conn) parseDecoderInstructions(st *streamState) error {
	for len(st.buf) > 0 {
		b := st.buf
		var n int
		switch {
		case b[0]&0x80 != 0:
			// Section acknowledgment: no outstanding section requires one.
			return newError(QPACKDecoderStreamErr, "unexpected section acknowledgment")
		case b[0]&0x40 != 0:
			// Stream cancellation.
			_, n1 := consumePrefixedInt(b, 6)
			if n1 <= 0 {
				return s.decoderIncomplete(st, n1)
			}
			n = n1
		default:
			// Insert count increment: the encoder never inserts.
			return newError(QPACKDecoderStreamErr, "unexpected insert count increment")
		}
		st.buf = st.buf[n:]
	}
	return s.checkStreamEnd(st)
}

func (s *Conn) decoderIncomplete(st *streamState, n int) error {
	if n < 0 {
		return newError(QPACKDecoderStreamErr, "malformed instruction")
	}
	return s.checkStreamEnd(st)
}

// requiredInsertCount reconstructs the Required Insert Count from the
// encoded field section prefix.
// https://www.rfc-editor.org/rfc/rfc9204.html#section-4.5.1.1
func requiredInsertCount(block []byte) (uint64, error) {
	encoded, n := consumePrefixedInt(block, 8)
	if n <= 0 {
		return 0, newError(QPACKDecompressionFail, "malformed field section prefix")
	}
	if encoded == 0 {
		return 0, nil
	}
	return encoded - 1, nil
}

func encodeHeaders(headers []Header) ([]byte, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, h := range headers {
		if err := enc.WriteField(qpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
			return nil, newError(InternalError, "qpack: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, newError(InternalError, "qpack: %v", err)
	}
	return buf.Bytes(), nil
}
