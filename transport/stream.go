package transport

import (
	"fmt"
	"io"
)

// deliveryState tracks retransmittable control frames of a stream
// (RESET_STREAM, STOP_SENDING) from scheduling to acknowledgement.
type deliveryState int

const (
	deliveryNone deliveryState = iota
	deliveryReady
	deliverySending
	deliveryConfirmed
)

// Stream is a data stream.
// https://www.rfc-editor.org/rfc/rfc9000.html#name-streams
type Stream struct {
	recv recvStream
	send sendStream

	// Stream flow control is based on absolute data offset.
	// In comparison, connection-level flow control manages volume of data.
	flow flowControl
	// Linked to connection-level flow control. Does not apply to the
	// crypto stream.
	connFlow *flowControl
	// Whether this stream needs to send MAX_STREAM_DATA
	updateMaxData bool

	local bool
	bidi  bool

	// Outgoing RESET_STREAM.
	resetStream struct {
		state     deliveryState
		errorCode uint64
		finalSize uint64
	}
	// Outgoing STOP_SENDING.
	stopSending struct {
		state     deliveryState
		errorCode uint64
	}
	// Peer sent RESET_STREAM.
	recvReset bool
	// Peer sent STOP_SENDING.
	recvStop bool
}

func (st *Stream) init(maxRecv, maxSend uint64) {
	st.flow.init(maxRecv, maxSend)
}

// pushRecv checks the receive limit and pushes data to the recv stream.
func (st *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	if offset+uint64(len(data)) > st.flow.maxRecv {
		return errFlowControl
	}
	err := st.recv.push(data, offset, fin)
	if err == nil {
		// Keep flow received bytes in sync with the maximum absolute
		// offset of the stream.
		st.flow.setRecv(st.recv.length)
	}
	return err
}

// Read reads data from the recv stream.
func (st *Stream) Read(b []byte) (int, error) {
	if st.recvReset {
		return 0, newError(StreamStateError, "stream reset by peer")
	}
	n, err := st.recv.Read(b)
	if n > 0 {
		// The current offset of data consumed determines the flow control
		// offset to be advertised.
		st.flow.addMaxRecvNext(uint64(n))
		if st.connFlow != nil {
			st.connFlow.addMaxRecvNext(uint64(n))
		}
		// Only tell the peer to update max data while more is expected.
		if !st.recv.fin && st.flow.shouldUpdateMaxRecv() {
			st.updateMaxData = true
		}
	}
	return n, err
}

// Write writes data to the send stream.
func (st *Stream) Write(b []byte) (int, error) {
	if !st.bidi && !st.local {
		return 0, newError(StreamStateError, "cannot write to uni stream")
	}
	if st.resetStream.state != deliveryNone {
		return 0, newError(StreamStateError, "stream reset locally")
	}
	if st.recvStop {
		return 0, newError(StreamStateError, "stream stopped by peer")
	}
	n := int(st.flow.canSend())
	if n == 0 {
		// Tell the peer the stream needs more credit.
		st.flow.setSendBlocked(true)
		return 0, nil
	}
	if n < len(b) {
		b = b[:n]
	}
	n, err := st.send.Write(b)
	if err == nil {
		// Keep flow sent bytes in sync with the stream length.
		st.flow.setSend(st.send.length)
	}
	return n, err
}

// WriteString writes the contents of string b to the stream.
func (st *Stream) WriteString(b string) (int, error) {
	return st.Write([]byte(b))
}

// Reset abruptly terminates the sending part of the stream. Pending data
// is discarded and a RESET_STREAM frame is scheduled.
func (st *Stream) Reset(errorCode uint64) error {
	if !st.bidi && !st.local {
		return newError(StreamStateError, "cannot reset uni stream")
	}
	if st.resetStream.state != deliveryNone {
		return nil
	}
	st.resetStream.state = deliveryReady
	st.resetStream.errorCode = errorCode
	st.resetStream.finalSize = st.send.length
	st.send.stop()
	return nil
}

// Stop requests the peer to stop sending on this stream with a
// STOP_SENDING frame.
func (st *Stream) Stop(errorCode uint64) error {
	if !st.bidi && st.local {
		return newError(StreamStateError, "cannot stop uni stream")
	}
	if st.stopSending.state != deliveryNone {
		return nil
	}
	st.stopSending.state = deliveryReady
	st.stopSending.errorCode = errorCode
	return nil
}

// handleStopSending processes a STOP_SENDING frame from the peer.
// The expected response is a RESET_STREAM with the received error code.
func (st *Stream) handleStopSending(errorCode uint64) {
	st.recvStop = true
	if st.resetStream.state == deliveryNone {
		st.resetStream.state = deliveryReady
		st.resetStream.errorCode = errorCode
		st.resetStream.finalSize = st.send.length
		st.send.stop()
	}
}

// isReadable returns true if the stream has any data to read.
func (st *Stream) isReadable() bool {
	if st.recvReset {
		return false
	}
	return st.recv.ready() || (st.recv.fin && !st.recv.finRead)
}

// isWriteable returns true if the stream has flow control capacity to be
// written to and is not finished.
func (st *Stream) isWriteable() bool {
	return !st.send.fin && st.resetStream.state == deliveryNone && st.flow.canSend() > 0
}

// isFlushable returns true if the stream has data to send.
func (st *Stream) isFlushable() bool {
	// flow maxSend is controlled by peer via MAX_STREAM_DATA
	return st.send.ready(st.flow.maxSend) || (st.send.fin && !st.send.finSent)
}

// popSend returns contiguous data from the send buffer up to max bytes.
// max is derived from packet buffer availability and connection-level
// flow control.
func (st *Stream) popSend(max int) (data []byte, offset uint64, fin bool) {
	if !st.isFlushable() {
		return nil, 0, false
	}
	return st.send.pop(max)
}

// pushSend pushes data back to the send stream to resend.
func (st *Stream) pushSend(data []byte, offset uint64, fin bool) error {
	return st.send.push(data, offset, fin)
}

// ackSend acknowledges that stream data was received.
// It returns true if all data has been sent and confirmed.
func (st *Stream) ackSend(offset, length uint64) bool {
	st.send.ack(offset, length)
	return st.send.complete()
}

// handleResetStream processes a RESET_STREAM frame. It returns the number
// of bytes the reset adds to the connection flow control accounting.
func (st *Stream) handleResetStream(finalSize uint64) (int, error) {
	if finalSize > st.flow.maxRecv {
		return 0, errFlowControl
	}
	n, err := st.recv.reset(finalSize)
	if err != nil {
		return 0, err
	}
	st.recvReset = true
	st.flow.setRecv(finalSize)
	return n, nil
}

// ackMaxData acknowledges that the MAX_STREAM_DATA frame was delivered.
func (st *Stream) ackMaxData() {
	st.updateMaxData = false
}

// setUpdateMaxData requests announcing new receive credit.
func (st *Stream) setUpdateMaxData() {
	st.updateMaxData = true
}

// sendDone reports whether the sending part reached a terminal state.
func (st *Stream) sendDone() bool {
	if !st.bidi && !st.local {
		// Receive-only
		return true
	}
	return st.resetStream.state == deliveryConfirmed || st.send.complete()
}

// recvDone reports whether the receiving part reached a terminal state.
func (st *Stream) recvDone() bool {
	if !st.bidi && st.local {
		// Send-only
		return true
	}
	return st.recvReset || (st.recv.isFin() && st.recv.finRead)
}

// Close sets the end of the sending stream.
func (st *Stream) Close() error {
	if !st.bidi && !st.local {
		return newError(StreamStateError, "cannot close uni stream")
	}
	st.send.fin = true
	return nil
}

// reset reinitializes the stream state keeping flow limits,
// used by the crypto stream when the handshake restarts.
func (st *Stream) reset() {
	maxRecv := st.flow.maxRecv
	maxSend := st.flow.maxSend
	local, bidi := st.local, st.bidi
	*st = Stream{}
	st.flow.init(maxRecv, maxSend)
	st.local, st.bidi = local, bidi
}

func (st *Stream) String() string {
	return fmt.Sprintf("recv{%s} send{%s}", &st.recv, &st.send)
}

// recvStream is the buffer for receiving data.
type recvStream struct {
	buf rangeBufferList // Chunks of received data, ordered by offset

	offset uint64 // read offset
	length uint64 // total length

	fin     bool
	finRead bool // Whether the reader observed the end of the stream
}

func (r *recvStream) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if r.fin {
		// Stream size is known, forbid new data or changing it.
		if end > r.length {
			return errFinalSize
		}
	}
	if fin {
		if end < r.length {
			// Stream'r known size is lower than data already received.
			return errFinalSize
		}
		r.fin = true
	}
	if r.offset >= end {
		// Data has been read
		return nil
	}
	r.buf.write(data, offset)
	if end > r.length {
		r.length = end
	}
	return nil
}

// reset returns how many bytes need to be added to the flow control.
func (r *recvStream) reset(finalSize uint64) (int, error) {
	if r.fin && finalSize != r.length {
		return 0, errFinalSize
	}
	if finalSize < r.length {
		return 0, errFinalSize
	}
	n := int(finalSize - r.length)
	r.fin = true
	r.length = finalSize
	return n, nil
}

// Read makes recvStream an io.Reader.
func (r *recvStream) Read(b []byte) (int, error) {
	if r.isFin() {
		r.finRead = true
		return 0, io.EOF
	}
	n := r.buf.read(b, r.offset)
	r.offset += uint64(n)
	return n, nil
}

// ready returns true if data is available at the current read offset.
func (r *recvStream) ready() bool {
	return r.offset < r.length && len(r.buf) > 0 && r.buf[0].offset == r.offset
}

func (r *recvStream) isFin() bool {
	return r.fin && r.offset >= r.length
}

func (r *recvStream) String() string {
	return fmt.Sprintf("offset=%v length=%v fin=%v", r.offset, r.length, r.fin)
}

// sendStream is the buffer for sending data.
type sendStream struct {
	buf   rangeBufferList // Chunks of data to be sent, ordered by offset
	acked rangeSet        // receive confirmed

	offset uint64 // read offset
	length uint64 // total length

	fin     bool
	finSent bool // needed when the sender closes the stream after data has been read
}

// push is called directly when it needs to bypass flow control,
// e.g. pushing data back to the stream to resend.
func (w *sendStream) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if w.fin {
		// Stream size is known, forbid new data or changing it.
		if end > w.length {
			return errFinalSize
		}
	}
	if fin {
		if end < w.length {
			// Stream'w known size is lower than data already received.
			return errFinalSize
		}
		w.fin = true
	}
	w.buf.write(data, offset)
	if end > w.length {
		w.length = end
	}
	return nil
}

// pop returns contiguous data in the buffer with the smallest offset up to
// max bytes in length. pop is called after checking ready().
func (w *sendStream) pop(max int) (data []byte, offset uint64, fin bool) {
	data, offset = w.buf.pop(max)
	if len(data) == 0 {
		// Use current read offset when there is no data available.
		offset = w.offset
	}
	end := offset + uint64(len(data))
	fin = w.fin && end >= w.length
	if fin {
		w.finSent = true
	}
	if end > w.offset {
		w.offset = end
	}
	return
}

// ready returns true if the stream has any data with offset less than maxOffset.
func (w *sendStream) ready(maxOffset uint64) bool {
	return len(w.buf) > 0 && w.buf[0].offset < maxOffset
}

// Write appends data to the stream.
func (w *sendStream) Write(b []byte) (int, error) {
	err := w.push(b, w.length, false)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// stop discards pending data when the stream is reset.
func (w *sendStream) stop() {
	w.buf = nil
	w.fin = false
}

func (w *sendStream) String() string {
	return fmt.Sprintf("offset=%v length=%v fin=%v", w.offset, w.length, w.fin)
}

// ack acknowledges stream data received.
func (w *sendStream) ack(offset, length uint64) {
	w.acked.push(offset, offset+length)
}

// complete returns true if all data in the stream has been sent and acked.
func (w *sendStream) complete() bool {
	return w.fin && w.offset >= w.length && w.acked.equals(0, w.length)
}

// streamMap keeps track of QUIC streams and enforces stream limits.
type streamMap struct {
	// Streams indexed by stream ID
	streams map[uint64]*Stream

	openedStreams struct {
		peerBidi  uint64
		peerUni   uint64
		localBidi uint64
		localUni  uint64
	}

	// Maximum stream count limits. local limits bound what the peer may
	// open; peer limits bound what this endpoint may open.
	maxStreams struct {
		peerBidi  uint64
		peerUni   uint64
		localBidi uint64
		localUni  uint64
	}

	// Limits to announce in the next MAX_STREAMS frames, raised when
	// peer-initiated streams are closed.
	maxStreamsNext struct {
		localBidi uint64
		localUni  uint64
	}

	updateMaxStreamsBidi bool
	updateMaxStreamsUni  bool
}

func (m *streamMap) init(maxBidi, maxUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.maxStreams.localBidi = maxBidi
	m.maxStreams.localUni = maxUni
	m.maxStreamsNext.localBidi = maxBidi
	m.maxStreamsNext.localUni = maxUni
}

func (m *streamMap) get(id uint64) *Stream {
	return m.streams[id]
}

// create adds and returns a new stream or an error when it exceeds limits.
func (m *streamMap) create(id uint64, isClient bool) (*Stream, error) {
	local := isStreamLocal(id, isClient)
	bidi := isStreamBidi(id)
	if local {
		if bidi {
			if m.openedStreams.localBidi >= m.maxStreams.peerBidi {
				return nil, newError(StreamLimitError, sprint("local bidi streams exceeded ", m.maxStreams.peerBidi))
			}
			m.openedStreams.localBidi++
		} else {
			if m.openedStreams.localUni >= m.maxStreams.peerUni {
				return nil, newError(StreamLimitError, sprint("local uni streams exceeded ", m.maxStreams.peerUni))
			}
			m.openedStreams.localUni++
		}
	} else {
		if bidi {
			if m.openedStreams.peerBidi >= m.maxStreams.localBidi {
				return nil, newError(StreamLimitError, sprint("remote bidi streams exceeded ", m.maxStreams.localBidi))
			}
			m.openedStreams.peerBidi++
		} else {
			if m.openedStreams.peerUni >= m.maxStreams.localUni {
				return nil, newError(StreamLimitError, sprint("remote uni streams exceeded ", m.maxStreams.localUni))
			}
			m.openedStreams.peerUni++
		}
	}
	st := &Stream{
		local: local,
		bidi:  bidi,
	}
	m.streams[id] = st
	return st, nil
}

// isClosed reports whether a stream id was opened and has since been
// garbage collected. Frames arriving for such a stream are ignored.
func (m *streamMap) isClosed(id uint64, isClient bool) bool {
	if m.streams[id] != nil {
		return false
	}
	local := isStreamLocal(id, isClient)
	bidi := isStreamBidi(id)
	seq := id >> 2
	switch {
	case local && bidi:
		return seq < m.openedStreams.localBidi
	case local && !bidi:
		return seq < m.openedStreams.localUni
	case !local && bidi:
		return seq < m.openedStreams.peerBidi
	default:
		return seq < m.openedStreams.peerUni
	}
}

// checkClosed removes terminated streams and raises peer stream limits.
// fn is invoked with each removed stream id.
func (m *streamMap) checkClosed(fn func(id uint64)) {
	for id, st := range m.streams {
		if st.sendDone() && st.recvDone() {
			delete(m.streams, id)
			if !st.local {
				if st.bidi {
					m.maxStreamsNext.localBidi++
					if m.shouldUpdateMaxStreams(m.maxStreamsNext.localBidi, m.maxStreams.localBidi, m.openedStreams.peerBidi) {
						m.updateMaxStreamsBidi = true
					}
				} else {
					m.maxStreamsNext.localUni++
					if m.shouldUpdateMaxStreams(m.maxStreamsNext.localUni, m.maxStreams.localUni, m.openedStreams.peerUni) {
						m.updateMaxStreamsUni = true
					}
				}
			}
			fn(id)
		}
	}
}

// Announce a higher stream limit when remaining credit fell below half
// the next window, mirroring connection flow control.
func (m *streamMap) shouldUpdateMaxStreams(next, max, opened uint64) bool {
	return next > max && max >= opened && (max-opened) < (next-opened+1)/2
}

func (m *streamMap) commitMaxStreamsBidi() uint64 {
	m.maxStreams.localBidi = m.maxStreamsNext.localBidi
	m.updateMaxStreamsBidi = false
	return m.maxStreams.localBidi
}

func (m *streamMap) commitMaxStreamsUni() uint64 {
	m.maxStreams.localUni = m.maxStreamsNext.localUni
	m.updateMaxStreamsUni = false
	return m.maxStreams.localUni
}

func (m *streamMap) setPeerMaxStreamsBidi(v uint64) {
	if v > m.maxStreams.peerBidi {
		m.maxStreams.peerBidi = v
	}
}

func (m *streamMap) setPeerMaxStreamsUni(v uint64) {
	if v > m.maxStreams.peerUni {
		m.maxStreams.peerUni = v
	}
}

func (m *streamMap) setLocalMaxStreamsBidi(v uint64) {
	if v > m.maxStreams.localBidi {
		m.maxStreams.localBidi = v
	}
}

func (m *streamMap) setLocalMaxStreamsUni(v uint64) {
	if v > m.maxStreams.localUni {
		m.maxStreams.localUni = v
	}
}

func (m *streamMap) hasFlushable() bool {
	for _, st := range m.streams {
		if st.isFlushable() || st.resetStream.state == deliveryReady || st.stopSending.state == deliveryReady {
			return true
		}
	}
	return false
}

// hasUpdate returns true when any stream needs to send a control frame.
func (m *streamMap) hasUpdate() bool {
	if m.updateMaxStreamsBidi || m.updateMaxStreamsUni {
		return true
	}
	for _, st := range m.streams {
		if st.updateMaxData || st.resetStream.state == deliveryReady || st.stopSending.state == deliveryReady {
			return true
		}
	}
	return false
}

// https://www.rfc-editor.org/rfc/rfc9000.html#stream-id
// Client-initiated streams have even-numbered stream IDs (with the bit
// set to 0), server-initiated streams have odd-numbered stream IDs.
func isStreamLocal(id uint64, isClient bool) bool {
	return (id&0x1 == 0) == isClient
}

// The second least significant bit (0x2) distinguishes bidirectional
// streams (bit set to 0) from unidirectional streams (bit set to 1).
func isStreamBidi(id uint64) bool {
	return id&0x2 == 0
}
