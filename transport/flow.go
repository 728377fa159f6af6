package transport

// flowControl tracks the credit both endpoints granted each other, either
// for the whole connection or for a single stream.
// https://www.rfc-editor.org/rfc/rfc9000.html#section-4
type flowControl struct {
	totalRecv   uint64 // Total bytes received - updated when data is received.
	maxRecv     uint64 // Receive limit - updated when MAX_DATA is sent.
	maxRecvNext uint64 // Receive limit for the next MAX_DATA - updated when data is consumed.

	totalSend   uint64 // Total bytes sent - updated when data is sent successfully.
	maxSend     uint64 // Send limit - updated when MAX_DATA is received.
	sendBlocked bool   // Needs to send DATA_BLOCKED or STREAM_DATA_BLOCKED.
}

func (fc *flowControl) init(maxRecv, maxSend uint64) {
	fc.maxRecv = maxRecv
	fc.maxRecvNext = maxRecv
	fc.maxSend = maxSend
}

// canRecv returns the number of bytes that can still be received.
func (fc *flowControl) canRecv() uint64 {
	if fc.maxRecv > fc.totalRecv {
		return fc.maxRecv - fc.totalRecv
	}
	return 0
}

// addRecv is called when data is successfully received.
func (fc *flowControl) addRecv(n uint64) {
	fc.totalRecv += n
}

func (fc *flowControl) setRecv(n uint64) {
	fc.totalRecv = n
}

// addMaxRecvNext extends the limit that the next MAX_DATA will announce.
// It is called when the application consumes received data.
func (fc *flowControl) addMaxRecvNext(n uint64) {
	fc.maxRecvNext += n
}

// commitMaxRecv declares maxRecvNext as announced to the peer.
func (fc *flowControl) commitMaxRecv() {
	fc.maxRecv = fc.maxRecvNext
}

// shouldUpdateMaxRecv returns true when the limit update is worth sending,
// which is when remaining credit dropped below half of the next window.
func (fc *flowControl) shouldUpdateMaxRecv() bool {
	return fc.maxRecvNext > fc.maxRecv && fc.maxRecv >= fc.totalRecv &&
		(fc.maxRecv-fc.totalRecv) < fc.maxRecvNext/2
}

// canSend returns the number of bytes that can still be sent.
func (fc *flowControl) canSend() uint64 {
	if fc.maxSend > fc.totalSend {
		return fc.maxSend - fc.totalSend
	}
	return 0
}

// addSend adds n to total bytes sent.
func (fc *flowControl) addSend(n int) {
	fc.totalSend += uint64(n)
}

// setSend sets total bytes sent. Used when a stream is reset at a final size.
func (fc *flowControl) setSend(n uint64) {
	fc.totalSend = n
}

// setMaxSend updates the peer-granted send limit. Limits never shrink.
func (fc *flowControl) setMaxSend(n uint64) {
	if n > fc.maxSend {
		fc.maxSend = n
		fc.sendBlocked = false
	}
}

func (fc *flowControl) setSendBlocked(blocked bool) {
	fc.sendBlocked = blocked
}

func (fc *flowControl) String() string {
	return sprint("recv=", fc.totalRecv, " maxRecv=", fc.maxRecv, " maxRecvNext=", fc.maxRecvNext,
		" send=", fc.totalSend, " maxSend=", fc.maxSend, " sendBlocked=", fc.sendBlocked)
}
