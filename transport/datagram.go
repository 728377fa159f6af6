package transport

import (
	"fmt"
	"io"
)

// Each direction buffers at most this many datagrams. When the ring is
// full the oldest datagram is dropped, matching the unreliable delivery
// contract of the extension.
const maxDatagramBufferLen = 32

// Datagram provides unreliable datagrams over the connection.
// https://www.rfc-editor.org/rfc/rfc9221.html
type Datagram struct {
	send, recv datagramBuffer
	// Payload size limits negotiated via transport parameters.
	maxSend, maxRecv int
}

// Write queues a copy of b for sending.
func (d *Datagram) Write(b []byte) (int, error) {
	if len(b) > d.maxSend {
		return 0, newError(ApplicationError, sprint("max_datagram_payload_size ", d.maxSend))
	}
	data := make([]byte, len(b))
	copy(data, b)
	d.send.push(data)
	return len(b), nil
}

// Push queues b for sending without copying, so b must not be modified
// until it has been sent.
func (d *Datagram) Push(b []byte) error {
	if len(b) > d.maxSend {
		return newError(ApplicationError, sprint("max_datagram_payload_size ", d.maxSend))
	}
	d.send.push(b)
	return nil
}

// Read copies the next received datagram into b. Datagram boundaries are
// preserved so b must fit the whole payload.
func (d *Datagram) Read(b []byte) (int, error) {
	if d.recv.avail() > len(b) {
		return 0, io.ErrShortBuffer
	}
	data := d.recv.pop()
	n := copy(b, data)
	return n, nil
}

// Pop returns received data or nil if it is empty.
func (d *Datagram) Pop() []byte {
	return d.recv.pop()
}

func (d *Datagram) pushRecv(b []byte) error {
	if len(b) > d.maxRecv {
		return newError(ProtocolViolation, sprint("max_datagram_payload_size ", d.maxRecv))
	}
	d.recv.push(b)
	return nil
}

// popSend returns the next outgoing datagram when it fits in max bytes.
func (d *Datagram) popSend(max int) []byte {
	if d.send.avail() > max {
		return nil
	}
	return d.send.pop()
}

func (d *Datagram) isReadable() bool {
	return d.recv.avail() > 0
}

func (d *Datagram) isFlushable() bool {
	return d.send.avail() > 0
}

func (d *Datagram) setMaxSend(max uint64) {
	d.maxSend = int(max)
}

func (d *Datagram) setMaxRecv(max uint64) {
	d.maxRecv = int(max)
}

// datagramBuffer is a FIFO ring of whole datagrams. The slot at w is
// always nil, and a nil slot at r means the ring is empty.
type datagramBuffer struct {
	data [][]byte
	w, r int
}

func (q *datagramBuffer) push(b []byte) {
	if q.w >= len(q.data) {
		// Grow until the ring reaches its fixed capacity.
		q.data = append(q.data, nil)
	}
	q.data[q.w] = b
	q.w++
	if q.w >= maxDatagramBufferLen {
		q.w = 0
	}
	if q.w == q.r {
		// The writer caught up with a slow reader, drop the oldest.
		q.data[q.r] = nil
		q.r++
		if q.r >= maxDatagramBufferLen {
			q.r = 0
		}
	}
}

func (q *datagramBuffer) pop() []byte {
	if q.r >= len(q.data) || q.data[q.r] == nil {
		return nil
	}
	b := q.data[q.r]
	q.data[q.r] = nil
	q.r++
	if q.r >= maxDatagramBufferLen {
		q.r = 0
	}
	return b
}

// avail returns the size of the datagram at the read position.
func (q *datagramBuffer) avail() int {
	if q.r < len(q.data) {
		return len(q.data[q.r])
	}
	return 0
}

func (b *datagramBuffer) String() string {
	return fmt.Sprintf("length=%d read=%d write=%d", len(b.data), b.r, b.w)
}
