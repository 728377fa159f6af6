package plume

import (
	"io"
	"net"
	"sync"
	"time"
)

// Datagram is a blocking wrapper of QUIC unreliable datagrams
// (RFC 9221). Like Stream, its operations must be used in a goroutine
// separate from the connection Handler:
//
//	func (handler) Serve(conn *plume.Conn, events []transport.Event) {
//		for _, e := range events {
//			switch e.Type {
//			case transport.EventDatagramWritable:
//				go func(datagram *plume.Datagram) {
//					// Working on the datagram.
//				}(conn.Datagram())
//			}
//		}
//	}
//
// Datagram implements the net.Conn interface. A Write sends exactly one
// datagram; a Read receives exactly one.
type Datagram struct {
	conn *Conn

	wrMu   sync.Mutex
	wrData pipeBuffer

	rdMu   sync.Mutex
	rdData pipeBuffer

	closeOnce sync.Once
	closeCh   chan struct{}
}

var (
	_ net.Conn = (*Datagram)(nil)
)

func newDatagram(conn *Conn) *Datagram {
	s := &Datagram{
		conn: conn,

		closeCh: make(chan struct{}),
	}
	s.wrData.init()
	s.rdData.init()
	return s
}

// Write sends b as a single datagram. It fails when the peer does not
// accept datagrams or b exceeds the peer's advertised payload limit.
func (d *Datagram) Write(b []byte) (n int, err error) {
	if d.isClosed() {
		return 0, errClosed
	}
	d.wrMu.Lock()
	defer d.wrMu.Unlock()

	d.wrData.setBuf(b)
	defer func() {
		n = d.wrData.setBuf(nil)
	}()
	err = d.wrData.submit(d.conn, connCommand{cmd: cmdDatagramWrite}, d.closeCh)
	return
}

// Read receives a single datagram into b. When b is smaller than the
// received datagram, Read fails with io.ErrShortBuffer and the datagram
// stays buffered.
func (d *Datagram) Read(b []byte) (n int, err error) {
	if d.isClosed() {
		return 0, errClosed
	}
	d.rdMu.Lock()
	defer d.rdMu.Unlock()

	d.rdData.setBuf(b)
	defer func() {
		n = d.rdData.setBuf(nil)
	}()
	err = d.rdData.submit(d.conn, connCommand{cmd: cmdDatagramRead}, d.closeCh)
	return
}

// Close on Datagram does not do anything. Datagrams live as long as
// their connection.
func (d *Datagram) Close() error {
	return nil
}

// LocalAddr returns the local network address.
func (d *Datagram) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (d *Datagram) RemoteAddr() net.Addr {
	return d.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (d *Datagram) SetDeadline(t time.Time) error {
	d.SetWriteDeadline(t)
	d.SetReadDeadline(t)
	return nil
}

// SetWriteDeadline sets the write deadline.
func (d *Datagram) SetWriteDeadline(t time.Time) error {
	d.wrMu.Lock()
	d.wrData.setDeadline(t)
	d.wrMu.Unlock()
	return nil
}

// SetReadDeadline sets the read deadline.
func (d *Datagram) SetReadDeadline(t time.Time) error {
	d.rdMu.Lock()
	d.rdData.setDeadline(t)
	d.rdMu.Unlock()
	return nil
}

func (d *Datagram) isClosed() bool {
	select {
	case <-d.closeCh:
		return true
	default:
		return false
	}
}

// recvWriteData is called from the connection goroutine.
func (d *Datagram) recvWriteData(w io.Writer) (bool, error) {
	return d.wrData.writeTo(w)
}

// recvReadData is called from the connection goroutine.
func (d *Datagram) recvReadData(r io.Reader) (bool, error) {
	return d.rdData.readFrom(r)
}

func (d *Datagram) sendWriteResult(err error) {
	d.wrData.sendResult(err)
}

func (d *Datagram) sendReadResult(err error) {
	d.rdData.sendResult(err)
}

func (d *Datagram) sendReadWait(err error) {
	d.rdData.sendWaitResult(err)
}

// setClosed is called from the connection goroutine during teardown.
func (d *Datagram) setClosed() {
	d.closeOnce.Do(func() { close(d.closeCh) })
}
