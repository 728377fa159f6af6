package plume

import (
	"io"
	"net"
	"sync"
	"time"
)

// Stream is a blocking wrapper of a QUIC stream. Its operations hand
// their buffers to the connection goroutine and wait for completion, so
// they must be used in a goroutine separate from the connection Handler.
// For example:
//
//	func (handler) Serve(conn *plume.Conn, events []transport.Event) {
//		for _, e := range events {
//			switch e.Type {
//			case transport.EventStreamOpen:
//				st, err := conn.Stream(e.ID)
//				...
//				go func(stream *plume.Stream) {
//					// Working on the stream.
//				}(st)
//			}
//		}
//	}
//
// Stream implements the net.Conn interface.
type Stream struct {
	id   uint64
	conn *Conn

	wrMu   sync.Mutex
	wrData pipeBuffer

	rdMu   sync.Mutex
	rdData pipeBuffer

	clMu       sync.Mutex
	clResultCh chan error

	closeOnce sync.Once
	closeCh   chan struct{}
}

var (
	_ net.Conn = (*Stream)(nil)
)

func newStream(conn *Conn, id uint64) *Stream {
	s := &Stream{
		conn: conn,
		id:   id,

		clResultCh: make(chan error),
		closeCh:    make(chan struct{}),
	}
	s.wrData.init()
	s.rdData.init()
	return s
}

// StreamID returns the QUIC stream ID.
func (st *Stream) StreamID() uint64 {
	return st.id
}

// Write writes data to the stream. It blocks until all data is accepted
// by the transport send buffer, the deadline is exceeded or the stream
// is closed.
func (st *Stream) Write(b []byte) (n int, err error) {
	if st.isClosed() {
		return 0, errClosed
	}
	st.wrMu.Lock()
	defer st.wrMu.Unlock()

	st.wrData.setBuf(b)
	defer func() {
		n = st.wrData.setBuf(nil)
	}()
	err = st.wrData.submit(st.conn, connCommand{cmd: cmdStreamWrite, id: st.id}, st.closeCh)
	return
}

// Read reads data from the stream. It blocks until some data is
// available, the peer finishes the stream (io.EOF), the deadline is
// exceeded or the stream is closed.
func (st *Stream) Read(b []byte) (n int, err error) {
	if st.isClosed() {
		return 0, errClosed
	}
	st.rdMu.Lock()
	defer st.rdMu.Unlock()

	st.rdData.setBuf(b)
	defer func() {
		n = st.rdData.setBuf(nil)
	}()
	err = st.rdData.submit(st.conn, connCommand{cmd: cmdStreamRead, id: st.id}, st.closeCh)
	return
}

// Close closes the sending part of the stream gracefully: buffered data
// is still delivered and the stream is finished with a FIN.
func (st *Stream) Close() error {
	return st.close(cmdStreamClose, 0)
}

// CloseWrite abruptly terminates the sending part of the stream with a
// RESET_STREAM frame carrying errorCode.
func (st *Stream) CloseWrite(errorCode uint64) error {
	return st.close(cmdStreamCloseWrite, errorCode)
}

// CloseRead asks the peer to stop sending on the stream with a
// STOP_SENDING frame carrying errorCode.
func (st *Stream) CloseRead(errorCode uint64) error {
	return st.close(cmdStreamCloseRead, errorCode)
}

// LocalAddr returns the local network address.
func (st *Stream) LocalAddr() net.Addr {
	return st.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (st *Stream) RemoteAddr() net.Addr {
	return st.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines associated with the stream.
func (st *Stream) SetDeadline(t time.Time) error {
	st.SetWriteDeadline(t)
	st.SetReadDeadline(t)
	return nil
}

// SetWriteDeadline sets the write deadline associated with the stream.
func (st *Stream) SetWriteDeadline(t time.Time) error {
	st.wrMu.Lock()
	st.wrData.setDeadline(t)
	st.wrMu.Unlock()
	return nil
}

// SetReadDeadline sets the read deadline associated with the stream.
func (st *Stream) SetReadDeadline(t time.Time) error {
	st.rdMu.Lock()
	st.rdData.setDeadline(t)
	st.rdMu.Unlock()
	return nil
}

func (st *Stream) isClosed() bool {
	select {
	case <-st.closeCh:
		return true
	default:
		return false
	}
}

func (st *Stream) close(comm command, errorCode uint64) error {
	if st.isClosed() {
		return errClosed
	}
	st.clMu.Lock()
	defer st.clMu.Unlock()

	cmd := connCommand{
		cmd: comm,
		id:  st.id,
		n:   errorCode,
	}
	select {
	case <-st.closeCh:
		return errClosed
	case st.conn.cmdCh <- cmd:
		return <-st.clResultCh
	}
}

// recvWriteData moves buffered application data into the transport
// stream. Called from the connection goroutine.
func (st *Stream) recvWriteData(w io.Writer) (bool, error) {
	return st.wrData.writeTo(w)
}

// recvReadData fills the waiting application buffer from the transport
// stream. Called from the connection goroutine.
func (st *Stream) recvReadData(r io.Reader) (bool, error) {
	return st.rdData.readFrom(r)
}

func (st *Stream) sendWriteResult(err error) {
	st.wrData.sendResult(err)
}

func (st *Stream) sendWriteWait(err error) {
	st.wrData.sendWaitResult(err)
}

func (st *Stream) sendReadResult(err error) {
	st.rdData.sendResult(err)
}

func (st *Stream) sendReadWait(err error) {
	st.rdData.sendWaitResult(err)
}

func (st *Stream) sendCloseResult(err error) {
	st.clResultCh <- err
}

// setClosed wakes all pending operations with errClosed. Called from the
// connection goroutine when the stream or connection terminates.
func (st *Stream) setClosed() {
	st.closeOnce.Do(func() { close(st.closeCh) })
}

// pipeBuffer is one direction of a blocking wrapper: the application
// goroutine parks a buffer and waits, the connection goroutine moves data
// between the buffer and the transport.
type pipeBuffer struct {
	mu  sync.Mutex
	buf []byte
	off int

	resultCh chan error // immediate result of a submitted command
	waitCh   chan error // final result when the command returned errWait

	deadlineTm *time.Timer
	deadlineCh chan struct{}
}

func (p *pipeBuffer) init() {
	p.resultCh = make(chan error)
	p.waitCh = make(chan error)
	p.deadlineCh = make(chan struct{})
}

// submit hands cmd to the connection goroutine and blocks until the
// operation completes, the deadline passes or closeCh closes.
func (p *pipeBuffer) submit(conn *Conn, cmd connCommand, closeCh chan struct{}) error {
	select {
	case <-closeCh:
		return errClosed
	case <-p.deadlineCh:
		return errDeadlineExceeded
	case conn.cmdCh <- cmd:
	}
	err := <-p.resultCh
	if err != errWait {
		return err
	}
	// The transport had no data or credit; the connection goroutine
	// delivers the final result once it makes progress.
	select {
	case <-closeCh:
		return errClosed
	case <-p.deadlineCh:
		return errDeadlineExceeded
	case err = <-p.waitCh:
		return err
	}
}

func (p *pipeBuffer) sendResult(err error) {
	p.resultCh <- err
}

func (p *pipeBuffer) sendWaitResult(err error) {
	select {
	case p.waitCh <- err:
	default:
		// The operation already gave up (deadline or close).
	}
}

func (p *pipeBuffer) setBuf(b []byte) int {
	p.mu.Lock()
	p.buf = b
	n := p.off
	p.off = 0
	p.mu.Unlock()
	return n
}

func (p *pipeBuffer) hasBuf() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf != nil && p.off < len(p.buf)
}

func (p *pipeBuffer) setDeadline(t time.Time) {
	if p.deadlineTm != nil && !p.deadlineTm.Stop() {
		// Wait for the pending timer callback to close the channel.
		<-p.deadlineCh
	}
	p.deadlineTm = nil
	closed := false
	select {
	case <-p.deadlineCh:
		closed = true
	default:
	}
	if t.IsZero() {
		// No deadline.
		if closed {
			p.deadlineCh = make(chan struct{})
		}
		return
	}
	if d := time.Until(t); d > 0 {
		if closed {
			p.deadlineCh = make(chan struct{})
		}
		p.deadlineTm = time.AfterFunc(d, func() {
			close(p.deadlineCh)
		})
		return
	}
	// Deadline already passed.
	if !closed {
		close(p.deadlineCh)
	}
}

// writeTo returns true when all buffered data has been written.
func (p *pipeBuffer) writeTo(w io.Writer) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := w.Write(p.buf[p.off:])
	p.off += n
	return p.off >= len(p.buf), err
}

// readFrom returns true when any data has been read.
func (p *pipeBuffer) readFrom(r io.Reader) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := r.Read(p.buf[p.off:])
	p.off += n
	return p.off > 0, err
}
