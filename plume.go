// Package plume provides client and server QUIC connections with an
// asynchronous, handler based API on top of the synchronous transport
// package.
//
// Each connection is driven by a single goroutine owning all transport
// state. Applications observe the connection through a Handler callback
// invoked with the transport events produced since the last call, and
// interact with streams through blocking wrappers that hand their work
// to the connection goroutine over an internal command channel.
package plume

import (
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/plumeq/plume/transport"
)

const (
	maxDatagramSize = transport.MaxIPv6PacketSize
	bufferSize      = 1536
	// cidLength is the length of connection IDs this endpoint generates.
	// Short header packets do not carry a CID length, so all local CIDs
	// use the same size to keep routing possible.
	cidLength = transport.MaxCIDLength
)

var (
	errClosed           = errors.New("connection closed")
	errDeadlineExceeded = os.ErrDeadlineExceeded
	// errWait tells a blocked operation that the connection goroutine
	// will deliver the final result on the wait channel once the
	// transport makes progress.
	errWait = errors.New("waiting for connection")
)

// Handler processes connection events. Serve is called on the connection
// goroutine every time the transport produced events; events and any data
// they reference are only valid for the duration of the call.
//
// Blocking Stream and Datagram operations must not be performed in Serve
// itself. Spawn a goroutine instead, e.g.
//
//	func (handler) Serve(conn *plume.Conn, events []transport.Event) {
//		for _, e := range events {
//			switch e.Type {
//			case transport.EventStreamOpen:
//				st, err := conn.Stream(e.ID)
//				...
//				go serveStream(st)
//			}
//		}
//	}
type Handler interface {
	Serve(conn *Conn, events []transport.Event)
}

type noopHandler struct{}

func (h noopHandler) Serve(*Conn, []transport.Event) {}

type command uint8

const (
	cmdStreamWrite command = iota
	cmdStreamRead
	cmdStreamClose
	cmdStreamCloseWrite
	cmdStreamCloseRead
	cmdDatagramWrite
	cmdDatagramRead
	cmdConnClose
)

// connCommand is a request from an application goroutine to the
// connection goroutine.
type connCommand struct {
	cmd command
	id  uint64 // stream id
	n   uint64 // error code
	h   string // reason phrase
}

// Conn is an asynchronous QUIC connection, safe to share between
// goroutines through its Stream and Datagram wrappers.
type Conn struct {
	scid []byte
	addr net.Addr
	conn *transport.Conn

	events []transport.Event

	recvCh chan *packet
	cmdCh  chan connCommand

	// Stream wrappers and pending blocking operations. Only touched on
	// the connection goroutine.
	streams   map[uint64]*Stream
	waitRead  map[uint64]*Stream
	waitWrite map[uint64]*Stream
	datagram  *Datagram
	waitDgram bool

	userData interface{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newRemoteConn(addr net.Addr, scid []byte, conn *transport.Conn) *Conn {
	c := &Conn{
		addr: addr,
		scid: scid,
		conn: conn,

		recvCh: make(chan *packet, 8),
		cmdCh:  make(chan connCommand),

		streams:   make(map[uint64]*Stream),
		waitRead:  make(map[uint64]*Stream),
		waitWrite: make(map[uint64]*Stream),
		closeCh:   make(chan struct{}),
	}
	c.datagram = newDatagram(c)
	return c
}

// Stream returns the blocking wrapper of the given stream, creating the
// transport stream when the ID is local and not yet used. It must only be
// called from the Handler callback.
func (c *Conn) Stream(id uint64) (*Stream, error) {
	if st, ok := c.streams[id]; ok {
		return st, nil
	}
	if _, err := c.conn.Stream(id); err != nil {
		return nil, err
	}
	st := newStream(c, id)
	c.streams[id] = st
	return st, nil
}

// Datagram returns the blocking wrapper for unreliable datagrams.
func (c *Conn) Datagram() *Datagram {
	return c.datagram
}

// Transport returns the underlying transport connection for synchronous
// use, e.g. to drive an h3.Conn. It must only be accessed from the
// Handler callback, which runs on the connection goroutine.
func (c *Conn) Transport() *transport.Conn {
	return c.conn
}

// LocalAddr returns the address the local socket is bound to.
func (c *Conn) LocalAddr() net.Addr {
	return nil // Socket is shared, see localConn.
}

// RemoteAddr returns the current peer network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.addr
}

// ConnectionState returns the connection state.
func (c *Conn) ConnectionState() transport.ConnectionState {
	return c.conn.ConnectionState()
}

// SetUserData attaches application data to the connection, e.g. per
// connection state built up in the Handler.
func (c *Conn) SetUserData(data interface{}) {
	c.userData = data
}

// UserData returns the attached application data.
func (c *Conn) UserData() interface{} {
	return c.userData
}

// Close closes the connection with the NO_ERROR application code.
// It must not be called from the Handler callback.
func (c *Conn) Close() error {
	return c.CloseWithError(0, "bye")
}

// CloseWithError closes the connection with an application error code and
// reason. It must not be called from the Handler callback.
func (c *Conn) CloseWithError(code uint64, reason string) error {
	cmd := connCommand{
		cmd: cmdConnClose,
		n:   code,
		h:   reason,
	}
	select {
	case <-c.closeCh:
		return errClosed
	case c.cmdCh <- cmd:
		return nil
	}
}

// setClosed is called from the connection goroutine during teardown.
func (c *Conn) setClosed() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		for _, st := range c.streams {
			st.setClosed()
		}
		c.datagram.setClosed()
	})
}

// localConn is the shared base of Client and Server: one UDP socket, a
// CID-keyed routing table and one goroutine per connection.
type localConn struct {
	config *transport.Config
	socket net.PacketConn

	peersMu sync.RWMutex
	// peers maps every issued source CID to its connection.
	peers map[string]*Conn

	closing   bool      // locked by peersMu
	closeCond sync.Cond // signalled when the last connection is gone
	closeCh   chan struct{}

	handler Handler
	logger  logger
}

func (l *localConn) init(config *transport.Config) {
	l.config = config
	l.peers = make(map[string]*Conn)
	l.closeCh = make(chan struct{})
	l.closeCond.L = &l.peersMu
	l.handler = noopHandler{}
	l.logger.init(LevelInfo, os.Stderr)
}

// SetHandler sets the connection event callback.
func (l *localConn) SetHandler(v Handler) {
	l.handler = v
}

// SetLogger sets the log level and output for transaction logs. Lines
// are written in the key=value format understood by the qlog package.
func (l *localConn) SetLogger(level int, w io.Writer) {
	l.logger.init(level, w)
}

// SetListener sets the listening socket, replacing Listen/ListenAndServe.
func (l *localConn) SetListener(socket net.PacketConn) {
	l.socket = socket
}

// LocalAddr returns the address the socket is bound to.
func (l *localConn) LocalAddr() net.Addr {
	if l.socket == nil {
		return nil
	}
	return l.socket.LocalAddr()
}

// route finds the connection owning the destination CID.
func (l *localConn) route(dcid []byte) *Conn {
	l.peersMu.RLock()
	c := l.peers[string(dcid)]
	l.peersMu.RUnlock()
	return c
}

// register adds routing entries for the connection. Empty keys are skipped.
func (l *localConn) register(c *Conn, cids ...[]byte) {
	l.peersMu.Lock()
	for _, cid := range cids {
		if len(cid) > 0 {
			l.peers[string(cid)] = c
		}
	}
	l.peersMu.Unlock()
}

// handleConn owns all transport state of c. It multiplexes inbound
// packets, application commands and timers, then drains events and
// outgoing datagrams after every mutation.
func (l *localConn) handleConn(c *Conn) {
	defer l.connClosed(c)
	for {
		timeout := c.conn.Timeout()
		if timeout < 0 {
			// No timer armed; wake up eventually anyway.
			timeout = 30 * time.Second
		}
		timer := time.NewTimer(timeout)
		select {
		case p := <-c.recvCh:
			l.recvConn(c, p)
			freePacket(p)
		case cmd := <-c.cmdCh:
			l.commandConn(c, cmd)
		case <-timer.C:
			// Let the transport run loss detection and idle timers.
			c.conn.Write(nil)
		case <-l.closeCh:
			c.conn.Close(true, 0, "server shutting down")
		}
		timer.Stop()
		l.serveConn(c)
		l.sendConn(c)
		if c.conn.ConnectionState() == transport.StateClosed {
			return
		}
	}
}

func (l *localConn) recvConn(c *Conn, p *packet) {
	if p.addr != nil && p.addr.String() != c.addr.String() {
		// Peer address changed (migration or NAT rebinding). Reply to
		// the most recent address; the application can ValidatePath.
		l.logger.log(LevelDebug, zs("", "connectivity:path_updated"),
			zx("cid", c.scid), zv("old", c.addr), zv("new", p.addr))
		c.addr = p.addr
	}
	_, err := c.conn.Write(p.data)
	if err != nil {
		l.logger.log(LevelError, zs("", "transport:packet_dropped"),
			zx("cid", c.scid), zv("addr", c.addr), ze("message", err))
	}
}

func (l *localConn) commandConn(c *Conn, cmd connCommand) {
	switch cmd.cmd {
	case cmdStreamWrite:
		st := c.streams[cmd.id]
		ts, err := c.conn.Stream(cmd.id)
		if err != nil {
			st.sendWriteResult(err)
			return
		}
		done, err := st.recvWriteData(ts)
		if err != nil {
			st.sendWriteResult(err)
		} else if done {
			st.sendWriteResult(nil)
		} else {
			// Out of flow control credit; finish on EventStreamWritable.
			c.waitWrite[cmd.id] = st
			st.sendWriteResult(errWait)
		}
	case cmdStreamRead:
		st := c.streams[cmd.id]
		ts, err := c.conn.Stream(cmd.id)
		if err != nil {
			st.sendReadResult(err)
			return
		}
		any, err := st.recvReadData(ts)
		if err != nil {
			st.sendReadResult(err)
		} else if any {
			st.sendReadResult(nil)
		} else {
			// No data buffered; finish on EventStreamReadable.
			c.waitRead[cmd.id] = st
			st.sendReadResult(errWait)
		}
	case cmdStreamClose, cmdStreamCloseWrite, cmdStreamCloseRead:
		st := c.streams[cmd.id]
		ts, err := c.conn.Stream(cmd.id)
		if err == nil {
			switch cmd.cmd {
			case cmdStreamClose:
				err = ts.Close()
			case cmdStreamCloseWrite:
				err = ts.Reset(cmd.n)
			case cmdStreamCloseRead:
				err = ts.Stop(cmd.n)
			}
		}
		st.sendCloseResult(err)
	case cmdDatagramWrite:
		// The transport either queues the whole datagram or rejects it.
		_, err := c.datagram.recvWriteData(c.conn.Datagram())
		c.datagram.sendWriteResult(err)
	case cmdDatagramRead:
		any, err := c.datagram.recvReadData(c.conn.Datagram())
		if err != nil {
			c.datagram.sendReadResult(err)
		} else if any {
			c.datagram.sendReadResult(nil)
		} else {
			c.waitDgram = true
			c.datagram.sendReadResult(errWait)
		}
	case cmdConnClose:
		c.conn.Close(true, cmd.n, cmd.h)
	}
}

// serveConn drains transport events, completes blocked stream operations
// and invokes the application handler.
func (l *localConn) serveConn(c *Conn) {
	c.events = c.conn.Events(c.events[:0])
	for _, e := range c.events {
		switch e.Type {
		case transport.EventStreamReadable:
			if st, ok := c.waitRead[e.ID]; ok {
				l.pollStreamRead(c, st, e.ID)
			}
		case transport.EventStreamWritable:
			if st, ok := c.waitWrite[e.ID]; ok {
				l.pollStreamWrite(c, st, e.ID)
			}
		case transport.EventStreamReset:
			if st, ok := c.waitRead[e.ID]; ok {
				delete(c.waitRead, e.ID)
				st.sendReadWait(errClosed)
			}
		case transport.EventStreamStop:
			if st, ok := c.waitWrite[e.ID]; ok {
				delete(c.waitWrite, e.ID)
				st.sendWriteWait(errClosed)
			}
		case transport.EventStreamClosed:
			// The wrapper stays in the map so an operation racing with
			// the closure still finds it and fails with errClosed.
			if st, ok := c.streams[e.ID]; ok {
				st.setClosed()
				delete(c.waitRead, e.ID)
				delete(c.waitWrite, e.ID)
			}
		case transport.EventDatagramReadable:
			if c.waitDgram {
				any, err := c.datagram.recvReadData(c.conn.Datagram())
				if err != nil || any {
					c.waitDgram = false
					c.datagram.sendReadWait(err)
				}
			}
		}
	}
	if len(c.events) > 0 {
		l.handler.Serve(c, c.events)
	}
}

func (l *localConn) pollStreamRead(c *Conn, st *Stream, id uint64) {
	ts, err := c.conn.Stream(id)
	if err != nil {
		delete(c.waitRead, id)
		st.sendReadWait(err)
		return
	}
	any, err := st.recvReadData(ts)
	if err != nil || any {
		delete(c.waitRead, id)
		st.sendReadWait(err)
	}
}

func (l *localConn) pollStreamWrite(c *Conn, st *Stream, id uint64) {
	ts, err := c.conn.Stream(id)
	if err != nil {
		delete(c.waitWrite, id)
		st.sendWriteWait(err)
		return
	}
	done, err := st.recvWriteData(ts)
	if err != nil || done {
		delete(c.waitWrite, id)
		st.sendWriteWait(err)
	}
}

// sendConn drains outgoing datagrams to the socket and keeps the CID
// routing table in sync with IDs the transport issued or retired.
func (l *localConn) sendConn(c *Conn) {
	p := newPacket()
	defer freePacket(p)
	for {
		n, err := c.conn.Read(p.buf[:maxDatagramSize])
		if err != nil {
			l.logger.log(LevelError, zs("", "transport:packet_dropped"),
				zx("cid", c.scid), zv("addr", c.addr), ze("message", err))
			break
		}
		if n == 0 {
			break
		}
		if _, err = l.socket.WriteTo(p.buf[:n], c.addr); err != nil {
			l.logger.log(LevelError, zs("", "transport:packet_dropped"),
				zx("cid", c.scid), zv("addr", c.addr), ze("message", err))
			break
		}
		l.logger.log(LevelTrace, zs("", "transport:datagrams_sent"),
			zx("cid", c.scid), zv("addr", c.addr), zi("byte_length", n))
	}
	if cids := c.conn.NewSourceCIDs(); len(cids) > 0 {
		l.register(c, cids...)
	}
	if cids := c.conn.RetiredSourceCIDs(); len(cids) > 0 {
		l.peersMu.Lock()
		for _, cid := range cids {
			delete(l.peers, string(cid))
		}
		l.peersMu.Unlock()
	}
}

// connClosed unregisters the connection and delivers the final events.
func (l *localConn) connClosed(c *Conn) {
	l.logger.log(LevelInfo, zs("", "connectivity:connection_closed"),
		zx("cid", c.scid), zv("addr", c.addr))
	l.serveConn(c)
	c.setClosed()
	l.peersMu.Lock()
	for cid, p := range l.peers {
		if p == c {
			delete(l.peers, cid)
		}
	}
	if l.closing && len(l.peers) == 0 {
		l.closeCond.Broadcast()
	}
	l.peersMu.Unlock()
}

// close asks all connections to shut down and waits for them up to the
// given timeout.
func (l *localConn) close(timeout time.Duration) {
	l.peersMu.Lock()
	if l.closing {
		l.peersMu.Unlock()
		return
	}
	l.closing = true
	close(l.closeCh)
	l.peersMu.Unlock()
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			l.peersMu.Lock()
			l.closeCond.Broadcast()
			l.peersMu.Unlock()
		})
		defer timer.Stop()
		l.peersMu.Lock()
		if len(l.peers) > 0 {
			l.closeCond.Wait()
		}
		l.peersMu.Unlock()
	}
}

// rand uses tls.Config.Rand if available.
func (l *localConn) rand(b []byte) error {
	var err error
	if l.config.TLS != nil && l.config.TLS.Rand != nil {
		_, err = io.ReadFull(l.config.TLS.Rand, b)
	} else {
		_, err = rand.Read(b)
	}
	return err
}

type packet struct {
	buf  [bufferSize]byte
	data []byte // always points into buf
	addr net.Addr

	header transport.Header
}

var packetPool = sync.Pool{}

func newPacket() *packet {
	p := packetPool.Get()
	if p != nil {
		return p.(*packet)
	}
	return &packet{}
}

func freePacket(p *packet) {
	p.data = nil
	p.addr = nil
	p.header = transport.Header{}
	packetPool.Put(p)
}

// readPacket reads one UDP datagram into p.
func readPacket(p *packet, socket net.PacketConn) error {
	n, addr, err := socket.ReadFrom(p.buf[:])
	if n > 0 {
		p.data = p.buf[:n]
		p.addr = addr
	} else {
		p.data = nil
	}
	return err
}
