package plume

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/plumeq/plume/transport"
)

// Client manages client-side QUIC connections sharing one UDP socket.
// All setters must only be invoked before calling Serve.
type Client struct {
	localConn
}

// NewClient creates a new QUIC client.
func NewClient(config *transport.Config) *Client {
	c := &Client{}
	c.localConn.init(config)
	return c
}

// ListenAndServe binds the UDP socket to addr and serves incoming
// packets. Unlike Server.ListenAndServe, this function does not block as
// Serve is invoked in a goroutine.
func (c *Client) ListenAndServe(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	c.socket = socket
	go c.Serve()
	return nil
}

// Serve reads packets from the socket and routes them to their
// connections until the socket fails or is closed.
func (c *Client) Serve() error {
	if c.socket == nil {
		return errors.New("socket not listening")
	}
	for {
		p := newPacket()
		err := readPacket(p, c.socket)
		if len(p.data) > 0 {
			c.logger.log(LevelTrace, zs("", "transport:datagrams_received"),
				zv("addr", p.addr), zi("byte_length", len(p.data)))
			c.recv(p)
		} else {
			freePacket(p)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) recv(p *packet) {
	_, err := p.header.Decode(p.data, cidLength)
	if err != nil {
		c.logger.log(LevelDebug, zs("", "transport:packet_dropped"),
			zv("addr", p.addr), zi("packet_size", len(p.data)),
			zs("trigger", "header_parse_error"), ze("message", err))
		freePacket(p)
		return
	}
	c.peersMu.RLock()
	closing := c.closing
	conn := c.peers[string(p.header.DCID)]
	c.peersMu.RUnlock()
	if closing || conn == nil {
		c.logger.log(LevelDebug, zs("", "transport:packet_dropped"),
			zv("addr", p.addr), zi("packet_size", len(p.data)),
			zs("trigger", "unknown_connection_id"), zx("dcid", p.header.DCID))
		freePacket(p)
		return
	}
	conn.recvCh <- p
}

// Connect starts a new connection to the UDP network address addr. The
// handler is invoked once the handshake completes (EventConnOpen) or
// fails (EventConnClosed).
func (c *Client) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := c.newConn(udpAddr)
	if err != nil {
		return err
	}
	c.peersMu.Lock()
	if c.closing {
		c.peersMu.Unlock()
		return errors.New("client is closed")
	}
	if _, ok := c.peers[string(conn.scid)]; ok {
		c.peersMu.Unlock()
		return fmt.Errorf("connection id conflict cid=%x", conn.scid)
	}
	c.peers[string(conn.scid)] = conn
	c.peersMu.Unlock()
	c.logger.log(LevelInfo, zs("", "connectivity:connection_started"),
		zx("cid", conn.scid), zv("addr", conn.addr))
	// First flight.
	c.sendConn(conn)
	go c.handleConn(conn)
	return nil
}

// Close closes all connections and the socket, waiting for the
// connections to drain.
func (c *Client) Close() error {
	c.close(10 * time.Second)
	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}

func (c *Client) newConn(addr net.Addr) (*Conn, error) {
	scid := make([]byte, cidLength)
	if err := c.rand(scid); err != nil {
		return nil, fmt.Errorf("generate connection id: %v", err)
	}
	conn, err := transport.Connect(scid, c.config)
	if err != nil {
		return nil, err
	}
	rc := newRemoteConn(addr, scid, conn)
	c.logger.attachLogger(rc)
	return rc, nil
}
