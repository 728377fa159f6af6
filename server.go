package plume

import (
	"errors"
	"net"
	"time"

	"github.com/plumeq/plume/transport"
)

// AddressVerifier generates and validates address validation tokens
// carried in Retry packets. transport.NewAddressValidator provides an
// AEAD-based implementation binding tokens to the client address.
type AddressVerifier interface {
	// Generate creates a token for the client address and its original
	// destination CID.
	Generate(addr, odcid []byte) []byte
	// Validate returns the original destination CID encoded in the
	// token, or nil when the token is invalid or expired.
	Validate(addr, token []byte) []byte
}

// CIDIssuer customizes generation of server source connection IDs, e.g.
// to encode a server index for CID-aware load balancing in front of a
// fleet. Issued CIDs must all have the same length so short header
// packets can be routed.
type CIDIssuer interface {
	// NewCID returns a new connection ID.
	NewCID() ([]byte, error)
	// CIDLength returns the length of issued CIDs.
	CIDLength() int
}

// randomCIDIssuer is the default issuer.
type randomCIDIssuer struct {
	conn *localConn
}

func (g randomCIDIssuer) NewCID() ([]byte, error) {
	cid := make([]byte, cidLength)
	err := g.conn.rand(cid)
	return cid, err
}

func (g randomCIDIssuer) CIDLength() int {
	return cidLength
}

// Server accepts server-side QUIC connections on one UDP socket, routing
// packets to connections by destination CID.
// All setters must only be invoked before calling Serve.
type Server struct {
	localConn

	addrVer AddressVerifier
	cidIss  CIDIssuer
}

// NewServer creates a new QUIC server.
func NewServer(config *transport.Config) *Server {
	s := &Server{}
	s.localConn.init(config)
	s.cidIss = randomCIDIssuer{&s.localConn}
	return s
}

// SetAddressVerifier enables client address validation via Retry.
func (srv *Server) SetAddressVerifier(v AddressVerifier) {
	srv.addrVer = v
}

// SetCIDIssuer sets the generator of server connection IDs.
func (srv *Server) SetCIDIssuer(v CIDIssuer) {
	srv.cidIss = v
}

// ListenAndServe binds the UDP socket to addr and blocks serving
// incoming packets.
func (srv *Server) ListenAndServe(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	srv.socket = socket
	return srv.Serve()
}

// Serve reads packets from the socket, creating new connections for
// valid Initial packets, until the socket fails or is closed.
func (srv *Server) Serve() error {
	if srv.socket == nil {
		return errors.New("socket not listening")
	}
	srv.logger.log(LevelInfo, zs("", "connectivity:server_listening"),
		zv("addr", srv.socket.LocalAddr()))
	for {
		p := newPacket()
		err := readPacket(p, srv.socket)
		if len(p.data) > 0 {
			srv.logger.log(LevelTrace, zs("", "transport:datagrams_received"),
				zv("addr", p.addr), zi("byte_length", len(p.data)))
			srv.recv(p)
		} else {
			freePacket(p)
		}
		if err != nil {
			return err
		}
	}
}

func (srv *Server) recv(p *packet) {
	_, err := p.header.Decode(p.data, srv.cidIss.CIDLength())
	if err != nil {
		srv.logger.log(LevelDebug, zs("", "transport:packet_dropped"),
			zv("addr", p.addr), zi("packet_size", len(p.data)),
			zs("trigger", "header_parse_error"), ze("message", err))
		freePacket(p)
		return
	}
	c := srv.route(p.header.DCID)
	if c == nil {
		c = srv.accept(p)
		if c == nil {
			freePacket(p)
			return
		}
	}
	c.recvCh <- p
}

// accept creates a connection for the first Initial packet of a client,
// negotiating the version and validating the address when configured.
func (srv *Server) accept(p *packet) *Conn {
	h := &p.header
	if !transport.IsLongHeader(h.Flags) || len(p.data) < transport.MinInitialPacketSize {
		// A short header packet that does not route, or an undersized
		// Initial. Both are dropped silently.
		srv.logger.log(LevelDebug, zs("", "transport:packet_dropped"),
			zv("addr", p.addr), zi("packet_size", len(p.data)),
			zs("trigger", "unexpected_packet"), zx("dcid", h.DCID))
		return nil
	}
	if h.Version != transport.ProtocolVersion {
		srv.negotiate(p.addr, h)
		return nil
	}
	var odcid []byte
	if srv.addrVer != nil {
		token := transport.HeaderToken(p.data, srv.cidIss.CIDLength())
		if len(token) == 0 {
			srv.retry(p.addr, h)
			return nil
		}
		odcid = srv.addrVer.Validate([]byte(p.addr.String()), token)
		if len(odcid) == 0 {
			srv.logger.log(LevelInfo, zs("", "transport:packet_dropped"),
				zv("addr", p.addr), zs("trigger", "invalid_token"))
			return nil
		}
	}
	c, err := srv.newConn(p.addr, h.DCID, odcid)
	if err != nil {
		srv.logger.log(LevelError, zs("", "connectivity:error"),
			zv("addr", p.addr), ze("message", err))
		return nil
	}
	srv.peersMu.Lock()
	if srv.closing {
		srv.peersMu.Unlock()
		return nil
	}
	if _, ok := srv.peers[string(c.scid)]; ok {
		srv.peersMu.Unlock()
		srv.logger.log(LevelError, zs("", "connectivity:error"),
			zv("addr", p.addr), zx("cid", c.scid),
			zs("message", "connection id conflict"))
		return nil
	}
	srv.peers[string(c.scid)] = c
	// Route follow-up Initial packets still addressed to the client
	// chosen DCID.
	if string(h.DCID) != string(c.scid) {
		srv.peers[string(h.DCID)] = c
	}
	srv.peersMu.Unlock()
	srv.logger.log(LevelInfo, zs("", "connectivity:connection_started"),
		zx("cid", c.scid), zx("odcid", odcid), zv("addr", p.addr))
	go srv.handleConn(c)
	return c
}

// negotiate replies with a Version Negotiation packet.
func (srv *Server) negotiate(addr net.Addr, h *transport.Header) {
	p := newPacket()
	defer freePacket(p)
	n, err := transport.NegotiateVersion(p.buf[:], h.SCID, h.DCID)
	if err == nil {
		_, err = srv.socket.WriteTo(p.buf[:n], addr)
	}
	if err != nil {
		srv.logger.log(LevelError, zs("", "connectivity:error"),
			zv("addr", addr), zs("message", "version negotiation"), ze("error", err))
		return
	}
	srv.logger.log(LevelDebug, zs("", "transport:version_information"),
		zv("addr", addr), zi("server_versions", transport.ProtocolVersion),
		zv("client_version", h.Version))
}

// retry replies with a Retry packet carrying an address validation token
// and a fresh server chosen CID.
func (srv *Server) retry(addr net.Addr, h *transport.Header) {
	p := newPacket()
	defer freePacket(p)
	newCID, err := srv.cidIss.NewCID()
	if err != nil {
		srv.logger.log(LevelError, zs("", "connectivity:error"),
			zv("addr", addr), zs("message", "issue cid"), ze("error", err))
		return
	}
	token := srv.addrVer.Generate([]byte(addr.String()), h.DCID)
	n, err := transport.Retry(p.buf[:], h.SCID, newCID, h.DCID, token)
	if err == nil {
		_, err = srv.socket.WriteTo(p.buf[:n], addr)
	}
	if err != nil {
		srv.logger.log(LevelError, zs("", "connectivity:error"),
			zv("addr", addr), zs("message", "retry"), ze("error", err))
		return
	}
	srv.logger.log(LevelDebug, zs("", "transport:packet_sent"),
		zv("addr", addr), zs("packet_type", "retry"), zx("scid", newCID))
}

func (srv *Server) newConn(addr net.Addr, dcid, odcid []byte) (*Conn, error) {
	var scid []byte
	if len(dcid) == srv.cidIss.CIDLength() && len(odcid) == 0 {
		// Without Retry, keep using the client chosen DCID so the
		// handshake does not change the routing key.
		scid = append([]byte(nil), dcid...)
	} else {
		var err error
		if scid, err = srv.cidIss.NewCID(); err != nil {
			return nil, err
		}
	}
	conn, err := transport.Accept(scid, odcid, srv.config)
	if err != nil {
		return nil, err
	}
	c := newRemoteConn(addr, scid, conn)
	srv.logger.attachLogger(c)
	return c, nil
}

// Close asks all connections to shut down, waits for them to drain and
// closes the socket.
func (srv *Server) Close() error {
	srv.close(10 * time.Second)
	if srv.socket != nil {
		return srv.socket.Close()
	}
	return nil
}
