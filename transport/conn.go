package transport

import (
	"bytes"
	"crypto/rand"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// ConnectionState is the state of a QUIC connection.
type ConnectionState uint8

// Supported connection states
const (
	StateAttempted ConnectionState = iota
	StateHandshake
	StateActive
	StateDraining
	StateClosed
)

var connectionStateNames = [...]string{
	StateAttempted: "attempted",
	StateHandshake: "handshake",
	StateActive:    "active",
	StateDraining:  "draining",
	StateClosed:    "closed",
}

func (cs ConnectionState) String() string {
	return connectionStateNames[cs]
}

// Conn is a QUIC connection.
type Conn struct {
	scid  []byte // Source CID
	dcid  []byte // Destination CID. DCID can be replaced in recvPacketInitial.
	odcid []byte // Original destination CID. Used to validate transport parameters.
	rscid []byte // Retry source CID. Set in recvPacketRetry.
	token []byte // Address validation token sent in Initial packets.

	// Connection IDs issued to and received from the peer.
	localCIDs  localCIDs
	remoteCIDs remoteCIDs

	packetNumberSpaces [packetSpaceCount]packetNumberSpace
	streams            streamMap
	datagram           Datagram

	localParams Parameters
	peerParams  Parameters

	handshake tlsHandshake
	recovery  lossRecovery
	flow      flowControl

	idleTimer     time.Time // Idle timeout expiration time.
	drainingTimer time.Time // Closing and draining timeout expiration time.

	pathChallenge []byte                // Outstanding path validation data.
	pathResponse  []byte                // Data from peer path challenge.
	newToken      []byte                // Server: token to deliver via NEW_TOKEN.
	peerToken     []byte                // Client: token received via NEW_TOKEN.
	closeFrame    *connectionCloseFrame // Error to be sent to peer.
	peerClose     *connectionCloseFrame // Error received from peer.

	// Events resulting from received frames
	events []Event
	// Application callbacks
	logEventFn func(LogEvent)

	version               uint32
	state                 ConnectionState
	isClient              bool
	gotPeerCID            bool
	didRetry              bool
	didVersionNegotiation bool
	ackElicitingSent      bool // Whether an ACK-eliciting packet has been sent since last receiving a packet.
	handshakeConfirmed    bool // On server, it's handshakeDone frame sent. On client, it's the frame received
	derivedInitialSecrets bool
	updateMaxData         bool // Whether a MAX_DATA needs to be sent
	needSendNewToken      bool
	pathChallengeSent     bool
	streamsBlockedBidi    bool
	streamsBlockedUni     bool
	issuedCIDs            bool
	quantumReadiness      bool // Pad client Initial packets to the full datagram size.
}

// Connect creates a client connection.
func Connect(scid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, nil, true)
}

// Accept creates a server connection. odcid is the original destination
// CID from a validated Retry token, or nil when no Retry was performed.
func Accept(scid, odcid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, odcid, false)
}

func newConn(config *Config, scid, odcid []byte, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	if len(scid) > MaxCIDLength || len(odcid) > MaxCIDLength {
		return nil, newError(ProtocolViolation, "cid too long")
	}
	c := &Conn{
		version:          config.Version,
		isClient:         isClient,
		localParams:      config.Params,
		state:            StateAttempted,
		quantumReadiness: config.QuantumReadiness,
	}
	c.handshake.init(c, config.TLS)
	for i := range c.packetNumberSpaces {
		c.packetNumberSpaces[i].init()
	}
	c.streams.init(c.localParams.InitialMaxStreamsBidi, c.localParams.InitialMaxStreamsUni)
	switch config.CongestionControl {
	case "", "reno":
		c.recovery.congestion = &renoControl{}
	case "cubic":
		c.recovery.congestion = &cubicControl{}
	default:
		return nil, newError(InternalError, "unsupported congestion control "+config.CongestionControl)
	}
	c.recovery.init()
	c.flow.init(c.localParams.InitialMaxData, 0)
	if len(scid) > 0 {
		c.scid = append(c.scid[:0], scid...)
	}
	c.localParams.InitialSourceCID = c.scid // SCID is fixed so can use its reference
	if len(odcid) > 0 {
		c.odcid = append(c.odcid[:0], odcid...)
		c.localParams.OriginalDestinationCID = c.odcid
		c.localParams.RetrySourceCID = c.scid
		c.didRetry = true // So odcid will not be set again
	} else {
		// Do not take CIDs from config
		c.localParams.OriginalDestinationCID = nil
		c.localParams.RetrySourceCID = nil
	}
	if isClient {
		// Stateless reset token must not be sent by client
		c.localParams.StatelessResetToken = nil
		// Random first destination connection id from client
		c.dcid = make([]byte, MaxCIDLength)
		if err := c.rand(c.dcid); err != nil {
			return nil, err
		}
		if err := c.deriveInitialKeyMaterial(c.dcid); err != nil {
			return nil, err
		}
	} else {
		// The server address is validated by the peer by definition,
		// and the client address is only validated after a Retry token
		// or the first Handshake packet.
		c.recovery.setPeerCompletedAddressValidation()
		if !c.didRetry {
			c.recovery.setAmplificationLimited(true)
		}
	}
	if err := c.localParams.validate(isClient); err != nil {
		return nil, err
	}
	var resetToken [16]byte
	copy(resetToken[:], c.localParams.StatelessResetToken)
	c.localCIDs.init(c.scid, resetToken)
	c.handshake.setTransportParams(&c.localParams)
	c.datagram.setMaxRecv(c.localParams.MaxDatagramFramePayloadSize)
	return c, nil
}

// Write consumes received data.
// NOTE: b will be modified as data is decrypted directly to b.
func (c *Conn) Write(b []byte) (int, error) {
	now := c.time()
	if c.state < StateDraining {
		// Anti-amplification accounting counts whole datagrams.
		c.recovery.onDatagramReceived(len(b))
	}
	n := 0
	for n < len(b) {
		if c.state >= StateDraining {
			// Closing
			break
		}
		i, err := c.recv(b[n:], now)
		if err != nil {
			return n, err
		}
		n += i
	}
	c.checkTimeout(now)
	c.addStreamEvents()
	return n, nil
}

func (c *Conn) deriveInitialKeyMaterial(cid []byte) error {
	client, server, err := newInitialSecrets(cid)
	if err != nil {
		return newError(CryptoError, err.Error())
	}
	space := &c.packetNumberSpaces[packetSpaceInitial]
	if c.isClient {
		space.opener, space.sealer = server, client
	} else {
		space.opener, space.sealer = client, server
	}
	c.derivedInitialSecrets = true
	return nil
}

func (c *Conn) recv(b []byte, now time.Time) (int, error) {
	p := packet{
		header: Header{
			dcil: uint8(len(c.scid)),
		},
	}
	_, err := p.decodeHeader(b)
	if err != nil {
		c.logPacketDropped(&p, logTriggerHeaderParseError, now)
		return 0, ErrPacketDropped
	}
	switch p.typ {
	case packetTypeInitial:
		return c.recvPacketInitial(b, &p, now)
	case packetTypeZeroRTT:
		return 0, newError(InternalError, "zerortt packet not supported")
	case packetTypeHandshake:
		return c.recvPacketHandshake(b, &p, now)
	case packetTypeRetry:
		return c.recvPacketRetry(b, &p, now)
	case packetTypeVersionNegotiation:
		return c.recvPacketVersionNegotiation(b, &p, now)
	case packetTypeOneRTT:
		return c.recvPacketShort(b, &p, now)
	default:
		panic(sprint("unsupported packet type ", p.typ))
	}
}

// https://www.rfc-editor.org/rfc/rfc9000.html#name-version-negotiation
func (c *Conn) recvPacketVersionNegotiation(b []byte, p *packet, now time.Time) (int, error) {
	// VN packet can only be sent by server
	if !c.isClient || c.didVersionNegotiation || c.state != StateAttempted {
		c.logPacketDropped(p, logTriggerUnexpectedPacket, now)
		return 0, ErrPacketDropped
	}
	if !bytes.Equal(p.header.DCID, c.scid) || !bytes.Equal(p.header.SCID, c.dcid) {
		c.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return 0, ErrPacketDropped
	}
	n, err := p.decodeBody(b[p.headerLen:])
	if err != nil {
		c.logPacketDropped(p, logTriggerHeaderParseError, now)
		return 0, ErrPacketDropped
	}
	var newVersion uint32
	for _, v := range p.supportedVersions {
		if versionSupported(v) {
			newVersion = v
			break
		}
	}
	if newVersion == 0 {
		return 0, newError(InternalError, sprint("unsupported version ", p.supportedVersions))
	}
	c.version = newVersion
	c.didVersionNegotiation = true
	// Reset connection state to send another initial packet
	c.gotPeerCID = false
	c.recovery.onPacketNumberSpaceDiscarded(packetSpaceInitial, now)
	c.packetNumberSpaces[packetSpaceInitial].reset()
	c.handshake.reset()
	c.handshake.setTransportParams(&c.localParams)
	c.logPacketReceived(p, now)
	return p.headerLen + n, nil
}

// https://www.rfc-editor.org/rfc/rfc9000.html#name-address-validation-during-c
func (c *Conn) recvPacketRetry(b []byte, p *packet, now time.Time) (int, error) {
	// Retry packet can only be sent by server.
	// Packet's SCID must not be equal to the client's DCID.
	if !c.isClient || c.didRetry || c.state != StateAttempted {
		c.logPacketDropped(p, logTriggerUnexpectedPacket, now)
		return 0, ErrPacketDropped
	}
	if !bytes.Equal(p.header.DCID, c.scid) || bytes.Equal(p.header.SCID, c.dcid) {
		c.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return 0, ErrPacketDropped
	}
	_, err := p.decodeBody(b[p.headerLen:])
	if err != nil {
		c.logPacketDropped(p, logTriggerHeaderParseError, now)
		return 0, ErrPacketDropped
	}
	// Verify token and integrity tag
	if len(p.token) == 0 || !verifyRetryIntegrity(b, c.dcid) {
		return 0, newError(InvalidToken, "")
	}
	c.didRetry = true
	c.token = append(c.token[:0], p.token...)
	// Update CIDs and crypto: dcid => odcid, header.SCID => dcid
	c.odcid = append(c.odcid[:0], c.dcid...)
	c.dcid = append(c.dcid[:0], p.header.SCID...)
	c.rscid = c.dcid // DCID is now fixed
	if err := c.deriveInitialKeyMaterial(c.dcid); err != nil {
		return 0, err
	}
	// Reset connection state to send another initial packet
	c.gotPeerCID = false
	c.recovery.onPacketNumberSpaceDiscarded(packetSpaceInitial, now)
	c.packetNumberSpaces[packetSpaceInitial].reset()
	c.handshake.reset()
	c.handshake.setTransportParams(&c.localParams)
	c.logPacketReceived(p, now)
	return len(b), nil // p.headerLen + bodyLen + retryIntegrityTagLen
}

func (c *Conn) recvPacketInitial(b []byte, p *packet, now time.Time) (int, error) {
	if c.gotPeerCID && (!bytes.Equal(p.header.DCID, c.scid) || !bytes.Equal(p.header.SCID, c.dcid)) {
		c.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return 0, ErrPacketDropped
	}
	if !c.derivedInitialSecrets { // Server side
		if err := c.deriveInitialKeyMaterial(p.header.DCID); err != nil {
			return 0, err
		}
	}
	if !c.gotPeerCID {
		if c.isClient {
			if len(c.odcid) == 0 {
				c.odcid = append(c.odcid[:0], c.dcid...)
			}
		} else {
			if !c.didRetry {
				c.odcid = append(c.odcid[:0], p.header.DCID...)
				c.localParams.OriginalDestinationCID = c.odcid
				c.handshake.setTransportParams(&c.localParams)
			}
		}
		// Replace the randomly generated destination connection ID with
		// the one supplied by the peer. It is sequence 0 in the registry.
		c.dcid = append(c.dcid[:0], p.header.SCID...)
		c.remoteCIDs.init(append([]byte(nil), c.dcid...), c.localParams.ActiveConnectionIDLimit)
		c.gotPeerCID = true
	}
	return c.recvPacket(b, p, packetSpaceInitial, now)
}

func (c *Conn) recvPacketHandshake(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.DCID, c.scid) || !bytes.Equal(p.header.SCID, c.dcid) {
		c.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return 0, ErrPacketDropped
	}
	// A Handshake packet proves the peer owns its address.
	if !c.isClient {
		c.recovery.setAmplificationLimited(false)
	}
	return c.recvPacket(b, p, packetSpaceHandshake, now)
}

func (c *Conn) recvPacketShort(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.DCID, c.scid) {
		c.logPacketDropped(p, logTriggerUnknownConnectionID, now)
		return 0, ErrPacketDropped
	}
	return c.recvPacket(b, p, packetSpaceApplication, now)
}

func (c *Conn) recvPacket(b []byte, p *packet, space packetSpace, now time.Time) (int, error) {
	pnSpace := &c.packetNumberSpaces[space]
	if !pnSpace.canDecrypt() {
		c.logPacketDropped(p, logTriggerKeyUnavailable, now)
		return len(b), ErrKeysUnavailable
	}
	keyPhase := pnSpace.keyPhase
	payload, length, err := pnSpace.decryptPacket(b, p)
	if err != nil {
		if p.typ == packetTypeOneRTT && c.isStatelessReset(b) {
			// https://www.rfc-editor.org/rfc/rfc9000.html#name-stateless-reset
			c.logPacketDropped(p, logTriggerStatelessReset, now)
			c.drainingTimer = now.Add(3 * c.recovery.probeTimeout())
			c.setState(StateDraining, now)
			return len(b), nil
		}
		c.logPacketDropped(p, logTriggerPayloadDecryptError, now)
		return 0, ErrPacketDropped
	}
	p.packetSize = length
	if pnSpace.keyPhase != keyPhase {
		// Peer initiated a key update.
		c.logKeyUpdate(pnSpace.keyPhase, false, now)
	}
	if pnSpace.isPacketReceived(p.packetNumber) {
		// Ignore duplicate packet but still continue because packet can be coalesced.
		c.logPacketDropped(p, logTriggerDuplicate, now)
		return p.packetSize, nil
	}
	c.logPacketReceived(p, now)
	if err = c.recvFrames(payload, p.typ, space, now); err != nil {
		return 0, err
	}
	// Process acked frames
	c.processAckedPackets(space)

	// https://www.rfc-editor.org/rfc/rfc9000.html#name-discarding-initial-packets
	// A server stops sending and processing Initial packets when it receives its first Handshake packet.
	if space == packetSpaceHandshake {
		if !c.isClient && pnSpace.largestRecvPacketTime.IsZero() {
			c.dropPacketSpace(packetSpaceInitial, now)
		}
		if c.state < StateHandshake {
			c.setState(StateHandshake, now)
		}
	}
	// Mark this packet received
	pnSpace.onPacketReceived(p.packetNumber, now)

	if c.localParams.MaxIdleTimeout > 0 {
		c.idleTimer = now.Add(c.localParams.MaxIdleTimeout)
	}
	c.ackElicitingSent = false
	return p.packetSize, nil
}

// isStatelessReset reports whether the undecryptable datagram ends with a
// stateless reset token the peer associated with one of its CIDs.
func (c *Conn) isStatelessReset(b []byte) bool {
	if len(b) < 16 {
		return false
	}
	return c.remoteCIDs.hasToken(b[len(b)-16:])
}

// https://www.rfc-editor.org/rfc/rfc9000.html#name-frames-and-frame-types
// recvFrames sets ackElicited if a received frame is an ack eliciting.
func (c *Conn) recvFrames(b []byte, pktType packetType, space packetSpace, now time.Time) error {
	// To avoid sending an ACK in response to an ACK-only packet, we need
	// to keep track of whether this packet contains any frame other than
	// ACK, PADDING and CONNECTION_CLOSE.
	var ackElicited = false
	for len(b) > 0 {
		var typ uint64
		n := getVarint(b, &typ)
		if n == 0 {
			return newError(FrameEncodingError, "")
		}
		if !isFrameAllowedInPacket(typ, pktType) {
			return newError(ProtocolViolation, sprint("unexpected frame ", typ))
		}
		var err error
		switch {
		case typ == frameTypePadding:
			n, err = c.recvFramePadding(b, now)
		case typ == frameTypePing:
			c.recvFramePing(b, now)
		case typ == frameTypeAck || typ == frameTypeAckECN:
			n, err = c.recvFrameAck(b, space, now)
		case typ == frameTypeResetStream:
			n, err = c.recvFrameResetStream(b, now)
		case typ == frameTypeStopSending:
			n, err = c.recvFrameStopSending(b, now)
		case typ == frameTypeCrypto:
			n, err = c.recvFrameCrypto(b, space, now)
		case typ == frameTypeNewToken:
			n, err = c.recvFrameNewToken(b, now)
		case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
			n, err = c.recvFrameStream(b, now)
		case typ == frameTypeMaxData:
			n, err = c.recvFrameMaxData(b, now)
		case typ == frameTypeMaxStreamData:
			n, err = c.recvFrameMaxStreamData(b, now)
		case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
			n, err = c.recvFrameMaxStreams(b, now)
		case typ == frameTypeDataBlocked:
			n, err = c.recvFrameDataBlocked(b, now)
		case typ == frameTypeStreamDataBlocked:
			n, err = c.recvFrameStreamDataBlocked(b, now)
		case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
			n, err = c.recvFrameStreamsBlocked(b, now)
		case typ == frameTypeNewConnectionID:
			n, err = c.recvFrameNewConnectionID(b, now)
		case typ == frameTypeRetireConnectionID:
			n, err = c.recvFrameRetireConnectionID(b, now)
		case typ == frameTypePathChallenge:
			n, err = c.recvFramePathChallenge(b, now)
		case typ == frameTypePathResponse:
			n, err = c.recvFramePathResponse(b, now)
		case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
			n, err = c.recvFrameConnectionClose(b, space, now)
		case typ == frameTypeHandshakeDone:
			n, err = c.recvFrameHandshakeDone(b, now)
		case typ == frameTypeDatagram || typ == frameTypeDatagramWithLength:
			n, err = c.recvFrameDatagram(b, now)
		default:
			return newError(FrameEncodingError, sprint("unsupported frame ", typ))
		}
		if err != nil {
			debug("error processing frame 0x%x: %v", typ, err)
			return err
		}
		if !ackElicited {
			ackElicited = isFrameAckEliciting(typ)
		}
		b = b[n:]
	}
	if ackElicited {
		c.packetNumberSpaces[space].ackElicited = true
	}
	return nil
}

func (c *Conn) recvFramePadding(b []byte, now time.Time) (int, error) {
	var f paddingFrame
	n, err := f.decode(b)
	c.logFrameProcessed(&f, now)
	return n, err
}

func (c *Conn) recvFramePing(b []byte, now time.Time) {
	// Will ack
	var f pingFrame
	debug("received frame 0x%x: %v", b[0], &f)
	c.logFrameProcessed(&f, now)
}

func (c *Conn) recvFrameAck(b []byte, space packetSpace, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	ranges := f.toRangeSet()
	if ranges == nil {
		return 0, newError(FrameEncodingError, sprint("invalid ack ranges ", f.String()))
	}
	ackDelay := time.Duration((1<<c.peerParams.AckDelayExponent)*f.ackDelay) * time.Microsecond
	c.recovery.onAckReceived(ranges, ackDelay, space, now)
	switch space {
	case packetSpaceHandshake:
		if c.isClient {
			// An acked Handshake packet means the server has validated
			// the client address.
			c.recovery.setPeerCompletedAddressValidation()
		}
	case packetSpaceApplication:
		c.packetNumberSpaces[space].confirmKeyUpdate(f.largestAck)
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a RESET_STREAM frame to abruptly terminate
// the sending part of a stream.
func (c *Conn) recvFrameResetStream(b []byte, now time.Time) (int, error) {
	var f resetStreamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Not for send-only stream
	local := isStreamLocal(f.streamID, c.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		debug("peer attempted to reset our send-only stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, sprint("reset_stream: invalid id ", f.streamID))
	}
	if c.streams.isClosed(f.streamID, c.isClient) {
		// Frame for an already collected stream.
		return n, nil
	}
	st, err := c.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	mayRecv := uint64(0)
	if f.finalSize > st.recv.length {
		mayRecv = f.finalSize - st.recv.length
	}
	if mayRecv > c.flow.canRecv() {
		return 0, newError(FlowControlError, sprint("reset_stream: connection data exceeded ", c.flow.maxRecv))
	}
	_, err = st.handleResetStream(f.finalSize)
	if err != nil {
		return 0, err
	}
	c.flow.addRecv(mayRecv)
	c.addEvent(newEventStreamReset(f.streamID, f.errorCode))
	c.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a STOP_SENDING frame to communicate that incoming data
// is being discarded on receipt at application request.
func (c *Conn) recvFrameStopSending(b []byte, now time.Time) (int, error) {
	var f stopSendingFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Not for a locally-initiated stream that has not yet been created.
	local := isStreamLocal(f.streamID, c.isClient)
	if local && c.streams.get(f.streamID) == nil && !c.streams.isClosed(f.streamID, c.isClient) {
		return 0, newError(StreamStateError, sprint("stop_sending: stream not existed ", f.streamID))
	}
	// Not for a receive-only stream.
	bidi := isStreamBidi(f.streamID)
	if !local && !bidi {
		debug("peer attempted to stop sending their receive-only stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, sprint("stop_sending: stream readonly ", f.streamID))
	}
	if c.streams.isClosed(f.streamID, c.isClient) {
		return n, nil
	}
	st, err := c.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.handleStopSending(f.errorCode)
	c.addEvent(newEventStreamStop(f.streamID, f.errorCode))
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameCrypto(b []byte, space packetSpace, now time.Time) (int, error) {
	var f cryptoFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Push the data to the crypto stream so it can be re-ordered.
	err = c.packetNumberSpaces[space].onCryptoReceived(f.data, f.offset)
	if err != nil {
		return 0, err
	}
	err = c.doHandshake(now)
	if err != nil {
		return 0, err
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameNewToken(b []byte, now time.Time) (int, error) {
	var f newTokenFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if !c.isClient {
		// Only servers provide address validation tokens.
		return 0, newError(ProtocolViolation, "unexpected new token frame")
	}
	debug("received frame 0x%x: %v", b[0], &f)
	c.peerToken = append(c.peerToken[:0], f.token...)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Peer can't send on our unidirectional streams.
	local := isStreamLocal(f.streamID, c.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		debug("peer attempted to sent to our stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, "writing not permitted")
	}
	if uint64(len(f.data)) > c.flow.canRecv() {
		return 0, newError(FlowControlError, sprint("stream: connection data exceeded ", c.flow.maxRecv))
	}
	if c.streams.isClosed(f.streamID, c.isClient) {
		// Stream was collected, discard late data but keep the
		// connection-level accounting consistent.
		c.flow.addRecv(uint64(len(f.data)))
		c.flow.addMaxRecvNext(uint64(len(f.data)))
		return n, nil
	}
	st, err := c.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	err = st.pushRecv(f.data, f.offset, f.fin)
	if err != nil {
		return 0, err
	}
	debug("stream %d recv: %v", f.streamID, &st.recv)
	// A receiver maintains a cumulative sum of bytes received on all streams,
	// which is used to check for flow control violations
	c.flow.addRecv(uint64(len(f.data)))
	if st.isReadable() {
		c.addEvent(newEventStreamReadable(f.streamID))
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxData(b []byte, now time.Time) (int, error) {
	var f maxDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	c.flow.setMaxSend(f.maximumData)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxStreamData(b []byte, now time.Time) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if c.streams.isClosed(f.streamID, c.isClient) {
		return n, nil
	}
	st, err := c.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.flow.setMaxSend(f.maximumData)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameMaxStreams(b []byte, now time.Time) (int, error) {
	var f maxStreamsFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if f.maximumStreams > maxStreams {
		return 0, newError(StreamLimitError, "max_streams")
	}
	if f.bidi {
		c.streams.setPeerMaxStreamsBidi(f.maximumStreams)
		c.streamsBlockedBidi = false
	} else {
		c.streams.setPeerMaxStreamsUni(f.maximumStreams)
		c.streamsBlockedUni = false
	}
	c.addEvent(newEventStreamCreatable(f.bidi))
	c.logFrameProcessed(&f, now)
	return n, nil
}

// The peer ran out of connection-level credit: announce a new limit as
// soon as consumed data allows it.
func (c *Conn) recvFrameDataBlocked(b []byte, now time.Time) (int, error) {
	var f dataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if c.flow.maxRecvNext > c.flow.maxRecv {
		c.updateMaxData = true
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameStreamDataBlocked(b []byte, now time.Time) (int, error) {
	var f streamDataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if st := c.streams.get(f.streamID); st != nil {
		if st.flow.maxRecvNext > st.flow.maxRecv {
			st.setUpdateMaxData()
		}
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// Stream limits are only raised when the application closes streams, so
// the frame is just acknowledged.
func (c *Conn) recvFrameStreamsBlocked(b []byte, now time.Time) (int, error) {
	var f streamsBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameNewConnectionID(b []byte, now time.Time) (int, error) {
	var f newConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if len(f.connectionID) == 0 || len(f.connectionID) > MaxCIDLength {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	if len(c.dcid) == 0 {
		// A peer that uses zero-length CIDs cannot issue new ones.
		return 0, newError(ProtocolViolation, "new_connection_id with zero-length cid in use")
	}
	var token [16]byte
	copy(token[:], f.statelessResetToken)
	cid := append([]byte(nil), f.connectionID...)
	err = c.remoteCIDs.add(f.sequenceNumber, f.retirePriorTo, cid, token)
	if err != nil {
		return 0, err
	}
	// The active CID may have been retired by retire_prior_to.
	if active := c.remoteCIDs.active(); active != nil && !bytes.Equal(active, c.dcid) {
		c.dcid = append(c.dcid[:0], active...)
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameRetireConnectionID(b []byte, now time.Time) (int, error) {
	var f retireConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	err = c.localCIDs.retire(f.sequenceNumber)
	if err != nil {
		return 0, err
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFramePathChallenge(b []byte, now time.Time) (int, error) {
	var f pathChallengeFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	c.pathResponse = make([]byte, len(f.data))
	copy(c.pathResponse, f.data)
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFramePathResponse(b []byte, now time.Time) (int, error) {
	var f pathResponseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if c.pathChallenge != nil && bytes.Equal(f.data, c.pathChallenge) {
		// Path validated.
		c.pathChallenge = nil
		c.pathChallengeSent = false
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameConnectionClose(b []byte, space packetSpace, now time.Time) (int, error) {
	var f connectionCloseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("receiving frame 0x%x: %s (%s)", b[0], &f, errorCodeString(f.errorCode))
	if c.peerClose == nil {
		// Reason phrases are advisory. A peer sending garbage bytes gets
		// them replaced rather than dropped.
		reason := strings.ToValidUTF8(string(f.reasonPhrase), string(utf8.RuneError))
		c.peerClose = &connectionCloseFrame{
			application:  f.application,
			errorCode:    f.errorCode,
			frameType:    f.frameType,
			reasonPhrase: []byte(reason),
		}
	}
	// After receiving a CONNECTION_CLOSE frame, endpoints enter the draining state;
	if c.state < StateDraining {
		// Persist for at least three times the current Probe Timeout
		c.drainingTimer = now.Add(c.recovery.probeTimeout() * 3)
		c.setState(StateDraining, now)
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameHandshakeDone(b []byte, now time.Time) (int, error) {
	var f handshakeDoneFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if !c.isClient {
		return 0, newError(ProtocolViolation, "unexpected handshake done frame")
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if c.state == StateActive && !c.handshakeConfirmed {
		// Drop client's handshake state when it received done from server
		c.dropPacketSpace(packetSpaceHandshake, now)
		c.handshakeConfirmed = true
		c.recovery.setHandshakeConfirmed()
		c.recovery.setPeerCompletedAddressValidation()
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

func (c *Conn) recvFrameDatagram(b []byte, now time.Time) (int, error) {
	var f datagramFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	err = c.datagram.pushRecv(f.data)
	if err != nil {
		return 0, err
	}
	if c.datagram.isReadable() {
		c.addEvent(newEventDatagramReadable())
	}
	c.logFrameProcessed(&f, now)
	return n, nil
}

// processAckedPackets is called when the connection got an ACK frame.
func (c *Conn) processAckedPackets(space packetSpace) {
	c.recovery.drainAcked(space, func(f frame) {
		switch f := f.(type) {
		case *ackFrame:
			// Stop sending ack for packets when receiving is confirmed
			c.packetNumberSpaces[space].recvPacketNeedAck.removeUntil(f.largestAck)
		case *cryptoFrame:
			c.packetNumberSpaces[space].cryptoStream.ackSend(f.offset, uint64(len(f.data)))
		case *streamFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				complete := st.ackSend(f.offset, uint64(len(f.data)))
				if complete {
					c.addEvent(newEventStreamComplete(f.streamID))
				}
			}
		case *resetStreamFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				st.resetStream.state = deliveryConfirmed
			}
		case *stopSendingFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				st.stopSending.state = deliveryConfirmed
			}
		}
	})
}

func (c *Conn) doHandshake(now time.Time) error {
	if c.state >= StateActive {
		return nil
	}
	err := c.handshake.doHandshake()
	if err != nil {
		return err
	}
	if c.packetNumberSpaces[packetSpaceHandshake].canEncrypt() {
		c.recovery.setHasHandshakeKeys()
	}
	if c.handshake.HandshakeComplete() {
		params := c.handshake.peerTransportParams()
		debug("peer transport params: %+v", params)
		if err := c.validatePeerTransportParams(params); err != nil {
			return err
		}
		// Update connection state
		c.setPeerParams(params, now)
		c.setState(StateActive, now)
		if err := c.issueCIDs(); err != nil {
			return err
		}
		if !c.isClient && len(c.newToken) > 0 {
			c.needSendNewToken = true
		}
	}
	return nil
}

func (c *Conn) setPeerParams(params *Parameters, now time.Time) {
	c.peerParams = *params
	// Update flow and stream states
	c.flow.setMaxSend(c.peerParams.InitialMaxData)
	c.streams.setPeerMaxStreamsBidi(c.peerParams.InitialMaxStreamsBidi)
	c.streams.setPeerMaxStreamsUni(c.peerParams.InitialMaxStreamsUni)
	// Update loss recovery state
	c.recovery.setMaxAckDelay(c.peerParams.MaxAckDelay)
	if c.peerParams.MaxUDPPayloadSize > 0 {
		c.recovery.setMaxDatagramSize(uint(c.peerParams.MaxUDPPayloadSize))
	}
	// Datagram
	c.datagram.setMaxSend(c.peerParams.MaxDatagramFramePayloadSize)
	if c.peerParams.MaxDatagramFramePayloadSize > 0 {
		c.addEvent(newEventDatagramWritable(c.peerParams.MaxDatagramFramePayloadSize))
	}
	// The token applies to the CID the peer selected during the handshake.
	if len(c.peerParams.StatelessResetToken) == 16 {
		var token [16]byte
		copy(token[:], c.peerParams.StatelessResetToken)
		c.remoteCIDs.setResetToken(token)
	}
	c.logParametersSet(params, now)
}

// issueCIDs registers alternative source CIDs with the peer, bounded by
// its active_connection_id_limit.
func (c *Conn) issueCIDs() error {
	if c.issuedCIDs || len(c.scid) == 0 {
		return nil
	}
	c.issuedCIDs = true
	limit := c.peerParams.ActiveConnectionIDLimit
	if limit < 2 {
		limit = 2
	}
	if limit > defaultActiveCIDLimit {
		limit = defaultActiveCIDLimit
	}
	for i := uint64(1); i < limit; i++ {
		cid := make([]byte, len(c.scid))
		if err := c.rand(cid); err != nil {
			return err
		}
		var token [16]byte
		if err := c.rand(token[:]); err != nil {
			return err
		}
		c.localCIDs.issue(cid, token)
	}
	return nil
}

// https://www.rfc-editor.org/rfc/rfc9000.html#name-authenticating-connection-i
//
// Client                                                  Server
// Initial: DCID=S1, SCID=C1 ->
//
//	<- Retry: DCID=C1, SCID=S2
//
// Initial: DCID=S2, SCID=C1 ->
//
//	     <- Initial: DCID=C1, SCID=S3
//	...
//
// 1-RTT: DCID=S3 ->
//
//	<- 1-RTT: DCID=C1
//
// Client:
//
//	initial_source_connection_id = C1
//
// Server without Retry:
//
//	original_destination_connection_id = S1
//	initial_source_connection_id = S3
//	retry_source_connection_id = nil
//
// Server with Retry:
//
//	original_destination_connection_id = S1
//	retry_source_connection_id = S2
//	initial_source_connection_id = S3
func (c *Conn) validatePeerTransportParams(p *Parameters) error {
	if p == nil {
		return newError(TransportParameterError, "")
	}
	if err := p.validate(!c.isClient); err != nil {
		return err
	}
	// Initial Source CID must be sent by both endpoints
	if !bytes.Equal(p.InitialSourceCID, c.dcid) {
		return newError(TransportParameterError, "initial_source_connection_id")
	}
	if c.isClient && !bytes.Equal(p.OriginalDestinationCID, c.odcid) {
		return newError(TransportParameterError, "original_destination_connection_id")
	}
	if len(c.rscid) > 0 && !bytes.Equal(p.RetrySourceCID, c.rscid) {
		return newError(TransportParameterError, "retry_source_connection_id")
	}
	return nil
}

// Read produces data for sending to the peer.
func (c *Conn) Read(b []byte) (int, error) {
	if c.state >= StateDraining {
		return 0, nil
	}
	now := c.time()
	if c.closeFrame == nil {
		// Only check handshake when not in closing state, so it can send connection close
		// frame when handshake failed.
		err := c.doHandshake(now)
		if err != nil {
			return 0, err
		}
		// Checking streams state before finding write space to check stream updates.
		c.checkStreamsState(now)
	}
	space := c.writeSpace()
	if space == packetSpaceCount {
		return 0, nil
	}
	n, err := c.send(b, space, now)
	if err != nil {
		return 0, err
	}
	// Coalesce packets when possible.
	// https://www.rfc-editor.org/rfc/rfc9000.html#name-coalescing-packets
	if space < packetSpaceApplication && c.state < StateDraining {
		avail := minInt(c.maxPacketSize(), len(b))
		if avail-n >= 96 { // Enough for a handshake packet
			nextSpace := c.writeSpace()
			if nextSpace < packetSpaceCount && nextSpace > space {
				debug("coalesce packet: space=%v space=%v", space, nextSpace)
				m, err := c.send(b[n:avail], nextSpace, now)
				if err != nil {
					return 0, err
				}
				n += m
			}
		}
	}
	c.logRecovery(now)
	return n, nil
}

func (c *Conn) send(b []byte, space packetSpace, now time.Time) (int, error) {
	pnSpace := &c.packetNumberSpaces[space]
	if !pnSpace.canEncrypt() {
		return 0, newError(InternalError, "cannot encrypt space "+space.String())
	}
	avail := minInt(c.maxPacketSize(), len(b))
	p := packet{
		typ: packetTypeFromSpace(space),
		header: Header{
			Version: c.version,
			DCID:    c.dcid,
			SCID:    c.scid,
		},
		token:        c.token,
		packetNumber: pnSpace.nextPacketNumber,
		payloadLen:   avail, // For calculating packet size
	}
	if p.typ == packetTypeOneRTT {
		p.keyPhase = pnSpace.keyPhase
	}
	// Calculate what is left for payload
	overhead := pnSpace.sealer.aead.Overhead()
	pktOverhead := p.encodedLen() + overhead - p.payloadLen // Packet length without payload
	left := avail - pktOverhead
	if left <= minPacketPayloadLength {
		// May due to congestion control
		debug("short buffer: avail=%d left=%d", avail, left)
		return 0, nil
	}
	c.processLostPackets(space, now)
	// Add frames
	op := newSentPacket(p.packetNumber, now)
	p.payloadLen = c.sendFrames(op, space, left, now)
	if len(op.frames) == 0 {
		return 0, nil
	}
	left -= p.payloadLen
	// Pad client initial packet
	// FIXME: Should pad after packets are coalesced. Currently ack only frame is padded.
	if c.isClient && p.typ == packetTypeInitial {
		target := MinInitialPacketSize
		if c.quantumReadiness {
			target = avail
		}
		n := target - pktOverhead - p.payloadLen
		if n > 0 {
			if n > left {
				return 0, errShortBuffer
			}
			op.addFrame(newPaddingFrame(n))
			p.payloadLen += n
			left -= n
		}
	}
	if p.payloadLen < minPacketPayloadLength {
		n := minPacketPayloadLength - p.payloadLen
		if n > left {
			return 0, errShortBuffer
		}
		op.addFrame(newPaddingFrame(n))
		p.payloadLen += n
		left -= n
	}
	// Include crypto overhead to encode packet header with correct length
	p.payloadLen += overhead
	payloadOffset, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	// Encode frames to sending packet then encrypt it
	p.packetSize, err = encodeFrames(b[payloadOffset:], op.frames)
	if err != nil {
		return 0, err
	}
	p.packetSize += payloadOffset + overhead
	if p.packetSize != payloadOffset+p.payloadLen || p.packetSize > len(b) {
		return 0, newError(InternalError, sprint("encoded payload length ", p.packetSize, " exceeded buffer capacity ", len(b)))
	}
	pnSpace.encryptPacket(b[:p.packetSize], &p)
	op.sentBytes = uint64(p.packetSize)
	// Finish preparing sending packet
	debug("sending packet %s %s", &p, op)
	c.onPacketSent(op, space)
	if p.typ == packetTypeOneRTT {
		pnSpace.onKeyPhasePacketSent(p.packetNumber)
	}
	c.logPacketSent(&p, op.frames, now)
	// https://www.rfc-editor.org/rfc/rfc9000.html#name-discarding-initial-packets
	// A client stops both sending and processing Initial packets when it sends its first Handshake packet.
	if p.typ == packetTypeHandshake {
		if c.isClient && p.packetNumber == 0 {
			c.dropPacketSpace(packetSpaceInitial, now)
		}
		if c.state < StateHandshake {
			c.setState(StateHandshake, now)
		}
	}
	if p.packetNumber == 0 && !c.isClient && space == packetSpaceApplication {
		// First Application packet from server is HandshakeDone
		c.dropPacketSpace(packetSpaceHandshake, now)
	}
	return p.packetSize, nil
}

func (c *Conn) writeSpace() packetSpace {
	// On error, send packet in the latest space available.
	if c.closeFrame != nil {
		return c.handshake.writeSpace()
	}
	for i := packetSpaceInitial; i < packetSpaceCount; i++ {
		if !c.packetNumberSpaces[i].canEncrypt() {
			continue
		}
		// Only use application packet number space when handshake is complete.
		if i == packetSpaceApplication && c.state < StateActive {
			continue
		}
		// Select the space which
		// - Has data to send e.g. crypto, or
		// - Has Lost frames, or
		// - Needs to send PTO probe.
		if c.packetNumberSpaces[i].ready() || len(c.recovery.lost[i]) > 0 || c.recovery.lossProbes[i] > 0 {
			return i
		}
	}
	if c.state == StateActive && c.hasApplicationUpdate() {
		return packetSpaceApplication
	}
	// Nothing to send
	return packetSpaceCount
}

// hasApplicationUpdate returns true when any application-space frame is
// pending beyond acknowledgements.
func (c *Conn) hasApplicationUpdate() bool {
	if c.streams.hasUpdate() || c.streams.hasFlushable() || c.flow.shouldUpdateMaxRecv() || c.updateMaxData || c.datagram.isFlushable() {
		return true
	}
	if c.flow.sendBlocked || c.streamsBlockedBidi || c.streamsBlockedUni {
		return true
	}
	if c.needSendNewToken || len(c.localCIDs.needSend) > 0 || len(c.remoteCIDs.needRetire) > 0 {
		return true
	}
	if c.pathResponse != nil || (c.pathChallenge != nil && !c.pathChallengeSent) {
		return true
	}
	// Server still owes the peer a HANDSHAKE_DONE frame.
	return !c.isClient && !c.handshakeConfirmed
}

func (c *Conn) maxPacketSize() int {
	var n uint64
	if c.state >= StateActive && c.peerParams.MaxUDPPayloadSize > 0 {
		n = c.peerParams.MaxUDPPayloadSize
	} else if c.quantumReadiness {
		n = MaxIPv4PacketSize
	} else {
		n = MinInitialPacketSize
	}
	cwnd := c.recovery.canSend()
	if n > cwnd {
		n = cwnd
	}
	return int(n)
}

func (c *Conn) processLostPackets(space packetSpace, now time.Time) {
	c.logPacketsLost(c.recovery.lost[space], space, now)
	c.recovery.drainLost(space, func(f frame) {
		debug("lost frame space=%v %v", space, f)
		switch f := f.(type) {
		case *ackFrame:
			c.packetNumberSpaces[space].ackElicited = true
		case *cryptoFrame:
			// Push data back to send again
			err := c.packetNumberSpaces[space].cryptoStream.pushSend(f.data, f.offset, false)
			if err != nil {
				debug("process lost crypto frame %s: %v", f, err)
			}
		case *resetStreamFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				st.resetStream.state = deliveryReady
			}
		case *stopSendingFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				st.stopSending.state = deliveryReady
			}
		case *streamFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				// Push data back to send again
				err := st.pushSend(f.data, f.offset, f.fin)
				if err != nil {
					debug("process lost stream frame %s: %v", f, err)
				}
			}
		case *maxDataFrame:
			c.updateMaxData = true
		case *maxStreamDataFrame:
			st := c.streams.get(f.streamID)
			if st != nil {
				st.setUpdateMaxData()
			}
		case *maxStreamsFrame:
			if f.bidi {
				c.streams.updateMaxStreamsBidi = true
			} else {
				c.streams.updateMaxStreamsUni = true
			}
		case *newConnectionIDFrame:
			c.localCIDs.resend(f.sequenceNumber)
		case *retireConnectionIDFrame:
			c.remoteCIDs.resend(f.sequenceNumber)
		case *newTokenFrame:
			c.needSendNewToken = true
		case *pathChallengeFrame:
			c.pathChallengeSent = false
		case *pathResponseFrame:
			c.pathResponse = f.data
		case *handshakeDoneFrame:
			c.handshakeConfirmed = false
		}
	})
}

func (c *Conn) sendFrames(op *sentPacket, space packetSpace, left int, now time.Time) int {
	payloadLen := 0
	// ACK
	if f := c.sendFrameAck(space, now); f != nil {
		n := f.encodedLen()
		if left >= n {
			op.addFrame(f)
			payloadLen += n
			left -= n
			c.packetNumberSpaces[space].ackElicited = false
		}
	}
	// CONNECTION_CLOSE
	if c.closeFrame != nil {
		n := c.closeFrame.encodedLen()
		if left >= n {
			op.addFrame(c.closeFrame)
			payloadLen += n
			left -= n
			// After sending a CONNECTION_CLOSE frame, the endpoint enters
			// the closing state and persists for three probe timeouts.
			if c.state < StateDraining {
				c.drainingTimer = now.Add(3 * c.recovery.probeTimeout())
				c.setState(StateDraining, now)
			}
			return payloadLen // do not need to continue
		}
	}
	// CRYPTO
	if f := c.sendFrameCrypto(space, left); f != nil {
		n := f.encodedLen()
		op.addFrame(f)
		payloadLen += n
		left -= n
	}
	if space == packetSpaceApplication {
		// HANDSHAKE_DONE
		if f := c.sendFrameHandshakeDone(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.handshakeConfirmed = true
				c.recovery.setHandshakeConfirmed()
			}
		}
		// NEW_TOKEN
		if f := c.sendFrameNewToken(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.needSendNewToken = false
			}
		}
		// PATH_RESPONSE
		if f := c.sendFramePathResponse(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.pathResponse = nil
			}
		}
		// PATH_CHALLENGE
		if f := c.sendFramePathChallenge(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.pathChallengeSent = true
			}
		}
		// NEW_CONNECTION_ID
		for {
			id, ok := c.localCIDs.popNeedSend()
			if !ok {
				break
			}
			f := &newConnectionIDFrame{
				sequenceNumber:      id.sequence,
				connectionID:        id.cid,
				statelessResetToken: id.token[:],
			}
			n := f.encodedLen()
			if left < n {
				c.localCIDs.resend(id.sequence)
				break
			}
			op.addFrame(f)
			payloadLen += n
			left -= n
		}
		// RETIRE_CONNECTION_ID
		for {
			seq, ok := c.remoteCIDs.popNeedRetire()
			if !ok {
				break
			}
			f := &retireConnectionIDFrame{sequenceNumber: seq}
			n := f.encodedLen()
			if left < n {
				c.remoteCIDs.resend(seq)
				break
			}
			op.addFrame(f)
			payloadLen += n
			left -= n
		}
		// MAX_DATA
		if f := c.sendFrameMaxData(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.updateMaxData = false
				c.flow.commitMaxRecv()
			}
		}
		// MAX_STREAMS (bidi)
		if f := c.sendFrameMaxStreamsBidi(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.streams.commitMaxStreamsBidi()
			}
		}
		// MAX_STREAMS (uni)
		if f := c.sendFrameMaxStreamsUni(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.streams.commitMaxStreamsUni()
			}
		}
		// DATA_BLOCKED
		if f := c.sendFrameDataBlocked(); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.flow.setSendBlocked(false)
			}
		}
		// STREAMS_BLOCKED (bidi)
		if c.streamsBlockedBidi {
			f := newStreamsBlockedFrame(c.streams.maxStreams.peerBidi, true)
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.streamsBlockedBidi = false
			}
		}
		// STREAMS_BLOCKED (uni)
		if c.streamsBlockedUni {
			f := newStreamsBlockedFrame(c.streams.maxStreams.peerUni, false)
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.streamsBlockedUni = false
			}
		}
		// DATAGRAM
		for f := c.sendFrameDatagram(left); f != nil; f = c.sendFrameDatagram(left) {
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
		}
		for id, st := range c.streams.streams {
			// STOP_SENDING
			if f := c.sendFrameStopSending(id, st); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.stopSending.state = deliverySending
				}
			}
			// RESET_STREAM
			if f := c.sendFrameResetStream(id, st); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.resetStream.state = deliverySending
				}
			}
			// MAX_STREAM_DATA
			if f := c.sendFrameMaxStreamData(id, st); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.ackMaxData()
					st.flow.commitMaxRecv()
				}
			}
			// STREAM_DATA_BLOCKED
			if st.flow.sendBlocked {
				f := newStreamDataBlockedFrame(id, st.flow.maxSend)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					st.flow.setSendBlocked(false)
				}
			}
		}
		// STREAM
		// TODO: support stream priority
		for id, st := range c.streams.streams {
			if f := c.sendFrameStream(id, st, left); f != nil {
				n := f.encodedLen()
				op.addFrame(f)
				payloadLen += n
				left -= n
				c.flow.addSend(len(f.data))
				if left <= maxStreamFrameOverhead {
					break
				}
			}
		}
		if c.flow.canSend() == 0 && c.streams.hasFlushable() {
			// Announce connection-level blocking in the next packet.
			c.flow.setSendBlocked(true)
		}
	}
	// PING
	if c.recovery.lossProbes[space] > 0 {
		if op.ackEliciting {
			// Do not need PING if an ack-eliciting frame is sent
			c.recovery.lossProbes[space]--
		} else if f := c.sendFramePing(left); f != nil {
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
			c.recovery.lossProbes[space]--
		}
	}
	return payloadLen
}

func (c *Conn) onPacketSent(op *sentPacket, space packetSpace) {
	c.recovery.onPacketSent(op, space)
	c.packetNumberSpaces[space].nextPacketNumber++
	// (Re)start the idle timer if we are sending the first ACK-eliciting
	// packet since last receiving a packet.
	if op.ackEliciting {
		if !c.ackElicitingSent && c.localParams.MaxIdleTimeout > 0 {
			c.idleTimer = op.timeSent.Add(c.localParams.MaxIdleTimeout)
		}
		c.ackElicitingSent = true
	}
}

// Timeout returns the amount of time until the next timeout event.
// A negative timeout means that the timer should be disarmed.
func (c *Conn) Timeout() time.Duration {
	if c.state == StateClosed {
		return -1
	}
	var deadline time.Time
	if !c.drainingTimer.IsZero() {
		deadline = c.drainingTimer
	} else if !c.recovery.lossDetectionTimer.IsZero() {
		// Minimum of loss and idle timer
		deadline = c.recovery.lossDetectionTimer
		if !c.idleTimer.IsZero() && deadline.After(c.idleTimer) {
			deadline = c.idleTimer
		}
	} else if !c.idleTimer.IsZero() {
		deadline = c.idleTimer
	} else {
		return -1
	}
	timeout := deadline.Sub(c.time())
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

func (c *Conn) checkTimeout(now time.Time) {
	if !c.drainingTimer.IsZero() && !now.Before(c.drainingTimer) {
		debug("draining timeout expired")
		c.setState(StateClosed, now)
		return
	}
	if !c.idleTimer.IsZero() && !now.Before(c.idleTimer) {
		debug("idle timeout expired")
		c.setState(StateClosed, now)
		return
	}
	if !c.recovery.lossDetectionTimer.IsZero() && !now.Before(c.recovery.lossDetectionTimer) {
		c.recovery.onLossDetectionTimeout(now)
	}
}

// Close sets the connection to closing state.
// https://www.rfc-editor.org/rfc/rfc9000.html#name-closing-connection-states
func (c *Conn) Close(app bool, errCode uint64, reason string) {
	if c.closeFrame != nil || c.state >= StateDraining {
		// Closing or draining or already closed
		return
	}
	debug("set closing: code=%d reason=%v", errCode, reason)
	c.closeFrame = &connectionCloseFrame{
		application:  app,
		errorCode:    errCode,
		reasonPhrase: []byte(reason),
	}
}

// ConnectionState returns the current connection state.
func (c *Conn) ConnectionState() ConnectionState {
	return c.state
}

// PeerError returns the error the peer reported in its CONNECTION_CLOSE
// frame, either *Error or *AppError depending on the frame type, or nil
// when the peer has not closed the connection.
func (c *Conn) PeerError() error {
	if c.peerClose == nil {
		return nil
	}
	if c.peerClose.application {
		return &AppError{
			Code:    c.peerClose.errorCode,
			Message: string(c.peerClose.reasonPhrase),
		}
	}
	return &Error{
		Code:    c.peerClose.errorCode,
		Message: string(c.peerClose.reasonPhrase),
	}
}

// HandshakeComplete returns whether the connection handshake completed.
func (c *Conn) HandshakeComplete() bool {
	return c.state >= StateActive
}

// Events consumes received events. It appends to provided events slice
// and clears received events.
func (c *Conn) Events(events []Event) []Event {
	events = append(events, c.events...)
	for i := range c.events {
		c.events[i] = Event{}
	}
	c.events = c.events[:0]
	return events
}

// Stream returns an opened stream or creates a local stream if it does not exist.
// Client-initiated streams have even-numbered stream IDs and
// server-initiated streams have odd-numbered stream IDs.
func (c *Conn) Stream(id uint64) (*Stream, error) {
	return c.getOrCreateStream(id, true)
}

// Datagram returns a Datagram associated to this QUIC connection.
func (c *Conn) Datagram() *Datagram {
	return &c.datagram
}

// UpdateKey initiates a key update of packet protection keys.
// https://www.rfc-editor.org/rfc/rfc9001.html#name-key-update
func (c *Conn) UpdateKey() error {
	if c.state != StateActive || !c.handshakeConfirmed {
		return newError(KeyUpdateError, "handshake not confirmed")
	}
	pnSpace := &c.packetNumberSpaces[packetSpaceApplication]
	if err := pnSpace.initiateKeyUpdate(); err != nil {
		return err
	}
	c.logKeyUpdate(pnSpace.keyPhase, true, c.time())
	return nil
}

// ValidatePath schedules a PATH_CHALLENGE frame carrying random data.
// The path is considered valid when the peer echoes the data back.
func (c *Conn) ValidatePath() error {
	if c.state != StateActive {
		return newError(ProtocolViolation, "connection not active")
	}
	if c.pathChallenge != nil {
		return nil
	}
	data := make([]byte, 8)
	if err := c.rand(data); err != nil {
		return err
	}
	c.pathChallenge = data
	c.pathChallengeSent = false
	return nil
}

// RotateConnectionID switches outgoing packets to a spare connection ID
// previously issued by the peer and schedules a RETIRE_CONNECTION_ID
// frame for the one in use, e.g. when probing or migrating to a new path.
// https://www.rfc-editor.org/rfc/rfc9000.html#name-connection-migration
func (c *Conn) RotateConnectionID() error {
	if c.state != StateActive || !c.handshakeConfirmed {
		return newError(ProtocolViolation, "connection not active")
	}
	if !c.remoteCIDs.rotate() {
		return newError(InternalError, "no spare connection id from peer")
	}
	c.dcid = append(c.dcid[:0], c.remoteCIDs.active()...)
	return nil
}

// SetToken supplies an address validation token. On a client, the token
// is included in Initial packets. On a server, it is delivered to the
// client in a NEW_TOKEN frame for a future connection.
func (c *Conn) SetToken(token []byte) {
	if c.isClient {
		c.token = append(c.token[:0], token...)
		return
	}
	c.newToken = append(c.newToken[:0], token...)
	if c.state >= StateActive {
		c.needSendNewToken = true
	}
}

// Token returns the address validation token received from the server,
// or nil when none was provided.
func (c *Conn) Token() []byte {
	return c.peerToken
}

// NewSourceCIDs returns source CIDs issued to the peer since the last
// call, so the packet router can direct them to this connection.
func (c *Conn) NewSourceCIDs() [][]byte {
	return c.localCIDs.drainFresh()
}

// RetiredSourceCIDs returns source CIDs the peer retired since the last
// call, so the packet router can release them.
func (c *Conn) RetiredSourceCIDs() [][]byte {
	return c.localCIDs.drainUnused()
}

func (c *Conn) sendFrameAck(space packetSpace, now time.Time) *ackFrame {
	pnSpace := &c.packetNumberSpaces[space]
	if (pnSpace.ackElicited || c.recovery.lossProbes[space] > 0) && len(pnSpace.recvPacketNeedAck) > 0 {
		// ack_delay is encoded using our own announced exponent.
		ackDelay := uint64(now.Sub(pnSpace.largestRecvPacketTime).Microseconds())
		ackDelay /= 1 << c.localParams.AckDelayExponent
		return newAckFrame(ackDelay, pnSpace.recvPacketNeedAck)
	}
	return nil
}

func (c *Conn) sendFrameCrypto(space packetSpace, left int) *cryptoFrame {
	left -= maxCryptoFrameOverhead
	if left > 0 {
		data, offset, _ := c.packetNumberSpaces[space].cryptoStream.popSend(left)
		if len(data) > 0 {
			return newCryptoFrame(data, offset)
		}
	}
	return nil
}

func (c *Conn) sendFrameStream(id uint64, st *Stream, left int) *streamFrame {
	// Connection level limits
	allowed := int(c.flow.canSend())
	left -= maxStreamFrameOverhead
	if left > allowed {
		left = allowed
	}
	// In PTO mode, stream data can be resent so we need to check stream limits.
	if c.recovery.ptoCount > 0 {
		allowed = int(st.flow.canSend())
		if left > allowed {
			left = allowed
		}
	}
	if left > 0 {
		data, offset, fin := st.popSend(left)
		if len(data) > 0 || fin {
			debug("stream %d send: %v", id, &st.send)
			return newStreamFrame(id, data, offset, fin)
		}
	}
	return nil
}

func (c *Conn) sendFrameResetStream(id uint64, st *Stream) *resetStreamFrame {
	if st.resetStream.state == deliveryReady {
		return newResetStreamFrame(id, st.resetStream.errorCode, st.resetStream.finalSize)
	}
	return nil
}

func (c *Conn) sendFrameStopSending(id uint64, st *Stream) *stopSendingFrame {
	if st.stopSending.state == deliveryReady {
		return newStopSendingFrame(id, st.stopSending.errorCode)
	}
	return nil
}

func (c *Conn) sendFrameMaxData() *maxDataFrame {
	if c.updateMaxData || c.flow.shouldUpdateMaxRecv() {
		return newMaxDataFrame(c.flow.maxRecvNext)
	}
	return nil
}

func (c *Conn) sendFrameMaxStreamData(id uint64, st *Stream) *maxStreamDataFrame {
	if st.updateMaxData {
		return newMaxStreamDataFrame(id, st.flow.maxRecvNext)
	}
	return nil
}

func (c *Conn) sendFrameMaxStreamsBidi() *maxStreamsFrame {
	if c.streams.updateMaxStreamsBidi {
		return newMaxStreamsFrame(c.streams.maxStreamsNext.localBidi, true)
	}
	return nil
}

func (c *Conn) sendFrameMaxStreamsUni() *maxStreamsFrame {
	if c.streams.updateMaxStreamsUni {
		return newMaxStreamsFrame(c.streams.maxStreamsNext.localUni, false)
	}
	return nil
}

func (c *Conn) sendFrameDataBlocked() *dataBlockedFrame {
	if c.flow.sendBlocked {
		return newDataBlockedFrame(c.flow.maxSend)
	}
	return nil
}

func (c *Conn) sendFrameHandshakeDone() *handshakeDoneFrame {
	// HandshakeDone is sent only by server.
	if c.isClient || c.state != StateActive || c.handshakeConfirmed {
		return nil
	}
	return &handshakeDoneFrame{}
}

func (c *Conn) sendFrameNewToken() *newTokenFrame {
	if c.needSendNewToken && len(c.newToken) > 0 {
		return newNewTokenFrame(c.newToken)
	}
	return nil
}

func (c *Conn) sendFramePathResponse() *pathResponseFrame {
	if c.pathResponse != nil {
		return newPathResponseFrame(c.pathResponse)
	}
	return nil
}

func (c *Conn) sendFramePathChallenge() *pathChallengeFrame {
	if c.pathChallenge != nil && !c.pathChallengeSent {
		return &pathChallengeFrame{data: c.pathChallenge}
	}
	return nil
}

func (c *Conn) sendFramePing(left int) *pingFrame {
	if left > 0 {
		return &pingFrame{}
	}
	return nil
}

func (c *Conn) sendFrameDatagram(left int) *datagramFrame {
	data := c.datagram.popSend(left - maxDatagramFrameOverhead)
	if len(data) > 0 {
		return newDatagramFrame(data)
	}
	return nil
}

func (c *Conn) getOrCreateStream(id uint64, local bool) (*Stream, error) {
	st := c.streams.get(id)
	if st != nil {
		return st, nil
	}
	// Initialize new stream
	if local != isStreamLocal(id, c.isClient) {
		return nil, newError(StreamStateError, sprint("invalid type of stream ", id))
	}
	st, err := c.streams.create(id, c.isClient)
	if err != nil {
		if local {
			if e, ok := err.(*Error); ok && e.Code == StreamLimitError {
				// Tell the peer we want to open more streams.
				if isStreamBidi(id) {
					c.streamsBlockedBidi = true
				} else {
					c.streamsBlockedUni = true
				}
			}
		}
		return nil, err
	}
	var maxRecv, maxSend uint64
	if st.local {
		if st.bidi {
			maxRecv = c.localParams.InitialMaxStreamDataBidiLocal
			maxSend = c.peerParams.InitialMaxStreamDataBidiRemote
		} else {
			maxRecv = 0
			maxSend = c.peerParams.InitialMaxStreamDataUni
		}
	} else {
		if st.bidi {
			maxRecv = c.localParams.InitialMaxStreamDataBidiRemote
			maxSend = c.peerParams.InitialMaxStreamDataBidiLocal
		} else {
			maxRecv = c.localParams.InitialMaxStreamDataUni
			maxSend = 0
		}
	}
	st.flow.init(maxRecv, maxSend)
	// Manually set connection flow control to get updated read bytes
	st.connFlow = &c.flow
	if !st.local {
		c.addEvent(newEventStreamOpen(id, st.bidi))
	}
	return st, nil
}

// Check closed streams for garbage collection.
func (c *Conn) checkStreamsState(now time.Time) {
	if c.state == StateActive {
		c.streams.checkClosed(func(id uint64) {
			c.addEvent(newEventStreamClosed(id))
			c.logStreamClosed(id, now)
		})
	}
}

func (c *Conn) setState(state ConnectionState, now time.Time) {
	if c.state == state {
		return
	}
	c.logConnectionState(c.state, state, now)
	c.state = state
	debug("set state=%v", state)
	switch state {
	case StateActive:
		c.addEvent(newEventConnOpen())
	case StateClosed:
		c.addEvent(newEventConnClosed())
	}
}

func (c *Conn) dropPacketSpace(space packetSpace, now time.Time) {
	c.packetNumberSpaces[space].drop()
	c.recovery.onPacketNumberSpaceDiscarded(space, now)
	debug("dropped space=%v", space)
}

func (c *Conn) addStreamEvents() {
	if c.state != StateActive || c.flow.canSend() == 0 {
		return
	}
	for id, st := range c.streams.streams {
		if st.isWriteable() {
			c.addEvent(newEventStreamWritable(id))
		}
	}
}

func (c *Conn) addEvent(e Event) {
	// Ensure event is unique. Maybe use Bloom Filter?
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i] == e {
			return
		}
	}
	c.events = append(c.events, e)
}

// rand uses tls.Config.Rand if available.
func (c *Conn) rand(b []byte) error {
	var err error
	if c.handshake.tlsConfig != nil && c.handshake.tlsConfig.Rand != nil {
		_, err = io.ReadFull(c.handshake.tlsConfig.Rand, b)
	} else {
		_, err = rand.Read(b)
	}
	return err
}

// time uses tls.Config.Time if available.
func (c *Conn) time() time.Time {
	if c.handshake.tlsConfig != nil && c.handshake.tlsConfig.Time != nil {
		return c.handshake.tlsConfig.Time()
	}
	return time.Now()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SetLogger sets handler for log events.
func (c *Conn) SetLogger(fn func(LogEvent)) {
	c.logEventFn = fn
}

func (c *Conn) logPacketDropped(p *packet, trigger string, now time.Time) {
	debug("dropped packet: %v %v", trigger, p)
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventPacketDropped)
		logPacket(&e, p)
		logTrigger(&e, trigger)
		c.logEventFn(e)
	}
}

func (c *Conn) logPacketReceived(p *packet, now time.Time) {
	debug("received packet: %v", p)
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventPacketReceived)
		logPacket(&e, p)
		c.logEventFn(e)
	}
}

func (c *Conn) logPacketSent(p *packet, frames []frame, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventPacketSent)
		logPacket(&e, p)
		c.logEventFn(e)
		e.Name = logEventFramesProcessed
		for _, f := range frames {
			e.resetData()
			logFrame(&e, f)
			c.logEventFn(e)
		}
	}
}

func (c *Conn) logPacketsLost(packets []*sentPacket, space packetSpace, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventPacketLost)
		p := packet{
			typ: packetTypeFromSpace(space),
		}
		for _, sp := range packets {
			p.packetNumber = sp.packetNumber
			e.resetData()
			logPacket(&e, &p)
			c.logEventFn(e)
		}
	}
}

func (c *Conn) logFrameProcessed(f frame, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventFramesProcessed)
		logFrame(&e, f)
		c.logEventFn(e)
	}
}

func (c *Conn) logParametersSet(p *Parameters, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventParametersSet)
		logParameters(&e, p)
		c.logEventFn(e)
	}
}

func (c *Conn) logRecovery(now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventMetricsUpdated)
		logRecovery(&e, &c.recovery)
		c.logEventFn(e)

		e.resetData()
		e.Name = logEventLossTimerUpdated
		logLossTimer(&e, &c.recovery)
		c.logEventFn(e)
	}
}

func (c *Conn) logStreamClosed(id uint64, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventStreamStateUpdated)
		logStreamClosed(&e, id)
		c.logEventFn(e)
	}
}

func (c *Conn) logConnectionState(old, new ConnectionState, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventConnStateUpdated)
		logConnectionState(&e, old, new)
		c.logEventFn(e)
	}
}

func (c *Conn) logKeyUpdate(keyPhase uint8, local bool, now time.Time) {
	if c.logEventFn != nil {
		e := newLogEvent(now, logEventKeyUpdated)
		logKeyUpdated(&e, keyPhase, local)
		c.logEventFn(e)
	}
}
