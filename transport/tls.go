package transport

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/plumeq/plume/tls13"
)

// Transport parameter IDs.
// https://www.rfc-editor.org/rfc/rfc9000#section-18.2
const (
	paramOriginalDestinationCID uint64 = iota // 0
	paramMaxIdleTimeout
	paramStatelessResetToken
	paramMaxUDPPayloadSize
	paramInitialMaxData
	paramInitialMaxStreamDataBidiLocal // 5
	paramInitialMaxStreamDataBidiRemote
	paramInitialMaxStreamDataUni
	paramInitialMaxStreamsBidi
	paramInitialMaxStreamsUni
	paramAckDelayExponent // 10
	paramMaxAckDelay
	paramDisableActiveMigration
	paramPreferredAddress
	paramActiveConnectionIDLimit
	paramInitialSourceCID // 15
	paramRetrySourceCID

	// https://www.rfc-editor.org/rfc/rfc9221#section-3
	paramMaxDatagramFrameSize uint64 = 0x20
)

const (
	maxAckDelayExponent = 20
	maxMaxAckDelay      = time.Duration(1<<14) * time.Millisecond
)

// Parameters is the QUIC transport parameters.
// https://www.rfc-editor.org/rfc/rfc9000#section-7.4
type Parameters struct {
	OriginalDestinationCID []byte
	InitialSourceCID       []byte
	RetrySourceCID         []byte
	StatelessResetToken    []byte

	MaxIdleTimeout    time.Duration
	MaxUDPPayloadSize uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64

	// MaxDatagramFramePayloadSize is the maximum size of the data in a
	// DATAGRAM frame this endpoint is willing to receive.
	// DATAGRAM frames are not supported when it is zero.
	MaxDatagramFramePayloadSize uint64
}

// validate checks parameter values. isClient indicates the endpoint
// that sent the parameters: a client must not send server-only values.
// https://www.rfc-editor.org/rfc/rfc9000#section-18.2
func (pm *Parameters) validate(isClient bool) error {
	if isClient {
		if len(pm.StatelessResetToken) > 0 {
			return newError(TransportParameterError, "stateless_reset_token")
		}
		if len(pm.OriginalDestinationCID) > 0 {
			return newError(TransportParameterError, "original_destination_connection_id")
		}
		if len(pm.RetrySourceCID) > 0 {
			return newError(TransportParameterError, "retry_source_connection_id")
		}
	}
	if len(pm.StatelessResetToken) > 0 && len(pm.StatelessResetToken) != 16 {
		return newError(TransportParameterError, "stateless_reset_token")
	}
	if pm.MaxUDPPayloadSize > 0 && pm.MaxUDPPayloadSize < MinInitialPacketSize {
		return newError(TransportParameterError, "max_udp_payload_size")
	}
	if pm.AckDelayExponent > maxAckDelayExponent {
		return newError(TransportParameterError, "ack_delay_exponent")
	}
	if pm.MaxAckDelay >= maxMaxAckDelay {
		return newError(TransportParameterError, "max_ack_delay")
	}
	if pm.InitialMaxStreamsBidi > maxStreams || pm.InitialMaxStreamsUni > maxStreams {
		return newError(StreamLimitError, "initial_max_streams")
	}
	if pm.ActiveConnectionIDLimit > 0 && pm.ActiveConnectionIDLimit < 2 {
		return newError(TransportParameterError, "active_connection_id_limit")
	}
	return nil
}

// Each transport parameter is encoded as an (identifier, length, value) tuple.
//
//	Transport Parameter {
//	  Transport Parameter ID (i),
//	  Transport Parameter Length (i),
//	  Transport Parameter Value (..),
//	}
func (pm *Parameters) marshal() []byte {
	b := make(tlsExtension, 0, 128)
	if len(pm.OriginalDestinationCID) > 0 {
		b.addVarint(paramOriginalDestinationCID)
		b.addBytes(pm.OriginalDestinationCID)
	}
	if pm.MaxIdleTimeout > 0 {
		b.addVarint(paramMaxIdleTimeout)
		b.addVarintValue(uint64(pm.MaxIdleTimeout / time.Millisecond))
	}
	if len(pm.StatelessResetToken) > 0 {
		b.addVarint(paramStatelessResetToken)
		b.addBytes(pm.StatelessResetToken)
	}
	if pm.MaxUDPPayloadSize > 0 {
		b.addVarint(paramMaxUDPPayloadSize)
		b.addVarintValue(pm.MaxUDPPayloadSize)
	}
	if pm.InitialMaxData > 0 {
		b.addVarint(paramInitialMaxData)
		b.addVarintValue(pm.InitialMaxData)
	}
	if pm.InitialMaxStreamDataBidiLocal > 0 {
		b.addVarint(paramInitialMaxStreamDataBidiLocal)
		b.addVarintValue(pm.InitialMaxStreamDataBidiLocal)
	}
	if pm.InitialMaxStreamDataBidiRemote > 0 {
		b.addVarint(paramInitialMaxStreamDataBidiRemote)
		b.addVarintValue(pm.InitialMaxStreamDataBidiRemote)
	}
	if pm.InitialMaxStreamDataUni > 0 {
		b.addVarint(paramInitialMaxStreamDataUni)
		b.addVarintValue(pm.InitialMaxStreamDataUni)
	}
	if pm.InitialMaxStreamsBidi > 0 {
		b.addVarint(paramInitialMaxStreamsBidi)
		b.addVarintValue(pm.InitialMaxStreamsBidi)
	}
	if pm.InitialMaxStreamsUni > 0 {
		b.addVarint(paramInitialMaxStreamsUni)
		b.addVarintValue(pm.InitialMaxStreamsUni)
	}
	if pm.AckDelayExponent > 0 {
		b.addVarint(paramAckDelayExponent)
		b.addVarintValue(pm.AckDelayExponent)
	}
	if pm.MaxAckDelay > 0 {
		b.addVarint(paramMaxAckDelay)
		b.addVarintValue(uint64(pm.MaxAckDelay / time.Millisecond))
	}
	if pm.DisableActiveMigration {
		b.addVarint(paramDisableActiveMigration)
		b.addVarint(0) // zero-length value
	}
	if pm.ActiveConnectionIDLimit > 0 {
		b.addVarint(paramActiveConnectionIDLimit)
		b.addVarintValue(pm.ActiveConnectionIDLimit)
	}
	if len(pm.InitialSourceCID) > 0 {
		b.addVarint(paramInitialSourceCID)
		b.addBytes(pm.InitialSourceCID)
	}
	if len(pm.RetrySourceCID) > 0 {
		b.addVarint(paramRetrySourceCID)
		b.addBytes(pm.RetrySourceCID)
	}
	if pm.MaxDatagramFramePayloadSize > 0 {
		b.addVarint(paramMaxDatagramFrameSize)
		b.addVarintValue(pm.MaxDatagramFramePayloadSize)
	}
	return b
}

func (pm *Parameters) unmarshal(data []byte) bool {
	b := tlsExtension(data)
	var param uint64
	for !b.empty() {
		if !b.readVarint(&param) {
			return false
		}
		switch param {
		case paramOriginalDestinationCID:
			if !b.readBytes(&pm.OriginalDestinationCID) {
				return false
			}
		case paramMaxIdleTimeout:
			var v uint64
			if !b.readVarintValue(&v) {
				return false
			}
			pm.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramStatelessResetToken:
			if !b.readBytes(&pm.StatelessResetToken) {
				return false
			}
		case paramMaxUDPPayloadSize:
			if !b.readVarintValue(&pm.MaxUDPPayloadSize) {
				return false
			}
		case paramInitialMaxData:
			if !b.readVarintValue(&pm.InitialMaxData) {
				return false
			}
		case paramInitialMaxStreamDataBidiLocal:
			if !b.readVarintValue(&pm.InitialMaxStreamDataBidiLocal) {
				return false
			}
		case paramInitialMaxStreamDataBidiRemote:
			if !b.readVarintValue(&pm.InitialMaxStreamDataBidiRemote) {
				return false
			}
		case paramInitialMaxStreamDataUni:
			if !b.readVarintValue(&pm.InitialMaxStreamDataUni) {
				return false
			}
		case paramInitialMaxStreamsBidi:
			if !b.readVarintValue(&pm.InitialMaxStreamsBidi) {
				return false
			}
		case paramInitialMaxStreamsUni:
			if !b.readVarintValue(&pm.InitialMaxStreamsUni) {
				return false
			}
		case paramAckDelayExponent:
			if !b.readVarintValue(&pm.AckDelayExponent) {
				return false
			}
		case paramMaxAckDelay:
			var v uint64
			if !b.readVarintValue(&v) {
				return false
			}
			pm.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			var v uint64
			if !b.readVarint(&v) || v != 0 {
				return false
			}
			pm.DisableActiveMigration = true
		case paramActiveConnectionIDLimit:
			if !b.readVarintValue(&pm.ActiveConnectionIDLimit) {
				return false
			}
		case paramInitialSourceCID:
			if !b.readBytes(&pm.InitialSourceCID) {
				return false
			}
		case paramRetrySourceCID:
			if !b.readBytes(&pm.RetrySourceCID) {
				return false
			}
		case paramMaxDatagramFrameSize:
			if !b.readVarintValue(&pm.MaxDatagramFramePayloadSize) {
				return false
			}
		default:
			// Unknown parameters must be ignored.
			var v uint64
			if !b.readVarint(&v) || !b.skip(int(v)) {
				return false
			}
		}
	}
	return true
}

// isLegacyParamsVersion reports whether the negotiated version encodes
// transport parameters with the pre-draft-27 2-byte tag format.
func isLegacyParamsVersion(ver uint32) bool {
	return ver >= versionDraftMin && ver < versionDraft27
}

// marshalLegacy encodes the parameters in the pre-draft-27 format:
// a 2-byte length prefixed list where each parameter carries a 2-byte
// identifier and a 2-byte length.
func (pm *Parameters) marshalLegacy() []byte {
	b := make(legacyExtension, 2, 128)
	if len(pm.OriginalDestinationCID) > 0 {
		b.addBytes(paramOriginalDestinationCID, pm.OriginalDestinationCID)
	}
	if pm.MaxIdleTimeout > 0 {
		b.addVarintValue(paramMaxIdleTimeout, uint64(pm.MaxIdleTimeout/time.Millisecond))
	}
	if len(pm.StatelessResetToken) > 0 {
		b.addBytes(paramStatelessResetToken, pm.StatelessResetToken)
	}
	if pm.MaxUDPPayloadSize > 0 {
		b.addVarintValue(paramMaxUDPPayloadSize, pm.MaxUDPPayloadSize)
	}
	if pm.InitialMaxData > 0 {
		b.addVarintValue(paramInitialMaxData, pm.InitialMaxData)
	}
	if pm.InitialMaxStreamDataBidiLocal > 0 {
		b.addVarintValue(paramInitialMaxStreamDataBidiLocal, pm.InitialMaxStreamDataBidiLocal)
	}
	if pm.InitialMaxStreamDataBidiRemote > 0 {
		b.addVarintValue(paramInitialMaxStreamDataBidiRemote, pm.InitialMaxStreamDataBidiRemote)
	}
	if pm.InitialMaxStreamDataUni > 0 {
		b.addVarintValue(paramInitialMaxStreamDataUni, pm.InitialMaxStreamDataUni)
	}
	if pm.InitialMaxStreamsBidi > 0 {
		b.addVarintValue(paramInitialMaxStreamsBidi, pm.InitialMaxStreamsBidi)
	}
	if pm.InitialMaxStreamsUni > 0 {
		b.addVarintValue(paramInitialMaxStreamsUni, pm.InitialMaxStreamsUni)
	}
	if pm.AckDelayExponent > 0 {
		b.addVarintValue(paramAckDelayExponent, pm.AckDelayExponent)
	}
	if pm.MaxAckDelay > 0 {
		b.addVarintValue(paramMaxAckDelay, uint64(pm.MaxAckDelay/time.Millisecond))
	}
	if pm.DisableActiveMigration {
		b.addEmpty(paramDisableActiveMigration)
	}
	if pm.ActiveConnectionIDLimit > 0 {
		b.addVarintValue(paramActiveConnectionIDLimit, pm.ActiveConnectionIDLimit)
	}
	if len(pm.InitialSourceCID) > 0 {
		b.addBytes(paramInitialSourceCID, pm.InitialSourceCID)
	}
	if len(pm.RetrySourceCID) > 0 {
		b.addBytes(paramRetrySourceCID, pm.RetrySourceCID)
	}
	if pm.MaxDatagramFramePayloadSize > 0 {
		b.addVarintValue(paramMaxDatagramFrameSize, pm.MaxDatagramFramePayloadSize)
	}
	n := len(b) - 2
	b[0] = uint8(n >> 8)
	b[1] = uint8(n)
	return b
}

func (pm *Parameters) unmarshalLegacy(data []byte) bool {
	b := legacyExtension(data)
	var length uint16
	if !b.readUint16(&length) || int(length) != len(b) {
		return false
	}
	var id, n uint16
	for len(b) > 0 {
		if !b.readUint16(&id) || !b.readUint16(&n) || len(b) < int(n) {
			return false
		}
		v := []byte(b[:n])
		b = b[n:]
		switch uint64(id) {
		case paramOriginalDestinationCID:
			pm.OriginalDestinationCID = v
		case paramMaxIdleTimeout:
			var u uint64
			if !legacyVarint(v, &u) {
				return false
			}
			pm.MaxIdleTimeout = time.Duration(u) * time.Millisecond
		case paramStatelessResetToken:
			pm.StatelessResetToken = v
		case paramMaxUDPPayloadSize:
			if !legacyVarint(v, &pm.MaxUDPPayloadSize) {
				return false
			}
		case paramInitialMaxData:
			if !legacyVarint(v, &pm.InitialMaxData) {
				return false
			}
		case paramInitialMaxStreamDataBidiLocal:
			if !legacyVarint(v, &pm.InitialMaxStreamDataBidiLocal) {
				return false
			}
		case paramInitialMaxStreamDataBidiRemote:
			if !legacyVarint(v, &pm.InitialMaxStreamDataBidiRemote) {
				return false
			}
		case paramInitialMaxStreamDataUni:
			if !legacyVarint(v, &pm.InitialMaxStreamDataUni) {
				return false
			}
		case paramInitialMaxStreamsBidi:
			if !legacyVarint(v, &pm.InitialMaxStreamsBidi) {
				return false
			}
		case paramInitialMaxStreamsUni:
			if !legacyVarint(v, &pm.InitialMaxStreamsUni) {
				return false
			}
		case paramAckDelayExponent:
			if !legacyVarint(v, &pm.AckDelayExponent) {
				return false
			}
		case paramMaxAckDelay:
			var u uint64
			if !legacyVarint(v, &u) {
				return false
			}
			pm.MaxAckDelay = time.Duration(u) * time.Millisecond
		case paramDisableActiveMigration:
			if n != 0 {
				return false
			}
			pm.DisableActiveMigration = true
		case paramInitialSourceCID:
			pm.InitialSourceCID = v
		case paramRetrySourceCID:
			pm.RetrySourceCID = v
		case paramActiveConnectionIDLimit:
			if !legacyVarint(v, &pm.ActiveConnectionIDLimit) {
				return false
			}
		case paramMaxDatagramFrameSize:
			if !legacyVarint(v, &pm.MaxDatagramFramePayloadSize) {
				return false
			}
		default:
			// Unknown parameters must be ignored.
		}
	}
	return true
}

// legacyVarint decodes a varint value that must fill the whole slice.
func legacyVarint(v []byte, u *uint64) bool {
	return len(v) > 0 && getVarint(v, u) == len(v)
}

type legacyExtension []byte

func (ext *legacyExtension) addUint16(v uint16) {
	*ext = append(*ext, uint8(v>>8), uint8(v))
}

func (ext *legacyExtension) addBytes(id uint64, v []byte) {
	ext.addUint16(uint16(id))
	ext.addUint16(uint16(len(v)))
	*ext = append(*ext, v...)
}

func (ext *legacyExtension) addVarintValue(id uint64, v uint64) {
	n := varintLen(v)
	ext.addUint16(uint16(id))
	ext.addUint16(uint16(n))
	*ext = appendVarint(*ext, v, n)
}

func (ext *legacyExtension) addEmpty(id uint64) {
	ext.addUint16(uint16(id))
	ext.addUint16(0)
}

func (ext *legacyExtension) readUint16(v *uint16) bool {
	b := *ext
	if len(b) < 2 {
		return false
	}
	*v = uint16(b[0])<<8 | uint16(b[1])
	*ext = b[2:]
	return true
}

type tlsExtension []byte

func (ext *tlsExtension) addVarint(v uint64) {
	n := varintLen(v)
	*ext = appendVarint(*ext, v, n)
}

// addVarintValue adds a varint-encoded value prefixed with its length.
func (ext *tlsExtension) addVarintValue(v uint64) {
	n := varintLen(v)
	ext.addVarint(uint64(n))
	*ext = appendVarint(*ext, v, n)
}

func (ext *tlsExtension) addBytes(v []byte) {
	ext.addVarint(uint64(len(v)))
	*ext = append(*ext, v...)
}

func (ext *tlsExtension) readVarint(v *uint64) bool {
	b := *ext
	n := getVarint(b, v)
	if n <= 0 {
		return false
	}
	*ext = b[n:]
	return true
}

// readVarintValue reads a length-prefixed varint value.
func (ext *tlsExtension) readVarintValue(v *uint64) bool {
	var n uint64
	if !ext.readVarint(&n) {
		return false
	}
	b := *ext
	if uint64(len(b)) < n {
		return false
	}
	if getVarint(b, v) != int(n) {
		return false
	}
	*ext = b[n:]
	return true
}

func (ext *tlsExtension) readBytes(v *[]byte) bool {
	var n uint64
	if !ext.readVarint(&n) {
		return false
	}
	b := *ext
	if uint64(len(b)) < n {
		return false
	}
	*v = b[:n]
	*ext = b[n:]
	return true
}

func (ext *tlsExtension) skip(n int) bool {
	b := *ext
	if len(b) < n {
		return false
	}
	*ext = b[n:]
	return true
}

func (ext tlsExtension) empty() bool {
	return len(ext) == 0
}

type tlsHandshake struct {
	conn      *Conn
	tlsConfig *tls.Config
	tlsConn   *tls13.Conn
}

func (hs *tlsHandshake) init(conn *Conn, config *tls.Config) {
	hs.conn = conn
	hs.tlsConfig = config
	if conn.isClient {
		hs.tlsConn = tls13.Client(hs, hs.tlsConfig)
	} else {
		hs.tlsConn = tls13.Server(hs, hs.tlsConfig)
	}
}

func (hs *tlsHandshake) doHandshake() error {
	err := hs.tlsConn.Handshake()
	if err != nil && err != tls13.ErrWantRead {
		alert := uint64(hs.tlsConn.Alert())
		return newError(CryptoError+alert, err.Error())
	}
	return nil
}

func (hs *tlsHandshake) HandshakeComplete() bool {
	return hs.tlsConn.ConnectionState().HandshakeComplete
}

func (hs *tlsHandshake) writeSpace() packetSpace {
	level := hs.tlsConn.WriteLevel()
	switch level {
	case tls13.EncryptionLevelInitial:
		return packetSpaceInitial
	case tls13.EncryptionLevelHandshake:
		return packetSpaceHandshake
	case tls13.EncryptionLevelApplication:
		return packetSpaceApplication
	}
	panic(fmt.Sprintf("unsupported TLS write level: %d", level))
}

// reset drops handshake state so the client can retry after Retry or
// version negotiation.
func (hs *tlsHandshake) reset() {
	if hs.conn.isClient {
		hs.tlsConn = tls13.Client(hs, hs.tlsConfig)
	} else {
		hs.tlsConn = tls13.Server(hs, hs.tlsConfig)
	}
}

func (hs *tlsHandshake) ReadRecord(level tls13.EncryptionLevel, b []byte) (int, error) {
	space := hs.packetNumberSpace(level)
	return space.cryptoStream.Read(b)
}

func (hs *tlsHandshake) WriteRecord(level tls13.EncryptionLevel, b []byte) (int, error) {
	space := hs.packetNumberSpace(level)
	return space.cryptoStream.Write(b)
}

func (hs *tlsHandshake) SetReadSecret(level tls13.EncryptionLevel, readSecret []byte) error {
	debug("set read secret level=%d len=%d", level, len(readSecret))
	cipher := tls13.CipherSuiteByID(hs.tlsConn.ConnectionState().CipherSuite)
	if cipher == nil {
		return fmt.Errorf("connection not yet handshaked")
	}
	space := hs.packetNumberSpace(level)
	return space.opener.init(cipher, readSecret)
}

func (hs *tlsHandshake) SetWriteSecret(level tls13.EncryptionLevel, writeSecret []byte) error {
	debug("set write secret level=%d len=%d", level, len(writeSecret))
	cipher := tls13.CipherSuiteByID(hs.tlsConn.ConnectionState().CipherSuite)
	if cipher == nil {
		return fmt.Errorf("connection not yet handshaked")
	}
	space := hs.packetNumberSpace(level)
	return space.sealer.init(cipher, writeSecret)
}

func (hs *tlsHandshake) setTransportParams(params *Parameters) {
	if isLegacyParamsVersion(hs.conn.version) {
		hs.tlsConn.SetQUICTransportParams(params.marshalLegacy())
		return
	}
	hs.tlsConn.SetQUICTransportParams(params.marshal())
}

func (hs *tlsHandshake) peerTransportParams() *Parameters {
	b := hs.tlsConn.PeerQUICTransportParams()
	if len(b) == 0 {
		return nil
	}
	params := &Parameters{}
	if isLegacyParamsVersion(hs.conn.version) {
		if !params.unmarshalLegacy(b) {
			return nil
		}
		return params
	}
	if !params.unmarshal(b) {
		return nil
	}
	return params
}

func (hs *tlsHandshake) packetNumberSpace(level tls13.EncryptionLevel) *packetNumberSpace {
	space := packetSpaceFromEncryptionLevel(level)
	return &hs.conn.packetNumberSpaces[space]
}

func packetSpaceFromEncryptionLevel(level tls13.EncryptionLevel) packetSpace {
	switch level {
	case tls13.EncryptionLevelInitial:
		return packetSpaceInitial
	case tls13.EncryptionLevelHandshake:
		return packetSpaceHandshake
	case tls13.EncryptionLevelApplication:
		return packetSpaceApplication
	default:
		panic(fmt.Sprintf("unsupported encryption level: %v", level))
	}
}
