// Package transport provides an implementation of the QUIC transport protocol.
package transport

import (
	"crypto/tls"
	"time"
)

const (
	// ProtocolVersion is the QUIC version supported by this package (RFC 9000).
	ProtocolVersion = 1

	// Pre-RFC draft versions accepted for interop testing.
	// Drafts below 27 encode transport parameters with 2-byte tags.
	versionDraftMin = 0xff000019 // draft 25
	versionDraft27  = 0xff00001b
	versionDraftMax = 0xff000020 // draft 32

	// MaxCIDLength is the maximum length of a Connection ID.
	MaxCIDLength = 20

	// https://www.rfc-editor.org/rfc/rfc9000.html#name-datagram-size

	// MaxIPv6PacketSize is the QUIC maximum packet size for IPv6 when Path MTU Discovery is missing.
	MaxIPv6PacketSize = 1232
	// MaxIPv4PacketSize is the QUIC maximum packet size for IPv4 when Path MTU Discovery is missing.
	MaxIPv4PacketSize = 1252
	// MaxPacketSize is the maximum permitted UDP payload.
	MaxPacketSize = 65527
	// MinInitialPacketSize is the minimum size of a datagram carrying an Initial packet.
	MinInitialPacketSize = 1200

	minPacketPayloadLength = 4

	// Crypto stream is not under flow control, but we still enforce a hard limit.
	cryptoMaxData = 1 << 20

	// Limit of active connection IDs this endpoint is willing to store.
	defaultActiveCIDLimit = 4

	defaultStreamMaxData = 1 << 14

	maxStreams = 1 << 60
)

// Config is a QUIC connection configuration.
// This implementation utilizes tls.Config.Rand and tls.Config.Time if available.
type Config struct {
	Version uint32
	TLS     *tls.Config
	Params  Parameters
	// CongestionControl selects the sender side congestion control
	// algorithm: "reno" (default) or "cubic".
	CongestionControl string
	// QuantumReadiness pads every client Initial packet to the maximum
	// datagram size instead of the 1200 byte minimum. An oversized first
	// flight probes middlebox tolerance of the multi-packet ClientHello
	// that post-quantum key shares will require.
	QuantumReadiness bool
}

// NewConfig creates a default configuration.
func NewConfig() *Config {
	return &Config{
		Version: ProtocolVersion,
		Params: Parameters{
			MaxIdleTimeout:   30 * time.Second,
			AckDelayExponent: 3,
			MaxAckDelay:      25 * time.Millisecond,

			InitialMaxData:                 8192,
			InitialMaxStreamDataBidiLocal:  8192,
			InitialMaxStreamDataBidiRemote: 8192,
			InitialMaxStreamDataUni:        8192,
			InitialMaxStreamsBidi:          1,
			InitialMaxStreamsUni:           1,

			ActiveConnectionIDLimit: defaultActiveCIDLimit,
		},
	}
}

func versionSupported(ver uint32) bool {
	return ver == ProtocolVersion || (ver >= versionDraftMin && ver <= versionDraftMax)
}
