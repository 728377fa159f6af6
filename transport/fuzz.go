//go:build quicfuzz
// +build quicfuzz

package transport

// BuildPacket encrypts payload into a 1-RTT packet for fuzzing, bypassing
// the usual frame scheduling. The payload is zero padded up to the minimum
// header protection sample size. It returns nil until 1-RTT keys are
// available. Only compiled with the quicfuzz build tag.
func (c *Conn) BuildPacket(payload []byte) []byte {
	pnSpace := &c.packetNumberSpaces[packetSpaceApplication]
	if !pnSpace.canEncrypt() {
		return nil
	}
	for len(payload) < minPacketPayloadLength {
		payload = append(payload, 0)
	}
	overhead := pnSpace.sealer.aead.Overhead()
	p := packet{
		typ: packetTypeOneRTT,
		header: Header{
			Version: c.version,
			DCID:    c.dcid,
			SCID:    c.scid,
		},
		packetNumber: pnSpace.nextPacketNumber,
		keyPhase:     pnSpace.keyPhase,
		payloadLen:   len(payload) + overhead,
	}

	b := make([]byte, p.encodedLen())
	payloadOffset, err := p.encode(b)
	if err != nil {
		panic(err)
	}
	p.packetSize = payloadOffset + copy(b[payloadOffset:], payload) + overhead
	if p.packetSize > len(b) {
		panic("packet size miscalculated")
	}
	pnSpace.encryptPacket(b[:p.packetSize], &p)
	pnSpace.nextPacketNumber++
	return b[:p.packetSize]
}
