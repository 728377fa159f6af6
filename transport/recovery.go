package transport

import (
	"bytes"
	"fmt"
	"time"
)

const (
	// Maximum reordering in packets before packet threshold loss detection considers a packet lost.
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-6.1.1
	packetThreshold = 3

	// Maximum reordering in time before time threshold loss detection considers a packet lost.
	// Specified as an RTT multiplier.
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-6.1.2
	// NOTE: The value in spec is 9/8, but used as "x + x/8" here to avoid casting to float.
	timeThreshold = 8

	// Timer granularity.
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-6.1.2
	granularity = 1 * time.Millisecond

	// When no previous RTT is available, the initial RTT should be set to 333ms,
	// resulting in a 1 second initial timeout.
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-6.2.2
	initialRTT = 333 * time.Millisecond

	// The period of time for persistent congestion to be established,
	// specified as a PTO multiplier.
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-7.6
	persistentCongestionThreshold = 3

	maxProbes = 2
	// Prior to validating the client address, servers MUST NOT send more than three times
	// as many bytes as the number of bytes they have received.
	// https://www.rfc-editor.org/rfc/rfc9000.html#section-8.1
	maxAmplificationFactor = 3

	maxUint = ^uint(0)
)

// https://www.rfc-editor.org/rfc/rfc9002.html#name-sent-packet-fields
type sentPacket struct {
	packetNumber uint64    // The packet number of the sent packet.
	frames       []frame   // The Frames included in the packet.
	timeSent     time.Time // The time the packet was sent.
	sentBytes    uint64    // The number of bytes sent in the packet, including header and encryption overhead.

	// ackEliciting indicates whether a packet is ack-eliciting. If true, it is expected that
	// an acknowledgement will be received, though the peer could delay sending the ACK frame
	// containing it by up to the MaxAckDelay.
	ackEliciting bool
	// inFlight indicates whether the packet counts towards bytes in flight.
	inFlight bool
}

func newSentPacket(pn uint64, tm time.Time) *sentPacket {
	return &sentPacket{
		packetNumber: pn,
		frames:       make([]frame, 0, 8),
		timeSent:     tm,
	}
}

// All frames other than ACK, PADDING, and CONNECTION_CLOSE are considered ack-eliciting.
// Packets are considered in-flight when they are ack-eliciting or contain a PADDING frame.
func (p *sentPacket) addFrame(f frame) {
	p.frames = append(p.frames, f)
	if !p.ackEliciting {
		switch f.(type) {
		case *ackFrame, *connectionCloseFrame:
		case *paddingFrame:
			p.inFlight = true
		default:
			p.inFlight = true
			p.ackEliciting = true
		}
	}
}

func (p *sentPacket) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "packet_number=%d sent_bytes=%d ack_eliciting=%v in_flight=%v",
		p.packetNumber, p.sentBytes, p.ackEliciting, p.inFlight)
	for _, f := range p.frames {
		fmt.Fprintf(&buf, " %s", f)
	}
	return buf.String()
}

// https://www.rfc-editor.org/rfc/rfc9002.html
type lossRecovery struct {
	latestRTT   time.Duration // The most recent RTT measurement made when receiving an ack for a previously unacked packet.
	smoothedRTT time.Duration // The exponentially-weighted moving average RTT of the connection.
	rttVariance time.Duration // The mean deviation in the observed RTT samples.
	minRTT      time.Duration // The minimum RTT seen in the connection, ignoring ack delay.
	// maxAckDelay is the maximum amount of time by which the receiver intends
	// to delay acknowledgments for packets in the ApplicationData packet number space.
	// The actual ack_delay in a received ACK frame may be larger due to late timers,
	// reordering, or lost ACK frames.
	maxAckDelay time.Duration

	// Multi-modal timer used for loss detection.
	lossDetectionTimer time.Time
	// The number of times a PTO has been sent without receiving an ack.
	ptoCount uint8
	// The time the most recent ack-eliciting packet was sent.
	timeOfLastAckElicitingPacket [packetSpaceCount]time.Time
	// The largest packet number acknowledged in the packet number space so far.
	largestAckedPacket [packetSpaceCount]uint64
	// The largest packet number the connection has sent.
	largestSentPacket [packetSpaceCount]uint64
	// lossTime is the time at which the next packet in that packet number space
	// will be considered lost based on exceeding the reordering window in time.
	lossTime   [packetSpaceCount]time.Time
	lossProbes [packetSpaceCount]uint8

	// sent is an association of packet numbers in a packet number space to information about them.
	sent  [packetSpaceCount][]*sentPacket
	lost  [packetSpaceCount][]*sentPacket
	acked [packetSpaceCount][]*sentPacket

	// Metrics
	lostCount uint64

	// Anti-amplification accounting for the server before the client
	// address is validated.
	bytesRecv            uint64
	bytesSent            uint64
	amplificationLimited bool

	// Control PTO calculation.
	hasHandshakeKeys               bool
	peerCompletedAddressValidation bool
	handshakeConfirmed             bool

	congestion congestionController
}

// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.4
func (lr *lossRecovery) init() {
	for i := packetSpaceInitial; i < packetSpaceCount; i++ {
		lr.largestAckedPacket[i] = maxUint64
	}
	// Use zero value for smoothedRTT to detect whether an RTT sample was received
	lr.rttVariance = initialRTT / 2
	if lr.congestion == nil {
		lr.congestion = &renoControl{}
	}
	lr.congestion.init()
}

// After a packet is sent, information about the packet is stored.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.5
func (lr *lossRecovery) onPacketSent(p *sentPacket, space packetSpace) {
	lr.sent[space] = append(lr.sent[space], p)
	lr.bytesSent += p.sentBytes
	if p.packetNumber > lr.largestSentPacket[space] {
		lr.largestSentPacket[space] = p.packetNumber
	}
	if p.inFlight {
		if p.ackEliciting {
			lr.timeOfLastAckElicitingPacket[space] = p.timeSent
		}
		lr.congestion.onPacketSent(uint(p.sentBytes), p.timeSent)
		lr.setLossDetectionTimer(p.timeSent)
	}
}

// onDatagramReceived counts bytes received from the peer for the
// anti-amplification limit.
func (lr *lossRecovery) onDatagramReceived(n int) {
	lr.bytesRecv += uint64(n)
}

// setAmplificationLimited enables the 3x send limit until the peer
// address is validated.
func (lr *lossRecovery) setAmplificationLimited(limited bool) {
	lr.amplificationLimited = limited
}

// When an ACK frame is received, it may newly acknowledge any number of packets.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.7
func (lr *lossRecovery) onAckReceived(ranges rangeSet, ackDelay time.Duration, space packetSpace, now time.Time) {
	largestAcked := ranges.largest()
	if largestAcked > lr.largestSentPacket[space] {
		debug("invalid largest acknowledged packet number: %v %v", lr.largestSentPacket, ranges)
		return
	}
	if lr.largestAckedPacket[space] == maxUint64 || lr.largestAckedPacket[space] < largestAcked {
		lr.largestAckedPacket[space] = largestAcked
	}
	// Find packets that are newly acknowledged and remove them from sent packets.
	var ackedPackets []*sentPacket
	hasAckEliciting := false
	for _, r := range ranges {
		lr.filterSent(space, func(p *sentPacket) bool {
			if p.packetNumber < r.start || p.packetNumber > r.end {
				return false
			}
			if p.ackEliciting {
				hasAckEliciting = true
			}
			ackedPackets = append(ackedPackets, p)
			return true
		})
	}
	// A packet declared lost may still arrive at the peer. Treat it as
	// acknowledged instead of retransmitting its frames, and let the
	// controller revert the window reduction it was charged with.
	spurious := false
	for _, r := range ranges {
		lost := lr.lost[space]
		n := 0
		for _, p := range lost {
			if p.packetNumber >= r.start && p.packetNumber <= r.end {
				lr.acked[space] = append(lr.acked[space], p)
				spurious = true
			} else {
				lost[n] = p
				n++
			}
		}
		for i := n; i < len(lost); i++ {
			lost[i] = nil
		}
		lr.lost[space] = lost[:n]
	}
	if spurious {
		lr.congestion.onSpuriousCongestionEvent()
	}
	if len(ackedPackets) == 0 {
		// Nothing to do if there are no newly acked packets.
		return
	}
	if hasAckEliciting {
		largestPacket := ackedPackets[len(ackedPackets)-1]
		// If the largest acknowledged is newly acked and
		// at least one ack-eliciting was newly acked, update the RTT.
		if largestPacket.packetNumber == largestAcked {
			latestRTT := now.Sub(largestPacket.timeSent)
			if space != packetSpaceApplication {
				ackDelay = 0
			}
			lr.updateRTT(latestRTT, ackDelay)
		}
	}

	lr.detectLostPackets(space, now)
	lr.onPacketsAcked(ackedPackets, space, now)
	// Reset pto_count unless the client is unsure if
	// the server has validated the client's address.
	if lr.peerCompletedAddressValidation {
		lr.ptoCount = 0
	}
	lr.lossProbes[space] = 0
	lr.setLossDetectionTimer(now)
}

// https://www.rfc-editor.org/rfc/rfc9002.html#section-5.3
func (lr *lossRecovery) updateRTT(latestRTT time.Duration, ackDelay time.Duration) {
	lr.latestRTT = latestRTT
	if lr.smoothedRTT == 0 {
		// First RTT sample in a connection
		lr.minRTT = latestRTT
		lr.smoothedRTT = latestRTT
		lr.rttVariance = latestRTT / 2
		return
	}
	// min_rtt ignores acknowledgment delay.
	if lr.minRTT > latestRTT {
		lr.minRTT = latestRTT
	}
	// Limit ack_delay by max_ack_delay after handshake confirmation.
	// Note that ack_delay is 0 for acknowledgements of Initial and Handshake packets.
	if lr.handshakeConfirmed && ackDelay > lr.maxAckDelay {
		ackDelay = lr.maxAckDelay
	}
	// Adjust for ack delay if plausible.
	adjustedRTT := latestRTT
	if adjustedRTT > lr.minRTT+ackDelay {
		adjustedRTT -= ackDelay
	}
	// rttvar = 3/4 * rttvar + 1/4 * abs(smoothed_rtt - adjusted_rtt)
	// smoothed_rtt = 7/8 * smoothed_rtt + 1/8 * adjusted_rtt
	deltaRTT := lr.smoothedRTT - adjustedRTT
	if deltaRTT < 0 {
		deltaRTT = -deltaRTT
	}
	lr.rttVariance = lr.rttVariance*3/4 + deltaRTT*1/4
	lr.smoothedRTT = lr.smoothedRTT*7/8 + adjustedRTT*1/8
}

func (lr *lossRecovery) onPacketsAcked(packets []*sentPacket, space packetSpace, now time.Time) {
	rtt := lr.roundTripTime()
	for _, p := range packets {
		lr.acked[space] = append(lr.acked[space], p)
		if p.inFlight {
			lr.congestion.onPacketAcked(uint(p.sentBytes), p.timeSent, rtt, now)
		}
	}
}

// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.8
func (lr *lossRecovery) setLossDetectionTimer(now time.Time) {
	lossTime, _ := lr.earliestLossTime()
	if !lossTime.IsZero() {
		// Time threshold loss detection.
		lr.lossDetectionTimer = lossTime
		return
	}
	if lr.congestion.bytesInFlight() == 0 && lr.peerCompletedAddressValidation {
		// There is nothing to detect lost, so no timer is set.
		// However, the client needs to arm the timer if the
		// server might be blocked by the anti-amplification limit.
		lr.lossDetectionTimer = time.Time{}
		return
	}
	// Determine which PN space to arm PTO for.
	timeout, _ := lr.earliestProbeTime(now)
	lr.lossDetectionTimer = timeout
}

// onLossDetectionTimeout checks lossDetectionTimer to detect whether a packet was lost.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.9
func (lr *lossRecovery) onLossDetectionTimeout(now time.Time) {
	lossTime, space := lr.earliestLossTime()
	if !lossTime.IsZero() {
		lr.detectLostPackets(space, now)
		lr.setLossDetectionTimer(now)
		return
	}
	// PTO. Send new data if available, else retransmit old data.
	// If neither is available, send a single PING frame.
	lr.ptoCount++
	probes := int(lr.ptoCount)
	if probes > maxProbes {
		probes = maxProbes
	}
	_, space = lr.earliestProbeTime(now)
	lr.lossProbes[space] = uint8(probes)
	lr.markResendAckElicitingPackets(space, probes)
	lr.setLossDetectionTimer(now)
}

// detectLostPackets is called every time an ACK is received or the time threshold loss detection timer expires.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.10
func (lr *lossRecovery) detectLostPackets(space packetSpace, now time.Time) {
	// loss_delay = max(kTimeThreshold * max(latest_rtt, smoothed_rtt), kGranularity)
	lossDelay := lr.roundTripTime()
	if lossDelay < lr.latestRTT {
		lossDelay = lr.latestRTT
	}
	lossDelay += lossDelay / timeThreshold
	// Minimum time of kGranularity before packets are deemed lost.
	if lossDelay < granularity {
		lossDelay = granularity
	}
	// Packets sent before this time are deemed lost.
	lostSendTime := now.Add(-lossDelay)
	largestAcked := lr.largestAckedPacket[space]
	lossTime := time.Time{}

	var lostPackets []*sentPacket
	lr.filterSent(space, func(p *sentPacket) bool {
		if p.packetNumber > largestAcked {
			return false
		}
		// Mark the packet as lost, or set the time when it should be marked.
		if !p.timeSent.After(lostSendTime) || largestAcked >= p.packetNumber+packetThreshold {
			if p.inFlight {
				lostPackets = append(lostPackets, p)
			}
			return true
		}
		if p.ackEliciting {
			tm := p.timeSent.Add(lossDelay)
			if lossTime.IsZero() || lossTime.After(tm) {
				lossTime = tm
			}
		}
		return false
	})
	lr.lossTime[space] = lossTime
	if len(lostPackets) > 0 {
		lr.onPacketsLost(lostPackets, space, now)
	}
}

func (lr *lossRecovery) markResendAckElicitingPackets(space packetSpace, probes int) {
	// Retransmit the frames from the oldest sent packets on PTO.
	// Calculate the starting point first to keep lost packets in order.
	sent := lr.sent[space]
	i := len(sent) - 1
	if i >= 0 {
		for ; i > 0 && probes > 0; i-- {
			if sent[i].ackEliciting {
				probes--
			}
		}
		for ; i < len(sent); i++ {
			p := sent[i]
			if p.ackEliciting {
				lr.lost[space] = append(lr.lost[space], p)
				p.ackEliciting = false // So it will not be marked as lost again.
			}
			// The packet may not really be lost, so do not change congestion control.
			// It is kept in the sent list so it can actually be declared lost or acked later.
		}
	}
}

// When Initial or Handshake keys are discarded, packets from the space are discarded
// and loss detection state is updated.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.11
func (lr *lossRecovery) onPacketNumberSpaceDiscarded(space packetSpace, now time.Time) {
	// Remove any unacknowledged packets from flight.
	var unackedBytes uint64
	for _, p := range lr.sent[space] {
		if p.inFlight {
			unackedBytes += p.sentBytes
		}
	}
	lr.congestion.onPacketDiscarded(uint(unackedBytes))
	lr.sent[space] = nil
	lr.lost[space] = nil
	lr.acked[space] = nil
	// Reset the loss detection and PTO timer
	lr.timeOfLastAckElicitingPacket[space] = time.Time{}
	lr.lossTime[space] = time.Time{}
	lr.lossProbes[space] = 0
	lr.ptoCount = 0
	lr.setLossDetectionTimer(now)
}

// roundTripTime returns the smoothed RTT when available.
func (lr *lossRecovery) roundTripTime() time.Duration {
	if lr.smoothedRTT > 0 {
		return lr.smoothedRTT
	}
	return initialRTT
}

// probeTimeout is the amount of time that a sender ought to wait for an acknowledgement
// of a sent packet.
// When an ack-eliciting packet is transmitted, the sender schedules a timer
// for the PTO period as follows:
//
//	PTO = smoothed_rtt + max(4*rttvar, kGranularity) + max_ack_delay
//
// https://www.rfc-editor.org/rfc/rfc9002.html#section-6.2.1
func (lr *lossRecovery) probeTimeout() time.Duration {
	pto := lr.roundTripTime() + lr.maxAckDelay
	if lr.rttVariance*4 > granularity {
		pto += lr.rttVariance * 4
	} else {
		pto += granularity
	}
	return pto
}

// earliestLossTime returns the earliest loss time.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.8
func (lr *lossRecovery) earliestLossTime() (time.Time, packetSpace) {
	space := packetSpaceInitial
	lossTime := lr.lossTime[space]
	for i := space + 1; i < packetSpaceCount; i++ {
		tm := lr.lossTime[i]
		if !tm.IsZero() && (lossTime.IsZero() || lossTime.After(tm)) {
			lossTime = tm
			space = i
		}
	}
	return lossTime, space
}

// earliestProbeTime returns the earliest PTO timeout.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-a.8
func (lr *lossRecovery) earliestProbeTime(now time.Time) (time.Time, packetSpace) {
	// duration = (smoothed_rtt + max(4 * rttvar, kGranularity)) * (2 ^ pto_count)
	duration := lr.probeTimeout() * (1 << lr.ptoCount)
	// Arm PTO from now when there are no inflight packets.
	if lr.congestion.bytesInFlight() == 0 {
		if lr.hasHandshakeKeys {
			return now.Add(duration), packetSpaceHandshake
		}
		return now.Add(duration), packetSpaceInitial
	}
	space := packetSpaceInitial
	timeout := time.Time{}
	for i := space; i < packetSpaceCount; i++ {
		// Check no in-flight packets in space.
		// XXX: To avoid a loop, it only checks if there are any sending packets.
		if len(lr.sent[i]) == 0 {
			continue
		}
		if i == packetSpaceApplication && !lr.handshakeConfirmed {
			// Skip Application Data until handshake complete.
			continue
		}
		tm := lr.timeOfLastAckElicitingPacket[i]
		if !tm.IsZero() {
			tm = tm.Add(duration)
			if timeout.IsZero() || timeout.After(tm) {
				timeout = tm
				space = i
			}
		}
	}
	return timeout, space
}

// inPersistentCongestion determines whether the span of newly lost
// ack-eliciting packets exceeds the persistent congestion duration.
// It requires an RTT sample to have been taken.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-7.6
func (lr *lossRecovery) inPersistentCongestion(packets []*sentPacket) bool {
	if lr.smoothedRTT == 0 || len(packets) < 2 {
		return false
	}
	// congestion_period = pto * kPersistentCongestionThreshold
	congestionPeriod := lr.probeTimeout() * persistentCongestionThreshold
	var earliest, latest time.Time
	n := 0
	for _, p := range packets {
		if !p.ackEliciting {
			continue
		}
		if earliest.IsZero() || p.timeSent.Before(earliest) {
			earliest = p.timeSent
		}
		if p.timeSent.After(latest) {
			latest = p.timeSent
		}
		n++
	}
	return n >= 2 && latest.Sub(earliest) > congestionPeriod
}

// onPacketsLost is invoked when detectLostPackets deems packets lost.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.8
func (lr *lossRecovery) onPacketsLost(packets []*sentPacket, space packetSpace, now time.Time) {
	lr.lostCount += uint64(len(packets))
	for _, p := range packets {
		if p.ackEliciting {
			lr.lost[space] = append(lr.lost[space], p)
		}
		if p.inFlight {
			lr.congestion.onPacketDiscarded(uint(p.sentBytes))
		}
	}
	largestLostPacket := packets[len(packets)-1]
	lr.congestion.onCongestionEvent(largestLostPacket.timeSent, now)
	// Collapse the congestion window if persistent congestion is established.
	if lr.inPersistentCongestion(packets) {
		lr.congestion.collapseWindow()
	}
}

func (lr *lossRecovery) filterSent(space packetSpace, filter func(*sentPacket) bool) {
	sent := lr.sent[space]
	if len(sent) > 0 {
		n := 0
		for _, p := range sent {
			if !filter(p) {
				sent[n] = p
				n++
			}
		}
		for i := n; i < len(sent); i++ {
			sent[i] = nil
		}
		lr.sent[space] = sent[:n]
	}
}

func (lr *lossRecovery) drainLost(space packetSpace, fn func(frame)) {
	packets := lr.lost[space]
	for i, p := range packets {
		for _, f := range p.frames {
			fn(f)
		}
		packets[i] = nil
	}
	lr.lost[space] = packets[:0]
}

func (lr *lossRecovery) drainAcked(space packetSpace, fn func(frame)) {
	packets := lr.acked[space]
	for i, p := range packets {
		for _, f := range p.frames {
			fn(f)
		}
		packets[i] = nil
	}
	lr.acked[space] = packets[:0]
}

func (lr *lossRecovery) setMaxAckDelay(maxAckDelay time.Duration) {
	if maxAckDelay > 0 {
		lr.maxAckDelay = maxAckDelay
	} else {
		lr.maxAckDelay = 25 * time.Millisecond
	}
}

func (lr *lossRecovery) setMaxDatagramSize(n uint) {
	lr.congestion.setMaxDatagramSize(n)
}

func (lr *lossRecovery) setHasHandshakeKeys() {
	lr.hasHandshakeKeys = true
}

func (lr *lossRecovery) setPeerCompletedAddressValidation() {
	lr.peerCompletedAddressValidation = true
}

func (lr *lossRecovery) setHandshakeConfirmed() {
	lr.handshakeConfirmed = true
}

// canSend returns the number of bytes allowed by the congestion controller
// and, for a server with an unvalidated peer address, the
// anti-amplification limit.
func (lr *lossRecovery) canSend() uint64 {
	var n uint64
	if lr.ptoCount > 0 {
		// Ignore the congestion window if the packet is sent on PTO timer expiration.
		n = uint64(lr.congestion.minimumWindow())
	} else {
		n = uint64(lr.congestion.available())
	}
	if lr.amplificationLimited {
		budget := maxAmplificationFactor * lr.bytesRecv
		if budget <= lr.bytesSent {
			return 0
		}
		if budget-lr.bytesSent < n {
			n = budget - lr.bytesSent
		}
	}
	return n
}

// pacingRate returns the sending rate hint in bytes per second,
// derived from the congestion window over the smoothed RTT.
func (lr *lossRecovery) pacingRate() uint64 {
	rtt := lr.roundTripTime()
	if rtt <= 0 {
		return maxUint64
	}
	return uint64(lr.congestion.window()) * uint64(time.Second) / uint64(rtt)
}
