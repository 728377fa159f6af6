package transport

import (
	"fmt"
	"math"
	"time"
)

const (
	// Endpoints should use an initial congestion window of 10 times the maximum datagram size,
	// limited to the larger of 14720 or twice the maximum datagram size
	// https://www.rfc-editor.org/rfc/rfc9002.html#section-7.2
	initialMaxDatagramSize = 1472
	initialWindowPackets   = 10
	// The minimum congestion window is the smallest value the congestion window can decrease
	// to as a response to loss. The recommended value is 2 * max_datagram_size.
	minimumWindowPackets = 2

	// Reduction in congestion window when a new loss event is detected.
	// NOTE: The value in spec is 0.5, but used as "x/2" here to avoid casting to float.
	lossReductionFactor = 2
)

// congestionController is the congestion control algorithm driven by loss
// recovery. The default is NewReno; CUBIC with Proportional Rate
// Reduction is available via Config.CongestionControl.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.2
type congestionController interface {
	init()
	onPacketSent(sentBytes uint, sentTime time.Time)
	onPacketAcked(sentBytes uint, sentTime time.Time, rtt time.Duration, now time.Time)
	onPacketDiscarded(sentBytes uint)
	onCongestionEvent(sentTime, now time.Time)
	onSpuriousCongestionEvent()
	collapseWindow()
	setMaxDatagramSize(n uint)

	// bytesInFlight is the sum of sizes of all in-flight packets not yet
	// acknowledged or declared lost.
	bytesInFlight() uint
	// window is the current congestion window in bytes.
	window() uint
	// available is the window minus bytes in flight.
	available() uint
	// minimumWindow is the floor the window collapses to.
	minimumWindow() uint

	log(b []byte) []byte
}

// congestionBase carries the state and bookkeeping shared by the
// controller implementations.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.1
type congestionBase struct {
	// maxDatagramSize is the sender's current maximum payload size.
	maxDatagramSize uint
	inFlight        uint
	// congestionWindow is the maximum number of bytes-in-flight that may be sent.
	congestionWindow uint
	// slowStartThreshold is the slow start threshold in bytes.
	// When the congestion window is below slowStartThreshold, the mode is slow start
	// and the window grows by the number of bytes acknowledged.
	slowStartThreshold uint
	// recoveryStartTime is the time when congestion was first detected due
	// to loss or ECN. When a packet sent after this time is acknowledged,
	// the recovery period ends.
	recoveryStartTime time.Time
	lastSentTime      time.Time
}

func (cc *congestionBase) init() {
	cc.maxDatagramSize = initialMaxDatagramSize
	cc.congestionWindow = initialWindowPackets * initialMaxDatagramSize
	cc.slowStartThreshold = maxUint
}

func (cc *congestionBase) addInFlight(sentBytes uint, sentTime time.Time) {
	cc.inFlight += sentBytes
	cc.lastSentTime = sentTime
}

func (cc *congestionBase) removeInFlight(sentBytes uint) {
	if cc.inFlight > sentBytes {
		cc.inFlight -= sentBytes
	} else {
		cc.inFlight = 0
	}
}

func (cc *congestionBase) bytesInFlight() uint {
	return cc.inFlight
}

func (cc *congestionBase) minimumWindow() uint {
	return minimumWindowPackets * cc.maxDatagramSize
}

// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.9
func (cc *congestionBase) onPacketDiscarded(sentBytes uint) {
	cc.removeInFlight(sentBytes)
}

func (cc *congestionBase) collapseWindow() {
	cc.congestionWindow = cc.minimumWindow()
	cc.recoveryStartTime = time.Time{}
}

func (cc *congestionBase) setMaxDatagramSize(maxDatagramSize uint) {
	if cc.congestionWindow == initialWindowPackets*cc.maxDatagramSize {
		// Only update congestion window when it has not been updated.
		cc.congestionWindow = initialWindowPackets * maxDatagramSize
	}
	cc.maxDatagramSize = maxDatagramSize
}

func (cc *congestionBase) inRecovery(sentTime time.Time) bool {
	return !cc.recoveryStartTime.IsZero() && !sentTime.After(cc.recoveryStartTime)
}

func (cc *congestionBase) isSlowStart() bool {
	return cc.congestionWindow < cc.slowStartThreshold
}

// isAppLimited indicates application limited or flow control limited.
func (cc *congestionBase) isAppLimited() bool {
	if cc.inFlight >= cc.congestionWindow {
		return false
	}
	if cc.isSlowStart() {
		return cc.inFlight < cc.congestionWindow/lossReductionFactor
	}
	// Allow a burst of 10 packets
	return cc.inFlight+initialWindowPackets*cc.maxDatagramSize < cc.congestionWindow
}

// halveWindow performs the NewReno multiplicative decrease, bounded by
// the minimum window.
func (cc *congestionBase) halveWindow() {
	cc.slowStartThreshold = cc.congestionWindow / lossReductionFactor
	// congestion_window = max(ssthresh, kMinimumWindow)
	if minimum := cc.minimumWindow(); cc.slowStartThreshold < minimum {
		cc.slowStartThreshold = minimum
	}
	cc.congestionWindow = cc.slowStartThreshold
}

func (cc *congestionBase) String() string {
	return fmt.Sprintf("congestion_window=%v bytes_in_flight=%v max_datagram_size=%v ssthresh=%v recovery_start_time=%v",
		cc.congestionWindow, cc.inFlight, cc.maxDatagramSize, cc.slowStartThreshold, cc.recoveryStartTime)
}

// NewReno

// renoControl is the NewReno controller.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-7
type renoControl struct {
	congestionBase
}

// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.4
func (cc *renoControl) onPacketSent(sentBytes uint, sentTime time.Time) {
	cc.addInFlight(sentBytes, sentTime)
}

// onPacketAcked is invoked from loss detection's onAckReceived with each
// newly acknowledged packet.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.5
func (cc *renoControl) onPacketAcked(sentBytes uint, sentTime time.Time, rtt time.Duration, now time.Time) {
	cc.removeInFlight(sentBytes)
	// Do not increase congestion_window if application limited or
	// in recovery period.
	if cc.inRecovery(sentTime) {
		return
	}
	if cc.isAppLimited() {
		debug("application limited on packet acked: %v", cc)
		return
	}
	if cc.isSlowStart() {
		cc.congestionWindow += sentBytes
	} else {
		// Congestion avoidance.
		cc.congestionWindow += cc.maxDatagramSize * sentBytes / cc.congestionWindow
	}
	debug("congestion packet acked: %v", cc)
}

// onCongestionEvent may start a new recovery period and reduces the
// congestion window.
// https://www.rfc-editor.org/rfc/rfc9002.html#section-b.6
func (cc *renoControl) onCongestionEvent(sentTime, now time.Time) {
	// Start a new congestion event only if the packet was sent after the
	// start of the previous congestion recovery period.
	if cc.inRecovery(sentTime) {
		return
	}
	cc.recoveryStartTime = now
	cc.halveWindow()
	debug("congestion event: %v", cc)
}

func (cc *renoControl) onSpuriousCongestionEvent() {
	// Window reduction is not reverted.
}

func (cc *renoControl) window() uint {
	return cc.congestionWindow
}

func (cc *renoControl) available() uint {
	if cc.congestionWindow > cc.inFlight {
		return cc.congestionWindow - cc.inFlight
	}
	return 0
}

func (cc *renoControl) log(b []byte) []byte {
	b = appendField(b, "congestion_window", cc.congestionWindow)
	b = appendField(b, "bytes_in_flight", cc.inFlight)
	if cc.slowStartThreshold != maxUint {
		b = appendField(b, "ssthresh", cc.slowStartThreshold)
	}
	return b
}

// CUBIC

const (
	// Multiplicative decrease factor.
	// The value is 0.7 but is multiplied by 10 for integer arithmetic.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.5
	cubicTenTimesBeta = 7
	// Scale constant that determines the aggressiveness of window increase.
	// The value is 0.4 but is multiplied by 10 for integer arithmetic.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-5.1
	cubicTenTimesC = 4
)

// cubicControl is the CUBIC controller combined with Proportional Rate
// Reduction during recovery.
// https://www.rfc-editor.org/rfc/rfc8312.html
type cubicControl struct {
	congestionBase

	// The time period in seconds it takes to increase the congestion
	// window size at the beginning of the current congestion avoidance
	// stage to W_max.
	k time.Duration
	// Window size just before the window is reduced in the last congestion event.
	windowMax     uint
	windowLastMax uint

	// Prior state, restored when the congestion event turns out spurious.
	priorRecoveryStartTime  time.Time
	priorK                  time.Duration
	priorCongestionWindow   uint
	priorSlowStartThreshold uint
	priorWindowMax          uint

	prr proportionalRateReduction
}

func (cc *cubicControl) onPacketSent(sentBytes uint, sentTime time.Time) {
	if cc.inFlight == 0 && !cc.lastSentTime.IsZero() && !cc.recoveryStartTime.IsZero() {
		// First transmit when no packets in flight
		delta := sentTime.Sub(cc.lastSentTime)
		if delta > 0 {
			// We were application limited (idle) for a while.
			// Shift epoch start to keep cwnd growth to cubic curve.
			cc.recoveryStartTime = cc.recoveryStartTime.Add(delta)
		}
	}
	cc.prr.onPacketSent(sentBytes)
	cc.addInFlight(sentBytes, sentTime)
}

func (cc *cubicControl) onPacketAcked(sentBytes uint, sentTime time.Time, rtt time.Duration, now time.Time) {
	cc.removeInFlight(sentBytes)
	if cc.inRecovery(sentTime) {
		cc.prr.onPacketAcked(&cc.congestionBase, sentBytes)
		return
	}
	if cc.isAppLimited() {
		debug("application limited on packet acked: %v", cc)
		return
	}
	if cc.isSlowStart() {
		cc.congestionWindow += sentBytes
		return
	}
	// Congestion avoidance.
	timeInCA := now.Sub(cc.recoveryStartTime)
	// RFC 8312 compares W_cubic(t) against W_est(t) here.
	windowCubic := cc.computeWCubic(timeInCA + rtt)
	windowEst := cc.computeWEst(timeInCA, rtt)
	if windowCubic < windowEst {
		// TCP-Friendly region.
		// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.2
		if cc.congestionWindow < windowEst {
			cc.congestionWindow = windowEst
		}
	} else {
		// Concave and convex region.
		// cwnd MUST be incremented by (W_cubic(t+RTT) - cwnd)/cwnd.
		// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.3
		if cc.congestionWindow < windowCubic {
			cc.congestionWindow += (windowCubic - cc.congestionWindow) * cc.maxDatagramSize / cc.congestionWindow
		}
	}
}

func (cc *cubicControl) onCongestionEvent(sentTime, now time.Time) {
	if cc.inRecovery(sentTime) {
		return
	}
	cc.recoveryStartTime = now
	// Save previous state in case the congestion is spurious.
	cc.priorWindowMax = cc.windowMax
	cc.priorK = cc.k
	cc.priorSlowStartThreshold = cc.slowStartThreshold
	cc.priorCongestionWindow = cc.congestionWindow
	cc.priorRecoveryStartTime = cc.recoveryStartTime

	// Save window size before reduction
	cc.windowMax = cc.congestionWindow

	// Fast convergence.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.6
	if cc.windowMax < cc.windowLastMax { // should we make room for others
		// Further reduce W_max
		cc.windowLastMax = cc.windowMax
		cc.windowMax = cc.windowMax * (10 + cubicTenTimesBeta) / 20
	} else {
		// Remember the last W_max
		cc.windowLastMax = cc.windowMax
	}
	// Multiplicative Decrease.
	// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.5
	cc.slowStartThreshold = cc.congestionWindow * cubicTenTimesBeta / 10
	if minimum := cc.minimumWindow(); cc.slowStartThreshold < minimum {
		cc.slowStartThreshold = minimum
	}
	cc.congestionWindow = cc.slowStartThreshold
	cc.updateK()
	cc.prr.onCongestionEvent(&cc.congestionBase)
	debug("congestion event: %v", cc)
}

func (cc *cubicControl) onSpuriousCongestionEvent() {
	if cc.congestionWindow < cc.priorCongestionWindow {
		cc.windowMax = cc.priorWindowMax
		cc.k = cc.priorK
		cc.slowStartThreshold = cc.priorSlowStartThreshold
		cc.congestionWindow = cc.priorCongestionWindow
		cc.recoveryStartTime = cc.priorRecoveryStartTime
	}
}

func (cc *cubicControl) window() uint {
	return cc.congestionWindow + cc.prr.sndCnt
}

func (cc *cubicControl) available() uint {
	cwnd := cc.window()
	if cwnd > cc.inFlight {
		return cwnd - cc.inFlight
	}
	return 0
}

// K = cubic_root(W_max*(1-beta_cubic)/C)
// https://www.rfc-editor.org/rfc/rfc8312.html#section-4.1
func (cc *cubicControl) updateK() {
	d := float64(cc.windowMax/cc.maxDatagramSize) * (10 - cubicTenTimesBeta) / cubicTenTimesC
	cc.k = time.Duration(math.Cbrt(d) * float64(time.Second))
}

// W_cubic(t) = C*(t-K)^3 + W_max
func (cc *cubicControl) computeWCubic(t time.Duration) uint {
	d := float32(t-cc.k) / float32(time.Second)
	d = d * d * d / 10 * cubicTenTimesC
	if d < 0 {
		return cc.windowMax - uint(-d)*cc.maxDatagramSize
	}
	return cc.windowMax + uint(d)*cc.maxDatagramSize
}

// W_est(t) = W_max*beta_cubic + [3*(1-beta_cubic)/(1+beta_cubic)] * (t/RTT)
func (cc *cubicControl) computeWEst(t, rtt time.Duration) uint {
	d := t / (10 + cubicTenTimesBeta) * 3 * (10 - cubicTenTimesBeta) / rtt
	return cc.windowMax*cubicTenTimesBeta/10 + uint(d)*cc.maxDatagramSize
}

func (cc *cubicControl) log(b []byte) []byte {
	b = appendField(b, "congestion_window", cc.window())
	b = appendField(b, "bytes_in_flight", cc.inFlight)
	if cc.slowStartThreshold != maxUint {
		b = appendField(b, "ssthresh", cc.slowStartThreshold)
	}
	return b
}

func (cc *cubicControl) String() string {
	return fmt.Sprintf("%v cubic_w_max=%v cubic_w_last_max=%v cubic_k=%v %v",
		&cc.congestionBase, cc.windowMax, cc.windowLastMax, cc.k, &cc.prr)
}

// Proportional Rate Reduction
// https://www.rfc-editor.org/rfc/rfc6937.html
type proportionalRateReduction struct {
	flightSize uint // FlightSize at the start of recovery (RecoverFS).
	delivered  uint // Total bytes delivered during recovery (prr_delivered).
	out        uint // Total bytes sent during recovery (prr_out).
	sndCnt     uint // Bytes should be sent (sndcnt).
}

func (pr *proportionalRateReduction) onCongestionEvent(state *congestionBase) {
	pr.flightSize = state.inFlight
	pr.delivered = 0
	pr.out = 0
	pr.sndCnt = 0
}

func (pr *proportionalRateReduction) onPacketSent(sentBytes uint) {
	pr.out += sentBytes
	if pr.sndCnt > sentBytes {
		pr.sndCnt -= sentBytes
	} else {
		pr.sndCnt = 0
	}
}

func (pr *proportionalRateReduction) onPacketAcked(state *congestionBase, sentBytes uint) {
	if pr.flightSize == 0 {
		return
	}
	pr.delivered += sentBytes
	pipe := state.inFlight
	ssthresh := state.slowStartThreshold
	if pipe > ssthresh {
		// Proportional Rate Reduction
		// sndcnt = CEIL(prr_delivered * ssthresh / RecoverFS) - prr_out
		limit := (pr.delivered*ssthresh + pr.flightSize - 1) / pr.flightSize
		if limit > pr.out {
			pr.sndCnt = limit - pr.out
		} else {
			pr.sndCnt = 0
		}
	} else {
		// Two versions of the Reduction Bound
		// if (conservative) {    // PRR-CRB
		//     limit = prr_delivered - prr_out
		// } else {               // PRR-SSRB
		//     limit = MAX(prr_delivered - prr_out, DeliveredData) + MSS
		// }
		limit := sentBytes
		if pr.delivered > pr.out && limit < pr.delivered-pr.out {
			limit = pr.delivered - pr.out
		}
		limit += state.maxDatagramSize
		// Attempt to catch up, as permitted by limit
		// sndcnt = MIN(ssthresh-pipe, limit)
		if limit > ssthresh-pipe {
			limit = ssthresh - pipe
		}
		pr.sndCnt = limit
	}
}

func (pr *proportionalRateReduction) String() string {
	return fmt.Sprintf("prr_flight_size=%v prr_delivered=%v prr_out=%v prr_sndcnt=%v",
		pr.flightSize, pr.delivered, pr.out, pr.sndCnt)
}
