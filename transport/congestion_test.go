package transport

import (
	"math"
	"testing"
	"time"
)

func TestCongestionReno(t *testing.T) {
	c := &renoControl{}
	c.init()
	assertWindow(t, c, 10*initialMaxDatagramSize)

	c.setMaxDatagramSize(1000)
	assertWindow(t, c, 10*1000)

	now := time.Now()
	c.onPacketSent(1000, now)
	if !c.isAppLimited() {
		t.Fatalf("expect app limited, actual %v", c)
	}
	if avail := c.available(); avail != 9000 {
		t.Fatalf("expect window available: %v, actual: %v", 9000, avail)
	}

	for i := 1; i < initialWindowPackets; i++ {
		c.onPacketSent(1000, now)
	}
	assertWindow(t, c, 10000)
	if c.isAppLimited() {
		t.Fatalf("expect not app limited, actual %v", c)
	}
	// Slow start: window grows by bytes acked.
	c.onPacketAcked(2000, now, 50*time.Millisecond, now)
	assertWindow(t, c, 12000)

	c.onCongestionEvent(now, now)
	assertWindow(t, c, 6000)
	// Already in recovery, no further reduction.
	c.onCongestionEvent(now, now)
	assertWindow(t, c, 6000)
	if avail := c.available(); avail != 0 {
		t.Fatalf("expect window available: %v, actual: %v", 0, avail)
	}
}

func TestCongestionRenoCollapse(t *testing.T) {
	c := &renoControl{}
	c.init()
	c.setMaxDatagramSize(1000)
	c.collapseWindow()
	assertWindow(t, c, minimumWindowPackets*1000)
	if c.minimumWindow() != minimumWindowPackets*1000 {
		t.Fatalf("expect minimum window %v, actual %v", minimumWindowPackets*1000, c.minimumWindow())
	}
}

func TestCongestionCubic(t *testing.T) {
	const mss = initialMaxDatagramSize
	c := &cubicControl{}
	c.init()
	assertWindow(t, c, 14720) // initialWindowPackets*initialMaxDatagramSize

	sentTime := time.Now()
	rtt := 100 * time.Millisecond
	// Slow start
	c.onPacketSent(8*mss, sentTime)

	now := sentTime.Add(100 * time.Millisecond)
	c.onPacketAcked(1500, sentTime, rtt, now)
	assertWindow(t, c, 14720+1500)
	c.onPacketAcked(500, sentTime, rtt, now)
	assertWindow(t, c, 14720+2000)

	c.onCongestionEvent(sentTime, now)

	// cwnd reduced by (1 - beta_cubic)
	if c.windowMax != 16720 {
		t.Fatalf("expect w_max: %v, actual: %v", 16720, c.windowMax)
	}
	assertWindow(t, c, 16720-16720*3/10)
	if c.slowStartThreshold != 11704 {
		t.Fatalf("expect ssthresh: %v, actual: %v", 11704, c.slowStartThreshold)
	}

	k := math.Cbrt(16720 / mss * 0.3 / 0.4) // 2.02062
	actualK := float64(c.k) / float64(time.Second)
	if delta := (k - actualK) / k; delta < -0.01 || delta > 0.01 {
		t.Fatalf("expect k: %v, actual: %v", k, actualK)
	}

	// Congestion avoidance
	sentTime = now.Add(1 * time.Millisecond) // No longer in recovery
	now = now.Add(rtt)
	c.onPacketAcked(1000, sentTime, rtt, now)
	t.Log(c)

	// cwnd increased by (W_cubic(0.1s + rtt) - cwnd) / cwnd)
	wt := 16720 + math.Pow(0.2-k, 3)*0.4*mss
	assertWindowF(t, c, 11704+(wt-11704)*mss/11704)

	// tcp-friendly
	now = now.Add(7 * rtt)
	c.onPacketAcked(1000, sentTime, rtt, now)
	wt = 16720*0.7 + 3*(1-0.7)/(1+0.7)*500/100*1472
	assertWindowF(t, c, wt)
}

func TestCongestionCubicSpurious(t *testing.T) {
	c := &cubicControl{}
	c.init()
	sentTime := time.Now()
	c.onPacketSent(5000, sentTime)
	before := c.congestionWindow

	now := sentTime.Add(50 * time.Millisecond)
	c.onCongestionEvent(sentTime, now)
	if c.congestionWindow >= before {
		t.Fatalf("expect window reduction below %v, actual %v", before, c.congestionWindow)
	}
	c.onSpuriousCongestionEvent()
	assertWindow(t, c, before)
}

func TestCongestionPRR(t *testing.T) {
	c := &cubicControl{}
	c.init()
	c.setMaxDatagramSize(1000)

	sentTime := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	c.onPacketSent(5000, sentTime)
	c.onPacketSent(5000, sentTime)
	if c.bytesInFlight() != 10000 {
		t.Fatalf("expect bytes in flight: %v, actual: %v", 10000, c.bytesInFlight())
	}

	now := sentTime.Add(100 * time.Millisecond)
	c.onCongestionEvent(sentTime, now)
	// CUBIC multiplicative decrease: 10000*0.7
	if c.slowStartThreshold != 7000 {
		t.Fatalf("expect ssthresh: %v, actual: %v", 7000, c.slowStartThreshold)
	}
	if c.prr.flightSize != 10000 {
		t.Fatalf("expect prr_flight_size: %v, actual: %v", 10000, c)
	}

	c.onPacketSent(1000, sentTime)
	if c.prr.out != 1000 {
		t.Fatalf("expect prr_out: %v, actual: %v", 1000, c)
	}
	now = now.Add(50 * time.Millisecond)
	c.onPacketAcked(5000, sentTime, 50*time.Millisecond, now)
	// pipe == 6000 < ssthresh == 7000: slow start reduction bound applies
	if c.bytesInFlight() != 6000 {
		t.Fatalf("expect bytes in flight: %v, actual: %v", 6000, c.bytesInFlight())
	}
	if c.prr.delivered != 5000 {
		t.Fatalf("expect prr_delivered: %v, actual: %v", 5000, c)
	}
	// limit = min(ssthresh-pipe, max(delivered-out, acked)+mss) = 1000
	if c.prr.sndCnt != 1000 {
		t.Fatalf("expect sndcnt: %v, actual: %v", 1000, c)
	}
	c.onPacketAcked(1000, sentTime, 50*time.Millisecond, now)
	if c.bytesInFlight() != 5000 {
		t.Fatalf("expect bytes in flight: %v, actual: %v", 5000, c.bytesInFlight())
	}
	if c.prr.sndCnt != 2000 {
		t.Fatalf("expect sndcnt: %v, actual: %v", 2000, c)
	}
}

func BenchmarkCongestionControl(b *testing.B) {
	c := &cubicControl{}
	c.init()
	now := time.Now()
	c.onCongestionEvent(now, now)
	now = now.Add(1 * time.Second)
	for i := 0; i < b.N; i++ {
		c.onPacketSent(1000, now)
		c.onPacketAcked(1000, now, time.Millisecond, now)
	}
}

func assertWindow(t *testing.T, c congestionController, cwnd uint) {
	t.Helper()
	if w := c.window(); w != cwnd {
		t.Fatalf("expect congestion window: %v, actual: %v", cwnd, w)
	}
}

func assertWindowF(t *testing.T, c congestionController, cwnd float64) {
	t.Helper()
	delta := (cwnd - float64(c.window())) / cwnd
	if delta < -0.75 || delta > 0.75 {
		t.Fatalf("expect congestion window: %v, actual: %v (diff: %.2f%%)", cwnd, c.window(), delta*100)
	}
}
