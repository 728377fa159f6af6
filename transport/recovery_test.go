package transport

import (
	"testing"
	"time"
)

func TestRecoveryPTOTimer(t *testing.T) {
	x := lossRecovery{}
	x.init()

	now := time.Date(2020, 1, 1, 0, 0, 1, 0, time.UTC)
	p := &sentPacket{
		packetNumber: 0,
		frames:       []frame{&pingFrame{}},
		timeSent:     now,
		sentBytes:    100,
		ackEliciting: true,
		inFlight:     true,
	}
	x.onPacketSent(p, packetSpaceHandshake)

	if x.timeOfLastAckElicitingPacket[packetSpaceHandshake] != now {
		t.Fatalf("expect timeOfLastAckElicitingPacket: %v, actual: %v",
			now, x.timeOfLastAckElicitingPacket[packetSpaceHandshake])
	}
	if x.congestion.bytesInFlight() != 100 {
		t.Fatalf("expect bytesInFlight: %v, actual: %v", 100, x.congestion.bytesInFlight())
	}
	// PTO = smoothed_rtt + max(4*rttvar, kGranularity) + max_ack_delay
	// No RTT sample yet: 333ms + 4*166.5ms = 999ms
	pto := initialRTT + 4*(initialRTT/2)
	if expect := now.Add(pto); x.lossDetectionTimer != expect {
		t.Fatalf("expect lossDetectionTimer: %v, actual: %v", expect, x.lossDetectionTimer)
	}
	// Timer expires: schedule probes and mark frames for retransmission.
	now = now.Add(1 * time.Second)
	x.onLossDetectionTimeout(now)
	if x.ptoCount != 1 {
		t.Fatalf("expect ptoCount: %v, actual: %v", 1, x.ptoCount)
	}
	if x.lossProbes[packetSpaceHandshake] == 0 {
		t.Fatalf("expect lossProbes > 0, actual: %v", x.lossProbes)
	}
	resend := 0
	x.drainLost(packetSpaceHandshake, func(f frame) {
		if _, ok := f.(*pingFrame); ok {
			resend++
		}
	})
	if resend != 1 {
		t.Fatalf("expect 1 frame to resend, actual: %v", resend)
	}
}

func TestRecoveryAckReceived(t *testing.T) {
	x := lossRecovery{}
	x.init()
	x.setPeerCompletedAddressValidation()
	x.setMaxAckDelay(25 * time.Millisecond)

	now := time.Date(2020, 1, 1, 0, 0, 1, 0, time.UTC)
	p := &sentPacket{
		packetNumber: 0,
		frames:       []frame{&pingFrame{}},
		timeSent:     now,
		sentBytes:    1000,
		ackEliciting: true,
		inFlight:     true,
	}
	x.onPacketSent(p, packetSpaceHandshake)

	now = now.Add(50 * time.Millisecond)
	var ranges rangeSet
	ranges.push(0, 0)
	x.onAckReceived(ranges, 0, packetSpaceHandshake, now)

	if x.latestRTT != 50*time.Millisecond {
		t.Fatalf("expect latestRTT: %v, actual: %v", 50*time.Millisecond, x.latestRTT)
	}
	if x.smoothedRTT != 50*time.Millisecond || x.minRTT != 50*time.Millisecond {
		t.Fatalf("expect first rtt sample, actual: smoothed=%v min=%v", x.smoothedRTT, x.minRTT)
	}
	if x.rttVariance != 25*time.Millisecond {
		t.Fatalf("expect rttVariance: %v, actual: %v", 25*time.Millisecond, x.rttVariance)
	}
	if x.congestion.bytesInFlight() != 0 {
		t.Fatalf("expect bytesInFlight: %v, actual: %v", 0, x.congestion.bytesInFlight())
	}
	if x.largestAckedPacket[packetSpaceHandshake] != 0 {
		t.Fatalf("expect largestAckedPacket: %v, actual: %v", 0, x.largestAckedPacket[packetSpaceHandshake])
	}
	// Nothing in flight and peer validated our address: timer disarmed.
	if !x.lossDetectionTimer.IsZero() {
		t.Fatalf("expect timer disarmed, actual: %v", x.lossDetectionTimer)
	}
	acked := 0
	x.drainAcked(packetSpaceHandshake, func(f frame) {
		acked++
	})
	if acked != 1 {
		t.Fatalf("expect 1 acked frame, actual: %v", acked)
	}
}

func TestRecoveryPacketThresholdLoss(t *testing.T) {
	x := lossRecovery{}
	x.init()
	x.setPeerCompletedAddressValidation()

	now := time.Date(2020, 1, 1, 0, 0, 1, 0, time.UTC)
	for i := uint64(0); i < 5; i++ {
		p := &sentPacket{
			packetNumber: i,
			frames:       []frame{&pingFrame{}},
			timeSent:     now,
			sentBytes:    1000,
			ackEliciting: true,
			inFlight:     true,
		}
		x.onPacketSent(p, packetSpaceApplication)
	}
	// Only the largest packet is acknowledged. Packets 0 and 1 exceed the
	// packet reordering threshold and are deemed lost; 2 and 3 get a loss time.
	now = now.Add(10 * time.Millisecond)
	var ranges rangeSet
	ranges.push(4, 4)
	x.onAckReceived(ranges, 0, packetSpaceApplication, now)

	if x.lostCount != 2 {
		t.Fatalf("expect lostCount: %v, actual: %v", 2, x.lostCount)
	}
	lost := 0
	x.drainLost(packetSpaceApplication, func(f frame) {
		lost++
	})
	if lost != 2 {
		t.Fatalf("expect 2 lost frames, actual: %v", lost)
	}
	if x.lossTime[packetSpaceApplication].IsZero() {
		t.Fatal("expect loss time armed for remaining packets")
	}
	if n := len(x.sent[packetSpaceApplication]); n != 2 {
		t.Fatalf("expect 2 outstanding packets, actual: %v", n)
	}
}

func TestRecoveryAmplificationLimit(t *testing.T) {
	x := lossRecovery{}
	x.init()
	x.setAmplificationLimited(true)

	if n := x.canSend(); n != 0 {
		t.Fatalf("expect canSend: %v, actual: %v", 0, n)
	}
	x.onDatagramReceived(1200)
	if n := x.canSend(); n != 3*1200 {
		t.Fatalf("expect canSend: %v, actual: %v", 3*1200, n)
	}
	now := time.Date(2020, 1, 1, 0, 0, 1, 0, time.UTC)
	p := &sentPacket{
		packetNumber: 0,
		frames:       []frame{&pingFrame{}},
		timeSent:     now,
		sentBytes:    1200,
		ackEliciting: true,
		inFlight:     true,
	}
	x.onPacketSent(p, packetSpaceInitial)
	if n := x.canSend(); n != 3*1200-1200 {
		t.Fatalf("expect canSend: %v, actual: %v", 3*1200-1200, n)
	}
	// Address validated: only the congestion window applies.
	x.setAmplificationLimited(false)
	if n := x.canSend(); n != 14720-1200 {
		t.Fatalf("expect canSend: %v, actual: %v", 14720-1200, n)
	}
}

func TestRecoverySpaceDiscarded(t *testing.T) {
	x := lossRecovery{}
	x.init()

	now := time.Date(2020, 1, 1, 0, 0, 1, 0, time.UTC)
	p := &sentPacket{
		packetNumber: 0,
		frames:       []frame{&pingFrame{}},
		timeSent:     now,
		sentBytes:    1200,
		ackEliciting: true,
		inFlight:     true,
	}
	x.onPacketSent(p, packetSpaceInitial)
	x.ptoCount = 2

	x.onPacketNumberSpaceDiscarded(packetSpaceInitial, now)
	if x.congestion.bytesInFlight() != 0 {
		t.Fatalf("expect bytesInFlight: %v, actual: %v", 0, x.congestion.bytesInFlight())
	}
	if len(x.sent[packetSpaceInitial]) != 0 {
		t.Fatalf("expect sent packets discarded, actual: %v", x.sent[packetSpaceInitial])
	}
	if x.ptoCount != 0 {
		t.Fatalf("expect ptoCount: %v, actual: %v", 0, x.ptoCount)
	}
}
