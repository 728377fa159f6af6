package transport

import "testing"

func TestFlowControlSend(t *testing.T) {
	s := flowControl{}
	if v := s.canSend(); v != 0 {
		t.Fatalf("expect canSend %v, actual %v", 0, v)
	}
	s.init(0, 10)
	if v := s.canSend(); v != 10 {
		t.Fatalf("expect canSend %v, actual %v", 10, v)
	}
	s.addSend(6)
	if v := s.canSend(); v != 4 {
		t.Fatalf("expect canSend %v, actual %v", 4, v)
	}
	// Reset at a final size beyond the limit leaves no credit.
	s.setSend(11)
	if v := s.canSend(); v != 0 {
		t.Fatalf("expect canSend %v, actual %v", 0, v)
	}
	s.setMaxSend(15)
	if v := s.canSend(); v != 4 {
		t.Fatalf("expect canSend %v, actual %v", 4, v)
	}
	// Limits never shrink.
	s.setMaxSend(12)
	if v := s.canSend(); v != 4 {
		t.Fatalf("expect canSend %v, actual %v", 4, v)
	}
}

func TestFlowControlRecv(t *testing.T) {
	s := flowControl{}
	if v := s.canRecv(); v != 0 {
		t.Fatalf("expect canRecv %v, actual %v", 0, v)
	}
	s.init(10, 0)
	if v := s.canRecv(); v != 10 {
		t.Fatalf("expect canRecv %v, actual %v", 10, v)
	}
	if s.shouldUpdateMaxRecv() {
		t.Fatalf("expect updateMaxRecv %v, actual %v", false, true)
	}
	s.addRecv(6)
	if v := s.canRecv(); v != 4 {
		t.Fatalf("expect canRecv %v, actual %v", 4, v)
	}
	// Nothing consumed yet so there is no larger limit to announce.
	if s.shouldUpdateMaxRecv() {
		t.Fatalf("expect updateMaxRecv %v, actual %v", false, true)
	}
	s.addMaxRecvNext(4)
	if !s.shouldUpdateMaxRecv() {
		t.Fatalf("expect updateMaxRecv %v, actual %v", true, false)
	}
	s.commitMaxRecv()
	if v := s.canRecv(); v != 8 {
		t.Fatalf("expect canRecv %v, actual %v", 8, v)
	}
	if s.shouldUpdateMaxRecv() {
		t.Fatalf("expect updateMaxRecv %v, actual %v", false, true)
	}
}
