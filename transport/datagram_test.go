package transport

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

func assertDatagramPop(t *testing.T, b *datagramBuffer, expect []byte) {
	t.Helper()
	actual := b.pop()
	if (expect == nil && actual != nil) || !bytes.Equal(actual, expect) {
		t.Fatalf("pop does not match:\nexpect: %x\nactual: %x", expect, actual)
	}
}

func TestDatagramBuffer(t *testing.T) {
	var buf datagramBuffer
	assertDatagramPop(t, &buf, nil)
	if n := buf.avail(); n != 0 {
		t.Fatalf("expect avail 0, actual %d", n)
	}
	b := []byte("data")
	buf.push(b)
	if n := buf.avail(); n != 4 {
		t.Fatalf("expect avail 4, actual %d", n)
	}
	assertDatagramPop(t, &buf, b)
	assertDatagramPop(t, &buf, nil)
	buf.push([]byte("first"))
	buf.push([]byte("second"))
	assertDatagramPop(t, &buf, []byte("first"))
	assertDatagramPop(t, &buf, []byte("second"))
	assertDatagramPop(t, &buf, nil)
}

func TestDatagramBufferOverrun(t *testing.T) {
	var buf datagramBuffer
	for i := 0; i < maxDatagramBufferLen; i++ {
		buf.push([]byte{uint8(i)})
	}
	// The ring is full: the oldest datagram has been dropped.
	for i := 1; i < maxDatagramBufferLen; i++ {
		assertDatagramPop(t, &buf, []byte{uint8(i)})
	}
	assertDatagramPop(t, &buf, nil)
	if buf.w != buf.r {
		t.Fatalf("expect write and read at same position, actual %v %v", buf.w, buf.r)
	}
}

func TestDatagramBufferRandom(t *testing.T) {
	var buf datagramBuffer
	d := []byte("data")
	for i := 0; i < 1000; i++ {
		for j := rand.Intn(100); j >= 0; j-- {
			buf.push(d)
		}
		for j := rand.Intn(100); j >= 0; j-- {
			buf.pop()
		}
	}
	// Drain whatever is left. All slots must be released.
	for j := 0; j < maxDatagramBufferLen; j++ {
		buf.pop()
	}
	if buf.w != buf.r {
		t.Fatalf("expect write and read at same position, actual %v %v", buf.w, buf.r)
	}
	for i, v := range buf.data {
		if v != nil {
			t.Fatalf("expect data at %v nil, actual %x", i, v)
		}
	}
}

func assertDatagramPopSend(t *testing.T, d *Datagram, max int, expect []byte) {
	t.Helper()
	actual := d.popSend(max)
	if (expect == nil && actual != nil) || !bytes.Equal(actual, expect) {
		t.Fatalf("expect pop: %v, actual: %v", expect, actual)
	}
}

func TestDatagramSend(t *testing.T) {
	var d Datagram
	if d.isFlushable() {
		t.Fatalf("expect not flushable: %+v", &d)
	}
	assertDatagramPopSend(t, &d, 10, nil)
	// Writes are rejected until the peer advertises a maximum size.
	n, err := d.Write([]byte("write"))
	if err == nil || err.Error() != "application_error max_datagram_payload_size 0" || n != 0 {
		t.Fatalf("expect error %v, actual %v %v", "application_error", n, err)
	}
	d.setMaxSend(6)
	n, err = d.Write([]byte("writelong"))
	if err == nil || err.Error() != "application_error max_datagram_payload_size 6" || n != 0 {
		t.Fatalf("expect error %v, actual %v %v", "application_error", n, err)
	}
	if d.isFlushable() {
		t.Fatalf("expect not flushable: %+v", &d)
	}
	b := []byte("write1")
	if n, err = d.Write(b); n != len(b) || err != nil {
		t.Fatalf("expect write: %v %v, actual: %v %v", len(b), nil, n, err)
	}
	if n, err = d.Write([]byte("wr2")); n != 3 || err != nil {
		t.Fatalf("expect write: %v %v, actual: %v %v", 3, nil, n, err)
	}
	if !d.isFlushable() {
		t.Fatalf("expect flushable: %+v", &d)
	}
	// Too little room for the first pending datagram.
	assertDatagramPopSend(t, &d, 3, nil)
	b[0] = 0 // Write must have copied the data.
	assertDatagramPopSend(t, &d, 6, []byte("write1"))
	if !d.isFlushable() {
		t.Fatalf("expect flushable: %+v", &d)
	}
	assertDatagramPopSend(t, &d, 5, []byte("wr2"))
	if d.isFlushable() {
		t.Fatalf("expect not flushable: %+v", &d)
	}
	assertDatagramPopSend(t, &d, 10, nil)
}

func assertDatagramRead(t *testing.T, d *Datagram, b, expect []byte) {
	t.Helper()
	n, err := d.Read(b)
	if err != nil || !bytes.Equal(b[:n], expect) {
		t.Fatalf("expect read: %v %v, actual: %v %v %s", len(expect), nil, n, err, b[:n])
	}
}

func TestDatagramRecv(t *testing.T) {
	var d Datagram
	if d.isReadable() {
		t.Fatalf("expect not readable: %+v", &d)
	}
	assertDatagramRead(t, &d, []byte{0, 0}, nil)
	// Receiving a DATAGRAM frame without having advertised support is a
	// protocol violation.
	err := d.pushRecv([]byte("read"))
	if err == nil || err.Error() != "protocol_violation max_datagram_payload_size 0" {
		t.Fatalf("expect error %v, actual %v", "protocol_violation", err)
	}
	d.setMaxRecv(5)
	err = d.pushRecv([]byte("readlong"))
	if err == nil || err.Error() != "protocol_violation max_datagram_payload_size 5" {
		t.Fatalf("expect error %v, actual %v", "protocol_violation", err)
	}
	if d.isReadable() {
		t.Fatalf("expect not readable: %+v", &d)
	}
	if err = d.pushRecv([]byte("read1")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err = d.pushRecv([]byte("rd2")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !d.isReadable() {
		t.Fatalf("expect readable: %+v", &d)
	}
	b := make([]byte, 10)
	assertDatagramRead(t, &d, b, []byte("read1"))
	if !d.isReadable() {
		t.Fatalf("expect readable: %+v", &d)
	}
	// Datagram boundaries are preserved, a short read buffer is an error.
	n, err := d.Read(b[:2])
	if n != 0 || err != io.ErrShortBuffer {
		t.Fatalf("expect read %v %v, actual %v %v", 0, io.ErrShortBuffer, n, err)
	}
	assertDatagramRead(t, &d, b, []byte("rd2"))
	if d.isReadable() {
		t.Fatalf("expect not readable: %+v", &d)
	}
	assertDatagramRead(t, &d, b, nil)
}

func BenchmarkDatagramSend(b *testing.B) {
	b.ReportAllocs()
	x := Datagram{}
	x.setMaxSend(100)
	data := make([]byte, 100)
	for i := 0; i < b.N; i++ {
		n, err := x.Write(data)
		if n != 100 || err != nil {
			b.Fatalf("expect write: %v %v, actual: %v %v", 100, nil, n, err)
		}
		if d := x.popSend(100); len(d) != 100 {
			b.Fatalf("expect pop: %v, actual: %v", 100, len(d))
		}
	}
}

func BenchmarkDatagramRecv(b *testing.B) {
	b.ReportAllocs()
	x := Datagram{}
	x.setMaxRecv(100)
	data := make([]byte, 100)
	for i := 0; i < b.N; i++ {
		if err := x.pushRecv(data); err != nil {
			b.Fatalf("push: %v", err)
		}
		n, err := x.Read(data)
		if n != 100 || err != nil {
			b.Fatalf("expect read: %v %v, actual: %v %v", 100, nil, n, err)
		}
	}
}
