package transport

import (
	"bytes"
	"math/rand"
	"testing"
)

func assertRangeSnapshot(t *testing.T, actual, expect string) {
	t.Helper()
	if actual != expect {
		t.Fatalf("snapshot does not match:\nexpect: %s\nactual: %s", expect, actual)
	}
}

func TestRangeSetPush(t *testing.T) {
	steps := []struct {
		m, n uint64
		s    string
	}{
		{20, 20, "ranges=1 [20,20]"},
		{21, 21, "ranges=1 [20,21]"},                 // extend upper bound
		{19, 19, "ranges=1 [19,21]"},                 // extend lower bound
		{21, 22, "ranges=1 [19,22]"},                 // extend upper bound, overlapping
		{24, 24, "ranges=2 [19,22] [24,24]"},         // new range above
		{17, 17, "ranges=3 [17,17] [19,22] [24,24]"}, // new range below
		{25, 27, "ranges=3 [17,17] [19,22] [24,27]"}, // extend last
		{15, 17, "ranges=3 [15,17] [19,22] [24,27]"}, // extend first
		{16, 16, "ranges=3 [15,17] [19,22] [24,27]"}, // already contained
		{19, 21, "ranges=3 [15,17] [19,22] [24,27]"}, // already contained
		{24, 24, "ranges=3 [15,17] [19,22] [24,27]"}, // already contained
		{17, 18, "ranges=2 [15,22] [24,27]"},         // join two ranges
		{29, 30, "ranges=3 [15,22] [24,27] [29,30]"},
		{23, 28, "ranges=1 [15,30]"}, // join everything
	}
	var set rangeSet
	for _, d := range steps {
		set.push(d.m, d.n)
		assertRangeSnapshot(t, set.String(), d.s)
		if !set.contains(d.m) || !set.contains(d.n) {
			t.Fatalf("expect set to contain [%d,%d]: %s", d.m, d.n, set)
		}
		if set.contains(14) || set.contains(31) {
			t.Fatalf("expect set not to contain 14 and 31: %s", set)
		}
	}
}

func TestRangeSetRemoveUntil(t *testing.T) {
	var set rangeSet
	set.push(0, 10)
	set.push(12, 24)
	steps := []struct {
		n uint64
		s string
	}{
		{0, "ranges=2 [1,10] [12,24]"},
		{9, "ranges=2 [10,10] [12,24]"},
		{10, "ranges=1 [12,24]"},
		{24, "ranges=0"},
	}
	for _, d := range steps {
		set.removeUntil(d.n)
		assertRangeSnapshot(t, set.String(), d.s)
		if set.contains(d.n) || set.contains(11) {
			t.Fatalf("expect set not to contain %d and 11: %s", d.n, set)
		}
	}
}

func assertRangeSetOrdered(t *testing.T, set rangeSet) {
	t.Helper()
	for i, r := range set {
		if r.start > r.end {
			t.Fatalf("invalid range\nactual: %+v", &set)
		}
		if i > 0 && set[i-1].end >= r.start {
			t.Fatalf("set is not sorted\nactual: %+v", &set)
		}
	}
}

func TestRangeSetRandom(t *testing.T) {
	var set rangeSet
	n := rand.Intn(1000)
	for i := 0; i < n; i++ {
		start := uint64(rand.Intn(100))
		set.push(start, start+uint64(rand.Intn(50)))
		assertRangeSetOrdered(t, set)
		set.removeUntil(uint64(rand.Intn(200)))
		assertRangeSetOrdered(t, set)
	}
}

// orderedBuffer reports whether ls is sorted without overlap and every
// byte equals the low bits of its absolute offset, matching sequenceData.
func orderedBuffer(ls rangeBufferList) bool {
	for i, b := range ls {
		if i < len(ls)-1 && b.offset+uint64(len(b.data)) > ls[i+1].offset {
			return false
		}
		for j := range b.data {
			if b.data[j] != uint8(b.offset+uint64(j)) {
				return false
			}
		}
	}
	return true
}

func sequenceData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = uint8(i)
	}
	return data
}

func assertBufferSize(t *testing.T, ls rangeBufferList, length int, span uint64) {
	t.Helper()
	if len(ls) != length {
		t.Fatalf("length does not match:\nexpect: %d\nactual: %+v", length, ls)
	}
	var actual uint64
	if len(ls) > 0 {
		last := ls[len(ls)-1]
		actual = last.offset + uint64(len(last.data)) - ls[0].offset
	}
	if actual != span {
		t.Fatalf("span does not match:\nexpect: %d\nactual: %d %+v", span, actual, ls)
	}
}

func TestRangeBufferInsertPos(t *testing.T) {
	var ls rangeBufferList
	n := rand.Intn(1000)
	min, max := maxUint64, uint64(0)
	for i := 0; i < n; i++ {
		b := rangeBuffer{offset: rand.Uint64()}
		if max < b.offset {
			max = b.offset
		}
		if b.offset < min {
			min = b.offset
		}
		ls.insert(ls.insertPos(b.offset), &b)
		assertBufferSize(t, ls, i+1, max-min)
		for j := 1; j < len(ls); j++ {
			if ls[j-1].offset > ls[j].offset {
				t.Fatalf("list is not sorted\nactual: %+v", &ls)
			}
		}
	}
}

func TestRangeBufferWriteNoOverlap(t *testing.T) {
	data := sequenceData(15)
	var ls rangeBufferList
	ls.write(data[10:15], 10)
	assertRangeSnapshot(t, ls.String(), "ranges=1 [10,15)")
	ls.write(data[0:4], 0)
	assertRangeSnapshot(t, ls.String(), "ranges=2 [0,4) [10,15)")
	ls.write(data[7:10], 7)
	assertRangeSnapshot(t, ls.String(), "ranges=3 [0,4) [7,10) [10,15)")
	ls.write(data[4:7], 4)
	assertRangeSnapshot(t, ls.String(), "ranges=4 [0,4) [4,7) [7,10) [10,15)")
	if !orderedBuffer(ls) {
		t.Fatalf("list is not sorted\nactual: %+v", &ls)
	}

	read := make([]byte, 20)
	if n := ls.read(read[:7], 0); n != 7 {
		t.Fatalf("expect read: %d actual: %d", 7, n)
	}
	assertRangeSnapshot(t, ls.String(), "ranges=2 [7,10) [10,15)")
	// Reads not aligned to the next pending offset return nothing.
	if n := ls.read(read, 6); n != 0 {
		t.Fatalf("expect read: %d actual: %d", 0, n)
	}
	if n := ls.read(read, 8); n != 0 {
		t.Fatalf("expect read: %d actual: %d", 0, n)
	}
	if n := ls.read(read[7:10], 7); n != 3 {
		t.Fatalf("expect read: %d actual: %d", 3, n)
	}
	assertRangeSnapshot(t, ls.String(), "ranges=1 [10,15)")
	if n := ls.read(read[10:], 10); n != 5 {
		t.Fatalf("expect read: %d actual: %d", 5, n)
	}
	assertBufferSize(t, ls, 0, 0)
	if !bytes.Equal(data, read[:15]) {
		t.Fatalf("data does not match:\nexpect: %x\nactual: %x", data, read[:15])
	}
}

func TestRangeBufferWriteOverlap(t *testing.T) {
	data := sequenceData(255)
	var ls rangeBufferList
	ls.write(data[50:100], 50)
	assertRangeSnapshot(t, ls.String(), "ranges=1 [50,100)")
	ls.write(data[80:100], 80)
	assertRangeSnapshot(t, ls.String(), "ranges=1 [50,100)")
	ls.write(data[40:80], 40)
	assertRangeSnapshot(t, ls.String(), "ranges=2 [40,50) [50,100)")
	ls.write(data[90:120], 90)
	assertRangeSnapshot(t, ls.String(), "ranges=3 [40,50) [50,100) [100,120)")
	ls.write(data[150:200], 150)
	assertRangeSnapshot(t, ls.String(), "ranges=4 [40,50) [50,100) [100,120) [150,200)")
	if !orderedBuffer(ls) {
		t.Fatalf("list is not sorted\nactual: %+v", &ls)
	}
	assertBufferSize(t, ls, 4, 160)

	read := make([]byte, len(data))
	if n := ls.read(read, 150); n != 0 {
		t.Fatalf("expect read: %d actual: %d", 0, n)
	}
	n := ls.read(read, 40)
	if n != 80 {
		t.Fatalf("expect read: %d actual: %d", 80, n)
	}
	if !bytes.Equal(data[40:120], read[:n]) {
		t.Fatalf("data does not match:\nexpect: %x\nactual: %x", data[40:120], read[:n])
	}
	assertRangeSnapshot(t, ls.String(), "ranges=1 [150,200)")
}

func TestRangeBufferWriteRandom(t *testing.T) {
	var ls rangeBufferList
	data := sequenceData(1000)
	var prev string
	for i := 0; i < 100; i++ {
		offset := rand.Intn(len(data) - 1)
		end := offset + 1 + rand.Intn(len(data)-1-offset)
		ls.write(data[offset:end], uint64(offset))
		if !orderedBuffer(ls) {
			t.Fatalf("expect sorted: off=%d len=%d end=%d\nactual: %+v\nprev:   %s",
				offset, end-offset, end, &ls, prev)
		}
		prev = ls.String()
	}
}

func TestRangeBufferPop(t *testing.T) {
	var ls rangeBufferList
	data := sequenceData(200)
	ls.write(data[:10], 0)
	ls.write(data[10:100], 10)
	ls.write(data[100:120], 100)
	ls.write(data[150:180], 150)

	steps := []struct {
		max    int
		offset uint64
		expect []byte
		s      string
	}{
		{2, 0, data[:2], "ranges=4 [2,10) [10,100) [100,120) [150,180)"},
		{8, 2, data[2:10], "ranges=3 [10,100) [100,120) [150,180)"},
		{150, 10, data[10:120], "ranges=1 [150,180)"}, // stops at the gap
		{10, 150, data[150:160], "ranges=1 [160,180)"},
	}
	for _, d := range steps {
		read, offset := ls.pop(d.max)
		if offset != d.offset || !bytes.Equal(d.expect, read) {
			t.Fatalf("data does not match:\nexpect: %x\nactual: %x (offset=%d)", d.expect, read, offset)
		}
		assertRangeSnapshot(t, ls.String(), d.s)
	}
}

func BenchmarkRangeBuffer(b *testing.B) {
	b.ReportAllocs()
	ls := rangeBufferList{}
	data := make([]byte, 1000)
	for i := 0; i < b.N; i++ {
		ls.write(data, 0)
		ls.write(data, uint64(len(data)))
		ls.read(data, 0)
		ls.read(data, uint64(len(data)))
	}
}
