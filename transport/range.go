package transport

import (
	"fmt"
	"strings"
)

// numberRange is an inclusive range.
type numberRange struct {
	start uint64
	end   uint64
}

// rangeSet holds disjoint number ranges sorted in ascending order. It
// tracks received packet numbers for ACK generation and acknowledged
// ranges on the sender side.
type rangeSet []numberRange

func (rs rangeSet) largest() uint64 {
	if len(rs) > 0 {
		return rs[len(rs)-1].end
	}
	return 0
}

func (rs rangeSet) contains(n uint64) bool {
	idx := rs.insertPos(n)
	return idx < len(rs) && rs[idx].start <= n && n <= rs[idx].end
}

// equals returns true only when the set is a single range [start, end].
func (rs rangeSet) equals(start, end uint64) bool {
	return len(rs) == 1 && rs[0].start == start && rs[0].end == end
}

// push adds the range [start, end], extending and merging neighbours so
// the set stays disjoint and sorted.
func (rs *rangeSet) push(start, end uint64) {
	if end < start {
		panic("invalid number range")
	}
	ls := *rs
	idx := ls.insertPos(start)
	if idx < len(ls) {
		r := ls[idx]
		if r.start <= start && end <= r.end {
			// Already covered.
			return
		}
		if start > r.start {
			// Overlaps the tail of the range at idx.
			start = r.start
		}
	}
	if idx > 0 && ls[idx-1].end+1 == start {
		// Numbers usually arrive in order, so the common case extends
		// the preceding range in place.
		idx--
		ls[idx].end = end
	} else {
		rs.insert(idx, numberRange{start: start, end: end})
		ls = *rs
	}
	// Merge any following ranges the extended one now reaches.
	cur := &(*rs)[idx]
	k := -1
	for i := idx + 1; i < len(ls); i++ {
		if cur.end+1 < ls[i].start {
			break
		}
		k = i
	}
	if k > idx {
		if cur.end <= ls[k].end {
			cur.end = ls[k].end
		}
		copy(ls[idx+1:], ls[k+1:])
		*rs = ls[:len(ls)-(k-idx)]
	}
}

// insertPos finds the index of the range containing n, or the position a
// new range starting at n belongs.
func (rs rangeSet) insertPos(n uint64) int {
	left, right := 0, len(rs)
	for left < right {
		mid := left + (right-left)/2
		switch r := rs[mid]; {
		case n < r.start:
			right = mid
		case n > r.end:
			left = mid + 1
		default:
			return mid
		}
	}
	return left
}

func (rs *rangeSet) insert(idx int, r numberRange) {
	ls := append(*rs, numberRange{})
	copy(ls[idx+1:], ls[idx:])
	ls[idx] = r
	*rs = ls
}

// removeUntil removes all numbers less than or equal to v.
func (rs *rangeSet) removeUntil(v uint64) {
	ls := *rs
	idx := ls.insertPos(v)
	if idx < len(ls) {
		switch r := &ls[idx]; {
		case v < r.start:
			// Keep this range.
		case v < r.end:
			r.start = v + 1
		default:
			idx++
		}
	}
	if idx > 0 {
		copy(ls, ls[idx:])
		*rs = ls[:len(ls)-idx]
	}
}

func (rs rangeSet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ranges=%d", len(rs))
	for _, r := range rs {
		fmt.Fprintf(&sb, " [%d,%d]", r.start, r.end)
	}
	return sb.String()
}

// rangeBuffer is a fragment of stream or crypto data at an offset.
type rangeBuffer struct {
	data   []byte
	offset uint64
}

func (b *rangeBuffer) String() string {
	return fmt.Sprintf("[%d,%d)", b.offset, b.offset+uint64(len(b.data)))
}

// newRangeBuffer creates a new buffer with a copy of data.
func newRangeBuffer(data []byte, offset uint64) *rangeBuffer {
	var d []byte
	if len(data) > 0 {
		d = make([]byte, len(data))
		copy(d, data)
	}
	return &rangeBuffer{
		data:   d,
		offset: offset,
	}
}

// rangeBufferList reassembles fragments sorted by offset. Writes may
// arrive out of order and overlap; overlapping bytes already present are
// dropped so each byte is stored once.
type rangeBufferList []rangeBuffer

func (ls *rangeBufferList) write(data []byte, offset uint64) {
	if len(data) == 0 {
		return
	}
	end := offset + uint64(len(data))
	// Walk from the buffer preceding the insert position so a fragment
	// overlapping its tail is detected too.
	idx := ls.insertPos(offset)
	i := idx - 1
	if i < 0 {
		i = 0
	}
	for ; i < len(*ls); i++ {
		b := &(*ls)[i]
		bStart := b.offset
		bEnd := b.offset + uint64(len(b.data))
		if bStart <= offset {
			if end <= bEnd {
				// Fully contained in an existing buffer.
				return
			}
			if offset < bEnd {
				// The head duplicates stored bytes, keep the remainder.
				data = data[bEnd-offset:]
				offset = bEnd
				idx = i + 1
			}
			// Otherwise the fragment starts past this buffer.
		} else {
			if end < bStart {
				// Found the gap to insert into.
				break
			}
			if end <= bEnd {
				// The tail duplicates stored bytes, keep the head.
				data = data[:bStart-offset]
				break
			}
			// The fragment spans an existing buffer, store the head and
			// continue with the part after it.
			b := newRangeBuffer(data[:bStart-offset], offset)
			ls.insert(idx, b)
			data = data[bEnd-offset:]
			offset = bEnd
			idx = i + 2
		}
	}
	b := newRangeBuffer(data, offset)
	ls.insert(idx, b)
}

// read copies contiguous bytes starting exactly at offset into data and
// drops them from the list.
func (ls *rangeBufferList) read(data []byte, offset uint64) int {
	var i, n int
	for i = 0; i < len(*ls); i++ {
		b := &(*ls)[i]
		if b.offset != offset {
			break
		}
		k := copy(data[n:], b.data)
		if k == 0 {
			break
		}
		n += k
		if k < len(b.data) {
			// Partially consumed, keep the rest in place.
			b.data = b.data[k:]
			b.offset += uint64(k)
			break
		}
		offset += uint64(k)
	}
	if i > 0 {
		ls.shift(i)
	}
	return n
}

// pop removes and returns the first contiguous range, up to max bytes.
func (ls *rangeBufferList) pop(max int) ([]byte, uint64) {
	if len(*ls) == 0 || max <= 0 {
		return nil, 0
	}
	offset := (*ls)[0].offset
	n := 0
	// Peek available bytes
	for _, b := range *ls {
		if b.offset != offset+uint64(n) {
			break
		}
		n += len(b.data)
		if n > max {
			n = max
			break
		}
	}
	// No allocation needed if data is the whole first buffer
	if n == len((*ls)[0].data) {
		r := (*ls)[0]
		ls.shift(1)
		return r.data, offset
	}
	b := make([]byte, n)
	n = ls.read(b, offset)
	return b[:n], offset
}

func (ls *rangeBufferList) insert(idx int, r *rangeBuffer) {
	grown := append(*ls, rangeBuffer{})
	copy(grown[idx+1:], grown[idx:])
	grown[idx] = *r
	*ls = grown
}

func (ls *rangeBufferList) shift(idx int) {
	bufs := *ls
	n := copy(bufs, bufs[idx:])
	for i := n; i < len(bufs); i++ {
		bufs[i] = rangeBuffer{}
	}
	*ls = bufs[:n]
}

func (ls rangeBufferList) insertPos(offset uint64) int {
	left, right := 0, len(ls)
	for left < right {
		mid := left + (right-left)/2
		if offset < ls[mid].offset {
			right = mid
		} else {
			left = mid + 1
		}
	}
	return left
}

func (ls rangeBufferList) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ranges=%d", len(ls))
	for _, b := range ls {
		fmt.Fprintf(&sb, " %s", &b)
	}
	return sb.String()
}
