package transport

import "sync"

// Data buffers are pooled in size classes to avoid allocating on every
// log event and packet payload.
var dataBufferSizes = [...]int{512, 2048, 8192, 65536}

var dataBufferPools = [len(dataBufferSizes)]sync.Pool{
	{New: func() interface{} { return make([]byte, dataBufferSizes[0]) }},
	{New: func() interface{} { return make([]byte, dataBufferSizes[1]) }},
	{New: func() interface{} { return make([]byte, dataBufferSizes[2]) }},
	{New: func() interface{} { return make([]byte, dataBufferSizes[3]) }},
}

// newDataBuffer returns a buffer at least n bytes long.
// Buffers larger than the greatest size class are allocated directly.
func newDataBuffer(n int) []byte {
	for i, size := range dataBufferSizes {
		if n <= size {
			return dataBufferPools[i].Get().([]byte)[:n]
		}
	}
	return make([]byte, n)
}

// freeDataBuffer returns the buffer to its pool. Only buffers with the
// capacity of a size class are recycled.
func freeDataBuffer(b []byte) {
	if b == nil {
		return
	}
	c := cap(b)
	for i, size := range dataBufferSizes {
		if c == size {
			dataBufferPools[i].Put(b[:c]) //nolint:staticcheck
			return
		}
	}
}
