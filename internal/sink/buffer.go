package sink

import "sync"

// Buffer sizing mirrors the size classes a high-fanout sink actually
// sees in practice: small control frames, medium video slices, and
// large keyframes. Anything bigger than large is allocated directly
// and never returned to a pool.
const (
	smallBufferSize  = 4096
	mediumBufferSize = 16384
	largeBufferSize  = 65536
)

var bufferPools = struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}{
	small:  sync.Pool{New: func() any { b := make([]byte, 0, smallBufferSize); return &b }},
	medium: sync.Pool{New: func() any { b := make([]byte, 0, mediumBufferSize); return &b }},
	large:  sync.Pool{New: func() any { b := make([]byte, 0, largeBufferSize); return &b }},
}

func getPooled(size int) *[]byte {
	var pool *sync.Pool
	switch {
	case size <= smallBufferSize:
		pool = &bufferPools.small
	case size <= mediumBufferSize:
		pool = &bufferPools.medium
	case size <= largeBufferSize:
		pool = &bufferPools.large
	default:
		b := make([]byte, 0, size)
		return &b
	}
	buf := pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

func putPooled(buf *[]byte) {
	if buf == nil {
		return
	}
	switch c := cap(*buf); {
	case c <= smallBufferSize:
		bufferPools.small.Put(buf)
	case c <= mediumBufferSize:
		bufferPools.medium.Put(buf)
	case c <= largeBufferSize:
		bufferPools.large.Put(buf)
		// larger buffers are not pooled
	}
}

// Buffer is the core's opaque unit of data: an immutable byte blob plus
// the three metadata bits the sink is allowed to know about. It never
// looks inside the payload.
type Buffer struct {
	data      *[]byte
	Timestamp int64 // nanoseconds since an arbitrary epoch; HasTS false if absent
	HasTS     bool
	IsHeader  bool
	IsDelta   bool

	mu       sync.Mutex
	refs     int
	pooled   bool
}

// NewBuffer copies payload into a pooled backing array and returns a
// Buffer holding a single reference.
func NewBuffer(payload []byte, isHeader, isDelta bool, ts int64, hasTS bool) *Buffer {
	buf := getPooled(len(payload))
	*buf = append((*buf)[:0], payload...)
	return &Buffer{
		data:      buf,
		Timestamp: ts,
		HasTS:     hasTS,
		IsHeader:  isHeader,
		IsDelta:   isDelta,
		refs:      1,
		pooled:    true,
	}
}

// Bytes returns the buffer's payload. Callers must not retain the
// slice past the matching Unref.
func (b *Buffer) Bytes() []byte {
	return *b.data
}

// Size is the payload length in bytes.
func (b *Buffer) Size() int {
	return len(*b.data)
}

// Ref takes one additional reference on the buffer.
func (b *Buffer) Ref() *Buffer {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
	return b
}

// Unref releases one reference, returning the backing array to its
// pool once the last reference drops.
func (b *Buffer) Unref() {
	b.mu.Lock()
	b.refs--
	drop := b.refs == 0
	b.mu.Unlock()
	if drop && b.pooled {
		putPooled(b.data)
	}
}
