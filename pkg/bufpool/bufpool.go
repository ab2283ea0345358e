// Package bufpool pools the byte slices the pipeline churns through:
// streaming scan and compression buffers, and multipart upload parts.
//
// Two size classes cover the pipeline's needs. Stream buffers back the
// single-pass readers and the gzip copy loop; part buffers hold one
// multipart upload part each, so a file upload with N parallel uploaders
// holds at most N+1 parts in memory. Requests outside both classes are
// allocated directly and never pooled, which keeps odd-sized buffers from
// pinning memory.
//
// All operations are safe for concurrent use; the classes are backed by
// sync.Pool.
package bufpool

import "sync"

const (
	// StreamSize backs the analyzer, quality, and compression read loops.
	StreamSize = 256 << 10

	// PartSize holds one multipart upload part.
	PartSize = 16 << 20
)

var (
	streamPool = sync.Pool{
		New: func() any {
			buf := make([]byte, StreamSize)
			return &buf
		},
	}
	partPool = sync.Pool{
		New: func() any {
			buf := make([]byte, PartSize)
			return &buf
		},
	}
)

// Get returns a byte slice of exactly the requested length, backed by a
// pooled buffer when the size fits a class. The caller must Put the slice
// back when done.
func Get(size int) []byte {
	switch {
	case size <= StreamSize:
		buf := *streamPool.Get().(*[]byte)
		return buf[:size]
	case size <= PartSize:
		buf := *partPool.Get().(*[]byte)
		return buf[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer obtained from Get. Buffers that did not come from a
// pool class are dropped for the GC.
func Put(buf []byte) {
	if buf == nil {
		return
	}
	switch cap(buf) {
	case StreamSize:
		full := buf[:cap(buf)]
		streamPool.Put(&full)
	case PartSize:
		full := buf[:cap(buf)]
		partPool.Put(&full)
	}
}
