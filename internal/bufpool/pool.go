// Package bufpool provides pooled byte slices for read/write payloads
// above the transceiver's preallocated buffer size, avoiding a fresh
// allocation on every large request a worker services.
package bufpool

import "sync"

// Buffer sizes are bucketed up to 1 MiB because internal/config clamps
// max_read_write_size to 1 MiB (spec.md §4.5); anything at or under the
// transceiver's preallocated payload size (internal/transceiver.MaxPayload,
// 16 KiB) goes through the preallocated buffers instead and never reaches
// this pool.

// Buffer size thresholds
const (
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
)

// globalPool is the shared buffer pool every worker goroutine draws
// large read/write payloads from. Uses pointer-to-slice pattern for
// efficient sync.Pool usage.
var globalPool = struct {
	pool128k sync.Pool
	pool256k sync.Pool
	pool512k sync.Pool
	pool1m   sync.Pool
}{
	pool128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool512k: sync.Pool{New: func() any { b := make([]byte, size512k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a buffer of at least the requested size, pooled for
// sizes up to 1 MiB and freshly allocated above that.
// Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size128k:
		return (*globalPool.pool128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*globalPool.pool256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*globalPool.pool512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	// Restore full capacity before returning to pool
	buf = buf[:c]
	switch c {
	case size128k:
		globalPool.pool128k.Put(&buf)
	case size256k:
		globalPool.pool256k.Put(&buf)
	case size512k:
		globalPool.pool512k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
