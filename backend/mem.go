// Package backend provides standard bdus-go backend implementations.
package backend

import (
	"fmt"
	"sync"

	"github.com/behrlich/bdus-go"
)

// ShardSize is the size of each memory shard (64KB). This provides good
// parallelism for 4K random I/O while keeping lock overhead reasonable:
// with 64KB shards, a 256MB device has 4096 shards.
const ShardSize = 64 * 1024

// Memory is a RAM-backed device, implementing every optional item-type
// extension spec.md §6 names (write-same, both write-zeros variants,
// FUA write, discard, secure erase, and a handful of diagnostic ioctls)
// so it can exercise a device configured with every capability enabled.
// Sharded locking lets multiple workers service requests in parallel.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a new memory backend of the specified size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}

	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	return n, nil
}

// WriteAtFUA implements FUAWriteBackend; memory has no write-back cache
// so a force-unit-access write is identical to a plain write.
func (m *Memory) WriteAtFUA(p []byte, off int64) (int, error) {
	return m.WriteAt(p, off)
}

func (m *Memory) Size() int64 { return m.size }

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

func (m *Memory) Flush() error { return nil }

// Discard implements DiscardBackend by zeroing the requested range.
func (m *Memory) Discard(offset, length int64) error {
	return m.zero(offset, length)
}

// SecureErase implements SecureEraseBackend; memory has nothing stronger
// to offer than the same zeroing pass discard performs.
func (m *Memory) SecureErase(offset, length int64) error {
	return m.zero(offset, length)
}

// WriteSame implements WriteSameBackend by repeating pattern across
// [off, off+length).
func (m *Memory) WriteSame(pattern []byte, off, length int64) error {
	if len(pattern) == 0 {
		return fmt.Errorf("write-same: empty pattern")
	}
	if off >= m.size {
		return nil
	}
	end := off + length
	if end > m.size {
		end = m.size
	}

	startShard, endShard := m.shardRange(off, end-off)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for pos := off; pos < end; pos += int64(len(pattern)) {
		n := copy(m.data[pos:end], pattern)
		_ = n
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// WriteZeroes implements WriteZeroesBackend for both the no-unmap and
// may-unmap variants; a memory backend can't actually unmap storage, so
// both behave the same as Discard.
func (m *Memory) WriteZeroes(off, length int64, mayUnmap bool) error {
	return m.zero(off, length)
}

func (m *Memory) zero(offset, length int64) error {
	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}

	startShard, endShard := m.shardRange(offset, end-offset)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// ioctlEcho and ioctlSize are the two diagnostic passthrough commands
// this backend understands; anything else makes Ioctl return an error,
// which the worker pool reports as EIO on the ioctl channel.
const (
	ioctlEcho = 0x1000
	ioctlSize = 0x1001
)

// Ioctl implements IOCTLBackend with two diagnostic commands useful for
// exercising the passthrough path in tests: echo the argument back, or
// report the device size as an 8-byte little-endian value.
func (m *Memory) Ioctl(cmd uint32, arg []byte) ([]byte, error) {
	switch cmd {
	case ioctlEcho:
		out := make([]byte, len(arg))
		copy(out, arg)
		return out, nil
	case ioctlSize:
		out := make([]byte, 8)
		size := uint64(m.Size())
		for i := 0; i < 8; i++ {
			out[i] = byte(size >> (8 * i))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown ioctl command 0x%x", cmd)
	}
}

// Compile-time interface checks.
var (
	_ bdus.Backend            = (*Memory)(nil)
	_ bdus.DiscardBackend     = (*Memory)(nil)
	_ bdus.WriteZeroesBackend = (*Memory)(nil)
	_ bdus.WriteSameBackend   = (*Memory)(nil)
	_ bdus.FUAWriteBackend    = (*Memory)(nil)
	_ bdus.SecureEraseBackend = (*Memory)(nil)
	_ bdus.IOCTLBackend       = (*Memory)(nil)
)
