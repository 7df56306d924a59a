package worker

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/bdus-go/internal/inverter"
	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/metrics"
)

// fakeBackend is a minimal in-memory Backend plus every extension
// interface, recording calls for assertions.
type fakeBackend struct {
	mu   sync.Mutex
	data []byte

	writeSameCalled   bool
	writeZeroesUnmap  bool
	writeZeroesCalled bool
	discardCalled     bool
	secureEraseCalled bool
	fuaCalled         bool
	ioctlCalled       bool
	failNext          error
}

func newFakeBackend(size int) *fakeBackend {
	return &fakeBackend{data: make([]byte, size)}
}

func (b *fakeBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return 0, err
	}
	n := copy(p, b.data[off:])
	return n, nil
}

func (b *fakeBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(b.data[off:], p)
	return n, nil
}

func (b *fakeBackend) WriteAtFUA(p []byte, off int64) (int, error) {
	b.fuaCalled = true
	return b.WriteAt(p, off)
}

func (b *fakeBackend) Size() int64  { return int64(len(b.data)) }
func (b *fakeBackend) Close() error { return nil }
func (b *fakeBackend) Flush() error { return nil }

func (b *fakeBackend) WriteSame(pattern []byte, off, length int64) error {
	b.writeSameCalled = true
	return nil
}

func (b *fakeBackend) WriteZeroes(off, length int64, mayUnmap bool) error {
	b.writeZeroesCalled = true
	b.writeZeroesUnmap = mayUnmap
	return nil
}

func (b *fakeBackend) Discard(off, length int64) error {
	b.discardCalled = true
	return nil
}

func (b *fakeBackend) SecureErase(off, length int64) error {
	b.secureEraseCalled = true
	return nil
}

func (b *fakeBackend) Ioctl(cmd uint32, arg []byte) ([]byte, error) {
	b.ioctlCalled = true
	return arg, nil
}

func allCaps() inverter.Capabilities {
	return inverter.Capabilities{
		Read: true, Write: true, Flush: true, IOCTL: true,
		WriteSame: true, WriteZeros: true, FUAWrite: true,
		Discard: true, SecureErase: true,
	}
}

func runPool(t *testing.T, inv *inverter.Inverter, backend Backend) (*Pool, context.CancelFunc) {
	t.Helper()
	pool := New(inv, backend, metrics.New(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Run(ctx)
	return pool, cancel
}

func TestPool_ServicesReadRequest(t *testing.T) {
	backend := newFakeBackend(4096)
	copy(backend.data, []byte("hello"))

	inv := inverter.New(4, allCaps())
	pool, cancel := runPool(t, inv, backend)
	defer func() {
		cancel()
		pool.Wait()
	}()

	req := NewRequest()
	req.Offset = 0
	req.Data = make([]byte, 5)
	_, _, err := inv.Submit(req, item.Read)
	require.NoError(t, err)

	select {
	case res := <-req.Done():
		require.EqualValues(t, 0, res.Errno)
		require.Equal(t, "hello", string(req.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestPool_ServicesWriteRequest(t *testing.T) {
	backend := newFakeBackend(4096)
	inv := inverter.New(4, allCaps())
	pool, cancel := runPool(t, inv, backend)
	defer func() {
		cancel()
		pool.Wait()
	}()

	req := NewWriteRequest(10, []byte("world"))
	_, _, err := inv.Submit(req, item.Write)
	require.NoError(t, err)

	select {
	case res := <-req.Done():
		require.EqualValues(t, 0, res.Errno)
		require.Equal(t, "world", string(backend.data[10:15]))
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestPool_DispatchesEveryExtensionType(t *testing.T) {
	backend := newFakeBackend(4096)
	inv := inverter.New(8, allCaps())
	pool, cancel := runPool(t, inv, backend)
	defer func() {
		cancel()
		pool.Wait()
	}()

	cases := []struct {
		t   item.Type
		req *Request
	}{
		{item.WriteSame, &Request{Offset: 0, Length: 512, Data: []byte{0xAB}}},
		{item.WriteZerosMayUnmap, &Request{Offset: 0, Length: 512}},
		{item.Discard, &Request{Offset: 0, Length: 512}},
		{item.SecureErase, &Request{Offset: 0, Length: 512}},
		{item.FUAWrite, &Request{Offset: 0, Length: 5, Data: []byte("fua!!")}},
	}
	for _, c := range cases {
		c.req.done = make(chan Result, 1)
		_, _, err := inv.Submit(c.req, c.t)
		require.NoError(t, err)
		select {
		case res := <-c.req.Done():
			require.EqualValues(t, 0, res.Errno, "item type %s", c.t)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s request never completed", c.t)
		}
	}

	require.True(t, backend.writeSameCalled)
	require.True(t, backend.writeZeroesCalled)
	require.True(t, backend.writeZeroesUnmap)
	require.True(t, backend.discardCalled)
	require.True(t, backend.secureEraseCalled)
	require.True(t, backend.fuaCalled)
}

func TestPool_IOCTLUsesSeparateErrnoChannel(t *testing.T) {
	backend := newFakeBackend(4096)
	inv := inverter.New(4, allCaps())
	pool, cancel := runPool(t, inv, backend)
	defer func() {
		cancel()
		pool.Wait()
	}()

	req := NewRequest()
	req.IoctlCmd = 0x42
	req.IoctlArg = []byte("arg")
	_, _, err := inv.Submit(req, item.IOCTL)
	require.NoError(t, err)

	select {
	case res := <-req.Done():
		require.EqualValues(t, 0, res.Errno)
		require.EqualValues(t, 0, res.ErrnoIOCTL)
	case <-time.After(2 * time.Second):
		t.Fatal("ioctl request never completed")
	}
	require.True(t, backend.ioctlCalled)
}

// minimalBackend implements only Backend, none of the extension
// interfaces, so dispatch must fall back to ENOSYS rather than panicking
// on a failed type assertion.
type minimalBackend struct {
	data []byte
}

func (b *minimalBackend) ReadAt(p []byte, off int64) (int, error)  { return copy(p, b.data[off:]), nil }
func (b *minimalBackend) WriteAt(p []byte, off int64) (int, error) { return copy(b.data[off:], p), nil }
func (b *minimalBackend) Size() int64                              { return int64(len(b.data)) }
func (b *minimalBackend) Close() error                             { return nil }
func (b *minimalBackend) Flush() error                             { return nil }

func TestPool_UnsupportedExtensionFallsBackToENOSYS(t *testing.T) {
	backend := &minimalBackend{data: make([]byte, 4096)}

	inv := inverter.New(4, inverter.Capabilities{WriteSame: true})
	pool, cancel := runPool(t, inv, backend)
	defer func() {
		cancel()
		pool.Wait()
	}()

	req := &Request{Offset: 0, Length: 512, Data: []byte{0x1}, done: make(chan Result, 1)}
	_, _, err := inv.Submit(req, item.WriteSame)
	require.NoError(t, err)

	select {
	case res := <-req.Done():
		// The inverter coerces completion errnos to a narrow allowed set
		// (spec.md §8); ENOSYS isn't in it, so this surfaces as EIO.
		require.EqualValues(t, int32(-syscall.EIO), res.Errno)
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestPool_BackendErrorSurfacesAsEIO(t *testing.T) {
	backend := newFakeBackend(4096)
	backend.failNext = errors.New("disk error")

	inv := inverter.New(4, allCaps())
	pool, cancel := runPool(t, inv, backend)
	defer func() {
		cancel()
		pool.Wait()
	}()

	req := NewRequest()
	req.Data = make([]byte, 16)
	_, _, err := inv.Submit(req, item.Read)
	require.NoError(t, err)

	select {
	case res := <-req.Done():
		require.EqualValues(t, int32(-syscall.EIO), res.Errno)
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestPool_StopsOnTerminate(t *testing.T) {
	backend := newFakeBackend(4096)
	inv := inverter.New(2, allCaps())
	pool := New(inv, backend, nil, 2)
	ctx := context.Background()
	pool.Run(ctx)

	inv.Terminate()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after terminate")
	}
}

func TestReadRequest_PoolsLargePayloads(t *testing.T) {
	req := NewReadRequest(0, pooledThreshold+1)
	require.Len(t, req.Data, int(pooledThreshold+1))
	req.Release()
	require.Nil(t, req.Data)
}

func TestReadRequest_SmallPayloadNotPooled(t *testing.T) {
	req := NewReadRequest(0, 128)
	require.Len(t, req.Data, 128)
	req.Release()
	require.NotNil(t, req.Data, "Release should be a no-op for non-pooled data")
}
