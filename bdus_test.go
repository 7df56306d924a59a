package bdus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/transceiver"
)

func testConfig() DeviceConfig {
	return DeviceConfig{
		LogicalBlockSize:       4096,
		PhysicalBlockSize:      4096,
		Size:                   1 << 20,
		MaxConcurrentCallbacks: 2,
		Read:                   true,
		Write:                  true,
		Flush:                  true,
	}
}

type memBackend struct {
	data []byte
}

func newMemBackend(size int64) *memBackend { return &memBackend{data: make([]byte, size)} }

func (b *memBackend) ReadAt(p []byte, off int64) (int, error)  { return copy(p, b.data[off:]), nil }
func (b *memBackend) WriteAt(p []byte, off int64) (int, error) { return copy(b.data[off:], p), nil }
func (b *memBackend) Size() int64                              { return int64(len(b.data)) }
func (b *memBackend) Close() error                             { return nil }
func (b *memBackend) Flush() error                             { return nil }

// TestCreateAndServe_RejectsInvalidConfig covers the validate-before-create
// path: a bad config must fail before touching the control channel.
func TestCreateAndServe_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.LogicalBlockSize = 100 // not a power of two
	_, err := CreateAndServe(context.Background(), cfg, newMemBackend(1<<20), nil)
	require.Error(t, err)
}

// TestCreateAndServe_DefaultsToStubControlChannel is scenario S1 end to
// end: with no Options, the device still comes up over the in-process
// stub control channel and can serve a submitted request.
func TestCreateAndServe_DefaultsToStubControlChannel(t *testing.T) {
	cfg := testConfig()
	backend := newMemBackend(int64(cfg.Size))

	ctx := context.Background()
	dev, err := CreateAndServe(ctx, cfg, backend, nil)
	require.NoError(t, err)
	require.NotZero(t, dev.ID())

	req := NewWriteRequest(0, []byte("payload"))
	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	res, err := dev.Submit(reqCtx, item.Write, req)
	require.NoError(t, err)
	require.EqualValues(t, 0, res.Errno)

	require.NoError(t, StopAndDelete(context.Background(), dev))
}

// blockingBackend blocks every ReadAt until released, standing in for a
// slow backend so a submitted request is still in flight when
// StopAndDelete runs.
type blockingBackend struct {
	memBackend
	release chan struct{}
}

func (b *blockingBackend) ReadAt(p []byte, off int64) (int, error) {
	<-b.release
	return b.memBackend.ReadAt(p, off)
}

// TestStopAndDelete_FailsInFlightRequests is scenario S3 exercised through
// the public API: terminating the device must fail, not hang, a request
// that is still being serviced.
func TestStopAndDelete_FailsInFlightRequests(t *testing.T) {
	cfg := testConfig()
	backend := &blockingBackend{memBackend: memBackend{data: make([]byte, cfg.Size)}, release: make(chan struct{})}

	ctx := context.Background()
	dev, err := CreateAndServe(ctx, cfg, backend, nil)
	require.NoError(t, err)

	req := NewReadRequest(0, 16)
	submitErrCh := make(chan error, 1)
	go func() {
		_, err := dev.Submit(context.Background(), item.Read, req)
		submitErrCh <- err
	}()

	// Give the worker time to pick up the request and block in ReadAt.
	time.Sleep(20 * time.Millisecond)

	stopErrCh := make(chan error, 1)
	go func() { stopErrCh <- StopAndDelete(context.Background(), dev) }()

	// Submit must observe termination immediately - the slot it occupies
	// is AwaitingCompletion when Terminate runs, independent of the
	// backend call still blocked in the worker goroutine.
	select {
	case <-submitErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("submit never returned after terminate")
	}

	// Unblock the worker so StopAndDelete's pool.Wait() can return too.
	close(backend.release)

	select {
	case err := <-stopErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StopAndDelete never returned")
	}
}

func TestDeactivateActivate_RoundTripsThroughPublicAPI(t *testing.T) {
	cfg := testConfig()
	backend := newMemBackend(int64(cfg.Size))

	ctx := context.Background()
	dev, err := CreateAndServe(ctx, cfg, backend, nil)
	require.NoError(t, err)
	defer StopAndDelete(context.Background(), dev)

	dev.Deactivate(false)
	dev.Activate()

	require.NotPanics(t, func() {
		dev.Metrics()
	})
}

func TestMaxPayloadFor_CapsAtTransceiverMax(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReadWriteSize = transceiver.MaxPayload * 4
	require.LessOrEqual(t, maxPayloadFor(cfg), uint32(transceiver.MaxPayload))
}
