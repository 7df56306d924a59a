// Package bdus is the public entry point for implementing a BDUS
// user-space block device in Go: CreateAndServe builds the device
// lifecycle, request inverter, and worker pool described in the internal
// packages and starts serving a Backend; StopAndDelete tears it all down.
// This mirrors the teacher's top-level CreateAndServe/StopAndDelete in
// backend.go, generalized from ublk's per-queue io_uring loop to BDUS's
// single shared slot table.
package bdus

import (
	"context"
	"fmt"

	"github.com/behrlich/bdus-go/internal/config"
	"github.com/behrlich/bdus-go/internal/device"
	"github.com/behrlich/bdus-go/internal/inverter"
	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/kcompat"
	"github.com/behrlich/bdus-go/internal/logging"
	"github.com/behrlich/bdus-go/internal/metrics"
	"github.com/behrlich/bdus-go/internal/transceiver"
	"github.com/behrlich/bdus-go/internal/worker"
)

// Re-exported so callers never need to import the internal packages
// directly, the same ergonomic-API role the teacher's top-level Backend
// type plays over internal/interfaces.Backend.
type (
	Backend            = worker.Backend
	WriteSameBackend   = worker.WriteSameBackend
	WriteZeroesBackend = worker.WriteZeroesBackend
	FUAWriteBackend    = worker.FUAWriteBackend
	DiscardBackend     = worker.DiscardBackend
	SecureEraseBackend = worker.SecureEraseBackend
	IOCTLBackend       = worker.IOCTLBackend

	Request = worker.Request
	Result  = worker.Result

	DeviceConfig = config.Config

	ControlChannel = kcompat.ControlChannel
)

// NewRequest creates a Request ready to be passed to Device.Submit.
func NewRequest() *Request { return worker.NewRequest() }

// NewReadRequest creates a read request with a Data buffer of length
// bytes, sized from a pooled allocator for large payloads (see
// internal/bufpool). Call Release on the result once its data has been
// consumed.
func NewReadRequest(offset int64, length uint32) *Request {
	return worker.NewReadRequest(offset, length)
}

// NewWriteRequest creates a write request carrying data as its payload.
func NewWriteRequest(offset int64, data []byte) *Request {
	return worker.NewWriteRequest(offset, data)
}

// Options configures CreateAndServe. All fields are optional; the zero
// value is a single-worker, in-process simulated device with its own
// fresh metrics set and the package default logger.
type Options struct {
	// Workers is the size of the consumer goroutine pool draining the
	// inverter. Defaults to 1.
	Workers int

	// Control is the control-plane collaborator used to create/attach/
	// destroy the device (spec.md §6). Defaults to an in-process stub
	// registry (internal/kcompat.NewStub) suitable for tests and for
	// driving a device with no real BDUS kernel module present.
	Control ControlChannel

	// Logger receives lifecycle and error events. Defaults to
	// logging.Default().
	Logger *logging.Logger

	// Metrics accumulates item/latency counters. Defaults to a fresh
	// *metrics.Metrics; pass a shared one to aggregate across devices.
	Metrics *metrics.Metrics
}

// Device is a running BDUS device: its lifecycle state machine, request
// inverter, worker pool, and (when attached to a real kernel module) its
// transceiver region.
type Device struct {
	id     uint32
	cfg    DeviceConfig
	dev    *device.Device
	inv    *inverter.Inverter
	ctrl   ControlChannel
	region *transceiver.Region
	pool   *worker.Pool
	m      *metrics.Metrics
	log    *logging.Logger

	cancel context.CancelFunc
}

// ID returns the device id the control channel assigned on creation.
func (d *Device) ID() uint32 { return d.id }

// State returns the device's current lifecycle state.
func (d *Device) State() device.State { return d.dev.State() }

// Metrics returns a point-in-time snapshot of this device's counters.
func (d *Device) Metrics() metrics.Snapshot { return d.m.Snapshot() }

// Submit hands req to the inverter as a request of type t and blocks
// until a worker completes it, the in-process analogue of the block
// layer submitting a request and waiting on its completion. Used by
// tests and by any caller simulating the block-layer producer side that
// spec.md treats as an external collaborator.
func (d *Device) Submit(ctx context.Context, t item.Type, req *Request) (Result, error) {
	if _, _, err := d.inv.Submit(req, t); err != nil {
		return Result{}, err
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-req.Done():
		return res, nil
	}
}

// Deactivate parks the device (see internal/device.Device.Deactivate).
func (d *Device) Deactivate(flush bool) { d.dev.Deactivate(flush) }

// Activate resumes a deactivated device, letting a replacement driver
// pick up in-flight requests transparently (spec.md §7).
func (d *Device) Activate() { d.dev.Activate() }

// capsFromConfig maps a validated, normalized DeviceConfig to the item
// types the inverter should accept.
func capsFromConfig(cfg DeviceConfig) inverter.Capabilities {
	return inverter.Capabilities{
		Read:        cfg.Read,
		Write:       cfg.Write,
		Flush:       cfg.Flush,
		IOCTL:       cfg.IOCTL,
		WriteSame:   cfg.WriteSame,
		WriteZeros:  cfg.WriteZeros,
		FUAWrite:    cfg.FUAWrite,
		Discard:     cfg.Discard,
		SecureErase: cfg.SecureErase,
	}
}

func kcompatConfig(cfg DeviceConfig, numPreallocated uint32) kcompat.DeviceConfig {
	return kcompat.DeviceConfig{
		LogicalBlockSize:       cfg.LogicalBlockSize,
		PhysicalBlockSize:      cfg.PhysicalBlockSize,
		Size:                   cfg.Size,
		MaxReadWriteSize:       cfg.MaxReadWriteSize,
		MaxWriteSameSize:       cfg.MaxWriteSameSize,
		MaxWriteZerosSize:      cfg.MaxWriteZerosSize,
		MaxDiscardEraseSize:    cfg.MaxDiscardEraseSize,
		ReadOnly:               !cfg.Write,
		NumPreallocatedBuffers: numPreallocated,
	}
}

// CreateAndServe validates and normalizes cfg, creates the device on the
// given (or default stub) control channel, builds the inverter/device
// pair, and starts opts.Workers consumer goroutines servicing backend
// until ctx is canceled or StopAndDelete is called. If the control
// channel reports a real data-plane file descriptor (a genuine Linux
// kernel module attachment), a transceiver.Region is also opened over
// it; an in-process-only stub leaves Device.region nil, since there is
// no kernel side to mmap against.
func CreateAndServe(ctx context.Context, cfg DeviceConfig, backend Backend, opts *Options) (*Device, error) {
	if opts == nil {
		opts = &Options{}
	}

	cfg = config.Normalize(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	ctrl := opts.Control
	if ctrl == nil {
		ctrl = kcompat.NewStub(kcompat.NewStubRegistry())
	}

	slotCount := config.SlotCount(cfg)
	inv := inverter.New(slotCount, capsFromConfig(cfg))
	dv := device.New(inv)

	devID, err := ctrl.CreateDevice(ctx, kcompatConfig(cfg, uint32(slotCount)))
	if err != nil {
		return nil, fmt.Errorf("bdus: create device: %w", err)
	}
	logger.Infof("created device %d (%d slots)", devID, slotCount)

	var region *transceiver.Region
	if fd := ctrl.DataPlaneFD(); fd >= 0 {
		bufSize := int(maxPayloadFor(cfg))
		region, err = transceiver.Open(fd, slotCount, slotCount, bufSize, inv)
		if err != nil {
			_ = ctrl.Close()
			return nil, fmt.Errorf("bdus: open transceiver: %w", err)
		}
	}

	pool := worker.New(inv, backend, m, workers)
	if region != nil {
		pool.BindRegion(region)
	}

	runCtx, cancel := context.WithCancel(ctx)
	pool.Run(runCtx)

	dv.MarkAvailable()

	return &Device{
		id:     devID,
		cfg:    cfg,
		dev:    dv,
		inv:    inv,
		ctrl:   ctrl,
		region: region,
		pool:   pool,
		m:      m,
		log:    logger,
		cancel: cancel,
	}, nil
}

// maxPayloadFor returns the largest single payload this device's config
// can produce, capped at transceiver.MaxPayload (spec.md §4.4).
func maxPayloadFor(cfg DeviceConfig) uint32 {
	max := cfg.MaxReadWriteSize
	if cfg.WriteSame && cfg.LogicalBlockSize > max {
		max = cfg.LogicalBlockSize
	}
	if cfg.IOCTL && transceiver.MaxPayload > max {
		max = transceiver.MaxPayload
	}
	if max > transceiver.MaxPayload {
		max = transceiver.MaxPayload
	}
	if max == 0 {
		max = cfg.LogicalBlockSize
	}
	return max
}

// StopAndDelete terminates d's inverter, stops its workers, and drives
// the control channel through destruction, mirroring the teacher's
// StopAndDelete: terminate first so in-flight requests fail fast, then
// tear down the transport, then reclaim the kernel-side device.
func StopAndDelete(ctx context.Context, d *Device) error {
	d.dev.Terminate()
	d.cancel()
	d.pool.Wait()

	if d.region != nil {
		if err := d.region.Close(); err != nil {
			d.log.Warnf("close transceiver region: %v", err)
		}
	}

	if err := d.ctrl.TriggerDeviceDestruction(d.id); err != nil {
		d.log.Warnf("trigger device destruction: %v", err)
	}
	if err := d.ctrl.WaitUntilDeviceIsDestroyed(ctx, d.id); err != nil {
		d.log.Warnf("wait until device destroyed: %v", err)
	}

	d.m.Stop()
	return d.ctrl.Close()
}
