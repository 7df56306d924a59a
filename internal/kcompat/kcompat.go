// Package kcompat names the boundary between this module and everything
// kept out of scope: block-layer registration, char-device dispatch,
// disk/partition handling, and the control ioctls a real kernel module
// would expose on /dev/bdus-control. ControlChannel gives the rest of the
// driver a narrow, named surface against that boundary so it can be
// exercised against a real kernel module on Linux or against a stub in
// tests, the same way the teacher isolates io_uring behind
// internal/uring.Ring.
package kcompat

import "context"

// DeviceConfig mirrors the subset of kbdus_device_config a control
// channel needs to create or attach to a device; geometry validation
// lives in internal/config, not here.
type DeviceConfig struct {
	LogicalBlockSize    uint32
	PhysicalBlockSize   uint32
	Size                uint64
	MaxReadWriteSize    uint32
	MaxWriteSameSize    uint32
	MaxWriteZerosSize   uint32
	MaxDiscardEraseSize uint32
	ReadOnly            bool

	NumPreallocatedBuffers uint32
}

// ControlChannel is the named 1:1 translation of the KBDUS_IOCTL_* table
// (kbdus.h) that CreateAndServe/StopAndDelete drive. Implementations own
// one open file description.
type ControlChannel interface {
	// CreateDevice creates a new device and attaches this file
	// description to it, returning the assigned device id.
	CreateDevice(ctx context.Context, cfg DeviceConfig) (devID uint32, err error)

	// AttachToDevice attaches this file description to an existing
	// device, blocking if another file description must first be
	// evicted (see KBDUS_IOCTL_ATTACH_TO_DEVICE).
	AttachToDevice(ctx context.Context, devID uint32) error

	// Terminate arranges for "terminate" notifications to be sent to
	// this file description ad infinitum.
	Terminate() error

	// MarkAsSuccessful records that this file description's attachment
	// ended cleanly, influencing whether a non-recoverable device
	// survives its replacement.
	MarkAsSuccessful() error

	// FlushDevice submits and awaits a flush of the device with the
	// given id, independent of this file description's own attachment.
	FlushDevice(ctx context.Context, devID uint32) error

	// TriggerDeviceDestruction starts destroying the device with the
	// given id, returning immediately.
	TriggerDeviceDestruction(devID uint32) error

	// WaitUntilDeviceIsDestroyed blocks until the device with the given
	// id no longer exists.
	WaitUntilDeviceIsDestroyed(ctx context.Context, devID uint32) error

	// GetVersion returns the control channel's protocol version triple.
	GetVersion() (major, minor, patch uint32, err error)

	// DataPlaneFD returns the file descriptor this channel attached,
	// suitable for internal/transceiver.Open, or -1 if not attached.
	DataPlaneFD() int

	// Close closes the underlying file description, detaching from any
	// device it was attached to.
	Close() error
}
