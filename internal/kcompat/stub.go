package kcompat

import (
	"context"
	"sync"

	"github.com/behrlich/bdus-go/internal/bduserr"
)

// stubControlChannel simulates a control channel in-process: no kernel
// module is involved, devices are tracked in a map, and destruction
// completes immediately. Used by tests and any non-Linux build, the same
// role internal/queue.NewStubRunner plays for the teacher's I/O loop.
type stubControlChannel struct {
	mu         sync.Mutex
	devices    *StubRegistry
	attached   uint32
	isAttached bool
}

// StubRegistry is shared by every stubControlChannel created from the
// same NewStubRegistry call, so CreateDevice/AttachToDevice/destruction
// behave consistently across multiple simulated file descriptions.
type StubRegistry struct {
	mu      sync.Mutex
	nextID  uint32
	devices map[uint32]bool // true while alive
}

// NewStubRegistry creates a fresh in-process device registry.
func NewStubRegistry() *StubRegistry {
	return &StubRegistry{devices: make(map[uint32]bool)}
}

// NewStub creates a stub control channel backed by reg.
func NewStub(reg *StubRegistry) ControlChannel {
	return &stubControlChannel{devices: reg}
}

func (c *stubControlChannel) CreateDevice(ctx context.Context, cfg DeviceConfig) (uint32, error) {
	c.devices.mu.Lock()
	c.devices.nextID++
	id := c.devices.nextID
	c.devices.devices[id] = true
	c.devices.mu.Unlock()

	c.mu.Lock()
	c.attached = id
	c.isAttached = true
	c.mu.Unlock()

	return id, nil
}

func (c *stubControlChannel) AttachToDevice(ctx context.Context, devID uint32) error {
	c.devices.mu.Lock()
	alive := c.devices.devices[devID]
	c.devices.mu.Unlock()
	if !alive {
		return bduserr.New("AttachToDevice", bduserr.CodeDeviceNotFound, "no such device")
	}

	c.mu.Lock()
	c.attached = devID
	c.isAttached = true
	c.mu.Unlock()
	return nil
}

func (c *stubControlChannel) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isAttached {
		return bduserr.New("Terminate", bduserr.CodeInvalidConfig, "not attached to a device")
	}
	return nil
}

func (c *stubControlChannel) MarkAsSuccessful() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isAttached {
		return bduserr.New("MarkAsSuccessful", bduserr.CodeInvalidConfig, "not attached to a device")
	}
	return nil
}

func (c *stubControlChannel) FlushDevice(ctx context.Context, devID uint32) error {
	c.devices.mu.Lock()
	alive := c.devices.devices[devID]
	c.devices.mu.Unlock()
	if !alive {
		return bduserr.New("FlushDevice", bduserr.CodeDeviceNotFound, "no such device")
	}
	return nil
}

func (c *stubControlChannel) TriggerDeviceDestruction(devID uint32) error {
	c.devices.mu.Lock()
	delete(c.devices.devices, devID)
	c.devices.mu.Unlock()
	return nil
}

func (c *stubControlChannel) WaitUntilDeviceIsDestroyed(ctx context.Context, devID uint32) error {
	return nil
}

func (c *stubControlChannel) GetVersion() (uint32, uint32, uint32, error) {
	return 0, 1, 0, nil
}

func (c *stubControlChannel) DataPlaneFD() int {
	return -1
}

func (c *stubControlChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAttached = false
	return nil
}
