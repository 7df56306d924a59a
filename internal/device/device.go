// Package device implements the four-state device lifecycle
// (Unavailable -> Active <-> Inactive -> Terminated) that gates an
// inverter's behavior. A Device owns exactly one inverter, with no
// back-reference from the inverter to the device, mirroring the kernel's
// kbdus_device owning a kbdus_inverter without it pointing back.
package device

import (
	"sync/atomic"

	"github.com/behrlich/bdus-go/internal/inverter"
)

// State is one position in the device lifecycle.
type State uint32

const (
	Unavailable State = iota
	Active
	Inactive
	Terminated
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "UNAVAILABLE"
	case Active:
		return "ACTIVE"
	case Inactive:
		return "INACTIVE"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Device tracks the lifecycle state word alongside the inverter it drives.
// The transceiver a device uses lives alongside it in the owning package
// (internal/kcompat / the public bdus package); Device itself only needs
// the inverter to forward lifecycle transitions to.
type Device struct {
	state    atomic.Uint32
	Inverter *inverter.Inverter
}

// New creates a device in the Unavailable state, wrapping inv.
func New(inv *inverter.Inverter) *Device {
	d := &Device{Inverter: inv}
	d.state.Store(uint32(Unavailable))
	return d
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// MarkAvailable transitions Unavailable -> Active, unless the device was
// already terminated (e.g. disk registration failed concurrently with a
// termination request), in which case the state is left untouched.
func (d *Device) MarkAvailable() {
	d.state.CompareAndSwap(uint32(Unavailable), uint32(Active))
	d.Inverter.SubmitDeviceAvailableNotification()
}

// Deactivate transitions Active -> Inactive and parks the inverter. flush
// requests one last flush-and-terminate notification before plain
// terminate notifications if the device supports flush. A no-op once the
// device has left Active (in particular, after Terminate: that transition
// is definitive and nothing moves the state word afterward).
func (d *Device) Deactivate(flush bool) {
	if !d.state.CompareAndSwap(uint32(Active), uint32(Inactive)) {
		return
	}
	d.Inverter.Deactivate(flush)
}

// Activate transitions Inactive -> Active, resumes the inverter, and
// re-arms a device-available notification for the newly attached driver.
// A no-op if the device isn't currently Inactive.
func (d *Device) Activate() {
	if !d.state.CompareAndSwap(uint32(Inactive), uint32(Active)) {
		return
	}
	d.Inverter.Activate()
	d.Inverter.SubmitDeviceAvailableNotification()
}

// Terminate transitions to Terminated from any state and permanently
// fails every outstanding and future request on the inverter.
func (d *Device) Terminate() {
	d.state.Store(uint32(Terminated))
	d.Inverter.Terminate()
}
