//go:build linux

package kcompat

import (
	"context"
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/bdus-go/internal/bduserr"
)

// ControlDevicePath is where the kernel module exposes its control
// surface, mirroring the teacher's UblkControlPath constant.
const ControlDevicePath = "/dev/bdus-control"

const (
	kbdusIoctlType = 0xbd

	cmdGetVersion                 = 0 // _IOW
	cmdCreateDevice               = 1 // _IOWR
	cmdAttachToDevice             = 2 // _IOWR
	cmdTerminate                  = 3 // _IO
	cmdMarkAsSuccessful           = 4 // _IO
	cmdGetDeviceConfig            = 6 // _IOWR
	cmdFlushDevice                = 7 // _IOR
	cmdTriggerDeviceDestruction   = 8 // _IOR
	cmdWaitUntilDeviceIsDestroyed = 9 // _IOR
)

func ioctlCmd(nr uint32) uintptr {
	const dirNone = 0
	const sizeNone = 0
	return uintptr((dirNone << 30) | (sizeNone << 16) | (kbdusIoctlType << 8) | nr)
}

// linuxControlChannel drives a real kernel module's control ioctls
// through one open file description on ControlDevicePath, the same role
// the teacher's Controller plays for /dev/ublk-control.
type linuxControlChannel struct {
	fd int
}

// Open opens ControlDevicePath and returns a ControlChannel backed by it.
func Open() (ControlChannel, error) {
	fd, err := unix.Open(ControlDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, bduserr.Wrap("Open", err)
	}
	return &linuxControlChannel{fd: fd}, nil
}

func (c *linuxControlChannel) CreateDevice(ctx context.Context, cfg DeviceConfig) (uint32, error) {
	buf := encodeDeviceAndFDConfig(cfg)
	if err := c.ioctl(cmdCreateDevice, buf); err != nil {
		return 0, bduserr.Wrap("CreateDevice", err)
	}
	return binary.LittleEndian.Uint32(buf[0:4]), nil
}

func (c *linuxControlChannel) AttachToDevice(ctx context.Context, devID uint32) error {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf[0:4], devID)
	if err := c.ioctl(cmdAttachToDevice, buf); err != nil {
		return bduserr.Wrap("AttachToDevice", err)
	}
	return nil
}

func (c *linuxControlChannel) Terminate() error {
	if err := c.ioctl0(cmdTerminate); err != nil {
		return bduserr.Wrap("Terminate", err)
	}
	return nil
}

func (c *linuxControlChannel) MarkAsSuccessful() error {
	if err := c.ioctl0(cmdMarkAsSuccessful); err != nil {
		return bduserr.Wrap("MarkAsSuccessful", err)
	}
	return nil
}

func (c *linuxControlChannel) FlushDevice(ctx context.Context, devID uint32) error {
	arg := uint64(devID)
	if err := c.ioctlArg(cmdFlushDevice, &arg); err != nil {
		return bduserr.Wrap("FlushDevice", err)
	}
	return nil
}

func (c *linuxControlChannel) TriggerDeviceDestruction(devID uint32) error {
	arg := uint64(devID)
	if err := c.ioctlArg(cmdTriggerDeviceDestruction, &arg); err != nil {
		return bduserr.Wrap("TriggerDeviceDestruction", err)
	}
	return nil
}

func (c *linuxControlChannel) WaitUntilDeviceIsDestroyed(ctx context.Context, devID uint32) error {
	arg := uint64(devID)
	if err := c.ioctlArg(cmdWaitUntilDeviceIsDestroyed, &arg); err != nil {
		return bduserr.Wrap("WaitUntilDeviceIsDestroyed", err)
	}
	return nil
}

func (c *linuxControlChannel) GetVersion() (uint32, uint32, uint32, error) {
	buf := make([]byte, 12)
	if err := c.ioctl(cmdGetVersion, buf); err != nil {
		return 0, 0, 0, bduserr.Wrap("GetVersion", err)
	}
	return binary.LittleEndian.Uint32(buf[0:4]),
		binary.LittleEndian.Uint32(buf[4:8]),
		binary.LittleEndian.Uint32(buf[8:12]),
		nil
}

func (c *linuxControlChannel) DataPlaneFD() int { return c.fd }

func (c *linuxControlChannel) Close() error {
	return unix.Close(c.fd)
}

func (c *linuxControlChannel) ioctl0(nr uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioctlCmd(nr), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *linuxControlChannel) ioctl(nr uint32, buf []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioctlCmd(nr), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *linuxControlChannel) ioctlArg(nr uint32, arg *uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioctlCmd(nr), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}
	return nil
}

func encodeDeviceAndFDConfig(cfg DeviceConfig) []byte {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf[4:8], cfg.LogicalBlockSize)
	binary.LittleEndian.PutUint32(buf[8:12], cfg.PhysicalBlockSize)
	binary.LittleEndian.PutUint64(buf[12:20], cfg.Size)
	binary.LittleEndian.PutUint32(buf[20:24], cfg.MaxReadWriteSize)
	binary.LittleEndian.PutUint32(buf[24:28], cfg.MaxWriteSameSize)
	binary.LittleEndian.PutUint32(buf[28:32], cfg.MaxWriteZerosSize)
	binary.LittleEndian.PutUint32(buf[32:36], cfg.MaxDiscardEraseSize)
	binary.LittleEndian.PutUint32(buf[40:44], cfg.NumPreallocatedBuffers)
	if cfg.ReadOnly {
		buf[44] = 1
	}
	return buf
}
