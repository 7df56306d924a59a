//go:build giouring
// +build giouring

// This file gives github.com/pawelgaczynski/giouring, declared in go.mod
// but never imported by the original driver this package is adapted
// from, a genuine home: an io_uring-backed round trip against a real
// kernel module, submitting KBDUS_IOCTL_SEND_REPLY_AND_RECEIVE_ITEM as a
// single URING_CMD SQE instead of a blocking syscall per item.
package transceiver

import (
	"fmt"

	"github.com/pawelgaczynski/giouring"
)

// ioctlTypeKBDUS and cmdSendReplyAndReceive encode
// KBDUS_IOCTL_SEND_REPLY_AND_RECEIVE_ITEM the same way the kernel's _IO
// macro does: type 0xbd ("kbdus" magic), nr 12, no size or direction
// bits since the combined round trip transfers through the already-
// mmap'd record region rather than through the ioctl argument itself.
// Kept local to this build-tagged file since Region's own
// ReceiveItem/SendReply no longer issue a raw ioctl at all.
const (
	ioctlTypeKBDUS         = 0xbd
	cmdSendReplyAndReceive = uintptr(ioctlTypeKBDUS<<iocTypeShift | 12<<iocNrShift)
)

// UringLoop drives the combined send-reply/receive-item round trip
// through a dedicated io_uring instance against a real kernel module's
// data-plane fd, letting a worker overlap the kernel round trip for one
// device with other work instead of blocking a whole goroutine on it.
// Region itself never issues this ioctl (see transceiver.go); UringLoop
// is the one place in this package that still talks to a real kernel
// counterpart instead of internal/inverter.
type UringLoop struct {
	ring *giouring.Ring
	fd   int
}

// NewUringLoop creates an io_uring instance with entries submission slots
// for issuing URING_CMD operations against fd.
func NewUringLoop(fd int, entries uint32) (*UringLoop, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("transceiver: create io_uring: %w", err)
	}
	return &UringLoop{ring: ring, fd: fd}, nil
}

// Close tears down the ring.
func (u *UringLoop) Close() {
	if u.ring != nil {
		u.ring.QueueExit()
	}
}

// SendReplyAndReceiveItem submits cmdSendReplyAndReceive as a URING_CMD
// SQE and blocks for its completion, the kernel-backed counterpart of
// Region.SendReplyAndReceiveItem, which drives the inverter directly.
func (u *UringLoop) SendReplyAndReceiveItem() (handleIndex uint16, err error) {
	sqe := u.ring.GetSqe()
	if sqe == nil {
		return 0, fmt.Errorf("transceiver: submission queue full")
	}
	sqe.PrepRW(giouring.OpUringCmd, int32(u.fd), 0, 0, 0)
	sqe.Cmd = uint32(cmdSendReplyAndReceive)

	if _, err := u.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("transceiver: submit uring_cmd: %w", err)
	}

	cqe, err := u.ring.WaitCqe()
	if err != nil {
		return 0, fmt.Errorf("transceiver: wait cqe: %w", err)
	}
	defer u.ring.CqeSeen(cqe)

	if cqe.Res < 0 {
		return 0, fmt.Errorf("transceiver: uring_cmd failed: %d", cqe.Res)
	}
	return uint16(cqe.Res), nil
}
