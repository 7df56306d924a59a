// Package bduserr provides the structured error type shared across the
// driver: an operation name, device id, high-level category, and the two
// errno channels a request can carry (the block-layer result and, for
// ioctl items, the separate ioctl result).
package bduserr

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is a high-level error category, independent of the underlying
// errno, used for errors.Is-style comparisons across packages.
type Code string

const (
	CodeNotImplemented    Code = "not implemented"
	CodeDeviceNotFound    Code = "device not found"
	CodeDeviceBusy        Code = "device busy"
	CodeInvalidConfig     Code = "invalid configuration"
	CodeDeviceTerminated  Code = "device terminated"
	CodeDeviceInactive    Code = "device inactive"
	CodeUnsupportedItem   Code = "unsupported item type"
	CodePermissionDenied  Code = "permission denied"
	CodeInsufficientMemory Code = "insufficient memory"
	CodeIOError           Code = "I/O error"
	CodeTimeout           Code = "timeout"
	CodeCanceled          Code = "canceled"
)

// Error is the structured error type returned by every exported operation.
// Errno carries the coerced block-layer result; ErrnoIOCTL carries the
// separate ioctl-channel result and is only meaningful for IOCTL items.
type Error struct {
	Op         string
	DevID      uint32
	Code       Code
	Errno      syscall.Errno
	ErrnoIOCTL syscall.Errno
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.DevID != 0 && e.Errno != 0:
		return fmt.Sprintf("bdus: %s (dev=%d errno=%d)", msg, e.DevID, e.Errno)
	case e.DevID != 0:
		return fmt.Sprintf("bdus: %s (dev=%d)", msg, e.DevID)
	case e.Errno != 0:
		return fmt.Sprintf("bdus: %s (errno=%d)", msg, e.Errno)
	default:
		return fmt.Sprintf("bdus: %s", msg)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New creates a structured error with no underlying errno.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WithDevice attaches a device id to err, returning a copy.
func WithDevice(err *Error, devID uint32) *Error {
	cp := *err
	cp.DevID = devID
	return &cp
}

// WithErrno attaches the coerced block-layer errno.
func WithErrno(err *Error, errno syscall.Errno) *Error {
	cp := *err
	cp.Errno = errno
	return &cp
}

// NewErrno builds a structured error directly from a kernel errno,
// categorizing it the way the block layer would.
func NewErrno(op string, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  mapErrnoToCode(errno),
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// Wrap attaches op to inner, mapping a raw errno to a Code when possible.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		cp := *be
		cp.Op = op
		return &cp
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}
	return &Error{Op: op, Code: CodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return CodeDeviceNotFound
	case syscall.EBUSY:
		return CodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidConfig
	case syscall.ENOSYS, syscall.EOPNOTSUPP, syscall.ENOTTY:
		return CodeUnsupportedItem
	case syscall.EPERM, syscall.EACCES:
		return CodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return CodeTimeout
	case syscall.ENOLINK:
		return CodeDeviceTerminated
	default:
		return CodeIOError
	}
}

// IsCode reports whether err (or something it wraps) carries code.
func IsCode(err error, code Code) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
