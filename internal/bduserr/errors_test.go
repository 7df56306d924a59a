package bduserr

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewErrno_Categorizes(t *testing.T) {
	err := NewErrno("Submit", syscall.EBUSY)
	require.Equal(t, CodeDeviceBusy, err.Code)
	require.Equal(t, syscall.EBUSY, err.Errno)
}

func TestWrap_PreservesStructuredError(t *testing.T) {
	inner := New("Terminate", CodeDeviceTerminated, "device was terminated")
	wrapped := Wrap("Submit", inner)
	require.Equal(t, "Submit", wrapped.Op)
	require.Equal(t, CodeDeviceTerminated, wrapped.Code)
}

func TestWrap_NilIsNil(t *testing.T) {
	require.Nil(t, Wrap("anything", nil))
}

func TestWrap_RawErrno(t *testing.T) {
	wrapped := Wrap("BeginGet", syscall.ENOMEM)
	require.Equal(t, CodeInsufficientMemory, wrapped.Code)
	require.Equal(t, syscall.ENOMEM, wrapped.Errno)
}

func TestWrap_PlainError(t *testing.T) {
	wrapped := Wrap("Flush", errors.New("boom"))
	require.Equal(t, CodeIOError, wrapped.Code)
	require.EqualError(t, wrapped.Inner, "boom")
}

func TestIsCode(t *testing.T) {
	err := New("Submit", CodeDeviceBusy, "busy")
	require.True(t, IsCode(err, CodeDeviceBusy))
	require.False(t, IsCode(err, CodeTimeout))

	wrapped := Wrap("Outer", err)
	require.True(t, IsCode(wrapped, CodeDeviceBusy))
}

func TestErrorsIs_MatchesByCode(t *testing.T) {
	a := New("Submit", CodeDeviceTerminated, "terminated")
	b := New("Abort", CodeDeviceTerminated, "terminated elsewhere")
	require.True(t, errors.Is(a, b))

	c := New("Submit", CodeDeviceBusy, "busy")
	require.False(t, errors.Is(a, c))
}

func TestErrorMessageFormatting(t *testing.T) {
	err := &Error{Op: "Submit", DevID: 3, Errno: syscall.EIO, Msg: "read failed"}
	require.Contains(t, err.Error(), "read failed")
	require.Contains(t, err.Error(), "dev=3")
}

func TestWithDeviceAndWithErrnoDoNotMutateOriginal(t *testing.T) {
	base := New("Submit", CodeDeviceBusy, "busy")
	withDev := WithDevice(base, 7)
	require.EqualValues(t, 0, base.DevID)
	require.EqualValues(t, 7, withDev.DevID)

	withErrno := WithErrno(base, syscall.EAGAIN)
	require.Zero(t, base.Errno)
	require.Equal(t, syscall.EAGAIN, withErrno.Errno)
}
