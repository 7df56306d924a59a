package item

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsSynthetic(t *testing.T) {
	synthetic := []Type{DeviceAvailable, Terminate, FlushAndTerminate}
	for _, ty := range synthetic {
		require.Truef(t, ty.IsSynthetic(), "%s should be synthetic", ty)
	}

	real := []Type{Read, Write, WriteSame, WriteZerosNoUnmap, WriteZerosMayUnmap, FUAWrite, Flush, Discard, SecureErase, IOCTL}
	for _, ty := range real {
		require.Falsef(t, ty.IsSynthetic(), "%s should not be synthetic", ty)
	}
}

func TestIsIOCTL(t *testing.T) {
	require.True(t, IOCTL.IsIOCTL())
	require.False(t, Read.IsIOCTL())
	require.False(t, Write.IsIOCTL())
}

func TestStringCoversEveryType(t *testing.T) {
	for ty := DeviceAvailable; ty <= IOCTL; ty++ {
		require.NotEqual(t, "UNKNOWN", ty.String())
	}
	require.Equal(t, "UNKNOWN", Type(99).String())
}
