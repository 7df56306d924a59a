package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/bdus-go/internal/bduserr"
)

func validConfig() Config {
	return Config{
		LogicalBlockSize:       4096,
		PhysicalBlockSize:      4096,
		Size:                   1 << 20,
		MaxConcurrentCallbacks: 1,
		Read:                   true,
		Write:                  true,
	}
}

func TestValidate_AcceptsMinimalConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidate_RejectsNonPowerOfTwoLogicalBlockSize(t *testing.T) {
	c := validConfig()
	c.LogicalBlockSize = 3000
	err := Validate(c)
	require.Error(t, err)
	require.True(t, bduserr.IsCode(err, bduserr.CodeInvalidConfig))
}

func TestValidate_RejectsLogicalBlockSizeBelow512(t *testing.T) {
	c := validConfig()
	c.LogicalBlockSize = 256
	require.Error(t, Validate(c))
}

func TestValidate_RejectsLogicalBlockSizeAbovePageSize(t *testing.T) {
	c := validConfig()
	c.LogicalBlockSize = 8192
	c.PhysicalBlockSize = 8192
	require.Error(t, Validate(c))
}

func TestValidate_RejectsPhysicalSmallerThanLogical(t *testing.T) {
	c := validConfig()
	c.LogicalBlockSize = 4096
	c.PhysicalBlockSize = 512
	require.Error(t, Validate(c))
}

func TestValidate_RejectsSizeNotMultipleOfPhysicalBlockSize(t *testing.T) {
	c := validConfig()
	c.Size = 100
	require.Error(t, Validate(c))
}

func TestValidate_RejectsZeroSize(t *testing.T) {
	c := validConfig()
	c.Size = 0
	require.Error(t, Validate(c))
}

func TestNormalize_ClampsMaxConcurrentCallbacksToHardCap(t *testing.T) {
	c := validConfig()
	c.MaxConcurrentCallbacks = 200
	n := Normalize(c)
	require.LessOrEqual(t, 2*n.MaxConcurrentCallbacks, uint32(MaxSlots))
	require.NoError(t, Validate(n))
}

func TestValidate_RejectsWriteDerivedTypesWithoutWrite(t *testing.T) {
	c := validConfig()
	c.Write = false
	c.Discard = true
	err := Validate(c)
	require.Error(t, err)
}

// TestValidate_RejectsFUAWriteWithoutFlush covers the fua_write=>flush
// rule spec.md §4.5 requires.
func TestValidate_RejectsFUAWriteWithoutFlush(t *testing.T) {
	c := validConfig()
	c.FUAWrite = true
	c.Flush = false
	err := Validate(c)
	require.Error(t, err)
}

func TestValidate_AcceptsFUAWriteWithFlush(t *testing.T) {
	c := validConfig()
	c.FUAWrite = true
	c.Flush = true
	require.NoError(t, Validate(c))
}

func TestNormalize_FillsPhysicalBlockSizeFromLogical(t *testing.T) {
	c := Config{LogicalBlockSize: 4096}
	n := Normalize(c)
	require.EqualValues(t, 4096, n.PhysicalBlockSize)
}

func TestNormalize_DefaultsMaxConcurrentCallbacksToOne(t *testing.T) {
	n := Normalize(Config{})
	require.EqualValues(t, 1, n.MaxConcurrentCallbacks)
}

func TestSlotCount_IsTwiceMaxConcurrentCallbacks(t *testing.T) {
	c := Normalize(Config{Read: true, MaxConcurrentCallbacks: 3})
	require.Equal(t, 6, SlotCount(c))
}

func TestNormalize_MaxReadWriteSizeZeroWithoutCapabilityIsZero(t *testing.T) {
	n := Normalize(Config{LogicalBlockSize: 4096})
	require.Zero(t, n.MaxReadWriteSize)
}

func TestNormalize_MaxReadWriteSizeDefaultsWhenReadEnabled(t *testing.T) {
	n := Normalize(Config{LogicalBlockSize: 4096, Read: true})
	require.EqualValues(t, 256*1024, n.MaxReadWriteSize)
}

func TestNormalize_MaxReadWriteSizeClampedToHardMaxAndRoundedDown(t *testing.T) {
	c := Config{LogicalBlockSize: 4096, Read: true, MaxReadWriteSize: 2*1024*1024 + 100}
	n := Normalize(c)
	require.EqualValues(t, 1024*1024, n.MaxReadWriteSize)
}

func TestNormalize_MaxReadWriteSizeRoundedDownToLogical(t *testing.T) {
	c := Config{LogicalBlockSize: 4096, Read: true, MaxReadWriteSize: 10000}
	n := Normalize(c)
	require.EqualValues(t, 8192, n.MaxReadWriteSize)
}

func TestNormalize_MaxWriteSameSizeZeroWithoutCapability(t *testing.T) {
	c := Config{LogicalBlockSize: 4096, WriteSame: false, MaxWriteSameSize: 9000}
	n := Normalize(c)
	require.Zero(t, n.MaxWriteSameSize)
}

func TestNormalize_MaxWriteSameSizeRoundedDownToLogicalWhenEnabled(t *testing.T) {
	c := Config{LogicalBlockSize: 4096, WriteSame: true, MaxWriteSameSize: 9000}
	n := Normalize(c)
	require.EqualValues(t, 8192, n.MaxWriteSameSize)
}

func TestNormalize_MaxWriteZerosSizeZeroWithoutCapability(t *testing.T) {
	n := Normalize(Config{LogicalBlockSize: 4096, MaxWriteZerosSize: 9000})
	require.Zero(t, n.MaxWriteZerosSize)
}

func TestNormalize_MaxDiscardEraseSizeHonorsEitherCapability(t *testing.T) {
	n := Normalize(Config{LogicalBlockSize: 4096, SecureErase: true, MaxDiscardEraseSize: 9000})
	require.EqualValues(t, 8192, n.MaxDiscardEraseSize)
}

func TestNormalize_NoCapabilitiesForcesSingleOutstandingRequest(t *testing.T) {
	n := Normalize(Config{LogicalBlockSize: 4096, MaxConcurrentCallbacks: 5})
	require.EqualValues(t, 1, n.MaxConcurrentCallbacks)
}
