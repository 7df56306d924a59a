// Package config validates and normalizes the attributes that describe a
// device before it is created, mirroring libbdus's attribute-checking pass
// in bdus_create (bdus.c) but expressed as Go values instead of a C struct
// plus errno.
package config

import (
	"fmt"

	"github.com/behrlich/bdus-go/internal/bduserr"
)

// pageSize is assumed fixed for validation purposes; the transceiver that
// actually maps payload buffers is the one place that would need to learn
// the real runtime page size.
const pageSize = 4096

// MaxSlots is the hard cap on concurrent in-flight requests a device can
// carry (spec.md §4.1).
const MaxSlots = 256

// Config describes a device's attributes prior to creation. Normalize
// gives a zero MaxReadWriteSize a default when read or write is enabled
// and a zero MaxConcurrentCallbacks the value 1; the other max* fields
// keep a zero value as zero.
type Config struct {
	LogicalBlockSize    uint32
	PhysicalBlockSize   uint32
	Size                uint64
	MaxReadWriteSize    uint32
	MaxWriteSameSize    uint32
	MaxWriteZerosSize   uint32
	MaxDiscardEraseSize uint32

	MaxConcurrentCallbacks uint32

	Read        bool
	Write       bool
	Flush       bool
	IOCTL       bool
	WriteSame   bool
	WriteZeros  bool
	FUAWrite    bool
	Discard     bool
	SecureErase bool
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// Validate checks c against the rules libbdus enforces before handing
// attributes to the kernel module, returning a *bduserr.Error describing
// the first violation found.
func Validate(c Config) error {
	if !isPowerOfTwo(c.LogicalBlockSize) || c.LogicalBlockSize < 512 || c.LogicalBlockSize > pageSize {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig, fmt.Sprintf(
			"invalid logical_block_size %d, must be a power of two in [512, %d]",
			c.LogicalBlockSize, pageSize))
	}

	if c.PhysicalBlockSize != 0 {
		if !isPowerOfTwo(c.PhysicalBlockSize) || c.PhysicalBlockSize < c.LogicalBlockSize || c.PhysicalBlockSize > pageSize {
			return bduserr.New("Validate", bduserr.CodeInvalidConfig, fmt.Sprintf(
				"invalid physical_block_size %d, must be 0 or a power of two in [%d, %d]",
				c.PhysicalBlockSize, c.LogicalBlockSize, pageSize))
		}
	}

	adjustedPhysical := c.PhysicalBlockSize
	if adjustedPhysical < c.LogicalBlockSize {
		adjustedPhysical = c.LogicalBlockSize
	}
	if c.Size == 0 || c.Size%uint64(adjustedPhysical) != 0 {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig, fmt.Sprintf(
			"invalid size %d, must be a positive multiple of physical_block_size %d",
			c.Size, adjustedPhysical))
	}

	if c.MaxReadWriteSize != 0 && c.MaxReadWriteSize < pageSize {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig, fmt.Sprintf(
			"invalid max_read_write_size %d, must be 0 or at least %d",
			c.MaxReadWriteSize, pageSize))
	}

	if c.MaxWriteSameSize != 0 && c.MaxWriteSameSize < c.LogicalBlockSize {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig, fmt.Sprintf(
			"invalid max_write_same_size %d, must be 0 or at least logical_block_size %d",
			c.MaxWriteSameSize, c.LogicalBlockSize))
	}

	if c.MaxWriteZerosSize != 0 && c.MaxWriteZerosSize < c.LogicalBlockSize {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig, fmt.Sprintf(
			"invalid max_write_zeros_size %d, must be 0 or at least logical_block_size %d",
			c.MaxWriteZerosSize, c.LogicalBlockSize))
	}

	if c.MaxDiscardEraseSize != 0 && c.MaxDiscardEraseSize < c.LogicalBlockSize {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig, fmt.Sprintf(
			"invalid max_discard_erase_size %d, must be 0 or at least logical_block_size %d",
			c.MaxDiscardEraseSize, c.LogicalBlockSize))
	}

	if !c.Write && (c.WriteSame || c.WriteZeros || c.FUAWrite || c.Discard || c.SecureErase) {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig,
			"write-derived item types require Write to be enabled")
	}

	if c.FUAWrite && !c.Flush {
		return bduserr.New("Validate", bduserr.CodeInvalidConfig,
			"fua_write requires flush to be enabled")
	}

	return nil
}

// defaultMaxReadWriteSize and hardMaxReadWriteSize are libbdus's
// KBDUS_DEFAULT_MAX_READ_WRITE_SIZE/KBDUS_HARD_MAX_READ_WRITE_SIZE
// (kbdus/include-private/kbdus/config.h): a 256 KiB default, clamped to a
// hard 1 MiB ceiling.
const (
	defaultMaxReadWriteSize = 256 * 1024
	hardMaxReadWriteSize    = 1024 * 1024

	// hardMaxOutstandingReqs mirrors KBDUS_HARD_MAX_OUTSTANDING_REQS.
	hardMaxOutstandingReqs = MaxSlots
)

func roundDown(v, unit uint32) uint32 {
	if unit == 0 {
		return v
	}
	return v - v%unit
}

// Normalize fills in defaults for zero-valued optional fields, following
// libbdus's bdus_create attribute-adjustment pass (bdus.c) for the
// max_read_write_size/max_write_same_size/max_write_zeros_size/
// max_discard_erase_size family, and kbdus_device_adjust_config_ for the
// max_outstanding_reqs clamp.
func Normalize(c Config) Config {
	if c.PhysicalBlockSize == 0 {
		c.PhysicalBlockSize = c.LogicalBlockSize
	}
	if c.MaxConcurrentCallbacks == 0 {
		c.MaxConcurrentCallbacks = 1
	}

	switch {
	case !c.Read && !c.Write && !c.FUAWrite:
		c.MaxReadWriteSize = 0
	case c.MaxReadWriteSize == 0:
		v := uint32(defaultMaxReadWriteSize)
		if v < pageSize {
			v = pageSize
		}
		if hi := roundDown(hardMaxReadWriteSize, c.LogicalBlockSize); v > hi {
			v = hi
		}
		c.MaxReadWriteSize = v
	default:
		v := c.MaxReadWriteSize
		if v > hardMaxReadWriteSize {
			v = hardMaxReadWriteSize
		}
		c.MaxReadWriteSize = roundDown(v, c.LogicalBlockSize)
	}

	if !c.WriteSame {
		c.MaxWriteSameSize = 0
	} else {
		c.MaxWriteSameSize = roundDown(c.MaxWriteSameSize, c.LogicalBlockSize)
	}

	if !c.WriteZeros {
		c.MaxWriteZerosSize = 0
	} else {
		c.MaxWriteZerosSize = roundDown(c.MaxWriteZerosSize, c.LogicalBlockSize)
	}

	if !c.Discard && !c.SecureErase {
		c.MaxDiscardEraseSize = 0
	} else {
		c.MaxDiscardEraseSize = roundDown(c.MaxDiscardEraseSize, c.LogicalBlockSize)
	}

	// max_outstanding_reqs is 2*MaxConcurrentCallbacks in this driver's
	// slot-doubling convention; clamp it into [1, hardMaxOutstandingReqs]
	// instead of rejecting an over-cap config outright, mirroring the
	// kernel's silent clamp rather than libbdus's own caller-facing error.
	if !c.Read && !c.Write && !c.WriteSame && !c.WriteZeros && !c.FUAWrite &&
		!c.Flush && !c.Discard && !c.SecureErase && !c.IOCTL {
		c.MaxConcurrentCallbacks = 1
	} else if 2*c.MaxConcurrentCallbacks > hardMaxOutstandingReqs {
		c.MaxConcurrentCallbacks = hardMaxOutstandingReqs / 2
	}

	return c
}

// SlotCount returns the number of slots a device with this (normalized)
// config should allocate: a single slot when no capability is enabled,
// otherwise 2*MaxConcurrentCallbacks.
func SlotCount(c Config) int {
	if !c.Read && !c.Write && !c.WriteSame && !c.WriteZeros && !c.FUAWrite &&
		!c.Flush && !c.Discard && !c.SecureErase && !c.IOCTL {
		return 1
	}
	return int(2 * c.MaxConcurrentCallbacks)
}
