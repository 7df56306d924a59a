// Package transceiver implements the shared-memory data plane a worker
// uses to receive items and send replies: a per-slot reply-or-item record
// region mmap'd over the device's data-plane file descriptor, plus
// preallocated page-aligned payload buffers in anonymous mappings. Each
// round trip drives the inverter bound to the region and copies payload
// bytes to and from the shared buffers the same way
// original_source/kbdus/src/transceiver.c copies to and from a request's
// bio segments, except here the copy is process memory to process memory
// rather than copy_to_user/copy_from_user.
package transceiver

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/bdus-go/internal/inverter"
	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/wire"
)

// ioctl direction/size bit layout, matching asm-generic/ioctl.h's _IOC
// encoding that original_source/kbdus/include/kbdus.h's ioctl commands
// use; DecodeIoctlDirection and DecodeIoctlSize pull the bits a
// passthrough ioctl command carries back out.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// Ioctl direction bits, matching _IOC_READ/_IOC_WRITE.
const (
	iocDirRead  = 1 << 0
	iocDirWrite = 1 << 1
)

// DecodeIoctlDirection extracts the _IOC_READ/_IOC_WRITE bits an encoded
// ioctl command carries, so the transceiver knows which way a
// passthrough ioctl's argument data needs to move through the
// preallocated buffer.
func DecodeIoctlDirection(cmd uint32) (read, write bool) {
	dir := (cmd >> iocDirShift) & ((1 << iocDirBits) - 1)
	return dir&iocDirRead != 0, dir&iocDirWrite != 0
}

// DecodeIoctlSize extracts the _IOC_SIZE field of an encoded ioctl
// command.
func DecodeIoctlSize(cmd uint32) uint32 {
	return (cmd >> iocSizeShift) & ((1 << iocSizeBits) - 1)
}

// MaxPayload is the largest payload a single preallocated buffer may
// address in one record.
const MaxPayload = 16 * 1024

// payloadRef is the narrow view transceiver needs of a real item's
// backing slot.Ref to move its payload through a preallocated buffer.
// Declared locally instead of importing internal/worker, since worker
// already imports transceiver for MaxPayload and importing it back here
// would cycle; *worker.Request satisfies this with distinctly named
// accessor methods, since it already has same-named exported fields.
type payloadRef interface {
	PayloadOffset() int64
	PayloadLength() uint32
	PayloadBytes() []byte
	IoctlCommand() uint32
	IoctlArgBytes() []byte
	SetIoctlReply(out []byte)
}

// Region is the mmap'd shared-memory area backing one device's data
// plane: one Record per slot, plus num_preallocated_buffers page-aligned
// payload buffers the worker addresses by index, and the inverter whose
// BeginGet/BeginCompletion pairs this region's round trips drive.
type Region struct {
	fd int

	mapped  []byte        // raw mmap'd record region, kept alive for Close
	records []wire.Record // aliases mapped; one per slot, index 0 unused
	buffers [][]byte      // preallocated payload buffers, indexed 0-based

	bufSize int
	inv     *inverter.Inverter
}

// Open mmaps the record array and allocates bufCount preallocated payload
// buffers of bufSize bytes each for the device behind fd, binding the
// region to inv so ReceiveItem/SendReply can drive its state machine.
func Open(fd int, slotCount, bufCount, bufSize int, inv *inverter.Inverter) (*Region, error) {
	if bufSize > MaxPayload {
		return nil, fmt.Errorf("transceiver: buffer size %d exceeds max payload %d", bufSize, MaxPayload)
	}

	recordBytes := (slotCount + 1) * wire.RecordSize
	pageSize := os.Getpagesize()
	if rem := recordBytes % pageSize; rem != 0 {
		recordBytes += pageSize - rem
	}

	mapped, err := unix.Mmap(fd, 0, recordBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("transceiver: mmap record region: %w", err)
	}

	records := recordsFromMmap(mapped, slotCount+1)

	buffers := make([][]byte, bufCount)
	for i := range buffers {
		buf, err := unix.Mmap(-1, 0, bufSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			unix.Munmap(mapped)
			for j := 0; j < i; j++ {
				unix.Munmap(buffers[j])
			}
			return nil, fmt.Errorf("transceiver: allocate payload buffer %d: %w", i, err)
		}
		buffers[i] = buf
	}

	r := &Region{fd: fd, mapped: mapped, records: records, buffers: buffers, bufSize: bufSize, inv: inv}
	return r, nil
}

// recordsFromMmap reinterprets the mmap'd byte slice as a []wire.Record
// without copying, the same way the teacher's runner addresses mmap'd
// descriptor arrays through a converted pointer.
func recordsFromMmap(mapped []byte, count int) []wire.Record {
	return unsafe.Slice((*wire.Record)(unsafe.Pointer(&mapped[0])), count)
}

// Close unmaps every region this transceiver owns.
func (r *Region) Close() error {
	var firstErr error
	if err := unix.Munmap(r.mapped); err != nil {
		firstErr = err
	}
	for _, buf := range r.buffers {
		if err := unix.Munmap(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Buffer returns the preallocated payload buffer at index, or nil if out
// of range.
func (r *Region) Buffer(index uint64) []byte {
	if int(index) >= len(r.buffers) {
		return nil
	}
	return r.buffers[index]
}

// Record returns the record slot at the given record index, or nil if
// out of range.
func (r *Region) Record(recordIndex uint16) *wire.Record {
	if int(recordIndex) >= len(r.records) {
		return nil
	}
	return &r.records[recordIndex]
}

// payloadBuffer maps a record index onto its preallocated buffer; Open
// allocates one buffer per usable record slot so the two index spaces
// stay in lockstep, record index 0 excepted since it is never used for a
// real item.
func (r *Region) payloadBuffer(recordIndex int) []byte {
	if recordIndex < 1 {
		return nil
	}
	return r.Buffer(uint64(recordIndex - 1))
}

// ReceiveItem drives one Inverter.BeginGet and projects the resulting
// item into the record at recordIndex. Real item types get their
// payload staged into the record's preallocated buffer: write-family
// payloads copied in for the backend to read, ioctl arguments copied in
// when the command's direction includes _IOC_READ, mirroring
// original_source/kbdus/src/transceiver.c's receive-side copy functions
// against process memory instead of copy_to_user.
func (r *Region) ReceiveItem(ctx context.Context, recordIndex int) error {
	rec := r.Record(uint16(recordIndex))
	if rec == nil {
		return fmt.Errorf("transceiver: record index %d out of range", recordIndex)
	}

	it, err := r.inv.BeginGet(ctx)
	if err != nil {
		return err
	}

	rec.Reset()
	rec.SetHandleIndex(it.HandleIndex)
	rec.SetHandleSeqnum(it.HandleSeqnum)
	rec.SetItemType(uint8(it.Type))

	if it.Type.IsSynthetic() {
		r.inv.CommitGet(it)
		return nil
	}

	ref, ok := it.Ref().(payloadRef)
	if !ok {
		r.inv.AbortGet(it)
		return fmt.Errorf("transceiver: item ref for %s does not support shared-memory marshalling", it.Type)
	}

	buf := r.payloadBuffer(recordIndex)
	if buf == nil {
		r.inv.AbortGet(it)
		return fmt.Errorf("transceiver: no preallocated buffer for record %d", recordIndex)
	}
	rec.SetUsePreallocatedBuffer(true)
	rec.SetUserPtrOrBufferIndex(uint64(recordIndex - 1))

	if it.Type == item.IOCTL {
		cmd := ref.IoctlCommand()
		size := DecodeIoctlSize(cmd)
		if int(size) > len(buf) {
			r.inv.AbortGet(it)
			return fmt.Errorf("transceiver: ioctl size %d exceeds buffer %d", size, len(buf))
		}
		rec.SetItemArg32(cmd)
		for i := range buf[:size] {
			buf[i] = 0
		}
		if read, _ := DecodeIoctlDirection(cmd); read {
			copy(buf[:size], ref.IoctlArgBytes())
		}
	} else {
		rec.SetItemArg64(uint64(ref.PayloadOffset()))
		rec.SetItemArg32(ref.PayloadLength())
		if payloadCopiesIn(it.Type) {
			copy(buf, ref.PayloadBytes())
		}
	}

	r.inv.CommitGet(it)
	return nil
}

// SendReply resolves the reply staged in the record at recordIndex. A
// zero handle index is the documented no-op. Otherwise it drives the
// matching BeginCompletion/CommitCompletion pair, copying the read
// payload or an _IOC_WRITE-direction ioctl's output back out of the
// preallocated buffer first, mirroring
// original_source/kbdus/src/transceiver.c's send-side copy functions.
func (r *Region) SendReply(recordIndex int) error {
	rec := r.Record(uint16(recordIndex))
	if rec == nil {
		return fmt.Errorf("transceiver: record index %d out of range", recordIndex)
	}

	handleIndex := rec.HandleIndex()
	if handleIndex == 0 {
		return nil
	}

	it, err := r.inv.BeginCompletion(handleIndex, rec.HandleSeqnum())
	if err != nil {
		return err
	}

	negErrno := rec.ReplyError()
	var negErrnoIOCTL int32

	buf := r.payloadBuffer(recordIndex)
	ref, hasRef := it.Ref().(payloadRef)

	switch {
	case it.Type == item.IOCTL:
		negErrnoIOCTL = negErrno
		negErrno = 0
		if hasRef && buf != nil {
			cmd := ref.IoctlCommand()
			size := DecodeIoctlSize(cmd)
			if _, write := DecodeIoctlDirection(cmd); write && int(size) <= len(buf) {
				out := make([]byte, size)
				copy(out, buf[:size])
				ref.SetIoctlReply(out)
			}
		}

	case it.Type == item.Read:
		if hasRef && buf != nil {
			n := int(ref.PayloadLength())
			if n > len(buf) {
				n = len(buf)
			}
			copy(ref.PayloadBytes()[:n], buf[:n])
		}
	}

	r.inv.CommitCompletion(it, negErrno, negErrnoIOCTL)
	return nil
}

// SendReplyAndReceiveItem composes SendReply and ReceiveItem into the
// combined round trip, short-circuiting on the first failure (spec.md
// §4.4).
func (r *Region) SendReplyAndReceiveItem(ctx context.Context, recordIndex int) error {
	if err := r.SendReply(recordIndex); err != nil {
		return err
	}
	return r.ReceiveItem(ctx, recordIndex)
}

// payloadCopiesIn reports whether t's request data needs to be staged
// into the preallocated buffer before the backend sees it, true for
// every write-family item carrying caller-supplied bytes.
func payloadCopiesIn(t item.Type) bool {
	switch t {
	case item.Write, item.WriteSame, item.FUAWrite:
		return true
	default:
		return false
	}
}
