// Package wire defines the 64-byte reply-or-item record exchanged between
// the inverter and the shared-memory transceiver region, laid out to
// match kbdus_reply_or_item exactly so a single array of these records can
// be mmap'd and addressed by slot index.
package wire

import "encoding/binary"

// RecordSize is the fixed size of one reply-or-item record.
const RecordSize = 64

// Record is the raw on-wire form of a kbdus_item or kbdus_reply, aliased
// by position the same way the union in kbdus.h aliases them. Accessors
// below read and write the two views without reinterpreting the byte
// slice's type.
type Record [RecordSize]byte

// Common fields, present at the same offsets in both the item and reply
// views.
const (
	offUserPtrOrBufferIndex = 0
	offHandleSeqnum         = 8
	offHandleIndex          = 16
	offUsePreallocatedBuf   = 18
)

// Item-only fields.
const (
	offItemType  = 19
	offItemArg32 = 20
	offItemArg64 = 24
)

// Reply-only fields.
const (
	offReplyError = 20
)

func (r *Record) UserPtrOrBufferIndex() uint64 {
	return binary.LittleEndian.Uint64(r[offUserPtrOrBufferIndex:])
}

func (r *Record) SetUserPtrOrBufferIndex(v uint64) {
	binary.LittleEndian.PutUint64(r[offUserPtrOrBufferIndex:], v)
}

func (r *Record) HandleSeqnum() uint64 { return binary.LittleEndian.Uint64(r[offHandleSeqnum:]) }

func (r *Record) SetHandleSeqnum(v uint64) { binary.LittleEndian.PutUint64(r[offHandleSeqnum:], v) }

func (r *Record) HandleIndex() uint16 { return binary.LittleEndian.Uint16(r[offHandleIndex:]) }

func (r *Record) SetHandleIndex(v uint16) { binary.LittleEndian.PutUint16(r[offHandleIndex:], v) }

func (r *Record) UsePreallocatedBuffer() bool { return r[offUsePreallocatedBuf] != 0 }

func (r *Record) SetUsePreallocatedBuffer(v bool) {
	if v {
		r[offUsePreallocatedBuf] = 1
	} else {
		r[offUsePreallocatedBuf] = 0
	}
}

// ItemType reads the item-view type byte. Only meaningful after ReceiveItem.
func (r *Record) ItemType() uint8 { return r[offItemType] }

func (r *Record) SetItemType(v uint8) { r[offItemType] = v }

func (r *Record) ItemArg32() uint32 { return binary.LittleEndian.Uint32(r[offItemArg32:]) }

func (r *Record) SetItemArg32(v uint32) { binary.LittleEndian.PutUint32(r[offItemArg32:], v) }

func (r *Record) ItemArg64() uint64 { return binary.LittleEndian.Uint64(r[offItemArg64:]) }

func (r *Record) SetItemArg64(v uint64) { binary.LittleEndian.PutUint64(r[offItemArg64:], v) }

// ReplyError reads the reply-view result code. Only meaningful when writing
// a reply before SendReply.
func (r *Record) ReplyError() int32 {
	return int32(binary.LittleEndian.Uint32(r[offReplyError:]))
}

func (r *Record) SetReplyError(v int32) {
	binary.LittleEndian.PutUint32(r[offReplyError:], uint32(v))
}

// Reset zeroes every field of the record; the transceiver calls it before
// projecting a fresh item into the record.
func (r *Record) Reset() {
	*r = Record{}
}
