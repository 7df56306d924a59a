// Package inverter implements the producer/consumer inversion at the heart
// of the driver: the block layer (producer) submits requests that park in
// a fixed-capacity table until a worker (consumer) gets, services, and
// completes them. All request-wrapper state transitions happen under a
// single mutex, mirroring the kernel's single-spinlock design; blocking
// waits use a condition variable instead of a wait queue.
package inverter

import (
	"context"
	"sync"
	"syscall"

	"github.com/behrlich/bdus-go/internal/bduserr"
	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/slot"
)

type flags uint32

const (
	flagDeactivated flags = 1 << iota
	flagDeactivatedNotFlushed
	flagTerminated
	flagSendDeviceAvailable

	flagSupportsRead
	flagSupportsWrite
	flagSupportsFlush
	flagSupportsIOCTL
	flagSupportsWriteSame
	flagSupportsWriteZeros
	flagSupportsFUAWrite
	flagSupportsDiscard
	flagSupportsSecureErase
)

// Capabilities selects which item types a backend accepts; Submit rejects
// anything else with CodeUnsupportedItem.
type Capabilities struct {
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

func capsToFlags(c Capabilities) flags {
	var f flags
	if c.Read {
		f |= flagSupportsRead
	}
	if c.Write {
		f |= flagSupportsWrite
	}
	if c.Flush {
		f |= flagSupportsFlush
	}
	if c.IOCTL {
		f |= flagSupportsIOCTL
	}
	if c.WriteSame {
		f |= flagSupportsWriteSame
	}
	if c.WriteZeros {
		f |= flagSupportsWriteZeros
	}
	if c.FUAWrite {
		f |= flagSupportsFUAWrite
	}
	if c.Discard {
		f |= flagSupportsDiscard
	}
	if c.SecureErase {
		f |= flagSupportsSecureErase
	}
	return f
}

var supportFlagFor = map[item.Type]flags{
	item.Read:               flagSupportsRead,
	item.Write:              flagSupportsWrite,
	item.Flush:              flagSupportsFlush,
	item.IOCTL:              flagSupportsIOCTL,
	item.WriteSame:          flagSupportsWriteSame,
	item.WriteZerosNoUnmap:  flagSupportsWriteZeros,
	item.WriteZerosMayUnmap: flagSupportsWriteZeros,
	item.FUAWrite:           flagSupportsFUAWrite,
	item.Discard:            flagSupportsDiscard,
	item.SecureErase:        flagSupportsSecureErase,
}

// Item is a unit of work (or notification) handed to a consumer by
// BeginGet. HandleIndex 0 means the item is synthetic and carries no slot.
type Item struct {
	HandleIndex  uint16
	HandleSeqnum uint64
	Type         item.Type

	slot *slot.Slot
}

func syntheticItem(t item.Type) *Item {
	return &Item{Type: t}
}

// Ref returns the request-side reference backing a real item, or nil for
// a synthetic notification, so a consumer can recover the request details
// (offset, length, payload) that Submit attached to the slot.
func (it *Item) Ref() slot.Ref {
	if it.slot == nil {
		return nil
	}
	return it.slot.Ref
}

// Inverter owns the slot table and the flags/wait-state driving the
// producer/consumer handoff described above.
type Inverter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	table *slot.Table
	flags flags
}

// New creates an inverter with the given slot capacity and accepted item
// types. Capacity must already be validated by internal/config.
func New(capacity int, caps Capabilities) *Inverter {
	inv := &Inverter{
		table: slot.NewTable(capacity),
		flags: capsToFlags(caps),
	}
	inv.cond = sync.NewCond(&inv.mu)
	return inv
}

func (inv *Inverter) isTerminated() bool { return inv.flags&flagTerminated != 0 }
func (inv *Inverter) isDeactivated() bool {
	return inv.flags&flagDeactivated != 0
}

// Submit enqueues a new request of the given type, backed by ref. It
// returns the stable (index, seqnum) handle used by Timeout to reach the
// same slot later, or an error if the device is terminated or the item
// type isn't supported.
func (inv *Inverter) Submit(ref slot.Ref, t item.Type) (handleIndex uint16, handleSeqnum uint64, err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.isTerminated() {
		return 0, 0, bduserr.New("Submit", bduserr.CodeDeviceTerminated, "device terminated")
	}

	if need, ok := supportFlagFor[t]; ok && inv.flags&need == 0 {
		return 0, 0, bduserr.New("Submit", bduserr.CodeUnsupportedItem, t.String()+" not supported")
	}

	s := inv.table.PopFree()
	if s == nil {
		return 0, 0, bduserr.New("Submit", bduserr.CodeDeviceBusy, "no free slots")
	}

	s.Type = t
	s.Ref = ref
	inv.table.ToAwaitingGet(s)
	inv.cond.Signal()

	return s.Index, s.Seqnum, nil
}

// TimeoutOutcome reports what Timeout did with the slot it was given.
type TimeoutOutcome int

const (
	// TimeoutIgnored means the handle named no slot, its seqnum was stale
	// (already recycled), or the slot was already Free; no action was
	// taken.
	TimeoutIgnored TimeoutOutcome = iota
	// TimeoutRestart means the slot is BeingGotten/BeingCompleted; the
	// caller should restart its timer rather than give up.
	TimeoutRestart
	// TimeoutCompleted means the slot was awaiting get/completion and has
	// been failed with -ETIMEDOUT on both channels.
	TimeoutCompleted
)

// Timeout handles a block-layer request timeout for the slot named by
// handleIndex/handleSeqnum.
func (inv *Inverter) Timeout(handleIndex uint16, handleSeqnum uint64) TimeoutOutcome {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.table.SlotOf(handleIndex)
	if s == nil || s.Seqnum != handleSeqnum {
		return TimeoutIgnored
	}

	switch s.State {
	case slot.BeingGotten, slot.BeingCompleted:
		return TimeoutRestart
	case slot.AwaitingGet, slot.AwaitingCompletion:
		inv.table.ToFree(s, int32(-syscall.ETIMEDOUT), int32(-syscall.ETIMEDOUT))
		return TimeoutCompleted
	default:
		return TimeoutIgnored
	}
}

// Terminate permanently fails every slot awaiting get or completion and
// wakes every blocked BeginGet so it observes termination. Idempotent.
func (inv *Inverter) Terminate() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.isTerminated() {
		return
	}
	inv.flags |= flagTerminated

	inv.table.ForEach(func(s *slot.Slot) {
		if s.State == slot.AwaitingGet || s.State == slot.AwaitingCompletion {
			inv.cancelDueToTermination(s)
		}
	})

	inv.cond.Broadcast()
}

func (inv *Inverter) cancelDueToTermination(s *slot.Slot) {
	inv.table.ToFree(s, int32(-syscall.EIO), int32(-syscall.ENODEV))
}

// Deactivate parks the device: BeginGet starts handing back Terminate
// notifications instead of real items. If flush is true and the inverter
// supports flush, the next BeginGet instead gets one FlushAndTerminate
// notification before falling back to plain Terminate notifications.
func (inv *Inverter) Deactivate(flush bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if !inv.isDeactivated() {
		inv.flags |= flagDeactivated
		if flush && inv.flags&flagSupportsFlush != 0 {
			inv.flags |= flagDeactivatedNotFlushed
		}
	}

	inv.cond.Broadcast()
}

// Activate resumes a deactivated (but not terminated) device: items that
// were awaiting completion go back to awaiting get, to be retried by
// whatever driver reattaches.
func (inv *Inverter) Activate() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if !inv.isDeactivated() {
		return
	}
	inv.flags &^= flagDeactivated | flagDeactivatedNotFlushed

	// Walk indices from highest to lowest so that prepending each slot
	// leaves them at the head of awaiting-get in ascending index order.
	for i := inv.table.Capacity(); i >= 1; i-- {
		if s := inv.table.SlotOf(uint16(i)); s != nil && s.State == slot.AwaitingCompletion {
			inv.table.ToAwaitingGetFront(s)
		}
	}

	inv.cond.Broadcast()
}

// SubmitDeviceAvailableNotification arranges for the next BeginGet (after
// any pending terminate/flush notification) to return a DeviceAvailable
// item. Idempotent while one is already pending.
func (inv *Inverter) SubmitDeviceAvailableNotification() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.flags&flagSendDeviceAvailable == 0 {
		inv.flags |= flagSendDeviceAvailable
		inv.cond.Signal()
	}
}

// BeginGet blocks until a notification or real item is available, then
// returns it. Canceling ctx unblocks it with ctx.Err(); the caller should
// treat that as "no item obtained this round" and retry later, exactly as
// if the underlying wait had been interrupted by a signal.
func (inv *Inverter) BeginGet(ctx context.Context) (*Item, error) {
	stop := inv.wakeOnDone(ctx)
	defer stop()

	inv.mu.Lock()
	defer inv.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if inv.flags&flagDeactivatedNotFlushed != 0 {
			inv.flags &^= flagDeactivatedNotFlushed
			return syntheticItem(item.FlushAndTerminate), nil
		}

		if inv.flags&(flagDeactivated|flagTerminated) != 0 {
			return syntheticItem(item.Terminate), nil
		}

		if inv.flags&flagSendDeviceAvailable != 0 {
			inv.flags &^= flagSendDeviceAvailable
			return syntheticItem(item.DeviceAvailable), nil
		}

		if inv.table.AwaitingGetLen() > 0 {
			s := inv.table.PopAwaitingGet()
			return &Item{HandleIndex: s.Index, HandleSeqnum: s.Seqnum, Type: s.Type, slot: s}, nil
		}

		inv.cond.Wait()
	}
}

// wakeOnDone returns a stop function; while active it broadcasts on the
// inverter's condition variable as soon as ctx is canceled, so a blocked
// BeginGet wakes up and observes ctx.Err() instead of waiting forever.
func (inv *Inverter) wakeOnDone(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			inv.mu.Lock()
			inv.cond.Broadcast()
			inv.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// CommitGet advances a real item (synthetic items are no-ops) from
// BeingGotten to AwaitingCompletion, unless the device was terminated in
// the meantime, in which case it is canceled instead.
func (inv *Inverter) CommitGet(it *Item) {
	if it.slot == nil {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.isTerminated() {
		inv.cancelDueToTermination(it.slot)
		return
	}
	inv.table.ToAwaitingCompletion(it.slot)
}

// AbortGet undoes BeginGet for an item that could not be delivered to a
// consumer. Synthetic items are re-armed so the next BeginGet reissues
// them; real items go back to awaiting-get, unless termination is already
// in effect, in which case they are canceled.
func (inv *Inverter) AbortGet(it *Item) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if it.slot == nil {
		switch it.Type {
		case item.DeviceAvailable:
			inv.flags |= flagSendDeviceAvailable
			inv.cond.Signal()
		case item.FlushAndTerminate:
			inv.flags |= flagDeactivatedNotFlushed
			inv.cond.Broadcast()
		case item.Terminate:
			// nothing to do; it is reissued on every BeginGet while the
			// relevant flag remains set
		}
		return
	}

	if inv.isTerminated() {
		inv.cancelDueToTermination(it.slot)
		return
	}
	inv.table.ToAwaitingGet(it.slot)
	inv.cond.Signal()
}

// BeginCompletion looks up the slot named by the handle and, if it is
// awaiting completion, advances it to BeingCompleted and returns its item
// view. A stale seqnum or wrong state returns an error (the caller has
// nothing sane to complete).
func (inv *Inverter) BeginCompletion(handleIndex uint16, handleSeqnum uint64) (*Item, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.table.SlotOf(handleIndex)
	if s == nil || s.Seqnum != handleSeqnum {
		return nil, bduserr.New("BeginCompletion", bduserr.CodeInvalidConfig, "stale or unknown handle")
	}
	if s.State != slot.AwaitingCompletion {
		return nil, bduserr.New("BeginCompletion", bduserr.CodeInvalidConfig, "slot not awaiting completion")
	}

	inv.table.ToBeingCompleted(s)
	return &Item{HandleIndex: s.Index, HandleSeqnum: s.Seqnum, Type: s.Type, slot: s}, nil
}

// CommitCompletion finalizes a real item with the given result codes,
// coercing them into the narrow ranges the block layer and ioctl channel
// can carry (spec §7), then frees the slot. If termination raced in, the
// item is canceled with the termination result codes instead.
func (inv *Inverter) CommitCompletion(it *Item, negErrno, negErrnoIOCTL int32) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.isTerminated() {
		inv.cancelDueToTermination(it.slot)
		return
	}

	inv.table.ToFree(it.slot, coerceErrno(negErrno), coerceErrnoIOCTL(negErrnoIOCTL))
}

// AbortCompletion undoes BeginCompletion, returning the item to
// AwaitingCompletion, unless termination raced in, in which case it is
// canceled.
func (inv *Inverter) AbortCompletion(it *Item) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.isTerminated() {
		inv.cancelDueToTermination(it.slot)
		return
	}
	inv.table.ToAwaitingCompletion(it.slot)
}

const maxIOCTLErrno = -133

// coerceErrno narrows a completion result to the set the block layer can
// carry: success, a stale-link notice, out-of-space, a timeout, or a
// generic I/O error for anything else.
func coerceErrno(negErrno int32) int32 {
	switch negErrno {
	case 0, int32(-syscall.ENOLINK), int32(-syscall.ENOSPC), int32(-syscall.ETIMEDOUT):
		return negErrno
	default:
		return int32(-syscall.EIO)
	}
}

// coerceErrnoIOCTL narrows an ioctl completion result to errno-range
// values (down to -133), excluding ENOSYS, falling back to a generic I/O
// error otherwise.
func coerceErrnoIOCTL(negErrnoIOCTL int32) int32 {
	if negErrnoIOCTL < maxIOCTLErrno || negErrnoIOCTL > 0 || negErrnoIOCTL == int32(-syscall.ENOSYS) {
		return int32(-syscall.EIO)
	}
	return negErrnoIOCTL
}
