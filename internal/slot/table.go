// Package slot implements the fixed-capacity request-wrapper table that
// backs the inverter: a stable 1-based index, a generation counter that
// survives cancellation, and the two intrusive lists (free, awaiting-get)
// spec.md §4.1 describes. Callers outside the inverter never mutate slot
// state directly; only the state-transition helpers here do.
package slot

import (
	"container/list"

	"github.com/behrlich/bdus-go/internal/item"
)

// State is one of the five positions a slot occupies in the request
// lifecycle (spec.md §3).
type State int

const (
	Free State = iota
	AwaitingGet
	BeingGotten
	AwaitingCompletion
	BeingCompleted
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case AwaitingGet:
		return "AWAITING_GET"
	case BeingGotten:
		return "BEING_GOTTEN"
	case AwaitingCompletion:
		return "AWAITING_COMPLETION"
	case BeingCompleted:
		return "BEING_COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Ref is the opaque handle to the originating block-layer request. The
// inverter calls Complete exactly once per slot lifecycle, handing back the
// coerced result codes for the block-layer channel and the ioctl channel
// respectively (spec.md §3, §6).
type Ref interface {
	Complete(negErrno, negErrnoIOCTL int32)
}

// Slot is one entry of the fixed-capacity table. Index never changes after
// initialization; Seqnum increments every time the slot returns to Free.
type Slot struct {
	Index  uint16
	Seqnum uint64
	State  State
	Type   item.Type
	Ref    Ref

	elem *list.Element // which intrusive list this slot currently lives in
}

// Table is the fixed-capacity array of slots plus the two intrusive lists
// threading through them. Capacity is bounded by the hard cap of 256
// (spec.md §4.1); callers validate via internal/config before construction.
type Table struct {
	slots []*Slot

	free        *list.List
	awaitingGet *list.List
}

// NewTable allocates a table of the given capacity. Index assignment is
// 1..=capacity, index 0 is reserved as the null/notification handle.
func NewTable(capacity int) *Table {
	t := &Table{
		slots:       make([]*Slot, capacity),
		free:        list.New(),
		awaitingGet: list.New(),
	}
	for i := 0; i < capacity; i++ {
		s := &Slot{Index: uint16(i + 1), State: Free}
		t.slots[i] = s
		s.elem = t.free.PushBack(s)
	}
	return t
}

// Capacity returns the fixed number of slots in the table.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// SlotOf resolves a 1-based index into its slot. A zero or out-of-range
// index is not a real slot; callers must treat it as a notification handle
// (spec.md §4.1).
func (t *Table) SlotOf(index uint16) *Slot {
	if index == 0 || int(index) > len(t.slots) {
		return nil
	}
	return t.slots[index-1]
}

// FreeLen and AwaitingGetLen expose list sizes for invariant checking
// (spec.md §8, invariant 1-2) and are not used on the hot path.
func (t *Table) FreeLen() int        { return t.free.Len() }
func (t *Table) AwaitingGetLen() int { return t.awaitingGet.Len() }

// ForEach iterates every slot in index order. Used by terminate/activate
// passes that must visit every slot regardless of list membership.
func (t *Table) ForEach(fn func(*Slot)) {
	for _, s := range t.slots {
		fn(s)
	}
}

// ToAwaitingGet moves s into the awaiting-get list and sets its state.
// Valid from Free (new submission), BeingGotten (aborted get), or
// AwaitingCompletion (replacement driver re-queue on activate).
func (t *Table) ToAwaitingGet(s *Slot) {
	if s.elem != nil {
		t.removeFrom(s)
	}
	s.elem = t.awaitingGet.PushBack(s)
	s.State = AwaitingGet
}

// ToAwaitingGetFront is ToAwaitingGet but prepends, used by activate() to
// put previously in-flight requests ahead of freshly submitted ones
// (spec.md §5 ordering guarantee).
func (t *Table) ToAwaitingGetFront(s *Slot) {
	if s.elem != nil {
		t.removeFrom(s)
	}
	s.elem = t.awaitingGet.PushFront(s)
	s.State = AwaitingGet
}

// PopAwaitingGet dequeues the head of the awaiting-get list and transitions
// it to BeingGotten. Returns nil if the list is empty.
func (t *Table) PopAwaitingGet() *Slot {
	front := t.awaitingGet.Front()
	if front == nil {
		return nil
	}
	s := front.Value.(*Slot)
	t.awaitingGet.Remove(front)
	s.elem = nil
	s.State = BeingGotten
	return s
}

// ToAwaitingCompletion transitions s out of BeingGotten or BeingCompleted.
// Slots in this state are list-less (spec.md invariant 1); reachable only
// through the handle already given to the caller.
func (t *Table) ToAwaitingCompletion(s *Slot) {
	s.State = AwaitingCompletion
}

// ToBeingCompleted transitions s out of AwaitingCompletion.
func (t *Table) ToBeingCompleted(s *Slot) {
	s.State = BeingCompleted
}

// ToFree drives s back to Free, bumping Seqnum so any late reply bearing
// the old handle is rejected (spec.md invariant 3), and completes the
// block-layer reference with the given coerced result codes.
func (t *Table) ToFree(s *Slot, negErrno, negErrnoIOCTL int32) {
	if s.Ref != nil {
		s.Ref.Complete(negErrno, negErrnoIOCTL)
		s.Ref = nil
	}
	s.Seqnum++
	if s.elem != nil {
		t.removeFrom(s)
	}
	s.elem = t.free.PushBack(s)
	s.State = Free
}

// PopFree dequeues a free slot for a new submission. Returns nil if none
// are available; under spec.md's queue-depth-matches-capacity invariant
// this should never happen on the producer side.
func (t *Table) PopFree() *Slot {
	front := t.free.Front()
	if front == nil {
		return nil
	}
	s := front.Value.(*Slot)
	t.free.Remove(front)
	s.elem = nil
	return s
}

// removeFrom unlinks s from whichever of the two lists currently holds
// it. Only Free and AwaitingGet slots are ever list members (invariant 1),
// and s.State still reflects the pre-transition list at the point every
// caller here invokes this, so it tells us which list to call Remove on.
func (t *Table) removeFrom(s *Slot) {
	switch s.State {
	case Free:
		t.free.Remove(s.elem)
	case AwaitingGet:
		t.awaitingGet.Remove(s.elem)
	}
	s.elem = nil
}
