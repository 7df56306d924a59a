// Package worker drives the consumer side of the inverter: a small pool
// of goroutines that loop BeginGet, dispatch the item to a Backend, and
// complete it, the in-process analogue of the teacher's per-queue
// io_uring loop in internal/queue/runner.go.
package worker

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/behrlich/bdus-go/internal/bduserr"
	"github.com/behrlich/bdus-go/internal/bufpool"
	"github.com/behrlich/bdus-go/internal/inverter"
	"github.com/behrlich/bdus-go/internal/item"
	"github.com/behrlich/bdus-go/internal/metrics"
	"github.com/behrlich/bdus-go/internal/transceiver"
	"github.com/behrlich/bdus-go/internal/wire"
)

// pooledThreshold is the point above which a request's payload comes out
// of bufpool rather than a one-off allocation; at or below it the payload
// fits in the transceiver's preallocated buffers already.
const pooledThreshold = transceiver.MaxPayload

// Backend is the storage implementation a Pool dispatches items to. It
// mirrors the teacher's interfaces.Backend (ReadAt/WriteAt/Size/Close/Flush)
// exactly; the item types the teacher's narrower backend never needed
// are covered by the optional extension interfaces below.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// WriteSameBackend is implemented by backends that support writing one
// block pattern repeated across a range.
type WriteSameBackend interface {
	Backend
	WriteSame(pattern []byte, off, length int64) error
}

// WriteZeroesBackend is implemented by backends that support zeroing a
// range, optionally permitting the backend to unmap storage instead of
// writing literal zero bytes (WriteZerosMayUnmap vs WriteZerosNoUnmap).
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(off, length int64, mayUnmap bool) error
}

// FUAWriteBackend is implemented by backends with a distinct path for
// force-unit-access writes that must reach stable storage before
// completing.
type FUAWriteBackend interface {
	Backend
	WriteAtFUA(p []byte, off int64) (int, error)
}

// DiscardBackend is implemented by backends that support TRIM/DISCARD.
type DiscardBackend interface {
	Backend
	Discard(off, length int64) error
}

// SecureEraseBackend is implemented by backends that support a stronger,
// cryptographic-erase variant of discard.
type SecureEraseBackend interface {
	Backend
	SecureErase(off, length int64) error
}

// IOCTLBackend is implemented by backends that handle passthrough
// ioctls not covered by the read/write/flush/discard surface.
type IOCTLBackend interface {
	Backend
	Ioctl(cmd uint32, arg []byte) (out []byte, err error)
}

// Request is the slot.Ref a submitter attaches to a real item: the
// request's parameters, plus a single-shot completion channel the
// submitter blocks on. It implements slot.Ref directly.
type Request struct {
	Offset   int64
	Length   uint32
	Data     []byte // write payload in; read payload out
	MayUnmap bool   // WriteZerosMayUnmap vs WriteZerosNoUnmap
	IoctlCmd uint32
	IoctlArg []byte
	IoctlOut []byte

	pooled bool
	done   chan Result
}

// Result is what a Request's submitter receives once the worker pool has
// completed it.
type Result struct {
	Errno      int32
	ErrnoIOCTL int32
}

// NewRequest creates a Request ready to be passed to Inverter.Submit.
func NewRequest() *Request {
	return &Request{done: make(chan Result, 1)}
}

// NewReadRequest creates a read request with a Data buffer of length
// bytes. Payloads above the transceiver's preallocated size come out of
// bufpool instead of a fresh allocation; call Release once the caller is
// done with the result to return it.
func NewReadRequest(offset int64, length uint32) *Request {
	r := NewRequest()
	r.Offset = offset
	r.Length = length
	if length > pooledThreshold {
		r.Data = bufpool.GetBuffer(length)
		r.pooled = true
	} else {
		r.Data = make([]byte, length)
	}
	return r
}

// NewWriteRequest creates a write request carrying data as its payload.
// data is used directly; NewWriteRequest never pools it, since the
// caller, not the pool, owns the payload's lifetime.
func NewWriteRequest(offset int64, data []byte) *Request {
	r := NewRequest()
	r.Offset = offset
	r.Length = uint32(len(data))
	r.Data = data
	return r
}

// Release returns a pooled Data buffer, obtained via NewReadRequest, to
// bufpool. It is a no-op for requests that didn't allocate from the pool.
func (r *Request) Release() {
	if r.pooled && r.Data != nil {
		bufpool.PutBuffer(r.Data)
		r.Data = nil
		r.pooled = false
	}
}

// PayloadOffset, PayloadLength, PayloadBytes, IoctlCommand,
// IoctlArgBytes, and SetIoctlReply expose Request's fields through the
// narrow interface transceiver.Region uses to copy payloads to and from
// its shared-memory buffers; named distinctly from the Offset/Length/
// Data/IoctlCmd/IoctlArg fields above since a type cannot have both a
// field and a method of the same name.
func (r *Request) PayloadOffset() int64     { return r.Offset }
func (r *Request) PayloadLength() uint32    { return r.Length }
func (r *Request) PayloadBytes() []byte     { return r.Data }
func (r *Request) IoctlCommand() uint32     { return r.IoctlCmd }
func (r *Request) IoctlArgBytes() []byte    { return r.IoctlArg }
func (r *Request) SetIoctlReply(out []byte) { r.IoctlOut = out }

// Complete implements slot.Ref; called by the inverter exactly once, when
// the slot returns to Free.
func (r *Request) Complete(negErrno, negErrnoIOCTL int32) {
	r.done <- Result{Errno: negErrno, ErrnoIOCTL: negErrnoIOCTL}
}

// Wait blocks until the request has been completed.
func (r *Request) Wait() Result {
	return <-r.done
}

// Done exposes the completion channel directly so a caller can select on
// it alongside a context's Done channel instead of blocking in Wait.
func (r *Request) Done() <-chan Result {
	return r.done
}

// Pool runs a fixed number of consumer goroutines against one inverter,
// analogous to the teacher running one Runner per queue except BDUS
// shares a single slot table rather than partitioning by hardware queue.
type Pool struct {
	inv     *inverter.Inverter
	backend Backend
	metrics *metrics.Metrics
	size    int
	region  *transceiver.Region

	wg sync.WaitGroup
}

// New creates a worker pool of the given size against inv, dispatching
// to backend. metrics may be nil.
func New(inv *inverter.Inverter, backend Backend, m *metrics.Metrics, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{inv: inv, backend: backend, metrics: m, size: size}
}

// BindRegion attaches a shared-memory transceiver region to the pool.
// Once bound, every consumer goroutine drains the inverter through the
// region's ReceiveItem/SendReply round trip instead of calling the
// inverter directly, the path a device attached to a real kernel module
// takes (see bdus.CreateAndServe).
func (p *Pool) BindRegion(r *transceiver.Region) {
	p.region = r
}

// Run starts the pool's consumer goroutines; they exit once ctx is
// canceled or they receive a Terminate item, which the inverter hands
// out when it is terminated or deactivated. Run returns
// immediately; call Wait to block until every goroutine has exited.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i+1)
	}
}

// Wait blocks until every consumer goroutine started by Run has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// loop drains the inverter for one consumer goroutine. workerSlot is
// this goroutine's 1-based index, used as its dedicated record index
// when the pool is bound to a transceiver region.
func (p *Pool) loop(ctx context.Context, workerSlot int) {
	defer p.wg.Done()
	if p.region != nil {
		p.transceiverLoop(ctx, workerSlot)
		return
	}
	for {
		it, err := p.inv.BeginGet(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			continue
		}

		if it.Type == item.Terminate {
			p.inv.CommitGet(it)
			return
		}

		p.service(it)
	}
}

// transceiverLoop drains the inverter through p.region's shared-memory
// round trip instead of calling it directly: each pass receives an item
// into recordIndex's record, dispatches the backend against the
// record's staged payload buffer, writes the result back into the
// record, and sends the reply.
func (p *Pool) transceiverLoop(ctx context.Context, recordIndex int) {
	for {
		if err := p.region.ReceiveItem(ctx, recordIndex); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			continue
		}

		rec := p.region.Record(uint16(recordIndex))
		t := item.Type(rec.ItemType())

		if t == item.Terminate {
			return
		}
		if t.IsSynthetic() {
			if t == item.FlushAndTerminate {
				_ = p.backend.Flush()
			}
			continue
		}

		start := time.Now()
		buf := p.region.Buffer(uint64(recordIndex - 1))
		negErrno, negErrnoIOCTL := p.dispatchRecord(t, rec, buf)

		if t.IsIOCTL() {
			rec.SetReplyError(negErrnoIOCTL)
		} else {
			rec.SetReplyError(negErrno)
		}

		if err := p.region.SendReply(recordIndex); err != nil {
			continue
		}

		if p.metrics != nil {
			p.metrics.RecordCompletion(t, uint64(time.Since(start).Nanoseconds()), negErrno == 0 && negErrnoIOCTL == 0)
		}
	}
}

// dispatchRecord adapts one transceiver-resident record and its staged
// payload buffer into a throwaway Request and reuses dispatch, so the
// in-process and shared-memory data planes share one backend-call path;
// only the direction-aware ioctl buffer write-back is specific to the
// shared-memory form.
func (p *Pool) dispatchRecord(t item.Type, rec *wire.Record, buf []byte) (negErrno, negErrnoIOCTL int32) {
	req := &Request{Offset: int64(rec.ItemArg64())}

	if t == item.IOCTL {
		req.IoctlCmd = rec.ItemArg32()
		req.IoctlArg = buf
	} else {
		length := rec.ItemArg32()
		if int(length) > len(buf) {
			length = uint32(len(buf))
		}
		req.Length = length
		req.Data = buf[:length]
	}

	negErrno, negErrnoIOCTL = p.dispatch(t, req)

	if t == item.IOCTL && req.IoctlOut != nil {
		if _, write := transceiver.DecodeIoctlDirection(req.IoctlCmd); write {
			copy(buf, req.IoctlOut)
		}
	}
	return negErrno, negErrnoIOCTL
}

// service dispatches one item (synthetic or real) to the backend and
// drives it through get-commit and completion.
func (p *Pool) service(it *inverter.Item) {
	start := time.Now()

	if it.Type.IsSynthetic() {
		if it.Type == item.FlushAndTerminate {
			_ = p.backend.Flush()
		}
		p.inv.CommitGet(it)
		return
	}

	p.inv.CommitGet(it)

	req, _ := it.Ref().(*Request)
	negErrno, negErrnoIOCTL := p.dispatch(it.Type, req)

	ci, err := p.inv.BeginCompletion(it.HandleIndex, it.HandleSeqnum)
	if err != nil {
		return
	}
	p.inv.CommitCompletion(ci, negErrno, negErrnoIOCTL)

	if p.metrics != nil {
		p.metrics.RecordCompletion(it.Type, uint64(time.Since(start).Nanoseconds()), negErrno == 0)
	}
}

// dispatch calls the backend method matching t and converts its error
// into the two negative-errno completion channels CommitCompletion
// expects, ENOSYS covering backends that didn't implement an extension
// interface Submit should have rejected already.
func (p *Pool) dispatch(t item.Type, req *Request) (negErrno, negErrnoIOCTL int32) {
	switch t {
	case item.Read:
		n, err := p.backend.ReadAt(req.Data, req.Offset)
		req.Data = req.Data[:n]
		return errnoOf(err), 0

	case item.Write, item.FUAWrite:
		if t == item.FUAWrite {
			if b, ok := p.backend.(FUAWriteBackend); ok {
				_, err := b.WriteAtFUA(req.Data, req.Offset)
				return errnoOf(err), 0
			}
		}
		_, err := p.backend.WriteAt(req.Data, req.Offset)
		return errnoOf(err), 0

	case item.WriteSame:
		if b, ok := p.backend.(WriteSameBackend); ok {
			err := b.WriteSame(req.Data, req.Offset, int64(req.Length))
			return errnoOf(err), 0
		}
		return errnoENOSYS(), 0

	case item.WriteZerosNoUnmap, item.WriteZerosMayUnmap:
		if b, ok := p.backend.(WriteZeroesBackend); ok {
			err := b.WriteZeroes(req.Offset, int64(req.Length), t == item.WriteZerosMayUnmap)
			return errnoOf(err), 0
		}
		return errnoENOSYS(), 0

	case item.Flush:
		return errnoOf(p.backend.Flush()), 0

	case item.Discard:
		if b, ok := p.backend.(DiscardBackend); ok {
			err := b.Discard(req.Offset, int64(req.Length))
			return errnoOf(err), 0
		}
		return errnoENOSYS(), 0

	case item.SecureErase:
		if b, ok := p.backend.(SecureEraseBackend); ok {
			err := b.SecureErase(req.Offset, int64(req.Length))
			return errnoOf(err), 0
		}
		return errnoENOSYS(), 0

	case item.IOCTL:
		if b, ok := p.backend.(IOCTLBackend); ok {
			out, err := b.Ioctl(req.IoctlCmd, req.IoctlArg)
			req.IoctlOut = out
			return 0, errnoOf(err)
		}
		return 0, errnoENOSYS()

	default:
		return errnoENOSYS(), errnoENOSYS()
	}
}

func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	var be *bduserr.Error
	if errors.As(err, &be) && be.Errno != 0 {
		return int32(-be.Errno)
	}
	return int32(-syscall.EIO)
}

func errnoENOSYS() int32 { return int32(-syscall.ENOSYS) }
