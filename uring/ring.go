package uring

import (
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// system is the kernel side of a ring: the real io_uring syscalls, or
// the in-process Fake.
type system interface {
	enter(toSubmit, minComplete, flags uint32) (int, error)
	register(opcode uint32, arg unsafe.Pointer, n uint32) error
	close() error
}

type submissionQueue struct {
	head    *uint32
	tail    *uint32
	flags   *uint32
	dropped *uint32
	mask    uint32
	size    uint32
	array   []uint32
	sqes    []SQE

	// local is the tail as written by SubmitOne; the shared tail only
	// catches up on Flush.
	local uint32
}

type completionQueue struct {
	head     *uint32
	tail     *uint32
	overflow *uint32
	mask     uint32
	size     uint32
	cqes     []CQE
}

// Ring is one io_uring instance: a submission ring, a completion ring
// and the fixed buffer table registered with it.
type Ring struct {
	sys      system
	sq       submissionQueue
	cq       completionQueue
	flags    uint32
	features uint32
	inflight int
	buffers  [][]byte
	iovecs   []iovec
	err      error
}

// word returns a pointer to the 32-bit ring field at off, refusing
// offsets outside the mapping.
func word(mem []byte, off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(mem) {
		panic(fmt.Sprintf("uring: ring field offset %d outside %d byte mapping", off, len(mem)))
	}
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// view returns n elements of T starting at off, refusing views that
// run past the mapping.
func view[T any](mem []byte, off uint32, n uint32) []T {
	var zero T
	need := uintptr(off) + uintptr(n)*unsafe.Sizeof(zero)
	if n == 0 || need > uintptr(len(mem)) {
		panic(fmt.Sprintf("uring: ring view [%d:%d] outside %d byte mapping", off, need, len(mem)))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&mem[off])), n)
}

func newRing(p *params, sqMem, cqMem, sqeMem []byte, sys system) *Ring {
	r := &Ring{
		sys:      sys,
		flags:    p.Flags,
		features: p.Features,
	}

	r.sq.head = word(sqMem, p.SQOff.Head)
	r.sq.tail = word(sqMem, p.SQOff.Tail)
	r.sq.flags = word(sqMem, p.SQOff.Flags)
	r.sq.dropped = word(sqMem, p.SQOff.Dropped)
	r.sq.mask = *word(sqMem, p.SQOff.RingMask)
	r.sq.size = *word(sqMem, p.SQOff.RingEntries)
	r.sq.array = view[uint32](sqMem, p.SQOff.Array, r.sq.size)
	r.sq.sqes = view[SQE](sqeMem, 0, r.sq.size)
	r.sq.local = atomic.LoadUint32(r.sq.tail)

	r.cq.head = word(cqMem, p.CQOff.Head)
	r.cq.tail = word(cqMem, p.CQOff.Tail)
	r.cq.overflow = word(cqMem, p.CQOff.Overflow)
	r.cq.mask = *word(cqMem, p.CQOff.RingMask)
	r.cq.size = *word(cqMem, p.CQOff.RingEntries)
	r.cq.cqes = view[CQE](cqMem, p.CQOff.Cqes, r.cq.size)

	return r
}

// Entries reports the submission ring capacity.
func (r *Ring) Entries() int {
	return int(r.sq.size)
}

// CQEntries reports the completion ring capacity.
func (r *Ring) CQEntries() int {
	return int(r.cq.size)
}

// Features reports the IORING_FEAT_* bits the kernel granted.
func (r *Ring) Features() uint32 {
	return r.features
}

// Pending reports how many written requests the kernel has not consumed
// yet, flushed or not.
func (r *Ring) Pending() int {
	return int(r.sq.local - atomic.LoadUint32(r.sq.head))
}

// Unflushed reports how many requests were written since the last
// Flush.
func (r *Ring) Unflushed() int {
	return int(r.sq.local - atomic.LoadUint32(r.sq.tail))
}

// Free reports how many submission slots are available right now.
func (r *Ring) Free() int {
	return int(r.sq.size) - r.Pending()
}

// Inflight reports how many accepted requests have not produced their
// final completion.
func (r *Ring) Inflight() int {
	return r.inflight
}

// Ready reports how many completions are waiting to be drained.
func (r *Ring) Ready() int {
	return int(atomic.LoadUint32(r.cq.tail) - atomic.LoadUint32(r.cq.head))
}

// Err returns the error that made the ring unusable, if any.
func (r *Ring) Err() error {
	return r.err
}

func (r *Ring) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

// SubmitOne writes one request into the next free submission slot. The
// build function fills the zeroed entry and must not retain it. The
// request is not visible to the kernel until the next Flush.
//
// It fails with ErrSubmissionQueueFull when the ring is full; the ring
// never grows and SubmitOne never blocks.
func (r *Ring) SubmitOne(build func(*SQE)) error {
	if r.err != nil {
		return r.err
	}

	head := atomic.LoadUint32(r.sq.head)
	if r.sq.local-head >= r.sq.size {
		return ErrSubmissionQueueFull
	}

	idx := r.sq.local & r.sq.mask
	sqe := &r.sq.sqes[idx]
	*sqe = SQE{}
	build(sqe)

	if sqe.Opcode >= opLast {
		op := sqe.Opcode
		*sqe = SQE{}
		return r.fail(fmt.Errorf("%w: unsupported opcode %d", ErrEngineFatal, op))
	}

	r.sq.array[idx] = idx
	r.sq.local++
	r.inflight++
	return nil
}

// Flush publishes every request written since the last call and makes
// one io_uring_enter call. With minComplete above zero it also waits
// until at least that many completions are ready or the wait is
// interrupted. It reports how many requests the kernel consumed.
func (r *Ring) Flush(minComplete uint32) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	toSubmit := r.sq.local - atomic.LoadUint32(r.sq.tail)
	if toSubmit > 0 {
		atomic.StoreUint32(r.sq.tail, r.sq.local)
	}

	var flags uint32
	if minComplete > 0 {
		flags |= EnterGetEvents
	}

	if r.flags&SetupSQPoll != 0 {
		if atomic.LoadUint32(r.sq.flags)&sqNeedWakeup != 0 {
			flags |= EnterSQWakeup
		}
		if flags == 0 {
			return int(toSubmit), nil
		}
	} else if toSubmit == 0 && minComplete == 0 {
		return 0, nil
	}

	n, err := r.sys.enter(toSubmit, minComplete, flags)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EINTR),
		errors.Is(err, unix.EAGAIN),
		errors.Is(err, unix.EBUSY),
		errors.Is(err, unix.ETIME):
		return n, nil
	default:
		return n, r.fail(fmt.Errorf("%w: io_uring_enter: %w", ErrEngineFatal, err))
	}
}

// Completions returns the completions that are ready now. The sequence
// is finite: it stops at the completion tail observed when iteration
// starts and never waits. Each completion is consumed from the ring as
// it is yielded.
func (r *Ring) Completions() iter.Seq[CQE] {
	return func(yield func(CQE) bool) {
		head := atomic.LoadUint32(r.cq.head)
		tail := atomic.LoadUint32(r.cq.tail)
		for head != tail {
			cqe := r.cq.cqes[head&r.cq.mask]
			head++
			atomic.StoreUint32(r.cq.head, head)
			if cqe.Flags&CQEFMore == 0 {
				r.inflight--
			}
			if !yield(cqe) {
				return
			}
		}
	}
}

// RegisterBuffers registers bufs as the ring's fixed buffer table; a
// READ_FIXED or WRITE_FIXED request names one by index. The buffers
// must stay untouched by the allocator until UnregisterBuffers or
// Close.
func (r *Ring) RegisterBuffers(bufs [][]byte) error {
	if r.err != nil {
		return r.err
	}
	if len(bufs) == 0 {
		return nil
	}
	if r.buffers != nil {
		return errors.New("uring: fixed buffers already registered")
	}

	iovecs := make([]iovec, len(bufs))
	for i, b := range bufs {
		if len(b) == 0 {
			return fmt.Errorf("uring: fixed buffer %d is empty", i)
		}
		iovecs[i] = iovec{Base: &b[0], Len: uint64(len(b))}
	}

	err := r.sys.register(registerBuffers, unsafe.Pointer(&iovecs[0]), uint32(len(iovecs)))
	if err != nil {
		return fmt.Errorf("uring: register buffers: %w", err)
	}

	r.buffers = bufs
	r.iovecs = iovecs
	return nil
}

// UnregisterBuffers drops the fixed buffer table.
func (r *Ring) UnregisterBuffers() error {
	if r.buffers == nil {
		return nil
	}
	if err := r.sys.register(unregisterBuffers, nil, 0); err != nil {
		return fmt.Errorf("uring: unregister buffers: %w", err)
	}
	r.buffers = nil
	r.iovecs = nil
	return nil
}

// Buffer returns fixed buffer i.
func (r *Ring) Buffer(i int) ([]byte, bool) {
	if i < 0 || i >= len(r.buffers) {
		return nil, false
	}
	return r.buffers[i], true
}

// Close releases the ring. Requests still in flight are cancelled by
// the kernel; their buffers must outlive Close.
func (r *Ring) Close() error {
	if errors.Is(r.err, errRingClosed) {
		return nil
	}
	r.err = fmt.Errorf("%w: %w", ErrEngineFatal, errRingClosed)
	r.buffers = nil
	r.iovecs = nil
	return r.sys.close()
}

var errRingClosed = errors.New("ring closed")
