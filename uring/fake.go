package uring

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Handler lets a Fake complete requests it has no built-in behaviour
// for. Returning ok completes the request with res; otherwise the
// request stays pending.
type Handler func(sqe *SQE) (res int32, ok bool)

// WithHandler installs h on a Fake.
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithSyscalls makes a Fake carry out READ, WRITE, RECV, SEND, CLOSE
// and the fixed buffer variants against real descriptors, each on its
// own goroutine.
func WithSyscalls() Option {
	return func(o *options) {
		o.syscalls = true
	}
}

// Ring memory layout used by the Fake. The control words sit at the
// front of each ring and the entry arrays start on the next cache line.
const (
	fakeHead    = 0
	fakeTail    = 4
	fakeMask    = 8
	fakeEntries = 12
	fakeWord4   = 16
	fakeWord5   = 20
	fakeArray   = 64
)

const fakePollMillis = 5

type fakeOp struct {
	sqe     SQE
	timer   *time.Timer
	running bool
}

// Fake is an in-process stand-in for the kernel side of a ring. It
// consumes submissions and posts completions through the same shared
// memory layout a kernel ring uses, so a Ring driven by a Fake runs the
// exact code paths it runs against the kernel.
//
// NOP, TIMEOUT, TIMEOUT_REMOVE and ASYNC_CANCEL are built in. TIMEOUT
// honours only its timer, never its completion count. Anything else
// stays pending until Complete is called, unless a Handler or
// WithSyscalls takes care of it. Completions that do not fit in the
// completion ring are held back and posted as space frees up.
type Fake struct {
	mu        sync.Mutex
	cond      *sync.Cond
	sq        submissionQueue
	cq        completionQueue
	pending   []*fakeOp
	backlog   []CQE
	submitted []SQE
	buffers   int
	handler   Handler
	syscalls  bool
	closed    atomic.Bool
}

// NewFake returns a Ring driven by a new Fake. It accepts the same
// options as New; WithHandler and WithSyscalls only apply to fakes.
func NewFake(entries uint32, opts ...Option) (*Ring, *Fake) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sqEntries := roundEntries(entries)
	cqEntries := 2 * sqEntries
	if o.flags&SetupCQSize != 0 {
		cqEntries = max(roundEntries(o.cqEntries), sqEntries)
	}

	sqMem := fakeMem(fakeArray + 4*int(sqEntries))
	cqMem := fakeMem(fakeArray + cqeSize*int(cqEntries))
	sqeMem := fakeMem(sqeSize * int(sqEntries))

	*word(sqMem, fakeMask) = sqEntries - 1
	*word(sqMem, fakeEntries) = sqEntries
	*word(cqMem, fakeMask) = cqEntries - 1
	*word(cqMem, fakeEntries) = cqEntries

	p := params{
		SQEntries: sqEntries,
		CQEntries: cqEntries,
		Flags:     o.flags,
		Features:  FeatNoDrop | FeatRWCurPos | FeatFastPoll,
		SQOff: sqRingOffsets{
			Head:        fakeHead,
			Tail:        fakeTail,
			RingMask:    fakeMask,
			RingEntries: fakeEntries,
			Flags:       fakeWord4,
			Dropped:     fakeWord5,
			Array:       fakeArray,
		},
		CQOff: cqRingOffsets{
			Head:        fakeHead,
			Tail:        fakeTail,
			RingMask:    fakeMask,
			RingEntries: fakeEntries,
			Overflow:    fakeWord4,
			Flags:       fakeWord5,
			Cqes:        fakeArray,
		},
	}

	f := &Fake{
		handler:  o.handler,
		syscalls: o.syscalls,
	}
	f.cond = sync.NewCond(&f.mu)

	r := newRing(&p, sqMem, cqMem, sqeMem, f)
	f.sq = r.sq
	f.cq = r.cq

	// A fake SQPOLL thread is always asleep, so every flush enters.
	if o.flags&SetupSQPoll != 0 {
		atomic.StoreUint32(f.sq.flags, sqNeedWakeup)
	}

	return r, f
}

// fakeMem allocates n bytes aligned for 64-bit access.
func fakeMem(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// Submitted returns a copy of every request consumed so far, in
// consumption order.
func (f *Fake) Submitted() []SQE {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.submitted)
}

// Pending reports how many consumed requests have not completed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Complete posts res as the completion of the pending request tagged
// userData. It reports false when no such request is pending. It may be
// called from any goroutine.
func (f *Fake) Complete(userData uint64, res int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	op := f.take(userData, nil)
	if op == nil {
		return false
	}
	f.post(userData, res, 0)
	return true
}

// Post publishes a completion that belongs to no pending request, the
// way a multishot request posts intermediate completions.
func (f *Fake) Post(userData uint64, res int32, flags uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.post(userData, res, flags)
}

// Close stops every timer and emulated request. Nothing is posted after
// Close returns.
func (f *Fake) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.pending {
		if op.timer != nil {
			op.timer.Stop()
		}
	}
	f.pending = nil
	f.backlog = nil
	f.cond.Broadcast()
	return nil
}

func (f *Fake) close() error {
	return f.Close()
}

func (f *Fake) register(opcode uint32, _ unsafe.Pointer, n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch opcode {
	case registerBuffers:
		if f.buffers > 0 {
			return unix.EBUSY
		}
		f.buffers = int(n)
	case unregisterBuffers:
		if f.buffers == 0 {
			return unix.ENXIO
		}
		f.buffers = 0
	default:
		return unix.EINVAL
	}
	return nil
}

func (f *Fake) enter(toSubmit, minComplete, flags uint32) (int, error) {
	if f.closed.Load() {
		return 0, unix.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.flushBacklog()

	n := 0
	head := atomic.LoadUint32(f.sq.head)
	tail := atomic.LoadUint32(f.sq.tail)
	for ; head != tail && uint32(n) < toSubmit; head++ {
		idx := f.sq.array[head&f.sq.mask]
		sqe := f.sq.sqes[idx&f.sq.mask]
		atomic.StoreUint32(f.sq.head, head+1)
		f.submitted = append(f.submitted, sqe)
		f.consume(sqe)
		n++
	}

	if flags&EnterGetEvents != 0 {
		for !f.closed.Load() && f.ready() < minComplete {
			f.cond.Wait()
			f.flushBacklog()
		}
		if f.closed.Load() {
			return n, unix.EBADF
		}
	}

	return n, nil
}

func (f *Fake) consume(sqe SQE) {
	switch sqe.Opcode {
	case OpNop:
		f.post(sqe.UserData, 0, 0)
	case OpTimeout:
		f.timeout(sqe)
	case OpTimeoutRemove:
		op := f.take(sqe.Addr, func(op *fakeOp) bool { return op.timer != nil })
		if op == nil {
			f.post(sqe.UserData, -int32(unix.ENOENT), 0)
			return
		}
		op.timer.Stop()
		f.post(op.sqe.UserData, -int32(unix.ECANCELED), 0)
		f.post(sqe.UserData, 0, 0)
	case OpAsyncCancel:
		f.cancel(sqe)
	default:
		if f.handler != nil {
			if res, ok := f.handler(&sqe); ok {
				f.post(sqe.UserData, res, 0)
				return
			}
		}
		if f.syscalls && f.emulate(sqe) {
			return
		}
		f.pending = append(f.pending, &fakeOp{sqe: sqe})
	}
}

func (f *Fake) timeout(sqe SQE) {
	if sqe.Addr == 0 || sqe.Len != 1 {
		f.post(sqe.UserData, -int32(unix.EINVAL), 0)
		return
	}
	ts := *(*Timespec)(unsafe.Pointer(uintptr(sqe.Addr)))
	d := ts.Duration()
	if sqe.OpFlags&TimeoutAbs != 0 {
		var now unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &now); err == nil {
			d -= time.Duration(now.Nano())
		}
	}

	op := &fakeOp{sqe: sqe}
	f.pending = append(f.pending, op)
	op.timer = time.AfterFunc(max(d, 0), func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed.Load() || f.take(sqe.UserData, func(o *fakeOp) bool { return o == op }) == nil {
			return
		}
		f.post(sqe.UserData, -int32(unix.ETIME), 0)
	})
}

func (f *Fake) cancel(sqe SQE) {
	i := slices.IndexFunc(f.pending, func(op *fakeOp) bool { return op.sqe.UserData == sqe.Addr })
	if i < 0 {
		f.post(sqe.UserData, -int32(unix.ENOENT), 0)
		return
	}
	op := f.pending[i]
	if op.running {
		f.post(sqe.UserData, -int32(unix.EALREADY), 0)
		return
	}
	f.pending = slices.Delete(f.pending, i, i+1)
	if op.timer != nil {
		op.timer.Stop()
	}
	f.post(op.sqe.UserData, -int32(unix.ECANCELED), 0)
	f.post(sqe.UserData, 0, 0)
}

// take removes and returns the first pending request tagged userData
// that also satisfies match, if any.
func (f *Fake) take(userData uint64, match func(*fakeOp) bool) *fakeOp {
	i := slices.IndexFunc(f.pending, func(op *fakeOp) bool {
		return op.sqe.UserData == userData && (match == nil || match(op))
	})
	if i < 0 {
		return nil
	}
	op := f.pending[i]
	f.pending = slices.Delete(f.pending, i, i+1)
	return op
}

func (f *Fake) ready() uint32 {
	return atomic.LoadUint32(f.cq.tail) - atomic.LoadUint32(f.cq.head)
}

func (f *Fake) post(userData uint64, res int32, flags uint32) {
	cqe := CQE{UserData: userData, Res: res, Flags: flags}
	if len(f.backlog) > 0 || f.ready() >= f.cq.size {
		f.backlog = append(f.backlog, cqe)
		atomic.StoreUint32(f.sq.flags, atomic.LoadUint32(f.sq.flags)|sqCQOverflow)
		f.cond.Broadcast()
		return
	}
	f.write(cqe)
}

func (f *Fake) write(cqe CQE) {
	tail := atomic.LoadUint32(f.cq.tail)
	f.cq.cqes[tail&f.cq.mask] = cqe
	atomic.StoreUint32(f.cq.tail, tail+1)
	f.cond.Broadcast()
}

func (f *Fake) flushBacklog() {
	for len(f.backlog) > 0 && f.ready() < f.cq.size {
		f.write(f.backlog[0])
		f.backlog = f.backlog[1:]
	}
	if len(f.backlog) == 0 {
		atomic.StoreUint32(f.sq.flags, atomic.LoadUint32(f.sq.flags)&^sqCQOverflow)
	}
}

// emulate starts a goroutine that performs sqe as a plain syscall once
// its descriptor is ready. It reports false for opcodes it cannot
// emulate.
func (f *Fake) emulate(sqe SQE) bool {
	var (
		events int16
		do     func(buf []byte) (int, error)
	)

	fd := int(sqe.Fd)

	switch sqe.Opcode {
	case OpRead, OpReadFixed:
		events = unix.POLLIN
		do = func(b []byte) (int, error) {
			if sqe.Off == CurrentPos {
				return unix.Read(fd, b)
			}
			return unix.Pread(fd, b, int64(sqe.Off))
		}
	case OpWrite, OpWriteFixed:
		events = unix.POLLOUT
		do = func(b []byte) (int, error) {
			if sqe.Off == CurrentPos {
				return unix.Write(fd, b)
			}
			return unix.Pwrite(fd, b, int64(sqe.Off))
		}
	case OpRecv:
		events = unix.POLLIN
		do = func(b []byte) (int, error) {
			n, _, err := unix.Recvfrom(fd, b, int(sqe.OpFlags)|unix.MSG_DONTWAIT)
			return n, err
		}
	case OpSend:
		events = unix.POLLOUT
		do = func(b []byte) (int, error) {
			return unix.SendmsgN(fd, b, nil, nil, int(sqe.OpFlags)|unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		}
	case OpClose:
		f.post(sqe.UserData, errnoResult(0, unix.Close(fd)), 0)
		return true
	default:
		return false
	}

	if (sqe.Opcode == OpReadFixed || sqe.Opcode == OpWriteFixed) && int(sqe.BufIndex) >= f.buffers {
		f.post(sqe.UserData, -int32(unix.EFAULT), 0)
		return true
	}
	if sqe.Addr == 0 && sqe.Len > 0 {
		f.post(sqe.UserData, -int32(unix.EFAULT), 0)
		return true
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(sqe.Addr))), sqe.Len)
	op := &fakeOp{sqe: sqe}
	f.pending = append(f.pending, op)

	go f.run(op, fd, events, func() (int, error) { return do(buf) })
	return true
}

func (f *Fake) run(op *fakeOp, fd int, events int16, do func() (int, error)) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for !f.closed.Load() {
		fds[0].Revents = 0
		n, err := unix.Poll(fds, fakePollMillis)
		if errors.Is(err, unix.EINTR) || (err == nil && n == 0) {
			if !f.stillPending(op) {
				return
			}
			continue
		}

		f.mu.Lock()
		if !slices.Contains(f.pending, op) {
			f.mu.Unlock()
			return
		}
		if err != nil {
			f.take(op.sqe.UserData, func(o *fakeOp) bool { return o == op })
			f.post(op.sqe.UserData, errnoResult(0, err), 0)
			f.mu.Unlock()
			return
		}
		op.running = true
		f.mu.Unlock()

		res, err := do()

		f.mu.Lock()
		if errors.Is(err, unix.EAGAIN) {
			op.running = false
			f.mu.Unlock()
			continue
		}
		if f.take(op.sqe.UserData, func(o *fakeOp) bool { return o == op }) != nil {
			f.post(op.sqe.UserData, errnoResult(res, err), 0)
		}
		f.mu.Unlock()
		return
	}
}

func (f *Fake) stillPending(op *fakeOp) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.pending, op)
}

func errnoResult(n int, err error) int32 {
	if err == nil {
		return int32(n)
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
