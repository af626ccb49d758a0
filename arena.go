package ringco

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"

	"github.com/gammazero/deque"
	"github.com/webriots/coro"
	"go.uber.org/zap"

	"github.com/webriots/ringco/uring"
)

// dispatcher is the type-erased view a loop has of an arena.
type dispatcher interface {
	kindName() string
	complete(h Handle, sub SubTag, res int32, flags uint32) error
	resumeRetry(h Handle) error
	resumeWith(h Handle, in Resume) error
	killAll()
	live() int
	abandon() int
	flushCancels() error
	memory() []byte
	setFixed(index int)
	close() error
}

type arenaOptions struct {
	alloc   Allocator
	logger  *zap.Logger
	metrics *Metrics
}

// ArenaOption configures an arena.
type ArenaOption func(*arenaOptions)

// WithAllocator selects where arena memory comes from. The default is
// HeapAllocator.
func WithAllocator(alloc Allocator) ArenaOption {
	return func(o *arenaOptions) {
		o.alloc = alloc
	}
}

// WithArenaLogger sets the arena's logger.
func WithArenaLogger(logger *zap.Logger) ArenaOption {
	return func(o *arenaOptions) {
		o.logger = logger
	}
}

// WithArenaMetrics makes the arena report to m.
func WithArenaMetrics(m *Metrics) ArenaOption {
	return func(o *arenaOptions) {
		o.metrics = m
	}
}

type slot[Y, T any] struct {
	instance
	gen    uint16
	co     *Co[Y]
	resume func(Resume) (Y, bool)
	abort  func()
	task   *trace.Task
	out    T
	block  []byte
}

// Arena holds every instance of one kind on one loop: a fixed table of
// slots, each with its own memory block, and the free list feeding
// Start. Free slots are handed out in the order they were released.
//
// An Arena is owned by the goroutine driving its ring and is not safe
// for concurrent use.
type Arena[S, Y, T any] struct {
	id       KindID
	kind     Kind[S, Y, T]
	orphan   OrphanHandler
	name     string
	traits   Traits
	ring     *uring.Ring
	slots    []slot[Y, T]
	free     deque.Deque[uint32]
	nlive    int
	mem      []byte
	alloc    Allocator
	fixed    int
	draining bool
	retry    *retryQueue
	cancels  deque.Deque[UserData]
	done     func(Handle, T)
	logger   *zap.Logger
	metrics  *Metrics
}

// NewArena reserves capacity slots and their memory blocks for kind,
// submitting through ring under the given kind id. An allocation failure
// is returned as an *ExhaustedError.
func NewArena[S, Y, T any](
	ring *uring.Ring,
	id KindID,
	kind Kind[S, Y, T],
	capacity int,
	opts ...ArenaOption,
) (*Arena[S, Y, T], error) {
	o := arenaOptions{
		alloc:  HeapAllocator{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if id == internalKind {
		return nil, fmt.Errorf("ringco: kind id %d is reserved", internalKind)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("ringco: arena %s: capacity %d", kind.Name(), capacity)
	}

	traits := kind.Traits()
	if traits.BlockSize < 0 {
		return nil, fmt.Errorf("ringco: arena %s: block size %d", kind.Name(), traits.BlockSize)
	}

	a := &Arena[S, Y, T]{
		id:      id,
		kind:    kind,
		name:    kind.Name(),
		traits:  traits,
		ring:    ring,
		slots:   make([]slot[Y, T], capacity),
		alloc:   o.alloc,
		fixed:   -1,
		logger:  o.logger.With(zap.String("kind", kind.Name())),
		metrics: o.metrics,
	}
	a.orphan, _ = any(kind).(OrphanHandler)

	if n := capacity * traits.BlockSize; n > 0 {
		mem, err := o.alloc.Alloc(n)
		if err != nil {
			return nil, &ExhaustedError{Kind: a.name, Capacity: capacity, Bytes: n, Err: err}
		}
		a.mem = mem
		for i := range a.slots {
			lo, hi := i*traits.BlockSize, (i+1)*traits.BlockSize
			a.slots[i].block = mem[lo:hi:hi]
		}
	}

	for i := range a.slots {
		a.free.PushBack(uint32(i))
	}

	return a, nil
}

// Name returns the kind's name.
func (a *Arena[S, Y, T]) Name() string {
	return a.name
}

// ID returns the kind id the arena tags its requests with.
func (a *Arena[S, Y, T]) ID() KindID {
	return a.id
}

// Cap returns the number of slots.
func (a *Arena[S, Y, T]) Cap() int {
	return len(a.slots)
}

// Live returns the number of instances that have not been reclaimed or
// retired, including ended instances still waiting for completions.
func (a *Arena[S, Y, T]) Live() int {
	return a.nlive
}

// Draining reports whether the arena refuses new long-lived instances.
func (a *Arena[S, Y, T]) Draining() bool {
	return a.draining
}

// Blocks returns every slot's memory block, in slot order.
func (a *Arena[S, Y, T]) Blocks() [][]byte {
	blocks := make([][]byte, len(a.slots))
	for i := range a.slots {
		blocks[i] = a.slots[i].block
	}
	return blocks
}

// OnDone registers fn to receive the terminal output of every instance
// as it ends, including instances that end inside Start or Resume.
func (a *Arena[S, Y, T]) OnDone(fn func(Handle, T)) {
	a.done = fn
}

// Start claims a free slot and runs a new instance on it until it first
// suspends or ends. It fails with an *ExhaustedError when every slot is
// taken and with ErrDraining for a long-lived kind on a draining loop.
func (a *Arena[S, Y, T]) Start(s S) (Outcome[Y, T], error) {
	if a.draining && a.traits.LongLived {
		return Outcome[Y, T]{}, ErrDraining
	}
	if a.free.Len() == 0 {
		a.metrics.exhaustedInc(a.name)
		return Outcome[Y, T]{}, &ExhaustedError{Kind: a.name, Capacity: len(a.slots)}
	}

	idx := a.free.PopFront()
	sl := &a.slots[idx]
	h := Handle{Index: idx, Gen: sl.gen}
	sl.instance = instance{state: StateRunning}

	ctx, task := trace.NewTask(context.Background(), taskTraceTaskType)
	ctx = withInstance(ctx, Instance{Kind: a.id, Name: a.name, Handle: h})
	ctx, cancel := context.WithCancelCause(ctx)

	co := &Co[Y]{
		ctx:     ctx,
		cancel:  cancel,
		inst:    &sl.instance,
		ring:    a.ring,
		kind:    a.id,
		name:    a.name,
		handle:  h,
		block:   sl.block,
		fixed:   a.fixed,
		logger:  a.logger.With(zap.Stringer("handle", h)),
		metrics: a.metrics,
	}

	sl.co = co
	sl.task = task
	sl.resume, sl.abort = coro.New(
		func(yield func(Y) Resume, _ func() Resume) (z Y) {
			region := trace.StartRegion(ctx, taskTraceRegionType)
			defer region.End()

			co.yield = yield
			sl.out = a.kind.Run(ctx, co, s)

			return
		},
	)

	a.nlive++
	a.metrics.startedInc(a.name)
	co.Log("START")

	return a.step(idx, Resume{})
}

// Resume drives the suspended instance h with in. It fails with
// ErrStaleHandle when h no longer names a live instance, with
// ErrNotSuspended when the instance is not parked and with ErrBadResume
// when in does not fit the suspension. A result for a request in flight
// is accounted like a routed completion. Any other result is a message
// and only reaches an instance with nothing in flight. A result for an
// instance parked on a full ring is queued for its next Suspend.
func (a *Arena[S, Y, T]) Resume(h Handle, in Resume) (Outcome[Y, T], error) {
	sl, err := a.lookup(h)
	if err != nil {
		return Outcome[Y, T]{}, err
	}
	if !sl.state.Suspended() {
		return Outcome[Y, T]{}, fmt.Errorf("%w: %s %v is %v", ErrNotSuspended, a.name, h, sl.state)
	}

	switch in.Op {
	case ResumeKill:
	case ResumeRetry:
		if sl.state != StateRetry {
			return Outcome[Y, T]{}, fmt.Errorf("%w: %s %v: retry while %v", ErrBadResume, a.name, h, sl.state)
		}
	case ResumeResult:
		switch {
		case sl.inFlight(in.Result.Sub):
			a.account(sl, in.Result)
		case sl.outstanding > 0:
			return Outcome[Y, T]{}, fmt.Errorf("%w: %s %v: result %d not in flight", ErrBadResume, a.name, h, in.Result.Sub)
		}
		if sl.state == StateRetry {
			sl.inbox.PushBack(in.Result)
			return Outcome[Y, T]{Handle: h, State: sl.state, Yield: sl.co.waiting}, nil
		}
	default:
		return Outcome[Y, T]{}, fmt.Errorf("%w: %s %v: %v", ErrBadResume, a.name, h, in.Op)
	}
	return a.step(h.Index, in)
}

// Kill resumes h with ResumeKill. Requests the instance leaves behind
// are cancelled.
func (a *Arena[S, Y, T]) Kill(h Handle) (Outcome[Y, T], error) {
	return a.Resume(h, Resume{Op: ResumeKill})
}

// Recycle returns the retired slot of a finished long-lived instance to
// the free list.
func (a *Arena[S, Y, T]) Recycle(h Handle) error {
	sl, err := a.lookup(h)
	if err != nil {
		return err
	}
	if sl.state != StateRetired {
		return fmt.Errorf("ringco: recycle %s %v: slot is %v", a.name, h, sl.state)
	}
	a.reclaim(h.Index)
	return nil
}

// Waiting returns what the suspended instance h is waiting on.
func (a *Arena[S, Y, T]) Waiting(h Handle) (Y, bool) {
	sl, err := a.lookup(h)
	if err != nil || !sl.state.Suspended() {
		var zero Y
		return zero, false
	}
	return sl.co.waiting, true
}

// State returns the state of h, or StateFree when h is stale.
func (a *Arena[S, Y, T]) State(h Handle) State {
	sl, err := a.lookup(h)
	if err != nil {
		return StateFree
	}
	return sl.state
}

func (a *Arena[S, Y, T]) lookup(h Handle) (*slot[Y, T], error) {
	if int64(h.Index) >= int64(len(a.slots)) {
		return nil, fmt.Errorf("%w: %s %v", ErrStaleHandle, a.name, h)
	}
	sl := &a.slots[h.Index]
	if sl.gen != h.Gen || sl.state == StateFree {
		return nil, fmt.Errorf("%w: %s %v", ErrStaleHandle, a.name, h)
	}
	return sl, nil
}

func (a *Arena[S, Y, T]) step(idx uint32, in Resume) (Outcome[Y, T], error) {
	sl := &a.slots[idx]
	h := Handle{Index: idx, Gen: sl.gen}

	sl.state = StateRunning
	y, ok := sl.resume(in)
	if ok {
		if sl.state == StateRetry && a.retry != nil {
			a.retry.push(a, h)
		}
		return Outcome[Y, T]{Handle: h, State: sl.state, Yield: y}, nil
	}

	out := sl.out
	var zero T
	sl.out = zero

	st := a.finish(idx)
	if a.done != nil {
		a.done(h, out)
	}
	return Outcome[Y, T]{Handle: h, State: st, Done: true, Output: out}, nil
}

func (a *Arena[S, Y, T]) finish(idx uint32) State {
	sl := &a.slots[idx]

	sl.co.Log("DONE")
	sl.co.cancel(nil)
	sl.task.End()
	sl.task = nil
	sl.resume, sl.abort = nil, nil

	a.metrics.finishedInc(a.name, sl.killed)

	if sl.killed {
		sl.state = StateKilled
		a.cancelOutstanding(idx)
	} else {
		sl.state = StateComplete
	}

	st := sl.state
	a.settle(idx)
	return st
}

// settle releases the slot of an ended instance once nothing it
// submitted is still in flight.
func (a *Arena[S, Y, T]) settle(idx uint32) {
	sl := &a.slots[idx]
	if sl.state != StateKilled && sl.state != StateComplete {
		return
	}
	if sl.outstanding > 0 {
		return
	}

	a.nlive--
	a.metrics.liveAdd(a.name, -1)

	if a.traits.LongLived {
		sl.state = StateRetired
		sl.co = nil
		return
	}
	a.reclaim(idx)
}

func (a *Arena[S, Y, T]) reclaim(idx uint32) {
	sl := &a.slots[idx]
	sl.gen++
	sl.state = StateFree
	sl.co = nil
	sl.inbox.Clear()
	a.free.PushBack(idx)
}

func (a *Arena[S, Y, T]) cancelOutstanding(idx uint32) {
	sl := &a.slots[idx]
	if sl.canceled || sl.outstanding == 0 {
		return
	}
	sl.canceled = true

	h := Handle{Index: idx, Gen: sl.gen}
	sl.eachSub(func(sub SubTag) {
		a.cancels.PushBack(Encode(a.id, h, sub))
	})
	if err := a.flushCancels(); err != nil {
		a.logger.Warn("cancel outstanding requests", zap.Stringer("handle", h), zap.Error(err))
	}
}

func (a *Arena[S, Y, T]) flushCancels() error {
	for a.cancels.Len() > 0 {
		target := a.cancels.Front()
		_, h, sub := target.Decode()
		if sl, err := a.lookup(h); err != nil || !sl.inFlight(sub) {
			a.cancels.PopFront()
			continue
		}

		err := submitCancel(a.ring, target)
		if errors.Is(err, uring.ErrSubmissionQueueFull) {
			return nil
		}
		if err != nil {
			return err
		}
		a.cancels.PopFront()
	}
	return nil
}

func (a *Arena[S, Y, T]) kindName() string {
	return a.name
}

func (a *Arena[S, Y, T]) complete(h Handle, sub SubTag, res int32, flags uint32) error {
	sl, err := a.lookup(h)
	if err != nil {
		return err
	}

	r := Result{Sub: sub, Res: res, Flags: flags}
	if sl.outstanding == 0 {
		return fmt.Errorf("ringco: %s %v: completion %d with nothing outstanding", a.name, h, sub)
	}
	a.account(sl, r)

	switch sl.state {
	case StateAwaiting:
		_, err := a.step(h.Index, Resume{Op: ResumeResult, Result: r})
		return err
	case StateRetry:
		sl.inbox.PushBack(r)
	case StateKilled, StateComplete, StateRetired:
		if a.orphan != nil {
			a.orphan.Orphan(r)
		}
		a.settle(h.Index)
	default:
		return fmt.Errorf("ringco: %s %v: completion %d while %v", a.name, h, sub, sl.state)
	}
	return nil
}

// account retires the request r completes, unless the kernel flagged
// more completions for it.
func (a *Arena[S, Y, T]) account(sl *slot[Y, T], r Result) {
	if r.Flags&uring.CQEFMore == 0 {
		sl.outstanding--
		sl.unmark(r.Sub)
	}
	a.metrics.completedInc(a.name)
}

func (a *Arena[S, Y, T]) resumeRetry(h Handle) error {
	sl, err := a.lookup(h)
	if err != nil || sl.state != StateRetry {
		return nil
	}
	_, err = a.step(h.Index, Resume{Op: ResumeRetry})
	return err
}

func (a *Arena[S, Y, T]) resumeWith(h Handle, in Resume) error {
	_, err := a.Resume(h, in)
	return err
}

// killAll puts the arena in draining mode and kills every suspended
// instance. Ended instances with requests still in flight get those
// requests cancelled.
func (a *Arena[S, Y, T]) killAll() {
	a.draining = true
	for i := range a.slots {
		sl := &a.slots[i]
		switch {
		case sl.state.Suspended():
			h := Handle{Index: uint32(i), Gen: sl.gen}
			if _, err := a.step(uint32(i), Resume{Op: ResumeKill}); err != nil {
				a.logger.Warn("kill", zap.Stringer("handle", h), zap.Error(err))
			}
		case sl.state == StateComplete:
			a.cancelOutstanding(uint32(i))
		}
	}
}

func (a *Arena[S, Y, T]) live() int {
	return a.nlive
}

// abandon drops every instance that is still suspended without letting
// it run again.
func (a *Arena[S, Y, T]) abandon() int {
	n := 0
	for i := range a.slots {
		sl := &a.slots[i]
		if !sl.state.Suspended() {
			continue
		}
		sl.co.Log("ABANDON")
		sl.co.cancel(ErrKilled)
		sl.abort()
		sl.task.End()
		sl.task = nil
		sl.resume, sl.abort = nil, nil
		sl.state = StateKilled
		n++
	}
	return n
}

func (a *Arena[S, Y, T]) memory() []byte {
	return a.mem
}

func (a *Arena[S, Y, T]) setFixed(index int) {
	a.fixed = index
}

func (a *Arena[S, Y, T]) close() error {
	mem := a.mem
	a.mem = nil
	for i := range a.slots {
		a.slots[i].block = nil
	}
	if mem == nil {
		return nil
	}
	if err := a.alloc.Free(mem); err != nil {
		return fmt.Errorf("ringco: arena %s: %w", a.name, err)
	}
	return nil
}
