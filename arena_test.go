package ringco

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco/uring"
)

// nopKind issues N NOP requests one after the other.
type nopKind struct {
	longLived bool
	block     int
}

type nopOut struct {
	Done  int
	Block []byte
	Err   error
}

func (nopKind) Name() string {
	return "nop"
}

func (k nopKind) Traits() Traits {
	return Traits{LongLived: k.longLived, BlockSize: k.block}
}

func (nopKind) Run(_ context.Context, co *Co[int], n int) nopOut {
	out := nopOut{Block: co.Block()}
	for i := 0; i < n; i++ {
		res, err := co.Do(i, uring.Nop())
		if err != nil {
			out.Err = err
			return out
		}
		if err := res.Err(); err != nil {
			out.Err = err
			return out
		}
		out.Done++
	}
	return out
}

// waitKind polls a descriptor and waits for the poll. Fake rings leave
// polls pending until they are completed or cancelled.
type waitKind struct {
	longLived bool
	orphans   *[]Result
}

type waitOut struct {
	Result Result
	Err    error
}

func (waitKind) Name() string {
	return "wait"
}

func (k waitKind) Traits() Traits {
	return Traits{LongLived: k.longLived}
}

func (waitKind) Run(_ context.Context, co *Co[string], label string) waitOut {
	res, err := co.Do(label, uring.PollAdd(0, unix.POLLIN))
	return waitOut{Result: res, Err: err}
}

func (k waitKind) Orphan(r Result) {
	if k.orphans != nil {
		*k.orphans = append(*k.orphans, r)
	}
}

// fanKind issues polls tagged 1 through n and collects their
// completions in arrival order.
type fanKind struct{}

type fanOut struct {
	Order []SubTag
	Res   map[SubTag]int32
	Err   error
}

func (fanKind) Name() string {
	return "fan"
}

func (fanKind) Traits() Traits {
	return Traits{}
}

func (fanKind) Run(_ context.Context, co *Co[int], n int) fanOut {
	out := fanOut{Res: map[SubTag]int32{}}
	for i := 1; i <= n; i++ {
		if err := co.Post(i, SubTag(i), uring.PollAdd(0, unix.POLLIN)); err != nil {
			out.Err = err
			return out
		}
	}
	for len(out.Res) < n {
		in := co.Suspend(len(out.Res))
		if in.Op == ResumeKill {
			out.Err = ErrKilled
			return out
		}
		out.Order = append(out.Order, in.Result.Sub)
		out.Res[in.Result.Sub] = in.Result.Res
	}
	return out
}

// parkKind suspends with nothing outstanding until it is resumed from
// outside.
type parkKind struct{}

func (parkKind) Name() string {
	return "park"
}

func (parkKind) Traits() Traits {
	return Traits{}
}

func (parkKind) Run(ctx context.Context, co *Co[Instance], _ struct{}) Resume {
	return co.Suspend(MustInstanceFromContext(ctx))
}

// pump flushes ring and routes its completions to d until nothing is
// left in flight.
func pump(r *require.Assertions, ring *uring.Ring, d dispatcher) {
	for i := 0; i < 1000 && (ring.Inflight() > 0 || ring.Unflushed() > 0); i++ {
		_, err := ring.Flush(0)
		r.NoError(err)
		n := 0
		for cqe := range ring.Completions() {
			n++
			kind, h, sub := UserData(cqe.UserData).Decode()
			if kind == internalKind {
				continue
			}
			r.NoError(d.complete(h, sub, cqe.Res, cqe.Flags))
		}
		if n == 0 && ring.Unflushed() == 0 {
			return
		}
	}
}

func TestArenaRunsToCompletion(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, nopKind{}, 1)
	r.NoError(err)

	var outs []nopOut
	a.OnDone(func(_ Handle, out nopOut) {
		outs = append(outs, out)
	})

	o, err := a.Start(3)
	r.NoError(err)
	r.False(o.Done)
	r.Equal(StateAwaiting, o.State)
	r.Equal(0, o.Yield)
	r.Equal(Handle{Index: 0, Gen: 0}, o.Handle)
	r.Equal(1, a.Live())

	y, ok := a.Waiting(o.Handle)
	r.True(ok)
	r.Equal(0, y)

	pump(r, ring, a)

	r.Equal([]nopOut{{Done: 3}}, outs)
	r.Equal(0, a.Live())
	r.Equal(StateFree, a.State(o.Handle))
	r.Len(fake.Submitted(), 3)

	// The slot comes back under a new generation.
	o2, err := a.Start(0)
	r.NoError(err)
	r.True(o2.Done)
	r.Equal(StateComplete, o2.State)
	r.Equal(Handle{Index: 0, Gen: 1}, o2.Handle)

	_, err = a.Resume(o.Handle, Resume{})
	r.ErrorIs(err, ErrStaleHandle)
}

func TestArenaFreeListOrder(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, nopKind{}, 3)
	r.NoError(err)

	var idx []uint32
	for range 3 {
		o, err := a.Start(0)
		r.NoError(err)
		idx = append(idx, o.Handle.Index)
	}
	r.Equal([]uint32{0, 1, 2}, idx)
}

func TestArenaExhausted(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, waitKind{}, 2)
	r.NoError(err)

	for _, label := range []string{"a", "b"} {
		o, err := a.Start(label)
		r.NoError(err)
		r.Equal(StateAwaiting, o.State)
	}

	_, err = a.Start("c")
	r.ErrorIs(err, ErrArenaExhausted)
	var exhausted *ExhaustedError
	r.True(errors.As(err, &exhausted))
	r.Equal("wait", exhausted.Kind)
	r.Equal(2, exhausted.Capacity)
	r.Equal(2, a.Live())
}

func TestArenaAllocationFailure(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	_, err := NewArena(ring, 1, nopKind{block: 1 << 20}, 1, WithAllocator(failingAllocator{}))
	r.ErrorIs(err, ErrArenaExhausted)
	r.ErrorIs(err, unix.ENOMEM)

	_, err = NewArena(ring, internalKind, nopKind{}, 1)
	r.Error(err)
	_, err = NewArena(ring, 1, nopKind{}, 0)
	r.Error(err)
	_, err = NewArena(ring, 1, nopKind{block: -1}, 1)
	r.Error(err)
}

type failingAllocator struct{}

func (failingAllocator) Alloc(int) ([]byte, error) {
	return nil, unix.ENOMEM
}

func (failingAllocator) Free([]byte) error {
	return nil
}

func TestArenaStaleHandle(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, waitKind{}, 2)
	r.NoError(err)

	o, err := a.Start("a")
	r.NoError(err)

	for _, h := range []Handle{
		{Index: o.Handle.Index, Gen: o.Handle.Gen + 1},
		{Index: 1},
		{Index: 99},
	} {
		_, err := a.Resume(h, Resume{})
		r.ErrorIs(err, ErrStaleHandle)
		r.ErrorIs(a.complete(h, SubTagSingle, 0, 0), ErrStaleHandle)
		r.Equal(StateFree, a.State(h))
	}
}

func TestArenaKill(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(8)
	defer ring.Close()

	var orphans []Result
	a, err := NewArena(ring, 3, waitKind{orphans: &orphans}, 1)
	r.NoError(err)

	o, err := a.Start("a")
	r.NoError(err)
	_, err = ring.Flush(0)
	r.NoError(err)
	r.Equal(1, fake.Pending())

	o, err = a.Kill(o.Handle)
	r.NoError(err)
	r.True(o.Done)
	r.Equal(StateKilled, o.State)
	r.ErrorIs(o.Output.Err, ErrKilled)

	// Still counted until the poll completes.
	r.Equal(1, a.Live())
	_, err = a.Resume(o.Handle, Resume{})
	r.ErrorIs(err, ErrNotSuspended)

	pump(r, ring, a)

	subs := fake.Submitted()
	r.Len(subs, 2)
	r.Equal(uring.OpPollAdd, subs[0].Opcode)
	r.Equal(uint64(Encode(3, o.Handle, SubTagSingle)), subs[0].UserData)
	r.Equal(uring.OpAsyncCancel, subs[1].Opcode)
	r.Equal(subs[0].UserData, subs[1].Addr)
	kind, _, sub := UserData(subs[1].UserData).Decode()
	r.Equal(internalKind, kind)
	r.Equal(internalCancel, sub)

	r.Equal([]Result{{Sub: SubTagSingle, Res: -int32(unix.ECANCELED)}}, orphans)
	r.Equal(0, a.Live())
	r.Equal(StateFree, a.State(o.Handle))
}

// stubKind submits one request and, once killed, checks that it can no
// longer submit.
type stubKind struct{}

func (stubKind) Name() string {
	return "stub"
}

func (stubKind) Traits() Traits {
	return Traits{}
}

func (stubKind) Run(ctx context.Context, co *Co[int], _ int) error {
	if err := co.Submit(SubTagSingle, uring.PollAdd(0, unix.POLLIN)); err != nil {
		return err
	}
	if in := co.Suspend(1); in.Op != ResumeKill {
		return errors.New("expected a kill")
	}
	if !co.Killed() || !errors.Is(context.Cause(ctx), ErrKilled) {
		return errors.New("kill not recorded")
	}
	return co.Submit(SubTagSingle, uring.Nop())
}

func TestArenaKilledInstanceCannotSubmit(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 4, stubKind{}, 1)
	r.NoError(err)

	o, err := a.Start(0)
	r.NoError(err)
	r.Equal(1, o.Yield)

	o, err = a.Kill(o.Handle)
	r.NoError(err)
	r.True(o.Done)
	r.ErrorIs(o.Output, ErrKilled)

	pump(r, ring, a)

	own := 0
	for _, sqe := range fake.Submitted() {
		if kind, _, _ := UserData(sqe.UserData).Decode(); kind == 4 {
			own++
		}
	}
	r.Equal(1, own)
}

func TestArenaRoutesPermutedCompletions(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 2, fanKind{}, 1)
	r.NoError(err)

	var out fanOut
	a.OnDone(func(_ Handle, o fanOut) {
		out = o
	})

	o, err := a.Start(4)
	r.NoError(err)
	r.Equal(StateAwaiting, o.State)
	_, err = ring.Flush(0)
	r.NoError(err)
	r.Equal(4, fake.Pending())

	for _, sub := range []SubTag{3, 1, 4, 2} {
		r.True(fake.Complete(uint64(Encode(2, o.Handle, sub)), int32(100+sub)))
	}
	pump(r, ring, a)

	r.NoError(out.Err)
	r.Equal([]SubTag{3, 1, 4, 2}, out.Order)
	r.Equal(map[SubTag]int32{1: 101, 2: 102, 3: 103, 4: 104}, out.Res)
	r.Equal(StateFree, a.State(o.Handle))
}

func TestArenaRetryOnFullRing(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(2)
	defer ring.Close()

	a, err := NewArena(ring, 1, fanKind{}, 1)
	r.NoError(err)
	a.retry = &retryQueue{}

	var out fanOut
	a.OnDone(func(_ Handle, o fanOut) {
		out = o
	})

	o, err := a.Start(3)
	r.NoError(err)
	r.Equal(StateRetry, o.State)
	r.Equal(3, o.Yield)
	r.Equal(1, a.retry.len())

	_, err = ring.Flush(0)
	r.NoError(err)

	// A completion landing while the instance waits for room is kept
	// for its next suspension.
	r.True(fake.Complete(uint64(Encode(1, o.Handle, 1)), 7))
	for cqe := range ring.Completions() {
		_, h, sub := UserData(cqe.UserData).Decode()
		r.NoError(a.complete(h, sub, cqe.Res, cqe.Flags))
	}
	r.Equal(StateRetry, a.State(o.Handle))

	n := a.retry.resume(func(d dispatcher, h Handle) {
		r.NoError(d.resumeRetry(h))
	})
	r.Equal(1, n)
	r.Equal(StateAwaiting, a.State(o.Handle))
	y, ok := a.Waiting(o.Handle)
	r.True(ok)
	r.Equal(1, y)

	_, err = ring.Flush(0)
	r.NoError(err)
	r.True(fake.Complete(uint64(Encode(1, o.Handle, 3)), 9))
	r.True(fake.Complete(uint64(Encode(1, o.Handle, 2)), 8))
	pump(r, ring, a)

	r.NoError(out.Err)
	r.Equal([]SubTag{1, 3, 2}, out.Order)
	r.Equal(map[SubTag]int32{1: 7, 2: 8, 3: 9}, out.Res)
}

func TestArenaKillWhileRetrying(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(2)
	defer ring.Close()

	a, err := NewArena(ring, 1, fanKind{}, 1)
	r.NoError(err)
	a.retry = &retryQueue{}

	o, err := a.Start(3)
	r.NoError(err)
	r.Equal(StateRetry, o.State)
	_, err = ring.Flush(0)
	r.NoError(err)

	o, err = a.Kill(o.Handle)
	r.NoError(err)
	r.True(o.Done)
	r.ErrorIs(o.Output.Err, ErrKilled)

	// The stale retry entry is skipped.
	a.retry.resume(func(d dispatcher, h Handle) {
		r.NoError(d.resumeRetry(h))
	})

	pump(r, ring, a)
	r.Equal(0, fake.Pending())
	r.Equal(StateFree, a.State(o.Handle))
}

func TestArenaLongLivedRetires(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, nopKind{longLived: true}, 1)
	r.NoError(err)

	o, err := a.Start(1)
	r.NoError(err)
	pump(r, ring, a)

	r.Equal(StateRetired, a.State(o.Handle))
	r.Equal(0, a.Live())

	_, err = a.Start(1)
	r.ErrorIs(err, ErrArenaExhausted)

	r.NoError(a.Recycle(o.Handle))
	r.Error(a.Recycle(o.Handle))

	o2, err := a.Start(0)
	r.NoError(err)
	r.Equal(Handle{Index: 0, Gen: 1}, o2.Handle)
	r.Equal(StateComplete, o2.State)
	r.Equal(StateRetired, a.State(o2.Handle))

	a.killAll()
	r.True(a.Draining())
	_, err = a.Start(0)
	r.ErrorIs(err, ErrDraining)
}

func TestArenaShortLivedStartsWhileDraining(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, nopKind{}, 1)
	r.NoError(err)

	a.killAll()
	o, err := a.Start(0)
	r.NoError(err)
	r.True(o.Done)
}

func TestArenaKillAll(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, waitKind{}, 3)
	r.NoError(err)

	killed := 0
	a.OnDone(func(_ Handle, out waitOut) {
		r.ErrorIs(out.Err, ErrKilled)
		killed++
	})

	for _, label := range []string{"a", "b", "c"} {
		_, err := a.Start(label)
		r.NoError(err)
	}
	_, err = ring.Flush(0)
	r.NoError(err)

	a.killAll()
	r.Equal(3, killed)
	r.Equal(3, a.live())

	pump(r, ring, a)
	r.Equal(0, a.live())
	r.Equal(0, fake.Pending())
}

func TestArenaAbandon(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, parkKind{}, 2)
	r.NoError(err)

	o, err := a.Start(struct{}{})
	r.NoError(err)
	r.Equal(StateAwaiting, o.State)

	r.Equal(1, a.abandon())
	r.Equal(StateKilled, a.State(o.Handle))
	r.Equal(0, a.abandon())
}

func TestArenaResumeFromOutside(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 5, parkKind{}, 1)
	r.NoError(err)

	o, err := a.Start(struct{}{})
	r.NoError(err)

	inst := o.Yield
	r.Equal(KindID(5), inst.Kind)
	r.Equal("park", inst.Name)
	r.Equal(o.Handle, inst.Handle)
	r.Equal(Encode(5, o.Handle, 2), inst.Tag(2))

	in := Resume{Op: ResumeResult, Result: Result{Sub: 2, Res: 42}}
	o, err = a.Resume(o.Handle, in)
	r.NoError(err)
	r.True(o.Done)
	r.Equal(in, o.Output)
}

func TestArenaResumeAccountsResult(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, nopKind{}, 1)
	r.NoError(err)

	o, err := a.Start(1)
	r.NoError(err)
	r.Equal(StateAwaiting, o.State)
	_, err = ring.Flush(0)
	r.NoError(err)

	var cqes []uring.CQE
	for cqe := range ring.Completions() {
		cqes = append(cqes, cqe)
	}
	r.Len(cqes, 1)

	_, h, sub := UserData(cqes[0].UserData).Decode()
	o, err = a.Resume(h, Resume{Op: ResumeResult, Result: Result{Sub: sub, Res: cqes[0].Res, Flags: cqes[0].Flags}})
	r.NoError(err)
	r.True(o.Done)
	r.Equal(StateComplete, o.State)
	r.Equal(1, o.Output.Done)
	r.Equal(0, a.Live())
	r.Equal(StateFree, a.State(h))

	// The only slot is free again.
	o, err = a.Start(0)
	r.NoError(err)
	r.True(o.Done)
	r.Equal(Handle{Index: 0, Gen: 1}, o.Handle)
}

func TestArenaResumeMustMatchSuspension(t *testing.T) {
	r := require.New(t)

	ring, fake := uring.NewFake(8)
	defer ring.Close()

	a, err := NewArena(ring, 1, waitKind{}, 1)
	r.NoError(err)

	o, err := a.Start("a")
	r.NoError(err)
	_, err = ring.Flush(0)
	r.NoError(err)

	for _, in := range []Resume{
		{Op: ResumeRetry},
		{Op: ResumeResult, Result: Result{Sub: 7}},
		{Op: ResumeOp(9)},
	} {
		_, err := a.Resume(o.Handle, in)
		r.ErrorIs(err, ErrBadResume, in.Op.String())
		r.Equal(StateAwaiting, a.State(o.Handle))
	}
	r.Equal(1, fake.Pending())
	r.Equal(1, a.Live())

	o, err = a.Kill(o.Handle)
	r.NoError(err)
	r.ErrorIs(o.Output.Err, ErrKilled)
}

func TestArenaResumeWhileRetrying(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(2)
	defer ring.Close()

	a, err := NewArena(ring, 1, fanKind{}, 1)
	r.NoError(err)

	o, err := a.Start(3)
	r.NoError(err)
	r.Equal(StateRetry, o.State)
	h := o.Handle

	_, err = a.Resume(h, Resume{Op: ResumeResult, Result: Result{Sub: 3}})
	r.ErrorIs(err, ErrBadResume)

	// A result for a request in flight waits for the next Suspend.
	o, err = a.Resume(h, Resume{Op: ResumeResult, Result: Result{Sub: 1, Res: 5}})
	r.NoError(err)
	r.False(o.Done)
	r.Equal(StateRetry, o.State)

	_, err = ring.Flush(0)
	r.NoError(err)
	o, err = a.Resume(h, Resume{Op: ResumeRetry})
	r.NoError(err)
	r.Equal(StateAwaiting, o.State)
	r.Equal(1, o.Yield)

	_, err = a.Resume(h, Resume{Op: ResumeRetry})
	r.ErrorIs(err, ErrBadResume)

	o, err = a.Kill(h)
	r.NoError(err)
	r.Equal([]SubTag{1}, o.Output.Order)
	r.Equal(int32(5), o.Output.Res[1])
}

func TestArenaBlocks(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	for _, alloc := range []Allocator{HeapAllocator{}, MmapAllocator{Populate: true}} {
		a, err := NewArena(ring, 1, nopKind{block: 64}, 3, WithAllocator(alloc))
		r.NoError(err)

		blocks := a.Blocks()
		r.Len(blocks, 3)
		for i, b := range blocks {
			r.Len(b, 64)
			r.Equal(64, cap(b))
			b[0] = byte(i + 1)
		}
		r.Len(a.memory(), 192)
		r.Equal(byte(2), a.memory()[64])

		o, err := a.Start(0)
		r.NoError(err)
		r.Equal(blocks[0], o.Output.Block)

		r.NoError(a.close())
		r.Nil(a.memory())
	}
}

func TestStateHelpers(t *testing.T) {
	r := require.New(t)

	r.True(StateAwaiting.Suspended())
	r.True(StateRetry.Suspended())
	r.False(StateRunning.Suspended())
	r.True(StateRetired.Terminal())
	r.False(StateFree.Terminal())
	r.Equal("retry", StateRetry.String())
	r.Equal("State(99)", State(99).String())
	r.Equal("kill", ResumeKill.String())
	r.NoError(Result{Res: 3}.Err())
	r.ErrorIs(Result{Res: -int32(unix.EAGAIN)}.Err(), unix.EAGAIN)
}
