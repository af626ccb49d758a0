package ringco

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"
	"strings"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/webriots/ringco/uring"
)

const (
	taskTraceTaskType   = "ringco-instance"
	taskTraceRegionType = "ringco-run"
	taskTraceCategory   = "ringco"
)

// instance is the bookkeeping of one slot occupant that both the arena
// and the coroutine body look at.
type instance struct {
	state       State
	outstanding int
	subs        [4]uint64
	killed      bool
	canceled    bool
	inbox       deque.Deque[Result]
}

func (in *instance) mark(sub SubTag) {
	in.subs[sub/64] |= 1 << (sub % 64)
}

func (in *instance) unmark(sub SubTag) {
	in.subs[sub/64] &^= 1 << (sub % 64)
}

func (in *instance) inFlight(sub SubTag) bool {
	return in.outstanding > 0 && in.subs[sub/64]&(1<<(sub%64)) != 0
}

// eachSub calls fn for every sub-tag with a request outstanding.
func (in *instance) eachSub(fn func(SubTag)) {
	for w, bits := range in.subs {
		for b := 0; bits != 0; b++ {
			if bits&1 != 0 {
				fn(SubTag(w*64 + b))
			}
			bits >>= 1
		}
	}
}

// Co is the coroutine side of an instance: everything Run may do to
// talk to the ring and to suspend.
type Co[Y any] struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	yield   func(Y) Resume
	inst    *instance
	waiting Y
	ring    *uring.Ring
	kind    KindID
	name    string
	handle  Handle
	block   []byte
	fixed   int
	logger  *zap.Logger
	metrics *Metrics
}

// Handle returns the instance's handle.
func (c *Co[Y]) Handle() Handle {
	return c.handle
}

// Killed reports whether the instance has been killed.
func (c *Co[Y]) Killed() bool {
	return c.inst.killed
}

// Block returns the memory block reserved for the instance's slot. It
// is reused by the next occupant once the instance is reclaimed.
func (c *Co[Y]) Block() []byte {
	return c.block
}

// FixedBuffer returns the registered buffer index covering Block, when
// the loop registered arena memory with the ring.
func (c *Co[Y]) FixedBuffer() (int, bool) {
	return c.fixed, c.fixed >= 0 && len(c.block) > 0
}

// Logger returns a logger annotated with the instance's kind and
// handle.
func (c *Co[Y]) Logger() *zap.Logger {
	return c.logger
}

// Submit queues one request tagged with sub. The request reaches the
// kernel at the loop's next flush and its completion comes back through
// Suspend. Submit returns uring.ErrSubmissionQueueFull when the ring is
// full and ErrKilled once the instance has been killed; in both cases
// nothing was queued.
func (c *Co[Y]) Submit(sub SubTag, build uring.Prep) error {
	if c.inst.killed {
		return ErrKilled
	}

	tag := Encode(c.kind, c.handle, sub)
	err := c.ring.SubmitOne(func(sqe *uring.SQE) {
		build(sqe)
		sqe.UserData = uint64(tag)
	})
	if err != nil {
		return err
	}

	c.inst.outstanding++
	c.inst.mark(sub)
	c.metrics.submitted(c.name)
	c.Logf("SUBMIT %d", sub)
	return nil
}

// Suspend parks the instance until it is resumed and returns why it
// was. y describes what the instance waits for. Suspending a killed
// instance panics.
func (c *Co[Y]) Suspend(y Y) Resume {
	if c.inst.killed {
		panic("ringco: suspend after kill")
	}
	if c.inst.inbox.Len() > 0 {
		return Resume{Op: ResumeResult, Result: c.inst.inbox.PopFront()}
	}
	return c.park(y, StateAwaiting)
}

// Post submits like Submit, but when the ring is full it suspends the
// instance until the loop has room and tries again. It only fails with
// ErrKilled or an engine error.
func (c *Co[Y]) Post(y Y, sub SubTag, build uring.Prep) error {
	for {
		err := c.Submit(sub, build)
		if !errors.Is(err, uring.ErrSubmissionQueueFull) {
			return err
		}
		c.metrics.retried(c.name)
		if in := c.park(y, StateRetry); in.Op == ResumeKill {
			return ErrKilled
		}
	}
}

// Do posts one request tagged SubTagSingle and suspends until it
// completes. It is the whole protocol of a kind that never has more
// than one request outstanding.
func (c *Co[Y]) Do(y Y, build uring.Prep) (Result, error) {
	if err := c.Post(y, SubTagSingle, build); err != nil {
		return Result{}, err
	}
	in := c.Suspend(y)
	if in.Op == ResumeKill {
		return Result{}, ErrKilled
	}
	if in.Op != ResumeResult {
		panic(fmt.Errorf("%w: %s resumed with %v", ErrBadResume, c.name, in.Op))
	}
	if in.Result.Sub != SubTagSingle {
		panic(fmt.Errorf("%w: %s got %d, expected %d", ErrUnexpectedSubTag, c.name, in.Result.Sub, SubTagSingle))
	}
	return in.Result, nil
}

// Cancel asks the kernel to cancel the instance's request tagged sub.
// The request then completes, usually with -ECANCELED, through Suspend
// as any other completion.
func (c *Co[Y]) Cancel(sub SubTag) error {
	for {
		if c.inst.killed {
			return ErrKilled
		}
		err := submitCancel(c.ring, Encode(c.kind, c.handle, sub))
		if !errors.Is(err, uring.ErrSubmissionQueueFull) {
			return err
		}
		if in := c.park(c.waiting, StateRetry); in.Op == ResumeKill {
			return ErrKilled
		}
	}
}

func (c *Co[Y]) park(y Y, st State) Resume {
	if c.inst.killed {
		panic("ringco: suspend after kill")
	}

	c.Logf("SUSPEND %v", st)
	c.inst.state = st
	c.waiting = y
	in := c.yield(y)
	c.inst.state = StateRunning

	if in.Op == ResumeKill {
		c.Log("KILL")
		c.inst.killed = true
		c.cancel(ErrKilled)
	}
	return in
}

// submitCancel queues an ASYNC_CANCEL for target under the reserved
// kind, so its own completion never reaches an instance.
func submitCancel(ring *uring.Ring, target UserData) error {
	_, h, _ := target.Decode()
	tag := Encode(internalKind, h, internalCancel)
	return ring.SubmitOne(func(sqe *uring.SQE) {
		uring.AsyncCancel(uint64(target))(sqe)
		sqe.UserData = uint64(tag)
	})
}

func (c *Co[Y]) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		c.path(&sb)
		sb.WriteString(msg)
		trace.Log(c.ctx, taskTraceCategory, sb.String())
	}
}

func (c *Co[Y]) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		c.path(&sb)
		fmt.Fprintf(&sb, format, args...)
		trace.Log(c.ctx, taskTraceCategory, sb.String())
	}
}

func (c *Co[Y]) path(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s|%v ", c.name, c.handle)
}
