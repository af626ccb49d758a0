package ringco

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/trace"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco/topology"
	"github.com/webriots/ringco/uring"
)

const loopTraceTaskType = "ringco-loop"

// LoopState is the shutdown state of a loop.
type LoopState int32

const (
	LoopRunning LoopState = iota
	LoopDraining
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopRunning:
		return "running"
	case LoopDraining:
		return "draining"
	case LoopStopped:
		return "stopped"
	default:
		return fmt.Sprintf("LoopState(%d)", int32(s))
	}
}

// Loop drives one ring and every arena registered with it from a single
// OS thread. Each iteration drains completions and routes them to their
// instances, delivers mailbox messages, flushes new requests, gives
// instances parked on a full ring another try, and finally blocks until
// the kernel has something to report.
//
// Only Stop, State and the mailbox may be used from other goroutines.
type Loop struct {
	cfg     Config
	ring    *uring.Ring
	inbox   *Mailbox
	arenas  [MaxKinds + 1]dispatcher
	nkinds  int
	retry   retryQueue
	logger  *zap.Logger
	metrics *Metrics

	state   atomic.Int32
	stopped atomic.Bool
	ran     atomic.Bool

	wakeBuf    [8]byte
	wakeArmed  bool
	timer      uring.Timespec
	timerArmed bool
	timerDue   time.Time
	timerDrop  bool
	idle       int
	drainStart time.Time
}

// NewLoop creates a loop around ring. The loop owns the ring from now
// on and closes it in Close.
func NewLoop(ring *uring.Ring, cfg Config) (*Loop, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	inbox, err := NewMailbox(cfg.MailboxLimit)
	if err != nil {
		return nil, err
	}

	return &Loop{
		cfg:     cfg,
		ring:    ring,
		inbox:   inbox,
		logger:  cfg.Logger.With(zap.String("loop", cfg.Name)),
		metrics: cfg.Metrics,
	}, nil
}

// Register creates the loop's arena for kind with room for capacity
// instances. Kinds must be registered before Run.
func Register[S, Y, T any](l *Loop, kind Kind[S, Y, T], capacity int, opts ...ArenaOption) (*Arena[S, Y, T], error) {
	if l.ran.Load() {
		return nil, fmt.Errorf("ringco: register %s: loop %s already running", kind.Name(), l.cfg.Name)
	}
	if l.nkinds == MaxKinds {
		return nil, fmt.Errorf("ringco: register %s: loop %s hosts %d kinds already", kind.Name(), l.cfg.Name, MaxKinds)
	}

	id := KindID(l.nkinds + 1)
	opts = append([]ArenaOption{
		WithArenaLogger(l.logger),
		WithArenaMetrics(l.metrics),
	}, opts...)

	a, err := NewArena(l.ring, id, kind, capacity, opts...)
	if err != nil {
		return nil, err
	}
	a.retry = &l.retry

	l.arenas[id] = a
	l.nkinds++
	l.logger.Debug("registered kind",
		zap.String("kind", a.Name()),
		zap.Uint8("id", uint8(id)),
		zap.Int("capacity", capacity),
	)
	return a, nil
}

// RegisterBlocks registers the memory of every arena registered so far
// as the ring's fixed buffers, one buffer per arena, so instances can
// use READ_FIXED and WRITE_FIXED on their blocks.
func (l *Loop) RegisterBlocks() error {
	var (
		bufs   [][]byte
		owners []dispatcher
	)
	for _, d := range l.kinds() {
		if mem := d.memory(); len(mem) > 0 {
			bufs = append(bufs, mem)
			owners = append(owners, d)
		}
	}
	if len(bufs) == 0 {
		return nil
	}
	if err := l.ring.RegisterBuffers(bufs); err != nil {
		return err
	}
	for i, d := range owners {
		d.setFixed(i)
	}
	return nil
}

// Inbox returns the loop's mailbox.
func (l *Loop) Inbox() *Mailbox {
	return l.inbox
}

// Name returns the loop's configured name.
func (l *Loop) Name() string {
	return l.cfg.Name
}

// State returns the loop's shutdown state.
func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

// Stop starts draining the loop. It may be called from any goroutine
// and more than once.
func (l *Loop) Stop() {
	if l.stopped.Swap(true) {
		return
	}
	if err := l.inbox.wake(); err != nil {
		l.logger.Warn("wake loop for stop", zap.Error(err))
	}
}

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until it has drained after Stop, ctx cancellation or one of the
// configured signals. It returns the engine error that ended the loop,
// if any. Run may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("ringco: loop %s already ran", l.cfg.Name)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if l.cfg.Pin {
		if err := topology.Pin(l.cfg.CPU); err != nil {
			l.state.Store(int32(LoopStopped))
			return err
		}
	}

	ctx, task := trace.NewTask(ctx, loopTraceTaskType)
	defer task.End()

	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	if len(l.cfg.Signals) > 0 {
		done := make(chan struct{})
		defer close(done)
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, l.cfg.Signals...)
		defer signal.Stop(sigs)
		go func() {
			select {
			case sig := <-sigs:
				l.logger.Info("signal received", zap.Stringer("signal", sig))
				l.Stop()
			case <-done:
			}
		}()
	}

	l.logger.Info("loop running",
		zap.Int("entries", l.ring.Entries()),
		zap.Int("kinds", l.nkinds),
		zap.Bool("pinned", l.cfg.Pin),
	)
	trace.Log(ctx, taskTraceCategory, "LOOP")

	err := l.run(ctx)
	if n := l.abandon(); n > 0 {
		l.logger.Warn("abandoned instances", zap.Int("count", n))
	}
	l.state.Store(int32(LoopStopped))

	trace.Log(ctx, taskTraceCategory, "LOOP DONE")
	if err != nil {
		l.logger.Error("loop failed", zap.Error(err))
		return err
	}
	l.logger.Info("loop stopped")
	return nil
}

func (l *Loop) run(ctx context.Context) error {
	for {
		if l.stopped.Load() && l.State() == LoopRunning {
			l.beginDrain()
		}

		progress, err := l.tick(ctx)
		if err != nil {
			return err
		}

		if l.State() == LoopDraining && l.drained() {
			return nil
		}

		if progress {
			l.idle = 0
			continue
		}
		if l.idle++; l.idle <= l.cfg.BusyPoll {
			continue
		}
		if err := l.wait(); err != nil {
			return err
		}
	}
}

// tick is one pass over completions, mailbox and retries. It reports
// whether anything happened.
func (l *Loop) tick(ctx context.Context) (bool, error) {
	l.metrics.tick(l.cfg.Name)
	progress := false

	for cqe := range l.ring.Completions() {
		progress = true
		l.route(cqe)
	}

	if err := l.armWake(); err != nil {
		return progress, err
	}

	for {
		msg, ok := l.inbox.TryReceive()
		if !ok {
			break
		}
		progress = true
		l.deliver(msg)
	}

	if _, err := l.ring.Flush(0); err != nil {
		return progress, err
	}

	if l.retry.len() > 0 {
		progress = true
		n := l.retry.resume(func(d dispatcher, h Handle) {
			if err := d.resumeRetry(h); err != nil {
				l.logger.Warn("retry", zap.String("kind", d.kindName()), zap.Stringer("handle", h), zap.Error(err))
			}
		})
		trace.Logf(ctx, taskTraceCategory, "LOOP RETRIES %d", n)
	}

	for _, d := range l.kinds() {
		if err := d.flushCancels(); err != nil {
			return progress, err
		}
	}

	if l.ring.Unflushed() > 0 {
		if _, err := l.ring.Flush(0); err != nil {
			return progress, err
		}
	}

	return progress, nil
}

func (l *Loop) route(cqe uring.CQE) {
	kind, h, sub := UserData(cqe.UserData).Decode()
	if kind == internalKind {
		l.internal(sub, cqe.Res)
		return
	}

	d := l.arenas[kind]
	if d == nil {
		l.logger.Error("completion for unregistered kind",
			zap.Uint8("kind", uint8(kind)),
			zap.Stringer("handle", h),
			zap.Error(ErrUnknownKind),
		)
		return
	}

	if err := d.complete(h, sub, cqe.Res, cqe.Flags); err != nil {
		l.logger.Warn("route completion",
			zap.String("kind", d.kindName()),
			zap.Stringer("handle", h),
			zap.Uint8("sub", uint8(sub)),
			zap.Error(err),
		)
	}
}

func (l *Loop) internal(sub SubTag, res int32) {
	switch sub {
	case internalWake:
		l.wakeArmed = false
		l.inbox.woken()
		if res < 0 && res != -int32(unix.ECANCELED) {
			l.logger.Warn("mailbox wake read", zap.Error(unix.Errno(-res)))
		}
	case internalTimeout:
		l.timerArmed = false
		l.timerDrop = false
	case internalCancel:
		switch res {
		case 0, -int32(unix.ENOENT), -int32(unix.EALREADY):
		default:
			l.logger.Debug("cancel", zap.Error(unix.Errno(-res)))
		}
	default:
		l.logger.Warn("internal completion", zap.Error(fmt.Errorf("%w: %d", ErrUnexpectedSubTag, sub)))
	}
}

func (l *Loop) deliver(msg Message) {
	if msg.start != nil {
		if err := msg.start(); err != nil {
			l.logger.Debug("start refused", zap.Error(err))
			msg.refuse(err)
		}
		return
	}

	kind, h, _ := msg.tag.Decode()
	d := l.arenas[kind]
	if kind == internalKind || d == nil {
		msg.refuse(fmt.Errorf("%w: %d", ErrUnknownKind, kind))
		return
	}
	if err := d.resumeWith(h, msg.resume); err != nil {
		l.logger.Debug("resume refused", zap.String("kind", d.kindName()), zap.Stringer("handle", h), zap.Error(err))
		msg.refuse(err)
	}
}

// armWake keeps a read of the mailbox eventfd in flight.
func (l *Loop) armWake() error {
	if l.wakeArmed {
		return nil
	}
	tag := Encode(internalKind, Handle{}, internalWake)
	err := l.ring.SubmitOne(func(sqe *uring.SQE) {
		uring.Read(l.inbox.Fd(), l.wakeBuf[:], uring.CurrentPos)(sqe)
		sqe.UserData = uint64(tag)
	})
	if errors.Is(err, uring.ErrSubmissionQueueFull) {
		return nil
	}
	if err != nil {
		return err
	}
	l.wakeArmed = true
	return nil
}

// wait blocks until at least one completion is ready. A timer bounds
// the wait when an idle timeout is configured or the loop is draining.
func (l *Loop) wait() error {
	if err := l.armWake(); err != nil {
		return err
	}

	d := l.cfg.IdleTimeout
	if l.State() == LoopDraining {
		left := max(l.cfg.DrainGrace-time.Since(l.drainStart), time.Millisecond)
		if d == 0 || left < d {
			d = left
		}
	}

	// A timer armed for a longer wait, such as the idle timeout before
	// draining began, is removed and re-armed on the next wait.
	if d > 0 && l.timerArmed && time.Until(l.timerDue) > d+time.Millisecond {
		if err := l.dropTimer(); err != nil {
			return err
		}
	}

	if d > 0 && !l.timerArmed {
		l.timer = *uring.NewTimespec(d)
		tag := Encode(internalKind, Handle{}, internalTimeout)
		err := l.ring.SubmitOne(func(sqe *uring.SQE) {
			uring.Timeout(&l.timer, 0, 0)(sqe)
			sqe.UserData = uint64(tag)
		})
		switch {
		case err == nil:
			l.timerArmed = true
			l.timerDue = time.Now().Add(d)
		case !errors.Is(err, uring.ErrSubmissionQueueFull):
			return err
		}
	}

	l.metrics.idleWait(l.cfg.Name)
	_, err := l.ring.Flush(1)
	return err
}

func (l *Loop) dropTimer() error {
	if l.timerDrop {
		return nil
	}
	target := Encode(internalKind, Handle{}, internalTimeout)
	tag := Encode(internalKind, Handle{}, internalCancel)
	err := l.ring.SubmitOne(func(sqe *uring.SQE) {
		uring.TimeoutRemove(uint64(target))(sqe)
		sqe.UserData = uint64(tag)
	})
	switch {
	case err == nil:
		l.timerDrop = true
	case !errors.Is(err, uring.ErrSubmissionQueueFull):
		return err
	}
	return nil
}

func (l *Loop) beginDrain() {
	l.state.Store(int32(LoopDraining))
	l.drainStart = time.Now()
	l.logger.Info("loop draining", zap.Int("live", l.live()))
}

// drained kills whatever is still suspended and reports whether the
// loop may stop: nothing is live, or the grace period is over.
func (l *Loop) drained() bool {
	for _, d := range l.kinds() {
		d.killAll()
	}
	if l.live() == 0 {
		return true
	}
	if time.Since(l.drainStart) >= l.cfg.DrainGrace {
		l.logger.Warn("drain grace expired", zap.Int("live", l.live()), zap.Duration("grace", l.cfg.DrainGrace))
		return true
	}
	return false
}

func (l *Loop) live() int {
	n := 0
	for _, d := range l.kinds() {
		n += d.live()
	}
	return n
}

func (l *Loop) abandon() int {
	n := 0
	for _, d := range l.kinds() {
		n += d.abandon()
	}
	return n
}

func (l *Loop) kinds() []dispatcher {
	return l.arenas[1 : l.nkinds+1]
}

// Close releases the ring, the arenas' memory and the mailbox. Messages
// still queued are rejected with ErrLoopStopped. Close must not be
// called while Run is executing.
func (l *Loop) Close() error {
	l.stopped.Store(true)
	l.state.Store(int32(LoopStopped))

	err := l.ring.Close()
	for _, d := range l.kinds() {
		err = multierr.Append(err, d.close())
	}
	return multierr.Append(err, l.inbox.Close())
}
