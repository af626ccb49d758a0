package ringco

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco/uring"
)

const waitFor = 5 * time.Second

func newTestLoop(t *testing.T, entries uint32, cfg Config) (*Loop, *uring.Fake) {
	t.Helper()

	ring, fake := uring.NewFake(entries, uring.WithSyscalls())
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	l, err := NewLoop(ring, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, l.Close())
	})
	return l, fake
}

func runLoop(ctx context.Context, l *Loop) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()
	return done
}

func TestLoopStartsFromMailbox(t *testing.T) {
	r := require.New(t)

	l, _ := newTestLoop(t, 8, Config{Name: "mailbox"})
	a, err := Register(l, nopKind{}, 4)
	r.NoError(err)

	outs := make(chan nopOut, 4)
	a.OnDone(func(_ Handle, out nopOut) {
		outs <- out
	})

	done := runLoop(context.Background(), l)

	for n := range 4 {
		r.NoError(l.Inbox().Publish(StartMessage(a, n, func(err error) {
			r.NoError(err)
		})))
	}

	got := map[int]bool{}
	for range 4 {
		select {
		case out := <-outs:
			r.NoError(out.Err)
			got[out.Done] = true
		case <-time.After(waitFor):
			r.FailNow("instance did not finish")
		}
	}
	r.Equal(map[int]bool{0: true, 1: true, 2: true, 3: true}, got)

	l.Stop()
	r.NoError(<-done)
	r.Equal(LoopStopped, l.State())
}

func TestLoopStartRefused(t *testing.T) {
	r := require.New(t)

	l, _ := newTestLoop(t, 8, Config{})
	a, err := Register(l, parkKind{}, 1)
	r.NoError(err)

	refused := make(chan error, 2)
	reject := func(err error) {
		refused <- err
	}

	done := runLoop(context.Background(), l)

	r.NoError(l.Inbox().Publish(StartMessage(a, struct{}{}, reject)))
	r.NoError(l.Inbox().Publish(StartMessage(a, struct{}{}, reject)))

	select {
	case err := <-refused:
		r.ErrorIs(err, ErrArenaExhausted)
	case <-time.After(waitFor):
		r.FailNow("start was not refused")
	}

	l.Stop()
	r.NoError(<-done)
	r.Empty(refused)
}

func TestLoopResumeMessage(t *testing.T) {
	r := require.New(t)

	l, _ := newTestLoop(t, 8, Config{})
	a, err := Register(l, parkKind{}, 1)
	r.NoError(err)

	outs := make(chan Resume, 1)
	a.OnDone(func(_ Handle, out Resume) {
		outs <- out
	})

	o, err := a.Start(struct{}{})
	r.NoError(err)
	r.Equal(StateAwaiting, o.State)

	done := runLoop(context.Background(), l)

	in := Resume{Op: ResumeResult, Result: Result{Res: 42}}
	r.NoError(l.Inbox().Publish(ResumeMessage(o.Yield.Tag(SubTagSingle), in)))

	select {
	case out := <-outs:
		r.Equal(in, out)
	case <-time.After(waitFor):
		r.FailNow("instance was not resumed")
	}

	l.Stop()
	r.NoError(<-done)
}

func TestLoopDrainKillsLongLived(t *testing.T) {
	r := require.New(t)

	l, fake := newTestLoop(t, 8, Config{DrainGrace: waitFor})
	a, err := Register(l, waitKind{longLived: true}, 1)
	r.NoError(err)

	outs := make(chan waitOut, 1)
	a.OnDone(func(_ Handle, out waitOut) {
		outs <- out
	})

	o, err := a.Start("listener")
	r.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runLoop(ctx, l)

	r.Eventually(func() bool {
		return len(fake.Submitted()) >= 2
	}, waitFor, time.Millisecond)

	cancel()

	select {
	case err := <-done:
		r.NoError(err)
	case <-time.After(waitFor):
		r.FailNow("loop did not drain")
	}

	out := <-outs
	r.ErrorIs(out.Err, ErrKilled)
	r.Equal(LoopStopped, l.State())
	r.Equal(StateRetired, a.State(o.Handle))

	_, err = a.Start("late")
	r.ErrorIs(err, ErrDraining)
}

func TestLoopRetriesOnFullRing(t *testing.T) {
	r := require.New(t)

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	r.NoError(err)

	l, _ := newTestLoop(t, 2, Config{Name: "tiny", Metrics: m})
	a, err := Register(l, nopKind{}, 8)
	r.NoError(err)

	outs := make(chan nopOut, 8)
	a.OnDone(func(_ Handle, out nopOut) {
		outs <- out
	})

	for range 8 {
		r.NoError(l.Inbox().Publish(StartMessage(a, 5, func(err error) {
			r.NoError(err)
		})))
	}

	done := runLoop(context.Background(), l)

	for range 8 {
		select {
		case out := <-outs:
			r.NoError(out.Err)
			r.Equal(5, out.Done)
		case <-time.After(waitFor):
			r.FailNow("instance did not finish")
		}
	}

	l.Stop()
	r.NoError(<-done)

	r.Positive(testutil.ToFloat64(m.retries.WithLabelValues("nop")))
	r.Equal(40.0, testutil.ToFloat64(m.completions.WithLabelValues("nop")))
	r.Equal(8.0, testutil.ToFloat64(m.starts.WithLabelValues("nop")))
	r.Equal(8.0, testutil.ToFloat64(m.finishes.WithLabelValues("nop", "complete")))
	r.Equal(0.0, testutil.ToFloat64(m.live.WithLabelValues("nop")))
}

func TestLoopIdleTimeout(t *testing.T) {
	r := require.New(t)

	m, err := NewMetrics(nil)
	r.NoError(err)

	l, _ := newTestLoop(t, 8, Config{Name: "idle", Metrics: m, IdleTimeout: 5 * time.Millisecond})
	done := runLoop(context.Background(), l)

	r.Eventually(func() bool {
		return testutil.ToFloat64(m.idle.WithLabelValues("idle")) >= 3
	}, waitFor, time.Millisecond)

	l.Stop()
	r.NoError(<-done)
}

func TestLoopRunOnce(t *testing.T) {
	r := require.New(t)

	l, _ := newTestLoop(t, 8, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := runLoop(ctx, l)

	r.Eventually(func() bool {
		return l.ran.Load()
	}, waitFor, time.Millisecond)

	_, err := Register(l, nopKind{}, 1)
	r.Error(err)
	r.Error(l.Run(context.Background()))

	cancel()
	r.NoError(<-done)
}

func TestLoopCloseRejectsQueued(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8, uring.WithSyscalls())
	l, err := NewLoop(ring, Config{})
	r.NoError(err)
	a, err := Register(l, nopKind{}, 1)
	r.NoError(err)

	var rejected error
	r.NoError(l.Inbox().Publish(StartMessage(a, 1, func(err error) {
		rejected = err
	})))

	r.NoError(l.Close())
	r.ErrorIs(rejected, ErrLoopStopped)
	r.ErrorIs(l.Inbox().Publish(StartMessage(a, 1, nil)), ErrLoopStopped)
	r.Equal(LoopStopped, l.State())
}

func TestLoopRegisterBlocks(t *testing.T) {
	r := require.New(t)

	l, _ := newTestLoop(t, 8, Config{})
	a, err := Register(l, nopKind{block: 128}, 2)
	r.NoError(err)
	_, err = Register(l, nopKind{}, 2)
	r.NoError(err)
	b, err := Register(l, nopKind{block: 32}, 2)
	r.NoError(err)

	r.NoError(l.RegisterBlocks())
	r.Equal(0, a.fixed)
	r.Equal(1, b.fixed)

	buf, ok := l.ring.Buffer(1)
	r.True(ok)
	r.Len(buf, 64)
}

func TestLoopInvalidConfig(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8)
	defer ring.Close()

	_, err := NewLoop(ring, Config{BusyPoll: -1, DrainGrace: -time.Second})
	r.ErrorContains(err, "BusyPoll")
	r.ErrorContains(err, "DrainGrace")
}

// badOpKind submits a request the ring does not support.
type badOpKind struct{}

func (badOpKind) Name() string {
	return "badop"
}

func (badOpKind) Traits() Traits {
	return Traits{}
}

func (badOpKind) Run(_ context.Context, co *Co[int], _ struct{}) error {
	return co.Submit(SubTagSingle, func(sqe *uring.SQE) {
		sqe.Opcode = 200
	})
}

func TestLoopEngineFatal(t *testing.T) {
	r := require.New(t)

	l, _ := newTestLoop(t, 8, Config{})
	a, err := Register(l, badOpKind{}, 1)
	r.NoError(err)

	outs := make(chan error, 1)
	a.OnDone(func(_ Handle, out error) {
		outs <- out
	})

	done := runLoop(context.Background(), l)
	r.NoError(l.Inbox().Publish(StartMessage(a, struct{}{}, nil)))

	select {
	case err := <-done:
		r.ErrorIs(err, uring.ErrEngineFatal)
	case <-time.After(waitFor):
		r.FailNow("loop kept running")
	}
	r.Equal(LoopStopped, l.State())
	r.ErrorIs(<-outs, uring.ErrEngineFatal)
}

// stuckWriteKind writes its whole block to a descriptor in one request.
// Against a pipe nobody reads, the write blocks and cannot be cancelled.
type stuckWriteKind struct{}

func (stuckWriteKind) Name() string {
	return "stuck"
}

func (stuckWriteKind) Traits() Traits {
	return Traits{BlockSize: 1 << 20}
}

func (stuckWriteKind) Run(_ context.Context, co *Co[int], fd int) error {
	_, err := co.Do(fd, uring.Write(fd, co.Block(), uring.CurrentPos))
	return err
}

func TestLoopDrainGraceExpires(t *testing.T) {
	r := require.New(t)

	const grace = 50 * time.Millisecond
	l, fake := newTestLoop(t, 8, Config{IdleTimeout: time.Hour, DrainGrace: grace})
	a, err := Register(l, stuckWriteKind{}, 1)
	r.NoError(err)

	outs := make(chan error, 1)
	a.OnDone(func(_ Handle, out error) {
		outs <- out
	})

	var p [2]int
	r.NoError(unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	o, err := a.Start(p[1])
	r.NoError(err)
	r.Equal(StateAwaiting, o.State)

	done := runLoop(context.Background(), l)

	// The write is under way and the loop sleeps on its idle timer.
	r.Eventually(func() bool {
		fds := []unix.PollFd{{Fd: int32(p[0]), Events: unix.POLLIN}}
		n, _ := unix.Poll(fds, 0)
		return n == 1
	}, waitFor, time.Millisecond)
	r.Eventually(func() bool {
		return slices.ContainsFunc(fake.Submitted(), func(sqe uring.SQE) bool {
			return sqe.Opcode == uring.OpTimeout
		})
	}, waitFor, time.Millisecond)

	start := time.Now()
	l.Stop()
	select {
	case err := <-done:
		r.NoError(err)
	case <-time.After(waitFor):
		r.FailNow("loop overran its drain grace")
	}
	r.GreaterOrEqual(time.Since(start), grace)
	r.Equal(LoopStopped, l.State())

	r.ErrorIs(<-outs, ErrKilled)
	r.Equal(StateKilled, a.State(o.Handle))
	r.Equal(1, a.Live())
	r.True(slices.ContainsFunc(fake.Submitted(), func(sqe uring.SQE) bool {
		return sqe.Opcode == uring.OpTimeoutRemove
	}))

	// Let the write finish before the block goes away.
	buf := make([]byte, 64<<10)
	for left := 1 << 20; left > 0; {
		n, err := unix.Read(p[0], buf)
		r.NoError(err)
		left -= n
	}
}

func TestLoopStopsOnSignal(t *testing.T) {
	r := require.New(t)

	// Keeps the process alive if the signal lands before Run listens.
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, unix.SIGUSR1)
	defer signal.Stop(sigs)

	l, _ := newTestLoop(t, 8, Config{Signals: []os.Signal{unix.SIGUSR1}})
	done := runLoop(context.Background(), l)

	var runErr error
	r.Eventually(func() bool {
		if err := unix.Kill(unix.Getpid(), unix.SIGUSR1); err != nil {
			return false
		}
		select {
		case runErr = <-done:
			return true
		default:
			return false
		}
	}, waitFor, 10*time.Millisecond)
	r.NoError(runErr)
	r.Equal(LoopStopped, l.State())
}
