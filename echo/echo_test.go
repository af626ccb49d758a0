package echo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco"
	"github.com/webriots/ringco/uring"
)

const waitFor = 5 * time.Second

func readFull(r *require.Assertions, fd int, n int) []byte {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		chunk := make([]byte, n-len(buf))
		m, err := unix.Read(fd, chunk)
		r.NoError(err)
		r.Positive(m)
		buf = append(buf, chunk[:m]...)
	}
	return buf
}

func testEcho(t *testing.T, fixed bool) {
	r := require.New(t)

	ring, fake := uring.NewFake(16, uring.WithSyscalls())
	loop, err := ringco.NewLoop(ring, ringco.Config{Logger: zaptest.NewLogger(t)})
	r.NoError(err)
	defer loop.Close()

	a, err := ringco.Register(loop, Kind{BlockSize: 8}, 2)
	r.NoError(err)
	if fixed {
		r.NoError(loop.RegisterBlocks())
	}

	stats := make(chan Stats, 2)
	a.OnDone(func(_ ringco.Handle, st Stats) {
		stats <- st
	})

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(context.Background())
	}()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	r.NoError(err)
	conn, peer := fds[0], fds[1]

	r.NoError(loop.Inbox().Publish(ringco.StartMessage(a, Start{Fd: conn}, func(err error) {
		unix.Close(conn)
	})))

	// Larger than the block, so it takes several reads.
	msg := []byte("hello, ring echo")
	_, err = unix.Write(peer, msg)
	r.NoError(err)
	r.Equal(msg, readFull(r, peer, len(msg)))

	_, err = unix.Write(peer, []byte("again"))
	r.NoError(err)
	r.Equal([]byte("again"), readFull(r, peer, 5))

	r.NoError(unix.Close(peer))

	select {
	case st := <-stats:
		r.NoError(st.Err)
		r.Equal(int64(len(msg)+5), st.Bytes)
	case <-time.After(waitFor):
		r.FailNow("echo did not finish")
	}

	ops := map[uint8]bool{}
	for _, sqe := range fake.Submitted() {
		ops[sqe.Opcode] = true
	}
	r.True(ops[uring.OpClose])
	if fixed {
		r.True(ops[uring.OpReadFixed])
		r.True(ops[uring.OpWriteFixed])
		r.False(ops[uring.OpRecv])
	} else {
		r.True(ops[uring.OpRecv])
		r.True(ops[uring.OpSend])
	}

	loop.Stop()
	r.NoError(<-done)
}

func TestEcho(t *testing.T) {
	testEcho(t, false)
}

func TestEchoFixedBuffers(t *testing.T) {
	testEcho(t, true)
}

func TestEchoKilledClosesConnection(t *testing.T) {
	r := require.New(t)

	ring, _ := uring.NewFake(8, uring.WithSyscalls())
	loop, err := ringco.NewLoop(ring, ringco.Config{Logger: zaptest.NewLogger(t)})
	r.NoError(err)
	defer loop.Close()

	a, err := ringco.Register(loop, Kind{}, 1)
	r.NoError(err)

	stats := make(chan Stats, 1)
	a.OnDone(func(_ ringco.Handle, st Stats) {
		stats <- st
	})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	r.NoError(err)
	conn, peer := fds[0], fds[1]
	defer unix.Close(peer)

	o, err := a.Start(Start{Fd: conn})
	r.NoError(err)
	r.Equal(OpRead, o.Yield)

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(context.Background())
	}()

	loop.Stop()
	select {
	case err := <-done:
		r.NoError(err)
	case <-time.After(waitFor):
		r.FailNow("loop did not drain")
	}

	st := <-stats
	r.ErrorIs(st.Err, ringco.ErrKilled)

	// The peer sees the connection closed.
	buf := make([]byte, 1)
	n, err := unix.Read(peer, buf)
	r.NoError(err)
	r.Zero(n)
}

func TestOpString(t *testing.T) {
	r := require.New(t)
	r.Equal("read", OpRead.String())
	r.Equal("write", OpWrite.String())
	r.Equal("close", OpClose.String())
	r.Equal("unknown", Op(0).String())
}
