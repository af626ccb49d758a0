// Package echo is a short-lived coroutine kind that writes back
// everything it reads from a connection until the peer closes it.
package echo

import (
	"context"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco"
	"github.com/webriots/ringco/uring"
)

// DefaultBlockSize is the per-connection buffer size used when Kind
// leaves BlockSize zero.
const DefaultBlockSize = 4096

// Start is the start input of an echo instance. The instance owns Fd
// and closes it when it ends.
type Start struct {
	Fd int
}

// Op names the request an echo instance is waiting on.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
	OpClose
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}

// Stats is the terminal output of an echo instance.
type Stats struct {
	Bytes int64
	Err   error
}

// Kind echoes connections through a buffer of BlockSize bytes. When the
// loop registered arena memory as fixed buffers, reads and writes use
// READ_FIXED and WRITE_FIXED.
type Kind struct {
	BlockSize int
}

func (Kind) Name() string {
	return "echo"
}

func (k Kind) Traits() ringco.Traits {
	size := k.BlockSize
	if size == 0 {
		size = DefaultBlockSize
	}
	return ringco.Traits{BlockSize: size}
}

func (k Kind) Run(ctx context.Context, co *ringco.Co[Op], s Start) (st Stats) {
	defer func() {
		st.Err = closeConn(co, s.Fd, st.Err)
	}()

	buf := co.Block()
	index, fixed := co.FixedBuffer()

	for {
		prep := uring.Recv(s.Fd, buf, 0)
		if fixed {
			prep = uring.ReadFixed(s.Fd, buf, uring.CurrentPos, index)
		}
		res, err := co.Do(OpRead, prep)
		if err != nil {
			st.Err = err
			return
		}
		if res.Res == 0 {
			return
		}
		if err := res.Err(); err != nil {
			st.Err = err
			return
		}

		n := int(res.Res)
		for off := 0; off < n; {
			prep := uring.Send(s.Fd, buf[off:n], unix.MSG_NOSIGNAL)
			if fixed {
				prep = uring.WriteFixed(s.Fd, buf[off:n], uring.CurrentPos, index)
			}
			res, err := co.Do(OpWrite, prep)
			if err != nil {
				st.Err = err
				return
			}
			if err := res.Err(); err != nil {
				st.Err = err
				return
			}
			off += int(res.Res)
			st.Bytes += int64(res.Res)
		}
	}
}

// closeConn closes fd through the ring, or directly once the instance
// can no longer submit.
func closeConn(co *ringco.Co[Op], fd int, err error) error {
	if co.Killed() {
		unix.Close(fd)
		return err
	}
	res, cerr := co.Do(OpClose, uring.Close(fd))
	if cerr != nil {
		unix.Close(fd)
		return multierr.Append(err, cerr)
	}
	return multierr.Append(err, res.Err())
}
