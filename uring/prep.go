package uring

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Prep fills in a zeroed submission entry. The user data field is
// owned by whoever submits the request and is overwritten after Prep
// runs.
//
// Any memory a request points at (buffers, timespecs, socket address
// storage) must stay reachable and unmoved until the request's
// completion arrives.
type Prep func(*SQE)

// CurrentPos as a file offset makes READ and WRITE use and advance the
// file position, as read(2) and write(2) do.
const CurrentPos = ^uint64(0)

func addr[T any](p *T) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

func bufAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return addr(&b[0])
}

func rw(op uint8, fd int, b []byte, off uint64) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = op
		sqe.Fd = int32(fd)
		sqe.Addr = bufAddr(b)
		sqe.Len = uint32(len(b))
		sqe.Off = off
	}
}

// Nop completes immediately with result zero.
func Nop() Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpNop
	}
}

// Read reads into b at off.
func Read(fd int, b []byte, off uint64) Prep {
	return rw(OpRead, fd, b, off)
}

// Write writes b at off.
func Write(fd int, b []byte, off uint64) Prep {
	return rw(OpWrite, fd, b, off)
}

// ReadFixed reads into b, which must lie inside registered buffer
// index.
func ReadFixed(fd int, b []byte, off uint64, index int) Prep {
	p := rw(OpReadFixed, fd, b, off)
	return func(sqe *SQE) {
		p(sqe)
		sqe.BufIndex = uint16(index)
	}
}

// WriteFixed writes b, which must lie inside registered buffer index.
func WriteFixed(fd int, b []byte, off uint64, index int) Prep {
	p := rw(OpWriteFixed, fd, b, off)
	return func(sqe *SQE) {
		p(sqe)
		sqe.BufIndex = uint16(index)
	}
}

// Recv receives into b from a connected socket.
func Recv(fd int, b []byte, flags int) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpRecv
		sqe.Fd = int32(fd)
		sqe.Addr = bufAddr(b)
		sqe.Len = uint32(len(b))
		sqe.OpFlags = uint32(flags)
	}
}

// Send sends b on a connected socket.
func Send(fd int, b []byte, flags int) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpSend
		sqe.Fd = int32(fd)
		sqe.Addr = bufAddr(b)
		sqe.Len = uint32(len(b))
		sqe.OpFlags = uint32(flags)
	}
}

// Accept accepts one connection on a listening socket. The peer address
// is stored in sa when it is non-nil, in which case salen must hold its
// size. The result is the new descriptor.
func Accept(fd int, sa *unix.RawSockaddrAny, salen *uint32, flags int) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpAccept
		sqe.Fd = int32(fd)
		if sa != nil {
			sqe.Addr = addr(sa)
			sqe.Off = addr(salen)
		}
		sqe.OpFlags = uint32(flags)
	}
}

// Close closes fd.
func Close(fd int) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpClose
		sqe.Fd = int32(fd)
	}
}

// Timeout completes with -ETIME once ts has elapsed, or with zero once
// count other completions have been posted. A zero count means only the
// timer matters.
func Timeout(ts *Timespec, count uint64, flags uint32) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpTimeout
		sqe.Fd = -1
		sqe.Addr = addr(ts)
		sqe.Len = 1
		sqe.Off = count
		sqe.OpFlags = flags
	}
}

// TimeoutRemove cancels the pending TIMEOUT tagged userData.
func TimeoutRemove(userData uint64) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpTimeoutRemove
		sqe.Fd = -1
		sqe.Addr = userData
	}
}

// AsyncCancel cancels the pending request tagged userData. The target
// completes with -ECANCELED; the cancel request itself completes with
// zero, -ENOENT when nothing matched or -EALREADY when the target was
// already running.
func AsyncCancel(userData uint64) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpAsyncCancel
		sqe.Fd = -1
		sqe.Addr = userData
	}
}

// PollAdd completes once fd reports any of the poll(2) events.
func PollAdd(fd int, events uint32) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpPollAdd
		sqe.Fd = int32(fd)
		sqe.OpFlags = events
	}
}

// Shutdown shuts down part of a full-duplex connection, as
// shutdown(2).
func Shutdown(fd int, how int) Prep {
	return func(sqe *SQE) {
		sqe.Opcode = OpShutdown
		sqe.Fd = int32(fd)
		sqe.Len = uint32(how)
	}
}

// NewTimespec converts d to a kernel timespec.
func NewTimespec(d time.Duration) *Timespec {
	if d < 0 {
		d = 0
	}
	return &Timespec{
		Sec:  int64(d / time.Second),
		Nsec: int64(d % time.Second),
	}
}

// Duration converts ts back to a duration.
func (ts *Timespec) Duration() time.Duration {
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
}
