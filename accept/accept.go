// Package accept is a long-lived coroutine kind that accepts
// connections on a listening socket and hands every new descriptor to
// a caller-supplied function.
package accept

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco"
	"github.com/webriots/ringco/uring"
)

// Start is the start input of an accept instance.
type Start struct {
	// Fd is the listening socket.
	Fd int

	// Handoff receives every accepted descriptor. It runs on the loop's
	// thread and must not block. When it fails the descriptor is
	// closed.
	Handoff func(fd int) error
}

// Wait is what a suspended accept instance is waiting on.
type Wait struct {
	Fd int
}

// Stats is the terminal output of an accept instance.
type Stats struct {
	Accepted int
	Refused  int
	Errors   int
	Err      error
}

// Kind accepts connections with accept4(2) flags Flags.
type Kind struct {
	Flags int
}

func (Kind) Name() string {
	return "accept"
}

func (Kind) Traits() ringco.Traits {
	return ringco.Traits{LongLived: true}
}

func (k Kind) Run(ctx context.Context, co *ringco.Co[Wait], s Start) Stats {
	var st Stats
	log := co.Logger()

	for {
		res, err := co.Do(Wait{Fd: s.Fd}, uring.Accept(s.Fd, nil, nil, k.Flags))
		if errors.Is(err, ringco.ErrKilled) {
			return st
		}
		if err != nil {
			st.Err = err
			return st
		}

		if res.Res < 0 {
			errno := unix.Errno(-res.Res)
			if temporary(errno) {
				st.Errors++
				log.Debug("accept", zap.Error(errno))
				continue
			}
			if errno != unix.ECANCELED {
				st.Err = errno
			}
			return st
		}

		fd := int(res.Res)
		st.Accepted++
		co.Logf("ACCEPT %d", fd)

		if err := s.Handoff(fd); err != nil {
			st.Refused++
			log.Debug("handoff refused", zap.Int("fd", fd), zap.Error(err))
			unix.Close(fd)
		}
	}
}

// Orphan closes descriptors accepted after the instance ended.
func (Kind) Orphan(r ringco.Result) {
	if r.Res >= 0 {
		unix.Close(int(r.Res))
	}
}

func temporary(errno unix.Errno) bool {
	switch errno {
	case unix.EINTR, unix.EAGAIN, unix.ECONNABORTED, unix.EPROTO,
		unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.EPERM:
		return true
	}
	return false
}
