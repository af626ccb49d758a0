// Package dnsquery is a short-lived coroutine kind that sends one DNS
// question over a connected datagram socket and waits for the answer
// under a deadline. The deadline is a ring timer raced against the
// receive: whichever completes first cancels the other.
package dnsquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/webriots/ringco"
	"github.com/webriots/ringco/uring"
)

// ErrTimeout is the error of a query that got no answer in time.
var ErrTimeout = errors.New("dnsquery: timeout")

const (
	// DefaultTimeout applies when Start.Timeout is zero.
	DefaultTimeout = 2 * time.Second

	// MaxReply is the largest reply accepted, and the EDNS0 buffer size
	// advertised.
	MaxReply = 1232

	blockSize = 512 + MaxReply
)

// Sub-tags of a query's three requests.
const (
	SubSend ringco.SubTag = iota + 1
	SubRecv
	SubTimer
)

// Start is the start input of a query instance.
type Start struct {
	// Fd is a datagram socket connected to the server. The caller keeps
	// ownership.
	Fd      int
	Name    string
	Type    uint16
	Timeout time.Duration
}

// Wait is what a suspended query is waiting on.
type Wait struct {
	Name    string
	Pending int
}

// Answer is the terminal output of a query instance.
type Answer struct {
	Msg *dns.Msg
	RTT time.Duration
	Err error
}

// Kind resolves one question per instance.
type Kind struct{}

func (Kind) Name() string {
	return "dnsquery"
}

func (Kind) Traits() ringco.Traits {
	return ringco.Traits{BlockSize: blockSize}
}

type query struct {
	co      *ringco.Co[Wait]
	wait    Wait
	pending map[ringco.SubTag]bool
}

func (q *query) post(sub ringco.SubTag, prep uring.Prep) error {
	if err := q.co.Post(q.wait, sub, prep); err != nil {
		return err
	}
	q.pending[sub] = true
	q.wait.Pending++
	return nil
}

func (q *query) cancel(sub ringco.SubTag) {
	if !q.pending[sub] {
		return
	}
	if err := q.co.Cancel(sub); err != nil {
		q.co.Logger().Debug("cancel", zap.Uint8("sub", uint8(sub)), zap.Error(err))
	}
}

func (q *query) done(sub ringco.SubTag) {
	delete(q.pending, sub)
	q.wait.Pending--
}

func (Kind) Run(ctx context.Context, co *ringco.Co[Wait], s Start) (ans Answer) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(s.Name), s.Type)
	m.SetEdns0(MaxReply, false)

	block := co.Block()
	out, err := m.PackBuffer(block[:512])
	if err != nil {
		return Answer{Err: fmt.Errorf("dnsquery: pack %s: %w", s.Name, err)}
	}
	in := block[512:]
	ts := uring.NewTimespec(timeout)

	q := &query{
		co:      co,
		wait:    Wait{Name: s.Name},
		pending: make(map[ringco.SubTag]bool, 3),
	}

	start := time.Now()
	for _, r := range []struct {
		sub  ringco.SubTag
		prep uring.Prep
	}{
		{SubRecv, uring.Recv(s.Fd, in, 0)},
		{SubSend, uring.Send(s.Fd, out, 0)},
		{SubTimer, uring.Timeout(ts, 0, 0)},
	} {
		if err := q.post(r.sub, r.prep); err != nil {
			ans.Err = err
			break
		}
	}
	if ans.Err != nil {
		// Requests already queued still complete; cancel and collect them.
		q.cancel(SubRecv)
		q.cancel(SubSend)
	}

	for q.wait.Pending > 0 {
		if co.Killed() {
			return Answer{Err: ringco.ErrKilled}
		}

		resume := co.Suspend(q.wait)
		if resume.Op == ringco.ResumeKill {
			return Answer{Err: ringco.ErrKilled}
		}

		r := resume.Result
		q.done(r.Sub)

		switch r.Sub {
		case SubSend:
			if err := r.Err(); err != nil && ans.Err == nil && ans.Msg == nil {
				ans.Err = fmt.Errorf("dnsquery: send: %w", err)
				q.cancel(SubRecv)
				q.cancel(SubTimer)
			}

		case SubRecv:
			if r.Res < 0 {
				if errno := unix.Errno(-r.Res); errno != unix.ECANCELED && ans.Err == nil {
					ans.Err = fmt.Errorf("dnsquery: recv: %w", errno)
					q.cancel(SubTimer)
				}
				continue
			}

			reply := new(dns.Msg)
			if err := reply.Unpack(in[:r.Res]); err != nil || reply.Id != m.Id {
				// Not ours; keep listening.
				co.Logger().Debug("dropped reply", zap.Error(err))
				if ans.Err == nil && ans.Msg == nil {
					if err := q.post(SubRecv, uring.Recv(s.Fd, in, 0)); err != nil {
						ans.Err = err
						q.cancel(SubTimer)
					}
				}
				continue
			}
			if ans.Err == nil && ans.Msg == nil {
				ans.Msg = reply
				ans.RTT = time.Since(start)
				q.cancel(SubTimer)
			}

		case SubTimer:
			if r.Res == -int32(unix.ETIME) && ans.Msg == nil && ans.Err == nil {
				ans.Err = fmt.Errorf("%w: %s after %v", ErrTimeout, s.Name, timeout)
				q.cancel(SubRecv)
				q.cancel(SubSend)
			}

		default:
			panic(fmt.Errorf("%w: dnsquery got %d", ringco.ErrUnexpectedSubTag, r.Sub))
		}
	}

	return ans
}
