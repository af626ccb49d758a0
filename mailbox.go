package ringco

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"
)

// ErrMailboxFull is returned by Publish when the mailbox holds its
// configured limit of undelivered messages.
var ErrMailboxFull = errors.New("ringco: mailbox full")

// noCopy may be embedded in structs that must not be copied after
// first use. go vet's copylocks check reports violations.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Message is a unit of work handed to another loop. Build one with
// StartMessage or ResumeMessage.
type Message struct {
	start  func() error
	reject func(error)
	tag    UserData
	resume Resume
}

// StartMessage asks the receiving loop to start an instance on arena,
// which must be registered with that loop. When the start is refused
// reject runs on the receiving loop's thread with the reason, so
// resources travelling with start can be released.
func StartMessage[S, Y, T any](arena *Arena[S, Y, T], start S, reject func(error)) Message {
	return Message{
		start: func() error {
			_, err := arena.Start(start)
			return err
		},
		reject: reject,
	}
}

// ResumeMessage asks the receiving loop to resume the suspended
// instance its tag names.
func ResumeMessage(tag UserData, in Resume) Message {
	return Message{tag: tag, resume: in}
}

func (m Message) refuse(err error) {
	if m.reject != nil {
		m.reject(err)
	}
}

// Mailbox is the only way work crosses between loops. Any goroutine may
// Publish; only the owning loop receives. Messages from one producer
// are received in the order they were published.
//
// Publishing writes to an eventfd the owning loop keeps a read armed
// on, which ends the loop's blocking wait.
type Mailbox struct {
	noCopy noCopy

	mu     sync.Mutex
	q      *queue.Queue
	limit  int
	closed bool

	_       cpu.CacheLinePad
	efd     int
	pending atomic.Bool
}

// NewMailbox creates a mailbox holding at most limit undelivered
// messages, or any number when limit is zero.
func NewMailbox(limit int) (*Mailbox, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ringco: eventfd: %w", err)
	}
	return &Mailbox{
		q:     queue.New(),
		limit: limit,
		efd:   efd,
	}, nil
}

// Fd returns the eventfd that becomes readable when messages arrive.
func (m *Mailbox) Fd() int {
	return m.efd
}

// Publish enqueues msg for the owning loop. It fails with
// ErrLoopStopped once the mailbox is closed and with ErrMailboxFull
// when the limit is reached.
func (m *Mailbox) Publish(msg Message) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrLoopStopped
	case m.limit > 0 && m.q.Length() >= m.limit:
		m.mu.Unlock()
		return ErrMailboxFull
	}
	m.q.Add(msg)
	m.mu.Unlock()

	return m.wake()
}

// TryReceive dequeues the oldest message without blocking.
func (m *Mailbox) TryReceive() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.Length() == 0 {
		return Message{}, false
	}
	return m.q.Remove().(Message), true
}

// Len returns the number of undelivered messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

// wake signals the eventfd unless a signal is already on its way to the
// loop.
func (m *Mailbox) wake() error {
	if !m.pending.CompareAndSwap(false, true) {
		return nil
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(m.efd, b[:]); err != nil {
		m.pending.Store(false)
		return fmt.Errorf("ringco: wake mailbox: %w", err)
	}
	return nil
}

// woken is called by the owning loop once it has consumed a wake.
func (m *Mailbox) woken() {
	m.pending.Store(false)
}

// Close refuses further messages and rejects every message still
// queued with ErrLoopStopped. The rejections run on the caller's
// goroutine.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var left []Message
	for m.q.Length() > 0 {
		left = append(left, m.q.Remove().(Message))
	}
	m.mu.Unlock()

	for _, msg := range left {
		msg.refuse(ErrLoopStopped)
	}
	return unix.Close(m.efd)
}
