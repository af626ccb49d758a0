// Package uring is the submission/completion engine: it owns the two
// kernel-shared io_uring rings and any registered fixed buffers, and it
// is the only code in this module that speaks the kernel ABI.
//
// The engine does no correlation. A request carries an opaque 64-bit
// user data value and its completion hands that value back, in whatever
// order the kernel finishes the work. Routing is the caller's business.
//
// A Ring is not safe for concurrent use. It is meant to be driven by a
// single thread loop.
package uring

import (
	"errors"
)

var (
	// ErrSubmissionQueueFull is returned by SubmitOne when every slot of
	// the submission ring holds a request the kernel has not consumed
	// yet. It is transient: a Flush frees the slots.
	ErrSubmissionQueueFull = errors.New("uring: submission queue full")

	// ErrEngineFatal marks errors that leave the ring unusable: a bad
	// ring descriptor, an unsupported request, a closed ring. They are
	// never retried.
	ErrEngineFatal = errors.New("uring: engine fatal")

	// ErrNotSupported indicates that the kernel refused to create an
	// io_uring instance, either because it lacks support or because a
	// seccomp or sysctl policy forbids it.
	ErrNotSupported = errors.New("uring: io_uring not supported")
)

const (
	// DefaultEntries is the submission ring size used when zero is
	// passed to New.
	DefaultEntries = 256

	minEntries = 2
	maxEntries = 32768
)

type options struct {
	flags     uint32
	cqEntries uint32
	sqIdle    uint32
	sqCPU     uint32
	syscalls  bool
	handler   Handler
}

// Option configures ring construction.
type Option func(*options)

// WithCQSize sizes the completion ring explicitly instead of the
// kernel default of twice the submission ring.
func WithCQSize(n uint32) Option {
	return func(o *options) {
		o.flags |= SetupCQSize
		o.cqEntries = n
	}
}

// WithSQPoll asks the kernel to poll the submission ring from a kernel
// thread that sleeps after idleMillis without work.
func WithSQPoll(idleMillis uint32) Option {
	return func(o *options) {
		o.flags |= SetupSQPoll
		o.sqIdle = idleMillis
	}
}

// WithSQPollCPU pins the SQPOLL kernel thread.
func WithSQPollCPU(cpu uint32) Option {
	return func(o *options) {
		o.flags |= SetupSQAff
		o.sqCPU = cpu
	}
}

// WithFlags ors raw setup flags into io_uring_params.flags.
func WithFlags(flags uint32) Option {
	return func(o *options) {
		o.flags |= flags
	}
}

func roundEntries(n uint32) uint32 {
	if n == 0 {
		n = DefaultEntries
	}
	if n < minEntries {
		n = minEntries
	}
	if n > maxEntries {
		n = maxEntries
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}
