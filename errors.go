package ringco

import (
	"errors"
	"fmt"
)

var (
	// ErrArenaExhausted matches every *ExhaustedError.
	ErrArenaExhausted = errors.New("ringco: arena exhausted")

	// ErrStaleHandle is returned for a handle whose slot has been
	// reclaimed or never existed.
	ErrStaleHandle = errors.New("ringco: stale handle")

	// ErrNotSuspended is returned when resuming an instance that is not
	// parked at a suspension point.
	ErrNotSuspended = errors.New("ringco: instance not suspended")

	// ErrBadResume is returned when the resume input does not match
	// what the instance is parked on: a retry for an instance awaiting a
	// completion, or a result for a request it does not have in flight.
	ErrBadResume = errors.New("ringco: resume does not match suspension")

	// ErrKilled is the cancellation cause of a killed instance, and what
	// Submit returns once the instance has been killed.
	ErrKilled = errors.New("ringco: instance killed")

	// ErrDraining is returned when a long-lived instance is started on a
	// loop that is shutting down.
	ErrDraining = errors.New("ringco: loop draining")

	// ErrUnexpectedSubTag reports a completion carrying a sub-tag its
	// kind never uses.
	ErrUnexpectedSubTag = errors.New("ringco: unexpected sub-tag")

	// ErrLoopStopped is returned by operations on a loop that has
	// stopped.
	ErrLoopStopped = errors.New("ringco: loop stopped")

	// ErrUnknownKind is returned for a message or completion naming a
	// kind that was never registered.
	ErrUnknownKind = errors.New("ringco: unknown kind")
)

// ExhaustedError reports an allocation that did not fit in an arena,
// either at construction or when starting an instance.
type ExhaustedError struct {
	Kind     string
	Capacity int
	Bytes    int
	Err      error
}

func (e *ExhaustedError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("ringco: arena %s: reserving %d bytes for %d slots: %v", e.Kind, e.Bytes, e.Capacity, e.Err)
	default:
		return fmt.Sprintf("ringco: arena %s exhausted: %d slots in use", e.Kind, e.Capacity)
	}
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrArenaExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
