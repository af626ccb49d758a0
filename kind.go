package ringco

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Traits are the static properties of a kind.
type Traits struct {
	// LongLived kinds run for the life of the loop, like an accept
	// loop. Their slots are retired rather than recycled once the
	// instance ends, and they cannot be started while the loop drains.
	LongLived bool

	// BlockSize is the size of the memory block reserved for every slot
	// of the kind's arena.
	BlockSize int
}

// Kind is a family of coroutines sharing start, yield and output
// types. Run is the coroutine body: it receives the start input once,
// suspends through co as often as it needs, and its return value is the
// instance's terminal output.
type Kind[S, Y, T any] interface {
	Name() string
	Traits() Traits
	Run(ctx context.Context, co *Co[Y], start S) T
}

// OrphanHandler is implemented by kinds whose requests can hand back a
// resource, such as an accepted descriptor. Orphan receives completions
// that arrive after the instance that submitted them has ended.
type OrphanHandler interface {
	Orphan(r Result)
}

// ResumeOp says why a suspended instance is being resumed.
type ResumeOp uint8

const (
	// ResumeResult delivers the completion of one of the instance's
	// requests.
	ResumeResult ResumeOp = iota

	// ResumeRetry tells an instance parked on a full submission ring to
	// try again.
	ResumeRetry

	// ResumeKill tells the instance to stop.
	ResumeKill
)

func (op ResumeOp) String() string {
	switch op {
	case ResumeResult:
		return "result"
	case ResumeRetry:
		return "retry"
	case ResumeKill:
		return "kill"
	default:
		return fmt.Sprintf("ResumeOp(%d)", uint8(op))
	}
}

// Result is one completion as seen by the instance that submitted the
// request.
type Result struct {
	Sub   SubTag
	Res   int32
	Flags uint32
}

// Err returns the errno carried by a negative result.
func (r Result) Err() error {
	if r.Res >= 0 {
		return nil
	}
	return unix.Errno(-r.Res)
}

// Resume is the input an instance receives at a suspension point.
type Resume struct {
	Op     ResumeOp
	Result Result
}

// State is the lifecycle state of an arena slot.
type State uint8

const (
	StateFree State = iota
	StateRunning
	StateAwaiting
	StateRetry
	// StateKilled is a killed instance whose requests have not all
	// completed.
	StateKilled
	// StateComplete is an instance that returned while some of its
	// requests had not completed.
	StateComplete
	// StateRetired is the slot of a finished long-lived instance. It
	// only becomes free again through Recycle.
	StateRetired
)

var stateNames = [...]string{
	StateFree:     "free",
	StateRunning:  "running",
	StateAwaiting: "awaiting",
	StateRetry:    "retry",
	StateKilled:   "killed",
	StateComplete: "complete",
	StateRetired:  "retired",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Suspended reports whether the instance is parked and can be resumed.
func (s State) Suspended() bool {
	return s == StateAwaiting || s == StateRetry
}

// Terminal reports whether the instance has returned.
func (s State) Terminal() bool {
	return s == StateKilled || s == StateComplete || s == StateRetired
}

// Outcome is what driving an instance produced: either the value it is
// waiting on, or its terminal output.
type Outcome[Y, T any] struct {
	Handle Handle
	State  State
	Done   bool
	Yield  Y
	Output T
}
