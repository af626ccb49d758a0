package ringco

import "github.com/gammazero/deque"

type retryEntry struct {
	d dispatcher
	h Handle
}

// retryQueue holds instances parked on a full submission ring, in the
// order they parked.
type retryQueue struct {
	w deque.Deque[retryEntry]
}

func (q *retryQueue) push(d dispatcher, h Handle) {
	q.w.PushBack(retryEntry{d: d, h: h})
}

func (q *retryQueue) len() int {
	return q.w.Len()
}

// resume gives every instance queued before the call one more try. An
// instance that finds the ring full again parks behind them and waits
// for the next pass.
func (q *retryQueue) resume(fn func(d dispatcher, h Handle)) int {
	n := q.w.Len()
	for i := 0; i < n; i++ {
		e := q.w.PopFront()
		fn(e.d, e.h)
	}
	return n
}
