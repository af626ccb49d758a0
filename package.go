// Package ringco runs cooperative coroutines on top of io_uring. One
// thread loop owns one ring and drives every coroutine instance
// registered with it; instances submit requests through the ring,
// suspend, and are resumed by the completions that carry their tag.
//
// Key components:
//
//   - Kind: A family of coroutines sharing start, yield and output
//     types. Its Run method is the coroutine body.
//
//   - Arena: The fixed table of slots holding every instance of one
//     kind on one loop, each slot with a reserved memory block.
//     Handles carry a generation so stale ones are rejected.
//
//   - Co: The coroutine side of an instance, used by Run to submit
//     requests, suspend, cancel requests and log.
//
//   - UserData: The 64-bit tag carried by every request, packing the
//     kind, slot generation, slot index and a per-instance sub-tag.
//
//   - Loop: Drives one ring from one OS thread. It routes completions,
//     delivers mailbox messages, retries instances parked on a full
//     ring and drains on shutdown.
//
//   - Mailbox: The only way work crosses from one loop, or any other
//     goroutine, to a loop.
//
// The uring package holds the ring itself and an in-process fake of
// the kernel side used by the tests.
package ringco
