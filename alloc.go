package ringco

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Allocator reserves the backing memory of an arena. The memory is
// reserved once when the arena is built and released when it closes.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte) error
}

// HeapAllocator takes arena memory from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (HeapAllocator) Free([]byte) error {
	return nil
}

// MmapAllocator maps anonymous private memory outside the Go heap.
type MmapAllocator struct {
	// Populate prefaults the mapping so the first request touching a
	// block does not take page faults.
	Populate bool
}

func (m MmapAllocator) Alloc(n int) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if m.Populate {
		flags |= unix.MAP_POPULATE
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	return b, nil
}

func (MmapAllocator) Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
