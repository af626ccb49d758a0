//go:build linux

package uring

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// kernel is the io_uring file descriptor plus the shared mappings.
type kernel struct {
	fd   int
	maps [][]byte
}

// New creates a kernel io_uring instance with a submission ring of at
// least entries slots, rounded up to a power of two. Zero selects
// DefaultEntries.
func New(entries uint32, opts ...Option) (*Ring, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p := params{
		Flags:        o.flags | SetupClamp,
		SQThreadIdle: o.sqIdle,
		SQThreadCPU:  o.sqCPU,
		CQEntries:    o.cqEntries,
	}

	fd, err := setup(roundEntries(entries), &p)
	if err != nil {
		return nil, err
	}

	k := &kernel{fd: fd}
	sqMem, cqMem, sqeMem, err := k.mapRings(&p)
	if err != nil {
		return nil, multierr.Append(err, k.close())
	}

	return newRing(&p, sqMem, cqMem, sqeMem, k), nil
}

func setup(entries uint32, p *params) (int, error) {
	fd, _, errno := unix.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(p)),
		0,
	)
	switch errno {
	case 0:
		return int(fd), nil
	case unix.ENOSYS, unix.EPERM:
		return -1, fmt.Errorf("%w: io_uring_setup: %w", ErrNotSupported, errno)
	default:
		return -1, fmt.Errorf("uring: io_uring_setup: %w", errno)
	}
}

func (k *kernel) mapRings(p *params) (sqMem, cqMem, sqeMem []byte, err error) {
	sqSize := int(p.SQOff.Array) + int(p.SQEntries)*4
	cqSize := int(p.CQOff.Cqes) + int(p.CQEntries)*cqeSize

	if p.Features&FeatSingleMmap != 0 {
		sqSize = max(sqSize, cqSize)
	}

	sqMem, err = k.mmap(offSQRing, sqSize)
	if err != nil {
		return nil, nil, nil, err
	}

	if p.Features&FeatSingleMmap != 0 {
		cqMem = sqMem
	} else {
		cqMem, err = k.mmap(offCQRing, cqSize)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	sqeMem, err = k.mmap(offSQEs, int(p.SQEntries)*sqeSize)
	if err != nil {
		return nil, nil, nil, err
	}

	return sqMem, cqMem, sqeMem, nil
}

func (k *kernel) mmap(off int64, size int) ([]byte, error) {
	mem, err := unix.Mmap(k.fd, off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("uring: mmap ring at %#x: %w", off, err)
	}
	k.maps = append(k.maps, mem)
	return mem, nil
}

func (k *kernel) enter(toSubmit, minComplete, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(k.fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		0,
		0,
	)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

func (k *kernel) register(opcode uint32, arg unsafe.Pointer, n uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(k.fd),
		uintptr(opcode),
		uintptr(arg),
		uintptr(n),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (k *kernel) close() error {
	var err error
	for _, mem := range k.maps {
		err = multierr.Append(err, unix.Munmap(mem))
	}
	k.maps = nil
	if k.fd >= 0 {
		err = multierr.Append(err, unix.Close(k.fd))
		k.fd = -1
	}
	if errors.Is(err, unix.EBADF) {
		return fmt.Errorf("%w: %w", ErrEngineFatal, err)
	}
	return err
}
