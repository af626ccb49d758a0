package uring

import (
	"fmt"
	"unsafe"
)

// Opcodes, numbered as in include/uapi/linux/io_uring.h.
const (
	OpNop uint8 = iota
	OpReadv
	OpWritev
	OpFsync
	OpReadFixed
	OpWriteFixed
	OpPollAdd
	OpPollRemove
	OpSyncFileRange
	OpSendmsg
	OpRecvmsg
	OpTimeout
	OpTimeoutRemove
	OpAccept
	OpAsyncCancel
	OpLinkTimeout
	OpConnect
	OpFallocate
	OpOpenat
	OpClose
	OpFilesUpdate
	OpStatx
	OpRead
	OpWrite
	OpFadvise
	OpMadvise
	OpSend
	OpRecv
	OpOpenat2
	OpEpollCtl
	OpSplice
	OpProvideBuffers
	OpRemoveBuffers
	OpTee
	OpShutdown
	OpRenameat
	OpUnlinkat
	OpMkdirat
	OpSymlinkat
	OpLinkat
	OpMsgRing
	OpFsetxattr
	OpSetxattr
	OpFgetxattr
	OpGetxattr
	OpSocket

	// opLast is one past the highest opcode this package knows how to
	// submit.
	opLast
)

// Setup flags (io_uring_params.flags).
const (
	SetupIOPoll       uint32 = 1 << 0
	SetupSQPoll       uint32 = 1 << 1
	SetupSQAff        uint32 = 1 << 2
	SetupCQSize       uint32 = 1 << 3
	SetupClamp        uint32 = 1 << 4
	SetupAttachWQ     uint32 = 1 << 5
	SetupRDisabled    uint32 = 1 << 6
	SetupSubmitAll    uint32 = 1 << 7
	SetupCoopTaskrun  uint32 = 1 << 8
	SetupTaskrunFlag  uint32 = 1 << 9
	SetupSQE128       uint32 = 1 << 10
	SetupCQE32        uint32 = 1 << 11
	SetupSingleIssuer uint32 = 1 << 12
	SetupDeferTaskrun uint32 = 1 << 13
)

// Feature bits reported back in io_uring_params.features.
const (
	FeatSingleMmap     uint32 = 1 << 0
	FeatNoDrop         uint32 = 1 << 1
	FeatSubmitStable   uint32 = 1 << 2
	FeatRWCurPos       uint32 = 1 << 3
	FeatCurPersonality uint32 = 1 << 4
	FeatFastPoll       uint32 = 1 << 5
	FeatPoll32Bits     uint32 = 1 << 6
	FeatSQPollNonfixed uint32 = 1 << 7
	FeatExtArg         uint32 = 1 << 8
)

// io_uring_enter flags.
const (
	EnterGetEvents uint32 = 1 << 0
	EnterSQWakeup  uint32 = 1 << 1
	EnterSQWait    uint32 = 1 << 2
	EnterExtArg    uint32 = 1 << 3
)

// SQ ring flags.
const (
	sqNeedWakeup uint32 = 1 << 0
	sqCQOverflow uint32 = 1 << 1
)

// Per-request SQE flags.
const (
	SQEFixedFile      uint8 = 1 << 0
	SQEIODrain        uint8 = 1 << 1
	SQEIOLink         uint8 = 1 << 2
	SQEIOHardlink     uint8 = 1 << 3
	SQEAsync          uint8 = 1 << 4
	SQEBufferSelect   uint8 = 1 << 5
	SQECQESkipSuccess uint8 = 1 << 6
)

// CQE flags.
const (
	CQEFBuffer       uint32 = 1 << 0
	CQEFMore         uint32 = 1 << 1
	CQEFSockNonempty uint32 = 1 << 2
	CQEFNotif        uint32 = 1 << 3
)

// io_uring_register opcodes.
const (
	registerBuffers   uint32 = 0
	unregisterBuffers uint32 = 1
	registerFiles     uint32 = 2
	unregisterFiles   uint32 = 3
	registerProbe     uint32 = 8
)

// Timeout flags.
const (
	TimeoutAbs uint32 = 1 << 0
)

// mmap offsets.
const (
	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000
)

const (
	sqeSize = 64
	cqeSize = 16
)

// SQE is struct io_uring_sqe. Unions are flattened to the member the
// request builders in this package use; OpFlags carries rw_flags,
// msg_flags, accept_flags, timeout_flags, cancel_flags and poll32_events
// depending on the opcode.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_           uint64
}

// CQE is struct io_uring_cqe without the CQE32 extension.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type sqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type cqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// params is struct io_uring_params.
type params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        sqRingOffsets
	CQOff        cqRingOffsets
}

// Timespec is struct __kernel_timespec. TIMEOUT requests point at one;
// it must stay reachable until the request completes.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// iovec mirrors struct iovec for buffer registration.
type iovec struct {
	Base *byte
	Len  uint64
}

func init() {
	if sz := unsafe.Sizeof(SQE{}); sz != sqeSize {
		panic(fmt.Sprintf("uring: SQE size %d, kernel expects %d", sz, sqeSize))
	}
	if sz := unsafe.Sizeof(CQE{}); sz != cqeSize {
		panic(fmt.Sprintf("uring: CQE size %d, kernel expects %d", sz, cqeSize))
	}
	if sz := unsafe.Sizeof(params{}); sz != 120 {
		panic(fmt.Sprintf("uring: io_uring_params size %d, kernel expects 120", sz))
	}
}
