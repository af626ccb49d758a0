package ringco

import "fmt"

// KindID identifies a coroutine kind on one thread loop. Zero is
// reserved for requests the loop submits on its own behalf.
type KindID uint8

// SubTag distinguishes several requests outstanding for one instance.
type SubTag uint8

// SubTagSingle is the sub-tag used by instances that never have more
// than one request outstanding.
const SubTagSingle SubTag = 0

// MaxKinds is the number of kinds one loop can host.
const MaxKinds = 255

const internalKind KindID = 0

// Handle names one occupant of an arena slot. A handle kept after its
// instance was reclaimed no longer matches the slot.
type Handle struct {
	Index uint32
	Gen   uint16
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Index, h.Gen)
}

// UserData is the 64-bit correlation value carried by a request and
// returned by its completion:
//
//	kind:8 | sub:8 | generation:16 | index:32
//
// from the most to the least significant bit.
type UserData uint64

const (
	tagIndexBits = 32
	tagGenBits   = 16
	tagSubBits   = 8

	tagGenShift  = tagIndexBits
	tagSubShift  = tagGenShift + tagGenBits
	tagKindShift = tagSubShift + tagSubBits
)

// Encode packs a correlation tag.
func Encode(kind KindID, h Handle, sub SubTag) UserData {
	return UserData(kind)<<tagKindShift |
		UserData(sub)<<tagSubShift |
		UserData(h.Gen)<<tagGenShift |
		UserData(h.Index)
}

// Decode unpacks a correlation tag.
func (u UserData) Decode() (KindID, Handle, SubTag) {
	return KindID(u >> tagKindShift),
		Handle{Index: uint32(u), Gen: uint16(u >> tagGenShift)},
		SubTag(u >> tagSubShift)
}

func (u UserData) String() string {
	k, h, s := u.Decode()
	return fmt.Sprintf("%d/%v/%d", k, h, s)
}

// Sub-tags of the reserved kind.
const (
	internalWake SubTag = iota + 1
	internalTimeout
	internalCancel
)
