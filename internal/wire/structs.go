package wire

// TxnDesc is the transaction descriptor exchanged on TRANSACTION/REPLY
// writes and TRANSACTION/REPLY reads (spec §3.1, §6).
//
// On a write it carries either a target handle (call) or is implicitly a
// reply to the caller currently on top of the writer's transaction stack.
// On a read it has been rewritten: DataPtr/OffsetsPtr point into the
// receiving process's own view of its arena (spec §4.1's δ-shifted
// addresses), and Target is unused (the receiver addresses the payload by
// data/offsets pointers, not by resolving a handle again).
type TxnDesc struct {
	Target      uint32 // target handle (0 == context manager); ignored on reply writes
	Cookie      uint64 // opaque value round-tripped to the caller on outbound transactions
	Code        uint32 // opcode, caller-defined
	Flags       uint32 // OneWay / RootObject / StatusCode / AcceptFDs
	SenderPID   int32
	SenderEUID  uint32
	DataSize    uint32
	OffsetsSize uint32
	DataPtr     uint64 // inbound: sender's data pointer; outbound: receiver's view
	OffsetsPtr  uint64 // inbound: sender's offsets pointer; outbound: receiver's view
}

const TxnDescSize = 4 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8

// FlatObject is a flattened-object header embedded in a transaction's
// offsets table (spec §6). Only the fields relevant to Type are meaningful;
// unused union members are left zero.
type FlatObject struct {
	Type   ObjectType
	Flags  uint32
	Ptr    uint64 // ObjTypeBinder / ObjTypeWeakBinder: owner's userspace pointer
	Cookie uint64 // ObjTypeBinder / ObjTypeWeakBinder: owner's opaque cookie
	Handle uint32 // ObjTypeHandle / ObjTypeWeakHandle: process-local descriptor
	FD     int32  // ObjTypeFD: file descriptor
}

const FlatObjectSize = 1 + 4 + 8 + 8 + 4 + 4

// MinPriority returns the minimum worker priority floor carried in Flags.
func (o *FlatObject) MinPriority() uint8 {
	return uint8(o.Flags & ObjFlagsMinPriorityMask)
}

// AcceptsFDs reports whether the owning node accepts file descriptors.
func (o *FlatObject) AcceptsFDs() bool {
	return o.Flags&ObjFlagsAcceptFDs != 0
}

// RefTargetCmd is the payload of INCREFS/ACQUIRE/RELEASE/DECREFS writes: a
// target descriptor. The matching return records carry a
// RefMutationRecord instead.
type RefTargetCmd struct {
	Desc uint32
}

// OwnerAckCmd is the payload of INCREFS_DONE/ACQUIRE_DONE writes: the
// owner's pointer+cookie identifying which node the ack applies to.
type OwnerAckCmd struct {
	Ptr    uint64
	Cookie uint64
}

// FreeBufferCmd is the payload of a FREE_BUFFER write: the user-visible
// address previously handed out in a delivered TRANSACTION/REPLY.
type FreeBufferCmd struct {
	UserAddr uint64
}

// DeathCmd is the payload of REQUEST_DEATH_NOTIFICATION /
// CLEAR_DEATH_NOTIFICATION writes.
type DeathCmd struct {
	Handle uint32
	Cookie uint64
}

// DeadBinderDoneCmd is the payload of a DEAD_BINDER_DONE write.
type DeadBinderDoneCmd struct {
	Cookie uint64
}

// RefMutationRecord is the payload of an INCREFS/ACQUIRE/RELEASE/DECREFS
// return record delivered to a node's owner (spec §4.2): an owner pointer
// and cookie identifying the node.
type RefMutationRecord struct {
	Ptr    uint64
	Cookie uint64
}

// DeathRecord is the payload of a DEAD_BINDER / CLEAR_DEATH_NOTIFICATION_DONE
// return record: the cookie the subscriber registered with.
type DeathRecord struct {
	Cookie uint64
}

// ErrorRecord is the payload of an ERROR return record.
type ErrorRecord struct {
	Errno int32
}
