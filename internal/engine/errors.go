package engine

import "errors"

// Sentinel errors surfaced through the codec's return-code mapping (spec
// §7). Transport- and wire-level errors live in their own packages; these
// are the ones the transaction engine and object graph raise directly.
var (
	ErrNoSpace          = errors.New("engine: arena exhausted")
	ErrAsyncQuotaExceeded = errors.New("engine: async buffer quota exceeded in target arena")
	ErrUnknownHandle    = errors.New("engine: reference descriptor not found")
	ErrUnknownBuffer    = errors.New("engine: buffer offset not allocated")
	ErrDeadTarget       = errors.New("engine: target process is gone")
	ErrNoContextManager = errors.New("engine: no context manager registered")
	ErrContextManagerSet = errors.New("engine: context manager already registered")
	ErrInvalidWorkerState = errors.New("engine: worker not in a state that permits this operation")
	ErrFrozen           = errors.New("engine: target process is frozen")
	ErrDeathAlreadyRegistered = errors.New("engine: death notification already registered for this reference")
	ErrDeathNotRegistered     = errors.New("engine: no death notification registered for this reference")
	ErrReplyNotExpected = errors.New("engine: worker has no outstanding transaction to reply to")
	ErrBufferNotOwnedByCaller = errors.New("engine: buffer does not belong to the freeing process")
	ErrBufferNotDeliverable   = errors.New("engine: buffer has not been delivered yet")
)

// ErrnoOf maps an engine-level error to the negative errno-style code
// carried in an ERROR return record (spec §7). Unrecognized errors map to
// a generic EINVAL-equivalent rather than leaking Go error text onto the
// wire.
func ErrnoOf(err error) int32 {
	switch {
	case errors.Is(err, ErrNoSpace):
		return -12 // ENOMEM
	case errors.Is(err, ErrAsyncQuotaExceeded):
		return -11 // EAGAIN
	case errors.Is(err, ErrUnknownHandle), errors.Is(err, ErrUnknownBuffer):
		return -22 // EINVAL
	case errors.Is(err, ErrDeadTarget):
		return -67 // ENOLINK (peer gone)
	case errors.Is(err, ErrNoContextManager):
		return -2 // ENOENT
	case errors.Is(err, ErrContextManagerSet):
		return -17 // EEXIST
	case errors.Is(err, ErrFrozen):
		return -11 // EAGAIN
	case errors.Is(err, ErrBufferNotDeliverable):
		return -22 // EINVAL
	default:
		return -22 // EINVAL
	}
}
