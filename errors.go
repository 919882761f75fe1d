// Package ipcbroker is the public API for embedding the object-reference
// and transaction broker: admitting processes, driving their write_read
// calls over a transport.Conn, and observing the result.
package ipcbroker

import (
	"errors"
	"fmt"

	"github.com/ipcbroker/ipcbroker/internal/engine"
)

// Error represents a structured broker error with enough context to tell a
// caller which process/worker/transaction it came from.
type Error struct {
	Op     string    // operation that failed (e.g., "TRANSACTION", "FREE_BUFFER")
	Code   ErrorCode // high-level category, spec §7
	Errno  int32     // negative errno-style code as carried on the wire, 0 if not applicable
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("ipcbroker: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("ipcbroker: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the broker's four-way error taxonomy (spec §7): a malformed
// request from the caller, the broker running out of a bounded resource,
// the peer the caller addressed having died, or an invariant the engine
// itself should never violate.
type ErrorCode string

const (
	ErrCodeUserInput         ErrorCode = "invalid request"
	ErrCodeUnknownHandle     ErrorCode = "unknown reference descriptor"
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	ErrCodeAsyncQuota        ErrorCode = "async buffer quota exceeded"
	ErrCodePeerDead          ErrorCode = "peer is dead"
	ErrCodeNoContextManager  ErrorCode = "no context manager registered"
	ErrCodeInternal          ErrorCode = "internal invariant violation"
)

// NewError creates a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps inner with broker context, mapping engine sentinel
// errors onto the public ErrorCode taxonomy.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: be.Code, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	return &Error{Op: op, Code: classify(inner), Msg: inner.Error(), Inner: inner}
}

func classify(err error) ErrorCode {
	switch {
	case errors.Is(err, engine.ErrNoSpace):
		return ErrCodeResourceExhausted
	case errors.Is(err, engine.ErrAsyncQuotaExceeded):
		return ErrCodeAsyncQuota
	case errors.Is(err, engine.ErrUnknownHandle), errors.Is(err, engine.ErrUnknownBuffer):
		return ErrCodeUnknownHandle
	case errors.Is(err, engine.ErrDeadTarget):
		return ErrCodePeerDead
	case errors.Is(err, engine.ErrNoContextManager):
		return ErrCodeNoContextManager
	case errors.Is(err, engine.ErrInvalidWorkerState), errors.Is(err, engine.ErrReplyNotExpected):
		return ErrCodeInternal
	default:
		return ErrCodeUserInput
	}
}

// IsCode reports whether err (or any error it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
