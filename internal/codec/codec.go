// Package codec drives one write_read batch against the engine: it parses
// a process's write stream into broker calls and serializes the broker's
// resulting return-code stream back (spec §4.6, §6, component C6). It is
// the only caller of internal/engine that speaks the wire format; engine
// itself never imports internal/wire's framing helpers directly into its
// call/reply bookkeeping.
package codec

import (
	"context"
	"fmt"

	"github.com/ipcbroker/ipcbroker/internal/engine"
	"github.com/ipcbroker/ipcbroker/internal/logging"
	"github.com/ipcbroker/ipcbroker/internal/wire"
)

// Session binds a codec pass to one process's Worker and the Broker it
// belongs to.
type Session struct {
	Broker  *engine.Broker
	Process *engine.Process
	Worker  *engine.Worker
	log     *logging.Logger
}

func NewSession(b *engine.Broker, proc *engine.Process, w *engine.Worker, log *logging.Logger) *Session {
	if log == nil {
		log = logging.Default()
	}
	return &Session{Broker: b, Process: proc, Worker: w, log: log}
}

// WriteRead consumes every command framed in write, driving the broker,
// and appends every resulting return record to a fresh read buffer
// (spec §4.6). It holds the broker's mutex for the whole batch, matching
// how real binder serializes write_read calls against proc->inner_lock.
func (s *Session) WriteRead(write []byte) (read []byte, err error) {
	s.Broker.Lock()
	defer s.Broker.Unlock()

	for len(write) > 0 {
		cmd, rest, n, err := decodeCommand(write)
		if err != nil {
			return read, err
		}
		write = rest
		payload := write[:n]
		write = write[n:]
		if err := s.dispatch(cmd, payload); err != nil {
			read = appendError(read, err)
			if s.Broker.StopOnUserError() {
				return read, err
			}
			continue
		}
	}

	s.Broker.Broadcast()
	read = s.drainReturns(read)
	if len(read) == 0 {
		read = wire.PutHeader(read, uint32(wire.RetNoop))
	}
	return read, nil
}

// BlockingRead behaves like WriteRead(nil) except that when the worker has
// no return records and nothing was delivered, it parks on the broker's
// condition variable instead of returning a bare NOOP (spec §4.3's looper
// thread spending most of its life blocked in the read call). Parking makes
// the worker eligible for call-stealing and reply delivery (spec §4.4)
// while it waits. ctx cancellation unparks it with ctx.Err().
func (s *Session) BlockingRead(ctx context.Context) ([]byte, error) {
	s.Broker.Lock()
	defer s.Broker.Unlock()

	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Broker.Lock()
				s.Broker.Broadcast()
				s.Broker.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	s.Broker.ParkWorker(s.Worker)
	for {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				s.Broker.UnparkWorker(s.Worker)
				return nil, err
			}
		}
		read := s.drainReturns(nil)
		if len(read) > 0 {
			s.Broker.UnparkWorker(s.Worker)
			return read, nil
		}
		s.Broker.Wait()
	}
}

// decodeCommand reads the u32 command code and returns the payload length
// the caller must still consume for that command, per the fixed-size
// layouts in internal/wire.
func decodeCommand(buf []byte) (cmd wire.Command, rest []byte, payloadLen int, err error) {
	code, rest, err := wire.ReadHeader(buf)
	if err != nil {
		return 0, nil, 0, err
	}
	cmd = wire.Command(code)
	n, err := payloadSize(cmd)
	if err != nil {
		return 0, nil, 0, err
	}
	if len(rest) < n {
		return 0, nil, 0, wire.ErrInsufficientData
	}
	return cmd, rest, n, nil
}

func payloadSize(cmd wire.Command) (int, error) {
	switch cmd {
	case wire.CmdIncRefs, wire.CmdAcquire, wire.CmdRelease, wire.CmdDecRefs:
		return 4, nil // RefTargetCmd
	case wire.CmdIncRefsDone, wire.CmdAcquireDone:
		return 16, nil // OwnerAckCmd
	case wire.CmdFreeBuffer:
		return 8, nil // FreeBufferCmd
	case wire.CmdTransaction, wire.CmdReply:
		return wire.TxnDescSize, nil
	case wire.CmdRegisterLooper, wire.CmdEnterLooper, wire.CmdExitLooper:
		return 0, nil
	case wire.CmdRequestDeathNotification, wire.CmdClearDeathNotification:
		return 12, nil // DeathCmd
	case wire.CmdDeadBinderDone:
		return 8, nil // DeadBinderDoneCmd
	case wire.CmdAttemptAcquire, wire.CmdAcquireResult:
		return 0, fmt.Errorf("codec: %s is reserved and must not be used", cmd)
	default:
		return 0, fmt.Errorf("codec: unknown command %d", cmd)
	}
}

func appendError(read []byte, err error) []byte {
	errno := engine.ErrnoOf(err)
	return wire.PutErrorRecord(read, errno)
}

// drainReturns flushes whatever engine state the write phase queued for
// this worker — its own Todo plus any NeedsReturn fast-path item — into
// wire return records (spec §4.6's read phase). A transaction's Buffer
// pointers are shifted by the arena's kernel/user delta before they reach
// the wire, since the reader only ever sees its own User view.
func (s *Session) drainReturns(read []byte) []byte {
	if s.Worker.NeedsReturn != nil {
		read = s.encodeWorkItem(read, s.Worker.NeedsReturn)
		s.Worker.NeedsReturn = nil
	}
	for {
		item := s.Worker.Todo.Pop()
		if item == nil {
			break
		}
		read = s.encodeWorkItem(read, item)
	}
	return read
}

func (s *Session) encodeWorkItem(read []byte, item *engine.WorkItem) []byte {
	switch item.Kind {
	case engine.WorkSpawnLooperRequest:
		return wire.PutHeader(read, uint32(wire.RetSpawnLooper))

	case engine.WorkTransaction:
		t := item.Txn
		ret := wire.RetTransaction
		if t.IsReply {
			ret = wire.RetReply
			if t.Failed {
				ret = wire.RetFailedReply
			}
		}
		return appendTxnDesc(read, ret, t)

	case engine.WorkTransactionComplete:
		return wire.PutHeader(read, uint32(wire.RetTransactionComplete))

	case engine.WorkNodeRefs:
		var ret wire.ReturnCode
		switch item.RefOp {
		case engine.NodeIncRefs:
			ret = wire.RetIncRefs
		case engine.NodeAcquire:
			ret = wire.RetAcquire
		case engine.NodeRelease:
			ret = wire.RetRelease
		case engine.NodeDecRefs:
			ret = wire.RetDecRefs
		}
		return wire.PutRefMutationRecord(read, ret, item.Node.Ptr, item.Node.Cookie)

	case engine.WorkDeadBinder, engine.WorkDeadBinderAndClear:
		// A combined item's clear-done half is queued by DeadBinderDone
		// once the subscriber acks this DEAD_BINDER.
		return wire.PutDeathRecord(read, wire.RetDeadBinder, item.Death.Cookie)

	case engine.WorkClearDeathAck:
		return wire.PutDeathRecord(read, wire.RetClearDeathNotificationDone, item.Death.Cookie)

	case engine.WorkFlush:
		return wire.PutHeader(read, uint32(wire.RetNoop))

	default:
		return read
	}
}

func appendTxnDesc(read []byte, ret wire.ReturnCode, t *engine.Transaction) []byte {
	desc := wire.TxnDesc{Code: t.Code, Flags: t.Flags, SenderEUID: t.SenderEUID}
	if t.Buffer != nil {
		// Delivery (spec §4.4.2): the receiver is only now actually shown
		// this buffer's pointers, so only now may it ask to free it.
		t.Buffer.AllowUserFree = true
		region := t.ToProc.Arena.Region()
		delta := region.Delta()
		desc.DataSize = uint32(t.Buffer.DataSize)
		desc.OffsetsSize = uint32(t.Buffer.OffsetsSize)
		desc.DataPtr = uint64(int64(t.Buffer.Offset) + delta)
		desc.OffsetsPtr = desc.DataPtr + uint64(pointerAlignUp(t.Buffer.DataSize))
	}
	return wire.PutTxnDesc(read, ret, &desc)
}

func pointerAlignUp(n int) int { return (n + 7) &^ 7 }
