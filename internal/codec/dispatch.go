package codec

import (
	"fmt"

	"github.com/ipcbroker/ipcbroker/internal/engine"
	"github.com/ipcbroker/ipcbroker/internal/wire"
)

// dispatch executes one decoded command against the broker on behalf of
// s.Worker. Results that belong on the wire are queued onto Todo/
// NeedsReturn by the engine itself; dispatch only surfaces an immediate
// error for a malformed or rejected command (spec §4.6).
func (s *Session) dispatch(cmd wire.Command, payload []byte) error {
	switch cmd {
	case wire.CmdEnterLooper:
		s.Broker.EnterLooper(s.Process)
		return nil

	case wire.CmdRegisterLooper:
		s.Broker.RegisterLooper(s.Process)
		return nil

	case wire.CmdExitLooper:
		s.Broker.ExitLooper(s.Worker)
		return nil

	case wire.CmdIncRefs, wire.CmdAcquire, wire.CmdRelease, wire.CmdDecRefs:
		c, err := wire.UnmarshalRefTargetCmd(payload)
		if err != nil {
			return err
		}
		switch cmd {
		case wire.CmdIncRefs:
			return s.Broker.IncRefs(s.Process, c.Desc)
		case wire.CmdAcquire:
			return s.Broker.Acquire(s.Process, c.Desc)
		case wire.CmdRelease:
			return s.Broker.Release(s.Process, c.Desc)
		default:
			return s.Broker.DecRefs(s.Process, c.Desc)
		}

	case wire.CmdIncRefsDone, wire.CmdAcquireDone:
		c, err := wire.UnmarshalOwnerAckCmd(payload)
		if err != nil {
			return err
		}
		if cmd == wire.CmdIncRefsDone {
			return s.Broker.IncRefsDone(s.Process, c.Ptr, c.Cookie)
		}
		return s.Broker.AcquireDone(s.Process, c.Ptr, c.Cookie)

	case wire.CmdFreeBuffer:
		c, err := wire.UnmarshalFreeBufferCmd(payload)
		if err != nil {
			return err
		}
		region := s.Process.Arena.Region()
		offset := int(int64(c.UserAddr) - region.Delta())
		return s.Broker.FreeBuffer(s.Process, offset)

	case wire.CmdTransaction:
		desc, err := wire.UnmarshalTxnDesc(payload)
		if err != nil {
			return err
		}
		data, err := s.readData(desc)
		if err != nil {
			return err
		}
		objs, err := s.readObjects(desc)
		if err != nil {
			return err
		}
		_, err = s.Broker.Transact(s.Worker, &engine.TransactionRequest{
			Handle: desc.Target, Code: desc.Code, Flags: desc.Flags,
			OneWay: desc.Flags&wire.FlagOneWay != 0,
			Data: data, DataSize: int(desc.DataSize), OffsetsSize: int(desc.OffsetsSize),
			Objects: objs,
		})
		return err

	case wire.CmdReply:
		desc, err := wire.UnmarshalTxnDesc(payload)
		if err != nil {
			return err
		}
		data, err := s.readData(desc)
		if err != nil {
			return err
		}
		objs, err := s.readObjects(desc)
		if err != nil {
			return err
		}
		_, err = s.Broker.Reply(s.Worker, &engine.ReplyRequest{
			Data: data, DataSize: int(desc.DataSize), OffsetsSize: int(desc.OffsetsSize), Objects: objs,
		})
		return err

	case wire.CmdRequestDeathNotification:
		c, err := wire.UnmarshalDeathCmd(payload)
		if err != nil {
			return err
		}
		return s.Broker.RequestDeath(s.Process, c.Handle, c.Cookie)

	case wire.CmdClearDeathNotification:
		c, err := wire.UnmarshalDeathCmd(payload)
		if err != nil {
			return err
		}
		return s.Broker.ClearDeath(s.Process, c.Handle, c.Cookie)

	case wire.CmdDeadBinderDone:
		c, err := wire.UnmarshalDeadBinderDoneCmd(payload)
		if err != nil {
			return err
		}
		s.Broker.DeadBinderDone(s.Process, c.Cookie)
		return nil

	default:
		return fmt.Errorf("codec: unhandled command %s", cmd)
	}
}

// readData copies a transaction descriptor's payload out of the sender's
// own arena view, by the pointer it already gave us, the same way
// readObjects walks the offsets table — the engine never sees the sender's
// region directly, only the bytes this handed it.
func (s *Session) readData(desc *wire.TxnDesc) ([]byte, error) {
	if desc.DataSize == 0 {
		return nil, nil
	}
	region := s.Process.Arena.Region()
	offset := int(int64(desc.DataPtr) - region.Delta())
	raw, err := region.Kernel(offset, int(desc.DataSize))
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	return data, nil
}

// readObjects resolves a transaction descriptor's offsets table into
// flattened objects by reading the sender's own arena view (the sender
// always writes its payload into a buffer it first obtained from a prior
// read — the engine never allocates the write-side buffer, only the
// delivery-side one, so this walks the process's view directly by the
// pointer it already gave us).
func (s *Session) readObjects(desc *wire.TxnDesc) ([]*wire.FlatObject, error) {
	if desc.OffsetsSize == 0 {
		return nil, nil
	}
	region := s.Process.Arena.Region()
	offset := int(int64(desc.OffsetsPtr) - region.Delta())
	raw, err := region.Kernel(offset, int(desc.OffsetsSize))
	if err != nil {
		return nil, err
	}
	count := int(desc.OffsetsSize) / wire.FlatObjectSize
	objs := make([]*wire.FlatObject, 0, count)
	for i := 0; i < count; i++ {
		o, err := wire.UnmarshalFlatObject(raw[i*wire.FlatObjectSize:])
		if err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, nil
}
