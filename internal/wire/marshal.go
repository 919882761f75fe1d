package wire

import (
	"encoding/binary"
	"fmt"
)

// MarshalError reports a fixed-layout encode/decode failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const ErrInsufficientData MarshalError = "insufficient data for unmarshaling"

// PutHeader appends a little-endian record header: the u32 code that its
// payload follows, matching spec §4.6's "(u32 code, payload)" record
// stream.
func PutHeader(buf []byte, code uint32) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], code)
	return append(buf, hdr[:]...)
}

// ReadHeader reads a u32 code from the front of data.
func ReadHeader(data []byte) (code uint32, rest []byte, err error) {
	if len(data) < 4 {
		return 0, nil, ErrInsufficientData
	}
	return binary.LittleEndian.Uint32(data[0:4]), data[4:], nil
}

func MarshalTxnDesc(t *TxnDesc) []byte {
	buf := make([]byte, TxnDescSize)
	o := 0
	binary.LittleEndian.PutUint32(buf[o:o+4], t.Target)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:o+8], t.Cookie)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:o+4], t.Code)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], t.Flags)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], uint32(t.SenderPID))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], t.SenderEUID)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], t.DataSize)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], t.OffsetsSize)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:o+8], t.DataPtr)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], t.OffsetsPtr)
	return buf
}

func UnmarshalTxnDesc(data []byte) (*TxnDesc, error) {
	if len(data) < TxnDescSize {
		return nil, ErrInsufficientData
	}
	t := &TxnDesc{}
	o := 0
	t.Target = binary.LittleEndian.Uint32(data[o : o+4])
	o += 4
	t.Cookie = binary.LittleEndian.Uint64(data[o : o+8])
	o += 8
	t.Code = binary.LittleEndian.Uint32(data[o : o+4])
	o += 4
	t.Flags = binary.LittleEndian.Uint32(data[o : o+4])
	o += 4
	t.SenderPID = int32(binary.LittleEndian.Uint32(data[o : o+4]))
	o += 4
	t.SenderEUID = binary.LittleEndian.Uint32(data[o : o+4])
	o += 4
	t.DataSize = binary.LittleEndian.Uint32(data[o : o+4])
	o += 4
	t.OffsetsSize = binary.LittleEndian.Uint32(data[o : o+4])
	o += 4
	t.DataPtr = binary.LittleEndian.Uint64(data[o : o+8])
	o += 8
	t.OffsetsPtr = binary.LittleEndian.Uint64(data[o : o+8])
	return t, nil
}

func MarshalFlatObject(o *FlatObject) []byte {
	buf := make([]byte, FlatObjectSize)
	i := 0
	buf[i] = byte(o.Type)
	i++
	binary.LittleEndian.PutUint32(buf[i:i+4], o.Flags)
	i += 4
	binary.LittleEndian.PutUint64(buf[i:i+8], o.Ptr)
	i += 8
	binary.LittleEndian.PutUint64(buf[i:i+8], o.Cookie)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:i+4], o.Handle)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:i+4], uint32(o.FD))
	return buf
}

func UnmarshalFlatObject(data []byte) (*FlatObject, error) {
	if len(data) < FlatObjectSize {
		return nil, ErrInsufficientData
	}
	o := &FlatObject{}
	i := 0
	o.Type = ObjectType(data[i])
	i++
	o.Flags = binary.LittleEndian.Uint32(data[i : i+4])
	i += 4
	o.Ptr = binary.LittleEndian.Uint64(data[i : i+8])
	i += 8
	o.Cookie = binary.LittleEndian.Uint64(data[i : i+8])
	i += 8
	o.Handle = binary.LittleEndian.Uint32(data[i : i+4])
	i += 4
	o.FD = int32(binary.LittleEndian.Uint32(data[i : i+4]))
	return o, nil
}

func MarshalRefTargetCmd(c *RefTargetCmd) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, c.Desc)
	return buf
}

func UnmarshalRefTargetCmd(data []byte) (*RefTargetCmd, error) {
	if len(data) < 4 {
		return nil, ErrInsufficientData
	}
	return &RefTargetCmd{Desc: binary.LittleEndian.Uint32(data[0:4])}, nil
}

func MarshalOwnerAckCmd(c *OwnerAckCmd) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.Ptr)
	binary.LittleEndian.PutUint64(buf[8:16], c.Cookie)
	return buf
}

func UnmarshalOwnerAckCmd(data []byte) (*OwnerAckCmd, error) {
	if len(data) < 16 {
		return nil, ErrInsufficientData
	}
	return &OwnerAckCmd{
		Ptr:    binary.LittleEndian.Uint64(data[0:8]),
		Cookie: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

func MarshalFreeBufferCmd(c *FreeBufferCmd) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, c.UserAddr)
	return buf
}

func UnmarshalFreeBufferCmd(data []byte) (*FreeBufferCmd, error) {
	if len(data) < 8 {
		return nil, ErrInsufficientData
	}
	return &FreeBufferCmd{UserAddr: binary.LittleEndian.Uint64(data[0:8])}, nil
}

func MarshalDeathCmd(c *DeathCmd) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], c.Handle)
	binary.LittleEndian.PutUint64(buf[4:12], c.Cookie)
	return buf
}

func UnmarshalDeathCmd(data []byte) (*DeathCmd, error) {
	if len(data) < 12 {
		return nil, ErrInsufficientData
	}
	return &DeathCmd{
		Handle: binary.LittleEndian.Uint32(data[0:4]),
		Cookie: binary.LittleEndian.Uint64(data[4:12]),
	}, nil
}

func MarshalDeadBinderDoneCmd(c *DeadBinderDoneCmd) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, c.Cookie)
	return buf
}

func UnmarshalDeadBinderDoneCmd(data []byte) (*DeadBinderDoneCmd, error) {
	if len(data) < 8 {
		return nil, ErrInsufficientData
	}
	return &DeadBinderDoneCmd{Cookie: binary.LittleEndian.Uint64(data[0:8])}, nil
}

func MarshalRefMutationRecord(r *RefMutationRecord) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], r.Ptr)
	binary.LittleEndian.PutUint64(buf[8:16], r.Cookie)
	return buf
}

func MarshalDeathRecord(r *DeathRecord) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.Cookie)
	return buf
}

func MarshalErrorRecord(r *ErrorRecord) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(r.Errno))
	return buf
}

// PutTxnDesc appends a TRANSACTION/REPLY/FAILED_REPLY return record: the
// ret code header followed by the marshaled descriptor.
func PutTxnDesc(buf []byte, ret ReturnCode, t *TxnDesc) []byte {
	buf = PutHeader(buf, uint32(ret))
	return append(buf, MarshalTxnDesc(t)...)
}

// PutRefMutationRecord appends an INCREFS/ACQUIRE/RELEASE/DECREFS return
// record addressed to a node's owner.
func PutRefMutationRecord(buf []byte, ret ReturnCode, ptr, cookie uint64) []byte {
	buf = PutHeader(buf, uint32(ret))
	return append(buf, MarshalRefMutationRecord(&RefMutationRecord{Ptr: ptr, Cookie: cookie})...)
}

// PutDeathRecord appends a DEAD_BINDER or CLEAR_DEATH_NOTIFICATION_DONE
// return record.
func PutDeathRecord(buf []byte, ret ReturnCode, cookie uint64) []byte {
	buf = PutHeader(buf, uint32(ret))
	return append(buf, MarshalDeathRecord(&DeathRecord{Cookie: cookie})...)
}

// PutErrorRecord appends an ERROR return record.
func PutErrorRecord(buf []byte, errno int32) []byte {
	buf = PutHeader(buf, uint32(RetError))
	return append(buf, MarshalErrorRecord(&ErrorRecord{Errno: errno})...)
}

// AlignUp rounds n up to the given pointer alignment (spec §4.1).
func AlignUp(n, align int) int {
	if align <= 0 {
		panic(fmt.Sprintf("wire: invalid alignment %d", align))
	}
	return (n + align - 1) &^ (align - 1)
}
