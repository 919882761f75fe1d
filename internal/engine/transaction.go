package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ipcbroker/ipcbroker/internal/pagemap"
	"github.com/ipcbroker/ipcbroker/internal/wire"
)

// Transaction is one in-flight call or reply (spec §3.1, component C4). A
// synchronous (non-oneway) transaction lives on two stacks simultaneously
// while unresolved: the sender Worker's Stack (it is blocked awaiting
// Reply) and the receiver Worker's Stack once a specific worker has been
// chosen to own replying to it.
type Transaction struct {
	ID uuid.UUID

	FromProc   *Process
	FromWorker *Worker

	ToProc   *Process
	ToNode   *Node   // nil for a reply
	ToWorker *Worker // resolved delivery target; nil until a worker commits to it

	Buffer *Buffer

	OneWay  bool
	IsReply bool
	Failed  bool // synthesized failure reply (spec §4.4 send_failed_reply)

	Code       uint32
	Flags      uint32
	SenderEUID uint32
	Priority   uint8

	ReplyTo *Transaction // set on a reply, points back to the call it answers

	CreatedAt time.Time // set on a synchronous call's build, used to time its reply (ambient metrics only, not part of the wire protocol)
}

// TransactionRequest is the engine-facing description of a BC_TRANSACTION
// or BC_REPLY the codec has already decoded off the wire.
type TransactionRequest struct {
	Handle      uint32 // target reference descriptor; ignored for replies
	Code        uint32
	Flags       uint32
	OneWay      bool
	Data        []byte // sender's raw payload bytes, DataSize long
	DataSize    int
	OffsetsSize int
	Objects     []*wire.FlatObject
	Priority    uint8
}

// selectTarget chooses which worker in `to` should receive a freshly built
// non-reply transaction from `from`, applying spec §4.4's call-stealing
// rule: if some worker in `to` is already blocked waiting for a reply from
// `from`'s process, hand the new work directly to that worker rather than
// waking (or spawning) another one, since that worker cannot make progress
// on anything else until `from` answers it anyway.
func selectTarget(to *Process, from *Worker) *Worker {
	for _, w := range to.Workers {
		if t := w.top(); t != nil && t.ToProc == from.Owner && !t.OneWay && !t.IsReply {
			return w
		}
	}
	for _, w := range to.Workers {
		if w.Waiting {
			return w
		}
	}
	return nil
}

// Transact builds and delivers a new call or (via Reply) a response. On
// success it returns the Transaction that was enqueued; the caller (the
// codec, driving this on behalf of `from`) is responsible for blocking
// `from` until a BR_REPLY/BR_TRANSACTION_COMPLETE/BR_DEAD_REPLY/
// BR_FAILED_REPLY surfaces on its Todo, which is outside the engine's
// concern (spec §0: the read/write loop is ambient plumbing).
func (b *Broker) Transact(from *Worker, req *TransactionRequest) (*Transaction, error) {
	toProc, toNode, err := b.resolveTarget(from.Owner, req.Handle)
	if err != nil {
		return nil, err
	}
	if toProc.Dead {
		return nil, ErrDeadTarget
	}

	buf, err := toProc.Arena.Alloc(req.DataSize, req.OffsetsSize, req.OneWay)
	if err != nil {
		b.hooks.OnBufferAllocFailure(errors.Is(err, ErrAsyncQuotaExceeded))
		return nil, err
	}
	undo, err := translateObjects(b, from.Owner, toProc, req.Objects, buf)
	if err != nil {
		toProc.Arena.Free(buf)
		undo()
		return nil, err
	}
	if err := writeBuffer(toProc.Arena.Region(), buf, req.Data, req.Objects); err != nil {
		toProc.Arena.Free(buf)
		undo()
		return nil, err
	}
	b.hooks.OnTransaction(req.DataSize, req.OneWay)

	t := &Transaction{
		ID:         uuid.New(),
		FromProc:   from.Owner,
		FromWorker: from,
		ToProc:     toProc,
		ToNode:     toNode,
		Buffer:     buf,
		OneWay:     req.OneWay,
		Code:       req.Code,
		Flags:      req.Flags,
		SenderEUID: from.Owner.EUID,
		Priority:   req.Priority,
		CreatedAt:  time.Now(),
	}
	buf.Target = toNode.ID
	buf.Txn = t

	if req.OneWay {
		// Buffer is allocated (and charged against the async quota) at
		// send time regardless of delivery order; only dispatch to the
		// node's reader is deferred while another async call is already
		// in flight (spec §4.2's "at most one in-flight async per node").
		item := &WorkItem{Kind: WorkTransaction, Txn: t}
		if toNode.AsyncInFlight {
			toNode.AsyncTodo = append(toNode.AsyncTodo, item)
		} else {
			toNode.AsyncInFlight = true
			toProc.Todo.Push(item)
		}
		return t, nil
	}

	target := selectTarget(toProc, from)
	t.ToWorker = target
	from.push(t)
	if target != nil {
		b.UnparkWorker(target)
		target.push(t)
		target.Todo.PushFront(&WorkItem{Kind: WorkTransaction, Txn: t})
	} else {
		toProc.Todo.Push(&WorkItem{Kind: WorkTransaction, Txn: t})
		b.maybeRequestSpawn(toProc)
	}
	return t, nil
}

// ReplyRequest is the engine-facing description of a BC_REPLY.
type ReplyRequest struct {
	Data        []byte // sender's raw payload bytes, DataSize long
	DataSize    int
	OffsetsSize int
	Objects     []*wire.FlatObject
}

// Reply answers the transaction at the top of from's stack. The reply is
// always delivered straight to the specific worker that sent the original
// call — never through process-level queueing or idle-worker selection —
// because that worker's identity, not just its process, is what's blocked
// (spec §4.4).
func (b *Broker) Reply(from *Worker, req *ReplyRequest) (*Transaction, error) {
	t := from.pop()
	if t == nil || t.OneWay || t.IsReply {
		return nil, ErrReplyNotExpected
	}

	buf, err := t.FromProc.Arena.Alloc(req.DataSize, req.OffsetsSize, false)
	if err != nil {
		b.hooks.OnBufferAllocFailure(false)
		b.sendFailedReply(t)
		return nil, err
	}
	undo, err := translateObjects(b, from.Owner, t.FromProc, req.Objects, buf)
	if err != nil {
		t.FromProc.Arena.Free(buf)
		undo()
		b.sendFailedReply(t)
		return nil, err
	}
	if err := writeBuffer(t.FromProc.Arena.Region(), buf, req.Data, req.Objects); err != nil {
		t.FromProc.Arena.Free(buf)
		undo()
		b.sendFailedReply(t)
		return nil, err
	}
	b.hooks.OnReply(req.DataSize, uint64(time.Since(t.CreatedAt).Nanoseconds()), false)

	reply := &Transaction{
		ID:         uuid.New(),
		FromProc:   from.Owner,
		FromWorker: from,
		ToProc:     t.FromProc,
		ToWorker:   t.FromWorker,
		Buffer:     buf,
		IsReply:    true,
		ReplyTo:    t,
		SenderEUID: from.Owner.EUID,
	}
	buf.Txn = reply

	t.FromWorker.pop()
	t.FromWorker.Todo.PushFront(&WorkItem{Kind: WorkTransaction, Txn: reply})
	from.Todo.Push(&WorkItem{Kind: WorkTransactionComplete, Txn: t})
	return reply, nil
}

// sendFailedReply synthesizes a BR_FAILED_REPLY for the caller of t when
// the replying side could not build its response (spec §4.4
// send_failed_reply), unwinding t's place on the caller's stack so it is
// not left blocked forever.
func (b *Broker) sendFailedReply(t *Transaction) {
	t.FromWorker.pop()
	fail := &Transaction{ID: uuid.New(), IsReply: true, Failed: true, ReplyTo: t, ToProc: t.FromProc, ToWorker: t.FromWorker}
	t.FromWorker.Todo.PushFront(&WorkItem{Kind: WorkTransaction, Txn: fail})
	b.hooks.OnReply(0, uint64(time.Since(t.CreatedAt).Nanoseconds()), true)
}

// resolveTarget maps a reference descriptor in from's process to the
// (process, node) pair it names. Descriptor 0 is the context manager
// singleton (spec §4.7).
func (b *Broker) resolveTarget(from *Process, handle uint32) (*Process, *Node, error) {
	if handle == wire.ContextManagerDescriptor {
		if b.contextManager == nil {
			return nil, nil, ErrNoContextManager
		}
		return b.contextManager.Owner, b.contextManager, nil
	}
	ref, ok := from.RefsByDesc[handle]
	if !ok {
		return nil, nil, ErrUnknownHandle
	}
	if ref.Target.Owner == nil {
		// The node outlived its owner (spec §3.2 invariant 2: an orphaned
		// node stays reachable while references remain) but there is no
		// longer anyone to deliver a call to.
		return nil, nil, ErrDeadTarget
	}
	return ref.Target.Owner, ref.Target, nil
}

// writeBuffer copies the sender's payload and the (already translated)
// object table into buf's backing pages, per spec §4.4.1's "copy data_size
// bytes of payload and offsets_size bytes of offsets from the sender's
// address space into the buffer" — the step that makes a transaction a
// real byte-for-byte handoff rather than just a reservation of zero-filled
// pages.
func writeBuffer(region pagemap.Region, buf *Buffer, data []byte, objs []*wire.FlatObject) error {
	if len(data) > 0 {
		dst, err := region.Kernel(buf.Offset, len(data))
		if err != nil {
			return err
		}
		copy(dst, data)
	}
	if len(objs) == 0 {
		return nil
	}
	offStart := buf.Offset + alignUp(buf.DataSize, pointerAlign)
	dst, err := region.Kernel(offStart, buf.OffsetsSize)
	if err != nil {
		return err
	}
	for i, obj := range objs {
		copy(dst[i*wire.FlatObjectSize:], wire.MarshalFlatObject(obj))
	}
	return nil
}

// translateObjects rewrites each flattened object in place as it crosses
// from fromProc into toProc, per spec §4.4's object translation table,
// recording the hold each translated entry places on buf's object table
// (spec §4.4.4) so FreeBuffer can release it later, and returns an undo
// closure that reverts every refcount change made so far — called by the
// caller on any later failure so a partially translated transaction never
// leaks a refcount.
func translateObjects(b *Broker, fromProc, toProc *Process, objs []*wire.FlatObject, buf *Buffer) (func(), error) {
	var undos []func()
	undo := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}

	for _, obj := range objs {
		switch obj.Type {
		case wire.ObjTypeBinder, wire.ObjTypeWeakBinder:
			strong := obj.Type == wire.ObjTypeBinder
			node := b.findOrCreateNode(fromProc, obj.Ptr, obj.Cookie)

			ref := toProc.referenceTo(node)
			if ref == nil {
				ref = toProc.newReference(node, toProc.allocDesc())
				undos = append(undos, func() { ref.drop() })
			}
			if strong {
				ref.addStrong()
			} else {
				ref.addWeak()
			}
			b.adjustNodeRefs(node)
			local := ref
			undos = append(undos, func() {
				if strong {
					local.subStrong()
				} else {
					local.subWeak()
				}
				b.adjustNodeRefs(node)
			})
			buf.Objects = append(buf.Objects, bufferObject{Ref: ref, Strong: strong})

			obj.Type = wire.ObjTypeHandle
			if !strong {
				obj.Type = wire.ObjTypeWeakHandle
			}
			obj.Handle = ref.Desc
			obj.Ptr, obj.Cookie = 0, 0

		case wire.ObjTypeHandle, wire.ObjTypeWeakHandle:
			strong := obj.Type == wire.ObjTypeHandle
			ref, ok := fromProc.RefsByDesc[obj.Handle]
			if !ok {
				undo()
				return func() {}, ErrUnknownHandle
			}
			node := ref.Target

			if node.Owner == toProc {
				// Same-process shortcut (spec §4.4): handing a process
				// back its own node collapses to a direct binder object.
				// The buffer itself now names the node directly, so it
				// takes a local hold on it (not an internal one — toProc
				// already owns this node) that persists until the
				// receiver frees the buffer (spec §4.4.4's node_dec).
				if strong {
					node.LocalStrong++
				} else {
					node.LocalWeak++
				}
				b.adjustNodeRefs(node)
				undos = append(undos, func() {
					if strong {
						node.LocalStrong--
					} else {
						node.LocalWeak--
					}
					b.adjustNodeRefs(node)
				})
				buf.Objects = append(buf.Objects, bufferObject{Node: node, Strong: strong})

				obj.Type = wire.ObjTypeBinder
				if !strong {
					obj.Type = wire.ObjTypeWeakBinder
				}
				obj.Handle = 0
				obj.Ptr = node.Ptr
				obj.Cookie = node.Cookie
				continue
			}

			out := toProc.referenceTo(node)
			if out == nil {
				out = toProc.newReference(node, toProc.allocDesc())
				local := out
				undos = append(undos, func() { local.drop() })
			}
			if strong {
				out.addStrong()
			} else {
				out.addWeak()
			}
			b.adjustNodeRefs(node)
			local := out
			undos = append(undos, func() {
				if strong {
					local.subStrong()
				} else {
					local.subWeak()
				}
				b.adjustNodeRefs(node)
			})
			buf.Objects = append(buf.Objects, bufferObject{Ref: out, Strong: strong})
			obj.Handle = out.Desc

		case wire.ObjTypeFD:
			// Duplicating the underlying descriptor across process
			// boundaries is a transport-level concern (spec §0); the
			// engine only round-trips the numeric value unexamined. No
			// object-table entry is recorded since there is no refcount
			// to release on free.
		}
	}
	return undo, nil
}

