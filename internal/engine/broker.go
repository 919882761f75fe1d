package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ipcbroker/ipcbroker/internal/logging"
)

// Broker is the central registry tying every Process, Node and in-flight
// Transaction together (spec §3.1, component C7) — the single serialization
// point every other file in this package assumes its caller is holding
// (spec §5: "one mutex guards the entire object graph and every process's
// todo queues").
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	ids idGenerator

	processes map[ProcessID]*Process

	contextManager    *Node
	contextManagerEUID uint32
	contextManagerSet bool

	stopOnUserError bool
	log             *logging.Logger
	hooks           Hooks
}

// NewBroker creates an empty broker. stopOnUserError selects whether a
// malformed command aborts the rest of its write_read batch (true) or only
// errors that one command (false); neither setting halts other workers'
// reads.
func NewBroker(log *logging.Logger, stopOnUserError bool) *Broker {
	b := &Broker{
		processes:       make(map[ProcessID]*Process),
		stopOnUserError: stopOnUserError,
		log:             log,
		hooks:           noopHooks{},
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Lock/Unlock expose the broker-wide mutex to the codec layer, which must
// hold it across an entire write_read batch (spec §5) rather than once per
// command.
func (b *Broker) Lock()   { b.mu.Lock() }
func (b *Broker) Unlock() { b.mu.Unlock() }

// Broadcast wakes every goroutine blocked in Wait. The codec layer calls
// this once after processing a write_read batch's write phase, since any
// command in that batch may have queued work for a worker parked in
// another goroutine's blocking read (spec §4.4's call-stealing and §4.3's
// spawn asks both hand work to threads other than the caller's own).
func (b *Broker) Broadcast() { b.cond.Broadcast() }

// Wait blocks the calling goroutine on the broker's condition variable.
// Callers must hold the lock (via Lock, not a bare mutex) when calling it;
// the broker-wide mutex doubles as the read-side blocking primitive so a
// parked reader and an active writer never observe torn state.
func (b *Broker) Wait() { b.cond.Wait() }

// NewProcess admits a new process, allocating its buffer arena.
func (b *Broker) NewProcess(arenaSize int, euid uint32, maxThreads uint32) (*Process, error) {
	id, ext := b.ids.process()
	arena, err := NewArena(arenaSize)
	if err != nil {
		return nil, err
	}
	p := newProcess(id, ext, arena, euid, maxThreads)
	b.processes[id] = p
	return p, nil
}

// findOrCreateNode returns the Node owner already publishes for (ptr,
// cookie), creating and registering one on first mention (spec §4.2).
func (b *Broker) findOrCreateNode(owner *Process, ptr, cookie uint64) *Node {
	for _, n := range owner.Nodes {
		if n.Ptr == ptr && n.Cookie == cookie {
			return n
		}
	}
	id, debugID := b.ids.node()
	n := newNode(id, debugID, owner, ptr, cookie)
	owner.Nodes[id] = n
	return n
}

// adjustNodeRefs enqueues the owner acks a refcount transition on node
// requires (spec §4.2): an idle-to-live edge asks the owner to take a local
// hold (ACQUIRE/INCREFS), a live-to-idle edge tells it to drop one
// (RELEASE/DECREFS). Strong and weak are tracked independently because a
// node can be weakly live (still named by a death subscription or a weak
// handle) without anyone holding a strong reference.
func (b *Broker) adjustNodeRefs(node *Node) {
	if node.Owner == nil {
		return
	}
	if ts := node.totalStrong(); ts > 0 && !node.HasStrong && !node.PendingStrong {
		node.HasStrong = true
		node.PendingStrong = true
		b.askNode(node, NodeAcquire)
	} else if ts == 0 && node.HasStrong {
		node.HasStrong = false
		node.PendingStrong = false
		b.askNode(node, NodeRelease)
	}
	if tw := node.totalWeak(); tw > 0 && !node.HasWeak && !node.PendingWeak {
		node.HasWeak = true
		node.PendingWeak = true
		b.askNode(node, NodeIncRefs)
	} else if tw == 0 && node.HasWeak {
		node.HasWeak = false
		node.PendingWeak = false
		b.askNode(node, NodeDecRefs)
		if !node.Live() {
			delete(node.Owner.Nodes, node.ID)
		}
	}
}

func (b *Broker) askNode(node *Node, op NodeRefOp) {
	node.Owner.Todo.Push(&WorkItem{Kind: WorkNodeRefs, Node: node, RefOp: op})
}

// AcquireDone acknowledges a prior ACQUIRE ask: the owner confirms it now
// holds a local strong count on the node identified by (ptr, cookie).
func (b *Broker) AcquireDone(proc *Process, ptr, cookie uint64) error {
	node := b.ownedNode(proc, ptr, cookie)
	if node == nil {
		return ErrUnknownHandle
	}
	node.PendingStrong = false
	return nil
}

// IncRefsDone acknowledges a prior INCREFS ask (weak-count equivalent of
// AcquireDone).
func (b *Broker) IncRefsDone(proc *Process, ptr, cookie uint64) error {
	node := b.ownedNode(proc, ptr, cookie)
	if node == nil {
		return ErrUnknownHandle
	}
	node.PendingWeak = false
	return nil
}

func (b *Broker) ownedNode(proc *Process, ptr, cookie uint64) *Node {
	for _, n := range proc.Nodes {
		if n.Ptr == ptr && n.Cookie == cookie {
			return n
		}
	}
	return nil
}

// IncRefs/Acquire/Release/DecRefs implement the four explicit local
// refcount commands a process issues against one of its own reference
// handles (spec §4.2). A reference whose strong and weak counts both reach
// zero stops existing, dropping the corresponding hold on the node and
// possibly triggering an owner ack via adjustNodeRefs.
func (b *Broker) IncRefs(proc *Process, desc uint32) error { return b.bumpRef(proc, desc, false, 1) }
func (b *Broker) Acquire(proc *Process, desc uint32) error { return b.bumpRef(proc, desc, true, 1) }
func (b *Broker) Release(proc *Process, desc uint32) error { return b.bumpRef(proc, desc, true, -1) }
func (b *Broker) DecRefs(proc *Process, desc uint32) error { return b.bumpRef(proc, desc, false, -1) }

func (b *Broker) bumpRef(proc *Process, desc uint32, strong bool, delta int) error {
	ref, ok := proc.RefsByDesc[desc]
	if !ok {
		return ErrUnknownHandle
	}
	if delta > 0 {
		if strong {
			ref.addStrong()
		} else {
			ref.addWeak()
		}
		b.adjustNodeRefs(ref.Target)
		return nil
	}
	b.releaseRefHold(ref, strong)
	return nil
}

// releaseRefHold undoes one unit of strong/weak hold a reference contributes
// and, if it is now empty, drops it — the shared tail end of an explicit
// DECREFS/RELEASE (bumpRef) and of FreeBuffer's object-table walk releasing
// a handle entry (spec §4.4.4's ref_dec).
func (b *Broker) releaseRefHold(ref *Reference, strong bool) {
	if strong {
		ref.subStrong()
	} else {
		ref.subWeak()
	}
	b.adjustNodeRefs(ref.Target)
	if ref.Strong <= 0 && ref.Weak <= 0 {
		ref.drop()
	}
}

// releaseNodeLocalHold undoes one unit of the local strong/weak hold a
// delivered buffer's local-binder entry placed on a node it named (spec
// §4.4.4's node_dec), the counterpart to releaseRefHold for objects that
// collapsed to the same-process shortcut in translateObjects.
func (b *Broker) releaseNodeLocalHold(node *Node, strong bool) {
	if strong {
		node.LocalStrong--
	} else {
		node.LocalWeak--
	}
	b.adjustNodeRefs(node)
}

// releaseBufferObjects walks buf's object table, releasing the hold each
// entry placed on the receiver's behalf when the transaction was built
// (spec §4.4.4): a handle entry via ref_dec, a local-binder entry via
// node_dec. FD entries are never recorded in the table since duplicating a
// descriptor carries no refcount to release.
func (b *Broker) releaseBufferObjects(buf *Buffer) {
	for _, o := range buf.Objects {
		switch {
		case o.Ref != nil:
			b.releaseRefHold(o.Ref, o.Strong)
		case o.Node != nil:
			b.releaseNodeLocalHold(o.Node, o.Strong)
		}
	}
	buf.Objects = nil
}

// FreeBuffer reclaims a buffer a process has finished reading, releasing
// every reference or node hold its object table recorded and promoting the
// next queued async transaction for the buffer's target node if one is
// waiting (spec §4.1, §4.2's "at most one async transaction in flight",
// §4.4.4's object-table release).
func (b *Broker) FreeBuffer(proc *Process, offset int) error {
	buf, err := proc.Arena.BufferOf(offset)
	if err != nil {
		return err
	}
	if !buf.AllowUserFree {
		return ErrBufferNotDeliverable
	}
	b.releaseBufferObjects(buf)

	wasAsync := buf.Async
	target := buf.Target
	if err := proc.Arena.Free(buf); err != nil {
		return err
	}
	if !wasAsync {
		return nil
	}
	node, ok := proc.Nodes[target]
	if !ok {
		return nil
	}
	node.AsyncInFlight = false
	if len(node.AsyncTodo) > 0 {
		next := node.AsyncTodo[0]
		node.AsyncTodo = node.AsyncTodo[1:]
		node.AsyncInFlight = true
		proc.Todo.Push(next)
	}
	return nil
}

// SetContextManager installs the singleton node reachable by every process
// at descriptor 0 (spec §4.7). Only one may be registered at a time.
func (b *Broker) SetContextManager(owner *Process, ptr, cookie uint64, euid uint32) error {
	if b.contextManagerSet {
		return ErrContextManagerSet
	}
	node := b.findOrCreateNode(owner, ptr, cookie)
	b.contextManager = node
	b.contextManagerEUID = euid
	b.contextManagerSet = true
	return nil
}

// ReleaseContextManager clears the singleton slot, used when its owning
// process tears down. Checked against proc.Nodes rather than the node's
// Owner field because TeardownProcess has already orphaned every node it
// owned (set Owner to nil) by the time this runs.
func (b *Broker) ReleaseContextManager(proc *Process) {
	if !b.contextManagerSet || b.contextManager == nil {
		return
	}
	if _, ok := proc.Nodes[b.contextManager.ID]; ok {
		b.contextManager = nil
		b.contextManagerSet = false
	}
}

func (b *Broker) ExternalID(p *Process) uuid.UUID { return p.ExternalID }

// StopOnUserError reports whether a malformed write from a process should
// abort the rest of its write_read batch rather than merely erroring that
// one command (spec §4.6's configurable policy).
func (b *Broker) StopOnUserError() bool { return b.stopOnUserError }
