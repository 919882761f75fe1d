package engine

import "github.com/google/uuid"

// Node is a service entity published by exactly one process (spec §3.1,
// component C2). It is kept alive by the strong/weak refcounts contributed
// by every Reference that targets it, plus the owning process's own
// "local" count from having the entity open in-process.
//
// Node mirrors struct binder_node's split between internal refcounts
// (contributed by remote references, tracked here as InternalStrong/Weak)
// and local refcounts (the owner's own handle on the entity, LocalStrong/
// Weak) — the distinction that makes INCREFS/ACQUIRE/RELEASE/DECREFS to the
// owner only fire on a 0-to-1 or 1-to-0 edge rather than every refcount
// change.
type Node struct {
	ID      NodeID
	DebugID uuid.UUID

	Owner  *Process // nil once orphaned (spec §4.6)
	Ptr    uint64   // owner-opaque identifier, round-tripped unexamined
	Cookie uint64

	InternalStrong int
	InternalWeak   int
	// LocalStrong/LocalWeak also count a delivered buffer's temporary hold
	// on a node it names directly (spec §4.4.4's same-process shortcut),
	// released when the receiver frees that buffer.
	LocalStrong int
	LocalWeak   int

	// HasStrong/HasWeak track whether the owner has been told to hold a
	// user-side reference; PendingStrong/PendingWeak track an ask in
	// flight that hasn't been acknowledged yet (spec §4.2's ACQUIRE_DONE/
	// INCREFS_DONE race window).
	HasStrong, HasWeak         bool
	PendingStrong, PendingWeak bool

	AcceptsFDs  bool
	MinPriority uint8

	// AsyncInFlight enforces "at most one async transaction in flight per
	// node" (spec §4.2); AsyncTodo queues further async sends behind it.
	AsyncInFlight bool
	AsyncTodo     []*WorkItem

	// Refs indexes every Reference across every process that currently
	// targets this node, keyed by the referencing process so a process
	// teardown can walk exactly the references it must drop.
	Refs map[ProcessID]*Reference
}

func newNode(id NodeID, debugID uuid.UUID, owner *Process, ptr, cookie uint64) *Node {
	return &Node{
		ID:      id,
		DebugID: debugID,
		Owner:   owner,
		Ptr:     ptr,
		Cookie:  cookie,
		Refs:    make(map[ProcessID]*Reference),
	}
}

// totalStrong/totalWeak report the node's combined internal+local count,
// the value that determines the owner is due a HasStrong/HasWeak edge.
func (n *Node) totalStrong() int { return n.InternalStrong + n.LocalStrong }
func (n *Node) totalWeak() int   { return n.InternalWeak + n.LocalWeak }

// Live reports whether anything still keeps the node from being released:
// a nonzero weak count, or any reference still indexing it.
func (n *Node) Live() bool {
	return n.totalWeak() > 0 || len(n.Refs) > 0
}
