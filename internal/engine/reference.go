package engine

// Reference is one process's handle on a Node (spec §3.1, component C2).
// Desc is the small positive integer the owning process uses to name it on
// the wire; descriptor 0 is reserved for the context manager singleton
// (spec §4.7).
type Reference struct {
	Owner  *Process
	Target *Node
	Desc   uint32

	Strong int
	Weak   int

	Death *DeathSubscription // nil unless a death notification is registered
}

// DeathSubscription is a process's request to be told when Target's owner
// goes away (spec §4.5, component C5).
type DeathSubscription struct {
	Ref     *Reference
	Cookie  uint64
	Cleared bool // a CLEAR_DEATH_NOTIFICATION raced the delivery
	Sent    bool // DEAD_BINDER already queued
}

// allocDesc picks the smallest unused positive integer handle for a new
// reference in this process, per spec §3.1. 0 is reserved for the context
// manager, which resolveTarget reaches directly without any Reference; this
// search never returns it.
func (p *Process) allocDesc() uint32 {
	var d uint32 = 1
	for {
		if _, used := p.RefsByDesc[d]; !used {
			return d
		}
		d++
	}
}

// referenceTo returns this process's existing Reference to node, if any.
func (p *Process) referenceTo(node *Node) *Reference {
	return p.RefsByNode[node.ID]
}

// newReference creates and indexes a fresh Reference from p to node at the
// given descriptor (the caller picks the descriptor so the context-manager
// special case of Desc==0 can be expressed without a second code path).
func (p *Process) newReference(node *Node, desc uint32) *Reference {
	ref := &Reference{Owner: p, Target: node, Desc: desc}
	p.RefsByDesc[desc] = ref
	p.RefsByNode[node.ID] = ref
	node.Refs[p.ID] = ref
	return ref
}

// addStrong/addWeak strengthen ref by one unit and, only on its own 0-to-1
// edge, bump the target node's internal refcount — per invariant 4 a
// reference contributes exactly 1 to the node's internal count while its
// own count is nonzero, never more, however many times it is strengthened.
func (ref *Reference) addStrong() {
	if ref.Strong == 0 {
		ref.Target.InternalStrong++
	}
	ref.Strong++
}

func (ref *Reference) addWeak() {
	if ref.Weak == 0 {
		ref.Target.InternalWeak++
	}
	ref.Weak++
}

// subStrong/subWeak undo one unit of addStrong/addWeak, dropping the node's
// internal contribution only on the matching 1-to-0 edge.
func (ref *Reference) subStrong() {
	ref.Strong--
	if ref.Strong <= 0 {
		ref.Target.InternalStrong--
	}
}

func (ref *Reference) subWeak() {
	ref.Weak--
	if ref.Weak <= 0 {
		ref.Target.InternalWeak--
	}
}

// releaseAll drops every hold ref still contributes to its target node in
// one step, used when a reference is discarded in bulk (process teardown)
// rather than unwound one unit at a time. A reference contributes at most 1
// regardless of its own magnitude, so only whether it was ever nonzero
// matters, not the value itself.
func (ref *Reference) releaseAll() {
	if ref.Strong > 0 {
		ref.Target.InternalStrong--
	}
	if ref.Weak > 0 {
		ref.Target.InternalWeak--
	}
	ref.Strong = 0
	ref.Weak = 0
}

// drop removes ref from every index that points to it. Callers are
// responsible for having already driven Strong/Weak to zero and for
// releasing the node's corresponding internal refcounts.
func (ref *Reference) drop() {
	p := ref.Owner
	delete(p.RefsByDesc, ref.Desc)
	delete(p.RefsByNode, ref.Target.ID)
	delete(ref.Target.Refs, p.ID)
}
