package engine

// TeardownProcess releases everything a departing process held (spec
// §4.6, component C7's release order): every node it owned is orphaned and
// its death subscribers notified, every reference it held into someone
// else's node is dropped (possibly telling that node's owner to release
// its own local hold), its context-manager slot is vacated if it held one,
// and finally its arena is unmapped.
//
// Deferred flags (spec §4.6's PUT_FILES/FLUSH/RELEASE split) are folded
// into a single synchronous pass here: this engine has no outstanding
// kernel-side file table to drain, so there is nothing left to defer once
// the caller (the transport layer, on connection loss) decides the process
// is really gone.
func (b *Broker) TeardownProcess(proc *Process) error {
	if proc.Dead {
		return nil
	}
	proc.Dead = true

	for _, node := range proc.Nodes {
		node.Owner = nil
		b.notifyDeath(node)
	}

	for _, ref := range proc.RefsByNode {
		node := ref.Target
		ref.releaseAll()
		if node.Owner != nil {
			b.adjustNodeRefs(node)
		}
		ref.drop()
	}

	b.ReleaseContextManager(proc)

	err := proc.Arena.Close()
	delete(b.processes, proc.ID)
	b.hooks.OnProcessTornDown()
	return err
}
